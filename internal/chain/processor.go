package chain

import (
	"fmt"
	"time"

	"github.com/ledgerforge/corechain/internal/consensus"
	"github.com/ledgerforge/corechain/pkg/block"
	"github.com/ledgerforge/corechain/pkg/tx"
)

// validateBlockState performs every check that block.Validate cannot, since
// it depends on chain state: the engine's header checks plus declared-
// difficulty retarget (I7), the median-time-past timestamp bound (I6), the
// coinbase reward cap and maturity rule, and a dry run of every transaction
// against the live UTXO set. It never mutates state; commitBlock does that
// once this has returned nil.
func (c *Chain) validateBlockState(blk *block.Block) error {
	now := time.Now()
	if err := c.validator.ValidateBlock(blk, now); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}

	if err := c.verifyDifficulty(blk); err != nil {
		return err
	}
	if err := c.verifyTimestamp(blk, now); err != nil {
		return err
	}
	if err := c.checkCoinbaseReward(blk); err != nil {
		return err
	}
	return c.dryRunTransactions(blk)
}

// verifyDifficulty checks the block's declared difficulty against the value
// the retarget schedule expects, for engines that use one. Non-PoW engines
// own their own difficulty semantics and are left alone.
func (c *Chain) verifyDifficulty(blk *block.Block) error {
	pow, ok := c.engine.(*consensus.PoW)
	if !ok {
		return nil
	}

	var prevDifficulty uint32
	if blk.Header.Index > 0 {
		prevBlk, err := c.loadBlock(blk.Header.Index - 1)
		if err != nil {
			return fmt.Errorf("%w: load parent for difficulty check: %v", ErrInvalidBlock, err)
		}
		prevDifficulty = prevBlk.Header.Difficulty
	}
	if err := pow.VerifyDifficulty(blk.Header, prevDifficulty, c.blockTimestamp); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	return nil
}

// verifyTimestamp enforces I6: a new block's timestamp must fall strictly
// after the median of the trailing window and not too far beyond now.
func (c *Chain) verifyTimestamp(blk *block.Block, now time.Time) error {
	mtp, err := consensus.MedianTimePast(c.state.Height, c.blockTimestamp)
	if err == nil && blk.Header.Timestamp <= mtp {
		return fmt.Errorf("%w: timestamp %d <= median time past %d", ErrTimestampBeforeParent, blk.Header.Timestamp, mtp)
	}
	maxFuture := now.Add(tx.MaxFutureDrift).Unix()
	if blk.Header.Timestamp > maxFuture {
		return fmt.Errorf("%w: timestamp %d exceeds %d", ErrTimestampTooFuture, blk.Header.Timestamp, maxFuture)
	}
	return nil
}

// checkCoinbaseReward bounds the coinbase output against the protocol
// reward plus the block's collected fees, clamped to whatever headroom
// remains under the supply cap (I5).
func (c *Chain) checkCoinbaseReward(blk *block.Block) error {
	var fees uint64
	for _, t := range blk.Transactions[1:] {
		fees += uint64(t.Fee)
	}

	reward := c.blockReward
	if c.maxSupply > 0 {
		if c.state.Supply >= c.maxSupply {
			reward = 0
		} else if c.state.Supply+reward > c.maxSupply {
			reward = c.maxSupply - c.state.Supply
		}
	}

	got := uint64(blk.Transactions[0].Outputs[0].Amount)
	maxAllowed := reward + fees
	if got > maxAllowed {
		return fmt.Errorf("%w: coinbase pays %d, max allowed %d (reward %d + fees %d)",
			ErrCoinbaseRewardExceeded, got, maxAllowed, reward, fees)
	}
	return nil
}

// dryRunTransactions checks every non-coinbase transaction against the live
// UTXO set without mutating it: input existence, double-spend, ownership,
// amount coverage, signature, and coinbase maturity.
func (c *Chain) dryRunTransactions(blk *block.Block) error {
	for i, t := range blk.Transactions {
		if t.IsCoinbase() {
			continue
		}
		if _, _, err := t.ValidateWithUTXOs(time.Unix(blk.Header.Timestamp, 0), c.utxos); err != nil {
			return fmt.Errorf("%w: tx %d (%s): %v", ErrInvalidTransaction, i, t.TxID, err)
		}
		if err := c.checkCoinbaseMaturity(t, blk.Header.Index); err != nil {
			return err
		}
	}
	return nil
}

// checkCoinbaseMaturity rejects a transaction that spends a coinbase output
// before it has aged coinbaseMaturity blocks (I4).
func (c *Chain) checkCoinbaseMaturity(t *tx.Transaction, height uint64) error {
	for _, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		u, err := c.utxos.Get(in.PrevOut)
		if err != nil {
			continue // Already reported as unknown input by ValidateWithUTXOs.
		}
		if u.Coinbase && height < u.Height+c.coinbaseMaturity {
			return fmt.Errorf("%w: spends coinbase output from height %d, matures at %d, block at %d",
				ErrCoinbaseNotMature, u.Height, u.Height+c.coinbaseMaturity, height)
		}
	}
	return nil
}

// applyBlock mechanically applies blk's transactions to the UTXO set,
// without re-validating it, returning undo data plus the newly minted
// supply (total output value less total input value across the block —
// for an ordinary block this is the coinbase payout less the fees the
// block's transfers paid, and for genesis it is the full allocation amount
// of its unbacked allocation transfers).
// Used by both commitBlock and the full-replay recovery path.
func (c *Chain) applyBlock(blk *block.Block) (*UndoData, uint64, error) {
	undo := &UndoData{BlockHash: blk.Hash()}
	var totalIn, totalOut uint64

	for i, t := range blk.Transactions {
		for _, in := range t.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, err := c.utxos.Get(in.PrevOut)
			if err != nil {
				return nil, 0, fmt.Errorf("apply block: get input %s: %w", in.PrevOut, err)
			}
			undo.SpentUTXOs = append(undo.SpentUTXOs, *u)
			totalIn += u.Amount
		}

		if err := c.utxos.ApplyTransaction(t, blk.Header.Index, i == 0); err != nil {
			return nil, 0, fmt.Errorf("apply block: tx %d (%s): %w", i, t.TxID, err)
		}

		for j, out := range t.Outputs {
			undo.CreatedOutpoints = append(undo.CreatedOutpoints, outpointOf(t.TxID, j))
			totalOut += uint64(out.Amount)
		}
		undo.TxHashes = append(undo.TxHashes, t.TxID)
	}

	var minted uint64
	if totalOut > totalIn {
		minted = totalOut - totalIn
	}
	undo.Minted = minted
	return undo, minted, nil
}

// commitBlock applies blk (via applyBlock), persists its body to the block
// store, and persists its undo data. Callers must have already passed blk
// through validateBlockState.
func (c *Chain) commitBlock(blk *block.Block) (*UndoData, uint64, error) {
	undo, minted, err := c.applyBlock(blk)
	if err != nil {
		return nil, 0, err
	}
	if err := c.blocks.Append(blk, c.idx); err != nil {
		return nil, 0, fmt.Errorf("commit block: append: %w", err)
	}
	if err := c.meta.PutUndo(blk.Hash(), undo); err != nil {
		return nil, 0, fmt.Errorf("commit block: persist undo: %w", err)
	}
	return undo, minted, nil
}
