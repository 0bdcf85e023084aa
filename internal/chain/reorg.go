package chain

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ledgerforge/corechain/internal/events"
	"github.com/ledgerforge/corechain/internal/log"
	"github.com/ledgerforge/corechain/internal/utxo"
	"github.com/ledgerforge/corechain/pkg/block"
	"github.com/ledgerforge/corechain/pkg/tx"
	"github.com/ledgerforge/corechain/pkg/types"
)

// UndoData stores the information needed to revert a block's UTXO changes:
// the pre-spend copies of every input it consumed, the outpoints it
// created, and the net new value it minted (see applyBlock).
type UndoData struct {
	BlockHash        types.Hash       `json:"block_hash"`
	SpentUTXOs       []utxo.UTXO      `json:"spent_utxos"`
	CreatedOutpoints []types.Outpoint `json:"created_outpoints"`
	TxHashes         []types.Hash     `json:"tx_hashes"`
	Minted           uint64           `json:"minted"`
}

func outpointOf(txid types.Hash, index int) types.Outpoint {
	return types.Outpoint{TxID: txid, Index: uint32(index)}
}

// ErrReorgTooDeep is returned when a candidate fork branch traces back
// further than maxReorgDepth blocks without meeting the main chain.
var ErrReorgTooDeep = errors.New("reorg exceeds maximum depth")

// forkPool holds blocks that extend a known ancestor other than the
// current tip, keyed by their own hash, until the branch they belong to
// either accumulates enough cumulative work to trigger a reorg or is
// abandoned (spec.md §4.7).
type forkPool struct {
	mu     sync.Mutex
	blocks map[types.Hash]*block.Block
}

func newForkPool() *forkPool {
	return &forkPool{blocks: make(map[types.Hash]*block.Block)}
}

func (p *forkPool) add(blk *block.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocks[blk.Hash()] = blk
}

func (p *forkPool) has(hash types.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.blocks[hash]
	return ok
}

func (p *forkPool) get(hash types.Hash) (*block.Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	blk, ok := p.blocks[hash]
	return blk, ok
}

func (p *forkPool) remove(hashes ...types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		delete(p.blocks, h)
	}
}

// handlePossibleForkLocked parks blk in the fork pool and, if the branch it
// belongs to now outweighs the main chain, triggers a reorg onto it.
func (c *Chain) handlePossibleForkLocked(blk *block.Block) error {
	hash := blk.Hash()
	c.forks.add(blk)

	branch, err := c.collectBranch(hash)
	if err != nil {
		if errors.Is(err, ErrPrevNotFound) {
			c.forks.remove(hash)
			c.orphans.add(blk)
			c.publish(events.Event{Type: events.NeedBlock, PrevHash: toEventHash(blk.Header.PrevHash)})
			return nil
		}
		return classify(err)
	}

	var work uint64
	for _, b := range branch {
		work += workForDifficulty(b.Header.Difficulty)
	}
	// Both chains share the work up to the fork point, so the branch is
	// weighed against the main-chain blocks above it.
	var mainWork uint64
	for h := c.state.Height; h > branch[0].Header.Index-1; h-- {
		mb, err := c.loadBlock(h)
		if err != nil {
			return classify(err)
		}
		mainWork += workForDifficulty(mb.Header.Difficulty)
	}
	if work <= mainWork {
		return nil // Fork doesn't yet outweigh the main chain; keep waiting.
	}

	if err := c.reorgTo(branch); err != nil {
		return classify(err)
	}
	for _, b := range branch {
		c.forks.remove(b.Hash())
	}
	c.releaseOrphans(hash)
	return nil
}

// collectBranch walks backward from tipHash through the fork pool until it
// reaches a block already indexed on the main chain (the fork point),
// returning the branch in ascending height order.
func (c *Chain) collectBranch(tipHash types.Hash) ([]*block.Block, error) {
	var branch []*block.Block
	hash := tipHash
	for {
		if _, ok, err := c.idx.GetHeight(hash); err == nil && ok {
			break // Reached the fork point, already on the main chain.
		}
		blk, ok := c.forks.get(hash)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPrevNotFound, hash)
		}
		branch = append(branch, blk)
		if len(branch) > maxReorgDepth {
			return nil, fmt.Errorf("%w: branch exceeds %d blocks", ErrReorgTooDeep, maxReorgDepth)
		}
		hash = blk.Header.PrevHash
	}

	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	return branch, nil
}

// Reorg switches the active chain to the branch ending at newTipHash, which
// must currently sit in the fork pool. Exposed for operator/test-triggered
// reorgs outside the normal receive-block flow.
func (c *Chain) Reorg(newTipHash types.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	branch, err := c.collectBranch(newTipHash)
	if err != nil {
		return classify(err)
	}
	if err := c.reorgTo(branch); err != nil {
		return classify(err)
	}
	for _, b := range branch {
		c.forks.remove(b.Hash())
	}
	return nil
}

// reorgTo reverts the main chain down to branch's fork point and replays
// branch on top of it. A reorg checkpoint is held in meta for the duration
// so a crash mid-reorg can be detected and repaired on restart.
func (c *Chain) reorgTo(branch []*block.Block) error {
	if len(branch) == 0 {
		return fmt.Errorf("reorg: empty branch")
	}
	forkHeight := branch[0].Header.Index - 1
	oldTip := c.state.TipHash

	if err := c.meta.PutReorgCheckpoint(forkHeight); err != nil {
		return fmt.Errorf("reorg: write checkpoint: %w", err)
	}

	var revertedTxs []*tx.Transaction
	for h := c.state.Height; h > forkHeight; h-- {
		blk, err := c.loadBlock(h)
		if err != nil {
			return fmt.Errorf("reorg: load block %d: %w", h, err)
		}
		undo, found, err := c.meta.GetUndo(blk.Hash())
		if err != nil {
			return fmt.Errorf("reorg: load undo for height %d: %w", h, err)
		}
		if !found {
			return c.rebuildReorg(branch, forkHeight)
		}
		if err := c.revertBlock(undo); err != nil {
			return fmt.Errorf("reorg: revert height %d: %w", h, err)
		}
		if err := c.meta.DeleteUndo(blk.Hash()); err != nil {
			log.Chain.Warn().Err(err).Str("hash", blk.Hash().String()).Msg("delete undo during reorg")
		}
		for _, t := range blk.Transactions {
			if !t.IsCoinbase() {
				revertedTxs = append(revertedTxs, t)
			}
		}

		c.state.Supply -= undo.Minted
		c.state.CumulativeDifficulty -= workForDifficulty(blk.Header.Difficulty)
	}
	c.state.Height = forkHeight

	if err := c.idx.RemoveFrom(forkHeight + 1); err != nil {
		return fmt.Errorf("reorg: prune index: %w", err)
	}

	for _, blk := range branch {
		if err := c.validateBlockState(blk); err != nil {
			return fmt.Errorf("reorg: validate height %d: %w", blk.Header.Index, err)
		}
		_, minted, err := c.commitBlock(blk)
		if err != nil {
			return fmt.Errorf("reorg: commit height %d: %w", blk.Header.Index, err)
		}

		c.state.Height = blk.Header.Index
		c.state.TipHash = blk.Hash()
		c.state.TipTimestamp = blk.Header.Timestamp
		c.state.Supply += minted
		c.state.CumulativeDifficulty += workForDifficulty(blk.Header.Difficulty)

		c.idx.CachePut(blk.Header.Index, blk)
		if c.pool != nil {
			c.pool.RemoveConfirmed(blk.Transactions)
		}
	}

	if err := c.meta.SetTip(c.state.TipHash, c.state.Height, c.state.Supply); err != nil {
		return fmt.Errorf("reorg: set tip: %w", err)
	}
	if err := c.meta.SetCumulativeDifficulty(c.state.CumulativeDifficulty); err != nil {
		return fmt.Errorf("reorg: set cumulative difficulty: %w", err)
	}
	if err := c.meta.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("reorg: clear checkpoint: %w", err)
	}

	if c.pool != nil {
		for _, t := range revertedTxs {
			if c.pool.Has(t.TxID) {
				continue
			}
			if _, err := c.pool.Add(time.Now(), t); err != nil {
				log.Chain.Warn().Err(err).Str("txid", t.TxID.String()).Msg("reorg: dropping reverted transaction")
			}
		}
	}

	c.publish(events.Event{
		Type:      events.ChainReorg,
		Height:    c.state.Height,
		Hash:      toEventHash(c.state.TipHash),
		ForkPoint: forkHeight,
		OldTip:    toEventHash(oldTip),
		NewTip:    toEventHash(c.state.TipHash),
	})
	return nil
}

// revertBlock reverses applyBlock: deletes the outputs it created, then
// restores every input it spent to its pre-spend state.
func (c *Chain) revertBlock(undo *UndoData) error {
	for i := len(undo.CreatedOutpoints) - 1; i >= 0; i-- {
		if err := c.utxos.Delete(undo.CreatedOutpoints[i]); err != nil {
			return fmt.Errorf("revert block: delete output %s: %w", undo.CreatedOutpoints[i], err)
		}
	}
	for i := range undo.SpentUTXOs {
		u := undo.SpentUTXOs[i]
		if err := c.utxos.Put(&u); err != nil {
			return fmt.Errorf("revert block: restore input %s: %w", u.Outpoint, err)
		}
	}
	return nil
}

// rebuildReorg is the fallback path when a block on the old branch is
// missing its undo data (e.g. recovering from a backup restore that
// predates it): commit the new branch directly, then rebuild UTXO state
// from scratch by replaying the whole chain from genesis.
func (c *Chain) rebuildReorg(branch []*block.Block, forkHeight uint64) error {
	log.Chain.Warn().Uint64("fork_height", forkHeight).Msg("undo data missing during reorg, falling back to full rebuild")
	oldTip := c.state.TipHash

	if err := c.idx.RemoveFrom(forkHeight + 1); err != nil {
		return fmt.Errorf("rebuild reorg: prune index: %w", err)
	}
	for _, blk := range branch {
		if err := c.validateBlockState(blk); err != nil {
			return fmt.Errorf("rebuild reorg: validate height %d: %w", blk.Header.Index, err)
		}
		if err := c.blocks.Append(blk, c.idx); err != nil {
			return fmt.Errorf("rebuild reorg: append height %d: %w", blk.Header.Index, err)
		}
		c.idx.CachePut(blk.Header.Index, blk)
	}

	c.state.Height = branch[len(branch)-1].Header.Index
	if err := c.rebuildFromBlocks(); err != nil {
		return fmt.Errorf("rebuild reorg: %w", err)
	}
	if c.pool != nil {
		for _, blk := range branch {
			c.pool.RemoveConfirmed(blk.Transactions)
		}
	}
	if err := c.meta.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("rebuild reorg: clear checkpoint: %w", err)
	}
	c.publish(events.Event{
		Type:      events.ChainReorg,
		Height:    c.state.Height,
		Hash:      toEventHash(c.state.TipHash),
		ForkPoint: forkHeight,
		OldTip:    toEventHash(oldTip),
		NewTip:    toEventHash(c.state.TipHash),
	})
	return nil
}
