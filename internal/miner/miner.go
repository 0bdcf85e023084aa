// Package miner implements block production (C6's Produce half).
package miner

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ledgerforge/corechain/internal/consensus"
	"github.com/ledgerforge/corechain/pkg/block"
	"github.com/ledgerforge/corechain/pkg/tx"
	"github.com/ledgerforge/corechain/pkg/types"
)

// ChainState provides read-only access to the current chain tip.
type ChainState interface {
	Height() uint64
	TipHash() types.Hash
	TipTimestamp() int64
	// MedianTimePast returns the median of the last 11 block timestamps
	// ending at the current tip (spec.md §4.6).
	MedianTimePast() (int64, error)
}

// MempoolSelector selects transactions for block inclusion.
type MempoolSelector interface {
	SelectForBlock(limit int) []*tx.Transaction
	GetFee(txHash types.Hash) uint64
}

// SupplyFunc returns the current total coin supply.
type SupplyFunc func() uint64

const defaultMaxBlockTxs = 20000

// Miner produces new blocks.
type Miner struct {
	chain        ChainState
	engine       consensus.Engine
	pool         MempoolSelector
	coinbaseAddr types.Address
	blockReward  uint64
	maxSupply    uint64 // 0 = unlimited
	supplyFn     SupplyFunc
	maxBlockTxs  int
}

// New creates a new block producer.
func New(chain ChainState, engine consensus.Engine, pool MempoolSelector,
	coinbaseAddr types.Address, blockReward, maxSupply uint64, supplyFn SupplyFunc) *Miner {
	return &Miner{
		chain:        chain,
		engine:       engine,
		pool:         pool,
		coinbaseAddr: coinbaseAddr,
		blockReward:  blockReward,
		maxSupply:    maxSupply,
		supplyFn:     supplyFn,
		maxBlockTxs:  defaultMaxBlockTxs,
	}
}

// SetMaxBlockTxs overrides the default per-block transaction cap.
func (m *Miner) SetMaxBlockTxs(n int) {
	if n > 0 {
		m.maxBlockTxs = n
	}
}

// ProduceBlock builds, seals, and returns a new block using the current
// time. The block is not applied to the chain; the caller applies it (e.g.
// Chain.MineNext calls AppendBlock).
func (m *Miner) ProduceBlock() (*block.Block, error) {
	return m.produceBlock(context.Background(), time.Now().Unix())
}

// ProduceBlockCtx builds and seals a block with cancellation support. When
// ctx is cancelled, PoW sealing stops immediately.
func (m *Miner) ProduceBlockCtx(ctx context.Context) (*block.Block, error) {
	return m.produceBlock(ctx, time.Now().Unix())
}

func (m *Miner) produceBlock(ctx context.Context, wallClock int64) (*block.Block, error) {
	timestamp := wallClock
	mtp, err := m.chain.MedianTimePast()
	if err == nil && timestamp < mtp+1 {
		timestamp = mtp + 1
	}

	var selected []*tx.Transaction
	var totalFees uint64
	if m.pool != nil {
		selected = m.pool.SelectForBlock(m.maxBlockTxs - 1) // Reserve a slot for coinbase.
		for _, t := range selected {
			totalFees += m.pool.GetFee(t.TxID)
		}
	}

	reward := m.blockReward
	if m.maxSupply > 0 && m.supplyFn != nil {
		currentSupply := m.supplyFn()
		if currentSupply >= m.maxSupply {
			reward = 0
		} else if currentSupply+reward > m.maxSupply {
			reward = m.maxSupply - currentSupply
		}
	}

	// Canonical ordering for non-coinbase transactions: ascending txid.
	sort.Slice(selected, func(i, j int) bool {
		return selected[i].TxID.Less(selected[j].TxID)
	})

	height := m.chain.Height() + 1
	coinbase := BuildCoinbase(m.coinbaseAddr, reward+totalFees, height, timestamp)

	txs := make([]*tx.Transaction, 0, 1+len(selected))
	txs = append(txs, coinbase)
	txs = append(txs, selected...)

	txHashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		txHashes[i] = t.TxID
	}
	merkle := block.ComputeMerkleRoot(txHashes)

	header := &block.Header{
		Version:    block.CurrentVersion,
		Index:      height,
		PrevHash:   m.chain.TipHash(),
		MerkleRoot: merkle,
		Timestamp:  timestamp,
	}

	if err := m.engine.Prepare(header); err != nil {
		return nil, fmt.Errorf("prepare header: %w", err)
	}

	blk := block.NewBlock(header, txs, m.coinbaseAddr)

	// Use cancellable sealing if the engine supports it (PoW).
	if pow, ok := m.engine.(*consensus.PoW); ok {
		if err := pow.SealWithCancel(ctx, blk); err != nil {
			return nil, fmt.Errorf("seal block: %w", err)
		}
	} else if err := m.engine.Seal(blk); err != nil {
		return nil, fmt.Errorf("seal block: %w", err)
	}

	return blk, nil
}

// BuildCoinbase creates the coinbase transaction crediting addr with
// reward. height is carried in metadata so that coinbases with an
// otherwise identical reward/recipient across different blocks still
// produce distinct transaction ids.
func BuildCoinbase(addr types.Address, reward, height uint64, timestamp int64) *tx.Transaction {
	t := &tx.Transaction{
		TxType:    tx.TxCoinbase,
		Recipient: addr,
		Amount:    tx.Amount(reward),
		Timestamp: timestamp,
		Outputs:   []tx.Output{{Address: addr, Amount: tx.Amount(reward)}},
		Metadata:  map[string]string{"height": strconv.FormatUint(height, 10)},
	}
	t.Finalize()
	return t
}
