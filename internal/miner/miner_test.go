package miner

import (
	"testing"
	"time"

	"github.com/ledgerforge/corechain/internal/consensus"
	"github.com/ledgerforge/corechain/pkg/tx"
	"github.com/ledgerforge/corechain/pkg/types"
)

// --- BuildCoinbase ---

func TestBuildCoinbase(t *testing.T) {
	addr := types.Address{0x01, 0x02, 0x03}
	cb := BuildCoinbase(addr, 50000, 42, 1700000000)

	if len(cb.Inputs) != 0 {
		t.Fatalf("inputs: got %d, want 0", len(cb.Inputs))
	}
	if len(cb.Signature) != 0 {
		t.Error("coinbase should have no signature")
	}
	if len(cb.Outputs) != 1 {
		t.Fatalf("outputs: got %d, want 1", len(cb.Outputs))
	}
	if cb.Outputs[0].Amount != 50000 {
		t.Errorf("output amount: got %d, want 50000", cb.Outputs[0].Amount)
	}
	if cb.Outputs[0].Address != addr {
		t.Error("output address mismatch")
	}
	if cb.Metadata["height"] != "42" {
		t.Errorf("metadata height: got %q, want \"42\"", cb.Metadata["height"])
	}

	// Different heights must produce different tx ids.
	cb2 := BuildCoinbase(addr, 50000, 43, 1700000000)
	if cb.TxID == cb2.TxID {
		t.Error("coinbase txs at different heights must have different txids")
	}
}

func TestBuildCoinbase_Validate(t *testing.T) {
	addr := types.Address{0xaa}
	cb := BuildCoinbase(addr, 1000, 1, 1700000000)

	if err := cb.Validate(time.Now()); err != nil {
		t.Errorf("coinbase should pass Validate: %v", err)
	}
}

// --- mockChainState ---

type mockChainState struct {
	height  uint64
	tipHash types.Hash
	mtp     int64
	mtpErr  error
}

func (m *mockChainState) Height() uint64      { return m.height }
func (m *mockChainState) TipHash() types.Hash { return m.tipHash }
func (m *mockChainState) TipTimestamp() int64 { return m.mtp }
func (m *mockChainState) MedianTimePast() (int64, error) {
	return m.mtp, m.mtpErr
}

// --- mockMempool ---

type mockMempool struct {
	txs  []*tx.Transaction
	fees map[types.Hash]uint64
}

func newMockMempool(txs []*tx.Transaction, fees map[types.Hash]uint64) *mockMempool {
	return &mockMempool{txs: txs, fees: fees}
}

func (m *mockMempool) SelectForBlock(limit int) []*tx.Transaction {
	if limit >= len(m.txs) {
		return m.txs
	}
	return m.txs[:limit]
}

func (m *mockMempool) GetFee(txHash types.Hash) uint64 {
	if m.fees == nil {
		return 0
	}
	return m.fees[txHash]
}

// --- Miner ---

func newPoWEngine(t *testing.T) *consensus.PoW {
	t.Helper()
	pow, err := consensus.NewPoW(1, 0, 3)
	if err != nil {
		t.Fatalf("NewPoW: %v", err)
	}
	return pow
}

func testMiner(t *testing.T) *Miner {
	t.Helper()
	pow := newPoWEngine(t)
	addr := types.Address{0x42}
	chain := &mockChainState{height: 0, tipHash: types.Hash{0xaa, 0xbb}, mtp: 1000}

	return New(chain, pow, nil, addr, 50000, 0, nil)
}

func TestMiner_ProduceBlock(t *testing.T) {
	m := testMiner(t)

	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	if blk.Header.Index != 1 {
		t.Errorf("index: got %d, want 1", blk.Header.Index)
	}
	if blk.Header.PrevHash != (types.Hash{0xaa, 0xbb}) {
		t.Error("PrevHash should match chain tip")
	}
	if blk.Header.Timestamp == 0 {
		t.Error("timestamp should not be zero")
	}
	if !blk.Header.MeetsDifficulty() {
		t.Error("block should be sealed to meet its difficulty")
	}
	if len(blk.Transactions) != 1 {
		t.Fatalf("expected 1 tx (coinbase), got %d", len(blk.Transactions))
	}
	if blk.Transactions[0].Outputs[0].Amount != 50000 {
		t.Error("coinbase output amount mismatch")
	}
}

func TestMiner_ProduceBlock_ValidStructure(t *testing.T) {
	m := testMiner(t)

	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	if err := blk.Validate(time.Now()); err != nil {
		t.Errorf("block should pass Validate: %v", err)
	}
}

func TestMiner_ProduceBlock_ValidConsensus(t *testing.T) {
	pow := newPoWEngine(t)
	addr := types.Address{0x42}
	chain := &mockChainState{height: 5, tipHash: types.Hash{0x11}, mtp: 1000}
	m := New(chain, pow, nil, addr, 1000, 0, nil)

	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	if err := pow.VerifyHeader(blk.Header); err != nil {
		t.Errorf("block should pass consensus: %v", err)
	}
	if blk.Header.Index != 6 {
		t.Errorf("index: got %d, want 6", blk.Header.Index)
	}
}

func buildMempoolTx(t *testing.T, fee tx.Amount) *tx.Transaction {
	t.Helper()
	b := tx.NewBuilder(tx.TxTransfer)
	b.SetSender(types.Address{0x01}).
		SetRecipient(types.Address{0x02}, 500).
		SetFee(fee).
		SetTimestamp(1700000000).
		AddInput(types.Outpoint{TxID: types.Hash{0xff}, Index: 0}).
		AddOutput(types.Address{0x02}, 500)
	transaction := b.Build()
	transaction.Finalize()
	return transaction
}

func TestMiner_ProduceBlock_WithMempool(t *testing.T) {
	pow := newPoWEngine(t)
	addr := types.Address{0x42}
	chain := &mockChainState{height: 0, tipHash: types.Hash{0x01}, mtp: 1000}

	mempoolTx := buildMempoolTx(t, 100)
	fees := map[types.Hash]uint64{mempoolTx.TxID: 100}
	pool := newMockMempool([]*tx.Transaction{mempoolTx}, fees)

	m := New(chain, pow, pool, addr, 50000, 0, nil)

	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	if len(blk.Transactions) != 2 {
		t.Errorf("expected 2 txs, got %d", len(blk.Transactions))
	}

	expectedValue := tx.Amount(50000 + 100)
	if blk.Transactions[0].Outputs[0].Amount != expectedValue {
		t.Errorf("coinbase value: got %d, want %d (reward + fees)", blk.Transactions[0].Outputs[0].Amount, expectedValue)
	}
}

// --- Supply Cap ---

func TestMiner_ProduceBlock_SupplyCapReduced(t *testing.T) {
	pow := newPoWEngine(t)
	addr := types.Address{0x42}
	chain := &mockChainState{height: 0, tipHash: types.Hash{0x01}, mtp: 1000}

	supply := uint64(80)
	m := New(chain, pow, nil, addr, 50, 100, func() uint64 { return supply })

	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	coinbaseValue := blk.Transactions[0].Outputs[0].Amount
	if coinbaseValue != 20 {
		t.Errorf("coinbase value: got %d, want 20 (capped by supply)", coinbaseValue)
	}
}

func TestMiner_ProduceBlock_SupplyCapZeroReward(t *testing.T) {
	pow := newPoWEngine(t)
	addr := types.Address{0x42}
	chain := &mockChainState{height: 0, tipHash: types.Hash{0x01}, mtp: 1000}

	m := New(chain, pow, nil, addr, 50000, 100000, func() uint64 { return 100000 })

	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	coinbaseValue := blk.Transactions[0].Outputs[0].Amount
	if coinbaseValue != 0 {
		t.Errorf("coinbase value: got %d, want 0 (supply at max)", coinbaseValue)
	}
}

func TestMiner_ProduceBlock_SupplyCapWithFees(t *testing.T) {
	pow := newPoWEngine(t)
	addr := types.Address{0x42}
	chain := &mockChainState{height: 0, tipHash: types.Hash{0x01}, mtp: 1000}

	mempoolTx := buildMempoolTx(t, 100)
	fees := map[types.Hash]uint64{mempoolTx.TxID: 100}
	pool := newMockMempool([]*tx.Transaction{mempoolTx}, fees)

	m := New(chain, pow, pool, addr, 50000, 1000, func() uint64 { return 1000 })

	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	coinbaseValue := blk.Transactions[0].Outputs[0].Amount
	if coinbaseValue != 100 {
		t.Errorf("coinbase value: got %d, want 100 (fees only)", coinbaseValue)
	}
}

func TestMiner_ProduceBlock_UnlimitedSupply(t *testing.T) {
	pow := newPoWEngine(t)
	addr := types.Address{0x42}
	chain := &mockChainState{height: 0, tipHash: types.Hash{0x01}, mtp: 1000}

	m := New(chain, pow, nil, addr, 50000, 0, nil)

	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	if blk.Transactions[0].Outputs[0].Amount != 50000 {
		t.Errorf("coinbase: got %d, want 50000 (unlimited)", blk.Transactions[0].Outputs[0].Amount)
	}
}

// --- Median-time-past timestamp floor ---

func TestMiner_ProduceBlock_TimestampFloor(t *testing.T) {
	pow := newPoWEngine(t)
	addr := types.Address{0x42}
	// median-time-past far in the future of any wall clock we'd see in a test.
	chain := &mockChainState{height: 0, tipHash: types.Hash{0x01}, mtp: 4102444800}

	m := New(chain, pow, nil, addr, 50000, 0, nil)

	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	if blk.Header.Timestamp != 4102444801 {
		t.Errorf("timestamp: got %d, want median_time_past+1 = 4102444801", blk.Header.Timestamp)
	}
}

func TestMiner_SetMaxBlockTxs(t *testing.T) {
	m := testMiner(t)
	m.SetMaxBlockTxs(5)
	if m.maxBlockTxs != 5 {
		t.Errorf("maxBlockTxs: got %d, want 5", m.maxBlockTxs)
	}
	m.SetMaxBlockTxs(0) // ignored, must stay positive
	if m.maxBlockTxs != 5 {
		t.Errorf("maxBlockTxs after no-op SetMaxBlockTxs(0): got %d, want 5", m.maxBlockTxs)
	}
}
