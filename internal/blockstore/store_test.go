package blockstore

import (
	"testing"

	"github.com/ledgerforge/corechain/pkg/block"
	"github.com/ledgerforge/corechain/pkg/tx"
	"github.com/ledgerforge/corechain/pkg/types"
)

// fakeIndex is a minimal Locator/Indexer double for exercising the store
// without pulling in the real badger-backed index package.
type fakeIndex struct {
	byHeight map[uint64]loc
}

type loc struct {
	path          string
	offset, size  int64
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{byHeight: map[uint64]loc{}}
}

func (f *fakeIndex) IndexBlock(height uint64, hash types.Hash, path string, offset, size int64) error {
	f.byHeight[height] = loc{path, offset, size}
	return nil
}

func (f *fakeIndex) LocationByHeight(height uint64) (string, int64, int64, bool, error) {
	l, ok := f.byHeight[height]
	return l.path, l.offset, l.size, ok, nil
}

func testBlock(height uint64) *block.Block {
	var miner types.Address
	miner[0] = byte(height)
	coinbase := tx.NewBuilder(tx.TxCoinbase).
		SetTimestamp(1700000000 + int64(height)).
		AddOutput(miner, tx.NewAmount(50)).
		Build()
	root := block.ComputeMerkleRoot([]types.Hash{coinbase.ComputeTxID()})
	header := &block.Header{
		Version:    block.CurrentVersion,
		Index:      height,
		MerkleRoot: root,
		Timestamp:  1700000000 + int64(height),
	}
	return block.NewBlock(header, []*tx.Transaction{coinbase}, miner)
}

func TestStore_AppendAndLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	idx := newFakeIndex()

	blk := testBlock(1)
	if err := store.Append(blk, idx); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := store.Load(1, idx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Header.Index != blk.Header.Index || got.Hash() != blk.Hash() {
		t.Errorf("loaded block mismatch: got %+v, want %+v", got.Header, blk.Header)
	}
}

func TestStore_AppendMultipleAndScan(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	idx := newFakeIndex()

	for h := uint64(0); h < 5; h++ {
		if err := store.Append(testBlock(h), idx); err != nil {
			t.Fatalf("Append(%d): %v", h, err)
		}
	}

	seen := map[uint64]bool{}
	err = store.ScanAll(func(height uint64, hash types.Hash, path string, offset, size int64, blk *block.Block) error {
		seen[height] = true
		if blk.Header.Index != height {
			t.Errorf("scanned block height %d, want %d", blk.Header.Index, height)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	if len(seen) != 5 {
		t.Errorf("scanned %d blocks, want 5", len(seen))
	}
}

func TestStore_LoadDegradedFallback(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	blk := testBlock(3)
	if err := store.Append(blk, nil); err != nil { // No indexer: location unknown.
		t.Fatalf("Append: %v", err)
	}

	got, err := store.Load(3, nil)
	if err != nil {
		t.Fatalf("Load with no locator should fall back to scan: %v", err)
	}
	if got.Header.Index != 3 {
		t.Errorf("loaded height = %d, want 3", got.Header.Index)
	}
}

func TestStore_MaybeCompress(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	idx := newFakeIndex()

	blk := testBlock(10)
	if err := store.Append(blk, idx); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := store.MaybeCompress(10, 10+CompressionAgeBlocks, idx); err != nil {
		t.Fatalf("MaybeCompress: %v", err)
	}

	got, err := store.loadCompressed(10)
	if err != nil {
		t.Fatalf("loadCompressed after MaybeCompress: %v", err)
	}
	if got.Header.Index != 10 {
		t.Errorf("compressed block height = %d, want 10", got.Header.Index)
	}

	// Not yet old enough: no sidecar written.
	blk2 := testBlock(11)
	if err := store.Append(blk2, idx); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.MaybeCompress(11, 11, idx); err != nil {
		t.Fatalf("MaybeCompress: %v", err)
	}
	if _, err := store.loadCompressed(11); err == nil {
		t.Error("expected no compressed sidecar for a recent block")
	}
}

func TestStore_Reset(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	idx := newFakeIndex()
	if err := store.Append(testBlock(0), idx); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := store.Reset(false); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	var found int
	store.ScanAll(func(h uint64, _ types.Hash, _ string, _, _ int64, _ *block.Block) error {
		found++
		return nil
	})
	if found != 0 {
		t.Errorf("expected no blocks after reset, found %d", found)
	}
}
