package chain

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ledgerforge/corechain/internal/storage"
	"github.com/ledgerforge/corechain/pkg/types"
)

// Key prefixes/keys. Block bodies are no longer stored here (that job moved
// to internal/blockstore, located via internal/index); this store holds
// only tip bookkeeping, cumulative work, an in-progress reorg checkpoint for
// crash recovery, and per-block undo data.
var (
	prefixUndo = []byte("d/") // d/<hash(32)> -> UndoData JSON

	keyTipHash         = []byte("s/tip")
	keyHeight          = []byte("s/height")
	keySupply          = []byte("s/supply")
	keyCumDifficulty   = []byte("s/cumdiff")
	keyGenesisHash     = []byte("s/genesis")
	keyReorgCheckpoint = []byte("s/reorg")
)

// ErrNoTip is returned by GetTip before any block has been committed.
var ErrNoTip = errors.New("chain metadata: no tip recorded")

// MetaStore persists the chain-core bookkeeping that full block bodies
// don't carry. The teacher's original store.go held both block bodies and
// this bookkeeping in one badger-backed BlockStore; here the body storage
// is internal/blockstore+internal/index's job, so this store narrows to
// exactly the metadata C7 needs between restarts.
type MetaStore struct {
	db storage.DB
}

// NewMetaStore opens a metadata store backed by db.
func NewMetaStore(db storage.DB) *MetaStore {
	return &MetaStore{db: db}
}

func undoKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixUndo)+types.HashSize)
	n := copy(key, prefixUndo)
	copy(key[n:], hash[:])
	return key
}

// SetTip persists the current tip hash, height and supply atomically enough
// for this store's purposes (each write is independently durable; a crash
// mid-sequence is recovered by the chain's rebuild-from-undo/replay path).
func (m *MetaStore) SetTip(hash types.Hash, height, supply uint64) error {
	if err := m.db.Put(keyTipHash, hash[:]); err != nil {
		return fmt.Errorf("meta: set tip hash: %w", err)
	}
	hbuf := make([]byte, 8)
	binary.BigEndian.PutUint64(hbuf, height)
	if err := m.db.Put(keyHeight, hbuf); err != nil {
		return fmt.Errorf("meta: set height: %w", err)
	}
	sbuf := make([]byte, 8)
	binary.BigEndian.PutUint64(sbuf, supply)
	if err := m.db.Put(keySupply, sbuf); err != nil {
		return fmt.Errorf("meta: set supply: %w", err)
	}
	return nil
}

// GetTip reads back the persisted tip. Returns ErrNoTip if none was ever set.
func (m *MetaStore) GetTip() (hash types.Hash, height, supply uint64, err error) {
	hdata, herr := m.db.Get(keyTipHash)
	if herr != nil {
		return types.Hash{}, 0, 0, ErrNoTip
	}
	copy(hash[:], hdata)
	if hgtData, gerr := m.db.Get(keyHeight); gerr == nil && len(hgtData) == 8 {
		height = binary.BigEndian.Uint64(hgtData)
	}
	if supData, gerr := m.db.Get(keySupply); gerr == nil && len(supData) == 8 {
		supply = binary.BigEndian.Uint64(supData)
	}
	return hash, height, supply, nil
}

// SetGenesisHash records the hash of height-0; New reloads it into the
// chain. It is not consulted during reorg.
func (m *MetaStore) SetGenesisHash(hash types.Hash) error {
	return m.db.Put(keyGenesisHash, hash[:])
}

// GetGenesisHash returns the recorded genesis hash, if any.
func (m *MetaStore) GetGenesisHash() (types.Hash, bool) {
	data, err := m.db.Get(keyGenesisHash)
	if err != nil {
		return types.Hash{}, false
	}
	var h types.Hash
	copy(h[:], data)
	return h, true
}

// SetCumulativeDifficulty persists the fork-choice weight of the current tip.
func (m *MetaStore) SetCumulativeDifficulty(cumDiff uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, cumDiff)
	return m.db.Put(keyCumDifficulty, buf)
}

// GetCumulativeDifficulty returns the persisted fork-choice weight (0 if unset).
func (m *MetaStore) GetCumulativeDifficulty() uint64 {
	data, err := m.db.Get(keyCumDifficulty)
	if err != nil || len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}

// PutUndo stores the undo data needed to revert the block with the given hash.
func (m *MetaStore) PutUndo(hash types.Hash, data *UndoData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("meta: marshal undo: %w", err)
	}
	return m.db.Put(undoKey(hash), raw)
}

// GetUndo retrieves the undo data for hash, if present.
func (m *MetaStore) GetUndo(hash types.Hash) (*UndoData, bool, error) {
	raw, err := m.db.Get(undoKey(hash))
	if err != nil {
		return nil, false, nil
	}
	var u UndoData
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, false, fmt.Errorf("meta: unmarshal undo: %w", err)
	}
	return &u, true, nil
}

// DeleteUndo removes the undo data for hash once it is no longer reachable.
func (m *MetaStore) DeleteUndo(hash types.Hash) error {
	return m.db.Delete(undoKey(hash))
}

// PutReorgCheckpoint marks a reorg as in-progress at forkHeight, so a crash
// mid-reorg can be detected and repaired on restart (New replays the chain
// via rebuildFromBlocks).
func (m *MetaStore) PutReorgCheckpoint(forkHeight uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, forkHeight)
	return m.db.Put(keyReorgCheckpoint, buf)
}

// GetReorgCheckpoint returns the in-progress reorg fork height, if any.
func (m *MetaStore) GetReorgCheckpoint() (uint64, bool) {
	data, err := m.db.Get(keyReorgCheckpoint)
	if err != nil || len(data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}

// DeleteReorgCheckpoint clears the in-progress reorg marker once the reorg
// completes (successfully or by being rolled back).
func (m *MetaStore) DeleteReorgCheckpoint() error {
	return m.db.Delete(keyReorgCheckpoint)
}
