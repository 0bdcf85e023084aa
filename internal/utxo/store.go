package utxo

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ledgerforge/corechain/internal/log"
	"github.com/ledgerforge/corechain/internal/storage"
	"github.com/ledgerforge/corechain/pkg/tx"
	"github.com/ledgerforge/corechain/pkg/types"
)

// Key prefixes (teacher's internal/utxo/store.go convention, Script/Token/
// stake indexes dropped — this ledger has no staking or token subsystem).
var (
	prefixUTXO = []byte("u/") // u/<txid(32)><index(4)> -> UTXO JSON
	prefixAddr = []byte("a/") // a/<addr(20)><txid(32)><index(4)> -> empty (address index)
)

// Apply/revert errors (spec.md §4.3/§7 taxonomy).
var (
	ErrDoubleSpend     = errors.New("utxo already spent")
	ErrUnknownInput    = errors.New("utxo does not exist")
	ErrAmountMismatch  = errors.New("inputs less than outputs plus fee")
	ErrCorruptSnapshot = errors.New("utxo snapshot integrity mismatch")
)

// Store is a badger-backed Set (C3) holding only currently unspent outputs.
// Spending an input deletes its entry; callers that need to revert a spend
// (reorg) must retain their own copy of the UTXO beforehand — see
// internal/chain's undo data, which does exactly that.
type Store struct {
	db storage.DB
}

// NewStore opens (or reuses) a UTXO store backed by db.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

func utxoKey(op types.Outpoint) []byte {
	key := make([]byte, len(prefixUTXO)+types.HashSize+4)
	n := copy(key, prefixUTXO)
	n += copy(key[n:], op.TxID[:])
	binary.BigEndian.PutUint32(key[n:], op.Index)
	return key
}

func addrKey(owner types.Address, op types.Outpoint) []byte {
	key := make([]byte, len(prefixAddr)+types.AddressSize+types.HashSize+4)
	n := copy(key, prefixAddr)
	n += copy(key[n:], owner[:])
	n += copy(key[n:], op.TxID[:])
	binary.BigEndian.PutUint32(key[n:], op.Index)
	return key
}

// Get retrieves a single UTXO by outpoint.
func (s *Store) Get(outpoint types.Outpoint) (*UTXO, error) {
	data, err := s.db.Get(utxoKey(outpoint))
	if err != nil {
		return nil, fmt.Errorf("utxo get %s: %w", outpoint, err)
	}
	var u UTXO
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("utxo unmarshal %s: %w", outpoint, err)
	}
	return &u, nil
}

// Put stores (or overwrites) a UTXO, updating the address index.
func (s *Store) Put(u *UTXO) error {
	u.Spent = false
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("utxo marshal: %w", err)
	}
	if err := s.db.Put(utxoKey(u.Outpoint), data); err != nil {
		return fmt.Errorf("utxo put %s: %w", u.Outpoint, err)
	}
	if err := s.db.Put(addrKey(u.Owner, u.Outpoint), []byte{1}); err != nil {
		return fmt.Errorf("utxo addr index put %s: %w", u.Outpoint, err)
	}
	return nil
}

// Delete removes a UTXO (it has been spent).
func (s *Store) Delete(outpoint types.Outpoint) error {
	u, err := s.Get(outpoint)
	if err != nil {
		return err
	}
	if err := s.db.Delete(utxoKey(outpoint)); err != nil {
		return fmt.Errorf("utxo delete %s: %w", outpoint, err)
	}
	if err := s.db.Delete(addrKey(u.Owner, outpoint)); err != nil {
		return fmt.Errorf("utxo addr index delete %s: %w", outpoint, err)
	}
	return nil
}

// Has reports whether an outpoint is currently unspent.
func (s *Store) Has(outpoint types.Outpoint) (bool, error) {
	ok, err := s.db.Has(utxoKey(outpoint))
	if err != nil {
		return false, fmt.Errorf("utxo has %s: %w", outpoint, err)
	}
	return ok, nil
}

// GetUTXO implements tx.UTXOProvider. Any outpoint not currently in the
// store (spent-and-removed, or never existed) is simply absent — this
// store never reports spent=true since spent entries are deleted outright
// rather than tombstoned.
func (s *Store) GetUTXO(outpoint types.Outpoint) (owner types.Address, amount uint64, spent bool, err error) {
	u, err := s.Get(outpoint)
	if err != nil {
		return types.Address{}, 0, false, err
	}
	return u.Owner, u.Amount, false, nil
}

// HasUTXO implements tx.UTXOProvider.
func (s *Store) HasUTXO(outpoint types.Outpoint) bool {
	ok, err := s.Has(outpoint)
	if err != nil {
		log.Storage.Warn().Err(err).Str("outpoint", outpoint.String()).Msg("utxo has-check failed")
		return false
	}
	return ok
}

// GetByAddress returns every unspent output owned by addr.
func (s *Store) GetByAddress(addr types.Address) ([]*UTXO, error) {
	prefix := make([]byte, len(prefixAddr)+types.AddressSize)
	copy(prefix, prefixAddr)
	copy(prefix[len(prefixAddr):], addr[:])

	var outs []types.Outpoint
	err := s.db.ForEach(prefix, func(key, _ []byte) error {
		rest := key[len(prefix):]
		if len(rest) != types.HashSize+4 {
			return nil // Malformed key, skip.
		}
		var op types.Outpoint
		copy(op.TxID[:], rest[:types.HashSize])
		op.Index = binary.BigEndian.Uint32(rest[types.HashSize:])
		outs = append(outs, op)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("utxo scan address %s: %w", addr, err)
	}

	result := make([]*UTXO, 0, len(outs))
	for _, op := range outs {
		u, err := s.Get(op)
		if err != nil {
			continue // Address index entry outlived its UTXO; best-effort.
		}
		result = append(result, u)
	}
	return result, nil
}

// Balance sums every unspent output owned by addr.
func (s *Store) Balance(addr types.Address) (uint64, error) {
	utxos, err := s.GetByAddress(addr)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, u := range utxos {
		total += u.Amount
	}
	return total, nil
}

// ApplyTransaction spends t's inputs and creates its outputs (spec.md §4.3).
// height/coinbase are stamped onto every created output.
func (s *Store) ApplyTransaction(t *tx.Transaction, height uint64, coinbase bool) error {
	var totalIn uint64
	for _, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		u, err := s.Get(in.PrevOut)
		if err != nil {
			return fmt.Errorf("input %s: %w", in.PrevOut, ErrUnknownInput)
		}
		if u.Owner != t.Sender {
			return fmt.Errorf("input %s: owner does not match sender", in.PrevOut)
		}
		totalIn += u.Amount
		if err := s.Delete(in.PrevOut); err != nil {
			return fmt.Errorf("spend %s: %w", in.PrevOut, err)
		}
	}

	if !coinbase && len(t.Inputs) > 0 {
		required := uint64(t.Amount) + uint64(t.Fee)
		if totalIn < required {
			return fmt.Errorf("%w: inputs=%d required=%d", ErrAmountMismatch, totalIn, required)
		}
	}

	for i, out := range t.Outputs {
		u := &UTXO{
			Outpoint: types.Outpoint{TxID: t.TxID, Index: uint32(i)},
			Owner:    out.Address,
			Amount:   uint64(out.Amount),
			Height:   height,
			Coinbase: coinbase,
		}
		if err := s.Put(u); err != nil {
			return fmt.Errorf("create output %s:%d: %w", t.TxID, i, err)
		}
	}
	return nil
}

// RevertTransaction is ApplyTransaction's inverse, used during reorg: the
// outputs t created are removed, and spentInputs (the caller's saved
// pre-spend copies) are restored.
func (s *Store) RevertTransaction(t *tx.Transaction, spentInputs []*UTXO) error {
	for i := range t.Outputs {
		op := types.Outpoint{TxID: t.TxID, Index: uint32(i)}
		if err := s.Delete(op); err != nil {
			return fmt.Errorf("revert output %s: %w", op, err)
		}
	}
	for _, u := range spentInputs {
		if err := s.Put(u); err != nil {
			return fmt.Errorf("restore input %s: %w", u.Outpoint, err)
		}
	}
	return nil
}

// TotalCirculatingSupply sums every unspent output in the set.
func (s *Store) TotalCirculatingSupply() (uint64, error) {
	var total uint64
	err := s.db.ForEach(prefixUTXO, func(_, value []byte) error {
		var u UTXO
		if err := json.Unmarshal(value, &u); err != nil {
			return fmt.Errorf("utxo unmarshal during supply scan: %w", err)
		}
		total += u.Amount
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("total circulating supply: %w", err)
	}
	return total, nil
}

// Snapshot is a point-in-time, owned copy of the live UTXO set (spec.md
// §4.3 `snapshot()`), used by backups and crash recovery.
type Snapshot struct {
	UTXOs         []*UTXO    `json:"utxo_set"`
	TotalUTXOs    int        `json:"total_utxos"`
	TotalValue    uint64     `json:"total_value"`
	IntegrityHash types.Hash `json:"integrity_hash"`
}

// Snapshot returns an owned copy of every unspent output plus its
// integrity hash (see commitment.go).
func (s *Store) Snapshot() (*Snapshot, error) {
	var utxos []*UTXO
	var total uint64
	err := s.db.ForEach(prefixUTXO, func(_, value []byte) error {
		var u UTXO
		if err := json.Unmarshal(value, &u); err != nil {
			return fmt.Errorf("utxo unmarshal during snapshot: %w", err)
		}
		utxos = append(utxos, &u)
		total += u.Amount
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	hash := commitmentOf(utxos)
	return &Snapshot{UTXOs: utxos, TotalUTXOs: len(utxos), TotalValue: total, IntegrityHash: hash}, nil
}

// Restore replaces the live set with snap's contents, verifying the
// integrity hash first if one is present (spec.md §4.3 `restore()`). The
// replacement is not atomic: the set is cleared and then refilled entry by
// entry, so a failure part-way leaves a partial set.
func (s *Store) Restore(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("restore: nil snapshot")
	}
	if !snap.IntegrityHash.IsZero() {
		if computed := commitmentOf(snap.UTXOs); computed != snap.IntegrityHash {
			return fmt.Errorf("%w: got %s want %s", ErrCorruptSnapshot, computed, snap.IntegrityHash)
		}
	}
	if err := s.ClearAll(); err != nil {
		return fmt.Errorf("restore: clear: %w", err)
	}
	for _, u := range snap.UTXOs {
		if err := s.Put(u); err != nil {
			return fmt.Errorf("restore: put %s: %w", u.Outpoint, err)
		}
	}
	return nil
}

// ClearAll deletes every UTXO and address-index entry. Used by restore and
// by the chain's full replay-from-genesis recovery path.
func (s *Store) ClearAll() error {
	if deleter, ok := s.db.(interface{ DeleteAll() error }); ok {
		return deleter.DeleteAll()
	}
	var keys [][]byte
	for _, prefix := range [][]byte{prefixUTXO, prefixAddr} {
		if err := s.db.ForEach(prefix, func(key, _ []byte) error {
			k := make([]byte, len(key))
			copy(k, key)
			keys = append(keys, k)
			return nil
		}); err != nil {
			return fmt.Errorf("clear all: scan %s: %w", prefix, err)
		}
	}
	for _, k := range keys {
		if err := s.db.Delete(k); err != nil {
			return fmt.Errorf("clear all: delete: %w", err)
		}
	}
	return nil
}
