// Package utxo manages the set of unspent transaction outputs backing
// every balance and spend check in the ledger.
package utxo

import "github.com/ledgerforge/corechain/pkg/types"

// UTXO is a single unspent transaction output. Spent is always false in the
// store: spent outputs are deleted rather than marked.
// The flat {txid, vout, owner_address, amount, spent} shape mirrors the
// wire representation the spec requires for snapshot/restore (spec.md §4.3).
type UTXO struct {
	Outpoint types.Outpoint `json:"outpoint"`
	Owner    types.Address  `json:"owner_address"`
	Amount   uint64         `json:"amount"`
	Height   uint64         `json:"height"`
	Coinbase bool           `json:"coinbase"`
	Spent    bool           `json:"spent"`
}

// Set is the storage interface for the UTXO manager (C3). Put/Delete/Get
// operate on individual outputs; Spent UTXOs are deleted outright rather
// than tombstoned, matching the teacher's badger-backed store.go shape.
type Set interface {
	Get(outpoint types.Outpoint) (*UTXO, error)
	Put(utxo *UTXO) error
	Delete(outpoint types.Outpoint) error
	Has(outpoint types.Outpoint) (bool, error)
}
