// Package block defines block types and validation.
package block

import (
	"github.com/ledgerforge/corechain/pkg/tx"
	"github.com/ledgerforge/corechain/pkg/types"
)

// Block represents a block in the chain.
type Block struct {
	Header       *Header           `json:"header"`
	Transactions []*tx.Transaction `json:"transactions"`
	Miner        types.Address     `json:"miner,omitempty"`
}

// NewBlock creates a new block with the given header, transactions and miner address.
func NewBlock(header *Header, txs []*tx.Transaction, miner types.Address) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
		Miner:        miner,
	}
}
