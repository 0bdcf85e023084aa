package chain

import (
	"sort"

	"github.com/ledgerforge/corechain/config"
	"github.com/ledgerforge/corechain/pkg/block"
	"github.com/ledgerforge/corechain/pkg/tx"
	"github.com/ledgerforge/corechain/pkg/types"
)

// CreateGenesisBlock builds the single height-0 block for gen: a
// placeholder coinbase (so "first tx is coinbase" holds structurally) plus
// one GENESIS-sender transfer per allocation entry, in ascending-txid order,
// sealed at the genesis timestamp with the network's initial difficulty and
// a zero nonce. Genesis is accepted by fiat, never mined or fee-checked.
func CreateGenesisBlock(gen *config.Genesis) (*block.Block, error) {
	addrs := make([]string, 0, len(gen.Alloc))
	for a := range gen.Alloc {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)

	coinbase := buildGenesisCoinbase(gen.Timestamp)
	transfers := make([]*tx.Transaction, 0, len(addrs))
	for _, a := range addrs {
		amount := gen.Alloc[a]
		if amount == 0 {
			continue
		}
		addr, err := types.ParseAddress(a)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, buildGenesisAllocation(addr, amount, gen.Timestamp))
	}
	sort.Slice(transfers, func(i, j int) bool {
		return transfers[i].TxID.Less(transfers[j].TxID)
	})

	txs := make([]*tx.Transaction, 0, 1+len(transfers))
	txs = append(txs, coinbase)
	txs = append(txs, transfers...)

	txHashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		txHashes[i] = t.TxID
	}

	header := &block.Header{
		Version:    block.CurrentVersion,
		Index:      0,
		PrevHash:   types.Hash{},
		MerkleRoot: block.ComputeMerkleRoot(txHashes),
		Timestamp:  gen.Timestamp,
		Difficulty: gen.Consensus.InitialDifficulty,
		Nonce:      0,
	}

	return block.NewBlock(header, txs, types.Address{}), nil
}

// buildGenesisCoinbase is a zero-amount coinbase satisfying the "first tx is
// coinbase" block invariant; genesis mints no reward of its own, only the
// allocation table.
func buildGenesisCoinbase(timestamp int64) *tx.Transaction {
	t := &tx.Transaction{
		TxType:    tx.TxCoinbase,
		Timestamp: timestamp,
		Outputs:   []tx.Output{{Address: types.Address{}, Amount: 0}},
	}
	t.Finalize()
	return t
}

// buildGenesisAllocation credits addr with amount from the GENESIS sentinel
// sender, which tx.Validate exempts from signature checks.
func buildGenesisAllocation(addr types.Address, amount uint64, timestamp int64) *tx.Transaction {
	t := &tx.Transaction{
		TxType:    tx.TxTransfer,
		Sender:    tx.GenesisSenderAddress,
		Recipient: addr,
		Amount:    tx.Amount(amount),
		Timestamp: timestamp,
		Outputs:   []tx.Output{{Address: addr, Amount: tx.Amount(amount)}},
	}
	t.Finalize()
	return t
}
