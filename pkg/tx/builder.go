package tx

import (
	"fmt"

	"github.com/ledgerforge/corechain/pkg/crypto"
	"github.com/ledgerforge/corechain/pkg/types"
)

// Builder constructs transactions incrementally.
type Builder struct {
	tx *Transaction
}

// NewBuilder creates a new transaction builder for the given variant.
func NewBuilder(txType TxType) *Builder {
	return &Builder{
		tx: &Transaction{TxType: txType, Metadata: map[string]string{}},
	}
}

// SetSender sets the sending address.
func (b *Builder) SetSender(addr types.Address) *Builder {
	b.tx.Sender = addr
	return b
}

// SetRecipient sets the recipient address and transfer amount.
func (b *Builder) SetRecipient(addr types.Address, amount Amount) *Builder {
	b.tx.Recipient = addr
	b.tx.Amount = amount
	return b
}

// SetFee sets the transaction fee.
func (b *Builder) SetFee(fee Amount) *Builder {
	b.tx.Fee = fee
	return b
}

// SetTimestamp sets the transaction timestamp (unix seconds).
func (b *Builder) SetTimestamp(unixSeconds int64) *Builder {
	b.tx.Timestamp = unixSeconds
	return b
}

// SetNonce sets the per-sender monotonic nonce.
func (b *Builder) SetNonce(nonce uint64) *Builder {
	b.tx.Nonce = &nonce
	return b
}

// AddInput adds an input referencing a previous output.
func (b *Builder) AddInput(prevOut types.Outpoint) *Builder {
	b.tx.Inputs = append(b.tx.Inputs, Input{PrevOut: prevOut})
	return b
}

// AddOutput adds an output crediting an address.
func (b *Builder) AddOutput(addr types.Address, amount Amount) *Builder {
	b.tx.Outputs = append(b.tx.Outputs, Output{Address: addr, Amount: amount})
	return b
}

// SetMetadata attaches an opaque metadata key/value pair.
func (b *Builder) SetMetadata(key, value string) *Builder {
	b.tx.Metadata[key] = value
	return b
}

// Sign finalizes the txid and signs it with the given private key.
func (b *Builder) Sign(key *crypto.PrivateKey) error {
	b.tx.PublicKey = key.PublicKey()
	txid := b.tx.ComputeTxID()
	sig, err := key.Sign(txid[:])
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	b.tx.Signature = sig
	b.tx.TxID = txid
	return nil
}

// Build returns the constructed transaction. For coinbase/GENESIS
// transactions (no signature), call Finalize() instead of Sign().
func (b *Builder) Build() *Transaction {
	if b.tx.TxID.IsZero() {
		b.tx.Finalize()
	}
	return b.tx
}
