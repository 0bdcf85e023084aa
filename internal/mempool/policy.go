package mempool

import (
	"fmt"

	"github.com/ledgerforge/corechain/pkg/tx"
)

// Default policy bounds. MaxTxInputs/MaxTxOutputs are local limits tighter
// than the consensus-level pkg/tx MaxInputs/MaxOutputs (4096), so an
// oversized transaction is rejected before it ever reaches block validation.
const (
	DefaultMaxTxSize    = 100_000
	DefaultMaxTxInputs  = 256
	DefaultMaxTxOutputs = 256
)

// Policy defines local transaction acceptance rules layered on top of
// consensus validation — policy rules can vary per node.
type Policy struct {
	MaxTxSize    int
	MaxTxInputs  int
	MaxTxOutputs int
}

// DefaultPolicy returns a policy with sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxTxSize:    DefaultMaxTxSize,
		MaxTxInputs:  DefaultMaxTxInputs,
		MaxTxOutputs: DefaultMaxTxOutputs,
	}
}

// Check validates a transaction against policy rules.
func (p *Policy) Check(transaction *tx.Transaction) error {
	size := len(transaction.CanonicalBytes())
	if p.MaxTxSize > 0 && size > p.MaxTxSize {
		return fmt.Errorf("transaction too large: %d bytes, max %d", size, p.MaxTxSize)
	}
	if p.MaxTxInputs > 0 && len(transaction.Inputs) > p.MaxTxInputs {
		return fmt.Errorf("too many inputs: %d, max %d", len(transaction.Inputs), p.MaxTxInputs)
	}
	if p.MaxTxOutputs > 0 && len(transaction.Outputs) > p.MaxTxOutputs {
		return fmt.Errorf("too many outputs: %d, max %d", len(transaction.Outputs), p.MaxTxOutputs)
	}
	return nil
}
