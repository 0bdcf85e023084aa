package tx

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ledgerforge/corechain/pkg/types"
)

// UTXO-aware validation errors (spec.md §7 taxonomy).
var (
	ErrDoubleSpend     = errors.New("input already spent")
	ErrUnknownInput    = errors.New("input UTXO does not exist")
	ErrAmountMismatch  = errors.New("inputs less than outputs plus fee")
	ErrInputOverflow   = errors.New("input values overflow")
	ErrOwnerMismatch   = errors.New("input owner does not match sender")
)

// UTXOProvider provides read-only access to the UTXO set for validation
// (C3's read surface, as consumed by C4/C6).
type UTXOProvider interface {
	GetUTXO(outpoint types.Outpoint) (owner types.Address, amount uint64, spent bool, err error)
	HasUTXO(outpoint types.Outpoint) bool
}

// ValidateWithUTXOs performs full validation of a non-coinbase transaction
// against the UTXO set (spec.md §4.4 rule 5): every referenced input must
// exist and be unspent, inputs must cover amount+fee, and the difference is
// returned as the change amount owed back to the sender.
func (tx *Transaction) ValidateWithUTXOs(now time.Time, provider UTXOProvider) (fee uint64, change uint64, err error) {
	if err := tx.Validate(now); err != nil {
		return 0, 0, err
	}
	if tx.TxType == TxCoinbase {
		return 0, 0, nil
	}

	var totalInput uint64
	for i, in := range tx.Inputs {
		if !provider.HasUTXO(in.PrevOut) {
			return 0, 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrUnknownInput)
		}
		owner, amount, spent, gerr := provider.GetUTXO(in.PrevOut)
		if gerr != nil {
			return 0, 0, fmt.Errorf("input %d: %w", i, gerr)
		}
		if spent {
			return 0, 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrDoubleSpend)
		}
		if owner != tx.Sender {
			return 0, 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrOwnerMismatch)
		}
		if totalInput > math.MaxUint64-amount {
			return 0, 0, fmt.Errorf("input %d: %w", i, ErrInputOverflow)
		}
		totalInput += amount
	}

	required := uint64(tx.Amount) + uint64(tx.Fee)
	if totalInput < required {
		return 0, 0, fmt.Errorf("%w: inputs=%d required=%d", ErrAmountMismatch, totalInput, required)
	}

	if err := tx.VerifySignature(); err != nil {
		return 0, 0, err
	}

	return uint64(tx.Fee), totalInput - required, nil
}
