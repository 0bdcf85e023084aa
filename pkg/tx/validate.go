package tx

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ledgerforge/corechain/pkg/crypto"
	"github.com/ledgerforge/corechain/pkg/types"
)

// Structural limits, independent of any config value so the pkg/tx package
// never depends on the config package (config depends on tx for genesis
// construction, not the reverse).
const (
	MaxInputs          = 4096
	MaxOutputs         = 4096
	MaxContractCode    = 256 * 1024
	MaxContractData    = 64 * 1024
	MaxMetadataEntries = 32
	MaxMetadataValue   = 1024

	// MaxFutureDrift and MaxPastDrift bound tx.Timestamp against wall clock
	// (spec.md §4.4 rule 3: [-15m, +2m]).
	MaxPastDrift   = 15 * time.Minute
	MaxFutureDrift = 2 * time.Minute
)

// Validation errors.
var (
	ErrNoOutputs        = errors.New("transaction has no outputs")
	ErrDuplicateInput   = errors.New("duplicate input")
	ErrOutputOverflow   = errors.New("output values overflow")
	ErrZeroOutput       = errors.New("output amount is zero")
	ErrMissingPubKey    = errors.New("transaction missing public key")
	ErrMissingSig       = errors.New("transaction missing signature")
	ErrInvalidSig       = errors.New("invalid signature")
	ErrTooManyInputs    = errors.New("too many inputs")
	ErrTooManyOutputs   = errors.New("too many outputs")
	ErrBadTxID          = errors.New("txid does not match canonical hash")
	ErrTimestampOutOfRange = errors.New("timestamp out of range")
	ErrNegativeAmount   = errors.New("negative amount or fee")
	ErrUnknownTxType    = errors.New("unknown transaction type")
	ErrCoinbaseShape    = errors.New("coinbase transaction must have no inputs, a single output, and no signature")
	ErrSenderMismatch   = errors.New("sender address does not match public key")
	ErrMetadataTooLarge = errors.New("metadata entry too large")
)

// validTxTypes is the closed set accepted on the wire.
var validTxTypes = map[TxType]bool{
	TxTransfer:       true,
	TxCoinbase:       true,
	TxGovernance:     true,
	TxTimeCapsule:    true,
	TxContractDeploy: true,
	TxContractCall:   true,
}

// Validate checks transaction structure and the five rules of spec.md §4.4,
// except rule 5 (UTXO-dependent), which ValidateWithUTXOs handles. This
// does NOT check UTXO existence.
func (tx *Transaction) Validate(now time.Time) error {
	if !validTxTypes[tx.TxType] {
		return fmt.Errorf("%w: %q", ErrUnknownTxType, tx.TxType)
	}

	if tx.TxType == TxCoinbase {
		if len(tx.Inputs) != 0 || len(tx.Outputs) != 1 || len(tx.Signature) != 0 {
			return ErrCoinbaseShape
		}
	} else {
		if len(tx.Outputs) == 0 {
			return ErrNoOutputs
		}
	}

	if len(tx.Inputs) > MaxInputs {
		return fmt.Errorf("%w: %d inputs, max %d", ErrTooManyInputs, len(tx.Inputs), MaxInputs)
	}
	if len(tx.Outputs) > MaxOutputs {
		return fmt.Errorf("%w: %d outputs, max %d", ErrTooManyOutputs, len(tx.Outputs), MaxOutputs)
	}
	if len(tx.Metadata) > MaxMetadataEntries {
		return fmt.Errorf("%w: %d entries, max %d", ErrMetadataTooLarge, len(tx.Metadata), MaxMetadataEntries)
	}
	for k, v := range tx.Metadata {
		if len(k)+len(v) > MaxMetadataValue {
			return fmt.Errorf("metadata key %q: %w", k, ErrMetadataTooLarge)
		}
	}
	if len(tx.ContractCode) > MaxContractCode {
		return fmt.Errorf("contract code too large: %d bytes, max %d", len(tx.ContractCode), MaxContractCode)
	}
	if len(tx.ContractData) > MaxContractData {
		return fmt.Errorf("contract data too large: %d bytes, max %d", len(tx.ContractData), MaxContractData)
	}

	// Rule 1 (well-formedness): amount/fee non-negative. Amount is unsigned
	// so this can never underflow; governance may carry zero fee, everything
	// else must carry a fee that fits in the declared type (also unsigned).
	_ = tx.Fee // unsigned by construction; kept for documentation of rule 1.

	// Duplicate input check.
	seen := make(map[types.Outpoint]bool, len(tx.Inputs))
	for i, in := range tx.Inputs {
		if seen[in.PrevOut] {
			return fmt.Errorf("input %d: %w", i, ErrDuplicateInput)
		}
		seen[in.PrevOut] = true
	}

	// Output value checks.
	var totalOutput uint64
	for i, out := range tx.Outputs {
		if out.Amount == 0 {
			return fmt.Errorf("output %d: %w", i, ErrZeroOutput)
		}
		if totalOutput > math.MaxUint64-uint64(out.Amount) {
			return fmt.Errorf("output %d: %w", i, ErrOutputOverflow)
		}
		totalOutput += uint64(out.Amount)
	}

	// Rule 2: txid matches recomputed hash, if already set.
	if !tx.TxID.IsZero() {
		if tx.ComputeTxID() != tx.TxID {
			return ErrBadTxID
		}
	}

	// Rule 3: timestamp within [wall_clock - 15m, wall_clock + 2m].
	if tx.TxType != TxCoinbase {
		ts := time.Unix(tx.Timestamp, 0)
		if ts.Before(now.Add(-MaxPastDrift)) || ts.After(now.Add(MaxFutureDrift)) {
			return fmt.Errorf("%w: %s", ErrTimestampOutOfRange, ts)
		}
	}

	// Rule 4: signature valid for non-coinbase, non-GENESIS senders.
	if tx.TxType != TxCoinbase && !isGenesisSender(tx.Sender) {
		if len(tx.PublicKey) == 0 {
			return ErrMissingPubKey
		}
		if len(tx.Signature) == 0 {
			return ErrMissingSig
		}
		if crypto.AddressFromPubKey(tx.PublicKey) != tx.Sender {
			return ErrSenderMismatch
		}
	}

	return nil
}

// GenesisSenderAddress is the sentinel sender address exempt from signature
// checks, used only for genesis-allocation coinbase-like transactions.
var GenesisSenderAddress = types.Address{}

func isGenesisSender(addr types.Address) bool {
	return addr.IsZero()
}

// VerifySignature checks that tx.Signature is valid for tx.PublicKey over
// the transaction's txid. No-op (always valid) for coinbase and GENESIS
// senders per spec.md §4.4.
func (tx *Transaction) VerifySignature() error {
	if tx.TxType == TxCoinbase || isGenesisSender(tx.Sender) {
		return nil
	}
	txid := tx.ComputeTxID()
	if !crypto.VerifySignature(txid[:], tx.Signature, tx.PublicKey) {
		return ErrInvalidSig
	}
	return nil
}
