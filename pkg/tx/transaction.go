// Package tx defines the transaction model and validation.
package tx

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/ledgerforge/corechain/pkg/crypto"
	"github.com/ledgerforge/corechain/pkg/types"
)

// AmountScale is the number of fractional digits used by the canonical
// decimal encoding of every amount/fee field (spec §4.4).
const AmountScale = 8

var amountDivisor = int64(100000000) // 10^AmountScale

// Amount is a non-negative quantity of coin, stored as an integer count of
// base units (1 unit = 10^-8 coin) to avoid floating point drift, and
// encoded on the wire as a fixed-scale decimal string.
type Amount uint64

// NewAmount converts a whole-and-fractional coin value into base units.
func NewAmount(coins float64) Amount {
	return Amount(math.Round(coins * float64(amountDivisor)))
}

// String renders the amount as a fixed-scale decimal, e.g. "30.00000000".
func (a Amount) String() string {
	whole := int64(a) / amountDivisor
	frac := int64(a) % amountDivisor
	return fmt.Sprintf("%d.%08d", whole, frac)
}

// MarshalJSON encodes the amount as a canonical fixed-scale decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes a fixed-scale decimal string or a plain integer
// (base units) into an Amount.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return a.parseDecimal(s)
	}
	var u uint64
	if err := json.Unmarshal(data, &u); err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	*a = Amount(u)
	return nil
}

func (a *Amount) parseDecimal(s string) error {
	dot := -1
	for i, c := range s {
		if c == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", s, err)
		}
		*a = Amount(v * amountDivisor)
		return nil
	}
	wholePart := s[:dot]
	fracPart := s[dot+1:]
	for len(fracPart) < AmountScale {
		fracPart += "0"
	}
	fracPart = fracPart[:AmountScale]
	whole, err := strconv.ParseInt(wholePart, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", s, err)
	}
	frac, err := strconv.ParseInt(fracPart, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", s, err)
	}
	*a = Amount(whole*amountDivisor + frac)
	return nil
}

// TxType is the closed set of transaction variants the ledger accepts. It
// replaces the source system's dynamically-typed string tag (spec.md §9)
// with a checked enum sharing one transaction envelope.
type TxType string

const (
	TxTransfer       TxType = "transfer"
	TxCoinbase       TxType = "coinbase"
	TxGovernance     TxType = "governance"
	TxTimeCapsule    TxType = "time_capsule"
	TxContractDeploy TxType = "contract_deploy"
	TxContractCall   TxType = "contract_call"
)

// Input references a UTXO being spent.
type Input struct {
	PrevOut types.Outpoint `json:"prevout"`
}

// Output credits an address with an amount, creating a new UTXO.
type Output struct {
	Address types.Address `json:"address"`
	Amount  Amount        `json:"amount"`
}

// Transaction is the single envelope shared by every tx_type. Fields that
// only apply to a subset of variants are left at their zero value otherwise
// and omitted from the wire encoding.
type Transaction struct {
	TxID      types.Hash        `json:"txid"`
	Sender    types.Address     `json:"sender"`
	Recipient types.Address     `json:"recipient"`
	Amount    Amount            `json:"amount"`
	Fee       Amount            `json:"fee"`
	Timestamp int64             `json:"timestamp"`
	TxType    TxType            `json:"tx_type"`
	Nonce     *uint64           `json:"nonce,omitempty"`
	PublicKey []byte            `json:"public_key,omitempty"`
	Signature []byte            `json:"signature,omitempty"`
	Inputs    []Input           `json:"inputs,omitempty"`
	Outputs   []Output          `json:"outputs,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Variant-specific fields (spec.md §3 tx_type set; kept on the shared
	// envelope per the closed-sum-type re-architecture in spec.md §9).
	GovernanceProposal string        `json:"governance_proposal,omitempty"`
	UnlockHeight       uint64        `json:"unlock_height,omitempty"`
	ContractCode       []byte        `json:"contract_code,omitempty"`
	ContractData       []byte        `json:"contract_data,omitempty"`
	ContractAddress    types.Address `json:"contract_address,omitempty"`
}

// IsCoinbase reports whether tx is a coinbase transaction (no inputs).
func (tx *Transaction) IsCoinbase() bool {
	return tx.TxType == TxCoinbase
}

// canonicalMap builds the field set used for the canonical, sorted-key,
// whitespace-free JSON encoding that txid hashing and signing operate over.
// It always excludes "signature" and "txid" themselves (spec.md §4.4).
func (tx *Transaction) canonicalMap() map[string]interface{} {
	m := map[string]interface{}{
		"sender":    tx.Sender.String(),
		"recipient": tx.Recipient.String(),
		"amount":    tx.Amount.String(),
		"fee":       tx.Fee.String(),
		"timestamp": tx.Timestamp,
		"tx_type":   string(tx.TxType),
	}
	if tx.Nonce != nil {
		m["nonce"] = *tx.Nonce
	}
	if len(tx.PublicKey) > 0 {
		m["public_key"] = hex.EncodeToString(tx.PublicKey)
	}
	if len(tx.Inputs) > 0 {
		ins := make([]map[string]interface{}, len(tx.Inputs))
		for i, in := range tx.Inputs {
			ins[i] = map[string]interface{}{
				"txid":  in.PrevOut.TxID.String(),
				"index": in.PrevOut.Index,
			}
		}
		m["inputs"] = ins
	}
	if len(tx.Outputs) > 0 {
		outs := make([]map[string]interface{}, len(tx.Outputs))
		for i, out := range tx.Outputs {
			outs[i] = map[string]interface{}{
				"address": out.Address.String(),
				"amount":  out.Amount.String(),
			}
		}
		m["outputs"] = outs
	}
	if len(tx.Metadata) > 0 {
		m["metadata"] = tx.Metadata
	}
	if tx.GovernanceProposal != "" {
		m["governance_proposal"] = tx.GovernanceProposal
	}
	if tx.UnlockHeight != 0 {
		m["unlock_height"] = tx.UnlockHeight
	}
	if len(tx.ContractCode) > 0 {
		m["contract_code"] = hex.EncodeToString(tx.ContractCode)
	}
	if len(tx.ContractData) > 0 {
		m["contract_data"] = hex.EncodeToString(tx.ContractData)
	}
	if !tx.ContractAddress.IsZero() {
		m["contract_address"] = tx.ContractAddress.String()
	}
	return m
}

// CanonicalBytes returns the sorted-key, whitespace-free JSON encoding of
// every field except "signature" and "txid" (spec.md §4.4). Go's
// encoding/json sorts map[string]... keys alphabetically and emits no
// whitespace, which is exactly the canonical form the spec requires.
func (tx *Transaction) CanonicalBytes() []byte {
	b, err := json.Marshal(tx.canonicalMap())
	if err != nil {
		// canonicalMap only contains JSON-safe scalars/maps/slices; this
		// cannot fail in practice.
		panic(fmt.Sprintf("tx: canonical encode: %v", err))
	}
	return b
}

// ComputeTxID derives txid = SHA-256(canonical_without_signature_or_txid).
func (tx *Transaction) ComputeTxID() types.Hash {
	return crypto.Hash(tx.CanonicalBytes())
}

// Finalize sets tx.TxID to the computed hash and returns it. Call after all
// other fields (including Signature) are set.
func (tx *Transaction) Finalize() types.Hash {
	tx.TxID = tx.ComputeTxID()
	return tx.TxID
}

// SortedMetadataKeys returns the metadata keys in sorted order, useful for
// deterministic iteration outside of the canonical encoder.
func (tx *Transaction) SortedMetadataKeys() []string {
	keys := make([]string, 0, len(tx.Metadata))
	for k := range tx.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
