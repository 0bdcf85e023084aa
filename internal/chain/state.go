package chain

import "github.com/ledgerforge/corechain/pkg/types"

// State is a snapshot of the chain tip's bookkeeping, mirrored in
// MetaStore and cached in memory under the chain's single writer lock.
type State struct {
	Height               uint64
	TipHash              types.Hash
	TipTimestamp         int64
	Supply               uint64
	CumulativeDifficulty uint64 // Sum of 2^difficulty across every main-chain block (fork choice weight).
}

// IsGenesis reports whether state reflects an empty chain.
func (s State) IsGenesis() bool {
	return s.Height == 0 && s.TipHash.IsZero()
}
