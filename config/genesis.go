package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/ledgerforge/corechain/pkg/crypto"
	"github.com/ledgerforge/corechain/pkg/types"
)

// ConsensusRules are the protocol-level parameters that every node on a
// given network must agree on. They are fixed at genesis and never change
// except by shipping a new genesis file.
type ConsensusRules struct {
	InitialDifficulty      uint32 `json:"initial_difficulty"`
	RetargetInterval       int    `json:"difficulty_retarget_interval"`
	TargetBlockTimeSeconds int64  `json:"target_block_time_seconds"`
	BlockReward            uint64 `json:"block_reward"`
	MaxSupply              uint64 `json:"max_supply"` // 0 = unlimited
	CoinbaseMaturity       uint64 `json:"coinbase_maturity"`
}

// Genesis describes the single block every chain of a given network starts
// from: its allocation table and the consensus rules that govern it.
type Genesis struct {
	ChainID   string            `json:"chain_id"`
	Timestamp int64             `json:"timestamp"`
	Alloc     map[string]uint64 `json:"alloc"` // address -> base units
	Consensus ConsensusRules    `json:"consensus"`
}

// MainnetGenesis returns the canonical mainnet genesis.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "ledgerforge-mainnet",
		Timestamp: 1700000000,
		Alloc:     map[string]uint64{},
		Consensus: ConsensusRules{
			InitialDifficulty:      20,
			RetargetInterval:       2016,
			TargetBlockTimeSeconds: 600,
			BlockReward:            50 * 1e8,
			MaxSupply:              21_000_000 * 1e8,
			CoinbaseMaturity:       100,
		},
	}
}

// TestnetGenesis returns the canonical testnet genesis: a lower initial
// difficulty and a faster retarget window so local test chains progress
// quickly.
func TestnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "ledgerforge-testnet",
		Timestamp: 1700000000,
		Alloc:     map[string]uint64{},
		Consensus: ConsensusRules{
			InitialDifficulty:      8,
			RetargetInterval:       20,
			TargetBlockTimeSeconds: 10,
			BlockReward:            50 * 1e8,
			MaxSupply:              0,
			CoinbaseMaturity:       10,
		},
	}
}

// GenesisFor returns the canonical genesis for a network.
func GenesisFor(network NetworkType) *Genesis {
	if network == Testnet {
		return TestnetGenesis()
	}
	return MainnetGenesis()
}

// LoadGenesis reads a genesis definition from a JSON file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse genesis: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Save writes the genesis definition to a JSON file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal genesis: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks structural soundness of the genesis definition: every
// allocation address must parse, consensus parameters must be positive, and
// the allocation total (if the network enforces a cap) must not exceed
// MaxSupply.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("genesis: chain_id required")
	}
	if g.Consensus.InitialDifficulty == 0 {
		return fmt.Errorf("genesis: initial_difficulty must be positive")
	}
	if g.Consensus.RetargetInterval <= 0 {
		return fmt.Errorf("genesis: difficulty_retarget_interval must be positive")
	}
	if g.Consensus.TargetBlockTimeSeconds <= 0 {
		return fmt.Errorf("genesis: target_block_time_seconds must be positive")
	}
	var total uint64
	for addrStr := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("genesis: invalid allocation address %q: %w", addrStr, err)
		}
		total += g.Alloc[addrStr]
	}
	if g.Consensus.MaxSupply > 0 && total > g.Consensus.MaxSupply {
		return fmt.Errorf("genesis: allocation total %d exceeds max_supply %d", total, g.Consensus.MaxSupply)
	}
	return nil
}

// Hash computes a deterministic digest of the genesis definition, used to
// detect mismatched genesis files across nodes claiming the same chain id.
func (g *Genesis) Hash() (types.Hash, error) {
	addrs := make([]string, 0, len(g.Alloc))
	for a := range g.Alloc {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)

	canonical := struct {
		ChainID   string         `json:"chain_id"`
		Timestamp int64          `json:"timestamp"`
		Alloc     []allocEntry   `json:"alloc"`
		Consensus ConsensusRules `json:"consensus"`
	}{
		ChainID:   g.ChainID,
		Timestamp: g.Timestamp,
		Consensus: g.Consensus,
	}
	for _, a := range addrs {
		canonical.Alloc = append(canonical.Alloc, allocEntry{Address: a, Amount: g.Alloc[a]})
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}

type allocEntry struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}
