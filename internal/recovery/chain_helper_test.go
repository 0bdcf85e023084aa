package recovery

import (
	"testing"
	"time"

	"github.com/ledgerforge/corechain/config"
	"github.com/ledgerforge/corechain/internal/blockstore"
	"github.com/ledgerforge/corechain/internal/chain"
	"github.com/ledgerforge/corechain/internal/consensus"
	"github.com/ledgerforge/corechain/internal/events"
	"github.com/ledgerforge/corechain/internal/index"
	"github.com/ledgerforge/corechain/internal/mempool"
	"github.com/ledgerforge/corechain/internal/storage"
	"github.com/ledgerforge/corechain/internal/utxo"
	"github.com/ledgerforge/corechain/pkg/crypto"
	"github.com/ledgerforge/corechain/pkg/types"
)

// testRules mirrors internal/chain's own test fixture: difficulty 1, no
// retarget, cheap enough to mine synchronously in a unit test.
func testRules() config.ConsensusRules {
	return config.ConsensusRules{
		InitialDifficulty:      1,
		RetargetInterval:       0,
		TargetBlockTimeSeconds: 3,
		BlockReward:            1000,
		MaxSupply:              0,
		CoinbaseMaturity:       0,
	}
}

// testChain wires a fresh, genesis-seeded chain over in-memory stores, the
// same way internal/chain's own tests and cmd/ledgerd's startup path do.
func testChain(t *testing.T) (*chain.Chain, types.Address) {
	t.Helper()
	rules := testRules()

	metaDB := storage.NewMemory()
	idxDB := storage.NewMemory()
	utxoDB := storage.NewMemory()

	blocks, err := blockstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("blockstore.Open: %v", err)
	}
	idx, err := index.Open(idxDB, 0)
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	utxos := utxo.NewStore(utxoDB)
	pool := mempool.New(utxos, mempool.Config{MaxBytes: 1 << 20, MaxPerSender: 10, Expiry: time.Hour})
	engine, err := consensus.NewPoW(rules.InitialDifficulty, rules.RetargetInterval, int(rules.TargetBlockTimeSeconds))
	if err != nil {
		t.Fatalf("NewPoW: %v", err)
	}
	bus := events.New()

	ch, err := chain.New(metaDB, blocks, idx, utxos, pool, engine, bus, rules)
	if err != nil {
		t.Fatalf("chain.New: %v", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	addr := crypto.AddressFromPubKey(key.PublicKey())

	gen := &config.Genesis{
		ChainID:   "recovery-test",
		Timestamp: 1700000000,
		Alloc:     map[string]uint64{addr.String(): 100_000},
		Consensus: rules,
	}
	if err := ch.InitFromGenesis(gen); err != nil {
		t.Fatalf("InitFromGenesis: %v", err)
	}
	return ch, addr
}

// testConfig builds a minimal *config.Config rooted at a temp dir, enough
// to satisfy NewManager/NewBackupManager's directory plumbing.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Network: config.Testnet,
		DataDir: t.TempDir(),
		Recovery: config.RecoveryConfig{
			BackupKeepCount:       3,
			BackupIntervalSeconds: 3600,
			FailureThreshold:      5,
			OpenTimeout:           30 * time.Second,
			SuccessThreshold:      2,
		},
	}
}
