// Package config handles application configuration.
//
// Configuration is split the way the teacher splits it: protocol rules that
// must match across every node (defined in genesis, immutable) versus node
// settings that can vary per process (this Config struct).
package config

import (
	"path/filepath"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Config holds node-specific runtime configuration (spec.md §6's
// "Configuration recognized" table, plus logging/recovery operational
// knobs carried as ambient stack regardless of the spec's Non-goals).
type Config struct {
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	Mempool  MempoolConfig
	Mining   MiningConfig
	Recovery RecoveryConfig
	Log      LogConfig

	// CompactOnStartup triggers age-based gzip compression of eligible
	// block heights during Open (spec.md §6 `compact_on_startup`).
	CompactOnStartup bool `conf:"compact_on_startup"`
	// EnableIndex controls whether ledgerd rebuilds an empty block index
	// (C1) from the segment files at startup. The index is still written on
	// every append and consulted by Load either way (spec.md §6
	// `enable_index`).
	EnableIndex bool `conf:"enable_index"`
}

// MempoolConfig holds the bounds enforced by C5's admit protocol
// (spec.md §4.5/§6).
type MempoolConfig struct {
	MaxBytes          int    `conf:"mempool_max_bytes"`
	MaxPerSender      int    `conf:"mempool_max_per_sender"`
	ExpirySeconds     int    `conf:"mempool_expiry_seconds"`
	MinFeeRate        uint64 `conf:"min_fee_rate"`
	AlertInvalidDelta int    `conf:"mempool_alert_invalid_delta"`
	AlertBanDelta     int    `conf:"mempool_alert_ban_delta"`
	AlertActiveBans   int    `conf:"mempool_alert_active_bans"`
}

// MiningConfig holds block production settings (operational, not consensus
// rules — the consensus rules themselves are genesis-defined).
type MiningConfig struct {
	Enabled  bool   `conf:"mining.enabled"`
	Coinbase string `conf:"mining.coinbase"`
	Threads  int    `conf:"mining.threads"`
}

// RecoveryConfig holds C8's circuit breaker and scheduled-backup tuning.
type RecoveryConfig struct {
	BackupKeepCount       int `conf:"backup_keep_count"`
	BackupIntervalSeconds int `conf:"backup_interval_seconds"`

	FailureThreshold int           `conf:"recovery.failure_threshold"`
	OpenTimeout      time.Duration `conf:"recovery.timeout"`
	SuccessThreshold int           `conf:"recovery.success_threshold"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// ChainDataDir returns the chain-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// BlocksDir returns the block storage (C2) directory.
func (c *Config) BlocksDir() string {
	return filepath.Join(c.ChainDataDir(), "blocks")
}

// MetaDir returns the chain metadata (tip, undo data, reorg checkpoint)
// badger directory.
func (c *Config) MetaDir() string {
	return filepath.Join(c.ChainDataDir(), "meta")
}

// IndexDir returns the block index (C1) badger directory.
func (c *Config) IndexDir() string {
	return filepath.Join(c.ChainDataDir(), "index")
}

// UTXODir returns the UTXO manager (C3) badger directory.
func (c *Config) UTXODir() string {
	return filepath.Join(c.ChainDataDir(), "utxo")
}

// BackupsDir returns the directory C8's backup manager writes snapshots to
// (spec.md §6 `data/backups/backup_*.json`).
func (c *Config) BackupsDir() string {
	return filepath.Join(c.DataDir, "backups")
}

// RecoveryDir returns the directory C8 rescues pending transactions into
// during corruption handling (spec.md §6 `data/recovery/pending_transactions.json`).
func (c *Config) RecoveryDir() string {
	return filepath.Join(c.DataDir, "recovery")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "ledgerd.conf")
}
