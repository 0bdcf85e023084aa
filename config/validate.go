package config

import (
	"fmt"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("datadir must not be empty")
	}

	if cfg.Mempool.MaxBytes <= 0 {
		return fmt.Errorf("mempool_max_bytes must be positive")
	}
	if cfg.Mempool.MaxPerSender <= 0 {
		return fmt.Errorf("mempool_max_per_sender must be positive")
	}
	if cfg.Mempool.ExpirySeconds <= 0 {
		return fmt.Errorf("mempool_expiry_seconds must be positive")
	}
	if cfg.Mempool.AlertInvalidDelta < 0 || cfg.Mempool.AlertBanDelta < 0 || cfg.Mempool.AlertActiveBans < 0 {
		return fmt.Errorf("mempool alert thresholds must not be negative")
	}

	if cfg.Mining.Threads < 0 {
		return fmt.Errorf("mining.threads must not be negative")
	}
	if cfg.Mining.Enabled && cfg.Mining.Coinbase == "" {
		return fmt.Errorf("mining.enabled requires mining.coinbase")
	}

	if cfg.Recovery.BackupKeepCount <= 0 {
		return fmt.Errorf("backup_keep_count must be positive")
	}
	if cfg.Recovery.BackupIntervalSeconds <= 0 {
		return fmt.Errorf("backup_interval_seconds must be positive")
	}
	if cfg.Recovery.FailureThreshold <= 0 {
		return fmt.Errorf("recovery.failure_threshold must be positive")
	}
	if cfg.Recovery.SuccessThreshold <= 0 {
		return fmt.Errorf("recovery.success_threshold must be positive")
	}
	if cfg.Recovery.OpenTimeout <= 0 {
		return fmt.Errorf("recovery.timeout must be positive")
	}

	return nil
}
