package config

import "time"

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network:          Mainnet,
		DataDir:          DefaultDataDir(),
		CompactOnStartup: true,
		EnableIndex:      true,
		Mempool: MempoolConfig{
			MaxBytes:          64 * 1024 * 1024,
			MaxPerSender:      100,
			ExpirySeconds:     10800,
			MinFeeRate:        1,
			AlertInvalidDelta: 50,
			AlertBanDelta:     5,
			AlertActiveBans:   3,
		},
		Mining: MiningConfig{
			Enabled: false,
			Threads: 1,
		},
		Recovery: RecoveryConfig{
			BackupKeepCount:       24,
			BackupIntervalSeconds: 3600,
			FailureThreshold:      5,
			SuccessThreshold:      2,
			OpenTimeout:           30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
