package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a node config value by key. Only node-operational
// settings; protocol rules live in the genesis file.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value
	case "compact_on_startup":
		cfg.CompactOnStartup = parseBool(value)
	case "enable_index":
		cfg.EnableIndex = parseBool(value)

	case "mempool_max_bytes":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Mempool.MaxBytes = n
	case "mempool_max_per_sender":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Mempool.MaxPerSender = n
	case "mempool_expiry_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Mempool.ExpirySeconds = n
	case "min_fee_rate":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Mempool.MinFeeRate = n
	case "mempool_alert_invalid_delta":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Mempool.AlertInvalidDelta = n
	case "mempool_alert_ban_delta":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Mempool.AlertBanDelta = n
	case "mempool_alert_active_bans":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Mempool.AlertActiveBans = n

	case "mining.enabled", "mine":
		cfg.Mining.Enabled = parseBool(value)
	case "mining.coinbase", "coinbase":
		cfg.Mining.Coinbase = value
	case "mining.threads":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Mining.Threads = n

	case "backup_keep_count":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Recovery.BackupKeepCount = n
	case "backup_interval_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Recovery.BackupIntervalSeconds = n
	case "recovery.failure_threshold":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Recovery.FailureThreshold = n
	case "recovery.success_threshold":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Recovery.SuccessThreshold = n
	case "recovery.timeout":
		secs, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Recovery.OpenTimeout = time.Duration(secs) * time.Second

	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored.
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# ledgerd node configuration
#
# This file contains NODE settings only. Protocol rules (difficulty,
# block reward, supply cap) are fixed in the genesis file and cannot be
# changed without shipping a new one.

network = ` + string(network) + `

# Data directory (default: ~/.ledgerforge)
# datadir = ~/.ledgerforge

compact_on_startup = true
enable_index = true

# ============================================================================
# Mempool
# ============================================================================

mempool_max_bytes = 67108864
mempool_max_per_sender = 100
mempool_expiry_seconds = 10800
min_fee_rate = 1
mempool_alert_invalid_delta = 50
mempool_alert_ban_delta = 5
mempool_alert_active_bans = 3

# ============================================================================
# Mining / Block Production
# ============================================================================

mining.enabled = false
# mining.coinbase = <your-address>
mining.threads = 1

# ============================================================================
# Recovery
# ============================================================================

backup_keep_count = 24
backup_interval_seconds = 3600
recovery.failure_threshold = 5
recovery.success_threshold = 2
recovery.timeout = 30

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
