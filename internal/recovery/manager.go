package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ledgerforge/corechain/config"
	"github.com/ledgerforge/corechain/internal/chain"
	"github.com/ledgerforge/corechain/internal/log"
	"github.com/ledgerforge/corechain/pkg/tx"
)

// Named operations wrapped by their own circuit breaker (spec.md §4.8).
const (
	OpMining     = "mining"
	OpValidation = "validation"
	OpNetwork    = "network"
	OpStorage    = "storage"
)

// backupTickInterval is the scheduler's wake-up cadence (spec.md §4.8:
// "once per minute wake-up").
const backupTickInterval = time.Minute

const (
	defaultBackupInterval  = time.Hour
	corruptionScanInterval = 6 * time.Hour
	cleanupInterval        = 24 * time.Hour
	defaultBackupKeepCount = 24
)

// Manager is the recovery manager (C8): a set of named circuit breakers
// guarding mutating entry points, plus the backup/corruption scheduler.
type Manager struct {
	mu sync.Mutex

	ch       *chain.Chain
	backups  *BackupManager
	detector *CorruptionDetector
	retry    *RetryPolicy

	breakers map[string]*CircuitBreaker

	backupInterval time.Duration
	backupKeep     int
	recoveryDir    string

	lastBackup     time.Time
	lastCorruption time.Time
	lastCleanup    time.Time

	critical bool
}

// NewManager wires a recovery manager around ch, with backups rooted at
// cfg's data directory and circuit breaker tuning from cfg.Recovery.
func NewManager(ch *chain.Chain, cfg *config.Config) (*Manager, error) {
	backups, err := NewBackupManager(cfg.BackupsDir())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.RecoveryDir(), 0o755); err != nil {
		return nil, fmt.Errorf("recovery: create recovery dir: %w", err)
	}

	breakerCfg := BreakerConfig{
		FailureThreshold: cfg.Recovery.FailureThreshold,
		Timeout:          cfg.Recovery.OpenTimeout,
		SuccessThreshold: cfg.Recovery.SuccessThreshold,
	}

	m := &Manager{
		ch:             ch,
		backups:        backups,
		detector:       NewCorruptionDetector(),
		retry:          NewRetryPolicy(RetryConfig{}),
		breakers:       make(map[string]*CircuitBreaker),
		backupInterval: time.Duration(cfg.Recovery.BackupIntervalSeconds) * time.Second,
		backupKeep:     cfg.Recovery.BackupKeepCount,
		recoveryDir:    cfg.RecoveryDir(),
	}
	if m.backupInterval <= 0 {
		m.backupInterval = defaultBackupInterval
	}
	if m.backupKeep <= 0 {
		m.backupKeep = defaultBackupKeepCount
	}

	for _, op := range []string{OpMining, OpValidation, OpNetwork, OpStorage} {
		m.breakers[op] = NewCircuitBreaker(breakerCfg)
	}

	return m, nil
}

// Breaker returns the named operation's circuit breaker, creating a
// default one on first use (so callers never see a nil breaker for an
// operation name this build didn't anticipate).
func (m *Manager) Breaker(op string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[op]
	if !ok {
		b = NewCircuitBreaker(BreakerConfig{})
		m.breakers[op] = b
	}
	return b
}

// Call executes fn through op's circuit breaker. This is the wrapping
// point every mutating chain entry point (append_block, mine_next,
// receive_block) should be routed through by the caller.
func (m *Manager) Call(op string, fn func() error) error {
	return m.Breaker(op).Call(fn)
}

// IsCritical reports whether the manager has given up (§7: "the core
// transitions to CRITICAL and refuses writes until operator intervention").
func (m *Manager) IsCritical() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.critical
}

// Run drives the once-per-minute scheduler (hourly backup, six-hourly
// corruption scan, daily cleanup) until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(backupTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.tick(now)
		}
	}
}

func (m *Manager) tick(now time.Time) {
	m.mu.Lock()
	dueBackup := now.Sub(m.lastBackup) >= m.backupInterval
	dueCorruption := now.Sub(m.lastCorruption) >= corruptionScanInterval
	dueCleanup := now.Sub(m.lastCleanup) >= cleanupInterval
	m.mu.Unlock()

	if dueBackup {
		if _, err := m.backups.Create(m.ch, now); err != nil {
			log.Recovery.Error().Err(err).Msg("scheduled backup failed")
		}
		m.mu.Lock()
		m.lastBackup = now
		m.mu.Unlock()
	}
	if dueCorruption {
		if issues := m.detector.Detect(m.ch); len(issues) > 0 {
			log.Recovery.Warn().Int("issues", len(issues)).Msg("corruption scan found issues")
			if err := m.HandleCorruption(now); err != nil {
				log.Recovery.Error().Err(err).Msg("corruption handling failed")
			}
		}
		m.mu.Lock()
		m.lastCorruption = now
		m.mu.Unlock()
	}
	if dueCleanup {
		if err := m.backups.Cleanup(m.backupKeep); err != nil {
			log.Recovery.Error().Err(err).Msg("scheduled backup cleanup failed")
		}
		m.mu.Lock()
		m.lastCleanup = now
		m.mu.Unlock()
	}
}

// pendingRescuePath is where preservePending stashes the mempool snapshot
// (spec.md §6 `data/recovery/pending_transactions.json`).
func (m *Manager) pendingRescuePath() string {
	return filepath.Join(m.recoveryDir, "pending_transactions.json")
}

func (m *Manager) preservePending() error {
	pending := m.ch.PendingTransactions()
	data, err := json.MarshalIndent(pending, "", "  ")
	if err != nil {
		return fmt.Errorf("preserve pending: marshal: %w", err)
	}
	return os.WriteFile(m.pendingRescuePath(), data, 0o644)
}

func (m *Manager) restorePending() int {
	data, err := os.ReadFile(m.pendingRescuePath())
	if err != nil {
		return 0
	}
	var pending []*tx.Transaction
	if err := json.Unmarshal(data, &pending); err != nil {
		log.Recovery.Warn().Err(err).Msg("rescued pending transactions unreadable")
		return 0
	}
	return m.ch.RestorePending(pending)
}

// HandleCorruption implements spec.md §4.8's handle_corruption flow:
// preserve pending transactions, try each backup newest-first, apply the
// first whose integrity hash checks out, restore pending, re-index.
func (m *Manager) HandleCorruption(now time.Time) error {
	if err := m.preservePending(); err != nil {
		log.Recovery.Error().Err(err).Msg("failed to preserve pending transactions before recovery")
	}

	backups, err := m.backups.List()
	if err != nil {
		return fmt.Errorf("handle corruption: list backups: %w", err)
	}

	for _, info := range backups {
		payload, err := m.backups.Restore(info.Path)
		if err != nil {
			log.Recovery.Warn().Err(err).Str("path", info.Path).Msg("skipping unreadable backup")
			continue
		}
		if err := m.ch.RestoreUTXO(payload.UTXO); err != nil {
			log.Recovery.Warn().Err(err).Str("path", info.Path).Msg("backup failed integrity check")
			continue
		}

		restored := m.restorePending()
		if err := m.ch.Reindex(); err != nil {
			return fmt.Errorf("handle corruption: reindex after restore: %w", err)
		}

		log.Recovery.Warn().
			Str("backup", info.Path).
			Uint64("height", info.Height).
			Int("pending_restored", restored).
			Msg("recovered from backup")
		m.mu.Lock()
		m.critical = false
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	m.critical = true
	m.mu.Unlock()
	return fmt.Errorf("handle corruption: no valid backup found among %d candidates", len(backups))
}

// CreateCheckpoint forces an immediate backup outside the scheduler's
// cadence, returning its path. Used for operator-triggered checkpoints.
func (m *Manager) CreateCheckpoint(now time.Time) (string, error) {
	path, err := m.backups.Create(m.ch, now)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.lastBackup = now
	m.mu.Unlock()
	return path, nil
}

// Detect runs the five corruption checks against the live chain without
// taking any corrective action.
func (m *Manager) Detect() []Issue {
	return m.detector.Detect(m.ch)
}

// Retry exposes the manager's retry policy for operations outside the
// circuit-breaker wrapped set (e.g. a transient storage write during
// startup) that still want bounded exponential backoff.
func (m *Manager) Retry(ctx context.Context, fn func() error) error {
	return m.retry.Execute(ctx, fn)
}
