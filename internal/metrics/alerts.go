package metrics

import (
	"github.com/ledgerforge/corechain/config"
	"github.com/ledgerforge/corechain/internal/chain"
	"github.com/ledgerforge/corechain/internal/events"
)

// Alert names published via events.AlertFiring.
const (
	AlertMempoolInvalidSpike = "mempool_invalid_spike"
	AlertMempoolBanSpike     = "mempool_ban_spike"
	AlertMempoolBansActive   = "mempool_bans_active"
)

// Evaluator checks chain.Stats snapshots against config.MempoolConfig's
// alert thresholds, publishing events.AlertFiring when a threshold is
// crossed. It tracks the last observed invalid/banned counts so the
// invalid/ban thresholds fire on a per-tick delta rather than an absolute
// count that would only ever grow.
type Evaluator struct {
	cfg config.MempoolConfig
	bus *events.Bus

	lastInvalid int
	lastBanned  int
	initialized bool
}

// NewEvaluator builds an alert evaluator publishing to bus per cfg's
// configured deltas/thresholds.
func NewEvaluator(cfg config.MempoolConfig, bus *events.Bus) *Evaluator {
	return &Evaluator{cfg: cfg, bus: bus}
}

// Evaluate compares stats against the configured thresholds and fires the
// matching alerts: the invalid/ban alerts when the change since the previous
// call reaches its delta, the active-bans alert on every call at or above
// its threshold. The first call only records the baseline.
func (e *Evaluator) Evaluate(stats chain.Stats) {
	if !e.initialized {
		e.lastInvalid = stats.MempoolInvalid
		e.lastBanned = stats.MempoolBanned
		e.initialized = true
		return
	}

	if e.cfg.AlertInvalidDelta > 0 {
		if delta := stats.MempoolInvalid - e.lastInvalid; delta >= e.cfg.AlertInvalidDelta {
			e.fire(AlertMempoolInvalidSpike)
		}
	}
	if e.cfg.AlertBanDelta > 0 {
		if delta := stats.MempoolBanned - e.lastBanned; delta >= e.cfg.AlertBanDelta {
			e.fire(AlertMempoolBanSpike)
		}
	}
	if e.cfg.AlertActiveBans > 0 && stats.MempoolActiveBans >= e.cfg.AlertActiveBans {
		e.fire(AlertMempoolBansActive)
	}

	e.lastInvalid = stats.MempoolInvalid
	e.lastBanned = stats.MempoolBanned
}

func (e *Evaluator) fire(name string) {
	e.bus.Publish(events.Event{Type: events.AlertFiring, AlertName: name})
}
