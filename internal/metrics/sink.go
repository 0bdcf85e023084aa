// Package metrics is the event sink (C9): prometheus counters, gauges, and
// histograms driven off internal/events and periodic chain snapshots, plus
// alert rule evaluation over the mempool's configured thresholds.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ledgerforge/corechain/internal/chain"
	"github.com/ledgerforge/corechain/internal/events"
)

// Sink owns a private prometheus registry (never the global default one,
// so multiple node instances in the same process never collide) and
// translates chain/mempool activity into metrics.
type Sink struct {
	registry *prometheus.Registry

	blocksAdded   prometheus.Counter
	txAdmitted    prometheus.Counter
	txRejected    prometheus.Counter
	reorgs        prometheus.Counter
	alertsFired   *prometheus.CounterVec
	miningErrors  prometheus.Counter
	miningLatency prometheus.Histogram

	height        prometheus.Gauge
	supply        prometheus.Gauge
	difficulty    prometheus.Gauge
	mempoolCount  prometheus.Gauge
	mempoolBanned prometheus.Gauge
	orphanCount   prometheus.Gauge
}

// NewSink builds a Sink with all metrics registered against a fresh
// registry.
func NewSink() *Sink {
	reg := prometheus.NewRegistry()

	s := &Sink{
		registry: reg,
		blocksAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_blocks_added_total",
			Help: "Blocks appended to the active chain.",
		}),
		txAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_mempool_admitted_total",
			Help: "Transactions admitted to the mempool.",
		}),
		txRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_mempool_rejected_total",
			Help: "Transactions rejected by the mempool.",
		}),
		reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_chain_reorgs_total",
			Help: "Chain reorganizations performed.",
		}),
		alertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_alerts_fired_total",
			Help: "Alert rule firings, labeled by alert name.",
		}, []string{"alert"}),
		miningErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_mining_errors_total",
			Help: "Mining attempts that failed.",
		}),
		miningLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_mining_attempt_seconds",
			Help:    "Wall-clock duration of a single mining attempt.",
			Buckets: prometheus.DefBuckets,
		}),
		height: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_chain_height",
			Help: "Current chain height.",
		}),
		supply: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_chain_supply",
			Help: "Current circulating supply in base units.",
		}),
		difficulty: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_chain_cumulative_difficulty",
			Help: "Cumulative proof-of-work difficulty of the active chain.",
		}),
		mempoolCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_mempool_size",
			Help: "Transactions currently held in the mempool.",
		}),
		mempoolBanned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_mempool_active_bans",
			Help: "Senders currently banned from the mempool.",
		}),
		orphanCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_orphan_pool_size",
			Help: "Blocks parked in the orphan pool awaiting their parent.",
		}),
	}

	reg.MustRegister(
		s.blocksAdded, s.txAdmitted, s.txRejected, s.reorgs, s.alertsFired,
		s.miningErrors, s.miningLatency,
		s.height, s.supply, s.difficulty, s.mempoolCount, s.mempoolBanned, s.orphanCount,
	)
	return s
}

// Subscribe wires the sink's counters to bus.
func (s *Sink) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.BlockAdded, func(events.Event) { s.blocksAdded.Inc() })
	bus.Subscribe(events.TxAdmitted, func(events.Event) { s.txAdmitted.Inc() })
	bus.Subscribe(events.TxRejected, func(events.Event) { s.txRejected.Inc() })
	bus.Subscribe(events.ChainReorg, func(events.Event) { s.reorgs.Inc() })
	bus.Subscribe(events.AlertFiring, func(ev events.Event) { s.alertsFired.WithLabelValues(ev.AlertName).Inc() })
}

// SetChainGauges refreshes the point-in-time gauges from a chain snapshot.
// Alert thresholds are not evaluated here; that is Evaluator's job.
func (s *Sink) SetChainGauges(stats chain.Stats) {
	s.height.Set(float64(stats.Height))
	s.supply.Set(float64(stats.Supply))
	s.difficulty.Set(float64(stats.CumulativeDifficulty))
	s.mempoolCount.Set(float64(stats.MempoolCount))
	s.mempoolBanned.Set(float64(stats.MempoolActiveBans))
	s.orphanCount.Set(float64(stats.OrphanPoolSize))
}

// ObserveMiningAttempt records a mining attempt's duration and, on
// failure, the error counter.
func (s *Sink) ObserveMiningAttempt(d time.Duration, err error) {
	s.miningLatency.Observe(d.Seconds())
	if err != nil {
		s.miningErrors.Inc()
	}
}
