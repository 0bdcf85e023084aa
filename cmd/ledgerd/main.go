// ledgerd is the proof-of-work UTXO ledger node daemon.
//
// Usage:
//
//	ledgerd [--mine --coinbase=...]   Run node
//	ledgerd --help                    Show help
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ledgerforge/corechain/config"
	"github.com/ledgerforge/corechain/internal/blockstore"
	"github.com/ledgerforge/corechain/internal/chain"
	"github.com/ledgerforge/corechain/internal/consensus"
	"github.com/ledgerforge/corechain/internal/events"
	"github.com/ledgerforge/corechain/internal/index"
	klog "github.com/ledgerforge/corechain/internal/log"
	"github.com/ledgerforge/corechain/internal/mempool"
	"github.com/ledgerforge/corechain/internal/metrics"
	"github.com/ledgerforge/corechain/internal/recovery"
	"github.com/ledgerforge/corechain/internal/storage"
	"github.com/ledgerforge/corechain/internal/utxo"
	"github.com/ledgerforge/corechain/pkg/types"
)

func main() {
	cfg, flags, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if cfg.Network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Error: init logger: %v\n", err)
		os.Exit(1)
	}
	klog.Logger.Info().Str("network", string(cfg.Network)).Str("datadir", cfg.DataDir).Msg("starting ledgerd")

	ch, dbs, bus, err := openChain(cfg, flags)
	if err != nil {
		klog.Logger.Fatal().Err(err).Msg("failed to initialize chain")
	}
	defer dbs.Close()

	sink := metrics.NewSink()
	sink.Subscribe(bus)
	sink.SetChainGauges(ch.GetStats())
	go serveMetrics(sink)

	mgr, err := recovery.NewManager(ch, cfg)
	if err != nil {
		klog.Logger.Fatal().Err(err).Msg("failed to initialize recovery manager")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go mgr.Run(ctx)

	if cfg.Mining.Enabled {
		coinbaseAddr, err := types.ParseAddress(cfg.Mining.Coinbase)
		if err != nil {
			klog.Logger.Fatal().Err(err).Str("coinbase", cfg.Mining.Coinbase).Msg("invalid mining.coinbase address")
		}
		go runMiningLoop(ctx, ch, mgr, sink, coinbaseAddr)
	}

	eval := metrics.NewEvaluator(cfg.Mempool, bus)
	tickStats(ctx, ch, sink, eval)

	klog.Logger.Info().Msg("ledgerd shutting down")
}

// openChain wires the storage layer, UTXO set, mempool, consensus engine,
// and chain core into a single *chain.Chain, seeding genesis on a fresh
// data directory.
func openChain(cfg *config.Config, flags *config.Flags) (*chain.Chain, *dbSet, *events.Bus, error) {
	metaDB, err := storage.NewBadger(cfg.MetaDir())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open meta db: %w", err)
	}
	dbs := &dbSet{meta: metaDB}

	blocks, err := blockstore.Open(cfg.BlocksDir())
	if err != nil {
		dbs.Close()
		return nil, nil, nil, fmt.Errorf("open block store: %w", err)
	}

	idxDB, err := storage.NewBadger(cfg.IndexDir())
	if err != nil {
		dbs.Close()
		return nil, nil, nil, fmt.Errorf("open index db: %w", err)
	}
	dbs.index = idxDB
	idx, err := index.Open(idxDB, defaultIndexCacheSize)
	if err != nil {
		dbs.Close()
		return nil, nil, nil, fmt.Errorf("open block index: %w", err)
	}
	if cfg.EnableIndex {
		if err := idx.RebuildIfEmpty(blocks); err != nil {
			dbs.Close()
			return nil, nil, nil, fmt.Errorf("rebuild block index: %w", err)
		}
	}

	utxoDB, err := storage.NewBadger(cfg.UTXODir())
	if err != nil {
		dbs.Close()
		return nil, nil, nil, fmt.Errorf("open utxo db: %w", err)
	}
	dbs.utxo = utxoDB
	utxos := utxo.NewStore(utxoDB)

	pool := mempool.New(utxos, mempool.Config{
		MaxBytes:     cfg.Mempool.MaxBytes,
		MaxPerSender: cfg.Mempool.MaxPerSender,
		Expiry:       time.Duration(cfg.Mempool.ExpirySeconds) * time.Second,
		MinFeeRate:   cfg.Mempool.MinFeeRate,
	})

	var gen *config.Genesis
	if flags.Genesis != "" {
		gen, err = config.LoadGenesis(flags.Genesis)
	} else {
		gen = config.GenesisFor(cfg.Network)
	}
	if err != nil {
		dbs.Close()
		return nil, nil, nil, fmt.Errorf("load genesis: %w", err)
	}

	engine, err := consensus.NewPoW(gen.Consensus.InitialDifficulty, gen.Consensus.RetargetInterval, int(gen.Consensus.TargetBlockTimeSeconds))
	if err != nil {
		dbs.Close()
		return nil, nil, nil, fmt.Errorf("init consensus engine: %w", err)
	}

	bus := events.New()
	bus.SubscribeAll(func(ev events.Event) { logEvent(ev) })

	ch, err := chain.New(metaDB, blocks, idx, utxos, pool, engine, bus, gen.Consensus)
	if err != nil {
		dbs.Close()
		return nil, nil, nil, fmt.Errorf("init chain: %w", err)
	}

	if ch.Height() == 0 && ch.TipHash().IsZero() {
		if err := ch.InitFromGenesis(gen); err != nil {
			dbs.Close()
			return nil, nil, nil, fmt.Errorf("apply genesis: %w", err)
		}
		klog.Logger.Info().Str("chain_id", gen.ChainID).Msg("initialized fresh chain from genesis")
	}

	if cfg.CompactOnStartup {
		if err := compactAgedBlocks(blocks, idx, ch.Height()); err != nil {
			klog.Logger.Warn().Err(err).Msg("startup block compaction failed")
		}
	}

	return ch, dbs, bus, nil
}

const defaultIndexCacheSize = 4096

// dbSet groups the badger handles opened directly by main (the block store
// owns its own file handles and closes nothing here).
type dbSet struct {
	meta  storage.DB
	index storage.DB
	utxo  storage.DB
}

func (d *dbSet) Close() {
	for _, db := range []storage.DB{d.meta, d.index, d.utxo} {
		if db != nil {
			db.Close()
		}
	}
}

func compactAgedBlocks(blocks *blockstore.Store, idx *index.Index, tip uint64) error {
	if tip < blockstore.CompressionAgeBlocks {
		return nil
	}
	for h := uint64(0); h <= tip-blockstore.CompressionAgeBlocks; h++ {
		if err := blocks.MaybeCompress(h, tip, idx); err != nil {
			return fmt.Errorf("compress height %d: %w", h, err)
		}
	}
	return nil
}

// runMiningLoop repeatedly mines the next block via the circuit-breaker
// wrapped OpMining path, backing off when the breaker is open.
func runMiningLoop(ctx context.Context, ch *chain.Chain, mgr *recovery.Manager, sink *metrics.Sink, coinbase types.Address) {
	klog.Miner.Info().Str("coinbase", coinbase.String()).Msg("mining enabled")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if mgr.IsCritical() {
			klog.Miner.Error().Msg("recovery manager is in critical state, mining paused")
			time.Sleep(5 * time.Second)
			continue
		}

		start := time.Now()
		err := mgr.Call(recovery.OpMining, func() error {
			_, err := ch.MineNext(coinbase)
			return err
		})
		sink.ObserveMiningAttempt(time.Since(start), err)
		if err != nil {
			klog.Miner.Warn().Err(err).Msg("mining attempt failed")
			time.Sleep(time.Second)
		}
	}
}

// tickStats blocks until ctx is cancelled, periodically refreshing the
// metrics sink's gauges from a live chain snapshot and evaluating alert
// rules over the same snapshot.
func tickStats(ctx context.Context, ch *chain.Chain, sink *metrics.Sink, eval *metrics.Evaluator) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := ch.GetStats()
			sink.SetChainGauges(stats)
			eval.Evaluate(stats)
		}
	}
}

func serveMetrics(sink *metrics.Sink) {
	addr := ":9100"
	klog.Metrics.Info().Str("addr", addr).Msg("serving /metrics")
	if err := metrics.Serve(addr, sink); err != nil {
		klog.Metrics.Error().Err(err).Msg("metrics server stopped")
	}
}

func logEvent(ev events.Event) {
	switch ev.Type {
	case events.BlockAdded:
		klog.Chain.Info().Uint64("height", ev.Height).Msg("block added")
	case events.ChainReorg:
		klog.Chain.Warn().Uint64("fork_point", ev.ForkPoint).Uint64("height", ev.Height).Msg("chain reorg")
	case events.TxRejected:
		klog.Mempool.Debug().Str("reason", ev.Reason).Msg("transaction rejected")
	case events.NeedBlock:
		klog.Chain.Debug().Msg("orphan block parked, awaiting parent")
	case events.AlertFiring:
		klog.Metrics.Warn().Str("alert", ev.AlertName).Msg("alert firing")
	}
}
