// ledger-cli is a direct-mode command-line client: it opens the same data
// directory a ledgerd process uses and answers read queries (status, block,
// balance, validate), without a running daemon or an RPC hop.
//
// Usage:
//
//	ledger-cli [--datadir=... --network=mainnet|testnet] <command> [args]
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ledgerforge/corechain/config"
	"github.com/ledgerforge/corechain/internal/blockstore"
	"github.com/ledgerforge/corechain/internal/chain"
	"github.com/ledgerforge/corechain/internal/consensus"
	"github.com/ledgerforge/corechain/internal/index"
	klog "github.com/ledgerforge/corechain/internal/log"
	"github.com/ledgerforge/corechain/internal/storage"
	"github.com/ledgerforge/corechain/internal/utxo"
	"github.com/ledgerforge/corechain/pkg/types"
)

const indexCacheSize = 4096

// dbSet groups the badger handles this CLI opens directly.
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

func indexOpen(db storage.DB) (*index.Index, error) {
	return index.Open(db, indexCacheSize)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	dataDir := config.DefaultDataDir()
	network := config.Mainnet
	args := os.Args[1:]

	for len(args) > 0 {
		switch {
		case strings.HasPrefix(args[0], "--datadir="):
			dataDir = args[0][len("--datadir="):]
			args = args[1:]
		case strings.HasPrefix(args[0], "--network="):
			if args[0][len("--network="):] == "testnet" {
				network = config.Testnet
			}
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}
	cmd, rest := args[0], args[1:]

	if cmd == "help" || cmd == "--help" || cmd == "-h" {
		usage()
		return
	}

	klog.Logger = klog.NewConsoleLogger(os.Stderr, "warn")

	cfg := config.Default(network)
	cfg.DataDir = dataDir
	if network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	}

	ch, dbs, err := openReadOnlyChain(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer dbs.Close()

	var cmdErr error
	switch cmd {
	case "status":
		cmdErr = cmdStatus(ch)
	case "block":
		cmdErr = cmdBlock(ch, rest)
	case "balance":
		cmdErr = cmdBalance(ch, rest)
	case "validate":
		cmdErr = cmdValidate(ch)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", cmd)
		usage()
		os.Exit(1)
	}

	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", cmdErr)
		os.Exit(1)
	}
}

// openReadOnlyChain opens an existing data directory's chain state without
// seeding genesis; callers get whatever tip is already recorded, including
// a fresh/empty chain if the directory has never been initialized.
func openReadOnlyChain(cfg *config.Config) (*chain.Chain, *dbSet, error) {
	metaDB, err := storage.NewBadger(cfg.MetaDir())
	if err != nil {
		return nil, nil, fmt.Errorf("open meta db: %w", err)
	}
	dbs := &dbSet{meta: metaDB}

	blocks, err := blockstore.Open(cfg.BlocksDir())
	if err != nil {
		dbs.Close()
		return nil, nil, fmt.Errorf("open block store: %w", err)
	}

	idxDB, err := storage.NewBadger(cfg.IndexDir())
	if err != nil {
		dbs.Close()
		return nil, nil, fmt.Errorf("open index db: %w", err)
	}
	dbs.index = idxDB
	idx, err := indexOpen(idxDB)
	if err != nil {
		dbs.Close()
		return nil, nil, fmt.Errorf("open block index: %w", err)
	}
	if err := idx.RebuildIfEmpty(blocks); err != nil {
		dbs.Close()
		return nil, nil, fmt.Errorf("rebuild block index: %w", err)
	}

	utxoDB, err := storage.NewBadger(cfg.UTXODir())
	if err != nil {
		dbs.Close()
		return nil, nil, fmt.Errorf("open utxo db: %w", err)
	}
	dbs.utxo = utxoDB
	utxos := utxo.NewStore(utxoDB)

	gen := config.GenesisFor(cfg.Network)
	engine, err := consensus.NewPoW(gen.Consensus.InitialDifficulty, gen.Consensus.RetargetInterval, int(gen.Consensus.TargetBlockTimeSeconds))
	if err != nil {
		dbs.Close()
		return nil, nil, fmt.Errorf("init consensus engine: %w", err)
	}

	ch, err := chain.New(metaDB, blocks, idx, utxos, nil, engine, nil, gen.Consensus)
	if err != nil {
		dbs.Close()
		return nil, nil, fmt.Errorf("init chain: %w", err)
	}
	return ch, dbs, nil
}

func cmdStatus(ch *chain.Chain) error {
	stats := ch.GetStats()
	return printJSON(map[string]any{
		"height":                stats.Height,
		"tip_hash":              stats.TipHash.String(),
		"supply":                stats.Supply,
		"cumulative_difficulty": stats.CumulativeDifficulty,
	})
}

func cmdBlock(ch *chain.Chain, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: block <height>")
	}
	var height uint64
	if _, err := fmt.Sscanf(args[0], "%d", &height); err != nil {
		return fmt.Errorf("invalid height %q: %w", args[0], err)
	}
	blk, err := ch.GetBlockByHeight(height)
	if err != nil {
		return err
	}
	return printJSON(blk)
}

func cmdBalance(ch *chain.Chain, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: balance <address>")
	}
	addr, err := types.ParseAddress(args[0])
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	balance, err := ch.GetBalance(addr)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"address": args[0], "balance": balance})
}

func cmdValidate(ch *chain.Chain) error {
	if err := ch.ValidateChain(); err != nil {
		return err
	}
	fmt.Println("chain is valid")
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func usage() {
	fmt.Print(`ledger-cli - direct-mode client for a ledgerforge data directory

Usage:
  ledger-cli [--datadir=path] [--network=mainnet|testnet] <command> [args]

Commands:
  status            Print chain height, tip hash, supply, cumulative difficulty
  block <height>     Print the block at the given height as JSON
  balance <address>  Print an address's UTXO balance
  validate           Walk the full chain checking structural invariants
  help               Show this message
`)
}
