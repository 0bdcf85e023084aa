package index

import (
	"fmt"

	"github.com/ledgerforge/corechain/internal/log"
	"github.com/ledgerforge/corechain/pkg/block"
	"github.com/ledgerforge/corechain/pkg/types"
)

// Scanner streams every stored block in ascending height order. Satisfied
// by *blockstore.Store without an import.
type Scanner interface {
	ScanAll(fn func(height uint64, hash types.Hash, path string, offset, size int64, blk *block.Block) error) error
}

const rebuildProgressInterval = 1000

// RebuildIfEmpty runs the rebuild protocol (spec.md §4.1) when the index has
// no entries yet: stream every segment file and re-derive the height/hash
// mapping. A no-op once max_indexed_height is known.
func (idx *Index) RebuildIfEmpty(scanner Scanner) error {
	_, ok, err := idx.MaxIndexedHeight()
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	if ok {
		return nil
	}
	return idx.Rebuild(scanner)
}

// Rebuild unconditionally re-streams every segment and re-indexes it,
// overwriting any existing entries. Used both for the startup rebuild
// protocol and by the recovery manager's re-index step after restoring a
// backup.
func (idx *Index) Rebuild(scanner Scanner) error {
	count := 0
	err := scanner.ScanAll(func(height uint64, hash types.Hash, path string, offset, size int64, blk *block.Block) error {
		if err := idx.IndexBlock(height, hash, path, offset, size); err != nil {
			return fmt.Errorf("rebuild: index height %d: %w", height, err)
		}
		count++
		if count%rebuildProgressInterval == 0 {
			log.Index.Info().Int("blocks", count).Msg("index rebuild progress")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuild: scan: %w", err)
	}
	log.Index.Info().Int("blocks", count).Msg("index rebuild complete")
	return nil
}
