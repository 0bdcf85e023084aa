package blockstore

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/ledgerforge/corechain/pkg/block"
)

// loadCompressed reads and parses the gzip sidecar for height, if present.
func (s *Store) loadCompressed(height uint64) (*block.Block, error) {
	f, err := os.Open(s.gzPath(height))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("gzip reader for height %d: %w", height, err)
	}
	defer gr.Close()

	var blk block.Block
	if err := json.NewDecoder(gr).Decode(&blk); err != nil {
		return nil, fmt.Errorf("decode compressed block %d: %w", height, err)
	}
	return &blk, nil
}

// MaybeCompress compresses the block at height into its own gzip sidecar if
// it is at least CompressionAgeBlocks behind tipHeight and has not already
// been compressed. It never rewrites the segment file in place; the
// original line is left untouched and Load prefers the sidecar once it
// exists.
func (s *Store) MaybeCompress(height, tipHeight uint64, loc Locator) error {
	if tipHeight < height || tipHeight-height < CompressionAgeBlocks {
		return nil
	}
	if _, err := os.Stat(s.gzPath(height)); err == nil {
		return nil // Already compressed.
	}

	blk, err := s.Load(height, loc)
	if err != nil {
		return fmt.Errorf("load height %d for compression: %w", height, err)
	}

	tmp := s.gzPath(height) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create compressed temp for height %d: %w", height, err)
	}

	gw := gzip.NewWriter(f)
	if err := json.NewEncoder(gw).Encode(blk); err != nil {
		gw.Close()
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("compress block %d: %w", height, err)
	}
	if err := gw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("close gzip writer for height %d: %w", height, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync compressed temp for height %d: %w", height, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close compressed temp for height %d: %w", height, err)
	}

	if err := os.Rename(tmp, s.gzPath(height)); err != nil {
		return fmt.Errorf("rename compressed block %d: %w", height, err)
	}
	return nil
}
