// Package blockstore persists blocks to an append-only segmented log on
// disk, ages them into individually compressed files, and provides an
// atomic multi-file commit primitive for related on-disk state (UTXO
// snapshots, mempool dumps, contract receipts).
//
// It exclusively owns the blocks directory and the transaction log; the
// hash/height lookup structure lives in internal/index, wired in by the
// caller rather than imported directly here.
package blockstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ledgerforge/corechain/internal/log"
	"github.com/ledgerforge/corechain/pkg/block"
	"github.com/ledgerforge/corechain/pkg/types"
)

const (
	// SegmentMaxBytes is the rollover threshold for an active segment file.
	SegmentMaxBytes = 16 * 1024 * 1024
	// CompressionAgeBlocks is how many blocks behind the tip a block must be
	// before it is eligible for gzip compression into its own sidecar file.
	CompressionAgeBlocks = 1000

	segmentPrefix = "blocks_"
	segmentSuffix = ".json"
)

// Locator resolves a block height to its on-disk location. Satisfied by
// *index.Index without an import — accept interfaces, return structs.
type Locator interface {
	LocationByHeight(height uint64) (path string, offset, size int64, ok bool, err error)
}

// Indexer receives notice of a newly appended block so it can update its
// hash/height → location mapping. Satisfied by *index.Index.
type Indexer interface {
	IndexBlock(height uint64, hash types.Hash, path string, offset, size int64) error
}

// Store manages the append-only block segment files under dir.
type Store struct {
	dir string

	mu          sync.Mutex
	segmentNum  int
	segmentSize int64
}

// Open opens (creating if necessary) a block store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blockstore dir: %w", err)
	}
	s := &Store{dir: dir}
	if err := s.recoverTxnLog(); err != nil {
		return nil, fmt.Errorf("recover transaction log: %w", err)
	}
	if err := s.scanLatestSegment(); err != nil {
		return nil, fmt.Errorf("scan latest segment: %w", err)
	}
	return s, nil
}

// scanLatestSegment finds the highest-numbered segment file on disk and
// records its size, so new appends continue the rollover sequence correctly
// across restarts.
func (s *Store) scanLatestSegment() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	found := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(e.Name(), segmentPrefix+"%d"+segmentSuffix, &n); err != nil {
			continue
		}
		if !found || n > s.segmentNum {
			s.segmentNum = n
			found = true
		}
	}
	if !found {
		s.segmentNum = 0
		s.segmentSize = 0
		return nil
	}
	info, err := os.Stat(s.segmentPath(s.segmentNum))
	if err != nil {
		return err
	}
	s.segmentSize = info.Size()
	return nil
}

func (s *Store) segmentPath(n int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%d%s", segmentPrefix, n, segmentSuffix))
}

// gzPath returns the compressed-sidecar path for a given block height.
func (s *Store) gzPath(height uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("block_%d.json.gz", height))
}

// Append serializes blk to its current segment, flushing and fsyncing
// before indexing it. On failure between the write and the index update,
// the block is recovered by the index's rebuild-on-startup scan.
func (s *Store) Append(blk *block.Block, indexer Indexer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("marshal block: %w", err)
	}
	line := append(data, '\n')

	if s.segmentSize >= SegmentMaxBytes {
		s.segmentNum++
		s.segmentSize = 0
	}

	path := s.segmentPath(s.segmentNum)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", path, err)
	}
	defer f.Close()

	offset := s.segmentSize
	n, err := f.Write(line)
	if err != nil {
		return fmt.Errorf("write segment %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync segment %s: %w", path, err)
	}
	s.segmentSize += int64(n)

	if indexer != nil {
		if err := indexer.IndexBlock(blk.Header.Index, blk.Hash(), path, offset, int64(n)); err != nil {
			return fmt.Errorf("index block: %w", err)
		}
	}
	return nil
}

// Load returns the block at height, preferring the compressed sidecar if
// present, then the location given by loc, falling back to a full scan of
// every segment (logged as degraded since it is O(n)).
func (s *Store) Load(height uint64, loc Locator) (*block.Block, error) {
	if blk, err := s.loadCompressed(height); err == nil {
		return blk, nil
	}

	if loc != nil {
		path, offset, size, ok, err := loc.LocationByHeight(height)
		if err != nil {
			return nil, fmt.Errorf("locate height %d: %w", height, err)
		}
		if ok {
			blk, err := s.readAt(path, offset, size)
			if err == nil {
				return blk, nil
			}
			log.Blockstore.Warn().Err(err).Uint64("height", height).Msg("indexed location unreadable, falling back to scan")
		}
	}

	log.Blockstore.Warn().Uint64("height", height).Msg("degraded fallback: scanning all segments for block")
	var found *block.Block
	err := s.ScanAll(func(h uint64, _ types.Hash, _ string, _, _ int64, blk *block.Block) error {
		if h == height {
			found = blk
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("block at height %d not found", height)
	}
	return found, nil
}

func (s *Store) readAt(path string, offset, size int64) (*block.Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("read %s at %d: %w", path, offset, err)
	}
	var blk block.Block
	if err := json.Unmarshal(buf, &blk); err != nil {
		return nil, fmt.Errorf("unmarshal block at %s:%d: %w", path, offset, err)
	}
	return &blk, nil
}

// ScanAll streams every segment file in ascending numeric order, invoking fn
// for each block with its height, hash, segment path, byte offset, and byte
// length. Used both by Load's degraded fallback and by the index rebuild
// protocol.
func (s *Store) ScanAll(fn func(height uint64, hash types.Hash, path string, offset, size int64, blk *block.Block) error) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read blockstore dir: %w", err)
	}

	var segments []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(e.Name(), segmentPrefix+"%d"+segmentSuffix, &n); err != nil {
			continue
		}
		segments = append(segments, n)
	}
	sortInts(segments)

	for _, n := range segments {
		if err := s.scanSegment(n, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) scanSegment(n int, fn func(height uint64, hash types.Hash, path string, offset, size int64, blk *block.Block) error) error {
	path := s.segmentPath(n)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", path, err)
	}
	defer f.Close()

	var offset int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		lineBytes := scanner.Bytes()
		lineLen := int64(len(lineBytes)) + 1 // account for the stripped newline

		var blk block.Block
		if err := json.Unmarshal(lineBytes, &blk); err != nil {
			return fmt.Errorf("unmarshal %s at offset %d: %w", path, offset, err)
		}
		if err := fn(blk.Header.Index, blk.Hash(), path, offset, lineLen, &blk); err != nil {
			return err
		}
		offset += lineLen
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan segment %s: %w", path, err)
	}
	return nil
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}
