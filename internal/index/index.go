// Package index maps block height and hash to their on-disk location (C1).
// It is backed by a durable key-value store and wrapped with a
// fixed-capacity LRU of fully parsed blocks, mirroring the teacher's
// badger-plus-cache pairing used throughout internal/utxo and
// internal/blockstore.
package index

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ledgerforge/corechain/internal/log"
	"github.com/ledgerforge/corechain/internal/storage"
	"github.com/ledgerforge/corechain/pkg/block"
	"github.com/ledgerforge/corechain/pkg/types"
)

var (
	prefixLoc    = []byte("b/") // b/<height(8)> -> locationRecord JSON
	prefixHash   = []byte("h/") // h/<hash(32)> -> height(8)
	keyMaxHeight = []byte("m/max_height")
)

// Location is a block's position within the block storage segments.
type Location struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
	Hash   types.Hash `json:"hash"`
}

// Index implements blockstore.Locator and blockstore.Indexer without
// importing that package directly (accept-interfaces-return-structs), plus
// the height<->hash lookups and LRU block cache spec.md §4.1 calls for.
type Index struct {
	db    storage.DB
	cache *lru.Cache[uint64, *block.Block]

	hits   atomic.Int64
	misses atomic.Int64
}

const defaultCacheSize = 1024

// Open creates an Index backed by db with an LRU of the given capacity
// (defaultCacheSize if capacity <= 0).
func Open(db storage.DB, capacity int) (*Index, error) {
	if capacity <= 0 {
		capacity = defaultCacheSize
	}
	cache, err := lru.New[uint64, *block.Block](capacity)
	if err != nil {
		return nil, fmt.Errorf("index: create cache: %w", err)
	}
	return &Index{db: db, cache: cache}, nil
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixLoc)+8)
	n := copy(key, prefixLoc)
	binary.BigEndian.PutUint64(key[n:], height)
	return key
}

func hashKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixHash)+types.HashSize)
	n := copy(key, prefixHash)
	copy(key[n:], hash[:])
	return key
}

// IndexBlock inserts or overwrites the location for height/hash. Implements
// blockstore.Indexer.
func (idx *Index) IndexBlock(height uint64, hash types.Hash, path string, offset, size int64) error {
	loc := Location{Path: path, Offset: offset, Size: size, Hash: hash}
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("index write: marshal: %w", err)
	}
	if err := idx.db.Put(heightKey(height), data); err != nil {
		return fmt.Errorf("index write: %w", err)
	}
	hbuf := make([]byte, 8)
	binary.BigEndian.PutUint64(hbuf, height)
	if err := idx.db.Put(hashKey(hash), hbuf); err != nil {
		return fmt.Errorf("index write: hash entry: %w", err)
	}
	idx.bumpMaxHeight(height)
	idx.cache.Remove(height) // Stale cache entry, if any; caller re-populates on next Load.
	return nil
}

func (idx *Index) bumpMaxHeight(height uint64) {
	cur, ok, err := idx.MaxIndexedHeight()
	if err != nil {
		log.Index.Warn().Err(err).Msg("read max indexed height during bump")
		return
	}
	if ok && height <= cur {
		return
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, height)
	if err := idx.db.Put(keyMaxHeight, buf); err != nil {
		log.Index.Warn().Err(err).Msg("persist max indexed height")
	}
}

// LocationByHeight returns the on-disk location for height. Implements
// blockstore.Locator.
func (idx *Index) LocationByHeight(height uint64) (path string, offset, size int64, ok bool, err error) {
	data, gerr := idx.db.Get(heightKey(height))
	if gerr != nil {
		return "", 0, 0, false, nil
	}
	var loc Location
	if jerr := json.Unmarshal(data, &loc); jerr != nil {
		return "", 0, 0, false, fmt.Errorf("index get_location: %w", jerr)
	}
	return loc.Path, loc.Offset, loc.Size, true, nil
}

// GetLocation returns the full location record for height, if present.
func (idx *Index) GetLocation(height uint64) (*Location, bool, error) {
	data, err := idx.db.Get(heightKey(height))
	if err != nil {
		return nil, false, nil
	}
	var loc Location
	if err := json.Unmarshal(data, &loc); err != nil {
		return nil, false, fmt.Errorf("index get_location: %w", err)
	}
	return &loc, true, nil
}

// GetHeight returns the height for a block hash, if indexed.
func (idx *Index) GetHeight(hash types.Hash) (uint64, bool, error) {
	data, err := idx.db.Get(hashKey(hash))
	if err != nil {
		return 0, false, nil
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("index get_height: corrupt entry for %s", hash)
	}
	return binary.BigEndian.Uint64(data), true, nil
}

// RemoveFrom deletes every indexed entry with height >= forkHeight and
// invalidates the matching cache entries. Used exclusively during reorg.
func (idx *Index) RemoveFrom(forkHeight uint64) error {
	maxHeight, ok, err := idx.MaxIndexedHeight()
	if err != nil {
		return fmt.Errorf("remove_from: %w", err)
	}
	if !ok || forkHeight > maxHeight {
		return nil
	}
	for h := forkHeight; h <= maxHeight; h++ {
		loc, found, err := idx.GetLocation(h)
		if err != nil {
			return fmt.Errorf("remove_from: %w", err)
		}
		if found {
			if err := idx.db.Delete(hashKey(loc.Hash)); err != nil {
				return fmt.Errorf("remove_from: delete hash entry: %w", err)
			}
		}
		if err := idx.db.Delete(heightKey(h)); err != nil {
			return fmt.Errorf("remove_from: delete height entry: %w", err)
		}
		idx.cache.Remove(h)
	}
	var newMax uint64
	var newMaxOK bool
	if forkHeight > 0 {
		newMax = forkHeight - 1
		newMaxOK = true
	}
	if newMaxOK {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, newMax)
		if err := idx.db.Put(keyMaxHeight, buf); err != nil {
			return fmt.Errorf("remove_from: persist new max height: %w", err)
		}
	} else if err := idx.db.Delete(keyMaxHeight); err != nil {
		return fmt.Errorf("remove_from: clear max height: %w", err)
	}
	return nil
}

// MaxIndexedHeight returns the highest indexed height, if any entries exist.
func (idx *Index) MaxIndexedHeight() (uint64, bool, error) {
	data, err := idx.db.Get(keyMaxHeight)
	if err != nil {
		return 0, false, nil
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("max_indexed_height: corrupt entry")
	}
	return binary.BigEndian.Uint64(data), true, nil
}

// CacheGet returns a parsed block from the LRU, if present.
func (idx *Index) CacheGet(height uint64) (*block.Block, bool) {
	blk, ok := idx.cache.Get(height)
	if ok {
		idx.hits.Add(1)
	} else {
		idx.misses.Add(1)
	}
	return blk, ok
}

// CachePut stores a fully parsed block in the LRU. Cached blocks are shared
// across readers and must never be mutated after insertion.
func (idx *Index) CachePut(height uint64, blk *block.Block) {
	idx.cache.Add(height, blk)
}

// Stats reports counters for the metrics sink (spec.md §4.1 `stats()`).
type Stats struct {
	Entries     int
	CacheHits   int64
	CacheMisses int64
	CacheSize   int
}

// Stats returns current index statistics.
func (idx *Index) Stats() (Stats, error) {
	entries := 0
	if err := idx.db.ForEach(prefixLoc, func(_, _ []byte) error {
		entries++
		return nil
	}); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return Stats{
		Entries:     entries,
		CacheHits:   idx.hits.Load(),
		CacheMisses: idx.misses.Load(),
		CacheSize:   idx.cache.Len(),
	}, nil
}
