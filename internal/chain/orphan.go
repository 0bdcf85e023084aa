package chain

import (
	"sync"

	"github.com/ledgerforge/corechain/pkg/block"
	"github.com/ledgerforge/corechain/pkg/types"
)

// maxOrphansPerParent bounds memory held per missing parent; a flood of
// blocks claiming the same unknown parent past this count is dropped
// silently rather than grown without bound.
const maxOrphansPerParent = 16

// orphanPool holds blocks received before their parent: keyed by the
// previous_hash they're waiting on, so that later receiving the missing
// parent releases every waiting child at once (spec.md §4.7).
type orphanPool struct {
	mu   sync.Mutex
	byPrev map[types.Hash][]*block.Block
	seen map[types.Hash]bool
}

func newOrphanPool() *orphanPool {
	return &orphanPool{
		byPrev: make(map[types.Hash][]*block.Block),
		seen:   make(map[types.Hash]bool),
	}
}

// add parks blk under its parent hash. A duplicate (by hash) is ignored.
func (p *orphanPool) add(blk *block.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hash := blk.Hash()
	if p.seen[hash] {
		return
	}
	prev := blk.Header.PrevHash
	if len(p.byPrev[prev]) >= maxOrphansPerParent {
		return
	}
	p.byPrev[prev] = append(p.byPrev[prev], blk)
	p.seen[hash] = true
}

// take returns and removes every orphan waiting on parentHash.
func (p *orphanPool) take(parentHash types.Hash) []*block.Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	blocks := p.byPrev[parentHash]
	delete(p.byPrev, parentHash)
	for _, b := range blocks {
		delete(p.seen, b.Hash())
	}
	return blocks
}

// has reports whether hash is currently parked as an orphan.
func (p *orphanPool) has(hash types.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[hash]
}

// size reports how many orphans are currently parked.
func (p *orphanPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}
