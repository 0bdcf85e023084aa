package mempool

import "sort"

// Evict removes the lowest fee-rate transactions until the pool is at or
// below its byte budget. Returns the number evicted.
func (p *Pool) Evict() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sizeBytes <= p.maxBytes {
		return 0
	}

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].feeRate < entries[j].feeRate
	})

	evicted := 0
	for i := 0; p.sizeBytes > p.maxBytes && i < len(entries); i++ {
		p.removeLocked(entries[i].txHash)
		evicted++
	}
	return evicted
}
