// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ledgerforge/corechain/pkg/tx"
	"github.com/ledgerforge/corechain/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists = errors.New("transaction already in mempool")
	ErrConflict      = errors.New("transaction conflicts with existing mempool entry")
	ErrPoolFull      = errors.New("mempool is full")
	ErrLowFeeRate    = errors.New("fee rate too low for admission")
	ErrInvalid       = errors.New("transaction failed validation")
	ErrSenderBanned  = errors.New("sender is banned from the mempool")
	ErrSenderCap     = errors.New("sender has reached its per-sender transaction cap")
)

// A sender accumulates ban score on invalid submissions and is fast-rejected
// once score reaches the threshold. There is no passive decay; clearing a
// ban is an explicit operator action via ResetBanScore.
const defaultBanThreshold = 5

// entry wraps a transaction with its fee and bookkeeping.
type entry struct {
	tx        *tx.Transaction
	txHash    types.Hash
	fee       uint64
	feeRate   float64 // fee per byte of CanonicalBytes.
	sizeBytes int
	addedAt   time.Time
}

// Pool holds unconfirmed transactions (C5): a priority set ordered by
// fee-rate, bounded by a byte budget and a per-sender transaction cap.
type Pool struct {
	mu sync.RWMutex

	txs    map[types.Hash]*entry         // txHash -> entry
	spends map[types.Outpoint]types.Hash // outpoint -> txHash (double-spend conflict index)

	bySender map[types.Address]map[types.Hash]struct{}
	banScore map[types.Address]int

	banThresh    int
	maxBytes     int
	maxPerSender int
	expiry       time.Duration
	minFeeRate   uint64 // base units per byte; 0 = no minimum.
	sizeBytes    int
	utxos        tx.UTXOProvider

	// Admission counters surfaced to the metrics sink.
	invalidCount int
	bannedCount  int
}

// Config bundles the mempool's tunable bounds.
type Config struct {
	MaxBytes     int
	MaxPerSender int
	Expiry       time.Duration
	MinFeeRate   uint64
}

// New creates a mempool validating against utxos, bounded per cfg.
func New(utxos tx.UTXOProvider, cfg Config) *Pool {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 * 1024 * 1024
	}
	if cfg.MaxPerSender <= 0 {
		cfg.MaxPerSender = 100
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 3 * time.Hour
	}
	return &Pool{
		txs:          make(map[types.Hash]*entry),
		spends:       make(map[types.Outpoint]types.Hash),
		bySender:     make(map[types.Address]map[types.Hash]struct{}),
		banScore:     make(map[types.Address]int),
		banThresh:    defaultBanThreshold,
		maxBytes:     cfg.MaxBytes,
		maxPerSender: cfg.MaxPerSender,
		expiry:       cfg.Expiry,
		minFeeRate:   cfg.MinFeeRate,
		utxos:        utxos,
	}
}

// SenderBanned reports whether sender's ban score has reached the threshold.
func (p *Pool) SenderBanned(sender types.Address) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.banScore[sender] >= p.banThresh
}

// ResetBanScore clears a sender's accumulated ban score.
func (p *Pool) ResetBanScore(sender types.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.banScore, sender)
}

// ActiveBans returns the number of senders currently at or above the ban
// threshold.
func (p *Pool) ActiveBans() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, score := range p.banScore {
		if score >= p.banThresh {
			n++
		}
	}
	return n
}

// Add validates and admits a transaction: ban check, then validation, then
// eviction-if-full, then the per-sender cap, then insertion. Returns the
// computed fee.
func (p *Pool) Add(now time.Time, transaction *tx.Transaction) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	txHash := transaction.TxID
	sender := transaction.Sender

	if p.banScore[sender] >= p.banThresh {
		p.bannedCount++
		return 0, fmt.Errorf("%s: %w", sender, ErrSenderBanned)
	}

	if _, exists := p.txs[txHash]; exists {
		return 0, ErrAlreadyExists
	}
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if conflictHash, exists := p.spends[in.PrevOut]; exists {
			return 0, fmt.Errorf("%w: input %s already spent by %s", ErrConflict, in.PrevOut, conflictHash)
		}
	}

	fee, _, err := transaction.ValidateWithUTXOs(now, p.utxos)
	if err != nil {
		p.banScore[sender]++
		p.invalidCount++
		return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	size := len(transaction.CanonicalBytes())
	var feeRate float64
	if size > 0 {
		feeRate = float64(fee) / float64(size)
	}
	if p.minFeeRate > 0 && fee < p.minFeeRate*uint64(size) {
		return 0, fmt.Errorf("%w: got rate %.4f, need %.4f", ErrLowFeeRate, feeRate, float64(p.minFeeRate))
	}

	if p.sizeBytes+size > p.maxBytes {
		lowestHash, lowestRate, ok := p.findLowestFeeRateLocked()
		if !ok {
			return 0, ErrPoolFull
		}
		if feeRate <= lowestRate {
			return 0, fmt.Errorf("%w: mempool full, got rate %.4f, lowest held %.4f", ErrLowFeeRate, feeRate, lowestRate)
		}
		p.removeLocked(lowestHash)
	}

	if len(p.bySender[sender]) >= p.maxPerSender {
		return 0, fmt.Errorf("%s: %w", sender, ErrSenderCap)
	}

	e := &entry{tx: transaction, txHash: txHash, fee: fee, feeRate: feeRate, sizeBytes: size, addedAt: now}
	p.txs[txHash] = e
	p.sizeBytes += size
	for _, in := range transaction.Inputs {
		if !in.PrevOut.IsZero() {
			p.spends[in.PrevOut] = txHash
		}
	}
	if p.bySender[sender] == nil {
		p.bySender[sender] = make(map[types.Hash]struct{})
	}
	p.bySender[sender][txHash] = struct{}{}

	return fee, nil
}

// Remove removes a transaction from the mempool by hash.
func (p *Pool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txHash)
}

func (p *Pool) removeLocked(txHash types.Hash) {
	e, exists := p.txs[txHash]
	if !exists {
		return
	}
	for _, in := range e.tx.Inputs {
		if !in.PrevOut.IsZero() {
			delete(p.spends, in.PrevOut)
		}
	}
	if senderTxs := p.bySender[e.tx.Sender]; senderTxs != nil {
		delete(senderTxs, txHash)
		if len(senderTxs) == 0 {
			delete(p.bySender, e.tx.Sender)
		}
	}
	p.sizeBytes -= e.sizeBytes
	delete(p.txs, txHash)
}

// RemoveConfirmed removes every transaction included in a mined block.
func (p *Pool) RemoveConfirmed(transactions []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		p.removeLocked(t.TxID)
	}
}

// Tick purges transactions older than the configured expiry. Call
// periodically from a scheduler goroutine; returns the number purged.
func (p *Pool) Tick(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var expired []types.Hash
	for h, e := range p.txs {
		if now.Sub(e.addedAt) > p.expiry {
			expired = append(expired, h)
		}
	}
	for _, h := range expired {
		p.removeLocked(h)
	}
	return len(expired)
}

// Has reports whether a transaction is present.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.txs[txHash]
	return ok
}

// Get retrieves a transaction from the mempool.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.txs[txHash]
	if !ok {
		return nil
	}
	return e.tx
}

// GetFee returns the fee for a mempool transaction (0 if not found).
func (p *Pool) GetFee(txHash types.Hash) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.txs[txHash]
	if !ok {
		return 0
	}
	return e.fee
}

// Count returns the number of pending transactions.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// SizeBytes returns the total serialized size of pending transactions.
func (p *Pool) SizeBytes() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sizeBytes
}

// Stats returns admission counters for the metrics sink.
func (p *Pool) Stats() (invalid, banned int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.invalidCount, p.bannedCount
}

// Hashes returns the hashes of every pending transaction.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hashes := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		hashes = append(hashes, h)
	}
	return hashes
}

func (p *Pool) findLowestFeeRateLocked() (types.Hash, float64, bool) {
	var lowestHash types.Hash
	lowestRate := math.MaxFloat64
	found := false
	for h, e := range p.txs {
		if e.feeRate < lowestRate {
			lowestRate = e.feeRate
			lowestHash = h
			found = true
		}
	}
	return lowestHash, lowestRate, found
}

// SelectForBlock returns up to limit transactions ordered by fee rate
// (highest first). A transaction spending an output produced by another
// selected transaction is ordered after its producer.
func (p *Pool) SelectForBlock(limit int) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].feeRate != entries[j].feeRate {
			return entries[i].feeRate > entries[j].feeRate
		}
		return entries[i].txHash.Less(entries[j].txHash)
	})

	produced := make(map[types.Hash]bool, len(entries))
	for _, e := range entries {
		produced[e.txHash] = true
	}

	selected := make([]*tx.Transaction, 0, limit)
	placed := make(map[types.Hash]bool, len(entries))
	remaining := entries

	for len(selected) < limit && len(remaining) > 0 {
		progressed := false
		var next []*entry
		for _, e := range remaining {
			if len(selected) >= limit {
				next = append(next, e)
				continue
			}
			ready := true
			for _, in := range e.tx.Inputs {
				if produced[in.PrevOut.TxID] && !placed[in.PrevOut.TxID] {
					ready = false
					break
				}
			}
			if ready {
				selected = append(selected, e.tx)
				placed[e.txHash] = true
				progressed = true
			} else {
				next = append(next, e)
			}
		}
		remaining = next
		if !progressed {
			break // Remaining entries form a dependency cycle; drop silently.
		}
	}
	return selected
}
