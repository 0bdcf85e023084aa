package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ledgerforge/corechain/pkg/block"
	"github.com/ledgerforge/corechain/pkg/crypto"
)

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet difficulty target")
	ErrZeroDifficulty   = errors.New("difficulty must be > 0")
	ErrBadDifficulty    = errors.New("block difficulty does not match expected")
)

// RetargetMinRatio and RetargetMaxRatio bound a single difficulty
// adjustment to a quarter or quadruple of the previous value (spec.md §4.6).
const (
	RetargetMinRatio = 0.25
	RetargetMaxRatio = 4.0

	// MedianTimePastWindow is the number of trailing block timestamps
	// whose median gives the median-time-past bound on new block
	// timestamps (spec.md §4.6).
	MedianTimePastWindow = 11
)

// PoW implements proof-of-work consensus: difficulty is a count of required
// leading zero bits in the header hash, stored in the header itself and
// consensus-enforced, not held as engine state.
type PoW struct {
	InitialDifficulty uint32 // Starting difficulty (from genesis).
	RetargetInterval  int    // Blocks between difficulty adjustments (0 = no adjustment).
	TargetBlockTime   int    // Target seconds between blocks.

	// DifficultyFn computes the expected difficulty for a new block from
	// chain state. Set by the node operator. If nil, Prepare uses
	// InitialDifficulty.
	DifficultyFn func(height uint64) uint32

	// Threads controls the number of parallel mining goroutines. 0 or 1 =
	// single-threaded. Each goroutine searches a strided partition of the
	// nonce space.
	Threads int
}

// NewPoW creates a new PoW engine.
func NewPoW(difficulty uint32, retargetInterval, targetBlockTime int) (*PoW, error) {
	if difficulty == 0 {
		return nil, ErrZeroDifficulty
	}
	return &PoW{
		InitialDifficulty: difficulty,
		RetargetInterval:  retargetInterval,
		TargetBlockTime:   targetBlockTime,
	}, nil
}

// ShouldAdjust returns true if difficulty should be recalculated at height.
func (p *PoW) ShouldAdjust(height uint64) bool {
	return height > 0 && p.RetargetInterval > 0 && height%uint64(p.RetargetInterval) == 0
}

// VerifyHeader checks that the header hash meets its stated difficulty.
func (p *PoW) VerifyHeader(header *block.Header) error {
	if header.Difficulty == 0 {
		return ErrZeroDifficulty
	}
	if !header.MeetsDifficulty() {
		return ErrInsufficientWork
	}
	return nil
}

// Prepare sets the block header's difficulty for mining.
func (p *PoW) Prepare(header *block.Header) error {
	if p.DifficultyFn != nil {
		header.Difficulty = p.DifficultyFn(header.Index)
	} else {
		header.Difficulty = p.InitialDifficulty
	}
	return nil
}

// Seal mines the block by iterating the nonce until the header hash meets
// its target. Uses the difficulty already set in the block header.
func (p *PoW) Seal(blk *block.Block) error {
	return p.SealWithCancel(context.Background(), blk)
}

// SealWithCancel mines with cancellation support. When ctx is cancelled,
// mining stops and ctx.Err() is returned. If Threads > 1, mining runs in
// parallel goroutines with strided nonce partitioning.
func (p *PoW) SealWithCancel(ctx context.Context, blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}
	if blk.Header.Difficulty == 0 {
		return ErrZeroDifficulty
	}

	threads := p.Threads
	if threads <= 1 {
		return p.sealSingle(ctx, blk)
	}
	return p.sealParallel(ctx, blk, threads)
}

// signingPrefix returns the fixed-length portion of the header's signing
// bytes preceding the nonce (version|index|prev_hash|merkle_root|timestamp|
// difficulty, 88 bytes — see pkg/block.Header.SigningBytes), and the
// variable-length miner pubkey suffix that follows it. Each mining
// goroutine builds prefix|nonce(8)|suffix once and only rewrites the nonce
// bytes per iteration.
func signingPrefix(h *block.Header) (prefix, suffix []byte) {
	buf := make([]byte, 0, 88)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = binary.LittleEndian.AppendUint64(buf, h.Index)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.Timestamp))
	buf = binary.LittleEndian.AppendUint32(buf, h.Difficulty)
	return buf, h.MinerPubKey
}

func meetsTarget(hash [32]byte, difficulty uint32) bool {
	count := 0
	for _, b := range hash {
		if b == 0 {
			count += 8
			continue
		}
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if b&mask != 0 {
				return count >= int(difficulty)
			}
			count++
		}
	}
	return count >= int(difficulty)
}

// sealSingle mines with a single goroutine.
func (p *PoW) sealSingle(ctx context.Context, blk *block.Block) error {
	difficulty := blk.Header.Difficulty
	prefix, suffix := signingPrefix(blk.Header)
	buf := make([]byte, len(prefix)+8+len(suffix))
	copy(buf, prefix)
	copy(buf[len(prefix)+8:], suffix)

	for nonce := uint64(0); ; nonce++ {
		if nonce&0xFFFF == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
		hash := crypto.Hash(buf)
		if meetsTarget(hash, difficulty) {
			blk.Header.Nonce = nonce
			return nil
		}
		if nonce == ^uint64(0) {
			return fmt.Errorf("nonce space exhausted")
		}
	}
}

// sealParallel mines with multiple goroutines, each searching a strided
// partition of the nonce space (goroutine i starts at nonce=i, step=threads).
func (p *PoW) sealParallel(ctx context.Context, blk *block.Block, threads int) error {
	difficulty := blk.Header.Difficulty
	prefix, suffix := signingPrefix(blk.Header)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		nonce uint64
		err   error
	}
	found := make(chan result, 1)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		startNonce := uint64(i)
		stride := uint64(threads)
		go func() {
			defer wg.Done()
			buf := make([]byte, len(prefix)+8+len(suffix))
			copy(buf, prefix)
			copy(buf[len(prefix)+8:], suffix)

			for nonce := startNonce; ; nonce += stride {
				if (nonce/stride)&0xFFFF == 0 && nonce > 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}

				binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
				hash := crypto.Hash(buf)
				if meetsTarget(hash, difficulty) {
					select {
					case found <- result{nonce: nonce}:
					default:
					}
					cancel()
					return
				}

				if nonce > ^uint64(0)-stride {
					select {
					case found <- result{err: fmt.Errorf("nonce space exhausted")}:
					default:
					}
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(found)
	}()

	select {
	case r, ok := <-found:
		if !ok {
			return fmt.Errorf("nonce space exhausted")
		}
		if r.err != nil {
			return r.err
		}
		blk.Header.Nonce = r.nonce
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExpectedDifficulty computes the correct difficulty for a block at height.
// prevDifficulty is the difficulty of the block at height-1 (0 before the
// first PoW block). getTimestamp retrieves a block's timestamp by height.
func (p *PoW) ExpectedDifficulty(height uint64, prevDifficulty uint32, getTimestamp func(uint64) (int64, error)) uint32 {
	if height <= 1 || prevDifficulty == 0 {
		return p.InitialDifficulty
	}
	if !p.ShouldAdjust(height) {
		return prevDifficulty
	}

	interval := uint64(p.RetargetInterval)
	startTS, err := getTimestamp(height - interval)
	if err != nil {
		return prevDifficulty
	}
	endTS, err := getTimestamp(height - 1)
	if err != nil {
		return prevDifficulty
	}

	actual := endTS - startTS
	expected := int64(p.RetargetInterval) * int64(p.TargetBlockTime)
	return CalcNextDifficulty(prevDifficulty, actual, expected)
}

// VerifyDifficulty checks a block header's stated difficulty against the
// expected value computed from chain history.
func (p *PoW) VerifyDifficulty(header *block.Header, prevDifficulty uint32, getTimestamp func(uint64) (int64, error)) error {
	expected := p.ExpectedDifficulty(header.Index, prevDifficulty, getTimestamp)
	if header.Difficulty != expected {
		return fmt.Errorf("%w: height %d has difficulty %d, want %d",
			ErrBadDifficulty, header.Index, header.Difficulty, expected)
	}
	return nil
}

// CalcNextDifficulty computes the new difficulty after a retarget period
// (spec.md §4.6): the ratio of expected to actual time span is clamped to
// [RetargetMinRatio, RetargetMaxRatio] and applied directly to currentDiff,
// never going below 1.
func CalcNextDifficulty(currentDiff uint32, actualTimeSpan, expectedTimeSpan int64) uint32 {
	if actualTimeSpan <= 0 {
		actualTimeSpan = 1
	}
	if expectedTimeSpan <= 0 {
		expectedTimeSpan = 1
	}

	ratio := float64(expectedTimeSpan) / float64(actualTimeSpan)
	if ratio < RetargetMinRatio {
		ratio = RetargetMinRatio
	}
	if ratio > RetargetMaxRatio {
		ratio = RetargetMaxRatio
	}

	next := float64(currentDiff) * ratio
	if next < 1 {
		return 1
	}
	if next > float64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(next)
}

// MedianTimePast returns the median of up to the last MedianTimePastWindow
// block timestamps ending at height (inclusive), used to bound the
// timestamp of the next block (spec.md §4.6, I6).
func MedianTimePast(height uint64, getTimestamp func(uint64) (int64, error)) (int64, error) {
	var window []int64
	start := int64(0)
	if int64(height)-MedianTimePastWindow+1 > 0 {
		start = int64(height) - MedianTimePastWindow + 1
	}
	for h := start; h <= int64(height); h++ {
		ts, err := getTimestamp(uint64(h))
		if err != nil {
			return 0, fmt.Errorf("median time past: height %d: %w", h, err)
		}
		window = append(window, ts)
	}
	if len(window) == 0 {
		return 0, fmt.Errorf("median time past: no timestamps available up to height %d", height)
	}
	sortInt64s(window)
	return window[len(window)/2], nil
}

func sortInt64s(xs []int64) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}
