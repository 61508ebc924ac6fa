// Package heap implements the allocator's heap core: the address-ordered
// sequence of blocks covering every page reservation currently owned by
// the process, the free-block search policies, splitting, coalescing,
// and on-demand growth. It mirrors the role MHeap/MCentral play for the
// Go runtime's own allocator (see malloc.go's overview comment), minus
// the segregated size-class machinery the distilled spec rules out as a
// non-goal.
package heap

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/lhj23333/operation-system/allocerr"
	"github.com/lhj23333/operation-system/internal/metrics"
	"github.com/lhj23333/operation-system/internal/pageprovider"
)

// Provider is the subset of pageprovider.Provider the heap core depends
// on, named here so tests can substitute a fake without reaching into
// pageprovider's mmap-backed implementation.
type Provider interface {
	PageSize() uintptr
	Reserve(hint, length uintptr) (uintptr, error)
	Release(address, length uintptr) error
	Cleanup() error
}

var _ Provider = (*pageprovider.Provider)(nil)

// Config is the subset of tuning constants the heap core needs. Defined
// here (rather than imported from internal/config) to avoid a import
// cycle, since internal/config itself names heap.Strategy.
type Config struct {
	AlignmentUnit          uintptr
	InitialReservationSize uintptr
	GrowthReservationSize  uintptr
	DefaultStrategy        Strategy
}

// Heap owns the block sequence, the counters, and the lock guarding both.
type Heap struct {
	mu          sync.Mutex
	lockEnabled bool

	provider Provider
	cfg      Config
	log      *zap.Logger

	head *Block

	totalAllocated uint64
	totalFree      uint64
	peakAllocated  uint64

	strategy atomic.Int32
}

// New reserves an initial block of cfg.InitialReservationSize bytes from
// provider and returns a Heap ready to allocate from it. lockEnabled
// selects whether public operations serialize on the heap mutex.
func New(cfg Config, provider Provider, lockEnabled bool, log *zap.Logger) (*Heap, error) {
	if cfg.InitialReservationSize == 0 || cfg.InitialReservationSize%provider.PageSize() != 0 {
		return nil, allocerr.InvalidArgument.New("initial reservation size %d is not a positive multiple of the page size", cfg.InitialReservationSize)
	}
	if log == nil {
		log = zap.NewNop()
	}

	addr, err := provider.Reserve(0, cfg.InitialReservationSize)
	if err != nil {
		return nil, allocerr.OutOfMemory.Wrap(err)
	}

	h := &Heap{
		lockEnabled: lockEnabled,
		provider:    provider,
		cfg:         cfg,
		log:         log,
		head: &Block{
			start: addr,
			size:  cfg.InitialReservationSize,
			state: Free,
		},
		totalFree: uint64(cfg.InitialReservationSize),
	}
	h.strategy.Store(int32(cfg.DefaultStrategy))

	log.Debug("heap initialised",
		zap.Uintptr("address", addr),
		zap.Uintptr("size", cfg.InitialReservationSize),
		zap.Bool("lockEnabled", lockEnabled),
		zap.String("strategy", cfg.DefaultStrategy.String()))

	return h, nil
}

// Strategy returns the current free-block selection policy.
func (h *Heap) Strategy() Strategy {
	return Strategy(h.strategy.Load())
}

// SetStrategy installs a new free-block selection policy. Changing it
// between Free and Allocate calls is permitted; no block is rebalanced
// as a result.
func (h *Heap) SetStrategy(s Strategy) {
	h.strategy.Store(int32(s))
}

func (h *Heap) lock() {
	if h.lockEnabled {
		h.mu.Lock()
	}
}

func (h *Heap) unlock() {
	if h.lockEnabled {
		h.mu.Unlock()
	}
}

func roundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// Allocate reserves aligned bytes (request rounded up to the alignment
// unit) and returns the start address of a new ALLOCATED block. Growing
// the heap via the page provider happens under the same critical section
// as the rest of the call, matching the coarse-lock design: reservation
// is infrequent enough that this doesn't threaten throughput.
func (h *Heap) Allocate(request uintptr) (uintptr, error) {
	aligned := roundUp(request, h.cfg.AlignmentUnit)

	h.lock()
	defer h.unlock()

	b := selectFreeBlock(h.head, aligned, h.Strategy())
	if b == nil {
		grown, err := h.grow(aligned)
		if err != nil {
			metrics.RecordError("out-of-memory")
			return 0, err
		}
		b = grown
	}

	if b.size > aligned {
		b.split(aligned)
	}

	b.state = Allocated
	h.totalAllocated += uint64(b.size)
	h.totalFree -= uint64(b.size)
	if h.totalAllocated > h.peakAllocated {
		h.peakAllocated = h.totalAllocated
	}

	metrics.RecordAlloc()
	metrics.SetGauges(h.totalAllocated, h.totalFree, h.peakAllocated)
	h.log.Debug("allocated",
		zap.Uintptr("requested", request),
		zap.Uintptr("aligned", aligned),
		zap.Uintptr("address", b.start),
		zap.String("strategy", h.Strategy().String()))

	return b.start, nil
}

// grow requests a new reservation large enough to satisfy aligned bytes
// and splices the resulting FREE block into the address-ordered
// sequence at its correct position. The OS is not guaranteed to hand
// back a higher address than any existing reservation, so this is a
// sorted insert rather than an append.
func (h *Heap) grow(aligned uintptr) (*Block, error) {
	pageSize := h.provider.PageSize()
	growLen := roundUp(aligned, pageSize)
	if h.cfg.GrowthReservationSize > growLen {
		growLen = h.cfg.GrowthReservationSize
	}

	addr, err := h.provider.Reserve(0, growLen)
	if err != nil {
		return nil, allocerr.OutOfMemory.Wrap(err)
	}

	fresh := &Block{start: addr, size: growLen, state: Free}
	h.insertSorted(fresh)
	h.totalFree += uint64(growLen)

	metrics.RecordGrowth()
	h.log.Debug("heap grown", zap.Uintptr("address", addr), zap.Uintptr("size", growLen))

	return fresh, nil
}

// insertSorted splices fresh into the block sequence at the position
// that keeps the sequence strictly ordered by start address.
func (h *Heap) insertSorted(fresh *Block) {
	if h.head == nil || fresh.start < h.head.start {
		fresh.next = h.head
		if h.head != nil {
			h.head.prev = fresh
		}
		h.head = fresh
		return
	}

	cur := h.head
	for cur.next != nil && cur.next.start < fresh.start {
		cur = cur.next
	}
	fresh.prev = cur
	fresh.next = cur.next
	if cur.next != nil {
		cur.next.prev = fresh
	}
	cur.next = fresh
}

// Free marks the block starting at address as FREE and coalesces it with
// any address-adjacent FREE neighbors.
func (h *Heap) Free(address uintptr) error {
	h.lock()
	defer h.unlock()

	b := h.find(address)
	if b == nil {
		metrics.RecordError("invalid-address")
		return allocerr.InvalidAddress.New("no block contains address %#x", address)
	}
	if b.start != address {
		metrics.RecordError("invalid-address")
		return allocerr.InvalidAddress.New("address %#x is not the start of its block (interior pointers are not supported)", address)
	}
	if b.state == Free {
		metrics.RecordError("double-free")
		return allocerr.DoubleFree.New("address %#x is already free", address)
	}

	b.state = Free
	h.totalAllocated -= uint64(b.size)
	h.totalFree += uint64(b.size)

	if b.next != nil && b.next.state == Free && b.adjacentTo(b.next) {
		b.mergeWithNext()
	}
	if b.prev != nil && b.prev.state == Free && b.prev.adjacentTo(b) {
		b.prev.mergeWithNext()
	}

	metrics.RecordFree()
	metrics.SetGauges(h.totalAllocated, h.totalFree, h.peakAllocated)
	h.log.Debug("freed", zap.Uintptr("address", address))

	return nil
}

// find walks the block sequence for the block whose interval contains
// address, or nil if none does.
func (h *Heap) find(address uintptr) *Block {
	for b := h.head; b != nil; b = b.next {
		if b.contains(address) {
			return b
		}
	}
	return nil
}

// Stats returns a consistent snapshot of the three byte counters, read
// under the heap lock.
func (h *Heap) Stats() (allocated, free, peak uint64) {
	h.lock()
	defer h.unlock()
	return h.totalAllocated, h.totalFree, h.peakAllocated
}

// Verify walks the block sequence checking every invariant from the data
// model: disjoint intervals, strict address order, no two adjacent FREE
// blocks, counter consistency, and block alignment. It never mutates.
func (h *Heap) Verify() error {
	h.lock()
	defer h.unlock()
	return h.verifyLocked()
}

func (h *Heap) verifyLocked() error {
	var (
		countedAllocated uint64
		countedFree      uint64
		prev             *Block
	)

	for b := h.head; b != nil; b = b.next {
		if b.size == 0 {
			return allocerr.Corrupted.New("block at %#x has zero size", b.start)
		}
		if b.start%h.cfg.AlignmentUnit != 0 {
			return allocerr.Corrupted.New("block at %#x is not aligned to %d bytes", b.start, h.cfg.AlignmentUnit)
		}
		if prev != nil {
			if prev.start >= b.start {
				return allocerr.Corrupted.New("blocks out of order: %#x does not precede %#x", prev.start, b.start)
			}
			if prev.start+prev.size > b.start {
				return allocerr.Corrupted.New("blocks overlap: [%#x,%#x) and [%#x,%#x)", prev.start, prev.start+prev.size, b.start, b.start+b.size)
			}
			if prev.state == Free && b.state == Free && prev.adjacentTo(b) {
				return allocerr.Corrupted.New("adjacent free blocks were not coalesced at %#x and %#x", prev.start, b.start)
			}
		}

		switch b.state {
		case Allocated:
			countedAllocated += uint64(b.size)
		case Free:
			countedFree += uint64(b.size)
		}
		prev = b
	}

	if countedAllocated != h.totalAllocated {
		return allocerr.Corrupted.New("totalAllocated mismatch: counted %d, have %d", countedAllocated, h.totalAllocated)
	}
	if countedFree != h.totalFree {
		return allocerr.Corrupted.New("totalFree mismatch: counted %d, have %d", countedFree, h.totalFree)
	}
	if h.peakAllocated < h.totalAllocated {
		return allocerr.Corrupted.New("peakAllocated %d is below totalAllocated %d", h.peakAllocated, h.totalAllocated)
	}

	return nil
}

// Dump writes one line per block followed by a summary to w, and emits
// the same summary as a structured log entry. Dump is a diagnostic side
// effect: it annotates a failed Verify but never itself returns an
// error.
func (h *Heap) Dump(w io.Writer) {
	h.lock()
	defer h.unlock()

	fmt.Fprintln(w, "=== Heap Dump ===")
	i := 0
	for b := h.head; b != nil; b = b.next {
		fmt.Fprintf(w, "[block %d] start=%#x size=%d state=%s\n", i, b.start, b.size, b.state)
		i++
	}
	fmt.Fprintf(w, "blocks=%d allocated=%d free=%d peak=%d strategy=%s\n",
		i, h.totalAllocated, h.totalFree, h.peakAllocated, h.Strategy())

	verifyErr := h.verifyLocked()
	if verifyErr != nil {
		fmt.Fprintf(w, "verify: FAILED: %v\n", verifyErr)
	} else {
		fmt.Fprintln(w, "verify: OK")
	}
	fmt.Fprintln(w, "=================")

	h.log.Info("heap dump",
		zap.Int("blocks", i),
		zap.Uint64("allocated", h.totalAllocated),
		zap.Uint64("free", h.totalFree),
		zap.Uint64("peak", h.peakAllocated),
		zap.Error(verifyErr))
}

// Cleanup releases every reservation through the page provider and
// discards the block sequence and counters.
func (h *Heap) Cleanup() error {
	h.lock()
	defer h.unlock()

	err := h.provider.Cleanup()
	h.head = nil
	h.totalAllocated = 0
	h.totalFree = 0
	h.peakAllocated = 0

	if err != nil {
		return allocerr.OutOfMemory.Wrap(err)
	}
	return nil
}
