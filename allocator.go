// Package allocator is the process-wide facade over the parallel memory
// allocator: a single lazily-initialised heap, reachable without any
// object threaded through caller code, mirroring the way the Go runtime's
// own allocator is reached through package-level calls rather than an
// explicit handle. Init/Alloc/Free/Stats/Verify/Dump/SetStrategy/Strategy/
// Cleanup are the only exported surface; everything that decides how blocks are found, split,
// and merged lives in internal/heap.
package allocator

import (
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/lhj23333/operation-system/allocerr"
	"github.com/lhj23333/operation-system/internal/config"
	"github.com/lhj23333/operation-system/internal/heap"
	"github.com/lhj23333/operation-system/internal/metrics"
	"github.com/lhj23333/operation-system/internal/pageprovider"
)

var (
	initMu      sync.Mutex
	initialised atomic.Bool
	instance    *heap.Heap
	logger      *zap.Logger
)

// Init prepares the process-wide allocator for use, reserving its
// initial page run from the operating system. It is idempotent: once
// any call has succeeded, later calls return nil without reserving
// anything further or changing the existing configuration, using the
// same double-checked-locking shape the runtime uses for its own
// one-time setup. concurrency selects whether Alloc/Free/Stats/Verify/
// Dump serialize on an internal mutex; pass false only when the caller
// already guarantees single-threaded access, since every other
// combination risks corrupting the block sequence.
func Init(concurrency bool) error {
	if initialised.Load() {
		return nil
	}

	initMu.Lock()
	defer initMu.Unlock()

	if initialised.Load() {
		return nil
	}

	return initLocked(concurrency)
}

// initLocked performs the actual setup. Callers must hold initMu and
// have already rechecked initialised under that lock.
func initLocked(concurrency bool) error {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	logger = l

	provider := pageprovider.New()
	cfg := config.Load(provider.PageSize())

	h, err := heap.New(heap.Config{
		AlignmentUnit:          cfg.AlignmentUnit,
		InitialReservationSize: cfg.InitialReservationSize,
		GrowthReservationSize:  cfg.GrowthReservationSize,
		DefaultStrategy:        cfg.DefaultStrategy,
	}, provider, concurrency, logger)
	if err != nil {
		return err
	}

	metrics.Register()
	instance = h
	initialised.Store(true)
	return nil
}

// autoInit guarantees a heap exists, implicitly calling Init(true) the
// first time any operation is invoked against an Uninitialised
// allocator. A caller that wants single-threaded mode must call Init
// explicitly before its first Alloc/Free. A failed implicit Init is
// reported as an allocerr.Uninitialised error wrapping the cause.
func autoInit() (*heap.Heap, error) {
	if initialised.Load() {
		return instance, nil
	}

	initMu.Lock()
	defer initMu.Unlock()

	if initialised.Load() {
		return instance, nil
	}

	if err := initLocked(true); err != nil {
		return nil, allocerr.Uninitialised.Wrap(err)
	}
	return instance, nil
}

// Alloc reserves at least size bytes, rounded up to the allocator's
// alignment unit, and returns the start address of the new block. A
// request of zero bytes, and any failure (including a failed implicit
// Init), returns the sentinel 0 rather than an error; size 0 performs
// no allocation and mutates no counter.
func Alloc(size uintptr) uintptr {
	if size == 0 {
		return 0
	}

	h, err := autoInit()
	if err != nil {
		return 0
	}

	addr, err := h.Allocate(size)
	if err != nil {
		return 0
	}
	return addr
}

// Free releases the block starting at address, previously returned by
// Alloc. address == 0 is a no-op that always succeeds. Any other
// address that was never returned by Alloc, an interior address, or an
// address already freed, each return a distinguishable error from the
// allocerr classes.
func Free(address uintptr) error {
	if address == 0 {
		return nil
	}

	h, err := autoInit()
	if err != nil {
		return err
	}
	return h.Free(address)
}

// Stats reports the current allocated and free byte totals, plus the
// high-water mark of allocated bytes since Init, snapshotted under the
// heap's own lock.
func Stats() (allocated, free, peak uint64, err error) {
	h, err := autoInit()
	if err != nil {
		return 0, 0, 0, err
	}
	allocated, free, peak = h.Stats()
	return allocated, free, peak, nil
}

// Verify walks the heap's block sequence checking every structural
// invariant, returning an allocerr.Corrupted-classed error describing
// the first violation found, or nil if the heap is consistent.
func Verify() error {
	h, err := autoInit()
	if err != nil {
		return err
	}
	return h.Verify()
}

// Dump writes a human-readable rendering of every block plus a summary
// to w, for diagnostics. Like Verify, it auto-initialises an
// Uninitialised allocator rather than reporting an empty heap.
func Dump(w io.Writer) error {
	h, err := autoInit()
	if err != nil {
		return err
	}
	h.Dump(w)
	return nil
}

// SetStrategy changes the free-block selection policy used by future
// Alloc calls. Changing it between Free and Allocate calls is
// permitted; no block is rebalanced as a result.
func SetStrategy(s heap.Strategy) error {
	h, err := autoInit()
	if err != nil {
		return err
	}
	h.SetStrategy(s)
	return nil
}

// Strategy reports the free-block selection policy currently in effect.
func Strategy() (heap.Strategy, error) {
	h, err := autoInit()
	if err != nil {
		return 0, err
	}
	return h.Strategy(), nil
}

// Cleanup releases every page reservation back to the operating system
// and returns the allocator to Uninitialised, so a later Alloc/Init
// reserves fresh memory. Meant for tests and graceful shutdown, not for
// routine use between ordinary Alloc/Free calls.
func Cleanup() error {
	initMu.Lock()
	defer initMu.Unlock()

	if !initialised.Load() {
		return nil
	}

	err := instance.Cleanup()
	instance = nil
	initialised.Store(false)
	if logger != nil {
		_ = logger.Sync()
	}
	return err
}
