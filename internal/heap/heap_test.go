package heap

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lhj23333/operation-system/allocerr"
)

// fakeProvider hands out synthetic addresses with no memory behind them
// instead of calling mmap, so heap tests run without touching the
// operating system.
type fakeProvider struct {
	mu       sync.Mutex
	pageSize uintptr
	next     uintptr
	live     map[uintptr]uintptr
}

func newFakeProvider(pageSize uintptr) *fakeProvider {
	return &fakeProvider{
		pageSize: pageSize,
		next:     0x1000,
		live:     make(map[uintptr]uintptr),
	}
}

func (p *fakeProvider) PageSize() uintptr { return p.pageSize }

func (p *fakeProvider) Reserve(hint, length uintptr) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr := p.next
	p.next += length + p.pageSize // leave a gap so reservations are never adjacent
	p.live[addr] = length
	return addr, nil
}

func (p *fakeProvider) Release(address, length uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, address)
	return nil
}

func (p *fakeProvider) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live = make(map[uintptr]uintptr)
	return nil
}

const testPageSize = 4096

func newTestHeap(t *testing.T) (*Heap, *fakeProvider) {
	t.Helper()
	provider := newFakeProvider(testPageSize)
	cfg := Config{
		AlignmentUnit:          8,
		InitialReservationSize: 4 * testPageSize,
		GrowthReservationSize:  4 * testPageSize,
		DefaultStrategy:        FirstFit,
	}
	h, err := New(cfg, provider, true, nil)
	require.NoError(t, err)
	return h, provider
}

func TestNewRejectsBadReservationSize(t *testing.T) {
	provider := newFakeProvider(testPageSize)
	_, err := New(Config{InitialReservationSize: testPageSize + 1}, provider, true, nil)
	assert.Error(t, err)
}

func TestAllocateBasicLifecycle(t *testing.T) {
	h, _ := newTestHeap(t)

	addr, err := h.Allocate(64)
	require.NoError(t, err)
	assert.NotZero(t, addr)

	allocated, free, peak := h.Stats()
	assert.Equal(t, uint64(64), allocated)
	assert.Equal(t, uint64(4*testPageSize-64), free)
	assert.Equal(t, uint64(64), peak)

	require.NoError(t, h.Free(addr))
	allocated, free, peak = h.Stats()
	assert.Zero(t, allocated)
	assert.Equal(t, uint64(4*testPageSize), free)
	assert.Equal(t, uint64(64), peak, "peak should not drop after a free")
	assert.NoError(t, h.Verify())
}

func TestAllocateRoundsUpToAlignment(t *testing.T) {
	h, _ := newTestHeap(t)

	addr, err := h.Allocate(1)
	require.NoError(t, err)

	b := h.find(addr)
	require.NotNil(t, b)
	assert.Equal(t, uintptr(8), b.Size())
}

func TestSplitAndCoalesce(t *testing.T) {
	h, _ := newTestHeap(t)

	a, err := h.Allocate(64)
	require.NoError(t, err)
	b, err := h.Allocate(128)
	require.NoError(t, err)
	c, err := h.Allocate(256)
	require.NoError(t, err)

	require.NoError(t, h.Verify())

	// Free the middle block first: no merge should happen since both
	// neighbors are still allocated.
	require.NoError(t, h.Free(b))
	require.NoError(t, h.Verify())

	// Freeing the surrounding blocks should coalesce all three back
	// into one contiguous free block.
	require.NoError(t, h.Free(a))
	require.NoError(t, h.Free(c))
	require.NoError(t, h.Verify())

	allocated, _, _ := h.Stats()
	assert.Zero(t, allocated)
}

func TestAllocateGrowsHeapWhenExhausted(t *testing.T) {
	h, _ := newTestHeap(t)

	// Request more than the initial reservation provides in one shot.
	addr, err := h.Allocate(8 * testPageSize)
	require.NoError(t, err)
	assert.NotZero(t, addr)
	assert.NoError(t, h.Verify())
}

func TestFreeUnknownAddressIsInvalid(t *testing.T) {
	h, _ := newTestHeap(t)
	err := h.Free(0xDEADBEEF)
	require.Error(t, err)
	assert.True(t, allocerr.InvalidAddress.Has(err))
}

func TestFreeInteriorAddressIsInvalid(t *testing.T) {
	h, _ := newTestHeap(t)
	addr, err := h.Allocate(64)
	require.NoError(t, err)

	err = h.Free(addr + 4)
	require.Error(t, err)
	assert.True(t, allocerr.InvalidAddress.Has(err))
}

func TestDoubleFreeIsDetected(t *testing.T) {
	h, _ := newTestHeap(t)
	addr, err := h.Allocate(32)
	require.NoError(t, err)

	require.NoError(t, h.Free(addr))
	err = h.Free(addr)
	require.Error(t, err)
	assert.True(t, allocerr.DoubleFree.Has(err))
}

func TestDumpIncludesVerifyResult(t *testing.T) {
	h, _ := newTestHeap(t)
	_, err := h.Allocate(16)
	require.NoError(t, err)

	var buf bytes.Buffer
	h.Dump(&buf)
	assert.Contains(t, buf.String(), "verify: OK")
	assert.Contains(t, buf.String(), "ALLOCATED")
}

func TestConcurrentAllocateFree(t *testing.T) {
	h, _ := newTestHeap(t)

	const goroutines = 4
	const iterations = 500

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				addr, err := h.Allocate(32)
				if err != nil {
					continue
				}
				_ = h.Free(addr)
			}
		}()
	}
	wg.Wait()

	assert.NoError(t, h.Verify())
	allocated, _, _ := h.Stats()
	assert.Zero(t, allocated)
}

func TestSetStrategyUpdatesStrategy(t *testing.T) {
	h, _ := newTestHeap(t)
	h.SetStrategy(WorstFit)
	assert.Equal(t, WorstFit, h.Strategy())
}

func TestCleanupResetsHeap(t *testing.T) {
	h, _ := newTestHeap(t)
	_, err := h.Allocate(16)
	require.NoError(t, err)

	require.NoError(t, h.Cleanup())
	allocated, free, peak := h.Stats()
	assert.Zero(t, allocated)
	assert.Zero(t, free)
	assert.Zero(t, peak)
}
