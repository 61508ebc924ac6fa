// Package pageprovider adapts the operating system's page-mapping
// primitive into a safe, tracked reservation pool. It plays the role the
// Go runtime's sysReserve/sysAlloc/mHeap_SysAlloc trio plays for mheap in
// malloc.go, backed here by golang.org/x/sys/unix the way the balloc
// buddy allocator reference backs its own pool.
//
// A Provider is not itself safe for concurrent use: the heap core
// funnels every call through its own mutex, exactly as the distilled
// spec requires.
package pageprovider

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lhj23333/operation-system/allocerr"
)

// reservation records one outstanding mmap so Release/Cleanup can hand
// the same backing slice back to munmap.
type reservation struct {
	length uintptr
	data   []byte
}

// Provider tracks every page reservation obtained from the OS that has
// not yet been released.
type Provider struct {
	pageSize     uintptr
	reservations map[uintptr]reservation
}

// New constructs an empty, ready-to-use provider. There is no separate
// explicit init step in this port: the constructor is the idempotent
// "initialise the reservation tracker empty" operation the distilled
// spec names init(); idempotence above this layer is the heap core's
// responsibility.
func New() *Provider {
	return &Provider{
		pageSize:     uintptr(unix.Getpagesize()),
		reservations: make(map[uintptr]reservation),
	}
}

// PageSize is the system page size, a power of two no smaller than 4096.
func (p *Provider) PageSize() uintptr {
	return p.pageSize
}

// Reserve obtains a readable/writable, private, anonymous,
// zero-initialised region of exactly length bytes and returns its start
// address. length must be a positive multiple of the page size. hint is
// accepted for interface symmetry with the distilled spec but is
// advisory only: the underlying unix.Mmap wrapper used here does not
// support MAP_FIXED, so it is never passed to the kernel (see
// DESIGN.md).
func (p *Provider) Reserve(hint, length uintptr) (uintptr, error) {
	_ = hint

	if length == 0 || length%p.pageSize != 0 {
		return 0, allocerr.InvalidArgument.New("reservation length %d is not a positive multiple of the page size %d", length, p.pageSize)
	}

	data, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, allocerr.OutOfMemory.Wrap(err)
	}

	addr := uintptr(unsafe.Pointer(&data[0]))
	p.reservations[addr] = reservation{length: length, data: data}
	return addr, nil
}

// Release returns a previously reserved region to the OS. It fails if no
// reservation with that exact {address, length} exists, and leaves the
// tracker untouched in that case.
func (p *Provider) Release(address, length uintptr) error {
	r, ok := p.reservations[address]
	if !ok || r.length != length {
		return allocerr.InvalidArgument.New("no reservation of length %d at address %#x", length, address)
	}

	if err := unix.Munmap(r.data); err != nil {
		return allocerr.InvalidArgument.Wrap(err)
	}

	delete(p.reservations, address)
	return nil
}

// Cleanup releases every still-tracked reservation and discards the
// tracker. It is best-effort: it attempts every release and joins any
// failures rather than stopping at the first one, since a stuck
// reservation shouldn't prevent the rest from being returned.
func (p *Provider) Cleanup() error {
	var group errGroup
	for addr, r := range p.reservations {
		if err := unix.Munmap(r.data); err != nil {
			group.add(fmt.Errorf("release %#x (%d bytes): %w", addr, r.length, err))
			continue
		}
		delete(p.reservations, addr)
	}
	p.reservations = make(map[uintptr]reservation)
	return group.err()
}

// errGroup collects multiple Cleanup failures into one error without
// pulling in a dedicated multi-error package for a single call site.
type errGroup struct {
	errs []error
}

func (g *errGroup) add(err error) {
	g.errs = append(g.errs, err)
}

func (g *errGroup) err() error {
	if len(g.errs) == 0 {
		return nil
	}
	return allocerr.OutOfMemory.New("cleanup: %d reservation(s) failed to release: %v", len(g.errs), g.errs)
}
