// Package allocerr defines the error kinds produced by the allocator.
//
// Each kind is an errs.Class, following the pattern used throughout
// storj/storj for distinguishing failure kinds without a dedicated
// sentinel type per call site: callers test membership with
// Class.Has(err) and construct errors with Class.New/Class.Wrap.
package allocerr

import "github.com/zeebo/errs"

var (
	// InvalidArgument covers null/zero-size requests where disallowed,
	// misaligned reservation hints, and lengths that are not a multiple
	// of the page size.
	InvalidArgument = errs.Class("invalid argument")

	// OutOfMemory is returned when the page provider cannot satisfy a
	// growth request.
	OutOfMemory = errs.Class("out of memory")

	// InvalidAddress is returned when Free is called with an address that
	// is not the start of any allocated block (includes interior
	// pointers).
	InvalidAddress = errs.Class("invalid address")

	// DoubleFree is returned when Free is called on an address whose
	// block is already free.
	DoubleFree = errs.Class("double free")

	// Corrupted is returned only by Verify/Dump when a heap invariant is
	// broken. Alloc and Free never return it.
	Corrupted = errs.Class("heap corrupted")

	// Uninitialised surfaces only when the facade's own auto-init path
	// fails; every other operation resolves an uninitialised allocator by
	// initialising it.
	Uninitialised = errs.Class("allocator uninitialised")
)
