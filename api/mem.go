// File: api/mem.go
// Package api defines the raw page allocation contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// PageAllocator hands out page-aligned, page-granular memory suitable for
// DMA once mapped through an IommuMapper. Hugepage policy is the
// implementation's concern.
type PageAllocator interface {
	// Alloc returns a zeroed region of count units of unit bytes each,
	// rounded up to a whole number of host pages. The base address is
	// page-aligned.
	Alloc(count int, unit uint64) ([]byte, error)

	// Free releases a region previously returned by Alloc.
	Free(mem []byte) error

	// PageSize reports the allocation granule in bytes.
	PageSize() uint64
}
