//go:build linux

// File: adapters/hugepage_linux.go
// Package adapters implements the hugepage-backed page allocator.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package adapters

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-nvme/api"
)

// HugepageAllocator hands out anonymous mmap regions, preferring
// hugepages and falling back to normal pages when the hugepage pool is
// empty. Regions are page-aligned and zeroed by the kernel.
type HugepageAllocator struct {
	pageSize uint64
}

// NewHugepageAllocator builds an allocator using the host page size as
// granule.
func NewHugepageAllocator() *HugepageAllocator {
	return &HugepageAllocator{pageSize: uint64(unix.Getpagesize())}
}

// Alloc implements api.PageAllocator.
func (a *HugepageAllocator) Alloc(count int, unit uint64) ([]byte, error) {
	length := (uint64(count)*unit + a.pageSize - 1) &^ (a.pageSize - 1)
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	mem, err := unix.Mmap(-1, 0, int(length),
		unix.PROT_READ|unix.PROT_WRITE, flags|unix.MAP_HUGETLB)
	if err != nil {
		mem, err = unix.Mmap(-1, 0, int(length),
			unix.PROT_READ|unix.PROT_WRITE, flags)
	}
	if err != nil {
		return nil, err
	}
	// DMA memory must stay resident; the IOMMU translation pins the
	// physical pages but the fault-in happens here.
	unix.Mlock(mem)
	return mem, nil
}

// Free implements api.PageAllocator.
func (a *HugepageAllocator) Free(mem []byte) error {
	if mem == nil {
		return nil
	}
	unix.Munlock(mem)
	return unix.Munmap(mem)
}

// PageSize implements api.PageAllocator.
func (a *HugepageAllocator) PageSize() uint64 { return a.pageSize }

var _ api.PageAllocator = (*HugepageAllocator)(nil)
