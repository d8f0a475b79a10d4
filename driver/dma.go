// File: driver/dma.go
// Package driver implements DMA buffer ownership.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package driver

import (
	"github.com/momentics/hioload-nvme/api"
)

// DMABuffer owns one page-aligned region together with its IOMMU mapping.
// Close releases both, IOMMU translation first. The zero value is an
// unconfigured buffer; Close on it is a no-op.
type DMABuffer struct {
	mem   []byte
	iova  uint64
	pages api.PageAllocator
	iommu api.IommuMapper
}

// NewDMABuffer allocates count units of unit bytes, rounded up to whole
// pages, and installs a persistent IOMMU translation. A mapping failure
// releases the pages before returning.
func NewDMABuffer(pages api.PageAllocator, iommu api.IommuMapper, count int, unit uint64) (*DMABuffer, error) {
	mem, err := pages.Alloc(count, unit)
	if err != nil {
		return nil, api.NewError(api.ErrCodeIoMapping, "page allocation failed").
			WithContext("count", count).
			WithContext("unit", unit)
	}
	iova, err := iommu.Map(mem)
	if err != nil {
		pages.Free(mem)
		return nil, api.NewError(api.ErrCodeIoMapping, "iommu map failed").
			WithContext("length", len(mem))
	}
	return &DMABuffer{mem: mem, iova: iova, pages: pages, iommu: iommu}, nil
}

// Bytes returns the CPU view of the region.
func (b *DMABuffer) Bytes() []byte { return b.mem }

// IOVA returns the device view of the region base.
func (b *DMABuffer) IOVA() uint64 { return b.iova }

// Len returns the region length in bytes.
func (b *DMABuffer) Len() uint64 { return uint64(len(b.mem)) }

// Close unmaps the IOMMU translation, then releases the pages. Idempotent.
func (b *DMABuffer) Close() error {
	if b == nil || b.mem == nil {
		return nil
	}
	err := b.iommu.Unmap(b.mem)
	if ferr := b.pages.Free(b.mem); err == nil {
		err = ferr
	}
	b.mem = nil
	b.iova = 0
	return err
}
