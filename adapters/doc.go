// File: adapters/doc.go
// Package adapters
// Author: momentics <momentics@gmail.com>
//
// Production implementations of the api collaborator contracts: VFIO
// passthrough for PCI access and IOMMU programming, a hugepage-backed
// page allocator and a little-endian MMIO accessor over mapped windows.
// Linux only; other platforms use the fake package or their own glue.
package adapters
