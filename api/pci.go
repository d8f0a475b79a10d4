// File: api/pci.go
// Package api defines the PCI passthrough contracts.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// PciProvider opens passthrough handles to PCI functions addressed by BDF
// ("0000:01:00.0" form). Implementations own discovery and the kernel
// facility (VFIO group/container wiring, permissions, device claim).
type PciProvider interface {
	// Open claims the function and returns a device handle, or an error if
	// the device cannot be claimed.
	Open(bdf string) (PciDevice, error)
}

// PciDevice is one claimed PCI function. Not safe for concurrent use.
type PciDevice interface {
	// ClassCode returns the 24-bit class code (base class, sub class,
	// programming interface).
	ClassCode() (uint32, error)

	// MapBar maps length bytes of BAR barIndex starting at offset and
	// returns an MMIO accessor over the window.
	MapBar(barIndex int, offset, length uint64) (Mmio, error)

	// UnmapBar releases a window previously returned by MapBar.
	UnmapBar(barIndex int, offset uint64, m Mmio) error

	// Iommu returns the mapper programming this device's IOMMU domain.
	Iommu() IommuMapper

	// Close releases the passthrough handle. Idempotent.
	Close() error
}
