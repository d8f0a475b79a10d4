// File: api/doc.go
// Package api
// Author: momentics <momentics@gmail.com>
//
// Abstract collaborator contracts for the hioload-nvme userspace driver.
// The driver core talks to the kernel passthrough facility exclusively
// through these interfaces: PCI device access, IOMMU mapping, raw page
// allocation and MMIO. Production implementations live in adapters/,
// controllable test doubles in fake/.
// The IommuMapper, PciDevice and Mmio contracts state their concurrency
// expectations explicitly.
package api
