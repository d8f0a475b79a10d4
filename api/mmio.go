// File: api/mmio.go
// Package api defines the MMIO access contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// Mmio accesses a mapped device register window. Offsets are relative to
// the window base. Values cross the bus little-endian; implementations
// convert on access so callers always see host-order integers.
//
// Writes must reach the device in program order within a single goroutine.
type Mmio interface {
	Read32(offset uint64) uint32
	Read64(offset uint64) uint64
	Write32(offset uint64, value uint32)
	Write64(offset uint64, value uint64)

	// WriteHL64 performs two 32-bit writes, high half first, for devices
	// lacking native 64-bit MMIO support.
	WriteHL64(offset uint64, value uint64)

	// Len reports the window length in bytes.
	Len() uint64
}
