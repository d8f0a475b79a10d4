// File: adapters/mmio.go
// Package adapters implements MMIO access over a mapped window.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package adapters

import (
	"math/bits"
	"unsafe"

	"github.com/momentics/hioload-nvme/api"
)

// hostBigEndian is resolved once; device registers are little-endian so
// big-endian hosts byte-swap on every access.
var hostBigEndian = func() bool {
	probe := uint16(1)
	return *(*byte)(unsafe.Pointer(&probe)) == 0
}()

// mmio accesses a mapped window with single naturally-aligned loads and
// stores, as MMIO requires.
type mmio struct {
	mem []byte
}

// NewMmio wraps a mapped window in the api.Mmio contract.
func NewMmio(mem []byte) api.Mmio {
	return &mmio{mem: mem}
}

func (m *mmio) Read32(off uint64) uint32 {
	v := *(*uint32)(unsafe.Pointer(&m.mem[off]))
	if hostBigEndian {
		v = bits.ReverseBytes32(v)
	}
	return v
}

func (m *mmio) Read64(off uint64) uint64 {
	v := *(*uint64)(unsafe.Pointer(&m.mem[off]))
	if hostBigEndian {
		v = bits.ReverseBytes64(v)
	}
	return v
}

func (m *mmio) Write32(off uint64, v uint32) {
	if hostBigEndian {
		v = bits.ReverseBytes32(v)
	}
	*(*uint32)(unsafe.Pointer(&m.mem[off])) = v
}

func (m *mmio) Write64(off uint64, v uint64) {
	if hostBigEndian {
		v = bits.ReverseBytes64(v)
	}
	*(*uint64)(unsafe.Pointer(&m.mem[off])) = v
}

// WriteHL64 splits a 64-bit store into two 32-bit stores, high half
// first, for devices lacking native 64-bit MMIO.
func (m *mmio) WriteHL64(off uint64, v uint64) {
	m.Write32(off+4, uint32(v>>32))
	m.Write32(off, uint32(v))
}

func (m *mmio) Len() uint64 { return uint64(len(m.mem)) }

// Bytes exposes the raw window for unmap bookkeeping.
func (m *mmio) Bytes() []byte { return m.mem }
