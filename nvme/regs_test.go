// File: nvme/regs_test.go
// Author: momentics <momentics@gmail.com>

package nvme

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCapDecode(t *testing.T) {
	// MQES=1023, TO=4, DSTRD=0, CSS=NVM, MPSMIN=0.
	cap := Cap(uint64(1023) | uint64(4)<<24 | uint64(CapCSSNVM)<<37)
	require.Equal(t, uint16(1023), cap.MQES())
	require.Equal(t, uint8(4), cap.TO())
	require.Equal(t, uint8(0), cap.DSTRD())
	require.Equal(t, uint8(CapCSSNVM), cap.CSS())
	require.Equal(t, uint64(4096), cap.MinPageSize())
	require.Equal(t, uint64(4), cap.DoorbellStride())
}

func TestCapDoorbellStride(t *testing.T) {
	cap := Cap(uint64(3) << 32)
	require.Equal(t, uint8(3), cap.DSTRD())
	require.Equal(t, uint64(32), cap.DoorbellStride())
}

func TestCapMinPageSize(t *testing.T) {
	cap := Cap(uint64(4) << 48)
	require.Equal(t, uint64(65536), cap.MinPageSize())
}

func TestAQAValue(t *testing.T) {
	require.Equal(t, uint32(31|31<<16), AQAValue(32))
}

func TestDoorbellOffsets(t *testing.T) {
	require.Equal(t, uint64(0), SQDoorbellOffset(0, 4))
	require.Equal(t, uint64(4), CQDoorbellOffset(0, 4))
	require.Equal(t, uint64(8), SQDoorbellOffset(1, 4))
	require.Equal(t, uint64(12), CQDoorbellOffset(1, 4))
	require.Equal(t, uint64(64), SQDoorbellOffset(1, 32))
}
