// File: nvme/prp_test.go
// Author: momentics <momentics@gmail.com>
//
// PRP building round trips per transfer-size class.

package nvme

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testPage = 4096

func TestPRPSinglePage(t *testing.T) {
	var sqe SQE
	require.NoError(t, SetDataPointer(&sqe, 0x10000, testPage, testPage, nil, 0))
	require.Equal(t, uint64(0x10000), sqe.PRP1)
	require.Equal(t, uint64(0), sqe.PRP2)
}

func TestPRPSmallTransfer(t *testing.T) {
	var sqe SQE
	require.NoError(t, SetDataPointer(&sqe, 0x10000, 512, testPage, nil, 0))
	require.Equal(t, uint64(0x10000), sqe.PRP1)
	require.Equal(t, uint64(0), sqe.PRP2)
}

func TestPRPTwoPages(t *testing.T) {
	var sqe SQE
	require.NoError(t, SetDataPointer(&sqe, 0x10000, 2*testPage, testPage, nil, 0))
	require.Equal(t, uint64(0x10000), sqe.PRP1)
	require.Equal(t, uint64(0x11000), sqe.PRP2)
}

func TestPRPUnalignedSpansBoundary(t *testing.T) {
	// 512 bytes starting 256 below a page boundary touch two pages.
	var sqe SQE
	require.NoError(t, SetDataPointer(&sqe, 0x10F00, 512, testPage, nil, 0))
	require.Equal(t, uint64(0x10F00), sqe.PRP1)
	require.Equal(t, uint64(0x11000), sqe.PRP2)
}

func TestPRPListRoundTrip(t *testing.T) {
	list := make([]byte, testPage)
	var sqe SQE
	const length = 8 * testPage
	require.NoError(t, SetDataPointer(&sqe, 0x20000, length, testPage, list, 0x9000))
	require.Equal(t, uint64(0x20000), sqe.PRP1)
	require.Equal(t, uint64(0x9000), sqe.PRP2)

	entries := DecodePRPList(list, 7)
	require.Len(t, entries, 7)
	for i, e := range entries {
		require.Equal(t, uint64(0x20000)+testPage*uint64(i+1), e,
			"list entry %d reconstructs the page run", i)
	}
}

func TestPRPListCapacity(t *testing.T) {
	list := make([]byte, 2*PRPEntrySize)
	var sqe SQE
	require.Error(t, SetDataPointer(&sqe, 0x20000, 16*testPage, testPage, list, 0x9000))
}

func TestPRPZeroLength(t *testing.T) {
	var sqe SQE
	sqe.PRP1, sqe.PRP2 = 1, 2
	require.NoError(t, SetDataPointer(&sqe, 0x10000, 0, testPage, nil, 0))
	require.Zero(t, sqe.PRP1)
	require.Zero(t, sqe.PRP2)
}

func TestPRPBadPageSize(t *testing.T) {
	var sqe SQE
	require.Error(t, SetDataPointer(&sqe, 0x10000, 512, 3000, nil, 0))
}
