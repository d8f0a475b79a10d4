// File: nvme/command_test.go
// Author: momentics <momentics@gmail.com>
//
// Wire-format checks for the SQE/CQE codec: field offsets, endianness and
// round trips against hand-built byte images.

package nvme

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQEEncodeLayout(t *testing.T) {
	sqe := SQE{
		Opcode:   0x06,
		Flags:    0x40,
		CID:      0x1234,
		NSID:     0xAABBCCDD,
		Metadata: 0x1122334455667788,
		PRP1:     0xDEADBEEF000,
		PRP2:     0xCAFEBABE000,
		Cdw10:    0x01,
		Cdw11:    0x00030003,
		Cdw15:    0xF0F0F0F0,
	}
	var buf [SQESize]byte
	require.NoError(t, sqe.EncodeTo(buf[:]))

	require.Equal(t, byte(0x06), buf[0], "opcode at byte 0")
	require.Equal(t, byte(0x40), buf[1], "flags at byte 1")
	require.Equal(t, uint16(0x1234), binary.LittleEndian.Uint16(buf[2:]), "cid at bytes 2:4")
	require.Equal(t, uint32(0xAABBCCDD), binary.LittleEndian.Uint32(buf[4:]))
	require.Equal(t, uint64(0x1122334455667788), binary.LittleEndian.Uint64(buf[16:]))
	require.Equal(t, uint64(0xDEADBEEF000), binary.LittleEndian.Uint64(buf[24:]), "prp1 at bytes 24:32")
	require.Equal(t, uint64(0xCAFEBABE000), binary.LittleEndian.Uint64(buf[32:]), "prp2 at bytes 32:40")
	require.Equal(t, uint32(0x01), binary.LittleEndian.Uint32(buf[40:]), "cdw10 at bytes 40:44")
	require.Equal(t, uint32(0xF0F0F0F0), binary.LittleEndian.Uint32(buf[60:]), "cdw15 at bytes 60:64")

	// Explicit little-endian spot check, independent of binary package.
	require.Equal(t, byte(0x34), buf[2])
	require.Equal(t, byte(0x12), buf[3])
}

func TestSQERoundTrip(t *testing.T) {
	in := SQE{
		Opcode: 0x01, Flags: 2, CID: 7, NSID: 1,
		Cdw2: 3, Cdw3: 4, Metadata: 5, PRP1: 6, PRP2: 7,
		Cdw10: 8, Cdw11: 9, Cdw12: 10, Cdw13: 11, Cdw14: 12, Cdw15: 13,
	}
	var buf [SQESize]byte
	require.NoError(t, in.EncodeTo(buf[:]))
	out, err := DecodeSQE(buf[:])
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestSQEEncodeShortBuffer(t *testing.T) {
	var sqe SQE
	require.Error(t, sqe.EncodeTo(make([]byte, SQESize-1)))
}

func TestCQEDecodeLayout(t *testing.T) {
	var buf [CQESize]byte
	binary.LittleEndian.PutUint32(buf[0:], 0x00000101) // dw0
	binary.LittleEndian.PutUint16(buf[8:], 5)          // sq head
	binary.LittleEndian.PutUint16(buf[10:], 0)         // sq id
	binary.LittleEndian.PutUint16(buf[12:], 0x8003)    // cid with aer bit
	binary.LittleEndian.PutUint16(buf[14:], 0x0101<<1|1)

	cqe, err := DecodeCQE(buf[:])
	require.NoError(t, err)
	require.Equal(t, uint32(0x101), cqe.DW0)
	require.Equal(t, uint16(5), cqe.SQHead)
	require.Equal(t, uint16(0x8003), cqe.CID)
	require.NotZero(t, cqe.CID&AERBit)
	require.Equal(t, uint8(1), cqe.Phase())
	require.Equal(t, uint16(0x0101), cqe.StatusCode())
}

func TestCQERoundTrip(t *testing.T) {
	in := CQE{DW0: 1, DW1: 2, SQHead: 3, SQID: 4, CID: 5, Status: 6}
	var buf [CQESize]byte
	require.NoError(t, in.EncodeTo(buf[:]))
	out, err := DecodeCQE(buf[:])
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestAsyncEventDecode(t *testing.T) {
	ev := DecodeAsyncEvent(0x00000101)
	require.Equal(t, uint8(1), ev.Type)
	require.Equal(t, uint8(1), ev.Info)
	require.Equal(t, uint8(0), ev.LogPage)

	ev = DecodeAsyncEvent(0x00CC0702 | 0x01)
	require.Equal(t, uint8(3), ev.Type)
	require.Equal(t, uint8(0x07), ev.Info)
	require.Equal(t, uint8(0xCC), ev.LogPage)
}

func TestSetFeaturesNumQueuesWire(t *testing.T) {
	sqe := NewSetFeaturesNumQueues(4, 4)
	require.Equal(t, uint8(AdminSetFeatures), sqe.Opcode)
	require.Equal(t, uint32(FeatureNumberOfQueues), sqe.Cdw10)
	require.Equal(t, uint32(3|3<<16), sqe.Cdw11, "counts are zero-based on the wire")
}

func TestCreateQueueCommands(t *testing.T) {
	ccq := NewCreateIOCQ(1, 64, 0x7000)
	require.Equal(t, uint8(AdminCreateIOCQ), ccq.Opcode)
	require.Equal(t, uint64(0x7000), ccq.PRP1)
	require.Equal(t, uint32(1|63<<16), ccq.Cdw10)
	require.Equal(t, uint32(QueuePhysContig), ccq.Cdw11)

	csq := NewCreateIOSQ(1, 64, 1, 0x8000, 0)
	require.Equal(t, uint8(AdminCreateIOSQ), csq.Opcode)
	require.Equal(t, uint32(1|63<<16), csq.Cdw10)
	require.Equal(t, uint32(QueuePhysContig|1<<16), csq.Cdw11)
}

func TestAbortCommand(t *testing.T) {
	sqe := NewAbort(2, 0x30)
	require.Equal(t, uint8(AdminAbort), sqe.Opcode)
	require.Equal(t, uint32(2|0x30<<16), sqe.Cdw10)
}

func TestGetLogPageCommand(t *testing.T) {
	sqe := NewGetLogPage(0x02, 1024, 0xFFFFFFFF)
	require.Equal(t, uint8(AdminGetLogPage), sqe.Opcode)
	require.Equal(t, uint32(0xFFFFFFFF), sqe.NSID)
	require.Equal(t, uint32(0x02|1023<<16), sqe.Cdw10)
}
