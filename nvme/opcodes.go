// File: nvme/opcodes.go
// Package nvme defines admin opcodes and command constructors.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package nvme

// Admin command set opcodes.
const (
	AdminDeleteIOSQ        = 0x00
	AdminCreateIOSQ        = 0x01
	AdminGetLogPage        = 0x02
	AdminDeleteIOCQ        = 0x04
	AdminCreateIOCQ        = 0x05
	AdminIdentify          = 0x06
	AdminAbort             = 0x08
	AdminSetFeatures       = 0x09
	AdminGetFeatures       = 0x0A
	AdminAsyncEventRequest = 0x0C
)

// Feature identifiers.
const (
	FeatureNumberOfQueues = 0x07
)

// Identify CNS values.
const (
	CNSNamespace  = 0x00
	CNSController = 0x01
)

// CDW11 flags for queue creation.
const (
	QueuePhysContig = 1 << 0
	QueueIEN        = 1 << 1
)

// NewIdentifyController builds an Identify command for CNS 01h. The caller
// supplies the 4 KiB destination via the data pointer.
func NewIdentifyController() SQE {
	return SQE{
		Opcode: AdminIdentify,
		Cdw10:  CNSController,
	}
}

// NewSetFeaturesNumQueues builds the Number of Queues negotiation command.
// nsqr and ncqr are the requested I/O queue counts; the wire carries them
// zero-based.
func NewSetFeaturesNumQueues(nsqr, ncqr uint16) SQE {
	return SQE{
		Opcode: AdminSetFeatures,
		Cdw10:  FeatureNumberOfQueues,
		Cdw11:  uint32(nsqr-1) | uint32(ncqr-1)<<16,
	}
}

// NewCreateIOCQ builds a Create I/O Completion Queue command. iova is the
// physically contiguous CQ ring base.
func NewCreateIOCQ(qid uint16, qsize uint32, iova uint64) SQE {
	return SQE{
		Opcode: AdminCreateIOCQ,
		PRP1:   iova,
		Cdw10:  uint32(qid) | (qsize-1)<<16,
		Cdw11:  QueuePhysContig,
	}
}

// NewCreateIOSQ builds a Create I/O Submission Queue command bound to cqid.
// flags occupies the queue priority field of CDW11.
func NewCreateIOSQ(qid uint16, qsize uint32, cqid uint16, iova uint64, flags uint16) SQE {
	return SQE{
		Opcode: AdminCreateIOSQ,
		PRP1:   iova,
		Cdw10:  uint32(qid) | (qsize-1)<<16,
		Cdw11:  QueuePhysContig | uint32(flags)<<1 | uint32(cqid)<<16,
	}
}

// NewDeleteIOSQ builds a Delete I/O Submission Queue command.
func NewDeleteIOSQ(qid uint16) SQE {
	return SQE{Opcode: AdminDeleteIOSQ, Cdw10: uint32(qid)}
}

// NewDeleteIOCQ builds a Delete I/O Completion Queue command.
func NewDeleteIOCQ(qid uint16) SQE {
	return SQE{Opcode: AdminDeleteIOCQ, Cdw10: uint32(qid)}
}

// NewAsyncEventRequest builds an Asynchronous Event Request. The command
// has no data and completes only when the controller has an event.
func NewAsyncEventRequest() SQE {
	return SQE{Opcode: AdminAsyncEventRequest}
}

// NewAbort builds an Abort for the command cid on queue sqid.
func NewAbort(sqid, cid uint16) SQE {
	return SQE{
		Opcode: AdminAbort,
		Cdw10:  uint32(sqid) | uint32(cid)<<16,
	}
}

// NewGetLogPage builds a Get Log Page command. numd is the dword count,
// zero-based on the wire.
func NewGetLogPage(lid uint8, numd uint32, nsid uint32) SQE {
	return SQE{
		Opcode: AdminGetLogPage,
		NSID:   nsid,
		Cdw10:  uint32(lid) | (numd-1)<<16,
	}
}

// AsyncEvent is the decoded completion DW0 of an Asynchronous Event
// Request.
type AsyncEvent struct {
	Type    uint8 // event type, bits 2:0
	Info    uint8 // event information, bits 15:8
	LogPage uint8 // associated log page identifier, bits 23:16
}

// DecodeAsyncEvent unpacks an AER completion's DW0.
func DecodeAsyncEvent(dw0 uint32) AsyncEvent {
	return AsyncEvent{
		Type:    uint8(dw0 & 0x7),
		Info:    uint8(dw0 >> 8),
		LogPage: uint8(dw0 >> 16),
	}
}
