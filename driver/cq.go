// File: driver/cq.go
// Package driver implements the completion queue engine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package driver

import (
	"encoding/binary"

	"github.com/momentics/hioload-nvme/api"
	"github.com/momentics/hioload-nvme/nvme"
)

// CompletionQueue is a ring of 16-byte completion entries the device
// writes and the driver consumes. The head index and the expected phase
// tag together identify the next entry to read; the phase flips on every
// wrap so new entries are distinguishable without reading device state.
// The zero value is an unconfigured descriptor.
type CompletionQueue struct {
	id    uint16
	qsize uint32
	buf   *DMABuffer
	db    api.Mmio
	dbOff uint64
	efd   int
	head  uint32
	phase uint8
}

// configure allocates the CQE ring and binds the head doorbell. qid
// bounds are the controller's concern; qsize below 2 is rejected here.
func (cq *CompletionQueue) configure(pages api.PageAllocator, iommu api.IommuMapper, db api.Mmio, stride uint64, qid uint16, qsize uint32) error {
	if qsize < 2 {
		return api.NewError(api.ErrCodeInvalidArgument, "cq depth below minimum").
			WithContext("qid", qid).
			WithContext("qsize", qsize)
	}
	buf, err := NewDMABuffer(pages, iommu, int(qsize), nvme.CQESize)
	if err != nil {
		return err
	}
	*cq = CompletionQueue{
		id:    qid,
		qsize: qsize,
		buf:   buf,
		db:    db,
		dbOff: nvme.CQDoorbellOffset(qid, stride),
		efd:   -1,
		head:  0,
		phase: 1,
	}
	return nil
}

// discard releases the ring and zeroes the descriptor. Calling it on a
// never-configured or already-discarded queue is a no-op.
func (cq *CompletionQueue) discard() error {
	if !cq.configured() {
		return nil
	}
	err := cq.buf.Close()
	*cq = CompletionQueue{}
	return err
}

func (cq *CompletionQueue) configured() bool { return cq.buf != nil }

// poll reads the entry at head. The phase tag is inspected before the
// rest of the entry so a partially posted completion is never consumed.
// On a valid entry the head advances, flipping the expected phase at the
// wrap point.
func (cq *CompletionQueue) poll() (nvme.CQE, bool) {
	slot := cq.buf.Bytes()[cq.head*nvme.CQESize:]
	status := binary.LittleEndian.Uint16(slot[14:])
	if uint8(status&1) != cq.phase {
		return nvme.CQE{}, false
	}
	cqe, _ := nvme.DecodeCQE(slot)
	cq.head++
	if cq.head == cq.qsize {
		cq.head = 0
		cq.phase ^= 1
	}
	return cqe, true
}

// ringDoorbell publishes the current head to the device. Written after
// one or more entries are consumed.
func (cq *CompletionQueue) ringDoorbell() {
	cq.db.Write32(cq.dbOff, cq.head)
}

// ID returns the queue id.
func (cq *CompletionQueue) ID() uint16 { return cq.id }

// Depth returns the configured entry count.
func (cq *CompletionQueue) Depth() uint32 { return cq.qsize }
