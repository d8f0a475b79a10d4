// File: driver/sq.go
// Package driver implements the submission queue and its request pool.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package driver

import (
	"github.com/momentics/hioload-nvme/api"
	"github.com/momentics/hioload-nvme/nvme"
	"github.com/momentics/hioload-nvme/pool"
)

// SubmissionQueue is a ring of 64-byte submission entries plus a slab of
// per-slot scratch pages and the request-context pool recycling them. One
// ring slot stays reserved so full and empty remain distinguishable, hence
// qsize-1 request contexts. The zero value is an unconfigured descriptor.
type SubmissionQueue struct {
	id    uint16
	qsize uint32
	ring  *DMABuffer
	slots *DMABuffer
	db    api.Mmio
	dbOff uint64
	cq    *CompletionQueue
	tail  uint32
	rqs   []Request
	fl    *pool.FreeList
}

// configure allocates the SQE ring and the page-per-slot scratch region,
// builds the request pool and binds the tail doorbell. The cq binding is
// immutable for the queue's lifetime.
func (sq *SubmissionQueue) configure(pages api.PageAllocator, iommu api.IommuMapper, db api.Mmio, stride uint64, qid uint16, qsize uint32, cq *CompletionQueue) error {
	if qsize < 2 {
		return api.NewError(api.ErrCodeInvalidArgument, "sq depth below minimum").
			WithContext("qid", qid).
			WithContext("qsize", qsize)
	}
	ring, err := NewDMABuffer(pages, iommu, int(qsize), nvme.SQESize)
	if err != nil {
		return err
	}
	pageSize := pages.PageSize()
	slots, err := NewDMABuffer(pages, iommu, int(qsize), pageSize)
	if err != nil {
		ring.Close()
		return err
	}

	*sq = SubmissionQueue{
		id:    qid,
		qsize: qsize,
		ring:  ring,
		slots: slots,
		db:    db,
		dbOff: nvme.SQDoorbellOffset(qid, stride),
		cq:    cq,
		rqs:   make([]Request, qsize-1),
		fl:    pool.NewFreeList(int(qsize - 1)),
	}
	for i := range sq.rqs {
		off := uint64(i) * pageSize
		sq.rqs[i] = Request{
			cid:      uint16(i),
			sq:       sq,
			page:     slots.Bytes()[off : off+pageSize],
			pageIOVA: slots.IOVA() + off,
		}
	}
	return nil
}

// discard unmaps both DMA regions, frees the context array and zeroes the
// descriptor. No-op when never configured or already discarded.
func (sq *SubmissionQueue) discard() error {
	if !sq.configured() {
		return nil
	}
	err := sq.slots.Close()
	if rerr := sq.ring.Close(); err == nil {
		err = rerr
	}
	*sq = SubmissionQueue{}
	return err
}

func (sq *SubmissionQueue) configured() bool { return sq.ring != nil }

// acquire pops a free request context, or reports Busy when every slot is
// in flight.
func (sq *SubmissionQueue) acquire() (*Request, error) {
	idx, ok := sq.fl.Acquire()
	if !ok {
		return nil, api.NewError(api.ErrCodeBusy, "submission queue saturated").
			WithContext("qid", sq.id)
	}
	return &sq.rqs[idx], nil
}

// release returns a context to the pool and drops its opaque value.
func (sq *SubmissionQueue) release(rq *Request) {
	rq.opaque = nil
	sq.fl.Release(int(rq.cid))
}

// exec copies the entry into the ring slot at tail, advances tail modulo
// qsize and publishes it through the doorbell. The entry copy completes
// before the doorbell write; the caller has already stamped the CID.
func (sq *SubmissionQueue) exec(sqe *nvme.SQE) {
	sqe.EncodeTo(sq.ring.Bytes()[sq.tail*nvme.SQESize:])
	sq.tail++
	if sq.tail == sq.qsize {
		sq.tail = 0
	}
	sq.db.Write32(sq.dbOff, sq.tail)
}

// ID returns the queue id.
func (sq *SubmissionQueue) ID() uint16 { return sq.id }

// Depth returns the configured entry count.
func (sq *SubmissionQueue) Depth() uint32 { return sq.qsize }

// FreeRequests reports how many request contexts are available.
func (sq *SubmissionQueue) FreeRequests() int {
	if sq.fl == nil {
		return 0
	}
	return sq.fl.Free()
}

// CQ returns the bound completion queue.
func (sq *SubmissionQueue) CQ() *CompletionQueue { return sq.cq }
