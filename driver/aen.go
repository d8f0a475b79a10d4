// File: driver/aen.go
// Package driver implements asynchronous event notification handling.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// An Asynchronous Event Request occupies an admin request context for as
// long as the controller runs: each completion is dispatched to the
// registered handler and the same context is immediately re-armed with a
// fresh request. The AER tag bit in the command identifier keeps these
// completions separable from synchronous admin traffic sharing the queue.

package driver

import (
	"github.com/charmbracelet/log"

	"github.com/momentics/hioload-nvme/nvme"
)

// AsyncEventHandler receives async event completions. It runs on the
// goroutine polling the admin CQ and must not block.
type AsyncEventHandler func(nvme.CQE)

// EnableAsyncEvents posts an Asynchronous Event Request with handler
// attached. The request context stays allocated until controller reset;
// a saturated admin queue reports Busy.
func (c *Controller) EnableAsyncEvents(handler AsyncEventHandler) error {
	sq, err := c.submissionQueue(AdminQueueID)
	if err != nil {
		return err
	}
	rq, err := sq.acquire()
	if err != nil {
		return err
	}
	rq.opaque = handler

	sqe := nvme.NewAsyncEventRequest()
	sqe.CID = rq.cid | nvme.AERBit
	sq.exec(&sqe)
	c.count(MetricSubmitted)
	return nil
}

// handleAsyncEvent dispatches one AER completion and re-arms its context.
func (c *Controller) handleAsyncEvent(cqe nvme.CQE) {
	c.count(MetricAsyncEvents)

	idx := cqe.CID &^ nvme.AERBit
	sq := c.sqs[AdminQueueID]
	if int(idx) >= len(sq.rqs) {
		log.Warn("async event with bad identifier", "bdf", c.bdf, "cid", cqe.CID)
		return
	}
	rq := &sq.rqs[idx]

	if handler, ok := rq.opaque.(AsyncEventHandler); ok && handler != nil {
		handler(cqe)
	} else {
		ev := nvme.DecodeAsyncEvent(cqe.DW0)
		log.Info("async event", "bdf", c.bdf, "type", ev.Type, "info", ev.Info, "lid", ev.LogPage)
	}

	sqe := nvme.NewAsyncEventRequest()
	sqe.CID = rq.cid | nvme.AERBit
	sq.exec(&sqe)
	c.count(MetricSubmitted)
}
