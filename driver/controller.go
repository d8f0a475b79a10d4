// File: driver/controller.go
// Package driver implements the controller lifecycle engine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bring-up follows the register handshake the NVMe base specification
// prescribes: CAP decode, EN clear + RDY 0 wait, admin queue programming
// through AQA/ASQ/ACQ, EN set + RDY 1 wait, then queue-count negotiation
// for controllers that carry an I/O command set.

package driver

import (
	"math/bits"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"

	"github.com/momentics/hioload-nvme/api"
	"github.com/momentics/hioload-nvme/nvme"
)

// AdminQueueID is the queue id of the admin pair.
const AdminQueueID uint16 = 0

// Class code prefix shared by every NVMe function; the programming
// interface below it distinguishes I/O controllers from administrative
// ones.
const (
	classNVMePrefix  = 0x0108
	progIfAdminCtrl  = 0x03
	readyPollCeiling = 10 * time.Millisecond
)

// Metric keys published when a registry is attached.
const (
	MetricSubmitted   = "nvme.commands.submitted"
	MetricCompleted   = "nvme.commands.completed"
	MetricSpurious    = "nvme.completions.spurious"
	MetricAsyncEvents = "nvme.async.events"
)

// Controller owns one passthrough NVMe function: both BAR windows, the
// dense queue arrays (index 0 is always the admin pair) and the device
// handle. Close releases everything transitively and is idempotent.
type Controller struct {
	bdf   string
	dev   api.PciDevice
	iommu api.IommuMapper
	pages api.PageAllocator

	regs api.Mmio
	dbs  api.Mmio

	cap      nvme.Cap
	stride   uint64
	pageSize uint64

	state          State
	administrative bool

	sqs []*SubmissionQueue
	cqs []*CompletionQueue

	nsqa uint16
	ncqa uint16

	opts Options
}

// Open claims the function at bdf, validates its class code, maps the
// register and doorbell windows and decodes CAP. The caller owns the
// returned controller and must Close it; Open itself unwinds fully on
// every failure path.
func Open(provider api.PciProvider, pages api.PageAllocator, bdf string, opts ...Option) (*Controller, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	dev, err := provider.Open(bdf)
	if err != nil {
		return nil, err
	}

	class, err := dev.ClassCode()
	if err != nil {
		dev.Close()
		return nil, err
	}
	if class>>8 != classNVMePrefix {
		dev.Close()
		return nil, api.NewError(api.ErrCodeInvalidArgument, "not an NVMe function").
			WithContext("bdf", bdf).
			WithContext("class", class)
	}

	regs, err := dev.MapBar(0, 0, nvme.RegWindowLen)
	if err != nil {
		dev.Close()
		return nil, api.NewError(api.ErrCodeMmio, "register window mapping failed").
			WithContext("bdf", bdf)
	}
	dbs, err := dev.MapBar(0, nvme.DoorbellBase, nvme.DoorbellWindowLen)
	if err != nil {
		dev.UnmapBar(0, 0, regs)
		dev.Close()
		return nil, api.NewError(api.ErrCodeMmio, "doorbell window mapping failed").
			WithContext("bdf", bdf)
	}

	cap := nvme.Cap(regs.Read64(nvme.RegCAP))
	if cap.MinPageSize() > pages.PageSize() {
		dev.UnmapBar(0, nvme.DoorbellBase, dbs)
		dev.UnmapBar(0, 0, regs)
		dev.Close()
		return nil, api.NewError(api.ErrCodeInvalidArgument, "controller min page size exceeds host").
			WithContext("mpsmin", cap.MinPageSize()).
			WithContext("host", pages.PageSize())
	}

	c := &Controller{
		bdf:            bdf,
		dev:            dev,
		iommu:          dev.Iommu(),
		pages:          pages,
		regs:           regs,
		dbs:            dbs,
		cap:            cap,
		stride:         cap.DoorbellStride(),
		pageSize:       pages.PageSize(),
		state:          StateOpened,
		administrative: class&0xFF == progIfAdminCtrl,
		sqs:            []*SubmissionQueue{new(SubmissionQueue)},
		cqs:            []*CompletionQueue{new(CompletionQueue)},
		opts:           o,
	}
	if o.Probes != nil {
		o.Probes.RegisterProbe("nvme."+bdf, c.probe)
	}
	return c, nil
}

// Reset clears CC.EN and waits for CSTS.RDY to drop. In-flight commands
// are aborted by the device; every queue must go through a
// Discard+Configure cycle (ConfigureAdminQueues does this for the admin
// pair) before the controller is enabled again.
func (c *Controller) Reset() error {
	if c.state == StateClosed {
		return api.ErrControllerClosed
	}
	cc := c.regs.Read32(nvme.RegCC)
	cc &^= nvme.CCEnable
	c.regs.Write32(nvme.RegCC, cc)
	if err := c.waitReady(false); err != nil {
		return err
	}
	c.state = StateReset
	return nil
}

// ConfigureAdminQueues builds the admin queue pair and programs AQA, ASQ
// and ACQ. Any prior admin pair is discarded first, so the call doubles
// as the post-reset pool re-initialization.
func (c *Controller) ConfigureAdminQueues() error {
	if c.state == StateClosed {
		return api.ErrControllerClosed
	}
	qsize := c.opts.AdminQueueEntries

	c.sqs[0].discard()
	c.cqs[0].discard()

	cq := c.cqs[0]
	if err := cq.configure(c.pages, c.iommu, c.dbs, c.stride, AdminQueueID, qsize); err != nil {
		return err
	}
	sq := c.sqs[0]
	if err := sq.configure(c.pages, c.iommu, c.dbs, c.stride, AdminQueueID, qsize, cq); err != nil {
		cq.discard()
		return err
	}

	c.regs.Write32(nvme.RegAQA, nvme.AQAValue(qsize))
	c.regs.WriteHL64(nvme.RegASQ, sq.ring.IOVA())
	c.regs.WriteHL64(nvme.RegACQ, cq.buf.IOVA())
	c.state = StateAdminConfigured
	return nil
}

// Enable programs CC and waits for ready. The command set is chosen from
// CAP.CSS in priority order: I/O command sets, admin-only, NVM.
func (c *Controller) Enable() error {
	if c.state == StateClosed {
		return api.ErrControllerClosed
	}

	css := uint32(nvme.CCCSSNVM)
	switch {
	case c.cap.CSS()&nvme.CapCSSIO != 0:
		css = nvme.CCCSSIO
	case c.cap.CSS()&nvme.CapCSSAdminOnly != 0:
		css = nvme.CCCSSAdmin
	}

	mps := uint32(bits.TrailingZeros64(c.pageSize)) - 12
	cc := css<<nvme.CCCSSShift |
		mps<<nvme.CCMPSShift |
		nvme.CCAMSRoundRobin<<nvme.CCAMSShift |
		nvme.CCSHNNone<<nvme.CCSHNShift |
		nvme.SQESLog2<<nvme.CCIOSQESShift |
		nvme.CQESLog2<<nvme.CCIOCQESShift |
		nvme.CCEnable
	c.regs.Write32(nvme.RegCC, cc)

	if err := c.waitReady(true); err != nil {
		return err
	}
	c.state = StateEnabled
	return nil
}

// NegotiateQueues issues Set Features (Number of Queues) and clamps the
// negotiated counts to min(requested, reported). Administrative
// controllers carry no I/O queues and reject the call.
func (c *Controller) NegotiateQueues() error {
	if c.administrative {
		return api.NewError(api.ErrCodeNotSupported, "administrative controller has no io queues").
			WithContext("bdf", c.bdf)
	}
	sqe := nvme.NewSetFeaturesNumQueues(c.opts.NSQR, c.opts.NCQR)
	cqe, err := c.adminExec(&sqe, nil)
	if err != nil {
		return err
	}

	c.nsqa = minU16(c.opts.NSQR, uint16(cqe.DW0&0xFFFF))
	c.ncqa = minU16(c.opts.NCQR, uint16(cqe.DW0>>16))

	for len(c.sqs) < int(c.nsqa)+2 {
		c.sqs = append(c.sqs, new(SubmissionQueue))
	}
	for len(c.cqs) < int(c.ncqa)+2 {
		c.cqs = append(c.cqs, new(CompletionQueue))
	}
	return nil
}

// Bringup runs the full sequence: reset, admin queue construction, enable
// and, for I/O-capable controllers, queue-count negotiation.
func (c *Controller) Bringup() error {
	if err := c.Reset(); err != nil {
		return err
	}
	if err := c.ConfigureAdminQueues(); err != nil {
		return err
	}
	if err := c.Enable(); err != nil {
		return err
	}
	if c.administrative {
		return nil
	}
	return c.NegotiateQueues()
}

// CreateIOQueuePair configures CQ and SQ qid locally, then creates both on
// the device. A failure at any point rolls back everything this call
// built, device side included.
func (c *Controller) CreateIOQueuePair(qid uint16, qsize uint32, flags uint16) error {
	if c.administrative {
		return api.NewError(api.ErrCodeNotSupported, "administrative controller has no io queues").
			WithContext("bdf", c.bdf)
	}
	if qid == 0 || int(qid) >= len(c.sqs) || int(qid) >= len(c.cqs) {
		return api.NewError(api.ErrCodeInvalidArgument, "queue id outside negotiated range").
			WithContext("qid", qid).
			WithContext("nsqa", c.nsqa).
			WithContext("ncqa", c.ncqa)
	}
	cq, sq := c.cqs[qid], c.sqs[qid]
	if cq.configured() || sq.configured() {
		return api.NewError(api.ErrCodeInvalidArgument, "queue pair already configured").
			WithContext("qid", qid)
	}

	if err := cq.configure(c.pages, c.iommu, c.dbs, c.stride, qid, qsize); err != nil {
		return err
	}
	if err := sq.configure(c.pages, c.iommu, c.dbs, c.stride, qid, qsize, cq); err != nil {
		cq.discard()
		return err
	}

	ccq := nvme.NewCreateIOCQ(qid, qsize, cq.buf.IOVA())
	if _, err := c.adminExec(&ccq, nil); err != nil {
		sq.discard()
		cq.discard()
		return err
	}

	csq := nvme.NewCreateIOSQ(qid, qsize, qid, sq.ring.IOVA(), flags)
	if _, err := c.adminExec(&csq, nil); err != nil {
		dcq := nvme.NewDeleteIOCQ(qid)
		c.adminExec(&dcq, nil)
		sq.discard()
		cq.discard()
		return err
	}
	return nil
}

// DeleteIOQueuePair tears one pair down: the SQ is deleted on the device
// before its CQ, then both local descriptors are discarded.
func (c *Controller) DeleteIOQueuePair(qid uint16) error {
	if qid == 0 || int(qid) >= len(c.sqs) {
		return api.NewError(api.ErrCodeInvalidArgument, "queue id outside negotiated range").
			WithContext("qid", qid)
	}
	sq, cq := c.sqs[qid], c.cqs[qid]
	if !sq.configured() && !cq.configured() {
		return nil
	}

	dsq := nvme.NewDeleteIOSQ(qid)
	if _, err := c.adminExec(&dsq, nil); err != nil {
		return err
	}
	dcq := nvme.NewDeleteIOCQ(qid)
	if _, err := c.adminExec(&dcq, nil); err != nil {
		return err
	}
	sq.discard()
	return cq.discard()
}

// ExecSync carries one command through its round-trip on queue qid: a
// request context is acquired, a non-empty buf is ephemerally mapped and
// encoded into the entry's PRP fields, the entry is submitted, and the
// bound CQ is polled until this command's completion arrives. Async event
// completions observed on the admin queue are rerouted to their handler;
// completions with unknown identifiers are logged and skipped. When out
// is non-nil the completion is copied there; status interpretation is the
// caller's.
func (c *Controller) ExecSync(qid uint16, sqe *nvme.SQE, buf []byte, out *nvme.CQE) error {
	sq, err := c.submissionQueue(qid)
	if err != nil {
		return err
	}
	rq, err := sq.acquire()
	if err != nil {
		return err
	}

	ephemeral := false
	if len(buf) > 0 {
		iova, merr := c.iommu.MapEphemeral(buf)
		if merr != nil {
			sq.release(rq)
			return api.NewError(api.ErrCodeIoMapping, "ephemeral map failed").
				WithContext("length", len(buf))
		}
		ephemeral = true
		if perr := nvme.SetDataPointer(sqe, iova, uint64(len(buf)), c.pageSize, rq.page, rq.pageIOVA); perr != nil {
			c.iommu.FreeEphemeral(1)
			sq.release(rq)
			return api.NewError(api.ErrCodeInvalidArgument, perr.Error())
		}
	}

	sqe.CID = rq.cid
	sq.exec(sqe)
	c.count(MetricSubmitted)

	err = c.pollCompletion(sq, rq, out)

	sq.release(rq)
	if ephemeral {
		c.iommu.FreeEphemeral(1)
	}
	return err
}

// pollCompletion spins on the bound CQ until rq's completion shows up.
func (c *Controller) pollCompletion(sq *SubmissionQueue, rq *Request, out *nvme.CQE) error {
	for {
		cqe, ok := sq.cq.poll()
		if !ok {
			runtime.Gosched()
			continue
		}
		sq.cq.ringDoorbell()

		if sq.id == AdminQueueID && cqe.CID&nvme.AERBit != 0 {
			c.handleAsyncEvent(cqe)
			continue
		}
		if cqe.CID != rq.cid {
			log.Warn("spurious completion", "bdf", c.bdf, "sqid", sq.id, "cid", cqe.CID, "expect", rq.cid)
			c.count(MetricSpurious)
			continue
		}
		if out != nil {
			*out = cqe
		}
		c.count(MetricCompleted)
		return nil
	}
}

// adminExec runs one internal admin command synchronously and turns a
// non-zero completion status into a DeviceFailure error.
func (c *Controller) adminExec(sqe *nvme.SQE, buf []byte) (nvme.CQE, error) {
	var cqe nvme.CQE
	if err := c.ExecSync(AdminQueueID, sqe, buf, &cqe); err != nil {
		return cqe, err
	}
	if sc := cqe.StatusCode(); sc != 0 {
		return cqe, api.NewError(api.ErrCodeDevice, "admin command failed").
			WithContext("opcode", sqe.Opcode).
			WithContext("status", sc)
	}
	return cqe, nil
}

// Identify runs Identify Controller into a driver-owned page and decodes
// the result.
func (c *Controller) Identify() (*nvme.IdentifyController, error) {
	mem, err := c.pages.Alloc(1, nvme.IdentifyDataSize)
	if err != nil {
		return nil, api.NewError(api.ErrCodeIoMapping, "identify buffer allocation failed")
	}
	defer c.pages.Free(mem)

	sqe := nvme.NewIdentifyController()
	if _, err := c.adminExec(&sqe, mem[:nvme.IdentifyDataSize]); err != nil {
		return nil, err
	}
	return nvme.DecodeIdentifyController(mem)
}

// waitReady polls CSTS until RDY matches, bounded by the CAP.TO-derived
// deadline of 500·(TO+1) ms. A fatal-status controller fails the wait
// immediately when enabling.
func (c *Controller) waitReady(want bool) error {
	timeout := time.Duration(500*(uint64(c.cap.TO())+1)) * time.Millisecond
	start := time.Now()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Microsecond
	bo.MaxInterval = readyPollCeiling
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		csts := c.regs.Read32(nvme.RegCSTS)
		if (csts&nvme.CstsReady != 0) == want {
			return nil
		}
		if want && csts&nvme.CstsFatalStatus != 0 {
			return api.NewError(api.ErrCodeDevice, "controller fatal status during enable").
				WithContext("bdf", c.bdf)
		}
		elapsed := time.Since(start)
		if elapsed >= timeout {
			return api.NewError(api.ErrCodeTimeout, "ready wait deadline expired").
				WithContext("bdf", c.bdf).
				WithContext("timeout", timeout.String()).
				WithContext("want_ready", want)
		}
		d := bo.NextBackOff()
		if d == backoff.Stop || d > timeout-elapsed {
			d = timeout - elapsed
		}
		time.Sleep(d)
	}
}

// Close discards every configured SQ, then every CQ, unmaps both BAR
// windows and drops the device handle. Safe to call at any point after
// Open, any number of times.
func (c *Controller) Close() error {
	if c.state == StateClosed {
		return nil
	}
	for _, sq := range c.sqs {
		sq.discard()
	}
	for _, cq := range c.cqs {
		cq.discard()
	}
	if c.dbs != nil {
		c.dev.UnmapBar(0, nvme.DoorbellBase, c.dbs)
		c.dbs = nil
	}
	if c.regs != nil {
		c.dev.UnmapBar(0, 0, c.regs)
		c.regs = nil
	}
	err := c.dev.Close()
	if c.opts.Probes != nil {
		c.opts.Probes.UnregisterProbe("nvme." + c.bdf)
	}
	c.state = StateClosed
	return err
}

// submissionQueue validates qid and returns the configured queue.
func (c *Controller) submissionQueue(qid uint16) (*SubmissionQueue, error) {
	if int(qid) >= len(c.sqs) || !c.sqs[qid].configured() {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "no such submission queue").
			WithContext("qid", qid)
	}
	return c.sqs[qid], nil
}

// State reports the lifecycle state.
func (c *Controller) State() State { return c.state }

// Administrative reports whether the function exposes only the admin
// command set.
func (c *Controller) Administrative() bool { return c.administrative }

// Cap returns the decoded CAP register.
func (c *Controller) Cap() nvme.Cap { return c.cap }

// QueueCounts returns the negotiated zero-based I/O queue counts.
func (c *Controller) QueueCounts() (nsqa, ncqa uint16) { return c.nsqa, c.ncqa }

// SQ returns the submission queue descriptor for qid, or nil.
func (c *Controller) SQ(qid uint16) *SubmissionQueue {
	if int(qid) >= len(c.sqs) {
		return nil
	}
	return c.sqs[qid]
}

// CQ returns the completion queue descriptor for qid, or nil.
func (c *Controller) CQ(qid uint16) *CompletionQueue {
	if int(qid) >= len(c.cqs) {
		return nil
	}
	return c.cqs[qid]
}

// RegisterDump snapshots the property registers.
func (c *Controller) RegisterDump() map[string]uint64 {
	if c.regs == nil {
		return nil
	}
	return map[string]uint64{
		"cap":  c.regs.Read64(nvme.RegCAP),
		"vs":   uint64(c.regs.Read32(nvme.RegVS)),
		"cc":   uint64(c.regs.Read32(nvme.RegCC)),
		"csts": uint64(c.regs.Read32(nvme.RegCSTS)),
		"aqa":  uint64(c.regs.Read32(nvme.RegAQA)),
	}
}

// probe feeds the debug registry.
func (c *Controller) probe() any {
	out := map[string]any{
		"state":          c.state.String(),
		"administrative": c.administrative,
		"nsqa":           c.nsqa,
		"ncqa":           c.ncqa,
	}
	for _, sq := range c.sqs {
		if sq.configured() {
			out["sq"+uitoa(sq.id)+".free"] = sq.FreeRequests()
		}
	}
	return out
}

func (c *Controller) count(key string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.Inc(key)
	}
}

func minU16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

func uitoa(v uint16) string {
	if v == 0 {
		return "0"
	}
	var b [5]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	return string(b[i:])
}
