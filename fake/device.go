// File: fake/device.go
// Package fake implements the controllable NVMe device model.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-nvme/api"
	"github.com/momentics/hioload-nvme/nvme"
)

// Error types for the fake device.
var (
	ErrDeviceClosed  = fmt.Errorf("fake device is closed")
	ErrNoSuchMapping = fmt.Errorf("no iommu mapping covers the address")
	ErrBadWindow     = fmt.Errorf("unsupported bar window")
)

const defaultClassCode = 0x010802

// devQueue models one device-side queue: ring base IOVA, depth and the
// producer/consumer index the device owns.
type devQueue struct {
	iova  uint64
	qsize uint32
	index uint32 // device SQ head or CQ tail
	phase uint8  // CQ only
	cqid  uint16 // SQ only
}

type mapping struct {
	iova uint64
	buf  []byte
}

// Device is a fake NVMe controller together with its passthrough plumbing.
// It implements api.PciProvider, api.PciDevice, api.IommuMapper and
// api.PageAllocator, so one instance stands in for the whole kernel
// facility. Admin commands execute synchronously inside SQ doorbell
// writes; completions land in guest CQ memory with correct phase wrap.
type Device struct {
	mu sync.Mutex

	classCode uint32
	cap       uint64

	cc   uint32
	csts uint32
	aqa  uint32
	asq  uint64
	acq  uint64

	sqs map[uint16]*devQueue
	cqs map[uint16]*devQueue

	mappings   []mapping
	ephemerals []uint64 // LIFO of ephemeral iova bases
	nextIOVA   uint64

	// pendingEvents holds event DW0s with no outstanding AER to complete;
	// outstandingAERs holds posted AER command ids waiting for an event.
	pendingEvents   *queue.Queue
	outstandingAERs *queue.Queue

	identify []byte

	neverReady     bool
	failStatus     map[uint8]uint16
	numQueuesReply *uint32

	barMaps    int
	pageAllocs int
	closed     bool
}

// NewDevice builds a device with CAP TO=4, DSTRD=0, MPSMIN=0, CSS=NVM and
// an MQES of 1023.
func NewDevice() *Device {
	d := &Device{
		classCode:       defaultClassCode,
		cap:             capValue(1023, 4, 0, nvme.CapCSSNVM, 0),
		sqs:             make(map[uint16]*devQueue),
		cqs:             make(map[uint16]*devQueue),
		pendingEvents:   queue.New(),
		outstandingAERs: queue.New(),
		identify:        defaultIdentify(),
		failStatus:      make(map[uint8]uint16),
		nextIOVA:        0x10000000,
	}
	return d
}

func capValue(mqes uint16, to uint8, dstrd uint8, css uint8, mpsmin uint8) uint64 {
	return uint64(mqes) |
		uint64(to)<<24 |
		uint64(dstrd&0xF)<<32 |
		uint64(css)<<37 |
		uint64(mpsmin&0xF)<<48
}

func defaultIdentify() []byte {
	buf := make([]byte, nvme.IdentifyDataSize)
	buf[0], buf[1] = 0x5A, 0x14 // vid 0x145A
	copy(buf[4:24], []byte("FAKE-SN-0001        "))
	copy(buf[24:64], []byte("hioload fake nvme controller            "))
	copy(buf[64:72], []byte("1.0     "))
	buf[77] = 5 // mdts
	buf[512] = 0x66
	buf[513] = 0x44
	buf[516] = 1 // one namespace
	return buf
}

// --- behavior knobs -------------------------------------------------------

// SetClassCode overrides the PCI class code returned to the driver.
func (d *Device) SetClassCode(class uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.classCode = class
}

// SetCap overrides the CAP register value.
func (d *Device) SetCap(cap uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cap = cap
}

// SetCapFields overrides CAP from decoded fields.
func (d *Device) SetCapFields(mqes uint16, to, dstrd, css, mpsmin uint8) {
	d.SetCap(capValue(mqes, to, dstrd, css, mpsmin))
}

// SetNeverReady keeps CSTS.RDY clear forever after enable, for timeout
// tests.
func (d *Device) SetNeverReady(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.neverReady = v
}

// FailCommand makes the admin opcode complete with the given status field
// value. Zero removes the injection.
func (d *Device) FailCommand(opcode uint8, status uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if status == 0 {
		delete(d.failStatus, opcode)
		return
	}
	d.failStatus[opcode] = status
}

// SetNumQueuesReply fixes the DW0 returned by Set Features (Number of
// Queues); both halves are zero-based per the wire format. Without it the
// device grants whatever was requested.
func (d *Device) SetNumQueuesReply(dw0 uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.numQueuesReply = &dw0
}

// SetIdentifyData replaces the Identify Controller payload.
func (d *Device) SetIdentifyData(buf []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identify = make([]byte, nvme.IdentifyDataSize)
	copy(d.identify, buf)
}

// PostAsyncEvent completes an outstanding Asynchronous Event Request with
// dw0, or holds the event until one is posted.
func (d *Device) PostAsyncEvent(dw0 uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.outstandingAERs.Length() > 0 {
		cid := d.outstandingAERs.Remove().(uint16)
		d.postCompletion(0, cid, 0, dw0, 0)
		return
	}
	d.pendingEvents.Add(dw0)
}

// PostSpuriousCompletion drops a completion with an arbitrary identifier
// into queue cqid, for mismatch handling tests.
func (d *Device) PostSpuriousCompletion(cqid, cid uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.postCompletion(cqid, cid, 0, 0, 0)
}

// MappingCount reports live IOMMU translations, persistent and ephemeral.
func (d *Device) MappingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mappings)
}

// BarMapCount reports live BAR windows.
func (d *Device) BarMapCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.barMaps
}

// OutstandingAERs reports how many async event requests await an event.
func (d *Device) OutstandingAERs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outstandingAERs.Length()
}

// --- api.PciProvider / api.PciDevice --------------------------------------

// Open implements api.PciProvider. Every bdf resolves to this device.
func (d *Device) Open(bdf string) (api.PciDevice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}
	return d, nil
}

// ClassCode implements api.PciDevice.
func (d *Device) ClassCode() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.classCode, nil
}

// MapBar implements api.PciDevice. The device exposes the property window
// at offset 0 and the doorbell window at 0x1000, both within BAR0.
func (d *Device) MapBar(barIndex int, offset, length uint64) (api.Mmio, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if barIndex != 0 || (offset != 0 && offset != nvme.DoorbellBase) {
		return nil, ErrBadWindow
	}
	d.barMaps++
	return &mmioWindow{dev: d, base: offset, length: length}, nil
}

// UnmapBar implements api.PciDevice.
func (d *Device) UnmapBar(barIndex int, offset uint64, m api.Mmio) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.barMaps--
	return nil
}

// Iommu implements api.PciDevice.
func (d *Device) Iommu() api.IommuMapper { return d }

// Close implements api.PciDevice. Idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// --- api.IommuMapper ------------------------------------------------------

// Map implements api.IommuMapper.
func (d *Device) Map(buf []byte) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.install(buf), nil
}

// Unmap implements api.IommuMapper.
func (d *Device) Unmap(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remove(buf)
}

// MapEphemeral implements api.IommuMapper.
func (d *Device) MapEphemeral(buf []byte) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	iova := d.install(buf)
	d.ephemerals = append(d.ephemerals, iova)
	return iova, nil
}

// FreeEphemeral implements api.IommuMapper, releasing the count most
// recent ephemeral translations in LIFO order.
func (d *Device) FreeEphemeral(count int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < count; i++ {
		if len(d.ephemerals) == 0 {
			return ErrNoSuchMapping
		}
		iova := d.ephemerals[len(d.ephemerals)-1]
		d.ephemerals = d.ephemerals[:len(d.ephemerals)-1]
		d.removeByIOVA(iova)
	}
	return nil
}

func (d *Device) install(buf []byte) uint64 {
	iova := d.nextIOVA
	d.nextIOVA += (uint64(len(buf)) + 0xFFF) &^ 0xFFF
	d.mappings = append(d.mappings, mapping{iova: iova, buf: buf})
	return iova
}

func (d *Device) remove(buf []byte) error {
	for i, m := range d.mappings {
		if len(m.buf) > 0 && len(buf) > 0 && &m.buf[0] == &buf[0] {
			d.mappings = append(d.mappings[:i], d.mappings[i+1:]...)
			return nil
		}
	}
	return ErrNoSuchMapping
}

func (d *Device) removeByIOVA(iova uint64) {
	for i, m := range d.mappings {
		if m.iova == iova {
			d.mappings = append(d.mappings[:i], d.mappings[i+1:]...)
			return
		}
	}
}

// memAt resolves device access to guest memory through the live
// translations.
func (d *Device) memAt(iova, length uint64) ([]byte, error) {
	for _, m := range d.mappings {
		if iova >= m.iova && iova+length <= m.iova+uint64(len(m.buf)) {
			off := iova - m.iova
			return m.buf[off : off+length], nil
		}
	}
	return nil, ErrNoSuchMapping
}

// --- api.PageAllocator ----------------------------------------------------

// Alloc implements api.PageAllocator.
func (d *Device) Alloc(count int, unit uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pageAllocs++
	length := (uint64(count)*unit + 0xFFF) &^ 0xFFF
	return make([]byte, length), nil
}

// Free implements api.PageAllocator.
func (d *Device) Free(mem []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pageAllocs--
	return nil
}

// PageSize implements api.PageAllocator.
func (d *Device) PageSize() uint64 { return 4096 }

// --- register model -------------------------------------------------------

func (d *Device) readReg(off uint64) uint64 {
	switch off {
	case nvme.RegCAP:
		return d.cap
	case nvme.RegVS:
		return 0x00010400 // 1.4
	case nvme.RegCC:
		return uint64(d.cc)
	case nvme.RegCSTS:
		return uint64(d.csts)
	case nvme.RegAQA:
		return uint64(d.aqa)
	case nvme.RegASQ:
		return d.asq
	case nvme.RegACQ:
		return d.acq
	default:
		return 0
	}
}

func (d *Device) writeReg(off uint64, v uint64, width int) {
	switch off {
	case nvme.RegCC:
		d.writeCC(uint32(v))
	case nvme.RegAQA:
		d.aqa = uint32(v)
	case nvme.RegASQ:
		if width == 4 {
			d.asq = d.asq&^uint64(0xFFFFFFFF) | v&0xFFFFFFFF
		} else {
			d.asq = v
		}
	case nvme.RegASQ + 4:
		d.asq = d.asq&0xFFFFFFFF | v<<32
	case nvme.RegACQ:
		if width == 4 {
			d.acq = d.acq&^uint64(0xFFFFFFFF) | v&0xFFFFFFFF
		} else {
			d.acq = v
		}
	case nvme.RegACQ + 4:
		d.acq = d.acq&0xFFFFFFFF | v<<32
	}
}

func (d *Device) writeCC(v uint32) {
	was := d.cc
	d.cc = v
	switch {
	case v&nvme.CCEnable != 0 && was&nvme.CCEnable == 0:
		if d.neverReady {
			return
		}
		// Latch the admin pair programmed before enable.
		d.sqs = map[uint16]*devQueue{0: {iova: d.asq, qsize: d.aqa&0xFFFF + 1, cqid: 0}}
		d.cqs = map[uint16]*devQueue{0: {iova: d.acq, qsize: (d.aqa>>16)&0xFFFF + 1, phase: 1}}
		d.csts |= nvme.CstsReady
	case v&nvme.CCEnable == 0 && was&nvme.CCEnable != 0:
		d.sqs = make(map[uint16]*devQueue)
		d.cqs = make(map[uint16]*devQueue)
		d.outstandingAERs = queue.New()
		d.csts &^= nvme.CstsReady
	}
}

// doorbell handles a write into the doorbell window. Even slots are SQ
// tails, odd slots CQ heads.
func (d *Device) doorbell(off uint64, v uint32) {
	stride := nvme.Cap(d.cap).DoorbellStride()
	slot := off / stride
	qid := uint16(slot / 2)
	if slot%2 == 1 {
		return // CQ head consumed; nothing to model
	}
	sq, ok := d.sqs[qid]
	if !ok {
		return
	}
	for sq.index != v%sq.qsize {
		mem, err := d.memAt(sq.iova+uint64(sq.index)*nvme.SQESize, nvme.SQESize)
		if err != nil {
			return
		}
		sqe, err := nvme.DecodeSQE(mem)
		if err != nil {
			return
		}
		sq.index = (sq.index + 1) % sq.qsize
		if qid == 0 {
			d.execAdmin(sqe, sq)
		} else {
			// I/O commands complete immediately with success.
			d.postCompletion(sq.cqid, sqe.CID, 0, 0, uint16(sq.index))
		}
	}
}

// execAdmin executes one admin command and posts its completion.
func (d *Device) execAdmin(sqe nvme.SQE, sq *devQueue) {
	if sqe.Opcode == nvme.AdminAsyncEventRequest {
		if d.pendingEvents.Length() > 0 {
			dw0 := d.pendingEvents.Remove().(uint32)
			d.postCompletion(sq.cqid, sqe.CID, 0, dw0, uint16(sq.index))
			return
		}
		d.outstandingAERs.Add(sqe.CID)
		return
	}

	status := d.failStatus[sqe.Opcode]
	var dw0 uint32
	if status == 0 {
		switch sqe.Opcode {
		case nvme.AdminIdentify:
			if sqe.Cdw10&0xFF == nvme.CNSController {
				if mem, err := d.memAt(sqe.PRP1, nvme.IdentifyDataSize); err == nil {
					copy(mem, d.identify)
				}
			}
		case nvme.AdminSetFeatures:
			if sqe.Cdw10&0xFF == nvme.FeatureNumberOfQueues {
				if d.numQueuesReply != nil {
					dw0 = *d.numQueuesReply
				} else {
					dw0 = sqe.Cdw11
				}
			}
		case nvme.AdminCreateIOCQ:
			qid := uint16(sqe.Cdw10 & 0xFFFF)
			d.cqs[qid] = &devQueue{iova: sqe.PRP1, qsize: sqe.Cdw10>>16 + 1, phase: 1}
		case nvme.AdminCreateIOSQ:
			qid := uint16(sqe.Cdw10 & 0xFFFF)
			d.sqs[qid] = &devQueue{iova: sqe.PRP1, qsize: sqe.Cdw10>>16 + 1, cqid: uint16(sqe.Cdw11 >> 16)}
		case nvme.AdminDeleteIOSQ:
			delete(d.sqs, uint16(sqe.Cdw10&0xFFFF))
		case nvme.AdminDeleteIOCQ:
			delete(d.cqs, uint16(sqe.Cdw10&0xFFFF))
		}
	}
	d.postCompletion(sq.cqid, sqe.CID, status, dw0, uint16(sq.index))
}

// postCompletion writes one CQE into guest CQ memory with the device's
// current phase, advancing tail and flipping phase on wrap.
func (d *Device) postCompletion(cqid, cid, status uint16, dw0 uint32, sqhead uint16) {
	cq, ok := d.cqs[cqid]
	if !ok {
		return
	}
	mem, err := d.memAt(cq.iova+uint64(cq.index)*nvme.CQESize, nvme.CQESize)
	if err != nil {
		return
	}
	cqe := nvme.CQE{
		DW0:    dw0,
		SQHead: sqhead,
		SQID:   cqid,
		CID:    cid,
		Status: status<<1 | uint16(cq.phase),
	}
	cqe.EncodeTo(mem)
	cq.index++
	if cq.index == cq.qsize {
		cq.index = 0
		cq.phase ^= 1
	}
}

// mmioWindow adapts one BAR window to api.Mmio, routing register and
// doorbell traffic into the device model.
type mmioWindow struct {
	dev    *Device
	base   uint64
	length uint64
}

func (w *mmioWindow) Read32(off uint64) uint32 {
	w.dev.mu.Lock()
	defer w.dev.mu.Unlock()
	if w.base == 0 {
		return uint32(w.dev.readReg(off))
	}
	return 0
}

func (w *mmioWindow) Read64(off uint64) uint64 {
	w.dev.mu.Lock()
	defer w.dev.mu.Unlock()
	if w.base == 0 {
		return w.dev.readReg(off)
	}
	return 0
}

func (w *mmioWindow) Write32(off uint64, v uint32) {
	w.dev.mu.Lock()
	defer w.dev.mu.Unlock()
	if w.base == 0 {
		w.dev.writeReg(off, uint64(v), 4)
		return
	}
	w.dev.doorbell(off, v)
}

func (w *mmioWindow) Write64(off uint64, v uint64) {
	w.dev.mu.Lock()
	defer w.dev.mu.Unlock()
	if w.base == 0 {
		w.dev.writeReg(off, v, 8)
	}
}

func (w *mmioWindow) WriteHL64(off uint64, v uint64) {
	w.dev.mu.Lock()
	defer w.dev.mu.Unlock()
	if w.base == 0 {
		w.dev.writeReg(off+4, v>>32, 4)
		w.dev.writeReg(off, v&0xFFFFFFFF, 4)
	}
}

func (w *mmioWindow) Len() uint64 { return w.length }
