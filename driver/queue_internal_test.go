// File: driver/queue_internal_test.go
// Author: momentics <momentics@gmail.com>
//
// White-box checks of the ring engines: phase tracking, doorbell
// discipline, pool linkage and descriptor zeroing.

package driver

import (
	"errors"
	"testing"

	"github.com/momentics/hioload-nvme/api"
	"github.com/momentics/hioload-nvme/nvme"
)

// dbStub records doorbell writes.
type dbStub struct {
	writes []uint32
	offs   []uint64
}

func (s *dbStub) Read32(uint64) uint32         { return 0 }
func (s *dbStub) Read64(uint64) uint64         { return 0 }
func (s *dbStub) Write32(off uint64, v uint32) { s.offs = append(s.offs, off); s.writes = append(s.writes, v) }
func (s *dbStub) Write64(uint64, uint64)       {}
func (s *dbStub) WriteHL64(uint64, uint64)     {}
func (s *dbStub) Len() uint64                  { return 0x1000 }

func newTestCQ(t *testing.T, qsize uint32) (*CompletionQueue, *dbStub) {
	t.Helper()
	cq := new(CompletionQueue)
	db := &dbStub{}
	err := cq.configure(&api.MockPageAllocator{}, &api.MockIommuMapper{}, db, 4, 1, qsize)
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	return cq, db
}

func postCQE(cq *CompletionQueue, slot uint32, cid uint16, phase uint8) {
	cqe := nvme.CQE{CID: cid, Status: uint16(phase)}
	cqe.EncodeTo(cq.buf.Bytes()[slot*nvme.CQESize:])
}

func TestCQPhaseTracking(t *testing.T) {
	cq, db := newTestCQ(t, 4)

	if _, ok := cq.poll(); ok {
		t.Fatal("empty ring must not produce an entry")
	}

	// First pass posts with phase 1.
	for i := uint32(0); i < 4; i++ {
		postCQE(cq, i, uint16(i), 1)
	}
	for i := uint32(0); i < 4; i++ {
		cqe, ok := cq.poll()
		if !ok || cqe.CID != uint16(i) {
			t.Fatalf("pass 1 slot %d: ok=%v cid=%d", i, ok, cqe.CID)
		}
		cq.ringDoorbell()
	}

	// Stale phase-1 entries from the first pass must not be consumed.
	if _, ok := cq.poll(); ok {
		t.Fatal("phase must flip at wrap; stale entry consumed")
	}

	// Second pass posts with phase 0.
	postCQE(cq, 0, 9, 0)
	cqe, ok := cq.poll()
	if !ok || cqe.CID != 9 {
		t.Fatalf("pass 2: ok=%v cid=%d", ok, cqe.CID)
	}
	cq.ringDoorbell()

	// Head doorbell values are non-decreasing within a pass and wrap to 0.
	want := []uint32{1, 2, 3, 0, 1}
	for i, v := range db.writes {
		if v != want[i] {
			t.Fatalf("doorbell write %d: want %d got %d", i, want[i], v)
		}
	}
	// CQ head doorbell sits at the odd slot for qid 1.
	if db.offs[0] != nvme.CQDoorbellOffset(1, 4) {
		t.Fatalf("cq doorbell offset: got %#x", db.offs[0])
	}
}

func TestCQConfigureRejectsTinyQueue(t *testing.T) {
	cq := new(CompletionQueue)
	err := cq.configure(&api.MockPageAllocator{}, &api.MockIommuMapper{}, &dbStub{}, 4, 1, 1)
	if !errors.Is(err, api.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestCQDiscardIdempotent(t *testing.T) {
	cq := new(CompletionQueue)
	if err := cq.discard(); err != nil {
		t.Fatalf("discard on fresh descriptor: %v", err)
	}

	cq, _ = newTestCQ(t, 4)
	if err := cq.discard(); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if cq.configured() || cq.id != 0 || cq.qsize != 0 || cq.head != 0 || cq.phase != 0 {
		t.Fatal("discard must zero the descriptor")
	}
	if err := cq.discard(); err != nil {
		t.Fatalf("second discard: %v", err)
	}
}

func newTestSQ(t *testing.T, qsize uint32) (*SubmissionQueue, *dbStub) {
	t.Helper()
	sq := new(SubmissionQueue)
	db := &dbStub{}
	err := sq.configure(&api.MockPageAllocator{}, &api.MockIommuMapper{}, db, 4, 1, qsize, nil)
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	return sq, db
}

func TestSQPoolShape(t *testing.T) {
	sq, _ := newTestSQ(t, 8)
	if len(sq.rqs) != 7 {
		t.Fatalf("expected qsize-1 contexts, got %d", len(sq.rqs))
	}
	// Free-list head is the last context.
	rq, err := sq.acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if rq.cid != 6 {
		t.Fatalf("expected context %d first, got %d", 6, rq.cid)
	}
	if rq.pageIOVA != sq.slots.IOVA()+uint64(rq.cid)*4096 {
		t.Fatal("scratch page iova must follow the slot index")
	}
	if len(rq.page) != 4096 {
		t.Fatalf("scratch page length %d", len(rq.page))
	}
	sq.release(rq)
	if sq.FreeRequests() != 7 {
		t.Fatalf("release leaked: free=%d", sq.FreeRequests())
	}
}

func TestSQExecRingAndDoorbell(t *testing.T) {
	sq, db := newTestSQ(t, 4)
	for i := 0; i < 5; i++ {
		sqe := nvme.SQE{Opcode: 0x0C, CID: uint16(i)}
		sq.exec(&sqe)
	}
	// Tail doorbell advances monotonically modulo qsize.
	want := []uint32{1, 2, 3, 0, 1}
	for i, v := range db.writes {
		if v != want[i] {
			t.Fatalf("tail write %d: want %d got %d", i, want[i], v)
		}
	}
	if db.offs[0] != nvme.SQDoorbellOffset(1, 4) {
		t.Fatalf("sq doorbell offset: got %#x", db.offs[0])
	}
	// Slot 0 holds the wrapped fifth entry.
	got, err := nvme.DecodeSQE(sq.ring.Bytes()[:nvme.SQESize])
	if err != nil || got.CID != 4 {
		t.Fatalf("ring slot 0: cid=%d err=%v", got.CID, err)
	}
}

func TestSQDiscardIdempotent(t *testing.T) {
	sq := new(SubmissionQueue)
	if err := sq.discard(); err != nil {
		t.Fatalf("discard on fresh descriptor: %v", err)
	}
	sq, _ = newTestSQ(t, 4)
	if err := sq.discard(); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if sq.configured() || sq.tail != 0 || sq.rqs != nil || sq.fl != nil {
		t.Fatal("discard must zero the descriptor")
	}
	if err := sq.discard(); err != nil {
		t.Fatalf("second discard: %v", err)
	}
}

func TestSQAcquireBusy(t *testing.T) {
	sq, _ := newTestSQ(t, 2)
	if _, err := sq.acquire(); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	_, err := sq.acquire()
	if !errors.Is(err, api.ErrBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
}

func TestDMABufferMapFailureReleasesPages(t *testing.T) {
	pages := &api.MockPageAllocator{}
	iommu := &api.MockIommuMapper{
		MapFunc: func([]byte) (uint64, error) { return 0, errors.New("boom") },
	}
	_, err := NewDMABuffer(pages, iommu, 1, 4096)
	if !errors.Is(err, api.ErrIoMappingFailed) {
		t.Fatalf("expected io mapping failure, got %v", err)
	}
	if pages.Frees != 1 {
		t.Fatalf("pages must be released on map failure, frees=%d", pages.Frees)
	}
}

func TestDMABufferCloseOrderAndIdempotence(t *testing.T) {
	pages := &api.MockPageAllocator{}
	iommu := &api.MockIommuMapper{}
	unmapsAtFree := -1
	pages.FreeFunc = func([]byte) error {
		unmapsAtFree = iommu.Unmapped
		return nil
	}
	buf, err := NewDMABuffer(pages, iommu, 2, 4096)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if buf.Len() != 8192 || buf.IOVA() == 0 {
		t.Fatalf("unexpected geometry len=%d iova=%#x", buf.Len(), buf.IOVA())
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if iommu.Unmapped != 1 || pages.Frees != 1 {
		t.Fatalf("close must unmap then free exactly once: unmaps=%d frees=%d",
			iommu.Unmapped, pages.Frees)
	}
	if unmapsAtFree != 1 {
		t.Fatalf("iommu unmap must precede page free: unmaps at free=%d", unmapsAtFree)
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if iommu.Unmapped != 1 || pages.Frees != 1 {
		t.Fatal("second close must be a no-op")
	}
}
