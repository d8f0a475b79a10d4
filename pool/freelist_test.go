package pool_test

import (
	"testing"

	"github.com/momentics/hioload-nvme/pool"
)

func TestFreeListLIFO(t *testing.T) {
	fl := pool.NewFreeList(4)
	if fl.Free() != 4 {
		t.Fatalf("expected 4 free, got %d", fl.Free())
	}
	// Fresh list pops descending from the top slot.
	for want := 3; want >= 0; want-- {
		got, ok := fl.Acquire()
		if !ok || got != want {
			t.Fatalf("expected slot %d, got %d ok=%v", want, got, ok)
		}
	}
	if _, ok := fl.Acquire(); ok {
		t.Fatal("acquire on empty list must fail")
	}

	fl.Release(1)
	fl.Release(2)
	got, _ := fl.Acquire()
	if got != 2 {
		t.Fatalf("expected most recently released slot 2, got %d", got)
	}
}

func TestFreeListReset(t *testing.T) {
	fl := pool.NewFreeList(3)
	fl.Acquire()
	fl.Acquire()
	fl.Reset()
	if fl.Free() != 3 {
		t.Fatalf("reset must return every slot, free=%d", fl.Free())
	}
}

func TestFreeListAccounting(t *testing.T) {
	fl := pool.NewFreeList(8)
	for i := 0; i < 100; i++ {
		s, ok := fl.Acquire()
		if !ok {
			t.Fatal("unexpected exhaustion")
		}
		fl.Release(s)
	}
	if fl.Free() != 8 {
		t.Fatalf("pool leaked: free=%d", fl.Free())
	}
}

func TestFreeListIgnoresBadSlot(t *testing.T) {
	fl := pool.NewFreeList(2)
	fl.Release(-1)
	fl.Release(99)
	if fl.Free() != 2 {
		t.Fatalf("out-of-range release must be ignored, free=%d", fl.Free())
	}
}
