package fake_test

import (
	"testing"

	"github.com/momentics/hioload-nvme/fake"
)

func TestMappingLifecycle(t *testing.T) {
	dev := fake.NewDevice()
	buf := make([]byte, 8192)

	iova, err := dev.Map(buf)
	if err != nil || iova == 0 {
		t.Fatalf("map: iova=%#x err=%v", iova, err)
	}
	if dev.MappingCount() != 1 {
		t.Fatalf("mapping count: %d", dev.MappingCount())
	}
	if err := dev.Unmap(buf); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if dev.MappingCount() != 0 {
		t.Fatalf("mapping count after unmap: %d", dev.MappingCount())
	}
	if err := dev.Unmap(buf); err == nil {
		t.Fatal("double unmap must fail")
	}
}

func TestEphemeralLIFO(t *testing.T) {
	dev := fake.NewDevice()
	a := make([]byte, 4096)
	b := make([]byte, 4096)
	if _, err := dev.MapEphemeral(a); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.MapEphemeral(b); err != nil {
		t.Fatal(err)
	}
	if err := dev.FreeEphemeral(2); err != nil {
		t.Fatalf("free ephemeral: %v", err)
	}
	if dev.MappingCount() != 0 {
		t.Fatalf("mapping count: %d", dev.MappingCount())
	}
	if err := dev.FreeEphemeral(1); err == nil {
		t.Fatal("underflow must fail")
	}
}

func TestAsyncEventQueuing(t *testing.T) {
	dev := fake.NewDevice()
	// With no outstanding AER the event is held, not dropped.
	dev.PostAsyncEvent(0x42)
	if dev.OutstandingAERs() != 0 {
		t.Fatalf("outstanding: %d", dev.OutstandingAERs())
	}
}

func TestOpenAfterClose(t *testing.T) {
	dev := fake.NewDevice()
	dev.Close()
	if _, err := dev.Open("0000:01:00.0"); err == nil {
		t.Fatal("open on closed device must fail")
	}
}
