package control_test

import (
	"testing"

	"github.com/momentics/hioload-nvme/control"
)

func TestMetricsCounters(t *testing.T) {
	mr := control.NewMetricsRegistry()
	mr.Inc("a")
	mr.Add("a", 2)
	mr.Set("b", 7)
	if mr.Get("a") != 3 || mr.Get("b") != 7 {
		t.Fatalf("counters: a=%d b=%d", mr.Get("a"), mr.Get("b"))
	}
	snap := mr.GetSnapshot()
	snap["a"] = 99
	if mr.Get("a") != 3 {
		t.Fatal("snapshot must be a copy")
	}
}

func TestDebugProbes(t *testing.T) {
	dp := control.NewDebugProbes()
	dp.RegisterProbe("x", func() any { return 1 })
	if dp.DumpState()["x"] != 1 {
		t.Fatal("probe output missing")
	}
	dp.UnregisterProbe("x")
	if _, ok := dp.DumpState()["x"]; ok {
		t.Fatal("probe must be removed")
	}
}
