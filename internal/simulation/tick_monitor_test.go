package simulation

import (
	"math"
	"testing"
	"time"
)

func TestTickMonitorAggregates(t *testing.T) {
	monitor := NewTickMonitor()
	monitor.Observe(2 * time.Millisecond)
	monitor.Observe(4 * time.Millisecond)
	monitor.Observe(0)

	snapshot := monitor.Snapshot()
	if snapshot.Samples != 2 {
		t.Fatalf("expected 2 samples, got %d", snapshot.Samples)
	}
	if snapshot.Average != 3*time.Millisecond || snapshot.Max != 4*time.Millisecond || snapshot.Last != 4*time.Millisecond {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if headroom := snapshot.Headroom(12 * time.Millisecond); math.Abs(headroom-0.75) > 1e-9 {
		t.Fatalf("expected 75%% headroom, got %.3f", headroom)
	}

	monitor.Reset()
	if monitor.Snapshot() != (FrameTimings{}) {
		t.Fatalf("expected reset monitor to be empty")
	}
}

func TestTickMonitorNilSafe(t *testing.T) {
	var monitor *TickMonitor
	monitor.Observe(time.Millisecond)
	monitor.Reset()
	if monitor.Snapshot().Samples != 0 {
		t.Fatalf("nil monitor must report no samples")
	}
}
