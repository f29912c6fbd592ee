package networking

import (
	"math"
	"testing"
	"time"
)

func TestBandwidthRegulatorEnforcesRate(t *testing.T) {
	current := time.Unix(0, 0)
	regulator := NewBandwidthRegulator(1000, func() time.Time { return current })

	//1.- The bucket holds half a second of traffic.
	if !regulator.Allow("client-1", 300) {
		t.Fatalf("expected the initial burst to be allowed")
	}
	if regulator.Allow("client-1", 300) {
		t.Fatalf("expected the payload to be throttled while tokens are depleted")
	}
	current = current.Add(200 * time.Millisecond)
	if !regulator.Allow("client-1", 300) {
		t.Fatalf("expected the payload to pass after a partial refill")
	}

	//2.- Oversized payloads wait for a full bucket instead of starving forever.
	if regulator.Allow("client-1", 5000) {
		t.Fatalf("expected the oversized payload to wait")
	}
	current = current.Add(time.Second)
	if !regulator.Allow("client-1", 5000) {
		t.Fatalf("expected the oversized payload once the bucket refilled")
	}

	usage := regulator.SnapshotUsage()["client-1"]
	if usage.Delivered != 3 || usage.Denied != 2 || usage.SentBytes != 5600 {
		t.Fatalf("unexpected usage %+v", usage)
	}
	if math.Abs(usage.ObservedSeconds-1.2) > 1e-9 {
		t.Fatalf("expected a 1.2s window, got %v", usage.ObservedSeconds)
	}
	if usage.AvailableBytes != 0 {
		t.Fatalf("expected an empty bucket, got %v", usage.AvailableBytes)
	}
}

func TestBandwidthRegulatorForgetAndDisable(t *testing.T) {
	regulator := NewBandwidthRegulator(0, nil)
	if !regulator.Allow("client-1", 10) {
		t.Fatalf("expected the default rate to allow a small payload")
	}
	regulator.Forget("client-1")
	if usage := regulator.SnapshotUsage(); usage != nil {
		t.Fatalf("expected forgotten clients to disappear, got %v", usage)
	}

	disabled := NewBandwidthRegulator(-1, nil)
	if disabled != nil {
		t.Fatalf("expected a negative rate to disable throttling")
	}
	if !disabled.Allow("client-1", 1<<30) {
		t.Fatalf("a nil regulator must allow everything")
	}
}
