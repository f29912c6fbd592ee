package input

import (
	"sync"
	"testing"
	"time"

	"snowbiome/server/internal/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestGateRejectsNonMonotonicSequence(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	gate := NewGate(GateConfig{MaxAge: 250 * time.Millisecond}, logging.NewTestLogger(), WithClock(clock))

	//1.- Accept the first message to seed the client.
	if first := gate.Evaluate(Message{ClientID: "conn-1", Sequence: 1}); !first.Accepted {
		t.Fatalf("first message unexpectedly rejected: %+v", first)
	}

	//2.- A replayed sequence and a zero sequence are both rejected.
	if second := gate.Evaluate(Message{ClientID: "conn-1", Sequence: 1}); second.Accepted || second.Reason != DropReasonSequence {
		t.Fatalf("expected sequence drop, got %+v", second)
	}
	if zero := gate.Evaluate(Message{ClientID: "conn-1"}); zero.Accepted {
		t.Fatalf("expected zero sequence to be rejected")
	}
	if got := gate.Metrics()["conn-1"].Sequence; got != 2 {
		t.Fatalf("sequence drops = %d, want 2", got)
	}
}

func TestGateDropsOnlyStaleLossyMessages(t *testing.T) {
	clock := &fakeClock{now: time.Unix(10, 0)}
	gate := NewGate(GateConfig{MaxAge: 100 * time.Millisecond}, logging.NewTestLogger(), WithClock(clock))
	sent := clock.Now().Add(-time.Second)

	//1.- A late look delta is dropped but a late key release still applies.
	look := gate.Evaluate(Message{ClientID: "c", Sequence: 1, SentAt: sent, Class: ClassLossy})
	if look.Accepted || look.Reason != DropReasonStale || look.Delay != time.Second {
		t.Fatalf("expected stale look drop, got %+v", look)
	}
	key := gate.Evaluate(Message{ClientID: "c", Sequence: 2, SentAt: sent, Class: ClassReliable})
	if !key.Accepted {
		t.Fatalf("reliable messages must not be dropped for age: %+v", key)
	}
}

func TestGateThrottlesThrows(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	gate := NewGate(GateConfig{MinInterval: 200 * time.Millisecond}, logging.NewTestLogger(), WithClock(clock))

	if d := gate.Evaluate(Message{ClientID: "c", Sequence: 1, Class: ClassThrottled}); !d.Accepted {
		t.Fatalf("first throw rejected: %+v", d)
	}
	clock.Advance(50 * time.Millisecond)
	if d := gate.Evaluate(Message{ClientID: "c", Sequence: 2, Class: ClassThrottled}); d.Accepted || d.Reason != DropReasonRateLimited {
		t.Fatalf("expected rate limit, got %+v", d)
	}
	//1.- Other classes are not affected by the throw cooldown.
	if d := gate.Evaluate(Message{ClientID: "c", Sequence: 3, Class: ClassLossy}); !d.Accepted {
		t.Fatalf("look rejected during throw cooldown: %+v", d)
	}
	clock.Advance(200 * time.Millisecond)
	if d := gate.Evaluate(Message{ClientID: "c", Sequence: 4, Class: ClassThrottled}); !d.Accepted {
		t.Fatalf("throw after cooldown rejected: %+v", d)
	}
}

func TestGateForgetResetsClient(t *testing.T) {
	gate := NewGate(GateConfig{}, logging.NewTestLogger())
	gate.Evaluate(Message{ClientID: "c", Sequence: 5})
	gate.Forget("c")
	if d := gate.Evaluate(Message{ClientID: "c", Sequence: 1}); !d.Accepted {
		t.Fatalf("expected a fresh client after forget: %+v", d)
	}
	if metrics := gate.Metrics(); metrics["c"].Total() != 0 {
		t.Fatalf("expected counters reset, got %+v", metrics["c"])
	}
}
