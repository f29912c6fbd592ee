// Package timesync estimates how far each client's clock is from the server's
// so capture timestamps on control messages can be compared with server time.
package timesync

import (
	"math"
	"sync"
	"time"

	"snowbiome/server/internal/logging"
)

// DriftWarnThreshold is the offset change that gets logged at warn level.
const DriftWarnThreshold = 250 * time.Millisecond

// Sample is the clock reading sent to a client that asked for one.
type Sample struct {
	Type        string `json:"type"`
	ServerMs    int64  `json:"server_ms"`
	SimulatedMs uint64 `json:"simulated_ms"`
	// EchoMs repeats the client's own timestamp so it can measure round trips.
	EchoMs int64 `json:"echo_ms,omitempty"`
	// OffsetMs is the recommended server minus client correction.
	OffsetMs int64 `json:"offset_ms"`
}

type clientClock struct {
	minOffset time.Duration
}

// Tracker keeps the smallest observed server minus client offset per client.
// Latency only ever adds to an observation, so the minimum approaches the
// clock skew plus the best-case transit time.
type Tracker struct {
	mu      sync.Mutex
	now     func() time.Time
	logger  *logging.Logger
	clients map[string]*clientClock
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the server clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker builds an empty tracker.
func NewTracker(logger *logging.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = logging.L()
	}
	t := &Tracker{now: time.Now, logger: logger, clients: make(map[string]*clientClock)}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Observe records the capture time a client stamped on a message.
func (t *Tracker) Observe(clientID string, sentAt time.Time) {
	if t == nil || clientID == "" || sentAt.IsZero() {
		return
	}
	offset := t.now().Sub(sentAt)

	t.mu.Lock()
	defer t.mu.Unlock()
	client := t.clients[clientID]
	if client == nil {
		t.clients[clientID] = &clientClock{minOffset: offset}
		return
	}
	if offset >= client.minOffset {
		return
	}
	//1.- A large improvement means the client clock jumped.
	if drift := client.minOffset - offset; drift > DriftWarnThreshold {
		t.logger.Warn("client clock drift",
			logging.String("client_id", clientID),
			logging.Int64("drift_ms", drift.Milliseconds()),
		)
	}
	client.minOffset = offset
}

// Adjust maps a client capture time onto the server clock. Unknown clients
// and zero times pass through unchanged.
func (t *Tracker) Adjust(clientID string, sentAt time.Time) time.Time {
	if t == nil || sentAt.IsZero() {
		return sentAt
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	client := t.clients[clientID]
	if client == nil {
		return sentAt
	}
	return sentAt.Add(client.minOffset)
}

// Offset reports the current estimate for a client.
func (t *Tracker) Offset(clientID string) (time.Duration, bool) {
	if t == nil {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	client := t.clients[clientID]
	if client == nil {
		return 0, false
	}
	return client.minOffset, true
}

// Sample answers a time sync request. echoMs is the client's timestamp on the
// request, zero when absent.
func (t *Tracker) Sample(clientID string, echoMs int64, simulatedMs uint64) Sample {
	sample := Sample{Type: "time", SimulatedMs: simulatedMs, EchoMs: echoMs}
	if t == nil {
		sample.ServerMs = time.Now().UnixMilli()
		return sample
	}
	sample.ServerMs = t.now().UnixMilli()
	if offset, ok := t.Offset(clientID); ok {
		sample.OffsetMs = int64(math.Round(float64(offset) / float64(time.Millisecond)))
	}
	return sample
}

// Forget drops the estimate of a disconnected client.
func (t *Tracker) Forget(clientID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.clients, clientID)
	t.mu.Unlock()
}
