package simulation

import (
	"sync"
	"time"
)

// FrameTimings summarises how long frame callbacks took to run.
type FrameTimings struct {
	Samples int
	Average time.Duration
	Max     time.Duration
	Last    time.Duration
}

// Headroom is the share of the frame interval left idle on average.
func (s FrameTimings) Headroom(interval time.Duration) float64 {
	if interval <= 0 || s.Samples == 0 {
		return 1
	}
	return 1 - float64(s.Average)/float64(interval)
}

// TickMonitor accumulates frame timing statistics. It is shared by every
// session loop so the metrics endpoint reports one server-wide view.
type TickMonitor struct {
	mu      sync.Mutex
	samples int
	total   time.Duration
	max     time.Duration
	last    time.Duration
}

// NewTickMonitor constructs an empty monitor ready to collect samples.
func NewTickMonitor() *TickMonitor {
	return &TickMonitor{}
}

// Observe records the duration of a completed frame.
func (m *TickMonitor) Observe(duration time.Duration) {
	if m == nil || duration <= 0 {
		return
	}
	m.mu.Lock()
	//1.- Count the sample and keep the worst case for spike detection.
	m.samples++
	m.total += duration
	if duration > m.max {
		m.max = duration
	}
	m.last = duration
	m.mu.Unlock()
}

// Snapshot returns a copy of the aggregated frame statistics.
func (m *TickMonitor) Snapshot() FrameTimings {
	if m == nil {
		return FrameTimings{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := FrameTimings{Samples: m.samples, Max: m.max, Last: m.last}
	if m.samples > 0 {
		out.Average = m.total / time.Duration(m.samples)
	}
	return out
}

// Reset clears the accumulated statistics.
func (m *TickMonitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.samples, m.total, m.max, m.last = 0, 0, 0, 0
	m.mu.Unlock()
}
