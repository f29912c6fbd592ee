package networking

import "sync"

// DropReason names why a snapshot was not delivered.
type DropReason string

const (
	// DropBandwidth means the client's bandwidth budget was exhausted.
	DropBandwidth DropReason = "bandwidth"
	// DropBackpressure means the client's outbound queue was full.
	DropBackpressure DropReason = "backpressure"
	// DropEncode means the snapshot could not be encoded.
	DropEncode DropReason = "encode"
)

// SnapshotMetrics tracks payload sizes and drop counters for snapshot delivery.
type SnapshotMetrics struct {
	mu        sync.RWMutex
	lastBytes map[string]int64
	sent      int64
	drops     map[DropReason]int64
}

// NewSnapshotMetrics constructs an empty metrics tracker.
func NewSnapshotMetrics() *SnapshotMetrics {
	return &SnapshotMetrics{
		lastBytes: make(map[string]int64),
		drops:     make(map[DropReason]int64),
	}
}

// ObserveSent records a delivered payload.
func (m *SnapshotMetrics) ObserveSent(clientID string, payloadBytes int) {
	if m == nil {
		return
	}
	size := int64(payloadBytes)
	if size < 0 {
		size = 0
	}
	m.mu.Lock()
	if clientID != "" {
		m.lastBytes[clientID] = size
	}
	m.sent++
	m.mu.Unlock()
}

// ObserveDrop counts an undelivered snapshot.
func (m *SnapshotMetrics) ObserveDrop(reason DropReason) {
	if m == nil || reason == "" {
		return
	}
	m.mu.Lock()
	m.drops[reason]++
	m.mu.Unlock()
}

// ForgetClient removes the gauge of a disconnected client.
func (m *SnapshotMetrics) ForgetClient(clientID string) {
	if m == nil || clientID == "" {
		return
	}
	m.mu.Lock()
	delete(m.lastBytes, clientID)
	m.mu.Unlock()
}

// BytesPerClient returns the latest payload size per client.
func (m *SnapshotMetrics) BytesPerClient() map[string]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.lastBytes) == 0 {
		return nil
	}
	out := make(map[string]int64, len(m.lastBytes))
	for clientID, size := range m.lastBytes {
		out[clientID] = size
	}
	return out
}

// Sent returns the number of delivered snapshots.
func (m *SnapshotMetrics) Sent() int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sent
}

// DropCounts returns the cumulative drops per reason.
func (m *SnapshotMetrics) DropCounts() map[DropReason]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.drops) == 0 {
		return nil
	}
	out := make(map[DropReason]int64, len(m.drops))
	for reason, count := range m.drops {
		out[reason] = count
	}
	return out
}
