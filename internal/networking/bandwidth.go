package networking

import (
	"math"
	"sync"
	"time"
)

const (
	// DefaultBytesPerSecond caps per-client snapshot throughput when no rate is configured.
	DefaultBytesPerSecond = 256 * 1024
	// DefaultBurstSeconds sizes the bucket as this many seconds of traffic.
	DefaultBurstSeconds = 0.5
)

// BandwidthUsage captures the throttling state for a single client.
type BandwidthUsage struct {
	ClientID        string    `json:"clientId"`
	AvailableBytes  float64   `json:"availableBytes"`
	BytesPerSecond  float64   `json:"bytesPerSecond"`
	ObservedSeconds float64   `json:"observedSeconds"`
	SentBytes       int64     `json:"sentBytes"`
	Delivered       int64     `json:"delivered"`
	Denied          int64     `json:"denied"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

type bandwidthBucket struct {
	tokens    float64
	last      time.Time
	since     time.Time
	sent      int64
	delivered int64
	denied    int64
}

// BandwidthRegulator enforces a token bucket per client. A frame that does not
// fit is skipped; the next one is tried on its own merits, so a slow link sees
// a lower snapshot rate rather than growing latency.
type BandwidthRegulator struct {
	mu       sync.Mutex
	buckets  map[string]*bandwidthBucket
	capacity float64
	refill   float64
	now      func() time.Time
}

// NewBandwidthRegulator constructs a regulator for the byte rate. A zero rate
// selects DefaultBytesPerSecond; a negative rate disables throttling.
func NewBandwidthRegulator(bytesPerSecond float64, clock func() time.Time) *BandwidthRegulator {
	if bytesPerSecond < 0 {
		return nil
	}
	if bytesPerSecond == 0 {
		bytesPerSecond = DefaultBytesPerSecond
	}
	if clock == nil {
		clock = time.Now
	}
	return &BandwidthRegulator{
		buckets:  make(map[string]*bandwidthBucket),
		capacity: bytesPerSecond * DefaultBurstSeconds,
		refill:   bytesPerSecond,
		now:      clock,
	}
}

func (r *BandwidthRegulator) replenish(bucket *bandwidthBucket, now time.Time) {
	//1.- Ignore clock steps backwards.
	if !now.After(bucket.last) {
		return
	}
	bucket.tokens = math.Min(r.capacity, bucket.tokens+now.Sub(bucket.last).Seconds()*r.refill)
	bucket.last = now
}

// Allow charges payloadBytes against the client's budget. A nil regulator allows everything.
func (r *BandwidthRegulator) Allow(clientID string, payloadBytes int) bool {
	if r == nil || clientID == "" || payloadBytes <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	bucket := r.buckets[clientID]
	if bucket == nil {
		//1.- New clients start with a full bucket so the first snapshot goes out at once.
		bucket = &bandwidthBucket{tokens: r.capacity, last: now, since: now}
		r.buckets[clientID] = bucket
	}
	r.replenish(bucket, now)

	//2.- A payload larger than the whole bucket is allowed once the bucket is full,
	//    otherwise a big level would never be delivered.
	request := math.Min(float64(payloadBytes), r.capacity)
	if request > bucket.tokens {
		bucket.denied++
		return false
	}
	bucket.tokens -= request
	bucket.sent += int64(payloadBytes)
	bucket.delivered++
	return true
}

// Forget removes the bucket of a disconnected client.
func (r *BandwidthRegulator) Forget(clientID string) {
	if r == nil || clientID == "" {
		return
	}
	r.mu.Lock()
	delete(r.buckets, clientID)
	r.mu.Unlock()
}

// SnapshotUsage reports the throttling statistics per client.
func (r *BandwidthRegulator) SnapshotUsage() map[string]BandwidthUsage {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buckets) == 0 {
		return nil
	}
	now := r.now()
	out := make(map[string]BandwidthUsage, len(r.buckets))
	for clientID, bucket := range r.buckets {
		r.replenish(bucket, now)
		observed := math.Max(now.Sub(bucket.since).Seconds(), 0)
		rate := 0.0
		if observed > 0 {
			rate = float64(bucket.sent) / observed
		}
		out[clientID] = BandwidthUsage{
			ClientID:        clientID,
			AvailableBytes:  math.Max(bucket.tokens, 0),
			BytesPerSecond:  rate,
			ObservedSeconds: observed,
			SentBytes:       bucket.sent,
			Delivered:       bucket.delivered,
			Denied:          bucket.denied,
			LastUpdated:     bucket.last,
		}
	}
	return out
}
