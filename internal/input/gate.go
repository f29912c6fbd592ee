package input

import (
	"sync"
	"time"

	"snowbiome/server/internal/logging"
)

// Clock exposes the current time for gating decisions.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now implements Clock by delegating to time.Now.
func (systemClock) Now() time.Time { return time.Now() }

// Class says how a control message may be treated when it arrives late or fast.
type Class int

const (
	// ClassReliable messages change held state (keys, screens) and are never dropped for age.
	ClassReliable Class = iota
	// ClassLossy messages carry transient deltas (look) and are dropped once stale.
	ClassLossy
	// ClassThrottled messages (throw releases) are limited to one per MinInterval.
	ClassThrottled
)

// GateConfig controls the freshness and throughput checks.
type GateConfig struct {
	MaxAge      time.Duration
	MinInterval time.Duration
}

// DropReason enumerates why a message was rejected by the gate.
type DropReason string

const (
	DropReasonNone        DropReason = ""
	DropReasonSequence    DropReason = "sequence"
	DropReasonStale       DropReason = "stale"
	DropReasonRateLimited DropReason = "rate_limit"
)

// Decision summarises whether a message passed the gate.
type Decision struct {
	Accepted bool
	Reason   DropReason
	Delay    time.Duration
}

// Message carries the metadata the gate needs from a control message.
type Message struct {
	ClientID string
	Sequence uint64
	SentAt   time.Time
	Class    Class
}

// DropCounters aggregates per-reason drop counts.
type DropCounters struct {
	Sequence    uint64 `json:"sequence"`
	Stale       uint64 `json:"stale"`
	RateLimited uint64 `json:"rate_limited"`
}

// Total sums every reason.
func (c DropCounters) Total() uint64 {
	return c.Sequence + c.Stale + c.RateLimited
}

type gateClient struct {
	lastSequence  uint64
	lastThrottled time.Time
	drops         DropCounters
}

// Gate rejects duplicated or reordered control messages, stale look deltas and
// throw spam. It keeps one entry per connected client.
type Gate struct {
	mu      sync.Mutex
	cfg     GateConfig
	clock   Clock
	logger  *logging.Logger
	clients map[string]*gateClient
}

// GateOption customises gate construction.
type GateOption func(*Gate)

// WithClock overrides the clock used for latency calculations.
func WithClock(clock Clock) GateOption {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGate constructs a gate with the supplied configuration and logger.
func NewGate(cfg GateConfig, logger *logging.Logger, opts ...GateOption) *Gate {
	//1.- Non-positive limits disable the matching check.
	if cfg.MaxAge < 0 {
		cfg.MaxAge = 0
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	gate := &Gate{
		cfg:     cfg,
		clock:   systemClock{},
		logger:  logger,
		clients: make(map[string]*gateClient),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gate)
		}
	}
	return gate
}

// Evaluate applies the sequencing, freshness and throughput checks to msg.
func (g *Gate) Evaluate(msg Message) Decision {
	decision := Decision{Accepted: true}
	if g == nil || msg.ClientID == "" {
		return decision
	}
	now := g.clock.Now()
	if !msg.SentAt.IsZero() {
		if delay := now.Sub(msg.SentAt); delay > 0 {
			decision.Delay = delay
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	client := g.clients[msg.ClientID]
	if client == nil {
		client = &gateClient{}
		g.clients[msg.ClientID] = client
	}

	//1.- Sequence numbers start at one and must strictly increase.
	switch {
	case msg.Sequence == 0 || msg.Sequence <= client.lastSequence:
		decision.Reason = DropReasonSequence
	case msg.Class == ClassLossy && g.cfg.MaxAge > 0 && decision.Delay > g.cfg.MaxAge:
		decision.Reason = DropReasonStale
	case msg.Class == ClassThrottled && g.cfg.MinInterval > 0 && !client.lastThrottled.IsZero() &&
		now.Sub(client.lastThrottled) < g.cfg.MinInterval:
		decision.Reason = DropReasonRateLimited
	}

	if decision.Reason != DropReasonNone {
		decision.Accepted = false
		g.countLocked(client, msg.ClientID, decision.Reason)
		return decision
	}

	//2.- Promote the message as the latest accepted one.
	client.lastSequence = msg.Sequence
	if msg.Class == ClassThrottled {
		client.lastThrottled = now
	}
	return decision
}

func (g *Gate) countLocked(client *gateClient, clientID string, reason DropReason) {
	switch reason {
	case DropReasonSequence:
		client.drops.Sequence++
	case DropReasonStale:
		client.drops.Stale++
	case DropReasonRateLimited:
		client.drops.RateLimited++
	}
	g.logger.Debug("control message dropped",
		logging.String("client_id", clientID),
		logging.String("reason", string(reason)),
	)
}

// Forget clears cached sequencing and counters for a disconnected client.
func (g *Gate) Forget(clientID string) {
	if g == nil || clientID == "" {
		return
	}
	g.mu.Lock()
	delete(g.clients, clientID)
	g.mu.Unlock()
}

// Metrics returns a snapshot of the drop counters of every tracked client.
func (g *Gate) Metrics() map[string]DropCounters {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.clients) == 0 {
		return nil
	}
	out := make(map[string]DropCounters, len(g.clients))
	for clientID, client := range g.clients {
		out[clientID] = client.drops
	}
	return out
}
