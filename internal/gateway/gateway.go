// Package gateway serves the websocket endpoint browser clients play through.
// Every connection owns one session: control messages flow in, snapshots flow
// out.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"snowbiome/server/internal/input"
	"snowbiome/server/internal/logging"
	"snowbiome/server/internal/networking"
	"snowbiome/server/internal/screen"
	"snowbiome/server/internal/session"
	"snowbiome/server/internal/timesync"
)

const (
	// DefaultPingInterval is the keepalive cadence of idle connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes bounds inbound frames.
	DefaultMaxPayloadBytes int64 = 64 << 10

	writeWait      = 10 * time.Second
	snapshotBuffer = 4
	replyBuffer    = 16
)

// SessionManager opens and closes the session behind a connection.
type SessionManager interface {
	Open(session.OpenRequest) (*session.SessionState, error)
	Close(id string) error
}

// Config carries the connection limits.
type Config struct {
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithAuthenticator replaces the anonymous default.
func WithAuthenticator(a Authenticator) Option {
	return func(g *Gateway) {
		if a != nil {
			g.auth = a
		}
	}
}

// WithGate sets the sequencing and freshness gate for control messages.
func WithGate(gate *input.Gate) Option {
	return func(g *Gateway) {
		if gate != nil {
			g.gate = gate
		}
	}
}

// WithValidator sets the range validator for control messages.
func WithValidator(v *input.Validator) Option {
	return func(g *Gateway) {
		if v != nil {
			g.validator = v
		}
	}
}

// WithTimeSync sets the tracker that maps client capture times onto server time.
func WithTimeSync(t *timesync.Tracker) Option {
	return func(g *Gateway) {
		if t != nil {
			g.clocks = t
		}
	}
}

// WithBandwidth caps outbound snapshot bytes per client.
func WithBandwidth(r *networking.BandwidthRegulator) Option {
	return func(g *Gateway) { g.bandwidth = r }
}

// WithMetrics records delivered and dropped snapshots.
func WithMetrics(m *networking.SnapshotMetrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(logger *logging.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithClock injects the clock used to time throws.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// Gateway upgrades HTTP requests into player connections.
type Gateway struct {
	cfg       Config
	sessions  SessionManager
	auth      Authenticator
	gate      *input.Gate
	validator *input.Validator
	clocks    *timesync.Tracker
	bandwidth *networking.BandwidthRegulator
	metrics   *networking.SnapshotMetrics
	logger    *logging.Logger
	now       func() time.Time
	origins   map[string]struct{}
	upgrader  websocket.Upgrader

	clients atomic.Int64
	wg      sync.WaitGroup
}

// New builds a gateway over the session manager.
func New(sessions SessionManager, cfg Config, opts ...Option) *Gateway {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	g := &Gateway{
		cfg:      cfg,
		sessions: sessions,
		auth:     AllowAll{},
		logger:   logging.L(),
		now:      time.Now,
		origins:  make(map[string]struct{}, len(cfg.AllowedOrigins)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.gate == nil {
		g.gate = input.NewGate(input.GateConfig{}, g.logger)
	}
	if g.validator == nil {
		g.validator = input.NewValidator(input.DefaultControlConstraints, g.logger)
	}
	if g.clocks == nil {
		g.clocks = timesync.NewTracker(g.logger)
	}
	for _, origin := range cfg.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			g.origins[strings.ToLower(origin)] = struct{}{}
		}
	}
	//1.- Origins are checked before the session opens, so the upgrader accepts everything.
	g.upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return g
}

// Clients reports how many connections are open.
func (g *Gateway) Clients() int {
	if g == nil {
		return 0
	}
	return int(g.clients.Load())
}

// Wait blocks until every connection has finished or ctx is done.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) originAllowed(r *http.Request) bool {
	if len(g.origins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if _, ok := g.origins["*"]; ok {
		return true
	}
	_, ok := g.origins[strings.ToLower(origin)]
	return ok
}

// ServeHTTP authenticates the request, opens a session and runs the
// connection until either side closes it.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := logging.LoggerFromContext(r.Context())
	if !g.originAllowed(r) {
		logger.Warn("websocket origin rejected", logging.String("origin", r.Header.Get("Origin")))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	identity, err := g.auth.Authenticate(r)
	if err != nil {
		logger.Warn("websocket authentication failed", logging.Error(err), logging.String("remote_addr", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	format, err := networking.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	codec, err := networking.CodecFor(format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	level := strings.TrimSpace(r.URL.Query().Get("level"))
	if level == "" {
		level = identity.Level
	}

	state, err := g.sessions.Open(session.OpenRequest{Subject: identity.Subject, Level: level})
	if err != nil {
		logger.Warn("session open failed", logging.Error(err), logging.String("level", level))
		if errors.Is(err, session.ErrManagerFull) {
			http.Error(w, "server full", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", logging.Error(err))
		_ = g.sessions.Close(state.ID())
		return
	}

	c := &connection{
		g:       g,
		conn:    conn,
		state:   state,
		codec:   codec,
		id:      state.ID(),
		logger:  logger.With(logging.String("session_id", state.ID())),
		replies: make(chan any, replyBuffer),
		done:    make(chan struct{}),
	}
	g.wg.Add(1)
	g.clients.Add(1)
	defer func() {
		g.clients.Add(-1)
		g.wg.Done()
	}()
	c.logger.Info("websocket connected", logging.String("remote_addr", r.RemoteAddr), logging.String("format", string(format)))
	c.run()
}

func (g *Gateway) forget(clientID string) {
	g.gate.Forget(clientID)
	g.validator.Forget(clientID)
	g.clocks.Forget(clientID)
	g.bandwidth.Forget(clientID)
	g.metrics.ForgetClient(clientID)
}

type connection struct {
	g       *Gateway
	conn    *websocket.Conn
	state   *session.SessionState
	codec   networking.Codec
	id      string
	logger  *logging.Logger
	replies chan any
	done    chan struct{}
}

func (c *connection) run() {
	//1.- Subscribe before reading so a snapshot published by the first command is not missed.
	snapshots, unsubscribe := c.state.Subscribe(snapshotBuffer)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(snapshots)
	}()

	c.readLoop()
	close(c.done)
	unsubscribe()
	<-writerDone

	_ = c.conn.Close()
	c.g.forget(c.id)
	if err := c.g.sessions.Close(c.id); err != nil && !errors.Is(err, session.ErrNotFound) {
		c.logger.Warn("session close failed", logging.Error(err))
	}
	c.logger.Info("websocket disconnected")
}

func (c *connection) readLoop() {
	wait := 2 * c.g.cfg.PingInterval
	c.conn.SetReadLimit(c.g.cfg.MaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		kind, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("websocket read failed", logging.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		if kind != websocket.TextMessage {
			c.reply(Reply{Type: "error", Reason: "text_only"})
			continue
		}
		msg, err := decodeControl(raw)
		if err != nil {
			c.logger.Debug("control message rejected", logging.Error(err))
			c.reply(Reply{Type: "error", Reason: "malformed"})
			continue
		}
		if !c.handle(msg) {
			return
		}
	}
}

// handle validates, gates and applies one message. It returns false when the
// client must be disconnected.
func (c *connection) handle(msg *ControlMessage) bool {
	//1.- Range checks run first so a rejected message never advances the sequence.
	verdict := c.g.validator.Validate(c.id, msg.control())
	if !verdict.Accepted {
		if verdict.Disconnect {
			c.logger.Warn("disconnecting client after repeated invalid controls", logging.String("reason", string(verdict.Reason)))
			closing := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(verdict.Reason))
			_ = c.conn.WriteControl(websocket.CloseMessage, closing, time.Now().Add(writeWait))
			return false
		}
		c.reply(Reply{Type: "error", Seq: msg.Seq, Reason: string(verdict.Reason)})
		return true
	}

	//2.- Capture times are judged on the server clock.
	sentAt := msg.SentAt()
	c.g.clocks.Observe(c.id, sentAt)
	sentAt = c.g.clocks.Adjust(c.id, sentAt)

	//3.- Gate drops are silent; the gate keeps per-client counters.
	class, _ := classOf(msg.Type)
	decision := c.g.gate.Evaluate(input.Message{ClientID: c.id, Sequence: msg.Seq, SentAt: sentAt, Class: class})
	if !decision.Accepted {
		return true
	}
	c.apply(msg)
	return true
}

func (c *connection) apply(msg *ControlMessage) {
	now := c.g.now()
	switch msg.Type {
	case TypeKey:
		key, err := input.ParseKey(msg.Code)
		if err != nil {
			return
		}
		if msg.Down {
			c.state.KeyDown(key)
		} else {
			c.state.KeyUp(key)
		}
	case TypeLook:
		c.state.Look(msg.DX, msg.DY)
	case TypeThrowStart:
		c.state.ThrowStart(now)
	case TypeThrowRelease:
		c.state.ThrowRelease(now)
	case TypeScreen:
		cmd, err := screen.ParseCommand(msg.Command)
		if err == nil {
			_, err = c.state.Command(cmd)
		}
		if err != nil {
			c.reply(Reply{Type: "error", Seq: msg.Seq, Reason: "invalid_transition", State: string(c.state.Screen())})
		}
	case TypeAudioUnlock:
		c.state.UnlockAudio()
	case TypeTimeSync:
		c.reply(c.g.clocks.Sample(c.id, msg.SentAtMs, c.state.Snapshot().SimulatedMs))
	}
}

// reply queues a JSON text frame for the writer. Replies are dropped when the
// writer is behind.
func (c *connection) reply(r any) {
	select {
	case c.replies <- r:
	default:
	}
}

func (c *connection) writeLoop(snapshots <-chan session.Snapshot) {
	ticker := time.NewTicker(c.g.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	welcome := Welcome{
		Type:    "welcome",
		Session: c.id,
		Level:   c.state.Level(),
		Format:  string(c.codec.Format()),
		Tuning:  c.state.Tuning(),
	}
	if err := c.writeJSON(welcome); err != nil {
		return
	}
	for {
		select {
		case <-c.done:
			return
		case r := <-c.replies:
			if err := c.writeJSON(r); err != nil {
				return
			}
		case snap, ok := <-snapshots:
			if !ok {
				//1.- The session ended underneath the connection.
				closing := websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed")
				_ = c.conn.WriteControl(websocket.CloseMessage, closing, time.Now().Add(writeWait))
				return
			}
			if err := c.sendSnapshot(c.latest(snap, snapshots)); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// latest skips queued snapshots so a slow client always gets the newest state.
func (c *connection) latest(snap session.Snapshot, snapshots <-chan session.Snapshot) session.Snapshot {
	for {
		select {
		case next, ok := <-snapshots:
			if !ok {
				return snap
			}
			c.g.metrics.ObserveDrop(networking.DropBackpressure)
			snap = next
		default:
			return snap
		}
	}
}

func (c *connection) sendSnapshot(snap session.Snapshot) error {
	payload, err := c.codec.Encode(snap)
	if err != nil {
		c.g.metrics.ObserveDrop(networking.DropEncode)
		c.logger.Warn("snapshot encode failed", logging.Error(err))
		return nil
	}
	if !c.g.bandwidth.Allow(c.id, len(payload)) {
		c.g.metrics.ObserveDrop(networking.DropBandwidth)
		return nil
	}
	kind := websocket.TextMessage
	if c.codec.Binary() {
		kind = websocket.BinaryMessage
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(kind, payload); err != nil {
		return err
	}
	c.g.metrics.ObserveSent(c.id, len(payload))
	return nil
}

func (c *connection) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}
