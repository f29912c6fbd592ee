package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"snowbiome/server/internal/auth"
	"snowbiome/server/internal/input"
	"snowbiome/server/internal/logging"
	"snowbiome/server/internal/networking"
	"snowbiome/server/internal/session"
	"snowbiome/server/internal/timesync"
	"snowbiome/server/internal/websockettest"
)

type testServer struct {
	manager *session.Manager
	gateway *Gateway
	server  *httptest.Server
	metrics *networking.SnapshotMetrics
}

func newTestServer(t *testing.T, cfg Config, managerOpts []session.ManagerOption, opts ...Option) *testServer {
	t.Helper()
	//1.- A near-zero frame rate keeps the loop quiet; only commands publish snapshots.
	managerOpts = append([]session.ManagerOption{session.WithFrameRate(0.001), session.WithLogger(logging.NewTestLogger())}, managerOpts...)
	ts := &testServer{
		manager: session.NewManager(context.Background(), managerOpts...),
		metrics: networking.NewSnapshotMetrics(),
	}
	opts = append([]Option{WithLogger(logging.NewTestLogger()), WithMetrics(ts.metrics)}, opts...)
	ts.gateway = New(ts.manager, cfg, opts...)
	ts.server = httptest.NewServer(ts.gateway)
	t.Cleanup(func() {
		ts.server.Close()
		ts.manager.CloseAll()
	})
	return ts
}

func (ts *testServer) url(query string) string {
	return websockettest.URL(ts.server.URL, "/ws", query)
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websockettest.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func dialStatus(t *testing.T, url string, header http.Header) int {
	t.Helper()
	status, ok := websockettest.HandshakeStatus(url, header)
	if !ok {
		t.Fatalf("expected the handshake to be refused with a status")
	}
	return status
}

func readWelcome(t *testing.T, conn *websocket.Conn) Welcome {
	t.Helper()
	kind, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	var welcome Welcome
	if kind != websocket.TextMessage || json.Unmarshal(raw, &welcome) != nil || welcome.Type != "welcome" {
		t.Fatalf("unexpected first frame %q", raw)
	}
	return welcome
}

// readReply skips snapshots until a reply frame arrives.
func readReply(t *testing.T, conn *websocket.Conn) Reply {
	t.Helper()
	for {
		kind, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read reply: %v", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var reply Reply
		if err := json.Unmarshal(raw, &reply); err == nil && reply.Type != "" {
			return reply
		}
	}
}

type frozenClock time.Time

func (c frozenClock) Now() time.Time { return time.Time(c) }

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func send(t *testing.T, conn *websocket.Conn, msg ControlMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write %s: %v", msg.Type, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGatewayJSONRoundTrip(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)
	conn := dial(t, ts.url("format=json&level=flat"), nil)

	welcome := readWelcome(t, conn)
	if welcome.Format != "json" || welcome.Level != "flat" || welcome.Session == "" {
		t.Fatalf("unexpected welcome %+v", welcome)
	}
	if ts.manager.Len() != 1 || ts.gateway.Clients() != 1 {
		t.Fatalf("expected one session and one client, got %d/%d", ts.manager.Len(), ts.gateway.Clients())
	}

	//1.- Starting the game publishes a snapshot on the playing screen.
	send(t, conn, ControlMessage{Seq: 1, Type: TypeScreen, Command: "start"})
	kind, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("expected a text snapshot, got frame type %d", kind)
	}
	snap, err := networking.NewJSONCodec().Decode(raw)
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.SessionID != welcome.Session || snap.Screen != "playing" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	//2.- Unbound keys and impossible transitions are reported back.
	send(t, conn, ControlMessage{Seq: 2, Type: TypeKey, Code: "KeyQ", Down: true})
	if reply := readReply(t, conn); reply.Seq != 2 || reply.Reason != string(input.ValidationReasonUnknownKey) {
		t.Fatalf("unexpected key reply %+v", reply)
	}
	send(t, conn, ControlMessage{Seq: 3, Type: TypeScreen, Command: "resume"})
	if reply := readReply(t, conn); reply.Reason != "invalid_transition" || reply.State != "playing" {
		t.Fatalf("unexpected screen reply %+v", reply)
	}
	send(t, conn, ControlMessage{Seq: 4, Type: "teleport"})
	if reply := readReply(t, conn); reply.Reason != "malformed" {
		t.Fatalf("unexpected reply for an unknown type %+v", reply)
	}
	if ts.metrics.Sent() < 1 {
		t.Fatalf("expected delivered snapshots to be counted")
	}

	//3.- Hanging up closes the session.
	conn.Close()
	waitFor(t, "session close", func() bool { return ts.manager.Len() == 0 && ts.gateway.Clients() == 0 })
}

func TestGatewayDropsReplayedSequence(t *testing.T) {
	gate := input.NewGate(input.GateConfig{}, logging.NewTestLogger())
	ts := newTestServer(t, Config{}, nil, WithGate(gate))
	conn := dial(t, ts.url("format=json"), nil)
	welcome := readWelcome(t, conn)

	send(t, conn, ControlMessage{Seq: 1, Type: TypeScreen, Command: "start"})
	//1.- A repeated sequence number is dropped without a reply, so the pause never happens.
	send(t, conn, ControlMessage{Seq: 1, Type: TypeScreen, Command: "pause"})
	send(t, conn, ControlMessage{Seq: 2, Type: TypeScreen, Command: "resume"})
	if reply := readReply(t, conn); reply.Seq != 2 || reply.State != "playing" {
		t.Fatalf("expected resume to be refused while playing, got %+v", reply)
	}
	if drops := gate.Metrics()[welcome.Session]; drops.Sequence != 1 {
		t.Fatalf("expected one sequence drop, got %+v", drops)
	}
}

func TestGatewayMsgpackAndSessionClose(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)
	conn := dial(t, ts.url(""), nil)
	if welcome := readWelcome(t, conn); welcome.Format != "msgpack" {
		t.Fatalf("expected msgpack by default, got %+v", welcome)
	}

	send(t, conn, ControlMessage{Seq: 1, Type: TypeScreen, Command: "start"})
	kind, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("expected a binary snapshot, got frame type %d", kind)
	}
	snap, err := networking.MsgpackCodec{}.Decode(raw)
	if err != nil || snap.Screen != "playing" {
		t.Fatalf("unexpected snapshot %+v (%v)", snap, err)
	}

	//1.- Closing the session server side ends the connection with going-away.
	ts.manager.CloseAll()
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected a going-away close, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ts.gateway.Wait(ctx); err != nil {
		t.Fatalf("wait for connections: %v", err)
	}
}

func TestGatewayDisconnectsRepeatOffenders(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	validator := input.NewValidator(input.ControlConstraints{
		MaxLookDelta:       10,
		InvalidBurstLimit:  1,
		InvalidBurstWindow: time.Second,
		CooldownDuration:   500 * time.Millisecond,
		MaxCooldownStrikes: 2,
	}, logging.NewTestLogger(), input.WithValidatorClock(clock))
	ts := newTestServer(t, Config{}, nil, WithValidator(validator))
	conn := dial(t, ts.url("format=json"), nil)
	readWelcome(t, conn)

	//1.- The first strike is answered and starts a cooldown.
	send(t, conn, ControlMessage{Seq: 1, Type: TypeLook, DX: 50})
	if reply := readReply(t, conn); reply.Reason != string(input.ValidationReasonLookRange) {
		t.Fatalf("unexpected reply %+v", reply)
	}

	//2.- Inside the cooldown everything is refused without another strike.
	send(t, conn, ControlMessage{Seq: 2, Type: TypeLook, DX: 50})
	if reply := readReply(t, conn); reply.Reason != string(input.ValidationReasonCooldownActive) {
		t.Fatalf("expected the cooldown to be reported, got %+v", reply)
	}

	//3.- Once the cooldown lapses the second strike ends the connection.
	clock.Advance(time.Second)
	send(t, conn, ControlMessage{Seq: 3, Type: TypeLook, DX: 50})
	var err error
	for err == nil {
		_, _, err = conn.ReadMessage()
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected a policy violation close, got %v", err)
	}
	waitFor(t, "session close", func() bool { return ts.manager.Len() == 0 })
}

func TestGatewayRequiresToken(t *testing.T) {
	tokens, err := auth.NewHMACTokens("gateway-secret", time.Second)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	ts := newTestServer(t, Config{}, nil, WithAuthenticator(NewTokenAuthenticator(tokens)))

	if status := dialStatus(t, ts.url(""), nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", status)
	}
	if ts.manager.Len() != 0 {
		t.Fatalf("rejected requests must not open sessions")
	}

	//1.- The token's level applies when the query names none.
	token, err := tokens.Issue("player-7", "ridge", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	conn := dial(t, ts.url("token="+token), nil)
	if welcome := readWelcome(t, conn); welcome.Level != "ridge" {
		t.Fatalf("expected the token level, got %+v", welcome)
	}
	sessions := ts.manager.List()
	if len(sessions) != 1 || sessions[0].Subject != "player-7" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestGatewayChecksOrigin(t *testing.T) {
	ts := newTestServer(t, Config{AllowedOrigins: []string{"https://snow.example"}}, nil)

	header := http.Header{"Origin": []string{"https://elsewhere.example"}}
	if status := dialStatus(t, ts.url(""), header); status != http.StatusForbidden {
		t.Fatalf("expected 403 for a foreign origin, got %d", status)
	}
	header.Set("Origin", "https://SNOW.example")
	conn := dial(t, ts.url(""), header)
	readWelcome(t, conn)
}

func TestGatewayRefusesWhenFull(t *testing.T) {
	ts := newTestServer(t, Config{}, []session.ManagerOption{session.WithCapacity(1)})
	if _, err := ts.manager.Open(session.OpenRequest{ID: "held"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if status := dialStatus(t, ts.url(""), nil); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 at capacity, got %d", status)
	}
	if status := dialStatus(t, ts.url("format=yaml"), nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown format, got %d", status)
	}
}

func TestGatewayTimeSyncAdjustsCaptureTimes(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tracker := timesync.NewTracker(logging.NewTestLogger(), timesync.WithClock(clock))
	gate := input.NewGate(input.GateConfig{MaxAge: 200 * time.Millisecond}, logging.NewTestLogger(), input.WithClock(frozenClock(now)))
	ts := newTestServer(t, Config{}, nil, WithTimeSync(tracker), WithGate(gate))
	conn := dial(t, ts.url("format=json"), nil)
	welcome := readWelcome(t, conn)

	//1.- The client clock runs ten seconds behind; the sync reply reports the offset.
	skewed := now.Add(-10 * time.Second)
	send(t, conn, ControlMessage{Seq: 1, SentAtMs: skewed.UnixMilli(), Type: TypeTimeSync})
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	var sample timesync.Sample
	if err := json.Unmarshal(raw, &sample); err != nil || sample.Type != "time" {
		t.Fatalf("unexpected sample frame %q", raw)
	}
	if sample.OffsetMs != 10000 || sample.EchoMs != skewed.UnixMilli() || sample.ServerMs != now.UnixMilli() {
		t.Fatalf("unexpected sample %+v", sample)
	}

	//2.- A look delta stamped on the skewed clock is not stale once corrected.
	send(t, conn, ControlMessage{Seq: 2, SentAtMs: skewed.UnixMilli(), Type: TypeLook, DX: 1})
	send(t, conn, ControlMessage{Seq: 3, Type: TypeScreen, Command: "resume"})
	if reply := readReply(t, conn); reply.Seq != 3 {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if drops := gate.Metrics()[welcome.Session]; drops.Stale != 0 {
		t.Fatalf("expected no stale drops, got %+v", drops)
	}
}

func TestGatewayClosesUnresponsivePeers(t *testing.T) {
	ts := newTestServer(t, Config{PingInterval: 40 * time.Millisecond}, nil)
	conn, _, err := websockettest.DialIgnoringPongs(ts.url("format=json"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readWelcome(t, conn)

	//1.- Without pongs the read deadline lapses and the server hangs up.
	for err == nil {
		_, _, err = conn.ReadMessage()
	}
	waitFor(t, "session close", func() bool { return ts.manager.Len() == 0 && ts.gateway.Clients() == 0 })
}

func TestDecodeControlClassifiesTypes(t *testing.T) {
	cases := map[string]input.Class{
		`{"seq":1,"type":"key","code":"KeyW","down":true}`: input.ClassReliable,
		`{"seq":2,"type":"look","dx":3,"dy":-1}`:            input.ClassLossy,
		`{"seq":3,"type":"throw_release"}`:                  input.ClassThrottled,
		`{"seq":4,"type":"time_sync"}`:                      input.ClassReliable,
	}
	for raw, want := range cases {
		msg, err := decodeControl([]byte(raw))
		if err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		if class, _ := classOf(msg.Type); class != want {
			t.Fatalf("%s: expected class %d, got %d", raw, want, class)
		}
	}
	if _, err := decodeControl(nil); err == nil {
		t.Fatalf("expected an empty frame to be rejected")
	}
	msg, _ := decodeControl([]byte(`{"seq":9,"type":"look","sent_at_ms":1700000000000}`))
	if !msg.SentAt().Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("unexpected sent-at %v", msg.SentAt())
	}
}
