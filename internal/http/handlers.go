package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"snowbiome/server/internal/logging"
	"snowbiome/server/internal/networking"
	"snowbiome/server/internal/replay"
	"snowbiome/server/internal/session"
)

// ReadinessProvider exposes server state required for readiness checks.
type ReadinessProvider interface {
	ClientCounts() (clients, sessions int)
	StartupError() error
	Uptime() time.Duration
}

// ReplayFlusher forces live recordings to disk.
type ReplayFlusher interface {
	FlushReplays(ctx context.Context) (int, error)
}

// ReplayFlusherFunc adapts a function into a ReplayFlusher.
type ReplayFlusherFunc func(ctx context.Context) (int, error)

// FlushReplays implements ReplayFlusher.
func (f ReplayFlusherFunc) FlushReplays(ctx context.Context) (int, error) { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger       *logging.Logger
	Readiness    ReadinessProvider
	Sessions     func() []session.Summary
	Capacity     int
	Snapshots    *networking.SnapshotMetrics
	Bandwidth    *networking.BandwidthRegulator
	Replay       ReplayFlusher
	ReplayStats  func() replay.ArchiveStats
	StorageStats func() replay.StorageStats
	AdminToken   string
	RateLimiter  RateLimiter
	TimeSource   func() time.Time
}

// HandlerSet bundles the operational handlers.
type HandlerSet struct {
	logger       *logging.Logger
	readiness    ReadinessProvider
	sessions     func() []session.Summary
	capacity     int
	snapshots    *networking.SnapshotMetrics
	bandwidth    *networking.BandwidthRegulator
	replay       ReplayFlusher
	replayStats  func() replay.ArchiveStats
	storageStats func() replay.StorageStats
	adminToken   string
	rateLimiter  RateLimiter
	now          func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:       logger,
		readiness:    opts.Readiness,
		sessions:     opts.Sessions,
		capacity:     opts.Capacity,
		snapshots:    opts.Snapshots,
		bandwidth:    opts.Bandwidth,
		replay:       opts.Replay,
		replayStats:  opts.ReplayStats,
		storageStats: opts.StorageStats,
		adminToken:   strings.TrimSpace(opts.AdminToken),
		rateLimiter:  opts.RateLimiter,
		now:          now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/sessions", h.SessionsHandler())
	mux.HandleFunc("/replay/flush", h.ReplayFlushHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports readiness, including client and session counts.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptimeSeconds"`
		Clients       int     `json:"clients"`
		Sessions      int     `json:"sessions"`
		Capacity      int     `json:"capacity,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok", Capacity: h.capacity}
		if h.readiness != nil {
			resp.Clients, resp.Sessions = h.readiness.ClientCounts()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// SessionsHandler lists live sessions as JSON.
func (h *HandlerSet) SessionsHandler() http.HandlerFunc {
	type response struct {
		Sessions []session.Summary `json:"sessions"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		resp := response{Sessions: []session.Summary{}}
		if h.sessions != nil {
			resp.Sessions = append(resp.Sessions, h.sessions()...)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		var clients, open int
		var uptime float64
		if h.readiness != nil {
			clients, open = h.readiness.ClientCounts()
			uptime = h.readiness.Uptime().Seconds()
		}
		gauge(w, "snowbiome_uptime_seconds", "Server uptime in seconds.", fmt.Sprintf("%.0f", uptime))
		gauge(w, "snowbiome_clients", "Connected websocket clients.", strconv.Itoa(clients))
		gauge(w, "snowbiome_sessions", "Open game sessions.", strconv.Itoa(open))
		if h.capacity > 0 {
			gauge(w, "snowbiome_session_capacity", "Maximum concurrent sessions.", strconv.Itoa(h.capacity))
		}
		h.writeSessionMetrics(w)
		h.writeSnapshotMetrics(w)
		h.writeBandwidthMetrics(w)
		h.writeReplayMetrics(w)
	}
}

func (h *HandlerSet) writeSessionMetrics(w io.Writer) {
	if h.sessions == nil {
		return
	}
	summaries := h.sessions()
	if len(summaries) == 0 {
		return
	}
	series := []struct {
		name, help string
		value      func(session.Summary) uint64
	}{
		{"snowbiome_session_frames_total", "Frames simulated per session.", func(s session.Summary) uint64 { return s.Frames }},
		{"snowbiome_session_throws_total", "Spheres thrown per session.", func(s session.Summary) uint64 { return s.Throws }},
		{"snowbiome_session_respawns_total", "Out-of-bounds recoveries per session.", func(s session.Summary) uint64 { return s.Respawns }},
	}
	for _, metric := range series {
		header(w, metric.name, metric.help, "counter")
		for _, summary := range summaries {
			fmt.Fprintf(w, "%s{session=%q,level=%q} %d\n", metric.name, summary.ID, summary.Level, metric.value(summary))
		}
	}
}

func (h *HandlerSet) writeSnapshotMetrics(w io.Writer) {
	if h.snapshots == nil {
		return
	}
	header(w, "snowbiome_snapshots_sent_total", "Snapshots delivered to clients and observers.", "counter")
	fmt.Fprintf(w, "snowbiome_snapshots_sent_total %d\n", h.snapshots.Sent())

	bytes := h.snapshots.BytesPerClient()
	header(w, "snowbiome_snapshot_bytes_per_client", "Last encoded snapshot size per client in bytes.", "gauge")
	for _, client := range sortedKeys(bytes) {
		fmt.Fprintf(w, "snowbiome_snapshot_bytes_per_client{client=%q} %d\n", client, bytes[client])
	}

	drops := h.snapshots.DropCounts()
	reasons := make([]string, 0, len(drops))
	for reason := range drops {
		reasons = append(reasons, string(reason))
	}
	sort.Strings(reasons)
	header(w, "snowbiome_snapshot_dropped_total", "Snapshots not delivered, by reason.", "counter")
	for _, reason := range reasons {
		fmt.Fprintf(w, "snowbiome_snapshot_dropped_total{reason=%q} %d\n", reason, drops[networking.DropReason(reason)])
	}
}

func (h *HandlerSet) writeBandwidthMetrics(w io.Writer) {
	if h.bandwidth == nil {
		return
	}
	usage := h.bandwidth.SnapshotUsage()
	if len(usage) == 0 {
		return
	}
	clients := sortedKeys(usage)
	header(w, "snowbiome_bandwidth_bytes_per_second", "Observed outbound bandwidth per client.", "gauge")
	for _, client := range clients {
		fmt.Fprintf(w, "snowbiome_bandwidth_bytes_per_second{client=%q} %.2f\n", client, usage[client].BytesPerSecond)
	}
	header(w, "snowbiome_bandwidth_available_bytes", "Remaining bandwidth tokens per client.", "gauge")
	for _, client := range clients {
		fmt.Fprintf(w, "snowbiome_bandwidth_available_bytes{client=%q} %.2f\n", client, usage[client].AvailableBytes)
	}
	header(w, "snowbiome_bandwidth_denied_total", "Throttled deliveries per client.", "counter")
	for _, client := range clients {
		fmt.Fprintf(w, "snowbiome_bandwidth_denied_total{client=%q} %d\n", client, usage[client].Denied)
	}
}

func (h *HandlerSet) writeReplayMetrics(w io.Writer) {
	if h.replayStats != nil {
		stats := h.replayStats()
		gauge(w, "snowbiome_replay_active_recordings", "Sessions currently being recorded.", strconv.Itoa(stats.Active))
		counter(w, "snowbiome_replay_frames_total", "Replay frames written.", stats.Frames)
		counter(w, "snowbiome_replay_events_total", "Replay events written.", stats.Events)
		counter(w, "snowbiome_replay_write_errors_total", "Replay writes that failed or were suspended.", stats.WriteErrors)
		counter(w, "snowbiome_replay_dropped_events_total", "Replay events dropped before reaching the writer.", stats.DroppedEvents)
	}
	if h.storageStats != nil {
		stats := h.storageStats()
		gauge(w, "snowbiome_replay_stored_sessions", "Replay bundles retained on disk.", strconv.Itoa(stats.Sessions))
		gauge(w, "snowbiome_replay_stored_bytes", "Replay bundle footprint in bytes.", strconv.FormatInt(stats.Bytes, 10))
	}
}

// ReplayFlushHandler authorises and triggers a flush of live recordings.
func (h *HandlerSet) ReplayFlushHandler() http.HandlerFunc {
	type response struct {
		Status  string `json:"status"`
		Flushed int    `json:"flushed"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "replay_flush"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("replay flush denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("replay flush denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			if waiter, ok := h.rateLimiter.(interface{ RetryAfter() time.Duration }); ok {
				seconds := int(math.Ceil(waiter.RetryAfter().Seconds()))
				if seconds > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(seconds))
				}
			}
			reqLogger.Warn("replay flush denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.replay == nil {
			reqLogger.Warn("replay flush denied: recording disabled")
			http.Error(w, "replay recording is unavailable", http.StatusServiceUnavailable)
			return
		}
		flushed, err := h.replay.FlushReplays(r.Context())
		if err != nil {
			reqLogger.Error("replay flush failed", logging.Error(err), logging.Int("flushed", flushed))
			http.Error(w, "failed to flush replays", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("replay flush triggered", logging.Int("flushed", flushed))
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Flushed: flushed})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(raw) > 7 && strings.EqualFold(raw[:7], "Bearer ") {
		token = strings.TrimSpace(raw[7:])
	} else if raw != "" {
		token = raw
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func header(w io.Writer, name, help, kind string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
}

func gauge(w io.Writer, name, help, value string) {
	header(w, name, help, "gauge")
	fmt.Fprintf(w, "%s %s\n", name, value)
}

func counter(w io.Writer, name, help string, value int64) {
	header(w, name, help, "counter")
	fmt.Fprintf(w, "%s %d\n", name, value)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
