package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"snowbiome/server/internal/logging"
	"snowbiome/server/internal/physics"
)

var (
	// ErrManagerFull indicates that the manager already runs its maximum number of sessions.
	ErrManagerFull = errors.New("session capacity reached")
	// ErrNotFound is returned for unknown session identifiers.
	ErrNotFound = errors.New("session not found")
	// ErrExists is returned when opening a session under an identifier already in use.
	ErrExists = errors.New("session already exists")
)

// LevelResolver maps a level name onto its collision world and canonical name.
// An empty name selects the default level.
type LevelResolver func(name string) (physics.CollisionOracle, string, error)

// OpenRequest describes a session to open. An empty ID is generated.
type OpenRequest struct {
	ID      string
	Subject string
	Level   string
}

// Summary is a stable view of one session for listings.
type Summary struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject,omitempty"`
	Level       string    `json:"level"`
	Screen      string    `json:"screen"`
	Running     bool      `json:"running"`
	Frames      uint64    `json:"frames"`
	Throws      uint64    `json:"throws"`
	Respawns    uint64    `json:"respawns"`
	Subscribers int       `json:"subscribers"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithCapacity bounds concurrent sessions. Zero disables the limit.
func WithCapacity(max int) ManagerOption {
	return func(m *Manager) {
		if max >= 0 {
			m.capacity = max
		}
	}
}

// WithLevels sets the level resolver. Without one sessions run in an empty world.
func WithLevels(resolve LevelResolver) ManagerOption {
	return func(m *Manager) {
		m.resolve = resolve
	}
}

// WithTuning overrides the integrator constants of new sessions.
func WithTuning(t physics.Tuning) ManagerOption {
	return func(m *Manager) {
		m.tuning = t
	}
}

// WithFrameRate sets the frame loop rate of new sessions.
func WithFrameRate(hz float64) ManagerOption {
	return func(m *Manager) {
		if hz > 0 {
			m.frameHz = hz
		}
	}
}

// WithLogger sets the base logger.
func WithLogger(logger *logging.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock injects a deterministic clock into the manager and its sessions.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithOpenHook runs hook for every session right after it is registered.
func WithOpenHook(hook func(*SessionState)) ManagerOption {
	return func(m *Manager) {
		if hook != nil {
			m.hooks = append(m.hooks, hook)
		}
	}
}

// Manager tracks live sessions and enforces the capacity bound.
type Manager struct {
	ctx      context.Context
	capacity int
	resolve  LevelResolver
	tuning   physics.Tuning
	frameHz  float64
	logger   *logging.Logger
	now      func() time.Time
	hooks    []func(*SessionState)

	mu       sync.RWMutex
	sessions map[string]*SessionState
}

// NewManager builds a manager whose sessions stop when ctx is cancelled.
func NewManager(ctx context.Context, opts ...ManagerOption) *Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	m := &Manager{
		ctx:      ctx,
		tuning:   physics.DefaultTuning(),
		frameHz:  60,
		logger:   logging.L(),
		now:      time.Now,
		sessions: make(map[string]*SessionState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Open creates and registers a session on the menu screen.
func (m *Manager) Open(req OpenRequest) (*SessionState, error) {
	if m == nil {
		return nil, errors.New("session manager is nil")
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = newSessionID()
	}

	//1.- Resolve the level before taking the lock; building an octree can take a while.
	var oracle physics.CollisionOracle
	level := req.Level
	if m.resolve != nil {
		resolved, name, err := m.resolve(req.Level)
		if err != nil {
			return nil, fmt.Errorf("resolve level: %w", err)
		}
		oracle, level = resolved, name
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	if m.capacity > 0 && len(m.sessions) >= m.capacity {
		m.mu.Unlock()
		return nil, ErrManagerFull
	}
	s, err := New(m.ctx, Config{
		ID:      id,
		Subject: req.Subject,
		Level:   level,
		World:   oracle,
		Tuning:  m.tuning,
		FrameHz: m.frameHz,
		Logger:  m.logger,
		Now:     m.now,
	})
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.sessions[id] = s
	m.mu.Unlock()

	//2.- Hooks run outside the lock so they may call back into the manager.
	for _, hook := range m.hooks {
		hook(s)
	}
	m.logger.Info("session opened",
		logging.String("session_id", id),
		logging.String("subject", req.Subject),
		logging.String("level", level),
	)
	return s, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*SessionState, error) {
	if m == nil {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Close stops a session and forgets it.
func (m *Manager) Close(id string) error {
	if m == nil {
		return ErrNotFound
	}
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.Close()
	m.logger.Info("session closed", logging.String("session_id", id))
	return nil
}

// CloseAll stops every session.
func (m *Manager) CloseAll() {
	if m == nil {
		return
	}
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*SessionState)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// Len reports how many sessions are live.
func (m *Manager) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Capacity returns the configured bound; zero means unlimited.
func (m *Manager) Capacity() int {
	if m == nil {
		return 0
	}
	return m.capacity
}

// List summarises live sessions ordered by identifier.
func (m *Manager) List() []Summary {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	sessions := make([]*SessionState, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		stats := s.Stats()
		out = append(out, Summary{
			ID:          s.ID(),
			Subject:     s.Subject(),
			Level:       s.Level(),
			Screen:      string(s.Screen()),
			Running:     s.Running(),
			Frames:      stats.Frames,
			Throws:      stats.Throws,
			Respawns:    stats.Respawns,
			Subscribers: s.Subscribers(),
			CreatedAt:   s.CreatedAt(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func newSessionID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("s%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}
