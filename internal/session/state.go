// Package session owns one player's simulation: the body, the sphere pool,
// the view, the input recorder and the frame loop that advances them.
package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"snowbiome/server/internal/input"
	"snowbiome/server/internal/logging"
	"snowbiome/server/internal/physics"
	"snowbiome/server/internal/screen"
	"snowbiome/server/internal/simulation"
)

// ErrClosed is returned when a closed session is asked to begin again.
var ErrClosed = errors.New("session closed")

// Config describes a session to create.
type Config struct {
	ID      string
	Subject string
	Level   string
	World   physics.CollisionOracle
	Tuning  physics.Tuning
	FrameHz float64
	Logger  *logging.Logger
	Now     func() time.Time
}

// Stats are cumulative counters for metrics.
type Stats struct {
	Frames           uint64
	Throws           uint64
	Respawns         uint64
	DroppedSnapshots uint64
	Timings          simulation.FrameTimings
}

// SessionState is the explicit state of one game session. Input methods may
// be called from any goroutine; frames run on the session's loop goroutine.
type SessionState struct {
	id        string
	subject   string
	level     string
	createdAt time.Time
	ctx       context.Context

	tuning     physics.Tuning
	integrator *physics.Integrator
	world      physics.CollisionOracle
	logger     *logging.Logger
	now        func() time.Time

	screen  *screen.Machine
	input   *InputState
	monitor *simulation.TickMonitor
	loop    *simulation.Loop

	// life serialises Begin, End, Pause, Resume and Close.
	life   sync.Mutex
	begun  bool
	closed bool

	// mu guards the simulation state.
	mu          sync.Mutex
	active      bool
	player      physics.Body
	pool        []physics.Projectile
	sphereIdx   int
	view        input.View
	simulated   float64
	screenState screen.State

	frame    atomic.Uint64
	throws   atomic.Uint64
	respawns atomic.Uint64

	subsMu     sync.Mutex
	subs       map[uint64]chan Snapshot
	nextSub    uint64
	subsClosed bool
	dropped    atomic.Uint64

	sinkMu sync.RWMutex
	sinks  []EventSink
}

// New prepares a session on the menu screen. The simulation is not running
// until Begin is called, directly or through the start command.
func New(ctx context.Context, cfg Config) (*SessionState, error) {
	if cfg.ID == "" {
		return nil, errors.New("session id must not be empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Tuning.PoolSize <= 0 || cfg.Tuning.StepsPerFrame <= 0 {
		cfg.Tuning = physics.DefaultTuning()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.L()
	}
	s := &SessionState{
		id:          cfg.ID,
		subject:     cfg.Subject,
		level:       cfg.Level,
		createdAt:   cfg.Now(),
		ctx:         ctx,
		tuning:      cfg.Tuning,
		integrator:  physics.NewIntegrator(cfg.Tuning),
		world:       cfg.World,
		logger:      cfg.Logger.With(logging.String("session_id", cfg.ID)),
		now:         cfg.Now,
		input:       NewInputState(),
		monitor:     simulation.NewTickMonitor(),
		screenState: screen.Menu,
		subs:        make(map[uint64]chan Snapshot),
	}
	s.screen = screen.NewMachine(s.onScreen)
	s.loop = simulation.NewLoop(cfg.FrameHz, s.Frame, simulation.WithMonitor(s.monitor))
	return s, nil
}

// ID returns the session identifier.
func (s *SessionState) ID() string { return s.id }

// Subject returns the authenticated player name, if any.
func (s *SessionState) Subject() string { return s.subject }

// Level returns the level name the session runs on.
func (s *SessionState) Level() string { return s.level }

// CreatedAt returns when the session was opened.
func (s *SessionState) CreatedAt() time.Time { return s.createdAt }

// Tuning returns the integrator constants of the session.
func (s *SessionState) Tuning() physics.Tuning { return s.tuning }

// Screen returns the current screen.
func (s *SessionState) Screen() screen.State { return s.screen.State() }

// Running reports whether the frame loop is attached.
func (s *SessionState) Running() bool { return s.loop.Running() }

// Begin allocates the sphere pool, places the player at spawn and attaches the
// frame loop. Calling Begin on a begun session does nothing.
func (s *SessionState) Begin() error {
	s.life.Lock()
	defer s.life.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.begun {
		return nil
	}
	s.mu.Lock()
	s.player = physics.NewBody(s.tuning)
	s.pool = physics.NewPool(s.tuning)
	s.sphereIdx = 0
	s.view.Reset()
	s.simulated = 0
	s.active = true
	s.mu.Unlock()
	s.frame.Store(0)
	s.input.Reset()
	s.begun = true
	s.loop.Start(s.ctx)
	s.emit(Event{Kind: EventBegin})
	s.logger.Info("session begun", logging.String("level", s.level))
	return nil
}

// End detaches the frame loop and releases the simulation state. When End
// returns no further frame runs. Calling End on an ended session does nothing.
func (s *SessionState) End() {
	s.life.Lock()
	defer s.life.Unlock()
	s.endLocked()
}

func (s *SessionState) endLocked() {
	if !s.begun {
		return
	}
	//1.- Deactivate first so a frame waiting on the lock returns without stepping.
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.loop.Stop()

	s.mu.Lock()
	s.pool = nil
	s.player = physics.Body{}
	s.view.Reset()
	s.mu.Unlock()
	s.input.Reset()
	s.begun = false
	s.emit(Event{Kind: EventEnd})
	s.logger.Info("session ended", logging.Uint64("frames", s.frame.Load()))
}

// Pause stops the frame loop but keeps the state for Resume.
func (s *SessionState) Pause() {
	s.life.Lock()
	defer s.life.Unlock()
	if !s.begun {
		return
	}
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.loop.Stop()
	s.input.Reset()
}

// Resume restarts a paused loop.
func (s *SessionState) Resume() {
	s.life.Lock()
	defer s.life.Unlock()
	if !s.begun || s.closed || s.loop.Running() {
		return
	}
	s.input.Reset()
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	s.loop.Start(s.ctx)
}

// Close ends the session for good and closes every subscription.
func (s *SessionState) Close() {
	s.life.Lock()
	if s.closed {
		s.life.Unlock()
		return
	}
	s.endLocked()
	s.closed = true
	s.life.Unlock()

	s.subsMu.Lock()
	s.subsClosed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subsMu.Unlock()
}

// Command applies a screen command. Transitions drive the simulation lifecycle.
func (s *SessionState) Command(cmd screen.Command) (screen.State, error) {
	state, err := s.screen.Apply(cmd)
	if err != nil {
		return state, err
	}
	s.emit(Event{Kind: EventScreen, Screen: string(state)})
	s.publish(s.Snapshot())
	return state, nil
}

func (s *SessionState) onScreen(from, to screen.State) {
	s.mu.Lock()
	s.screenState = to
	s.mu.Unlock()
	switch {
	case to == screen.Menu:
		s.End()
	case from == screen.Menu && to == screen.Playing:
		if err := s.Begin(); err != nil {
			s.logger.Warn("begin refused", logging.Error(err))
		}
	case (from == screen.Won || from == screen.Lost) && to == screen.Playing:
		//1.- A restart is a fresh round.
		s.End()
		if err := s.Begin(); err != nil {
			s.logger.Warn("restart refused", logging.Error(err))
		}
	case to == screen.Playing:
		s.Resume()
	default:
		s.Pause()
	}
}

// UnlockAudio records the first user gesture of the session.
func (s *SessionState) UnlockAudio() bool {
	if !s.screen.UnlockAudio() {
		return false
	}
	s.emit(Event{Kind: EventAudioUnlock})
	return true
}

// KeyDown records a held control key.
func (s *SessionState) KeyDown(key input.Key) {
	s.input.KeyDown(key)
	s.emit(Event{Kind: EventKeyDown, Key: string(key)})
}

// KeyUp records a released control key.
func (s *SessionState) KeyUp(key input.Key) {
	s.input.KeyUp(key)
	s.emit(Event{Kind: EventKeyUp, Key: string(key)})
}

// Look records pointer movement. It is ignored unless the game is being played,
// matching a browser that only reports movement under pointer lock.
func (s *SessionState) Look(dx, dy float64) {
	if !s.acceptingControls() || math.IsNaN(dx) || math.IsNaN(dy) {
		return
	}
	s.input.Look(dx, dy)
	s.emit(Event{Kind: EventLook, DX: dx, DY: dy})
}

// ThrowStart begins charging a throw at the given time.
func (s *SessionState) ThrowStart(at time.Time) {
	if !s.acceptingControls() {
		return
	}
	s.input.ThrowStart(at)
	s.emit(Event{Kind: EventThrowStart})
}

// ThrowRelease queues a throw for the next frame.
func (s *SessionState) ThrowRelease(at time.Time) bool {
	charge, ok := s.input.ThrowRelease(at)
	if !ok {
		return false
	}
	s.emit(Event{Kind: EventThrowRelease, ChargeMs: charge.Milliseconds()})
	return true
}

func (s *SessionState) acceptingControls() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Frame advances the session by one rendered frame of the given wall-clock
// length. The loop calls it; tests may call it directly on a begun session.
func (s *SessionState) Frame(elapsed time.Duration) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	intent := s.input.Drain()

	//1.- Apply the accumulated look before anything reads the camera.
	s.view.Look(intent.LookDX, intent.LookDY)

	//2.- Throws released since the last frame leave along the current view.
	for _, charge := range intent.Throws {
		s.integrator.Throw(s.pool, &s.sphereIdx, s.player, s.view.Direction(), charge)
		s.throws.Add(1)
	}

	//3.- Split the frame into sub-steps; a respawn resets the view mid-frame.
	dt, steps := s.tuning.FrameSubsteps(elapsed)
	respawned := false
	for i := 0; i < steps; i++ {
		in := intent.Controls(s.view.Direction())
		if s.integrator.Step(dt, in, &s.player, s.pool, s.world) {
			s.view.Reset()
			respawned = true
		}
	}
	s.simulated += dt * float64(steps)
	s.frame.Add(1)
	snap := s.snapshotLocked()
	snap.Respawned = respawned
	s.mu.Unlock()

	if respawned {
		s.respawns.Add(1)
		s.emit(Event{Kind: EventRespawn})
	}
	s.publish(snap)
}

// Snapshot returns the current state.
func (s *SessionState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *SessionState) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:    s.id,
		Level:        s.level,
		Frame:        s.frame.Load(),
		SimulatedMs:  uint64(math.Round(s.simulated * 1000)),
		CapturedAtMs: s.now().UnixMilli(),
		Screen:       string(s.screenState),
		Player: PlayerState{
			Start:    s.player.Capsule.Start,
			End:      s.player.Capsule.End,
			Radius:   s.player.Capsule.Radius,
			Velocity: s.player.Velocity,
			OnFloor:  s.player.OnFloor,
		},
		View:       s.view,
		NextSphere: s.sphereIdx,
	}
	for slot, p := range s.pool {
		if p.Sphere.Center.Y() <= s.tuning.OutOfBoundsY {
			continue
		}
		snap.Spheres = append(snap.Spheres, SphereState{Slot: slot, Center: p.Sphere.Center, Velocity: p.Velocity})
	}
	return snap
}

// Body returns a copy of the player body.
func (s *SessionState) Body() physics.Body {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.player
}

// Projectiles returns a copy of the sphere pool and the next slot to throw.
func (s *SessionState) Projectiles() ([]physics.Projectile, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]physics.Projectile(nil), s.pool...), s.sphereIdx
}

// View returns the camera rotation.
func (s *SessionState) View() input.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Stats returns the cumulative counters of the session.
func (s *SessionState) Stats() Stats {
	return Stats{
		Frames:           s.frame.Load(),
		Throws:           s.throws.Load(),
		Respawns:         s.respawns.Load(),
		DroppedSnapshots: s.dropped.Load(),
		Timings:          s.monitor.Snapshot(),
	}
}

// Subscribe returns a channel of snapshots and a cancel function. A subscriber
// that falls behind misses snapshots instead of stalling the frame loop. The
// channel is closed on cancel or when the session closes.
func (s *SessionState) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)
	s.subsMu.Lock()
	if s.subsClosed {
		s.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
			s.subsMu.Unlock()
		})
	}
}

// Subscribers reports how many subscriptions are open.
func (s *SessionState) Subscribers() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.subs)
}

func (s *SessionState) publish(snap Snapshot) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			s.dropped.Add(1)
		}
	}
}

// AddEventSink registers a receiver for session events.
func (s *SessionState) AddEventSink(sink EventSink) {
	if sink == nil {
		return
	}
	s.sinkMu.Lock()
	s.sinks = append(s.sinks, sink)
	s.sinkMu.Unlock()
}

func (s *SessionState) emit(event Event) {
	s.sinkMu.RLock()
	defer s.sinkMu.RUnlock()
	if len(s.sinks) == 0 {
		return
	}
	event.AtMs = s.now().UnixMilli()
	event.Frame = s.frame.Load()
	for _, sink := range s.sinks {
		sink.RecordEvent(event)
	}
}
