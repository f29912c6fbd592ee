package session

import (
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"snowbiome/server/internal/input"
	"snowbiome/server/internal/physics"
)

// Intent is everything the player asked for since the previous frame.
type Intent struct {
	Keys   input.KeySet
	LookDX float64
	LookDY float64
	Throws []time.Duration
}

// Controls maps held keys onto integrator input facing the given direction.
func (i Intent) Controls(facing mgl64.Vec3) physics.Input {
	return physics.Input{
		Forward:  i.Keys.Held(input.KeyForward),
		Backward: i.Keys.Held(input.KeyBackward),
		Left:     i.Keys.Held(input.KeyLeft),
		Right:    i.Keys.Held(input.KeyRight),
		Jump:     i.Keys.Held(input.KeyJump),
		Facing:   facing,
	}
}

// InputState records control intent between frames. Event handlers only write
// here; the frame loop reads one consistent Intent at the start of a frame.
type InputState struct {
	mu          sync.Mutex
	keys        input.KeySet
	lookDX      float64
	lookDY      float64
	charging    bool
	chargeStart time.Time
	throws      []time.Duration
}

// NewInputState returns an empty intent recorder.
func NewInputState() *InputState {
	return &InputState{keys: make(input.KeySet)}
}

// KeyDown marks key as held until the matching KeyUp.
func (s *InputState) KeyDown(key input.Key) {
	s.mu.Lock()
	s.keys[key] = true
	s.mu.Unlock()
}

// KeyUp releases key.
func (s *InputState) KeyUp(key input.Key) {
	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()
}

// Look accumulates pointer movement until the next frame.
func (s *InputState) Look(dx, dy float64) {
	s.mu.Lock()
	s.lookDX += dx
	s.lookDY += dy
	s.mu.Unlock()
}

// ThrowStart begins charging a throw. A second start restarts the charge.
func (s *InputState) ThrowStart(at time.Time) {
	s.mu.Lock()
	s.charging = true
	s.chargeStart = at
	s.mu.Unlock()
}

// ThrowRelease queues a throw charged since the last ThrowStart. It reports
// false when no charge was in progress.
func (s *InputState) ThrowRelease(at time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.charging {
		return 0, false
	}
	s.charging = false
	charge := at.Sub(s.chargeStart)
	s.throws = append(s.throws, charge)
	return charge, true
}

// Drain returns the pending intent and clears the one-shot parts. Held keys
// stay down across frames.
func (s *InputState) Drain() Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent := Intent{
		Keys:   s.keys.Clone(),
		LookDX: s.lookDX,
		LookDY: s.lookDY,
		Throws: s.throws,
	}
	s.lookDX, s.lookDY = 0, 0
	s.throws = nil
	return intent
}

// Reset forgets everything, as when the pointer lock is lost.
func (s *InputState) Reset() {
	s.mu.Lock()
	s.keys = make(input.KeySet)
	s.lookDX, s.lookDY = 0, 0
	s.charging = false
	s.throws = nil
	s.mu.Unlock()
}
