package session

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"snowbiome/server/internal/input"
)

// PlayerState is the wire view of the player body.
type PlayerState struct {
	Start    mgl64.Vec3 `json:"start" msgpack:"start"`
	End      mgl64.Vec3 `json:"end" msgpack:"end"`
	Radius   float64    `json:"radius" msgpack:"radius"`
	Velocity mgl64.Vec3 `json:"velocity" msgpack:"velocity"`
	OnFloor  bool       `json:"onFloor" msgpack:"onFloor"`
}

// SphereState is one live pool slot.
type SphereState struct {
	Slot     int        `json:"slot" msgpack:"slot"`
	Center   mgl64.Vec3 `json:"center" msgpack:"center"`
	Velocity mgl64.Vec3 `json:"velocity" msgpack:"velocity"`
}

// Snapshot is the state published after every frame and on screen changes.
// Spheres that dropped below the out-of-bounds floor, including the parked
// ones, are omitted.
type Snapshot struct {
	SessionID    string        `json:"sessionId" msgpack:"sessionId"`
	Level        string        `json:"level" msgpack:"level"`
	Frame        uint64        `json:"frame" msgpack:"frame"`
	SimulatedMs  uint64        `json:"simulatedMs" msgpack:"simulatedMs"`
	CapturedAtMs int64         `json:"capturedAtMs" msgpack:"capturedAtMs"`
	Screen       string        `json:"screen" msgpack:"screen"`
	Respawned    bool          `json:"respawned,omitempty" msgpack:"respawned,omitempty"`
	Player       PlayerState   `json:"player" msgpack:"player"`
	View         input.View    `json:"view" msgpack:"view"`
	NextSphere   int           `json:"nextSphere" msgpack:"nextSphere"`
	Spheres      []SphereState `json:"spheres" msgpack:"spheres"`
}

// CapturedAt converts the capture timestamp back to a time.
func (s Snapshot) CapturedAt() time.Time {
	return time.UnixMilli(s.CapturedAtMs)
}

// Simulated converts the simulated clock back to a duration.
func (s Snapshot) Simulated() time.Duration {
	return time.Duration(s.SimulatedMs) * time.Millisecond
}

// EventKind names a recorded session event.
type EventKind string

const (
	EventBegin        EventKind = "begin"
	EventEnd          EventKind = "end"
	EventKeyDown      EventKind = "key_down"
	EventKeyUp        EventKind = "key_up"
	EventLook         EventKind = "look"
	EventThrowStart   EventKind = "throw_start"
	EventThrowRelease EventKind = "throw_release"
	EventScreen       EventKind = "screen"
	EventAudioUnlock  EventKind = "audio_unlock"
	EventRespawn      EventKind = "respawn"
)

// Event is one entry of the session's input history.
type Event struct {
	AtMs     int64     `json:"atMs"`
	Frame    uint64    `json:"frame"`
	Kind     EventKind `json:"kind"`
	Key      string    `json:"key,omitempty"`
	DX       float64   `json:"dx,omitempty"`
	DY       float64   `json:"dy,omitempty"`
	ChargeMs int64     `json:"chargeMs,omitempty"`
	Screen   string    `json:"screen,omitempty"`
}

// EventSink receives session events. RecordEvent is called from input and
// frame goroutines and must not block.
type EventSink interface {
	RecordEvent(Event)
}
