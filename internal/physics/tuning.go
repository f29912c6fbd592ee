package physics

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// Tuning groups every constant the integrator reads.
type Tuning struct {
	Gravity           float64       `json:"gravity"`
	PlayerDamping     float64       `json:"playerDamping"`
	AirDampingFactor  float64       `json:"airDampingFactor"`
	SphereDamping     float64       `json:"sphereDamping"`
	Restitution       float64       `json:"restitution"`
	GroundSpeed       float64       `json:"groundSpeed"`
	AirSpeed          float64       `json:"airSpeed"`
	JumpVelocity      float64       `json:"jumpVelocity"`
	FloorEpsilon      float64       `json:"floorEpsilon"`
	MinPushDepth      float64       `json:"minPushDepth"`
	OutOfBoundsY      float64       `json:"outOfBoundsY"`
	SpawnPose         Capsule       `json:"-"`
	PoolSize          int           `json:"poolSize"`
	SphereRadius      float64       `json:"sphereRadius"`
	SphereParkY       float64       `json:"sphereParkY"`
	StepsPerFrame     int           `json:"stepsPerFrame"`
	MaxFrameDelta     time.Duration `json:"-"`
	ThrowBase         float64       `json:"throwBase"`
	ThrowGain         float64       `json:"throwGain"`
	ThrowChargeRate   float64       `json:"throwChargeRate"`
	ThrowOffsetFactor float64       `json:"throwOffsetFactor"`
	ThrowCarryFactor  float64       `json:"throwCarryFactor"`
}

// DefaultTuning returns the arcade constants the game ships with.
func DefaultTuning() Tuning {
	return Tuning{
		Gravity:           30,
		PlayerDamping:     4,
		AirDampingFactor:  0.1,
		SphereDamping:     1.5,
		Restitution:       1.5,
		GroundSpeed:       25,
		AirSpeed:          8,
		JumpVelocity:      15,
		FloorEpsilon:      1e-5,
		MinPushDepth:      1e-10,
		OutOfBoundsY:      -25,
		SpawnPose:         SpawnCapsule(),
		PoolSize:          100,
		SphereRadius:      0.2,
		SphereParkY:       -100,
		StepsPerFrame:     5,
		MaxFrameDelta:     50 * time.Millisecond,
		ThrowBase:         15,
		ThrowGain:         30,
		ThrowChargeRate:   1,
		ThrowOffsetFactor: 1.5,
		ThrowCarryFactor:  2,
	}
}

// SpawnCapsule is the pose a player starts from and returns to after falling out of the level.
func SpawnCapsule() Capsule {
	return Capsule{
		Start:  mgl64.Vec3{0, 0.35, 0},
		End:    mgl64.Vec3{0, 1, 0},
		Radius: 0.35,
	}
}

// FrameSubsteps splits a rendered frame into equal sub-steps after clamping it to MaxFrameDelta.
func (t Tuning) FrameSubsteps(frameDelta time.Duration) (float64, int) {
	//1.- Treat negative frame deltas as idle frames.
	if frameDelta < 0 {
		frameDelta = 0
	}
	if t.MaxFrameDelta > 0 && frameDelta > t.MaxFrameDelta {
		frameDelta = t.MaxFrameDelta
	}
	steps := t.StepsPerFrame
	if steps <= 0 {
		steps = 1
	}
	//2.- Divide the bounded delta so collision response stays stable under spikes.
	return frameDelta.Seconds() / float64(steps), steps
}
