package physics

import (
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// NewPool allocates the fixed projectile pool with every sphere parked below the level.
func NewPool(t Tuning) []Projectile {
	size := t.PoolSize
	if size <= 0 {
		size = 1
	}
	pool := make([]Projectile, size)
	for i := range pool {
		pool[i] = Projectile{Sphere: Sphere{Center: mgl64.Vec3{0, t.SphereParkY, 0}, Radius: t.SphereRadius}}
	}
	return pool
}

// ThrowImpulse maps a charge duration to a launch speed that rises toward ThrowBase+ThrowGain.
func (t Tuning) ThrowImpulse(charge time.Duration) float64 {
	seconds := charge.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	return t.ThrowBase + t.ThrowGain*(1-math.Exp(-t.ThrowChargeRate*seconds))
}

// ThrowImpulse evaluates the impulse curve of the default tuning.
func ThrowImpulse(charge time.Duration) float64 {
	return DefaultTuning().ThrowImpulse(charge)
}

// Throw launches the sphere at *idx along dir and advances *idx cyclically. The
// recycled slot may still be in flight. It returns the slot that was thrown.
func (it *Integrator) Throw(pool []Projectile, idx *int, player Body, dir mgl64.Vec3, charge time.Duration) int {
	if it == nil || len(pool) == 0 || idx == nil {
		return -1
	}
	//1.- Keep the cursor inside the pool even if a caller corrupted it.
	slot := *idx % len(pool)
	if slot < 0 {
		slot += len(pool)
	}
	dir = normalizeOrZero(dir)

	//2.- Spawn just in front of the view point and carry twice the player's momentum.
	sphere := &pool[slot]
	sphere.Sphere.Center = player.Capsule.End.Add(dir.Mul(player.Capsule.Radius * it.tuning.ThrowOffsetFactor))
	sphere.Velocity = dir.Mul(it.tuning.ThrowImpulse(charge)).Add(player.Velocity.Mul(it.tuning.ThrowCarryFactor))

	*idx = (slot + 1) % len(pool)
	return slot
}
