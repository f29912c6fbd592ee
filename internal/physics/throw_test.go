package physics

import (
	"math"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

func TestThrowImpulseMonotonicAndBounded(t *testing.T) {
	tuning := DefaultTuning()
	ceiling := tuning.ThrowBase + tuning.ThrowGain

	previous := tuning.ThrowImpulse(0)
	if previous != tuning.ThrowBase {
		t.Fatalf("expected base impulse %.1f for an instant release, got %.6f", tuning.ThrowBase, previous)
	}
	for ms := 10; ms <= 20000; ms += 10 {
		impulse := tuning.ThrowImpulse(time.Duration(ms) * time.Millisecond)
		if impulse < previous {
			t.Fatalf("impulse decreased at %dms: %.6f < %.6f", ms, impulse, previous)
		}
		if impulse > ceiling {
			t.Fatalf("impulse %.6f exceeds ceiling %.6f", impulse, ceiling)
		}
		previous = impulse
	}
	if got := ThrowImpulse(-time.Second); got != tuning.ThrowBase {
		t.Fatalf("negative charge must clamp to the base impulse, got %.6f", got)
	}
}

func TestThrowRecyclesSlotCyclically(t *testing.T) {
	//1.- Start the cursor at the last slot so the throw wraps.
	tuning := DefaultTuning()
	tuning.PoolSize = 4
	integrator := NewIntegrator(tuning)
	pool := NewPool(tuning)
	idx := 3
	player := Body{Capsule: SpawnCapsule(), Velocity: mgl64.Vec3{1, 0, 0}}
	dir := mgl64.Vec3{0, 0, -1}

	slot := integrator.Throw(pool, &idx, player, dir, time.Second)
	if slot != 3 || idx != 0 {
		t.Fatalf("expected slot 3 and cursor 0, got slot %d cursor %d", slot, idx)
	}

	//2.- The sphere spawns in front of the view point with the player's momentum added twice.
	wantCenter := mgl64.Vec3{0, 1, -0.35 * 1.5}
	if !vecNear(pool[3].Sphere.Center, wantCenter, tolerance) {
		t.Fatalf("unexpected spawn %v", pool[3].Sphere.Center)
	}
	impulse := tuning.ThrowImpulse(time.Second)
	wantVelocity := mgl64.Vec3{2, 0, -impulse}
	if !vecNear(pool[3].Velocity, wantVelocity, tolerance) {
		t.Fatalf("unexpected velocity %v want %v", pool[3].Velocity, wantVelocity)
	}
	if math.Abs(pool[3].Sphere.Radius-tuning.SphereRadius) > tolerance {
		t.Fatalf("sphere radius must be preserved")
	}
}

func TestThrowStealsInFlightSphere(t *testing.T) {
	tuning := DefaultTuning()
	tuning.PoolSize = 2
	integrator := NewIntegrator(tuning)
	pool := NewPool(tuning)
	idx := 0
	player := NewBody(tuning)

	integrator.Throw(pool, &idx, player, mgl64.Vec3{1, 0, 0}, 0)
	integrator.Throw(pool, &idx, player, mgl64.Vec3{1, 0, 0}, 0)
	integrator.Throw(pool, &idx, player, mgl64.Vec3{0, 0, 1}, 0)

	if pool[0].Velocity.Z() <= 0 {
		t.Fatalf("third throw should reuse slot 0, got %v", pool[0].Velocity)
	}
	if idx != 1 {
		t.Fatalf("expected cursor 1, got %d", idx)
	}
}

// vecNear compares component-wise with an absolute tolerance.
func vecNear(a, b mgl64.Vec3, tolerance float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tolerance {
			return false
		}
	}
	return true
}
