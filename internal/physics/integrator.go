package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Body is the player avatar: a capsule collider, its velocity and the grounded flag.
type Body struct {
	Capsule  Capsule
	Velocity mgl64.Vec3
	OnFloor  bool
}

// ViewPoint is where the camera sits: the upper end of the capsule.
func (b Body) ViewPoint() mgl64.Vec3 {
	return b.Capsule.End
}

// NewBody places a player at the spawn pose of the tuning.
func NewBody(t Tuning) Body {
	return Body{Capsule: t.SpawnPose}
}

// Projectile is a pooled sphere. Pool slots keep their identity for the whole session.
type Projectile struct {
	Sphere   Sphere
	Velocity mgl64.Vec3
}

// Input is the control intent sampled at the start of a frame.
type Input struct {
	Forward  bool
	Backward bool
	Left     bool
	Right    bool
	Jump     bool
	// Facing is the camera world direction.
	Facing mgl64.Vec3
}

// Integrator advances player and projectile state with a fixed set of constants.
type Integrator struct {
	tuning Tuning
}

// NewIntegrator constructs an integrator bound to the supplied tuning.
func NewIntegrator(t Tuning) *Integrator {
	return &Integrator{tuning: t}
}

// Tuning exposes the constants used by the integrator.
func (it *Integrator) Tuning() Tuning {
	if it == nil {
		return DefaultTuning()
	}
	return it.tuning
}

// Step runs one sub-step with the default tuning. See Integrator.Step.
func Step(dt float64, in Input, player *Body, projectiles []Projectile, world CollisionOracle) bool {
	return NewIntegrator(DefaultTuning()).Step(dt, in, player, projectiles, world)
}

// Step advances the simulation by dt seconds. It mutates player and projectiles in
// place and reports whether the player was returned to the spawn pose. The view
// rotation lives with the caller, not in Body, so a respawn is reported here
// and the caller resets its view.
func (it *Integrator) Step(dt float64, in Input, player *Body, projectiles []Projectile, world CollisionOracle) bool {
	if it == nil || player == nil || dt < 0 {
		return false
	}
	//1.- Turn held keys into velocity changes before anything moves.
	it.applyControls(dt, in, player)
	//2.- Integrate the player and resolve it against the level.
	it.integratePlayer(dt, player)
	it.resolvePlayerWorld(player, world)
	//3.- Move spheres, then settle sphere contacts with the player and each other.
	for i := range projectiles {
		it.integrateProjectile(dt, &projectiles[i], world)
	}
	for i := range projectiles {
		resolveProjectilePlayer(player, &projectiles[i])
	}
	resolveProjectilePairs(projectiles)
	//4.- Recover a player who fell through the level.
	return it.RecoverOutOfBounds(player)
}

func (it *Integrator) applyControls(dt float64, in Input, player *Body) {
	speed := it.tuning.AirSpeed
	if player.OnFloor {
		speed = it.tuning.GroundSpeed
	}
	speedDelta := dt * speed

	forward := normalizeOrZero(mgl64.Vec3{in.Facing.X(), 0, in.Facing.Z()})
	side := forward.Cross(Up)

	if in.Forward {
		player.Velocity = player.Velocity.Add(forward.Mul(speedDelta))
	}
	if in.Backward {
		player.Velocity = player.Velocity.Sub(forward.Mul(speedDelta))
	}
	if in.Left {
		player.Velocity = player.Velocity.Sub(side.Mul(speedDelta))
	}
	if in.Right {
		player.Velocity = player.Velocity.Add(side.Mul(speedDelta))
	}
	if player.OnFloor && in.Jump {
		player.Velocity[1] = it.tuning.JumpVelocity
	}
}

func (it *Integrator) integratePlayer(dt float64, player *Body) {
	damping := math.Exp(-it.tuning.PlayerDamping*dt) - 1
	if !player.OnFloor {
		//1.- Gravity lands before damping and air drag is only a fraction of ground friction.
		player.Velocity[1] -= it.tuning.Gravity * dt
		damping *= it.tuning.AirDampingFactor
	}
	player.Velocity = player.Velocity.Add(player.Velocity.Mul(damping))
	player.Capsule = player.Capsule.Translate(player.Velocity.Mul(dt))
}

func (it *Integrator) resolvePlayerWorld(player *Body, world CollisionOracle) {
	player.OnFloor = false
	if world == nil {
		return
	}
	contact, ok := world.IntersectCapsule(player.Capsule)
	if !ok {
		return
	}
	player.OnFloor = contact.Normal.Y() > it.tuning.FloorEpsilon
	if !player.OnFloor {
		//1.- Slide along walls and ceilings by dropping the velocity into the surface.
		player.Velocity = player.Velocity.Sub(contact.Normal.Mul(contact.Normal.Dot(player.Velocity)))
	}
	if contact.Depth >= it.tuning.MinPushDepth {
		player.Capsule = player.Capsule.Translate(contact.Normal.Mul(contact.Depth))
	}
}

func (it *Integrator) integrateProjectile(dt float64, p *Projectile, world CollisionOracle) {
	p.Sphere.Center = p.Sphere.Center.Add(p.Velocity.Mul(dt))

	var contact Contact
	hit := false
	if world != nil {
		contact, hit = world.IntersectSphere(p.Sphere)
	}
	if hit {
		//1.- Reflect the normal component with restitution and push the sphere out.
		p.Velocity = p.Velocity.Sub(contact.Normal.Mul(contact.Normal.Dot(p.Velocity) * it.tuning.Restitution))
		p.Sphere.Center = p.Sphere.Center.Add(contact.Normal.Mul(contact.Depth))
	} else {
		p.Velocity[1] -= it.tuning.Gravity * dt
	}

	damping := math.Exp(-it.tuning.SphereDamping*dt) - 1
	p.Velocity = p.Velocity.Add(p.Velocity.Mul(damping))
}

// exchangeAlongNormal swaps the components of a and b along n, treating both bodies as equal mass.
func exchangeAlongNormal(n mgl64.Vec3, a, b *mgl64.Vec3) {
	va := n.Mul(n.Dot(*a))
	vb := n.Mul(n.Dot(*b))
	*a = a.Add(vb).Sub(va)
	*b = b.Add(va).Sub(vb)
}

func resolveProjectilePlayer(player *Body, p *Projectile) {
	reach := player.Capsule.Radius + p.Sphere.Radius
	reachSq := reach * reach
	samples := [3]mgl64.Vec3{player.Capsule.Start, player.Capsule.End, player.Capsule.Center()}
	for _, point := range samples {
		offset := point.Sub(p.Sphere.Center)
		distSq := offset.Dot(offset)
		if distSq >= reachSq || distSq == 0 {
			continue
		}
		dist := math.Sqrt(distSq)
		normal := offset.Mul(1 / dist)
		exchangeAlongNormal(normal, &player.Velocity, &p.Velocity)
		//1.- Only the sphere is displaced; the player keeps its resolved pose.
		p.Sphere.Center = p.Sphere.Center.Sub(normal.Mul((reach - dist) / 2))
	}
}

func resolveProjectilePairs(projectiles []Projectile) {
	for i := 0; i < len(projectiles); i++ {
		a := &projectiles[i]
		for j := i + 1; j < len(projectiles); j++ {
			b := &projectiles[j]
			reach := a.Sphere.Radius + b.Sphere.Radius
			offset := a.Sphere.Center.Sub(b.Sphere.Center)
			distSq := offset.Dot(offset)
			if distSq >= reach*reach || distSq == 0 {
				continue
			}
			dist := math.Sqrt(distSq)
			normal := offset.Mul(1 / dist)
			exchangeAlongNormal(normal, &a.Velocity, &b.Velocity)
			push := normal.Mul((reach - dist) / 2)
			a.Sphere.Center = a.Sphere.Center.Add(push)
			b.Sphere.Center = b.Sphere.Center.Sub(push)
		}
	}
}

// RecoverOutOfBounds resets the capsule to the spawn pose once the view point
// drops to the out-of-bounds floor. Velocity is left untouched.
func (it *Integrator) RecoverOutOfBounds(player *Body) bool {
	if it == nil || player == nil {
		return false
	}
	if player.Capsule.End.Y() > it.tuning.OutOfBoundsY {
		return false
	}
	player.Capsule = it.tuning.SpawnPose
	return true
}
