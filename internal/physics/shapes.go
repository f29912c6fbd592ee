package physics

import "github.com/go-gl/mathgl/mgl64"

// Up is the world vertical axis used for grounding and strafing.
var Up = mgl64.Vec3{0, 1, 0}

// Capsule is a swept sphere between Start and End used as the player collider.
type Capsule struct {
	Start  mgl64.Vec3
	End    mgl64.Vec3
	Radius float64
}

// Center returns the midpoint of the capsule segment.
func (c Capsule) Center() mgl64.Vec3 {
	return c.Start.Add(c.End).Mul(0.5)
}

// Translate returns the capsule shifted by offset.
func (c Capsule) Translate(offset mgl64.Vec3) Capsule {
	c.Start = c.Start.Add(offset)
	c.End = c.End.Add(offset)
	return c
}

// Sphere is the collider of a thrown projectile.
type Sphere struct {
	Center mgl64.Vec3
	Radius float64
}

// Contact describes the push needed to separate a shape from static geometry.
type Contact struct {
	Normal mgl64.Vec3
	Depth  float64
}

// CollisionOracle answers penetration queries against immutable level geometry.
// Implementations report "no contact" with ok=false and never fail.
type CollisionOracle interface {
	IntersectCapsule(c Capsule) (Contact, bool)
	IntersectSphere(s Sphere) (Contact, bool)
}

// normalizeOrZero returns v scaled to unit length, or the zero vector when v has no length.
func normalizeOrZero(v mgl64.Vec3) mgl64.Vec3 {
	length := v.Len()
	if length == 0 {
		return mgl64.Vec3{}
	}
	return v.Mul(1 / length)
}
