package world

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Triangle is a single face of the level mesh. Winding is counter-clockwise
// when seen from the side the face is solid against.
type Triangle struct {
	A, B, C mgl64.Vec3
}

// Normal returns the unit face normal, or the zero vector for a degenerate face.
func (t Triangle) Normal() mgl64.Vec3 {
	n := t.B.Sub(t.A).Cross(t.C.Sub(t.A))
	length := n.Len()
	if length == 0 {
		return mgl64.Vec3{}
	}
	return mgl64.Vec3{n[0] / length, n[1] / length, n[2] / length}
}

// SignedDistance measures how far p sits in front of the face plane.
func (t Triangle) SignedDistance(p mgl64.Vec3) float64 {
	return t.Normal().Dot(p.Sub(t.A))
}

// edgeTolerance widens the barycentric test so points on an edge shared by
// two faces are inside at least one of them despite rounding.
const edgeTolerance = 1e-9

// ContainsProjection reports whether p, projected onto the face plane, lies
// inside the triangle. Points on an edge count as inside.
func (t Triangle) ContainsProjection(p mgl64.Vec3) bool {
	v0 := t.C.Sub(t.A)
	v1 := t.B.Sub(t.A)
	v2 := p.Sub(t.A)

	dot00 := v0.Dot(v0)
	dot01 := v0.Dot(v1)
	dot02 := v0.Dot(v2)
	dot11 := v1.Dot(v1)
	dot12 := v1.Dot(v2)

	denom := dot00*dot11 - dot01*dot01
	if denom == 0 {
		return false
	}
	inv := 1 / denom
	u := (dot11*dot02 - dot01*dot12) * inv
	v := (dot00*dot12 - dot01*dot02) * inv
	return u >= -edgeTolerance && v >= -edgeTolerance && u+v <= 1+edgeTolerance
}

// Edges lists the three sides of the face.
func (t Triangle) Edges() [3][2]mgl64.Vec3 {
	return [3][2]mgl64.Vec3{{t.A, t.B}, {t.B, t.C}, {t.C, t.A}}
}

// Bounds returns the axis aligned box enclosing the face.
func (t Triangle) Bounds() Box {
	box := EmptyBox()
	box = box.ExpandByPoint(t.A)
	box = box.ExpandByPoint(t.B)
	return box.ExpandByPoint(t.C)
}

// closestPointOnSegment clamps the projection of p onto segment ab.
func closestPointOnSegment(p, a, b mgl64.Vec3) mgl64.Vec3 {
	ab := b.Sub(a)
	lengthSq := ab.Dot(ab)
	if lengthSq == 0 {
		return a
	}
	t := clamp01(p.Sub(a).Dot(ab) / lengthSq)
	return a.Add(ab.Mul(t))
}

// closestSegmentPoints returns the closest pair of points between segments p1q1 and p2q2.
func closestSegmentPoints(p1, q1, p2, q2 mgl64.Vec3) (mgl64.Vec3, mgl64.Vec3) {
	const eps = 1e-12
	d1 := q1.Sub(p1)
	d2 := q2.Sub(p2)
	r := p1.Sub(p2)
	a := d1.Dot(d1)
	e := d2.Dot(d2)
	f := d2.Dot(r)

	var s, t float64
	switch {
	case a <= eps && e <= eps:
		//1.- Both segments collapsed to points.
	case a <= eps:
		t = clamp01(f / e)
	default:
		c := d1.Dot(r)
		if e <= eps {
			s = clamp01(-c / a)
			break
		}
		//2.- General case: solve on the infinite lines, then clamp both parameters.
		b := d1.Dot(d2)
		denom := a*e - b*b
		if denom != 0 {
			s = clamp01((b*f - c*e) / denom)
		}
		t = (b*s + f) / e
		if t < 0 {
			t = 0
			s = clamp01(-c / a)
		} else if t > 1 {
			t = 1
			s = clamp01((b - c) / a)
		}
	}
	return p1.Add(d1.Mul(s)), p2.Add(d2.Mul(t))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
