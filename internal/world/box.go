package world

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Box is an axis aligned bounding box.
type Box struct {
	Min mgl64.Vec3
	Max mgl64.Vec3
}

// EmptyBox returns an inverted box that any point expansion will fix up.
func EmptyBox() Box {
	inf := math.Inf(1)
	return Box{Min: mgl64.Vec3{inf, inf, inf}, Max: mgl64.Vec3{-inf, -inf, -inf}}
}

// IsEmpty reports whether the box encloses nothing.
func (b Box) IsEmpty() bool {
	return b.Max.X() < b.Min.X() || b.Max.Y() < b.Min.Y() || b.Max.Z() < b.Min.Z()
}

// ExpandByPoint grows the box to include p.
func (b Box) ExpandByPoint(p mgl64.Vec3) Box {
	for i := 0; i < 3; i++ {
		b.Min[i] = math.Min(b.Min[i], p[i])
		b.Max[i] = math.Max(b.Max[i], p[i])
	}
	return b
}

// Union grows the box to include other.
func (b Box) Union(other Box) Box {
	if other.IsEmpty() {
		return b
	}
	return b.ExpandByPoint(other.Min).ExpandByPoint(other.Max)
}

// Pad grows the box by margin on every side.
func (b Box) Pad(margin float64) Box {
	pad := mgl64.Vec3{margin, margin, margin}
	return Box{Min: b.Min.Sub(pad), Max: b.Max.Add(pad)}
}

// Overlaps reports whether two boxes share any volume or touch.
func (b Box) Overlaps(other Box) bool {
	for i := 0; i < 3; i++ {
		if b.Max[i] < other.Min[i] || b.Min[i] > other.Max[i] {
			return false
		}
	}
	return true
}

// Octants splits the box into its eight equal children.
func (b Box) Octants() [8]Box {
	half := b.Max.Sub(b.Min).Mul(0.5)
	var out [8]Box
	i := 0
	for x := 0; x < 2; x++ {
		for y := 0; y < 2; y++ {
			for z := 0; z < 2; z++ {
				offset := mgl64.Vec3{float64(x) * half.X(), float64(y) * half.Y(), float64(z) * half.Z()}
				corner := b.Min.Add(offset)
				out[i] = Box{Min: corner, Max: corner.Add(half)}
				i++
			}
		}
	}
	return out
}
