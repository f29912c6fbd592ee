package world

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
)

// ErrEmptyLevel is returned when a level description produces no geometry.
var ErrEmptyLevel = errors.New("level has no geometry")

// FloorSpec is a flat square floor centred on the origin.
type FloorSpec struct {
	Size  float64 `json:"size"`
	Y     float64 `json:"y"`
	Cells int     `json:"cells"`
}

// BoxSpec is a solid axis aligned block.
type BoxSpec struct {
	Min mgl64.Vec3 `json:"min"`
	Max mgl64.Vec3 `json:"max"`
}

// RampSpec is a wedge whose top rises from Min.Y at Min.X to Max.Y at Max.X.
type RampSpec struct {
	Min mgl64.Vec3 `json:"min"`
	Max mgl64.Vec3 `json:"max"`
}

// Level describes the static geometry of a map.
type Level struct {
	Name    string       `json:"name"`
	Floor   *FloorSpec   `json:"floor,omitempty"`
	Boxes   []BoxSpec    `json:"boxes,omitempty"`
	Ramps   []RampSpec   `json:"ramps,omitempty"`
	Terrain *TerrainSpec `json:"terrain,omitempty"`
}

// Triangles compiles the level description into faces.
func (l Level) Triangles() ([]Triangle, error) {
	var out []Triangle
	if l.Floor != nil {
		faces, err := Floor(*l.Floor)
		if err != nil {
			return nil, fmt.Errorf("floor: %w", err)
		}
		out = append(out, faces...)
	}
	for i, spec := range l.Boxes {
		faces, err := Block(spec)
		if err != nil {
			return nil, fmt.Errorf("box %d: %w", i, err)
		}
		out = append(out, faces...)
	}
	for i, spec := range l.Ramps {
		faces, err := Ramp(spec)
		if err != nil {
			return nil, fmt.Errorf("ramp %d: %w", i, err)
		}
		out = append(out, faces...)
	}
	if l.Terrain != nil {
		faces, err := Terrain(*l.Terrain)
		if err != nil {
			return nil, fmt.Errorf("terrain: %w", err)
		}
		out = append(out, faces...)
	}
	if len(out) == 0 {
		return nil, ErrEmptyLevel
	}
	return out, nil
}

// Build compiles the level and indexes it.
func Build(l Level, opts ...Option) (*Octree, error) {
	faces, err := l.Triangles()
	if err != nil {
		return nil, fmt.Errorf("level %q: %w", l.Name, err)
	}
	return NewOctree(faces, opts...), nil
}

// Floor tiles a square of the given size into cells×cells quads facing up.
func Floor(spec FloorSpec) ([]Triangle, error) {
	if spec.Size <= 0 {
		return nil, fmt.Errorf("size must be positive, got %v", spec.Size)
	}
	cells := spec.Cells
	if cells <= 0 {
		cells = 1
	}
	step := spec.Size / float64(cells)
	origin := -spec.Size / 2
	faces := make([]Triangle, 0, cells*cells*2)
	for i := 0; i < cells; i++ {
		for j := 0; j < cells; j++ {
			x0, z0 := origin+float64(i)*step, origin+float64(j)*step
			x1, z1 := x0+step, z0+step
			faces = append(faces, quad(
				mgl64.Vec3{x0, spec.Y, z0},
				mgl64.Vec3{x0, spec.Y, z1},
				mgl64.Vec3{x1, spec.Y, z1},
				mgl64.Vec3{x1, spec.Y, z0},
				mgl64.Vec3{0, 1, 0},
			)...)
		}
	}
	return faces, nil
}

// Block emits the six outward facing sides of a box.
func Block(spec BoxSpec) ([]Triangle, error) {
	lo, hi := spec.Min, spec.Max
	if hi.X() <= lo.X() || hi.Y() <= lo.Y() || hi.Z() <= lo.Z() {
		return nil, fmt.Errorf("max %v must exceed min %v on every axis", hi, lo)
	}
	corner := func(x, y, z int) mgl64.Vec3 {
		pick := func(axis, bit int) float64 {
			if bit == 0 {
				return lo[axis]
			}
			return hi[axis]
		}
		return mgl64.Vec3{pick(0, x), pick(1, y), pick(2, z)}
	}
	faces := make([]Triangle, 0, 12)
	faces = append(faces, quad(corner(0, 0, 0), corner(0, 0, 1), corner(0, 1, 1), corner(0, 1, 0), mgl64.Vec3{-1, 0, 0})...)
	faces = append(faces, quad(corner(1, 0, 0), corner(1, 1, 0), corner(1, 1, 1), corner(1, 0, 1), mgl64.Vec3{1, 0, 0})...)
	faces = append(faces, quad(corner(0, 0, 0), corner(1, 0, 0), corner(1, 0, 1), corner(0, 0, 1), mgl64.Vec3{0, -1, 0})...)
	faces = append(faces, quad(corner(0, 1, 0), corner(0, 1, 1), corner(1, 1, 1), corner(1, 1, 0), mgl64.Vec3{0, 1, 0})...)
	faces = append(faces, quad(corner(0, 0, 0), corner(0, 1, 0), corner(1, 1, 0), corner(1, 0, 0), mgl64.Vec3{0, 0, -1})...)
	faces = append(faces, quad(corner(0, 0, 1), corner(1, 0, 1), corner(1, 1, 1), corner(0, 1, 1), mgl64.Vec3{0, 0, 1})...)
	return faces, nil
}

// Ramp emits the sloped top and the vertical back wall of a wedge.
func Ramp(spec RampSpec) ([]Triangle, error) {
	lo, hi := spec.Min, spec.Max
	if hi.X() <= lo.X() || hi.Y() <= lo.Y() || hi.Z() <= lo.Z() {
		return nil, fmt.Errorf("max %v must exceed min %v on every axis", hi, lo)
	}
	top := quad(
		mgl64.Vec3{lo.X(), lo.Y(), lo.Z()},
		mgl64.Vec3{lo.X(), lo.Y(), hi.Z()},
		mgl64.Vec3{hi.X(), hi.Y(), hi.Z()},
		mgl64.Vec3{hi.X(), hi.Y(), lo.Z()},
		mgl64.Vec3{-(hi.Y() - lo.Y()), hi.X() - lo.X(), 0},
	)
	back := quad(
		mgl64.Vec3{hi.X(), lo.Y(), lo.Z()},
		mgl64.Vec3{hi.X(), hi.Y(), lo.Z()},
		mgl64.Vec3{hi.X(), hi.Y(), hi.Z()},
		mgl64.Vec3{hi.X(), lo.Y(), hi.Z()},
		mgl64.Vec3{1, 0, 0},
	)
	return append(top, back...), nil
}

// quad splits abcd into two faces wound so their normal points along outward.
func quad(a, b, c, d, outward mgl64.Vec3) []Triangle {
	if b.Sub(a).Cross(c.Sub(a)).Dot(outward) < 0 {
		b, d = d, b
	}
	return []Triangle{{A: a, B: b, C: c}, {A: a, B: c, C: d}}
}
