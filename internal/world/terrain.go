package world

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// TerrainSpec is a square heightfield centred on the origin. Heights come from
// layered value noise; the area within FlatRadius of the origin stays at Y so
// the spawn pose is always above ground.
type TerrainSpec struct {
	Size       float64 `json:"size"`
	Cells      int     `json:"cells"`
	Y          float64 `json:"y"`
	Amplitude  float64 `json:"amplitude"`
	Frequency  float64 `json:"frequency"`
	Octaves    int     `json:"octaves"`
	Seed       float64 `json:"seed"`
	FlatRadius float64 `json:"flatRadius"`
}

// HeightAt samples the terrain surface at world x, z.
func (s TerrainSpec) HeightAt(x, z float64) float64 {
	octaves := s.Octaves
	if octaves <= 0 {
		octaves = 4
	}
	frequency := s.Frequency
	if frequency <= 0 {
		frequency = 0.05
	}

	//1.- Sum octaves of smoothed noise, halving amplitude and doubling frequency each layer.
	total, weight, amplitude := 0.0, 0.0, 1.0
	for i := 0; i < octaves; i++ {
		total += smoothNoise(x*frequency+s.Seed, z*frequency-s.Seed) * amplitude
		weight += amplitude
		amplitude *= 0.5
		frequency *= 2
	}
	height := (total/weight*2 - 1) * s.Amplitude

	//2.- Blend towards the base height near the spawn point.
	if s.FlatRadius > 0 {
		distance := math.Hypot(x, z)
		if distance < s.FlatRadius {
			return s.Y
		}
		blend := smoothstep(math.Min(1, (distance-s.FlatRadius)/s.FlatRadius))
		height *= blend
	}
	return s.Y + height
}

// Terrain triangulates the heightfield into upward facing faces.
func Terrain(spec TerrainSpec) ([]Triangle, error) {
	if spec.Size <= 0 {
		return nil, fmt.Errorf("size must be positive, got %v", spec.Size)
	}
	if spec.Cells <= 0 {
		return nil, fmt.Errorf("cells must be positive, got %d", spec.Cells)
	}
	step := spec.Size / float64(spec.Cells)
	origin := -spec.Size / 2
	n := spec.Cells + 1

	heights := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			heights[i*n+j] = spec.HeightAt(origin+float64(i)*step, origin+float64(j)*step)
		}
	}
	vertex := func(i, j int) mgl64.Vec3 {
		return mgl64.Vec3{origin + float64(i)*step, heights[i*n+j], origin + float64(j)*step}
	}

	faces := make([]Triangle, 0, spec.Cells*spec.Cells*2)
	for i := 0; i < spec.Cells; i++ {
		for j := 0; j < spec.Cells; j++ {
			faces = append(faces, quad(vertex(i, j), vertex(i, j+1), vertex(i+1, j+1), vertex(i+1, j), mgl64.Vec3{0, 1, 0})...)
		}
	}
	return faces, nil
}

// hashNoise maps a lattice point to a pseudo random value in [0, 1).
func hashNoise(x, z float64) float64 {
	h := math.Sin(x*12.9898+z*78.233) * 43758.5453
	return h - math.Floor(h)
}

func smoothstep(t float64) float64 {
	return t * t * (3 - 2*t)
}

// smoothNoise bilinearly interpolates hashNoise between lattice corners.
func smoothNoise(x, z float64) float64 {
	x0, z0 := math.Floor(x), math.Floor(z)
	sx, sz := smoothstep(x-x0), smoothstep(z-z0)

	n00 := hashNoise(x0, z0)
	n10 := hashNoise(x0+1, z0)
	n01 := hashNoise(x0, z0+1)
	n11 := hashNoise(x0+1, z0+1)

	top := n00 + sx*(n10-n00)
	bottom := n01 + sx*(n11-n01)
	return top + sz*(bottom-top)
}
