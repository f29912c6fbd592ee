package world

import (
	"errors"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"snowbiome/server/internal/physics"
)

func mustFloor(t *testing.T, spec FloorSpec) []Triangle {
	t.Helper()
	faces, err := Floor(spec)
	if err != nil {
		t.Fatalf("floor: %v", err)
	}
	return faces
}

func TestCapsuleRestingOnFloorTouches(t *testing.T) {
	//1.- The spawn capsule's lower sphere touches y=0 exactly at a shared vertex.
	tree := NewOctree(mustFloor(t, FloorSpec{Size: 20, Cells: 4}))
	contact, ok := tree.IntersectCapsule(physics.SpawnCapsule())
	if !ok {
		t.Fatalf("expected a touching contact")
	}
	if !vecNear(contact.Normal, mgl64.Vec3{0, 1, 0}, 1e-12) {
		t.Fatalf("expected an upward normal, got %v", contact.Normal)
	}
	if contact.Depth > 1e-12 {
		t.Fatalf("expected zero depth, got %v", contact.Depth)
	}
}

func TestCapsulePenetratingFloorIsPushedUp(t *testing.T) {
	tree := NewOctree(mustFloor(t, FloorSpec{Size: 20, Cells: 7}))
	capsule := physics.SpawnCapsule().Translate(mgl64.Vec3{0.3, -0.1, 1.7})
	contact, ok := tree.IntersectCapsule(capsule)
	if !ok {
		t.Fatalf("expected a contact")
	}
	if !vecNear(contact.Normal, mgl64.Vec3{0, 1, 0}, 1e-9) || math.Abs(contact.Depth-0.1) > 1e-9 {
		t.Fatalf("unexpected contact %+v", contact)
	}
}

func TestCapsuleInAirHasNoContact(t *testing.T) {
	tree := NewOctree(mustFloor(t, FloorSpec{Size: 20, Cells: 4}))
	if _, ok := tree.IntersectCapsule(physics.SpawnCapsule().Translate(mgl64.Vec3{0, 3, 0})); ok {
		t.Fatalf("expected no contact above the floor")
	}
	if _, ok := tree.IntersectCapsule(physics.SpawnCapsule().Translate(mgl64.Vec3{50, 0, 0})); ok {
		t.Fatalf("expected no contact outside the level bounds")
	}
}

func TestCapsuleAgainstBlockSide(t *testing.T) {
	//1.- A capsule overlapping the -x side of a block is pushed back along -x.
	faces, err := Block(BoxSpec{Min: mgl64.Vec3{1, 0, -1}, Max: mgl64.Vec3{2, 2, 1}})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	tree := NewOctree(faces)
	capsule := physics.Capsule{Start: mgl64.Vec3{0.8, 0.5, 0}, End: mgl64.Vec3{0.8, 1.15, 0}, Radius: 0.35}
	contact, ok := tree.IntersectCapsule(capsule)
	if !ok {
		t.Fatalf("expected a contact with the block")
	}
	if !vecNear(contact.Normal, mgl64.Vec3{-1, 0, 0}, 1e-9) {
		t.Fatalf("unexpected normal %v", contact.Normal)
	}
	if math.Abs(contact.Depth-0.15) > 1e-9 {
		t.Fatalf("unexpected depth %v", contact.Depth)
	}
}

func TestSphereAgainstFloor(t *testing.T) {
	tree := NewOctree(mustFloor(t, FloorSpec{Size: 10, Cells: 10}))
	contact, ok := tree.IntersectSphere(physics.Sphere{Center: mgl64.Vec3{0.3, 0.1, 0.3}, Radius: 0.2})
	if !ok {
		t.Fatalf("expected a sphere contact")
	}
	if !vecNear(contact.Normal, mgl64.Vec3{0, 1, 0}, 1e-9) || math.Abs(contact.Depth-0.1) > 1e-9 {
		t.Fatalf("unexpected contact %+v", contact)
	}
	if _, ok := tree.IntersectSphere(physics.Sphere{Center: mgl64.Vec3{0.3, 1, 0.3}, Radius: 0.2}); ok {
		t.Fatalf("expected no contact for a sphere in the air")
	}
}

func TestSphereOnRampUsesSlopeNormal(t *testing.T) {
	faces, err := Ramp(RampSpec{Min: mgl64.Vec3{0, 0, -2}, Max: mgl64.Vec3{4, 2, 2}})
	if err != nil {
		t.Fatalf("ramp: %v", err)
	}
	tree := NewOctree(faces)
	contact, ok := tree.IntersectSphere(physics.Sphere{Center: mgl64.Vec3{2, 1.1, 0}, Radius: 0.3})
	if !ok {
		t.Fatalf("expected a ramp contact")
	}
	want := mgl64.Vec3{-2, 4, 0}.Normalize()
	if !vecNear(contact.Normal, want, 1e-9) {
		t.Fatalf("expected slope normal %v, got %v", want, contact.Normal)
	}
}

func TestSphereOverRampSeamKeepsSlopeNormal(t *testing.T) {
	faces, err := Ramp(RampSpec{Min: mgl64.Vec3{0, 0, -2}, Max: mgl64.Vec3{4, 2, 2}})
	if err != nil {
		t.Fatalf("ramp: %v", err)
	}
	tree := NewOctree(faces)
	slope := mgl64.Vec3{-1, 2, 0}.Normalize()

	//1.- The top is split along (0,0,-2)-(4,2,2); sample on and beside that diagonal.
	for _, along := range []float64{0.25, 0.5, 0.51, 0.75} {
		seam := mgl64.Vec3{4 * along, 2 * along, -2 + 4*along}
		for _, side := range []float64{0, 0.03, -0.03} {
			foot := seam.Add(mgl64.Vec3{0, 0, side})
			contact, ok := tree.IntersectSphere(physics.Sphere{Center: foot.Add(slope.Mul(0.25)), Radius: 0.3})
			if !ok {
				t.Fatalf("expected a contact at %v", foot)
			}
			if !vecNear(contact.Normal, slope, 1e-9) || math.Abs(contact.Depth-0.05) > 1e-9 {
				t.Fatalf("sphere above %v: expected slope normal %v depth 0.05, got %+v", foot, slope, contact)
			}
		}
	}
}

func TestSphereAgainstEdge(t *testing.T) {
	//1.- A sphere beside a lone face touches only its edge.
	tree := NewOctree([]Triangle{{A: mgl64.Vec3{0, 0, 0}, B: mgl64.Vec3{0, 0, 1}, C: mgl64.Vec3{1, 0, 0}}})
	contact, ok := tree.IntersectSphere(physics.Sphere{Center: mgl64.Vec3{-0.1, 0, 0.5}, Radius: 0.2})
	if !ok {
		t.Fatalf("expected an edge contact")
	}
	if !vecNear(contact.Normal, mgl64.Vec3{-1, 0, 0}, 1e-9) || math.Abs(contact.Depth-0.1) > 1e-9 {
		t.Fatalf("unexpected edge contact %+v", contact)
	}
}

func TestOctreeSubdividesLargeLevels(t *testing.T) {
	tree := NewOctree(mustFloor(t, FloorSpec{Size: 40, Cells: 20}))
	stats := tree.Stats()
	if stats.Triangles != 800 {
		t.Fatalf("expected 800 faces, got %d", stats.Triangles)
	}
	if stats.Leaves < 2 || stats.Depth < 1 {
		t.Fatalf("expected a subdivided tree, got %+v", stats)
	}
	//1.- Candidate lists never repeat a face even when it spans several leaves.
	query := Box{Min: mgl64.Vec3{-20, -1, -20}, Max: mgl64.Vec3{20, 1, 20}}
	seen := map[int]bool{}
	for _, idx := range tree.candidates(query) {
		if seen[idx] {
			t.Fatalf("face %d returned twice", idx)
		}
		seen[idx] = true
	}
	if len(seen) != 800 {
		t.Fatalf("expected every face to be a candidate, got %d", len(seen))
	}
}

func TestIntegratorWalksOnOctreeFloor(t *testing.T) {
	//1.- Run a few seconds of frames with forward held on a tiled floor.
	tree := NewOctree(mustFloor(t, FloorSpec{Size: 60, Cells: 12}))
	tuning := physics.DefaultTuning()
	integrator := physics.NewIntegrator(tuning)
	player := physics.NewBody(tuning)
	dt, steps := tuning.FrameSubsteps(tuning.MaxFrameDelta)
	in := physics.Input{Forward: true, Facing: mgl64.Vec3{0, 0, -1}}

	for frame := 0; frame < 60; frame++ {
		for i := 0; i < steps; i++ {
			integrator.Step(dt, in, &player, nil, tree)
		}
	}
	if !player.OnFloor {
		t.Fatalf("expected the player to be grounded")
	}
	if math.Abs(player.Capsule.Start.Y()-0.35) > 1e-3 {
		t.Fatalf("expected the capsule to rest on the floor, start y %.6f", player.Capsule.Start.Y())
	}
	if player.Capsule.End.Z() > -1 {
		t.Fatalf("expected forward motion along -z, end %v", player.Capsule.End)
	}
}

func TestBuildRejectsEmptyLevel(t *testing.T) {
	if _, err := Build(Level{Name: "void"}); !errors.Is(err, ErrEmptyLevel) {
		t.Fatalf("expected ErrEmptyLevel, got %v", err)
	}
	if _, err := Build(Level{Name: "bad", Boxes: []BoxSpec{{Min: mgl64.Vec3{1, 1, 1}, Max: mgl64.Vec3{0, 2, 2}}}}); err == nil {
		t.Fatalf("expected an inverted box to be rejected")
	}
}

func TestTerrainFlatAroundSpawn(t *testing.T) {
	spec := TerrainSpec{Size: 64, Cells: 16, Y: 0, Amplitude: 6, Seed: 3, FlatRadius: 6}
	if h := spec.HeightAt(0, 0); h != 0 {
		t.Fatalf("expected flat spawn area, got %v", h)
	}
	faces, err := Terrain(spec)
	if err != nil {
		t.Fatalf("terrain: %v", err)
	}
	if len(faces) != 16*16*2 {
		t.Fatalf("unexpected face count %d", len(faces))
	}
	for i, face := range faces {
		if face.Normal().Y() <= 0 {
			t.Fatalf("face %d faces downwards: %v", i, face.Normal())
		}
	}
	varied := false
	for x := -30.0; x <= 30; x += 3 {
		if math.Abs(spec.HeightAt(x, 25)) > 1e-6 {
			varied = true
			break
		}
	}
	if !varied {
		t.Fatalf("expected terrain relief away from spawn")
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
