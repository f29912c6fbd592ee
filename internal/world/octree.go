package world

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"snowbiome/server/internal/physics"
)

const (
	// DefaultTrianglesPerLeaf stops subdividing once a node holds this many faces.
	DefaultTrianglesPerLeaf = 8
	// DefaultMaxLevel bounds the subdivision depth.
	DefaultMaxLevel = 16
	// boundsPadding keeps flat levels from producing zero-thickness nodes.
	boundsPadding = 0.01
)

// Option customises octree construction.
type Option func(*Octree)

// WithTrianglesPerLeaf overrides the leaf capacity.
func WithTrianglesPerLeaf(n int) Option {
	return func(o *Octree) {
		if n > 0 {
			o.perLeaf = n
		}
	}
}

// WithMaxLevel overrides the maximum subdivision depth.
func WithMaxLevel(level int) Option {
	return func(o *Octree) {
		if level >= 0 {
			o.maxLevel = level
		}
	}
}

type node struct {
	box       Box
	triangles []int
	children  []*node
}

// Octree is the static collision index of a level. It is immutable after
// NewOctree returns and safe for concurrent queries.
type Octree struct {
	triangles []Triangle
	root      *node
	perLeaf   int
	maxLevel  int
}

// Stats describes the shape of a built octree.
type Stats struct {
	Triangles int
	Nodes     int
	Leaves    int
	Depth     int
}

var _ physics.CollisionOracle = (*Octree)(nil)

// NewOctree indexes the supplied faces.
func NewOctree(triangles []Triangle, opts ...Option) *Octree {
	tree := &Octree{
		triangles: append([]Triangle(nil), triangles...),
		perLeaf:   DefaultTrianglesPerLeaf,
		maxLevel:  DefaultMaxLevel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(tree)
		}
	}

	//1.- Bound every face and pad the root so flat geometry still has volume.
	bounds := EmptyBox()
	all := make([]int, len(tree.triangles))
	for i, tri := range tree.triangles {
		bounds = bounds.Union(tri.Bounds())
		all[i] = i
	}
	if bounds.IsEmpty() {
		bounds = Box{}
	}
	tree.root = &node{box: bounds.Pad(boundsPadding), triangles: all}

	//2.- Distribute the faces into octants recursively.
	tree.split(tree.root, 0)
	return tree
}

func (o *Octree) split(n *node, level int) {
	octants := n.box.Octants()
	for _, box := range octants {
		child := &node{box: box}
		for _, idx := range n.triangles {
			if box.Overlaps(o.triangles[idx].Bounds()) {
				child.triangles = append(child.triangles, idx)
			}
		}
		count := len(child.triangles)
		if count > o.perLeaf && level < o.maxLevel {
			o.split(child, level+1)
		}
		if count != 0 {
			n.children = append(n.children, child)
		}
	}
	n.triangles = nil
}

// Bounds returns the padded box enclosing the level.
func (o *Octree) Bounds() Box {
	if o == nil || o.root == nil {
		return Box{}
	}
	return o.root.box
}

// Stats walks the tree and reports its shape.
func (o *Octree) Stats() Stats {
	if o == nil || o.root == nil {
		return Stats{}
	}
	stats := Stats{Triangles: len(o.triangles)}
	var walk func(n *node, depth int)
	walk = func(n *node, depth int) {
		stats.Nodes++
		if depth > stats.Depth {
			stats.Depth = depth
		}
		if len(n.children) == 0 {
			stats.Leaves++
		}
		for _, child := range n.children {
			walk(child, depth+1)
		}
	}
	walk(o.root, 0)
	return stats
}

// candidates collects the unique faces of every leaf whose box overlaps query.
func (o *Octree) candidates(query Box) []int {
	if o == nil || o.root == nil {
		return nil
	}
	seen := make(map[int]struct{})
	var out []int
	var visit func(n *node)
	visit = func(n *node) {
		for _, child := range n.children {
			if !child.box.Overlaps(query) {
				continue
			}
			if len(child.triangles) == 0 {
				visit(child)
				continue
			}
			for _, idx := range child.triangles {
				if _, dup := seen[idx]; dup {
					continue
				}
				seen[idx] = struct{}{}
				out = append(out, idx)
			}
		}
	}
	visit(o.root)
	return out
}

// contactKind tells a face interior contact from an edge contact.
type contactKind int

const (
	noContact contactKind = iota
	faceContact
	edgeContact
)

// IntersectCapsule resolves the capsule against every face it touches and
// reports the combined push direction and distance.
func (o *Octree) IntersectCapsule(c physics.Capsule) (physics.Contact, bool) {
	query := EmptyBox().ExpandByPoint(c.Start).ExpandByPoint(c.End).Pad(c.Radius)
	moved := c
	var first physics.Contact
	hit := false
	candidates := o.candidates(query)
	applied := make([]bool, len(candidates))
	//1.- Push a working copy out of each face in turn so later faces see the corrected pose.
	// Face interiors go first; an edge shared with a coplanar neighbour is then
	// already clear and cannot tilt the push.
	for pass := faceContact; pass <= edgeContact; pass++ {
		for i, idx := range candidates {
			if applied[i] {
				continue
			}
			contact, kind := capsuleTriangleContact(moved, o.triangles[idx])
			if kind == noContact || kind > pass {
				continue
			}
			applied[i] = true
			if !hit {
				first = contact
				hit = true
			}
			moved = moved.Translate(contact.Normal.Mul(contact.Depth))
		}
	}
	if !hit {
		return physics.Contact{}, false
	}
	return netContact(moved.Center().Sub(c.Center()), first), true
}

// IntersectSphere resolves the sphere against every face it touches, face
// interiors before edges.
func (o *Octree) IntersectSphere(s physics.Sphere) (physics.Contact, bool) {
	query := EmptyBox().ExpandByPoint(s.Center).Pad(s.Radius)
	moved := s
	var first physics.Contact
	hit := false
	candidates := o.candidates(query)
	applied := make([]bool, len(candidates))
	for pass := faceContact; pass <= edgeContact; pass++ {
		for i, idx := range candidates {
			if applied[i] {
				continue
			}
			contact, kind := sphereTriangleContact(moved, o.triangles[idx])
			if kind == noContact || kind > pass {
				continue
			}
			applied[i] = true
			if !hit {
				first = contact
				hit = true
			}
			moved.Center = moved.Center.Add(contact.Normal.Mul(contact.Depth))
		}
	}
	if !hit {
		return physics.Contact{}, false
	}
	return netContact(moved.Center.Sub(s.Center), first), true
}

// netContact turns an accumulated displacement into a contact. A shape that
// only touches faces keeps the first face normal with zero depth.
func netContact(displacement mgl64.Vec3, first physics.Contact) physics.Contact {
	depth := displacement.Len()
	if depth == 0 {
		return physics.Contact{Normal: first.Normal, Depth: 0}
	}
	return physics.Contact{Normal: displacement.Mul(1 / depth), Depth: depth}
}

func capsuleTriangleContact(c physics.Capsule, tri Triangle) (physics.Contact, contactKind) {
	normal := tri.Normal()
	if normal == (mgl64.Vec3{}) {
		return physics.Contact{}, noContact
	}
	d1 := tri.SignedDistance(c.Start) - c.Radius
	d2 := tri.SignedDistance(c.End) - c.Radius
	if (d1 > 0 && d2 > 0) || (d1 < -c.Radius && d2 < -c.Radius) {
		return physics.Contact{}, noContact
	}

	//1.- Sample the axis where it crosses the offset plane and test the face interior.
	delta := 0.0
	if sum := math.Abs(d1) + math.Abs(d2); sum > 0 {
		delta = math.Abs(d1 / sum)
	}
	crossing := c.Start.Add(c.End.Sub(c.Start).Mul(delta))
	if tri.ContainsProjection(crossing) {
		return physics.Contact{Normal: normal, Depth: math.Abs(math.Min(d1, d2))}, faceContact
	}

	//2.- Otherwise the capsule can only touch an edge.
	radiusSq := c.Radius * c.Radius
	for _, edge := range tri.Edges() {
		onAxis, onEdge := closestSegmentPoints(c.Start, c.End, edge[0], edge[1])
		offset := onAxis.Sub(onEdge)
		distSq := offset.Dot(offset)
		if distSq >= radiusSq {
			continue
		}
		dist := math.Sqrt(distSq)
		if dist == 0 {
			return physics.Contact{Normal: normal, Depth: c.Radius}, edgeContact
		}
		return physics.Contact{Normal: offset.Mul(1 / dist), Depth: c.Radius - dist}, edgeContact
	}
	return physics.Contact{}, noContact
}

func sphereTriangleContact(s physics.Sphere, tri Triangle) (physics.Contact, contactKind) {
	normal := tri.Normal()
	if normal == (mgl64.Vec3{}) {
		return physics.Contact{}, noContact
	}
	distance := tri.SignedDistance(s.Center)
	if math.Abs(distance) > s.Radius {
		return physics.Contact{}, noContact
	}
	if tri.ContainsProjection(s.Center) {
		return physics.Contact{Normal: normal, Depth: math.Abs(distance - s.Radius)}, faceContact
	}

	//1.- Edges are measured from the centre's foot on the face plane.
	foot := s.Center.Sub(normal.Mul(distance))
	radiusSq := s.Radius * s.Radius
	for _, edge := range tri.Edges() {
		closest := closestPointOnSegment(foot, edge[0], edge[1])
		offset := s.Center.Sub(closest)
		distSq := offset.Dot(offset)
		if distSq >= radiusSq {
			continue
		}
		dist := math.Sqrt(distSq)
		if dist == 0 {
			return physics.Contact{Normal: normal, Depth: s.Radius}, edgeContact
		}
		return physics.Contact{Normal: offset.Mul(1 / dist), Depth: s.Radius - dist}, edgeContact
	}
	return physics.Contact{}, noContact
}
