// Package spatial holds a planar k-d tree for nearest-point lookups.
package spatial

import "sort"

// Point is a keyed position in the plane. X is longitude and Y latitude for
// station lookups.
type Point struct {
	Key int64
	X   float64
	Y   float64
}

type node struct {
	point       Point
	left, right *node
	axis        int
}

// KDTree is an immutable 2-d tree. Build a new tree to change its contents.
type KDTree struct {
	root *node
	size int
}

// Build constructs a balanced tree over points. The input slice is not retained.
func Build(points []Point) *KDTree {
	buf := make([]Point, len(points))
	copy(buf, points)
	return &KDTree{root: build(buf, 0), size: len(buf)}
}

func build(points []Point, depth int) *node {
	if len(points) == 0 {
		return nil
	}
	axis := depth % 2
	sort.Slice(points, func(i, j int) bool {
		a, b := coord(points[i], axis), coord(points[j], axis)
		if a != b {
			return a < b
		}
		return points[i].Key < points[j].Key
	})
	mid := len(points) / 2
	return &node{
		point: points[mid],
		axis:  axis,
		left:  build(points[:mid], depth+1),
		right: build(points[mid+1:], depth+1),
	}
}

func coord(p Point, axis int) float64 {
	if axis == 0 {
		return p.X
	}
	return p.Y
}

// Len returns the number of points in the tree.
func (t *KDTree) Len() int {
	if t == nil {
		return 0
	}
	return t.size
}

// Nearest returns the point closest to (x, y) by Euclidean distance. Equal
// distances resolve to the lowest key. ok is false for an empty tree.
func (t *KDTree) Nearest(x, y float64) (Point, bool) {
	if t == nil || t.root == nil {
		return Point{}, false
	}
	s := search{x: x, y: y, bestDist: -1}
	s.visit(t.root)
	return s.best, true
}

type search struct {
	x, y     float64
	best     Point
	bestDist float64
}

func (s *search) visit(n *node) {
	if n == nil {
		return
	}
	dx, dy := n.point.X-s.x, n.point.Y-s.y
	d := dx*dx + dy*dy
	if s.bestDist < 0 || d < s.bestDist || (d == s.bestDist && n.point.Key < s.best.Key) {
		s.best, s.bestDist = n.point, d
	}

	diff := s.x - n.point.X
	if n.axis == 1 {
		diff = s.y - n.point.Y
	}
	near, far := n.left, n.right
	if diff > 0 {
		near, far = n.right, n.left
	}
	s.visit(near)
	// Equal distance on the far side may still hold a lower key.
	if diff*diff <= s.bestDist {
		s.visit(far)
	}
}
