package spatial

import (
	"math/rand"
	"testing"
)

func bruteNearest(points []Point, x, y float64) Point {
	best := points[0]
	bestDist := -1.0
	for _, p := range points {
		dx, dy := p.X-x, p.Y-y
		d := dx*dx + dy*dy
		if bestDist < 0 || d < bestDist || (d == bestDist && p.Key < best.Key) {
			best, bestDist = p, d
		}
	}
	return best
}

func TestNearestMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	points := make([]Point, 500)
	for i := range points {
		points[i] = Point{Key: int64(i + 1), X: rng.Float64()*10 + 5, Y: rng.Float64()*8 + 47}
	}
	tree := Build(points)
	if tree.Len() != len(points) {
		t.Fatalf("expected %d points, got %d", len(points), tree.Len())
	}
	for i := 0; i < 2000; i++ {
		x, y := rng.Float64()*12+4, rng.Float64()*10+46
		got, ok := tree.Nearest(x, y)
		if !ok {
			t.Fatalf("expected a result")
		}
		want := bruteNearest(points, x, y)
		if got.Key != want.Key {
			t.Fatalf("query (%f,%f): expected key %d, got %d", x, y, want.Key, got.Key)
		}
	}
}

func TestNearestTieBreaksOnLowestKey(t *testing.T) {
	// Four stations equidistant from the origin, inserted in descending key order.
	points := []Point{
		{Key: 9, X: 1, Y: 0},
		{Key: 4, X: 0, Y: 1},
		{Key: 7, X: -1, Y: 0},
		{Key: 3, X: 0, Y: -1},
		{Key: 1, X: 5, Y: 5},
	}
	got, ok := Build(points).Nearest(0, 0)
	if !ok || got.Key != 3 {
		t.Fatalf("expected key 3, got %+v ok=%v", got, ok)
	}
}

func TestNearestDuplicatePositions(t *testing.T) {
	points := []Point{{Key: 12, X: 13.37, Y: 52.52}, {Key: 5, X: 13.37, Y: 52.52}, {Key: 8, X: 13.37, Y: 52.52}}
	got, _ := Build(points).Nearest(13.4, 52.5)
	if got.Key != 5 {
		t.Fatalf("expected key 5, got %d", got.Key)
	}
}

func TestNearestEmpty(t *testing.T) {
	if _, ok := Build(nil).Nearest(0, 0); ok {
		t.Fatalf("expected no result from empty tree")
	}
	var tree *KDTree
	if _, ok := tree.Nearest(0, 0); ok {
		t.Fatalf("expected no result from nil tree")
	}
}
