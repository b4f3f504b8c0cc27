package spatial

import "sync"

// Index is a mutable point set answering nearest-point queries through a
// k-d tree. The tree is rebuilt lazily on the first query after a change.
// Safe for concurrent use.
type Index struct {
	mu     sync.Mutex
	points map[int64]Point
	tree   *KDTree
	dirty  bool
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{points: make(map[int64]Point)}
}

// Set inserts or moves the point with p.Key.
func (ix *Index) Set(p Point) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if old, ok := ix.points[p.Key]; ok && old == p {
		return
	}
	ix.points[p.Key] = p
	ix.dirty = true
}

// Remove drops the point with key.
func (ix *Index) Remove(key int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.points[key]; !ok {
		return
	}
	delete(ix.points, key)
	ix.dirty = true
}

// Len returns the number of indexed points.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.points)
}

// Nearest returns the point closest to (x, y), lowest key on ties.
func (ix *Index) Nearest(x, y float64) (Point, bool) {
	ix.mu.Lock()
	if ix.dirty || ix.tree == nil {
		points := make([]Point, 0, len(ix.points))
		for _, p := range ix.points {
			points = append(points, p)
		}
		ix.tree = Build(points)
		ix.dirty = false
	}
	tree := ix.tree
	ix.mu.Unlock()
	return tree.Nearest(x, y)
}
