package spatial

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexRebuildsAfterChange(t *testing.T) {
	ix := NewIndex()
	_, ok := ix.Nearest(0, 0)
	require.False(t, ok)

	ix.Set(Point{Key: 1, X: 10, Y: 10})
	got, ok := ix.Nearest(0, 0)
	require.True(t, ok)
	assert.Equal(t, int64(1), got.Key)

	ix.Set(Point{Key: 2, X: 1, Y: 1})
	got, _ = ix.Nearest(0, 0)
	assert.Equal(t, int64(2), got.Key)

	ix.Set(Point{Key: 2, X: 20, Y: 20})
	got, _ = ix.Nearest(0, 0)
	assert.Equal(t, int64(1), got.Key, "moved point no longer nearest")

	ix.Remove(1)
	got, _ = ix.Nearest(0, 0)
	assert.Equal(t, int64(2), got.Key)
	assert.Equal(t, 1, ix.Len())
}

func TestIndexConcurrentSetAndQuery(t *testing.T) {
	ix := NewIndex()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				ix.Set(Point{Key: int64(w*100 + i + 1), X: float64(i), Y: float64(w)})
				ix.Nearest(50, 2)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 400, ix.Len())
	got, ok := ix.Nearest(50, 2)
	require.True(t, ok)
	assert.Equal(t, int64(2*100+50+1), got.Key)
}
