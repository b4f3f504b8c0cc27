package application

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	movements "transit-dwh/internal/movements/domain"
	"transit-dwh/internal/movements/infrastructure/memory"
)

func fptr(v float64) *float64 { return &v }

func newTestInterner(t *testing.T, store movements.DimensionStore, opts ...InternerOption) *Interner {
	t.Helper()
	opts = append([]InternerOption{WithRetryPolicy(RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond})}, opts...)
	interner, err := NewInterner(store, movements.NewEncoder(time.UTC), opts...)
	require.NoError(t, err)
	return interner
}

func TestInternStationDeterministic(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	interner := newTestInterner(t, store)

	first, err := interner.InternStation(ctx, movements.StationInput{EVA: 8011160, Name: "Berlin Hbf"})
	require.NoError(t, err)
	second, err := interner.InternStation(ctx, movements.StationInput{EVA: 8011160})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := interner.InternStation(ctx, movements.StationInput{EVA: 8000105, Name: "Frankfurt(Main)Hbf"})
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	st, err := store.GetStation(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "Berlin Hbf", st.Name, "absent name leaves stored value")
}

func TestInternStationRefreshesCoordinates(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	interner := newTestInterner(t, store)

	key, err := interner.InternStation(ctx, movements.StationInput{EVA: 8011160, Name: "Berlin Hbf"})
	require.NoError(t, err)
	_, err = store.NearestStation(ctx, 52.5, 13.4)
	require.ErrorIs(t, err, movements.ErrStationNotFound)

	_, err = interner.InternStation(ctx, movements.StationInput{EVA: 8011160, Lat: fptr(52.525), Lon: fptr(13.369)})
	require.NoError(t, err)
	st, err := store.NearestStation(ctx, 52.5, 13.4)
	require.NoError(t, err)
	assert.Equal(t, key, st.Key)
	assert.Equal(t, "Berlin Hbf", st.Name)
}

func TestInternConcurrentCallersShareOneRow(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	interner := newTestInterner(t, store, WithCacheTTL(0))
	ts := time.Date(2025, 9, 2, 12, 0, 0, 0, time.UTC)

	const workers = 32
	stationKeys := make([]movements.StationKey, workers)
	trainKeys := make([]movements.TrainKey, workers)
	timeKeys := make([]movements.TimeKey, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			var err error
			stationKeys[i], err = interner.InternStation(ctx, movements.StationInput{EVA: 8011160, Name: "Berlin Hbf"})
			assert.NoError(t, err)
			trainKeys[i], err = interner.InternTrain(ctx, movements.TrainInput{Category: "ICE", Number: "1601", Owner: "80"})
			assert.NoError(t, err)
			timeKeys[i], err = interner.InternTime(ctx, ts)
			assert.NoError(t, err)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Equal(t, stationKeys[0], stationKeys[i])
		assert.Equal(t, trainKeys[0], trainKeys[i])
		assert.Equal(t, timeKeys[0], timeKeys[i])
	}
	found, err := store.SearchStations(ctx, "berlin")
	require.NoError(t, err)
	assert.Len(t, found, 1)

	hour, err := store.TimesInHour(ctx, ts, 12)
	require.NoError(t, err)
	assert.Len(t, hour, 1)
}

func TestInternTrainUsesUnknownSentinel(t *testing.T) {
	ctx := context.Background()
	interner := newTestInterner(t, memory.NewStore())

	unknown, err := interner.InternUnknownTrain(ctx)
	require.NoError(t, err)
	blank, err := interner.InternTrain(ctx, movements.TrainInput{})
	require.NoError(t, err)
	assert.Equal(t, unknown, blank)

	named, err := interner.InternTrain(ctx, movements.TrainInput{Category: "RE", Number: "3"})
	require.NoError(t, err)
	assert.NotEqual(t, unknown, named)
}

func TestInternTimeRejectsInvalid(t *testing.T) {
	interner := newTestInterner(t, memory.NewStore())
	_, err := interner.InternTime(context.Background(), time.Time{})
	var tsErr *movements.InvalidTimestampError
	require.True(t, errors.As(err, &tsErr))
}

// flakyStore fails the first limit station upserts with a transient conflict.
type flakyStore struct {
	*memory.Store
	failures atomic.Int32
	limit    int32
}

func (s *flakyStore) fail() error {
	if s.failures.Add(1) <= s.limit {
		return movements.ErrTransientConflict
	}
	return nil
}

func (s *flakyStore) UpsertStation(ctx context.Context, in movements.StationInput) (movements.StationKey, error) {
	if err := s.fail(); err != nil {
		return 0, err
	}
	return s.Store.UpsertStation(ctx, in)
}

func TestInternRetriesTransientConflict(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore(), limit: 2}
	interner := newTestInterner(t, store)

	key, err := interner.InternStation(context.Background(), movements.StationInput{EVA: 1})
	require.NoError(t, err)
	assert.NotZero(t, key)
	assert.Equal(t, int32(3), store.failures.Load())
}

func TestInternSurfacesExhaustedRetries(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore(), limit: 100}
	interner := newTestInterner(t, store)

	_, err := interner.InternStation(context.Background(), movements.StationInput{EVA: 1})
	var conflict *movements.ConflictResolutionError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Equal(t, 4, conflict.Attempts)
	assert.Equal(t, "intern_station", conflict.Op)
	assert.True(t, movements.IsRetryable(err))
}
