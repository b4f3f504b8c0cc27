// Package storetest holds the behaviour every movements.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	movements "transit-dwh/internal/movements/domain"
)

// Factory returns an empty store. The store is closed by the suite.
type Factory func(t *testing.T) movements.Store

// Run executes the shared store tests against the stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("StationUpsertRefreshesPresentFields", func(t *testing.T) { testStationUpsert(t, open(t, newStore)) })
	t.Run("ConcurrentStationUpsert", func(t *testing.T) { testConcurrentStationUpsert(t, open(t, newStore)) })
	t.Run("TrainAndTimeInsertAreIdempotent", func(t *testing.T) { testTrainAndTime(t, open(t, newStore)) })
	t.Run("FactUpsertMerges", func(t *testing.T) { testFactUpsert(t, open(t, newStore)) })
	t.Run("FactRejectsDanglingReference", func(t *testing.T) { testDangling(t, open(t, newStore)) })
	t.Run("ConcurrentFactUpsert", func(t *testing.T) { testConcurrentFactUpsert(t, open(t, newStore)) })
	t.Run("StationQueries", func(t *testing.T) { testStationQueries(t, open(t, newStore)) })
	t.Run("PartialIndexQueries", func(t *testing.T) { testPartialIndexQueries(t, open(t, newStore)) })
}

func open(t *testing.T, newStore Factory) movements.Store {
	t.Helper()
	store := newStore(t)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func fptr(v float64) *float64 { return &v }

func sptr(v string) *string { return &v }

func iptr(v int) *int { return &v }

var enc = movements.NewEncoder(time.UTC)

func minute(t *testing.T, store movements.Store, hour, min int) movements.TimeKey {
	t.Helper()
	dim, err := enc.Encode(time.Date(2025, 9, 2, hour, min, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, store.InsertTime(context.Background(), dim))
	return dim.Key
}

func testStationUpsert(t *testing.T, store movements.Store) {
	ctx := context.Background()
	key, err := store.UpsertStation(ctx, movements.StationInput{EVA: 8011160, Name: "Berlin Hbf", Lat: fptr(52.525), Lon: fptr(13.369)})
	require.NoError(t, err)

	again, err := store.UpsertStation(ctx, movements.StationInput{EVA: 8011160})
	require.NoError(t, err)
	assert.Equal(t, key, again)

	st, err := store.GetStation(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "Berlin Hbf", st.Name)
	require.True(t, st.HasCoordinates())
	assert.InDelta(t, 52.525, *st.Lat, 1e-9)

	_, err = store.UpsertStation(ctx, movements.StationInput{EVA: 8011160, Name: "Berlin Hauptbahnhof", Lat: fptr(52.5251), Lon: fptr(13.3694)})
	require.NoError(t, err)
	st, err = store.GetStation(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "Berlin Hauptbahnhof", st.Name)
	assert.InDelta(t, 13.3694, *st.Lon, 1e-9)
	assert.Equal(t, int64(8011160), st.EVA)

	_, err = store.GetStation(ctx, key+1000)
	assert.ErrorIs(t, err, movements.ErrStationNotFound)
}

func testConcurrentStationUpsert(t *testing.T, store movements.Store) {
	ctx := context.Background()
	const workers = 16
	keys := make([]movements.StationKey, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			for attempt := 0; attempt < 20; attempt++ {
				keys[i], err = store.UpsertStation(ctx, movements.StationInput{EVA: 42, Name: fmt.Sprintf("Station %d", i)})
				if !errors.Is(err, movements.ErrTransientConflict) {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	for i := 1; i < workers; i++ {
		assert.Equal(t, keys[0], keys[i])
	}
	found, err := store.SearchStations(ctx, "station")
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func testTrainAndTime(t *testing.T, store movements.Store) {
	ctx := context.Background()
	ice := movements.TrainInput{Category: "ICE", Number: "1601", Owner: "80", TripType: "p"}
	first, err := store.InsertTrain(ctx, ice)
	require.NoError(t, err)
	second, err := store.InsertTrain(ctx, ice)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := store.InsertTrain(ctx, movements.TrainInput{Category: "ICE", Number: "1601", Owner: "81", TripType: "p"})
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	a := minute(t, store, 12, 5)
	b := minute(t, store, 12, 5)
	assert.Equal(t, a, b)
	minute(t, store, 12, 0)
	minute(t, store, 13, 0)

	times, err := store.TimesInHour(ctx, time.Date(2025, 9, 2, 0, 0, 0, 0, time.UTC), 12)
	require.NoError(t, err)
	require.Len(t, times, 2)
	assert.Equal(t, movements.TimeKey(202509021200), times[0].Key)
	assert.Equal(t, 5, times[1].Minute)
	assert.Equal(t, 2, times[1].DayOfWeek)
}

type refs struct {
	station  movements.StationKey
	train    movements.TrainKey
	snapshot movements.TimeKey
	planned  movements.TimeKey
	changed  movements.TimeKey
}

func seedRefs(t *testing.T, store movements.Store) refs {
	t.Helper()
	ctx := context.Background()
	station, err := store.UpsertStation(ctx, movements.StationInput{EVA: 8011160, Name: "Berlin Hbf"})
	require.NoError(t, err)
	train, err := store.InsertTrain(ctx, movements.TrainInput{Category: "ICE", Number: "1601"})
	require.NoError(t, err)
	return refs{
		station:  station,
		train:    train,
		snapshot: minute(t, store, 12, 0),
		planned:  minute(t, store, 12, 5),
		changed:  minute(t, store, 12, 9),
	}
}

func (r refs) fact(stop string, eventType movements.EventType) movements.MovementFact {
	planned := r.planned
	return movements.MovementFact{
		SnapshotTimeKey: r.snapshot,
		StationKey:      r.station,
		TrainKey:        r.train,
		StopID:          stop,
		EventType:       eventType,
		PlannedTimeKey:  &planned,
	}
}

func testFactUpsert(t *testing.T, store movements.Store) {
	ctx := context.Background()
	r := seedRefs(t, store)

	first := r.fact("123", movements.EventDeparture)
	first.PlannedPlatform = sptr("5")
	key, err := store.UpsertFact(ctx, movements.FactWrite{Fact: first})
	require.NoError(t, err)

	got, err := store.GetFact(ctx, first.NaturalKey())
	require.NoError(t, err)
	assert.Equal(t, key, got.Key)
	assert.Nil(t, got.DelayMinutes)
	assert.Nil(t, got.ChangedTimeKey)

	changed := r.changed
	status := movements.StatusActual
	update := r.fact("123", movements.EventDeparture)
	update.PlannedTimeKey = nil
	update.ChangedTimeKey = &changed
	update.EventStatus = &status
	update.ChangedPlatform = sptr("6")
	update.DelayMinutes = iptr(4)
	unknownTrain, err := store.InsertTrain(ctx, movements.UnknownTrain())
	require.NoError(t, err)
	update.TrainKey = unknownTrain
	again, err := store.UpsertFact(ctx, movements.FactWrite{Fact: update, TrainUnknown: true})
	require.NoError(t, err)
	assert.Equal(t, key, again)

	got, err = store.GetFact(ctx, first.NaturalKey())
	require.NoError(t, err)
	require.NotNil(t, got.PlannedTimeKey)
	assert.Equal(t, r.planned, *got.PlannedTimeKey, "absent planned time keeps stored value")
	assert.Equal(t, "5", *got.PlannedPlatform)
	assert.Equal(t, r.changed, *got.ChangedTimeKey)
	assert.Equal(t, movements.StatusActual, *got.EventStatus)
	assert.Equal(t, "6", *got.ChangedPlatform)
	assert.Equal(t, 4, *got.DelayMinutes)
	assert.Equal(t, r.train, got.TrainKey, "sentinel train never replaces a real one")

	cancel := r.fact("123", movements.EventDeparture)
	cancel.IsCancelled = true
	cancel.DelayMinutes = iptr(9)
	_, err = store.UpsertFact(ctx, movements.FactWrite{Fact: cancel})
	require.NoError(t, err)
	got, err = store.GetFact(ctx, first.NaturalKey())
	require.NoError(t, err)
	assert.True(t, got.IsCancelled)
	assert.Nil(t, got.DelayMinutes)

	arrival := r.fact("123", movements.EventArrival)
	arrivalKey, err := store.UpsertFact(ctx, movements.FactWrite{Fact: arrival})
	require.NoError(t, err)
	assert.NotEqual(t, key, arrivalKey)

	facts, err := store.FactsBySnapshot(ctx, r.snapshot)
	require.NoError(t, err)
	assert.Len(t, facts, 2)

	_, err = store.GetFact(ctx, r.fact("999", movements.EventArrival).NaturalKey())
	assert.ErrorIs(t, err, movements.ErrFactNotFound)
}

func testDangling(t *testing.T, store movements.Store) {
	ctx := context.Background()
	r := seedRefs(t, store)

	missingStation := r.fact("1", movements.EventArrival)
	missingStation.StationKey = r.station + 1000
	_, err := store.UpsertFact(ctx, movements.FactWrite{Fact: missingStation})
	assert.ErrorIs(t, err, movements.ErrDanglingReference)

	missingTime := r.fact("1", movements.EventArrival)
	unknownMinute := movements.TimeKey(199901010000)
	missingTime.ChangedTimeKey = &unknownMinute
	_, err = store.UpsertFact(ctx, movements.FactWrite{Fact: missingTime})
	assert.ErrorIs(t, err, movements.ErrDanglingReference)

	facts, err := store.FactsBySnapshot(ctx, r.snapshot)
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func testConcurrentFactUpsert(t *testing.T, store movements.Store) {
	ctx := context.Background()
	r := seedRefs(t, store)

	var wg sync.WaitGroup
	keys := make([]movements.FactKey, 12)
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f := r.fact("123", movements.EventDeparture)
			f.DelayMinutes = iptr(4)
			var err error
			for attempt := 0; attempt < 20; attempt++ {
				keys[i], err = store.UpsertFact(ctx, movements.FactWrite{Fact: f})
				if !errors.Is(err, movements.ErrTransientConflict) {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	for i := 1; i < len(keys); i++ {
		assert.Equal(t, keys[0], keys[i])
	}
	facts, err := store.FactsBySnapshot(ctx, r.snapshot)
	require.NoError(t, err)
	assert.Len(t, facts, 1)

	agg, err := store.DelayAggregate(ctx, r.station)
	require.NoError(t, err)
	assert.Equal(t, movements.DelayAggregate{Sum: 4, Samples: 1}, agg)
}

func testStationQueries(t *testing.T, store movements.Store) {
	ctx := context.Background()
	inputs := []movements.StationInput{
		{EVA: 8011160, Name: "Berlin Hbf", Lat: fptr(52.525589), Lon: fptr(13.369548)},
		{EVA: 8010255, Name: "Berlin Ostbahnhof", Lat: fptr(52.510972), Lon: fptr(13.434567)},
		{EVA: 8002549, Name: "Hamburg Hbf", Lat: fptr(53.552736), Lon: fptr(10.006909)},
		{EVA: 8000261, Name: "München Hbf", Lat: fptr(48.140232), Lon: fptr(11.558335)},
		{EVA: 8089021, Name: "Berlin_Test 100%"},
		{EVA: 1, Name: "Tie East", Lat: fptr(0), Lon: fptr(1)},
		{EVA: 2, Name: "Tie West", Lat: fptr(0), Lon: fptr(-1)},
	}
	keys := make(map[string]movements.StationKey)
	for _, in := range inputs {
		key, err := store.UpsertStation(ctx, in)
		require.NoError(t, err)
		keys[in.Name] = key
	}

	found, err := store.SearchStations(ctx, "BERLIN")
	require.NoError(t, err)
	var got []string
	for _, st := range found {
		got = append(got, st.Name)
	}
	assert.Equal(t, []string{"Berlin Hbf", "Berlin Ostbahnhof", "Berlin_Test 100%"}, got)

	found, err = store.SearchStations(ctx, "100%")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, int64(8089021), found[0].EVA)
	assert.False(t, found[0].HasCoordinates())

	found, err = store.SearchStations(ctx, "n_t")
	require.NoError(t, err)
	require.Len(t, found, 1, "underscore is literal")

	found, err = store.SearchStations(ctx, "münchen")
	require.NoError(t, err)
	require.Len(t, found, 1)

	st, err := store.LookupStation(ctx, "hamburg hbf")
	require.NoError(t, err)
	assert.Equal(t, keys["Hamburg Hbf"], st.Key)

	_, err = store.LookupStation(ctx, "hamburg")
	assert.ErrorIs(t, err, movements.ErrStationNotFound)

	st, err = store.NearestStation(ctx, 52.52, 13.41)
	require.NoError(t, err)
	assert.Equal(t, "Berlin Ostbahnhof", st.Name)

	st, err = store.NearestStation(ctx, 48.1, 11.5)
	require.NoError(t, err)
	assert.Equal(t, "München Hbf", st.Name)

	st, err = store.NearestStation(ctx, 0, 0)
	require.NoError(t, err)
	want := keys["Tie East"]
	if keys["Tie West"] < want {
		want = keys["Tie West"]
	}
	assert.Equal(t, want, st.Key, "equidistant stations resolve to the lowest key")
}

func testPartialIndexQueries(t *testing.T, store movements.Store) {
	ctx := context.Background()
	r := seedRefs(t, store)
	later := minute(t, store, 12, 15)

	write := func(f movements.MovementFact) {
		t.Helper()
		_, err := store.UpsertFact(ctx, movements.FactWrite{Fact: f})
		require.NoError(t, err)
	}

	for i := 0; i < 6; i++ {
		f := r.fact(fmt.Sprintf("s%d", i), movements.EventDeparture)
		switch i % 3 {
		case 0:
			f.IsCancelled = true
		case 1:
			f.DelayMinutes = iptr(i)
		}
		write(f)
	}
	other := r.fact("s0", movements.EventDeparture)
	other.SnapshotTimeKey = later
	other.IsCancelled = true
	write(other)

	count, err := store.CancellationCount(ctx, r.snapshot)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// s0 is restored with a delay; s1 gets cancelled.
	restored := r.fact("s0", movements.EventDeparture)
	restored.DelayMinutes = iptr(10)
	write(restored)
	cancelled := r.fact("s1", movements.EventDeparture)
	cancelled.IsCancelled = true
	write(cancelled)

	facts, err := store.FactsBySnapshot(ctx, r.snapshot)
	require.NoError(t, err)
	var scanned int64
	for _, f := range facts {
		if f.IsCancelled {
			scanned++
		}
	}
	count, err = store.CancellationCount(ctx, r.snapshot)
	require.NoError(t, err)
	assert.Equal(t, scanned, count)
	assert.Equal(t, int64(2), count)

	count, err = store.CancellationCount(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Remaining samples: s0=10, s4=4.
	agg, err := store.DelayAggregate(ctx, r.station)
	require.NoError(t, err)
	assert.Equal(t, movements.DelayAggregate{Sum: 14, Samples: 2}, agg)

	report, err := store.DelayByStation(ctx)
	require.NoError(t, err)
	require.Len(t, report, 1)
	assert.Equal(t, r.station, report[0].Station.Key)
	avg, ok := report[0].Average()
	require.True(t, ok)
	assert.Equal(t, 7.0, avg)

	empty, err := store.DelayAggregate(ctx, r.station+1000)
	require.NoError(t, err)
	_, ok = empty.Average()
	assert.False(t, ok)
}
