package application

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
	"transit-dwh/internal/movements/infrastructure/memory"
)

type harness struct {
	store    *memory.Store
	interner *Interner
	upserter *Upserter
	queries  *QueryEngine
}

func newHarness(t *testing.T) harness {
	t.Helper()
	store := memory.NewStore()
	interner := newTestInterner(t, store)
	upserter, err := NewUpserter(interner, store, WithWorkers(4))
	require.NoError(t, err)
	queries, err := NewQueryEngine(store)
	require.NoError(t, err)
	return harness{store: store, interner: interner, upserter: upserter, queries: queries}
}

func at(hour, minute int) *time.Time {
	ts := time.Date(2025, 9, 2, hour, minute, 0, 0, time.UTC)
	return &ts
}

func sptr(v string) *string { return &v }

func berlinDeparture() movements.EventRecord {
	return movements.EventRecord{
		SnapshotTime: *at(12, 0),
		Station:      movements.StationInput{EVA: 8011160, Name: "Berlin Hbf", Lat: fptr(52.525), Lon: fptr(13.369)},
		Train:        &movements.TrainInput{Category: "ICE", Number: "1601", Owner: "80", TripType: "p"},
		StopID:       "123",
		EventType:    "Departure",
		PlannedTime:  at(12, 5),
	}
}

func TestBerlinScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a := berlinDeparture()
	keyA, err := h.upserter.RecordEvent(ctx, a)
	require.NoError(t, err)

	station, err := h.queries.LookupStation(ctx, "  berlin hbf ")
	require.NoError(t, err)
	assert.Equal(t, int64(8011160), station.EVA)

	_, ok, err := h.queries.AverageDelay(ctx, station.Key)
	require.NoError(t, err)
	assert.False(t, ok, "no delay yet")

	aPrime := berlinDeparture()
	aPrime.ChangedTime = at(12, 9)
	keyAPrime, err := h.upserter.RecordEvent(ctx, aPrime)
	require.NoError(t, err)
	assert.Equal(t, keyA, keyAPrime)

	snapshot := movements.TimeKey(202509021200)
	fact, err := h.store.GetFact(ctx, movements.NaturalKey{
		SnapshotTimeKey: snapshot,
		StationKey:      station.Key,
		StopID:          "123",
		EventType:       movements.EventDeparture,
	})
	require.NoError(t, err)
	require.NotNil(t, fact.DelayMinutes)
	assert.Equal(t, 4, *fact.DelayMinutes)

	avg, ok, err := h.queries.AverageDelay(ctx, station.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4.0, avg)

	b := movements.EventRecord{
		SnapshotTime: *at(12, 0),
		Station:      movements.StationInput{EVA: 8011160, Name: "Berlin Hbf"},
		StopID:       "456",
		EventType:    "Arrival",
		IsCancelled:  true,
	}
	_, err = h.upserter.RecordEvent(ctx, b)
	require.NoError(t, err)

	count, err := h.queries.CancellationCount(ctx, snapshot)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	avg, ok, err = h.queries.AverageDelay(ctx, station.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4.0, avg, "cancelled arrival adds no sample")

	nearest, err := h.queries.NearestStation(ctx, 52.52, 13.37)
	require.NoError(t, err)
	assert.Equal(t, "Berlin Hbf", nearest.Name)
}

func TestRecordEventIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := berlinDeparture()
	rec.ChangedTime = at(12, 7)
	rec.ChangedPlatform = sptr("7")

	first, err := h.upserter.RecordEvent(ctx, rec)
	require.NoError(t, err)
	facts, err := h.store.FactsBySnapshot(ctx, 202509021200)
	require.NoError(t, err)
	require.Len(t, facts, 1)

	second, err := h.upserter.RecordEvent(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	again, err := h.store.FactsBySnapshot(ctx, 202509021200)
	require.NoError(t, err)
	assert.Equal(t, facts, again)
}

func TestRecordEventMergeConverges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := berlinDeparture()
	r.PlannedPlatform = sptr("5")
	r.ChangedPlatform = sptr("6")
	r.DelayMinutes = intPtr(2)
	_, err := h.upserter.RecordEvent(ctx, r)
	require.NoError(t, err)

	rPrime := berlinDeparture()
	rPrime.PlannedPlatform = sptr("5a")
	rPrime.ChangedPlatform = sptr("8")
	rPrime.Line = sptr("ICE 1601")
	rPrime.EventStatus = sptr("a")
	rPrime.DelayMinutes = intPtr(11)
	_, err = h.upserter.RecordEvent(ctx, rPrime)
	require.NoError(t, err)

	facts, err := h.store.FactsBySnapshot(ctx, 202509021200)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	got := facts[0]
	assert.Equal(t, "5a", *got.PlannedPlatform)
	assert.Equal(t, "8", *got.ChangedPlatform)
	assert.Equal(t, "ICE 1601", *got.Line)
	assert.Equal(t, movements.StatusActual, *got.EventStatus)
	assert.Equal(t, 11, *got.DelayMinutes)
	assert.False(t, got.IsCancelled)
}

func TestRecordEventKeepsRealTrain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.upserter.RecordEvent(ctx, berlinDeparture())
	require.NoError(t, err)

	noTrain := berlinDeparture()
	noTrain.Train = nil
	_, err = h.upserter.RecordEvent(ctx, noTrain)
	require.NoError(t, err)

	ice, err := h.interner.InternTrain(ctx, *berlinDeparture().Train)
	require.NoError(t, err)
	facts, err := h.store.FactsBySnapshot(ctx, 202509021200)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, ice, facts[0].TrainKey)
}

func intPtr(v int) *int { return &v }

func TestRecordEventValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := berlinDeparture()
	rec.EventType = "Passing"

	_, err := h.upserter.RecordEvent(ctx, rec)
	var vErr *movements.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "event_type", vErr.Field)

	_, err = h.queries.LookupStation(ctx, "Berlin Hbf")
	assert.ErrorIs(t, err, movements.ErrStationNotFound, "rejected before any write")
}

func TestRecordEventInvalidTimestamp(t *testing.T) {
	h := newHarness(t)
	rec := berlinDeparture()
	rec.SnapshotTime = time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := h.upserter.RecordEvent(context.Background(), rec)
	var tsErr *movements.InvalidTimestampError
	require.True(t, errors.As(err, &tsErr))
	assert.Equal(t, ReasonValidation, FailureReason(err))
}

func TestRecordEventInvalidPlannedTimeWritesNothing(t *testing.T) {
	ctx := context.Background()
	for name, mutate := range map[string]func(*movements.EventRecord){
		"planned": func(rec *movements.EventRecord) {
			ts := time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)
			rec.PlannedTime = &ts
		},
		"changed": func(rec *movements.EventRecord) {
			ts := time.Date(0, 12, 31, 23, 0, 0, 0, time.UTC)
			rec.ChangedTime = &ts
		},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			rec := berlinDeparture()
			rec.Station = movements.StationInput{EVA: 999, Name: "Orphan Hbf"}
			mutate(&rec)

			_, err := h.upserter.RecordEvent(ctx, rec)
			var tsErr *movements.InvalidTimestampError
			require.True(t, errors.As(err, &tsErr), "got %v", err)
			assert.Equal(t, ReasonValidation, FailureReason(err))

			_, err = h.queries.LookupStation(ctx, "Orphan Hbf")
			assert.ErrorIs(t, err, movements.ErrStationNotFound)
			times, err := h.queries.TimesInHour(ctx, time.Date(2025, 9, 2, 0, 0, 0, 0, time.UTC), 12)
			require.NoError(t, err)
			assert.Empty(t, times)
		})
	}
}

func TestRecordEventRejectsOversizedDelay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := berlinDeparture()
	delay := 5_000_000
	rec.DelayMinutes = &delay

	_, err := h.upserter.RecordEvent(ctx, rec)
	var vErr *movements.ValidationError
	require.True(t, errors.As(err, &vErr), "got %v", err)
	assert.Equal(t, "delay_minutes", vErr.Field)

	_, err = h.queries.LookupStation(ctx, "Berlin Hbf")
	assert.ErrorIs(t, err, movements.ErrStationNotFound)
}

// brokenTrains fails every train insert with a non-transient error.
type brokenTrains struct {
	*memory.Store
}

func (brokenTrains) InsertTrain(context.Context, movements.TrainInput) (movements.TrainKey, error) {
	return 0, errors.New("disk full")
}

func TestRecordEventReferentialFailure(t *testing.T) {
	store := brokenTrains{Store: memory.NewStore()}
	interner := newTestInterner(t, store)
	upserter, err := NewUpserter(interner, store)
	require.NoError(t, err)

	_, err = upserter.RecordEvent(context.Background(), berlinDeparture())
	var refErr *movements.ReferentialResolutionError
	require.True(t, errors.As(err, &refErr), "got %v", err)
	assert.Equal(t, "train", refErr.Field)

	facts, err := store.FactsBySnapshot(context.Background(), 202509021200)
	require.NoError(t, err)
	assert.Empty(t, facts)
}

// forgetfulStore reports one dangling reference before delegating.
type forgetfulStore struct {
	*memory.Store
	mu      sync.Mutex
	dangled bool
}

func (s *forgetfulStore) UpsertFact(ctx context.Context, w movements.FactWrite) (movements.FactKey, error) {
	s.mu.Lock()
	first := !s.dangled
	s.dangled = true
	s.mu.Unlock()
	if first {
		return 0, fmt.Errorf("test: %w", movements.ErrDanglingReference)
	}
	return s.Store.UpsertFact(ctx, w)
}

func TestRecordEventRetriesDanglingReferenceOnce(t *testing.T) {
	store := &forgetfulStore{Store: memory.NewStore()}
	interner := newTestInterner(t, store)
	upserter, err := NewUpserter(interner, store)
	require.NoError(t, err)

	key, err := upserter.RecordEvent(context.Background(), berlinDeparture())
	require.NoError(t, err)
	assert.NotZero(t, key)
}

func TestConcurrentRecordsConvergeToOneRow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := berlinDeparture()
			rec.ChangedTime = at(12, 9)
			if i%2 == 1 {
				rec.Train = nil
			}
			_, err := h.upserter.RecordEvent(ctx, rec)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	facts, err := h.store.FactsBySnapshot(ctx, 202509021200)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, 4, *facts[0].DelayMinutes)

	avg, ok, err := h.queries.AverageDelay(ctx, facts[0].StationKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4.0, avg, "one sample despite repeated merges")
}

func TestCancellationCountMatchesScan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	snapshots := []*time.Time{at(12, 0), at(12, 15), at(12, 30)}

	var records []movements.EventRecord
	for s, snap := range snapshots {
		for stop := 0; stop < 20; stop++ {
			rec := berlinDeparture()
			rec.SnapshotTime = *snap
			rec.StopID = fmt.Sprintf("stop-%d", stop)
			rec.IsCancelled = (stop+s)%3 == 0
			if stop%5 == 0 {
				rec.EventStatus = sptr("c")
			}
			records = append(records, rec)
		}
	}
	// Later observations un-cancel some stops again.
	for stop := 0; stop < 20; stop += 6 {
		rec := berlinDeparture()
		rec.StopID = fmt.Sprintf("stop-%d", stop)
		records = append(records, rec)
	}
	for _, rec := range records {
		_, err := h.upserter.RecordEvent(ctx, rec)
		require.NoError(t, err)
	}

	enc := movements.NewEncoder(time.UTC)
	for _, snap := range snapshots {
		key, err := enc.Key(*snap)
		require.NoError(t, err)
		facts, err := h.store.FactsBySnapshot(ctx, key)
		require.NoError(t, err)
		var scanned int64
		for _, f := range facts {
			if f.IsCancelled {
				scanned++
			}
		}
		count, err := h.queries.CancellationCount(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, scanned, count, "snapshot %s", key)
	}
}

func TestRecordBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	records := make([]movements.EventRecord, 0, 10)
	for i := 0; i < 10; i++ {
		rec := berlinDeparture()
		rec.StopID = fmt.Sprintf("%d", i)
		records = append(records, rec)
	}
	records[3].EventType = ""
	records[7].Station.EVA = 0

	result := h.upserter.RecordBatch(ctx, records)
	assert.NotEmpty(t, result.BatchID)
	assert.Equal(t, 10, result.Total)
	assert.Equal(t, 8, result.Recorded)
	assert.Equal(t, 2, result.Failed)
	require.Len(t, result.Failures, 2)
	assert.Equal(t, 3, result.Failures[0].Index)
	assert.Equal(t, "event_type", result.Failures[0].Field)
	assert.Equal(t, ReasonValidation, result.Failures[0].Reason)
	assert.Equal(t, 7, result.Failures[1].Index)
	assert.Equal(t, "station.eva", result.Failures[1].Field)
	assert.False(t, result.Failures[1].Retryable)
}

func TestRecordBatchCanceledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := h.upserter.RecordBatch(ctx, []movements.EventRecord{berlinDeparture()})
	assert.Equal(t, 0, result.Recorded)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, ReasonCanceled, result.Failures[0].Reason)
}
