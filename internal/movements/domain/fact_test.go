package movements

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func baseFact() MovementFact {
	return MovementFact{
		SnapshotTimeKey: 202509021200,
		StationKey:      1,
		TrainKey:        7,
		StopID:          "123",
		EventType:       EventDeparture,
		PlannedTimeKey:  ptr(TimeKey(202509021205)),
		PlannedPlatform: ptr("5"),
	}
}

func TestMergeFillsPlannedTimeOnce(t *testing.T) {
	existing := NewFact(FactWrite{Fact: baseFact()})
	in := baseFact()
	in.PlannedTimeKey = ptr(TimeKey(202509021210))
	in.PlannedPlatform = ptr("6")

	merged := existing.Merge(FactWrite{Fact: in})
	assert.Equal(t, TimeKey(202509021205), *merged.PlannedTimeKey)
	assert.Equal(t, "6", *merged.PlannedPlatform)

	noPlan := baseFact()
	noPlan.PlannedTimeKey = nil
	noPlan.PlannedPlatform = nil
	filled := NewFact(FactWrite{Fact: noPlan}).Merge(FactWrite{Fact: in})
	assert.Equal(t, TimeKey(202509021210), *filled.PlannedTimeKey)
}

func TestMergePresentFieldsWin(t *testing.T) {
	existing := baseFact()
	existing.ChangedTimeKey = ptr(TimeKey(202509021207))
	existing.Line = ptr("S5")
	existing.DelayMinutes = ptr(2)

	in := baseFact()
	in.ChangedTimeKey = ptr(TimeKey(202509021209))
	in.DelayMinutes = ptr(4)

	merged := existing.Merge(FactWrite{Fact: in})
	assert.Equal(t, TimeKey(202509021209), *merged.ChangedTimeKey)
	assert.Equal(t, 4, *merged.DelayMinutes)
	assert.Equal(t, "S5", *merged.Line, "absent line keeps stored value")
}

func TestMergeKeepsRealTrainOverSentinel(t *testing.T) {
	existing := baseFact()
	in := baseFact()
	in.TrainKey = 99

	merged := existing.Merge(FactWrite{Fact: in, TrainUnknown: true})
	assert.Equal(t, TrainKey(7), merged.TrainKey)

	merged = existing.Merge(FactWrite{Fact: in})
	assert.Equal(t, TrainKey(99), merged.TrainKey)
}

func TestMergeCancellationClearsDelay(t *testing.T) {
	existing := baseFact()
	existing.DelayMinutes = ptr(3)
	in := baseFact()
	in.IsCancelled = true
	in.DelayMinutes = ptr(8)

	merged := existing.Merge(FactWrite{Fact: in})
	assert.True(t, merged.IsCancelled)
	assert.Nil(t, merged.DelayMinutes)
	assert.False(t, merged.HasDelaySample())

	restored := merged.Merge(FactWrite{Fact: baseFact()})
	assert.False(t, restored.IsCancelled)
}

func TestMergeIsIdempotent(t *testing.T) {
	in := baseFact()
	in.ChangedTimeKey = ptr(TimeKey(202509021209))
	in.DelayMinutes = ptr(4)
	w := FactWrite{Fact: in}

	once := NewFact(w)
	twice := once.Merge(w)
	assert.Equal(t, once, twice)
}

func TestMergeDoesNotAlias(t *testing.T) {
	existing := baseFact()
	in := baseFact()
	in.Line = ptr("RE1")
	merged := existing.Merge(FactWrite{Fact: in})
	*in.Line = "changed"
	assert.Equal(t, "RE1", *merged.Line)
}

func TestParseEventType(t *testing.T) {
	for _, v := range []string{"A", "ar", "Arrival"} {
		got, err := ParseEventType(v)
		require.NoError(t, err)
		assert.Equal(t, EventArrival, got)
	}
	for _, v := range []string{"d", "DP", " departure "} {
		got, err := ParseEventType(v)
		require.NoError(t, err)
		assert.Equal(t, EventDeparture, got)
	}
	_, err := ParseEventType("pass")
	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "event_type", vErr.Field)
}

func validRecord() EventRecord {
	return EventRecord{
		SnapshotTime: time.Date(2025, 9, 2, 12, 0, 0, 0, time.UTC),
		Station:      StationInput{EVA: 8011160, Name: "Berlin Hbf"},
		StopID:       "123",
		EventType:    "Departure",
		PlannedTime:  ptr(time.Date(2025, 9, 2, 12, 5, 0, 0, time.UTC)),
	}
}

func TestEventRecordValidate(t *testing.T) {
	require.NoError(t, validRecord().Validate())

	cases := map[string]struct {
		mutate func(*EventRecord)
		field  string
	}{
		"missing snapshot": {func(r *EventRecord) { r.SnapshotTime = time.Time{} }, "snapshot_time"},
		"missing eva":      {func(r *EventRecord) { r.Station.EVA = 0 }, "station.eva"},
		"blank stop":       {func(r *EventRecord) { r.StopID = "  " }, "stop_id"},
		"bad event type":   {func(r *EventRecord) { r.EventType = "X" }, "event_type"},
		"bad status":       {func(r *EventRecord) { r.EventStatus = ptr("z") }, "event_status"},
		"lat without lon":  {func(r *EventRecord) { r.Station.Lat = ptr(52.5) }, "station.lat"},
		"lat out of range": {func(r *EventRecord) { r.Station.Lat, r.Station.Lon = ptr(91.0), ptr(13.0) }, "station.lat"},
		"long train": {func(r *EventRecord) {
			r.Train = &TrainInput{Category: "ICE", Number: "1234567890123456789012345678901234"}
		}, "train.number"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := validRecord()
			tc.mutate(&r)
			err := r.Validate()
			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr), "got %v", err)
			assert.Equal(t, tc.field, vErr.Field)
		})
	}
}

func TestEventRecordDelay(t *testing.T) {
	r := validRecord()
	assert.Nil(t, r.Delay())

	r.ChangedTime = ptr(time.Date(2025, 9, 2, 12, 9, 0, 0, time.UTC))
	require.NotNil(t, r.Delay())
	assert.Equal(t, 4, *r.Delay())

	r.DelayMinutes = ptr(6)
	assert.Equal(t, 6, *r.Delay(), "upstream delay wins")

	r.EventStatus = ptr("c")
	assert.True(t, r.Cancelled())
	assert.Nil(t, r.Delay())
}

func TestTrainOrUnknown(t *testing.T) {
	r := validRecord()
	assert.True(t, r.TrainOrUnknown().IsUnknown())

	r.Train = &TrainInput{Category: " ICE ", Number: "1601"}
	got := r.TrainOrUnknown()
	assert.Equal(t, "ICE", got.Category)
	assert.False(t, got.IsUnknown())

	r.Train = &TrainInput{Owner: "80"}
	got = r.TrainOrUnknown()
	assert.Equal(t, "UNK", got.Category)
	assert.False(t, got.IsUnknown(), "owner distinguishes it from the sentinel")
}

func TestStationRefresh(t *testing.T) {
	s := Station{Key: 1, EVA: 8011160, Name: "Berlin Hbf", Lat: ptr(52.52), Lon: ptr(13.37)}
	same := s.Refresh(StationInput{EVA: 8011160})
	assert.Equal(t, "Berlin Hbf", same.Name)
	assert.Equal(t, 52.52, *same.Lat)

	moved := s.Refresh(StationInput{EVA: 8011160, Name: "Berlin Hauptbahnhof", Lat: ptr(52.525), Lon: ptr(13.369)})
	assert.Equal(t, "Berlin Hauptbahnhof", moved.Name)
	assert.Equal(t, 52.525, *moved.Lat)
	assert.Equal(t, StationKey(1), moved.Key)
}
