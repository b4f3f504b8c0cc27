package application

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	movements "transit-dwh/internal/movements/domain"
	"transit-dwh/internal/observability/metrics"
)

// QueryEngine serves the read side. It never mutates the store.
type QueryEngine struct {
	store movements.QueryStore
}

// NewQueryEngine builds a QueryEngine over store.
func NewQueryEngine(store movements.QueryStore) (*QueryEngine, error) {
	if store == nil {
		return nil, movements.ErrNilStore
	}
	return &QueryEngine{store: store}, nil
}

// SearchStations returns stations whose name contains fragment, ignoring
// case, ordered by name.
func (q *QueryEngine) SearchStations(ctx context.Context, fragment string) ([]movements.Station, error) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return nil, &movements.ValidationError{Field: "q", Reason: "is required"}
	}
	start := time.Now()
	stations, err := q.store.SearchStations(ctx, fragment)
	observeQuery("search_stations", start, err)
	return stations, err
}

// LookupStation resolves a station by exact name, ignoring case and
// surrounding whitespace.
func (q *QueryEngine) LookupStation(ctx context.Context, name string) (movements.Station, error) {
	normalized := movements.NormalizeStationName(name)
	if normalized == "" {
		return movements.Station{}, &movements.ValidationError{Field: "name", Reason: "is required"}
	}
	start := time.Now()
	station, err := q.store.LookupStation(ctx, normalized)
	observeQuery("lookup_station", start, err)
	return station, err
}

// NearestStation returns the station closest to (lat, lon) in planar
// (lon, lat) space. Ties go to the lowest key.
func (q *QueryEngine) NearestStation(ctx context.Context, lat, lon float64) (movements.Station, error) {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return movements.Station{}, &movements.ValidationError{Field: "lat", Reason: "must be between -90 and 90"}
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return movements.Station{}, &movements.ValidationError{Field: "lon", Reason: "must be between -180 and 180"}
	}
	start := time.Now()
	station, err := q.store.NearestStation(ctx, lat, lon)
	observeQuery("nearest_station", start, err)
	return station, err
}

// Station returns one station by key.
func (q *QueryEngine) Station(ctx context.Context, key movements.StationKey) (movements.Station, error) {
	start := time.Now()
	station, err := q.store.GetStation(ctx, key)
	observeQuery("get_station", start, err)
	return station, err
}

// CancellationCount counts cancelled facts of one snapshot.
func (q *QueryEngine) CancellationCount(ctx context.Context, snapshot movements.TimeKey) (int64, error) {
	start := time.Now()
	count, err := q.store.CancellationCount(ctx, snapshot)
	observeQuery("cancellation_count", start, err)
	return count, err
}

// AverageDelay returns the mean delay of a station over facts with a delay
// that are not cancelled. ok is false when there is no such fact.
func (q *QueryEngine) AverageDelay(ctx context.Context, station movements.StationKey) (float64, bool, error) {
	start := time.Now()
	agg, err := q.store.DelayAggregate(ctx, station)
	observeQuery("average_delay", start, err)
	if err != nil {
		return 0, false, err
	}
	avg, ok := agg.Average()
	return avg, ok, nil
}

// DelayReport returns the delay aggregate of every station that has samples,
// ordered by station name.
func (q *QueryEngine) DelayReport(ctx context.Context) ([]movements.StationDelay, error) {
	start := time.Now()
	rows, err := q.store.DelayByStation(ctx)
	observeQuery("delay_report", start, err)
	return rows, err
}

// TimesInHour lists the observed minutes of one calendar hour.
func (q *QueryEngine) TimesInHour(ctx context.Context, date time.Time, hour int) ([]movements.TimeDimension, error) {
	if hour < 0 || hour > 23 {
		return nil, &movements.ValidationError{Field: "hour", Reason: "must be between 0 and 23"}
	}
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	start := time.Now()
	rows, err := q.store.TimesInHour(ctx, day, hour)
	observeQuery("times_in_hour", start, err)
	return rows, err
}

func observeQuery(name string, start time.Time, err error) {
	result := metrics.ResultSuccess
	if err != nil && !errors.Is(err, movements.ErrStationNotFound) {
		result = metrics.ResultError
	}
	metrics.ObserveQuery(name, result, time.Since(start))
}
