package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	movements "transit-dwh/internal/movements/domain"
)

const stationColumns = `station_key, eva, station_name, lat, lon`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchStations matches the folded fragment anywhere in the folded name.
// The trigram GIN index serves fragments of three or more characters.
func (s *Store) SearchStations(ctx context.Context, fragment string) ([]movements.Station, error) {
	if s == nil || s.db == nil {
		return nil, errNilDB
	}
	pattern := "%" + likeEscaper.Replace(strings.ToLower(fragment)) + "%"
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE lower(station_name) LIKE $1 ESCAPE '\'
ORDER BY station_name COLLATE "C", station_key`, stationColumns, s.stations)
	return s.queryStations(ctx, "search stations", query, pattern)
}

// LookupStation returns the lowest-keyed station whose folded name equals normalizedName.
func (s *Store) LookupStation(ctx context.Context, normalizedName string) (movements.Station, error) {
	if s == nil || s.db == nil {
		return movements.Station{}, errNilDB
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE lower(station_name) = $1
ORDER BY station_key
LIMIT 1`, stationColumns, s.stations)
	return s.queryStation(ctx, "lookup station", query, normalizedName)
}

// NearestStation orders by planar distance in (lon, lat) through the GiST index.
func (s *Store) NearestStation(ctx context.Context, lat, lon float64) (movements.Station, error) {
	if s == nil || s.db == nil {
		return movements.Station{}, errNilDB
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE lat IS NOT NULL AND lon IS NOT NULL
ORDER BY point(lon, lat) <-> point($1, $2), station_key
LIMIT 1`, stationColumns, s.stations)
	return s.queryStation(ctx, "nearest station", query, lon, lat)
}

// GetStation loads one station by key.
func (s *Store) GetStation(ctx context.Context, key movements.StationKey) (movements.Station, error) {
	if s == nil || s.db == nil {
		return movements.Station{}, errNilDB
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE station_key = $1`, stationColumns, s.stations)
	return s.queryStation(ctx, "get station", query, int64(key))
}

func (s *Store) queryStation(ctx context.Context, op, query string, args ...any) (movements.Station, error) {
	st, err := scanStation(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return movements.Station{}, movements.ErrStationNotFound
	}
	if err != nil {
		return movements.Station{}, classify(op, err)
	}
	return st, nil
}

func (s *Store) queryStations(ctx context.Context, op, query string, args ...any) ([]movements.Station, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	out := []movements.Station{}
	for rows.Next() {
		st, err := scanStation(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func scanStation(scanner interface{ Scan(dest ...any) error }) (movements.Station, error) {
	var (
		st       movements.Station
		lat, lon sql.NullFloat64
	)
	if err := scanner.Scan(&st.Key, &st.EVA, &st.Name, &lat, &lon); err != nil {
		return movements.Station{}, err
	}
	if lat.Valid && lon.Valid {
		la, lo := lat.Float64, lon.Float64
		st.Lat, st.Lon = &la, &lo
	}
	return st, nil
}

// CancellationCount is answered from the cancelled-only partial index.
func (s *Store) CancellationCount(ctx context.Context, snapshot movements.TimeKey) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNilDB
	}
	query := fmt.Sprintf(`
SELECT COUNT(*)
FROM %s
WHERE snapshot_time_key = $1 AND is_cancelled`, s.facts)
	var count int64
	if err := s.db.QueryRowContext(ctx, query, int64(snapshot)).Scan(&count); err != nil {
		return 0, classify("cancellation count", err)
	}
	return count, nil
}

// DelayAggregate is answered from the partial delay index.
func (s *Store) DelayAggregate(ctx context.Context, station movements.StationKey) (movements.DelayAggregate, error) {
	if s == nil || s.db == nil {
		return movements.DelayAggregate{}, errNilDB
	}
	query := fmt.Sprintf(`
SELECT COALESCE(SUM(delay_minutes), 0), COUNT(delay_minutes)
FROM %s
WHERE station_key = $1 AND delay_minutes IS NOT NULL AND NOT is_cancelled`, s.facts)
	var agg movements.DelayAggregate
	if err := s.db.QueryRowContext(ctx, query, int64(station)).Scan(&agg.Sum, &agg.Samples); err != nil {
		return movements.DelayAggregate{}, classify("delay aggregate", err)
	}
	return agg, nil
}

// DelayByStation aggregates the partial delay index for every station with samples.
func (s *Store) DelayByStation(ctx context.Context) ([]movements.StationDelay, error) {
	if s == nil || s.db == nil {
		return nil, errNilDB
	}
	query := fmt.Sprintf(`
SELECT s.station_key, s.eva, s.station_name, s.lat, s.lon, d.total, d.samples
FROM (
	SELECT station_key, SUM(delay_minutes) AS total, COUNT(*) AS samples
	FROM %s
	WHERE delay_minutes IS NOT NULL AND NOT is_cancelled
	GROUP BY station_key
) d
JOIN %s s ON s.station_key = d.station_key
ORDER BY s.station_name COLLATE "C", s.station_key`, s.facts, s.stations)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify("delay by station", err)
	}
	defer rows.Close()

	out := []movements.StationDelay{}
	for rows.Next() {
		var (
			row      movements.StationDelay
			lat, lon sql.NullFloat64
		)
		if err := rows.Scan(&row.Station.Key, &row.Station.EVA, &row.Station.Name, &lat, &lon, &row.Sum, &row.Samples); err != nil {
			return nil, classify("delay by station", err)
		}
		if lat.Valid && lon.Valid {
			la, lo := lat.Float64, lon.Float64
			row.Station.Lat, row.Station.Lon = &la, &lo
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("delay by station", err)
	}
	return out, nil
}

// TimesInHour lists the minutes of one calendar hour through the (date, hour) index.
func (s *Store) TimesInHour(ctx context.Context, date time.Time, hour int) ([]movements.TimeDimension, error) {
	if s == nil || s.db == nil {
		return nil, errNilDB
	}
	query := fmt.Sprintf(`
SELECT time_key, ts, date, hour, minute, day_of_week, is_weekend
FROM %s
WHERE date = $1::date AND hour = $2
ORDER BY time_key`, s.times)
	rows, err := s.db.QueryContext(ctx, query, date.Format(dateLayout), hour)
	if err != nil {
		return nil, classify("times in hour", err)
	}
	defer rows.Close()

	out := []movements.TimeDimension{}
	for rows.Next() {
		var dim movements.TimeDimension
		if err := rows.Scan(&dim.Key, &dim.TS, &dim.Date, &dim.Hour, &dim.Minute, &dim.DayOfWeek, &dim.IsWeekend); err != nil {
			return nil, classify("times in hour", err)
		}
		out = append(out, dim)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("times in hour", err)
	}
	return out, nil
}
