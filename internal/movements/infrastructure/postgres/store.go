package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	movements "transit-dwh/internal/movements/domain"
)

const (
	defaultStationTable = "dim_station"
	defaultTrainTable   = "dim_train"
	defaultTimeTable    = "dim_time"
	defaultFactTable    = "fact_movement"
)

// Store is the Postgres star schema. Every write is a single ON CONFLICT
// statement on the natural key, so no write holds more than one row lock.
type Store struct {
	db       DBTX
	closer   func() error
	stations string
	trains   string
	times    string
	facts    string
}

var _ movements.Store = (*Store)(nil)

// Option configures the store.
type Option func(*Store)

// WithTables overrides the default table names. Empty names keep the default.
func WithTables(stations, trains, times, facts string) Option {
	return func(s *Store) {
		if stations != "" {
			s.stations = stations
		}
		if trains != "" {
			s.trains = trains
		}
		if times != "" {
			s.times = times
		}
		if facts != "" {
			s.facts = facts
		}
	}
}

// NewStore builds a store over db. Close closes db when it is a *sql.DB.
func NewStore(db DBTX, opts ...Option) *Store {
	s := &Store{
		db:       db,
		stations: defaultStationTable,
		trains:   defaultTrainTable,
		times:    defaultTimeTable,
		facts:    defaultFactTable,
	}
	if closer, ok := db.(interface{ Close() error }); ok {
		s.closer = closer.Close
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer()
}

var errNilDB = errors.New("postgres: nil db")

// UpsertStation inserts the station or refreshes name and coordinates that
// are present in in. Unchanged rows are not rewritten.
func (s *Store) UpsertStation(ctx context.Context, in movements.StationInput) (movements.StationKey, error) {
	if s == nil || s.db == nil {
		return 0, errNilDB
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s AS s (eva, station_name, lat, lon)
VALUES ($1, $2, $3, $4)
ON CONFLICT (eva)
DO UPDATE SET
	station_name = COALESCE(NULLIF(EXCLUDED.station_name, ''), s.station_name),
	lat = COALESCE(EXCLUDED.lat, s.lat),
	lon = COALESCE(EXCLUDED.lon, s.lon),
	updated_at = NOW()
WHERE (COALESCE(NULLIF(EXCLUDED.station_name, ''), s.station_name), COALESCE(EXCLUDED.lat, s.lat), COALESCE(EXCLUDED.lon, s.lon))
	IS DISTINCT FROM (s.station_name, s.lat, s.lon)
RETURNING station_key`, s.stations)

	var lat, lon sql.NullFloat64
	if in.Lat != nil && in.Lon != nil {
		lat = sql.NullFloat64{Float64: *in.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: *in.Lon, Valid: true}
	}
	station := movements.Station{EVA: in.EVA}.Refresh(in)

	var key int64
	err := s.db.QueryRowContext(ctx, query, in.EVA, station.Name, lat, lon).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict with nothing to refresh: the row already holds these values.
		lookup := fmt.Sprintf(`SELECT station_key FROM %s WHERE eva = $1`, s.stations)
		err = s.db.QueryRowContext(ctx, lookup, in.EVA).Scan(&key)
	}
	if err != nil {
		return 0, classify("upsert station", err)
	}
	return movements.StationKey(key), nil
}

// InsertTrain returns the key of the train 5-tuple, creating the row when unseen.
func (s *Store) InsertTrain(ctx context.Context, in movements.TrainInput) (movements.TrainKey, error) {
	if s == nil || s.db == nil {
		return 0, errNilDB
	}
	in = in.Normalize()
	insert := fmt.Sprintf(`
INSERT INTO %s (category, train_number, owner, trip_type, filter_flags)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (category, train_number, owner, trip_type, filter_flags) DO NOTHING
RETURNING train_key`, s.trains)
	args := []any{in.Category, in.Number, in.Owner, in.TripType, in.FilterFlags}

	var key int64
	err := s.db.QueryRowContext(ctx, insert, args...).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		lookup := fmt.Sprintf(`
SELECT train_key FROM %s
WHERE category = $1 AND train_number = $2 AND owner = $3 AND trip_type = $4 AND filter_flags = $5`, s.trains)
		err = s.db.QueryRowContext(ctx, lookup, args...).Scan(&key)
	}
	if err != nil {
		return 0, classify("insert train", err)
	}
	return movements.TrainKey(key), nil
}

// InsertTime stores the minute row when unseen.
func (s *Store) InsertTime(ctx context.Context, dim movements.TimeDimension) error {
	if s == nil || s.db == nil {
		return errNilDB
	}
	query := fmt.Sprintf(`
INSERT INTO %s (time_key, ts, date, hour, minute, day_of_week, is_weekend)
VALUES ($1, $2, $3::date, $4, $5, $6, $7)
ON CONFLICT (time_key) DO NOTHING`, s.times)
	_, err := s.db.ExecContext(ctx, query,
		int64(dim.Key),
		wallClock(dim.TS),
		dim.Date.Format(dateLayout),
		dim.Hour,
		dim.Minute,
		dim.DayOfWeek,
		dim.IsWeekend,
	)
	return classify("insert time", err)
}

const dateLayout = "2006-01-02"

// wallClock drops the location so TIMESTAMP stores the encoded wall time.
func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
}

// UpsertFact inserts the fact or merges w into the row with its natural key.
// The merge mirrors MovementFact.Merge.
func (s *Store) UpsertFact(ctx context.Context, w movements.FactWrite) (movements.FactKey, error) {
	if s == nil || s.db == nil {
		return 0, errNilDB
	}
	f := movements.NewFact(w)
	query := fmt.Sprintf(`
INSERT INTO %s AS f (
	snapshot_time_key,
	station_key,
	train_key,
	stop_id,
	event_type,
	planned_time_key,
	changed_time_key,
	event_status,
	planned_platform,
	changed_platform,
	line,
	planned_path,
	delay_minutes,
	is_cancelled
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
)
ON CONFLICT (snapshot_time_key, station_key, stop_id, event_type)
DO UPDATE SET
	train_key = CASE WHEN $15::boolean THEN f.train_key ELSE EXCLUDED.train_key END,
	planned_time_key = COALESCE(f.planned_time_key, EXCLUDED.planned_time_key),
	changed_time_key = COALESCE(EXCLUDED.changed_time_key, f.changed_time_key),
	event_status = COALESCE(EXCLUDED.event_status, f.event_status),
	planned_platform = COALESCE(EXCLUDED.planned_platform, f.planned_platform),
	changed_platform = COALESCE(EXCLUDED.changed_platform, f.changed_platform),
	line = COALESCE(EXCLUDED.line, f.line),
	planned_path = COALESCE(EXCLUDED.planned_path, f.planned_path),
	delay_minutes = CASE WHEN EXCLUDED.is_cancelled THEN NULL ELSE COALESCE(EXCLUDED.delay_minutes, f.delay_minutes) END,
	is_cancelled = EXCLUDED.is_cancelled,
	updated_at = NOW()
RETURNING fact_key`, s.facts)

	var key int64
	err := s.db.QueryRowContext(ctx, query,
		int64(f.SnapshotTimeKey),
		int64(f.StationKey),
		int64(f.TrainKey),
		f.StopID,
		string(f.EventType),
		nullTimeKey(f.PlannedTimeKey),
		nullTimeKey(f.ChangedTimeKey),
		nullStatus(f.EventStatus),
		nullString(f.PlannedPlatform),
		nullString(f.ChangedPlatform),
		nullString(f.Line),
		nullString(f.PlannedPath),
		nullInt(f.DelayMinutes),
		f.IsCancelled,
		w.TrainUnknown,
	).Scan(&key)
	if err != nil {
		return 0, classify("upsert fact", err)
	}
	return movements.FactKey(key), nil
}

const factColumns = `fact_key, snapshot_time_key, station_key, train_key, stop_id, event_type,
	planned_time_key, changed_time_key, event_status, planned_platform, changed_platform,
	line, planned_path, delay_minutes, is_cancelled`

// GetFact loads the fact with the natural key.
func (s *Store) GetFact(ctx context.Context, key movements.NaturalKey) (movements.MovementFact, error) {
	if s == nil || s.db == nil {
		return movements.MovementFact{}, errNilDB
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE snapshot_time_key = $1 AND station_key = $2 AND stop_id = $3 AND event_type = $4`, factColumns, s.facts)
	row := s.db.QueryRowContext(ctx, query, int64(key.SnapshotTimeKey), int64(key.StationKey), key.StopID, string(key.EventType))
	fact, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return movements.MovementFact{}, movements.ErrFactNotFound
	}
	if err != nil {
		return movements.MovementFact{}, classify("get fact", err)
	}
	return fact, nil
}

// FactsBySnapshot scans every fact of one snapshot without the partial indexes.
func (s *Store) FactsBySnapshot(ctx context.Context, snapshot movements.TimeKey) ([]movements.MovementFact, error) {
	if s == nil || s.db == nil {
		return nil, errNilDB
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE snapshot_time_key = $1
ORDER BY fact_key`, factColumns, s.facts)
	rows, err := s.db.QueryContext(ctx, query, int64(snapshot))
	if err != nil {
		return nil, classify("facts by snapshot", err)
	}
	defer rows.Close()

	var out []movements.MovementFact
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, classify("facts by snapshot", err)
		}
		out = append(out, fact)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("facts by snapshot", err)
	}
	return out, nil
}

func scanFact(scanner interface{ Scan(dest ...any) error }) (movements.MovementFact, error) {
	var (
		f                        movements.MovementFact
		eventType                string
		planned, changed         sql.NullInt64
		status                   sql.NullString
		plannedPlat, changedPlat sql.NullString
		line, path               sql.NullString
		delay                    sql.NullInt32
	)
	if err := scanner.Scan(
		&f.Key,
		&f.SnapshotTimeKey,
		&f.StationKey,
		&f.TrainKey,
		&f.StopID,
		&eventType,
		&planned,
		&changed,
		&status,
		&plannedPlat,
		&changedPlat,
		&line,
		&path,
		&delay,
		&f.IsCancelled,
	); err != nil {
		return movements.MovementFact{}, err
	}
	f.EventType = movements.EventType(eventType)
	if planned.Valid {
		k := movements.TimeKey(planned.Int64)
		f.PlannedTimeKey = &k
	}
	if changed.Valid {
		k := movements.TimeKey(changed.Int64)
		f.ChangedTimeKey = &k
	}
	if status.Valid {
		st := movements.EventStatus(status.String)
		f.EventStatus = &st
	}
	f.PlannedPlatform = stringPtr(plannedPlat)
	f.ChangedPlatform = stringPtr(changedPlat)
	f.Line = stringPtr(line)
	f.PlannedPath = stringPtr(path)
	if delay.Valid {
		d := int(delay.Int32)
		f.DelayMinutes = &d
	}
	return f, nil
}

func nullTimeKey(k *movements.TimeKey) sql.NullInt64 {
	if k == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*k), Valid: true}
}

func nullStatus(s *movements.EventStatus) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*s), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(v *int) sql.NullInt32 {
	if v == nil {
		return sql.NullInt32{}
	}
	return sql.NullInt32{Int32: int32(*v), Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
