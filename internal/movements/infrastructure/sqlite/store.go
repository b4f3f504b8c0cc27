// Package sqlite is the embedded single-file backend of the movement warehouse.
package sqlite

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	movements "transit-dwh/internal/movements/domain"
	"transit-dwh/internal/spatial"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	tsLayout   = "2006-01-02 15:04"
	dateLayout = "2006-01-02"
)

// Store keeps the star schema in one SQLite file. SQLite has no spatial
// index, so stations with coordinates are mirrored into a k-d tree.
type Store struct {
	db     *gorm.DB
	points *spatial.Index

	// stationMu orders station writes with their spatial index updates.
	stationMu sync.Mutex
}

var _ movements.Store = (*Store)(nil)

// Open opens path with foreign keys enforced and a single writer connection.
func Open(path string) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite: empty path")
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// RunMigrations applies the embedded schema.
func RunMigrations(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	goose.SetBaseFS(migrationsFS)
	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// NewStore wraps a migrated database and loads the spatial index.
func NewStore(ctx context.Context, db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, movements.ErrNilStore
	}
	s := &Store{db: db, points: spatial.NewIndex()}
	var rows []stationModel
	err := db.WithContext(ctx).
		Where("lat IS NOT NULL AND lon IS NOT NULL").
		Find(&rows).Error
	if err != nil {
		return nil, classify("load stations", err)
	}
	for _, m := range rows {
		s.points.Set(spatial.Point{Key: m.StationKey, X: *m.Lon, Y: *m.Lat})
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertStation inserts the station or refreshes present name and coordinates.
func (s *Store) UpsertStation(ctx context.Context, in movements.StationInput) (movements.StationKey, error) {
	if s == nil || s.db == nil {
		return 0, movements.ErrNilStore
	}
	st := movements.Station{EVA: in.EVA}.Refresh(in)
	m := stationModel{
		EVA:         in.EVA,
		StationName: st.Name,
		NameFolded:  movements.NormalizeStationName(st.Name),
		Lat:         st.Lat,
		Lon:         st.Lon,
	}

	s.stationMu.Lock()
	defer s.stationMu.Unlock()

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "eva"}},
			DoUpdates: clause.Assignments(map[string]any{
				"station_name": gorm.Expr("COALESCE(NULLIF(excluded.station_name, ''), dim_station.station_name)"),
				"name_folded":  gorm.Expr("COALESCE(NULLIF(excluded.name_folded, ''), dim_station.name_folded)"),
				"lat":          gorm.Expr("COALESCE(excluded.lat, dim_station.lat)"),
				"lon":          gorm.Expr("COALESCE(excluded.lon, dim_station.lon)"),
				"updated_at":   gorm.Expr("CURRENT_TIMESTAMP"),
			}),
		}).
		Create(&m).Error
	if err != nil {
		return 0, classify("upsert station", err)
	}

	var row stationModel
	if err := s.db.WithContext(ctx).Where("eva = ?", in.EVA).Take(&row).Error; err != nil {
		return 0, classify("upsert station", err)
	}
	if row.Lat != nil && row.Lon != nil {
		s.points.Set(spatial.Point{Key: row.StationKey, X: *row.Lon, Y: *row.Lat})
	}
	return movements.StationKey(row.StationKey), nil
}

// InsertTrain returns the key of the train 5-tuple, creating the row when unseen.
func (s *Store) InsertTrain(ctx context.Context, in movements.TrainInput) (movements.TrainKey, error) {
	if s == nil || s.db == nil {
		return 0, movements.ErrNilStore
	}
	in = in.Normalize()
	m := trainModel{
		Category:    in.Category,
		TrainNumber: in.Number,
		Owner:       in.Owner,
		TripType:    in.TripType,
		FilterFlags: in.FilterFlags,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error; err != nil {
		return 0, classify("insert train", err)
	}
	var row trainModel
	err := s.db.WithContext(ctx).
		Where("category = ? AND train_number = ? AND owner = ? AND trip_type = ? AND filter_flags = ?",
			in.Category, in.Number, in.Owner, in.TripType, in.FilterFlags).
		Take(&row).Error
	if err != nil {
		return 0, classify("insert train", err)
	}
	return movements.TrainKey(row.TrainKey), nil
}

// InsertTime stores the minute row when unseen.
func (s *Store) InsertTime(ctx context.Context, dim movements.TimeDimension) error {
	if s == nil || s.db == nil {
		return movements.ErrNilStore
	}
	m := timeModel{
		TimeKey:   int64(dim.Key),
		TS:        dim.TS.Format(tsLayout),
		Date:      dim.Date.Format(dateLayout),
		Hour:      dim.Hour,
		Minute:    dim.Minute,
		DayOfWeek: dim.DayOfWeek,
		IsWeekend: dim.IsWeekend,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
	return classify("insert time", err)
}

// UpsertFact inserts the fact or merges w into the row with its natural key.
func (s *Store) UpsertFact(ctx context.Context, w movements.FactWrite) (movements.FactKey, error) {
	if s == nil || s.db == nil {
		return 0, movements.ErrNilStore
	}
	m := toFactModel(movements.NewFact(w))
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "snapshot_time_key"},
				{Name: "station_key"},
				{Name: "stop_id"},
				{Name: "event_type"},
			},
			DoUpdates: clause.Assignments(map[string]any{
				"train_key":        gorm.Expr("CASE WHEN ? THEN fact_movement.train_key ELSE excluded.train_key END", w.TrainUnknown),
				"planned_time_key": gorm.Expr("COALESCE(fact_movement.planned_time_key, excluded.planned_time_key)"),
				"changed_time_key": gorm.Expr("COALESCE(excluded.changed_time_key, fact_movement.changed_time_key)"),
				"event_status":     gorm.Expr("COALESCE(excluded.event_status, fact_movement.event_status)"),
				"planned_platform": gorm.Expr("COALESCE(excluded.planned_platform, fact_movement.planned_platform)"),
				"changed_platform": gorm.Expr("COALESCE(excluded.changed_platform, fact_movement.changed_platform)"),
				"line":             gorm.Expr("COALESCE(excluded.line, fact_movement.line)"),
				"planned_path":     gorm.Expr("COALESCE(excluded.planned_path, fact_movement.planned_path)"),
				"delay_minutes":    gorm.Expr("CASE WHEN excluded.is_cancelled THEN NULL ELSE COALESCE(excluded.delay_minutes, fact_movement.delay_minutes) END"),
				"is_cancelled":     gorm.Expr("excluded.is_cancelled"),
				"updated_at":       gorm.Expr("CURRENT_TIMESTAMP"),
			}),
		}).
		Create(&m).Error
	if err != nil {
		return 0, classify("upsert fact", err)
	}

	row, err := s.findFact(ctx, movements.NaturalKey{
		SnapshotTimeKey: w.Fact.SnapshotTimeKey,
		StationKey:      w.Fact.StationKey,
		StopID:          w.Fact.StopID,
		EventType:       w.Fact.EventType,
	})
	if err != nil {
		return 0, classify("upsert fact", err)
	}
	return movements.FactKey(row.FactKey), nil
}

// GetFact loads the fact with the natural key.
func (s *Store) GetFact(ctx context.Context, key movements.NaturalKey) (movements.MovementFact, error) {
	if s == nil || s.db == nil {
		return movements.MovementFact{}, movements.ErrNilStore
	}
	row, err := s.findFact(ctx, key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return movements.MovementFact{}, movements.ErrFactNotFound
	}
	if err != nil {
		return movements.MovementFact{}, classify("get fact", err)
	}
	return fromFactModel(row), nil
}

func (s *Store) findFact(ctx context.Context, key movements.NaturalKey) (factModel, error) {
	var row factModel
	err := s.db.WithContext(ctx).
		Where("snapshot_time_key = ? AND station_key = ? AND stop_id = ? AND event_type = ?",
			int64(key.SnapshotTimeKey), int64(key.StationKey), key.StopID, string(key.EventType)).
		Take(&row).Error
	return row, err
}

// FactsBySnapshot scans every fact of one snapshot.
func (s *Store) FactsBySnapshot(ctx context.Context, snapshot movements.TimeKey) ([]movements.MovementFact, error) {
	if s == nil || s.db == nil {
		return nil, movements.ErrNilStore
	}
	var rows []factModel
	err := s.db.WithContext(ctx).
		Where("snapshot_time_key = ?", int64(snapshot)).
		Order("fact_key").
		Find(&rows).Error
	if err != nil {
		return nil, classify("facts by snapshot", err)
	}
	out := make([]movements.MovementFact, 0, len(rows))
	for _, m := range rows {
		out = append(out, fromFactModel(m))
	}
	return out, nil
}

func toFactModel(f movements.MovementFact) factModel {
	m := factModel{
		SnapshotTimeKey: int64(f.SnapshotTimeKey),
		StationKey:      int64(f.StationKey),
		TrainKey:        int64(f.TrainKey),
		StopID:          f.StopID,
		EventType:       string(f.EventType),
		PlannedPlatform: f.PlannedPlatform,
		ChangedPlatform: f.ChangedPlatform,
		Line:            f.Line,
		PlannedPath:     f.PlannedPath,
		DelayMinutes:    f.DelayMinutes,
		IsCancelled:     f.IsCancelled,
	}
	if f.PlannedTimeKey != nil {
		v := int64(*f.PlannedTimeKey)
		m.PlannedTimeKey = &v
	}
	if f.ChangedTimeKey != nil {
		v := int64(*f.ChangedTimeKey)
		m.ChangedTimeKey = &v
	}
	if f.EventStatus != nil {
		v := string(*f.EventStatus)
		m.EventStatus = &v
	}
	return m
}

func fromFactModel(m factModel) movements.MovementFact {
	f := movements.MovementFact{
		Key:             movements.FactKey(m.FactKey),
		SnapshotTimeKey: movements.TimeKey(m.SnapshotTimeKey),
		StationKey:      movements.StationKey(m.StationKey),
		TrainKey:        movements.TrainKey(m.TrainKey),
		StopID:          m.StopID,
		EventType:       movements.EventType(m.EventType),
		PlannedPlatform: m.PlannedPlatform,
		ChangedPlatform: m.ChangedPlatform,
		Line:            m.Line,
		PlannedPath:     m.PlannedPath,
		DelayMinutes:    m.DelayMinutes,
		IsCancelled:     m.IsCancelled,
	}
	if m.PlannedTimeKey != nil {
		k := movements.TimeKey(*m.PlannedTimeKey)
		f.PlannedTimeKey = &k
	}
	if m.ChangedTimeKey != nil {
		k := movements.TimeKey(*m.ChangedTimeKey)
		f.ChangedTimeKey = &k
	}
	if m.EventStatus != nil {
		st := movements.EventStatus(*m.EventStatus)
		f.EventStatus = &st
	}
	return f
}

func fromTimeModel(m timeModel) (movements.TimeDimension, error) {
	ts, err := time.ParseInLocation(tsLayout, m.TS, time.UTC)
	if err != nil {
		return movements.TimeDimension{}, err
	}
	date, err := time.ParseInLocation(dateLayout, m.Date, time.UTC)
	if err != nil {
		return movements.TimeDimension{}, err
	}
	return movements.TimeDimension{
		Key:       movements.TimeKey(m.TimeKey),
		TS:        ts,
		Date:      date,
		Hour:      m.Hour,
		Minute:    m.Minute,
		DayOfWeek: m.DayOfWeek,
		IsWeekend: m.IsWeekend,
	}, nil
}

// classify maps driver errors to the store's sentinel errors.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked:
			return fmt.Errorf("sqlite: %s: %w: %w", op, movements.ErrTransientConflict, err)
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("sqlite: %s: %w", op, movements.ErrDanglingReference)
		}
	}
	return fmt.Errorf("sqlite: %s: %w", op, err)
}
