package sqlite

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	movements "transit-dwh/internal/movements/domain"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func toStation(m stationModel) movements.Station {
	return movements.Station{
		Key:  movements.StationKey(m.StationKey),
		EVA:  m.EVA,
		Name: m.StationName,
		Lat:  m.Lat,
		Lon:  m.Lon,
	}
}

// SearchStations matches the folded fragment against the folded name column.
func (s *Store) SearchStations(ctx context.Context, fragment string) ([]movements.Station, error) {
	if s == nil || s.db == nil {
		return nil, movements.ErrNilStore
	}
	pattern := "%" + likeEscaper.Replace(strings.ToLower(fragment)) + "%"
	var rows []stationModel
	err := s.db.WithContext(ctx).
		Where(`name_folded LIKE ? ESCAPE '\'`, pattern).
		Order("station_name, station_key").
		Find(&rows).Error
	if err != nil {
		return nil, classify("search stations", err)
	}
	out := make([]movements.Station, 0, len(rows))
	for _, m := range rows {
		out = append(out, toStation(m))
	}
	return out, nil
}

// LookupStation returns the lowest-keyed station whose folded name equals normalizedName.
func (s *Store) LookupStation(ctx context.Context, normalizedName string) (movements.Station, error) {
	if s == nil || s.db == nil {
		return movements.Station{}, movements.ErrNilStore
	}
	var row stationModel
	err := s.db.WithContext(ctx).
		Where("name_folded = ?", normalizedName).
		Order("station_key").
		Take(&row).Error
	return stationResult("lookup station", row, err)
}

// NearestStation answers from the in-process k-d tree.
func (s *Store) NearestStation(ctx context.Context, lat, lon float64) (movements.Station, error) {
	if s == nil || s.db == nil {
		return movements.Station{}, movements.ErrNilStore
	}
	if err := ctx.Err(); err != nil {
		return movements.Station{}, err
	}
	p, ok := s.points.Nearest(lon, lat)
	if !ok {
		return movements.Station{}, movements.ErrStationNotFound
	}
	return s.GetStation(ctx, movements.StationKey(p.Key))
}

// GetStation loads one station by key.
func (s *Store) GetStation(ctx context.Context, key movements.StationKey) (movements.Station, error) {
	if s == nil || s.db == nil {
		return movements.Station{}, movements.ErrNilStore
	}
	var row stationModel
	err := s.db.WithContext(ctx).Where("station_key = ?", int64(key)).Take(&row).Error
	return stationResult("get station", row, err)
}

func stationResult(op string, row stationModel, err error) (movements.Station, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return movements.Station{}, movements.ErrStationNotFound
	}
	if err != nil {
		return movements.Station{}, classify(op, err)
	}
	return toStation(row), nil
}

// CancellationCount is answered from the cancelled-only partial index.
func (s *Store) CancellationCount(ctx context.Context, snapshot movements.TimeKey) (int64, error) {
	if s == nil || s.db == nil {
		return 0, movements.ErrNilStore
	}
	var count int64
	err := s.db.WithContext(ctx).
		Model(&factModel{}).
		Where("snapshot_time_key = ? AND is_cancelled", int64(snapshot)).
		Count(&count).Error
	if err != nil {
		return 0, classify("cancellation count", err)
	}
	return count, nil
}

type delayRow struct {
	StationKey int64
	Total      int64
	Samples    int64
}

// DelayAggregate is answered from the partial delay index.
func (s *Store) DelayAggregate(ctx context.Context, station movements.StationKey) (movements.DelayAggregate, error) {
	if s == nil || s.db == nil {
		return movements.DelayAggregate{}, movements.ErrNilStore
	}
	var row delayRow
	err := s.db.WithContext(ctx).
		Model(&factModel{}).
		Select("COALESCE(SUM(delay_minutes), 0) AS total, COUNT(delay_minutes) AS samples").
		Where("station_key = ? AND delay_minutes IS NOT NULL AND NOT is_cancelled", int64(station)).
		Scan(&row).Error
	if err != nil {
		return movements.DelayAggregate{}, classify("delay aggregate", err)
	}
	return movements.DelayAggregate{Sum: row.Total, Samples: row.Samples}, nil
}

// DelayByStation aggregates the partial delay index for every station with samples.
func (s *Store) DelayByStation(ctx context.Context) ([]movements.StationDelay, error) {
	if s == nil || s.db == nil {
		return nil, movements.ErrNilStore
	}
	var aggs []delayRow
	err := s.db.WithContext(ctx).
		Model(&factModel{}).
		Select("station_key, SUM(delay_minutes) AS total, COUNT(*) AS samples").
		Where("delay_minutes IS NOT NULL AND NOT is_cancelled").
		Group("station_key").
		Scan(&aggs).Error
	if err != nil {
		return nil, classify("delay by station", err)
	}
	if len(aggs) == 0 {
		return []movements.StationDelay{}, nil
	}

	keys := make([]int64, 0, len(aggs))
	byKey := make(map[int64]delayRow, len(aggs))
	for _, a := range aggs {
		keys = append(keys, a.StationKey)
		byKey[a.StationKey] = a
	}
	var stations []stationModel
	err = s.db.WithContext(ctx).
		Where("station_key IN ?", keys).
		Order("station_name, station_key").
		Find(&stations).Error
	if err != nil {
		return nil, classify("delay by station", err)
	}

	out := make([]movements.StationDelay, 0, len(stations))
	for _, m := range stations {
		a := byKey[m.StationKey]
		out = append(out, movements.StationDelay{
			Station:        toStation(m),
			DelayAggregate: movements.DelayAggregate{Sum: a.Total, Samples: a.Samples},
		})
	}
	return out, nil
}

// TimesInHour lists the minutes of one calendar hour through the (date, hour) index.
func (s *Store) TimesInHour(ctx context.Context, date time.Time, hour int) ([]movements.TimeDimension, error) {
	if s == nil || s.db == nil {
		return nil, movements.ErrNilStore
	}
	var rows []timeModel
	err := s.db.WithContext(ctx).
		Where("date = ? AND hour = ?", date.Format(dateLayout), hour).
		Order("time_key").
		Find(&rows).Error
	if err != nil {
		return nil, classify("times in hour", err)
	}
	out := make([]movements.TimeDimension, 0, len(rows))
	for _, m := range rows {
		dim, err := fromTimeModel(m)
		if err != nil {
			return nil, classify("times in hour", err)
		}
		out = append(out, dim)
	}
	return out, nil
}
