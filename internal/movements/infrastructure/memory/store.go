package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	movements "transit-dwh/internal/movements/domain"
	"transit-dwh/internal/spatial"
)

type stationRow struct {
	mu      sync.Mutex
	station movements.Station
}

type factRow struct {
	mu   sync.Mutex
	fact movements.MovementFact
}

// Store is an in-process star schema for tests and single-node runs.
// Every write is scoped to one natural key: rows are claimed with
// sync.Map.LoadOrStore and then mutated under their own lock. Secondary
// indexes have separate short locks, always taken after a row lock.
type Store struct {
	nextStation atomic.Int64
	nextTrain   atomic.Int64
	nextFact    atomic.Int64

	stations      sync.Map // eva -> *stationRow
	stationsByKey sync.Map // StationKey -> *stationRow
	trains        sync.Map // natural key -> movements.Train
	trainsByKey   sync.Map // TrainKey -> movements.Train
	times         sync.Map // TimeKey -> movements.TimeDimension
	facts         sync.Map // NaturalKey -> *factRow

	names     *nameIndex
	points    *spatial.Index
	hours     *hourIndex
	cancelled *cancelIndex
	delays    *delayIndex
	snapshots *snapshotIndex
}

var _ movements.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		names:     newNameIndex(),
		points:    spatial.NewIndex(),
		hours:     newHourIndex(),
		cancelled: newCancelIndex(),
		delays:    newDelayIndex(),
		snapshots: newSnapshotIndex(),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// UpsertStation claims the row for in.EVA or refreshes its present attributes.
func (s *Store) UpsertStation(ctx context.Context, in movements.StationInput) (movements.StationKey, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	candidate := &stationRow{}
	candidate.mu.Lock()
	actual, loaded := s.stations.LoadOrStore(in.EVA, candidate)
	if !loaded {
		key := movements.StationKey(s.nextStation.Add(1))
		candidate.station = movements.Station{Key: key, EVA: in.EVA}.Refresh(in)
		s.stationsByKey.Store(key, candidate)
		s.indexStation(candidate.station)
		candidate.mu.Unlock()
		return key, nil
	}
	candidate.mu.Unlock()

	row := actual.(*stationRow)
	row.mu.Lock()
	defer row.mu.Unlock()
	row.station = row.station.Refresh(in)
	s.indexStation(row.station)
	return row.station.Key, nil
}

func (s *Store) indexStation(st movements.Station) {
	s.names.set(st.Key, st.Name)
	if st.HasCoordinates() {
		s.points.Set(spatial.Point{Key: int64(st.Key), X: *st.Lon, Y: *st.Lat})
	}
}

// InsertTrain returns the key of the train 5-tuple, creating it when unseen.
func (s *Store) InsertTrain(ctx context.Context, in movements.TrainInput) (movements.TrainKey, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	in = in.Normalize()
	id := in.NaturalKey()
	if existing, ok := s.trains.Load(id); ok {
		return existing.(movements.Train).Key, nil
	}
	candidate := movements.Train{Key: movements.TrainKey(s.nextTrain.Add(1)), TrainInput: in}
	actual, loaded := s.trains.LoadOrStore(id, candidate)
	train := actual.(movements.Train)
	if !loaded {
		s.trainsByKey.Store(train.Key, train)
	}
	return train.Key, nil
}

// InsertTime stores the minute row when unseen.
func (s *Store) InsertTime(ctx context.Context, dim movements.TimeDimension) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, loaded := s.times.LoadOrStore(dim.Key, dim); !loaded {
		s.hours.add(dim)
	}
	return nil
}

// UpsertFact inserts the fact or merges w into the row with its natural key.
func (s *Store) UpsertFact(ctx context.Context, w movements.FactWrite) (movements.FactKey, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.checkReferences(w.Fact); err != nil {
		return 0, err
	}
	nk := w.Fact.NaturalKey()

	candidate := &factRow{}
	candidate.mu.Lock()
	actual, loaded := s.facts.LoadOrStore(nk, candidate)
	if !loaded {
		fact := movements.NewFact(w)
		fact.Key = movements.FactKey(s.nextFact.Add(1))
		candidate.fact = fact
		s.snapshots.add(nk)
		s.cancelled.apply(nil, fact)
		s.delays.apply(nil, fact)
		candidate.mu.Unlock()
		return fact.Key, nil
	}
	candidate.mu.Unlock()

	row := actual.(*factRow)
	row.mu.Lock()
	defer row.mu.Unlock()
	old := row.fact
	next := old.Merge(w)
	row.fact = next
	s.cancelled.apply(&old, next)
	s.delays.apply(&old, next)
	return next.Key, nil
}

func (s *Store) checkReferences(f movements.MovementFact) error {
	if _, ok := s.stationsByKey.Load(f.StationKey); !ok {
		return fmt.Errorf("memory: station %d: %w", f.StationKey, movements.ErrDanglingReference)
	}
	if _, ok := s.trainsByKey.Load(f.TrainKey); !ok {
		return fmt.Errorf("memory: train %d: %w", f.TrainKey, movements.ErrDanglingReference)
	}
	timeKeys := []*movements.TimeKey{&f.SnapshotTimeKey, f.PlannedTimeKey, f.ChangedTimeKey}
	for _, key := range timeKeys {
		if key == nil {
			continue
		}
		if _, ok := s.times.Load(*key); !ok {
			return fmt.Errorf("memory: time %s: %w", *key, movements.ErrDanglingReference)
		}
	}
	return nil
}

// GetFact returns a copy of the fact with the natural key.
func (s *Store) GetFact(ctx context.Context, key movements.NaturalKey) (movements.MovementFact, error) {
	if err := ctx.Err(); err != nil {
		return movements.MovementFact{}, err
	}
	actual, ok := s.facts.Load(key)
	if !ok {
		return movements.MovementFact{}, movements.ErrFactNotFound
	}
	row := actual.(*factRow)
	row.mu.Lock()
	defer row.mu.Unlock()
	if row.fact.Key == 0 {
		return movements.MovementFact{}, movements.ErrFactNotFound
	}
	return row.fact.Clone(), nil
}

// FactsBySnapshot scans every fact of one snapshot, ordered by key.
func (s *Store) FactsBySnapshot(ctx context.Context, snapshot movements.TimeKey) ([]movements.MovementFact, error) {
	keys := s.snapshots.list(snapshot)
	out := make([]movements.MovementFact, 0, len(keys))
	for _, key := range keys {
		fact, err := s.GetFact(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, fact)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// SearchStations returns stations whose name contains fragment, ordered by name then key.
func (s *Store) SearchStations(ctx context.Context, fragment string) ([]movements.Station, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := s.names.search(fragment)
	out := make([]movements.Station, 0, len(keys))
	for _, key := range keys {
		if st, ok := s.station(key); ok {
			out = append(out, st)
		}
	}
	sortStations(out)
	return out, nil
}

// LookupStation returns the lowest-keyed station with the folded name.
func (s *Store) LookupStation(ctx context.Context, normalizedName string) (movements.Station, error) {
	if err := ctx.Err(); err != nil {
		return movements.Station{}, err
	}
	key, ok := s.names.lookup(normalizedName)
	if !ok {
		return movements.Station{}, movements.ErrStationNotFound
	}
	st, ok := s.station(key)
	if !ok {
		return movements.Station{}, movements.ErrStationNotFound
	}
	return st, nil
}

// NearestStation answers from the k-d tree over stations with coordinates.
func (s *Store) NearestStation(ctx context.Context, lat, lon float64) (movements.Station, error) {
	if err := ctx.Err(); err != nil {
		return movements.Station{}, err
	}
	p, ok := s.points.Nearest(lon, lat)
	if !ok {
		return movements.Station{}, movements.ErrStationNotFound
	}
	st, ok := s.station(movements.StationKey(p.Key))
	if !ok {
		return movements.Station{}, movements.ErrStationNotFound
	}
	return st, nil
}

// GetStation returns the station with key.
func (s *Store) GetStation(ctx context.Context, key movements.StationKey) (movements.Station, error) {
	if err := ctx.Err(); err != nil {
		return movements.Station{}, err
	}
	st, ok := s.station(key)
	if !ok {
		return movements.Station{}, movements.ErrStationNotFound
	}
	return st, nil
}

func (s *Store) station(key movements.StationKey) (movements.Station, bool) {
	actual, ok := s.stationsByKey.Load(key)
	if !ok {
		return movements.Station{}, false
	}
	row := actual.(*stationRow)
	row.mu.Lock()
	defer row.mu.Unlock()
	st := row.station
	if st.Lat != nil {
		lat := *st.Lat
		st.Lat = &lat
	}
	if st.Lon != nil {
		lon := *st.Lon
		st.Lon = &lon
	}
	return st, true
}

// CancellationCount reads the cancelled-only index.
func (s *Store) CancellationCount(ctx context.Context, snapshot movements.TimeKey) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.cancelled.count(snapshot), nil
}

// DelayAggregate reads the running delay aggregate of one station.
func (s *Store) DelayAggregate(ctx context.Context, station movements.StationKey) (movements.DelayAggregate, error) {
	if err := ctx.Err(); err != nil {
		return movements.DelayAggregate{}, err
	}
	return s.delays.get(station), nil
}

// DelayByStation lists every station with delay samples, ordered by name then key.
func (s *Store) DelayByStation(ctx context.Context) ([]movements.StationDelay, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	aggs := s.delays.snapshot()
	out := make([]movements.StationDelay, 0, len(aggs))
	for key, agg := range aggs {
		st, ok := s.station(key)
		if !ok {
			continue
		}
		out = append(out, movements.StationDelay{Station: st, DelayAggregate: agg})
	}
	sort.Slice(out, func(i, j int) bool {
		return lessStation(out[i].Station, out[j].Station)
	})
	return out, nil
}

// TimesInHour lists the minutes observed in one calendar hour, ordered by key.
func (s *Store) TimesInHour(ctx context.Context, date time.Time, hour int) ([]movements.TimeDimension, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := s.hours.list(date.Format("2006-01-02"), hour)
	out := make([]movements.TimeDimension, 0, len(keys))
	for _, key := range keys {
		if v, ok := s.times.Load(key); ok {
			out = append(out, v.(movements.TimeDimension))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func sortStations(stations []movements.Station) {
	sort.Slice(stations, func(i, j int) bool {
		return lessStation(stations[i], stations[j])
	})
}

func lessStation(a, b movements.Station) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.Key < b.Key
}
