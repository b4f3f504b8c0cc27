package memory

import (
	"sync"

	movements "transit-dwh/internal/movements/domain"
)

// cancelIndex holds only cancelled facts, per snapshot.
type cancelIndex struct {
	mu   sync.RWMutex
	rows map[movements.TimeKey]map[movements.FactKey]struct{}
}

func newCancelIndex() *cancelIndex {
	return &cancelIndex{rows: make(map[movements.TimeKey]map[movements.FactKey]struct{})}
}

func (ix *cancelIndex) apply(old *movements.MovementFact, next movements.MovementFact) {
	wasCancelled := old != nil && old.IsCancelled
	if wasCancelled == next.IsCancelled {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	set := ix.rows[next.SnapshotTimeKey]
	if next.IsCancelled {
		if set == nil {
			set = make(map[movements.FactKey]struct{})
			ix.rows[next.SnapshotTimeKey] = set
		}
		set[next.Key] = struct{}{}
		return
	}
	delete(set, next.Key)
	if len(set) == 0 {
		delete(ix.rows, next.SnapshotTimeKey)
	}
}

func (ix *cancelIndex) count(snapshot movements.TimeKey) int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return int64(len(ix.rows[snapshot]))
}

// delayIndex keeps a running sum and count per station over facts with a
// delay that are not cancelled.
type delayIndex struct {
	mu   sync.RWMutex
	aggs map[movements.StationKey]movements.DelayAggregate
}

func newDelayIndex() *delayIndex {
	return &delayIndex{aggs: make(map[movements.StationKey]movements.DelayAggregate)}
}

func (ix *delayIndex) apply(old *movements.MovementFact, next movements.MovementFact) {
	hadSample := old != nil && old.HasDelaySample()
	if !hadSample && !next.HasDelaySample() {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	agg := ix.aggs[next.StationKey]
	if hadSample {
		agg.Sum -= int64(*old.DelayMinutes)
		agg.Samples--
	}
	if next.HasDelaySample() {
		agg.Sum += int64(*next.DelayMinutes)
		agg.Samples++
	}
	if agg.Samples == 0 {
		delete(ix.aggs, next.StationKey)
		return
	}
	ix.aggs[next.StationKey] = agg
}

func (ix *delayIndex) get(station movements.StationKey) movements.DelayAggregate {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.aggs[station]
}

func (ix *delayIndex) snapshot() map[movements.StationKey]movements.DelayAggregate {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[movements.StationKey]movements.DelayAggregate, len(ix.aggs))
	for k, v := range ix.aggs {
		out[k] = v
	}
	return out
}

// snapshotIndex lists every natural key per snapshot, cancelled or not.
type snapshotIndex struct {
	mu   sync.RWMutex
	keys map[movements.TimeKey][]movements.NaturalKey
}

func newSnapshotIndex() *snapshotIndex {
	return &snapshotIndex{keys: make(map[movements.TimeKey][]movements.NaturalKey)}
}

func (ix *snapshotIndex) add(key movements.NaturalKey) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.keys[key.SnapshotTimeKey] = append(ix.keys[key.SnapshotTimeKey], key)
}

func (ix *snapshotIndex) list(snapshot movements.TimeKey) []movements.NaturalKey {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	keys := ix.keys[snapshot]
	out := make([]movements.NaturalKey, len(keys))
	copy(out, keys)
	return out
}

type hourKey struct {
	date string
	hour int
}

// hourIndex is the (date, hour) index over the time dimension.
type hourIndex struct {
	mu   sync.RWMutex
	keys map[hourKey][]movements.TimeKey
}

func newHourIndex() *hourIndex {
	return &hourIndex{keys: make(map[hourKey][]movements.TimeKey)}
}

func (ix *hourIndex) add(dim movements.TimeDimension) {
	k := hourKey{date: dim.Date.Format("2006-01-02"), hour: dim.Hour}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.keys[k] = append(ix.keys[k], dim.Key)
}

func (ix *hourIndex) list(date string, hour int) []movements.TimeKey {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	keys := ix.keys[hourKey{date: date, hour: hour}]
	out := make([]movements.TimeKey, len(keys))
	copy(out, keys)
	return out
}
