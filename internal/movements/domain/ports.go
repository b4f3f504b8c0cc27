package movements

import (
	"context"
	"time"
)

// DimensionStore persists dimension rows. Every method is an atomic
// insert-or-return-existing on the natural key.
type DimensionStore interface {
	// UpsertStation inserts the station or refreshes present attributes of the existing row.
	UpsertStation(ctx context.Context, in StationInput) (StationKey, error)
	InsertTrain(ctx context.Context, in TrainInput) (TrainKey, error)
	InsertTime(ctx context.Context, dim TimeDimension) error
}

// FactStore persists movement facts.
type FactStore interface {
	// UpsertFact inserts a new fact or merges w into the row with the same natural key.
	UpsertFact(ctx context.Context, w FactWrite) (FactKey, error)
	GetFact(ctx context.Context, key NaturalKey) (MovementFact, error)
	FactsBySnapshot(ctx context.Context, snapshot TimeKey) ([]MovementFact, error)
}

// DelayAggregate is the running average delay of one station.
type DelayAggregate struct {
	Sum     int64
	Samples int64
}

// Average returns the mean delay, false when there are no samples.
func (a DelayAggregate) Average() (float64, bool) {
	if a.Samples == 0 {
		return 0, false
	}
	return float64(a.Sum) / float64(a.Samples), true
}

// StationDelay is one line of the delay report.
type StationDelay struct {
	Station Station
	DelayAggregate
}

// QueryStore serves the read side. Each method is backed by a dedicated index.
type QueryStore interface {
	SearchStations(ctx context.Context, fragment string) ([]Station, error)
	LookupStation(ctx context.Context, normalizedName string) (Station, error)
	NearestStation(ctx context.Context, lat, lon float64) (Station, error)
	GetStation(ctx context.Context, key StationKey) (Station, error)
	CancellationCount(ctx context.Context, snapshot TimeKey) (int64, error)
	DelayAggregate(ctx context.Context, station StationKey) (DelayAggregate, error)
	DelayByStation(ctx context.Context) ([]StationDelay, error)
	TimesInHour(ctx context.Context, date time.Time, hour int) ([]TimeDimension, error)
}

// Store is a complete storage backend.
type Store interface {
	DimensionStore
	FactStore
	QueryStore
	Close() error
}
