package application

import (
	"context"
	"log"
	"time"

	"github.com/patrickmn/go-cache"

	movements "transit-dwh/internal/movements/domain"
	"transit-dwh/internal/observability/metrics"
)

const defaultCacheTTL = 30 * time.Minute

// Interner resolves natural keys to dimension surrogate keys, creating rows on
// first sight. Safe for concurrent use.
type Interner struct {
	store   movements.DimensionStore
	encoder movements.Encoder
	retry   RetryPolicy
	logger  *log.Logger

	// Train and time rows are immutable, so their keys can be cached.
	// Stations are refreshed on every observation and always reach the store.
	trains *cache.Cache
	times  *cache.Cache
}

// InternerOption configures an Interner.
type InternerOption func(*Interner)

// WithRetryPolicy overrides the conflict retry policy.
func WithRetryPolicy(policy RetryPolicy) InternerOption {
	return func(i *Interner) {
		i.retry = policy
	}
}

// WithCacheTTL sets how long resolved train and time keys are kept.
// A non-positive ttl disables caching.
func WithCacheTTL(ttl time.Duration) InternerOption {
	return func(i *Interner) {
		if ttl <= 0 {
			i.trains, i.times = nil, nil
			return
		}
		i.trains = cache.New(ttl, 2*ttl)
		i.times = cache.New(ttl, 2*ttl)
	}
}

// WithInternerLogger sets the logger.
func WithInternerLogger(logger *log.Logger) InternerOption {
	return func(i *Interner) {
		i.logger = logger
	}
}

// NewInterner builds an Interner over store.
func NewInterner(store movements.DimensionStore, encoder movements.Encoder, opts ...InternerOption) (*Interner, error) {
	if store == nil {
		return nil, movements.ErrNilStore
	}
	i := &Interner{
		store:   store,
		encoder: encoder,
		retry:   DefaultRetryPolicy(),
		trains:  cache.New(defaultCacheTTL, 2*defaultCacheTTL),
		times:   cache.New(defaultCacheTTL, 2*defaultCacheTTL),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i, nil
}

// Encoder returns the time key encoder.
func (i *Interner) Encoder() movements.Encoder {
	return i.encoder
}

// InternStation returns the key for in.EVA, creating the row or refreshing
// its present attributes.
func (i *Interner) InternStation(ctx context.Context, in movements.StationInput) (movements.StationKey, error) {
	if err := in.Validate(); err != nil {
		return 0, err
	}
	return withConflictRetry(ctx, i.retry, "intern_station", func(ctx context.Context) (movements.StationKey, error) {
		return i.store.UpsertStation(ctx, in)
	})
}

// InternTrain returns the key for the train 5-tuple.
func (i *Interner) InternTrain(ctx context.Context, in movements.TrainInput) (movements.TrainKey, error) {
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return 0, err
	}
	id := in.NaturalKey()
	if i.trains != nil {
		if v, ok := i.trains.Get(id); ok {
			metrics.ObserveCache("train", true)
			return v.(movements.TrainKey), nil
		}
		metrics.ObserveCache("train", false)
	}
	key, err := withConflictRetry(ctx, i.retry, "intern_train", func(ctx context.Context) (movements.TrainKey, error) {
		return i.store.InsertTrain(ctx, in)
	})
	if err != nil {
		return 0, err
	}
	if i.trains != nil {
		i.trains.SetDefault(id, key)
	}
	return key, nil
}

// InternUnknownTrain returns the key of the sentinel train.
func (i *Interner) InternUnknownTrain(ctx context.Context) (movements.TrainKey, error) {
	return i.InternTrain(ctx, movements.UnknownTrain())
}

// InternTime returns the minute key of ts, creating its calendar row.
func (i *Interner) InternTime(ctx context.Context, ts time.Time) (movements.TimeKey, error) {
	dim, err := i.encoder.Encode(ts)
	if err != nil {
		return 0, err
	}
	id := dim.Key.String()
	if i.times != nil {
		if _, ok := i.times.Get(id); ok {
			metrics.ObserveCache("time", true)
			return dim.Key, nil
		}
		metrics.ObserveCache("time", false)
	}
	_, err = withConflictRetry(ctx, i.retry, "intern_time", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, i.store.InsertTime(ctx, dim)
	})
	if err != nil {
		return 0, err
	}
	if i.times != nil {
		i.times.SetDefault(id, struct{}{})
	}
	return dim.Key, nil
}

// Forget drops every cached key. Called when the store reports a reference
// to a row it no longer has.
func (i *Interner) Forget() {
	if i.trains != nil {
		i.trains.Flush()
	}
	if i.times != nil {
		i.times.Flush()
	}
	if i.logger != nil {
		i.logger.Printf("interner: dimension key caches flushed")
	}
}
