package application

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	movements "transit-dwh/internal/movements/domain"
	"transit-dwh/internal/observability/metrics"
)

const (
	defaultMaxRetries      = 5
	defaultInitialInterval = 10 * time.Millisecond
	defaultMaxInterval     = 500 * time.Millisecond
)

// RetryPolicy bounds the retries of one store operation after a transient conflict.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      defaultMaxRetries,
		InitialInterval: defaultInitialInterval,
		MaxInterval:     defaultMaxInterval,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// withConflictRetry runs fn until it succeeds, fails permanently or the policy
// is exhausted. Only ErrTransientConflict is retried; exhaustion surfaces as a
// ConflictResolutionError.
func withConflictRetry[T any](ctx context.Context, policy RetryPolicy, op string, fn func(context.Context) (T, error)) (T, error) {
	var (
		result   T
		attempts int
	)
	err := backoff.RetryNotify(func() error {
		attempts++
		v, err := fn(ctx)
		if err == nil {
			result = v
			return nil
		}
		if errors.Is(err, movements.ErrTransientConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, policy.backOff(ctx), func(error, time.Duration) {
		metrics.IncConflictRetry(op)
	})
	if err != nil {
		var zero T
		if errors.Is(err, movements.ErrTransientConflict) {
			return zero, &movements.ConflictResolutionError{Op: op, Attempts: attempts, Err: err}
		}
		return zero, err
	}
	return result, nil
}
