// Package reporting forwards unexpected ingest failures to Sentry.
package reporting

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/getsentry/sentry-go"
)

const flushTimeout = 2 * time.Second

// Reporter captures errors on its own Sentry hub.
type Reporter struct {
	hub    *sentry.Hub
	logger *log.Logger
}

// Option configures a Reporter.
type Option func(*sentry.ClientOptions)

// WithTransport replaces the HTTP transport.
func WithTransport(transport sentry.Transport) Option {
	return func(o *sentry.ClientOptions) {
		o.Transport = transport
	}
}

// WithRelease tags events with a release name.
func WithRelease(release string) Option {
	return func(o *sentry.ClientOptions) {
		o.Release = release
	}
}

// NewReporter builds a Reporter for dsn. An empty dsn yields a nil Reporter,
// which is safe to use and reports nothing.
func NewReporter(dsn, environment string, logger *log.Logger, opts ...Option) (*Reporter, error) {
	if dsn == "" {
		return nil, nil
	}
	options := sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		SampleRate:       1.0,
		AttachStacktrace: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	client, err := sentry.NewClient(options)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Reporter{hub: sentry.NewHub(client, sentry.NewScope()), logger: logger}, nil
}

// Report sends err with tags attached.
func (r *Reporter) Report(ctx context.Context, err error, tags map[string]string) {
	if r == nil || r.hub == nil || err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "ingest")
		for k, v := range tags {
			if v != "" {
				scope.SetTag(k, v)
			}
		}
		if ctx != nil {
			if deadline, ok := ctx.Deadline(); ok {
				scope.SetExtra("deadline", deadline.UTC().Format(time.RFC3339))
			}
		}
		if id := r.hub.CaptureException(err); id == nil {
			r.logger.Printf("reporting: event dropped err=%v", err)
		}
	})
}

// Flush waits for queued events.
func (r *Reporter) Flush() bool {
	if r == nil || r.hub == nil {
		return true
	}
	return r.hub.Flush(flushTimeout)
}
