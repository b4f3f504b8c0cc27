package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	movements "transit-dwh/internal/movements/domain"
	"transit-dwh/internal/observability/metrics"
)

const defaultWorkers = 8

// Failure reasons reported in batch results and metrics.
const (
	ReasonValidation = "validation"
	ReasonReference  = "reference"
	ReasonConflict   = "conflict"
	ReasonCanceled   = "canceled"
	ReasonStore      = "store"
)

// ErrorReporter receives ingest failures that are neither bad input nor transient.
type ErrorReporter interface {
	Report(ctx context.Context, err error, tags map[string]string)
}

// Upserter turns event records into dimension references and merges them
// into the fact store.
type Upserter struct {
	interner *Interner
	facts    movements.FactStore
	retry    RetryPolicy
	workers  int
	reporter ErrorReporter
	logger   *log.Logger
}

// UpserterOption configures an Upserter.
type UpserterOption func(*Upserter)

// WithUpsertRetryPolicy overrides the fact upsert retry policy.
func WithUpsertRetryPolicy(policy RetryPolicy) UpserterOption {
	return func(u *Upserter) {
		u.retry = policy
	}
}

// WithWorkers bounds the concurrency of RecordBatch.
func WithWorkers(n int) UpserterOption {
	return func(u *Upserter) {
		if n > 0 {
			u.workers = n
		}
	}
}

// WithErrorReporter sets where unexpected failures are reported.
func WithErrorReporter(reporter ErrorReporter) UpserterOption {
	return func(u *Upserter) {
		u.reporter = reporter
	}
}

// WithUpserterLogger sets the logger.
func WithUpserterLogger(logger *log.Logger) UpserterOption {
	return func(u *Upserter) {
		u.logger = logger
	}
}

// NewUpserter builds an Upserter.
func NewUpserter(interner *Interner, facts movements.FactStore, opts ...UpserterOption) (*Upserter, error) {
	if interner == nil {
		return nil, errors.New("movements: nil interner")
	}
	if facts == nil {
		return nil, movements.ErrNilStore
	}
	u := &Upserter{
		interner: interner,
		facts:    facts,
		retry:    DefaultRetryPolicy(),
		workers:  defaultWorkers,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}
	return u, nil
}

// RecordEvent validates rec, resolves its dimension keys and upserts the fact
// by natural key. Resubmitting the same record leaves the store unchanged.
func (u *Upserter) RecordEvent(ctx context.Context, rec movements.EventRecord) (movements.FactKey, error) {
	start := time.Now()
	key, err := u.recordEvent(ctx, rec)
	if err != nil {
		reason := FailureReason(err)
		result := metrics.ResultError
		switch reason {
		case ReasonValidation:
			result = metrics.ResultRejected
		case ReasonConflict:
			result = metrics.ResultConflict
		}
		metrics.ObserveIngest(result, time.Since(start))
		metrics.IncIngestError(reason)
		if u.reporter != nil && (reason == ReasonReference || reason == ReasonStore) {
			u.reporter.Report(ctx, err, map[string]string{
				"reason":  reason,
				"stop_id": rec.StopID,
			})
		}
		return 0, err
	}
	metrics.ObserveIngest(metrics.ResultSuccess, time.Since(start))
	return key, nil
}

func (u *Upserter) recordEvent(ctx context.Context, rec movements.EventRecord) (movements.FactKey, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}
	eventType, err := movements.ParseEventType(rec.EventType)
	if err != nil {
		return 0, err
	}
	if err := u.checkTimes(rec); err != nil {
		return 0, err
	}

	for attempt := 0; ; attempt++ {
		w, err := u.resolve(ctx, rec, eventType)
		if err != nil {
			return 0, err
		}
		key, err := withConflictRetry(ctx, u.retry, "upsert_fact", func(ctx context.Context) (movements.FactKey, error) {
			return u.facts.UpsertFact(ctx, w)
		})
		// A cached key may point at a row the store lost; resolve once more from the store.
		if errors.Is(err, movements.ErrDanglingReference) && attempt == 0 {
			u.interner.Forget()
			continue
		}
		if errors.Is(err, movements.ErrDanglingReference) {
			return 0, &movements.ReferentialResolutionError{Field: "fact", Err: err}
		}
		return key, err
	}
}

// checkTimes encodes every timestamp of rec so a record with an
// unrepresentable minute is rejected before any dimension row is written.
func (u *Upserter) checkTimes(rec movements.EventRecord) error {
	encoder := u.interner.Encoder()
	if _, err := encoder.Encode(rec.SnapshotTime); err != nil {
		return err
	}
	if rec.PlannedTime != nil {
		if _, err := encoder.Encode(*rec.PlannedTime); err != nil {
			return err
		}
	}
	if rec.ChangedTime != nil {
		if _, err := encoder.Encode(*rec.ChangedTime); err != nil {
			return err
		}
	}
	return nil
}

func (u *Upserter) resolve(ctx context.Context, rec movements.EventRecord, eventType movements.EventType) (movements.FactWrite, error) {
	snapshotKey, err := u.interner.InternTime(ctx, rec.SnapshotTime)
	if err != nil {
		return movements.FactWrite{}, resolutionError("snapshot_time", err)
	}
	stationKey, err := u.interner.InternStation(ctx, rec.Station)
	if err != nil {
		return movements.FactWrite{}, resolutionError("station", err)
	}
	train := rec.TrainOrUnknown()
	trainKey, err := u.interner.InternTrain(ctx, train)
	if err != nil {
		return movements.FactWrite{}, resolutionError("train", err)
	}

	fact := movements.MovementFact{
		SnapshotTimeKey: snapshotKey,
		StationKey:      stationKey,
		TrainKey:        trainKey,
		StopID:          rec.StopID,
		EventType:       eventType,
		EventStatus:     rec.Status(),
		PlannedPlatform: rec.PlannedPlatform,
		ChangedPlatform: rec.ChangedPlatform,
		Line:            rec.Line,
		PlannedPath:     rec.PlannedPath,
		DelayMinutes:    rec.Delay(),
		IsCancelled:     rec.Cancelled(),
	}
	if rec.PlannedTime != nil {
		key, err := u.interner.InternTime(ctx, *rec.PlannedTime)
		if err != nil {
			return movements.FactWrite{}, resolutionError("planned_time", err)
		}
		fact.PlannedTimeKey = &key
	}
	if rec.ChangedTime != nil {
		key, err := u.interner.InternTime(ctx, *rec.ChangedTime)
		if err != nil {
			return movements.FactWrite{}, resolutionError("changed_time", err)
		}
		fact.ChangedTimeKey = &key
	}
	return movements.FactWrite{Fact: fact, TrainUnknown: train.IsUnknown()}, nil
}

// resolutionError keeps input and retryable errors as they are and wraps the
// rest with the field that could not be resolved.
func resolutionError(field string, err error) error {
	var (
		validation *movements.ValidationError
		timestamp  *movements.InvalidTimestampError
		conflict   *movements.ConflictResolutionError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &timestamp), errors.As(err, &conflict):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return &movements.ReferentialResolutionError{Field: field, Err: err}
}

// FailureReason classifies an ingest error for reporting.
func FailureReason(err error) string {
	var (
		validation *movements.ValidationError
		timestamp  *movements.InvalidTimestampError
		reference  *movements.ReferentialResolutionError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation), errors.As(err, &timestamp):
		return ReasonValidation
	case movements.IsRetryable(err):
		return ReasonConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCanceled
	case errors.As(err, &reference):
		return ReasonReference
	default:
		return ReasonStore
	}
}

// RecordFailure describes one rejected record of a batch.
type RecordFailure struct {
	Index     int    `json:"index"`
	StopID    string `json:"stop_id"`
	Reason    string `json:"reason"`
	Field     string `json:"field,omitempty"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// BatchResult summarizes one RecordBatch call.
type BatchResult struct {
	BatchID  string          `json:"batch_id"`
	Total    int             `json:"total"`
	Recorded int             `json:"recorded"`
	Failed   int             `json:"failed"`
	Failures []RecordFailure `json:"failures,omitempty"`
}

// RecordBatch records every event on a bounded worker pool. One record's
// failure never aborts the others.
func (u *Upserter) RecordBatch(ctx context.Context, records []movements.EventRecord) BatchResult {
	result := BatchResult{BatchID: uuid.NewString(), Total: len(records)}

	var (
		mu       sync.Mutex
		recorded int
		failures []RecordFailure
	)
	g := new(errgroup.Group)
	g.SetLimit(u.workers)
	for idx := range records {
		g.Go(func() error {
			rec := records[idx]
			var err error
			if err = ctx.Err(); err == nil {
				_, err = u.RecordEvent(ctx, rec)
			}
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				recorded++
				return nil
			}
			failures = append(failures, newRecordFailure(idx, rec, err))
			return nil
		})
	}
	_ = g.Wait()

	sortFailures(failures)
	result.Recorded = recorded
	result.Failed = len(failures)
	result.Failures = failures

	batchResult := metrics.ResultSuccess
	if result.Failed > 0 {
		batchResult = metrics.ResultError
	}
	metrics.IncIngestBatch(batchResult)
	if u.logger != nil {
		u.logger.Printf("ingest: batch=%s total=%d recorded=%d failed=%d %s",
			result.BatchID, result.Total, result.Recorded, result.Failed, formatReasons(failures))
	}
	return result
}

func newRecordFailure(idx int, rec movements.EventRecord, err error) RecordFailure {
	f := RecordFailure{
		Index:     idx,
		StopID:    rec.StopID,
		Reason:    FailureReason(err),
		Error:     err.Error(),
		Retryable: movements.IsRetryable(err),
	}
	var (
		validation *movements.ValidationError
		reference  *movements.ReferentialResolutionError
	)
	switch {
	case errors.As(err, &validation):
		f.Field = validation.Field
	case errors.As(err, &reference):
		f.Field = reference.Field
	}
	return f
}

func sortFailures(failures []RecordFailure) {
	sort.Slice(failures, func(i, j int) bool {
		return failures[i].Index < failures[j].Index
	})
}

func formatReasons(failures []RecordFailure) string {
	if len(failures) == 0 {
		return ""
	}
	counts := make(map[string]int)
	for _, f := range failures {
		counts[f.Reason]++
	}
	reasons := make([]string, 0, len(counts))
	for reason := range counts {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	parts := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		parts = append(parts, fmt.Sprintf("%s=%d", reason, counts[reason]))
	}
	return strings.Join(parts, " ")
}
