package movements

import "strings"

// EventType distinguishes arrivals from departures.
type EventType string

const (
	EventArrival   EventType = "A"
	EventDeparture EventType = "D"
)

// ParseEventType accepts the stored code, the upstream tag or the full name.
func ParseEventType(value string) (EventType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "a", "ar", "arrival":
		return EventArrival, nil
	case "d", "dp", "departure":
		return EventDeparture, nil
	default:
		return "", &ValidationError{Field: "event_type", Reason: "must be Arrival or Departure"}
	}
}

// IsValid reports whether t is a known event type.
func (t EventType) IsValid() bool {
	return t == EventArrival || t == EventDeparture
}

// EventStatus is the upstream status code of an event.
type EventStatus string

const (
	StatusPlanned   EventStatus = "p"
	StatusActual    EventStatus = "a"
	StatusCancelled EventStatus = "c"
)

// ParseEventStatus accepts the upstream code or the full name.
func ParseEventStatus(value string) (EventStatus, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "p", "planned":
		return StatusPlanned, nil
	case "a", "actual":
		return StatusActual, nil
	case "c", "cancelled", "canceled":
		return StatusCancelled, nil
	default:
		return "", &ValidationError{Field: "event_status", Reason: "must be planned, actual or cancelled"}
	}
}

// IsValid reports whether s is a known status.
func (s EventStatus) IsValid() bool {
	return s == StatusPlanned || s == StatusActual || s == StatusCancelled
}

// FactKey is the surrogate key of the movement fact.
type FactKey int64

// NaturalKey identifies one logical event within one snapshot.
type NaturalKey struct {
	SnapshotTimeKey TimeKey
	StationKey      StationKey
	StopID          string
	EventType       EventType
}

// MovementFact is one row of the fact table.
type MovementFact struct {
	Key             FactKey
	SnapshotTimeKey TimeKey
	StationKey      StationKey
	TrainKey        TrainKey
	StopID          string
	EventType       EventType
	PlannedTimeKey  *TimeKey
	ChangedTimeKey  *TimeKey
	EventStatus     *EventStatus
	PlannedPlatform *string
	ChangedPlatform *string
	Line            *string
	PlannedPath     *string
	DelayMinutes    *int
	IsCancelled     bool
}

// NaturalKey returns the uniqueness key of the fact.
func (f MovementFact) NaturalKey() NaturalKey {
	return NaturalKey{
		SnapshotTimeKey: f.SnapshotTimeKey,
		StationKey:      f.StationKey,
		StopID:          f.StopID,
		EventType:       f.EventType,
	}
}

// FactWrite is one upsert request. TrainUnknown marks the sentinel train so a
// merge never replaces a real train with it.
type FactWrite struct {
	Fact         MovementFact
	TrainUnknown bool
}

// NewFact returns the row inserted on first observation of a natural key.
func NewFact(w FactWrite) MovementFact {
	f := w.Fact.Clone()
	f.Key = 0
	if f.IsCancelled {
		f.DelayMinutes = nil
	}
	return f
}

// Merge folds a later observation of the same natural key into f.
// The planned time is filled once; every mutable attribute takes the incoming
// value when present. Natural key columns and Key never change.
func (f MovementFact) Merge(w FactWrite) MovementFact {
	in := w.Fact.Clone()
	out := f.Clone()

	if !w.TrainUnknown {
		out.TrainKey = in.TrainKey
	}
	out.PlannedTimeKey = coalesce(out.PlannedTimeKey, in.PlannedTimeKey)

	out.PlannedPlatform = coalesce(in.PlannedPlatform, out.PlannedPlatform)
	out.ChangedTimeKey = coalesce(in.ChangedTimeKey, out.ChangedTimeKey)
	out.EventStatus = coalesce(in.EventStatus, out.EventStatus)
	out.ChangedPlatform = coalesce(in.ChangedPlatform, out.ChangedPlatform)
	out.Line = coalesce(in.Line, out.Line)
	out.PlannedPath = coalesce(in.PlannedPath, out.PlannedPath)

	out.IsCancelled = in.IsCancelled
	if out.IsCancelled {
		out.DelayMinutes = nil
	} else {
		out.DelayMinutes = coalesce(in.DelayMinutes, out.DelayMinutes)
	}
	return out
}

// HasDelaySample reports whether f counts towards average delay.
func (f MovementFact) HasDelaySample() bool {
	return f.DelayMinutes != nil && !f.IsCancelled
}

// Clone copies f so the result shares no pointers with it.
func (f MovementFact) Clone() MovementFact {
	f.PlannedTimeKey = clonePtr(f.PlannedTimeKey)
	f.ChangedTimeKey = clonePtr(f.ChangedTimeKey)
	f.EventStatus = clonePtr(f.EventStatus)
	f.PlannedPlatform = clonePtr(f.PlannedPlatform)
	f.ChangedPlatform = clonePtr(f.ChangedPlatform)
	f.Line = clonePtr(f.Line)
	f.PlannedPath = clonePtr(f.PlannedPath)
	f.DelayMinutes = clonePtr(f.DelayMinutes)
	return f
}

func coalesce[T any](first, second *T) *T {
	if first != nil {
		return first
	}
	return second
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
