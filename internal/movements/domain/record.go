package movements

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// validateStruct runs the struct tags of v and reports the first failure as a
// ValidationError whose field path is prefixed with prefix.
func validateStruct(v any, prefix string) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Field: prefix, Reason: err.Error()}
	}
	fe := fieldErrs[0]
	field := fe.Namespace()
	if idx := strings.Index(field, "."); idx >= 0 {
		field = field[idx+1:]
	}
	if prefix != "" {
		field = prefix + "." + field
	}
	return &ValidationError{Field: field, Reason: describeTag(fe)}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return fmt.Sprintf("failed %s", fe.Tag())
	}
}

// EventRecord is one observed movement event as delivered by a producer.
type EventRecord struct {
	SnapshotTime    time.Time    `json:"snapshot_time"`
	Station         StationInput `json:"station"`
	Train           *TrainInput  `json:"train,omitempty"`
	StopID          string       `json:"stop_id" validate:"required,max=128"`
	EventType       string       `json:"event_type" validate:"required"`
	PlannedTime     *time.Time   `json:"planned_time,omitempty"`
	ChangedTime     *time.Time   `json:"changed_time,omitempty"`
	EventStatus     *string      `json:"event_status,omitempty"`
	PlannedPlatform *string      `json:"planned_platform,omitempty" validate:"omitempty,max=16"`
	ChangedPlatform *string      `json:"changed_platform,omitempty" validate:"omitempty,max=16"`
	Line            *string      `json:"line,omitempty" validate:"omitempty,max=32"`
	PlannedPath     *string      `json:"planned_path,omitempty"`
	DelayMinutes    *int         `json:"delay_minutes,omitempty" validate:"omitempty,min=-100000,max=100000"`
	IsCancelled     bool         `json:"is_cancelled"`
}

// Validate checks every field that can be checked without the store.
func (r EventRecord) Validate() error {
	if r.SnapshotTime.IsZero() {
		return &ValidationError{Field: "snapshot_time", Reason: "is required"}
	}
	if err := r.Station.Validate(); err != nil {
		return err
	}
	if r.Train != nil {
		if err := r.Train.Validate(); err != nil {
			return err
		}
	}
	if strings.TrimSpace(r.StopID) == "" {
		return &ValidationError{Field: "stop_id", Reason: "is required"}
	}
	if err := validateStruct(r, ""); err != nil {
		return err
	}
	if _, err := ParseEventType(r.EventType); err != nil {
		return err
	}
	if r.EventStatus != nil {
		if _, err := ParseEventStatus(*r.EventStatus); err != nil {
			return err
		}
	}
	if r.PlannedTime != nil && r.PlannedTime.IsZero() {
		return &ValidationError{Field: "planned_time", Reason: "zero time"}
	}
	if r.ChangedTime != nil && r.ChangedTime.IsZero() {
		return &ValidationError{Field: "changed_time", Reason: "zero time"}
	}
	return nil
}

// Status returns the parsed status, nil when absent.
func (r EventRecord) Status() *EventStatus {
	if r.EventStatus == nil {
		return nil
	}
	s, err := ParseEventStatus(*r.EventStatus)
	if err != nil {
		return nil
	}
	return &s
}

// Cancelled reports the effective cancellation flag; status c implies it.
func (r EventRecord) Cancelled() bool {
	if r.IsCancelled {
		return true
	}
	s := r.Status()
	return s != nil && *s == StatusCancelled
}

// TrainOrUnknown returns the normalized train, or the sentinel when absent.
func (r EventRecord) TrainOrUnknown() TrainInput {
	if r.Train == nil {
		return UnknownTrain()
	}
	return r.Train.Normalize()
}

// Delay returns the upstream delay when given, otherwise changed minus
// planned in whole minutes. Cancelled events have no delay.
func (r EventRecord) Delay() *int {
	if r.Cancelled() {
		return nil
	}
	if r.DelayMinutes != nil {
		d := *r.DelayMinutes
		return &d
	}
	if r.PlannedTime == nil || r.ChangedTime == nil {
		return nil
	}
	planned := r.PlannedTime.Truncate(time.Minute)
	changed := r.ChangedTime.Truncate(time.Minute)
	d := int(changed.Sub(planned) / time.Minute)
	return &d
}
