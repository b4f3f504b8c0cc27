package movements

import "strings"

// TrainKey is the surrogate key of the train dimension.
type TrainKey int64

const unknownTrainValue = "UNK"

// TrainInput is the natural key of a train: all five fields together.
type TrainInput struct {
	Category    string `json:"category" validate:"max=32"`
	Number      string `json:"number" validate:"max=32"`
	Owner       string `json:"owner" validate:"max=64"`
	TripType    string `json:"trip_type" validate:"max=16"`
	FilterFlags string `json:"filter_flags" validate:"max=16"`
}

// Train is one immutable row of the train dimension.
type Train struct {
	Key TrainKey
	TrainInput
}

// UnknownTrain is the shared sentinel used when an observation carries no train line.
func UnknownTrain() TrainInput {
	return TrainInput{Category: unknownTrainValue, Number: unknownTrainValue}
}

// Normalize trims fields and substitutes UNK for a missing category or number.
func (t TrainInput) Normalize() TrainInput {
	t.Category = strings.TrimSpace(t.Category)
	t.Number = strings.TrimSpace(t.Number)
	t.Owner = strings.TrimSpace(t.Owner)
	t.TripType = strings.TrimSpace(t.TripType)
	t.FilterFlags = strings.TrimSpace(t.FilterFlags)
	if t.Category == "" {
		t.Category = unknownTrainValue
	}
	if t.Number == "" {
		t.Number = unknownTrainValue
	}
	return t
}

// Validate checks field lengths.
func (t TrainInput) Validate() error {
	return validateStruct(t, "train")
}

// IsUnknown reports whether t is the sentinel train.
func (t TrainInput) IsUnknown() bool {
	return t.Normalize() == UnknownTrain()
}

// NaturalKey returns a stable string form of the 5-tuple.
func (t TrainInput) NaturalKey() string {
	n := t.Normalize()
	return strings.Join([]string{n.Category, n.Number, n.Owner, n.TripType, n.FilterFlags}, "\x1f")
}
