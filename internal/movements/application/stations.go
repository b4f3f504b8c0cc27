package application

import (
	"context"
	"errors"

	movements "transit-dwh/internal/movements/domain"
)

// StationFailure is one rejected station of an import.
type StationFailure struct {
	Index int    `json:"index"`
	EVA   int64  `json:"eva"`
	Field string `json:"field,omitempty"`
	Error string `json:"error"`
}

// StationImportResult summarizes a station master import.
type StationImportResult struct {
	Total    int              `json:"total"`
	Imported int              `json:"imported"`
	Failures []StationFailure `json:"failures,omitempty"`
}

// ImportStations interns every station in order. Invalid entries are
// skipped; a canceled context stops the import.
func (i *Interner) ImportStations(ctx context.Context, stations []movements.StationInput) (StationImportResult, error) {
	result := StationImportResult{Total: len(stations)}
	for idx, in := range stations {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := i.InternStation(ctx, in); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			f := StationFailure{Index: idx, EVA: in.EVA, Error: err.Error()}
			var validation *movements.ValidationError
			if errors.As(err, &validation) {
				f.Field = validation.Field
			}
			result.Failures = append(result.Failures, f)
			continue
		}
		result.Imported++
	}
	if i.logger != nil {
		i.logger.Printf("stations: import total=%d imported=%d failed=%d",
			result.Total, result.Imported, len(result.Failures))
	}
	return result, nil
}
