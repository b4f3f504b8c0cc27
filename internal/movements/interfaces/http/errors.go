package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	movements "transit-dwh/internal/movements/domain"
)

const retryAfter = 1 * time.Second

// respondError maps domain errors onto status codes.
func respondError(w http.ResponseWriter, err error) {
	var (
		validation *movements.ValidationError
		timestamp  *movements.InvalidTimestampError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &timestamp):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, movements.ErrStationNotFound), errors.Is(err, movements.ErrFactNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case movements.IsRetryable(err):
		setRetryAfter(w)
		http.Error(w, "conflict, retry later", http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "timeout", http.StatusGatewayTimeout)
	case errors.Is(err, context.Canceled):
		http.Error(w, "request canceled", http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func setRetryAfter(w http.ResponseWriter) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
}
