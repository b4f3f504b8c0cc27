package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	movementapp "transit-dwh/internal/movements/application"
	movements "transit-dwh/internal/movements/domain"
)

// IngestHandler accepts movement records and station master data.
type IngestHandler struct {
	upserter *movementapp.Upserter
	interner *movementapp.Interner
	logger   *log.Logger
}

// NewIngestHandler constructs an ingest handler.
func NewIngestHandler(upserter *movementapp.Upserter, interner *movementapp.Interner, logger *log.Logger) (*IngestHandler, error) {
	if upserter == nil {
		return nil, errors.New("ingest handler: nil upserter")
	}
	if interner == nil {
		return nil, errors.New("ingest handler: nil interner")
	}
	return &IngestHandler{upserter: upserter, interner: interner, logger: logger}, nil
}

// ServeHTTP handles POST /ingest/movements and POST /ingest/stations.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch r.URL.Path {
	case "/ingest/movements":
		h.handleMovements(w, r)
	case "/ingest/stations":
		h.handleStations(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *IngestHandler) handleMovements(w http.ResponseWriter, r *http.Request) {
	dtos, err := decodeMovements(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loc := h.interner.Encoder().Location()
	records := make([]movements.EventRecord, 0, len(dtos))
	var rejected []movementapp.RecordFailure
	for idx, dto := range dtos {
		rec, err := dto.toRecord(loc)
		if err != nil {
			rejected = append(rejected, timestampFailure(idx, dto, err))
			continue
		}
		records = append(records, rec)
	}
	if len(rejected) > 0 {
		// Reject the whole request so batch indexes stay aligned with the body.
		result := movementapp.BatchResult{Total: len(dtos), Failed: len(rejected), Failures: rejected}
		writeJSON(w, http.StatusBadRequest, result)
		return
	}

	result := h.upserter.RecordBatch(r.Context(), records)
	writeJSON(w, batchStatus(w, result), result)
}

// batchStatus is 200 unless a failure can be resolved by resubmitting, or
// nothing at all was recorded.
func batchStatus(w http.ResponseWriter, result movementapp.BatchResult) int {
	if result.Failed == 0 {
		return http.StatusOK
	}
	for _, f := range result.Failures {
		if f.Retryable {
			setRetryAfter(w)
			return http.StatusServiceUnavailable
		}
	}
	if result.Recorded == 0 {
		return http.StatusUnprocessableEntity
	}
	return http.StatusOK
}

func timestampFailure(idx int, dto movementDTO, err error) movementapp.RecordFailure {
	f := movementapp.RecordFailure{
		Index:  idx,
		StopID: dto.StopID,
		Reason: movementapp.ReasonValidation,
		Error:  err.Error(),
	}
	var validation *movements.ValidationError
	if errors.As(err, &validation) {
		f.Field = validation.Field
	}
	return f
}

func (h *IngestHandler) handleStations(w http.ResponseWriter, r *http.Request) {
	stations, err := parseStaDa(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := h.interner.ImportStations(r.Context(), stations)
	if err != nil {
		if h.logger != nil {
			h.logger.Printf("ingest: station import aborted after %d: %v", result.Imported, err)
		}
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
