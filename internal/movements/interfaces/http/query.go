package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	movementapp "transit-dwh/internal/movements/application"
	movements "transit-dwh/internal/movements/domain"
)

// QueryHandler serves the read-side endpoints.
type QueryHandler struct {
	queries *movementapp.QueryEngine
	encoder movements.Encoder
}

// NewQueryHandler constructs a query handler. encoder converts timestamp
// parameters into time keys.
func NewQueryHandler(queries *movementapp.QueryEngine, encoder movements.Encoder) (*QueryHandler, error) {
	if queries == nil {
		return nil, errors.New("query handler: nil query engine")
	}
	return &QueryHandler{queries: queries, encoder: encoder}, nil
}

// ServeHTTP handles /api/v1/stations/*, /api/v1/cancellations, /api/v1/delays and /api/v1/times.
func (h *QueryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch path := r.URL.Path; {
	case path == "/api/v1/stations/search":
		h.handleSearch(w, r)
	case path == "/api/v1/stations/lookup":
		h.handleLookup(w, r)
	case path == "/api/v1/stations/nearest":
		h.handleNearest(w, r)
	case strings.HasPrefix(path, "/api/v1/stations/"):
		h.handleStation(w, r, strings.TrimPrefix(path, "/api/v1/stations/"))
	case path == "/api/v1/cancellations":
		h.handleCancellations(w, r)
	case path == "/api/v1/delays":
		h.handleDelays(w, r)
	case path == "/api/v1/times":
		h.handleTimes(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *QueryHandler) handleSearch(w http.ResponseWriter, r *http.Request) {
	stations, err := h.queries.SearchStations(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStationDTOs(stations))
}

func (h *QueryHandler) handleLookup(w http.ResponseWriter, r *http.Request) {
	station, err := h.queries.LookupStation(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStationDTO(station))
}

func (h *QueryHandler) handleNearest(w http.ResponseWriter, r *http.Request) {
	lat, err := parseFloatQuery(r, "lat")
	if err != nil {
		respondError(w, err)
		return
	}
	lon, err := parseFloatQuery(r, "lon")
	if err != nil {
		respondError(w, err)
		return
	}
	station, err := h.queries.NearestStation(r.Context(), lat, lon)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStationDTO(station))
}

func (h *QueryHandler) handleStation(w http.ResponseWriter, r *http.Request, raw string) {
	key, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || key <= 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	station, err := h.queries.Station(r.Context(), movements.StationKey(key))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStationDTO(station))
}

type cancellationsResponse struct {
	Snapshot  string `json:"snapshot_time_key"`
	Cancelled int64  `json:"cancelled"`
}

func (h *QueryHandler) handleCancellations(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.parseSnapshot(r.URL.Query().Get("snapshot"))
	if err != nil {
		respondError(w, err)
		return
	}
	count, err := h.queries.CancellationCount(r.Context(), snapshot)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancellationsResponse{Snapshot: snapshot.String(), Cancelled: count})
}

// parseSnapshot accepts a YYYYMMDDHHMM key, the upstream YYMMDDHHMM form or RFC3339.
func (h *QueryHandler) parseSnapshot(value string) (movements.TimeKey, error) {
	value = strings.TrimSpace(value)
	switch len(value) {
	case 0:
		return 0, &movements.ValidationError{Field: "snapshot", Reason: "is required"}
	case 12:
		return movements.ParseTimeKey(value)
	}
	t, err := parseTimestamp("snapshot", value, h.encoder.Location())
	if err != nil {
		return 0, err
	}
	return h.encoder.Key(t)
}

type delayResponse struct {
	StationKey   int64    `json:"station_key"`
	AverageDelay *float64 `json:"average_delay_minutes"`
}

func (h *QueryHandler) handleDelays(w http.ResponseWriter, r *http.Request) {
	key, err := h.resolveStationKey(r)
	if err != nil {
		respondError(w, err)
		return
	}
	avg, ok, err := h.queries.AverageDelay(r.Context(), key)
	if err != nil {
		respondError(w, err)
		return
	}
	resp := delayResponse{StationKey: int64(key)}
	if ok {
		resp.AverageDelay = &avg
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolveStationKey reads station_key, or resolves the station name.
func (h *QueryHandler) resolveStationKey(r *http.Request) (movements.StationKey, error) {
	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("station_key")); raw != "" {
		key, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || key <= 0 {
			return 0, &movements.ValidationError{Field: "station_key", Reason: "must be a positive integer"}
		}
		return movements.StationKey(key), nil
	}
	if name := q.Get("station"); strings.TrimSpace(name) != "" {
		station, err := h.queries.LookupStation(r.Context(), name)
		if err != nil {
			return 0, err
		}
		return station.Key, nil
	}
	return 0, &movements.ValidationError{Field: "station_key", Reason: "is required"}
}

func (h *QueryHandler) handleTimes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date, err := time.Parse("2006-01-02", q.Get("date"))
	if err != nil {
		respondError(w, &movements.ValidationError{Field: "date", Reason: "expected YYYY-MM-DD"})
		return
	}
	hour, err := strconv.Atoi(q.Get("hour"))
	if err != nil {
		respondError(w, &movements.ValidationError{Field: "hour", Reason: "must be an integer"})
		return
	}
	dims, err := h.queries.TimesInHour(r.Context(), date, hour)
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]timeDTO, 0, len(dims))
	for _, dim := range dims {
		out = append(out, toTimeDTO(dim))
	}
	writeJSON(w, http.StatusOK, out)
}

func parseFloatQuery(r *http.Request, key string) (float64, error) {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return 0, &movements.ValidationError{Field: key, Reason: "is required"}
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, &movements.ValidationError{Field: key, Reason: "must be a number"}
	}
	return f, nil
}
