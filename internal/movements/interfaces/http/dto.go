package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	movements "transit-dwh/internal/movements/domain"
)

const maxBodyBytes = 16 << 20

// movementDTO is the wire shape of an ingested record. Timestamps accept
// RFC3339 or the upstream YYMMDDHHMM form.
type movementDTO struct {
	SnapshotTime    string                 `json:"snapshot_time"`
	Station         movements.StationInput `json:"station"`
	Train           *movements.TrainInput  `json:"train,omitempty"`
	StopID          string                 `json:"stop_id"`
	EventType       string                 `json:"event_type"`
	PlannedTime     *string                `json:"planned_time,omitempty"`
	ChangedTime     *string                `json:"changed_time,omitempty"`
	EventStatus     *string                `json:"event_status,omitempty"`
	PlannedPlatform *string                `json:"planned_platform,omitempty"`
	ChangedPlatform *string                `json:"changed_platform,omitempty"`
	Line            *string                `json:"line,omitempty"`
	PlannedPath     *string                `json:"planned_path,omitempty"`
	DelayMinutes    *int                   `json:"delay_minutes,omitempty"`
	IsCancelled     bool                   `json:"is_cancelled"`
}

// toRecord converts the DTO. Unparseable timestamps surface as validation errors.
func (d movementDTO) toRecord(loc *time.Location) (movements.EventRecord, error) {
	snapshot, err := parseTimestamp("snapshot_time", d.SnapshotTime, loc)
	if err != nil {
		return movements.EventRecord{}, err
	}
	rec := movements.EventRecord{
		SnapshotTime:    snapshot,
		Station:         d.Station,
		Train:           d.Train,
		StopID:          d.StopID,
		EventType:       d.EventType,
		EventStatus:     d.EventStatus,
		PlannedPlatform: d.PlannedPlatform,
		ChangedPlatform: d.ChangedPlatform,
		Line:            d.Line,
		PlannedPath:     d.PlannedPath,
		DelayMinutes:    d.DelayMinutes,
		IsCancelled:     d.IsCancelled,
	}
	if rec.PlannedTime, err = parseOptionalTimestamp("planned_time", d.PlannedTime, loc); err != nil {
		return movements.EventRecord{}, err
	}
	if rec.ChangedTime, err = parseOptionalTimestamp("changed_time", d.ChangedTime, loc); err != nil {
		return movements.EventRecord{}, err
	}
	return rec, nil
}

func parseOptionalTimestamp(field string, value *string, loc *time.Location) (*time.Time, error) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil, nil
	}
	t, err := parseTimestamp(field, *value, loc)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseTimestamp(field, value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, &movements.ValidationError{Field: field, Reason: "is required"}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := movements.ParseCompact(value, loc)
	if err != nil {
		return time.Time{}, &movements.ValidationError{Field: field, Reason: "expected RFC3339 or YYMMDDHHMM"}
	}
	return t, nil
}

// decodeMovements accepts a single record or an array of records.
func decodeMovements(body io.Reader) ([]movementDTO, error) {
	raw, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty body")
	}
	if raw[0] == '[' {
		var list []movementDTO
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		return list, nil
	}
	var one movementDTO
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return []movementDTO{one}, nil
}

type stationDTO struct {
	Key  int64    `json:"station_key"`
	EVA  int64    `json:"eva"`
	Name string   `json:"name"`
	Lat  *float64 `json:"lat,omitempty"`
	Lon  *float64 `json:"lon,omitempty"`
}

func toStationDTO(st movements.Station) stationDTO {
	return stationDTO{Key: int64(st.Key), EVA: st.EVA, Name: st.Name, Lat: st.Lat, Lon: st.Lon}
}

func toStationDTOs(list []movements.Station) []stationDTO {
	out := make([]stationDTO, 0, len(list))
	for _, st := range list {
		out = append(out, toStationDTO(st))
	}
	return out
}

type timeDTO struct {
	TimeKey   string `json:"time_key"`
	TS        string `json:"ts"`
	Date      string `json:"date"`
	Hour      int    `json:"hour"`
	Minute    int    `json:"minute"`
	DayOfWeek int    `json:"day_of_week"`
	IsWeekend bool   `json:"is_weekend"`
}

func toTimeDTO(dim movements.TimeDimension) timeDTO {
	return timeDTO{
		TimeKey:   dim.Key.String(),
		TS:        dim.TS.Format("2006-01-02T15:04"),
		Date:      dim.Date.Format("2006-01-02"),
		Hour:      dim.Hour,
		Minute:    dim.Minute,
		DayOfWeek: dim.DayOfWeek,
		IsWeekend: dim.IsWeekend,
	}
}
