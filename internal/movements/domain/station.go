package movements

import "strings"

// StationKey is the surrogate key of the station dimension.
type StationKey int64

// Station is one row of the station dimension. EVA and Key never change.
type Station struct {
	Key  StationKey
	EVA  int64
	Name string
	Lat  *float64
	Lon  *float64
}

// HasCoordinates reports whether the station can take part in spatial queries.
func (s Station) HasCoordinates() bool {
	return s.Lat != nil && s.Lon != nil
}

// StationInput carries an observation of a station keyed by EVA.
type StationInput struct {
	EVA  int64    `json:"eva" validate:"gt=0"`
	Name string   `json:"name" validate:"max=200"`
	Lat  *float64 `json:"lat,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Lon  *float64 `json:"lon,omitempty" validate:"omitempty,gte=-180,lte=180"`
}

// Validate checks station input invariants.
func (s StationInput) Validate() error {
	if err := validateStruct(s, "station"); err != nil {
		return err
	}
	if (s.Lat == nil) != (s.Lon == nil) {
		return &ValidationError{Field: "station.lat", Reason: "lat and lon must be given together"}
	}
	return nil
}

// Refresh applies present attributes of in onto s.
func (s Station) Refresh(in StationInput) Station {
	if name := strings.TrimSpace(in.Name); name != "" {
		s.Name = name
	}
	if in.Lat != nil && in.Lon != nil {
		lat, lon := *in.Lat, *in.Lon
		s.Lat, s.Lon = &lat, &lon
	}
	return s
}

// NormalizeStationName folds a name for case-insensitive comparisons.
func NormalizeStationName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
