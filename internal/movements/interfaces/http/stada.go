package http

import (
	"encoding/json"
	"fmt"
	"io"

	movements "transit-dwh/internal/movements/domain"
)

// stadaDocument is the station master export: {"result": [...]}.
type stadaDocument struct {
	Result []stadaStation `json:"result"`
}

type stadaStation struct {
	Name       string     `json:"name"`
	EVANumbers []stadaEVA `json:"evaNumbers"`
}

type stadaEVA struct {
	Number      int64 `json:"number"`
	IsMain      bool  `json:"isMain"`
	Coordinates *struct {
		Coordinates []float64 `json:"coordinates"`
	} `json:"geographicCoordinates"`
}

// parseStaDa reads a station master export. Stations without EVA numbers are
// skipped. The main EVA wins, else the first; coordinates are [lon, lat].
func parseStaDa(r io.Reader) ([]movements.StationInput, error) {
	var doc stadaDocument
	if err := json.NewDecoder(io.LimitReader(r, maxBodyBytes)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid station document: %w", err)
	}
	out := make([]movements.StationInput, 0, len(doc.Result))
	for _, s := range doc.Result {
		if len(s.EVANumbers) == 0 {
			continue
		}
		main := s.EVANumbers[0]
		for _, eva := range s.EVANumbers {
			if eva.IsMain {
				main = eva
				break
			}
		}
		in := movements.StationInput{EVA: main.Number, Name: s.Name}
		if main.Coordinates != nil && len(main.Coordinates.Coordinates) == 2 {
			lon, lat := main.Coordinates.Coordinates[0], main.Coordinates.Coordinates[1]
			in.Lat, in.Lon = &lat, &lon
		}
		out = append(out, in)
	}
	return out, nil
}
