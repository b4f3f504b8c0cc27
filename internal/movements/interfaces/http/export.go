package http

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	movementapp "transit-dwh/internal/movements/application"
	movements "transit-dwh/internal/movements/domain"
	"transit-dwh/internal/observability/metrics"
)

const exportPrefix = "/api/v1/exports/delays."

// ExportHandler serves the per-station delay report.
type ExportHandler struct {
	queries *movementapp.QueryEngine
	now     func() time.Time
}

// NewExportHandler constructs an export handler.
func NewExportHandler(queries *movementapp.QueryEngine) (*ExportHandler, error) {
	if queries == nil {
		return nil, errors.New("export handler: nil query engine")
	}
	return &ExportHandler{queries: queries, now: time.Now}, nil
}

// ServeHTTP handles GET /api/v1/exports/delays.{csv,xlsx,pdf}.
func (h *ExportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !strings.HasPrefix(r.URL.Path, exportPrefix) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	format := strings.TrimPrefix(r.URL.Path, exportPrefix)

	var (
		build       func([]movements.StationDelay, time.Time) ([]byte, error)
		contentType string
	)
	switch format {
	case "csv":
		build, contentType = BuildDelayCSV, "text/csv; charset=utf-8"
	case "xlsx":
		build, contentType = BuildDelayXLSX, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "pdf":
		build, contentType = BuildDelayPDF, "application/pdf"
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	start := time.Now()
	rows, err := h.queries.DelayReport(r.Context())
	if err != nil {
		metrics.ObserveExport(format, metrics.ResultError, time.Since(start))
		respondError(w, err)
		return
	}
	body, err := build(rows, h.now().UTC())
	if err != nil {
		metrics.ObserveExport(format, metrics.ResultError, time.Since(start))
		http.Error(w, "export error", http.StatusInternalServerError)
		return
	}
	metrics.ObserveExport(format, metrics.ResultSuccess, time.Since(start))

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="delays.%s"`, format))
	_, _ = w.Write(body)
}

func delayCells(row movements.StationDelay) (avg string, lat string, lon string) {
	if v, ok := row.Average(); ok {
		avg = strconv.FormatFloat(v, 'f', 2, 64)
	}
	if row.Station.HasCoordinates() {
		lat = strconv.FormatFloat(*row.Station.Lat, 'f', 6, 64)
		lon = strconv.FormatFloat(*row.Station.Lon, 'f', 6, 64)
	}
	return avg, lat, lon
}

// BuildDelayCSV renders the delay report as CSV.
func BuildDelayCSV(rows []movements.StationDelay, _ time.Time) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	_ = writer.Write([]string{
		"station_key",
		"eva",
		"station_name",
		"lat",
		"lon",
		"samples",
		"total_delay_minutes",
		"average_delay_minutes",
	})
	for _, row := range rows {
		avg, lat, lon := delayCells(row)
		_ = writer.Write([]string{
			strconv.FormatInt(int64(row.Station.Key), 10),
			strconv.FormatInt(row.Station.EVA, 10),
			row.Station.Name,
			lat,
			lon,
			strconv.FormatInt(row.Samples, 10),
			strconv.FormatInt(row.Sum, 10),
			avg,
		})
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildDelayXLSX renders the delay report as a workbook with a summary sheet.
func BuildDelayXLSX(rows []movements.StationDelay, generated time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	stationsSheet := "stations"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(stationsSheet); err != nil {
		return nil, err
	}

	var samples, total int64
	for _, row := range rows {
		samples += row.Samples
		total += row.Sum
	}
	_ = f.SetCellValue(summarySheet, "A1", "Delay Report")
	_ = f.SetCellValue(summarySheet, "A3", "Generated")
	_ = f.SetCellValue(summarySheet, "B3", generated.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A4", "Stations")
	_ = f.SetCellValue(summarySheet, "B4", len(rows))
	_ = f.SetCellValue(summarySheet, "A5", "Samples")
	_ = f.SetCellValue(summarySheet, "B5", samples)
	if samples > 0 {
		_ = f.SetCellValue(summarySheet, "A6", "Average Delay (min)")
		_ = f.SetCellValue(summarySheet, "B6", float64(total)/float64(samples))
	}

	headers := []string{"Station Key", "EVA", "Station", "Samples", "Total Delay (min)", "Average Delay (min)"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(stationsSheet, cell, header)
	}
	for i, row := range rows {
		r := i + 2
		_ = f.SetCellValue(stationsSheet, fmt.Sprintf("A%d", r), int64(row.Station.Key))
		_ = f.SetCellValue(stationsSheet, fmt.Sprintf("B%d", r), row.Station.EVA)
		_ = f.SetCellValue(stationsSheet, fmt.Sprintf("C%d", r), row.Station.Name)
		_ = f.SetCellValue(stationsSheet, fmt.Sprintf("D%d", r), row.Samples)
		_ = f.SetCellValue(stationsSheet, fmt.Sprintf("E%d", r), row.Sum)
		if avg, ok := row.Average(); ok {
			_ = f.SetCellValue(stationsSheet, fmt.Sprintf("F%d", r), avg)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildDelayPDF renders the delay report as a one-table PDF.
func BuildDelayPDF(rows []movements.StationDelay, generated time.Time) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Delay Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generated.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Stations: %d", len(rows)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(25, 6, "EVA", "1", 0, "C", false, 0, "")
	pdf.CellFormat(85, 6, "Station", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Samples", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Avg Delay (min)", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, row := range rows {
		avg, _, _ := delayCells(row)
		pdf.CellFormat(25, 6, strconv.FormatInt(row.Station.EVA, 10), "1", 0, "R", false, 0, "")
		pdf.CellFormat(85, 6, tr(row.Station.Name), "1", 0, "L", false, 0, "")
		pdf.CellFormat(25, 6, strconv.FormatInt(row.Samples, 10), "1", 0, "R", false, 0, "")
		pdf.CellFormat(40, 6, avg, "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
