package metrics

import (
	"database/sql"
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

var rowCountTables = []struct {
	name  string
	help  string
	query string
}{
	{"stations", "Rows in the station dimension", "SELECT COUNT(*) FROM dim_station"},
	{"trains", "Rows in the train dimension", "SELECT COUNT(*) FROM dim_train"},
	{"times", "Rows in the time dimension", "SELECT COUNT(*) FROM dim_time"},
	{"movements", "Rows in the movement fact table", "SELECT COUNT(*) FROM fact_movement"},
}

func registerDBMetrics(db *sql.DB, logger *log.Logger) {
	for _, table := range rowCountTables {
		query := table.query
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: metricPrefix + table.name + "_rows",
				Help: table.help,
			},
			func() float64 {
				return queryCount(db, logger, query)
			},
		))
	}
}

func queryCount(db *sql.DB, logger *log.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Printf("metrics query failed: %v", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
