package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"transit-dwh/internal/auth"
	"transit-dwh/internal/config"
	movementapp "transit-dwh/internal/movements/application"
	movements "transit-dwh/internal/movements/domain"
	"transit-dwh/internal/movements/infrastructure/memory"
	"transit-dwh/internal/movements/infrastructure/postgres"
	"transit-dwh/internal/movements/infrastructure/sqlite"
	movementhttp "transit-dwh/internal/movements/interfaces/http"
	"transit-dwh/internal/observability/metrics"
	"transit-dwh/internal/observability/reporting"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, metricsDB, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("store open error: %v", err)
	}
	defer store.Close()
	metrics.Init(metricsDB, logger)
	logger.Printf("store ready: driver=%s tz=%s", cfg.StoreDriver, loc)

	reporter, err := reporting.NewReporter(cfg.SentryDSN, cfg.SentryEnvironment, logger)
	if err != nil {
		logger.Fatalf("sentry error: %v", err)
	}
	defer reporter.Flush()

	retry := movementapp.DefaultRetryPolicy()
	retry.MaxRetries = cfg.ConflictMaxRetries
	encoder := movements.NewEncoder(loc)
	interner, err := movementapp.NewInterner(store, encoder,
		movementapp.WithRetryPolicy(retry),
		movementapp.WithCacheTTL(cfg.CacheTTL),
		movementapp.WithInternerLogger(logger),
	)
	if err != nil {
		logger.Fatalf("interner error: %v", err)
	}
	upserterOpts := []movementapp.UpserterOption{
		movementapp.WithUpsertRetryPolicy(retry),
		movementapp.WithWorkers(cfg.IngestWorkers),
		movementapp.WithUpserterLogger(logger),
	}
	if reporter != nil {
		upserterOpts = append(upserterOpts, movementapp.WithErrorReporter(reporter))
	}
	upserter, err := movementapp.NewUpserter(interner, store, upserterOpts...)
	if err != nil {
		logger.Fatalf("upserter error: %v", err)
	}
	queries, err := movementapp.NewQueryEngine(store)
	if err != nil {
		logger.Fatalf("query engine error: %v", err)
	}

	ingestHandler, err := movementhttp.NewIngestHandler(upserter, interner, logger)
	if err != nil {
		logger.Fatalf("ingest handler error: %v", err)
	}
	queryHandler, err := movementhttp.NewQueryHandler(queries, encoder)
	if err != nil {
		logger.Fatalf("query handler error: %v", err)
	}
	exportHandler, err := movementhttp.NewExportHandler(queries)
	if err != nil {
		logger.Fatalf("export handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/ingest/"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy, auth.WithLogger(logger))

	mux := http.NewServeMux()
	if cfg.IngestSecret != "" {
		ingestAuth := auth.NewIngestAuthMiddleware([]byte(cfg.IngestSecret), cfg.IngestSkew())
		mux.Handle("/ingest/", ingestAuth.Wrap(ingestHandler))
	} else {
		logger.Printf("ingest endpoints disabled: INGEST_HMAC_SECRET not set")
	}
	mux.Handle("/api/v1/stations/", queryHandler)
	mux.Handle("/api/v1/cancellations", queryHandler)
	mux.Handle("/api/v1/delays", queryHandler)
	mux.Handle("/api/v1/times", queryHandler)
	mux.Handle("/api/v1/exports/", exportHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(authMiddleware.Wrap(mux), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown error: %v", err)
		}
	}()

	logger.Printf("http listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("http server error: %v", err)
	}
}

// openStore returns the configured store and, for SQL drivers, the handle
// backing the row-count gauges.
func openStore(ctx context.Context, cfg config.Config) (movements.Store, *sql.DB, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		db, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.MaxOpenConns)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return postgres.NewStore(db), db, nil
	case config.DriverSQLite:
		gdb, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if err := sqlite.RunMigrations(ctx, gdb); err != nil {
			return nil, nil, err
		}
		store, err := sqlite.NewStore(ctx, gdb)
		if err != nil {
			return nil, nil, err
		}
		db, err := gdb.DB()
		if err != nil {
			return nil, nil, err
		}
		return store, db, nil
	default:
		return memory.NewStore(), nil, nil
	}
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
