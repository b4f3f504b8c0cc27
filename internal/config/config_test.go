package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "STORE_DRIVER", "DATABASE_URL", "PG_DSN", "SQLITE_PATH", "HTTP_ADDR",
		"TIMEZONE", "INGEST_WORKERS", "CONFLICT_MAX_RETRIES", "CACHE_TTL", "AUTH_JWT_SECRET",
		"JWT_SECRET", "INGEST_HMAC_SECRET", "INGEST_MAX_SKEW_SECONDS", "SENTRY_DSN",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PG_DSN", "postgres://localhost/dwh")
	t.Setenv("AUTH_JWT_SECRET", "secret")
	t.Setenv("TIMEZONE", "Europe/Berlin")
	t.Setenv("CACHE_TTL", "5m")
	t.Setenv("INGEST_WORKERS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, "postgres://localhost/dwh", cfg.DatabaseURL)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 8, cfg.IngestWorkers, "unparseable values fall back to the default")
	assert.Equal(t, 300*time.Second, cfg.IngestSkew())
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestLoadYAMLOverridesEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUTH_JWT_SECRET", "secret")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_driver: SQLite
sqlite_path: /var/lib/dwh/movements.db
ingest_workers: 32
cache_ttl: 90s
`), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "/var/lib/dwh/movements.db", cfg.SQLitePath)
	assert.Equal(t, 32, cfg.IngestWorkers)
	assert.Equal(t, 90*time.Second, cfg.CacheTTL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"postgres without dsn": {"AUTH_JWT_SECRET": "s"},
		"missing jwt secret":   {"STORE_DRIVER": "memory"},
		"unknown driver":       {"STORE_DRIVER": "mongo", "AUTH_JWT_SECRET": "s"},
		"bad timezone":         {"STORE_DRIVER": "memory", "AUTH_JWT_SECRET": "s", "TIMEZONE": "Mars/Olympus"},
		"too many workers":     {"STORE_DRIVER": "memory", "AUTH_JWT_SECRET": "s", "INGEST_WORKERS": "1000"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
