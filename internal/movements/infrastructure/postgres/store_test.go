package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	movements "transit-dwh/internal/movements/domain"
	"transit-dwh/internal/movements/infrastructure/storetest"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, dsn, 8)
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, db))
	return db
}

func TestStore(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	storetest.Run(t, func(t *testing.T) movements.Store {
		_, err := db.ExecContext(context.Background(),
			`TRUNCATE fact_movement, dim_time, dim_train, dim_station RESTART IDENTITY CASCADE`)
		require.NoError(t, err)
		// The suite closes each store; the pool outlives the subtests.
		return NewStore(noClose{db})
	})
}

func TestSearchEscapesLikePattern(t *testing.T) {
	assert.Equal(t, `100\%`, likeEscaper.Replace("100%"))
	assert.Equal(t, `n\_t`, likeEscaper.Replace("n_t"))
	assert.Equal(t, `a\\b`, likeEscaper.Replace(`a\b`))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("op", nil))

	err := classify("upsert fact", &pgconn.PgError{Code: codeSerializationFailure})
	assert.ErrorIs(t, err, movements.ErrTransientConflict)
	assert.True(t, movements.IsRetryable(err))

	err = classify("upsert fact", &pgconn.PgError{Code: codeDeadlockDetected})
	assert.ErrorIs(t, err, movements.ErrTransientConflict)

	err = classify("upsert fact", &pgconn.PgError{Code: codeForeignKeyViolation, ConstraintName: "fact_movement_station_key_fkey"})
	assert.ErrorIs(t, err, movements.ErrDanglingReference)
	assert.Contains(t, err.Error(), "fact_movement_station_key_fkey")

	plain := errors.New("boom")
	err = classify("get station", plain)
	assert.ErrorIs(t, err, plain)
	assert.False(t, movements.IsRetryable(err))
}

func TestNilStore(t *testing.T) {
	var s *Store
	_, err := s.UpsertStation(context.Background(), movements.StationInput{EVA: 1})
	assert.ErrorIs(t, err, errNilDB)
	assert.NoError(t, s.Close())
}

type noClose struct{ *sql.DB }

func (noClose) Close() error { return nil }
