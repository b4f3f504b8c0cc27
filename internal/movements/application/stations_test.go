package application

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	movements "transit-dwh/internal/movements/domain"
	"transit-dwh/internal/movements/infrastructure/memory"
)

func TestImportStationsSkipsInvalid(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	interner := newTestInterner(t, store)

	result, err := interner.ImportStations(ctx, []movements.StationInput{
		{EVA: 8011160, Name: "Berlin Hbf", Lat: fptr(52.525592), Lon: fptr(13.369545)},
		{EVA: 8010255, Name: "Berlin Ostbahnhof", Lat: fptr(91)},
		{EVA: 8098160, Name: "Berlin Hbf (tief)"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Imported)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, 1, result.Failures[0].Index)
	assert.Equal(t, int64(8010255), result.Failures[0].EVA)
	assert.NotEmpty(t, result.Failures[0].Field)

	found, err := store.SearchStations(ctx, "hbf")
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestImportStationsStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	interner := newTestInterner(t, memory.NewStore())

	result, err := interner.ImportStations(ctx, []movements.StationInput{{EVA: 8011160, Name: "Berlin Hbf"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, result.Imported)
}
