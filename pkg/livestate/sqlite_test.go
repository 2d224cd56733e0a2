package livestate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteRoutes(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.SaveRoutes(ctx, sampleRoutes()))
	routes, err := store.LoadRoutes(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleRoutes(), routes)

	// Saving replaces the catalog.
	require.NoError(t, store.SaveRoutes(ctx, sampleRoutes()[1:]))
	routes, err = store.LoadRoutes(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "BUS-202", routes[0].BusID)
}

func TestSQLitePositions(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	t.Run("empty batch is a no-op", func(t *testing.T) {
		require.NoError(t, store.SavePositions(ctx, nil))
	})

	t.Run("upserts newer positions only", func(t *testing.T) {
		require.NoError(t, store.SavePositions(ctx, []BusPosition{
			{BusID: "BUS-1", Latitude: 1, Longitude: 2, Speed: 30, Source: "gateway", LastUpdate: base},
		}))
		require.NoError(t, store.SavePositions(ctx, []BusPosition{
			{BusID: "BUS-1", Latitude: 9, Longitude: 9, LastUpdate: base.Add(-time.Minute)},
		}))

		positions, err := store.LoadPositions(ctx)
		require.NoError(t, err)
		require.Len(t, positions, 1)
		assert.Equal(t, 1.0, positions[0].Latitude)
		assert.Equal(t, 30.0, positions[0].Speed)
		assert.Equal(t, "gateway", positions[0].Source)
		assert.True(t, base.Equal(positions[0].LastUpdate))

		require.NoError(t, store.SavePositions(ctx, []BusPosition{
			{BusID: "BUS-1", Latitude: 3, Longitude: 4, LastUpdate: base.Add(time.Minute)},
		}))
		positions, err = store.LoadPositions(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3.0, positions[0].Latitude)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.DeletePosition(ctx, "BUS-1"))
		positions, err := store.LoadPositions(ctx)
		require.NoError(t, err)
		assert.Empty(t, positions)
	})
}

func TestOpenSQLiteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "halte.db")
	store, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	assert.FileExists(t, path)
}
