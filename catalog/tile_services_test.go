package catalog

import (
	"context"
	"testing"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/GrainArc/SouceGate/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertTileServiceKeepsSingleActive(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	first, err := repo.UpsertTileService(ctx, TileServiceSpec{FileID: 1, VectorType: models.VectorTypeDXF, Table: "vector_0a1b2c3d",
		ImportSummary: map[string]int{"imported": 3}})
	require.NoError(t, err)
	second, err := repo.UpsertTileService(ctx, TileServiceSpec{FileID: 1, VectorType: models.VectorTypeDXF, Table: "vector_99aa88bb"})
	require.NoError(t, err)

	active, err := repo.ActiveTileService(ctx, 1, models.VectorTypeDXF)
	require.NoError(t, err)
	assert.Equal(t, second, active.ID)
	assert.Equal(t, "vector_99aa88bb", active.Table)

	old, err := repo.GetTileService(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, models.ServiceStatusDeleted, old.Status)

	// 其它类型不受影响
	_, err = repo.UpsertTileService(ctx, TileServiceSpec{FileID: 1, VectorType: models.VectorTypeGeoJSON, Table: "geojson_ff"})
	require.NoError(t, err)
	list, err := repo.ActiveTileServicesByFile(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestTileServiceDeletion(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	id, err := repo.UpsertTileService(ctx, TileServiceSpec{FileID: 2, VectorType: models.VectorTypeShapefile, Table: "vector_12345678"})
	require.NoError(t, err)

	require.NoError(t, repo.SoftDeleteTileService(ctx, id))
	_, err = repo.ActiveTileService(ctx, 2, models.VectorTypeShapefile)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	latest, err := repo.LatestTileService(ctx, 2, models.VectorTypeShapefile)
	require.NoError(t, err)
	assert.Equal(t, id, latest.ID)

	require.NoError(t, repo.DeleteTileService(ctx, id))
	_, err = repo.GetTileService(ctx, id)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, repo.SoftDeleteTileService(ctx, id), apperr.ErrNotFound)

	_, err = repo.UpsertTileService(ctx, TileServiceSpec{FileID: 2})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
