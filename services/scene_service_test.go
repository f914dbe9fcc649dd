package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/GrainArc/SouceGate/catalog"
	"github.com/GrainArc/SouceGate/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sceneFixture struct {
	svc      *SceneService
	repo     *catalog.Repository
	layerID  int64
	tileIDs  []int64
	sceneID  int64
	owner    string
	stranger string
}

func newSceneFixture(t *testing.T) *sceneFixture {
	t.Helper()
	ctx := context.Background()
	repo := newServiceRepo(t)
	ws, err := repo.EnsureWorkspace(ctx, "soucegate")
	require.NoError(t, err)
	storeID, err := repo.UpsertStore(ctx, catalog.StoreSpec{WorkspaceID: ws.ID, Name: "roads_store", Kind: models.StoreKindData, DataType: models.StoreTypePostGIS})
	require.NoError(t, err)
	ftID, err := repo.InsertFeatureType(ctx, storeID, catalog.FeatureTypeSpec{Name: "roads", NativeName: "gs_0000abcd"})
	require.NoError(t, err)
	layerID, err := repo.InsertLayer(ctx, catalog.LayerSpec{WorkspaceID: ws.ID, Name: "roads", FeatureTypeID: &ftID, WMSURL: "http://gs/wms"})
	require.NoError(t, err)

	f := &sceneFixture{svc: NewSceneService(repo), repo: repo, layerID: layerID, owner: "alice", stranger: "bob"}
	for i, table := range []string{"vector_0000aaaa", "vector_0000bbbb"} {
		id, err := repo.UpsertTileService(ctx, catalog.TileServiceSpec{
			FileID:           int64(100 + i),
			VectorType:       models.VectorTypeDXF,
			OriginalFilename: "plan.dxf",
			Schema:           "public",
			Table:            table,
			MVTURL:           "http://localhost:3000/public." + table + "/{z}/{x}/{y}.pbf",
		})
		require.NoError(t, err)
		f.tileIDs = append(f.tileIDs, id)
	}
	scene, err := f.svc.CreateScene(ctx, f.owner, SceneInput{Name: "city"})
	require.NoError(t, err)
	f.sceneID = scene.ID
	return f
}

func TestSceneOwnerGating(t *testing.T) {
	f := newSceneFixture(t)
	ctx := context.Background()

	_, err := f.svc.GetScene(ctx, f.stranger, f.sceneID)
	assert.ErrorIs(t, err, apperr.ErrNotFound, "private scene is hidden from others")
	_, err = f.svc.UpdateScene(ctx, f.stranger, f.sceneID, map[string]any{"name": "x"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, f.svc.DeleteScene(ctx, f.stranger, f.sceneID), apperr.ErrNotFound)

	scene, err := f.svc.UpdateScene(ctx, f.owner, f.sceneID, map[string]any{"is_public": true, "color": "red"})
	require.NoError(t, err)
	assert.True(t, scene.IsPublic)
	assert.Equal(t, "city", scene.Name)

	_, err = f.svc.GetScene(ctx, f.stranger, f.sceneID)
	assert.NoError(t, err, "public scene is readable")
	_, err = f.svc.AddLayer(ctx, f.stranger, f.sceneID, AddLayerInput{LayerID: &f.layerID})
	assert.ErrorIs(t, err, apperr.ErrNotFound, "public scene is still owner-only for writes")

	_, err = f.svc.CreateScene(ctx, f.owner, SceneInput{Name: "  "})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.UpdateScene(ctx, f.owner, f.sceneID, map[string]any{"is_public": "yes"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestAddLayerValidation(t *testing.T) {
	f := newSceneFixture(t)
	ctx := context.Background()

	_, err := f.svc.AddLayer(ctx, f.owner, f.sceneID, AddLayerInput{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.AddLayer(ctx, f.owner, f.sceneID, AddLayerInput{LayerID: &f.layerID, MartinServiceID: &f.tileIDs[0]})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	missing := int64(9999)
	_, err = f.svc.AddLayer(ctx, f.owner, f.sceneID, AddLayerInput{LayerID: &missing})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	bad := 1.5
	_, err = f.svc.AddLayer(ctx, f.owner, f.sceneID, AddLayerInput{LayerID: &f.layerID, Opacity: &bad})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	sl, err := f.svc.AddLayer(ctx, f.owner, f.sceneID, AddLayerInput{LayerID: &f.layerID, StyleOverride: json.RawMessage(`{"color":"#f00"}`)})
	require.NoError(t, err)
	assert.Equal(t, 1, sl.LayerOrder)
	assert.Equal(t, "roads", sl.Name)
	assert.True(t, sl.Visible)
	assert.Equal(t, 1.0, sl.Opacity)
	assert.Nil(t, sl.MartinServiceID)

	_, err = f.svc.AddLayer(ctx, f.owner, f.sceneID, AddLayerInput{LayerID: &f.layerID})
	assert.ErrorIs(t, err, apperr.ErrConflict, "a layer is bound at most once per scene")

	require.NoError(t, f.repo.SoftDeleteTileService(ctx, f.tileIDs[1]))
	_, err = f.svc.AddLayer(ctx, f.owner, f.sceneID, AddLayerInput{MartinServiceID: &f.tileIDs[1]})
	assert.ErrorIs(t, err, apperr.ErrNotFound, "inactive tile service cannot be added")

	sl, err = f.svc.AddLayer(ctx, f.owner, f.sceneID, AddLayerInput{MartinServiceID: &f.tileIDs[0]})
	require.NoError(t, err)
	assert.Equal(t, 2, sl.LayerOrder)
	assert.Equal(t, "plan", sl.Name)
}

func TestUpdateSceneLayerIgnoresUnknownKeys(t *testing.T) {
	f := newSceneFixture(t)
	ctx := context.Background()
	sl, err := f.svc.AddLayer(ctx, f.owner, f.sceneID, AddLayerInput{LayerID: &f.layerID})
	require.NoError(t, err)

	got, err := f.svc.UpdateSceneLayer(ctx, f.owner, sl.ID, map[string]any{
		"visible":        false,
		"opacity":        0.4,
		"style_override": map[string]any{"fill": "#00ff00"},
		"layer_order":    99,
		"scene_id":       12,
	})
	require.NoError(t, err)
	assert.False(t, got.Visible)
	assert.Equal(t, 0.4, got.Opacity)
	assert.JSONEq(t, `{"fill":"#00ff00"}`, string(got.StyleOverride))
	assert.Equal(t, 1, got.LayerOrder)
	assert.Equal(t, f.sceneID, got.SceneID)

	_, err = f.svc.UpdateSceneLayer(ctx, f.owner, sl.ID, map[string]any{"opacity": -0.1})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.UpdateSceneLayer(ctx, f.stranger, sl.ID, map[string]any{"visible": true})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReorderPermutation(t *testing.T) {
	f := newSceneFixture(t)
	ctx := context.Background()
	l1, err := f.svc.AddLayer(ctx, f.owner, f.sceneID, AddLayerInput{LayerID: &f.layerID})
	require.NoError(t, err)
	l2, err := f.svc.AddLayer(ctx, f.owner, f.sceneID, AddLayerInput{MartinServiceID: &f.tileIDs[0]})
	require.NoError(t, err)
	l3, err := f.svc.AddLayer(ctx, f.owner, f.sceneID, AddLayerInput{MartinServiceID: &f.tileIDs[1]})
	require.NoError(t, err)

	views, err := f.svc.Reorder(ctx, f.owner, f.sceneID, map[int64]int{l3.ID: 1, l1.ID: 2, l2.ID: 3})
	require.NoError(t, err)
	got := map[int64]int{}
	for _, v := range views {
		got[v.ID] = v.LayerOrder
	}
	assert.Equal(t, map[int64]int{l3.ID: 1, l1.ID: 2, l2.ID: 3}, got)
	assert.Equal(t, l3.ID, views[0].ID)

	// 部分映射与未变化的图层合并后仍须是排列
	_, err = f.svc.Reorder(ctx, f.owner, f.sceneID, map[int64]int{l3.ID: 2})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.Reorder(ctx, f.owner, f.sceneID, map[int64]int{l3.ID: 1, l1.ID: 2, l2.ID: 4})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.Reorder(ctx, f.owner, f.sceneID, map[int64]int{9999: 1})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	views, err = f.svc.Reorder(ctx, f.owner, f.sceneID, map[int64]int{l1.ID: 3, l2.ID: 2})
	require.NoError(t, err)
	order := []int64{}
	for _, v := range views {
		order = append(order, v.ID)
	}
	assert.Equal(t, []int64{l3.ID, l2.ID, l1.ID}, order)
}

func TestReorderConcurrentWithRemoveKeepsPermutation(t *testing.T) {
	f := newSceneFixture(t)
	ctx := context.Background()
	l1, err := f.svc.AddLayer(ctx, f.owner, f.sceneID, AddLayerInput{LayerID: &f.layerID})
	require.NoError(t, err)
	l2, err := f.svc.AddLayer(ctx, f.owner, f.sceneID, AddLayerInput{MartinServiceID: &f.tileIDs[0]})
	require.NoError(t, err)
	l3, err := f.svc.AddLayer(ctx, f.owner, f.sceneID, AddLayerInput{MartinServiceID: &f.tileIDs[1]})
	require.NoError(t, err)

	orders := []map[int64]int{
		{l1.ID: 2, l2.ID: 1},
		{l2.ID: 3, l3.ID: 2},
		{l1.ID: 3, l2.ID: 2, l3.ID: 1},
		{l1.ID: 1, l3.ID: 3},
	}
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(order map[int64]int) {
			defer wg.Done()
			if _, err := f.svc.Reorder(ctx, f.owner, f.sceneID, order); err != nil {
				assert.ErrorIs(t, err, apperr.ErrValidation)
			}
		}(orders[i%len(orders)])
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, f.svc.RemoveLayer(ctx, f.owner, l2.ID))
	}()
	wg.Wait()

	views, err := f.svc.ListLayers(ctx, f.owner, f.sceneID)
	require.NoError(t, err)
	require.Len(t, views, 2)
	for i, v := range views {
		assert.Equal(t, i+1, v.LayerOrder)
		assert.NotEqual(t, l2.ID, v.ID)
	}
}

func TestRemoveLayerAndDeleteScene(t *testing.T) {
	f := newSceneFixture(t)
	ctx := context.Background()
	l1, err := f.svc.AddLayer(ctx, f.owner, f.sceneID, AddLayerInput{LayerID: &f.layerID})
	require.NoError(t, err)
	l2, err := f.svc.AddLayer(ctx, f.owner, f.sceneID, AddLayerInput{MartinServiceID: &f.tileIDs[0]})
	require.NoError(t, err)

	require.NoError(t, f.svc.RemoveLayer(ctx, f.owner, l1.ID))
	views, err := f.svc.ListLayers(ctx, f.owner, f.sceneID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, l2.ID, views[0].ID)
	assert.Equal(t, 1, views[0].LayerOrder)
	assert.Equal(t, "martin", views[0].Source)
	assert.Contains(t, views[0].MVTURL, "vector_0000aaaa")

	require.NoError(t, f.svc.DeleteScene(ctx, f.owner, f.sceneID))
	_, err = f.repo.GetScene(ctx, f.sceneID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.repo.GetLayer(ctx, f.layerID)
	assert.NoError(t, err, "deleting a scene never deletes layers")
	_, err = f.repo.GetTileService(ctx, f.tileIDs[0])
	assert.NoError(t, err)
}
