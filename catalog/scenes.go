package catalog

import (
	"context"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/GrainArc/SouceGate/models"
	"gorm.io/gorm"
)

// SceneLayerView 场景图层及其解析后的服务信息。引用对象缺失或失效时 Tombstone 为 true。
type SceneLayerView struct {
	models.SceneLayer
	Source      string `json:"source"` // geoserver/martin
	Enabled     bool   `json:"enabled"`
	Tombstone   bool   `json:"tombstone"`
	LayerName   string `json:"layer_name,omitempty"`
	Workspace   string `json:"workspace,omitempty"`
	WMSURL      string `json:"wms_url,omitempty"`
	WFSURL      string `json:"wfs_url,omitempty"`
	WCSURL      string `json:"wcs_url,omitempty"`
	VectorType  string `json:"vector_type,omitempty"`
	TableName   string `json:"table_name,omitempty"`
	ServiceURL  string `json:"service_url,omitempty"`
	MVTURL      string `json:"mvt_url,omitempty"`
	TileJSONURL string `json:"tilejson_url,omitempty"`
}

func (r *Repository) CreateScene(ctx context.Context, s *models.Scene) error {
	return dbErr(ctx, r.conn(ctx).Create(s).Error, "failed to create scene")
}

func (r *Repository) GetScene(ctx context.Context, id int64) (*models.Scene, error) {
	var s models.Scene
	if err := r.conn(ctx).First(&s, id).Error; err != nil {
		return nil, dbErr(ctx, err, "scene not found")
	}
	return &s, nil
}

// ListScenes 列出 owner 的场景，includePublic 时附带他人的公开场景
func (r *Repository) ListScenes(ctx context.Context, owner string, includePublic bool) ([]models.Scene, error) {
	var scenes []models.Scene
	q := r.conn(ctx).Where("owner = ?", owner)
	if includePublic {
		q = q.Or("is_public = ?", true)
	}
	if err := q.Order("id").Find(&scenes).Error; err != nil {
		return nil, dbErr(ctx, err, "failed to list scenes")
	}
	return scenes, nil
}

func (r *Repository) UpdateScene(ctx context.Context, id int64, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	res := r.conn(ctx).Model(&models.Scene{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return dbErr(ctx, res.Error, "failed to update scene")
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound.Msg("scene not found")
	}
	return nil
}

// DeleteScene 删除场景及其全部图层关联
func (r *Repository) DeleteScene(ctx context.Context, id int64) error {
	return dbErr(ctx, r.Transaction(ctx, func(tx *Repository) error {
		if err := tx.conn(ctx).Where("scene_id = ?", id).Delete(&models.SceneLayer{}).Error; err != nil {
			return err
		}
		res := tx.conn(ctx).Delete(&models.Scene{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.ErrNotFound.Msg("scene not found")
		}
		return nil
	}), "failed to delete scene")
}

// AppendSceneLayer 以 max(layer_order)+1 追加图层
func (r *Repository) AppendSceneLayer(ctx context.Context, sl *models.SceneLayer) error {
	if (sl.LayerID == nil) == (sl.MartinServiceID == nil) {
		return apperr.ErrValidation.Msg("scene layer must reference exactly one of layer or tile service")
	}
	return dbErr(ctx, r.Transaction(ctx, func(tx *Repository) error {
		var dup int64
		q := tx.conn(ctx).Model(&models.SceneLayer{}).Where("scene_id = ?", sl.SceneID)
		if sl.LayerID != nil {
			q = q.Where("layer_id = ?", *sl.LayerID)
		} else {
			q = q.Where("martin_service_id = ?", *sl.MartinServiceID)
		}
		if err := q.Count(&dup).Error; err != nil {
			return err
		}
		if dup > 0 {
			return apperr.ErrConflict.Msg("layer already in scene")
		}
		next, err := tx.MaxLayerOrder(ctx, sl.SceneID)
		if err != nil {
			return err
		}
		sl.LayerOrder = next + 1
		return tx.conn(ctx).Create(sl).Error
	}), "failed to add scene layer")
}

func (r *Repository) MaxLayerOrder(ctx context.Context, sceneID int64) (int, error) {
	var maxOrder int
	err := r.conn(ctx).Model(&models.SceneLayer{}).Where("scene_id = ?", sceneID).
		Select("COALESCE(MAX(layer_order), 0)").Scan(&maxOrder).Error
	if err != nil {
		return 0, dbErr(ctx, err, "failed to read layer order")
	}
	return maxOrder, nil
}

func (r *Repository) GetSceneLayer(ctx context.Context, id int64) (*models.SceneLayer, error) {
	var sl models.SceneLayer
	if err := r.conn(ctx).First(&sl, id).Error; err != nil {
		return nil, dbErr(ctx, err, "scene layer not found")
	}
	return &sl, nil
}

func (r *Repository) SceneLayers(ctx context.Context, sceneID int64) ([]models.SceneLayer, error) {
	var list []models.SceneLayer
	if err := r.conn(ctx).Where("scene_id = ?", sceneID).Order("layer_order").Find(&list).Error; err != nil {
		return nil, dbErr(ctx, err, "failed to list scene layers")
	}
	return list, nil
}

func (r *Repository) UpdateSceneLayer(ctx context.Context, id int64, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	res := r.conn(ctx).Model(&models.SceneLayer{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return dbErr(ctx, res.Error, "failed to update scene layer")
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound.Msg("scene layer not found")
	}
	return nil
}

// DeleteSceneLayer 删除关联并将剩余图层重新编号为 1..N
func (r *Repository) DeleteSceneLayer(ctx context.Context, id int64) error {
	return dbErr(ctx, r.Transaction(ctx, func(tx *Repository) error {
		sl, err := tx.GetSceneLayer(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.conn(ctx).Delete(&models.SceneLayer{}, id).Error; err != nil {
			return err
		}
		rest, err := tx.SceneLayers(ctx, sl.SceneID)
		if err != nil {
			return err
		}
		order := make(map[int64]int, len(rest))
		for i, l := range rest {
			order[l.ID] = i + 1
		}
		return tx.ReorderSceneLayers(ctx, sl.SceneID, order)
	}), "failed to delete scene layer")
}

// ReorderSceneLayers 原子地写入新的 layer_order。
// 先写入负值再整体取反，避免中间状态违反 (scene_id, layer_order) 唯一约束。
func (r *Repository) ReorderSceneLayers(ctx context.Context, sceneID int64, order map[int64]int) error {
	if len(order) == 0 {
		return nil
	}
	return dbErr(ctx, r.Transaction(ctx, func(tx *Repository) error {
		db := tx.conn(ctx)
		for id, pos := range order {
			res := db.Model(&models.SceneLayer{}).Where("id = ? AND scene_id = ?", id, sceneID).
				Update("layer_order", -pos)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return apperr.ErrNotFound.Msgf("scene layer %d not in scene %d", id, sceneID)
			}
		}
		return db.Model(&models.SceneLayer{}).Where("scene_id = ? AND layer_order < 0", sceneID).
			Update("layer_order", gorm.Expr("-layer_order")).Error
	}), "failed to reorder scene layers")
}

// ListSceneLayers 按 layer_order 列出场景图层并解析引用对象
func (r *Repository) ListSceneLayers(ctx context.Context, sceneID int64) ([]SceneLayerView, error) {
	if _, err := r.GetScene(ctx, sceneID); err != nil {
		return nil, err
	}
	rows, err := r.SceneLayers(ctx, sceneID)
	if err != nil {
		return nil, err
	}

	var layerIDs, svcIDs []int64
	for _, sl := range rows {
		if sl.LayerID != nil {
			layerIDs = append(layerIDs, *sl.LayerID)
		}
		if sl.MartinServiceID != nil {
			svcIDs = append(svcIDs, *sl.MartinServiceID)
		}
	}

	layers := map[int64]models.GeoServerLayer{}
	workspaces := map[int64]string{}
	if len(layerIDs) > 0 {
		var list []models.GeoServerLayer
		if err := r.conn(ctx).Where("id IN ?", layerIDs).Find(&list).Error; err != nil {
			return nil, dbErr(ctx, err, "failed to resolve layers")
		}
		var wsIDs []int64
		for _, l := range list {
			layers[l.ID] = l
			wsIDs = append(wsIDs, l.WorkspaceID)
		}
		if len(wsIDs) > 0 {
			var wsList []models.GeoServerWorkspace
			if err := r.conn(ctx).Where("id IN ?", wsIDs).Find(&wsList).Error; err != nil {
				return nil, dbErr(ctx, err, "failed to resolve workspaces")
			}
			for _, ws := range wsList {
				workspaces[ws.ID] = ws.Name
			}
		}
	}
	services := map[int64]models.VectorMartinService{}
	if len(svcIDs) > 0 {
		var list []models.VectorMartinService
		if err := r.conn(ctx).Where("id IN ?", svcIDs).Find(&list).Error; err != nil {
			return nil, dbErr(ctx, err, "failed to resolve tile services")
		}
		for _, s := range list {
			services[s.ID] = s
		}
	}

	views := make([]SceneLayerView, 0, len(rows))
	for _, sl := range rows {
		v := SceneLayerView{SceneLayer: sl}
		if sl.LayerID != nil {
			v.Source = "geoserver"
			l, ok := layers[*sl.LayerID]
			if ok && l.Enabled {
				v.Enabled = true
				v.LayerName = l.Name
				v.Workspace = workspaces[l.WorkspaceID]
				v.WMSURL, v.WFSURL, v.WCSURL = l.WMSURL, l.WFSURL, l.WCSURL
			}
		} else {
			v.Source = "martin"
			s, ok := services[*sl.MartinServiceID]
			if ok && s.Status == models.ServiceStatusActive {
				v.Enabled = true
				v.VectorType = s.VectorType
				v.TableName = s.Table
				v.ServiceURL, v.MVTURL, v.TileJSONURL = s.ServiceURL, s.MVTURL, s.TileJSONURL
			}
		}
		v.Tombstone = !v.Enabled
		views = append(views, v)
	}
	return views, nil
}
