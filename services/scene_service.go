package services

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/GrainArc/SouceGate/catalog"
	"github.com/GrainArc/SouceGate/models"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
)

// SceneService 场景编辑，所有写操作只允许场景所有者执行
type SceneService struct {
	repo *catalog.Repository
}

func NewSceneService(repo *catalog.Repository) *SceneService {
	return &SceneService{repo: repo}
}

type SceneInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPublic    bool   `json:"is_public"`
}

// AddLayerInput layer_id 与 martin_service_id 必须且只能填一个
type AddLayerInput struct {
	LayerID         *int64          `json:"layer_id"`
	MartinServiceID *int64          `json:"martin_service_id"`
	Name            string          `json:"name"`
	Visible         *bool           `json:"visible"`
	Opacity         *float64        `json:"opacity"`
	StyleOverride   json.RawMessage `json:"style_override"`
	Queryable       bool            `json:"queryable"`
	Selectable      bool            `json:"selectable"`
}

// 可修改的字段，其余键忽略
var (
	sceneFields      = map[string]bool{"name": true, "description": true, "is_public": true}
	sceneLayerFields = map[string]bool{"name": true, "visible": true, "opacity": true, "style_override": true, "queryable": true, "selectable": true}
)

func (s *SceneService) CreateScene(ctx context.Context, owner string, in SceneInput) (*models.Scene, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, apperr.ErrValidation.Msg("owner is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperr.ErrValidation.Msg("scene name is required")
	}
	scene := &models.Scene{Name: strings.TrimSpace(in.Name), Description: in.Description, IsPublic: in.IsPublic, Owner: owner}
	if err := s.repo.CreateScene(ctx, scene); err != nil {
		return nil, err
	}
	log.Ctx(ctx).Info().Int64("scene_id", scene.ID).Str("owner", owner).Msg("scene created")
	return scene, nil
}

// GetScene 所有者或公开场景可读；他人的私有场景按不存在处理
func (s *SceneService) GetScene(ctx context.Context, owner string, id int64) (*models.Scene, error) {
	scene, err := s.repo.GetScene(ctx, id)
	if err != nil {
		return nil, err
	}
	if scene.Owner != owner && !scene.IsPublic {
		return nil, apperr.ErrNotFound.Msg("scene not found")
	}
	return scene, nil
}

func (s *SceneService) ListScenes(ctx context.Context, owner string, includePublic bool) ([]models.Scene, error) {
	return s.repo.ListScenes(ctx, owner, includePublic)
}

func (s *SceneService) ownedScene(ctx context.Context, owner string, id int64) (*models.Scene, error) {
	scene, err := s.repo.GetScene(ctx, id)
	if err != nil {
		return nil, err
	}
	if scene.Owner != owner {
		return nil, apperr.ErrNotFound.Msg("scene not found")
	}
	return scene, nil
}

func (s *SceneService) UpdateScene(ctx context.Context, owner string, id int64, updates map[string]any) (*models.Scene, error) {
	if _, err := s.ownedScene(ctx, owner, id); err != nil {
		return nil, err
	}
	clean := map[string]any{}
	for k, v := range updates {
		if !sceneFields[k] {
			continue
		}
		switch k {
		case "is_public":
			b, ok := v.(bool)
			if !ok {
				return nil, apperr.ErrValidation.Msg("is_public must be a boolean")
			}
			clean[k] = b
		default:
			str, ok := v.(string)
			if !ok {
				return nil, apperr.ErrValidation.Msgf("%s must be a string", k)
			}
			if k == "name" && strings.TrimSpace(str) == "" {
				return nil, apperr.ErrValidation.Msg("scene name is required")
			}
			clean[k] = str
		}
	}
	if err := s.repo.UpdateScene(ctx, id, clean); err != nil {
		return nil, err
	}
	return s.repo.GetScene(ctx, id)
}

// DeleteScene 只删除场景及其图层关联，不影响已发布的图层和切片服务
func (s *SceneService) DeleteScene(ctx context.Context, owner string, id int64) error {
	if _, err := s.ownedScene(ctx, owner, id); err != nil {
		return err
	}
	return s.repo.DeleteScene(ctx, id)
}

// AddLayer 校验引用对象存在后以 max+1 追加到场景末尾
func (s *SceneService) AddLayer(ctx context.Context, owner string, sceneID int64, in AddLayerInput) (*models.SceneLayer, error) {
	if _, err := s.ownedScene(ctx, owner, sceneID); err != nil {
		return nil, err
	}
	if (in.LayerID == nil) == (in.MartinServiceID == nil) {
		return nil, apperr.ErrValidation.Msg("exactly one of layer_id and martin_service_id is required")
	}
	sl := &models.SceneLayer{
		SceneID:         sceneID,
		LayerID:         in.LayerID,
		MartinServiceID: in.MartinServiceID,
		Name:            in.Name,
		Visible:         true,
		Opacity:         1,
		Queryable:       in.Queryable,
		Selectable:      in.Selectable,
	}
	if in.LayerID != nil {
		layer, err := s.repo.GetLayer(ctx, *in.LayerID)
		if err != nil {
			return nil, err
		}
		if sl.Name == "" {
			sl.Name = layer.Name
		}
	} else {
		svc, err := s.repo.GetTileService(ctx, *in.MartinServiceID)
		if err != nil {
			return nil, err
		}
		if svc.Status != models.ServiceStatusActive {
			return nil, apperr.ErrNotFound.Msgf("tile service %d is not active", svc.ID)
		}
		if sl.Name == "" {
			sl.Name = fileStem(svc.OriginalFilename)
		}
	}
	if in.Visible != nil {
		sl.Visible = *in.Visible
	}
	if in.Opacity != nil {
		if err := checkOpacity(*in.Opacity); err != nil {
			return nil, err
		}
		sl.Opacity = *in.Opacity
	}
	if len(in.StyleOverride) > 0 && string(in.StyleOverride) != "null" {
		if !json.Valid(in.StyleOverride) {
			return nil, apperr.ErrValidation.Msg("style_override must be valid json")
		}
		sl.StyleOverride = datatypes.JSON(in.StyleOverride)
	}
	if err := s.repo.AppendSceneLayer(ctx, sl); err != nil {
		return nil, err
	}
	return sl, nil
}

func checkOpacity(v float64) error {
	if v < 0 || v > 1 {
		return apperr.ErrValidation.Msgf("opacity %g is outside [0,1]", v)
	}
	return nil
}

// sceneLayerOf 返回场景图层，并确认其所在场景属于 owner
func (s *SceneService) sceneLayerOf(ctx context.Context, owner string, id int64) (*models.SceneLayer, error) {
	sl, err := s.repo.GetSceneLayer(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedScene(ctx, owner, sl.SceneID); err != nil {
		return nil, err
	}
	return sl, nil
}

// UpdateSceneLayer 修改显示属性，未知键忽略
func (s *SceneService) UpdateSceneLayer(ctx context.Context, owner string, id int64, updates map[string]any) (*models.SceneLayer, error) {
	if _, err := s.sceneLayerOf(ctx, owner, id); err != nil {
		return nil, err
	}
	clean := map[string]any{}
	for k, v := range updates {
		if !sceneLayerFields[k] {
			continue
		}
		switch k {
		case "visible", "queryable", "selectable":
			b, ok := v.(bool)
			if !ok {
				return nil, apperr.ErrValidation.Msgf("%s must be a boolean", k)
			}
			clean[k] = b
		case "opacity":
			f, ok := toFloat(v)
			if !ok {
				return nil, apperr.ErrValidation.Msg("opacity must be a number")
			}
			if err := checkOpacity(f); err != nil {
				return nil, err
			}
			clean[k] = f
		case "style_override":
			if v == nil {
				clean[k] = nil
				continue
			}
			b, err := json.Marshal(v)
			if err != nil {
				return nil, apperr.ErrValidation.Msg("style_override must be json").Err(err)
			}
			clean[k] = datatypes.JSON(b)
		case "name":
			str, ok := v.(string)
			if !ok {
				return nil, apperr.ErrValidation.Msg("name must be a string")
			}
			clean[k] = str
		}
	}
	if err := s.repo.UpdateSceneLayer(ctx, id, clean); err != nil {
		return nil, err
	}
	return s.repo.GetSceneLayer(ctx, id)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

// RemoveLayer 移除关联，剩余图层重新编号
func (s *SceneService) RemoveLayer(ctx context.Context, owner string, id int64) error {
	if _, err := s.sceneLayerOf(ctx, owner, id); err != nil {
		return err
	}
	return s.repo.DeleteSceneLayer(ctx, id)
}

// Reorder 应用 (场景图层ID -> 顺序)。未出现的图层保持原顺序，合并后的结果必须是 1..N 的排列。
func (s *SceneService) Reorder(ctx context.Context, owner string, sceneID int64, order map[int64]int) ([]catalog.SceneLayerView, error) {
	if _, err := s.ownedScene(ctx, owner, sceneID); err != nil {
		return nil, err
	}
	// 读取当前顺序与写入新排列在同一事务内
	err := s.repo.Transaction(ctx, func(tx *catalog.Repository) error {
		layers, err := tx.SceneLayers(ctx, sceneID)
		if err != nil {
			return err
		}
		final, err := mergeLayerOrder(layers, order, sceneID)
		if err != nil {
			return err
		}
		return tx.ReorderSceneLayers(ctx, sceneID, final)
	})
	if err != nil {
		return nil, err
	}
	return s.repo.ListSceneLayers(ctx, sceneID)
}

// mergeLayerOrder 部分映射合并到当前顺序，结果须为 1..N 的排列
func mergeLayerOrder(layers []models.SceneLayer, order map[int64]int, sceneID int64) (map[int64]int, error) {
	final := make(map[int64]int, len(layers))
	for _, l := range layers {
		final[l.ID] = l.LayerOrder
	}
	for id, pos := range order {
		if _, ok := final[id]; !ok {
			return nil, apperr.ErrValidation.Msgf("scene layer %d is not in scene %d", id, sceneID)
		}
		final[id] = pos
	}
	positions := make([]int, 0, len(final))
	for _, pos := range final {
		positions = append(positions, pos)
	}
	sort.Ints(positions)
	for i, pos := range positions {
		if pos != i+1 {
			return nil, apperr.ErrValidation.Msgf("layer order must be a permutation of 1..%d", len(positions))
		}
	}
	return final, nil
}

// ListLayers 列出场景图层，引用失效的图层以 tombstone 返回
func (s *SceneService) ListLayers(ctx context.Context, owner string, sceneID int64) ([]catalog.SceneLayerView, error) {
	if _, err := s.GetScene(ctx, owner, sceneID); err != nil {
		return nil, err
	}
	return s.repo.ListSceneLayers(ctx, sceneID)
}
