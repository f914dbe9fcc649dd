package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/GrainArc/SouceGate/models"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type StoreSpec struct {
	WorkspaceID int64
	Name        string
	Kind        string // models.StoreKindData / models.StoreKindCoverage
	DataType    string
	Params      map[string]string
	FilePath    string
	FileID      *int64
	Description string
}

type BBox struct {
	MinX, MinY, MaxX, MaxY float64
}

type FeatureTypeSpec struct {
	Name             string
	NativeName       string
	Title            string
	SRS              string
	NativeCRS        string
	ProjectionPolicy string
	Attributes       any
	BBox             *BBox
}

type CoverageSpec struct {
	Name       string
	NativeName string
	Title      string
	SRS        string
	NativeCRS  string
	Dimensions any
	BBox       *BBox
}

type LayerSpec struct {
	WorkspaceID   int64
	Name          string
	FeatureTypeID *int64
	CoverageID    *int64
	FileID        *int64
	DefaultStyle  string
	Queryable     bool
	WMSURL        string
	WFSURL        string
	WCSURL        string
}

func jsonColumn(v any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.ErrValidation.Msg("value is not json serializable").Err(err)
	}
	return datatypes.JSON(b), nil
}

// UpsertStore 创建存储；同名存储已存在时先级联删除其子对象再重建
func (r *Repository) UpsertStore(ctx context.Context, spec StoreSpec) (int64, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return 0, apperr.ErrValidation.Msg("store name is required")
	}
	if spec.Kind != models.StoreKindData && spec.Kind != models.StoreKindCoverage {
		return 0, apperr.ErrValidation.Msgf("unknown store kind %q", spec.Kind)
	}
	params, err := jsonColumn(spec.Params)
	if err != nil {
		return 0, err
	}

	var id int64
	err = r.Transaction(ctx, func(tx *Repository) error {
		var existing models.GeoServerStore
		err := tx.conn(ctx).Where("workspace_id = ? AND name = ?", spec.WorkspaceID, spec.Name).First(&existing).Error
		switch {
		case err == nil:
			log.Ctx(ctx).Info().Str("store", spec.Name).Int64("store_id", existing.ID).Msg("replacing existing store")
			if err := tx.deleteStoreTree(ctx, existing.ID); err != nil {
				return err
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		store := models.GeoServerStore{
			WorkspaceID:      spec.WorkspaceID,
			Name:             spec.Name,
			Kind:             spec.Kind,
			DataType:         spec.DataType,
			ConnectionParams: params,
			FilePath:         spec.FilePath,
			FileID:           spec.FileID,
			Description:      spec.Description,
			Enabled:          true,
		}
		if err := tx.conn(ctx).Create(&store).Error; err != nil {
			return err
		}
		id = store.ID
		return nil
	})
	if err != nil {
		return 0, dbErr(ctx, err, "failed to upsert store")
	}
	return id, nil
}

func (r *Repository) GetStoreByID(ctx context.Context, id int64) (*models.GeoServerStore, error) {
	var s models.GeoServerStore
	if err := r.conn(ctx).First(&s, id).Error; err != nil {
		return nil, dbErr(ctx, err, "store not found")
	}
	return &s, nil
}

func (r *Repository) GetStore(ctx context.Context, workspaceID int64, name string) (*models.GeoServerStore, error) {
	var s models.GeoServerStore
	if err := r.conn(ctx).Where("workspace_id = ? AND name = ?", workspaceID, name).First(&s).Error; err != nil {
		return nil, dbErr(ctx, err, "store not found")
	}
	return &s, nil
}

func (r *Repository) StoresByFile(ctx context.Context, fileID int64) ([]models.GeoServerStore, error) {
	var stores []models.GeoServerStore
	if err := r.conn(ctx).Where("file_id = ?", fileID).Order("id").Find(&stores).Error; err != nil {
		return nil, dbErr(ctx, err, "failed to list stores")
	}
	return stores, nil
}

// DeleteStore 删除存储及其下的要素类型、覆盖和图层
func (r *Repository) DeleteStore(ctx context.Context, id int64) error {
	return dbErr(ctx, r.Transaction(ctx, func(tx *Repository) error {
		return tx.deleteStoreTree(ctx, id)
	}), "failed to delete store")
}

// deleteStoreTree 后序删除：图层 -> 要素类型/覆盖 -> 存储
func (r *Repository) deleteStoreTree(ctx context.Context, storeID int64) error {
	db := r.conn(ctx)
	var ftIDs, covIDs []int64
	if err := db.Model(&models.GeoServerFeatureType{}).Where("store_id = ?", storeID).Pluck("id", &ftIDs).Error; err != nil {
		return err
	}
	if err := db.Model(&models.GeoServerCoverage{}).Where("store_id = ?", storeID).Pluck("id", &covIDs).Error; err != nil {
		return err
	}
	if len(ftIDs) > 0 {
		if err := db.Where("featuretype_id IN ?", ftIDs).Delete(&models.GeoServerLayer{}).Error; err != nil {
			return err
		}
		if err := db.Where("id IN ?", ftIDs).Delete(&models.GeoServerFeatureType{}).Error; err != nil {
			return err
		}
	}
	if len(covIDs) > 0 {
		if err := db.Where("coverage_id IN ?", covIDs).Delete(&models.GeoServerLayer{}).Error; err != nil {
			return err
		}
		if err := db.Where("id IN ?", covIDs).Delete(&models.GeoServerCoverage{}).Error; err != nil {
			return err
		}
	}
	return db.Delete(&models.GeoServerStore{}, storeID).Error
}

// InsertFeatureType 插入要素类型，(store, name) 已存在时返回已有ID
func (r *Repository) InsertFeatureType(ctx context.Context, storeID int64, spec FeatureTypeSpec) (int64, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return 0, apperr.ErrValidation.Msg("feature type name is required")
	}
	attrs, err := jsonColumn(spec.Attributes)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.Transaction(ctx, func(tx *Repository) error {
		if _, err := tx.GetStoreByID(ctx, storeID); err != nil {
			return err
		}
		var existing models.GeoServerFeatureType
		err := tx.conn(ctx).Where("store_id = ? AND name = ?", storeID, spec.Name).First(&existing).Error
		if err == nil {
			id = existing.ID
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		ft := models.GeoServerFeatureType{
			StoreID:          storeID,
			Name:             spec.Name,
			NativeName:       spec.NativeName,
			Title:            spec.Title,
			SRS:              spec.SRS,
			NativeCRS:        spec.NativeCRS,
			ProjectionPolicy: spec.ProjectionPolicy,
			Attributes:       attrs,
			Enabled:          true,
		}
		if b := spec.BBox; b != nil {
			ft.MinX, ft.MinY, ft.MaxX, ft.MaxY = &b.MinX, &b.MinY, &b.MaxX, &b.MaxY
		}
		if err := tx.conn(ctx).Create(&ft).Error; err != nil {
			return err
		}
		id = ft.ID
		return nil
	})
	if err != nil {
		return 0, dbErr(ctx, err, "failed to insert feature type")
	}
	return id, nil
}

// InsertCoverage 插入栅格覆盖，(store, name) 已存在时返回已有ID
func (r *Repository) InsertCoverage(ctx context.Context, storeID int64, spec CoverageSpec) (int64, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return 0, apperr.ErrValidation.Msg("coverage name is required")
	}
	dims, err := jsonColumn(spec.Dimensions)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.Transaction(ctx, func(tx *Repository) error {
		if _, err := tx.GetStoreByID(ctx, storeID); err != nil {
			return err
		}
		var existing models.GeoServerCoverage
		err := tx.conn(ctx).Where("store_id = ? AND name = ?", storeID, spec.Name).First(&existing).Error
		if err == nil {
			id = existing.ID
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		cov := models.GeoServerCoverage{
			StoreID:    storeID,
			Name:       spec.Name,
			NativeName: spec.NativeName,
			Title:      spec.Title,
			SRS:        spec.SRS,
			NativeCRS:  spec.NativeCRS,
			Dimensions: dims,
			Enabled:    true,
		}
		if b := spec.BBox; b != nil {
			cov.MinX, cov.MinY, cov.MaxX, cov.MaxY = &b.MinX, &b.MinY, &b.MaxX, &b.MaxY
		}
		if err := tx.conn(ctx).Create(&cov).Error; err != nil {
			return err
		}
		id = cov.ID
		return nil
	})
	if err != nil {
		return 0, dbErr(ctx, err, "failed to insert coverage")
	}
	return id, nil
}

// InsertLayer 插入图层，同一工作空间下同名图层会被替换
func (r *Repository) InsertLayer(ctx context.Context, spec LayerSpec) (int64, error) {
	if (spec.FeatureTypeID == nil) == (spec.CoverageID == nil) {
		return 0, apperr.ErrValidation.Msg("layer must reference exactly one of feature type or coverage")
	}
	if strings.TrimSpace(spec.Name) == "" {
		return 0, apperr.ErrValidation.Msg("layer name is required")
	}
	layerType := "vector"
	if spec.CoverageID != nil {
		layerType = "raster"
	}
	var id int64
	err := r.Transaction(ctx, func(tx *Repository) error {
		if err := tx.conn(ctx).Where("workspace_id = ? AND name = ?", spec.WorkspaceID, spec.Name).
			Delete(&models.GeoServerLayer{}).Error; err != nil {
			return err
		}
		layer := models.GeoServerLayer{
			WorkspaceID:   spec.WorkspaceID,
			Name:          spec.Name,
			FeatureTypeID: spec.FeatureTypeID,
			CoverageID:    spec.CoverageID,
			FileID:        spec.FileID,
			LayerType:     layerType,
			DefaultStyle:  spec.DefaultStyle,
			Enabled:       true,
			Queryable:     spec.Queryable,
			WMSURL:        spec.WMSURL,
			WFSURL:        spec.WFSURL,
			WCSURL:        spec.WCSURL,
		}
		if err := tx.conn(ctx).Create(&layer).Error; err != nil {
			return err
		}
		id = layer.ID
		return nil
	})
	if err != nil {
		return 0, dbErr(ctx, err, "failed to insert layer")
	}
	return id, nil
}

func (r *Repository) GetLayer(ctx context.Context, id int64) (*models.GeoServerLayer, error) {
	var l models.GeoServerLayer
	if err := r.conn(ctx).First(&l, id).Error; err != nil {
		return nil, dbErr(ctx, err, "layer not found")
	}
	return &l, nil
}

func (r *Repository) LayersByFile(ctx context.Context, fileID int64) ([]models.GeoServerLayer, error) {
	var layers []models.GeoServerLayer
	if err := r.conn(ctx).Where("file_id = ?", fileID).Order("id").Find(&layers).Error; err != nil {
		return nil, dbErr(ctx, err, "failed to list layers")
	}
	return layers, nil
}

// LayerStore 返回图层所在的存储
func (r *Repository) LayerStore(ctx context.Context, layer *models.GeoServerLayer) (*models.GeoServerStore, error) {
	var storeID int64
	switch {
	case layer.FeatureTypeID != nil:
		var ft models.GeoServerFeatureType
		if err := r.conn(ctx).First(&ft, *layer.FeatureTypeID).Error; err != nil {
			return nil, dbErr(ctx, err, "feature type not found")
		}
		storeID = ft.StoreID
	case layer.CoverageID != nil:
		var cov models.GeoServerCoverage
		if err := r.conn(ctx).First(&cov, *layer.CoverageID).Error; err != nil {
			return nil, dbErr(ctx, err, "coverage not found")
		}
		storeID = cov.StoreID
	default:
		return nil, apperr.ErrDataInvalid.Msg("layer has no source")
	}
	return r.GetStoreByID(ctx, storeID)
}

// DeleteLayerCascade 删除图层；要素类型或覆盖不再被引用时一并删除，
// 存储下不再有任何对象时删除存储。返回被删除的存储（未删除时为 nil）。
func (r *Repository) DeleteLayerCascade(ctx context.Context, layerID int64) (*models.GeoServerStore, error) {
	var removed *models.GeoServerStore
	err := r.Transaction(ctx, func(tx *Repository) error {
		layer, err := tx.GetLayer(ctx, layerID)
		if err != nil {
			return err
		}
		store, err := tx.LayerStore(ctx, layer)
		if err != nil {
			return err
		}
		db := tx.conn(ctx)
		if err := db.Delete(&models.GeoServerLayer{}, layer.ID).Error; err != nil {
			return err
		}

		var refs int64
		if layer.FeatureTypeID != nil {
			if err := db.Model(&models.GeoServerLayer{}).Where("featuretype_id = ?", *layer.FeatureTypeID).Count(&refs).Error; err != nil {
				return err
			}
			if refs == 0 {
				if err := db.Delete(&models.GeoServerFeatureType{}, *layer.FeatureTypeID).Error; err != nil {
					return err
				}
			}
		} else {
			if err := db.Model(&models.GeoServerLayer{}).Where("coverage_id = ?", *layer.CoverageID).Count(&refs).Error; err != nil {
				return err
			}
			if refs == 0 {
				if err := db.Delete(&models.GeoServerCoverage{}, *layer.CoverageID).Error; err != nil {
					return err
				}
			}
		}

		var fts, covs int64
		if err := db.Model(&models.GeoServerFeatureType{}).Where("store_id = ?", store.ID).Count(&fts).Error; err != nil {
			return err
		}
		if err := db.Model(&models.GeoServerCoverage{}).Where("store_id = ?", store.ID).Count(&covs).Error; err != nil {
			return err
		}
		if fts+covs == 0 {
			if err := db.Delete(&models.GeoServerStore{}, store.ID).Error; err != nil {
				return err
			}
			removed = store
		}
		return nil
	})
	if err != nil {
		return nil, dbErr(ctx, err, "failed to delete layer")
	}
	return removed, nil
}

// UpsertStyle 新建或覆盖工作空间内的样式
func (r *Repository) UpsertStyle(ctx context.Context, workspaceID int64, name, content string) (int64, error) {
	var style models.GeoServerStyle
	err := r.Transaction(ctx, func(tx *Repository) error {
		err := tx.conn(ctx).Where("workspace_id = ? AND name = ?", workspaceID, name).First(&style).Error
		if err == nil {
			return tx.conn(ctx).Model(&style).Update("content", content).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		style = models.GeoServerStyle{WorkspaceID: workspaceID, Name: name, Format: "sld", Content: content}
		return tx.conn(ctx).Create(&style).Error
	})
	if err != nil {
		return 0, dbErr(ctx, err, "failed to upsert style")
	}
	return style.ID, nil
}

func (r *Repository) GetStyle(ctx context.Context, workspaceID int64, name string) (*models.GeoServerStyle, error) {
	var style models.GeoServerStyle
	if err := r.conn(ctx).Where("workspace_id = ? AND name = ?", workspaceID, name).First(&style).Error; err != nil {
		return nil, dbErr(ctx, err, "style not found")
	}
	return &style, nil
}

func (r *Repository) GetFeatureType(ctx context.Context, id int64) (*models.GeoServerFeatureType, error) {
	var ft models.GeoServerFeatureType
	if err := r.conn(ctx).First(&ft, id).Error; err != nil {
		return nil, dbErr(ctx, err, "feature type not found")
	}
	return &ft, nil
}

// FeatureTypeTables 返回 PostGIS 存储下要素类型引用的原生表名
func (r *Repository) FeatureTypeTables(ctx context.Context) ([]string, error) {
	var names []string
	err := r.conn(ctx).Model(&models.GeoServerFeatureType{}).
		Joins("JOIN geoserver_stores ON geoserver_stores.id = geoserver_featuretypes.store_id").
		Where("geoserver_stores.data_type = ?", models.StoreTypePostGIS).
		Distinct().Pluck("geoserver_featuretypes.native_name", &names).Error
	if err != nil {
		return nil, dbErr(ctx, err, "failed to list feature type tables")
	}
	return names, nil
}

// TableInUse 表仍被 active 切片服务（exceptServiceID 除外）或 PostGIS 要素类型引用
func (r *Repository) TableInUse(ctx context.Context, table string, exceptServiceID int64) (bool, error) {
	var services int64
	err := r.conn(ctx).Model(&models.VectorMartinService{}).
		Where("table_name = ? AND status = ? AND id <> ?", table, models.ServiceStatusActive, exceptServiceID).
		Count(&services).Error
	if err != nil {
		return false, dbErr(ctx, err, "failed to check table references")
	}
	if services > 0 {
		return true, nil
	}
	var featureTypes int64
	err = r.conn(ctx).Model(&models.GeoServerFeatureType{}).
		Joins("JOIN geoserver_stores ON geoserver_stores.id = geoserver_featuretypes.store_id").
		Where("geoserver_stores.data_type = ? AND geoserver_featuretypes.native_name = ?", models.StoreTypePostGIS, table).
		Count(&featureTypes).Error
	if err != nil {
		return false, dbErr(ctx, err, "failed to check table references")
	}
	return featureTypes > 0, nil
}

func (r *Repository) SetLayerDefaultStyle(ctx context.Context, layerID int64, style string) error {
	res := r.conn(ctx).Model(&models.GeoServerLayer{}).Where("id = ?", layerID).Update("default_style", style)
	if res.Error != nil {
		return dbErr(ctx, res.Error, "failed to update layer style")
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound.Msg("layer not found")
	}
	return nil
}
