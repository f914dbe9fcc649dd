package catalog

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/GrainArc/SouceGate/models"
	"gorm.io/datatypes"
)

type TileServiceSpec struct {
	FileID           int64
	VectorType       string
	OriginalFilename string
	Schema           string
	Table            string
	ServiceURL       string
	MVTURL           string
	TileJSONURL      string
	Style            json.RawMessage
	ImportSummary    any
	MinZoom          int
	MaxZoom          int
	Owner            string
}

// UpsertTileService 软删除 (file, vector_type) 的现有 active 记录并插入新的 active 记录
func (r *Repository) UpsertTileService(ctx context.Context, spec TileServiceSpec) (int64, error) {
	if strings.TrimSpace(spec.Table) == "" || spec.VectorType == "" {
		return 0, apperr.ErrValidation.Msg("table name and vector type are required")
	}
	summary, err := jsonColumn(spec.ImportSummary)
	if err != nil {
		return 0, err
	}
	svc := models.VectorMartinService{
		FileID:           spec.FileID,
		VectorType:       spec.VectorType,
		OriginalFilename: spec.OriginalFilename,
		SchemaName:       spec.Schema,
		Table:            spec.Table,
		ServiceURL:       spec.ServiceURL,
		MVTURL:           spec.MVTURL,
		TileJSONURL:      spec.TileJSONURL,
		ImportSummary:    summary,
		MinZoom:          spec.MinZoom,
		MaxZoom:          spec.MaxZoom,
		Status:           models.ServiceStatusActive,
		Owner:            spec.Owner,
	}
	if len(spec.Style) > 0 {
		svc.Style = datatypes.JSON(spec.Style)
	}
	err = r.Transaction(ctx, func(tx *Repository) error {
		if err := tx.conn(ctx).Model(&models.VectorMartinService{}).
			Where("file_id = ? AND vector_type = ? AND status = ?", spec.FileID, spec.VectorType, models.ServiceStatusActive).
			Update("status", models.ServiceStatusDeleted).Error; err != nil {
			return err
		}
		return tx.conn(ctx).Create(&svc).Error
	})
	if err != nil {
		return 0, dbErr(ctx, err, "failed to upsert tile service")
	}
	return svc.ID, nil
}

func (r *Repository) GetTileService(ctx context.Context, id int64) (*models.VectorMartinService, error) {
	var svc models.VectorMartinService
	if err := r.conn(ctx).First(&svc, id).Error; err != nil {
		return nil, dbErr(ctx, err, "tile service not found")
	}
	return &svc, nil
}

// ActiveTileService 返回 (file, vector_type) 当前生效的记录
func (r *Repository) ActiveTileService(ctx context.Context, fileID int64, vectorType string) (*models.VectorMartinService, error) {
	var svc models.VectorMartinService
	err := r.conn(ctx).Where("file_id = ? AND vector_type = ? AND status = ?", fileID, vectorType, models.ServiceStatusActive).
		Order("id DESC").First(&svc).Error
	if err != nil {
		return nil, dbErr(ctx, err, "no active tile service")
	}
	return &svc, nil
}

// LatestTileService 返回最近一条记录，不区分状态
func (r *Repository) LatestTileService(ctx context.Context, fileID int64, vectorType string) (*models.VectorMartinService, error) {
	var svc models.VectorMartinService
	err := r.conn(ctx).Where("file_id = ? AND vector_type = ?", fileID, vectorType).Order("id DESC").First(&svc).Error
	if err != nil {
		return nil, dbErr(ctx, err, "tile service not found")
	}
	return &svc, nil
}

func (r *Repository) ActiveTileServicesByFile(ctx context.Context, fileID int64) ([]models.VectorMartinService, error) {
	var list []models.VectorMartinService
	err := r.conn(ctx).Where("file_id = ? AND status = ?", fileID, models.ServiceStatusActive).Order("id").Find(&list).Error
	if err != nil {
		return nil, dbErr(ctx, err, "failed to list tile services")
	}
	return list, nil
}

func (r *Repository) ListActiveTileServices(ctx context.Context) ([]models.VectorMartinService, error) {
	var list []models.VectorMartinService
	if err := r.conn(ctx).Where("status = ?", models.ServiceStatusActive).Order("id").Find(&list).Error; err != nil {
		return nil, dbErr(ctx, err, "failed to list tile services")
	}
	return list, nil
}

func (r *Repository) SoftDeleteTileService(ctx context.Context, id int64) error {
	res := r.conn(ctx).Model(&models.VectorMartinService{}).Where("id = ?", id).Update("status", models.ServiceStatusDeleted)
	if res.Error != nil {
		return dbErr(ctx, res.Error, "failed to delete tile service")
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound.Msg("tile service not found")
	}
	return nil
}

// DeleteTileService 物理删除记录，用于发布回滚和清理历史
func (r *Repository) DeleteTileService(ctx context.Context, id int64) error {
	return dbErr(ctx, r.conn(ctx).Delete(&models.VectorMartinService{}, id).Error, "failed to delete tile service")
}
