// Package catalog 持久化发布目录：上传文件、GeoServer 对象镜像、切片服务记录与场景。
//
// 所有写操作都可以放在调用方的事务里执行：Transaction 返回绑定事务的 Repository，
// 嵌套调用使用保存点。
package catalog

import (
	"context"
	"errors"
	"strings"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/GrainArc/SouceGate/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *gorm.DB {
	return r.db
}

// Transaction 在单个事务中执行 fn，fn 返回错误时整体回滚
func (r *Repository) Transaction(ctx context.Context, fn func(tx *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&Repository{db: db})
	})
}

func (r *Repository) conn(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

func dbErr(ctx context.Context, err error, msg string) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.ErrNotFound.Msg(msg)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.ErrTimeout.Msg(msg).Err(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		log.Ctx(ctx).Warn().Err(err).Str("constraint", pgErr.ConstraintName).Msg(msg)
		return apperr.ErrConstraint.Msg(msg).Err(err)
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "CHECK constraint failed") {
		return apperr.ErrConstraint.Msg(msg).Err(err)
	}
	log.Ctx(ctx).Error().Err(err).Msg(msg)
	return apperr.ErrInternal.Msg(msg).Err(err)
}

// CreateFile 登记上传文件
func (r *Repository) CreateFile(ctx context.Context, f *models.File) error {
	if f.Status == "" {
		f.Status = models.FileStatusUploaded
	}
	return dbErr(ctx, r.conn(ctx).Create(f).Error, "failed to register file")
}

func (r *Repository) GetFile(ctx context.Context, id int64) (*models.File, error) {
	var f models.File
	if err := r.conn(ctx).First(&f, id).Error; err != nil {
		return nil, dbErr(ctx, err, "file not found")
	}
	return &f, nil
}

func (r *Repository) SetFileStatus(ctx context.Context, id int64, status, errMsg string) error {
	res := r.conn(ctx).Model(&models.File{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "error_msg": errMsg})
	if res.Error != nil {
		return dbErr(ctx, res.Error, "failed to update file status")
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound.Msg("file not found")
	}
	return nil
}

// EnsureWorkspace 查找或创建工作空间记录，首个工作空间自动成为默认
func (r *Repository) EnsureWorkspace(ctx context.Context, name string) (*models.GeoServerWorkspace, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperr.ErrValidation.Msg("workspace name is required")
	}
	var ws models.GeoServerWorkspace
	err := r.Transaction(ctx, func(tx *Repository) error {
		err := tx.conn(ctx).Where("name = ?", name).First(&ws).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		var defaults int64
		if err := tx.conn(ctx).Model(&models.GeoServerWorkspace{}).Where("is_default = ?", true).Count(&defaults).Error; err != nil {
			return err
		}
		ws = models.GeoServerWorkspace{Name: name, IsDefault: defaults == 0}
		return tx.conn(ctx).Create(&ws).Error
	})
	if err != nil {
		return nil, dbErr(ctx, err, "failed to ensure workspace")
	}
	return &ws, nil
}

func (r *Repository) GetWorkspace(ctx context.Context, name string) (*models.GeoServerWorkspace, error) {
	var ws models.GeoServerWorkspace
	if err := r.conn(ctx).Where("name = ?", name).First(&ws).Error; err != nil {
		return nil, dbErr(ctx, err, "workspace not found")
	}
	return &ws, nil
}

func (r *Repository) GetWorkspaceByID(ctx context.Context, id int64) (*models.GeoServerWorkspace, error) {
	var ws models.GeoServerWorkspace
	if err := r.conn(ctx).First(&ws, id).Error; err != nil {
		return nil, dbErr(ctx, err, "workspace not found")
	}
	return &ws, nil
}

// SetDefaultWorkspace 将指定工作空间设为唯一默认
func (r *Repository) SetDefaultWorkspace(ctx context.Context, name string) error {
	ws, err := r.EnsureWorkspace(ctx, name)
	if err != nil {
		return err
	}
	return dbErr(ctx, r.Transaction(ctx, func(tx *Repository) error {
		if err := tx.conn(ctx).Model(&models.GeoServerWorkspace{}).Where("id <> ?", ws.ID).
			Update("is_default", false).Error; err != nil {
			return err
		}
		return tx.conn(ctx).Model(ws).Update("is_default", true).Error
	}), "failed to set default workspace")
}

func (r *Repository) DefaultWorkspace(ctx context.Context) (*models.GeoServerWorkspace, error) {
	var ws models.GeoServerWorkspace
	if err := r.conn(ctx).Where("is_default = ?", true).First(&ws).Error; err != nil {
		return nil, dbErr(ctx, err, "no default workspace")
	}
	return &ws, nil
}
