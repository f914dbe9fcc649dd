// service/file_service.go
package services

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/GrainArc/SouceGate/catalog"
	"github.com/GrainArc/SouceGate/methods"
	"github.com/GrainArc/SouceGate/models"
	"github.com/mholt/archiver/v3"
	"github.com/rs/zerolog/log"
)

type FileNode struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"` // 绝对路径
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size"`
	Ext     string    `json:"ext"`    // 文件扩展名
	Format  string    `json:"format"` // 可登记时的格式，否则为空
	ModTime time.Time `json:"modTime"`
}

// FileService 上传文件登记，只接受上传根目录下的文件
type FileService struct {
	repo     *catalog.Repository
	RootPath string
}

func NewFileService(repo *catalog.Repository, rootPath string) *FileService {
	absRoot, _ := filepath.Abs(rootPath)
	return &FileService{repo: repo, RootPath: absRoot}
}

// RegisterInput Path 可以是绝对路径，也可以是相对上传根目录的路径
type RegisterInput struct {
	Path         string `json:"path" binding:"required"`
	FileName     string `json:"file_name"`
	DeclaredSRID *int   `json:"declared_srid"`
}

// DetectFormat 按扩展名识别格式
func DetectFormat(name string) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".zip", ".rar":
		return models.FormatShapefile, nil
	case ".geojson", ".json":
		return models.FormatGeoJSON, nil
	case ".dxf":
		return models.FormatDXF, nil
	case ".tif", ".tiff":
		return models.FormatGeoTIFF, nil
	}
	return "", apperr.ErrValidation.Msgf("unsupported file type %q", filepath.Ext(name))
}

// Register 登记上传文件，状态为 uploaded
func (s *FileService) Register(ctx context.Context, owner string, in RegisterInput) (*models.File, error) {
	path := in.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.RootPath, path)
	}
	if !s.isPathSafe(path) {
		return nil, apperr.ErrValidation.Msg("path is outside the upload root")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.ErrNotFound.Msgf("file %s not found", filepath.Base(path))
		}
		return nil, apperr.ErrInternal.Msg("stat upload").Err(err)
	}
	if info.IsDir() {
		return nil, apperr.ErrValidation.Msg("path is a directory")
	}
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	if format == models.FormatShapefile {
		if err := checkShapefileBundle(path); err != nil {
			return nil, err
		}
	}
	if in.DeclaredSRID != nil && *in.DeclaredSRID <= 0 {
		return nil, apperr.ErrValidation.Msgf("invalid srid %d", *in.DeclaredSRID)
	}
	name := in.FileName
	if name == "" {
		name = filepath.Base(path)
	}
	f := &models.File{
		FileName:     name,
		Path:         path,
		Format:       format,
		Size:         info.Size(),
		DeclaredSRID: in.DeclaredSRID,
		Owner:        owner,
		Status:       models.FileStatusUploaded,
	}
	if err := s.repo.CreateFile(ctx, f); err != nil {
		return nil, err
	}
	log.Ctx(ctx).Info().Int64("file_id", f.ID).Str("format", format).Str("path", path).Msg("file registered")
	return f, nil
}

// checkShapefileBundle 压缩包内必须有 .shp
func checkShapefileBundle(path string) error {
	found := false
	if strings.ToLower(filepath.Ext(path)) == ".zip" {
		r, err := zip.OpenReader(path)
		if err != nil {
			return apperr.ErrDataInvalid.Msg("cannot open zip archive").Err(err)
		}
		defer r.Close()
		for _, zf := range r.File {
			if strings.EqualFold(filepath.Ext(methods.ZipEntryName(zf)), ".shp") {
				found = true
				break
			}
		}
	} else {
		err := archiver.Walk(path, func(f archiver.File) error {
			if strings.EqualFold(filepath.Ext(f.Name()), ".shp") {
				found = true
				return archiver.ErrStopWalk
			}
			return nil
		})
		if err != nil {
			return apperr.ErrDataInvalid.Msg("cannot read rar archive").Err(err)
		}
	}
	if !found {
		return apperr.ErrValidation.Msg("archive contains no .shp file")
	}
	return nil
}

func (s *FileService) Get(ctx context.Context, id int64) (*models.File, error) {
	return s.repo.GetFile(ctx, id)
}

// SetStatus 手动切换生命周期状态
func (s *FileService) SetStatus(ctx context.Context, id int64, status string) error {
	switch status {
	case models.FileStatusUploaded, models.FileStatusPublished, models.FileStatusFailed:
	default:
		return apperr.ErrValidation.Msgf("unknown file status %q", status)
	}
	if _, err := s.repo.GetFile(ctx, id); err != nil {
		return err
	}
	return s.repo.SetFileStatus(ctx, id, status, "")
}

// GetDirectoryContent 列出上传目录下的直接子项（非递归）
func (s *FileService) GetDirectoryContent(requestPath string) ([]FileNode, error) {
	targetPath := s.RootPath
	if requestPath != "" {
		targetPath = requestPath
		if !filepath.IsAbs(targetPath) {
			targetPath = filepath.Join(s.RootPath, targetPath)
		}
	}
	if !s.isPathSafe(targetPath) {
		return nil, apperr.ErrValidation.Msg("path is outside the upload root")
	}
	info, err := os.Stat(targetPath)
	if err != nil {
		return nil, apperr.ErrNotFound.Msgf("directory %s not found", filepath.Base(targetPath))
	}
	if !info.IsDir() {
		return nil, apperr.ErrValidation.Msg("path is not a directory")
	}

	entries, err := os.ReadDir(targetPath)
	if err != nil {
		return nil, apperr.ErrInternal.Msg("read directory").Err(err)
	}
	nodes := make([]FileNode, 0, len(entries))
	for _, entry := range entries {
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		node := FileNode{
			Name:    entry.Name(),
			Path:    filepath.Join(targetPath, entry.Name()),
			IsDir:   entry.IsDir(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		}
		if !entry.IsDir() {
			node.Ext = strings.TrimPrefix(strings.ToLower(filepath.Ext(entry.Name())), ".")
			node.Format, _ = DetectFormat(entry.Name())
		}
		nodes = append(nodes, node)
	}
	// 目录在前
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].IsDir && !nodes[j].IsDir })
	return nodes, nil
}

// isPathSafe 检查路径是否在根目录下（防止目录遍历）
func (s *FileService) isPathSafe(path string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(s.RootPath, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)) && !filepath.IsAbs(rel)
}
