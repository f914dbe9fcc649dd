// models/file.go
package models

import "time"

const (
	FileStatusUploaded  = "uploaded"
	FileStatusPublished = "published"
	FileStatusFailed    = "failed"
)

// 文件格式
const (
	FormatShapefile = "shp"
	FormatGeoJSON   = "geojson"
	FormatDXF       = "dxf"
	FormatGeoTIFF   = "tif"
)

// File 上传文件登记表
type File struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	FileName     string    `gorm:"size:255;not null" json:"file_name"` // 原始文件名
	Path         string    `gorm:"size:1024;not null" json:"path"`     // 存储路径
	Format       string    `gorm:"size:16;not null" json:"format"`     // shp/geojson/dxf/tif
	Size         int64     `json:"size"`
	DeclaredSRID *int      `json:"declared_srid"` // 上传时声明的坐标系，可空
	Owner        string    `gorm:"size:64;index" json:"owner"`
	Status       string    `gorm:"size:16;not null" json:"status"`
	ErrorMsg     string    `gorm:"size:1024" json:"error_msg"`
	UploadedAt   time.Time `gorm:"autoCreateTime" json:"uploaded_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (File) TableName() string {
	return "files"
}
