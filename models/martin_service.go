// models/martin_service.go
package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	ServiceStatusActive  = "active"
	ServiceStatusDeleted = "deleted"
)

// 切片服务类型
const (
	VectorTypeShapefile = "shp"
	VectorTypeGeoJSON   = "geojson"
	VectorTypeDXF       = "dxf"
	VectorTypeMBTiles   = "raster.mbtiles"
)

// VectorMartinService 切片服务发布记录，每个 (file_id, vector_type) 至多一条 active
type VectorMartinService struct {
	ID               int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	FileID           int64          `gorm:"index:idx_martin_file_type;not null" json:"file_id"`
	VectorType       string         `gorm:"size:32;index:idx_martin_file_type;not null" json:"vector_type"`
	OriginalFilename string         `gorm:"size:255" json:"original_filename"`
	SchemaName       string         `gorm:"size:64" json:"schema_name"`
	Table            string         `gorm:"column:table_name;size:128;not null" json:"table_name"` // PostGIS 表名或 mbtiles 源名
	ServiceURL       string         `gorm:"size:1024" json:"service_url"`
	MVTURL           string         `gorm:"column:mvt_url;size:1024" json:"mvt_url"`
	TileJSONURL      string         `gorm:"column:tilejson_url;size:1024" json:"tilejson_url"`
	Style            datatypes.JSON `json:"style"`
	ImportSummary    datatypes.JSON `json:"import_summary"`
	MinZoom          int            `json:"min_zoom"`
	MaxZoom          int            `json:"max_zoom"`
	Status           string         `gorm:"size:16;index;not null" json:"status"`
	Owner            string         `gorm:"size:64" json:"owner"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (VectorMartinService) TableName() string {
	return "vector_martin_services"
}
