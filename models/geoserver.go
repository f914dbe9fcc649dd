// models/geoserver.go
package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StoreKindData     = "datastore"
	StoreKindCoverage = "coveragestore"
)

// 存储数据类型
const (
	StoreTypePostGIS   = "PostGIS"
	StoreTypeShapefile = "Shapefile"
	StoreTypeGeoTIFF   = "GeoTIFF"
)

// GeoServerWorkspace 工作空间，仅允许一个默认
type GeoServerWorkspace struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"size:128;uniqueIndex;not null" json:"name"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

func (GeoServerWorkspace) TableName() string { return "geoserver_workspaces" }

// GeoServerStore 数据存储或栅格存储
type GeoServerStore struct {
	ID               int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkspaceID      int64          `gorm:"uniqueIndex:idx_store_ws_name;not null" json:"workspace_id"`
	Name             string         `gorm:"size:255;uniqueIndex:idx_store_ws_name;not null" json:"name"`
	Kind             string         `gorm:"size:16;not null" json:"kind"`      // datastore/coveragestore
	DataType         string         `gorm:"size:32;not null" json:"data_type"` // PostGIS/Shapefile/GeoTIFF
	ConnectionParams datatypes.JSON `json:"connection_params"`
	FilePath         string         `gorm:"size:1024" json:"file_path"`
	FileID           *int64         `gorm:"index" json:"file_id"`
	Description      string         `gorm:"size:512" json:"description"`
	Enabled          bool           `json:"enabled"`
	CreatedAt        time.Time      `json:"created_at"`
}

func (GeoServerStore) TableName() string { return "geoserver_stores" }

// GeoServerFeatureType 矢量要素类型
type GeoServerFeatureType struct {
	ID               int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	StoreID          int64          `gorm:"uniqueIndex:idx_ft_store_name;not null" json:"store_id"`
	Name             string         `gorm:"size:255;uniqueIndex:idx_ft_store_name;not null" json:"name"`
	NativeName       string         `gorm:"size:255" json:"native_name"`
	Title            string         `gorm:"size:255" json:"title"`
	SRS              string         `gorm:"size:64" json:"srs"`
	NativeCRS        string         `gorm:"type:text" json:"native_crs"`
	ProjectionPolicy string         `gorm:"size:32" json:"projection_policy"`
	Attributes       datatypes.JSON `json:"attributes"`
	MinX             *float64       `json:"min_x"`
	MinY             *float64       `json:"min_y"`
	MaxX             *float64       `json:"max_x"`
	MaxY             *float64       `json:"max_y"`
	Enabled          bool           `json:"enabled"`
	CreatedAt        time.Time      `json:"created_at"`
}

func (GeoServerFeatureType) TableName() string { return "geoserver_featuretypes" }

// GeoServerCoverage 栅格覆盖
type GeoServerCoverage struct {
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	StoreID    int64          `gorm:"uniqueIndex:idx_cov_store_name;not null" json:"store_id"`
	Name       string         `gorm:"size:255;uniqueIndex:idx_cov_store_name;not null" json:"name"`
	NativeName string         `gorm:"size:255" json:"native_name"`
	Title      string         `gorm:"size:255" json:"title"`
	SRS        string         `gorm:"size:64" json:"srs"`
	NativeCRS  string         `gorm:"type:text" json:"native_crs"`
	Dimensions datatypes.JSON `json:"dimensions"`
	MinX       *float64       `json:"min_x"`
	MinY       *float64       `json:"min_y"`
	MaxX       *float64       `json:"max_x"`
	MaxY       *float64       `json:"max_y"`
	Enabled    bool           `json:"enabled"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (GeoServerCoverage) TableName() string { return "geoserver_coverages" }

// GeoServerLayer 发布图层，要素类型与栅格覆盖二选一
type GeoServerLayer struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkspaceID   int64     `gorm:"uniqueIndex:idx_layer_ws_name;not null" json:"workspace_id"`
	Name          string    `gorm:"size:255;uniqueIndex:idx_layer_ws_name;not null" json:"name"`
	FeatureTypeID *int64    `gorm:"column:featuretype_id;index;check:chk_layer_source,(featuretype_id IS NULL) <> (coverage_id IS NULL)" json:"featuretype_id"`
	CoverageID    *int64    `gorm:"column:coverage_id;index" json:"coverage_id"`
	FileID        *int64    `gorm:"index" json:"file_id"`
	LayerType     string    `gorm:"size:16" json:"layer_type"` // vector/raster
	DefaultStyle  string    `gorm:"size:255" json:"default_style"`
	Enabled       bool      `json:"enabled"`
	Queryable     bool      `json:"queryable"`
	WMSURL        string    `gorm:"column:wms_url;size:1024" json:"wms_url"`
	WFSURL        string    `gorm:"column:wfs_url;size:1024" json:"wfs_url"`
	WCSURL        string    `gorm:"column:wcs_url;size:1024" json:"wcs_url"`
	CreatedAt     time.Time `json:"created_at"`
}

func (GeoServerLayer) TableName() string { return "geoserver_layers" }

// GeoServerStyle 工作空间内的 SLD 样式
type GeoServerStyle struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkspaceID int64     `gorm:"uniqueIndex:idx_style_ws_name;not null" json:"workspace_id"`
	Name        string    `gorm:"size:255;uniqueIndex:idx_style_ws_name;not null" json:"name"`
	Format      string    `gorm:"size:16" json:"format"`
	Content     string    `gorm:"type:text" json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (GeoServerStyle) TableName() string { return "geoserver_styles" }
