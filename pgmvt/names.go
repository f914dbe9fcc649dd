package pgmvt

import (
	"strings"

	"github.com/google/uuid"
)

// 表名前缀需与切片服务自动发布规则一致
const (
	PrefixVector  = "vector_"
	PrefixGeoJSON = "geojson_"
	PrefixRaster  = "raster_"
)

// PrefixGeoServer GeoServer 专用表，不参与切片服务自动发布
const PrefixGeoServer = "gs_"

func hexID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// VectorTableName DXF/SHP 导入表名 vector_<8位十六进制>
func VectorTableName() string {
	return PrefixVector + hexID()[:8]
}

// GeoJSONTableName geojson_<32位十六进制>
func GeoJSONTableName() string {
	return PrefixGeoJSON + hexID()
}

// RasterSourceName mbtiles 源名 raster_<8位十六进制>
func RasterSourceName() string {
	return PrefixRaster + hexID()[:8]
}

// GeoServerTableName gs_<8位十六进制>，仅供 GeoServer PostGIS 存储使用
func GeoServerTableName() string {
	return PrefixGeoServer + hexID()[:8]
}
