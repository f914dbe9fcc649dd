package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/GrainArc/SouceGate/config"
	"github.com/GrainArc/SouceGate/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const gdalInfo4326 = `{
  "size": [2000, 1000],
  "coordinateSystem": {"wkt": "GEOGCRS[\"WGS 84\",DATUM[\"World Geodetic System 1984\"],ID[\"EPSG\",4326]]"},
  "geoTransform": [116.0, 0.0001, 0.0, 40.0, 0.0, -0.0001],
  "bands": [{"band": 1, "type": "Byte"}, {"band": 2, "type": "Byte"}, {"band": 3, "type": "Byte"}]
}`

const gdalInfo3857 = `{
  "size": [1200, 800],
  "coordinateSystem": {"wkt": "PROJCS[\"WGS 84 / Pseudo-Mercator\",GEOGCS[\"WGS 84\",AUTHORITY[\"EPSG\",\"4326\"]],AUTHORITY[\"EPSG\",\"3857\"]]"},
  "geoTransform": [12913060.0, 10.0, 0.0, 4865942.0, 0.0, -10.0],
  "bands": [{"band": 1, "type": "UInt16"}]
}`

func writeTiles(t *testing.T, dir string, paths ...string) {
	t.Helper()
	for _, p := range paths {
		full := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("png:"+p), 0o644))
	}
}

func openMBTiles(t *testing.T, path string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestParseGDALInfo(t *testing.T) {
	info, err := parseGDALInfo([]byte(gdalInfo4326))
	require.NoError(t, err)
	assert.Equal(t, 2000, info.Width)
	assert.Equal(t, 3, info.BandCount)
	assert.Equal(t, "Byte", info.DataType)
	assert.Equal(t, 4326, info.EPSG)
	assert.False(t, info.IsWebMercator())

	info, err = parseGDALInfo([]byte(gdalInfo3857))
	require.NoError(t, err)
	assert.Equal(t, 3857, info.EPSG, "the outermost authority wins")
	assert.True(t, info.IsWebMercator())
	assert.Equal(t, 10.0, info.PixelSize)
	require.Len(t, info.LonLatBounds, 4)
	assert.InDelta(t, 116.0, info.LonLatBounds[0], 1e-4)
	assert.InDelta(t, 39.9449, info.LonLatBounds[1], 1e-4)
	assert.InDelta(t, 116.1078, info.LonLatBounds[2], 1e-4)
	assert.InDelta(t, 40.0, info.LonLatBounds[3], 1e-4)

	_, err = parseGDALInfo([]byte(`{"size":[10,10],"bands":[{"band":1,"type":"Byte"}]}`))
	assert.ErrorIs(t, err, apperr.ErrDataInvalid)
	_, err = parseGDALInfo([]byte(`{"size":[10,10],"coordinateSystem":{"wkt":"LOCAL_CS[]"},"geoTransform":[0,1,0,0,0,1]}`))
	assert.ErrorIs(t, err, apperr.ErrDataInvalid)
	_, err = parseGDALInfo([]byte(`not json`))
	assert.ErrorIs(t, err, apperr.ErrDataInvalid)
}

func TestMaxZoomFor(t *testing.T) {
	const mb = int64(1 << 20)
	assert.Equal(t, 18, MaxZoomFor(0.1, 10*mb))
	assert.Equal(t, 16, MaxZoomFor(0.1, 100*mb))
	assert.Equal(t, 14, MaxZoomFor(0.1, 500*mb))
	assert.Equal(t, 12, MaxZoomFor(0.1, 2048*mb))
	// 10 m 像元对应 14 级
	assert.Equal(t, 14, MaxZoomFor(10, 10*mb))
	assert.Equal(t, 18, MaxZoomFor(0, 10*mb))
}

func TestPackageMBTilesUsesTMSRows(t *testing.T) {
	dir := t.TempDir()
	tiles := filepath.Join(dir, "tiles")
	writeTiles(t, tiles, "0/0/0.png", "1/0/0.png", "1/1/1.png", "2/3/0.png", "1/1/bad.png", "openlayers.html")

	s := NewRasterService(config.RasterConfig{}, dir, dir)
	s.tileBatch = 2
	out := filepath.Join(dir, "raster_test.mbtiles")
	res, err := s.PackageMBTiles(context.Background(), tiles, out, "raster_test")
	require.NoError(t, err)
	assert.Equal(t, 4, res.TileCount)
	assert.Equal(t, 0, res.MinZoom)
	assert.Equal(t, 2, res.MaxZoom)
	require.Len(t, res.Bounds, 4)
	assert.InDelta(t, -180, res.Bounds[0], 1e-6)
	require.Len(t, res.MercatorBounds, 4)
	assert.InDelta(t, -20037508.34, res.MercatorBounds[0], 0.01)
	assert.InDelta(t, 20037508.34, res.MercatorBounds[2], 0.01)

	db := openMBTiles(t, out)
	var got []models.Tile
	require.NoError(t, db.Order("zoom_level, tile_column, tile_row").Find(&got).Error)
	require.Len(t, got, 4)
	rows := map[string]int64{}
	for _, tile := range got {
		rows[fmt.Sprintf("%d/%d", tile.ZoomLevel, tile.TileColumn)] = tile.TileRow
	}
	assert.Equal(t, map[string]int64{"0/0": 0, "1/0": 1, "1/1": 0, "2/3": 3}, rows)

	var meta []models.Metadata
	require.NoError(t, db.Find(&meta).Error)
	values := map[string]string{}
	for _, m := range meta {
		values[m.Name] = m.Value
	}
	assert.Equal(t, "png", values["format"])
	assert.Equal(t, "overlay", values["type"])
	assert.Equal(t, "0", values["minzoom"])
	assert.Equal(t, "2", values["maxzoom"])
	assert.Equal(t, "raster_test", values["name"])
	assert.NotEmpty(t, values["bounds"])
}

func TestPackageMBTilesRejectsEmptyPyramid(t *testing.T) {
	dir := t.TempDir()
	s := NewRasterService(config.RasterConfig{}, dir, dir)
	_, err := s.PackageMBTiles(context.Background(), dir, filepath.Join(dir, "empty.mbtiles"), "empty")
	assert.ErrorIs(t, err, apperr.ErrDataInvalid)
}

func TestImportGeoTIFFReprojectsAndTiles(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "dem.tif")
	require.NoError(t, os.WriteFile(src, []byte("II*\x00"), 0o644))

	s := NewRasterService(config.RasterConfig{Processes: 4}, filepath.Join(dir, "mbtiles"), filepath.Join(dir, "tmp"))
	var calls []string
	var tmpDir string
	s.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, name)
		switch name {
		case "gdalinfo":
			if filepath.Base(args[len(args)-1]) == "warped.tif" {
				return []byte(gdalInfo3857), nil
			}
			return []byte(gdalInfo4326), nil
		case "gdalwarp":
			assert.Contains(t, args, "EPSG:3857")
			assert.Contains(t, args, "COMPRESS=LZW")
			assert.Contains(t, args, "TILED=YES")
		case "gdal2tiles":
			assert.Contains(t, args, "--xyz")
			assert.Contains(t, args, "0-14")
			assert.Contains(t, args, "--processes=4")
			out := args[len(args)-1]
			tmpDir = filepath.Dir(out)
			writeTiles(t, out, "0/0/0.png", "1/1/0.png")
		}
		return nil, nil
	}

	res, err := s.ImportGeoTIFF(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, []string{"gdalinfo", "gdalwarp", "gdalinfo", "gdal2tiles"}, calls)
	assert.Regexp(t, `^raster_[0-9a-f]{8}$`, res.Source)
	assert.Equal(t, filepath.Join(dir, "mbtiles", res.Source+".mbtiles"), res.Path)
	assert.Equal(t, 2, res.TileCount)
	assert.FileExists(t, res.Path)
	assert.NoDirExists(t, tmpDir, "temp pyramid must be removed")
}

func TestImportGeoTIFFSkipsWarpForMercator(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "img.tif")
	require.NoError(t, os.WriteFile(src, []byte("II*\x00"), 0o644))
	s := NewRasterService(config.RasterConfig{}, dir, dir)
	var calls []string
	s.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, name)
		if name == "gdalinfo" {
			return []byte(gdalInfo3857), nil
		}
		if name == "gdal2tiles" {
			writeTiles(t, args[len(args)-1], "0/0/0.png")
		}
		return nil, nil
	}
	_, err := s.ImportGeoTIFF(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, []string{"gdalinfo", "gdal2tiles"}, calls)
}

func TestImportGeoTIFFMissingFile(t *testing.T) {
	s := NewRasterService(config.RasterConfig{}, t.TempDir(), "")
	_, err := s.ImportGeoTIFF(context.Background(), filepath.Join(t.TempDir(), "nope.tif"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
