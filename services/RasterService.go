package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/GrainArc/SouceGate/config"
	"github.com/GrainArc/SouceGate/methods"
	"github.com/GrainArc/SouceGate/models"
	"github.com/GrainArc/SouceGate/pgmvt"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// commandFunc 执行 GDAL 命令行，返回标准输出
type commandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// RasterService GeoTIFF -> 3857 -> PNG 金字塔 -> mbtiles
type RasterService struct {
	gdalBin   string
	processes int
	outputDir string
	tempRoot  string
	run       commandFunc
	tileBatch int
}

func NewRasterService(cfg config.RasterConfig, mbtilesDir, tempRoot string) *RasterService {
	out := mbtilesDir
	if out == "" {
		out = cfg.OutputDir
	}
	s := &RasterService{
		gdalBin:   cfg.GdalBin,
		processes: cfg.Processes,
		outputDir: out,
		tempRoot:  tempRoot,
		tileBatch: 500,
	}
	s.run = s.execGDAL
	return s
}

func (s *RasterService) OutputDir() string {
	return s.outputDir
}

func (s *RasterService) execGDAL(ctx context.Context, name string, args ...string) ([]byte, error) {
	bin := name
	if s.gdalBin != "" {
		bin = filepath.Join(s.gdalBin, name)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.KindTimeout, ctx.Err(), name+" cancelled")
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, apperr.ErrInternal.Msgf("%s is not installed", name).Err(err)
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return nil, apperr.ErrInternal.Msgf("%s failed: %s", name, msg).Err(err)
	}
	return out, nil
}

// RasterInfo gdalinfo 中发布所需的字段
type RasterInfo struct {
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	BandCount    int       `json:"band_count"`
	DataType     string    `json:"data_type"`
	EPSG         int       `json:"epsg"`
	WKT          string    `json:"-"`
	GeoTransform []float64 `json:"geo_transform"`
	PixelSize    float64   `json:"pixel_size"`
	LonLatBounds []float64 `json:"lonlat_bounds,omitempty"` // 仅 3857 栅格，minlon,minlat,maxlon,maxlat
}

func (i *RasterInfo) IsWebMercator() bool {
	return i.EPSG == 3857 || i.EPSG == 900913
}

type gdalInfoJSON struct {
	Size             []int `json:"size"`
	CoordinateSystem *struct {
		WKT string `json:"wkt"`
	} `json:"coordinateSystem"`
	GeoTransform []float64 `json:"geoTransform"`
	Bands        []struct {
		Band int    `json:"band"`
		Type string `json:"type"`
	} `json:"bands"`
}

// WKT2 末尾为 ID["EPSG",3857]，WKT1 为 AUTHORITY["EPSG","3857"]
var epsgPattern = regexp.MustCompile(`(?:AUTHORITY|ID)\["EPSG",\s*"?(\d+)"?\]`)

func epsgFromWKT(wkt string) int {
	matches := epsgPattern.FindAllStringSubmatch(wkt, -1)
	if len(matches) == 0 {
		return 0
	}
	code, _ := strconv.Atoi(matches[len(matches)-1][1])
	return code
}

func parseGDALInfo(data []byte) (*RasterInfo, error) {
	var raw gdalInfoJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperr.ErrDataInvalid.Msg("unreadable gdalinfo output").Err(err)
	}
	if len(raw.Size) != 2 || raw.Size[0] <= 0 || raw.Size[1] <= 0 {
		return nil, apperr.ErrDataInvalid.Msg("raster has no pixels")
	}
	info := &RasterInfo{Width: raw.Size[0], Height: raw.Size[1], BandCount: len(raw.Bands), GeoTransform: raw.GeoTransform}
	if len(raw.Bands) > 0 {
		info.DataType = raw.Bands[0].Type
	}
	if raw.CoordinateSystem != nil {
		info.WKT = raw.CoordinateSystem.WKT
		info.EPSG = epsgFromWKT(info.WKT)
	}
	identity := len(raw.GeoTransform) == 6 &&
		raw.GeoTransform[0] == 0 && raw.GeoTransform[1] == 1 && raw.GeoTransform[3] == 0 && raw.GeoTransform[5] == 1
	if info.WKT == "" || len(raw.GeoTransform) != 6 || identity {
		return nil, apperr.ErrDataInvalid.Msg("raster has no georeference")
	}
	info.PixelSize = math.Max(math.Abs(raw.GeoTransform[1]), math.Abs(raw.GeoTransform[5]))
	if info.IsWebMercator() {
		gt := raw.GeoTransform
		x0, y0 := gt[0], gt[3]
		x1, y1 := gt[0]+gt[1]*float64(info.Width), gt[3]+gt[5]*float64(info.Height)
		minLon, minLat := pgmvt.MercatorToLonLat(math.Min(x0, x1), math.Min(y0, y1))
		maxLon, maxLat := pgmvt.MercatorToLonLat(math.Max(x0, x1), math.Max(y0, y1))
		info.LonLatBounds = []float64{minLon, minLat, maxLon, maxLat}
	}
	return info, nil
}

// Inspect 读取宽高、波段、数据类型、坐标系和仿射参数，缺少地理参考时报错
func (s *RasterService) Inspect(ctx context.Context, path string) (*RasterInfo, error) {
	out, err := s.run(ctx, "gdalinfo", "-json", path)
	if err != nil {
		return nil, err
	}
	return parseGDALInfo(out)
}

// sizeZoomCap 按文件大小限制最大层级
func sizeZoomCap(size int64) int {
	const mb = 1 << 20
	switch {
	case size < 50*mb:
		return 18
	case size < 200*mb:
		return 16
	case size < 1024*mb:
		return 14
	}
	return 12
}

// MaxZoomFor 取原始分辨率对应层级与文件大小上限中的较小值
func MaxZoomFor(pixelSizeMeters float64, fileSize int64) int {
	z := sizeZoomCap(fileSize)
	if pixelSizeMeters > 0 {
		if native := pgmvt.ZoomForResolution(pixelSizeMeters); native < z {
			z = native
		}
	}
	return z
}

// RasterResult 栅格发布结果
type RasterResult struct {
	Source         string      `json:"source"`
	Path           string      `json:"path"`
	MinZoom        int         `json:"min_zoom"`
	MaxZoom        int         `json:"max_zoom"`
	TileCount      int         `json:"tile_count"`
	Bounds         []float64   `json:"bounds,omitempty"`
	MercatorBounds []float64   `json:"mercator_bounds,omitempty"` // 同一范围的 EPSG:3857 坐标
	Info           *RasterInfo `json:"info"`
}

// ImportGeoTIFF 校验、重投影到 3857、切 PNG 金字塔并打包为 mbtiles
func (s *RasterService) ImportGeoTIFF(ctx context.Context, path string) (*RasterResult, error) {
	logger := log.Ctx(ctx).With().Str("raster", path).Logger()
	stat, err := os.Stat(path)
	if err != nil {
		return nil, apperr.ErrNotFound.Msgf("raster %s", filepath.Base(path)).Err(err)
	}
	info, err := s.Inspect(ctx, path)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("width", info.Width).Int("height", info.Height).Int("bands", info.BandCount).Int("epsg", info.EPSG).Msg("raster inspected")

	tmp, err := methods.MakeTempDir(s.tempRoot, "raster_*")
	if err != nil {
		return nil, apperr.ErrInternal.Msg("create raster temp dir").Err(err)
	}
	defer methods.RemoveAllQuietly(tmp)

	src := path
	if !info.IsWebMercator() {
		warped := filepath.Join(tmp, "warped.tif")
		if _, err := s.run(ctx, "gdalwarp",
			"-t_srs", "EPSG:3857", "-r", "bilinear",
			"-co", "TILED=YES", "-co", "COMPRESS=LZW",
			"-overwrite", path, warped); err != nil {
			return nil, err
		}
		src = warped
		if info, err = s.Inspect(ctx, warped); err != nil {
			return nil, err
		}
	}

	maxZoom := MaxZoomFor(info.PixelSize, stat.Size())
	tilesDir := filepath.Join(tmp, "tiles")
	args := []string{"--xyz", "-z", fmt.Sprintf("0-%d", maxZoom), "-w", "none", "-r", "bilinear"}
	if s.processes > 1 {
		args = append(args, "--processes="+strconv.Itoa(s.processes))
	}
	args = append(args, src, tilesDir)
	if _, err := s.run(ctx, "gdal2tiles", args...); err != nil {
		return nil, err
	}

	source := pgmvt.RasterSourceName()
	if err := os.MkdirAll(s.outputDir, os.ModePerm); err != nil {
		return nil, apperr.ErrInternal.Msg("create mbtiles dir").Err(err)
	}
	out := filepath.Join(s.outputDir, source+".mbtiles")
	res, err := s.PackageMBTiles(ctx, tilesDir, out, source)
	if err != nil {
		os.Remove(out)
		return nil, err
	}
	res.Info = info
	logger.Info().Str("source", source).Int("tiles", res.TileCount).Int("maxZoom", res.MaxZoom).Msg("raster packaged")
	return res, nil
}

// parseTilePath 解析 z/x/y.png
func parseTilePath(rel string) (maptile.Tile, bool) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 || !strings.HasSuffix(parts[2], ".png") {
		return maptile.Tile{}, false
	}
	z, err1 := strconv.ParseUint(parts[0], 10, 8)
	x, err2 := strconv.ParseUint(parts[1], 10, 32)
	y, err3 := strconv.ParseUint(strings.TrimSuffix(parts[2], ".png"), 10, 32)
	if err1 != nil || err2 != nil || err3 != nil {
		return maptile.Tile{}, false
	}
	t := maptile.New(uint32(x), uint32(y), maptile.Zoom(z))
	return t, t.Valid()
}

// tmsRow XYZ 行号转 TMS 行号
func tmsRow(t maptile.Tile) int64 {
	return int64(1<<uint(t.Z)) - 1 - int64(t.Y)
}

// PackageMBTiles 把 XYZ 目录写入 mbtiles，tile_row 使用 TMS 行号
func (s *RasterService) PackageMBTiles(ctx context.Context, tilesDir, out, name string) (*RasterResult, error) {
	if err := os.Remove(out); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.ErrInternal.Msg("replace mbtiles").Err(err)
	}
	db, err := gorm.Open(sqlite.Open(out), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, apperr.ErrInternal.Msg("create mbtiles").Err(err)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()
	if err := models.MigrateMBTiles(db); err != nil {
		return nil, apperr.ErrInternal.Msg("migrate mbtiles").Err(err)
	}

	res := &RasterResult{Source: name, Path: out, MinZoom: -1}
	var bound *orb.Bound
	batch := make([]models.Tile, 0, s.tileBatch)
	flush := func(tx *gorm.DB) error {
		if len(batch) == 0 {
			return nil
		}
		if err := tx.Create(&batch).Error; err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		walkErr := filepath.WalkDir(tilesDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, _ := filepath.Rel(tilesDir, p)
			t, ok := parseTilePath(rel)
			if !ok {
				return nil
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			batch = append(batch, models.Tile{
				ZoomLevel:  int64(t.Z),
				TileColumn: int64(t.X),
				TileRow:    tmsRow(t),
				TileData:   data,
			})
			res.TileCount++
			z := int(t.Z)
			if res.MinZoom < 0 || z < res.MinZoom {
				res.MinZoom = z
			}
			if z > res.MaxZoom {
				res.MaxZoom = z
			}
			tb := t.Bound()
			if bound == nil {
				bound = &tb
			} else {
				u := bound.Union(tb)
				bound = &u
			}
			if len(batch) >= s.tileBatch {
				return flush(tx)
			}
			return nil
		})
		if walkErr != nil {
			return walkErr
		}
		if err := flush(tx); err != nil {
			return err
		}
		if res.TileCount == 0 {
			return apperr.ErrDataInvalid.Msg("tile pyramid is empty")
		}
		meta := []models.Metadata{
			{Name: "name", Value: name},
			{Name: "format", Value: "png"},
			{Name: "type", Value: "overlay"},
			{Name: "version", Value: "1.1"},
			{Name: "minzoom", Value: strconv.Itoa(res.MinZoom)},
			{Name: "maxzoom", Value: strconv.Itoa(res.MaxZoom)},
		}
		if bound != nil {
			res.Bounds = []float64{bound.Min.Lon(), bound.Min.Lat(), bound.Max.Lon(), bound.Max.Lat()}
			minX, minY := pgmvt.LonLatToMercator(res.Bounds[0], res.Bounds[1])
			maxX, maxY := pgmvt.LonLatToMercator(res.Bounds[2], res.Bounds[3])
			res.MercatorBounds = []float64{minX, minY, maxX, maxY}
			meta = append(meta, models.Metadata{Name: "bounds", Value: fmt.Sprintf("%f,%f,%f,%f", res.Bounds[0], res.Bounds[1], res.Bounds[2], res.Bounds[3])})
		}
		return tx.Create(&meta).Error
	})
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperr.ErrInternal.Msg("write mbtiles").Err(err)
	}
	return res, nil
}
