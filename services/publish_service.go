package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/GrainArc/SouceGate/catalog"
	"github.com/GrainArc/SouceGate/geoserver"
	"github.com/GrainArc/SouceGate/models"
	"github.com/GrainArc/SouceGate/pgmvt"
	"github.com/rs/zerolog/log"
)

// VectorStore PostGIS 表操作，*pgmvt.Store 实现
type VectorStore interface {
	pgmvt.Sink
	Schema() string
	ListTables(ctx context.Context, pattern string) ([]string, error)
}

// TileServer 切片服务控制器，*TileServerManager 实现
type TileServer interface {
	RefreshCoalesced(ctx context.Context) error
	ServiceURL(sourceID string) string
	MVTURLFor(schema, table string) string
	TileJSONURLFor(schema, table string) string
	TileURLFor(source string) string
}

// MapServer GeoServer 驱动，*geoserver.Client 实现
type MapServer interface {
	EnsureWorkspace(ctx context.Context, workspace string) error
	CreatePostGISDatastore(ctx context.Context, workspace, store string, conn geoserver.PostGISConnection) error
	PublishFeatureType(ctx context.Context, workspace, store, table, name, srs string) error
	GetFeatureType(ctx context.Context, workspace, store, name string) (*geoserver.FeatureType, error)
	UploadShapefile(ctx context.Context, workspace, store string, zipData []byte) (string, error)
	UploadGeoTIFF(ctx context.Context, workspace, store string, data []byte) error
	GetCoverages(ctx context.Context, workspace, store string) ([]string, error)
	GetCoverage(ctx context.Context, workspace, store, name string) (*geoserver.Coverage, error)
	DeleteStore(ctx context.Context, workspace, store, kind string) error
	VerifyLayer(ctx context.Context, workspace, layer string) (string, error)
	CreateStyle(ctx context.Context, workspace, name string, sld []byte) error
	SetLayerDefaultStyle(ctx context.Context, workspace, layer, style string) error
	WMSURL(workspace, layer string) string
	WFSURL(workspace, layer string) string
	WCSURL(workspace, layer string) string
}

// RasterTiler GeoTIFF 切片打包，*RasterService 实现
type RasterTiler interface {
	ImportGeoTIFF(ctx context.Context, path string) (*RasterResult, error)
	OutputDir() string
}

type importFunc func(ctx context.Context, sink pgmvt.Sink, path string, opts pgmvt.ImportOptions) (*pgmvt.ImportResult, error)

const (
	backendTileServer = "martin"
	backendGeoServer  = "geoserver"

	rollbackTimeout = 30 * time.Second
)

// 清理时扫描的表名
const (
	sweepTilePattern      = `^(vector|geojson)_[0-9a-f]+$`
	sweepGeoServerPattern = `^gs_[0-9a-f]+$`
)

type PublishOptions struct {
	Workspace    string
	PostGIS      geoserver.PostGISConnection
	TempDir      string
	TableIDRegex string
}

// PublishService 发布编排：文件 -> 导入 -> 目录 -> 外部服务，失败时按逆序回滚
type PublishService struct {
	repo   *catalog.Repository
	store  VectorStore
	tiles  TileServer
	geo    MapServer
	raster RasterTiler
	opts   PublishOptions

	tableID   *regexp.Regexp
	importers map[string]importFunc

	locks    sync.Map // "backend:fileID" -> *sync.Mutex
	inflight sync.Map // 导入中尚未登记的表名
}

func NewPublishService(repo *catalog.Repository, store VectorStore, tiles TileServer, geo MapServer, raster RasterTiler, opts PublishOptions) *PublishService {
	s := &PublishService{
		repo:   repo,
		store:  store,
		tiles:  tiles,
		geo:    geo,
		raster: raster,
		opts:   opts,
		importers: map[string]importFunc{
			models.VectorTypeShapefile: pgmvt.ImportShapefile,
			models.VectorTypeGeoJSON:   pgmvt.ImportGeoJSON,
			models.VectorTypeDXF:       pgmvt.ImportDXF,
		},
	}
	if opts.TableIDRegex != "" {
		s.tableID = regexp.MustCompile(opts.TableIDRegex)
	}
	return s
}

func (s *PublishService) lockFile(backend string, fileID int64) func() {
	v, _ := s.locks.LoadOrStore(fmt.Sprintf("%s:%d", backend, fileID), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// rollback 逆序执行的补偿步骤，调用方取消后仍会完成
type rollback struct {
	steps []rollbackStep
}

type rollbackStep struct {
	name string
	fn   func(ctx context.Context) error
}

func (r *rollback) push(name string, fn func(ctx context.Context) error) {
	r.steps = append(r.steps, rollbackStep{name: name, fn: fn})
}

func (r *rollback) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	for i := len(r.steps) - 1; i >= 0; i-- {
		step := r.steps[i]
		if err := step.fn(ctx); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("step", step.name).Msg("rollback step failed")
			continue
		}
		log.Ctx(ctx).Debug().Str("step", step.name).Msg("rolled back")
	}
}

// VectorTypeFor 文件格式对应的切片服务类型
func VectorTypeFor(format string) (string, error) {
	switch format {
	case models.FormatShapefile:
		return models.VectorTypeShapefile, nil
	case models.FormatGeoJSON:
		return models.VectorTypeGeoJSON, nil
	case models.FormatDXF:
		return models.VectorTypeDXF, nil
	case models.FormatGeoTIFF:
		return models.VectorTypeMBTiles, nil
	}
	return "", apperr.ErrValidation.Msgf("format %q cannot be published as a tile service", format)
}

// TileServiceResult 切片服务发布结果
type TileServiceResult struct {
	ID          int64               `json:"id"`
	FileID      int64               `json:"file_id"`
	VectorType  string              `json:"vector_type"`
	Table       string              `json:"table_name"`
	ServiceURL  string              `json:"service_url"`
	MVTURL      string              `json:"mvt_url"`
	TileJSONURL string              `json:"tilejson_url"`
	Import      *pgmvt.ImportResult `json:"import,omitempty"`
	Raster      *RasterResult       `json:"raster,omitempty"`
}

// PublishToTileServer 导入文件并登记为 martin 源
func (s *PublishService) PublishToTileServer(ctx context.Context, fileID int64, owner string) (*TileServiceResult, error) {
	file, err := s.repo.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	vectorType, err := VectorTypeFor(file.Format)
	if err != nil {
		return nil, err
	}
	unlock := s.lockFile(backendTileServer, fileID)
	defer unlock()

	logger := log.Ctx(ctx).With().Int64("file_id", fileID).Str("vector_type", vectorType).Logger()
	ctx = logger.WithContext(ctx)

	if active, err := s.repo.ActiveTileService(ctx, fileID, vectorType); err == nil {
		return nil, apperr.ErrAlreadyPublished.WithID(active.ID)
	} else if apperr.KindOf(err) != apperr.KindNotFound {
		return nil, err
	}
	if prior, err := s.repo.LatestTileService(ctx, fileID, vectorType); err == nil {
		logger.Info().Int64("service_id", prior.ID).Str("table", prior.Table).Msg("purging previous publication")
		if err := s.dropSource(ctx, prior); err != nil {
			return nil, err
		}
		if err := s.repo.DeleteTileService(ctx, prior.ID); err != nil {
			return nil, err
		}
	} else if apperr.KindOf(err) != apperr.KindNotFound {
		return nil, err
	}

	res, err := s.publishTiles(ctx, file, vectorType, owner)
	if err != nil {
		s.markFailed(ctx, fileID, err)
		return nil, err
	}
	if err := s.repo.SetFileStatus(ctx, fileID, models.FileStatusPublished, ""); err != nil {
		logger.Warn().Err(err).Msg("update file status")
	}
	logger.Info().Str("table", res.Table).Str("mvt_url", res.MVTURL).Msg("tile service published")
	return res, nil
}

func (s *PublishService) publishTiles(ctx context.Context, file *models.File, vectorType, owner string) (*TileServiceResult, error) {
	var rb rollback
	spec := catalog.TileServiceSpec{
		FileID:           file.ID,
		VectorType:       vectorType,
		OriginalFilename: file.FileName,
		Owner:            owner,
	}
	out := &TileServiceResult{FileID: file.ID, VectorType: vectorType}

	if vectorType == models.VectorTypeMBTiles {
		r, err := s.raster.ImportGeoTIFF(ctx, file.Path)
		if err != nil {
			return nil, err
		}
		rb.push("remove mbtiles", func(context.Context) error { return removeFile(r.Path) })
		spec.Table = r.Source
		spec.ServiceURL = s.tiles.ServiceURL(r.Source)
		spec.MVTURL = s.tiles.TileURLFor(r.Source)
		spec.TileJSONURL = spec.ServiceURL
		spec.MinZoom, spec.MaxZoom = r.MinZoom, r.MaxZoom
		spec.ImportSummary = r
		out.Raster = r
	} else {
		table := pgmvt.VectorTableName()
		if vectorType == models.VectorTypeGeoJSON {
			table = pgmvt.GeoJSONTableName()
		}
		if s.tableID != nil && !s.tableID.MatchString(table) {
			return nil, apperr.ErrInternal.Msgf("table %s does not match the tile server id pattern", table)
		}
		s.inflight.Store(table, struct{}{})
		defer s.inflight.Delete(table)

		rb.push("drop table", func(ctx context.Context) error { return s.store.DropTable(ctx, table) })
		r, err := s.importers[vectorType](ctx, s.store, file.Path, pgmvt.ImportOptions{
			Table:        table,
			DeclaredSRID: file.DeclaredSRID,
			TempDir:      s.opts.TempDir,
		})
		if err != nil {
			rb.run(ctx)
			return nil, err
		}
		schema := s.store.Schema()
		spec.Schema = schema
		spec.Table = table
		spec.ServiceURL = s.tiles.ServiceURL(SourceID(schema, table))
		spec.MVTURL = s.tiles.MVTURLFor(schema, table)
		spec.TileJSONURL = s.tiles.TileJSONURLFor(schema, table)
		spec.Style = r.Style
		spec.ImportSummary = r
		spec.MaxZoom = 22
		out.Import = r
	}

	id, err := s.repo.UpsertTileService(ctx, spec)
	if err != nil {
		rb.run(ctx)
		return nil, err
	}
	rb.push("delete tile service record", func(ctx context.Context) error { return s.repo.DeleteTileService(ctx, id) })

	if err := s.tiles.RefreshCoalesced(ctx); err != nil {
		rb.run(ctx)
		return nil, err
	}
	out.ID = id
	out.Table = spec.Table
	out.ServiceURL = spec.ServiceURL
	out.MVTURL = spec.MVTURL
	out.TileJSONURL = spec.TileJSONURL
	return out, nil
}

// UnpublishTileService 删除源表或 mbtiles 文件，记录置为 deleted 并刷新 martin
func (s *PublishService) UnpublishTileService(ctx context.Context, serviceID int64) error {
	svc, err := s.repo.GetTileService(ctx, serviceID)
	if err != nil {
		return err
	}
	if svc.Status != models.ServiceStatusActive {
		return apperr.ErrNotFound.Msgf("tile service %d is not active", serviceID)
	}
	unlock := s.lockFile(backendTileServer, svc.FileID)
	defer unlock()

	if err := s.dropSource(ctx, svc); err != nil {
		return err
	}
	if err := s.repo.SoftDeleteTileService(ctx, svc.ID); err != nil {
		return err
	}
	if err := s.tiles.RefreshCoalesced(ctx); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("tile server refresh after unpublish failed")
	}
	s.settleFileStatus(ctx, svc.FileID)
	log.Ctx(ctx).Info().Int64("service_id", svc.ID).Str("table", svc.Table).Msg("tile service unpublished")
	return nil
}

// dropSource 删除服务的源数据；表仍被 GeoServer 图层或其他服务使用时保留
func (s *PublishService) dropSource(ctx context.Context, svc *models.VectorMartinService) error {
	if svc.VectorType == models.VectorTypeMBTiles {
		return removeFile(filepath.Join(s.raster.OutputDir(), svc.Table+".mbtiles"))
	}
	return s.dropTableIfUnused(ctx, svc.Table, svc.ID)
}

func (s *PublishService) dropTableIfUnused(ctx context.Context, table string, exceptServiceID int64) error {
	inUse, err := s.repo.TableInUse(ctx, table, exceptServiceID)
	if err != nil {
		return err
	}
	if inUse {
		log.Ctx(ctx).Info().Str("table", table).Msg("table still referenced, kept")
		return nil
	}
	return s.store.DropTable(ctx, table)
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperr.ErrInternal.Msgf("remove %s", filepath.Base(path)).Err(err)
	}
	return nil
}

func (s *PublishService) markFailed(ctx context.Context, fileID int64, cause error) {
	if apperr.KindOf(cause) == apperr.KindValidation {
		return
	}
	msg := cause.Error()
	if len(msg) > 1000 {
		msg = msg[:1000]
	}
	if err := s.repo.SetFileStatus(context.WithoutCancel(ctx), fileID, models.FileStatusFailed, msg); err != nil {
		log.Ctx(ctx).Warn().Err(err).Int64("file_id", fileID).Msg("update file status")
	}
}

// settleFileStatus 文件不再有任何发布时回到 uploaded
func (s *PublishService) settleFileStatus(ctx context.Context, fileID int64) {
	services, err := s.repo.ActiveTileServicesByFile(ctx, fileID)
	if err != nil {
		return
	}
	layers, err := s.repo.LayersByFile(ctx, fileID)
	if err != nil {
		return
	}
	if len(services)+len(layers) > 0 {
		return
	}
	if err := s.repo.SetFileStatus(ctx, fileID, models.FileStatusUploaded, ""); err != nil {
		log.Ctx(ctx).Warn().Err(err).Int64("file_id", fileID).Msg("update file status")
	}
}

// SweepOrphanTables 删除没有任何有效记录引用的导入表，返回被删除的表名
//
// 顺序为：列出表、记下导入中的表、再读引用。导入中的表在建表前登记，
// 登记撤销前记录已提交，因此列出时已存在的表要么仍在导入中，要么在引用快照里。
func (s *PublishService) SweepOrphanTables(ctx context.Context) ([]string, error) {
	var candidates []string
	for _, pattern := range []string{sweepTilePattern, sweepGeoServerPattern} {
		tables, err := s.store.ListTables(ctx, pattern)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, tables...)
	}
	busy := map[string]bool{}
	s.inflight.Range(func(k, _ any) bool {
		busy[k.(string)] = true
		return true
	})

	referenced := map[string]bool{}
	services, err := s.repo.ListActiveTileServices(ctx)
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		referenced[svc.Table] = true
	}
	ftTables, err := s.repo.FeatureTypeTables(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range ftTables {
		referenced[t] = true
	}

	var dropped []string
	for _, t := range candidates {
		if referenced[t] || busy[t] {
			continue
		}
		if err := s.store.DropTable(ctx, t); err != nil {
			return dropped, err
		}
		dropped = append(dropped, t)
	}
	if len(dropped) > 0 {
		log.Ctx(ctx).Info().Strs("tables", dropped).Msg("orphan tables dropped")
	}
	return dropped, nil
}

// importSummary 读取切片服务记录中的导入汇总
func importSummary(svc *models.VectorMartinService) (*pgmvt.ImportResult, error) {
	var res pgmvt.ImportResult
	if len(svc.ImportSummary) == 0 {
		return nil, apperr.ErrDataInvalid.Msgf("tile service %d has no import summary", svc.ID)
	}
	if err := json.Unmarshal(svc.ImportSummary, &res); err != nil {
		return nil, apperr.ErrDataInvalid.Msgf("tile service %d import summary", svc.ID).Err(err)
	}
	return &res, nil
}

func fileStem(name string) string {
	base := filepath.Base(name)
	if i := strings.Index(base, "."); i > 0 {
		return base[:i]
	}
	return base
}
