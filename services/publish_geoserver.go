package services

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/GrainArc/SouceGate/Transformer"
	"github.com/GrainArc/SouceGate/apperr"
	"github.com/GrainArc/SouceGate/catalog"
	"github.com/GrainArc/SouceGate/geoserver"
	"github.com/GrainArc/SouceGate/methods"
	"github.com/GrainArc/SouceGate/models"
	"github.com/GrainArc/SouceGate/pgmvt"
	"github.com/rs/zerolog/log"
)

// LayerResult GeoServer 发布结果
type LayerResult struct {
	LayerID   int64    `json:"layer_id"`
	Workspace string   `json:"workspace"`
	Name      string   `json:"name"`
	Store     string   `json:"store"`
	StoreKind string   `json:"store_kind"`
	Table     string   `json:"table,omitempty"`
	WMSURL    string   `json:"wms_url"`
	WFSURL    string   `json:"wfs_url,omitempty"`
	WCSURL    string   `json:"wcs_url,omitempty"`
	Style     string   `json:"style,omitempty"`
	Probe     string   `json:"probe"`
	Warnings  []string `json:"warnings,omitempty"`
}

// geoPublish 一次 GeoServer 发布的中间状态
type geoPublish struct {
	file      *models.File
	workspace *models.GeoServerWorkspace
	store     string
	storeID   int64
	kind      string
	table     string
	styleKind string
	rb        rollback
	out       *LayerResult
}

// PublishToGeoServer 发布文件到 GeoServer。shp 走文件存储，GeoJSON/DXF 走 PostGIS 存储，GeoTIFF 走栅格存储。
// 目录记录先于外部调用写入，任一步失败按逆序回滚两侧。
func (s *PublishService) PublishToGeoServer(ctx context.Context, fileID int64, owner string) (*LayerResult, error) {
	file, err := s.repo.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if _, err := VectorTypeFor(file.Format); err != nil {
		return nil, err
	}
	unlock := s.lockFile(backendGeoServer, fileID)
	defer unlock()

	logger := log.Ctx(ctx).With().Int64("file_id", fileID).Str("backend", backendGeoServer).Str("owner", owner).Logger()
	ctx = logger.WithContext(ctx)

	layers, err := s.repo.LayersByFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if len(layers) > 0 {
		return nil, apperr.ErrAlreadyPublished.WithID(layers[0].ID)
	}

	p := &geoPublish{file: file}
	if err := s.prepareWorkspace(ctx, p); err != nil {
		return nil, err
	}
	if err := s.cleanResidue(ctx, p); err != nil {
		return nil, err
	}
	if err := s.pickStoreName(ctx, p); err != nil {
		return nil, err
	}

	if err := s.publishLayer(ctx, p); err != nil {
		p.rb.run(ctx)
		s.markFailed(ctx, fileID, err)
		return nil, err
	}
	if err := s.repo.SetFileStatus(ctx, fileID, models.FileStatusPublished, ""); err != nil {
		logger.Warn().Err(err).Msg("update file status")
	}
	logger.Info().Str("layer", geoserver.QualifiedName(p.out.Workspace, p.out.Name)).Str("probe", p.out.Probe).Msg("layer published")
	return p.out, nil
}

func (s *PublishService) prepareWorkspace(ctx context.Context, p *geoPublish) error {
	name := s.opts.Workspace
	if name == "" {
		ws, err := s.repo.DefaultWorkspace(ctx)
		if err != nil {
			return err
		}
		name = ws.Name
	}
	ws, err := s.repo.EnsureWorkspace(ctx, name)
	if err != nil {
		return err
	}
	if err := s.geo.EnsureWorkspace(ctx, name); err != nil {
		return err
	}
	p.workspace = ws
	return nil
}

// cleanResidue 删除此前失败发布留下的、不再挂有图层的存储
func (s *PublishService) cleanResidue(ctx context.Context, p *geoPublish) error {
	stores, err := s.repo.StoresByFile(ctx, p.file.ID)
	if err != nil {
		return err
	}
	for _, st := range stores {
		if err := s.removeStore(ctx, &st); err != nil {
			return err
		}
	}
	return nil
}

func (s *PublishService) removeStore(ctx context.Context, st *models.GeoServerStore) error {
	ws, err := s.repo.GetWorkspaceByID(ctx, st.WorkspaceID)
	if err != nil {
		return err
	}
	log.Ctx(ctx).Info().Str("store", st.Name).Int64("store_id", st.ID).Msg("removing residual store")
	if err := s.geo.DeleteStore(ctx, ws.Name, st.Name, st.Kind); err != nil {
		return err
	}
	return s.repo.DeleteStore(ctx, st.ID)
}

// pickStoreName <文件主名>_store；与其他文件的存储重名时改用 file_<id>
func (s *PublishService) pickStoreName(ctx context.Context, p *geoPublish) error {
	name := methods.SanitizeStoreName(fileStem(p.file.FileName)) + "_store"
	existing, err := s.repo.GetStore(ctx, p.workspace.ID, name)
	switch {
	case apperr.KindOf(err) == apperr.KindNotFound:
	case err != nil:
		return err
	case existing.FileID != nil && *existing.FileID != p.file.ID:
		name = fmt.Sprintf("file_%d", p.file.ID)
		if st, err := s.repo.GetStore(ctx, p.workspace.ID, name); err == nil {
			if err := s.removeStore(ctx, st); err != nil {
				return err
			}
		}
	default:
		if err := s.removeStore(ctx, existing); err != nil {
			return err
		}
	}
	p.store = name
	return nil
}

func (s *PublishService) publishLayer(ctx context.Context, p *geoPublish) error {
	var err error
	switch p.file.Format {
	case models.FormatShapefile:
		err = s.publishShapefile(ctx, p)
	case models.FormatGeoTIFF:
		err = s.publishGeoTIFF(ctx, p)
	default:
		err = s.publishPostGIS(ctx, p)
	}
	if err != nil {
		return err
	}
	return s.applyStyle(ctx, p)
}

// insertStore 写入存储记录，并登记两侧的回滚步骤
func (s *PublishService) insertStore(ctx context.Context, p *geoPublish, kind, dataType string, params map[string]string) error {
	fileID := p.file.ID
	id, err := s.repo.UpsertStore(ctx, catalog.StoreSpec{
		WorkspaceID: p.workspace.ID,
		Name:        p.store,
		Kind:        kind,
		DataType:    dataType,
		Params:      params,
		FilePath:    p.file.Path,
		FileID:      &fileID,
		Description: p.file.FileName,
	})
	if err != nil {
		return err
	}
	p.storeID, p.kind = id, kind
	// 逆序执行：先删目录记录，再删 GeoServer 存储
	ws, store := p.workspace.Name, p.store
	p.rb.push("delete geoserver store", func(ctx context.Context) error { return s.geo.DeleteStore(ctx, ws, store, kind) })
	p.rb.push("delete catalog store", func(ctx context.Context) error { return s.repo.DeleteStore(ctx, id) })
	return nil
}

func (s *PublishService) publishShapefile(ctx context.Context, p *geoPublish) error {
	data, err := s.shapefileBundle(p.file.Path)
	if err != nil {
		return err
	}
	if err := s.insertStore(ctx, p, models.StoreKindData, models.StoreTypeShapefile, nil); err != nil {
		return err
	}
	ftName, err := s.geo.UploadShapefile(ctx, p.workspace.Name, p.store, data)
	if err != nil {
		return err
	}
	ft, err := s.geo.GetFeatureType(ctx, p.workspace.Name, p.store, ftName)
	if err != nil {
		return err
	}
	p.styleKind = geoserver.StyleKindForGeometry(geometryBinding(ft.Attributes))
	return s.insertVectorLayer(ctx, p, ft)
}

// shapefileBundle 读取 zip；rar 解压后重新打成 zip
func (s *PublishService) shapefileBundle(path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperr.ErrNotFound.Msgf("file %s", filepath.Base(path)).Err(err)
		}
		return data, nil
	case ".rar":
	default:
		return nil, apperr.ErrValidation.Msgf("shapefile must be uploaded as zip or rar, got %s", filepath.Base(path))
	}
	dir, err := methods.MakeTempDir(s.opts.TempDir, "rar-*")
	if err != nil {
		return nil, apperr.ErrInternal.Msg("create temp dir").Err(err)
	}
	defer methods.RemoveAllQuietly(dir)
	if err := methods.Extract(path, dir); err != nil {
		return nil, err
	}
	shps := Transformer.FindFiles(dir, "shp")
	if len(shps) == 0 {
		return nil, apperr.ErrValidation.Msg("archive contains no .shp file")
	}
	files, err := methods.GetAllFiles(filepath.Dir(shps[0]))
	if err != nil {
		return nil, apperr.ErrInternal.Msg("list extracted files").Err(err)
	}
	entries := make([]methods.ZipEntry, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, apperr.ErrInternal.Msg("read extracted file").Err(err)
		}
		entries = append(entries, methods.ZipEntry{Name: filepath.Base(f), Data: b})
	}
	var buf bytes.Buffer
	if err := methods.WriteZip(&buf, entries); err != nil {
		return nil, apperr.ErrInternal.Msg("rezip shapefile").Err(err)
	}
	return buf.Bytes(), nil
}

// geometryBinding 由几何字段的 Java 类型得到几何类型名
func geometryBinding(attrs []geoserver.Attribute) string {
	for _, a := range attrs {
		b := a.Binding[strings.LastIndex(a.Binding, ".")+1:]
		switch strings.TrimPrefix(b, "Multi") {
		case "Point", "LineString", "Polygon":
			return b
		}
	}
	return ""
}

// publishPostGIS 优先复用已发布切片服务的表，否则导入一张 gs_ 表
func (s *PublishService) publishPostGIS(ctx context.Context, p *geoPublish) error {
	vectorType, _ := VectorTypeFor(p.file.Format)
	var summary *pgmvt.ImportResult
	svc, err := s.repo.ActiveTileService(ctx, p.file.ID, vectorType)
	switch {
	case err == nil:
		if summary, err = importSummary(svc); err != nil {
			return err
		}
		p.table = svc.Table
		log.Ctx(ctx).Info().Str("table", p.table).Msg("reusing tile service table")
	case apperr.KindOf(err) == apperr.KindNotFound:
		table := pgmvt.GeoServerTableName()
		s.inflight.Store(table, struct{}{})
		defer s.inflight.Delete(table)
		p.rb.push("drop table", func(ctx context.Context) error { return s.store.DropTable(ctx, table) })
		summary, err = s.importers[vectorType](ctx, s.store, p.file.Path, pgmvt.ImportOptions{
			Table:        table,
			DeclaredSRID: p.file.DeclaredSRID,
			TempDir:      s.opts.TempDir,
		})
		if err != nil {
			return err
		}
		p.table = table
	default:
		return err
	}
	p.styleKind = geoserver.StyleKindForGeometry(summary.GeometryType)

	params := geoserver.PostGISParams(s.opts.PostGIS)
	delete(params, "passwd")
	if err := s.insertStore(ctx, p, models.StoreKindData, models.StoreTypePostGIS, params); err != nil {
		return err
	}
	if err := s.geo.CreatePostGISDatastore(ctx, p.workspace.Name, p.store, s.opts.PostGIS); err != nil {
		return err
	}
	name := methods.SanitizeStoreName(fileStem(p.file.FileName))
	srs := "EPSG:" + strconv.Itoa(summary.SRID)
	if err := s.geo.PublishFeatureType(ctx, p.workspace.Name, p.store, p.table, name, srs); err != nil {
		return err
	}
	ft, err := s.geo.GetFeatureType(ctx, p.workspace.Name, p.store, name)
	if err != nil {
		return err
	}
	if ft.NativeName == "" {
		ft.NativeName = p.table
	}
	return s.insertVectorLayer(ctx, p, ft)
}

func (s *PublishService) insertVectorLayer(ctx context.Context, p *geoPublish, ft *geoserver.FeatureType) error {
	ftID, err := s.repo.InsertFeatureType(ctx, p.storeID, catalog.FeatureTypeSpec{
		Name:             ft.Name,
		NativeName:       ft.NativeName,
		Title:            ft.Title,
		SRS:              ft.SRS,
		NativeCRS:        ft.NativeCRS,
		ProjectionPolicy: ft.ProjectionPolicy,
		Attributes:       ft.Attributes,
		BBox:             toBBox(ft.NativeBoundingBox),
	})
	if err != nil {
		return err
	}
	return s.insertLayer(ctx, p, ft.Name, &ftID, nil)
}

func (s *PublishService) publishGeoTIFF(ctx context.Context, p *geoPublish) error {
	data, err := os.ReadFile(p.file.Path)
	if err != nil {
		return apperr.ErrNotFound.Msgf("file %s", filepath.Base(p.file.Path)).Err(err)
	}
	if err := s.insertStore(ctx, p, models.StoreKindCoverage, models.StoreTypeGeoTIFF, nil); err != nil {
		return err
	}
	if err := s.geo.UploadGeoTIFF(ctx, p.workspace.Name, p.store, data); err != nil {
		return err
	}
	names, err := s.geo.GetCoverages(ctx, p.workspace.Name, p.store)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return apperr.ErrUpstream.Msgf("coveragestore %s has no coverage", p.store)
	}
	cov, err := s.geo.GetCoverage(ctx, p.workspace.Name, p.store, names[0])
	if err != nil {
		return err
	}
	covID, err := s.repo.InsertCoverage(ctx, p.storeID, catalog.CoverageSpec{
		Name:       cov.Name,
		NativeName: cov.NativeName,
		Title:      cov.Title,
		SRS:        cov.SRS,
		NativeCRS:  cov.NativeCRS,
		Dimensions: cov.Dimensions,
		BBox:       toBBox(cov.NativeBoundingBox),
	})
	if err != nil {
		return err
	}
	p.styleKind = geoserver.StyleRaster
	return s.insertLayer(ctx, p, cov.Name, nil, &covID)
}

func (s *PublishService) insertLayer(ctx context.Context, p *geoPublish, name string, ftID, covID *int64) error {
	ws := p.workspace.Name
	fileID := p.file.ID
	spec := catalog.LayerSpec{
		WorkspaceID:   p.workspace.ID,
		Name:          name,
		FeatureTypeID: ftID,
		CoverageID:    covID,
		FileID:        &fileID,
		Queryable:     ftID != nil,
		WMSURL:        s.geo.WMSURL(ws, name),
	}
	if ftID != nil {
		spec.WFSURL = s.geo.WFSURL(ws, name)
	} else {
		spec.WCSURL = s.geo.WCSURL(ws, name)
	}
	id, err := s.repo.InsertLayer(ctx, spec)
	if err != nil {
		return err
	}
	probe, err := s.geo.VerifyLayer(ctx, ws, name)
	if err != nil {
		return err
	}
	p.out = &LayerResult{
		LayerID:   id,
		Workspace: ws,
		Name:      name,
		Store:     p.store,
		StoreKind: p.kind,
		Table:     p.table,
		WMSURL:    spec.WMSURL,
		WFSURL:    spec.WFSURL,
		WCSURL:    spec.WCSURL,
		Probe:     probe,
	}
	return nil
}

// applyStyle 图层已可用，样式失败只记警告
func (s *PublishService) applyStyle(ctx context.Context, p *geoPublish) error {
	out := p.out
	style := out.Name + "_style"
	logger := log.Ctx(ctx).With().Str("style", style).Logger()
	warn := func(err error, msg string) {
		logger.Warn().Err(err).Msg(msg)
		out.Warnings = append(out.Warnings, msg+": "+err.Error())
	}
	sld, err := geoserver.DefaultSLD(style, p.styleKind)
	if err != nil {
		warn(err, "build default style")
		return nil
	}
	if err := s.geo.CreateStyle(ctx, out.Workspace, style, sld); err != nil {
		warn(err, "create style")
		return nil
	}
	if _, err := s.repo.UpsertStyle(ctx, p.workspace.ID, style, string(sld)); err != nil {
		warn(err, "save style")
	}
	if err := s.geo.SetLayerDefaultStyle(ctx, out.Workspace, out.Name, style); err != nil {
		warn(err, "set default style")
		return nil
	}
	if err := s.repo.SetLayerDefaultStyle(ctx, out.LayerID, style); err != nil {
		return err
	}
	out.Style = style
	return nil
}

func toBBox(b *geoserver.BoundingBox) *catalog.BBox {
	if b == nil {
		return nil
	}
	return &catalog.BBox{MinX: b.MinX, MinY: b.MinY, MaxX: b.MaxX, MaxY: b.MaxY}
}

// isImportTable 由本服务导入的表，gs_ 表或切片服务表
func isImportTable(name string) bool {
	for _, prefix := range []string{pgmvt.PrefixGeoServer, pgmvt.PrefixVector, pgmvt.PrefixGeoJSON} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// UnpublishFromGeoServer 删除图层；存储随之清空时同步删除 GeoServer 存储。
// 导入表不再被任何切片服务或要素类型引用时一并删除。
func (s *PublishService) UnpublishFromGeoServer(ctx context.Context, layerID int64) error {
	layer, err := s.repo.GetLayer(ctx, layerID)
	if err != nil {
		return err
	}
	if layer.FileID != nil {
		unlock := s.lockFile(backendGeoServer, *layer.FileID)
		defer unlock()
	}
	ws, err := s.repo.GetWorkspaceByID(ctx, layer.WorkspaceID)
	if err != nil {
		return err
	}
	logger := log.Ctx(ctx).With().Str("layer", geoserver.QualifiedName(ws.Name, layer.Name)).Logger()

	var table string
	if layer.FeatureTypeID != nil {
		ft, err := s.repo.GetFeatureType(ctx, *layer.FeatureTypeID)
		if err != nil {
			return err
		}
		if isImportTable(ft.NativeName) {
			table = ft.NativeName
		}
	}

	removed, err := s.repo.DeleteLayerCascade(ctx, layer.ID)
	if err != nil {
		return err
	}
	if removed == nil {
		logger.Warn().Msg("store still has other resources, geoserver store kept")
	} else if err := s.geo.DeleteStore(ctx, ws.Name, removed.Name, removed.Kind); err != nil {
		return err
	}
	if table != "" {
		if err := s.dropTableIfUnused(ctx, table, 0); err != nil {
			logger.Warn().Err(err).Str("table", table).Msg("drop layer table failed, left for sweep")
		}
	}
	if layer.FileID != nil {
		s.settleFileStatus(ctx, *layer.FileID)
	}
	logger.Info().Msg("layer unpublished")
	return nil
}
