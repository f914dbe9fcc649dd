package pgmvt

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/GrainArc/SouceGate/Transformer"
	"github.com/GrainArc/SouceGate/apperr"
	"github.com/GrainArc/SouceGate/methods"
	"github.com/rs/zerolog/log"
)

// ImportShapefile 导入 zip/rar 压缩包或解压后的 .shp。压缩包解压到临时目录，结束后删除。
func ImportShapefile(ctx context.Context, sink Sink, path string, opts ImportOptions) (*ImportResult, error) {
	shpPath := path
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".rar":
		dir, err := methods.MakeTempDir(opts.TempDir, "shp-*")
		if err != nil {
			return nil, apperr.ErrInternal.Msg("create temp dir").Err(err)
		}
		defer methods.RemoveAllQuietly(dir)
		if err := methods.Extract(path, dir); err != nil {
			return nil, err
		}
		found := Transformer.FindFiles(dir, "shp")
		if len(found) == 0 {
			return nil, apperr.ErrValidation.Msg("archive contains no .shp file")
		}
		if len(found) > 1 {
			log.Ctx(ctx).Warn().Strs("files", found).Msg("archive contains several shapefiles, importing the first")
		}
		shpPath = found[0]
	case ".shp":
	default:
		return nil, apperr.ErrValidation.Msgf("unsupported shapefile input %s", filepath.Base(path))
	}
	return importShp(ctx, sink, shpPath, opts)
}

func importShp(ctx context.Context, sink Sink, shpPath string, opts ImportOptions) (*ImportResult, error) {
	shape, err := Transformer.OpenShapefile(shpPath, opts.DeclaredSRID)
	if err != nil {
		return nil, err
	}
	defer shape.Close()

	res := newResult(opts.Table)
	res.SRID, res.SourceSRID = shape.SRID, shape.SRID
	res.GeometryType = shape.GeometryType
	res.GeometryTypes = []string{shape.GeometryType}
	res.Encoding = "utf-8"
	res.Warnings = append(res.Warnings, shape.Warnings...)
	opened := len(shape.Warnings)
	if shape.SRIDSource == Transformer.SRIDFromHeuristic {
		res.warn("no usable .prj, SRID guessed from coordinates")
	}

	spec := TableSpec{Name: opts.Table, GeometryType: shape.GeometryType, SRID: shape.SRID}
	ins := InsertSpec{
		Table:          opts.Table,
		GeometryColumn: "geom",
		TargetSRID:     shape.SRID,
		Format:         FormatWKB,
		Force2D:        true,
		Multi:          strings.HasPrefix(shape.GeometryType, "MULTI"),
	}
	for _, f := range shape.Fields {
		spec.Columns = append(spec.Columns, Column{Name: f.Column, Type: f.Type.SQL()})
		ins.Columns = append(ins.Columns, f.Column)
	}
	if err := sink.CreateTable(ctx, spec); err != nil {
		return nil, err
	}

	logger := log.Ctx(ctx).With().Str("table", opts.Table).Logger()
	w := newBatchWriter(sink, ins, opts.batchSize(), res)
	err = shape.Each(func(rec Transformer.ShapeRecord) error {
		res.OriginalCount++
		if rec.Err != nil {
			logger.Debug().Err(rec.Err).Int("record", rec.Index).Msg("shape skipped")
			res.skip("invalid_geometry")
			return nil
		}
		return w.add(ctx, Row{Values: rec.Values, Geometry: rec.Geometry, SRID: shape.SRID})
	})
	if err == nil {
		err = w.flush(ctx)
	}
	// Each 中产生的编码告警
	res.Warnings = append(res.Warnings, shape.Warnings[opened:]...)
	if err != nil {
		sink.DropTable(ctx, opts.Table)
		return nil, err
	}
	if err := finish(ctx, sink, res); err != nil {
		return nil, err
	}
	return res, nil
}
