package pgmvt

import (
	"context"
	"fmt"
	"os"

	"github.com/GrainArc/SouceGate/Transformer"
	"github.com/GrainArc/SouceGate/apperr"
	"github.com/rs/zerolog/log"
)

const geomTypeColumn = "geom_type"

// ImportGeoJSON 将 FeatureCollection 写入单表。多种几何类型时几何列为 GEOMETRY，并增加 geom_type 列。
func ImportGeoJSON(ctx context.Context, sink Sink, path string, opts ImportOptions) (*ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.ErrNotFound.Msgf("read %s", path).Err(err)
	}
	doc, err := Transformer.ReadGeoJSON(data, opts.DeclaredSRID)
	if err != nil {
		return nil, err
	}
	if len(doc.Features) == 0 {
		return nil, apperr.ErrValidation.Msg("FeatureCollection has no features")
	}

	res := newResult(opts.Table)
	res.SRID, res.SourceSRID = doc.SRID, doc.SRID
	res.GeometryTypes = doc.GeometryTypes
	res.IsMixed = doc.IsMixed()
	res.GeometryType = doc.ColumnGeometryType()
	res.OriginalCount = len(doc.Features)
	if doc.SRIDFromCRS && opts.DeclaredSRID != nil && *opts.DeclaredSRID > 0 && *opts.DeclaredSRID != doc.SRID {
		res.warn(fmt.Sprintf("declared SRID %d differs from document CRS %d; using %d", *opts.DeclaredSRID, doc.SRID, doc.SRID))
	}

	spec := TableSpec{
		Name:         opts.Table,
		GeometryType: res.GeometryType,
		SRID:         doc.SRID,
	}
	ins := InsertSpec{Table: opts.Table, GeometryColumn: "geom", TargetSRID: doc.SRID, Format: FormatWKT}
	for _, f := range doc.Fields {
		spec.Columns = append(spec.Columns, Column{Name: f.Column, Type: f.Type.SQL()})
		ins.Columns = append(ins.Columns, f.Column)
	}
	if res.IsMixed {
		spec.Columns = append(spec.Columns, Column{Name: geomTypeColumn, Type: "TEXT"})
		ins.Columns = append(ins.Columns, geomTypeColumn)
	}
	if err := sink.CreateTable(ctx, spec); err != nil {
		return nil, err
	}

	logger := log.Ctx(ctx).With().Str("table", opts.Table).Logger()
	w := newBatchWriter(sink, ins, opts.batchSize(), res)
	for _, f := range doc.Features {
		if f.Err != nil {
			logger.Debug().Err(f.Err).Int("feature", f.Index).Msg("feature skipped")
			res.skip("invalid_geometry")
			continue
		}
		if emptyGeometry(f.Geometry) {
			logger.Debug().Int("feature", f.Index).Msg("empty geometry skipped")
			res.skip("empty_geometry")
			continue
		}
		values := make([]any, 0, len(ins.Columns))
		for _, field := range doc.Fields {
			values = append(values, Transformer.ConvertValue(f.Properties[field.Source], field.Type))
		}
		if res.IsMixed {
			values = append(values, f.Geometry.GeoJSONType())
		}
		if err := w.add(ctx, Row{Values: values, Geometry: f.Geometry, SRID: doc.SRID}); err != nil {
			sink.DropTable(ctx, opts.Table)
			return nil, err
		}
	}
	if err := w.flush(ctx); err != nil {
		sink.DropTable(ctx, opts.Table)
		return nil, err
	}
	if err := finish(ctx, sink, res); err != nil {
		return nil, err
	}
	return res, nil
}
