package pgmvt

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/GrainArc/SouceGate/Transformer"
	"github.com/GrainArc/SouceGate/apperr"
	"github.com/rs/zerolog/log"
)

const DefaultDXFTargetSRID = 3857

// DXF 输出表结构固定，切片服务的样式依赖这些列
var dxfColumns = []Column{
	{Name: "cad_layer", Type: "TEXT"},
	{Name: "paperspace", Type: "BOOLEAN"},
	{Name: "subclasses", Type: "TEXT"},
	{Name: "linetype", Type: "TEXT"},
	{Name: "entityhandle", Type: "TEXT"},
	{Name: "text", Type: "TEXT"},
	{Name: "rawcodevalues", Type: "TEXT[]"},
	{Name: "color_value", Type: "INTEGER"},
	{Name: "color_name", Type: "TEXT"},
	{Name: "color_rgb", Type: "TEXT"},
	{Name: "lineweight", Type: "INTEGER"},
}

// DXFTableSpec 返回 DXF 导入表定义
func DXFTableSpec(table string, srid int) TableSpec {
	return TableSpec{
		Name:         table,
		PrimaryKey:   "gid",
		Columns:      append([]Column(nil), dxfColumns...),
		GeometryType: "GEOMETRY",
		SRID:         srid,
	}
}

// ImportDXF 解析 DXF 并写入固定结构的表，几何从源坐标系转换到目标坐标系（默认 3857）
func ImportDXF(ctx context.Context, sink Sink, path string, opts ImportOptions) (*ImportResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.ErrNotFound.Msgf("read %s", path).Err(err)
	}
	doc, err := Transformer.ReadDXF(raw)
	if err != nil {
		return nil, err
	}
	if len(doc.Entities) == 0 {
		return nil, apperr.ErrDataInvalid.Msg("DXF has no model space entities")
	}

	target := opts.TargetSRID
	if target <= 0 {
		target = DefaultDXFTargetSRID
	}
	var source int
	if opts.DeclaredSRID != nil && *opts.DeclaredSRID > 0 {
		source = *opts.DeclaredSRID
	} else {
		source = detectDXFSRID(doc)
	}

	res := newResult(opts.Table)
	res.SRID, res.SourceSRID = target, source
	res.GeometryType = "GEOMETRY"
	res.Encoding = doc.Encoding
	res.OriginalCount = len(doc.Entities)

	spec := DXFTableSpec(opts.Table, target)
	ins := InsertSpec{Table: opts.Table, GeometryColumn: "geom", TargetSRID: target, Format: FormatWKT}
	for _, c := range spec.Columns {
		ins.Columns = append(ins.Columns, c.Name)
	}
	if err := sink.CreateTable(ctx, spec); err != nil {
		return nil, err
	}

	logger := log.Ctx(ctx).With().Str("table", opts.Table).Str("encoding", doc.Encoding).Logger()
	types := map[string]bool{}
	w := newBatchWriter(sink, ins, opts.batchSize(), res)
	for i := range doc.Entities {
		e := &doc.Entities[i]
		geom, err := Transformer.EntityGeometry(e)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindValidation {
				res.skip("unsupported_type:" + e.Type)
			} else {
				logger.Debug().Err(err).Str("handle", e.Handle).Msg("entity skipped")
				res.skip("invalid_geometry")
			}
			continue
		}
		types[Transformer.GeometryTypeName(geom)] = true
		if err := w.add(ctx, Row{Values: dxfValues(e, doc.Layers), Geometry: geom, SRID: source}); err != nil {
			sink.DropTable(ctx, opts.Table)
			return nil, err
		}
	}
	if err := w.flush(ctx); err != nil {
		sink.DropTable(ctx, opts.Table)
		return nil, err
	}
	for t := range types {
		res.GeometryTypes = append(res.GeometryTypes, t)
	}
	sort.Strings(res.GeometryTypes)
	res.IsMixed = len(res.GeometryTypes) > 1

	if err := finish(ctx, sink, res); err != nil {
		return nil, err
	}
	style, err := json.Marshal(DXFStyle(opts.Table))
	if err == nil {
		res.Style = style
	}
	return res, nil
}

func dxfValues(e *Transformer.DXFEntity, layers map[string]Transformer.DXFLayer) []any {
	color := Transformer.ResolveColor(e, layers)
	var text any
	if e.Type == "TEXT" || e.Type == "MTEXT" {
		text = e.Text
	}
	raw := e.RawCodes
	if raw == nil {
		raw = []string{}
	}
	return []any{
		e.Layer,
		e.Paperspace,
		strings.Join(e.Subclasses, ","),
		e.Linetype,
		e.Handle,
		text,
		raw,
		color.Value,
		color.Name,
		color.RGB.String(),
		e.Lineweight,
	}
}

// detectDXFSRID 未声明坐标系时按第一个实体的 X 坐标推断
func detectDXFSRID(doc *Transformer.DXFDocument) int {
	for _, e := range doc.Entities {
		if len(e.Points) > 0 {
			return Transformer.DetectCoordinateSystem(e.Points[0][0])
		}
	}
	return Transformer.DefaultSRID
}

// DXFStyle 按 color_rgb 着色的 MapLibre 图层样式
func DXFStyle(table string) map[string]any {
	color := []any{"concat", "rgb", []any{"get", "color_rgb"}}
	layer := func(id, kind, geomType string, paint map[string]any) map[string]any {
		return map[string]any{
			"id":           table + "_" + id,
			"type":         kind,
			"source":       table,
			"source-layer": table,
			"filter":       []any{"==", []any{"geometry-type"}, geomType},
			"paint":        paint,
		}
	}
	return map[string]any{
		"version": 8,
		"layers": []any{
			layer("fill", "fill", "Polygon", map[string]any{"fill-color": color, "fill-opacity": 0.4, "fill-outline-color": color}),
			layer("line", "line", "LineString", map[string]any{"line-color": color, "line-width": 1}),
			layer("point", "circle", "Point", map[string]any{"circle-color": color, "circle-radius": 3}),
		},
	}
}
