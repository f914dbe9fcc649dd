package pgmvt

import (
	"context"
	"encoding/json"
	"math"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog/log"
)

// Sink 导入器依赖的存储操作，*Store 实现该接口
type Sink interface {
	CreateTable(ctx context.Context, spec TableSpec) error
	InsertBatch(ctx context.Context, spec InsertSpec, rows []Row) (int, error)
	CreateSpatialIndex(ctx context.Context, table, geomColumn string) error
	RegisterGeometryColumn(ctx context.Context, table string) error
	Analyze(ctx context.Context, table, geomColumn string) (*TableStats, error)
	DropTable(ctx context.Context, table string) error
}

const DefaultBatchSize = 100

// ImportOptions 导入参数
type ImportOptions struct {
	Table        string
	DeclaredSRID *int
	TargetSRID   int // 仅 DXF 使用，默认 3857
	BatchSize    int
	TempDir      string
}

func (o ImportOptions) batchSize() int {
	if o.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return o.BatchSize
}

// ImportResult 导入汇总，写入切片服务记录的 import_summary
type ImportResult struct {
	Table          string          `json:"table"`
	GeometryColumn string          `json:"geometry_column"`
	GeometryType   string          `json:"geometry_type"`
	SRID           int             `json:"srid"`
	SourceSRID     int             `json:"source_srid"`
	OriginalCount  int             `json:"original_count"`
	ImportedCount  int             `json:"imported_count"`
	SkippedCount   int             `json:"skipped_count"`
	SuccessRate    float64         `json:"success_rate"`
	GeometryTypes  []string        `json:"geometry_types"`
	IsMixed        bool            `json:"is_mixed"`
	Encoding       string          `json:"encoding,omitempty"`
	Stats          *TableStats     `json:"stats,omitempty"`
	Warnings       []string        `json:"warnings,omitempty"`
	SkipReasons    map[string]int  `json:"skip_reasons,omitempty"`
	Style          json.RawMessage `json:"-"`
}

func newResult(table string) *ImportResult {
	return &ImportResult{Table: table, GeometryColumn: "geom", SkipReasons: map[string]int{}}
}

func (r *ImportResult) skip(reason string) {
	r.SkippedCount++
	r.SkipReasons[reason]++
}

func (r *ImportResult) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// batchWriter 攒批写入；整批失败后逐行重试，单行失败计入跳过
type batchWriter struct {
	sink    Sink
	spec    InsertSpec
	size    int
	pending []Row
	res     *ImportResult
}

func newBatchWriter(sink Sink, spec InsertSpec, size int, res *ImportResult) *batchWriter {
	return &batchWriter{sink: sink, spec: spec, size: size, res: res}
}

func (w *batchWriter) add(ctx context.Context, r Row) error {
	w.pending = append(w.pending, r)
	if len(w.pending) >= w.size {
		return w.flush(ctx)
	}
	return nil
}

func (w *batchWriter) flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	rows := w.pending
	w.pending = nil

	n, err := w.sink.InsertBatch(ctx, w.spec, rows)
	if err == nil {
		w.res.ImportedCount += n
		return nil
	}
	if fatal(err) {
		return err
	}
	log.Ctx(ctx).Warn().Err(err).Str("table", w.spec.Table).Int("rows", len(rows)).Msg("batch failed, retrying row by row")
	for _, r := range rows {
		n, err := w.sink.InsertBatch(ctx, w.spec, []Row{r})
		if err != nil {
			if fatal(err) {
				return err
			}
			log.Ctx(ctx).Debug().Err(err).Str("table", w.spec.Table).Msg("row skipped")
			w.res.skip("insert_failed")
			continue
		}
		w.res.ImportedCount += n
	}
	return nil
}

// 连接、超时类错误不再逐行重试
func fatal(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindConnection, apperr.KindTimeout, apperr.KindValidation:
		return true
	}
	return false
}

// finish 零导入时删表并返回 data-invalid；否则建索引、登记几何列、统计
func finish(ctx context.Context, sink Sink, res *ImportResult) error {
	if res.OriginalCount > 0 {
		res.SuccessRate = math.Round(float64(res.ImportedCount)/float64(res.OriginalCount)*10000) / 100
	}
	if res.ImportedCount == 0 {
		if err := sink.DropTable(ctx, res.Table); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("table", res.Table).Msg("drop empty table failed")
		}
		return apperr.ErrDataInvalid.Msgf("no valid geometries imported (%d skipped of %d)", res.SkippedCount, res.OriginalCount)
	}
	if err := sink.CreateSpatialIndex(ctx, res.Table, res.GeometryColumn); err != nil {
		return err
	}
	if err := sink.RegisterGeometryColumn(ctx, res.Table); err != nil {
		return err
	}
	stats, err := sink.Analyze(ctx, res.Table, res.GeometryColumn)
	if err != nil {
		return err
	}
	res.Stats = stats
	if len(res.SkipReasons) == 0 {
		res.SkipReasons = nil
	}
	log.Ctx(ctx).Info().
		Str("table", res.Table).
		Int("original", res.OriginalCount).
		Int("imported", res.ImportedCount).
		Int("skipped", res.SkippedCount).
		Float64("success_rate", res.SuccessRate).
		Msg("import finished")
	return nil
}

// emptyGeometry 空几何或点数不足的几何
func emptyGeometry(g orb.Geometry) bool {
	switch x := g.(type) {
	case nil:
		return true
	case orb.Point:
		return math.IsNaN(x[0]) || math.IsNaN(x[1])
	case orb.MultiPoint:
		return len(x) == 0
	case orb.LineString:
		return len(x) < 2
	case orb.MultiLineString:
		if len(x) == 0 {
			return true
		}
		for _, ls := range x {
			if len(ls) < 2 {
				return true
			}
		}
	case orb.Polygon:
		return len(x) == 0 || len(x[0]) < 4
	case orb.MultiPolygon:
		if len(x) == 0 {
			return true
		}
		for _, p := range x {
			if len(p) == 0 || len(p[0]) < 4 {
				return true
			}
		}
	case orb.Collection:
		return len(x) == 0
	}
	return false
}
