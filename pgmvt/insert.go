package pgmvt

import (
	"context"
	"fmt"
	"strings"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/encoding/wkt"
)

// GeometryFormat 几何参数的编码方式
type GeometryFormat int

const (
	FormatWKT GeometryFormat = iota
	FormatWKB
)

// InsertSpec 批量写入的目标表与几何处理方式
type InsertSpec struct {
	Table          string
	Columns        []string
	GeometryColumn string
	TargetSRID     int
	Format         GeometryFormat
	Force2D        bool
	Multi          bool
}

// Row 一条待写入记录，Values 与 InsertSpec.Columns 一一对应
type Row struct {
	Values   []any
	Geometry orb.Geometry
	SRID     int // 源坐标系，与 TargetSRID 不同时在库内转换
}

// geometryExpr 构造几何参数表达式：ST_SetSRID(ST_GeomFromText($n), srid)，必要时再 ST_Transform
func geometryExpr(spec InsertSpec, placeholder string, srid int) string {
	fn := "ST_GeomFromText"
	if spec.Format == FormatWKB {
		fn = "ST_GeomFromWKB"
	}
	expr := fmt.Sprintf("ST_SetSRID(%s(%s), %d)", fn, placeholder, srid)
	if spec.Force2D {
		expr = "ST_Force2D(" + expr + ")"
	}
	if spec.Multi {
		expr = "ST_Multi(" + expr + ")"
	}
	if srid != spec.TargetSRID {
		expr = fmt.Sprintf("ST_Transform(%s, %d)", expr, spec.TargetSRID)
	}
	return expr
}

func (s *Store) insertSQL(spec InsertSpec, srid int) string {
	cols := make([]string, 0, len(spec.Columns)+1)
	args := make([]string, 0, len(spec.Columns)+1)
	for i, c := range spec.Columns {
		cols = append(cols, quote(c))
		args = append(args, fmt.Sprintf("$%d", i+1))
	}
	cols = append(cols, quote(spec.GeometryColumn))
	args = append(args, geometryExpr(spec, fmt.Sprintf("$%d", len(spec.Columns)+1), srid))
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", s.ident(spec.Table), strings.Join(cols, ", "), strings.Join(args, ", "))
}

func encodeGeometry(spec InsertSpec, g orb.Geometry) (any, error) {
	if g == nil {
		return nil, apperr.ErrDataInvalid.Msg("nil geometry")
	}
	if spec.Format == FormatWKB {
		b, err := wkb.Marshal(g)
		if err != nil {
			return nil, apperr.ErrDataInvalid.Msg("encode wkb").Err(err)
		}
		return b, nil
	}
	return wkt.MarshalString(g), nil
}

// InsertBatch 在一个事务内写入 rows。任意一行失败时整批回滚，由调用方决定是否逐行重试。
func (s *Store) InsertBatch(ctx context.Context, spec InsertSpec, rows []Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if spec.GeometryColumn == "" {
		spec.GeometryColumn = "geom"
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, classify(err, "begin insert batch")
	}
	for i, r := range rows {
		if len(r.Values) != len(spec.Columns) {
			tx.Rollback(ctx)
			return 0, apperr.ErrValidation.Msgf("row %d has %d values, want %d", i, len(r.Values), len(spec.Columns))
		}
		geom, err := encodeGeometry(spec, r.Geometry)
		if err != nil {
			tx.Rollback(ctx)
			return 0, err
		}
		srid := r.SRID
		if srid <= 0 {
			srid = spec.TargetSRID
		}
		args := append(append(make([]any, 0, len(r.Values)+1), r.Values...), geom)
		if _, err := tx.Exec(ctx, s.insertSQL(spec, srid), args...); err != nil {
			tx.Rollback(ctx)
			return 0, classify(err, fmt.Sprintf("insert row %d into %s", i, spec.Table))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, classify(err, "commit insert batch")
	}
	return len(rows), nil
}
