package pgmvt

import (
	"context"
	"fmt"
	"strings"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// Column 属性列，Type 为 SQL 类型
type Column struct {
	Name string
	Type string
}

// TableSpec 矢量表定义
type TableSpec struct {
	Name           string
	PrimaryKey     string // 默认 id
	Columns        []Column
	GeometryColumn string // 默认 geom
	GeometryType   string // POINT/LINESTRING/POLYGON/MULTI*/GEOMETRY
	SRID           int
}

var geometryTypes = map[string]bool{
	"POINT":              true,
	"LINESTRING":         true,
	"POLYGON":            true,
	"MULTIPOINT":         true,
	"MULTILINESTRING":    true,
	"MULTIPOLYGON":       true,
	"GEOMETRYCOLLECTION": true,
	"GEOMETRY":           true,
}

var columnTypes = map[string]bool{
	"TEXT":             true,
	"TEXT[]":           true,
	"BIGINT":           true,
	"INTEGER":          true,
	"DOUBLE PRECISION": true,
	"BOOLEAN":          true,
}

func (t *TableSpec) normalize() error {
	if t.Name == "" {
		return apperr.ErrValidation.Msg("table name is required")
	}
	if t.PrimaryKey == "" {
		t.PrimaryKey = "id"
	}
	if t.GeometryColumn == "" {
		t.GeometryColumn = "geom"
	}
	t.GeometryType = strings.ToUpper(t.GeometryType)
	if t.GeometryType == "" {
		t.GeometryType = "GEOMETRY"
	}
	if !geometryTypes[t.GeometryType] {
		return apperr.ErrValidation.Msgf("unsupported geometry type %s", t.GeometryType)
	}
	if t.SRID <= 0 {
		return apperr.ErrValidation.Msgf("invalid srid %d", t.SRID)
	}
	for _, c := range t.Columns {
		if !columnTypes[strings.ToUpper(c.Type)] {
			return apperr.ErrValidation.Msgf("unsupported column type %s for %s", c.Type, c.Name)
		}
	}
	return nil
}

// CreateTableSQL 生成建表语句
func (s *Store) CreateTableSQL(spec TableSpec) (string, error) {
	if err := spec.normalize(); err != nil {
		return "", err
	}
	defs := []string{quote(spec.PrimaryKey) + " SERIAL PRIMARY KEY"}
	for _, c := range spec.Columns {
		defs = append(defs, quote(c.Name)+" "+strings.ToUpper(c.Type))
	}
	defs = append(defs, fmt.Sprintf("%s geometry(%s, %d)", quote(spec.GeometryColumn), spec.GeometryType, spec.SRID))
	return fmt.Sprintf("CREATE TABLE %s (%s)", s.ident(spec.Name), strings.Join(defs, ", ")), nil
}

// CreateTable 先删除同名表再创建
func (s *Store) CreateTable(ctx context.Context, spec TableSpec) error {
	query, err := s.CreateTableSQL(spec)
	if err != nil {
		return err
	}
	if err := s.DropTable(ctx, spec.Name); err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, query); err != nil {
		return classify(err, "create table "+spec.Name)
	}
	log.Ctx(ctx).Debug().Str("table", spec.Name).Str("geometry_type", spec.GeometryType).Int("srid", spec.SRID).Msg("table created")
	return nil
}

// CreateSpatialIndex 创建 {table}_geom_idx，已存在时跳过
func (s *Store) CreateSpatialIndex(ctx context.Context, table, geomColumn string) error {
	if geomColumn == "" {
		geomColumn = "geom"
	}
	query := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIST (%s)",
		quote(table+"_geom_idx"), s.ident(table), quote(geomColumn))
	if _, err := s.db.Exec(ctx, query); err != nil {
		return classify(err, "create spatial index on "+table)
	}
	return nil
}

func (s *Store) DropTable(ctx context.Context, table string) error {
	if _, err := s.db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", s.ident(table))); err != nil {
		return classify(err, "drop table "+table)
	}
	return nil
}

func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)",
		s.schema, table).Scan(&exists)
	if err != nil {
		return false, classify(err, "check table "+table)
	}
	return exists, nil
}

// ListTables 返回当前 schema 下名称匹配正则的表
func (s *Store) ListTables(ctx context.Context, pattern string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = $1 AND table_name ~ $2 ORDER BY table_name",
		s.schema, pattern)
	if err != nil {
		return nil, classify(err, "list tables")
	}
	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify(err, "list tables")
	}
	return tables, nil
}

// RegisterGeometryColumn 刷新 geometry_columns 中该表的记录
func (s *Store) RegisterGeometryColumn(ctx context.Context, table string) error {
	if _, err := s.db.Exec(ctx, "SELECT Populate_Geometry_Columns($1::regclass)", s.ident(table)); err != nil {
		return classify(err, "register geometry column for "+table)
	}
	return nil
}

// TableStats analyze_table 结果
type TableStats struct {
	Count  int64            `json:"count"`
	ByType map[string]int64 `json:"by_type"`
	// [minx, miny, maxx, maxy]，EPSG:4326；空表为 nil
	Bounds []float64 `json:"bounds,omitempty"`
}

// Analyze 更新统计信息并返回要素数、各几何类型计数和 4326 下的范围
func (s *Store) Analyze(ctx context.Context, table, geomColumn string) (*TableStats, error) {
	if geomColumn == "" {
		geomColumn = "geom"
	}
	ident, geom := s.ident(table), quote(geomColumn)
	if _, err := s.db.Exec(ctx, "ANALYZE "+ident); err != nil {
		return nil, classify(err, "analyze "+table)
	}

	stats := &TableStats{ByType: map[string]int64{}}
	var minx, miny, maxx, maxy *float64
	query := fmt.Sprintf(`SELECT (SELECT count(*) FROM %[2]s), ST_XMin(e), ST_YMin(e), ST_XMax(e), ST_YMax(e)
FROM (SELECT ST_Extent(ST_Transform(%[1]s, 4326))::box3d AS e FROM %[2]s) x`, geom, ident)
	if err := s.db.QueryRow(ctx, query).Scan(&stats.Count, &minx, &miny, &maxx, &maxy); err != nil {
		return nil, classify(err, "extent of "+table)
	}
	if minx != nil && miny != nil && maxx != nil && maxy != nil {
		stats.Bounds = []float64{*minx, *miny, *maxx, *maxy}
	}

	rows, err := s.db.Query(ctx, fmt.Sprintf(
		"SELECT GeometryType(%s), count(*) FROM %s WHERE %s IS NOT NULL GROUP BY 1", geom, ident, geom))
	if err != nil {
		return nil, classify(err, "geometry types of "+table)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, classify(err, "geometry types of "+table)
		}
		stats.ByType[t] = n
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "geometry types of "+table)
	}
	return stats, nil
}
