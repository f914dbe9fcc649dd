package pgmvt

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewStore(mock, "public"), mock
}

func TestCreateTable(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`DROP TABLE IF EXISTS "public"."geojson_ab" CASCADE`)).
		WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE "public"."geojson_ab" ("id" SERIAL PRIMARY KEY, "name" TEXT, "geom_type" TEXT, "geom" geometry(GEOMETRY, 4326))`)).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	err := store.CreateTable(context.Background(), TableSpec{
		Name:         "geojson_ab",
		Columns:      []Column{{Name: "name", Type: "TEXT"}, {Name: "geom_type", Type: "TEXT"}},
		GeometryType: "geometry",
		SRID:         4326,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTableValidation(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	err := store.CreateTable(ctx, TableSpec{Name: "t", GeometryType: "CIRCLE", SRID: 4326})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	err = store.CreateTable(ctx, TableSpec{Name: "t", GeometryType: "POINT", SRID: 0})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	err = store.CreateTable(ctx, TableSpec{Name: "t", SRID: 4326, Columns: []Column{{Name: "x", Type: "TEXT; DROP TABLE y"}}})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatchTransformsSRID(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."vector_1a2b3c4d" ("name", "geom") VALUES ($1, ST_Transform(ST_SetSRID(ST_GeomFromText($2), 4490), 4326))`)).
		WithArgs("a", "POINT(1 2)").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta(`VALUES ($1, ST_SetSRID(ST_GeomFromText($2), 4326))`)).
		WithArgs("b", "POINT(3 4)").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	spec := InsertSpec{Table: "vector_1a2b3c4d", Columns: []string{"name"}, TargetSRID: 4326}
	n, err := store.InsertBatch(context.Background(), spec, []Row{
		{Values: []any{"a"}, Geometry: orb.Point{1, 2}, SRID: 4490},
		{Values: []any{"b"}, Geometry: orb.Point{3, 4}, SRID: 4326},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatchWKBMulti(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`ST_Multi(ST_Force2D(ST_SetSRID(ST_GeomFromWKB($1), 4326)))`)).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	spec := InsertSpec{Table: "t", TargetSRID: 4326, Format: FormatWKB, Force2D: true, Multi: true}
	_, err := store.InsertBatch(context.Background(), spec, []Row{{Geometry: orb.LineString{{0, 0}, {1, 1}}}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatchRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO").
		WithArgs("a", pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "XX000", Message: "parse error - invalid geometry"})
	mock.ExpectRollback()

	spec := InsertSpec{Table: "t", Columns: []string{"name"}, TargetSRID: 4326}
	n, err := store.InsertBatch(context.Background(), spec, []Row{
		{Values: []any{"a"}, Geometry: orb.Point{1, 2}},
		{Values: []any{"b"}, Geometry: orb.Point{3, 4}},
	})
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, apperr.ErrDataInvalid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalyze(t *testing.T) {
	store, mock := newMockStore(t)
	f := func(v float64) *float64 { return &v }

	mock.ExpectExec(regexp.QuoteMeta(`ANALYZE "public"."t"`)).WillReturnResult(pgxmock.NewResult("ANALYZE", 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT (SELECT count(*) FROM "public"."t")`)).
		WillReturnRows(mock.NewRows([]string{"count", "xmin", "ymin", "xmax", "ymax"}).
			AddRow(int64(3), f(100), f(20), f(120), f(40)))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT GeometryType("geom"), count(*)`)).
		WillReturnRows(mock.NewRows([]string{"geometrytype", "count"}).
			AddRow("POINT", int64(2)).
			AddRow("LINESTRING", int64(1)))

	stats, err := store.Analyze(context.Background(), "t", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Count)
	assert.Equal(t, []float64{100, 20, 120, 40}, stats.Bounds)
	assert.Equal(t, map[string]int64{"POINT": 2, "LINESTRING": 1}, stats.ByType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSchemaHelpers(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX IF NOT EXISTS "t_geom_idx" ON "public"."t" USING GIST ("geom")`)).
		WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))
	mock.ExpectExec("Populate_Geometry_Columns").WithArgs(`"public"."t"`).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("public", "t").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT table_name FROM information_schema.tables").WithArgs("public", "^vector_").
		WillReturnRows(mock.NewRows([]string{"table_name"}).AddRow("vector_aa").AddRow("vector_bb"))

	require.NoError(t, store.CreateSpatialIndex(ctx, "t", "geom"))
	require.NoError(t, store.RegisterGeometryColumn(ctx, "t"))
	exists, err := store.TableExists(ctx, "t")
	require.NoError(t, err)
	assert.True(t, exists)
	tables, err := store.ListTables(ctx, "^vector_")
	require.NoError(t, err)
	assert.Equal(t, []string{"vector_aa", "vector_bb"}, tables)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDropTableConnectionError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("DROP TABLE").WillReturnError(&pgconn.PgError{Code: "08006"})

	err := store.DropTable(context.Background(), "t")
	assert.ErrorIs(t, err, apperr.ErrConnection)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(&pgconn.PgError{Code: "23505"}, "x"), apperr.ErrConstraint)
	assert.ErrorIs(t, classify(&pgconn.PgError{Code: "42P07"}, "x"), apperr.ErrConflict)
	assert.ErrorIs(t, classify(&pgconn.PgError{Code: "22023"}, "x"), apperr.ErrDataInvalid)
	assert.ErrorIs(t, classify(&pgconn.PgError{Code: "57P01"}, "x"), apperr.ErrConnection)
	assert.ErrorIs(t, classify(&pgconn.PgError{Code: "42601"}, "x"), apperr.ErrInternal)
	assert.ErrorIs(t, classify(context.DeadlineExceeded, "x"), apperr.ErrTimeout)
	assert.ErrorIs(t, classify(errors.New("boom"), "x"), apperr.ErrInternal)
	assert.Nil(t, classify(nil, "x"))

	orig := apperr.ErrValidation.Msg("kept")
	assert.Same(t, orig, classify(orig, "x"))
}

func TestTableNames(t *testing.T) {
	pattern := regexp.MustCompile(`^(vector|geojson|raster)_[0-9a-f]+$`)
	v, g, r := VectorTableName(), GeoJSONTableName(), RasterSourceName()
	assert.Regexp(t, `^vector_[0-9a-f]{8}$`, v)
	assert.Regexp(t, `^geojson_[0-9a-f]{32}$`, g)
	assert.Regexp(t, `^raster_[0-9a-f]{8}$`, r)
	for _, name := range []string{v, g, r} {
		assert.True(t, pattern.MatchString(name))
	}
	assert.NotEqual(t, v, VectorTableName())
}

func TestMercator(t *testing.T) {
	x, y := LonLatToMercator(180, 0)
	assert.InDelta(t, 20037508.34, x, 0.01)
	assert.InDelta(t, 0, y, 1e-6)
	lon, lat := MercatorToLonLat(LonLatToMercator(116.4, 39.9))
	assert.InDelta(t, 116.4, lon, 1e-9)
	assert.InDelta(t, 39.9, lat, 1e-9)
	assert.Equal(t, 0, ZoomForResolution(200000))
	assert.Equal(t, 18, ZoomForResolution(0.6))
}
