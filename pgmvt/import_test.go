package pgmvt

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/GrainArc/SouceGate/methods"
	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	specs      map[string]TableSpec
	rows       map[string][]Row
	dropped    []string
	indexed    []string
	registered []string
	batches    int
	failOn     any
}

func newFakeSink() *fakeSink {
	return &fakeSink{specs: map[string]TableSpec{}, rows: map[string][]Row{}}
}

func (f *fakeSink) CreateTable(_ context.Context, spec TableSpec) error {
	f.specs[spec.Name] = spec
	return nil
}

func (f *fakeSink) InsertBatch(_ context.Context, spec InsertSpec, rows []Row) (int, error) {
	f.batches++
	for _, r := range rows {
		for _, v := range r.Values {
			if f.failOn != nil && v == f.failOn {
				return 0, apperr.ErrDataInvalid.Msg("bad row")
			}
		}
	}
	f.rows[spec.Table] = append(f.rows[spec.Table], rows...)
	return len(rows), nil
}

func (f *fakeSink) CreateSpatialIndex(_ context.Context, table, _ string) error {
	f.indexed = append(f.indexed, table)
	return nil
}

func (f *fakeSink) RegisterGeometryColumn(_ context.Context, table string) error {
	f.registered = append(f.registered, table)
	return nil
}

func (f *fakeSink) Analyze(_ context.Context, table, _ string) (*TableStats, error) {
	return &TableStats{Count: int64(len(f.rows[table]))}, nil
}

func (f *fakeSink) DropTable(_ context.Context, table string) error {
	f.dropped = append(f.dropped, table)
	return nil
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const mixedGeoJSON = `{
  "type": "FeatureCollection",
  "crs": {"type": "name", "properties": {"name": "EPSG:4326"}},
  "features": [
    {"type":"Feature","geometry":{"type":"Point","coordinates":[116.1,39.1]},"properties":{"name":"p1"}},
    {"type":"Feature","geometry":{"type":"Point","coordinates":[116.2,39.2]},"properties":{"name":"p2"}},
    {"type":"Feature","geometry":{"type":"LineString","coordinates":[[116,39],[117,40]]},"properties":{"name":"l1"}},
    {"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[116,39],[117,39],[117,40],[116,39]]]},"properties":{"name":"a1"}}
  ]
}`

func TestImportGeoJSONMixed(t *testing.T) {
	sink := newFakeSink()
	path := writeTemp(t, "mixed.geojson", mixedGeoJSON)

	res, err := ImportGeoJSON(context.Background(), sink, path, ImportOptions{Table: "geojson_0123"})
	require.NoError(t, err)

	spec := sink.specs["geojson_0123"]
	assert.Equal(t, "GEOMETRY", spec.GeometryType)
	assert.Equal(t, 4326, spec.SRID)
	assert.Equal(t, []Column{{Name: "name", Type: "TEXT"}, {Name: "geom_type", Type: "TEXT"}}, spec.Columns)

	rows := sink.rows["geojson_0123"]
	require.Len(t, rows, 4)
	var kinds []any
	for _, r := range rows {
		kinds = append(kinds, r.Values[1])
	}
	assert.Equal(t, []any{"Point", "Point", "LineString", "Polygon"}, kinds)

	assert.True(t, res.IsMixed)
	assert.Equal(t, 4, res.ImportedCount)
	assert.Equal(t, 100.0, res.SuccessRate)
	assert.Equal(t, []string{"geojson_0123"}, sink.indexed)
	assert.Equal(t, []string{"geojson_0123"}, sink.registered)
	assert.Empty(t, sink.dropped)
}

func TestImportGeoJSONDeclaredMismatchWarns(t *testing.T) {
	sink := newFakeSink()
	path := writeTemp(t, "a.geojson", mixedGeoJSON)
	declared := 4490

	res, err := ImportGeoJSON(context.Background(), sink, path, ImportOptions{Table: "geojson_1", DeclaredSRID: &declared})
	require.NoError(t, err)
	assert.Equal(t, 4326, res.SRID)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "4490")
}

func TestImportGeoJSONNothingImported(t *testing.T) {
	sink := newFakeSink()
	path := writeTemp(t, "empty.geojson", `{"type":"FeatureCollection","features":[
	  {"type":"Feature","geometry":null,"properties":{}},
	  {"type":"Feature","geometry":{"type":"LineString","coordinates":[[1,1]]},"properties":{}}
	]}`)

	_, err := ImportGeoJSON(context.Background(), sink, path, ImportOptions{Table: "geojson_2"})
	assert.ErrorIs(t, err, apperr.ErrDataInvalid)
	assert.Equal(t, []string{"geojson_2"}, sink.dropped)
	assert.Empty(t, sink.indexed)
}

func TestImportGeoJSONSalvagesFailedBatch(t *testing.T) {
	sink := newFakeSink()
	sink.failOn = "p2"
	path := writeTemp(t, "mixed.geojson", mixedGeoJSON)

	res, err := ImportGeoJSON(context.Background(), sink, path, ImportOptions{Table: "geojson_3", BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ImportedCount)
	assert.Equal(t, 1, res.SkippedCount)
	assert.Equal(t, map[string]int{"insert_failed": 1}, res.SkipReasons)
	assert.Equal(t, 75.0, res.SuccessRate)
	// 第一批失败后逐行重试两次，第二批一次
	assert.Equal(t, 4, sink.batches)
}

func TestImportGeoJSONRejectsEmptyCollection(t *testing.T) {
	path := writeTemp(t, "none.geojson", `{"type":"FeatureCollection","features":[]}`)
	_, err := ImportGeoJSON(context.Background(), newFakeSink(), path, ImportOptions{Table: "geojson_4"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func dxfDoc(pairs ...string) string {
	return strings.Join(pairs, "\n") + "\n"
}

func TestImportDXFColors(t *testing.T) {
	path := writeTemp(t, "colors.dxf", dxfDoc(
		"0", "SECTION", "2", "TABLES",
		"0", "TABLE", "2", "LAYER",
		"0", "LAYER", "2", "L1", "70", "0", "62", "1",
		"0", "LAYER", "2", "L2", "70", "0", "62", "3",
		"0", "ENDTAB",
		"0", "ENDSEC",
		"0", "SECTION", "2", "ENTITIES",
		"0", "LINE", "5", "E1", "8", "L1", "62", "0", "10", "1", "20", "1", "11", "2", "21", "2",
		"0", "POINT", "5", "E2", "8", "L2", "420", "43707", "10", "3", "20", "3",
		"0", "CIRCLE", "5", "E3", "8", "L1", "62", "5", "10", "0", "20", "0", "40", "1",
		"0", "HATCH", "5", "E4", "8", "L1",
		"0", "ENDSEC",
		"0", "EOF",
	))
	sink := newFakeSink()

	res, err := ImportDXF(context.Background(), sink, path, ImportOptions{Table: "vector_c0ffee00"})
	require.NoError(t, err)

	spec := sink.specs["vector_c0ffee00"]
	assert.Equal(t, "gid", spec.PrimaryKey)
	assert.Equal(t, 3857, spec.SRID)
	assert.Equal(t, "GEOMETRY", spec.GeometryType)

	rows := sink.rows["vector_c0ffee00"]
	require.Len(t, rows, 3)
	byHandle := map[any][]any{}
	for _, r := range rows {
		assert.Equal(t, 4326, r.SRID)
		byHandle[r.Values[4]] = r.Values
	}
	assert.Equal(t, "(255,0,0)", byHandle["E1"][9])
	assert.Equal(t, "red (from layer)", byHandle["E1"][8])
	assert.Equal(t, []string{"62:0"}, byHandle["E1"][6])
	assert.Equal(t, "(0,170,187)", byHandle["E2"][9])
	assert.Equal(t, "(0,0,255)", byHandle["E3"][9])
	assert.Equal(t, 5, byHandle["E3"][7])

	assert.Equal(t, 4, res.OriginalCount)
	assert.Equal(t, 3, res.ImportedCount)
	assert.Equal(t, map[string]int{"unsupported_type:HATCH": 1}, res.SkipReasons)
	assert.Equal(t, "gb18030", res.Encoding)
	assert.Equal(t, []string{"LINESTRING", "POINT", "POLYGON"}, res.GeometryTypes)
	assert.True(t, res.IsMixed)

	var style map[string]any
	require.NoError(t, json.Unmarshal(res.Style, &style))
	assert.Len(t, style["layers"], 3)
}

func TestImportDXFDeclaredSource(t *testing.T) {
	path := writeTemp(t, "proj.dxf", dxfDoc(
		"0", "SECTION", "2", "ENTITIES",
		"0", "POINT", "8", "0", "10", "39500000", "20", "3400000",
		"0", "ENDSEC", "0", "EOF",
	))
	sink := newFakeSink()

	res, err := ImportDXF(context.Background(), sink, path, ImportOptions{Table: "vector_1", TargetSRID: 4490})
	require.NoError(t, err)
	assert.Equal(t, 4527, res.SourceSRID)
	assert.Equal(t, 4490, res.SRID)

	declared := 4547
	res, err = ImportDXF(context.Background(), newFakeSink(), path, ImportOptions{Table: "vector_2", DeclaredSRID: &declared})
	require.NoError(t, err)
	assert.Equal(t, 4547, res.SourceSRID)
}

func TestImportShapefileZip(t *testing.T) {
	src := t.TempDir()
	base := filepath.Join(src, "中国边界")
	w, err := shp.Create(base+".shp", shp.POLYGON)
	require.NoError(t, err)
	require.NoError(t, w.SetFields([]shp.Field{shp.StringField("NAME", 16)}))
	square := shp.Polygon(*shp.NewPolyLine([][]shp.Point{{{X: 0, Y: 0}, {X: 0, Y: 1}, {X: 1, Y: 1}, {X: 1, Y: 0}, {X: 0, Y: 0}}}))
	w.Write(&square)
	require.NoError(t, w.WriteAttribute(0, 0, "china"))
	w.Close()

	var entries []methods.ZipEntry
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		data, err := os.ReadFile(base + ext)
		require.NoError(t, err)
		entries = append(entries, methods.ZipEntry{Name: "中国边界" + ext, Data: data})
	}
	var buf bytes.Buffer
	require.NoError(t, methods.WriteZip(&buf, entries))
	zipPath := filepath.Join(src, "bundle.zip")
	require.NoError(t, os.WriteFile(zipPath, buf.Bytes(), 0o644))

	tmp := t.TempDir()
	sink := newFakeSink()
	res, err := ImportShapefile(context.Background(), sink, zipPath, ImportOptions{Table: "vector_5", TempDir: tmp})
	require.NoError(t, err)

	spec := sink.specs["vector_5"]
	assert.Equal(t, "MULTIPOLYGON", spec.GeometryType)
	assert.Equal(t, []Column{{Name: "name", Type: "TEXT"}}, spec.Columns)
	require.Len(t, sink.rows["vector_5"], 1)
	assert.Equal(t, []any{"china"}, sink.rows["vector_5"][0].Values)
	assert.Equal(t, 4326, res.SRID)
	assert.NotEmpty(t, res.Warnings)

	left, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, left, "temp extraction dir is removed")
}

func TestImportShapefileMissingSidecar(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, methods.WriteZip(&buf, []methods.ZipEntry{{Name: "a.shp", Data: []byte{0}}}))
	zipPath := writeTemp(t, "a.zip", buf.String())

	_, err := ImportShapefile(context.Background(), newFakeSink(), zipPath, ImportOptions{Table: "vector_6", TempDir: t.TempDir()})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
