package Transformer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wgs84PRJ = `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`

func writePoints(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "poi.shp")
	w, err := shp.Create(path, shp.POINT)
	require.NoError(t, err)
	require.NoError(t, w.SetFields([]shp.Field{
		shp.StringField("NAME", 20),
		shp.NumberField("POP", 10),
		shp.FloatField("AREA", 12, 3),
	}))
	w.Write(&shp.Point{X: 116.39, Y: 39.9})
	w.Write(&shp.Point{X: 121.47, Y: 31.23})
	require.NoError(t, w.WriteAttribute(0, 0, "beijing"))
	require.NoError(t, w.WriteAttribute(0, 1, 2189))
	require.NoError(t, w.WriteAttribute(0, 2, 16410.5))
	require.NoError(t, w.WriteAttribute(1, 0, "shanghai"))
	w.Close()
	return path
}

func TestOpenShapefileHeuristicSRID(t *testing.T) {
	path := writePoints(t, t.TempDir())

	s, err := OpenShapefile(path, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "POINT", s.GeometryType)
	assert.Equal(t, 4326, s.SRID)
	assert.Equal(t, SRIDFromHeuristic, s.SRIDSource)
	require.Len(t, s.Fields, 3)
	assert.Equal(t, Field{Source: "NAME", Column: "name", Type: FieldText}, s.Fields[0])
	assert.Equal(t, FieldInteger, s.Fields[1].Type)
	assert.Equal(t, FieldDouble, s.Fields[2].Type)

	var records []ShapeRecord
	require.NoError(t, s.Each(func(r ShapeRecord) error {
		records = append(records, r)
		return nil
	}))
	require.Len(t, records, 2)
	assert.Equal(t, orb.Point{116.39, 39.9}, records[0].Geometry)
	assert.Equal(t, []any{"beijing", int64(2189), 16410.5}, records[0].Values)
	assert.Equal(t, []any{"shanghai", nil, nil}, records[1].Values)
	assert.Empty(t, s.Warnings)
}

func TestOpenShapefilePRJAndDeclared(t *testing.T) {
	dir := t.TempDir()
	path := writePoints(t, dir)

	declared := 4490
	s, err := OpenShapefile(path, &declared)
	require.NoError(t, err)
	assert.Equal(t, 4490, s.SRID)
	assert.Equal(t, SRIDFromDeclared, s.SRIDSource)
	s.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "POI.PRJ"), []byte(wgs84PRJ), 0o644))
	s, err = OpenShapefile(path, &declared)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 4326, s.SRID)
	assert.Equal(t, SRIDFromPRJ, s.SRIDSource)
}

func TestOpenShapefileMissingDBF(t *testing.T) {
	dir := t.TempDir()
	path := writePoints(t, dir)
	require.NoError(t, os.Remove(filepath.Join(dir, "poi.dbf")))

	_, err := OpenShapefile(path, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, err.Error(), ".dbf")
}

func TestConvertPolygonToMultiPolygon(t *testing.T) {
	// 外环顺时针，内环逆时针，第二个外环顺时针
	points := []shp.Point{
		{X: 0, Y: 0}, {X: 0, Y: 10}, {X: 10, Y: 10}, {X: 10, Y: 0}, {X: 0, Y: 0},
		{X: 2, Y: 2}, {X: 4, Y: 2}, {X: 4, Y: 4}, {X: 2, Y: 4}, {X: 2, Y: 2},
		{X: 20, Y: 0}, {X: 20, Y: 5}, {X: 25, Y: 5}, {X: 25, Y: 0}, {X: 20, Y: 0},
	}
	mp := ConvertPolygonToMultiPolygon(points, []int32{0, 5, 10})
	require.Len(t, mp, 2)
	assert.Len(t, mp[0], 2)
	assert.Len(t, mp[1], 1)
}

func TestShapeToGeometry(t *testing.T) {
	line := shp.NewPolyLine([][]shp.Point{{{X: 0, Y: 0}, {X: 1, Y: 1}}, {{X: 2, Y: 2}, {X: 3, Y: 3}}})
	g, err := ShapeToGeometry(line)
	require.NoError(t, err)
	assert.Len(t, g.(orb.MultiLineString), 2)

	_, err = ShapeToGeometry(&shp.Null{})
	assert.ErrorIs(t, err, apperr.ErrDataInvalid)

	_, err = ShapeToGeometry(&shp.MultiPoint{})
	assert.ErrorIs(t, err, apperr.ErrDataInvalid)
}

func TestParsePRJ(t *testing.T) {
	cases := []struct {
		wkt  string
		want int
	}{
		{wgs84PRJ, 4326},
		{`GEOGCS["CGCS2000",DATUM["China_2000"]]`, 4490},
		{`GEOGCS["GCS_China_Geodetic_Coordinate_System_2000"]`, 4490},
		{`PROJCS["CGCS2000_3_Degree_GK_Zone_39",GEOGCS["GCS_China_Geodetic_Coordinate_System_2000"]]`, 4527},
		{`PROJCS["CGCS2000_3_Degree_GK_CM_117E",GEOGCS["GCS_China_Geodetic_Coordinate_System_2000"]]`, 4548},
		{`PROJCS["WGS_1984_Web_Mercator_Auxiliary_Sphere"]`, 3857},
		{`PROJCS["x",GEOGCS["y",AUTHORITY["EPSG","4326"]],AUTHORITY["EPSG","32650"]]`, 32650},
	}
	for _, c := range cases {
		got, ok := ParsePRJ(c.wkt)
		assert.True(t, ok, c.wkt)
		assert.Equal(t, c.want, got, c.wkt)
	}
	_, ok := ParsePRJ(`LOCAL_CS["unknown"]`)
	assert.False(t, ok)
}

func TestConvertDBFValue(t *testing.T) {
	assert.Equal(t, int64(12), ConvertDBFValue(" 12 ", FieldInteger))
	assert.Equal(t, int64(12), ConvertDBFValue("12.0", FieldInteger))
	assert.Nil(t, ConvertDBFValue("abc", FieldInteger))
	assert.Equal(t, true, ConvertDBFValue("T", FieldBoolean))
	assert.Nil(t, ConvertDBFValue("?", FieldBoolean))
	assert.Nil(t, ConvertDBFValue("", FieldText))
}

func TestFindFilesAndSibling(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "Roads.SHP"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "roads.dbf"), nil, 0o644))

	found := FindFiles(dir, "shp")
	require.Len(t, found, 1)
	dbf, ok := Sibling(found[0], "dbf")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(sub, "roads.dbf"), dbf)
	_, ok = Sibling(found[0], "prj")
	assert.False(t, ok)
}
