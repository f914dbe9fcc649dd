package Transformer

import (
	"strings"
	"testing"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
)

func dxfText(pairs ...string) string {
	return strings.Join(pairs, "\n") + "\n"
}

// 图层 L1 为红色；E1 颜色 0 继承图层，E2 真彩色，E3 ACI 5
func colorSample() string {
	return dxfText(
		"0", "SECTION", "2", "TABLES",
		"0", "TABLE", "2", "LAYER",
		"0", "LAYER", "2", "L1", "70", "0", "62", "1", "6", "CONTINUOUS",
		"0", "ENDTAB",
		"0", "ENDSEC",
		"0", "SECTION", "2", "ENTITIES",
		"0", "LINE", "5", "1A", "100", "AcDbEntity", "8", "L1", "62", "0", "100", "AcDbLine",
		"10", "0.0", "20", "0.0", "11", "10.0", "21", "5.0",
		"0", "LWPOLYLINE", "5", "1B", "8", "L1", "420", "43707", "370", "25", "90", "4", "70", "1",
		"10", "0", "20", "0", "10", "1", "20", "0", "10", "1", "20", "1", "10", "0", "20", "1",
		"0", "CIRCLE", "5", "1C", "8", "L1", "62", "5", "10", "2", "20", "2", "40", "1",
		"0", "ENDSEC",
		"0", "EOF",
	)
}

func TestReadDXFColorResolution(t *testing.T) {
	doc, err := ReadDXF([]byte(colorSample()))
	require.NoError(t, err)
	assert.Equal(t, "gb18030", doc.Encoding)
	require.Len(t, doc.Entities, 3)

	e1 := ResolveColor(&doc.Entities[0], doc.Layers)
	assert.Equal(t, "(255,0,0)", e1.RGB.String())
	assert.Equal(t, "red (from layer)", e1.Name)
	assert.Equal(t, 1, e1.Value)

	e2 := ResolveColor(&doc.Entities[1], doc.Layers)
	assert.Equal(t, "(0,170,187)", e2.RGB.String())
	assert.Equal(t, 43707, e2.Value)

	e3 := ResolveColor(&doc.Entities[2], doc.Layers)
	assert.Equal(t, "(0,0,255)", e3.RGB.String())
	assert.Equal(t, "blue", e3.Name)

	// 420=0 不算真彩色，继续按 62 与图层解析
	zero := ResolveColor(&DXFEntity{Layer: "L1", Color: 0, TrueColor: 0}, doc.Layers)
	assert.Equal(t, "(255,0,0)", zero.RGB.String())
	assert.Equal(t, "red (from layer)", zero.Name)

	layers := map[string]DXFLayer{"Z": {Name: "Z", Color: 5, TrueColor: 0}}
	fromLayer := ResolveColor(&DXFEntity{Layer: "Z", Color: 256, TrueColor: -1}, layers)
	assert.Equal(t, "blue (from layer)", fromLayer.Name)
}

func TestReadDXFEntityAttributes(t *testing.T) {
	doc, err := ReadDXF([]byte(colorSample()))
	require.NoError(t, err)

	line := doc.Entities[0]
	assert.Equal(t, "LINE", line.Type)
	assert.Equal(t, "1A", line.Handle)
	assert.Equal(t, []string{"AcDbEntity", "AcDbLine"}, line.Subclasses)
	assert.Equal(t, []string{"62:0"}, line.RawCodes)

	poly := doc.Entities[1]
	assert.Equal(t, 25, poly.Lineweight)
	assert.Equal(t, []string{"420:43707", "370:25"}, poly.RawCodes)
	assert.Len(t, poly.Points, 4)
}

func TestReadDXFDecodesGBKLayerNames(t *testing.T) {
	raw, err := simplifiedchinese.GBK.NewEncoder().String(dxfText(
		"0", "SECTION", "2", "ENTITIES",
		"0", "TEXT", "8", "道路", "10", "1", "20", "2", "1", "中心线",
		"0", "ENDSEC", "0", "EOF",
	))
	require.NoError(t, err)

	doc, err := ReadDXF([]byte(raw))
	require.NoError(t, err)
	require.Len(t, doc.Entities, 1)
	assert.Equal(t, "道路", doc.Entities[0].Layer)
	assert.Equal(t, "中心线", doc.Entities[0].Text)
}

func TestReadDXFUndecodable(t *testing.T) {
	raw := []byte("0\nSECTION\n2\nENTITIES\n0\nTEXT\n8\n\xff\xff\n0\nENDSEC\n")
	_, err := ReadDXF(raw)
	assert.ErrorIs(t, err, apperr.ErrEncoding)
}

func TestReadDXFRejectsGarbage(t *testing.T) {
	_, err := ReadDXF([]byte("hello\nworld\n"))
	assert.ErrorIs(t, err, apperr.ErrDataInvalid)

	_, err = ReadDXF([]byte("AutoCAD Binary DXF\r\n\x1a\x00"))
	assert.ErrorIs(t, err, apperr.ErrDataInvalid)
}

func TestPolylineWithVertices(t *testing.T) {
	doc, err := ParseDXF(dxfText(
		"0", "SECTION", "2", "ENTITIES",
		"0", "POLYLINE", "8", "0", "66", "1", "70", "1", "10", "0", "20", "0",
		"0", "VERTEX", "10", "0", "20", "0",
		"0", "VERTEX", "10", "4", "20", "0",
		"0", "VERTEX", "10", "4", "20", "3",
		"0", "SEQEND",
		"0", "POINT", "67", "1", "10", "5", "20", "5",
		"0", "ENDSEC", "0", "EOF",
	))
	require.NoError(t, err)
	require.Len(t, doc.Entities, 1, "paper space entities are skipped")

	g, err := EntityGeometry(&doc.Entities[0])
	require.NoError(t, err)
	poly, ok := g.(orb.Polygon)
	require.True(t, ok)
	assert.Len(t, poly[0], 4)
	assert.Equal(t, poly[0][0], poly[0][3])
}

func TestEntityGeometry(t *testing.T) {
	circle := &DXFEntity{Type: "CIRCLE", Points: []orb.Point{{0, 0}}, Radius: 2}
	g, err := EntityGeometry(circle)
	require.NoError(t, err)
	ring := g.(orb.Polygon)[0]
	assert.Len(t, ring, 17)
	assert.Equal(t, ring[0], ring[16])
	assert.InDelta(t, 2.0, ring[4][1], 1e-9)

	arc := &DXFEntity{Type: "ARC", Points: []orb.Point{{0, 0}}, Radius: 1, StartAngle: 0, EndAngle: 90}
	g, err = EntityGeometry(arc)
	require.NoError(t, err)
	line := g.(orb.LineString)
	assert.Len(t, line, 19)
	assert.InDelta(t, 1.0, line[18][1], 1e-9)

	wrap := &DXFEntity{Type: "ARC", Points: []orb.Point{{0, 0}}, Radius: 1, StartAngle: 350, EndAngle: 10}
	g, err = EntityGeometry(wrap)
	require.NoError(t, err)
	assert.Len(t, g.(orb.LineString), 5)

	twoPoints := &DXFEntity{Type: "LWPOLYLINE", Flags: 1, Points: []orb.Point{{0, 0}, {1, 1}, {0, 0}}}
	g, err = EntityGeometry(twoPoints)
	require.NoError(t, err)
	assert.IsType(t, orb.LineString{}, g)

	text := &DXFEntity{Type: "MTEXT", Points: []orb.Point{{3, 4}}}
	g, err = EntityGeometry(text)
	require.NoError(t, err)
	assert.Equal(t, orb.Point{3, 4}, g)

	_, err = EntityGeometry(&DXFEntity{Type: "HATCH"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = EntityGeometry(&DXFEntity{Type: "LINE", Points: []orb.Point{{1, 1}}, EndPoint: orb.Point{1, 1}})
	assert.ErrorIs(t, err, apperr.ErrDataInvalid)
}

func TestACIColor(t *testing.T) {
	name, rgb := ACIColor(0)
	assert.Equal(t, "BYBLOCK", name)
	assert.Equal(t, RGB{0, 0, 0}, rgb)

	_, rgb = ACIColor(100)
	assert.Equal(t, RGB{195, 135, 75}, rgb)

	name, rgb = ACIColor(-3)
	assert.Equal(t, "green", name)
	assert.Equal(t, RGB{0, 255, 0}, rgb)
}

func TestResolveColorUnknownLayer(t *testing.T) {
	e := &DXFEntity{Layer: "missing", Color: 256, TrueColor: -1}
	c := ResolveColor(e, map[string]DXFLayer{})
	assert.Equal(t, "white (from layer)", c.Name)

	layers := map[string]DXFLayer{"L": {Name: "L", Color: 3, TrueColor: 0x102030}}
	e = &DXFEntity{Layer: "L", Color: 255, TrueColor: -1}
	c = ResolveColor(e, layers)
	assert.Equal(t, "(16,32,48)", c.RGB.String())
}

func TestDetectCoordinateSystem(t *testing.T) {
	assert.Equal(t, 4326, DetectCoordinateSystem(116.4))
	assert.Equal(t, 4523, DetectCoordinateSystem(35500000))
	assert.Equal(t, 4527, DetectCoordinateSystem(39500000))
	assert.Equal(t, 4544, DetectCoordinateSystem(500000))
	assert.Equal(t, 4326, DetectCoordinateSystem(50000000))
}
