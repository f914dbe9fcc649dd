package Transformer

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
)

// 坐标系来源
const (
	SRIDFromPRJ       = "prj"
	SRIDFromDeclared  = "declared"
	SRIDFromHeuristic = "heuristic"
)

// Shapefile 打开的 shp/dbf/shx 三件套
type Shapefile struct {
	Path         string
	SRID         int
	SRIDSource   string
	GeometryType string
	Fields       []Field
	Warnings     []string

	reader *shp.Reader
}

// ShapeRecord 一条记录，Err 非空时需要跳过
type ShapeRecord struct {
	Index    int
	Geometry orb.Geometry
	Values   []any
	Err      error
}

// OpenShapefile 校验必需的 .dbf/.shx 并读取字段定义与坐标系
func OpenShapefile(shpPath string, declaredSRID *int) (*Shapefile, error) {
	var missing []string
	for _, ext := range []string{"dbf", "shx"} {
		if _, ok := Sibling(shpPath, ext); !ok {
			missing = append(missing, "."+ext)
		}
	}
	if len(missing) > 0 {
		return nil, apperr.ErrValidation.Msgf("shapefile bundle is missing %s", strings.Join(missing, ", "))
	}

	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, apperr.ErrDataInvalid.Msg("cannot open shapefile").Err(err)
	}
	s := &Shapefile{Path: shpPath, reader: reader}

	geomType, ok := shapeColumnType(reader.GeometryType)
	if !ok {
		reader.Close()
		return nil, apperr.ErrValidation.Msgf("unsupported shape type %d", reader.GeometryType)
	}
	s.GeometryType = geomType

	namer := NewColumnNamer()
	for i, f := range reader.Fields() {
		name := strings.TrimRight(f.String(), "\x00 ")
		s.Fields = append(s.Fields, Field{Source: name, Column: namer.Name(name, i), Type: dbfFieldType(f)})
	}

	switch {
	case s.readPRJ():
	case declaredSRID != nil && *declaredSRID > 0:
		s.SRID, s.SRIDSource = *declaredSRID, SRIDFromDeclared
	default:
		s.SRID, s.SRIDSource = DetectCoordinateSystem(reader.BBox().MinX), SRIDFromHeuristic
	}
	return s, nil
}

func (s *Shapefile) readPRJ() bool {
	prj, ok := Sibling(s.Path, "prj")
	if !ok {
		return false
	}
	data, err := os.ReadFile(prj)
	if err != nil {
		return false
	}
	srid, ok := ParsePRJ(string(data))
	if !ok {
		s.Warnings = append(s.Warnings, "unrecognized .prj, falling back")
		return false
	}
	s.SRID, s.SRIDSource = srid, SRIDFromPRJ
	return true
}

func (s *Shapefile) Close() error {
	return s.reader.Close()
}

// Each 顺序读取全部记录。属性按 UTF-8 读取，非 UTF-8 样本只记录告警。
func (s *Shapefile) Each(fn func(ShapeRecord) error) error {
	warned := false
	for s.reader.Next() {
		n, shape := s.reader.Shape()
		rec := ShapeRecord{Index: n}
		rec.Geometry, rec.Err = ShapeToGeometry(shape)
		rec.Values = make([]any, len(s.Fields))
		for k, f := range s.Fields {
			raw := s.reader.ReadAttribute(n, k)
			if !warned && f.Type == FieldText {
				if charset, bad := LooksNonUTF8([]byte(raw)); bad {
					s.Warnings = append(s.Warnings, "attribute text is not UTF-8 (detected "+charset+")")
					warned = true
				}
			}
			rec.Values[k] = ConvertDBFValue(raw, f.Type)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := s.reader.Err(); err != nil {
		return apperr.ErrDataInvalid.Msg("shapefile read error").Err(err)
	}
	return nil
}

func shapeColumnType(t shp.ShapeType) (string, bool) {
	switch t {
	case shp.POINT, shp.POINTZ, shp.POINTM:
		return "POINT", true
	case shp.MULTIPOINT, shp.MULTIPOINTZ, shp.MULTIPOINTM:
		return "MULTIPOINT", true
	case shp.POLYLINE, shp.POLYLINEZ, shp.POLYLINEM:
		return "MULTILINESTRING", true
	case shp.POLYGON, shp.POLYGONZ, shp.POLYGONM:
		return "MULTIPOLYGON", true
	}
	return "", false
}

func dbfFieldType(f shp.Field) FieldType {
	switch f.Fieldtype {
	case 'N':
		if f.Precision == 0 {
			return FieldInteger
		}
		return FieldDouble
	case 'F':
		return FieldDouble
	case 'L':
		return FieldBoolean
	default:
		return FieldText
	}
}

// ConvertDBFValue 将 DBF 文本值转换为列类型，空值或无法解析时返回 nil
func ConvertDBFValue(raw string, t FieldType) any {
	v := strings.TrimSpace(strings.Trim(raw, "\x00"))
	if v == "" {
		return nil
	}
	switch t {
	case FieldInteger:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil && f == float64(int64(f)) {
			return int64(f)
		}
		return nil
	case FieldDouble:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		return nil
	case FieldBoolean:
		switch v {
		case "T", "t", "Y", "y":
			return true
		case "F", "f", "N", "n":
			return false
		}
		return nil
	default:
		return strings.ToValidUTF8(v, "")
	}
}

// SplitPoints 按 parts 偏移拆分点序列
func SplitPoints(points []shp.Point, parts []int32) [][]shp.Point {
	var out [][]shp.Point
	for i, start := range parts {
		end := int32(len(points))
		if i < len(parts)-1 {
			end = parts[i+1]
		}
		if start < 0 || start > end || end > int32(len(points)) {
			continue
		}
		out = append(out, points[start:end])
	}
	return out
}

func toOrb(points []shp.Point) []orb.Point {
	out := make([]orb.Point, len(points))
	for i, p := range points {
		out[i] = orb.Point{p.X, p.Y}
	}
	return out
}

// IsClockwise 鞋带公式判断环方向
func IsClockwise(points []orb.Point) bool {
	sum := 0.0
	for i := 0; i < len(points)-1; i++ {
		p1, p2 := points[i], points[i+1]
		sum += (p2[0] - p1[0]) * (p2[1] + p1[1])
	}
	return sum > 0
}

// ConvertPolygonToMultiPolygon 顺时针环为外环，逆时针环作为前一个外环的洞
func ConvertPolygonToMultiPolygon(points []shp.Point, parts []int32) orb.MultiPolygon {
	var mp orb.MultiPolygon
	for _, part := range SplitPoints(points, parts) {
		ring := orb.Ring(toOrb(part))
		if len(ring) < 4 {
			continue
		}
		if IsClockwise(ring) || len(mp) == 0 {
			mp = append(mp, orb.Polygon{ring})
			continue
		}
		last := len(mp) - 1
		mp[last] = append(mp[last], ring)
	}
	return mp
}

func lines(points []shp.Point, parts []int32) orb.MultiLineString {
	var mls orb.MultiLineString
	for _, part := range SplitPoints(points, parts) {
		if len(part) >= 2 {
			mls = append(mls, orb.LineString(toOrb(part)))
		}
	}
	return mls
}

// ShapeToGeometry 转换为二维 orb 几何，线、面统一为 Multi 类型
func ShapeToGeometry(shape shp.Shape) (orb.Geometry, error) {
	var g orb.Geometry
	switch s := shape.(type) {
	case *shp.Point:
		g = orb.Point{s.X, s.Y}
	case *shp.PointZ:
		g = orb.Point{s.X, s.Y}
	case *shp.PointM:
		g = orb.Point{s.X, s.Y}
	case *shp.MultiPoint:
		g = orb.MultiPoint(toOrb(s.Points))
	case *shp.MultiPointZ:
		g = orb.MultiPoint(toOrb(s.Points))
	case *shp.MultiPointM:
		g = orb.MultiPoint(toOrb(s.Points))
	case *shp.PolyLine:
		g = lines(s.Points, s.Parts)
	case *shp.PolyLineZ:
		g = lines(s.Points, s.Parts)
	case *shp.PolyLineM:
		g = lines(s.Points, s.Parts)
	case *shp.Polygon:
		g = ConvertPolygonToMultiPolygon(s.Points, s.Parts)
	case *shp.PolygonZ:
		g = ConvertPolygonToMultiPolygon(s.Points, s.Parts)
	case *shp.PolygonM:
		g = ConvertPolygonToMultiPolygon(s.Points, s.Parts)
	default:
		return nil, apperr.ErrDataInvalid.Msg("null or unsupported shape")
	}
	if isEmpty(g) {
		return nil, apperr.ErrDataInvalid.Msg("empty geometry")
	}
	return g, nil
}

func isEmpty(g orb.Geometry) bool {
	switch x := g.(type) {
	case orb.MultiPoint:
		return len(x) == 0
	case orb.MultiLineString:
		return len(x) == 0
	case orb.MultiPolygon:
		return len(x) == 0
	}
	return false
}

var (
	authorityPattern = regexp.MustCompile(`AUTHORITY\["EPSG",\s*"?(\d+)"?\]`)
	gkZonePattern    = regexp.MustCompile(`3_Degree_GK_Zone_(\d+)`)
	gkCMPattern      = regexp.MustCompile(`3_Degree_GK_CM_(\d+)E`)
)

// ParsePRJ 从 ESRI WKT 中识别 EPSG 代码
func ParsePRJ(wkt string) (int, bool) {
	if m := authorityPattern.FindAllStringSubmatch(wkt, -1); len(m) > 0 {
		if n, err := strconv.Atoi(m[len(m)-1][1]); err == nil {
			return n, true
		}
	}
	upper := strings.ToUpper(wkt)
	isCGCS := strings.Contains(upper, "CGCS2000") || strings.Contains(upper, "CHINA_GEODETIC_COORDINATE_SYSTEM_2000")
	switch {
	case strings.Contains(upper, "WEB_MERCATOR") || strings.Contains(upper, "PSEUDO-MERCATOR") || strings.Contains(upper, "PSEUDO_MERCATOR"):
		return 3857, true
	case isCGCS && strings.HasPrefix(upper, "PROJCS"):
		if m := gkZonePattern.FindStringSubmatch(wkt); m != nil {
			if zone, _ := strconv.Atoi(m[1]); zone >= 25 && zone <= 45 {
				return 4513 + zone - 25, true
			}
		}
		if m := gkCMPattern.FindStringSubmatch(wkt); m != nil {
			if cm, _ := strconv.Atoi(m[1]); cm >= 75 && cm <= 135 && cm%3 == 0 {
				return 4534 + (cm-75)/3, true
			}
		}
		return 0, false
	case isCGCS:
		return 4490, true
	case strings.HasPrefix(upper, "GEOGCS") && strings.Contains(upper, "WGS_1984"):
		return 4326, true
	}
	return 0, false
}
