package Transformer

import (
	"math"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/paulmach/orb"
)

const (
	tolerance = 1e-6 // 浮点数比较容差

	circleSegments = 16
	arcStepDegrees = 5.0
)

// 判断两个点是否相等（考虑浮点数误差）
func pointsEqual(p1, p2 orb.Point) bool {
	return math.Abs(p1[0]-p2[0]) < tolerance && math.Abs(p1[1]-p2[1]) < tolerance
}

func uniquePoints(coords []orb.Point) int {
	n := 0
	for i, p := range coords {
		dup := false
		for _, q := range coords[:i] {
			if pointsEqual(p, q) {
				dup = true
				break
			}
		}
		if !dup {
			n++
		}
	}
	return n
}

// closeRing 首尾不相等时补上首点
func closeRing(coords []orb.Point) orb.Ring {
	ring := append(orb.Ring{}, coords...)
	if !pointsEqual(ring[0], ring[len(ring)-1]) {
		ring = append(ring, ring[0])
	}
	return ring
}

// 多段线：闭合且至少 3 个不同顶点时输出面，否则输出线
func polylineGeometry(coords []orb.Point, closed bool) (orb.Geometry, error) {
	if len(coords) < 2 {
		return nil, apperr.ErrDataInvalid.Msg("polyline needs at least 2 vertices")
	}
	if closed && uniquePoints(coords) >= 3 {
		return orb.Polygon{closeRing(coords)}, nil
	}
	return orb.LineString(coords), nil
}

// circlePolygon 以 16 段折线近似圆
func circlePolygon(center orb.Point, radius float64) orb.Polygon {
	ring := make(orb.Ring, 0, circleSegments+1)
	for i := 0; i < circleSegments; i++ {
		a := 2 * math.Pi * float64(i) / circleSegments
		ring = append(ring, orb.Point{center[0] + radius*math.Cos(a), center[1] + radius*math.Sin(a)})
	}
	ring = append(ring, ring[0])
	return orb.Polygon{ring}
}

// arcLine 按 5° 步长离散圆弧，角度为逆时针度数
func arcLine(center orb.Point, radius, start, end float64) orb.LineString {
	for end <= start {
		end += 360
	}
	line := orb.LineString{}
	for a := start; a < end; a += arcStepDegrees {
		rad := a * math.Pi / 180
		line = append(line, orb.Point{center[0] + radius*math.Cos(rad), center[1] + radius*math.Sin(rad)})
	}
	rad := end * math.Pi / 180
	return append(line, orb.Point{center[0] + radius*math.Cos(rad), center[1] + radius*math.Sin(rad)})
}

// EntityGeometry 将实体转换为几何对象，不支持的类型返回 validation 错误
func EntityGeometry(e *DXFEntity) (orb.Geometry, error) {
	switch e.Type {
	case "POINT", "TEXT", "MTEXT":
		if len(e.Points) == 0 {
			return nil, apperr.ErrDataInvalid.Msgf("%s without insertion point", e.Type)
		}
		return e.Points[0], nil
	case "LINE":
		if len(e.Points) == 0 {
			return nil, apperr.ErrDataInvalid.Msg("LINE without start point")
		}
		if pointsEqual(e.Points[0], e.EndPoint) {
			return nil, apperr.ErrDataInvalid.Msg("degenerate LINE")
		}
		return orb.LineString{e.Points[0], e.EndPoint}, nil
	case "LWPOLYLINE", "POLYLINE":
		return polylineGeometry(e.Points, e.Flags&1 == 1)
	case "CIRCLE":
		if len(e.Points) == 0 || e.Radius <= 0 {
			return nil, apperr.ErrDataInvalid.Msg("CIRCLE needs center and positive radius")
		}
		return circlePolygon(e.Points[0], e.Radius), nil
	case "ARC":
		if len(e.Points) == 0 || e.Radius <= 0 {
			return nil, apperr.ErrDataInvalid.Msg("ARC needs center and positive radius")
		}
		return arcLine(e.Points[0], e.Radius, e.StartAngle, e.EndAngle), nil
	}
	return nil, apperr.ErrValidation.Msgf("unsupported entity type %s", e.Type)
}

// DetectCoordinateSystem 按 X 坐标推断坐标系：带号前缀的 CGCS2000 3 度带（25-45 带），
// 不带带号的投影坐标按 105E 中央经线（4544）处理，其余视为经纬度
func DetectCoordinateSystem(x float64) int {
	if zone := int(x / 1000000); x >= 25000000 && zone >= 25 && zone <= 45 {
		return 4513 + zone - 25
	}
	if x >= 100000 && x <= 10000000 {
		return 4544
	}
	return 4326
}
