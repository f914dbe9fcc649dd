package Transformer

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const DefaultSRID = 4326

// GeoJSONFeature 单个要素的解析结果，Err 非空时该要素需要跳过
type GeoJSONFeature struct {
	Index      int
	Geometry   orb.Geometry
	Properties map[string]any
	Err        error
}

// GeoJSONDocument 预扫描后的要素集合
type GeoJSONDocument struct {
	SRID          int
	SRIDFromCRS   bool
	Fields        []Field
	GeometryTypes []string // 大写 OGC 名称，已排序
	Features      []GeoJSONFeature
}

func (d *GeoJSONDocument) IsMixed() bool {
	return len(d.GeometryTypes) > 1
}

// ColumnGeometryType 单一类型时返回该类型，否则返回 GEOMETRY
func (d *GeoJSONDocument) ColumnGeometryType() string {
	if len(d.GeometryTypes) == 1 {
		return d.GeometryTypes[0]
	}
	return "GEOMETRY"
}

type rawCollection struct {
	Type     string            `json:"type"`
	CRS      json.RawMessage   `json:"crs"`
	Features []json.RawMessage `json:"features"`
}

var epsgPattern = regexp.MustCompile(`(?i)EPSG:{1,2}(\d+)`)

// ParseCRS 解析 crs 成员，支持 "EPSG:n"、"urn:ogc:def:crs:EPSG::n" 与 CRS84
func ParseCRS(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var crs struct {
		Properties struct {
			Name string `json:"name"`
			Code any    `json:"code"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(raw, &crs); err != nil {
		return 0, false
	}
	name := crs.Properties.Name
	if m := epsgPattern.FindStringSubmatch(name); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n, true
		}
	}
	if strings.Contains(strings.ToUpper(name), "CRS84") {
		return DefaultSRID, true
	}
	switch code := crs.Properties.Code.(type) {
	case float64:
		if code > 0 {
			return int(code), true
		}
	case string:
		if n, err := strconv.Atoi(code); err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}

// GeometryTypeName 返回大写的 OGC 几何类型名
func GeometryTypeName(g orb.Geometry) string {
	return strings.ToUpper(g.GeoJSONType())
}

// ReadGeoJSON 解析 FeatureCollection 并推断属性列类型。
// 单个要素解析失败不会中断整体，只在对应 GeoJSONFeature.Err 中记录。
func ReadGeoJSON(data []byte, declaredSRID *int) (*GeoJSONDocument, error) {
	var coll rawCollection
	if err := json.Unmarshal(data, &coll); err != nil {
		return nil, apperr.ErrValidation.Msg("invalid GeoJSON").Err(err)
	}
	if coll.Type != "FeatureCollection" {
		return nil, apperr.ErrValidation.Msgf("expected FeatureCollection, got %q", coll.Type)
	}

	doc := &GeoJSONDocument{SRID: DefaultSRID}
	if srid, ok := ParseCRS(coll.CRS); ok {
		doc.SRID, doc.SRIDFromCRS = srid, true
	} else if declaredSRID != nil && *declaredSRID > 0 {
		doc.SRID = *declaredSRID
	}

	types := map[string]FieldType{}
	var order []string
	geomTypes := map[string]bool{}

	for i, raw := range coll.Features {
		f := GeoJSONFeature{Index: i}
		feature, err := geojson.UnmarshalFeature(raw)
		switch {
		case err != nil:
			f.Err = apperr.ErrDataInvalid.Msgf("feature %d", i).Err(err)
		case feature.Geometry == nil:
			f.Err = apperr.ErrDataInvalid.Msgf("feature %d has no geometry", i)
		default:
			f.Geometry = feature.Geometry
			f.Properties = feature.Properties
			geomTypes[GeometryTypeName(feature.Geometry)] = true
			for k, v := range feature.Properties {
				t, seen := types[k]
				if !seen {
					order = append(order, k)
				}
				types[k] = UnifyFieldType(t, observeType(v))
			}
		}
		doc.Features = append(doc.Features, f)
	}

	namer := NewColumnNamer()
	for i, k := range order {
		t := types[k]
		if t == FieldUnknown {
			t = FieldText
		}
		doc.Fields = append(doc.Fields, Field{Source: k, Column: namer.Name(k, i), Type: t})
	}
	for t := range geomTypes {
		doc.GeometryTypes = append(doc.GeometryTypes, t)
	}
	sort.Strings(doc.GeometryTypes)
	return doc, nil
}

func observeType(v any) FieldType {
	switch x := v.(type) {
	case nil:
		return FieldUnknown
	case bool:
		return FieldBoolean
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return FieldInteger
		}
		return FieldDouble
	default:
		return FieldText
	}
}

// ConvertValue 将属性值转换为目标列类型，无法转换时返回 nil
func ConvertValue(v any, t FieldType) any {
	if v == nil {
		return nil
	}
	switch t {
	case FieldBoolean:
		if b, ok := v.(bool); ok {
			return b
		}
		return nil
	case FieldInteger:
		if f, ok := v.(float64); ok {
			return int64(f)
		}
		return nil
	case FieldDouble:
		if f, ok := v.(float64); ok {
			return f
		}
		return nil
	default:
		switch x := v.(type) {
		case string:
			return x
		case bool:
			return strconv.FormatBool(x)
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64)
		default:
			b, err := json.Marshal(x)
			if err != nil {
				return fmt.Sprint(x)
			}
			return string(b)
		}
	}
}
