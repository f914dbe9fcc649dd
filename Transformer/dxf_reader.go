package Transformer

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/paulmach/orb"
)

// DXFLayer 图层表中的一项
type DXFLayer struct {
	Name      string
	Color     int // ACI，负值表示图层关闭
	TrueColor int // 420 组码，-1 表示未设置
	Linetype  string
}

// DXFEntity 模型空间中的一个实体，保留导入所需的组码
type DXFEntity struct {
	Type       string
	Handle     string
	Layer      string
	Linetype   string
	Color      int // 62 组码，缺省为 256 (BYLAYER)
	TrueColor  int // 420 组码，-1 表示未设置
	Lineweight int // 370 组码，缺省 -1
	Paperspace bool
	Subclasses []string
	Text       string
	RawCodes   []string // "code:value"

	Points     []orb.Point // 10/20 组码依次出现的坐标
	EndPoint   orb.Point   // 11/21
	Flags      int         // 70
	Radius     float64     // 40
	StartAngle float64     // 50
	EndAngle   float64     // 51
}

// DXFDocument 解析结果
type DXFDocument struct {
	Encoding string
	Layers   map[string]DXFLayer
	Entities []DXFEntity
}

type dxfPair struct {
	code  int
	value string
}

// 保存到 rawcodevalues 的组码
var rawCodeSet = map[int]bool{6: true, 39: true, 48: true, 62: true, 370: true, 420: true}

const binaryDXFSentinel = "AutoCAD Binary DXF"

// ReadDXF 依次尝试 DXFDecoders 中的编码，首个能解码且能解析的编码生效
func ReadDXF(raw []byte) (*DXFDocument, error) {
	if bytes.HasPrefix(raw, []byte(binaryDXFSentinel)) {
		return nil, apperr.ErrDataInvalid.Msg("binary DXF is not supported")
	}
	var parseErr error
	for _, dec := range DXFDecoders {
		text, err := dec.Decode(raw)
		if err != nil {
			continue
		}
		doc, err := ParseDXF(text)
		if err != nil {
			parseErr = err
			continue
		}
		doc.Encoding = dec.Name
		return doc, nil
	}
	if parseErr != nil {
		return nil, parseErr
	}
	return nil, apperr.ErrEncoding.Msg("DXF text could not be decoded with gb18030, utf-8, cp936 or gbk")
}

func tokenize(text string) ([]dxfPair, error) {
	text = strings.TrimPrefix(text, "\ufeff")
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines)%2 != 0 {
		// 末尾缺少 EOF 值行的文件也按截断处理
		lines = lines[:len(lines)-1]
	}
	pairs := make([]dxfPair, 0, len(lines)/2)
	for i := 0; i+1 < len(lines); i += 2 {
		code, err := strconv.Atoi(strings.TrimSpace(lines[i]))
		if err != nil {
			return nil, apperr.ErrDataInvalid.Msgf("invalid DXF group code at line %d", i+1)
		}
		pairs = append(pairs, dxfPair{code: code, value: strings.TrimRight(lines[i+1], "\r")})
	}
	if len(pairs) == 0 {
		return nil, apperr.ErrDataInvalid.Msg("empty DXF")
	}
	return pairs, nil
}

// ParseDXF 解析 ASCII DXF 文本：TABLES 中的 LAYER 表与 ENTITIES 段
func ParseDXF(text string) (*DXFDocument, error) {
	pairs, err := tokenize(text)
	if err != nil {
		return nil, err
	}
	doc := &DXFDocument{Layers: map[string]DXFLayer{}}
	sawSection := false

	for i := 0; i < len(pairs); i++ {
		p := pairs[i]
		if p.code != 0 || strings.TrimSpace(p.value) != "SECTION" || i+1 >= len(pairs) {
			continue
		}
		sawSection = true
		name := strings.TrimSpace(pairs[i+1].value)
		end := i + 2
		for end < len(pairs) && !(pairs[end].code == 0 && strings.TrimSpace(pairs[end].value) == "ENDSEC") {
			end++
		}
		body := pairs[i+2 : end]
		switch name {
		case "TABLES":
			parseLayerTable(body, doc.Layers)
		case "ENTITIES":
			doc.Entities = parseEntities(body)
		}
		i = end
	}
	if !sawSection {
		return nil, apperr.ErrDataInvalid.Msg("no DXF sections found")
	}
	return doc, nil
}

// splitRecords 按 0 组码切分记录
func splitRecords(body []dxfPair) [][]dxfPair {
	var records [][]dxfPair
	var cur []dxfPair
	for _, p := range body {
		if p.code == 0 {
			if cur != nil {
				records = append(records, cur)
			}
			cur = []dxfPair{p}
			continue
		}
		if cur != nil {
			cur = append(cur, p)
		}
	}
	if cur != nil {
		records = append(records, cur)
	}
	return records
}

func parseLayerTable(body []dxfPair, layers map[string]DXFLayer) {
	for _, rec := range splitRecords(body) {
		if strings.TrimSpace(rec[0].value) != "LAYER" {
			continue
		}
		layer := DXFLayer{Color: 7, TrueColor: -1}
		for _, p := range rec[1:] {
			v := strings.TrimSpace(p.value)
			switch p.code {
			case 2:
				layer.Name = p.value
			case 62:
				layer.Color = atoi(v, 7)
			case 420:
				layer.TrueColor = atoi(v, -1)
			case 6:
				layer.Linetype = v
			}
		}
		if layer.Name != "" {
			layers[layer.Name] = layer
		}
	}
}

func parseEntities(body []dxfPair) []DXFEntity {
	var entities []DXFEntity
	var polyline *DXFEntity
	for _, rec := range splitRecords(body) {
		kind := strings.TrimSpace(rec[0].value)
		switch kind {
		case "VERTEX":
			if polyline != nil {
				v := newEntity(kind, rec[1:])
				if len(v.Points) > 0 {
					polyline.Points = append(polyline.Points, v.Points[0])
				}
			}
			continue
		case "SEQEND":
			if polyline != nil {
				entities = append(entities, *polyline)
				polyline = nil
			}
			continue
		}
		if polyline != nil {
			entities = append(entities, *polyline)
			polyline = nil
		}
		e := newEntity(kind, rec[1:])
		if e.Paperspace {
			continue
		}
		if kind == "POLYLINE" {
			// POLYLINE 自身的 10/20 是基点，顶点来自后续 VERTEX
			e.Points = nil
			polyline = &e
			continue
		}
		entities = append(entities, e)
	}
	if polyline != nil {
		entities = append(entities, *polyline)
	}
	return entities
}

func newEntity(kind string, pairs []dxfPair) DXFEntity {
	e := DXFEntity{Type: kind, Color: 256, TrueColor: -1, Lineweight: -1, Layer: "0"}
	var text strings.Builder
	var pendingX *float64
	for _, p := range pairs {
		v := strings.TrimSpace(p.value)
		if rawCodeSet[p.code] {
			e.RawCodes = append(e.RawCodes, fmt.Sprintf("%d:%s", p.code, v))
		}
		switch p.code {
		case 5:
			e.Handle = v
		case 8:
			e.Layer = p.value
		case 6:
			e.Linetype = v
		case 62:
			e.Color = atoi(v, 256)
		case 420:
			e.TrueColor = atoi(v, -1)
		case 370:
			e.Lineweight = atoi(v, -1)
		case 67:
			e.Paperspace = atoi(v, 0) == 1
		case 100:
			e.Subclasses = append(e.Subclasses, v)
		case 1:
			text.WriteString(p.value)
		case 3:
			if kind == "MTEXT" {
				text.WriteString(p.value)
			}
		case 10:
			x := atof(v)
			pendingX = &x
		case 20:
			if pendingX != nil {
				e.Points = append(e.Points, orb.Point{*pendingX, atof(v)})
				pendingX = nil
			}
		case 11:
			e.EndPoint[0] = atof(v)
		case 21:
			e.EndPoint[1] = atof(v)
		case 40:
			e.Radius = atof(v)
		case 50:
			e.StartAngle = atof(v)
		case 51:
			e.EndAngle = atof(v)
		case 70:
			e.Flags = atoi(v, 0)
		}
	}
	e.Text = text.String()
	return e
}

func atoi(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return def
		}
		return int(f)
	}
	return n
}

func atof(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
