package geoserver

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"net/http"
	"net/url"
	"strings"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/rs/zerolog/log"
)

// 默认样式按几何类别区分
const (
	StylePoint   = "point"
	StyleLine    = "line"
	StylePolygon = "polygon"
	StyleRaster  = "raster"
)

//########### SLD structures ###########//

type StyledLayerDescriptor struct {
	XMLName    xml.Name   `xml:"StyledLayerDescriptor"`
	Version    string     `xml:"version,attr"`
	Xmlns      string     `xml:"xmlns,attr"`
	XmlnsOGC   string     `xml:"xmlns:ogc,attr"`
	XmlnsXLink string     `xml:"xmlns:xlink,attr"`
	NamedLayer NamedLayer `xml:"NamedLayer"`
}

type NamedLayer struct {
	Name      string    `xml:"Name"`
	UserStyle UserStyle `xml:"UserStyle"`
}

type UserStyle struct {
	Title            string           `xml:"Title,omitempty"`
	FeatureTypeStyle FeatureTypeStyle `xml:"FeatureTypeStyle"`
}

type FeatureTypeStyle struct {
	Rules []Rule `xml:"Rule"`
}

// Rule describes the structure of a rule in an SLD
type Rule struct {
	Name              string             `xml:"Name,omitempty"`
	Title             string             `xml:"Title,omitempty"`
	PointSymbolizer   *PointSymbolizer   `xml:"PointSymbolizer,omitempty"`
	LineSymbolizer    *LineSymbolizer    `xml:"LineSymbolizer,omitempty"`
	PolygonSymbolizer *PolygonSymbolizer `xml:"PolygonSymbolizer,omitempty"`
	RasterSymbolizer  *RasterSymbolizer  `xml:"RasterSymbolizer,omitempty"`
}

type CssParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type Fill struct {
	Params []CssParameter `xml:"CssParameter"`
}

type Stroke struct {
	Params []CssParameter `xml:"CssParameter"`
}

type Mark struct {
	WellKnownName string  `xml:"WellKnownName"`
	Fill          *Fill   `xml:"Fill,omitempty"`
	Stroke        *Stroke `xml:"Stroke,omitempty"`
}

type Graphic struct {
	Mark Mark `xml:"Mark"`
	Size int  `xml:"Size"`
}

type PointSymbolizer struct {
	Graphic Graphic `xml:"Graphic"`
}

type LineSymbolizer struct {
	Stroke Stroke `xml:"Stroke"`
}

type PolygonSymbolizer struct {
	Fill   Fill   `xml:"Fill"`
	Stroke Stroke `xml:"Stroke"`
}

type RasterSymbolizer struct {
	Opacity float64 `xml:"Opacity"`
}

func stroke(color, width string) Stroke {
	return Stroke{Params: []CssParameter{{Name: "stroke", Value: color}, {Name: "stroke-width", Value: width}}}
}

// StyleKindForGeometry 由 PostGIS 几何类型得到默认样式类别，混合类型按面处理
func StyleKindForGeometry(geometryType string) string {
	t := strings.TrimPrefix(strings.ToUpper(geometryType), "MULTI")
	switch t {
	case "POINT":
		return StylePoint
	case "LINESTRING":
		return StyleLine
	case "RASTER":
		return StyleRaster
	}
	return StylePolygon
}

// DefaultSLD builds the default SLD document for a style kind.
func DefaultSLD(name, kind string) ([]byte, error) {
	rule := Rule{Name: kind, Title: name}
	switch kind {
	case StylePoint:
		rule.PointSymbolizer = &PointSymbolizer{Graphic: Graphic{
			Mark: Mark{
				WellKnownName: "circle",
				Fill:          &Fill{Params: []CssParameter{{Name: "fill", Value: "#FF6600"}}},
				Stroke:        &Stroke{Params: []CssParameter{{Name: "stroke", Value: "#FFFFFF"}, {Name: "stroke-width", Value: "1"}}},
			},
			Size: 8,
		}}
	case StyleLine:
		rule.LineSymbolizer = &LineSymbolizer{Stroke: stroke("#0066CC", "1.5")}
	case StylePolygon:
		rule.PolygonSymbolizer = &PolygonSymbolizer{
			Fill:   Fill{Params: []CssParameter{{Name: "fill", Value: "#3399FF"}, {Name: "fill-opacity", Value: "0.4"}}},
			Stroke: stroke("#003366", "1"),
		}
	case StyleRaster:
		rule.RasterSymbolizer = &RasterSymbolizer{Opacity: 1}
	default:
		return nil, apperr.ErrValidation.Msgf("unknown style kind %q", kind)
	}
	doc := StyledLayerDescriptor{
		Version:    "1.0.0",
		Xmlns:      "http://www.opengis.net/sld",
		XmlnsOGC:   "http://www.opengis.net/ogc",
		XmlnsXLink: "http://www.w3.org/1999/xlink",
		NamedLayer: NamedLayer{
			Name: name,
			UserStyle: UserStyle{
				Title:            name,
				FeatureTypeStyle: FeatureTypeStyle{Rules: []Rule{rule}},
			},
		},
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, apperr.ErrInternal.Msg("encode sld").Err(err)
	}
	return append([]byte(xml.Header), out...), nil
}

// CreateStyle uploads an SLD into the workspace, replacing a style of the same name.
func (c *Client) CreateStyle(ctx context.Context, workspace, name string, sld []byte) error {
	exists, err := c.styleExists(ctx, workspace, name)
	if err != nil {
		return err
	}
	var req request
	if exists {
		req = request{method: http.MethodPut, path: rest("workspaces", workspace, "styles", name), contentType: applicationSLD, body: sld}
	} else {
		req = request{
			method:      http.MethodPost,
			path:        rest("workspaces", workspace, "styles") + "?name=" + url.QueryEscape(name),
			contentType: applicationSLD,
			body:        sld,
		}
	}
	if _, err := c.call(ctx, req, http.StatusOK, http.StatusCreated); err != nil {
		return err
	}
	log.Ctx(ctx).Info().Str("workspace", workspace).Str("style", name).Bool("replaced", exists).Msg("style saved")
	return nil
}

func (c *Client) styleExists(ctx context.Context, workspace, name string) (bool, error) {
	req := request{method: http.MethodGet, path: rest("workspaces", workspace, "styles", name+".json")}
	resp, err := c.do(ctx, req)
	if err != nil {
		return false, err
	}
	switch resp.status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, expect(ctx, req, resp, http.StatusOK)
}

type layerStyleRestRequest struct {
	Layer struct {
		DefaultStyle struct {
			Name      string `json:"name"`
			Workspace string `json:"workspace,omitempty"`
		} `json:"defaultStyle"`
	} `json:"layer"`
}

// SetLayerDefaultStyle sets the default style of a published layer.
func (c *Client) SetLayerDefaultStyle(ctx context.Context, workspace, layer, style string) error {
	var body layerStyleRestRequest
	body.Layer.DefaultStyle.Name = style
	body.Layer.DefaultStyle.Workspace = workspace
	data, err := json.Marshal(&body)
	if err != nil {
		return apperr.ErrInternal.Msg("encode layer style request").Err(err)
	}
	req := request{method: http.MethodPut, path: rest("layers", QualifiedName(workspace, layer)), contentType: applicationJSON, body: data}
	_, err = c.call(ctx, req, http.StatusOK)
	return err
}
