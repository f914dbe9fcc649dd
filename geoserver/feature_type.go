package geoserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/rs/zerolog/log"
)

// BoundingBox is a GeoServer bounding box, CRS is empty when GeoServer omits it.
type BoundingBox struct {
	MinX float64
	MaxX float64
	MinY float64
	MaxY float64
	CRS  string
}

// Attribute describes one feature type attribute.
type Attribute struct {
	Name     string `json:"name"`
	Binding  string `json:"binding"`
	Nillable bool   `json:"nillable"`
}

// FeatureType is the client's representation of a published feature type.
type FeatureType struct {
	Name              string
	NativeName        string
	Title             string
	SRS               string
	NativeCRS         string
	ProjectionPolicy  string
	Attributes        []Attribute
	NativeBoundingBox *BoundingBox
	LatLonBoundingBox *BoundingBox
}

/**
 * REST API
 */

type restBoundingBox struct {
	MinX float64         `json:"minx"`
	MaxX float64         `json:"maxx"`
	MinY float64         `json:"miny"`
	MaxY float64         `json:"maxy"`
	CRS  json.RawMessage `json:"crs,omitempty"`
}

func (b *restBoundingBox) toBoundingBox() *BoundingBox {
	if b == nil {
		return nil
	}
	return &BoundingBox{MinX: b.MinX, MaxX: b.MaxX, MinY: b.MinY, MaxY: b.MaxY, CRS: crsText(b.CRS)}
}

type restFeatureType struct {
	Name              string           `json:"name"`
	NativeName        string           `json:"nativeName,omitempty"`
	Title             string           `json:"title,omitempty"`
	SRS               string           `json:"srs,omitempty"`
	NativeCRS         json.RawMessage  `json:"nativeCRS,omitempty"`
	ProjectionPolicy  string           `json:"projectionPolicy,omitempty"`
	Enabled           bool             `json:"enabled"`
	NativeBoundingBox *restBoundingBox `json:"nativeBoundingBox,omitempty"`
	LatLonBoundingBox *restBoundingBox `json:"latLonBoundingBox,omitempty"`
	Attributes        json.RawMessage  `json:"attributes,omitempty"`
}

type featureTypeEnvelope struct {
	FeatureType *restFeatureType `json:"featureType"`
}

type restNamedLink struct {
	Name string `json:"name"`
	Href string `json:"href"`
}

// crsText GeoServer 的 CRS 字段可能是字符串，也可能是 {"@class":..., "$":...}
func crsText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Value string `json:"$"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Value
	}
	return ""
}

// decodeAttributes 单个属性时 GeoServer 返回对象而不是数组
func decodeAttributes(raw json.RawMessage) []Attribute {
	if len(raw) == 0 {
		return nil
	}
	var wrapper struct {
		Attribute json.RawMessage `json:"attribute"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil || len(wrapper.Attribute) == 0 {
		return nil
	}
	var list []Attribute
	if err := json.Unmarshal(wrapper.Attribute, &list); err == nil {
		return list
	}
	var one Attribute
	if err := json.Unmarshal(wrapper.Attribute, &one); err == nil {
		return []Attribute{one}
	}
	return nil
}

// decodeNames 解析 {"featureTypes":{"featureType":[...]}} 这类列表，空列表时 GeoServer 返回 ""
func decodeNames(body []byte, outer, inner string) []string {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return []string{}
	}
	var middle map[string]json.RawMessage
	if err := json.Unmarshal(envelope[outer], &middle); err != nil {
		return []string{}
	}
	var links []restNamedLink
	if err := json.Unmarshal(middle[inner], &links); err != nil {
		var one restNamedLink
		if json.Unmarshal(middle[inner], &one) != nil || one.Name == "" {
			return []string{}
		}
		links = []restNamedLink{one}
	}
	names := make([]string, 0, len(links))
	for _, l := range links {
		names = append(names, l.Name)
	}
	return names
}

// PublishFeatureType publishes a PostGIS table of the datastore as a feature type.
// The declared SRS is forced, e.g. "EPSG:4326".
func (c *Client) PublishFeatureType(ctx context.Context, workspace, store, table, name, srs string) error {
	if table == "" || name == "" {
		return apperr.ErrValidation.Msg("table and feature type name are required")
	}
	body, err := json.Marshal(&featureTypeEnvelope{FeatureType: &restFeatureType{
		Name:             name,
		NativeName:       table,
		Title:            name,
		SRS:              srs,
		ProjectionPolicy: "FORCE_DECLARED",
		Enabled:          true,
	}})
	if err != nil {
		return apperr.ErrInternal.Msg("encode feature type request").Err(err)
	}
	req := request{
		method:      http.MethodPost,
		path:        rest("workspaces", workspace, "datastores", store, "featuretypes"),
		contentType: applicationJSON,
		body:        body,
	}
	if _, err := c.call(ctx, req, http.StatusCreated); err != nil {
		return err
	}
	log.Ctx(ctx).Info().Str("workspace", workspace).Str("store", store).Str("featureType", name).Msg("feature type created")
	return nil
}

// GetFeatureType fetches the feature type metadata.
func (c *Client) GetFeatureType(ctx context.Context, workspace, store, name string) (*FeatureType, error) {
	req := request{method: http.MethodGet, path: rest("workspaces", workspace, "datastores", store, "featuretypes", name+".json")}
	resp, err := c.call(ctx, req, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var envelope featureTypeEnvelope
	if err := json.Unmarshal(resp.body, &envelope); err != nil || envelope.FeatureType == nil {
		return nil, apperr.ErrUpstream.Msgf("geoserver returned an invalid feature type for %s", name)
	}
	ft := envelope.FeatureType
	return &FeatureType{
		Name:              ft.Name,
		NativeName:        ft.NativeName,
		Title:             ft.Title,
		SRS:               ft.SRS,
		NativeCRS:         strings.TrimSpace(crsText(ft.NativeCRS)),
		ProjectionPolicy:  ft.ProjectionPolicy,
		Attributes:        decodeAttributes(ft.Attributes),
		NativeBoundingBox: ft.NativeBoundingBox.toBoundingBox(),
		LatLonBoundingBox: ft.LatLonBoundingBox.toBoundingBox(),
	}, nil
}

// ListFeatureTypes returns the names of the feature types configured in a datastore.
func (c *Client) ListFeatureTypes(ctx context.Context, workspace, store string) ([]string, error) {
	req := request{method: http.MethodGet, path: rest("workspaces", workspace, "datastores", store, "featuretypes.json")}
	resp, err := c.call(ctx, req, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return decodeNames(resp.body, "featureTypes", "featureType"), nil
}
