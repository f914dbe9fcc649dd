package geoserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/rs/zerolog/log"
)

// Dimension is one band of a coverage.
type Dimension struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Coverage is the client's representation of a published coverage.
type Coverage struct {
	Name              string
	NativeName        string
	Title             string
	SRS               string
	NativeCRS         string
	Dimensions        []Dimension
	NativeBoundingBox *BoundingBox
	LatLonBoundingBox *BoundingBox
}

type restCoverage struct {
	Name              string           `json:"name"`
	NativeName        string           `json:"nativeName,omitempty"`
	Title             string           `json:"title,omitempty"`
	SRS               string           `json:"srs,omitempty"`
	NativeCRS         json.RawMessage  `json:"nativeCRS,omitempty"`
	NativeBoundingBox *restBoundingBox `json:"nativeBoundingBox,omitempty"`
	LatLonBoundingBox *restBoundingBox `json:"latLonBoundingBox,omitempty"`
	Dimensions        json.RawMessage  `json:"dimensions,omitempty"`
}

type coverageEnvelope struct {
	Coverage *restCoverage `json:"coverage"`
}

type restCoverageDimension struct {
	Name          string `json:"name"`
	DimensionType struct {
		Name string `json:"name"`
	} `json:"dimensionType"`
}

func decodeDimensions(raw json.RawMessage) []Dimension {
	if len(raw) == 0 {
		return nil
	}
	var wrapper struct {
		CoverageDimension json.RawMessage `json:"coverageDimension"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil || len(wrapper.CoverageDimension) == 0 {
		return nil
	}
	var list []restCoverageDimension
	if err := json.Unmarshal(wrapper.CoverageDimension, &list); err != nil {
		var one restCoverageDimension
		if json.Unmarshal(wrapper.CoverageDimension, &one) != nil {
			return nil
		}
		list = []restCoverageDimension{one}
	}
	dims := make([]Dimension, 0, len(list))
	for _, d := range list {
		dims = append(dims, Dimension{Name: d.Name, Type: d.DimensionType.Name})
	}
	return dims
}

// UploadGeoTIFF uploads a GeoTIFF into a coveragestore, creating the store and a
// coverage named after it.
func (c *Client) UploadGeoTIFF(ctx context.Context, workspace, store string, data []byte) error {
	if len(data) == 0 {
		return apperr.ErrValidation.Msg("empty GeoTIFF")
	}
	q := url.Values{}
	q.Set("configure", "first")
	q.Set("coverageName", store)
	req := request{
		method:      http.MethodPut,
		path:        rest("workspaces", workspace, "coveragestores", store, "file.geotiff") + "?" + q.Encode(),
		contentType: imageTIFF,
		body:        data,
	}
	if _, err := c.call(ctx, req, http.StatusOK, http.StatusCreated); err != nil {
		return err
	}
	log.Ctx(ctx).Info().Str("workspace", workspace).Str("store", store).Int("bytes", len(data)).Msg("geotiff uploaded")
	return nil
}

// GetCoverages returns the names of the coverages in a coveragestore.
func (c *Client) GetCoverages(ctx context.Context, workspace, store string) ([]string, error) {
	req := request{method: http.MethodGet, path: rest("workspaces", workspace, "coveragestores", store, "coverages.json")}
	resp, err := c.call(ctx, req, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return decodeNames(resp.body, "coverages", "coverage"), nil
}

// GetCoverage fetches the coverage metadata.
func (c *Client) GetCoverage(ctx context.Context, workspace, store, name string) (*Coverage, error) {
	req := request{method: http.MethodGet, path: rest("workspaces", workspace, "coveragestores", store, "coverages", name+".json")}
	resp, err := c.call(ctx, req, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var envelope coverageEnvelope
	if err := json.Unmarshal(resp.body, &envelope); err != nil || envelope.Coverage == nil {
		return nil, apperr.ErrUpstream.Msgf("geoserver returned an invalid coverage for %s", name)
	}
	cov := envelope.Coverage
	return &Coverage{
		Name:              cov.Name,
		NativeName:        cov.NativeName,
		Title:             cov.Title,
		SRS:               cov.SRS,
		NativeCRS:         crsText(cov.NativeCRS),
		Dimensions:        decodeDimensions(cov.Dimensions),
		NativeBoundingBox: cov.NativeBoundingBox.toBoundingBox(),
		LatLonBoundingBox: cov.LatLonBoundingBox.toBoundingBox(),
	}, nil
}
