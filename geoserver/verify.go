package geoserver

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/rs/zerolog/log"
)

// QualifiedName returns "{workspace}:{layer}".
func QualifiedName(workspace, layer string) string {
	return workspace + ":" + layer
}

// WMSURL GetCapabilities 地址，写入图层记录的 wms_url
func (c *Client) WMSURL(workspace, layer string) string {
	return c.baseURL + "/wms?service=WMS&version=1.1.0&request=GetCapabilities&layers=" + QualifiedName(workspace, layer)
}

func (c *Client) WFSURL(workspace, layer string) string {
	return c.baseURL + "/wfs?service=WFS&version=1.0.0&request=GetCapabilities&typeName=" + QualifiedName(workspace, layer)
}

func (c *Client) WCSURL(workspace, layer string) string {
	return c.baseURL + "/wcs?service=WCS&version=1.0.0&request=GetCapabilities&coverage=" + QualifiedName(workspace, layer)
}

type probe struct {
	name string
	run  func(ctx context.Context, qn string) (bool, error)
}

// VerifyLayer checks that a layer is visible on GeoServer. It tries the REST layer
// resource, then WMS capabilities, then a WMS GetMap, and succeeds on the first
// probe that does. It returns the name of that probe.
func (c *Client) VerifyLayer(ctx context.Context, workspace, layer string) (string, error) {
	qn := QualifiedName(workspace, layer)
	probes := []probe{
		{"rest", c.probeREST},
		{"capabilities", c.probeCapabilities},
		{"getmap", c.probeGetMap},
	}
	var lastErr error
	for _, p := range probes {
		ok, err := p.run(ctx, qn)
		if err != nil {
			if ctx.Err() != nil {
				return "", apperr.Wrap(apperr.KindTimeout, ctx.Err(), "verify layer "+qn)
			}
			lastErr = err
			log.Ctx(ctx).Debug().Err(err).Str("layer", qn).Str("probe", p.name).Msg("layer probe failed")
			continue
		}
		if ok {
			log.Ctx(ctx).Debug().Str("layer", qn).Str("probe", p.name).Msg("layer verified")
			return p.name, nil
		}
	}
	e := apperr.ErrUpstream.Msgf("layer %s is not visible on geoserver", qn)
	if lastErr != nil {
		return "", e.Err(lastErr)
	}
	return "", e
}

func (c *Client) probeREST(ctx context.Context, qn string) (bool, error) {
	resp, err := c.do(ctx, request{method: http.MethodGet, path: rest("layers", qn+".json")})
	if err != nil {
		return false, err
	}
	return resp.status == http.StatusOK, nil
}

func (c *Client) probeCapabilities(ctx context.Context, qn string) (bool, error) {
	path := "/wms?service=WMS&version=1.1.1&request=GetCapabilities"
	resp, err := c.do(ctx, request{method: http.MethodGet, path: path, accept: "application/xml"})
	if err != nil {
		return false, err
	}
	if !resp.ok() {
		return false, nil
	}
	return strings.Contains(string(resp.body), "<Name>"+qn+"</Name>"), nil
}

func (c *Client) probeGetMap(ctx context.Context, qn string) (bool, error) {
	q := url.Values{}
	q.Set("service", "WMS")
	q.Set("version", "1.1.0")
	q.Set("request", "GetMap")
	q.Set("layers", qn)
	q.Set("styles", "")
	q.Set("bbox", "-180,-90,180,90")
	q.Set("width", "256")
	q.Set("height", "256")
	q.Set("srs", "EPSG:4326")
	q.Set("format", "image/png")
	resp, err := c.do(ctx, request{method: http.MethodGet, path: "/wms?" + q.Encode(), accept: "image/png"})
	if err != nil {
		return false, err
	}
	return resp.ok() && strings.HasPrefix(resp.header.Get(contentTypeHeader), "image/"), nil
}
