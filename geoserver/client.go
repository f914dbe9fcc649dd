// Package geoserver is a small GeoServer REST client covering what the publish
// pipeline needs: workspaces, PostGIS and file stores, feature types, coverages,
// styles and layer verification.
package geoserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/GrainArc/SouceGate/config"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTimeout      = 60 * time.Second
	defaultBackoff      = 200 * time.Millisecond
	defaultWorkspaceTTL = 5 * time.Minute
)

// Client is a GeoServer client which uses GeoServer's REST API.
// It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	timeout    time.Duration
	retries    int
	backoff    time.Duration

	group        singleflight.Group
	mu           sync.Mutex
	workspaces   map[string]time.Time // 已确认存在的工作空间
	workspaceTTL time.Duration
}

// NewClient creates a client from the geoserver config section.
// A nil httpClient falls back to a dedicated client without a global timeout,
// every call carries its own deadline instead.
func NewClient(cfg config.GeoServerConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient:   httpClient,
		baseURL:      strings.TrimRight(cfg.URL, "/"),
		username:     cfg.Username,
		password:     cfg.Password,
		timeout:      timeout,
		retries:      cfg.Retries,
		backoff:      defaultBackoff,
		workspaces:   map[string]time.Time{},
		workspaceTTL: defaultWorkspaceTTL,
	}
}

// BaseURL returns the GeoServer root, e.g. http://host:8080/geoserver.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type request struct {
	method      string
	path        string // 已转义的路径，可带查询串
	contentType string
	accept      string
	body        []byte
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r *response) ok() bool {
	return r.status >= 200 && r.status < 300
}

// rest 拼接 /rest 下的路径，每一段单独转义
func rest(segments ...string) string {
	var b strings.Builder
	b.WriteString("/rest")
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// do 发送请求。网络错误与 502/503/504 按退避重试，每次尝试单独计时。
func (c *Client) do(ctx context.Context, req request) (*response, error) {
	target := c.baseURL + req.path
	logger := log.Ctx(ctx).With().Str("method", req.method).Str("url", target).Logger()

	wait := c.backoff
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, apperr.Wrap(apperr.KindTimeout, ctx.Err(), "geoserver request cancelled")
			case <-time.After(wait):
			}
			wait *= 2
		}
		logger.Debug().Int("attempt", attempt).Msg("geoserver request")
		resp, err := c.attempt(ctx, target, req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil || !idempotent(req.method) {
				break
			}
			logger.Warn().Err(err).Int("attempt", attempt).Msg("could not communicate with geoserver")
			continue
		}
		if retryableStatus[resp.status] && attempt < c.retries {
			logger.Warn().Int("status", resp.status).Int("attempt", attempt).Msg("geoserver unavailable, retrying")
			continue
		}
		return resp, nil
	}
	if isTimeout(lastErr) {
		return nil, apperr.ErrTimeout.Msgf("%s %s", req.method, req.path).Err(lastErr)
	}
	return nil, apperr.ErrUpstream.Msgf("%s %s", req.method, req.path).Err(lastErr)
}

func (c *Client) attempt(ctx context.Context, target string, req request) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return nil, err
	}
	if req.contentType != "" {
		httpReq.Header.Set(contentTypeHeader, req.contentType)
	}
	accept := req.accept
	if accept == "" {
		accept = applicationJSON
	}
	httpReq.Header.Set(acceptHeader, accept)
	httpReq.SetBasicAuth(c.username, c.password)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	return &response{status: httpResp.StatusCode, header: httpResp.Header, body: data}, nil
}

// idempotent 网络错误时只重试这些方法，POST/PUT 可能已在服务端生效
func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// expect 校验状态码，不在 codes 中时返回 upstream 错误（404 返回 not-found）
func expect(ctx context.Context, req request, resp *response, codes ...int) error {
	for _, code := range codes {
		if resp.status == code {
			return nil
		}
	}
	body := strings.TrimSpace(string(resp.body))
	if len(body) > 512 {
		body = body[:512]
	}
	log.Ctx(ctx).Warn().
		Str("method", req.method).
		Str("path", req.path).
		Int("status", resp.status).
		Str("responseBody", body).
		Msg("geoserver responded with an unexpected status")
	if resp.status == http.StatusNotFound {
		return apperr.ErrNotFound.Msgf("%s %s: geoserver returned 404", req.method, req.path)
	}
	return apperr.ErrUpstream.Msgf("%s %s: geoserver returned %d: %s", req.method, req.path, resp.status, body)
}

// call 发送请求并校验状态码
func (c *Client) call(ctx context.Context, req request, codes ...int) (*response, error) {
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := expect(ctx, req, resp, codes...); err != nil {
		return resp, err
	}
	return resp, nil
}

// IsHealthOk checks if the GeoServer instance is running.
func (c *Client) IsHealthOk(ctx context.Context) (bool, error) {
	resp, err := c.do(ctx, request{method: http.MethodGet, path: "/rest/about/status"})
	if err != nil {
		return false, err
	}
	if resp.status != http.StatusOK {
		log.Ctx(ctx).Debug().Int("status", resp.status).Msg("geoserver responded with a non-200 HTTP status code")
		return false, nil
	}
	return true, nil
}

func storeCollection(kind string) (string, error) {
	switch kind {
	case "datastore", "datastores":
		return "datastores", nil
	case "coveragestore", "coveragestores":
		return "coveragestores", nil
	}
	return "", apperr.ErrValidation.Msgf("unknown store kind %q", kind)
}
