package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gemforge/terminal-agent/internal/httputil"
)

// maxBootstrapBytes caps how much of the bootstrap page is read for hashing.
const maxBootstrapBytes = 8 << 20

// Client talks to the terminal endpoints of the storefront server.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	retryCfg   httputil.RetryConfig
	bootstrap  string
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithRetry sets the retry policy used for heartbeats.
func WithRetry(cfg httputil.RetryConfig) Option {
	return func(c *Client) { c.retryCfg = cfg }
}

// WithBootstrapPath sets the path of the bootstrap page (default /index.html).
func WithBootstrapPath(p string) Option {
	return func(c *Client) { c.bootstrap = p }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  "terminal-agent",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryCfg:   httputil.DefaultRetryConfig(),
		bootstrap:  "/index.html",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s failed with status %d", e.Op, e.StatusCode)
}

type PairRequest struct {
	Code string `json:"code"`
}

type PairResponse struct {
	TerminalID string `json:"terminal_id"`
}

type HeartbeatRequest struct {
	TerminalID string `json:"terminal_id"`
	AppVersion string `json:"app_version,omitempty"`
	OSVersion  string `json:"os_version"`
}

// ConfigResponse is the result of a conditional config fetch. When
// NotModified is set, Payload and ETag are empty.
type ConfigResponse struct {
	NotModified bool
	ETag        string
	Payload     map[string]any
}

// VersionInfo is the body of GET /api/version. BuildID is normalized to a
// string whether the server sends a number or a string.
type VersionInfo struct {
	BuildID      string
	TerminalName string
	ETag         string
}

type versionBody struct {
	BuildID      json.RawMessage `json:"buildId"`
	TerminalName string          `json:"terminalName,omitempty"`
}

// BootstrapPage is a fetched copy of the bootstrap HTML.
type BootstrapPage struct {
	ETag string
	Body []byte
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers http.Header, retry httputil.RetryConfig) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	h := http.Header{}
	for k, v := range headers {
		h[k] = v
	}
	if payload != nil {
		h.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		h.Set("User-Agent", c.userAgent)
	}

	return httputil.Do(ctx, c.httpClient, method, c.baseURL+path, payload, h, retry)
}

func statusErr(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}

func ok2xx(code int) bool {
	return code >= 200 && code < 300
}

// Pair exchanges a pairing code for a terminal id.
func (c *Client) Pair(ctx context.Context, code string) (*PairResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/terminals/pair", PairRequest{Code: code}, nil, httputil.NoRetry())
	if err != nil {
		return nil, fmt.Errorf("pair request: %w", err)
	}
	defer resp.Body.Close()

	if !ok2xx(resp.StatusCode) {
		return nil, statusErr("pair", resp)
	}

	var out PairResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode pair response: %w", err)
	}
	return &out, nil
}

// Heartbeat posts a liveness report. The response body is ignored.
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/terminals/heartbeat", req, nil, c.retryCfg)
	if err != nil {
		return fmt.Errorf("heartbeat request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if !ok2xx(resp.StatusCode) {
		return &StatusError{Op: "heartbeat", StatusCode: resp.StatusCode}
	}
	return nil
}

// FetchConfig fetches the per-terminal configuration. A non-empty etag is
// sent as If-None-Match.
func (c *Client) FetchConfig(ctx context.Context, terminalID, etag string) (*ConfigResponse, error) {
	headers := http.Header{"Accept": {"application/json"}}
	if etag != "" {
		headers.Set("If-None-Match", etag)
	}

	path := "/api/terminals/config?tid=" + url.QueryEscape(terminalID)
	resp, err := c.do(ctx, http.MethodGet, path, nil, headers, httputil.NoRetry())
	if err != nil {
		return nil, fmt.Errorf("config request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &ConfigResponse{NotModified: true}, nil
	}
	if !ok2xx(resp.StatusCode) {
		return nil, statusErr("config", resp)
	}

	payload := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &ConfigResponse{ETag: resp.Header.Get("ETag"), Payload: payload}, nil
}

// Version fetches the currently served build id, bypassing caches.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/version", nil, noCacheHeaders(), httputil.NoRetry())
	if err != nil {
		return nil, fmt.Errorf("version request: %w", err)
	}
	defer resp.Body.Close()

	if !ok2xx(resp.StatusCode) {
		return nil, statusErr("version", resp)
	}

	var body versionBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode version: %w", err)
	}
	return &VersionInfo{
		BuildID:      normalizeBuildID(body.BuildID),
		TerminalName: body.TerminalName,
		ETag:         resp.Header.Get("ETag"),
	}, nil
}

// Bootstrap fetches the bootstrap page. cacheBust, when set, is appended as
// a query parameter so intermediaries cannot answer from cache.
func (c *Client) Bootstrap(ctx context.Context, cacheBust string) (*BootstrapPage, error) {
	path := c.bootstrap
	if cacheBust != "" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		path += sep + "_=" + url.QueryEscape(cacheBust)
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil, noCacheHeaders(), httputil.NoRetry())
	if err != nil {
		return nil, fmt.Errorf("bootstrap request: %w", err)
	}
	defer resp.Body.Close()

	if !ok2xx(resp.StatusCode) {
		return nil, statusErr("bootstrap", resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBootstrapBytes))
	if err != nil {
		return nil, fmt.Errorf("read bootstrap: %w", err)
	}
	return &BootstrapPage{ETag: resp.Header.Get("ETag"), Body: body}, nil
}

func noCacheHeaders() http.Header {
	return http.Header{
		"Cache-Control": {"no-cache, no-store, max-age=0"},
		"Pragma":        {"no-cache"},
	}
}

// normalizeBuildID accepts a JSON number or string and returns its textual
// form; null or empty yields "".
func normalizeBuildID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}
