// Package client is the HTTP client for the procwatch control API. The
// procwatch CLI is built on it; external tooling can import it directly.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmbish04/procwatch"
)

// Config holds client configuration.
type Config struct {
	// BaseURL includes the daemon's base path, e.g. http://localhost:8791.
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns the defaults for a local daemon.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8791",
		Timeout: 10 * time.Second,
	}
}

// Client talks to a running procwatch daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// New creates a Client from config, filling empty fields with defaults.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}
}

// BaseURL reports the resolved daemon URL.
func (c *Client) BaseURL() string { return c.baseURL }

// IsReachable checks whether the daemon answers at all.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode != http.StatusNotFound
}

// StartRequest is the body accepted by the daemon's start endpoint.
type StartRequest struct {
	procwatch.Spec
	Options *procwatch.Options `json:"options,omitempty"`
}

// Start spawns a supervised instance and returns its snapshot.
func (c *Client) Start(ctx context.Context, req StartRequest) (procwatch.ProcessInfo, error) {
	var info procwatch.ProcessInfo
	err := c.postJSON(ctx, "/start", nil, req, &info)
	return info, err
}

// Stop gracefully stops an instance.
func (c *Client) Stop(ctx context.Context, instance string) error {
	return c.postJSON(ctx, "/stop", url.Values{"instance": {instance}}, nil, nil)
}

// Status fetches the snapshot for one instance.
func (c *Client) Status(ctx context.Context, instance string) (procwatch.ProcessInfo, error) {
	var info procwatch.ProcessInfo
	err := c.getJSON(ctx, "/status", url.Values{"instance": {instance}}, &info)
	return info, err
}

// StatusAll fetches snapshots for every known instance.
func (c *Client) StatusAll(ctx context.Context) ([]procwatch.ProcessInfo, error) {
	var infos []procwatch.ProcessInfo
	err := c.getJSON(ctx, "/status", nil, &infos)
	return infos, err
}

// RawStatus fetches status as raw JSON: one snapshot when instance is
// set, the full list otherwise. Used by the CLI for passthrough output.
func (c *Client) RawStatus(ctx context.Context, instance string) (json.RawMessage, error) {
	q := url.Values{}
	if instance != "" {
		q.Set("instance", instance)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/status", q), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// Errors lists stored errors matching the filter.
func (c *Client) Errors(ctx context.Context, f procwatch.ErrorFilter) ([]procwatch.StoredError, error) {
	var out []procwatch.StoredError
	err := c.getJSON(ctx, "/errors", errorFilterQuery(f), &out)
	return out, err
}

// ErrorSummary reports aggregate error statistics.
func (c *Client) ErrorSummary(ctx context.Context, instance string) (procwatch.ErrorSummary, error) {
	var out procwatch.ErrorSummary
	q := url.Values{}
	if instance != "" {
		q.Set("instance", instance)
	}
	err := c.getJSON(ctx, "/errors/summary", q, &out)
	return out, err
}

// ClearErrors deletes stored errors and returns the number removed.
func (c *Client) ClearErrors(ctx context.Context, instance string) (int, error) {
	var out clearResponse
	q := url.Values{}
	if instance != "" {
		q.Set("instance", instance)
	}
	if err := c.postJSON(ctx, "/errors/clear", q, nil, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

// Logs pages through stored log entries matching the filter.
func (c *Client) Logs(ctx context.Context, f procwatch.LogFilter) (procwatch.LogPage, error) {
	var out procwatch.LogPage
	err := c.getJSON(ctx, "/logs", logFilterQuery(f), &out)
	return out, err
}

// ClearLogs deletes stored logs and returns the number removed.
func (c *Client) ClearLogs(ctx context.Context, instance string) (int, error) {
	var out clearResponse
	q := url.Values{}
	if instance != "" {
		q.Set("instance", instance)
	}
	if err := c.postJSON(ctx, "/logs/clear", q, nil, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

type clearResponse struct {
	OK      bool `json:"ok"`
	Deleted int  `json:"deleted"`
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, q), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, q url.Values, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, q), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	c.logger.Debug("control api request", "method", req.Method, "url", req.URL.String())
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
		return fmt.Errorf("daemon error: status %d", resp.StatusCode)
	}
	return fmt.Errorf("daemon error: %s", apiErr.Error)
}

func errorFilterQuery(f procwatch.ErrorFilter) url.Values {
	q := url.Values{}
	if f.InstanceID != "" {
		q.Set("instance", f.InstanceID)
	}
	if f.MinLevel != "" {
		q.Set("minLevel", string(f.MinLevel))
	}
	if f.MaxLevel != "" {
		q.Set("maxLevel", string(f.MaxLevel))
	}
	if f.Since != nil {
		q.Set("since", f.Since.Format(time.RFC3339Nano))
	}
	if f.Until != nil {
		q.Set("until", f.Until.Format(time.RFC3339Nano))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	return q
}

func logFilterQuery(f procwatch.LogFilter) url.Values {
	q := url.Values{}
	if f.InstanceID != "" {
		q.Set("instance", f.InstanceID)
	}
	if len(f.Levels) > 0 {
		parts := make([]string, len(f.Levels))
		for i, l := range f.Levels {
			parts[i] = string(l)
		}
		q.Set("levels", strings.Join(parts, ","))
	}
	if len(f.Streams) > 0 {
		parts := make([]string, len(f.Streams))
		for i, s := range f.Streams {
			parts[i] = string(s)
		}
		q.Set("streams", strings.Join(parts, ","))
	}
	if f.SortOrder != "" {
		q.Set("sortOrder", f.SortOrder)
	}
	if f.Since != nil {
		q.Set("since", f.Since.Format(time.RFC3339Nano))
	}
	if f.Until != nil {
		q.Set("until", f.Until.Format(time.RFC3339Nano))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	return q
}
