package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmbish04/procwatch/internal/monitor"
)

// Identity header names understood by the remote telemetry store.
const (
	HeaderWorker    = "cf-container-worker"
	HeaderContainer = "cf-container-name"
	HeaderEnv       = "cf-container-env"
)

// DefaultBaseURL is used when no API base URL is configured.
const DefaultBaseURL = "http://127.0.0.1:8787"

// HTTP delivers telemetry as JSON over HTTP to the remote store. Identity
// travels as headers on every request; an optional bearer token is attached
// when configured.
type HTTP struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewHTTP constructs the network transport. An empty baseURL falls back to
// DefaultBaseURL; a nil client gets a 10s-timeout default.
func NewHTTP(baseURL, token string, client *http.Client) (*HTTP, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid monitoring API base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported monitoring API scheme %q", u.Scheme)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTP{client: client, baseURL: strings.TrimRight(baseURL, "/"), token: token}, nil
}

func (t *HTTP) Name() string { return "http" }

func (t *HTTP) Close() error { return nil }

func (t *HTTP) RecordEvent(ctx context.Context, e monitor.Event, mctx monitor.Context) error {
	eb, err := monitor.MarshalEvent(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	body := map[string]any{"event": json.RawMessage(eb), "context": mctx}
	return t.post(ctx, "/api/monitoring/events", mctx, body, nil)
}

func (t *HTTP) RecordError(ctx context.Context, rec monitor.StoredError, mctx monitor.Context) (Receipt, error) {
	var rcpt Receipt
	body := map[string]any{"error": rec, "context": mctx}
	if err := t.post(ctx, "/api/monitoring/errors", mctx, body, &rcpt); err != nil {
		return Receipt{}, err
	}
	return rcpt, nil
}

func (t *HTTP) RecordLogBatch(ctx context.Context, entries []monitor.LogEntry, mctx monitor.Context) error {
	body := map[string]any{"entries": entries, "context": mctx}
	return t.post(ctx, "/api/monitoring/logs/batch", mctx, body, nil)
}

func (t *HTTP) FetchErrors(ctx context.Context, f monitor.ErrorFilter, mctx monitor.Context) ([]monitor.StoredError, error) {
	var out []monitor.StoredError
	if err := t.get(ctx, "/api/monitoring/errors", errorQuery(f), mctx, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []monitor.StoredError{}
	}
	return out, nil
}

func (t *HTTP) FetchErrorSummary(ctx context.Context, f monitor.ErrorFilter, mctx monitor.Context) (monitor.ErrorSummary, error) {
	var out monitor.ErrorSummary
	if err := t.get(ctx, "/api/monitoring/errors/summary", errorQuery(f), mctx, &out); err != nil {
		return monitor.ErrorSummary{}, err
	}
	if out.ErrorsByLevel == nil {
		out.ErrorsByLevel = map[monitor.Level]int{}
	}
	return out, nil
}

func (t *HTTP) ClearErrors(ctx context.Context, f monitor.ErrorFilter, mctx monitor.Context) (int, error) {
	var resp struct {
		ClearedCount int `json:"clearedCount"`
	}
	body := map[string]any{"filter": f, "context": mctx}
	if err := t.post(ctx, "/api/monitoring/errors/clear", mctx, body, &resp); err != nil {
		return 0, err
	}
	return resp.ClearedCount, nil
}

func (t *HTTP) FetchLogs(ctx context.Context, f monitor.LogFilter, mctx monitor.Context) (monitor.LogPage, error) {
	var out monitor.LogPage
	if err := t.get(ctx, "/api/monitoring/logs", logQuery(f), mctx, &out); err != nil {
		return monitor.LogPage{}, err
	}
	if out.Entries == nil {
		out.Entries = []monitor.LogEntry{}
	}
	return out, nil
}

func (t *HTTP) ClearLogs(ctx context.Context, f monitor.LogFilter, mctx monitor.Context) (int, error) {
	var resp struct {
		ClearedCount int `json:"clearedCount"`
	}
	body := map[string]any{"filter": f, "context": mctx}
	if err := t.post(ctx, "/api/monitoring/logs/clear", mctx, body, &resp); err != nil {
		return 0, err
	}
	return resp.ClearedCount, nil
}

// --- request plumbing ---

func (t *HTTP) post(ctx context.Context, path string, mctx monitor.Context, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	t.setIdentity(req, mctx)
	return t.do(req, out)
}

func (t *HTTP) get(ctx context.Context, path string, q url.Values, mctx monitor.Context, out any) error {
	u := t.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	t.setIdentity(req, mctx)
	return t.do(req, out)
}

func (t *HTTP) setIdentity(req *http.Request, mctx monitor.Context) {
	req.Header.Set(HeaderWorker, mctx.Identity.WorkerName)
	req.Header.Set(HeaderContainer, mctx.Identity.ContainerName)
	if mctx.Identity.Environment != "" {
		req.Header.Set(HeaderEnv, mctx.Identity.Environment)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
}

func (t *HTTP) do(req *http.Request, out any) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		trimmed := strings.TrimSpace(string(msg))
		if trimmed == "" {
			return fmt.Errorf("monitoring API status %d", resp.StatusCode)
		}
		return fmt.Errorf("monitoring API status %d: %s", resp.StatusCode, trimmed)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode monitoring API response: %w", err)
	}
	return nil
}

func errorQuery(f monitor.ErrorFilter) url.Values {
	q := url.Values{}
	q.Set("instanceId", f.InstanceID)
	if f.MinLevel != "" {
		q.Set("minLevel", string(f.MinLevel))
	}
	if f.MaxLevel != "" {
		q.Set("maxLevel", string(f.MaxLevel))
	}
	if f.Since != nil {
		q.Set("since", f.Since.UTC().Format(time.RFC3339Nano))
	}
	if f.Until != nil {
		q.Set("until", f.Until.UTC().Format(time.RFC3339Nano))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	return q
}

func logQuery(f monitor.LogFilter) url.Values {
	q := url.Values{}
	q.Set("instanceId", f.InstanceID)
	if len(f.Levels) > 0 {
		parts := make([]string, 0, len(f.Levels))
		for _, l := range f.Levels {
			parts = append(parts, string(l))
		}
		q.Set("levels", strings.Join(parts, ","))
	}
	if len(f.Streams) > 0 {
		parts := make([]string, 0, len(f.Streams))
		for _, s := range f.Streams {
			parts = append(parts, string(s))
		}
		q.Set("streams", strings.Join(parts, ","))
	}
	if f.Since != nil {
		q.Set("since", f.Since.UTC().Format(time.RFC3339Nano))
	}
	if f.Until != nil {
		q.Set("until", f.Until.UTC().Format(time.RFC3339Nano))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	if f.SortOrder != "" {
		q.Set("sortOrder", f.SortOrder)
	}
	return q
}
