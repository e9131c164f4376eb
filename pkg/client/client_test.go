package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmbish04/procwatch"
)

func TestNewAppliesDefaults(t *testing.T) {
	c := New(Config{})
	if c.BaseURL() != "http://localhost:8791" {
		t.Fatalf("base url = %s", c.BaseURL())
	}
	c = New(Config{BaseURL: "http://host:9000/api/"})
	if c.BaseURL() != "http://host:9000/api" {
		t.Fatalf("trailing slash not trimmed: %s", c.BaseURL())
	}
}

func TestStartSendsSpecAndDecodesInfo(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(procwatch.ProcessInfo{InstanceID: "web", PID: 123})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	info, err := c.Start(context.Background(), StartRequest{
		Spec: procwatch.Spec{InstanceID: "web", Command: "/bin/true"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if gotPath != "/start" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotBody["instance_id"] != "web" || gotBody["command"] != "/bin/true" {
		t.Fatalf("request body: %v", gotBody)
	}
	if info.InstanceID != "web" || info.PID != 123 {
		t.Fatalf("decoded info: %+v", info)
	}
}

func TestStartForwardsOptions(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(procwatch.ProcessInfo{InstanceID: "web"})
	}))
	defer srv.Close()

	opts := procwatch.DefaultOptions()
	opts.MaxRestarts = 9
	opts.AutoRestart = false
	c := New(Config{BaseURL: srv.URL})
	if _, err := c.Start(context.Background(), StartRequest{
		Spec:    procwatch.Spec{InstanceID: "web", Command: "/bin/true"},
		Options: &opts,
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	raw, ok := gotBody["options"].(map[string]any)
	if !ok {
		t.Fatalf("options payload missing: %v", gotBody)
	}
	if raw["max_restarts"] != float64(9) || raw["auto_restart"] != false {
		t.Fatalf("options not forwarded: %v", raw)
	}
}

func TestErrorsBuildsQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c := New(Config{BaseURL: srv.URL})
	_, err := c.Errors(context.Background(), procwatch.ErrorFilter{
		InstanceID: "web",
		MinLevel:   "warn",
		Since:      &since,
		Limit:      10,
		Offset:     5,
	})
	if err != nil {
		t.Fatalf("Errors: %v", err)
	}
	q := "instance=web&limit=10&minLevel=warn&offset=5&since=2025-06-01T00%3A00%3A00Z"
	if gotQuery != q {
		t.Fatalf("query = %s, want %s", gotQuery, q)
	}
}

func TestClearLogsDecodesDeleted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"deleted":9}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	n, err := c.ClearLogs(context.Background(), "web")
	if err != nil || n != 9 {
		t.Fatalf("ClearLogs = %d, %v", n, err)
	}
}

func TestDaemonErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"instance query param required"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	err := c.Stop(context.Background(), "")
	if err == nil {
		t.Fatal("expected error")
	}
	if want := "daemon error: instance query param required"; err.Error() != want {
		t.Fatalf("error = %q, want %q", err.Error(), want)
	}
}

func TestIsReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	c := New(Config{BaseURL: srv.URL})
	if !c.IsReachable(context.Background()) {
		t.Fatal("live server should be reachable")
	}
	srv.Close()
	if c.IsReachable(context.Background()) {
		t.Fatal("closed server should be unreachable")
	}
}
