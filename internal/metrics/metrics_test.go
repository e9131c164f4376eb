package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndHelpersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncSpawn("web")
	IncSpawn("web")
	IncRestart("web")
	IncCrash("web")
	RecordStateTransition("web", "running", "crashed")
	SetCurrentState("web", "crashed", true)
	IncErrorStored("web")
	IncErrorDeduplicated("web")
	IncBatchFlushed("web", 25)
	IncBatchDropped("web", 5)
	IncEntriesEvicted("web", 2)
	SetQueueDepth("web", 17)
	IncDeliveryRetry("error")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"procwatch_process_spawns_total":             false,
		"procwatch_process_restarts_total":           false,
		"procwatch_process_crashes_total":            false,
		"procwatch_process_state_transitions_total":  false,
		"procwatch_process_current_state":            false,
		"procwatch_errors_stored_total":              false,
		"procwatch_errors_deduplicated_total":        false,
		"procwatch_logs_batches_flushed_total":       false,
		"procwatch_logs_entries_flushed_total":       false,
		"procwatch_logs_batches_dropped_total":       false,
		"procwatch_logs_entries_dropped_total":       false,
		"procwatch_logs_queue_depth":                 false,
		"procwatch_transport_delivery_retries_total": false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

func TestHandlerServesExposition(t *testing.T) {
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatalf("register default: %v", err)
	}
	IncSpawn("expo")

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "procwatch_process_spawns_total") {
		t.Fatal("exposition missing spawn counter")
	}
}
