package monitor

import (
	"encoding/json"
	"testing"
	"time"
)

func testMeta() Meta {
	return Meta{
		ProcessID:  "web-1724961600000",
		InstanceID: "web",
		Timestamp:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func decode(t *testing.T, e Event) map[string]any {
	t.Helper()
	b, err := MarshalEvent(e)
	if err != nil {
		t.Fatalf("MarshalEvent: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

func TestMarshalEventFlatShape(t *testing.T) {
	m := decode(t, ProcessStarted{Meta: testMeta(), PID: 4242})
	if m["type"] != "process_started" {
		t.Fatalf("type discriminator: %v", m["type"])
	}
	if m["pid"] != float64(4242) {
		t.Fatalf("pid should be a top-level field: %v", m["pid"])
	}
	if m["instanceId"] != "web" || m["processId"] != "web-1724961600000" {
		t.Fatalf("meta fields should be flattened: %v", m)
	}
	if _, nested := m["meta"]; nested {
		t.Fatalf("meta must not nest: %v", m)
	}
}

func TestMarshalEventKinds(t *testing.T) {
	code := 137
	cases := []struct {
		e    Event
		kind string
	}{
		{ProcessStarted{Meta: testMeta(), PID: 1}, "process_started"},
		{ProcessStopped{Meta: testMeta(), ExitCode: &code}, "process_stopped"},
		{ProcessCrashed{Meta: testMeta(), ExitCode: &code, Signal: "killed"}, "process_crashed"},
		{ProcessError{Meta: testMeta(), Message: "spawn failed"}, "process_error"},
		{ErrorDetected{Meta: testMeta(), Level: LevelError, Message: "boom"}, "error_detected"},
		{StateChanged{Meta: testMeta(), OldState: StateCrashed, NewState: StateRestarting}, "state_changed"},
		{HealthCheckFailed{Meta: testMeta(), Reason: "liveness probe failed"}, "health_check_failed"},
	}
	for _, tc := range cases {
		if string(tc.e.Kind()) != tc.kind {
			t.Fatalf("Kind() = %s, want %s", tc.e.Kind(), tc.kind)
		}
		m := decode(t, tc.e)
		if m["type"] != tc.kind {
			t.Fatalf("wire type = %v, want %s", m["type"], tc.kind)
		}
	}
}

func TestMarshalEventOmitsEmptyOptionals(t *testing.T) {
	m := decode(t, ProcessStopped{Meta: testMeta()})
	if _, ok := m["exitCode"]; ok {
		t.Fatalf("nil exit code should be omitted: %v", m)
	}
	m = decode(t, ProcessCrashed{Meta: testMeta()})
	if _, ok := m["signal"]; ok {
		t.Fatalf("empty signal should be omitted: %v", m)
	}
}
