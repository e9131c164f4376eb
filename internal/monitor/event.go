package monitor

import (
	"encoding/json"
	"time"
)

// EventKind discriminates lifecycle event variants on the wire.
type EventKind string

const (
	KindProcessStarted    EventKind = "process_started"
	KindProcessStopped    EventKind = "process_stopped"
	KindProcessCrashed    EventKind = "process_crashed"
	KindProcessError      EventKind = "process_error"
	KindErrorDetected     EventKind = "error_detected"
	KindStateChanged      EventKind = "state_changed"
	KindHealthCheckFailed EventKind = "health_check_failed"
)

// Meta carries the fields common to every event variant.
type Meta struct {
	ProcessID  string    `json:"processId"`
	InstanceID string    `json:"instanceId"`
	Timestamp  time.Time `json:"timestamp"`
}

// Event is a closed union of lifecycle event variants. Events are
// append-only facts: once emitted they are never mutated, reordered or
// coalesced. Consumers should type-switch over the concrete variants.
type Event interface {
	Kind() EventKind
	EventMeta() Meta
	isEvent()
}

// ProcessStarted is emitted when a spawn succeeds and the instance enters
// the running state.
type ProcessStarted struct {
	Meta
	PID int `json:"pid"`
}

// ProcessStopped is emitted on a graceful stop or a clean zero exit.
type ProcessStopped struct {
	Meta
	ExitCode *int `json:"exitCode,omitempty"`
}

// ProcessCrashed is emitted on an unexpected exit while not stopping.
type ProcessCrashed struct {
	Meta
	ExitCode *int   `json:"exitCode,omitempty"`
	Signal   string `json:"signal,omitempty"`
}

// ProcessError is emitted when the spawn itself fails.
type ProcessError struct {
	Meta
	Message string `json:"message"`
}

// ErrorDetected is emitted when an error-level line is recognized in the
// child's output.
type ErrorDetected struct {
	Meta
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// StateChanged is emitted for transitions that have no dedicated variant,
// notably entering the restarting state.
type StateChanged struct {
	Meta
	OldState State `json:"oldState"`
	NewState State `json:"newState"`
}

// HealthCheckFailed is emitted when a liveness probe fails without forcing
// a state change.
type HealthCheckFailed struct {
	Meta
	Reason string `json:"reason,omitempty"`
}

func (ProcessStarted) Kind() EventKind    { return KindProcessStarted }
func (ProcessStopped) Kind() EventKind    { return KindProcessStopped }
func (ProcessCrashed) Kind() EventKind    { return KindProcessCrashed }
func (ProcessError) Kind() EventKind      { return KindProcessError }
func (ErrorDetected) Kind() EventKind     { return KindErrorDetected }
func (StateChanged) Kind() EventKind      { return KindStateChanged }
func (HealthCheckFailed) Kind() EventKind { return KindHealthCheckFailed }

func (m Meta) EventMeta() Meta { return m }

func (ProcessStarted) isEvent()    {}
func (ProcessStopped) isEvent()    {}
func (ProcessCrashed) isEvent()    {}
func (ProcessError) isEvent()      {}
func (ErrorDetected) isEvent()     {}
func (StateChanged) isEvent()      {}
func (HealthCheckFailed) isEvent() {}

// MarshalEvent encodes an event to its flat wire form with the variant's
// fields and a "type" discriminator at the top level.
func MarshalEvent(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	m["type"] = string(e.Kind())
	return json.Marshal(m)
}
