package monitor

import "time"

// State is the lifecycle state of a supervised process instance.
// Exactly one state is current at any time; transitions are owned by the
// supervisor state machine.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateCrashed    State = "crashed"
	StateRestarting State = "restarting"
)

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	switch s {
	case StateStarting, StateRunning, StateStopping, StateStopped, StateCrashed, StateRestarting:
		return true
	}
	return false
}

// Level classifies an error or log line.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// Rank orders levels for min/max filtering. Unknown levels rank as info.
func (l Level) Rank() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	case LevelFatal:
		return 4
	default:
		return 1
	}
}

// Stream identifies which child file descriptor a log line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// ProcessInfo is the mutable record of one monitored command. It is created
// by Supervisor.Start, mutated only by the supervisor on state transitions,
// and snapshot-copied for external readers.
type ProcessInfo struct {
	ID           string     `json:"id"`
	InstanceID   string     `json:"instanceId"`
	Command      string     `json:"command"`
	Args         []string   `json:"args,omitempty"`
	Cwd          string     `json:"cwd,omitempty"`
	Env          []string   `json:"env,omitempty"`
	PID          int        `json:"pid,omitempty"`
	StartTime    *time.Time `json:"startTime,omitempty"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	ExitCode     *int       `json:"exitCode,omitempty"`
	RestartCount int        `json:"restartCount"`
	Status       State      `json:"status"`
	LastError    string     `json:"lastError,omitempty"`
}

// Options is the immutable per-instance restart and capture policy, fixed
// when the supervisor starts.
type Options struct {
	AutoRestart         bool          `json:"auto_restart" mapstructure:"auto_restart"`
	MaxRestarts         int           `json:"max_restarts" mapstructure:"max_restarts"`
	RestartDelay        time.Duration `json:"restart_delay" mapstructure:"restart_delay"`
	HealthCheckInterval time.Duration `json:"health_check_interval" mapstructure:"health_check_interval"`
	KillTimeout         time.Duration `json:"kill_timeout" mapstructure:"kill_timeout"`
	ErrorBufferSize     int           `json:"error_buffer_size" mapstructure:"error_buffer_size"`
	// RestartOnUnresponsive forces a restart cycle when a health probe
	// fails while the state machine still believes the process is running.
	RestartOnUnresponsive bool     `json:"restart_on_unresponsive" mapstructure:"restart_on_unresponsive"`
	Env                   []string `json:"env,omitempty" mapstructure:"env"`
}

// DefaultOptions mirrors the defaults applied when a field is zero.
func DefaultOptions() Options {
	return Options{
		AutoRestart:         true,
		MaxRestarts:         5,
		RestartDelay:        2 * time.Second,
		HealthCheckInterval: 5 * time.Second,
		KillTimeout:         5 * time.Second,
		ErrorBufferSize:     100,
	}
}

// Normalized returns a copy of o with zero durations and counts replaced by
// defaults. AutoRestart and RestartOnUnresponsive are taken as-is.
func (o Options) Normalized() Options {
	d := DefaultOptions()
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = d.MaxRestarts
	}
	if o.RestartDelay < 0 {
		o.RestartDelay = d.RestartDelay
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = d.HealthCheckInterval
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = d.KillTimeout
	}
	if o.ErrorBufferSize <= 0 {
		o.ErrorBufferSize = d.ErrorBufferSize
	}
	return o
}

// SimpleError is a raw error detection from process output, prior to
// normalization and deduplication.
type SimpleError struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	RawOutput string    `json:"rawOutput,omitempty"`
}

// StoredError is a deduplicated error record. (InstanceID, ErrorHash) is
// unique; a recurring normalized error increments OccurrenceCount instead of
// producing a second record.
type StoredError struct {
	ID              string    `json:"id,omitempty"`
	InstanceID      string    `json:"instanceId"`
	ProcessID       string    `json:"processId,omitempty"`
	ErrorHash       string    `json:"errorHash"`
	OccurrenceCount int       `json:"occurrenceCount"`
	Level           Level     `json:"level"`
	Message         string    `json:"message"`
	RawOutput       string    `json:"rawOutput,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	CreatedAt       time.Time `json:"createdAt"`
}

// LogEntry is a single captured output line queued for delivery.
// Sequence is strictly increasing per buffer instance and defines replay
// order for consumers.
type LogEntry struct {
	InstanceID string         `json:"instanceId"`
	ProcessID  string         `json:"processId,omitempty"`
	Stream     Stream         `json:"stream"`
	Level      Level          `json:"level"`
	Message    string         `json:"message"`
	Timestamp  time.Time      `json:"timestamp"`
	Sequence   uint64         `json:"sequence"`
	Source     string         `json:"source,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ErrorSummary aggregates stored errors for one instance.
type ErrorSummary struct {
	TotalErrors    int            `json:"totalErrors"`
	UniqueErrors   int            `json:"uniqueErrors"`
	RepeatedErrors int            `json:"repeatedErrors"`
	ErrorsByLevel  map[Level]int  `json:"errorsByLevel"`
	LatestError    *time.Time     `json:"latestError,omitempty"`
	OldestError    *time.Time     `json:"oldestError,omitempty"`
}

// ErrorFilter selects stored errors for list/summary/clear operations.
type ErrorFilter struct {
	InstanceID string     `json:"instanceId"`
	MinLevel   Level      `json:"minLevel,omitempty"`
	MaxLevel   Level      `json:"maxLevel,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Until      *time.Time `json:"until,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`
}

// LogFilter selects stored logs for list/clear operations.
type LogFilter struct {
	InstanceID string     `json:"instanceId"`
	Levels     []Level    `json:"levels,omitempty"`
	Streams    []Stream   `json:"streams,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Until      *time.Time `json:"until,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`
	SortOrder  string     `json:"sortOrder,omitempty"` // "asc" or "desc"
}

// LogPage is the response shape for log retrieval.
type LogPage struct {
	Entries    []LogEntry `json:"entries"`
	Total      int        `json:"total"`
	NextOffset int        `json:"nextOffset,omitempty"`
	HasMore    bool       `json:"hasMore"`
}
