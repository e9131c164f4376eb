package transport

import (
	"context"
	"log/slog"

	"github.com/jmbish04/procwatch/internal/monitor"
)

// Noop is the degraded transport: every write becomes a local debug log and
// every read succeeds with empty data. It is substituted automatically when
// a real transport cannot be constructed, so the supervised workload keeps
// running unobservable rather than failing.
type Noop struct {
	logger *slog.Logger
}

// NewNoop returns a Noop transport logging through logger, or the default
// slog logger when nil.
func NewNoop(logger *slog.Logger) *Noop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Noop{logger: logger}
}

func (n *Noop) Name() string { return "noop" }

func (n *Noop) RecordEvent(_ context.Context, e monitor.Event, _ monitor.Context) error {
	m := e.EventMeta()
	n.logger.Debug("noop transport: event discarded",
		"type", string(e.Kind()), "instance", m.InstanceID, "process", m.ProcessID)
	return nil
}

func (n *Noop) RecordError(_ context.Context, rec monitor.StoredError, _ monitor.Context) (Receipt, error) {
	n.logger.Debug("noop transport: error discarded",
		"instance", rec.InstanceID, "hash", rec.ErrorHash, "level", string(rec.Level))
	return Receipt{ID: rec.ErrorHash, OccurrenceCount: rec.OccurrenceCount}, nil
}

func (n *Noop) RecordLogBatch(_ context.Context, entries []monitor.LogEntry, _ monitor.Context) error {
	n.logger.Debug("noop transport: log batch discarded", "entries", len(entries))
	return nil
}

func (n *Noop) FetchErrors(context.Context, monitor.ErrorFilter, monitor.Context) ([]monitor.StoredError, error) {
	return []monitor.StoredError{}, nil
}

func (n *Noop) FetchErrorSummary(context.Context, monitor.ErrorFilter, monitor.Context) (monitor.ErrorSummary, error) {
	return monitor.ErrorSummary{ErrorsByLevel: map[monitor.Level]int{}}, nil
}

func (n *Noop) ClearErrors(context.Context, monitor.ErrorFilter, monitor.Context) (int, error) {
	return 0, nil
}

func (n *Noop) FetchLogs(context.Context, monitor.LogFilter, monitor.Context) (monitor.LogPage, error) {
	return monitor.LogPage{Entries: []monitor.LogEntry{}}, nil
}

func (n *Noop) ClearLogs(context.Context, monitor.LogFilter, monitor.Context) (int, error) {
	return 0, nil
}

func (n *Noop) Close() error { return nil }
