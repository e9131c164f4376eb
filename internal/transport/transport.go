// Package transport defines the delivery contract against the remote
// telemetry store and its implementations. The store itself is an external
// collaborator; this package only speaks its wire contract.
package transport

import (
	"context"

	"github.com/jmbish04/procwatch/internal/monitor"
)

// Receipt is the store's acknowledgement of an error write. The store owns
// deduplication across writers, so the acknowledged occurrence count may be
// higher than the caller's local count.
type Receipt struct {
	ID              string `json:"id"`
	OccurrenceCount int    `json:"occurrenceCount"`
}

// Transport delivers and queries telemetry. Write methods return an error
// on failure and are expected to be wrapped in a retry policy by the
// caller. Read methods report failure through their error return; they
// never panic on transport trouble.
//
// Implementations must be safe for concurrent use.
type Transport interface {
	// Name identifies the implementation ("http", "noop", "postgres",
	// "clickhouse") and is attached to outbound contexts.
	Name() string

	RecordEvent(ctx context.Context, e monitor.Event, mctx monitor.Context) error
	RecordError(ctx context.Context, rec monitor.StoredError, mctx monitor.Context) (Receipt, error)
	RecordLogBatch(ctx context.Context, entries []monitor.LogEntry, mctx monitor.Context) error

	FetchErrors(ctx context.Context, f monitor.ErrorFilter, mctx monitor.Context) ([]monitor.StoredError, error)
	FetchErrorSummary(ctx context.Context, f monitor.ErrorFilter, mctx monitor.Context) (monitor.ErrorSummary, error)
	ClearErrors(ctx context.Context, f monitor.ErrorFilter, mctx monitor.Context) (int, error)
	FetchLogs(ctx context.Context, f monitor.LogFilter, mctx monitor.Context) (monitor.LogPage, error)
	ClearLogs(ctx context.Context, f monitor.LogFilter, mctx monitor.Context) (int, error)

	Close() error
}
