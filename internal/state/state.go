// Package state persists the last known lifecycle snapshot for each
// supervised instance, so `procwatch process status` can answer offline
// and a future supervisor can recover the last observed PID.
package state

import (
	"context"

	"github.com/jmbish04/procwatch/internal/monitor"
)

// Store keeps the most recent ProcessInfo snapshot per instance ID.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, info monitor.ProcessInfo) error
	Get(ctx context.Context, instanceID string) (monitor.ProcessInfo, error)
	List(ctx context.Context) ([]monitor.ProcessInfo, error)
	Delete(ctx context.Context, instanceID string) error
	Close() error
}
