// Package procwatch supervises child processes and ships their telemetry
// (lifecycle events, deduplicated errors, batched logs) to a monitoring
// backend. It is a thin facade over the internal packages so the module
// can be embedded as a library as well as run via the procwatch CLI.
package procwatch

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmbish04/procwatch/internal/collector"
	"github.com/jmbish04/procwatch/internal/config"
	"github.com/jmbish04/procwatch/internal/logbuf"
	"github.com/jmbish04/procwatch/internal/manager"
	"github.com/jmbish04/procwatch/internal/metrics"
	"github.com/jmbish04/procwatch/internal/monitor"
	"github.com/jmbish04/procwatch/internal/server"
	"github.com/jmbish04/procwatch/internal/state"
	statesqlite "github.com/jmbish04/procwatch/internal/state/sqlite"
	"github.com/jmbish04/procwatch/internal/supervisor"
	"github.com/jmbish04/procwatch/internal/transport/factory"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type Spec = supervisor.Spec

type Options = monitor.Options

type ProcessInfo = monitor.ProcessInfo

type State = monitor.State

type Level = monitor.Level

type SimpleError = monitor.SimpleError

type StoredError = monitor.StoredError

type ErrorSummary = monitor.ErrorSummary

type ErrorFilter = monitor.ErrorFilter

type LogEntry = monitor.LogEntry

type LogFilter = monitor.LogFilter

type LogPage = monitor.LogPage

type Config = config.Config

// DefaultOptions returns the supervision defaults.
func DefaultOptions() Options { return monitor.DefaultOptions() }

// LoadConfig reads the TOML config at path (empty path skips the file)
// and applies environment overrides.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Monitor is the top-level handle: a supervised-process registry plus the
// shared telemetry pipeline behind it.
type Monitor struct {
	mgr *manager.Manager
}

// New wires a Monitor from the resolved configuration. A transport that
// cannot be constructed degrades to the no-op transport with a warning;
// supervision still works, telemetry is discarded.
func New(cfg Config, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := factory.New(cfg.TransportURL, cfg.Token, logger)
	mctx := monitor.Context{Identity: cfg.Identity, TransportName: t.Name()}

	var store state.Store
	if cfg.StatePath != "" {
		db, err := statesqlite.New(cfg.StatePath)
		if err != nil {
			logger.Warn("state store unavailable", "path", cfg.StatePath, "error", err)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = db.EnsureSchema(ctx)
			cancel()
			if err != nil {
				logger.Warn("state schema setup failed", "error", err)
				_ = db.Close()
			} else {
				store = db
			}
		}
	}

	col := collector.New(t, mctx, cfg.Options.ErrorBufferSize, logger)
	buf := logbuf.New(t, mctx, cfg.Identity.WorkerName, cfg.Buffer, logger)

	mgr := manager.New(manager.Deps{
		Transport: t,
		Context:   mctx,
		Collector: col,
		Buffer:    buf,
		Store:     store,
		Logger:    logger,
		Options:   cfg.Options,
		Capture:   cfg.Capture,
		GlobalEnv: cfg.Env,
	})
	return &Monitor{mgr: mgr}, nil
}

// Start spawns a supervised instance. opts may be nil for defaults.
func (m *Monitor) Start(spec Spec, opts *Options) (ProcessInfo, error) {
	return m.mgr.Start(spec, opts)
}

// Stop gracefully stops the named instance.
func (m *Monitor) Stop(instanceID string) error { return m.mgr.Stop(instanceID) }

// StopAll stops every live instance.
func (m *Monitor) StopAll() error { return m.mgr.StopAll() }

// Status reports the snapshot for one instance, consulting the local
// state store for instances not live in this process.
func (m *Monitor) Status(ctx context.Context, instanceID string) (ProcessInfo, error) {
	return m.mgr.Status(ctx, instanceID)
}

// StatusAll reports snapshots for every known instance.
func (m *Monitor) StatusAll(ctx context.Context) []ProcessInfo {
	return m.mgr.StatusAll(ctx)
}

// Errors lists stored errors matching the filter.
func (m *Monitor) Errors(ctx context.Context, f ErrorFilter) ([]StoredError, error) {
	return m.mgr.Errors(ctx, f)
}

// ErrorSummary reports aggregate error statistics for an instance (all
// instances when empty).
func (m *Monitor) ErrorSummary(ctx context.Context, instanceID string) (ErrorSummary, error) {
	return m.mgr.ErrorSummary(ctx, instanceID)
}

// ClearErrors deletes stored errors and returns the number removed.
func (m *Monitor) ClearErrors(ctx context.Context, instanceID string) (int, error) {
	return m.mgr.ClearErrors(ctx, instanceID)
}

// Logs pages through stored log entries matching the filter.
func (m *Monitor) Logs(ctx context.Context, f LogFilter) (LogPage, error) {
	return m.mgr.Logs(ctx, f)
}

// ClearLogs deletes stored logs and returns the number removed.
func (m *Monitor) ClearLogs(ctx context.Context, instanceID string) (int, error) {
	return m.mgr.ClearLogs(ctx, instanceID)
}

// Shutdown stops all instances, drains the log buffer and closes shared
// resources.
func (m *Monitor) Shutdown(ctx context.Context) error { return m.mgr.Shutdown(ctx) }

// ResourceUsage is a point-in-time CPU and memory sample for one instance.
type ResourceUsage = metrics.ResourceUsage

// StartResourceSampler begins periodic CPU and memory sampling of the
// supervised processes, exported through the Prometheus gauges. The
// returned sampler runs until Stop is called or ctx is cancelled.
func (m *Monitor) StartResourceSampler(ctx context.Context, interval time.Duration, logger *slog.Logger) *metrics.ResourceSampler {
	s := metrics.NewResourceSampler(m.mgr.LivePIDs, interval, logger)
	go s.Run(ctx)
	return s
}

// NewHTTPServer starts the control-plane HTTP server on addr using this
// monitor's registry.
func NewHTTPServer(addr, basePath string, m *Monitor) (*http.Server, error) {
	return server.NewServer(addr, basePath, m.mgr)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics runs an HTTP server on addr exposing /metrics using the
// default registry. It blocks in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
