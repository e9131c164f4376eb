// Package manager owns the registry of supervised instances and wires each
// one to the shared telemetry pipeline: the transport-backed event sink,
// the error collector and the batched log buffer.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jmbish04/procwatch/internal/collector"
	"github.com/jmbish04/procwatch/internal/logbuf"
	"github.com/jmbish04/procwatch/internal/logger"
	"github.com/jmbish04/procwatch/internal/monitor"
	"github.com/jmbish04/procwatch/internal/state"
	"github.com/jmbish04/procwatch/internal/supervisor"
	"github.com/jmbish04/procwatch/internal/transport"
)

// ErrNotFound is returned when no instance with the given ID is known,
// live or persisted.
var ErrNotFound = errors.New("instance not found")

// Deps carries the shared infrastructure a Manager coordinates. Store may
// be nil when local persistence is not configured.
type Deps struct {
	Transport transport.Transport
	Context   monitor.Context
	Collector *collector.Collector
	Buffer    *logbuf.Buffer
	Store     state.Store
	Logger    *slog.Logger
	Options   monitor.Options
	Capture   logger.Config
	GlobalEnv []string
}

type Manager struct {
	mu    sync.RWMutex
	procs map[string]*supervisor.Supervisor

	transport transport.Transport
	mctx      monitor.Context
	col       *collector.Collector
	buf       *logbuf.Buffer
	store     state.Store
	logger    *slog.Logger
	opts      monitor.Options
	capture   logger.Config
	globalEnv []string
}

func New(d Deps) *Manager {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Manager{
		procs:     make(map[string]*supervisor.Supervisor),
		transport: d.Transport,
		mctx:      d.Context,
		col:       d.Collector,
		buf:       d.Buffer,
		store:     d.Store,
		logger:    d.Logger,
		opts:      d.Options.Normalized(),
		capture:   d.Capture,
		globalEnv: d.GlobalEnv,
	}
}

// SetGlobalEnv replaces the extra environment applied to every spawned
// child. Per-instance env still overrides it.
func (m *Manager) SetGlobalEnv(kvs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globalEnv = append([]string(nil), kvs...)
}

// Start registers and spawns an instance. opts may be nil to use the
// manager defaults. Restarting an instance that already finished reuses
// its registration slot.
func (m *Manager) Start(spec supervisor.Spec, opts *monitor.Options) (monitor.ProcessInfo, error) {
	if spec.InstanceID == "" {
		return monitor.ProcessInfo{}, errors.New("instance id required")
	}
	if spec.Command == "" {
		return monitor.ProcessInfo{}, errors.New("command required")
	}
	if spec.Capture == (logger.Config{}) {
		spec.Capture = m.capture
	}

	runOpts := m.opts
	if opts != nil {
		runOpts = opts.Normalized()
	}
	runOpts.Env = append(append([]string(nil), m.globalEnv...), runOpts.Env...)

	m.mu.Lock()
	if existing, ok := m.procs[spec.InstanceID]; ok {
		switch existing.State() {
		case monitor.StateStopped, monitor.StateCrashed:
			_ = existing.Shutdown()
		default:
			m.mu.Unlock()
			return existing.Info(), fmt.Errorf("instance %s is %s", spec.InstanceID, existing.State())
		}
	}
	sup := supervisor.New(spec, runOpts, m.buf, m.col, m.logger,
		supervisor.NewRecorder(m.transport, m.mctx))
	if m.store != nil {
		sup.SetStateRecorder(m.persistState)
	}
	m.procs[spec.InstanceID] = sup
	m.mu.Unlock()

	return sup.Start()
}

// persistState records the latest snapshot, best effort.
func (m *Manager) persistState(info monitor.ProcessInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.store.Upsert(ctx, info); err != nil {
		m.logger.Debug("state persist failed", "instance", info.InstanceID, "error", err)
	}
}

// Stop gracefully stops the named instance.
func (m *Manager) Stop(instanceID string) error {
	sup := m.get(instanceID)
	if sup == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	return sup.Stop()
}

// StopAll stops every live instance and reports the first error.
func (m *Manager) StopAll() error {
	m.mu.RLock()
	sups := make([]*supervisor.Supervisor, 0, len(m.procs))
	for _, s := range m.procs {
		sups = append(sups, s)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, s := range sups {
		if err := s.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Status returns the current snapshot for an instance. Live instances are
// answered from memory; otherwise the persisted state store is consulted.
func (m *Manager) Status(ctx context.Context, instanceID string) (monitor.ProcessInfo, error) {
	if sup := m.get(instanceID); sup != nil {
		return sup.Info(), nil
	}
	if m.store != nil {
		info, err := m.store.Get(ctx, instanceID)
		if err == nil {
			return info, nil
		}
	}
	return monitor.ProcessInfo{}, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
}

// StatusAll returns snapshots for all known instances, live entries taking
// precedence over persisted ones, sorted by instance ID.
func (m *Manager) StatusAll(ctx context.Context) []monitor.ProcessInfo {
	seen := make(map[string]monitor.ProcessInfo)
	if m.store != nil {
		if stored, err := m.store.List(ctx); err == nil {
			for _, info := range stored {
				seen[info.InstanceID] = info
			}
		}
	}
	m.mu.RLock()
	for id, sup := range m.procs {
		seen[id] = sup.Info()
	}
	m.mu.RUnlock()

	out := make([]monitor.ProcessInfo, 0, len(seen))
	for _, info := range seen {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// LivePIDs reports the PID of every instance with a running child,
// keyed by instance ID. Used by the resource sampler.
func (m *Manager) LivePIDs() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.procs))
	for id, sup := range m.procs {
		info := sup.Info()
		if info.PID > 0 && (info.Status == monitor.StateRunning || info.Status == monitor.StateStarting) {
			out[id] = info.PID
		}
	}
	return out
}

// Errors queries stored errors through the transport.
func (m *Manager) Errors(ctx context.Context, f monitor.ErrorFilter) ([]monitor.StoredError, error) {
	return m.transport.FetchErrors(ctx, f, m.mctx)
}

// ErrorSummary queries aggregate error statistics through the transport.
func (m *Manager) ErrorSummary(ctx context.Context, instanceID string) (monitor.ErrorSummary, error) {
	return m.transport.FetchErrorSummary(ctx, monitor.ErrorFilter{InstanceID: instanceID}, m.mctx)
}

// ClearErrors deletes stored errors and resets the local dedup cache so
// recurring errors are recreated rather than treated as duplicates.
func (m *Manager) ClearErrors(ctx context.Context, instanceID string) (int, error) {
	n, err := m.transport.ClearErrors(ctx, monitor.ErrorFilter{InstanceID: instanceID}, m.mctx)
	if err != nil {
		return 0, err
	}
	if m.col != nil {
		m.col.Reset(instanceID)
	}
	return n, nil
}

// Logs queries buffered log entries through the transport.
func (m *Manager) Logs(ctx context.Context, f monitor.LogFilter) (monitor.LogPage, error) {
	return m.transport.FetchLogs(ctx, f, m.mctx)
}

// ClearLogs deletes stored logs for an instance.
func (m *Manager) ClearLogs(ctx context.Context, instanceID string) (int, error) {
	return m.transport.ClearLogs(ctx, monitor.LogFilter{InstanceID: instanceID}, m.mctx)
}

// Shutdown stops all instances, drains the log buffer and closes the
// shared resources.
func (m *Manager) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := m.StopAll(); err != nil {
		firstErr = err
	}

	m.mu.Lock()
	for id, sup := range m.procs {
		if err := sup.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.procs, id)
	}
	m.mu.Unlock()

	if m.buf != nil {
		m.buf.Close()
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.transport.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (m *Manager) get(instanceID string) *supervisor.Supervisor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.procs[instanceID]
}
