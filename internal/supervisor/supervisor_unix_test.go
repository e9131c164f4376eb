//go:build !windows

package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmbish04/procwatch/internal/monitor"
)

// eventLog is an EventSink capturing events in emission order.
type eventLog struct {
	mu     sync.Mutex
	events []monitor.Event
}

func (l *eventLog) Send(_ context.Context, e monitor.Event) error {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) kinds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = string(e.Kind())
	}
	return out
}

func (l *eventLog) count(k monitor.EventKind) int {
	n := 0
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Kind() == k {
			n++
		}
	}
	return n
}

func shSpec(instance, script string) Spec {
	return Spec{InstanceID: instance, Command: "/bin/sh", Args: []string{"-c", script}}
}

func fastOpts() monitor.Options {
	return monitor.Options{
		AutoRestart:         true,
		MaxRestarts:         2,
		RestartDelay:        10 * time.Millisecond,
		HealthCheckInterval: time.Hour,
		KillTimeout:         2 * time.Second,
	}
}

func waitState(t *testing.T, s *Supervisor, want monitor.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s after %v, want %s", s.State(), timeout, want)
}

func TestCleanExit(t *testing.T) {
	log := &eventLog{}
	s := New(shSpec("clean", "echo hello; exit 0"), fastOpts(), nil, nil, nil, log)
	defer func() { _ = s.Shutdown() }()

	info, err := s.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.PID == 0 || info.Status != monitor.StateRunning {
		t.Fatalf("after Start: %+v", info)
	}

	waitState(t, s, monitor.StateStopped, 3*time.Second)
	info = s.Info()
	if info.ExitCode == nil || *info.ExitCode != 0 {
		t.Fatalf("exit code = %v, want 0", info.ExitCode)
	}
	if info.RestartCount != 0 {
		t.Fatalf("clean exit must not trigger restarts: %+v", info)
	}
	if log.count(monitor.KindProcessCrashed) != 0 {
		t.Fatalf("clean exit must not emit a crash event: %v", log.kinds())
	}
	got := log.kinds()
	if len(got) != 2 || got[0] != "process_started" || got[1] != "process_stopped" {
		t.Fatalf("events = %v", got)
	}
}

func TestRestartPolicyExhausted(t *testing.T) {
	log := &eventLog{}
	s := New(shSpec("crashy", "exit 3"), fastOpts(), nil, nil, nil, log)
	defer func() { _ = s.Shutdown() }()

	if _, err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Initial spawn plus two restarts, then terminal crashed.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == monitor.StateCrashed && s.Info().RestartCount == 2 &&
			log.count(monitor.KindProcessStarted) == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	info := s.Info()
	if info.Status != monitor.StateCrashed {
		t.Fatalf("final state = %s, want crashed", info.Status)
	}
	if info.RestartCount != 2 {
		t.Fatalf("restartCount = %d, want 2", info.RestartCount)
	}
	if info.ExitCode == nil || *info.ExitCode != 3 {
		t.Fatalf("exit code = %v, want 3", info.ExitCode)
	}

	// Allow in-flight restart scheduling to settle, then assert the counts
	// are final: exactly 3 spawns, 3 crashes, 2 restart transitions.
	time.Sleep(100 * time.Millisecond)
	want := []string{
		"process_started", "process_crashed", "state_changed",
		"process_started", "process_crashed", "state_changed",
		"process_started", "process_crashed",
	}
	got := log.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestNoAutoRestart(t *testing.T) {
	log := &eventLog{}
	opts := fastOpts()
	opts.AutoRestart = false
	s := New(shSpec("once", "exit 5"), opts, nil, nil, nil, log)
	defer func() { _ = s.Shutdown() }()

	if _, err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, s, monitor.StateCrashed, 3*time.Second)
	time.Sleep(50 * time.Millisecond)

	info := s.Info()
	if info.RestartCount != 0 {
		t.Fatalf("restartCount = %d, want 0", info.RestartCount)
	}
	if log.count(monitor.KindProcessStarted) != 1 || log.count(monitor.KindProcessCrashed) != 1 {
		t.Fatalf("events = %v", log.kinds())
	}
}

func TestGracefulStop(t *testing.T) {
	log := &eventLog{}
	s := New(shSpec("sleepy", "sleep 30"), fastOpts(), nil, nil, nil, log)
	defer func() { _ = s.Shutdown() }()

	if _, err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	info := s.Info()
	if info.Status != monitor.StateStopped {
		t.Fatalf("state = %s, want stopped", info.Status)
	}
	if info.EndTime == nil {
		t.Fatalf("end time must be recorded")
	}
	if log.count(monitor.KindProcessStopped) != 1 || log.count(monitor.KindProcessCrashed) != 0 {
		t.Fatalf("events = %v", log.kinds())
	}
	// Stopping again is a no-op.
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStopCancelsPendingRestart(t *testing.T) {
	log := &eventLog{}
	opts := fastOpts()
	opts.RestartDelay = 5 * time.Second
	s := New(shSpec("pending", "exit 1"), opts, nil, nil, nil, log)
	defer func() { _ = s.Shutdown() }()

	if _, err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, s, monitor.StateRestarting, 3*time.Second)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := s.State(); got != monitor.StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
	time.Sleep(50 * time.Millisecond)
	if log.count(monitor.KindProcessStarted) != 1 {
		t.Fatalf("respawn must be cancelled: %v", log.kinds())
	}
}

func TestSpawnFailure(t *testing.T) {
	log := &eventLog{}
	opts := fastOpts()
	opts.AutoRestart = false
	s := New(Spec{InstanceID: "ghost", Command: "/nonexistent/ghost-binary"}, opts, nil, nil, nil, log)
	defer func() { _ = s.Shutdown() }()

	_, err := s.Start()
	if err == nil {
		t.Fatalf("spawn of a missing binary must fail")
	}
	if got := s.State(); got != monitor.StateCrashed {
		t.Fatalf("state = %s, want crashed", got)
	}
	info := s.Info()
	if info.LastError == "" {
		t.Fatalf("lastError must be recorded")
	}
	if log.count(monitor.KindProcessError) != 1 {
		t.Fatalf("spawn failure must emit process_error: %v", log.kinds())
	}
	if log.count(monitor.KindProcessCrashed) != 0 {
		t.Fatalf("spawn failure is not a crash event: %v", log.kinds())
	}
}

func TestRestartAfterTerminalCrash(t *testing.T) {
	opts := fastOpts()
	opts.AutoRestart = false
	s := New(shSpec("again", "exit 1"), opts, nil, nil, nil, &eventLog{})
	defer func() { _ = s.Shutdown() }()

	if _, err := s.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	waitState(t, s, monitor.StateCrashed, 3*time.Second)

	// A terminal instance may be started again; the restart budget resets.
	if _, err := s.Start(); err != nil {
		t.Fatalf("restart from crashed: %v", err)
	}
	if got := s.Info().RestartCount; got != 0 {
		t.Fatalf("restartCount after manual restart = %d, want 0", got)
	}
}

func TestStartWhileRunningRejected(t *testing.T) {
	s := New(shSpec("dup", "sleep 30"), fastOpts(), nil, nil, nil, &eventLog{})
	defer func() { _ = s.Shutdown() }()

	if _, err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.Start(); err == nil {
		t.Fatalf("second Start while running must fail")
	}
	_ = s.Stop()
}

func TestLateExitAfterStopDeclaredIsNotACrash(t *testing.T) {
	log := &eventLog{}
	s := New(shSpec("late", "sleep 30"), fastOpts(), nil, nil, nil, log)

	// A kill that outran its wait window leaves the instance declared
	// stopped while the waiter still owes an exit status.
	s.setState(monitor.StateStopped)
	code := 137
	s.handleExit(exitStatus{exitCode: &code, signal: "killed"})

	if got := s.State(); got != monitor.StateStopped {
		t.Fatalf("state after late exit = %s, want %s", got, monitor.StateStopped)
	}
	if s.restartTimer != nil {
		t.Fatal("late exit must not schedule a restart")
	}
	if log.count(monitor.KindProcessCrashed) != 0 {
		t.Fatalf("late exit reported as crash: %v", log.kinds())
	}
	if log.count(monitor.KindProcessStopped) != 1 {
		t.Fatalf("late exit must finalize as process_stopped: %v", log.kinds())
	}
	info := s.Info()
	if info.ExitCode == nil || *info.ExitCode != 137 {
		t.Fatalf("exit code not recorded: %+v", info)
	}
}
