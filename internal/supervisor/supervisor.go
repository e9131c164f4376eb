// Package supervisor runs one monitored command as a child process and
// owns its lifecycle state machine: spawn, liveness probing, crash
// detection, the restart policy, and graceful stop. Every state transition
// is reflected as exactly one lifecycle event, emitted in transition order
// from the state machine goroutine.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/jmbish04/procwatch/internal/collector"
	"github.com/jmbish04/procwatch/internal/logbuf"
	"github.com/jmbish04/procwatch/internal/metrics"
	"github.com/jmbish04/procwatch/internal/monitor"
)

// ErrAlreadyRunning is returned by Start when the instance is not startable
// from its current state.
var ErrAlreadyRunning = errors.New("process already running")

// ErrShuttingDown is returned when the supervisor's state machine has
// exited.
var ErrShuttingDown = errors.New("supervisor shutting down")

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionShutdown
)

type command struct {
	action commandAction
	reply  chan error
}

type exitStatus struct {
	exitCode *int
	signal   string
	err      error
}

// Supervisor is the per-instance lifecycle state machine. All lifecycle
// decisions happen in a single goroutine fed by a buffered command channel;
// the mutex only guards the info snapshot for external readers.
type Supervisor struct {
	spec Spec
	opts monitor.Options

	mu   sync.RWMutex
	info monitor.ProcessInfo

	cmd    *exec.Cmd
	router *outputRouter

	buffer *logbuf.Buffer
	col    *collector.Collector
	sinks  []EventSink
	logger *slog.Logger

	// recordState, when set, receives a ProcessInfo snapshot after every
	// transition (used to persist the latest state locally).
	recordState func(monitor.ProcessInfo)

	cmdChan      chan command
	exitChan     chan exitStatus
	doneChan     chan struct{}
	restartTimer *time.Timer
}

// New creates a Supervisor and starts its state machine goroutine. The
// buffer and collector may be nil when output routing is not wanted (e.g.
// in lifecycle-only tests).
func New(spec Spec, opts monitor.Options, buf *logbuf.Buffer, col *collector.Collector, logger *slog.Logger, sinks ...EventSink) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.Normalized()
	s := &Supervisor{
		spec:   spec,
		opts:   opts,
		buffer: buf,
		col:    col,
		sinks:  sinks,
		logger: logger,
		info: monitor.ProcessInfo{
			ID:         fmt.Sprintf("%s-%d", spec.InstanceID, time.Now().UnixMilli()),
			InstanceID: spec.InstanceID,
			Command:    spec.Command,
			Args:       spec.Args,
			Cwd:        spec.WorkDir,
			Env:        spec.Env,
			Status:     monitor.StateStopped,
		},
		cmdChan:  make(chan command, 16),
		exitChan: make(chan exitStatus, 1),
		doneChan: make(chan struct{}),
	}
	go s.run()
	return s
}

// SetStateRecorder installs a callback receiving an info snapshot after
// every transition. Must be called before Start.
func (s *Supervisor) SetStateRecorder(fn func(monitor.ProcessInfo)) { s.recordState = fn }

// Start spawns the monitored command. It returns the info snapshot after
// the spawn attempt; a spawn failure is returned as an error while the
// state machine continues with restart evaluation.
func (s *Supervisor) Start() (monitor.ProcessInfo, error) {
	reply := make(chan error, 1)
	select {
	case s.cmdChan <- command{action: actionStart, reply: reply}:
		err := <-reply
		return s.Info(), err
	case <-s.doneChan:
		return s.Info(), ErrShuttingDown
	}
}

// Stop gracefully terminates the child: SIGTERM, wait up to KillTimeout,
// then SIGKILL. A stop during a pending restart cancels the respawn.
func (s *Supervisor) Stop() error {
	reply := make(chan error, 1)
	select {
	case s.cmdChan <- command{action: actionStop, reply: reply}:
		return <-reply
	case <-s.doneChan:
		return nil
	}
}

// Shutdown stops the child if needed and terminates the state machine.
func (s *Supervisor) Shutdown() error {
	reply := make(chan error, 1)
	select {
	case s.cmdChan <- command{action: actionShutdown, reply: reply}:
		return <-reply
	case <-s.doneChan:
		return nil
	}
}

// Info returns a snapshot of the current process record.
func (s *Supervisor) Info() monitor.ProcessInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := s.info
	info.Args = append([]string(nil), s.info.Args...)
	return info
}

// State returns the current lifecycle state.
func (s *Supervisor) State() monitor.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.Status
}

// Done is closed when the state machine has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.doneChan }

// --- state machine ---

func (s *Supervisor) run() {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		var restartC <-chan time.Time
		if s.restartTimer != nil {
			restartC = s.restartTimer.C
		}
		select {
		case cmd := <-s.cmdChan:
			switch cmd.action {
			case actionStart:
				cmd.reply <- s.handleStart()
			case actionStop:
				cmd.reply <- s.handleStop()
			case actionShutdown:
				err := s.handleStop()
				if errors.Is(err, errAlreadyStopping) {
					err = nil
				}
				cmd.reply <- err
				return
			}
		case ex := <-s.exitChan:
			s.handleExit(ex)
		case <-restartC:
			s.restartTimer = nil
			s.handleRestartFire()
		case <-ticker.C:
			s.checkHealth()
		}
	}
}

var errAlreadyStopping = errors.New("process already stopping")

func (s *Supervisor) handleStart() error {
	switch s.State() {
	case monitor.StateStopped, monitor.StateCrashed:
		s.mu.Lock()
		s.info.RestartCount = 0
		s.info.LastError = ""
		s.mu.Unlock()
		return s.spawn()
	case monitor.StateRunning, monitor.StateStarting:
		return fmt.Errorf("%w: instance %s (pid %d)", ErrAlreadyRunning, s.spec.InstanceID, s.Info().PID)
	default:
		return fmt.Errorf("cannot start instance %s from state %s", s.spec.InstanceID, s.State())
	}
}

// spawn performs one spawn attempt: starting, then running on success or
// crashed plus restart evaluation on failure.
func (s *Supervisor) spawn() error {
	s.setState(monitor.StateStarting)

	cmd := s.spec.buildCommand(s.opts.Env)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.spawnFailed(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.spawnFailed(fmt.Errorf("stderr pipe: %w", err))
	}

	router := newOutputRouter(s.spec.InstanceID, s.info.ID, s.buffer, s.col, s.sink(), s.logger)
	if s.spec.Capture.Dir != "" || s.spec.Capture.StdoutPath != "" || s.spec.Capture.StderrPath != "" {
		ow, ew, werr := s.spec.Capture.Writers(s.spec.InstanceID)
		if werr != nil {
			s.logger.Warn("capture writers unavailable", "instance", s.spec.InstanceID, "error", werr)
		} else {
			router.setCapture(ow, ew)
		}
	}

	if err := cmd.Start(); err != nil {
		router.closeCapture()
		return s.spawnFailed(err)
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.cmd = cmd
	s.router = router
	s.info.PID = cmd.Process.Pid
	s.info.StartTime = &now
	s.info.EndTime = nil
	s.info.ExitCode = nil
	s.mu.Unlock()

	router.attach(stdout, stderr)
	go s.waitForExit(cmd, router)

	s.setState(monitor.StateRunning)
	metrics.IncSpawn(s.spec.InstanceID)
	s.emit(monitor.ProcessStarted{Meta: s.meta(), PID: cmd.Process.Pid})
	return nil
}

func (s *Supervisor) spawnFailed(err error) error {
	s.mu.Lock()
	s.info.LastError = err.Error()
	s.mu.Unlock()

	s.emit(monitor.ProcessError{Meta: s.meta(), Message: err.Error()})
	s.setState(monitor.StateCrashed)
	metrics.IncCrash(s.spec.InstanceID)
	s.evaluateRestart()
	return fmt.Errorf("spawn %s: %w", s.spec.Command, err)
}

// waitForExit reaps the child after both output streams are drained and
// reports the exit through the state machine channel.
func (s *Supervisor) waitForExit(cmd *exec.Cmd, router *outputRouter) {
	router.wait()
	werr := cmd.Wait()
	router.closeCapture()

	var ex exitStatus
	ex.err = werr
	if werr == nil {
		zero := 0
		ex.exitCode = &zero
	} else {
		var ee *exec.ExitError
		if errors.As(werr, &ee) {
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
				if ws.Signaled() {
					ex.signal = ws.Signal().String()
				} else {
					code := ws.ExitStatus()
					ex.exitCode = &code
				}
			} else {
				code := ee.ExitCode()
				ex.exitCode = &code
			}
		}
	}
	s.exitChan <- ex
}

func (s *Supervisor) handleExit(ex exitStatus) {
	now := time.Now().UTC()
	state := s.State()

	s.mu.Lock()
	s.info.EndTime = &now
	s.info.ExitCode = ex.exitCode
	if ex.err != nil {
		s.info.LastError = ex.err.Error()
	}
	s.cmd = nil
	s.router = nil
	s.mu.Unlock()

	switch {
	case state == monitor.StateStopping, state == monitor.StateStopped:
		// A stop was requested (or already declared after a kill that
		// outran its wait window); a late exit finalizes it, it is not
		// a crash.
		s.setState(monitor.StateStopped)
		s.emit(monitor.ProcessStopped{Meta: s.meta(), ExitCode: ex.exitCode})
	case ex.exitCode != nil && *ex.exitCode == 0:
		// Clean exit on the child's own initiative.
		s.setState(monitor.StateStopped)
		s.emit(monitor.ProcessStopped{Meta: s.meta(), ExitCode: ex.exitCode})
	default:
		s.setState(monitor.StateCrashed)
		metrics.IncCrash(s.spec.InstanceID)
		s.emit(monitor.ProcessCrashed{Meta: s.meta(), ExitCode: ex.exitCode, Signal: ex.signal})
		s.evaluateRestart()
	}
}

// evaluateRestart applies the restart policy from the crashed state.
func (s *Supervisor) evaluateRestart() {
	if !s.opts.AutoRestart {
		s.logger.Info("process crashed, auto-restart disabled", "instance", s.spec.InstanceID)
		return
	}
	restarts := s.Info().RestartCount
	if restarts >= s.opts.MaxRestarts {
		s.logger.Warn("restart limit reached, giving up",
			"instance", s.spec.InstanceID, "restarts", restarts, "max", s.opts.MaxRestarts)
		return
	}
	s.setState(monitor.StateRestarting)
	s.emit(monitor.StateChanged{Meta: s.meta(), OldState: monitor.StateCrashed, NewState: monitor.StateRestarting})
	s.restartTimer = time.NewTimer(s.opts.RestartDelay)
}

func (s *Supervisor) handleRestartFire() {
	if s.State() != monitor.StateRestarting {
		return
	}
	s.mu.Lock()
	s.info.RestartCount++
	s.mu.Unlock()
	metrics.IncRestart(s.spec.InstanceID)
	if err := s.spawn(); err != nil {
		s.logger.Warn("respawn failed", "instance", s.spec.InstanceID, "error", err)
	}
}

func (s *Supervisor) handleStop() error {
	switch s.State() {
	case monitor.StateStopped, monitor.StateCrashed:
		return nil
	case monitor.StateStopping:
		return errAlreadyStopping
	case monitor.StateRestarting:
		// Cancel the pending respawn and settle immediately.
		if s.restartTimer != nil {
			s.restartTimer.Stop()
			s.restartTimer = nil
		}
		s.setState(monitor.StateStopped)
		s.emit(monitor.ProcessStopped{Meta: s.meta(), ExitCode: s.Info().ExitCode})
		return nil
	case monitor.StateRunning, monitor.StateStarting:
		return s.doStop()
	default:
		return fmt.Errorf("cannot stop instance %s from state %s", s.spec.InstanceID, s.State())
	}
}

// doStop drives the running child to stopped: graceful signal, bounded
// wait, forced kill. The exit event itself is finalized in handleExit via
// the exit channel so event ordering is preserved.
func (s *Supervisor) doStop() error {
	pid := s.Info().PID
	s.setState(monitor.StateStopping)

	if err := terminateProcess(pid); err != nil {
		s.logger.Debug("graceful termination signal failed", "instance", s.spec.InstanceID, "error", err)
	}

	kill := time.NewTimer(s.opts.KillTimeout)
	defer kill.Stop()
	select {
	case ex := <-s.exitChan:
		s.handleExit(ex)
		return nil
	case <-kill.C:
		if err := killProcess(pid); err != nil {
			s.logger.Warn("force kill failed", "instance", s.spec.InstanceID, "error", err)
		}
	}
	// The waiter delivers the exit once the kill lands.
	select {
	case ex := <-s.exitChan:
		s.handleExit(ex)
		return nil
	case <-time.After(s.opts.KillTimeout):
		s.setState(monitor.StateStopped)
		s.emit(monitor.ProcessStopped{Meta: s.meta(), ExitCode: nil})
		return fmt.Errorf("process %d did not exit after SIGKILL", pid)
	}
}

// checkHealth probes liveness without reaping. A failed probe is reported
// as an event; it forces a restart cycle only when the policy opts in.
func (s *Supervisor) checkHealth() {
	if s.State() != monitor.StateRunning {
		return
	}
	pid := s.Info().PID
	if pid == 0 || processAlive(pid) {
		return
	}
	s.emit(monitor.HealthCheckFailed{Meta: s.meta(), Reason: "liveness probe failed"})
	if s.opts.RestartOnUnresponsive {
		// Force the exit path; the waiter turns this into a crash and
		// the normal restart evaluation applies.
		_ = killProcess(pid)
	}
}

// --- helpers ---

func (s *Supervisor) meta() monitor.Meta {
	return monitor.Meta{
		ProcessID:  s.info.ID,
		InstanceID: s.spec.InstanceID,
		Timestamp:  time.Now().UTC(),
	}
}

// setState updates the status and records metrics and the local state
// snapshot. Events are emitted separately by the transition call sites so
// each transition produces exactly one event of the matching variant.
func (s *Supervisor) setState(newState monitor.State) {
	s.mu.Lock()
	oldState := s.info.Status
	s.info.Status = newState
	snapshot := s.info
	s.mu.Unlock()

	metrics.RecordStateTransition(s.spec.InstanceID, string(oldState), string(newState))
	metrics.SetCurrentState(s.spec.InstanceID, string(oldState), false)
	metrics.SetCurrentState(s.spec.InstanceID, string(newState), true)

	if s.recordState != nil {
		s.recordState(snapshot)
	}
}

// emit delivers one event to every sink, synchronously, preserving
// transition order. Sink failures are logged, never fatal.
func (s *Supervisor) emit(e monitor.Event) {
	for _, sink := range s.sinks {
		logSinkFailure(s.logger, e, sink.Send(context.Background(), e))
	}
}

// sink returns an EventSink fanning out to all configured sinks, for the
// output router's error_detected events.
func (s *Supervisor) sink() EventSink {
	return SinkFunc(func(ctx context.Context, e monitor.Event) error {
		var firstErr error
		for _, sink := range s.sinks {
			if err := sink.Send(ctx, e); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}
