package supervisor

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jmbish04/procwatch/internal/collector"
	"github.com/jmbish04/procwatch/internal/logbuf"
	"github.com/jmbish04/procwatch/internal/monitor"
)

// maxLineBytes bounds a single scanned output line.
const maxLineBytes = 1024 * 1024

var (
	reFatal = regexp.MustCompile(`(?i)\b(fatal|panic)\b`)
	reError = regexp.MustCompile(`(?i)\b(error|err!|exception|failed)\b`)
	reWarn  = regexp.MustCompile(`(?i)\b(warn|warning)\b`)
	reDebug = regexp.MustCompile(`(?i)\b(debug|trace)\b`)
)

// detectLevel classifies an output line. Lines without a recognizable level
// keyword default to info on stdout and error on stderr, matching how most
// supervised workloads use the two streams.
func detectLevel(line string, stream monitor.Stream) monitor.Level {
	switch {
	case reFatal.MatchString(line):
		return monitor.LevelFatal
	case reError.MatchString(line):
		return monitor.LevelError
	case reWarn.MatchString(line):
		return monitor.LevelWarn
	case reDebug.MatchString(line):
		return monitor.LevelDebug
	}
	if stream == monitor.StreamStderr {
		return monitor.LevelError
	}
	return monitor.LevelInfo
}

// outputRouter fans captured child output into the log buffer (every line),
// the error collector (error-level lines) and optional rotating capture
// files (raw bytes).
type outputRouter struct {
	instanceID string
	processID  string

	buffer    *logbuf.Buffer
	collector *collector.Collector
	sink      EventSink
	logger    *slog.Logger

	mu         sync.Mutex
	captureOut io.WriteCloser
	captureErr io.WriteCloser

	wg sync.WaitGroup
}

func newOutputRouter(instanceID, processID string, buf *logbuf.Buffer, col *collector.Collector, sink EventSink, logger *slog.Logger) *outputRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &outputRouter{
		instanceID: instanceID,
		processID:  processID,
		buffer:     buf,
		collector:  col,
		sink:       sink,
		logger:     logger,
	}
}

// setCapture installs rotating file writers for raw output. Either writer
// may be nil.
func (r *outputRouter) setCapture(stdout, stderr io.WriteCloser) {
	r.mu.Lock()
	r.captureOut = stdout
	r.captureErr = stderr
	r.mu.Unlock()
}

// attach starts a scanner goroutine per stream. Wait blocks until both
// streams hit EOF.
func (r *outputRouter) attach(stdout, stderr io.Reader) {
	r.wg.Add(2)
	go r.consume(monitor.StreamStdout, stdout)
	go r.consume(monitor.StreamStderr, stderr)
}

// wait blocks until both stream scanners finish.
func (r *outputRouter) wait() { r.wg.Wait() }

// closeCapture flushes and closes the rotating capture files.
func (r *outputRouter) closeCapture() {
	r.mu.Lock()
	out, errw := r.captureOut, r.captureErr
	r.captureOut, r.captureErr = nil, nil
	r.mu.Unlock()
	if out != nil {
		_ = out.Close()
	}
	if errw != nil {
		_ = errw.Close()
	}
}

func (r *outputRouter) consume(stream monitor.Stream, src io.Reader) {
	defer r.wg.Done()
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		r.handleLine(stream, sc.Text())
	}
	if err := sc.Err(); err != nil && !strings.Contains(err.Error(), "file already closed") {
		r.logger.Debug("output scanner stopped", "stream", string(stream), "error", err)
	}
}

func (r *outputRouter) handleLine(stream monitor.Stream, line string) {
	r.tee(stream, line)
	if strings.TrimSpace(line) == "" {
		return
	}
	now := time.Now().UTC()
	level := detectLevel(line, stream)

	if r.buffer != nil {
		r.buffer.Append(monitor.LogEntry{
			InstanceID: r.instanceID,
			ProcessID:  r.processID,
			Stream:     stream,
			Level:      level,
			Message:    line,
			Timestamp:  now,
			Source:     "process_output",
		})
	}

	if level.Rank() < monitor.LevelError.Rank() {
		return
	}
	// Error-level line: deduplicate and record, and surface a lifecycle
	// event so consumers see detections without polling the store.
	if r.collector != nil {
		if _, err := r.collector.StoreError(context.Background(), r.instanceID, r.processID, monitor.SimpleError{
			Timestamp: now,
			Level:     level,
			Message:   line,
			RawOutput: line,
		}); err != nil {
			r.logger.Warn("error record delivery failed", "instance", r.instanceID, "error", err)
		}
	}
	if r.sink != nil {
		e := monitor.ErrorDetected{
			Meta:    monitor.Meta{ProcessID: r.processID, InstanceID: r.instanceID, Timestamp: now},
			Level:   level,
			Message: line,
		}
		logSinkFailure(r.logger, e, r.sink.Send(context.Background(), e))
	}
}

func (r *outputRouter) tee(stream monitor.Stream, line string) {
	r.mu.Lock()
	var w io.Writer
	if stream == monitor.StreamStdout {
		w = r.captureOut
	} else {
		w = r.captureErr
	}
	if w != nil {
		_, _ = io.WriteString(w, line+"\n")
	}
	r.mu.Unlock()
}
