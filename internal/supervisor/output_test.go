package supervisor

import (
	"testing"

	"github.com/jmbish04/procwatch/internal/monitor"
)

func TestDetectLevel(t *testing.T) {
	cases := []struct {
		line   string
		stream monitor.Stream
		want   monitor.Level
	}{
		{"FATAL: out of memory", monitor.StreamStdout, monitor.LevelFatal},
		{"panic: runtime error", monitor.StreamStdout, monitor.LevelFatal},
		{"ERROR connecting to db", monitor.StreamStdout, monitor.LevelError},
		{"request failed with 500", monitor.StreamStdout, monitor.LevelError},
		{"Unhandled exception in worker", monitor.StreamStdout, monitor.LevelError},
		{"WARN: disk usage above 80%", monitor.StreamStdout, monitor.LevelWarn},
		{"DEBUG cache miss for key", monitor.StreamStdout, monitor.LevelDebug},
		{"listening on :8080", monitor.StreamStdout, monitor.LevelInfo},
		{"plain stderr chatter", monitor.StreamStderr, monitor.LevelError},
		{"warning: deprecated flag", monitor.StreamStderr, monitor.LevelWarn},
	}
	for _, tc := range cases {
		if got := detectLevel(tc.line, tc.stream); got != tc.want {
			t.Fatalf("detectLevel(%q, %s) = %s, want %s", tc.line, tc.stream, got, tc.want)
		}
	}
}
