// Package logger provides rotating file capture for child process output
// and the colored slog handler used by the CLI.
package logger

import (
	"fmt"
	"io"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults, in lumberjack units.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes optional raw-output capture for a supervised instance.
// The telemetry pipeline always sees the output; capture additionally
// tees it to rotating files. With only Dir set, files are named
// Dir/<instance>.stdout.log and Dir/<instance>.stderr.log; explicit
// paths override that.
type Config struct {
	Dir        string `json:"dir,omitempty" mapstructure:"dir"`
	StdoutPath string `json:"stdout_path,omitempty" mapstructure:"stdout_path"`
	StderrPath string `json:"stderr_path,omitempty" mapstructure:"stderr_path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups,omitempty" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days,omitempty" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress,omitempty" mapstructure:"compress"`
}

// Writers returns the capture writers for one instance's stdout and
// stderr. Either writer is nil when no destination resolves for that
// stream, so callers can capture one stream only.
func (c Config) Writers(instance string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", instance))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", instance))
	}
	return c.rotatingWriter(stdout), c.rotatingWriter(stderr), nil
}

func (c Config) rotatingWriter(path string) io.WriteCloser {
	if path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
