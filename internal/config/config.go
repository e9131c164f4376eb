// Package config loads procwatch configuration from a TOML file and the
// environment. Environment variables override file values so the same
// config file works across deployments.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jmbish04/procwatch/internal/logbuf"
	"github.com/jmbish04/procwatch/internal/logger"
	"github.com/jmbish04/procwatch/internal/monitor"
)

// Environment variable names recognized by Load. They take precedence over
// the config file.
const (
	EnvBaseURL       = "MONITORING_API_BASE_URL"
	EnvToken         = "MONITORING_API_TOKEN"
	EnvWorkerName    = "WORKER_NAME"
	EnvContainerName = "CONTAINER_NAME"
	EnvContainerEnv  = "CONTAINER_ENV"
)

// DefaultBaseURL is the transport endpoint used when neither the file nor
// the environment configures one.
const DefaultBaseURL = "http://127.0.0.1:8787"

// FileConfig mirrors the top-level TOML structure.
type FileConfig struct {
	Transport TransportConfig `toml:"transport" mapstructure:"transport"`
	Identity  IdentityConfig  `toml:"identity" mapstructure:"identity"`
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	Buffer    BufferConfig    `toml:"buffer" mapstructure:"buffer"`
	Options   OptionsConfig   `toml:"options" mapstructure:"options"`
	Log       *LogConfig      `toml:"log" mapstructure:"log"`
	StatePath string          `toml:"state_path" mapstructure:"state_path"`
	Env       []string        `toml:"env" mapstructure:"env"`
	EnvFiles  []string        `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv  bool            `toml:"use_os_env" mapstructure:"use_os_env"`
}

type TransportConfig struct {
	// URL is a DSN selecting the transport: http(s)://, postgres://,
	// clickhouse:// or noop://.
	URL   string `toml:"url" mapstructure:"url"`
	Token string `toml:"token" mapstructure:"token"`
}

type IdentityConfig struct {
	Worker      string `toml:"worker" mapstructure:"worker"`
	Container   string `toml:"container" mapstructure:"container"`
	Environment string `toml:"environment" mapstructure:"environment"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type BufferConfig struct {
	MaxBatchSize  int           `toml:"max_batch_size" mapstructure:"max_batch_size"`
	FlushInterval time.Duration `toml:"flush_interval" mapstructure:"flush_interval"`
	MaxPending    int           `toml:"max_pending" mapstructure:"max_pending"`
}

type OptionsConfig struct {
	AutoRestart           *bool         `toml:"autorestart" mapstructure:"autorestart"`
	MaxRestarts           *int          `toml:"max_restarts" mapstructure:"max_restarts"`
	RestartDelay          time.Duration `toml:"restart_delay" mapstructure:"restart_delay"`
	HealthCheckInterval   time.Duration `toml:"health_check_interval" mapstructure:"health_check_interval"`
	KillTimeout           time.Duration `toml:"kill_timeout" mapstructure:"kill_timeout"`
	ErrorBufferSize       int           `toml:"error_buffer_size" mapstructure:"error_buffer_size"`
	RestartOnUnresponsive bool          `toml:"restart_on_unresponsive" mapstructure:"restart_on_unresponsive"`
}

type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// Config is the resolved runtime configuration after merging file values,
// environment overrides and defaults.
type Config struct {
	TransportURL string
	Token        string
	Identity     monitor.Identity
	Listen       string
	BasePath     string
	Buffer       logbuf.Config
	Options      monitor.Options
	Capture      logger.Config
	StatePath    string
	Env          []string
}

// Load reads the TOML file at path (optional, "" skips the file) and
// applies environment overrides and defaults.
func Load(path string) (Config, error) {
	var fc FileConfig
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.Unmarshal(&fc); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return resolve(fc)
}

func resolve(fc FileConfig) (Config, error) {
	cfg := Config{
		TransportURL: firstNonEmpty(os.Getenv(EnvBaseURL), fc.Transport.URL, DefaultBaseURL),
		Token:        firstNonEmpty(os.Getenv(EnvToken), fc.Transport.Token),
		Listen:       fc.Server.Listen,
		BasePath:     fc.Server.BasePath,
		StatePath:    fc.StatePath,
	}

	cfg.Identity = monitor.Identity{
		WorkerName:    firstNonEmpty(os.Getenv(EnvWorkerName), fc.Identity.Worker),
		ContainerName: firstNonEmpty(os.Getenv(EnvContainerName), fc.Identity.Container),
		Environment:   firstNonEmpty(os.Getenv(EnvContainerEnv), fc.Identity.Environment),
	}
	if cfg.Identity.WorkerName == "" {
		cfg.Identity = monitor.IdentityFromEnv()
		cfg.Identity.Environment = firstNonEmpty(cfg.Identity.Environment, fc.Identity.Environment)
		if fc.Identity.Container != "" {
			cfg.Identity.ContainerName = fc.Identity.Container
		}
	} else if cfg.Identity.ContainerName == "" {
		cfg.Identity.ContainerName = cfg.Identity.WorkerName
	}

	cfg.Buffer = logbuf.Config{
		MaxBatchSize:  fc.Buffer.MaxBatchSize,
		FlushInterval: fc.Buffer.FlushInterval,
		MaxPending:    fc.Buffer.MaxPending,
	}

	opts := monitor.DefaultOptions()
	if fc.Options.AutoRestart != nil {
		opts.AutoRestart = *fc.Options.AutoRestart
	}
	if fc.Options.MaxRestarts != nil {
		opts.MaxRestarts = *fc.Options.MaxRestarts
	}
	if fc.Options.RestartDelay > 0 {
		opts.RestartDelay = fc.Options.RestartDelay
	}
	if fc.Options.HealthCheckInterval > 0 {
		opts.HealthCheckInterval = fc.Options.HealthCheckInterval
	}
	if fc.Options.KillTimeout > 0 {
		opts.KillTimeout = fc.Options.KillTimeout
	}
	if fc.Options.ErrorBufferSize > 0 {
		opts.ErrorBufferSize = fc.Options.ErrorBufferSize
	}
	opts.RestartOnUnresponsive = fc.Options.RestartOnUnresponsive
	cfg.Options = opts

	if fc.Log != nil {
		cfg.Capture = logger.Config{
			Dir:        fc.Log.Dir,
			StdoutPath: fc.Log.Stdout,
			StderrPath: fc.Log.Stderr,
			MaxSizeMB:  fc.Log.MaxSizeMB,
			MaxBackups: fc.Log.MaxBackups,
			MaxAgeDays: fc.Log.MaxAgeDays,
			Compress:   fc.Log.Compress,
		}
	}

	env, err := mergeEnv(fc)
	if err != nil {
		return Config{}, err
	}
	cfg.Env = env
	return cfg, nil
}

// mergeEnv merges environment for spawned children. Precedence: OS env
// (when enabled) is the base, then env_files in order, then the top-level
// env list overrides last.
func mergeEnv(fc FileConfig) ([]string, error) {
	if !fc.UseOSEnv && len(fc.EnvFiles) == 0 && len(fc.Env) == 0 {
		return nil, nil
	}
	m := make(map[string]string)
	if fc.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range fc.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range fc.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines. Blank lines
// and lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
