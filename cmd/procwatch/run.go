package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmbish04/procwatch"
	"github.com/jmbish04/procwatch/internal/monitor"
)

// RunFlags holds flags for the run command.
type RunFlags struct {
	Instance       string
	WorkDir        string
	Env            []string
	Listen         string
	AutoRestart    bool
	MaxRestarts    int
	RestartDelay   time.Duration
	HealthInterval time.Duration
	KillTimeout    time.Duration
}

func createRunCommand(flags *GlobalFlags) *cobra.Command {
	runFlags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run [flags] -- <command> [args...]",
		Short: "Supervise a command in the foreground",
		Long: `Run supervises a single command in the foreground: its output is
captured into the telemetry pipeline and the restart policy applies until
the command stops cleanly or exhausts its restarts.

Examples:
  procwatch run --instance-id=web -- python app.py
  procwatch run --instance-id=worker --cwd=/srv/app -- ./worker --queue=jobs`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground(flags, runFlags, args)
		},
	}
	cmd.Flags().StringVar(&runFlags.Instance, "instance-id", "", "instance ID (defaults to the command name)")
	cmd.Flags().StringVar(&runFlags.WorkDir, "cwd", "", "working directory for the child")
	cmd.Flags().StringArrayVar(&runFlags.Env, "env", nil, "extra KEY=VALUE environment for the child (repeatable)")
	cmd.Flags().StringVar(&runFlags.Listen, "listen", "", "expose the control API on this address while running")
	def := procwatch.DefaultOptions()
	cmd.Flags().BoolVar(&runFlags.AutoRestart, "auto-restart", def.AutoRestart, "restart the command after unexpected exits")
	cmd.Flags().IntVar(&runFlags.MaxRestarts, "max-restarts", def.MaxRestarts, "restart budget before the instance is parked as crashed")
	cmd.Flags().DurationVar(&runFlags.RestartDelay, "restart-delay", def.RestartDelay, "delay before a restart attempt")
	cmd.Flags().DurationVar(&runFlags.HealthInterval, "health-interval", def.HealthCheckInterval, "liveness probe interval")
	cmd.Flags().DurationVar(&runFlags.KillTimeout, "kill-timeout", def.KillTimeout, "grace period between SIGTERM and SIGKILL")
	return cmd
}

func runForeground(flags *GlobalFlags, runFlags *RunFlags, args []string) error {
	cfg, err := procwatch.LoadConfig(flags.ConfigPath)
	if err != nil {
		return err
	}
	if err := procwatch.RegisterMetricsDefault(); err != nil {
		slog.Debug("metrics registration skipped", "error", err)
	}

	mon, err := procwatch.New(cfg, slog.Default())
	if err != nil {
		return err
	}

	instance := runFlags.Instance
	if instance == "" {
		instance = commandBaseName(args[0])
	}
	spec := procwatch.Spec{
		InstanceID: instance,
		Command:    args[0],
		Args:       args[1:],
		WorkDir:    runFlags.WorkDir,
		Env:        runFlags.Env,
	}

	listen := runFlags.Listen
	if listen == "" {
		listen = cfg.Listen
	}
	if listen != "" {
		srv, serr := procwatch.NewHTTPServer(listen, cfg.BasePath, mon)
		if serr != nil {
			return serr
		}
		defer func() { _ = srv.Close() }()
		slog.Info("control API listening", "addr", listen)
	}

	opts := procwatch.DefaultOptions()
	opts.AutoRestart = runFlags.AutoRestart
	opts.MaxRestarts = runFlags.MaxRestarts
	opts.RestartDelay = runFlags.RestartDelay
	opts.HealthCheckInterval = runFlags.HealthInterval
	opts.KillTimeout = runFlags.KillTimeout

	info, err := mon.Start(spec, &opts)
	if err != nil {
		slog.Error("start failed", "instance", instance, "error", err)
	} else {
		slog.Info("supervising", "instance", instance, "pid", info.PID)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := waitTerminal(mon, instance, sigCh)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mon.Shutdown(ctx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("instance %s finished with exit code %d", instance, exitCode)
	}
	return nil
}

// waitTerminal blocks until the instance settles in a terminal state or a
// shutdown signal arrives, and returns the exit code to report. A crashed
// state must be observed twice because the state machine may still be
// about to schedule a restart.
func waitTerminal(mon *procwatch.Monitor, instance string, sigCh <-chan os.Signal) int {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	crashedSeen := false
	for {
		select {
		case sig := <-sigCh:
			slog.Info("signal received, stopping", "signal", sig.String())
			if err := mon.Stop(instance); err != nil {
				slog.Warn("stop failed", "instance", instance, "error", err)
			}
			return 0
		case <-ticker.C:
			info, err := mon.Status(context.Background(), instance)
			if err != nil {
				return 1
			}
			switch info.Status {
			case monitor.StateStopped:
				if info.ExitCode != nil {
					return *info.ExitCode
				}
				return 0
			case monitor.StateCrashed:
				if crashedSeen {
					if info.ExitCode != nil && *info.ExitCode != 0 {
						return *info.ExitCode
					}
					return 1
				}
				crashedSeen = true
			default:
				crashedSeen = false
			}
		}
	}
}
