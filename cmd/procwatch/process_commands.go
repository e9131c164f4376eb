package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmbish04/procwatch"
	statesqlite "github.com/jmbish04/procwatch/internal/state/sqlite"
	"github.com/jmbish04/procwatch/pkg/client"
)

// ProcessFlags holds flags for the process subcommands.
type ProcessFlags struct {
	Instance string
	Command  string
	Args     []string
	WorkDir  string
	Env      []string
}

var supervisionFlagNames = []string{
	"auto-restart", "max-restarts", "restart-delay", "health-interval", "kill-timeout",
}

func registerSupervisionFlags(cmd *cobra.Command) {
	def := procwatch.DefaultOptions()
	cmd.Flags().Bool("auto-restart", def.AutoRestart, "restart the command after unexpected exits")
	cmd.Flags().Int("max-restarts", def.MaxRestarts, "restart budget before the instance is parked as crashed")
	cmd.Flags().Duration("restart-delay", def.RestartDelay, "delay before a restart attempt")
	cmd.Flags().Duration("health-interval", def.HealthCheckInterval, "liveness probe interval")
	cmd.Flags().Duration("kill-timeout", def.KillTimeout, "grace period between SIGTERM and SIGKILL")
}

// supervisionOptions builds an options payload from the supervision flags,
// or nil when none was set so the daemon keeps its configured defaults.
func supervisionOptions(cmd *cobra.Command) *procwatch.Options {
	fs := cmd.Flags()
	changed := false
	for _, name := range supervisionFlagNames {
		if fs.Changed(name) {
			changed = true
			break
		}
	}
	if !changed {
		return nil
	}
	opts := procwatch.DefaultOptions()
	opts.AutoRestart, _ = fs.GetBool("auto-restart")
	opts.MaxRestarts, _ = fs.GetInt("max-restarts")
	opts.RestartDelay, _ = fs.GetDuration("restart-delay")
	opts.HealthCheckInterval, _ = fs.GetDuration("health-interval")
	opts.KillTimeout, _ = fs.GetDuration("kill-timeout")
	return &opts
}

func createProcessCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Manage supervised instances on a running daemon",
	}
	cmd.AddCommand(
		createProcessStartCommand(flags),
		createProcessStopCommand(flags),
		createProcessStatusCommand(flags),
	)
	return cmd
}

func newDaemonClient(flags *GlobalFlags) *client.Client {
	return client.New(client.Config{
		BaseURL: flags.APIUrl,
		Timeout: flags.APITimeout,
	})
}

func createProcessStartCommand(flags *GlobalFlags) *cobra.Command {
	pf := &ProcessFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an instance via the daemon control API",
		Long: `Start asks a running procwatch daemon to spawn a supervised instance.

Examples:
  procwatch process start --instance-id=web --command="python" --arg=app.py
  procwatch process start --instance-id=api --command=./api-server --api-url=http://remote:8791`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newDaemonClient(flags)
			ctx := cmd.Context()
			if !c.IsReachable(ctx) {
				return fmt.Errorf("no procwatch daemon reachable at %s (is `procwatch serve` running?)", c.BaseURL())
			}
			info, err := c.Start(ctx, client.StartRequest{
				Spec: procwatch.Spec{
					InstanceID: pf.Instance,
					Command:    pf.Command,
					Args:       pf.Args,
					WorkDir:    pf.WorkDir,
					Env:        pf.Env,
				},
				Options: supervisionOptions(cmd),
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
	cmd.Flags().StringVar(&pf.Instance, "instance-id", "", "instance ID (required)")
	cmd.Flags().StringVar(&pf.Command, "command", "", "command to run (required)")
	cmd.Flags().StringArrayVar(&pf.Args, "arg", nil, "command argument (repeatable)")
	cmd.Flags().StringVar(&pf.WorkDir, "cwd", "", "working directory")
	cmd.Flags().StringArrayVar(&pf.Env, "env", nil, "extra KEY=VALUE environment (repeatable)")
	registerSupervisionFlags(cmd)
	mustMarkRequired(cmd, "instance-id", "command")
	return cmd
}

func createProcessStopCommand(flags *GlobalFlags) *cobra.Command {
	pf := &ProcessFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Gracefully stop an instance via the daemon control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newDaemonClient(flags)
			if err := c.Stop(cmd.Context(), pf.Instance); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", pf.Instance)
			return nil
		},
	}
	cmd.Flags().StringVar(&pf.Instance, "instance-id", "", "instance ID (required)")
	mustMarkRequired(cmd, "instance-id")
	return cmd
}

func createProcessStatusCommand(flags *GlobalFlags) *cobra.Command {
	pf := &ProcessFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show instance status",
		Long: `Status asks the daemon for the current snapshot. When no daemon is
reachable it falls back to the local state store, so the last known state
survives daemon restarts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newDaemonClient(flags)
			ctx := cmd.Context()
			if c.IsReachable(ctx) {
				raw, err := c.RawStatus(ctx, pf.Instance)
				if err != nil {
					return err
				}
				return printRawJSON(cmd.OutOrStdout(), raw)
			}
			return statusFromStateStore(cmd, flags, pf.Instance)
		},
	}
	cmd.Flags().StringVar(&pf.Instance, "instance-id", "", "instance ID (omit to list all)")
	return cmd
}

// statusFromStateStore answers status offline from the persisted snapshots.
func statusFromStateStore(cmd *cobra.Command, flags *GlobalFlags, instance string) error {
	cfg, err := procwatch.LoadConfig(flags.ConfigPath)
	if err != nil {
		return err
	}
	if cfg.StatePath == "" {
		return errors.New("no daemon reachable and no state_path configured")
	}
	if _, err := os.Stat(cfg.StatePath); err != nil {
		return errors.New("no daemon reachable and no local state store found")
	}
	db, err := statesqlite.New(cfg.StatePath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if instance != "" {
		info, err := db.Get(ctx, instance)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), info)
	}
	infos, err := db.List(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), infos)
}
