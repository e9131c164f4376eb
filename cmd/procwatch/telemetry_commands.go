package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmbish04/procwatch"
	"github.com/jmbish04/procwatch/internal/monitor"
	"github.com/jmbish04/procwatch/internal/transport"
	"github.com/jmbish04/procwatch/internal/transport/factory"
)

// telemetrySession opens the configured transport for read/clear
// operations. The CLI talks to the telemetry backend directly, no daemon
// needed.
func telemetrySession(flags *GlobalFlags) (transport.Transport, monitor.Context, func(), error) {
	cfg, err := procwatch.LoadConfig(flags.ConfigPath)
	if err != nil {
		return nil, monitor.Context{}, nil, err
	}
	t, err := factory.Build(cfg.TransportURL, cfg.Token)
	if err != nil {
		return nil, monitor.Context{}, nil, fmt.Errorf("transport %s: %w", cfg.TransportURL, err)
	}
	mctx := monitor.Context{Identity: cfg.Identity, TransportName: t.Name()}
	return t, mctx, func() { _ = t.Close() }, nil
}

// ErrorQueryFlags holds flags for the errors subcommands.
type ErrorQueryFlags struct {
	Instance string
	MinLevel string
	MaxLevel string
	Since    string
	Until    string
	Limit    int
	Offset   int
}

func createErrorsCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Query deduplicated error records",
	}
	cmd.AddCommand(
		createErrorsListCommand(flags),
		createErrorsStatsCommand(flags),
		createErrorsClearCommand(flags),
	)
	return cmd
}

func createErrorsListCommand(flags *GlobalFlags) *cobra.Command {
	qf := &ErrorQueryFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored errors",
		Long: `List fetches deduplicated error records from the telemetry backend.

Examples:
  procwatch errors list --instance-id=web
  procwatch errors list --instance-id=web --min-level=error --limit=20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, mctx, done, err := telemetrySession(flags)
			if err != nil {
				return err
			}
			defer done()
			f := monitor.ErrorFilter{
				InstanceID: qf.Instance,
				MinLevel:   monitor.Level(qf.MinLevel),
				MaxLevel:   monitor.Level(qf.MaxLevel),
				Limit:      qf.Limit,
				Offset:     qf.Offset,
			}
			if f.Since, err = parseTimeFlag(qf.Since, "since"); err != nil {
				return err
			}
			if f.Until, err = parseTimeFlag(qf.Until, "until"); err != nil {
				return err
			}
			ctx, cancel := apiContext(flags)
			defer cancel()
			errs, err := t.FetchErrors(ctx, f, mctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), errs)
		},
	}
	cmd.Flags().StringVar(&qf.Instance, "instance-id", "", "filter by instance ID")
	cmd.Flags().StringVar(&qf.MinLevel, "min-level", "", "minimum severity (debug|info|warn|error|fatal)")
	cmd.Flags().StringVar(&qf.MaxLevel, "max-level", "", "maximum severity")
	cmd.Flags().StringVar(&qf.Since, "since", "", "only errors at or after this RFC3339 time")
	cmd.Flags().StringVar(&qf.Until, "until", "", "only errors before this RFC3339 time")
	cmd.Flags().IntVar(&qf.Limit, "limit", 50, "maximum records to return")
	cmd.Flags().IntVar(&qf.Offset, "offset", 0, "records to skip")
	return cmd
}

func createErrorsStatsCommand(flags *GlobalFlags) *cobra.Command {
	var instance string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate error statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, mctx, done, err := telemetrySession(flags)
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := apiContext(flags)
			defer cancel()
			summary, err := t.FetchErrorSummary(ctx, monitor.ErrorFilter{InstanceID: instance}, mctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().StringVar(&instance, "instance-id", "", "instance ID (omit for all instances)")
	return cmd
}

func createErrorsClearCommand(flags *GlobalFlags) *cobra.Command {
	var instance string
	var confirm bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete stored errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("refusing to delete stored errors without --confirm")
			}
			t, mctx, done, err := telemetrySession(flags)
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := apiContext(flags)
			defer cancel()
			n, err := t.ClearErrors(ctx, monitor.ErrorFilter{InstanceID: instance}, mctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d error record(s)\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&instance, "instance-id", "", "instance ID (omit for all instances)")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "acknowledge that matching records will be deleted")
	return cmd
}

// LogQueryFlags holds flags for the logs subcommands.
type LogQueryFlags struct {
	Instance  string
	Levels    []string
	Streams   []string
	Since     string
	Until     string
	Limit     int
	Offset    int
	SortOrder string
}

func createLogsCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query buffered log entries",
	}
	cmd.AddCommand(
		createLogsListCommand(flags),
		createLogsClearCommand(flags),
	)
	return cmd
}

func createLogsListCommand(flags *GlobalFlags) *cobra.Command {
	qf := &LogQueryFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored log entries",
		Long: `List pages through captured log lines on the telemetry backend.

Examples:
  procwatch logs list --instance-id=web --limit=100
  procwatch logs list --instance-id=web --level=error --stream=stderr --sort=desc`,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, mctx, done, err := telemetrySession(flags)
			if err != nil {
				return err
			}
			defer done()
			f := monitor.LogFilter{
				InstanceID: qf.Instance,
				Limit:      qf.Limit,
				Offset:     qf.Offset,
				SortOrder:  qf.SortOrder,
			}
			for _, l := range qf.Levels {
				f.Levels = append(f.Levels, monitor.Level(l))
			}
			for _, s := range qf.Streams {
				f.Streams = append(f.Streams, monitor.Stream(s))
			}
			if f.Since, err = parseTimeFlag(qf.Since, "since"); err != nil {
				return err
			}
			if f.Until, err = parseTimeFlag(qf.Until, "until"); err != nil {
				return err
			}
			ctx, cancel := apiContext(flags)
			defer cancel()
			page, err := t.FetchLogs(ctx, f, mctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), page)
		},
	}
	cmd.Flags().StringVar(&qf.Instance, "instance-id", "", "filter by instance ID")
	cmd.Flags().StringArrayVar(&qf.Levels, "level", nil, "severity filter (repeatable)")
	cmd.Flags().StringArrayVar(&qf.Streams, "stream", nil, "stream filter: stdout or stderr (repeatable)")
	cmd.Flags().StringVar(&qf.Since, "since", "", "only entries at or after this RFC3339 time")
	cmd.Flags().StringVar(&qf.Until, "until", "", "only entries before this RFC3339 time")
	cmd.Flags().IntVar(&qf.Limit, "limit", 100, "maximum entries to return")
	cmd.Flags().IntVar(&qf.Offset, "offset", 0, "entries to skip")
	cmd.Flags().StringVar(&qf.SortOrder, "sort", "asc", "sort order: asc or desc")
	return cmd
}

func createLogsClearCommand(flags *GlobalFlags) *cobra.Command {
	var instance string
	var confirm bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete stored log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("refusing to delete stored log entries without --confirm")
			}
			t, mctx, done, err := telemetrySession(flags)
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := apiContext(flags)
			defer cancel()
			n, err := t.ClearLogs(ctx, monitor.LogFilter{InstanceID: instance}, mctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d log entr(ies)\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&instance, "instance-id", "", "instance ID (omit for all instances)")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "acknowledge that matching entries will be deleted")
	return cmd
}

func apiContext(flags *GlobalFlags) (context.Context, context.CancelFunc) {
	timeout := flags.APITimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}
