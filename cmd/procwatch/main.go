package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmbish04/procwatch/internal/logger"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Verbose    bool
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}

	root := &cobra.Command{
		Use:   "procwatch",
		Short: "Process supervision with monitoring telemetry",
		Long: `Procwatch supervises child processes and ships their telemetry
(lifecycle events, deduplicated errors, batched logs) to a monitoring
backend.

Examples:
  procwatch run --instance-id=web -- python app.py
  procwatch serve --config=procwatch.toml
  procwatch process status --instance-id=web
  procwatch errors list --instance-id=web --min-level=error
  procwatch logs list --instance-id=web --limit=100`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(flags.Verbose)
		},
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "control API URL of a running procwatch daemon")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "control API request timeout")
	root.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		createRunCommand(flags),
		createServeCommand(flags),
		createProcessCommand(flags),
		createErrorsCommand(flags),
		createLogsCommand(flags),
	)
	return root
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	h := logger.NewColorTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}, true)
	slog.SetDefault(slog.New(h))
}
