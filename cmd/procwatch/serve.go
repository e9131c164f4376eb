package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmbish04/procwatch"
)

const defaultListen = ":8791"

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Listen string
}

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervision daemon with the control API",
		Long: `Serve runs procwatch as a daemon. Instances are started and stopped
through the control API; telemetry flows to the configured transport.

Examples:
  procwatch serve --config=procwatch.toml
  procwatch serve --listen=:8791`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flags, serveFlags)
		},
	}
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "control API listen address (default from config or "+defaultListen+")")
	return cmd
}

func runServe(flags *GlobalFlags, serveFlags *ServeFlags) error {
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

	listen := serveFlags.Listen
	if listen == "" {
		listen = cfg.Listen
	}
	if listen == "" {
		listen = defaultListen
	}

	srv, err := procwatch.NewHTTPServer(listen, cfg.BasePath, mon)
	if err != nil {
		return err
	}
	slog.Info("procwatch daemon started", "listen", listen, "base_path", cfg.BasePath)

	samplerCtx, stopSampler := context.WithCancel(context.Background())
	defer stopSampler()
	sampler := mon.StartResourceSampler(samplerCtx, 15*time.Second, slog.Default())
	defer sampler.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("signal received, shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	return mon.Shutdown(ctx)
}
