package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/jsand/internal/container"
	"github.com/michaelbrown/jsand/internal/observability"
	"github.com/michaelbrown/jsand/internal/server"
	"github.com/michaelbrown/jsand/internal/storage/sqlite"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the jsand operator server",
	Long: `Start the HTTP operator API. Sessions are launched with POST
/api/sessions and their forwarded logs can be tailed over WebSocket at
/api/sessions/{id}/ws. Prometheus metrics are served on /metrics.

Examples:
  jsand serve
  jsand serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	base, err := cfg.Session()
	if err != nil {
		return err
	}

	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	tracing, err := observability.NewTracerSetup(context.Background(), cfg.Tracing())
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer tracing.Shutdown(context.Background())

	var metrics *observability.Metrics
	if cfg.Telemetry.Metrics {
		metrics = observability.NewMetrics()
	}

	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	opts := []server.Option{server.WithMetrics(metrics), server.WithLogger(logger)}
	if tracing != nil {
		opts = append(opts, server.WithTracer(tracing.Tracer()))
	}

	rt := container.NewDockerCLI(cfg.Container.Binary, logger)
	srv := server.New(base, rt, store, opts...)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		srv.Shutdown(context.Background())
	}()

	if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
