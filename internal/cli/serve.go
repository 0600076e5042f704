package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/gkobilansky/abengine/internal/engine"
	"github.com/gkobilansky/abengine/internal/metrics"
	"github.com/gkobilansky/abengine/internal/server"
	"github.com/gkobilansky/abengine/internal/store"
)

const shutdownTimeout = 10 * time.Second

var port int

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the abengine HTTP server.

The server provides:
  - Assignment endpoint for page-render collaborators (/assign)
  - Beacon endpoint for exposure and conversion events (/b)
  - Token-protected admin API (/api/experiments) and Prometheus metrics (/metrics)
  - Health check endpoint

Example:
  abengine serve --port 8080`,
		RunE: runServe,
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default $ABE_PORT or 8080)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	return withStore(func(s *store.SQLiteStore) error {
		eng, err := engine.New(ctx, s,
			engine.WithLogger(lggr),
			engine.WithMetrics(m),
			engine.WithStatsConfig(statsConfig()),
			engine.WithQueueSize(cfg.QueueSize),
			engine.WithRefreshInterval(cfg.RefreshInterval),
		)
		if err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}
		defer eng.Close()

		srv := server.New(eng, server.Config{
			Port:      port,
			Token:     cfg.AdminToken,
			TokenFile: getTokenFilePath(),
			DB:        s.DB(),
			Gatherer:  reg,
		}, lggr)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		lggr.Infow("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("failed to shut down: %w", err)
		}
		return <-errCh
	})
}
