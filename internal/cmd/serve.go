package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"labqc/docs/schema/openapi"
	"labqc/internal/adapters/audit"
	"labqc/internal/adapters/retests"
	"labqc/internal/blob"
	"labqc/internal/core"
	"labqc/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the retest workflow HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// buildServer wires the store, service, exporter, tracer, and metrics into the
// HTTP server. The returned close func releases the store and flushes spans.
func (a *app) buildServer(ctx context.Context, reg *prometheus.Registry) (*retests.Server, func() error, error) {
	archive, err := blob.Open(ctx, a.cfg.Blob)
	if err != nil {
		return nil, nil, fmt.Errorf("open blob store: %w", err)
	}
	tracer, stopTracer, err := telemetry.NewTracer(ctx, a.cfg.Trace, a.logger, Version)
	if err != nil {
		return nil, nil, err
	}
	svc, store, err := a.openService(ctx,
		core.WithMetrics(core.NewPrometheusMetricsRecorder(reg)),
		core.WithTracer(tracer),
	)
	if err != nil {
		_ = stopTracer(ctx)
		return nil, nil, err
	}
	closeAll := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(store.Close(), stopTracer(shutdownCtx))
	}
	server, err := retests.NewServer(svc, a.logger,
		retests.WithExporter(audit.NewExporter(svc, archive, audit.WithLogger(a.logger))),
		retests.WithHandler(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
		retests.WithHandler(http.MethodGet, "/api/v1/openapi.yaml", http.HandlerFunc(serveOpenAPI)),
	)
	if err != nil {
		_ = closeAll()
		return nil, nil, err
	}
	return server, closeAll, nil
}

func serveOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(openapi.Spec())
}

func (a *app) serve(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	server, closeStore, err := a.buildServer(ctx, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			a.logger.Warn("close store", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(a.cfg.Server.Addr) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
