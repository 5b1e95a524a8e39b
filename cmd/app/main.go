package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trader_go/internal/app"
	"trader_go/internal/infra"

	_ "net/http/pprof" // For pprof profiling
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	// 1. Pprof Server (for performance profiling)
	go func() {
		// Localhost only for security
		slog.Info("Pprof server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	// 2. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. System Bootstrapping
	configPath := os.Getenv(infra.EnvPrefix + "CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	bootstrap := app.NewBootstrap(configPath)
	if err := bootstrap.Initialize(ctx); err != nil {
		slog.Error("Bootstrapping failed", slog.Any("error", err))
		shutdown(bootstrap)
		os.Exit(1)
	}

	// 4. Metrics and health endpoints
	srv := newOpsServer(bootstrap)
	go func() {
		slog.Info("Ops server started", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Ops server failed", slog.Any("error", err))
		}
	}()

	// 5. Run
	if err := bootstrap.Start(ctx); err != nil {
		slog.Error("Startup failed", slog.Any("error", err))
		stop()
	}

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("Shutting down gracefully...")

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	shutdown(bootstrap)
}

func newOpsServer(b *app.Bootstrap) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		infra.NewPrometheusCollector(b.Metrics),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", b.Health.LivenessHandler)
	mux.HandleFunc("/readyz", b.Health.ReadinessHandler)

	return &http.Server{
		Addr:              b.Config.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func shutdown(b *app.Bootstrap) {
	timeout := 10 * time.Second
	if b.Config != nil {
		// Sequencer drain plus the store flush.
		timeout = 2*b.Config.Engine.ShutdownTimeout() + 5*time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := b.Shutdown(ctx); err != nil {
		slog.Error("Shutdown incomplete", slog.Any("error", err))
		return
	}
	slog.Info("Shutdown complete")
}
