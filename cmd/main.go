// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	gateway "github.com/thanaParis/everest-demo"
	"github.com/thanaParis/everest-demo/examples/simple"
	"github.com/thanaParis/everest-demo/pkg/health"
	"github.com/thanaParis/everest-demo/pkg/metrics"
	"github.com/thanaParis/everest-demo/pkg/server/wss"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "EVEREST_"

// observability holds the process-level settings.
type observability struct {
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
}

func main() {
	// .env file is optional
	envErr := godotenv.Load()

	obs := observability{}
	if err := env.ParseWithOptions(&obs, env.Options{Prefix: envPrefix}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}
	logger := setupLogger(obs.LogLevel, obs.LogFormat)
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	cfg, err := gateway.NewConfig(env.Options{Prefix: gateway.EnvPrefix})
	if err != nil {
		logger.Error("failed to load gateway configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New("everest_gateway", reg)

	policy, err := cfg.TLS.Policy()
	if err != nil {
		logger.Error("invalid cipher suite allow-list", slog.String("error", err.Error()))
		os.Exit(1)
	}

	serverCfg, err := cfg.ServerConfig(logger, m)
	if err != nil {
		logger.Error("failed to load TLS material", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srv, err := wss.New(serverCfg, simple.New(logger))
	if err != nil {
		logger.Error("failed to create gateway", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := srv.Bind(); err != nil {
		logger.Error("failed to bind gateway", slog.String("error", err.Error()))
		os.Exit(1)
	}

	checker := health.NewChecker(10 * time.Second)
	srv.RegisterChecks(checker)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Listen(ctx)
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	g.Go(func() error {
		return serveHTTP(ctx, "metrics", obs.MetricsPort, metricsMux, logger)
	})

	g.Go(func() error {
		return serveHTTP(ctx, "health", obs.HealthPort, checker.Handler(), logger)
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	logger.Info("mTLS WebSocket gateway running",
		slog.String("address", srv.Addr().String()),
		slog.Any("cipher_suites", policy.Names()),
		slog.Bool("tls13", policy.TLS13))

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("gateway terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// serveHTTP runs an auxiliary HTTP server until ctx is cancelled.
// A zero port disables the server.
func serveHTTP(ctx context.Context, name string, port int, h http.Handler, logger *slog.Logger) error {
	if port == 0 {
		logger.Info(name + " server disabled")
		return nil
	}

	srv := &http.Server{
		Addr:         net.JoinHostPort("", strconv.Itoa(port)),
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting "+name+" server", slog.String("address", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
