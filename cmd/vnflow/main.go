// Package main is the entry point for the vnflow server: the HTTP front
// edge, the ingress consumer, and an in-process orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vnworks/vnflow/internal/config"
	"github.com/vnworks/vnflow/internal/datastore"
	"github.com/vnworks/vnflow/internal/front"
	"github.com/vnworks/vnflow/internal/observability"
	"github.com/vnworks/vnflow/internal/orchestrator"
	"github.com/vnworks/vnflow/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "vnflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	store, err := datastore.Dial(ctx, cfg.Redis)
	if err != nil {
		logger.Error("datastore connection failed", zap.Error(err))
		return 1
	}
	defer store.Close()

	// The ingress consumer holds its own connection so blocking reads never
	// starve the request path.
	consumerStore, err := datastore.Dial(ctx, cfg.Redis)
	if err != nil {
		logger.Error("consumer datastore connection failed", zap.Error(err))
		return 1
	}
	defer consumerStore.Close()

	svc := front.NewService(store, logger, cfg.Pipeline).WithMetrics(metrics)

	dispatcher := orchestrator.NewStreamDispatcher(store)
	o := orchestrator.New(consumerStore, dispatcher, nil, logger, cfg.Pipeline).WithMetrics(metrics)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	launcher := front.LaunchFunc(func(_ context.Context, inv orchestrator.Invocation) error {
		go func() {
			if err := o.Run(bgCtx, inv); err != nil {
				logger.Error("orchestration failed",
					zap.String("request_id", inv.RequestID), zap.Error(err))
			}
		}()
		return nil
	})
	consumer := front.NewConsumer(consumerStore, launcher, logger, cfg.Pipeline).WithMetrics(metrics)

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Run(bgCtx); err != nil && bgCtx.Err() == nil {
			logger.Error("ingress consumer stopped", zap.Error(err))
		}
	}()

	router := transport.NewRouter(transport.Dependencies{
		Handler: transport.NewValuationHandler(svc, logger, cfg.Server.PayloadMaxBytes),
		Logger:  logger,
		Metrics: metrics,
		Checks: observability.ReadinessChecks{
			Datastore:       store,
			ConsumerRunning: consumer.Running,
		},
		MetricsPath: cfg.Observability.Metrics.Path,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      observability.TracingMiddleware(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		logger.Warn("ingress consumer did not stop in time")
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}
