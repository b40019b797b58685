// Package main is the entry point for the vnflow task worker. Workers share
// the task-workers consumer group on the dispatch stream and scale
// horizontally.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/vnworks/vnflow/internal/config"
	"github.com/vnworks/vnflow/internal/datastore"
	"github.com/vnworks/vnflow/internal/observability"
	"github.com/vnworks/vnflow/internal/worker"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (optional)")
	valuatorCmd := flag.String("valuator", "", "external valuation command, e.g. 'price-engine --stdin' (default: built-in)")
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

	store, err := datastore.Dial(ctx, cfg.Redis)
	if err != nil {
		logger.Error("datastore connection failed", zap.Error(err))
		return 1
	}
	defer store.Close()

	var valuator worker.Valuator
	if *valuatorCmd != "" {
		parts := strings.Fields(*valuatorCmd)
		valuator = worker.NewAmountValuator(worker.ExecAmount(parts[0], parts[1:]...))
		logger.Info("using external valuator", zap.String("command", parts[0]))
	}

	processor := worker.NewProcessor(store, valuator, logger)
	loop := worker.NewLoop(store, processor, logger, cfg.Pipeline)

	logger.Info("worker started",
		zap.String("version", version),
		zap.String("commit", commit))

	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker loop failed", zap.Error(err))
		return 1
	}
	logger.Info("worker stopped")
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}
