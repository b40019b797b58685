// Package main runs one orchestration to completion from the command line.
// It is the operational tool for re-driving a stuck request: the run is
// idempotent, so invoking it against a terminal or in-flight request is safe.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vnworks/vnflow/internal/config"
	"github.com/vnworks/vnflow/internal/datastore"
	"github.com/vnworks/vnflow/internal/observability"
	"github.com/vnworks/vnflow/internal/orchestrator"
	"github.com/vnworks/vnflow/model"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (optional)")
	requestID := flag.String("request", "", "request ID to orchestrate")
	invocationJSON := flag.String("invocation", "", "full invocation payload as JSON (overrides -request)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	var inv orchestrator.Invocation
	switch {
	case *invocationJSON != "":
		if err := json.Unmarshal([]byte(*invocationJSON), &inv); err != nil {
			fmt.Fprintf(os.Stderr, "invalid invocation payload: %v\n", err)
			return 1
		}
	case *requestID != "":
		inv = orchestrator.Invocation{
			RequestID:   *requestID,
			XMLKey:      model.RequestXMLKey(*requestID),
			ResponseKey: model.ResponseKey(*requestID),
		}
	default:
		fmt.Fprintln(os.Stderr, "either -request or -invocation is required")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := datastore.Dial(ctx, cfg.Redis)
	if err != nil {
		logger.Error("datastore connection failed", zap.Error(err))
		return 1
	}
	defer store.Close()

	// The payload must exist before orchestration is attempted.
	if ok, err := store.Exists(ctx, inv.XMLKey); err != nil {
		logger.Error("datastore check failed", zap.Error(err))
		return 1
	} else if !ok {
		fmt.Fprintf(os.Stderr, "no request XML at %s\n", inv.XMLKey)
		return 1
	}

	dispatcher := orchestrator.NewStreamDispatcher(store)
	o := orchestrator.New(store, dispatcher, nil, logger, cfg.Pipeline)

	if err := o.Run(ctx, inv); err != nil {
		logger.Error("orchestration failed",
			zap.String("request_id", inv.RequestID), zap.Error(err))
		return 1
	}
	logger.Info("orchestration finished", zap.String("request_id", inv.RequestID))
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}
