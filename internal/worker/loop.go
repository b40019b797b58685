package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnworks/vnflow/internal/config"
	"github.com/vnworks/vnflow/internal/datastore"
	"github.com/vnworks/vnflow/model"
)

// Loop is the dispatch-stream consumer loop for one worker instance. Workers
// share the task-workers consumer group, which load-balances dispatches; a
// periodic reclaim pass takes over records left pending by a crashed worker
// once they have been idle past the claim window.
type Loop struct {
	store       *datastore.Store
	processor   *Processor
	logger      *zap.Logger
	consumer    string
	block       time.Duration
	batch       int64
	claimIdle   time.Duration
	claimCursor string
	lastClaim   time.Time
}

// NewLoop builds a consumer loop with a unique consumer name.
func NewLoop(store *datastore.Store, processor *Processor, logger *zap.Logger, cfg config.PipelineConfig) *Loop {
	return &Loop{
		store:       store,
		processor:   processor,
		logger:      logger,
		consumer:    "worker-" + uuid.NewString(),
		block:       cfg.RequestStreamBlock,
		batch:       5,
		claimIdle:   cfg.ClaimMinIdle,
		claimCursor: "0-0",
	}
}

// Run consumes dispatches until the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.store.EnsureGroup(ctx, model.DispatchStream, model.WorkerGroup, "0"); err != nil {
		return err
	}
	l.logger.Info("worker loop started", zap.String("consumer", l.consumer))
	l.lastClaim = time.Now()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if l.claimIdle > 0 && time.Since(l.lastClaim) >= l.claimIdle {
			l.reclaim(ctx)
			l.lastClaim = time.Now()
		}

		msgs, err := l.store.ReadGroup(ctx, model.DispatchStream, model.WorkerGroup, l.consumer, l.batch, l.block)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			if datastore.IsNoGroup(err) {
				// The group vanished underneath us, recreate and retry.
				if err := l.store.EnsureGroup(ctx, model.DispatchStream, model.WorkerGroup, "0"); err != nil {
					return err
				}
				continue
			}
			l.logger.Error("dispatch stream read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			l.handle(ctx, msg)
		}
	}
}

// handle executes one claimed dispatch and acknowledges it. Failures become
// failed task updates, so the dispatch is acknowledged in all cases.
func (l *Loop) handle(ctx context.Context, msg redis.XMessage) {
	dispatch := model.DispatchFromValues(msg.Values)
	if err := l.processor.HandleDispatch(ctx, dispatch); err != nil {
		l.logger.Warn("dispatch handling failed",
			zap.String("entry_id", msg.ID), zap.Error(err))
	}
	if err := l.store.Ack(ctx, model.DispatchStream, model.WorkerGroup, msg.ID); err != nil {
		l.logger.Error("dispatch ack failed",
			zap.String("entry_id", msg.ID), zap.Error(err))
	}
}

// reclaim takes over dispatches another worker claimed but never
// acknowledged, so a crash mid-task surfaces as a retry instead of a lost
// dispatch.
func (l *Loop) reclaim(ctx context.Context) {
	msgs, next, err := l.store.AutoClaim(ctx, model.DispatchStream, model.WorkerGroup, l.consumer, l.claimIdle, l.claimCursor, l.batch)
	if err != nil {
		if ctx.Err() == nil && !datastore.IsNoGroup(err) {
			l.logger.Warn("dispatch reclaim failed", zap.Error(err))
		}
		return
	}
	l.claimCursor = next
	if len(msgs) > 0 {
		l.logger.Info("reclaimed abandoned dispatches", zap.Int("count", len(msgs)))
	}
	for _, msg := range msgs {
		l.handle(ctx, msg)
	}
}
