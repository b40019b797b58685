package front

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnworks/vnflow/internal/config"
	"github.com/vnworks/vnflow/internal/datastore"
	"github.com/vnworks/vnflow/internal/observability"
	"github.com/vnworks/vnflow/internal/orchestrator"
	"github.com/vnworks/vnflow/model"
)

// Launcher starts orchestration of an accepted request. The combined binary
// runs the orchestrator in-process; a split deployment would enqueue the
// invocation for a separate orchestrator fleet.
type Launcher interface {
	Launch(ctx context.Context, inv orchestrator.Invocation) error
}

// LaunchFunc adapts a function to the Launcher interface.
type LaunchFunc func(ctx context.Context, inv orchestrator.Invocation) error

// Launch implements Launcher.
func (f LaunchFunc) Launch(ctx context.Context, inv orchestrator.Invocation) error {
	return f(ctx, inv)
}

// Consumer drains the ingress stream: it initializes request state exactly
// once per request, publishes the received transition, and launches the
// orchestrator. A periodic reclaim pass takes over envelopes left pending by
// a crashed instance once they have been idle past the claim window.
type Consumer struct {
	store       *datastore.Store
	launcher    Launcher
	logger      *zap.Logger
	metrics     *observability.Metrics
	consumer    string
	block       time.Duration
	claimIdle   time.Duration
	claimCursor string
	lastClaim   time.Time
	running     atomic.Bool
}

// NewConsumer builds an ingress consumer with a unique consumer name.
func NewConsumer(store *datastore.Store, launcher Launcher, logger *zap.Logger, cfg config.PipelineConfig) *Consumer {
	return &Consumer{
		store:       store,
		launcher:    launcher,
		logger:      logger,
		consumer:    "front-" + uuid.NewString(),
		block:       cfg.RequestStreamBlock,
		claimIdle:   cfg.ClaimMinIdle,
		claimCursor: "0-0",
	}
}

// WithMetrics attaches metric instruments.
func (c *Consumer) WithMetrics(m *observability.Metrics) *Consumer {
	c.metrics = m
	return c
}

// Running reports whether the consumer loop is active, for readiness checks.
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// Run consumes ingress envelopes until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.store.EnsureGroup(ctx, model.IngestStream, model.IngestGroup, "0"); err != nil {
		return err
	}
	c.running.Store(true)
	defer c.running.Store(false)
	c.logger.Info("ingress consumer started", zap.String("consumer", c.consumer))
	c.lastClaim = time.Now()

	for {
		if c.claimIdle > 0 && time.Since(c.lastClaim) >= c.claimIdle {
			c.reclaim(ctx)
			c.lastClaim = time.Now()
		}

		msgs, err := c.store.ReadGroup(ctx, model.IngestStream, model.IngestGroup, c.consumer, 16, c.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if datastore.IsNoGroup(err) {
				if err := c.store.EnsureGroup(ctx, model.IngestStream, model.IngestGroup, "0"); err != nil {
					return err
				}
				continue
			}
			c.logger.Error("ingress read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			c.handle(ctx, msg)
		}
	}
}

// reclaim takes over envelopes another instance claimed but never
// acknowledged, so a crash between claim and launch cannot strand a request.
func (c *Consumer) reclaim(ctx context.Context) {
	msgs, next, err := c.store.AutoClaim(ctx, model.IngestStream, model.IngestGroup, c.consumer, c.claimIdle, c.claimCursor, 16)
	if err != nil {
		if ctx.Err() == nil && !datastore.IsNoGroup(err) {
			c.logger.Warn("ingress reclaim failed", zap.Error(err))
		}
		return
	}
	c.claimCursor = next
	if len(msgs) > 0 {
		c.logger.Info("reclaimed abandoned envelopes", zap.Int("count", len(msgs)))
	}
	for _, msg := range msgs {
		c.handle(ctx, msg)
	}
}

// handle processes one envelope. Acknowledgement happens only after state
// initialization, the received transition, and the launch have all been
// issued, so a crash mid-handling leads to redelivery, not loss.
func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) {
	env := model.EnvelopeFromValues(msg.Values)
	if env.RequestID == "" {
		c.recordEnvelope("malformed")
		c.ack(ctx, msg.ID)
		return
	}
	log := c.logger.With(zap.String("request_id", env.RequestID))

	stateKey := model.RequestStateKey(env.RequestID)
	first, err := c.store.HSetNX(ctx, stateKey, "status", model.StatusReceived)
	if err != nil {
		// Left unacked for redelivery.
		log.Error("state initialization failed", zap.Error(err))
		c.recordEnvelope("error")
		return
	}
	if !first {
		// Redelivery. A request the orchestrator already picked up needs
		// nothing more; one stranded between state initialization and launch
		// is re-invoked, without repeating the received transition.
		fields, err := c.store.HGetAll(ctx, stateKey)
		if err != nil {
			log.Error("state read failed", zap.Error(err))
			c.recordEnvelope("error")
			return
		}
		if fields["status"] != model.StatusReceived {
			c.recordEnvelope("duplicate")
			c.ack(ctx, msg.ID)
			return
		}
		if err := c.launcher.Launch(ctx, invocationFor(env)); err != nil {
			log.Error("orchestrator relaunch failed", zap.Error(err))
			c.recordEnvelope("error")
			return
		}
		c.recordEnvelope("relaunched")
		c.ack(ctx, msg.ID)
		log.Info("redelivered request handed to orchestrator")
		return
	}

	now := time.Now().UTC()
	fields := map[string]any{
		"xmlKey":      env.XMLKey,
		"responseKey": env.ResponseKey,
		"receivedAt":  now.Format(time.RFC3339Nano),
	}
	if env.MetadataKey != "" {
		fields["metadataKey"] = env.MetadataKey
	}
	if env.GroupCount > 0 {
		fields["groupCount"] = strconv.Itoa(env.GroupCount)
	}
	if !env.SubmittedAt.IsZero() {
		fields["submittedAt"] = env.SubmittedAt.UTC().Format(time.RFC3339Nano)
	}
	if err := c.store.HSet(ctx, stateKey, fields); err != nil {
		log.Error("state write failed", zap.Error(err))
		c.recordEnvelope("error")
		return
	}

	event := model.LifecycleEvent{
		RequestID: env.RequestID,
		Status:    model.StatusReceived,
		At:        now,
		XMLKey:    env.XMLKey,
	}
	if _, err := c.store.Add(ctx, model.LifecycleStream, event.StreamValues()); err != nil {
		log.Error("received transition publish failed", zap.Error(err))
		c.recordEnvelope("error")
		return
	}
	if c.metrics != nil {
		c.metrics.RecordLifecycleEvent(model.StatusReceived)
	}

	if err := c.launcher.Launch(ctx, invocationFor(env)); err != nil {
		log.Error("orchestrator launch failed", zap.Error(err))
		c.recordEnvelope("error")
		return
	}

	c.recordEnvelope("launched")
	c.ack(ctx, msg.ID)
	log.Info("request handed to orchestrator")
}

func invocationFor(env model.RequestEnvelope) orchestrator.Invocation {
	return orchestrator.Invocation{
		RequestID:   env.RequestID,
		XMLKey:      env.XMLKey,
		ResponseKey: env.ResponseKey,
		MetadataKey: env.MetadataKey,
		GroupCount:  env.GroupCount,
	}
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.store.Ack(ctx, model.IngestStream, model.IngestGroup, id); err != nil {
		c.logger.Warn("ingress ack failed", zap.String("entry_id", id), zap.Error(err))
	}
}

func (c *Consumer) recordEnvelope(outcome string) {
	if c.metrics != nil {
		c.metrics.RecordIngressEnvelope(outcome)
	}
}
