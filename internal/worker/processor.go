// Package worker consumes the task-dispatch stream, executes valuations, and
// publishes task updates. Workers are stateless: they own only their result
// writes and never touch request or group state.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vnworks/vnflow/internal/datastore"
	"github.com/vnworks/vnflow/internal/observability"
	"github.com/vnworks/vnflow/model"
)

// Processor executes one claimed task dispatch.
type Processor struct {
	store    *datastore.Store
	valuator Valuator
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewProcessor builds a task processor.
func NewProcessor(store *datastore.Store, valuator Valuator, logger *zap.Logger) *Processor {
	if valuator == nil {
		valuator = NewAmountValuator(nil)
	}
	return &Processor{store: store, valuator: valuator, logger: logger}
}

// WithMetrics attaches metric instruments.
func (p *Processor) WithMetrics(m *observability.Metrics) *Processor {
	p.metrics = m
	return p
}

// HandleDispatch processes one dispatch record: read the payload, run the
// valuation, persist the result, publish a task update. Failures are
// published as failed updates and returned; the caller still acknowledges
// the dispatch either way.
func (p *Processor) HandleDispatch(ctx context.Context, d model.TaskDispatch) error {
	log := p.logger.With(
		zap.String("request_id", d.RequestID),
		zap.Int("group_idx", d.GroupIdx),
		zap.String("task_id", d.TaskID),
		zap.Int("attempt", d.Attempt),
	)
	start := time.Now()

	result, err := p.execute(ctx, d)
	if err != nil {
		log.Warn("task execution failed", zap.Error(err))
		p.recordFailureDetail(ctx, d, err)
		if p.metrics != nil {
			p.metrics.RecordTaskCompletion(model.TaskFailed, time.Since(start))
		}
		update := model.TaskUpdate{
			RequestID: d.RequestID,
			GroupIdx:  d.GroupIdx,
			TaskID:    d.TaskID,
			Status:    model.TaskFailed,
			Error:     err.Error(),
			Attempt:   d.Attempt,
		}
		if _, pubErr := p.store.Add(ctx, model.UpdatesStream, update.StreamValues()); pubErr != nil {
			return fmt.Errorf("worker: publishing failed update: %w", pubErr)
		}
		return err
	}

	if err := p.writeResult(ctx, d, result); err != nil {
		return err
	}

	duration := time.Since(start)
	update := model.TaskUpdate{
		RequestID:  d.RequestID,
		GroupIdx:   d.GroupIdx,
		TaskID:     d.TaskID,
		Status:     model.TaskCompleted,
		ResultKey:  d.ResultKey,
		Attempt:    d.Attempt,
		DurationMs: duration.Milliseconds(),
	}
	if _, err := p.store.Add(ctx, model.UpdatesStream, update.StreamValues()); err != nil {
		return fmt.Errorf("worker: publishing completed update: %w", err)
	}
	if p.metrics != nil {
		p.metrics.RecordTaskCompletion(model.TaskCompleted, duration)
	}
	log.Info("task completed", zap.Duration("duration", duration))
	return nil
}

func (p *Processor) execute(ctx context.Context, d model.TaskDispatch) (string, error) {
	payload, ok, err := p.store.Get(ctx, d.PayloadKey)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("worker: missing task payload %s", d.PayloadKey)
	}
	return p.valuator.Evaluate(ctx, payload)
}

// writeResult persists the result under the attempt-versioned key, then
// advances the bare result key only when this attempt is higher than the one
// already reflected there. Stale retries can never clobber a newer result.
func (p *Processor) writeResult(ctx context.Context, d model.TaskDispatch, result string) error {
	attemptKey := model.TaskResultAttemptKey(d.RequestID, d.GroupIdx, d.TaskID, d.Attempt)
	if err := p.store.Set(ctx, attemptKey, result, 0); err != nil {
		return err
	}

	markerKey := model.TaskResultMarkerKey(d.RequestID, d.GroupIdx, d.TaskID)
	stored, _, err := p.store.Get(ctx, markerKey)
	if err != nil {
		return err
	}
	storedAttempt, _ := strconv.Atoi(stored)
	if d.Attempt <= storedAttempt {
		return nil
	}

	if err := p.store.Set(ctx, d.ResultKey, result, 0); err != nil {
		return err
	}
	return p.store.Set(ctx, markerKey, strconv.Itoa(d.Attempt), 0)
}

// recordFailureDetail persists a best-effort failure document. The
// orchestrator overwrites it with the terminal detail if the retry budget
// runs out.
func (p *Processor) recordFailureDetail(ctx context.Context, d model.TaskDispatch, cause error) {
	detail := model.FailureDetail{
		RequestID: d.RequestID,
		Reason:    model.ErrTaskFailure,
		TaskID:    d.TaskID,
		GroupIdx:  d.GroupIdx,
		Attempt:   d.Attempt,
		Error:     cause.Error(),
		At:        time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return
	}
	if err := p.store.Set(ctx, model.FailureKey(d.RequestID), string(data), 0); err != nil {
		p.logger.Warn("unable to persist failure detail",
			zap.String("request_id", d.RequestID), zap.Error(err))
	}
}
