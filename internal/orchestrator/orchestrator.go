package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vnworks/vnflow/internal/config"
	"github.com/vnworks/vnflow/internal/datastore"
	"github.com/vnworks/vnflow/internal/hydration"
	"github.com/vnworks/vnflow/internal/observability"
	"github.com/vnworks/vnflow/model"
)

// Invocation is the payload the orchestrator is launched with. It must be
// safe under repeated delivery: terminal requests return immediately and
// in-flight ones resume from their checkpointed group.
type Invocation struct {
	RequestID      string `json:"requestId"`
	XMLKey         string `json:"xmlKey"`
	ResponseKey    string `json:"responseKey"`
	MetadataKey    string `json:"metadataKey,omitempty"`
	GroupCount     int    `json:"groupCount,omitempty"`
	ExecutionToken string `json:"executionToken,omitempty"`
}

// Orchestrator runs one request at a time. A single logical instance owns
// all request-state and group-state writes after the front edge hands over.
type Orchestrator struct {
	store      *datastore.Store
	dispatcher Dispatcher
	hydrator   *hydration.Engine
	logger     *zap.Logger
	metrics    *observability.Metrics
	cfg        config.PipelineConfig
	consumer   string
}

// New builds an orchestrator. A nil hydrator gets the default strategy
// sequence with a file fetcher.
func New(store *datastore.Store, dispatcher Dispatcher, hydrator *hydration.Engine, logger *zap.Logger, cfg config.PipelineConfig) *Orchestrator {
	if hydrator == nil {
		hydrator = hydration.NewEngine(nil)
	}
	return &Orchestrator{
		store:      store,
		dispatcher: dispatcher,
		hydrator:   hydrator,
		logger:     logger,
		cfg:        cfg,
		consumer:   "orchestrator-" + uuid.NewString(),
	}
}

// WithMetrics attaches metric instruments.
func (o *Orchestrator) WithMetrics(m *observability.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// taskRef binds a task to its payload and result keys for one group run.
type taskRef struct {
	task       Task
	payloadKey string
	resultKey  string
}

// Run executes the request until a terminal state. Re-invocation of a
// terminal request is a no-op; re-invocation of a started request resumes
// from the checkpointed group using stored task results.
func (o *Orchestrator) Run(ctx context.Context, inv Invocation) error {
	requestID := inv.RequestID
	if requestID == "" {
		return fmt.Errorf("orchestrator: invocation without requestId")
	}
	log := o.logger.With(zap.String("request_id", requestID))
	start := time.Now()

	stateKey := model.RequestStateKey(requestID)
	fields, err := o.store.HGetAll(ctx, stateKey)
	if err != nil {
		return err
	}
	state := model.StateFromHash(requestID, fields)
	if model.IsTerminal(state.Status) {
		log.Info("request already terminal", zap.String("status", state.Status))
		return nil
	}
	resuming := state.Status == model.StatusStarted
	resumeGroup := 0
	if resuming {
		resumeGroup = state.CurrentGroup
	}

	responseKey := inv.ResponseKey
	if responseKey == "" {
		responseKey = model.ResponseKey(requestID)
	}

	if o.metrics != nil {
		o.metrics.RequestsActive.Inc()
		defer o.metrics.RequestsActive.Dec()
	}

	// The request is started the moment this run owns it; payload problems
	// surface afterwards as a started-then-failed sequence.
	if err := o.store.HSet(ctx, stateKey, map[string]any{
		"status":      model.StatusStarted,
		"xmlKey":      inv.XMLKey,
		"responseKey": responseKey,
	}); err != nil {
		return err
	}
	if !resuming {
		o.publishLifecycle(ctx, model.LifecycleEvent{
			RequestID: requestID,
			Status:    model.StatusStarted,
			At:        time.Now(),
		})
	}

	xml, err := o.loadRequestXML(ctx, inv.XMLKey)
	if err != nil {
		o.failTerminal(ctx, requestID, nil, model.FailureDetail{
			RequestID: requestID,
			Reason:    model.ErrNotFound,
			Error:     err.Error(),
		})
		return err
	}

	project, err := ParseProject(xml)
	if err != nil {
		o.failTerminal(ctx, requestID, nil, model.FailureDetail{
			RequestID: requestID,
			Reason:    model.ErrInvalidInput,
			Error:     err.Error(),
		})
		return err
	}
	groupCount := len(project.Groups)

	// The request-scoped consumer group starts at the stream tail so this
	// run only observes updates for tasks it dispatches.
	if err := o.store.EnsureGroup(ctx, model.UpdatesStream, model.RequestGroup(requestID), "$"); err != nil {
		return err
	}

	if err := o.store.HSet(ctx, stateKey, map[string]any{
		"groupCount": strconv.Itoa(groupCount),
	}); err != nil {
		return err
	}
	log.Info("request started",
		zap.Int("group_count", groupCount), zap.Bool("resuming", resuming))

	aggregated := make([][]TaskResult, groupCount)
	var prior []PriorResult

	// Rebuild history for already-completed groups; fall back to re-running
	// a group whose results are incomplete in the store.
	firstGroup := 0
	if resuming {
		for g := 0; g < resumeGroup && g < groupCount; g++ {
			results, complete, err := o.collectStoredResults(ctx, requestID, g, project.Groups[g])
			if err != nil {
				return err
			}
			if !complete {
				break
			}
			aggregated[g] = results
			prior = append(prior, toPrior(results)...)
			firstGroup = g + 1
		}
		log.Info("resuming request", zap.Int("first_group", firstGroup))
	}

	for g := firstGroup; g < groupCount; g++ {
		groupStart := time.Now()
		results, err := o.runGroup(ctx, requestID, project, g, prior)
		if err != nil {
			detail := model.FailureDetail{
				RequestID: requestID,
				Reason:    failureReason(err),
				GroupIdx:  g,
				Error:     err.Error(),
			}
			o.failTerminal(ctx, requestID, project, detail)
			if o.metrics != nil {
				o.metrics.RecordRequestDuration(model.StatusFailed, time.Since(start))
			}
			return err
		}
		aggregated[g] = results
		prior = append(prior, toPrior(results)...)
		if o.metrics != nil {
			o.metrics.RecordGroupDuration(time.Since(groupStart))
		}
	}

	responseXML, err := BuildResponseXML(requestID, aggregated)
	if err != nil {
		return err
	}
	if err := o.store.Set(ctx, responseKey, responseXML, 0); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := o.store.HSet(ctx, stateKey, map[string]any{
		"status":      model.StatusSucceeded,
		"completedAt": now,
	}); err != nil {
		return err
	}
	o.publishLifecycle(ctx, model.LifecycleEvent{
		RequestID: requestID,
		Status:    model.StatusSucceeded,
		At:        time.Now(),
	})
	o.applyTTL(ctx, requestID, project)
	o.destroyRequestGroup(ctx, requestID)
	if o.metrics != nil {
		o.metrics.RecordRequestDuration(model.StatusSucceeded, time.Since(start))
	}
	log.Info("request succeeded", zap.Duration("duration", time.Since(start)))
	return nil
}

// loadRequestXML reads the request payload, tolerating short replica lag
// with bounded backoff before giving up.
func (o *Orchestrator) loadRequestXML(ctx context.Context, xmlKey string) (string, error) {
	const attempts = 5
	backoff := 100 * time.Millisecond
	for i := 0; i < attempts; i++ {
		xml, ok, err := o.store.Get(ctx, xmlKey)
		if err != nil {
			return "", err
		}
		if ok {
			return xml, nil
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return "", fmt.Errorf("orchestrator: request XML not found at %s", xmlKey)
}

// runGroup prepares, dispatches, and awaits one group. It returns results in
// task order.
func (o *Orchestrator) runGroup(ctx context.Context, requestID string, project *Project, g int, prior []PriorResult) ([]TaskResult, error) {
	group := project.Groups[g]
	groupKey := model.GroupStateKey(requestID, g)
	stateKey := model.RequestStateKey(requestID)
	log := o.logger.With(zap.String("request_id", requestID), zap.Int("group_idx", g))

	// 1. Compose, hydrate, and persist every task payload.
	refs := make(map[string]taskRef, len(group.Tasks))
	for _, task := range group.Tasks {
		payload, err := o.prepareTaskPayload(project, task, prior)
		if err != nil {
			return nil, err
		}
		payloadKey := model.TaskXMLKey(requestID, g, task.ID)
		if err := o.store.Set(ctx, payloadKey, payload, 0); err != nil {
			return nil, err
		}
		refs[task.ID] = taskRef{
			task:       task,
			payloadKey: payloadKey,
			resultKey:  model.TaskResultKey(requestID, g, task.ID),
		}
	}

	// 2. Group state precedes any dispatch so counters always have a home.
	expected := len(group.Tasks)
	if err := o.store.HSet(ctx, groupKey, map[string]any{
		"expected":  strconv.Itoa(expected),
		"completed": "0",
		"failed":    "0",
		"status":    model.GroupRunning,
	}); err != nil {
		return nil, err
	}

	// 3. Checkpoint the active group and announce it.
	if err := o.store.HSet(ctx, stateKey, map[string]any{
		"currentGroup": strconv.Itoa(g),
	}); err != nil {
		return nil, err
	}
	o.publishLifecycle(ctx, model.LifecycleEvent{
		RequestID: requestID,
		Status:    model.StatusGroupStarted,
		GroupIdx:  g,
		At:        time.Now(),
	})

	// 4. On re-invocation, tasks whose results already exist are counted
	// instead of re-dispatched.
	completed := make(map[string]TaskResult, expected)
	for _, task := range group.Tasks {
		result, ok, err := o.storedResult(ctx, requestID, g, task.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			completed[task.ID] = result
		}
	}
	if len(completed) > 0 {
		if err := o.store.HSet(ctx, groupKey, map[string]any{
			"completed": strconv.Itoa(len(completed)),
		}); err != nil {
			return nil, err
		}
	}

	// 5. Fan out the remaining tasks with attempt=1.
	for _, task := range group.Tasks {
		if _, done := completed[task.ID]; done {
			continue
		}
		ref := refs[task.ID]
		if err := o.dispatchTask(ctx, requestID, g, ref, 1); err != nil {
			return nil, err
		}
	}

	// 6. Completion loop.
	if err := o.awaitGroupCompletion(ctx, requestID, g, refs, completed, expected); err != nil {
		return nil, err
	}

	if err := o.store.HSet(ctx, groupKey, map[string]any{"status": model.GroupCompleted}); err != nil {
		return nil, err
	}
	o.publishLifecycle(ctx, model.LifecycleEvent{
		RequestID: requestID,
		Status:    model.StatusGroupCompleted,
		GroupIdx:  g,
		At:        time.Now(),
	})
	log.Info("group completed", zap.Int("tasks", expected))

	results := make([]TaskResult, 0, expected)
	for _, task := range group.Tasks {
		results = append(results, completed[task.ID])
	}
	return results, nil
}

// awaitGroupCompletion drives the blocking read loop over the task-update
// stream until every task has completed, the retry budget is exhausted, or
// the group deadline passes.
func (o *Orchestrator) awaitGroupCompletion(ctx context.Context, requestID string, g int, refs map[string]taskRef, completed map[string]TaskResult, expected int) error {
	groupKey := model.GroupStateKey(requestID, g)
	stateKey := model.RequestStateKey(requestID)
	consumerGroup := model.RequestGroup(requestID)
	deadline := time.Now().Add(o.cfg.GroupDeadline)
	log := o.logger.With(zap.String("request_id", requestID), zap.Int("group_idx", g))

	for len(completed) < expected {
		if time.Now().After(deadline) {
			if err := o.store.HSet(ctx, groupKey, map[string]any{"status": model.GroupFailed}); err != nil {
				log.Warn("unable to mark group failed", zap.Error(err))
			}
			return model.NewTimeoutError(fmt.Sprintf("timed out waiting for group %d completion", g))
		}

		// Each read blocks for at most the per-task wait, capped by what is
		// left of the group deadline.
		block := o.cfg.TaskWaitTimeout
		if remaining := time.Until(deadline); remaining < block {
			block = remaining
		}
		if block < time.Millisecond {
			block = time.Millisecond
		}

		msgs, err := o.store.ReadGroup(ctx, model.UpdatesStream, consumerGroup, o.consumer, int64(expected), block)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if datastore.IsNoGroup(err) {
				// The group vanished, recreate from the stream start so no
				// update for this run is lost.
				if err := o.store.EnsureGroup(ctx, model.UpdatesStream, consumerGroup, "0"); err != nil {
					return err
				}
				continue
			}
			log.Error("task update read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			u := model.UpdateFromValues(msg.Values)
			ack := func() {
				if err := o.store.Ack(ctx, model.UpdatesStream, consumerGroup, msg.ID); err != nil {
					log.Warn("task update ack failed", zap.String("entry_id", msg.ID), zap.Error(err))
				}
			}

			ref, known := refs[u.TaskID]
			if u.RequestID != requestID || u.GroupIdx != g || !known {
				// Foreign or stale records never block progress.
				ack()
				continue
			}

			switch u.Status {
			case model.TaskCompleted:
				if _, dup := completed[u.TaskID]; dup {
					ack()
					continue
				}
				result, ok, err := o.storedResult(ctx, requestID, g, u.TaskID)
				if err != nil {
					return err
				}
				if !ok {
					// A completed update whose result key is absent: the write
					// was lost or expired. Re-run the task rather than count an
					// empty result.
					if u.Attempt < o.cfg.MaxTaskRetries {
						log.Warn("completed update without a stored result, re-dispatching",
							zap.String("task_id", u.TaskID),
							zap.Int("attempt", u.Attempt))
						if err := o.dispatchTask(ctx, requestID, g, ref, u.Attempt+1); err != nil {
							return err
						}
						if _, err := o.store.HIncrBy(ctx, stateKey, "retryCount", 1); err != nil {
							return err
						}
						ack()
						continue
					}
					if _, err := o.store.HIncrBy(ctx, groupKey, "failed", 1); err != nil {
						return err
					}
					if err := o.store.HSet(ctx, groupKey, map[string]any{"status": model.GroupFailed}); err != nil {
						return err
					}
					ack()
					env := model.NewRetryBudgetExhaustedError(u.TaskID, u.Attempt)
					env.Detail = "result missing at " + ref.resultKey
					return env
				}
				result.TaskID = u.TaskID
				result.ResultKey = ref.resultKey
				if result.Attempt == 0 {
					result.Attempt = u.Attempt
				}
				completed[u.TaskID] = result
				if _, err := o.store.HIncrBy(ctx, groupKey, "completed", 1); err != nil {
					return err
				}
				ack()

			case model.TaskFailed:
				if u.Attempt < o.cfg.MaxTaskRetries {
					log.Warn("task failed, re-dispatching",
						zap.String("task_id", u.TaskID),
						zap.Int("attempt", u.Attempt),
						zap.String("error", u.Error))
					if err := o.dispatchTask(ctx, requestID, g, ref, u.Attempt+1); err != nil {
						return err
					}
					if _, err := o.store.HIncrBy(ctx, stateKey, "retryCount", 1); err != nil {
						return err
					}
					ack()
					continue
				}
				if _, err := o.store.HIncrBy(ctx, groupKey, "failed", 1); err != nil {
					return err
				}
				if err := o.store.HSet(ctx, groupKey, map[string]any{"status": model.GroupFailed}); err != nil {
					return err
				}
				ack()
				env := model.NewRetryBudgetExhaustedError(u.TaskID, u.Attempt)
				env.Detail = u.Error
				return env

			default:
				ack()
			}
		}
	}
	return nil
}

// prepareTaskPayload composes and hydrates one task's XML.
func (o *Orchestrator) prepareTaskPayload(project *Project, task Task, prior []PriorResult) (string, error) {
	taskRoot, err := ComposeTaskXML(project.Metadata, task.Element, prior)
	if err != nil {
		return "", err
	}
	items, err := o.hydrator.HydrateElement(taskRoot, project.Root)
	if err != nil {
		return "", fmt.Errorf("orchestrator: hydrating task %s: %w", task.ID, err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("orchestrator: hydration produced no payload for task %s", task.ID)
	}
	return SerializeElement(items[0].Element)
}

func (o *Orchestrator) dispatchTask(ctx context.Context, requestID string, g int, ref taskRef, attempt int) error {
	d := model.TaskDispatch{
		RequestID:  requestID,
		GroupIdx:   g,
		TaskID:     ref.task.ID,
		PayloadKey: ref.payloadKey,
		ResultKey:  ref.resultKey,
		Attempt:    attempt,
	}
	if err := o.dispatcher.Dispatch(ctx, d); err != nil {
		return fmt.Errorf("orchestrator: dispatching task %s attempt %d: %w", ref.task.ID, attempt, err)
	}
	if o.metrics != nil {
		o.metrics.RecordTaskDispatch(attempt)
	}
	return nil
}

// storedResult reads a task's current result and the attempt it reflects.
func (o *Orchestrator) storedResult(ctx context.Context, requestID string, g int, taskID string) (TaskResult, bool, error) {
	resultKey := model.TaskResultKey(requestID, g, taskID)
	value, ok, err := o.store.Get(ctx, resultKey)
	if err != nil || !ok {
		return TaskResult{}, false, err
	}
	attempt := 0
	if marker, ok, err := o.store.Get(ctx, model.TaskResultMarkerKey(requestID, g, taskID)); err != nil {
		return TaskResult{}, false, err
	} else if ok {
		attempt, _ = strconv.Atoi(marker)
	}
	return TaskResult{
		TaskID:    taskID,
		ResultKey: resultKey,
		Result:    value,
		Attempt:   attempt,
	}, true, nil
}

// collectStoredResults gathers a finished group's results for resume. The
// second return is false when any task result is missing.
func (o *Orchestrator) collectStoredResults(ctx context.Context, requestID string, g int, group Group) ([]TaskResult, bool, error) {
	results := make([]TaskResult, 0, len(group.Tasks))
	for _, task := range group.Tasks {
		result, ok, err := o.storedResult(ctx, requestID, g, task.ID)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		results = append(results, result)
	}
	return results, true, nil
}

// failTerminal transitions the request to failed: failure detail, state,
// lifecycle, TTL, consumer-group cleanup.
func (o *Orchestrator) failTerminal(ctx context.Context, requestID string, project *Project, detail model.FailureDetail) {
	log := o.logger.With(zap.String("request_id", requestID))
	detail.At = time.Now().UTC().Format(time.RFC3339Nano)

	// The worker records task-level detail on each failure; fold its task
	// coordinates into the terminal detail.
	failureKey := model.FailureKey(requestID)
	if raw, ok, err := o.store.Get(ctx, failureKey); err == nil && ok && detail.TaskID == "" {
		var prev model.FailureDetail
		if json.Unmarshal([]byte(raw), &prev) == nil && prev.TaskID != "" {
			detail.TaskID = prev.TaskID
			detail.Attempt = prev.Attempt
			if detail.Error == "" {
				detail.Error = prev.Error
			}
		}
	}
	if data, err := json.Marshal(detail); err == nil {
		if err := o.store.Set(ctx, failureKey, string(data), 0); err != nil {
			log.Warn("unable to persist failure detail", zap.Error(err))
		}
	}
	if err := o.store.HSet(ctx, model.RequestStateKey(requestID), map[string]any{
		"status":      model.StatusFailed,
		"completedAt": detail.At,
	}); err != nil {
		log.Error("unable to mark request failed", zap.Error(err))
	}
	event := model.LifecycleEvent{
		RequestID: requestID,
		Status:    model.StatusFailed,
		At:        time.Now(),
		Detail:    detail.Reason,
	}
	o.publishLifecycle(ctx, event)
	o.applyTTL(ctx, requestID, project)
	o.destroyRequestGroup(ctx, requestID)
	log.Warn("request failed", zap.String("reason", detail.Reason), zap.String("error", detail.Error))
}

func (o *Orchestrator) publishLifecycle(ctx context.Context, event model.LifecycleEvent) {
	if _, err := o.store.Add(ctx, model.LifecycleStream, event.StreamValues()); err != nil {
		o.logger.Error("lifecycle publish failed",
			zap.String("request_id", event.RequestID),
			zap.String("status", event.Status),
			zap.Error(err))
		return
	}
	if o.metrics != nil {
		o.metrics.RecordLifecycleEvent(event.Status)
	}
}

// applyTTL caps every cache and state key of the request so terminal data
// expires together.
func (o *Orchestrator) applyTTL(ctx context.Context, requestID string, project *Project) {
	ttl := o.cfg.RequestTTL
	keys := []string{
		model.RequestXMLKey(requestID),
		model.ResponseKey(requestID),
		model.MetadataKey(requestID),
		model.FailureKey(requestID),
		model.RequestStateKey(requestID),
	}
	if project != nil {
		for g, group := range project.Groups {
			keys = append(keys, model.GroupStateKey(requestID, g))
			for _, task := range group.Tasks {
				keys = append(keys,
					model.TaskXMLKey(requestID, g, task.ID),
					model.TaskResultKey(requestID, g, task.ID),
					model.TaskResultMarkerKey(requestID, g, task.ID),
				)
				for attempt := 1; attempt <= o.cfg.MaxTaskRetries; attempt++ {
					keys = append(keys, model.TaskResultAttemptKey(requestID, g, task.ID, attempt))
				}
			}
		}
	}
	for _, key := range keys {
		if err := o.store.Expire(ctx, key, ttl); err != nil {
			o.logger.Warn("ttl application failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// destroyRequestGroup removes the per-request consumer group; it has no
// readers once the owning orchestrator exits.
func (o *Orchestrator) destroyRequestGroup(ctx context.Context, requestID string) {
	if err := o.store.DestroyGroup(ctx, model.UpdatesStream, model.RequestGroup(requestID)); err != nil {
		o.logger.Warn("consumer group cleanup failed",
			zap.String("request_id", requestID), zap.Error(err))
	}
}

func toPrior(results []TaskResult) []PriorResult {
	prior := make([]PriorResult, 0, len(results))
	for _, r := range results {
		prior = append(prior, PriorResult{
			TaskID:    r.TaskID,
			ResultKey: r.ResultKey,
			Result:    r.Result,
		})
	}
	return prior
}

func failureReason(err error) string {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return model.ErrInternalError
}
