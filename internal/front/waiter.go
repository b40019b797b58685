package front

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/vnworks/vnflow/model"
)

// waitForCompletion tails the lifecycle stream from the captured cursor until
// the request reaches a terminal status or the sync wait times out. The state
// hash is consulted before and during the tail so a transition that predates
// the cursor is still observed.
func (s *Service) waitForCompletion(ctx context.Context, requestID, fromID string) (SubmitResult, error) {
	start := time.Now()
	deadline := start.Add(s.cfg.SyncWaitTimeout)
	lastID := fromID
	if lastID == "" {
		lastID = "0-0"
	}

	for {
		fields, err := s.store.HGetAll(ctx, model.RequestStateKey(requestID))
		if err != nil {
			return SubmitResult{}, model.NewDatastoreUnavailableError(err)
		}
		if status := fields["status"]; model.IsTerminal(status) {
			s.recordSyncWait(statusOutcome(status), time.Since(start))
			return s.terminalResult(ctx, requestID, status)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.recordSyncWait("timeout", time.Since(start))
			s.logger.Info("sync wait timed out", zap.String("request_id", requestID))
			return SubmitResult{RequestID: requestID, Status: model.StatusPending}, nil
		}

		block := s.cfg.LifecycleBlock
		if block > remaining {
			block = remaining
		}
		msgs, err := s.store.Read(ctx, model.LifecycleStream, lastID, 64, block)
		if err != nil {
			if ctx.Err() != nil {
				return SubmitResult{}, ctx.Err()
			}
			return SubmitResult{}, model.NewDatastoreUnavailableError(err)
		}
		for _, msg := range msgs {
			lastID = msg.ID
			event := model.LifecycleFromValues(msg.Values)
			if event.RequestID != requestID || !model.IsTerminal(event.Status) {
				continue
			}
			s.recordSyncWait(statusOutcome(event.Status), time.Since(start))
			return s.terminalResult(ctx, requestID, event.Status)
		}
	}
}

// terminalResult fetches the artifacts of a finished request.
func (s *Service) terminalResult(ctx context.Context, requestID, status string) (SubmitResult, error) {
	if model.IsTerminalSuccess(status) {
		xml, ok, err := s.store.Get(ctx, model.ResponseKey(requestID))
		if err != nil {
			return SubmitResult{}, model.NewDatastoreUnavailableError(err)
		}
		if !ok {
			// Succeeded but the response is not yet readable; let the
			// caller poll the results endpoint.
			return SubmitResult{RequestID: requestID, Status: model.StatusPending}, nil
		}
		return SubmitResult{RequestID: requestID, Status: model.StatusSucceeded, ResponseXML: xml}, nil
	}

	result := SubmitResult{RequestID: requestID, Status: model.StatusFailed}
	raw, ok, err := s.store.Get(ctx, model.FailureKey(requestID))
	if err != nil {
		return SubmitResult{}, model.NewDatastoreUnavailableError(err)
	}
	if ok {
		var detail model.FailureDetail
		if err := json.Unmarshal([]byte(raw), &detail); err == nil {
			result.Failure = &detail
		}
	}
	return result, nil
}

func statusOutcome(status string) string {
	if model.IsTerminalSuccess(status) {
		return "succeeded"
	}
	return "failed"
}

func (s *Service) recordSyncWait(outcome string, duration time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordSyncWait(outcome, duration)
	}
}
