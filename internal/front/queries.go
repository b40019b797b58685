package front

import (
	"context"
	"encoding/json"

	"github.com/vnworks/vnflow/model"
)

// GroupStatusView is one group's progress in a status response.
type GroupStatusView struct {
	Index     int    `json:"index"`
	Status    string `json:"status"`
	Expected  int    `json:"expected"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// StatusView is the status response body.
type StatusView struct {
	RequestID    string            `json:"requestId"`
	Status       string            `json:"status"`
	GroupCount   int               `json:"groupCount"`
	CurrentGroup int               `json:"currentGroup"`
	RetryCount   int               `json:"retryCount"`
	ReceivedAt   string            `json:"receivedAt,omitempty"`
	CompletedAt  string            `json:"completedAt,omitempty"`
	Groups       []GroupStatusView `json:"groups,omitempty"`
}

// Status returns the current state of a request. An unknown request is
// NOT_FOUND; one whose state expired but whose lifecycle trail still exists
// is GONE.
func (s *Service) Status(ctx context.Context, requestID string) (StatusView, error) {
	fields, err := s.store.HGetAll(ctx, model.RequestStateKey(requestID))
	if err != nil {
		return StatusView{}, model.NewDatastoreUnavailableError(err)
	}
	if len(fields) == 0 {
		return StatusView{}, s.missingRequestError(ctx, requestID)
	}

	state := model.StateFromHash(requestID, fields)
	view := StatusView{
		RequestID:    requestID,
		Status:       state.Status,
		GroupCount:   state.GroupCount,
		CurrentGroup: state.CurrentGroup,
		RetryCount:   state.RetryCount,
		ReceivedAt:   state.ReceivedAt,
		CompletedAt:  state.CompletedAt,
	}
	for g := 0; g < state.GroupCount; g++ {
		groupFields, err := s.store.HGetAll(ctx, model.GroupStateKey(requestID, g))
		if err != nil {
			return StatusView{}, model.NewDatastoreUnavailableError(err)
		}
		if len(groupFields) == 0 {
			continue
		}
		gs := model.GroupStateFromHash(groupFields)
		view.Groups = append(view.Groups, GroupStatusView{
			Index:     g,
			Status:    gs.Status,
			Expected:  gs.Expected,
			Completed: gs.Completed,
			Failed:    gs.Failed,
		})
	}
	return view, nil
}

// Result returns the response XML of a finished request. In-progress
// requests are NOT_READY; failed ones surface the recorded failure.
func (s *Service) Result(ctx context.Context, requestID string) (string, error) {
	xml, ok, err := s.store.Get(ctx, model.ResponseKey(requestID))
	if err != nil {
		return "", model.NewDatastoreUnavailableError(err)
	}
	if ok {
		return xml, nil
	}

	fields, err := s.store.HGetAll(ctx, model.RequestStateKey(requestID))
	if err != nil {
		return "", model.NewDatastoreUnavailableError(err)
	}
	if len(fields) == 0 {
		return "", s.missingRequestError(ctx, requestID)
	}

	status := fields["status"]
	if status == model.StatusFailed {
		return "", s.failureError(ctx, requestID)
	}
	if model.IsTerminalSuccess(status) {
		// Succeeded but the response expired ahead of the state hash.
		return "", model.NewGoneError(requestID)
	}
	return "", model.NewNotReadyError(requestID)
}

// failureError builds the error for a failed request from its recorded
// detail.
func (s *Service) failureError(ctx context.Context, requestID string) error {
	raw, ok, err := s.store.Get(ctx, model.FailureKey(requestID))
	if err != nil {
		return model.NewDatastoreUnavailableError(err)
	}
	if ok {
		var detail model.FailureDetail
		if err := json.Unmarshal([]byte(raw), &detail); err == nil {
			env := &model.ErrorEnvelope{
				Code:      model.ErrTaskFailure,
				Message:   "request processing failed",
				RequestID: requestID,
				Detail:    detail.Error,
			}
			if detail.Reason != "" {
				env.Code = detail.Reason
			}
			return env
		}
	}
	return model.NewTaskFailureError("", "no failure detail recorded").WithRequestID(requestID)
}

// missingRequestError distinguishes a request that never existed from one
// whose data has expired, using the lifecycle trail as evidence.
func (s *Service) missingRequestError(ctx context.Context, requestID string) error {
	msgs, err := s.store.Range(ctx, model.LifecycleStream, "-", "+")
	if err != nil {
		return model.NewDatastoreUnavailableError(err)
	}
	for _, msg := range msgs {
		if model.LifecycleFromValues(msg.Values).RequestID == requestID {
			return model.NewGoneError(requestID)
		}
	}
	return model.NewNotFoundError("unknown request " + requestID)
}
