package orchestrator

import (
	"context"

	"github.com/vnworks/vnflow/internal/datastore"
	"github.com/vnworks/vnflow/model"
)

// Dispatcher hands a task to the worker fleet. The production implementation
// appends to the shared dispatch stream; tests may run tasks inline.
type Dispatcher interface {
	Dispatch(ctx context.Context, d model.TaskDispatch) error
}

// StreamDispatcher emits dispatch records onto stream:task:dispatch, where
// the task-workers consumer group load-balances them.
type StreamDispatcher struct {
	store *datastore.Store
}

// NewStreamDispatcher builds the stream-backed dispatcher.
func NewStreamDispatcher(store *datastore.Store) *StreamDispatcher {
	return &StreamDispatcher{store: store}
}

// Dispatch implements Dispatcher.
func (s *StreamDispatcher) Dispatch(ctx context.Context, d model.TaskDispatch) error {
	_, err := s.store.Add(ctx, model.DispatchStream, d.StreamValues())
	return err
}
