package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnworks/vnflow/internal/config"
	"github.com/vnworks/vnflow/internal/datastore"
	"github.com/vnworks/vnflow/model"
)

const taskPayload = `<taskRequest><valuation name="v1"><analytics><price><amount/></price></analytics></valuation></taskRequest>`

func newTestStore(t *testing.T) *datastore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return datastore.New(client)
}

func fixedAmount(v float64) AmountFunc {
	return func(context.Context) (float64, error) { return v, nil }
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		RequestStreamBlock: 10 * time.Millisecond,
		ClaimMinIdle:       20 * time.Millisecond,
		MaxTaskRetries:     3,
	}
}

func testDispatch(attempt int) model.TaskDispatch {
	return model.TaskDispatch{
		RequestID:  "req-1",
		GroupIdx:   0,
		TaskID:     "g1-t1-v1",
		PayloadKey: model.TaskXMLKey("req-1", 0, "g1-t1-v1"),
		ResultKey:  model.TaskResultKey("req-1", 0, "g1-t1-v1"),
		Attempt:    attempt,
	}
}

func readUpdates(t *testing.T, store *datastore.Store) []model.TaskUpdate {
	t.Helper()
	msgs, err := store.Range(context.Background(), model.UpdatesStream, "-", "+")
	if err != nil {
		t.Fatalf("reading updates: %v", err)
	}
	updates := make([]model.TaskUpdate, 0, len(msgs))
	for _, msg := range msgs {
		updates = append(updates, model.UpdateFromValues(msg.Values))
	}
	return updates
}

func TestHandleDispatchSuccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	d := testDispatch(1)

	if err := store.Set(ctx, d.PayloadKey, taskPayload, 0); err != nil {
		t.Fatalf("seeding payload: %v", err)
	}

	p := NewProcessor(store, NewAmountValuator(fixedAmount(123.456)), zap.NewNop())
	if err := p.HandleDispatch(ctx, d); err != nil {
		t.Fatalf("HandleDispatch: %v", err)
	}

	result, ok, _ := store.Get(ctx, d.ResultKey)
	if !ok {
		t.Fatal("result key was not written")
	}
	if !strings.Contains(result, "<amount>123.46</amount>") {
		t.Errorf("amount not rewritten to two decimals:\n%s", result)
	}

	updates := readUpdates(t, store)
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(updates))
	}
	u := updates[0]
	if u.Status != model.TaskCompleted || u.ResultKey != d.ResultKey || u.Attempt != 1 {
		t.Errorf("update = %+v", u)
	}
}

func TestHandleDispatchMissingPayload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	d := testDispatch(1)

	p := NewProcessor(store, NewAmountValuator(fixedAmount(10)), zap.NewNop())
	if err := p.HandleDispatch(ctx, d); err == nil {
		t.Fatal("HandleDispatch with a missing payload should fail")
	}

	updates := readUpdates(t, store)
	if len(updates) != 1 || updates[0].Status != model.TaskFailed {
		t.Fatalf("updates = %+v, want one failed update", updates)
	}
	if updates[0].Error == "" {
		t.Error("failed update should carry an error message")
	}

	// Failure detail is recorded with task coordinates.
	raw, ok, _ := store.Get(ctx, model.FailureKey(d.RequestID))
	if !ok {
		t.Fatal("failure detail was not written")
	}
	var detail model.FailureDetail
	if err := json.Unmarshal([]byte(raw), &detail); err != nil {
		t.Fatalf("parsing failure detail: %v", err)
	}
	if detail.TaskID != d.TaskID || detail.Attempt != 1 {
		t.Errorf("detail = %+v", detail)
	}
}

func TestHandleDispatchValuatorFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	d := testDispatch(2)

	if err := store.Set(ctx, d.PayloadKey, taskPayload, 0); err != nil {
		t.Fatalf("seeding payload: %v", err)
	}

	failing := NewAmountValuator(func(context.Context) (float64, error) {
		return 0, errors.New("generator offline")
	})
	p := NewProcessor(store, failing, zap.NewNop())
	if err := p.HandleDispatch(ctx, d); err == nil {
		t.Fatal("HandleDispatch should surface the valuator error")
	}

	if _, ok, _ := store.Get(ctx, d.ResultKey); ok {
		t.Error("failed execution must not write a result")
	}
	updates := readUpdates(t, store)
	if len(updates) != 1 || updates[0].Status != model.TaskFailed || updates[0].Attempt != 2 {
		t.Errorf("updates = %+v", updates)
	}
}

func TestStaleAttemptDoesNotOverwriteResult(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Attempt 3 lands first.
	d3 := testDispatch(3)
	if err := store.Set(ctx, d3.PayloadKey, taskPayload, 0); err != nil {
		t.Fatalf("seeding payload: %v", err)
	}
	p3 := NewProcessor(store, NewAmountValuator(fixedAmount(300)), zap.NewNop())
	if err := p3.HandleDispatch(ctx, d3); err != nil {
		t.Fatalf("attempt 3: %v", err)
	}
	after3, _, _ := store.Get(ctx, d3.ResultKey)

	// A stale attempt 2 replays afterwards.
	d2 := testDispatch(2)
	p2 := NewProcessor(store, NewAmountValuator(fixedAmount(200)), zap.NewNop())
	if err := p2.HandleDispatch(ctx, d2); err != nil {
		t.Fatalf("attempt 2: %v", err)
	}

	final, _, _ := store.Get(ctx, d2.ResultKey)
	if final != after3 {
		t.Error("stale attempt overwrote a newer result")
	}
	// The stale attempt still keeps its own versioned result.
	if _, ok, _ := store.Get(ctx, model.TaskResultAttemptKey("req-1", 0, "g1-t1-v1", 2)); !ok {
		t.Error("attempt-versioned result for the stale attempt is missing")
	}
}

func TestAmountValuatorWithoutAmountNode(t *testing.T) {
	v := NewAmountValuator(fixedAmount(5))
	out, err := v.Evaluate(context.Background(), `<taskRequest><valuation name="v"/></taskRequest>`)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !strings.Contains(out, `<valuation name="v"/>`) {
		t.Errorf("payload without an amount node should pass through:\n%s", out)
	}
}

func TestAmountValuatorRejectsNonPositiveAmount(t *testing.T) {
	v := NewAmountValuator(fixedAmount(-1))
	if _, err := v.Evaluate(context.Background(), taskPayload); err == nil {
		t.Error("non-positive amount should fail")
	}
}

func TestAmountValuatorRejectsBadXML(t *testing.T) {
	v := NewAmountValuator(fixedAmount(5))
	if _, err := v.Evaluate(context.Background(), "<unclosed"); err == nil {
		t.Error("malformed payload should fail")
	}
}

func TestLoopProcessesAndAcks(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := testDispatch(1)
	if err := store.Set(ctx, d.PayloadKey, taskPayload, 0); err != nil {
		t.Fatalf("seeding payload: %v", err)
	}
	if _, err := store.Add(ctx, model.DispatchStream, d.StreamValues()); err != nil {
		t.Fatalf("seeding dispatch: %v", err)
	}

	p := NewProcessor(store, NewAmountValuator(fixedAmount(50)), zap.NewNop())
	loop := NewLoop(store, p, zap.NewNop(), testPipelineConfig())

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if _, ok, _ := store.Get(context.Background(), d.ResultKey); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker loop did not process the dispatch in time")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}

	// The dispatch was acknowledged: a fresh consumer claims nothing new.
	msgs, err := store.ReadGroup(context.Background(), model.DispatchStream, model.WorkerGroup, "verifier", 10, time.Millisecond)
	if err != nil {
		t.Fatalf("verification read: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("verification consumer claimed %d messages, want 0", len(msgs))
	}
}

func TestLoopReclaimsAbandonedDispatch(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := testDispatch(1)
	if err := store.Set(ctx, d.PayloadKey, taskPayload, 0); err != nil {
		t.Fatalf("seeding payload: %v", err)
	}
	if err := store.EnsureGroup(ctx, model.DispatchStream, model.WorkerGroup, "0"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	if _, err := store.Add(ctx, model.DispatchStream, d.StreamValues()); err != nil {
		t.Fatalf("seeding dispatch: %v", err)
	}

	// Another worker claims the dispatch and crashes before acknowledging,
	// so it never arrives via a new-entries read again.
	msgs, err := store.ReadGroup(ctx, model.DispatchStream, model.WorkerGroup, "crashed", 1, time.Millisecond)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ReadGroup = (%d msgs, %v), want 1", len(msgs), err)
	}

	p := NewProcessor(store, NewAmountValuator(fixedAmount(75)), zap.NewNop())
	loop := NewLoop(store, p, zap.NewNop(), testPipelineConfig())
	go loop.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		if _, ok, _ := store.Get(context.Background(), d.ResultKey); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("abandoned dispatch was never reclaimed and processed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
