package front

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnworks/vnflow/internal/config"
	"github.com/vnworks/vnflow/internal/datastore"
	"github.com/vnworks/vnflow/internal/orchestrator"
	"github.com/vnworks/vnflow/internal/worker"
	"github.com/vnworks/vnflow/model"
)

const requestXML = `<request><project><group name="g"><valuation name="v"><analytics><price><amount/></price></analytics></valuation></group></project></request>`

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		SyncWaitTimeout:    2 * time.Second,
		RequestTTL:         time.Hour,
		LifecycleBlock:     10 * time.Millisecond,
		RequestStreamBlock: 10 * time.Millisecond,
		TaskWaitTimeout:    time.Second,
		GroupDeadline:      5 * time.Second,
		MaxTaskRetries:     3,
		ClaimMinIdle:       time.Minute,
	}
}

func newTestStore(t *testing.T) *datastore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return datastore.New(client)
}

func newTestService(store *datastore.Store) *Service {
	return NewService(store, zap.NewNop(), testPipelineConfig())
}

// inlineLauncher runs the orchestrator in a goroutine with an in-process
// worker, mirroring the combined-binary wiring.
func inlineLauncher(store *datastore.Store) Launcher {
	processor := worker.NewProcessor(store, nil, zap.NewNop())
	dispatcher := inlineWorkerDispatcher{processor: processor}
	o := orchestrator.New(store, dispatcher, nil, zap.NewNop(), testPipelineConfig())
	return LaunchFunc(func(ctx context.Context, inv orchestrator.Invocation) error {
		go func() {
			if err := o.Run(context.WithoutCancel(ctx), inv); err != nil {
				// Terminal failures are reported through the datastore.
				_ = err
			}
		}()
		return nil
	})
}

type inlineWorkerDispatcher struct {
	processor *worker.Processor
}

func (d inlineWorkerDispatcher) Dispatch(ctx context.Context, td model.TaskDispatch) error {
	_ = d.processor.HandleDispatch(ctx, td)
	return nil
}

func TestSubmitAsync(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	svc := newTestService(store)

	result, err := svc.Submit(ctx, SubmitRequest{XML: requestXML, Metadata: map[string]string{"caller": "desk-7"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Status != model.StatusAccepted || result.RequestID == "" {
		t.Fatalf("result = %+v", result)
	}

	xml, ok, _ := store.Get(ctx, model.RequestXMLKey(result.RequestID))
	if !ok || xml != requestXML {
		t.Error("payload was not persisted")
	}
	meta, _ := store.HGetAll(ctx, model.MetadataKey(result.RequestID))
	if meta["caller"] != "desk-7" {
		t.Errorf("metadata = %v", meta)
	}

	msgs, err := store.Range(ctx, model.IngestStream, "-", "+")
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ingest stream has %d records (err %v), want 1", len(msgs), err)
	}
	env := model.EnvelopeFromValues(msgs[0].Values)
	if env.RequestID != result.RequestID || env.XMLKey != model.RequestXMLKey(result.RequestID) {
		t.Errorf("envelope = %+v", env)
	}
	if env.MetadataKey == "" {
		t.Error("envelope should carry the metadata key")
	}
}

func TestSubmitRejectsMalformedXML(t *testing.T) {
	svc := newTestService(newTestStore(t))
	_, err := svc.Submit(context.Background(), SubmitRequest{XML: "<unclosed"})
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrInvalidInput {
		t.Fatalf("err = %v, want INVALID_INPUT", err)
	}
}

func TestSubmitIdempotency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	svc := newTestService(store)

	first, err := svc.Submit(ctx, SubmitRequest{XML: requestXML, IdempotencyKey: "batch-42"})
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	// Same key, same payload: the original request is returned.
	second, err := svc.Submit(ctx, SubmitRequest{XML: requestXML, IdempotencyKey: "batch-42"})
	if err != nil {
		t.Fatalf("duplicate Submit: %v", err)
	}
	if second.RequestID != first.RequestID || !second.Duplicate {
		t.Errorf("duplicate = %+v, want request %s", second, first.RequestID)
	}

	// Same key, different payload: conflict.
	_, err = svc.Submit(ctx, SubmitRequest{XML: `<request><project><group/></project></request>`, IdempotencyKey: "batch-42"})
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrIdempotencyConflict {
		t.Fatalf("err = %v, want IDEMPOTENCY_CONFLICT", err)
	}

	// Only the first submission published an envelope.
	msgs, _ := store.Range(ctx, model.IngestStream, "-", "+")
	if len(msgs) != 1 {
		t.Errorf("ingest stream has %d records, want 1", len(msgs))
	}
}

func TestConsumerInitializesStateOnce(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	launched := make(chan orchestrator.Invocation, 2)
	launcher := LaunchFunc(func(_ context.Context, inv orchestrator.Invocation) error {
		launched <- inv
		return nil
	})
	consumer := NewConsumer(store, launcher, zap.NewNop(), testPipelineConfig())

	env := model.RequestEnvelope{
		RequestID:   "req-i1",
		XMLKey:      model.RequestXMLKey("req-i1"),
		ResponseKey: model.ResponseKey("req-i1"),
		SubmittedAt: time.Now(),
	}
	if _, err := store.Add(ctx, model.IngestStream, env.StreamValues()); err != nil {
		t.Fatalf("seeding envelope: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	select {
	case inv := <-launched:
		if inv.RequestID != "req-i1" || inv.XMLKey != env.XMLKey {
			t.Errorf("invocation = %+v", inv)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not launch the orchestrator")
	}

	// The orchestrator picks the request up, then a duplicate delivery
	// arrives. It must be acknowledged without a second launch.
	if err := store.HSet(ctx, model.RequestStateKey("req-i1"), map[string]any{
		"status": model.StatusStarted,
	}); err != nil {
		t.Fatalf("advancing state: %v", err)
	}
	if _, err := store.Add(ctx, model.IngestStream, env.StreamValues()); err != nil {
		t.Fatalf("seeding duplicate: %v", err)
	}
	select {
	case <-launched:
		t.Error("duplicate envelope launched a second orchestration")
	case <-time.After(100 * time.Millisecond):
	}

	fields, _ := store.HGetAll(context.Background(), model.RequestStateKey("req-i1"))
	if fields["receivedAt"] == "" {
		t.Error("receivedAt not set")
	}

	// Exactly one received transition was published.
	msgs, _ := store.Range(context.Background(), model.LifecycleStream, "-", "+")
	received := 0
	for _, msg := range msgs {
		if e := model.LifecycleFromValues(msg.Values); e.RequestID == "req-i1" && e.Status == model.StatusReceived {
			received++
		}
	}
	if received != 1 {
		t.Errorf("received transitions = %d, want 1", received)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	if consumer.Running() {
		t.Error("consumer still reports running after shutdown")
	}
}

func TestConsumerRelaunchesReceivedRequests(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A previous instance initialized state and crashed before the launch,
	// so the request is stuck in received and the envelope is redelivered.
	if err := store.HSet(ctx, model.RequestStateKey("req-r1"), map[string]any{
		"status": model.StatusReceived,
	}); err != nil {
		t.Fatalf("seeding state: %v", err)
	}
	env := model.RequestEnvelope{
		RequestID:   "req-r1",
		XMLKey:      model.RequestXMLKey("req-r1"),
		ResponseKey: model.ResponseKey("req-r1"),
	}
	if _, err := store.Add(ctx, model.IngestStream, env.StreamValues()); err != nil {
		t.Fatalf("seeding envelope: %v", err)
	}

	launched := make(chan orchestrator.Invocation, 1)
	launcher := LaunchFunc(func(_ context.Context, inv orchestrator.Invocation) error {
		launched <- inv
		return nil
	})
	consumer := NewConsumer(store, launcher, zap.NewNop(), testPipelineConfig())
	go consumer.Run(ctx)

	select {
	case inv := <-launched:
		if inv.RequestID != "req-r1" || inv.XMLKey != env.XMLKey {
			t.Errorf("invocation = %+v", inv)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stranded received request was not relaunched")
	}

	// The relaunch must not repeat the received transition.
	msgs, _ := store.Range(context.Background(), model.LifecycleStream, "-", "+")
	for _, msg := range msgs {
		if e := model.LifecycleFromValues(msg.Values); e.RequestID == "req-r1" && e.Status == model.StatusReceived {
			t.Error("relaunch republished the received transition")
		}
	}
}

func TestConsumerReclaimsAfterFailedLaunch(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first launch fails, leaving the envelope pending. The reclaim pass
	// must pick it back up and retry until the launch goes through.
	var calls int32
	launched := make(chan orchestrator.Invocation, 4)
	launcher := LaunchFunc(func(_ context.Context, inv orchestrator.Invocation) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("orchestrator pool exhausted")
		}
		launched <- inv
		return nil
	})
	cfg := testPipelineConfig()
	cfg.ClaimMinIdle = 20 * time.Millisecond
	consumer := NewConsumer(store, launcher, zap.NewNop(), cfg)

	env := model.RequestEnvelope{
		RequestID:   "req-c1",
		XMLKey:      model.RequestXMLKey("req-c1"),
		ResponseKey: model.ResponseKey("req-c1"),
	}
	if _, err := store.Add(ctx, model.IngestStream, env.StreamValues()); err != nil {
		t.Fatalf("seeding envelope: %v", err)
	}

	go consumer.Run(ctx)

	select {
	case inv := <-launched:
		if inv.RequestID != "req-c1" {
			t.Errorf("invocation = %+v", inv)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("envelope was never reclaimed after the failed launch")
	}
}

func TestSubmitSyncEndToEnd(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := newTestService(store)
	consumer := NewConsumer(store, inlineLauncher(store), zap.NewNop(), testPipelineConfig())
	go consumer.Run(ctx)

	result, err := svc.Submit(ctx, SubmitRequest{XML: requestXML, Sync: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Status != model.StatusSucceeded {
		t.Fatalf("result = %+v, want succeeded", result)
	}
	if !strings.Contains(result.ResponseXML, `id="g1-t1-v"`) {
		t.Errorf("response = %s", result.ResponseXML)
	}

	// The finished request is queryable.
	view, err := svc.Status(ctx, result.RequestID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if view.Status != model.StatusSucceeded || len(view.Groups) != 1 || view.Groups[0].Completed != 1 {
		t.Errorf("status view = %+v", view)
	}
	xml, err := svc.Result(ctx, result.RequestID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if xml != result.ResponseXML {
		t.Error("Result disagrees with the sync response")
	}
}

func TestSubmitSyncTimeout(t *testing.T) {
	store := newTestStore(t)
	cfg := testPipelineConfig()
	cfg.SyncWaitTimeout = 100 * time.Millisecond
	svc := NewService(store, zap.NewNop(), cfg)

	// No consumer is running, so the request never progresses.
	result, err := svc.Submit(context.Background(), SubmitRequest{XML: requestXML, Sync: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Status != model.StatusPending || result.RequestID == "" {
		t.Errorf("result = %+v, want pending", result)
	}
}

func TestWaitForCompletionIgnoresForeignEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	svc := newTestService(store)

	if err := store.HSet(ctx, model.RequestStateKey("req-w1"), map[string]any{
		"status": model.StatusStarted,
	}); err != nil {
		t.Fatalf("seeding state: %v", err)
	}
	cursor, err := store.LastID(ctx, model.LifecycleStream)
	if err != nil {
		t.Fatalf("capturing cursor: %v", err)
	}

	// Terminal events for other requests land first and must be skipped.
	for _, other := range []string{"req-other-1", "req-other-2"} {
		event := model.LifecycleEvent{RequestID: other, Status: model.StatusSucceeded, At: time.Now()}
		if _, err := store.Add(ctx, model.LifecycleStream, event.StreamValues()); err != nil {
			t.Fatalf("seeding foreign event: %v", err)
		}
	}

	if err := store.Set(ctx, model.ResponseKey("req-w1"), "<response/>", 0); err != nil {
		t.Fatalf("seeding response: %v", err)
	}
	if err := store.HSet(ctx, model.RequestStateKey("req-w1"), map[string]any{
		"status": model.StatusSucceeded,
	}); err != nil {
		t.Fatalf("updating state: %v", err)
	}
	event := model.LifecycleEvent{RequestID: "req-w1", Status: model.StatusSucceeded, At: time.Now()}
	if _, err := store.Add(ctx, model.LifecycleStream, event.StreamValues()); err != nil {
		t.Fatalf("seeding event: %v", err)
	}

	result, err := svc.waitForCompletion(ctx, "req-w1", cursor)
	if err != nil {
		t.Fatalf("waitForCompletion: %v", err)
	}
	if result.Status != model.StatusSucceeded || result.ResponseXML != "<response/>" {
		t.Errorf("result = %+v", result)
	}
}

func TestStatusUnknownRequest(t *testing.T) {
	svc := newTestService(newTestStore(t))
	_, err := svc.Status(context.Background(), "nope")
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrNotFound {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestStatusExpiredRequestIsGone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	svc := newTestService(store)

	// A lifecycle trail exists, but the state hash has expired.
	event := model.LifecycleEvent{RequestID: "req-g1", Status: model.StatusSucceeded, At: time.Now()}
	if _, err := store.Add(ctx, model.LifecycleStream, event.StreamValues()); err != nil {
		t.Fatalf("seeding lifecycle: %v", err)
	}

	_, err := svc.Status(ctx, "req-g1")
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrGone {
		t.Fatalf("err = %v, want GONE", err)
	}
	if _, err := svc.Result(ctx, "req-g1"); !errors.As(err, &env) || env.Code != model.ErrGone {
		t.Fatalf("Result err = %v, want GONE", err)
	}
}

func TestResultInProgress(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	svc := newTestService(store)

	if err := store.HSet(ctx, model.RequestStateKey("req-p1"), map[string]any{
		"status": model.StatusStarted,
	}); err != nil {
		t.Fatalf("seeding state: %v", err)
	}

	_, err := svc.Result(ctx, "req-p1")
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrNotReady {
		t.Fatalf("err = %v, want NOT_READY", err)
	}
}

func TestResultFailedRequest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	svc := newTestService(store)

	if err := store.HSet(ctx, model.RequestStateKey("req-f9"), map[string]any{
		"status": model.StatusFailed,
	}); err != nil {
		t.Fatalf("seeding state: %v", err)
	}
	detail := `{"requestId":"req-f9","reason":"RETRY_BUDGET_EXHAUSTED","taskId":"g1-t1-v","attempt":3,"error":"pricing engine down","at":"2026-01-01T00:00:00Z"}`
	if err := store.Set(ctx, model.FailureKey("req-f9"), detail, 0); err != nil {
		t.Fatalf("seeding failure: %v", err)
	}

	_, err := svc.Result(ctx, "req-f9")
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrRetryBudgetExhausted {
		t.Fatalf("err = %v, want RETRY_BUDGET_EXHAUSTED", err)
	}
	if env.RequestID != "req-f9" || env.Detail != "pricing engine down" {
		t.Errorf("envelope = %+v", env)
	}
}
