package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnworks/vnflow/internal/config"
	"github.com/vnworks/vnflow/internal/datastore"
	"github.com/vnworks/vnflow/internal/worker"
	"github.com/vnworks/vnflow/model"
)

const singleGroupXML = `<request><project>
  <market name="m1"><curve>flat</curve></market>
  <group name="alpha">
    <valuation name="v1"><analytics><price><amount/></price></analytics></valuation>
    <valuation name="v2"><analytics><price><amount/></price></analytics></valuation>
  </group>
</project></request>`

const twoGroupXML = `<request><project>
  <market name="m1"><curve>flat</curve></market>
  <group name="alpha">
    <valuation name="v1"><analytics><price><amount/></price></analytics></valuation>
  </group>
  <group name="beta">
    <valuation name="v2"><analytics><price><amount/></price></analytics></valuation>
  </group>
</project></request>`

const oneTaskXML = `<request><project>
  <group name="alpha">
    <valuation name="v1"><analytics><price><amount/></price></analytics></valuation>
  </group>
</project></request>`

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		SyncWaitTimeout:    time.Second,
		RequestTTL:         time.Hour,
		LifecycleBlock:     10 * time.Millisecond,
		RequestStreamBlock: 10 * time.Millisecond,
		TaskWaitTimeout:    time.Second,
		GroupDeadline:      5 * time.Second,
		MaxTaskRetries:     3,
		ClaimMinIdle:       time.Minute,
	}
}

func newTestStore(t *testing.T) (*datastore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return datastore.New(client), mr
}

// inlineDispatcher executes each dispatch synchronously through the worker
// processor. Task failures surface through the update stream, as they do in
// production; the dispatch itself always succeeds.
type inlineDispatcher struct {
	processor *worker.Processor
	byGroup   map[int]int
	attempts  []int
}

func newInlineDispatcher(p *worker.Processor) *inlineDispatcher {
	return &inlineDispatcher{processor: p, byGroup: map[int]int{}}
}

func (d *inlineDispatcher) Dispatch(ctx context.Context, td model.TaskDispatch) error {
	d.byGroup[td.GroupIdx]++
	d.attempts = append(d.attempts, td.Attempt)
	_ = d.processor.HandleDispatch(ctx, td)
	return nil
}

func fixedAmount(v float64) worker.AmountFunc {
	return func(context.Context) (float64, error) { return v, nil }
}

func newTestOrchestrator(store *datastore.Store, dispatcher Dispatcher) *Orchestrator {
	return New(store, dispatcher, nil, zap.NewNop(), testPipelineConfig())
}

func seedRequest(t *testing.T, store *datastore.Store, requestID, xml string) Invocation {
	t.Helper()
	xmlKey := model.RequestXMLKey(requestID)
	if err := store.Set(context.Background(), xmlKey, xml, 0); err != nil {
		t.Fatalf("seeding request XML: %v", err)
	}
	return Invocation{
		RequestID:   requestID,
		XMLKey:      xmlKey,
		ResponseKey: model.ResponseKey(requestID),
	}
}

func lifecycleStatuses(t *testing.T, store *datastore.Store, requestID string) []string {
	t.Helper()
	msgs, err := store.Range(context.Background(), model.LifecycleStream, "-", "+")
	if err != nil {
		t.Fatalf("reading lifecycle stream: %v", err)
	}
	var statuses []string
	for _, msg := range msgs {
		e := model.LifecycleFromValues(msg.Values)
		if e.RequestID != requestID {
			continue
		}
		s := e.Status
		if s == model.StatusGroupStarted || s == model.StatusGroupCompleted {
			s += ":" + strconv.Itoa(e.GroupIdx)
		}
		statuses = append(statuses, s)
	}
	return statuses
}

func TestRunSingleGroupSuccess(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	inv := seedRequest(t, store, "req-s1", singleGroupXML)

	dispatcher := newInlineDispatcher(worker.NewProcessor(store, worker.NewAmountValuator(fixedAmount(10)), zap.NewNop()))
	o := newTestOrchestrator(store, dispatcher)

	if err := o.Run(ctx, inv); err != nil {
		t.Fatalf("Run: %v", err)
	}

	response, ok, _ := store.Get(ctx, inv.ResponseKey)
	if !ok {
		t.Fatal("response was not written")
	}
	// Embedded task results are escaped XML text.
	for _, want := range []string{`requestId="req-s1"`, `index="0"`, `id="g1-t1-v1"`, `id="g1-t2-v2"`, "10.00"} {
		if !strings.Contains(response, want) {
			t.Errorf("response missing %q:\n%s", want, response)
		}
	}

	fields, _ := store.HGetAll(ctx, model.RequestStateKey(inv.RequestID))
	state := model.StateFromHash(inv.RequestID, fields)
	if state.Status != model.StatusSucceeded || state.GroupCount != 1 {
		t.Errorf("state = %+v", state)
	}
	if state.CompletedAt == "" {
		t.Error("completedAt not set")
	}

	groupFields, _ := store.HGetAll(ctx, model.GroupStateKey(inv.RequestID, 0))
	gs := model.GroupStateFromHash(groupFields)
	if gs.Status != model.GroupCompleted || gs.Completed != 2 || gs.Expected != 2 || gs.Failed != 0 {
		t.Errorf("group state = %+v", gs)
	}

	want := []string{"started", "group_started:0", "group_completed:0", "succeeded"}
	got := lifecycleStatuses(t, store, inv.RequestID)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("lifecycle = %v, want %v", got, want)
	}

	// Terminal data carries a TTL.
	if mr.TTL(inv.ResponseKey) <= 0 {
		t.Error("response key has no TTL")
	}
	if mr.TTL(model.RequestStateKey(inv.RequestID)) <= 0 {
		t.Error("state key has no TTL")
	}
}

func TestRunGroupSequencing(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	inv := seedRequest(t, store, "req-s2", twoGroupXML)

	dispatcher := newInlineDispatcher(worker.NewProcessor(store, worker.NewAmountValuator(fixedAmount(7)), zap.NewNop()))
	o := newTestOrchestrator(store, dispatcher)

	if err := o.Run(ctx, inv); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := lifecycleStatuses(t, store, inv.RequestID)
	want := []string{"started", "group_started:0", "group_completed:0", "group_started:1", "group_completed:1", "succeeded"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("lifecycle = %v, want %v", got, want)
	}

	// The second group's payload embeds the first group's result.
	payload, ok, _ := store.Get(ctx, model.TaskXMLKey(inv.RequestID, 1, "g2-t1-v2"))
	if !ok {
		t.Fatal("second-group task payload was not written")
	}
	if !strings.Contains(payload, "priorResults") || !strings.Contains(payload, "g1-t1-v1") {
		t.Errorf("second-group payload missing prior results:\n%s", payload)
	}
	// The first group's payload has none.
	first, _, _ := store.Get(ctx, model.TaskXMLKey(inv.RequestID, 0, "g1-t1-v1"))
	if strings.Contains(first, "priorResults") {
		t.Errorf("first-group payload should carry no prior results:\n%s", first)
	}
}

func TestRunRetryThenSuccess(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	inv := seedRequest(t, store, "req-r1", oneTaskXML)

	calls := 0
	flaky := worker.NewAmountValuator(func(context.Context) (float64, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("pricing engine unavailable")
		}
		return 42, nil
	})
	dispatcher := newInlineDispatcher(worker.NewProcessor(store, flaky, zap.NewNop()))
	o := newTestOrchestrator(store, dispatcher)

	if err := o.Run(ctx, inv); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if want := []int{1, 2, 3}; len(dispatcher.attempts) != 3 ||
		dispatcher.attempts[0] != want[0] || dispatcher.attempts[1] != want[1] || dispatcher.attempts[2] != want[2] {
		t.Errorf("dispatch attempts = %v, want %v", dispatcher.attempts, want)
	}

	fields, _ := store.HGetAll(ctx, model.RequestStateKey(inv.RequestID))
	state := model.StateFromHash(inv.RequestID, fields)
	if state.Status != model.StatusSucceeded || state.RetryCount != 2 {
		t.Errorf("state = %+v", state)
	}

	marker, ok, _ := store.Get(ctx, model.TaskResultMarkerKey(inv.RequestID, 0, "g1-t1-v1"))
	if !ok || marker != "3" {
		t.Errorf("result marker = %q, want 3", marker)
	}
	response, _, _ := store.Get(ctx, inv.ResponseKey)
	if !strings.Contains(response, "<attempt>3</attempt>") {
		t.Errorf("response does not reflect the winning attempt:\n%s", response)
	}
}

func TestRunRetryBudgetExhausted(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	inv := seedRequest(t, store, "req-f1", oneTaskXML)

	broken := worker.NewAmountValuator(func(context.Context) (float64, error) {
		return 0, errors.New("pricing engine down")
	})
	dispatcher := newInlineDispatcher(worker.NewProcessor(store, broken, zap.NewNop()))
	o := newTestOrchestrator(store, dispatcher)

	err := o.Run(ctx, inv)
	if err == nil {
		t.Fatal("Run should fail once the retry budget is exhausted")
	}
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrRetryBudgetExhausted {
		t.Fatalf("err = %v, want RETRY_BUDGET_EXHAUSTED", err)
	}

	if len(dispatcher.attempts) != 3 {
		t.Errorf("dispatched %d attempts, want 3", len(dispatcher.attempts))
	}

	fields, _ := store.HGetAll(ctx, model.RequestStateKey(inv.RequestID))
	if fields["status"] != model.StatusFailed {
		t.Errorf("status = %q, want failed", fields["status"])
	}

	groupFields, _ := store.HGetAll(ctx, model.GroupStateKey(inv.RequestID, 0))
	gs := model.GroupStateFromHash(groupFields)
	if gs.Status != model.GroupFailed || gs.Failed != 1 {
		t.Errorf("group state = %+v", gs)
	}

	// Worker-recorded detail survives with task coordinates.
	raw, ok, _ := store.Get(ctx, model.FailureKey(inv.RequestID))
	if !ok {
		t.Fatal("failure detail missing")
	}
	var detail model.FailureDetail
	if err := json.Unmarshal([]byte(raw), &detail); err != nil {
		t.Fatalf("parsing failure detail: %v", err)
	}
	if detail.TaskID != "g1-t1-v1" || detail.Attempt != 3 {
		t.Errorf("detail = %+v", detail)
	}

	got := lifecycleStatuses(t, store, inv.RequestID)
	if len(got) == 0 || got[len(got)-1] != model.StatusFailed {
		t.Errorf("lifecycle = %v, want trailing failed", got)
	}
}

func TestRunTerminalRequestIsNoop(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	inv := seedRequest(t, store, "req-t1", oneTaskXML)

	if err := store.HSet(ctx, model.RequestStateKey(inv.RequestID), map[string]any{
		"status": model.StatusSucceeded,
	}); err != nil {
		t.Fatalf("seeding state: %v", err)
	}

	dispatcher := newInlineDispatcher(worker.NewProcessor(store, worker.NewAmountValuator(fixedAmount(1)), zap.NewNop()))
	o := newTestOrchestrator(store, dispatcher)

	if err := o.Run(ctx, inv); err != nil {
		t.Fatalf("Run on a terminal request: %v", err)
	}
	if len(dispatcher.attempts) != 0 {
		t.Errorf("terminal request dispatched %d tasks, want 0", len(dispatcher.attempts))
	}
	if got := lifecycleStatuses(t, store, inv.RequestID); len(got) != 0 {
		t.Errorf("terminal request published lifecycle events: %v", got)
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	inv := seedRequest(t, store, "req-c1", twoGroupXML)

	// Group 0 already completed in a previous run.
	if err := store.Set(ctx, model.TaskResultKey(inv.RequestID, 0, "g1-t1-v1"), "<done/>", 0); err != nil {
		t.Fatalf("seeding result: %v", err)
	}
	if err := store.Set(ctx, model.TaskResultMarkerKey(inv.RequestID, 0, "g1-t1-v1"), "1", 0); err != nil {
		t.Fatalf("seeding marker: %v", err)
	}
	if err := store.HSet(ctx, model.RequestStateKey(inv.RequestID), map[string]any{
		"status":       model.StatusStarted,
		"currentGroup": "1",
		"groupCount":   "2",
	}); err != nil {
		t.Fatalf("seeding state: %v", err)
	}

	dispatcher := newInlineDispatcher(worker.NewProcessor(store, worker.NewAmountValuator(fixedAmount(9)), zap.NewNop()))
	o := newTestOrchestrator(store, dispatcher)

	if err := o.Run(ctx, inv); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if dispatcher.byGroup[0] != 0 {
		t.Errorf("completed group was re-dispatched %d times", dispatcher.byGroup[0])
	}
	if dispatcher.byGroup[1] != 1 {
		t.Errorf("pending group dispatched %d tasks, want 1", dispatcher.byGroup[1])
	}

	// A resumed run announces no second started transition.
	got := lifecycleStatuses(t, store, inv.RequestID)
	for _, s := range got {
		if s == model.StatusStarted {
			t.Errorf("resume republished started: %v", got)
		}
	}

	response, ok, _ := store.Get(ctx, inv.ResponseKey)
	if !ok {
		t.Fatal("response was not written")
	}
	if !strings.Contains(response, "done/") || !strings.Contains(response, `id="g2-t1-v2"`) {
		t.Errorf("response missing restored or fresh results:\n%s", response)
	}
}

func TestRunInvalidRequestXML(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	inv := seedRequest(t, store, "req-b1", "<request><nothing/></request>")

	dispatcher := newInlineDispatcher(worker.NewProcessor(store, worker.NewAmountValuator(fixedAmount(1)), zap.NewNop()))
	o := newTestOrchestrator(store, dispatcher)

	if err := o.Run(ctx, inv); err == nil {
		t.Fatal("Run should fail for a request without a project element")
	}

	fields, _ := store.HGetAll(ctx, model.RequestStateKey(inv.RequestID))
	if fields["status"] != model.StatusFailed {
		t.Errorf("status = %q, want failed", fields["status"])
	}
	raw, ok, _ := store.Get(ctx, model.FailureKey(inv.RequestID))
	if !ok {
		t.Fatal("failure detail missing")
	}
	var detail model.FailureDetail
	if err := json.Unmarshal([]byte(raw), &detail); err != nil {
		t.Fatalf("parsing failure detail: %v", err)
	}
	if detail.Reason != model.ErrInvalidInput {
		t.Errorf("reason = %q, want INVALID_INPUT", detail.Reason)
	}

	// The request was announced as started before its payload was rejected.
	got := lifecycleStatuses(t, store, inv.RequestID)
	want := []string{model.StatusStarted, model.StatusFailed}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("lifecycle = %v, want %v", got, want)
	}
}

// droppingDispatcher accepts every dispatch and never executes it, so no
// task update ever arrives.
type droppingDispatcher struct{ count int }

func (d *droppingDispatcher) Dispatch(context.Context, model.TaskDispatch) error {
	d.count++
	return nil
}

func TestRunGroupDeadlineFailsRequest(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	inv := seedRequest(t, store, "req-d1", oneTaskXML)

	cfg := testPipelineConfig()
	cfg.GroupDeadline = 100 * time.Millisecond
	cfg.TaskWaitTimeout = 10 * time.Millisecond
	dispatcher := &droppingDispatcher{}
	o := New(store, dispatcher, nil, zap.NewNop(), cfg)

	err := o.Run(ctx, inv)
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrTimeout {
		t.Fatalf("err = %v, want TIMEOUT", err)
	}

	fields, _ := store.HGetAll(ctx, model.RequestStateKey(inv.RequestID))
	if fields["status"] != model.StatusFailed {
		t.Errorf("status = %q, want failed", fields["status"])
	}
	groupFields, _ := store.HGetAll(ctx, model.GroupStateKey(inv.RequestID, 0))
	gs := model.GroupStateFromHash(groupFields)
	if gs.Status != model.GroupFailed {
		t.Errorf("group status = %q, want failed", gs.Status)
	}
}

// lostResultDispatcher reports the first attempt completed without persisting
// its result, simulating a lost result write. Later attempts run the worker
// for real.
type lostResultDispatcher struct {
	store     *datastore.Store
	processor *worker.Processor
	attempts  []int
}

func (d *lostResultDispatcher) Dispatch(ctx context.Context, td model.TaskDispatch) error {
	d.attempts = append(d.attempts, td.Attempt)
	if td.Attempt == 1 {
		u := model.TaskUpdate{
			RequestID: td.RequestID,
			GroupIdx:  td.GroupIdx,
			TaskID:    td.TaskID,
			Status:    model.TaskCompleted,
			ResultKey: td.ResultKey,
			Attempt:   td.Attempt,
		}
		_, err := d.store.Add(ctx, model.UpdatesStream, u.StreamValues())
		return err
	}
	_ = d.processor.HandleDispatch(ctx, td)
	return nil
}

func TestRunMissingResultIsRedispatched(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	inv := seedRequest(t, store, "req-m1", oneTaskXML)

	dispatcher := &lostResultDispatcher{
		store:     store,
		processor: worker.NewProcessor(store, worker.NewAmountValuator(fixedAmount(11)), zap.NewNop()),
	}
	o := newTestOrchestrator(store, dispatcher)

	if err := o.Run(ctx, inv); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if want := []int{1, 2}; len(dispatcher.attempts) != 2 ||
		dispatcher.attempts[0] != want[0] || dispatcher.attempts[1] != want[1] {
		t.Errorf("dispatch attempts = %v, want %v", dispatcher.attempts, want)
	}

	fields, _ := store.HGetAll(ctx, model.RequestStateKey(inv.RequestID))
	state := model.StateFromHash(inv.RequestID, fields)
	if state.Status != model.StatusSucceeded || state.RetryCount != 1 {
		t.Errorf("state = %+v", state)
	}
	response, _, _ := store.Get(ctx, inv.ResponseKey)
	if !strings.Contains(response, "11.00") {
		t.Errorf("response missing the re-run result:\n%s", response)
	}
}
