// Package integration provides a reusable test harness for end-to-end
// testing of the vnflow pipeline. It starts a full HTTP server backed by an
// in-memory Redis, with the ingress consumer, an in-process orchestrator,
// and a real worker loop consuming the dispatch stream.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnworks/vnflow/internal/config"
	"github.com/vnworks/vnflow/internal/datastore"
	"github.com/vnworks/vnflow/internal/front"
	"github.com/vnworks/vnflow/internal/observability"
	"github.com/vnworks/vnflow/internal/orchestrator"
	"github.com/vnworks/vnflow/internal/transport"
	"github.com/vnworks/vnflow/internal/worker"
	"github.com/vnworks/vnflow/model"
)

// Harness is one running pipeline instance.
type Harness struct {
	Server *httptest.Server
	Store  *datastore.Store
	Config config.PipelineConfig
}

type options struct {
	valuator worker.Valuator
	pipeline config.PipelineConfig
}

// Option customizes the harness.
type Option func(*options)

// WithValuator replaces the worker's valuator.
func WithValuator(v worker.Valuator) Option {
	return func(o *options) { o.valuator = v }
}

// WithPipeline replaces the pipeline configuration.
func WithPipeline(cfg config.PipelineConfig) Option {
	return func(o *options) { o.pipeline = cfg }
}

func defaultPipeline() config.PipelineConfig {
	return config.PipelineConfig{
		SyncWaitTimeout:    5 * time.Second,
		RequestTTL:         time.Hour,
		LifecycleBlock:     10 * time.Millisecond,
		RequestStreamBlock: 10 * time.Millisecond,
		TaskWaitTimeout:    time.Second,
		GroupDeadline:      5 * time.Second,
		MaxTaskRetries:     3,
		ClaimMinIdle:       50 * time.Millisecond,
	}
}

// NewTestHarness starts the full pipeline and registers cleanup with t.
func NewTestHarness(t *testing.T, opts ...Option) *Harness {
	t.Helper()

	o := options{pipeline: defaultPipeline()}
	for _, apply := range opts {
		apply(&o)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := datastore.New(client)

	logger := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	processor := worker.NewProcessor(store, o.valuator, logger)
	loop := worker.NewLoop(store, processor, logger, o.pipeline)
	go loop.Run(ctx)

	orch := orchestrator.New(store, orchestrator.NewStreamDispatcher(store), nil, logger, o.pipeline)
	launcher := front.LaunchFunc(func(_ context.Context, inv orchestrator.Invocation) error {
		go orch.Run(ctx, inv)
		return nil
	})
	consumer := front.NewConsumer(store, launcher, logger, o.pipeline)
	go consumer.Run(ctx)

	svc := front.NewService(store, logger, o.pipeline)
	router := transport.NewRouter(transport.Dependencies{
		Handler: transport.NewValuationHandler(svc, logger, 1<<20),
		Logger:  logger,
		Checks: observability.ReadinessChecks{
			Datastore:       store,
			ConsumerRunning: consumer.Running,
		},
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &Harness{Server: server, Store: store, Config: o.pipeline}
}

// Submit posts an XML payload. Extra headers are applied verbatim.
func (h *Harness) Submit(t *testing.T, xml string, sync bool, headers map[string]string) *http.Response {
	t.Helper()
	url := h.Server.URL + "/valuation"
	if sync {
		url += "?sync=Y"
	}
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(xml))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/xml")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return resp
}

// GET performs a GET against the harness server.
func (h *Harness) GET(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(h.Server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

// ParseJSON decodes and closes a response body.
func (h *Harness) ParseJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

// ReadBody reads and closes a response body.
func (h *Harness) ReadBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(data)
}

// AssertStatus fails the test when the response status differs.
func (h *Harness) AssertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body := h.ReadBody(t, resp)
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, want, body)
	}
}

// WaitForTerminal polls the status endpoint until the request reaches a
// terminal state, and returns that state.
func (h *Harness) WaitForTerminal(t *testing.T, requestID string, timeout time.Duration) front.StatusView {
	t.Helper()
	deadline := time.After(timeout)
	for {
		resp := h.GET(t, "/valuation/"+requestID+"/status")
		var view front.StatusView
		h.ParseJSON(t, resp, &view)
		if model.IsTerminal(view.Status) {
			return view
		}
		select {
		case <-deadline:
			t.Fatalf("request %s did not finish, last status %q", requestID, view.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// ProjectXML builds a request document with the given number of groups, each
// holding the given number of valuations.
func ProjectXML(groups, tasksPerGroup int) string {
	var b strings.Builder
	b.WriteString(`<request><project><market name="base"><curve>flat</curve></market>`)
	for g := 1; g <= groups; g++ {
		fmt.Fprintf(&b, `<group name="group-%d">`, g)
		for v := 1; v <= tasksPerGroup; v++ {
			fmt.Fprintf(&b, `<valuation name="val-%d-%d"><analytics><price><amount/></price></analytics></valuation>`, g, v)
		}
		b.WriteString(`</group>`)
	}
	b.WriteString(`</project></request>`)
	return b.String()
}
