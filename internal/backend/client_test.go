package backend

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/care/vigil/internal/types"
	"github.com/care/vigil/internal/worker"
)

// fakeRunner scripts the worker side of the channel protocol without a
// subprocess.
type fakeRunner struct {
	mu         sync.Mutex
	events     chan worker.Event
	done       chan struct{}
	doneClosed bool
	active     atomic.Bool
	sent       []types.InferenceRequest
	startErr   error
	startCalls int32
	onSend     func(req types.InferenceRequest)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		events: make(chan worker.Event, 64),
		done:   make(chan struct{}),
	}
}

func (f *fakeRunner) Start(ctx context.Context) error {
	atomic.AddInt32(&f.startCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.done = make(chan struct{})
	f.doneClosed = false
	f.active.Store(true)
	return nil
}

func (f *fakeRunner) Stop() error {
	f.active.Store(false)
	f.closeDone()
	return nil
}

func (f *fakeRunner) Send(req types.InferenceRequest) error {
	if !f.active.Load() {
		return errors.New("runner not active")
	}
	f.mu.Lock()
	f.sent = append(f.sent, req)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		go hook(req)
	}
	return nil
}

func (f *fakeRunner) Events() <-chan worker.Event { return f.events }

func (f *fakeRunner) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *fakeRunner) Shape() types.TensorShape {
	return types.TensorShape{Width: 336, Height: 336, Channels: 3}
}

func (f *fakeRunner) Active() bool { return f.active.Load() }

func (f *fakeRunner) Metrics() worker.Metrics { return worker.Metrics{} }

// crash simulates the process dying underneath the client.
func (f *fakeRunner) crash() {
	f.active.Store(false)
	f.closeDone()
}

func (f *fakeRunner) closeDone() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.doneClosed {
		close(f.done)
		f.doneClosed = true
	}
}

func (f *fakeRunner) setStartErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

func (f *fakeRunner) setOnSend(hook func(req types.InferenceRequest)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSend = hook
}

func (f *fakeRunner) lastSent(t *testing.T) types.InferenceRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no request was sent")
	}
	return f.sent[len(f.sent)-1]
}

func testPrompts() *types.PromptSet {
	return &types.PromptSet{
		SystemPrompt:       "You monitor a room.",
		UserPromptTemplate: "Watch for {details}.",
		UseCases: []types.UseCase{
			{
				ID:      "fall_detection",
				Options: []string{"No Fall", "Fall"},
				Keywords: map[string][]string{
					"Fall": {"fallen", "on the ground"},
				},
				Details: "a person falling",
			},
		},
	}
}

func testFrame() types.Frame {
	return types.Frame{Width: 8, Height: 8, Data: make([]byte, 8*8*3)}
}

func newTestClient(t *testing.T, fake *fakeRunner, cfg Config) *Client {
	t.Helper()
	if cfg.Prompts == nil {
		cfg.Prompts = testPrompts()
	}
	c, err := NewClient(cfg, fake)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	c.restartFirstWait = 10 * time.Millisecond
	c.restartRetryWait = 10 * time.Millisecond
	return c
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// A monitoring result carries the classified label while keeping the raw
// model text, and the request is built from the use case's prompt table.
func TestSubmitMonitoringClassifies(t *testing.T) {
	fake := newFakeRunner()
	fake.setOnSend(func(req types.InferenceRequest) {
		fake.events <- worker.Event{
			Kind:    worker.EventResult,
			ID:      req.ID,
			Answer:  "the person has fallen near the bed",
			Raw:     "the person has fallen near the bed",
			Elapsed: "1.20s",
		}
	})

	c := newTestClient(t, fake, Config{MonitorTimeout: 2 * time.Second})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Shutdown()

	out := c.SubmitMonitoring(context.Background(), testFrame())
	if out.Err != nil {
		t.Fatalf("outcome error: %v", out.Err)
	}
	if out.Result.Answer != "Fall" {
		t.Errorf("answer = %q, want classified label Fall", out.Result.Answer)
	}
	if out.Result.Raw != "the person has fallen near the bed" {
		t.Errorf("raw = %q, want untouched model text", out.Result.Raw)
	}
	if out.Result.Elapsed != "1.20s" {
		t.Errorf("elapsed = %q", out.Result.Elapsed)
	}

	req := fake.lastSent(t)
	if req.Trigger != "fall_detection" {
		t.Errorf("trigger = %q", req.Trigger)
	}
	if req.UserPrompt != "Watch for a person falling." {
		t.Errorf("user prompt = %q, details not substituted", req.UserPrompt)
	}
	if req.MaxTokens != 40 {
		t.Errorf("max tokens = %d, want monitoring default", req.MaxTokens)
	}
	if req.ID == "" {
		t.Error("request has no ID")
	}
	if len(req.Image) != 336*336*3 {
		t.Errorf("image size = %d, want preprocessed tensor", len(req.Image))
	}
}

// Interactive answers stay raw and stream through the token callback; the
// request uses the custom trigger with the larger token budget.
func TestSubmitInteractiveStreamsTokens(t *testing.T) {
	fake := newFakeRunner()
	fake.setOnSend(func(req types.InferenceRequest) {
		fake.events <- worker.Event{Kind: worker.EventToken, ID: req.ID, Text: "A "}
		fake.events <- worker.Event{Kind: worker.EventToken, ID: req.ID, Text: "cat"}
		fake.events <- worker.Event{
			Kind: worker.EventResult, ID: req.ID,
			Answer: "A cat", Raw: "A cat", Elapsed: "3.05s",
		}
	})

	var tokensMu sync.Mutex
	var tokens []string
	c := newTestClient(t, fake, Config{
		CustomTimeout: 2 * time.Second,
		OnToken: func(tc types.TokenChunk) {
			tokensMu.Lock()
			tokens = append(tokens, tc.Text)
			tokensMu.Unlock()
		},
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Shutdown()

	out := c.SubmitInteractive(context.Background(), testFrame(), "What animal is this?")
	if out.Err != nil {
		t.Fatalf("outcome error: %v", out.Err)
	}
	if out.Result.Answer != "A cat" {
		t.Errorf("answer = %q, interactive answers must stay raw", out.Result.Answer)
	}

	tokensMu.Lock()
	streamed := strings.Join(tokens, "")
	tokensMu.Unlock()
	if streamed != "A cat" {
		t.Errorf("streamed tokens = %q", streamed)
	}

	req := fake.lastSent(t)
	if req.Trigger != types.TriggerCustom {
		t.Errorf("trigger = %q", req.Trigger)
	}
	if req.UserPrompt != "What animal is this?" {
		t.Errorf("user prompt = %q, want the question verbatim", req.UserPrompt)
	}
	if req.MaxTokens != 200 {
		t.Errorf("max tokens = %d, want interactive budget", req.MaxTokens)
	}
}

// The timed-out request's late response must never be attributed to a later
// request: the second submission resolves with its own answer.
func TestTimeoutNoCrosstalk(t *testing.T) {
	fake := newFakeRunner()

	c := newTestClient(t, fake, Config{MonitorTimeout: 80 * time.Millisecond})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Shutdown()

	// First request: the worker never answers in time.
	out1 := c.SubmitMonitoring(context.Background(), testFrame())
	if !errors.Is(out1.Err, ErrTimeout) {
		t.Fatalf("first outcome = %v, want ErrTimeout", out1.Err)
	}
	staleID := fake.lastSent(t).ID

	// The worker finishes late, between submissions.
	fake.events <- worker.Event{
		Kind: worker.EventResult, ID: staleID,
		Answer: "STALE", Raw: "stale text", Elapsed: "25.00s",
	}

	// Second request answers promptly.
	fake.setOnSend(func(req types.InferenceRequest) {
		fake.events <- worker.Event{
			Kind: worker.EventResult, ID: req.ID,
			Answer: "all clear", Raw: "all clear", Elapsed: "0.90s",
		}
	})

	out2 := c.SubmitMonitoring(context.Background(), testFrame())
	if out2.Err != nil {
		t.Fatalf("second outcome error: %v", out2.Err)
	}
	if out2.Result.Raw != "all clear" {
		t.Errorf("second raw = %q, stale response leaked through", out2.Result.Raw)
	}
	if out2.Result.Answer == "STALE" {
		t.Error("stale answer attributed to the second request")
	}

	if m := c.Metrics(); m.Timeouts != 1 {
		t.Errorf("timeouts = %d, want 1", m.Timeouts)
	}
}

// A generation failure inside the worker arrives answer-shaped and is not
// run through the classifier.
func TestGenerationErrorPassesThrough(t *testing.T) {
	fake := newFakeRunner()
	fake.setOnSend(func(req types.InferenceRequest) {
		fake.events <- worker.Event{
			Kind: worker.EventResult, ID: req.ID,
			Answer: "Error: generation aborted", Raw: "", Elapsed: "0.40s",
		}
	})

	c := newTestClient(t, fake, Config{MonitorTimeout: 2 * time.Second})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Shutdown()

	out := c.SubmitMonitoring(context.Background(), testFrame())
	if out.Err != nil {
		t.Fatalf("outcome error: %v", out.Err)
	}
	if out.Result.Answer != "Error: generation aborted" {
		t.Errorf("answer = %q, error text must pass through unclassified", out.Result.Answer)
	}
}

// A worker that fails to start leaves the client degraded, not broken:
// submissions fail fast with ErrWorkerUnavailable and the watchdog brings
// the worker up once it recovers.
func TestStartFailureDegradedThenRecovers(t *testing.T) {
	fake := newFakeRunner()
	fake.setStartErr(errors.New("no accelerator device"))

	// Generous retry budget so the recovery below cannot race the watchdog
	// giving up.
	c := newTestClient(t, fake, Config{MonitorTimeout: time.Second, RestartMax: 100})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Shutdown()

	out := c.SubmitMonitoring(context.Background(), testFrame())
	if !errors.Is(out.Err, ErrWorkerUnavailable) {
		t.Fatalf("outcome = %v, want ErrWorkerUnavailable", out.Err)
	}

	// Device comes back; the watchdog retry picks it up.
	fake.setOnSend(func(req types.InferenceRequest) {
		fake.events <- worker.Event{
			Kind: worker.EventResult, ID: req.ID,
			Answer: "nothing to report", Raw: "nothing to report", Elapsed: "1.00s",
		}
	})
	fake.setStartErr(nil)

	waitFor(t, 2*time.Second, c.WorkerActive)

	out = c.SubmitMonitoring(context.Background(), testFrame())
	if out.Err != nil {
		t.Fatalf("outcome after recovery: %v", out.Err)
	}
}

// An unexpected worker exit mid-request resolves that request with
// ErrWorkerUnavailable and triggers a restart.
func TestCrashMidRequestRestarts(t *testing.T) {
	fake := newFakeRunner()
	fake.setOnSend(func(req types.InferenceRequest) {
		fake.crash()
	})

	c := newTestClient(t, fake, Config{MonitorTimeout: 2 * time.Second})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Shutdown()

	out := c.SubmitMonitoring(context.Background(), testFrame())
	if !errors.Is(out.Err, ErrWorkerUnavailable) {
		t.Fatalf("outcome = %v, want ErrWorkerUnavailable", out.Err)
	}

	waitFor(t, 2*time.Second, c.WorkerActive)

	if m := c.Metrics(); m.Restarts != 1 {
		t.Errorf("restarts = %d, want 1", m.Restarts)
	}
}

// Shutdown is bounded, idempotent, and leaves later submissions failing
// fast.
func TestShutdownBounded(t *testing.T) {
	fake := newFakeRunner()
	c := newTestClient(t, fake, Config{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	start := time.Now()
	if err := c.Shutdown(); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Shutdown took %v", elapsed)
	}

	if err := c.Shutdown(); err != nil {
		t.Errorf("second Shutdown failed: %v", err)
	}

	out := c.SubmitMonitoring(context.Background(), testFrame())
	if !errors.Is(out.Err, ErrWorkerUnavailable) {
		t.Errorf("outcome after shutdown = %v, want ErrWorkerUnavailable", out.Err)
	}
}

// Client construction validates the prompt set and use case selection.
func TestNewClientValidation(t *testing.T) {
	fake := newFakeRunner()

	if _, err := NewClient(Config{}, fake); err == nil {
		t.Error("expected error for nil prompts")
	}
	if _, err := NewClient(Config{Prompts: testPrompts(), UseCase: "nope"}, fake); err == nil {
		t.Error("expected error for unknown use case")
	}

	c, err := NewClient(Config{Prompts: testPrompts()}, fake)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.UseCaseID() != "fall_detection" {
		t.Errorf("default use case = %q, want first declared", c.UseCaseID())
	}
}
