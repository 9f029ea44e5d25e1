// Package backend is the orchestrator-side handle to the VLM worker: it
// preprocesses frames, submits requests, enforces the per-mode timeouts,
// discards stale responses, and supervises worker restarts after a crash.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/care/vigil/internal/classify"
	"github.com/care/vigil/internal/preprocess"
	"github.com/care/vigil/internal/types"
	"github.com/care/vigil/internal/worker"
)

var (
	// ErrTimeout means the client-side deadline expired. The worker has no
	// internal timeout and may still finish; its late response is drained.
	ErrTimeout = errors.New("inference request timed out")
	// ErrWorkerUnavailable covers worker startup failure, unexpected exit,
	// and submissions while a restart is in progress.
	ErrWorkerUnavailable = errors.New("vlm worker unavailable")
)

// interactiveSystemPrompt frames free-form question answering; the user
// prompt is the typed question verbatim.
const interactiveSystemPrompt = "You are a helpful assistant that analyzes images and answers questions about them."

// Restart backoff after an unexpected worker exit. The first wait is shorter
// because a crashed process usually releases the device quickly; later waits
// give a wedged accelerator time to recover.
const (
	restartFirstWait = 3 * time.Second
	restartRetryWait = 5 * time.Second
)

// Runner abstracts the supervised worker subprocess.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error
	Send(req types.InferenceRequest) error
	Events() <-chan worker.Event
	Done() <-chan struct{}
	Shape() types.TensorShape
	Active() bool
	Metrics() worker.Metrics
}

// Config contains inference client settings
type Config struct {
	// Prompts is the loaded prompt document
	Prompts *types.PromptSet
	// UseCase selects the monitoring use case; empty means the first declared
	UseCase string
	// MonitorTimeout bounds monitoring requests (default 20s)
	MonitorTimeout time.Duration
	// CustomTimeout bounds interactive requests (default 60s)
	CustomTimeout time.Duration
	// MonitorMaxTokens is the generation budget for monitoring requests
	MonitorMaxTokens int
	// CustomMaxTokens is the generation budget for interactive requests
	CustomMaxTokens int
	// RestartMax bounds restart attempts per crash incident
	RestartMax int
	// OnToken observes streaming answer chunks for interactive requests
	OnToken func(types.TokenChunk)
}

// Metrics contains client counters for health reporting
type Metrics struct {
	Submitted uint64
	Succeeded uint64
	Timeouts  uint64
	Failures  uint64
	Restarts  uint32
}

// Client submits inference requests and resolves them to outcomes. Requests
// are correlated by ID; combined with the state machine's at-most-one-in-
// flight rule this makes late responses impossible to misattribute.
type Client struct {
	cfg     Config
	runner  Runner
	useCase *types.UseCase

	// mu serializes the submit/await cycle so the wire carries one request
	// at a time
	mu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	restartFirstWait time.Duration
	restartRetryWait time.Duration

	submitted uint64
	succeeded uint64
	timeouts  uint64
	failures  uint64
	restarts  uint32
}

// NewClient creates an inference client over the given runner.
func NewClient(cfg Config, r Runner) (*Client, error) {
	if cfg.Prompts == nil {
		return nil, fmt.Errorf("prompts are required")
	}
	if len(cfg.Prompts.UseCases) == 0 {
		return nil, fmt.Errorf("at least one use case is required")
	}

	ucID := cfg.UseCase
	if ucID == "" {
		ucID = cfg.Prompts.UseCases[0].ID
	}
	uc := cfg.Prompts.UseCase(ucID)
	if uc == nil {
		return nil, fmt.Errorf("unknown use case %q", ucID)
	}

	if cfg.MonitorTimeout <= 0 {
		cfg.MonitorTimeout = 20 * time.Second
	}
	if cfg.CustomTimeout <= 0 {
		cfg.CustomTimeout = 60 * time.Second
	}
	if cfg.MonitorMaxTokens <= 0 {
		cfg.MonitorMaxTokens = 40
	}
	if cfg.CustomMaxTokens <= 0 {
		cfg.CustomMaxTokens = 200
	}
	if cfg.RestartMax <= 0 {
		cfg.RestartMax = 5
	}

	return &Client{
		cfg:              cfg,
		runner:           r,
		useCase:          uc,
		restartFirstWait: restartFirstWait,
		restartRetryWait: restartRetryWait,
	}, nil
}

// UseCaseID returns the active monitoring use case.
func (c *Client) UseCaseID() string {
	return c.useCase.ID
}

// Start launches the worker. A failed launch is not fatal: the client comes
// up degraded, submissions return ErrWorkerUnavailable, and the watchdog
// keeps retrying with backoff.
func (c *Client) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	err := c.runner.Start(c.ctx)
	if err != nil {
		slog.Error("vlm worker failed to start, will retry", "error", err)
	}

	c.wg.Add(1)
	go c.watchRunner(err != nil)

	return nil
}

// watchRunner restarts the worker after unexpected exits. An exit during
// shutdown is expected and ends the watch.
func (c *Client) watchRunner(needRestart bool) {
	defer c.wg.Done()

	for {
		if needRestart {
			if !c.restartWithBackoff() {
				return
			}
		}
		needRestart = true

		select {
		case <-c.ctx.Done():
			return
		case <-c.runner.Done():
			if c.closed.Load() {
				return
			}
			atomic.AddUint32(&c.restarts, 1)
			slog.Error("vlm worker exited unexpectedly, restarting",
				"restarts", atomic.LoadUint32(&c.restarts),
			)
		}
	}
}

// restartWithBackoff tears the runner down and brings it back up. Gives up
// after RestartMax attempts; the client then stays degraded until an
// operator intervenes.
func (c *Client) restartWithBackoff() bool {
	c.runner.Stop()

	wait := c.restartFirstWait
	for attempt := 1; attempt <= c.cfg.RestartMax; attempt++ {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(wait):
		}
		wait = c.restartRetryWait

		if err := c.runner.Start(c.ctx); err != nil {
			slog.Error("vlm worker restart failed",
				"attempt", attempt,
				"max_attempts", c.cfg.RestartMax,
				"error", err,
			)
			c.runner.Stop()
			continue
		}

		slog.Info("vlm worker restarted", "attempt", attempt)
		return true
	}

	slog.Error("vlm worker restart attempts exhausted, requests will fail",
		"attempts", c.cfg.RestartMax,
	)
	return false
}

// SubmitMonitoring preprocesses the frame, submits it against the session
// use case, and blocks up to the monitoring timeout. The raw model text is
// classified into one of the use case's options.
func (c *Client) SubmitMonitoring(ctx context.Context, frame types.Frame) types.InferenceOutcome {
	if !c.runner.Active() {
		atomic.AddUint64(&c.failures, 1)
		return types.InferenceOutcome{Err: ErrWorkerUnavailable}
	}
	shape := c.runner.Shape()

	tensor, err := preprocess.Convert(frame, shape)
	if err != nil {
		atomic.AddUint64(&c.failures, 1)
		return types.InferenceOutcome{Err: fmt.Errorf("preprocess failed: %w", err)}
	}

	req := types.InferenceRequest{
		ID:           uuid.NewString(),
		Trigger:      c.useCase.ID,
		Image:        tensor,
		Shape:        shape,
		SystemPrompt: c.cfg.Prompts.SystemPrompt,
		UserPrompt:   c.cfg.Prompts.RenderUserPrompt(c.useCase),
		Options:      c.useCase.Options,
		Keywords:     c.useCase.Keywords,
		MaxTokens:    c.cfg.MonitorMaxTokens,
	}

	out := c.exchange(ctx, req, c.cfg.MonitorTimeout)
	if out.Result != nil && !isGenerationError(out.Result) {
		out.Result.Answer = classify.Classify(out.Result.Raw, c.useCase)
	}
	return out
}

// SubmitInteractive freezes the given frame against a free-form question,
// with a larger token budget and a longer timeout for the longer expected
// generation. The answer is the cleaned raw text, never classified.
func (c *Client) SubmitInteractive(ctx context.Context, frame types.Frame, question string) types.InferenceOutcome {
	if !c.runner.Active() {
		atomic.AddUint64(&c.failures, 1)
		return types.InferenceOutcome{Err: ErrWorkerUnavailable}
	}
	shape := c.runner.Shape()

	tensor, err := preprocess.Convert(frame, shape)
	if err != nil {
		atomic.AddUint64(&c.failures, 1)
		return types.InferenceOutcome{Err: fmt.Errorf("preprocess failed: %w", err)}
	}

	req := types.InferenceRequest{
		ID:           uuid.NewString(),
		Trigger:      types.TriggerCustom,
		Image:        tensor,
		Shape:        shape,
		SystemPrompt: interactiveSystemPrompt,
		UserPrompt:   question,
		MaxTokens:    c.cfg.CustomMaxTokens,
	}

	return c.exchange(ctx, req, c.cfg.CustomTimeout)
}

// exchange runs one request/response cycle: submit, then consume events
// until this request's result arrives or the deadline passes. Results whose
// ID does not match are leftovers from a timed-out request and are dropped.
func (c *Client) exchange(ctx context.Context, req types.InferenceRequest, timeout time.Duration) types.InferenceOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	atomic.AddUint64(&c.submitted, 1)

	if c.closed.Load() || !c.runner.Active() {
		atomic.AddUint64(&c.failures, 1)
		return types.InferenceOutcome{Err: ErrWorkerUnavailable}
	}

	if err := c.runner.Send(req); err != nil {
		slog.Warn("vlm worker rejected request",
			"request_id", req.ID,
			"trigger", req.Trigger,
			"error", err,
		)
		atomic.AddUint64(&c.failures, 1)
		return types.InferenceOutcome{Err: ErrWorkerUnavailable}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev := <-c.runner.Events():
			switch ev.Kind {
			case worker.EventToken:
				if ev.ID != req.ID {
					slog.Debug("discarding stale token", "request_id", ev.ID)
					continue
				}
				if c.cfg.OnToken != nil {
					c.cfg.OnToken(types.TokenChunk{RequestID: ev.ID, Text: ev.Text})
				}

			case worker.EventResult:
				if ev.ID != req.ID {
					slog.Debug("discarding stale result",
						"request_id", ev.ID,
						"in_flight", req.ID,
					)
					continue
				}
				atomic.AddUint64(&c.succeeded, 1)
				return types.InferenceOutcome{Result: &types.InferenceResult{
					ID:      ev.ID,
					Answer:  ev.Answer,
					Raw:     ev.Raw,
					Elapsed: ev.Elapsed,
				}}

			case worker.EventFatal:
				slog.Error("vlm worker reported fatal error", "error", ev.Error)
				atomic.AddUint64(&c.failures, 1)
				return types.InferenceOutcome{Err: ErrWorkerUnavailable}
			}

		case <-c.runner.Done():
			slog.Warn("vlm worker exited while request in flight",
				"request_id", req.ID,
			)
			atomic.AddUint64(&c.failures, 1)
			return types.InferenceOutcome{Err: ErrWorkerUnavailable}

		case <-timer.C:
			c.drain(req.ID)
			atomic.AddUint64(&c.timeouts, 1)
			slog.Warn("inference request timed out",
				"request_id", req.ID,
				"trigger", req.Trigger,
				"timeout", timeout,
			)
			return types.InferenceOutcome{Err: ErrTimeout}

		case <-ctx.Done():
			c.drain(req.ID)
			atomic.AddUint64(&c.failures, 1)
			return types.InferenceOutcome{Err: ctx.Err()}
		}
	}
}

// drain purges buffered events after a timeout so a late response cannot be
// misread as the answer to a request submitted later. ID correlation would
// catch it anyway; draining keeps the channel from filling with corpses.
func (c *Client) drain(requestID string) {
	for {
		select {
		case ev := <-c.runner.Events():
			slog.Debug("drained stale event",
				"kind", ev.Kind,
				"request_id", ev.ID,
				"after_timeout_of", requestID,
			)
		default:
			return
		}
	}
}

// isGenerationError recognizes the worker's answer-shaped failure: the
// answer carries the error text and the raw output is empty. These pass
// through unclassified.
func isGenerationError(res *types.InferenceResult) bool {
	return res.Raw == "" && strings.HasPrefix(res.Answer, "Error:")
}

// Shutdown stops the worker: shutdown sentinel, grace period, then force
// kill. Bounded and safe to call exactly once; later calls are no-ops.
func (c *Client) Shutdown() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	slog.Info("shutting down inference client")

	// Stop the worker before cancelling the context: cancellation kills the
	// process outright and would skip the graceful sentinel path.
	err := c.runner.Stop()
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	slog.Info("inference client stopped",
		"submitted", atomic.LoadUint64(&c.submitted),
		"succeeded", atomic.LoadUint64(&c.succeeded),
		"timeouts", atomic.LoadUint64(&c.timeouts),
		"failures", atomic.LoadUint64(&c.failures),
		"restarts", atomic.LoadUint32(&c.restarts),
	)

	return err
}

// Metrics returns current client counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		Submitted: atomic.LoadUint64(&c.submitted),
		Succeeded: atomic.LoadUint64(&c.succeeded),
		Timeouts:  atomic.LoadUint64(&c.timeouts),
		Failures:  atomic.LoadUint64(&c.failures),
		Restarts:  atomic.LoadUint32(&c.restarts),
	}
}

// WorkerMetrics exposes the underlying runner counters for health reporting.
func (c *Client) WorkerMetrics() worker.Metrics {
	return c.runner.Metrics()
}

// WorkerActive reports whether the worker currently accepts requests.
func (c *Client) WorkerActive() bool {
	return c.runner.Active()
}
