// Package worker manages the VLM runner subprocess. The runner owns the
// accelerator device and the loaded model in its own process, so a hang or
// crash in the native inference stack never takes down capture and display.
// Communication is message passing over stdin/stdout; the pipes are the only
// shared resource.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/vigil/internal/types"
)

// ErrNotRunning is returned by Send when no runner process is active.
var ErrNotRunning = errors.New("runner not active")

// Config contains runner subprocess settings
type Config struct {
	// Command is the wrapper script that starts the runner process
	Command string
	// ModelPath is passed to the runner as --model
	ModelPath string
	// Temperature and Seed are fixed generation parameters sent per request
	Temperature float64
	Seed        int
	// StartupTimeout bounds the ready handshake; device scan retries and
	// model load happen inside it
	StartupTimeout time.Duration
	// ShutdownGrace is how long Stop waits after the shutdown sentinel
	// before killing the process
	ShutdownGrace time.Duration
}

// Metrics contains runner counters for health reporting
type Metrics struct {
	RequestsSent    uint64
	ResultsReceived uint64
	TokensReceived  uint64
	RequestsDropped uint64
	LastSeenAt      time.Time
}

// Runner supervises one VLM runner process: spawn, ready handshake, request
// writing, event reading, and bounded shutdown. A stopped Runner can be
// started again; restart after a crash reuses the same instance.
type Runner struct {
	cfg Config

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	input  chan runnerRequest
	events chan Event
	done   chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	isActive atomic.Bool

	// shape is written once per Start during the ready handshake
	shape types.TensorShape

	requestCount uint64
	resultCount  uint64
	tokenCount   uint64
	droppedCount uint64
	lastSeenAt   atomic.Value // time.Time
}

// NewRunner creates a runner supervisor. The process is not spawned until
// Start.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model_path is required")
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.1
	}
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 60 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}

	slog.Info("vlm runner created",
		"command", cfg.Command,
		"model", cfg.ModelPath,
		"temperature", cfg.Temperature,
		"seed", cfg.Seed,
	)

	return &Runner{cfg: cfg}, nil
}

// Start spawns the runner process and blocks until it reports ready or
// fails. A fatal handshake means the device or model could not be loaded;
// the process has already exited when Start returns that error.
func (r *Runner) Start(ctx context.Context) error {
	if r.isActive.Load() {
		return fmt.Errorf("runner already started")
	}

	// Recreate channels: a previous Stop() closed them, and restart after a
	// crash goes through here again.
	r.input = make(chan runnerRequest, 2)
	r.events = make(chan Event, 64)
	r.done = make(chan struct{})

	r.ctx, r.cancel = context.WithCancel(ctx)

	if err := r.spawnProcess(); err != nil {
		r.cancel()
		return fmt.Errorf("failed to spawn runner process: %w", err)
	}

	r.wg.Add(2)
	go r.writeRequests()
	go r.logStderr()

	// Handshake: the first event is ready (with the model's input shape) or
	// fatal (device/model initialization failed, process exits after).
	select {
	case ev := <-r.events:
		switch ev.Kind {
		case EventReady:
			r.shape = types.TensorShape{Width: ev.Width, Height: ev.Height, Channels: ev.Channels}
		case EventFatal:
			r.teardown()
			return fmt.Errorf("runner initialization failed: %s", ev.Error)
		default:
			r.teardown()
			return fmt.Errorf("unexpected %q event during handshake", ev.Kind)
		}
	case <-r.done:
		// The process may have sent its fatal report just before exiting;
		// prefer that message over a generic exit error.
		select {
		case ev := <-r.events:
			if ev.Kind == EventFatal {
				r.teardown()
				return fmt.Errorf("runner initialization failed: %s", ev.Error)
			}
		default:
		}
		r.teardown()
		return fmt.Errorf("runner process exited during startup")
	case <-time.After(r.cfg.StartupTimeout):
		r.teardown()
		return fmt.Errorf("timeout waiting for runner ready after %v", r.cfg.StartupTimeout)
	case <-ctx.Done():
		r.teardown()
		return ctx.Err()
	}

	r.isActive.Store(true)
	r.lastSeenAt.Store(time.Now())

	slog.Info("vlm runner ready",
		"pid", r.cmd.Process.Pid,
		"input_width", r.shape.Width,
		"input_height", r.shape.Height,
		"input_channels", r.shape.Channels,
	)

	return nil
}

// spawnProcess starts the runner subprocess with its pipes wired up.
func (r *Runner) spawnProcess() error {
	r.cmd = exec.CommandContext(
		r.ctx,
		r.cfg.Command,
		"--model", r.cfg.ModelPath,
	)

	stdin, err := r.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	r.stdin = stdin

	stdout, err := r.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	r.stdout = stdout

	stderr, err := r.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	r.stderr = stderr

	if err := r.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start runner process: %w", err)
	}

	slog.Info("runner process spawned",
		"pid", r.cmd.Process.Pid,
		"command", r.cfg.Command,
	)

	r.wg.Add(2)
	go r.readEvents()
	go r.waitProcess()

	return nil
}

// Send queues one request for the runner (non-blocking).
func (r *Runner) Send(req types.InferenceRequest) (err error) {
	// A concurrent Stop() can close the input channel under us.
	defer func() {
		if rec := recover(); rec != nil {
			atomic.AddUint64(&r.droppedCount, 1)
			err = fmt.Errorf("runner channel closed (shutdown in progress)")
		}
	}()

	if !r.isActive.Load() {
		atomic.AddUint64(&r.droppedCount, 1)
		return ErrNotRunning
	}

	msg := runnerRequest{
		Kind:         kindRequest,
		ID:           req.ID,
		Trigger:      req.Trigger,
		Image:        req.Image,
		Width:        req.Shape.Width,
		Height:       req.Shape.Height,
		Channels:     req.Shape.Channels,
		SystemPrompt: req.SystemPrompt,
		UserPrompt:   req.UserPrompt,
		Options:      req.Options,
		Keywords:     req.Keywords,
		MaxTokens:    req.MaxTokens,
		Temperature:  r.cfg.Temperature,
		Seed:         r.cfg.Seed,
	}

	select {
	case r.input <- msg:
		atomic.AddUint64(&r.requestCount, 1)
		return nil
	default:
		atomic.AddUint64(&r.droppedCount, 1)
		return fmt.Errorf("runner input buffer full")
	}
}

// Events returns the channel of runner events (tokens, results).
func (r *Runner) Events() <-chan Event {
	return r.events
}

// Done is closed when the runner process exits, expectedly or not.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Shape returns the model input tensor shape from the ready handshake.
// Valid after a successful Start.
func (r *Runner) Shape() types.TensorShape {
	return r.shape
}

// Active reports whether the runner accepts requests.
func (r *Runner) Active() bool {
	return r.isActive.Load()
}

// writeRequests serializes queued requests onto the runner's stdin. The
// shutdown sentinel is the last message written.
func (r *Runner) writeRequests() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return

		case msg, ok := <-r.input:
			if !ok {
				return
			}

			if err := r.writeWithTimeout(msg); err != nil {
				slog.Error("failed to send request to vlm runner",
					"request_id", msg.ID,
					"kind", msg.Kind,
					"error", err,
				)
				// A single failed write is not fatal here. If the runner is
				// hung the client-side timeout and restart path take over.
				continue
			}

			if msg.Kind == kindShutdown {
				return
			}
		}
	}
}

// writeWithTimeout writes one frame to stdin, bounded so a hung runner
// cannot block the write loop forever.
func (r *Runner) writeWithTimeout(msg runnerRequest) error {
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeFrame(r.stdin, msg)
	}()

	select {
	case err := <-writeErr:
		return err
	case <-time.After(2 * time.Second):
		return fmt.Errorf("stdin write timeout (runner may be hung)")
	case <-r.ctx.Done():
		return fmt.Errorf("runner context cancelled during write")
	}
}

// readEvents reads protocol frames from the runner's stdout and fans them
// into the events channel.
func (r *Runner) readEvents() {
	defer r.wg.Done()

	for {
		var ev Event
		err := readFrame(r.stdout, &ev)
		if err == io.EOF {
			slog.Debug("runner stdout closed (EOF)")
			return
		}
		if err != nil {
			// Framing is broken; nothing sensible can be read after this.
			slog.Error("failed to read event from vlm runner", "error", err)
			return
		}

		r.lastSeenAt.Store(time.Now())
		switch ev.Kind {
		case EventResult:
			atomic.AddUint64(&r.resultCount, 1)
		case EventToken:
			atomic.AddUint64(&r.tokenCount, 1)
		}

		select {
		case r.events <- ev:
		default:
			slog.Warn("dropping runner event, channel full",
				"kind", ev.Kind,
				"request_id", ev.ID,
			)
		}
	}
}

// logStderr forwards runner log lines to slog, mapping the runner's level
// tags so its errors surface at the right level.
func (r *Runner) logStderr() {
	defer r.wg.Done()

	scanner := bufio.NewScanner(r.stderr)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]", "[FATAL]"):
			slog.Error("vlm runner error", "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			slog.Warn("vlm runner warning", "log", line)
		default:
			// [INFO], [DEBUG], or unformatted output
			slog.Debug("vlm runner log", "log", line)
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Error("error reading runner stderr", "error", err)
	}
}

// waitProcess reaps the runner process and closes Done.
func (r *Runner) waitProcess() {
	defer r.wg.Done()
	defer close(r.done)

	if r.cmd == nil || r.cmd.Process == nil {
		return
	}

	err := r.cmd.Wait()

	if err != nil {
		select {
		case <-r.ctx.Done():
			slog.Debug("runner process exited (shutdown)",
				"pid", r.cmd.Process.Pid,
			)
		default:
			slog.Error("runner process exited unexpectedly",
				"pid", r.cmd.Process.Pid,
				"error", err,
			)
		}
	} else {
		slog.Info("runner process exited cleanly",
			"pid", r.cmd.Process.Pid,
		)
	}
}

// Stop sends the shutdown sentinel, waits up to the grace period for a clean
// exit, and kills the process if it is still alive. Safe to call more than
// once; only the first call does the work. Never blocks indefinitely.
func (r *Runner) Stop() error {
	if !r.isActive.CompareAndSwap(true, false) {
		return nil
	}

	slog.Info("stopping vlm runner")

	// The sentinel goes through the input channel so it serializes behind
	// any in-flight request write.
	func() {
		defer func() { recover() }()
		select {
		case r.input <- runnerRequest{Kind: kindShutdown}:
		case <-time.After(500 * time.Millisecond):
			slog.Warn("could not queue shutdown sentinel, input busy")
		}
	}()

	select {
	case <-r.done:
	case <-time.After(r.cfg.ShutdownGrace):
		slog.Warn("runner did not exit within grace period, killing",
			"grace", r.cfg.ShutdownGrace,
		)
		if r.cmd != nil && r.cmd.Process != nil {
			if err := r.cmd.Process.Kill(); err != nil {
				slog.Error("failed to kill runner process", "error", err)
			}
		}
		select {
		case <-r.done:
		case <-time.After(time.Second):
		}
	}

	r.teardown()

	// Close input so a racing Send fails fast instead of queueing into a
	// dead process. Send recovers from the resulting panic.
	func() {
		defer func() { recover() }()
		close(r.input)
	}()

	slog.Info("vlm runner stopped",
		"requests_sent", atomic.LoadUint64(&r.requestCount),
		"results_received", atomic.LoadUint64(&r.resultCount),
		"requests_dropped", atomic.LoadUint64(&r.droppedCount),
	)

	return nil
}

// teardown cancels goroutines and waits for them, bounded.
func (r *Runner) teardown() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.stdin != nil {
		r.stdin.Close()
	}

	stopped := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		slog.Warn("runner goroutines did not stop cleanly")
	}
}

// Metrics returns current runner counters.
func (r *Runner) Metrics() Metrics {
	var lastSeen time.Time
	if val := r.lastSeenAt.Load(); val != nil {
		lastSeen = val.(time.Time)
	}

	return Metrics{
		RequestsSent:    atomic.LoadUint64(&r.requestCount),
		ResultsReceived: atomic.LoadUint64(&r.resultCount),
		TokensReceived:  atomic.LoadUint64(&r.tokenCount),
		RequestsDropped: atomic.LoadUint64(&r.droppedCount),
		LastSeenAt:      lastSeen,
	}
}

// containsAny checks if string contains any of the given substrings
func containsAny(s string, substrs ...string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
