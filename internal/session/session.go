// Package session drives the interaction loop between the video stream, the
// console, and the VLM backend. A single goroutine owns the state machine;
// frames, typed lines, and inference outcomes are polled rather than waited
// on, so a slow model can never stall the live view.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/vigil/internal/backend"
	"github.com/care/vigil/internal/display"
	"github.com/care/vigil/internal/emitter"
	"github.com/care/vigil/internal/types"
	"github.com/care/vigil/internal/worker"
)

// DefaultQuestion is substituted when the operator presses Enter without
// typing anything.
const DefaultQuestion = "Describe the image"

const (
	// tick bounds how stale input and outcome polling can get when no
	// frames are flowing.
	tick = 50 * time.Millisecond

	// rawPreviewLimit truncates the raw model output on monitoring lines.
	rawPreviewLimit = 80
)

// Console status tags for monitoring results.
const (
	tagOK   = "[OK]"
	tagWarn = "[WARN]"
	tagInfo = "[INFO]"
)

// State identifies the interaction mode. Transitions are driven only by typed
// lines and inference completions, so replaying the same inputs against the
// same outcomes reproduces the same sequence.
type State int32

const (
	// StateMonitoring runs cooldown-gated inference on live frames.
	StateMonitoring State = iota
	// StateAwaitQuestion holds a frozen frame while the operator types.
	StateAwaitQuestion
	// StateAwaitAnswer has a question in flight against the frozen frame.
	StateAwaitAnswer
	// StateAwaitContinue shows the answer until the operator confirms.
	StateAwaitContinue
)

func (s State) String() string {
	switch s {
	case StateMonitoring:
		return "monitoring"
	case StateAwaitQuestion:
		return "awaiting_question"
	case StateAwaitAnswer:
		return "awaiting_answer"
	case StateAwaitContinue:
		return "awaiting_continue"
	default:
		return "unknown"
	}
}

// FrameSource is the slice of a stream provider the session consumes.
type FrameSource interface {
	Frames() <-chan types.Frame
	Stats() types.StreamStats
}

// LineSource yields completed console lines without blocking.
type LineSource interface {
	Poll() (string, bool)
}

// Inference is the slice of the backend client the session drives.
type Inference interface {
	SubmitMonitoring(ctx context.Context, frame types.Frame) types.InferenceOutcome
	SubmitInteractive(ctx context.Context, frame types.Frame, question string) types.InferenceOutcome
	WorkerActive() bool
	UseCaseID() string
	Metrics() backend.Metrics
	WorkerMetrics() worker.Metrics
}

// Config wires the session's collaborators. Source, Backend, and Lines are
// required; the rest default to no-ops.
type Config struct {
	Source  FrameSource
	Backend Inference
	Lines   LineSource
	Display display.Display
	Emitter emitter.Emitter

	// Mode labels the start banner: "VIDEO", "CAMERA", or "MOCK".
	Mode string
	// Cooldown is the minimum gap between monitoring inferences, measured
	// from result consumption rather than submission.
	Cooldown time.Duration
	// EventsTopic receives monitoring and interactive results, WorkerTopic
	// receives worker availability changes, and HealthTopic receives
	// periodic health snapshots. Empty disables the topic.
	EventsTopic string
	WorkerTopic string
	HealthTopic string
	// InstanceID stamps published events.
	InstanceID string
	// Output receives operator-facing text. Defaults to os.Stdout.
	Output io.Writer
}

// Session owns the interaction state machine. All mutable state is confined
// to the Run goroutine; only the atomic counters and the state word are read
// from outside, by the health server.
type Session struct {
	cfg     Config
	out     io.Writer
	started time.Time

	ctx context.Context
	wg  sync.WaitGroup

	state   int32
	running atomic.Bool

	lastFrame types.Frame
	frozen    types.Frame
	monFrame  types.Frame

	monOutcome   chan types.InferenceOutcome
	intOutcome   chan types.InferenceOutcome
	lastQuestion string
	lastConsumed time.Time

	workerWasDown bool

	monitorRuns uint64
	detections  uint64
	warnings    uint64
	questions   uint64
	answers     uint64
}

// New validates the wiring and returns a session ready to Run.
func New(cfg Config) (*Session, error) {
	if cfg.Source == nil {
		return nil, errors.New("frame source is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("inference backend is required")
	}
	if cfg.Lines == nil {
		return nil, errors.New("line source is required")
	}
	if cfg.Display == nil {
		cfg.Display = display.Nop{}
	}
	if cfg.Emitter == nil {
		cfg.Emitter = emitter.Nop{}
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.Mode == "" {
		cfg.Mode = "STREAM"
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}

	return &Session{
		cfg:     cfg,
		out:     cfg.Output,
		started: time.Now(),
	}, nil
}

// State reports the current interaction mode.
func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Session) setState(next State) {
	prev := State(atomic.SwapInt32(&s.state, int32(next)))
	if prev != next {
		slog.Debug("session state changed", "from", prev.String(), "to", next.String())
	}
}

// Run drives the state machine until the context is cancelled or the frame
// source closes. In-flight inference goroutines are waited for before
// returning; their outcome channels are buffered so none can leak.
func (s *Session) Run(ctx context.Context) error {
	s.ctx = ctx
	// Backdate the cooldown anchor so the first monitoring inference
	// fires as soon as a frame arrives.
	s.lastConsumed = time.Now().Add(-s.cfg.Cooldown)
	s.setState(StateMonitoring)
	s.running.Store(true)
	defer s.running.Store(false)
	defer s.wg.Wait()

	s.banner(fmt.Sprintf("%s STARTED  |  ENTER=ask  Ctrl-C=quit", s.cfg.Mode))
	slog.Info("session started",
		"mode", s.cfg.Mode,
		"use_case", s.cfg.Backend.UseCaseID(),
		"cooldown", s.cfg.Cooldown,
	)

	if s.cfg.HealthTopic != "" {
		s.wg.Add(1)
		go s.healthLoop(ctx)
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("session stopping", "reason", "shutdown requested")
			return nil

		case frame, ok := <-s.cfg.Source.Frames():
			if !ok {
				slog.Info("session stopping", "reason", "frame source ended")
				return nil
			}
			s.lastFrame = frame
			if err := s.cfg.Display.Show(display.PaneLive, frame); err != nil {
				slog.Debug("live pane update failed", "error", err)
			}

		case <-ticker.C:
		}

		s.step()
	}
}

// step advances the state machine by one poll.
func (s *Session) step() {
	switch s.State() {
	case StateMonitoring:
		s.stepMonitoring()
	case StateAwaitQuestion:
		s.stepAwaitQuestion()
	case StateAwaitAnswer:
		s.stepAwaitAnswer()
	case StateAwaitContinue:
		s.stepAwaitContinue()
	}
}

func (s *Session) stepMonitoring() {
	if _, ok := s.cfg.Lines.Poll(); ok {
		s.freeze()
		return
	}

	// A result submitted before a freeze is consumed here, not while
	// frozen, so the cooldown clock restarts only once monitoring is
	// visible again.
	if s.monOutcome != nil {
		select {
		case out := <-s.monOutcome:
			s.monOutcome = nil
			s.consumeMonitoring(out)
		default:
			return
		}
	}

	s.maybeSubmit()
}

// maybeSubmit starts a monitoring inference when a frame exists, the cooldown
// has elapsed, and the worker is up. At most one request is ever in flight.
func (s *Session) maybeSubmit() {
	if len(s.lastFrame.Data) == 0 {
		return
	}
	if time.Since(s.lastConsumed) < s.cfg.Cooldown {
		return
	}
	if !s.cfg.Backend.WorkerActive() {
		s.noteWorkerDown()
		return
	}
	s.noteWorkerUp()

	frame := s.lastFrame
	ch := make(chan types.InferenceOutcome, 1)
	s.monOutcome = ch
	s.monFrame = frame
	atomic.AddUint64(&s.monitorRuns, 1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ch <- s.cfg.Backend.SubmitMonitoring(s.ctx, frame)
	}()

	if err := s.cfg.Display.Show(display.PaneAnalysis, frame); err != nil {
		slog.Debug("analysis pane update failed", "error", err)
	}
}

// consumeMonitoring prints one status line per result and restarts the
// cooldown clock.
func (s *Session) consumeMonitoring(out types.InferenceOutcome) {
	s.lastConsumed = time.Now()
	stamp := time.Now().Format("15:04:05")

	if out.Err != nil {
		atomic.AddUint64(&s.warnings, 1)
		fmt.Fprintf(s.out, "[%s] %s %v\n", stamp, tagWarn, out.Err)
		return
	}

	res := out.Result
	tag := severityTag(res.Answer)
	switch tag {
	case tagWarn:
		atomic.AddUint64(&s.warnings, 1)
	case tagInfo:
		atomic.AddUint64(&s.detections, 1)
	}

	line := fmt.Sprintf("[%s] %s %s", stamp, tag, res.Answer)
	if res.Raw != "" {
		line += fmt.Sprintf(" [raw: %s]", rawPreview(res.Raw))
	}
	if res.Elapsed != "" {
		line += " | " + res.Elapsed
	}
	fmt.Fprintln(s.out, line)

	s.publishMonitoring(res, tag)
}

// freeze pins the newest live frame and opens the question prompt. A
// monitoring request already in flight keeps running; its result is held
// until monitoring resumes.
func (s *Session) freeze() {
	if len(s.lastFrame.Data) == 0 {
		slog.Debug("ignoring input, no frame received yet")
		return
	}
	s.frozen = s.lastFrame
	s.setState(StateAwaitQuestion)
	if err := s.cfg.Display.Show(display.PaneAnalysis, s.frozen); err != nil {
		slog.Debug("analysis pane update failed", "error", err)
	}
	fmt.Fprint(s.out, "\n\nQuestion (Enter='Describe the image'): ")
}

func (s *Session) stepAwaitQuestion() {
	line, ok := s.cfg.Lines.Poll()
	if !ok {
		return
	}
	s.submitQuestion(line)
}

func (s *Session) submitQuestion(line string) {
	question := strings.TrimSpace(line)
	if question == "" {
		question = DefaultQuestion
		fmt.Fprintf(s.out, "=> %s\n", question)
	}

	if !s.cfg.Backend.WorkerActive() {
		fmt.Fprint(s.out, "[ERROR] Device not ready.\nPress Enter...\n")
		s.setState(StateAwaitContinue)
		return
	}

	fmt.Fprintln(s.out, "Processing...")
	atomic.AddUint64(&s.questions, 1)

	frame := s.frozen
	ch := make(chan types.InferenceOutcome, 1)
	s.intOutcome = ch
	s.lastQuestion = question

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ch <- s.cfg.Backend.SubmitInteractive(s.ctx, frame, question)
	}()

	s.setState(StateAwaitAnswer)
}

// stepAwaitAnswer leaves typed lines buffered while the model is thinking;
// an Enter pressed early skips the continue prompt the moment it appears.
func (s *Session) stepAwaitAnswer() {
	if s.intOutcome == nil {
		return
	}
	select {
	case out := <-s.intOutcome:
		s.intOutcome = nil
		s.consumeInteractive(out)
	default:
	}
}

func (s *Session) consumeInteractive(out types.InferenceOutcome) {
	atomic.AddUint64(&s.answers, 1)

	var answer, raw, elapsed string
	switch {
	case errors.Is(out.Err, backend.ErrTimeout):
		answer = "Error: request timed out"
	case out.Err != nil:
		answer = fmt.Sprintf("Error: %v", out.Err)
	default:
		answer, raw, elapsed = out.Result.Answer, out.Result.Raw, out.Result.Elapsed
	}

	// Streamed tokens were already printed as they arrived. Error-shaped
	// answers never stream, so print those in full.
	if out.Err != nil || (raw == "" && strings.HasPrefix(answer, "Error:")) {
		atomic.AddUint64(&s.warnings, 1)
		fmt.Fprintln(s.out, answer)
	}

	s.publishInteractive(answer, elapsed)

	s.setState(StateAwaitContinue)
	fmt.Fprint(s.out, "\n\nPress Enter to continue...\n")
}

func (s *Session) stepAwaitContinue() {
	if _, ok := s.cfg.Lines.Poll(); !ok {
		return
	}
	s.resume()
}

// resume returns to monitoring. The cooldown anchor is left untouched: a
// result consumed just before the freeze keeps its age, so monitoring
// usually restarts with an immediate inference.
func (s *Session) resume() {
	s.frozen = types.Frame{}
	s.setState(StateMonitoring)
	s.banner("RESUMED  |  ENTER=ask  Ctrl-C=quit")
}

func (s *Session) banner(msg string) {
	bar := strings.Repeat("=", 80)
	fmt.Fprintf(s.out, "\n%s\n  %s\n%s\n\n", bar, msg, bar)
}

// severityTag maps an answer to its console status: the quiet sentinel is
// [OK], error-shaped answers are [WARN], anything else is a detection.
func severityTag(answer string) string {
	if answer == types.NoEvent {
		return tagOK
	}
	lower := strings.ToLower(answer)
	if strings.Contains(lower, "error") || strings.Contains(lower, "timeout") {
		return tagWarn
	}
	return tagInfo
}

func rawPreview(raw string) string {
	if len(raw) > rawPreviewLimit {
		return raw[:rawPreviewLimit] + "..."
	}
	return raw
}
