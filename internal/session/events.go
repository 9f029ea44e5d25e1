package session

import (
	"log/slog"
	"time"

	"github.com/care/vigil/internal/types"
)

// monitoringEvent is published to the events topic for every consumed
// monitoring result.
type monitoringEvent struct {
	Type       string    `json:"type"`
	InstanceID string    `json:"instance_id"`
	UseCase    string    `json:"use_case"`
	Answer     string    `json:"answer"`
	Raw        string    `json:"raw,omitempty"`
	Severity   string    `json:"severity"`
	Elapsed    string    `json:"elapsed,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// interactiveEvent is published to the events topic for every answered
// question, including error-shaped answers.
type interactiveEvent struct {
	Type       string    `json:"type"`
	InstanceID string    `json:"instance_id"`
	UseCase    string    `json:"use_case"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	Elapsed    string    `json:"elapsed,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// workerEvent is published to the worker topic on availability changes.
type workerEvent struct {
	Type       string    `json:"type"`
	InstanceID string    `json:"instance_id"`
	Status     string    `json:"status"`
	Restarts   uint32    `json:"restarts"`
	Timestamp  time.Time `json:"timestamp"`
}

func (s *Session) publishMonitoring(res *types.InferenceResult, tag string) {
	severity := "info"
	switch tag {
	case tagOK:
		severity = "ok"
	case tagWarn:
		severity = "warn"
	}

	s.publish(s.cfg.EventsTopic, monitoringEvent{
		Type:       "monitoring",
		InstanceID: s.cfg.InstanceID,
		UseCase:    s.cfg.Backend.UseCaseID(),
		Answer:     res.Answer,
		Raw:        res.Raw,
		Severity:   severity,
		Elapsed:    res.Elapsed,
		TraceID:    s.monFrame.TraceID,
		Timestamp:  time.Now().UTC(),
	})
}

func (s *Session) publishInteractive(answer, elapsed string) {
	s.publish(s.cfg.EventsTopic, interactiveEvent{
		Type:       "interactive",
		InstanceID: s.cfg.InstanceID,
		UseCase:    s.cfg.Backend.UseCaseID(),
		Question:   s.lastQuestion,
		Answer:     answer,
		Elapsed:    elapsed,
		TraceID:    s.frozen.TraceID,
		Timestamp:  time.Now().UTC(),
	})
}

// noteWorkerDown reports the first submission skipped because the worker is
// unavailable. Repeats are silent until the worker comes back.
func (s *Session) noteWorkerDown() {
	if s.workerWasDown {
		return
	}
	s.workerWasDown = true
	slog.Warn("vlm worker unavailable, monitoring paused")
	s.publish(s.cfg.WorkerTopic, workerEvent{
		Type:       "worker",
		InstanceID: s.cfg.InstanceID,
		Status:     "unavailable",
		Restarts:   s.cfg.Backend.Metrics().Restarts,
		Timestamp:  time.Now().UTC(),
	})
}

func (s *Session) noteWorkerUp() {
	if !s.workerWasDown {
		return
	}
	s.workerWasDown = false
	slog.Info("vlm worker recovered, monitoring resumed")
	s.publish(s.cfg.WorkerTopic, workerEvent{
		Type:       "worker",
		InstanceID: s.cfg.InstanceID,
		Status:     "recovered",
		Restarts:   s.cfg.Backend.Metrics().Restarts,
		Timestamp:  time.Now().UTC(),
	})
}

func (s *Session) publish(topic string, payload any) {
	if topic == "" {
		return
	}
	if err := s.cfg.Emitter.Publish(topic, payload); err != nil {
		slog.Warn("event publish failed", "topic", topic, "error", err)
	}
}
