package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/care/vigil/internal/emitter"
)

// healthInterval is the cadence of MQTT health snapshots.
const healthInterval = 30 * time.Second

// InferenceHealth mirrors the backend client counters.
type InferenceHealth struct {
	Submitted uint64 `json:"submitted"`
	Succeeded uint64 `json:"succeeded"`
	Timeouts  uint64 `json:"timeouts"`
	Failures  uint64 `json:"failures"`
	Restarts  uint32 `json:"restarts"`
}

// WorkerHealth mirrors the runner's wire counters.
type WorkerHealth struct {
	RequestsSent    uint64    `json:"requests_sent"`
	ResultsReceived uint64    `json:"results_received"`
	TokensReceived  uint64    `json:"tokens_received"`
	RequestsDropped uint64    `json:"requests_dropped"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

// StreamHealth summarizes the frame source.
type StreamHealth struct {
	Source        string  `json:"source"`
	Resolution    string  `json:"resolution,omitempty"`
	FPSTarget     int     `json:"fps_target"`
	FPSReal       float64 `json:"fps_real"`
	FrameCount    uint64  `json:"frame_count"`
	FramesDropped uint64  `json:"frames_dropped"`
	Errors        uint64  `json:"errors"`
}

// HealthStatus is the readiness payload.
type HealthStatus struct {
	Status          string          `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds   int64           `json:"uptime_seconds"`
	State           string          `json:"state"`
	WorkerActive    bool            `json:"worker_active"`
	StreamConnected bool            `json:"stream_connected"`
	MQTTConnected   bool            `json:"mqtt_connected"`
	MonitorRuns     uint64          `json:"monitor_runs"`
	Detections      uint64          `json:"detections"`
	Warnings        uint64          `json:"warnings"`
	Questions       uint64          `json:"questions"`
	Answers         uint64          `json:"answers"`
	Inference       InferenceHealth `json:"inference"`
	Worker          WorkerHealth    `json:"worker"`
	Stream          StreamHealth    `json:"stream"`
}

// HealthCheck assembles the current health status. Safe to call from any
// goroutine.
func (s *Session) HealthCheck() HealthStatus {
	im := s.cfg.Backend.Metrics()
	wm := s.cfg.Backend.WorkerMetrics()
	sm := s.cfg.Source.Stats()

	status := HealthStatus{
		Status:          "healthy",
		UptimeSeconds:   int64(time.Since(s.started).Seconds()),
		State:           s.State().String(),
		WorkerActive:    s.cfg.Backend.WorkerActive(),
		StreamConnected: sm.IsConnected,
		MonitorRuns:     atomic.LoadUint64(&s.monitorRuns),
		Detections:      atomic.LoadUint64(&s.detections),
		Warnings:        atomic.LoadUint64(&s.warnings),
		Questions:       atomic.LoadUint64(&s.questions),
		Answers:         atomic.LoadUint64(&s.answers),
		Inference: InferenceHealth{
			Submitted: im.Submitted,
			Succeeded: im.Succeeded,
			Timeouts:  im.Timeouts,
			Failures:  im.Failures,
			Restarts:  im.Restarts,
		},
		Worker: WorkerHealth{
			RequestsSent:    wm.RequestsSent,
			ResultsReceived: wm.ResultsReceived,
			TokensReceived:  wm.TokensReceived,
			RequestsDropped: wm.RequestsDropped,
			LastSeenAt:      wm.LastSeenAt,
		},
		Stream: StreamHealth{
			Source:        sm.SourceStream,
			Resolution:    sm.Resolution,
			FPSTarget:     sm.FPSTarget,
			FPSReal:       sm.FPSReal,
			FrameCount:    sm.FrameCount,
			FramesDropped: sm.FramesDropped,
			Errors:        sm.Errors,
		},
	}

	// A no-op emitter has no connection to report; only a real MQTT
	// emitter participates in the degraded calculation.
	mqttKnown := false
	if probe, ok := s.cfg.Emitter.(interface{ Stats() emitter.Stats }); ok {
		mqttKnown = true
		status.MQTTConnected = probe.Stats().Connected
	}

	if !s.running.Load() {
		status.Status = "unhealthy"
	} else if !status.WorkerActive || !status.StreamConnected || (mqttKnown && !status.MQTTConnected) {
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health: 200 whenever the process is alive.
func (s *Session) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// ReadinessHandler handles /readiness: 200 while the session loop runs, 503
// once it has stopped. Degraded states still report ready.
func (s *Session) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := s.HealthCheck()
	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// MetricsHandler handles /metrics with a plain-text counter dump.
func (s *Session) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	health := s.HealthCheck()

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "vigil_uptime_seconds{instance=%q} %d\n", s.cfg.InstanceID, health.UptimeSeconds)
	fmt.Fprintf(w, "vigil_monitor_runs_total %d\n", health.MonitorRuns)
	fmt.Fprintf(w, "vigil_detections_total %d\n", health.Detections)
	fmt.Fprintf(w, "vigil_warnings_total %d\n", health.Warnings)
	fmt.Fprintf(w, "vigil_questions_total %d\n", health.Questions)
	fmt.Fprintf(w, "vigil_worker_restarts_total %d\n", health.Inference.Restarts)
	fmt.Fprintf(w, "vigil_frames_total %d\n", health.Stream.FrameCount)
	fmt.Fprintf(w, "vigil_frames_dropped_total %d\n", health.Stream.FramesDropped)

	if probe, ok := s.cfg.Emitter.(interface{ Stats() emitter.Stats }); ok {
		es := probe.Stats()
		for topic, n := range es.Published {
			fmt.Fprintf(w, "vigil_mqtt_published_total{topic=%q} %d\n", topic, n)
		}
		fmt.Fprintf(w, "vigil_mqtt_errors_total %d\n", es.Errors)
	}
}

// healthLoop publishes a health snapshot to the health topic at a fixed
// cadence.
func (s *Session) healthLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publish(s.cfg.HealthTopic, s.HealthCheck())
		}
	}
}

// StartHealthServer serves the health endpoints on the given port. Runs in a
// background goroutine and does not block.
func (s *Session) StartHealthServer(port string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/metrics", s.MetricsHandler)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server failed", "error", err)
		}
	}()
}
