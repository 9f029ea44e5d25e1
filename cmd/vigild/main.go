// Command vigild runs the VLM monitoring loop: it captures frames, drives
// the accelerator worker subprocess, and serves the interactive console.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/care/vigil/internal/backend"
	"github.com/care/vigil/internal/config"
	"github.com/care/vigil/internal/diagnose"
	"github.com/care/vigil/internal/display"
	"github.com/care/vigil/internal/emitter"
	"github.com/care/vigil/internal/input"
	"github.com/care/vigil/internal/session"
	"github.com/care/vigil/internal/stream"
	"github.com/care/vigil/internal/types"
	"github.com/care/vigil/internal/worker"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	promptsPath := flag.String("prompts", "", "Prompts YAML file")
	cameraIndex := flag.Int("camera", 0, "Camera index for /dev/video<N>")
	videoPath := flag.String("video", "", "Video file or folder")
	mock := flag.Bool("mock", false, "Use the synthetic frame source")
	modelPath := flag.String("model", "", "HEF model path")
	useCase := flag.String("usecase", "", "Monitoring use case ID")
	scale := flag.Float64("scale", 1.0, "Display scale (0.5=half)")
	noDisplay := flag.Bool("no-display", false, "Disable the display panes")
	cooldownMS := flag.Int("cooldown", 1000, "Pause between inferences in ms")
	mqttBroker := flag.String("mqtt", "", "MQTT broker address")
	debug := flag.Bool("debug", false, "Enable debug logging")
	runDiagnose := flag.Bool("diagnose", false, "Probe the accelerator and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("vigild " + version)
		return
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	// Logs go to stderr; stdout belongs to the interactive console.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Explicit flags override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "prompts":
			cfg.Session.PromptsPath = *promptsPath
		case "camera":
			cfg.Source.CameraIndex = *cameraIndex
		case "video":
			cfg.Source.VideoPath = *videoPath
		case "model":
			cfg.Worker.ModelPath = *modelPath
		case "usecase":
			cfg.Session.UseCase = *useCase
		case "scale":
			cfg.Display.Scale = *scale
		case "no-display":
			cfg.Display.Enabled = !*noDisplay
		case "cooldown":
			cfg.Session.CooldownMS = *cooldownMS
		case "mqtt":
			cfg.MQTT.Broker = *mqttBroker
		}
	})
	if err := config.Validate(cfg); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if *runDiagnose {
		if err := diagnose.Run(context.Background(), cfg.Worker.Command, os.Stdout); err != nil {
			slog.Error("device diagnostics failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, *mock); err != nil {
		slog.Error("vigild failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, mock bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if cfg.Session.PromptsPath == "" {
		return errors.New("prompts file is required (use -prompts)")
	}
	prompts, err := config.LoadPrompts(cfg.Session.PromptsPath)
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}

	var src stream.Provider
	var playlist []string
	mode := "CAMERA"
	inputDesc := fmt.Sprintf("Camera %d", cfg.Source.CameraIndex)
	switch {
	case mock:
		mode = "MOCK"
		inputDesc = "mock"
		src = stream.NewMockStream(640, 480, cfg.Source.FPS, "mock")
	case cfg.Source.VideoPath != "":
		mode = "VIDEO"
		inputDesc = cfg.Source.VideoPath
		fs, err := stream.NewFileStream(cfg.Source.VideoPath)
		if err != nil {
			return fmt.Errorf("failed to open video source: %w", err)
		}
		playlist = fs.Playlist()
		src = fs
	default:
		cam, err := stream.NewCameraStream(stream.CameraConfig{
			Index: cfg.Source.CameraIndex,
			FPS:   cfg.Source.FPS,
		})
		if err != nil {
			return fmt.Errorf("failed to open camera: %w", err)
		}
		src = cam
	}

	fmt.Printf("vigild %s (HailoRT VLM)\n", version)
	fmt.Printf("  Model:    %s\n", cfg.Worker.ModelPath)
	fmt.Printf("  Input:    %s\n", inputDesc)
	fmt.Printf("  Scale:    %.1f\n", cfg.Display.Scale)
	fmt.Printf("  Cooldown: %d ms\n", cfg.Session.CooldownMS)
	if len(playlist) > 0 {
		fmt.Printf("Playlist (%d files):\n", len(playlist))
		for i, p := range playlist {
			fmt.Printf("  [%d] %s\n", i, p)
		}
	}

	runner, err := worker.NewRunner(worker.Config{
		Command:        cfg.Worker.Command,
		ModelPath:      cfg.Worker.ModelPath,
		Temperature:    cfg.Worker.Temperature,
		Seed:           cfg.Worker.Seed,
		StartupTimeout: time.Duration(cfg.Worker.StartupTimeoutS) * time.Second,
		ShutdownGrace:  time.Duration(cfg.Worker.ShutdownGraceS) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker runner: %w", err)
	}

	client, err := backend.NewClient(backend.Config{
		Prompts:          prompts,
		UseCase:          cfg.Session.UseCase,
		MonitorTimeout:   time.Duration(cfg.Worker.MonitorTimeoutS) * time.Second,
		CustomTimeout:    time.Duration(cfg.Worker.CustomTimeoutS) * time.Second,
		MonitorMaxTokens: cfg.Worker.MaxTokens,
		CustomMaxTokens:  cfg.Worker.CustomMaxTokens,
		RestartMax:       cfg.Worker.RestartMax,
		OnToken: func(chunk types.TokenChunk) {
			fmt.Print(chunk.Text)
		},
	}, runner)
	if err != nil {
		return fmt.Errorf("failed to create inference client: %w", err)
	}

	// Display and MQTT are optional; both degrade to no-ops.
	var disp display.Display = display.Nop{}
	if cfg.Display.Enabled {
		disp = display.NewWindow(cfg.Display.Scale)
	}

	var emit emitter.Emitter = emitter.Nop{}
	if cfg.MQTT.Broker != "" {
		m := emitter.NewMQTT(cfg.MQTT.Broker, cfg.InstanceID, cfg.MQTT.QoS)
		if err := m.Connect(ctx); err != nil {
			// Auto-reconnect keeps trying in the background.
			slog.Warn("mqtt broker not reachable yet", "error", err)
		}
		emit = m
	}

	lines := input.NewReader(os.Stdin)
	lines.Start(ctx)

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start inference client: %w", err)
	}
	if !client.WorkerActive() {
		fmt.Println("WARNING: Device not ready.")
	}

	if err := src.Start(ctx); err != nil {
		client.Shutdown()
		return fmt.Errorf("failed to start %s source: %w", mode, err)
	}

	sess, err := session.New(session.Config{
		Source:      src,
		Backend:     client,
		Lines:       lines,
		Display:     disp,
		Emitter:     emit,
		Mode:        mode,
		Cooldown:    time.Duration(cfg.Session.CooldownMS) * time.Millisecond,
		EventsTopic: cfg.MQTT.Topics.Events,
		WorkerTopic: cfg.MQTT.Topics.Worker,
		HealthTopic: cfg.MQTT.Topics.Health,
		InstanceID:  cfg.InstanceID,
	})
	if err != nil {
		client.Shutdown()
		src.Stop()
		return fmt.Errorf("failed to create session: %w", err)
	}

	if cfg.Health.Port != "" {
		sess.StartHealthServer(cfg.Health.Port)
	}

	errChan := make(chan error, 1)
	go func() { errChan <- sess.Run(ctx) }()

	select {
	case sig := <-sigChan:
		fmt.Println("\nShutting down...")
		slog.Info("received shutdown signal", "signal", sig.String())
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil {
			slog.Error("session error", "error", err)
		}
		cancel()
	}

	return shutdown(cfg, client, src, disp, emit)
}

// shutdown stops the components in dependency order, bounded by the
// configured timeout.
func shutdown(cfg *config.Config, client *backend.Client, src stream.Provider, disp display.Display, emit emitter.Emitter) error {
	timeout := time.Duration(cfg.ShutdownTimeoutS) * time.Second
	slog.Info("shutting down", "timeout", timeout)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := client.Shutdown(); err != nil {
			slog.Warn("inference client shutdown failed", "error", err)
		}
		if err := src.Stop(); err != nil {
			slog.Warn("frame source stop failed", "error", err)
		}
		if err := disp.Close(); err != nil {
			slog.Warn("display close failed", "error", err)
		}
		if err := emit.Close(); err != nil {
			slog.Warn("emitter close failed", "error", err)
		}
	}()

	select {
	case <-done:
		slog.Info("vigild stopped")
		return nil
	case <-time.After(timeout):
		return errors.New("shutdown timed out")
	}
}
