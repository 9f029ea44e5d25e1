package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills in defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "vigil-0"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	// Source
	if cfg.Source.CameraIndex < 0 {
		return fmt.Errorf("source.camera_index must be >= 0")
	}
	if cfg.Source.FPS <= 0 {
		cfg.Source.FPS = 30
	}

	// Display
	if cfg.Display.Scale == 0 {
		cfg.Display.Scale = 1.0
	}
	if cfg.Display.Scale < 0 {
		return fmt.Errorf("display.scale must be > 0")
	}

	// Worker
	if cfg.Worker.Command == "" {
		cfg.Worker.Command = "worker/run_worker.sh"
	}
	if cfg.Worker.ModelPath == "" {
		cfg.Worker.ModelPath = "hef/Qwen2-VL-2B-Instruct.hef"
	}
	if cfg.Worker.MonitorTimeoutS <= 0 {
		cfg.Worker.MonitorTimeoutS = 20
	}
	if cfg.Worker.CustomTimeoutS <= 0 {
		cfg.Worker.CustomTimeoutS = 60
	}
	if cfg.Worker.ShutdownGraceS <= 0 {
		cfg.Worker.ShutdownGraceS = 5
	}
	if cfg.Worker.StartupTimeoutS <= 0 {
		// Device scan retries alone can take ~30s on a cold accelerator.
		cfg.Worker.StartupTimeoutS = 60
	}
	if cfg.Worker.MaxTokens <= 0 {
		cfg.Worker.MaxTokens = 40
	}
	if cfg.Worker.CustomMaxTokens <= 0 {
		cfg.Worker.CustomMaxTokens = 200
	}
	if cfg.Worker.Temperature <= 0 {
		cfg.Worker.Temperature = 0.1
	}
	if cfg.Worker.Seed == 0 {
		cfg.Worker.Seed = 42
	}
	if cfg.Worker.RestartMax <= 0 {
		cfg.Worker.RestartMax = 5
	}

	// Session
	if cfg.Session.CooldownMS <= 0 {
		cfg.Session.CooldownMS = 1000
	}

	// MQTT topics only matter when a broker is configured
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topics.Events == "" {
			cfg.MQTT.Topics.Events = fmt.Sprintf("vigil/%s/events", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Health == "" {
			cfg.MQTT.Topics.Health = fmt.Sprintf("vigil/%s/health", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Worker == "" {
			cfg.MQTT.Topics.Worker = fmt.Sprintf("vigil/%s/worker", cfg.InstanceID)
		}
	}

	return nil
}
