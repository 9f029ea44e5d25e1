package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete vigild configuration
type Config struct {
	InstanceID       string        `yaml:"instance_id"`
	ShutdownTimeoutS int           `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Source           SourceConfig  `yaml:"source"`
	Display          DisplayConfig `yaml:"display"`
	Worker           WorkerConfig  `yaml:"worker"`
	Session          SessionConfig `yaml:"session"`
	MQTT             MQTTConfig    `yaml:"mqtt"`
	Health           HealthConfig  `yaml:"health"`
}

// SourceConfig selects the frame source
type SourceConfig struct {
	CameraIndex int    `yaml:"camera_index"` // /dev/video<N> when VideoPath is empty
	VideoPath   string `yaml:"video_path"`   // video file or folder of videos; empty = camera
	FPS         int    `yaml:"fps"`          // target capture fps
}

// DisplayConfig controls the on-screen panes
type DisplayConfig struct {
	Enabled bool    `yaml:"enabled"`
	Scale   float64 `yaml:"scale"` // 0.5 = half size
}

// WorkerConfig controls the VLM worker subprocess
type WorkerConfig struct {
	Command         string  `yaml:"command"`    // wrapper script that starts the runner
	ModelPath       string  `yaml:"model_path"` // HEF model weights
	MonitorTimeoutS int     `yaml:"monitor_timeout_s"`
	CustomTimeoutS  int     `yaml:"custom_timeout_s"`
	ShutdownGraceS  int     `yaml:"shutdown_grace_s"`
	StartupTimeoutS int     `yaml:"startup_timeout_s"` // covers device scan retries + model load
	MaxTokens       int     `yaml:"max_tokens"`
	CustomMaxTokens int     `yaml:"custom_max_tokens"`
	Temperature     float64 `yaml:"temperature"`
	Seed            int     `yaml:"seed"`
	RestartMax      int     `yaml:"restart_max"` // restart attempts after an unexpected exit
}

// SessionConfig controls the monitoring loop
type SessionConfig struct {
	PromptsPath string `yaml:"prompts_path"`
	UseCase     string `yaml:"use_case"`    // defaults to the first declared use case
	CooldownMS  int    `yaml:"cooldown_ms"` // pause between monitoring inferences
}

// MQTTConfig contains MQTT broker settings; empty broker disables emission
type MQTTConfig struct {
	Broker string     `yaml:"broker"`
	Topics MQTTTopics `yaml:"topics"`
	QoS    byte       `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Events string `yaml:"events"`
	Health string `yaml:"health"`
	Worker string `yaml:"worker"`
}

// HealthConfig controls the HTTP health endpoint; empty port disables it
type HealthConfig struct {
	Port string `yaml:"port"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied, for runs
// driven purely by command-line flags. Flag-only runs get the display;
// a config file enables it explicitly.
func Default() *Config {
	cfg := &Config{
		InstanceID: "vigil-0",
		Display:    DisplayConfig{Enabled: true},
	}
	if err := Validate(cfg); err != nil {
		// Defaults always validate; reaching this is a programming error.
		panic(err)
	}
	return cfg
}
