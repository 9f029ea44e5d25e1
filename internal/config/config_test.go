package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/care/vigil/internal/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// A minimal config file loads with every default filled in.
func TestLoadAppliesDefaults(t *testing.T) {
	path := writeFile(t, "vigil.yaml", `
instance_id: bedroom-cam
source:
  camera_index: 1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.InstanceID != "bedroom-cam" {
		t.Errorf("instance_id = %q", cfg.InstanceID)
	}
	if cfg.Source.CameraIndex != 1 {
		t.Errorf("camera_index = %d, want 1", cfg.Source.CameraIndex)
	}
	if cfg.Worker.MonitorTimeoutS != 20 {
		t.Errorf("monitor_timeout_s default = %d, want 20", cfg.Worker.MonitorTimeoutS)
	}
	if cfg.Worker.CustomTimeoutS != 60 {
		t.Errorf("custom_timeout_s default = %d, want 60", cfg.Worker.CustomTimeoutS)
	}
	if cfg.Worker.ShutdownGraceS != 5 {
		t.Errorf("shutdown_grace_s default = %d, want 5", cfg.Worker.ShutdownGraceS)
	}
	if cfg.Worker.MaxTokens != 40 || cfg.Worker.CustomMaxTokens != 200 {
		t.Errorf("token defaults = %d/%d, want 40/200",
			cfg.Worker.MaxTokens, cfg.Worker.CustomMaxTokens)
	}
	if cfg.Worker.Temperature != 0.1 || cfg.Worker.Seed != 42 {
		t.Errorf("generation defaults = %v/%d, want 0.1/42",
			cfg.Worker.Temperature, cfg.Worker.Seed)
	}
	if cfg.Session.CooldownMS != 1000 {
		t.Errorf("cooldown_ms default = %d, want 1000", cfg.Session.CooldownMS)
	}
	if cfg.Display.Scale != 1.0 {
		t.Errorf("display.scale default = %v, want 1.0", cfg.Display.Scale)
	}
}

// MQTT topic defaults derive from the instance ID, but only when a broker
// is configured at all.
func TestValidateMQTTTopics(t *testing.T) {
	cfg := &Config{InstanceID: "hall-cam", MQTT: MQTTConfig{Broker: "tcp://broker:1883"}}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.MQTT.Topics.Events != "vigil/hall-cam/events" {
		t.Errorf("events topic = %q", cfg.MQTT.Topics.Events)
	}
	if cfg.MQTT.Topics.Health != "vigil/hall-cam/health" {
		t.Errorf("health topic = %q", cfg.MQTT.Topics.Health)
	}

	noBroker := &Config{InstanceID: "hall-cam"}
	if err := Validate(noBroker); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if noBroker.MQTT.Topics.Events != "" {
		t.Errorf("topics should stay empty without a broker, got %q", noBroker.MQTT.Topics.Events)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	bad := &Config{InstanceID: "Bad_ID"}
	if err := Validate(bad); err == nil {
		t.Error("expected error for invalid instance_id")
	}

	neg := &Config{InstanceID: "ok", Source: SourceConfig{CameraIndex: -1}}
	if err := Validate(neg); err == nil {
		t.Error("expected error for negative camera index")
	}
}

// Prompt documents load from YAML, preserving use case declaration order.
func TestLoadPrompts(t *testing.T) {
	path := writeFile(t, "prompts.yaml", `
system_prompt: "You are a security monitoring assistant."
user_prompt_template: "Watch for {details} and answer with one option."
use_cases:
  - id: fall_detection
    options: ["No Fall", "Fall"]
    keywords:
      Fall: ["fallen", "on the ground", "lying"]
    details: "a person falling down"
  - id: fire_watch
    options: ["Normal", "Fire"]
    details: "flames or smoke"
`)

	ps, err := LoadPrompts(path)
	if err != nil {
		t.Fatalf("LoadPrompts failed: %v", err)
	}

	if len(ps.UseCases) != 2 {
		t.Fatalf("use cases = %d, want 2", len(ps.UseCases))
	}
	if ps.UseCases[0].ID != "fall_detection" {
		t.Errorf("first use case = %q, declaration order lost", ps.UseCases[0].ID)
	}
	uc := ps.UseCase("fall_detection")
	if uc == nil {
		t.Fatal("UseCase lookup failed")
	}
	if got := ps.RenderUserPrompt(uc); got != "Watch for a person falling down and answer with one option." {
		t.Errorf("rendered prompt = %q", got)
	}
	if len(uc.Keywords["Fall"]) != 3 {
		t.Errorf("keywords = %v", uc.Keywords)
	}
}

// The prompts file is also accepted in plain JSON, since YAML is a superset.
func TestLoadPromptsJSON(t *testing.T) {
	path := writeFile(t, "prompts.json", `{
  "system_prompt": "sys",
  "user_prompt_template": "look for {details}",
  "use_cases": [{"id": "door_check", "options": ["yes", "no"]}]
}`)

	ps, err := LoadPrompts(path)
	if err != nil {
		t.Fatalf("LoadPrompts failed: %v", err)
	}
	if ps.UseCases[0].ID != "door_check" {
		t.Errorf("use case = %q", ps.UseCases[0].ID)
	}
}

func TestLoadPromptsRejectsInvalid(t *testing.T) {
	missing := writeFile(t, "missing.yaml", `
system_prompt: "sys"
user_prompt_template: "tmpl"
use_cases: []
`)
	if _, err := LoadPrompts(missing); err == nil {
		t.Error("expected error for empty use cases")
	}

	reserved := writeFile(t, "reserved.yaml", `
system_prompt: "sys"
user_prompt_template: "tmpl"
use_cases:
  - id: custom
    options: ["a"]
`)
	if _, err := LoadPrompts(reserved); err == nil {
		t.Errorf("expected error for reserved id %q", types.TriggerCustom)
	}

	dup := writeFile(t, "dup.yaml", `
system_prompt: "sys"
user_prompt_template: "tmpl"
use_cases:
  - id: a
    options: ["x"]
  - id: a
    options: ["y"]
`)
	if _, err := LoadPrompts(dup); err == nil {
		t.Error("expected error for duplicate ids")
	}
}
