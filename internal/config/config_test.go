package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Server.Port != 5000 {
		t.Errorf("default port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Device.Keyword != "USB func for MIDI" {
		t.Errorf("default keyword = %q", cfg.Device.Keyword)
	}
	if cfg.Detector.ActivityThreshold != 3 {
		t.Errorf("default activity_threshold = %d, want 3", cfg.Detector.ActivityThreshold)
	}
	if cfg.Detector.SessionTimeout != 15*time.Second {
		t.Errorf("default session_timeout = %s, want 15s", cfg.Detector.SessionTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("port = %d, want default 5000", cfg.Server.Port)
	}
}

func TestLoadOverlay(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 9090
device:
  keyword: "Roland"
  max_attempts_before_reset: 5
detector:
  min_practice_duration: 1m
users:
  64: "Sam"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Device.Keyword != "Roland" {
		t.Errorf("keyword = %q, want Roland", cfg.Device.Keyword)
	}
	if cfg.Device.MaxAttemptsBeforeReset != 5 {
		t.Errorf("max_attempts_before_reset = %d, want 5", cfg.Device.MaxAttemptsBeforeReset)
	}
	if cfg.Detector.MinPracticeDuration != time.Minute {
		t.Errorf("min_practice_duration = %s, want 1m", cfg.Detector.MinPracticeDuration)
	}
	// Fields not mentioned in the file keep their defaults.
	if cfg.Device.ReconnectInterval != 5*time.Second {
		t.Errorf("reconnect_interval = %s, want default 5s", cfg.Device.ReconnectInterval)
	}
	if cfg.Users[64] != "Sam" {
		t.Errorf("users[64] = %q, want Sam", cfg.Users[64])
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero reconnect interval", func(c *Config) { c.Device.ReconnectInterval = 0 }},
		{"negative health check", func(c *Config) { c.Device.HealthCheckInterval = -time.Second }},
		{"zero max attempts", func(c *Config) { c.Device.MaxAttemptsBeforeReset = 0 }},
		{"negative reset cooldown", func(c *Config) { c.Device.ResetCooldown = -time.Minute }},
		{"zero activity threshold", func(c *Config) { c.Detector.ActivityThreshold = 0 }},
		{"zero activity window", func(c *Config) { c.Detector.ActivityWindow = 0 }},
		{"negative session timeout", func(c *Config) { c.Detector.SessionTimeout = -time.Minute }},
		{"zero min duration", func(c *Config) { c.Detector.MinPracticeDuration = 0 }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"zero snapshot interval", func(c *Config) { c.Server.SnapshotInterval = 0 }},
		{"negative broadcast throttle", func(c *Config) { c.Server.BroadcastThrottle = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := `
detector:
  session_timeout: -5s
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load with negative timeout should fail validation")
	}
}
