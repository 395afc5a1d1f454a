package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Device   DeviceConfig   `yaml:"device"`
	Detector DetectorConfig `yaml:"detector"`
	Storage  StorageConfig  `yaml:"storage"`
	Users    map[int]string `yaml:"users"` // trigger note -> display name
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	Host              string        `yaml:"host"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
}

type DeviceConfig struct {
	// Keyword selects the MIDI input whose name contains it
	// (case-insensitive). Empty means "first non-virtual port".
	Keyword                string        `yaml:"keyword"`
	ReconnectInterval      time.Duration `yaml:"reconnect_interval"`
	HealthCheckInterval    time.Duration `yaml:"health_check_interval"`
	MaxAttemptsBeforeReset int           `yaml:"max_attempts_before_reset"`
	ResetCooldown          time.Duration `yaml:"reset_cooldown"`
	EnableUSBReset         bool          `yaml:"enable_usb_reset"`
	// USBHubs are the uhubctl hub locations to power-cycle. On a
	// Raspberry Pi 4 both the USB 2.0 (1-1) and USB 3.0 (2) virtual
	// hubs must be toggled for power to actually drop.
	USBHubs []string `yaml:"usb_hubs"`
	USBPort int      `yaml:"usb_port"`
}

type DetectorConfig struct {
	ActivityThreshold   int           `yaml:"activity_threshold"`
	ActivityWindow      time.Duration `yaml:"activity_window"`
	MinPracticeDuration time.Duration `yaml:"min_practice_duration"`
	SessionTimeout      time.Duration `yaml:"session_timeout"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

// defaultConfig matches a single piano on a Raspberry Pi with no config
// file present.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              5000,
			Host:              "0.0.0.0",
			SnapshotInterval:  5 * time.Second,
			BroadcastThrottle: 100 * time.Millisecond,
		},
		Device: DeviceConfig{
			Keyword:                "USB func for MIDI",
			ReconnectInterval:      5 * time.Second,
			HealthCheckInterval:    2 * time.Second,
			MaxAttemptsBeforeReset: 3,
			ResetCooldown:          5 * time.Minute,
			EnableUSBReset:         true,
			USBHubs:                []string{"1-1", "2"},
			USBPort:                1,
		},
		Detector: DetectorConfig{
			ActivityThreshold:   3,
			ActivityWindow:      10 * time.Second,
			MinPracticeDuration: 30 * time.Second,
			SessionTimeout:      15 * time.Second,
		},
		Storage: StorageConfig{
			Path: "practice_sessions.db",
		},
		Users: map[int]string{
			60: "Dad",  // Middle C
			62: "Alex", // D
		},
	}
}

// Load reads a yaml config file, overlaying it on the defaults. A missing
// file is not an error: the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would make the detector or the
// connectivity loop misbehave. Called once at startup; timing values are
// never changed mid-run.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server port %d out of range", c.Server.Port)
	}
	if c.Server.SnapshotInterval <= 0 {
		return fmt.Errorf("config: snapshot_interval must be positive, got %s", c.Server.SnapshotInterval)
	}
	if c.Server.BroadcastThrottle <= 0 {
		return fmt.Errorf("config: broadcast_throttle must be positive, got %s", c.Server.BroadcastThrottle)
	}
	if c.Device.ReconnectInterval <= 0 {
		return fmt.Errorf("config: reconnect_interval must be positive, got %s", c.Device.ReconnectInterval)
	}
	if c.Device.HealthCheckInterval <= 0 {
		return fmt.Errorf("config: health_check_interval must be positive, got %s", c.Device.HealthCheckInterval)
	}
	if c.Device.MaxAttemptsBeforeReset < 1 {
		return fmt.Errorf("config: max_attempts_before_reset must be at least 1, got %d", c.Device.MaxAttemptsBeforeReset)
	}
	if c.Device.ResetCooldown < 0 {
		return fmt.Errorf("config: reset_cooldown must not be negative, got %s", c.Device.ResetCooldown)
	}
	if c.Detector.ActivityThreshold < 1 {
		return fmt.Errorf("config: activity_threshold must be at least 1, got %d", c.Detector.ActivityThreshold)
	}
	if c.Detector.ActivityWindow <= 0 {
		return fmt.Errorf("config: activity_window must be positive, got %s", c.Detector.ActivityWindow)
	}
	if c.Detector.MinPracticeDuration <= 0 {
		return fmt.Errorf("config: min_practice_duration must be positive, got %s", c.Detector.MinPracticeDuration)
	}
	if c.Detector.SessionTimeout <= 0 {
		return fmt.Errorf("config: session_timeout must be positive, got %s", c.Detector.SessionTimeout)
	}
	return nil
}
