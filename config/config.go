// Package config handles configuration persistence for the ring-stiffness
// bridge application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Namespace string         `yaml:"namespace"` // instance namespace for topic/key isolation
	PLC       PLCConfig      `yaml:"plc"`
	PollRate  time.Duration  `yaml:"poll_rate"`
	Motion    MotionConfig   `yaml:"motion"`
	Web       WebConfig      `yaml:"web"`
	MQTT      []MQTTConfig   `yaml:"mqtt,omitempty"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty"`
	LogFile   string         `yaml:"log_file,omitempty"`
	DebugLog  string         `yaml:"debug_log,omitempty"`
}

// PLCConfig describes the S7 connection to the test machine controller.
type PLCConfig struct {
	Name    string        `yaml:"name"`
	Address string        `yaml:"address"` // host or host:port, default port 102
	Rack    int           `yaml:"rack"`
	Slot    int           `yaml:"slot"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// MotionConfig holds the operator-motion limits enforced by the bridge.
// The jog velocity range must match the PLC program's servo configuration;
// it is deliberately a config value, not a constant.
type MotionConfig struct {
	JogVelocityMin  float64       `yaml:"jog_velocity_min"` // mm/min
	JogVelocityMax  float64       `yaml:"jog_velocity_max"` // mm/min
	StepDistanceMin float64       `yaml:"step_distance_min"` // mm
	StepDistanceMax float64       `yaml:"step_distance_max"` // mm
	PulseWidth      time.Duration `yaml:"pulse_width,omitempty"`       // stop/tare/zero pulses
	ResetPulseWidth time.Duration `yaml:"reset_pulse_width,omitempty"` // servo alarm reset pulse
}

// WebConfig holds the HTTP API server configuration.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name     string        `yaml:"name"`
	Enabled  bool          `yaml:"enabled"`
	Address  string        `yaml:"address"` // host:port format
	Password string        `yaml:"password,omitempty"`
	Database int           `yaml:"database"`
	KeyTTL   time.Duration `yaml:"key_ttl,omitempty"` // TTL for the live key (0 = no expiry)
	UseTLS   bool          `yaml:"use_tls,omitempty"`
}

// KafkaConfig holds Kafka producer configuration for test-record publishing.
type KafkaConfig struct {
	Name         string        `yaml:"name"`
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic,omitempty"`
	RequiredAcks int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries   int           `yaml:"max_retries,omitempty"`
	RetryBackoff time.Duration `yaml:"retry_backoff,omitempty"`
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ringbridge.yaml"
	}
	return filepath.Join(home, ".config", "ringbridge", "config.yaml")
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from the given path. A missing file is not an
// error: defaults are returned so a fresh install can start and save later.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the given path, creating parent
// directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "ringtest"
	}
	if c.PLC.Name == "" {
		c.PLC.Name = "press"
	}
	if c.PLC.Address == "" {
		c.PLC.Address = "192.168.0.1"
	}
	if c.PLC.Timeout <= 0 {
		c.PLC.Timeout = 5 * time.Second
	}
	if c.PollRate <= 0 {
		c.PollRate = 100 * time.Millisecond
	}
	if c.Motion.JogVelocityMin <= 0 {
		c.Motion.JogVelocityMin = 1.2
	}
	if c.Motion.JogVelocityMax <= 0 {
		c.Motion.JogVelocityMax = 6000
	}
	if c.Motion.StepDistanceMin <= 0 {
		c.Motion.StepDistanceMin = 0.1
	}
	if c.Motion.StepDistanceMax <= 0 {
		c.Motion.StepDistanceMax = 100
	}
	if c.Motion.PulseWidth <= 0 {
		c.Motion.PulseWidth = 100 * time.Millisecond
	}
	if c.Motion.ResetPulseWidth <= 0 {
		c.Motion.ResetPulseWidth = 500 * time.Millisecond
	}
	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
	for i := range c.MQTT {
		if c.MQTT[i].Port == 0 {
			c.MQTT[i].Port = 1883
		}
		if c.MQTT[i].ClientID == "" {
			c.MQTT[i].ClientID = "ringbridge-" + c.MQTT[i].Name
		}
	}
	for i := range c.Kafka {
		if c.Kafka[i].Topic == "" {
			c.Kafka[i].Topic = c.Namespace + ".test-records"
		}
		if c.Kafka[i].RetryBackoff <= 0 {
			c.Kafka[i].RetryBackoff = time.Second
		}
	}
}

// Validate checks the configuration for inconsistencies that would make the
// bridge unsafe or unable to start.
func (c *Config) Validate() error {
	if c.PLC.Address == "" {
		return fmt.Errorf("plc: address is required")
	}
	if c.PLC.Rack < 0 || c.PLC.Slot < 0 {
		return fmt.Errorf("plc: rack and slot must be non-negative")
	}
	if c.PollRate < 10*time.Millisecond {
		return fmt.Errorf("poll_rate: must be at least 10ms, got %v", c.PollRate)
	}
	if c.Motion.JogVelocityMin >= c.Motion.JogVelocityMax {
		return fmt.Errorf("motion: jog_velocity_min (%v) must be below jog_velocity_max (%v)",
			c.Motion.JogVelocityMin, c.Motion.JogVelocityMax)
	}
	if c.Motion.StepDistanceMin >= c.Motion.StepDistanceMax {
		return fmt.Errorf("motion: step_distance_min (%v) must be below step_distance_max (%v)",
			c.Motion.StepDistanceMin, c.Motion.StepDistanceMax)
	}
	if c.Web.Enabled && (c.Web.Port < 1 || c.Web.Port > 65535) {
		return fmt.Errorf("web: invalid port %d", c.Web.Port)
	}
	for _, m := range c.MQTT {
		if m.Enabled && m.Broker == "" {
			return fmt.Errorf("mqtt %q: broker is required", m.Name)
		}
	}
	for _, v := range c.Valkey {
		if v.Enabled && v.Address == "" {
			return fmt.Errorf("valkey %q: address is required", v.Name)
		}
	}
	for _, k := range c.Kafka {
		if k.Enabled && len(k.Brokers) == 0 {
			return fmt.Errorf("kafka %q: at least one broker is required", k.Name)
		}
	}
	return nil
}
