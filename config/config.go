// Package config handles configuration persistence for the tuyalink daemon:
// the YAML daemon configuration and the JSON device database.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"tuyalink/tuya"
)

// Config holds the complete daemon configuration.
type Config struct {
	Namespace string        `yaml:"namespace"` // Instance namespace for topic/key isolation
	Web       WebConfig     `yaml:"web"`
	MQTT      []MQTTConfig  `yaml:"mqtt,omitempty"`
	Valkey    ValkeyConfig  `yaml:"valkey,omitempty"`
	Kafka     KafkaConfig   `yaml:"kafka,omitempty"`
	Logging   LoggingConfig `yaml:"logging,omitempty"`
	Tuya      TuyaConfig    `yaml:"tuya"`
}

// WebConfig holds the HTTP server configuration.
type WebConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	TokenHash string `yaml:"token_hash,omitempty"` // bcrypt hash of the API bearer token; empty disables auth
}

// MQTTConfig holds one MQTT broker connection.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds the Valkey/Redis state mirror configuration.
type ValkeyConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"` // host:port format
	Password        string        `yaml:"password,omitempty"`
	Database        int           `yaml:"database"`
	UseTLS          bool          `yaml:"use_tls,omitempty"`
	KeyTTL          time.Duration `yaml:"key_ttl,omitempty"`          // TTL for state keys (0 = no expiry)
	PublishChanges  bool          `yaml:"publish_changes,omitempty"`  // Publish to Pub/Sub on changes
	EnableWriteback bool          `yaml:"enable_writeback,omitempty"` // Consume the set queue
}

// KafkaConfig holds the Kafka event pipeline configuration.
type KafkaConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic,omitempty"` // Event topic; empty derives "{namespace}-events"
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`
}

// LoggingConfig holds the debug and event journal settings.
type LoggingConfig struct {
	DebugFile string `yaml:"debug_file,omitempty"` // Path for the protocol debug log
	Protocols string `yaml:"protocols,omitempty"`  // Comma-separated debug filter
	EventFile string `yaml:"event_file,omitempty"` // Path for the event journal
}

// TuyaConfig holds the LAN protocol settings.
type TuyaConfig struct {
	DevicesPath   string `yaml:"devices_path"`             // JSON device database
	PlainPort     int    `yaml:"plain_port,omitempty"`     // 3.1 discovery beacons
	EncryptedPort int    `yaml:"encrypted_port,omitempty"` // 3.3 discovery beacons
	ControlPort   int    `yaml:"control_port,omitempty"`   // Device TCP command port
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "tuya",
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		MQTT: []MQTTConfig{},
		Tuya: TuyaConfig{
			DevicesPath:   DefaultDevicesPath(),
			PlainPort:     tuya.PortDiscovery31,
			EncryptedPort: tuya.PortDiscovery33,
			ControlPort:   tuya.PortControl,
		},
	}
}

// DefaultPath returns the default configuration file path (~/.tuyalink/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".tuyalink", "config.yaml")
}

// DefaultDevicesPath returns the default device database path (~/.tuyalink/devices.json).
func DefaultDevicesPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "devices.json"
	}
	return filepath.Join(home, ".tuyalink", "devices.json")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, saved back so the operator has a template to edit.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg.Save(path) // Best-effort template
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating the directory if needed.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, underscores, and dots")
	}
	if c.Web.Enabled && (c.Web.Port < 1 || c.Web.Port > 65535) {
		return fmt.Errorf("invalid web port %d", c.Web.Port)
	}
	for _, p := range []int{c.Tuya.PlainPort, c.Tuya.EncryptedPort, c.Tuya.ControlPort} {
		if p < 1 || p > 65535 {
			return fmt.Errorf("invalid tuya port %d", p)
		}
	}
	if c.Tuya.PlainPort == c.Tuya.EncryptedPort {
		return fmt.Errorf("discovery ports must differ")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka enabled without brokers")
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
