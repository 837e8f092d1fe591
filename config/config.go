// Package config handles configuration persistence for the ltalink gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Config holds the complete application configuration.
type Config struct {
	Databus DatabusConfig `yaml:"databus"`
	Server  ServerConfig  `yaml:"server"`
	Web     WebConfig     `yaml:"web"`
	Valkey  ValkeyConfig  `yaml:"valkey,omitempty"`
	Kafka   KafkaConfig   `yaml:"kafka,omitempty"`
	Health  HealthConfig  `yaml:"health"`
	Log     LogConfig     `yaml:"log,omitempty"`

	// Data mutex protects all config fields against concurrent access.
	dataMu sync.Mutex `yaml:"-"`

	// Change listeners (not serialized)
	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// DatabusConfig holds the MQTT databus connection and its topics.
type DatabusConfig struct {
	Broker     string       `yaml:"broker"`
	Port       int          `yaml:"port"`
	Username   string       `yaml:"username,omitempty"`
	Password   string       `yaml:"password,omitempty"`
	ClientID   string       `yaml:"client_id"`
	UseTLS     bool         `yaml:"use_tls,omitempty"`
	Topics     TopicsConfig `yaml:"topics"`
	UpdatePath string       `yaml:"update_path"` // Path sent in update requests, e.g. "s7c1"
}

// TopicsConfig names the databus topics the gateway consumes and produces.
type TopicsConfig struct {
	Read     string `yaml:"read"`     // controller -> gateway tag values
	Write    string `yaml:"write"`    // gateway -> controller tag values
	Metadata string `yaml:"metadata"` // tag schema
	Update   string `yaml:"update"`   // ask the connector to resend values
	Status   string `yaml:"status"`   // connector health
}

// ServerConfig holds the production server link settings.
// Host and port are not configured here; they are read live from controller tags.
type ServerConfig struct {
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	MaxFrameBytes  uint32        `yaml:"max_frame_bytes"`
	DoneDelay      time.Duration `yaml:"done_delay"`
	StartupDelay   time.Duration `yaml:"startup_delay"` // wait after metadata before requesting values
	RestartDelay   time.Duration `yaml:"restart_delay"`
	ErrorTextDir   string        `yaml:"error_text_dir,omitempty"` // machine error text catalogs
}

// WebConfig holds the REST/WebSocket server configuration.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// ValkeyConfig holds the optional Valkey/Redis tag mirror configuration.
type ValkeyConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port format
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyPrefix      string        `yaml:"key_prefix,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"`         // TTL for keys (0 = no expiry)
	PublishChanges bool          `yaml:"publish_changes,omitempty"` // Publish to Pub/Sub on changes
}

// KafkaConfig holds the optional Kafka response event exporter configuration.
type KafkaConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`
}

// HealthConfig controls the periodic health tag publishing.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// LogConfig holds log file settings. Both may be overridden from the command line.
type LogConfig struct {
	File  string `yaml:"file,omitempty"`
	Debug string `yaml:"debug,omitempty"` // protocol filter, e.g. "mqtt,tcp" or "all"
}

// DefaultConfig returns a configuration with the defaults of an Industrial Edge deployment.
func DefaultConfig() *Config {
	return &Config{
		Databus: DatabusConfig{
			Broker:   "ie-databus",
			Port:     1883,
			Username: "edge",
			Password: "edge",
			ClientID: "LogotronicAdapter",
			Topics: TopicsConfig{
				Read:     "ie/d/j/simatic/v1/s7c1/dp/r/plc/default",
				Write:    "ie/d/j/simatic/v1/s7c1/dp/w/plc",
				Metadata: "ie/m/j/simatic/v1/s7c1/dp",
				Update:   "ie/c/j/simatic/v1/updaterequest",
				Status:   "ie/s/j/simatic/v1/s7c1/status",
			},
			UpdatePath: "s7c1",
		},
		Server: ServerConfig{
			ReconnectDelay: 10 * time.Second,
			DialTimeout:    5 * time.Second,
			MaxFrameBytes:  200 * 1024 * 1024,
			DoneDelay:      time.Second,
			StartupDelay:   2 * time.Second,
			RestartDelay:   2 * time.Second,
		},
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    3000,
		},
		Valkey: ValkeyConfig{
			Address:   "localhost:6379",
			KeyPrefix: "ltalink",
		},
		Kafka: KafkaConfig{
			Brokers:      []string{"localhost:9092"},
			Topic:        "ltalink.responses",
			RequiredAcks: -1,
			MaxRetries:   3,
			RetryBackoff: 100 * time.Millisecond,
		},
		Health: HealthConfig{
			Interval: 10 * time.Second,
		},
	}
}

// DefaultPath returns the default configuration file path (~/.ltalink/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".ltalink", "config.yaml")
}

// Load reads configuration from a YAML file.
// A missing file yields the defaults; fields absent from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// AddOnChangeListener registers a callback to be called when the config is saved.
// Returns an ID that can be used to remove the listener later.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}

	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Save marshals the config, writes it to path and notifies listeners.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock() // Release lock after marshal, before I/O

	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// BrokerURL returns the paho broker address for the databus.
func (d DatabusConfig) BrokerURL() string {
	scheme := "tcp"
	if d.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, d.Broker, d.Port)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Databus.Broker == "" {
		return fmt.Errorf("databus broker is required")
	}
	if c.Databus.Port <= 0 || c.Databus.Port > 65535 {
		return fmt.Errorf("invalid databus port %d", c.Databus.Port)
	}
	t := c.Databus.Topics
	if t.Read == "" || t.Write == "" || t.Metadata == "" {
		return fmt.Errorf("databus read, write and metadata topics are required")
	}
	if c.Server.ReconnectDelay <= 0 {
		return fmt.Errorf("server reconnect_delay must be positive")
	}
	if c.Server.MaxFrameBytes == 0 {
		return fmt.Errorf("server max_frame_bytes must be positive")
	}
	if c.Web.Enabled && (c.Web.Port <= 0 || c.Web.Port > 65535) {
		return fmt.Errorf("invalid web port %d", c.Web.Port)
	}
	if c.Valkey.Enabled && c.Valkey.Address == "" {
		return fmt.Errorf("valkey address is required when enabled")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka brokers and topic are required when enabled")
	}
	return nil
}
