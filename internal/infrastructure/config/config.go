package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for budlink.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Daemon    DaemonConfig    `yaml:"daemon"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	Sync      SyncConfig      `yaml:"sync"`
	History   HistoryConfig   `yaml:"history"`
	Security  SecurityConfig  `yaml:"security"`
}

// DaemonConfig identifies this daemon instance on the message bus.
type DaemonConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket event stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// BluetoothConfig contains adapter and device settings.
type BluetoothConfig struct {
	// Adapter is the BlueZ adapter name (e.g. "hci0").
	Adapter string `yaml:"adapter"`

	// Devices lists the earbuds budlink manages. Devices not listed here
	// are ignored when BlueZ reports them connected.
	Devices []DeviceConfig `yaml:"devices"`

	// AACPPSM is the L2CAP PSM of the AACP control channel.
	AACPPSM uint16 `yaml:"aacp_psm"`

	// ATTPSM is the L2CAP PSM of the ATT bearer.
	ATTPSM uint16 `yaml:"att_psm"`

	// ConnectTimeout is how long to wait for an L2CAP channel, in seconds.
	ConnectTimeout int `yaml:"connect_timeout"`
}

// DeviceConfig declares one managed device.
type DeviceConfig struct {
	MAC    string `yaml:"mac"`
	Family string `yaml:"family"` // "airpods" or "nothing"
	Name   string `yaml:"name"`
}

// SyncConfig tunes command dispatch and confirmation tracking.
type SyncConfig struct {
	// ConfirmTimeout is how long an optimistic value may stay pending
	// before it is marked unconfirmed (milliseconds).
	ConfirmTimeout int `yaml:"confirm_timeout"`

	// SweepInterval is how often pending deadlines are checked (milliseconds).
	SweepInterval int `yaml:"sweep_interval"`

	// QueueSize is the per-device command queue capacity.
	QueueSize int `yaml:"queue_size"`

	// CommandTimeout bounds a single transport send (milliseconds).
	CommandTimeout int `yaml:"command_timeout"`

	// MaxRetries is how many times a failed send is retried.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the initial delay between retries (milliseconds).
	RetryBackoff int `yaml:"retry_backoff"`
}

// HistoryConfig controls the field history audit trail.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`

	// RetentionDays is how long history rows are kept.
	RetentionDays int `yaml:"retention_days"`

	// PruneSchedule is a cron expression (robfig/cron syntax, descriptors allowed).
	PruneSchedule string `yaml:"prune_schedule"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT verification settings for the HTTP API.
// An empty secret disables authentication (local socket deployments).
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: BUDLINK_SECTION_KEY
// For example: BUDLINK_DATABASE_PATH, BUDLINK_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
// Useful for tests and for running without a config file.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			ID:   "budlink",
			Name: "budlink",
		},
		Database: DatabaseConfig{
			Path:        "./data/budlink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "budlink",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8765,
			Timeouts: APITimeoutConfig{
				Read:  15,
				Write: 15,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Bluetooth: BluetoothConfig{
			Adapter:        "hci0",
			AACPPSM:        0x1001,
			ATTPSM:         0x001F,
			ConnectTimeout: 10,
		},
		Sync: SyncConfig{
			ConfirmTimeout: 3000,
			SweepInterval:  250,
			QueueSize:      32,
			CommandTimeout: 5000,
			MaxRetries:     1,
			RetryBackoff:   200,
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 30,
			PruneSchedule: "@daily",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: BUDLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("BUDLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("BUDLINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("BUDLINK_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("BUDLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("BUDLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("BUDLINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// Bluetooth
	if v := os.Getenv("BUDLINK_BLUETOOTH_ADAPTER"); v != "" {
		cfg.Bluetooth.Adapter = v
	}

	// InfluxDB
	if v := os.Getenv("BUDLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("BUDLINK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Security
	if v := os.Getenv("BUDLINK_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Daemon.ID == "" {
		errs = append(errs, "daemon.id is required")
	}

	if c.History.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when history is enabled")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Bluetooth.Adapter == "" {
		errs = append(errs, "bluetooth.adapter is required")
	}

	seen := make(map[string]bool, len(c.Bluetooth.Devices))
	for i, d := range c.Bluetooth.Devices {
		mac := strings.ToUpper(d.MAC)
		if !isMAC(mac) {
			errs = append(errs, fmt.Sprintf("bluetooth.devices[%d].mac %q is not a MAC address", i, d.MAC))
		}
		if seen[mac] {
			errs = append(errs, fmt.Sprintf("bluetooth.devices[%d].mac %q is listed twice", i, d.MAC))
		}
		seen[mac] = true
		switch d.Family {
		case "airpods", "nothing":
		default:
			errs = append(errs, fmt.Sprintf("bluetooth.devices[%d].family must be airpods or nothing", i))
		}
	}

	if c.Sync.ConfirmTimeout <= 0 {
		errs = append(errs, "sync.confirm_timeout must be positive")
	}
	if c.Sync.QueueSize <= 0 {
		errs = append(errs, "sync.queue_size must be positive")
	}
	if c.Sync.MaxRetries < 0 {
		errs = append(errs, "sync.max_retries cannot be negative")
	}

	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// isMAC reports whether s looks like AA:BB:CC:DD:EE:FF.
func isMAC(s string) bool {
	if len(s) != 17 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if i%3 == 2 {
			if c != ':' {
				return false
			}
			continue
		}
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// ConfirmTimeoutDuration returns the optimistic confirmation window.
func (s SyncConfig) ConfirmTimeoutDuration() time.Duration {
	return time.Duration(s.ConfirmTimeout) * time.Millisecond
}

// SweepIntervalDuration returns how often pending deadlines are checked.
func (s SyncConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(s.SweepInterval) * time.Millisecond
}

// CommandTimeoutDuration returns the per-send timeout.
func (s SyncConfig) CommandTimeoutDuration() time.Duration {
	return time.Duration(s.CommandTimeout) * time.Millisecond
}

// RetryBackoffDuration returns the initial retry delay.
func (s SyncConfig) RetryBackoffDuration() time.Duration {
	return time.Duration(s.RetryBackoff) * time.Millisecond
}

// ConnectTimeoutDuration returns the L2CAP connect timeout.
func (b BluetoothConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(b.ConnectTimeout) * time.Second
}
