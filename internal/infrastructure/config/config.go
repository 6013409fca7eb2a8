package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for domuslink.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Transport  TransportConfig  `yaml:"transport"`
	Poll       PollConfig       `yaml:"poll"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ControllerConfig identifies the upstream building-automation controller
// and the credentials used to obtain session tokens.
type ControllerConfig struct {
	// Host is the controller address, including port (e.g., "192.168.1.10:443").
	Host string `yaml:"host"`

	// TLS enables wss:// and https:// connections to the controller.
	TLS bool `yaml:"tls"`

	// Username and Password are the login credentials. Prefer setting the
	// password via DOMUSLINK_CONTROLLER_PASSWORD rather than the config file.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// LoginBackoffInitial is the initial not-before window after a failed
	// login attempt, in seconds. Doubles per consecutive failure.
	LoginBackoffInitial int `yaml:"login_backoff_initial"`

	// LoginBackoffMax caps the not-before window, in seconds.
	LoginBackoffMax int `yaml:"login_backoff_max"`
}

// TransportConfig contains push-channel (WebSocket) settings.
type TransportConfig struct {
	// ConnectTimeout is the maximum time for dial + handshake, in seconds.
	ConnectTimeout int `yaml:"connect_timeout"`

	// CallTimeout is the per-request timeout for correlated calls, in seconds.
	CallTimeout int `yaml:"call_timeout"`

	// KeepaliveInterval is the expected interval of server keepalive
	// traffic, in seconds.
	KeepaliveInterval int `yaml:"keepalive_interval"`

	// IdleMultiplier scales KeepaliveInterval into the idle watchdog
	// threshold. Keep this generous: a genuinely idle system produces only
	// keepalive traffic, and a too-aggressive threshold turns quiet periods
	// into reconnection storms.
	IdleMultiplier int `yaml:"idle_multiplier"`

	// ReconnectInitialDelay and ReconnectMaxDelay bound the external
	// reconnect loop's exponential backoff, in seconds.
	ReconnectInitialDelay int `yaml:"reconnect_initial_delay"`
	ReconnectMaxDelay     int `yaml:"reconnect_max_delay"`
}

// PollConfig contains stateless-channel polling settings.
type PollConfig struct {
	// Interval is the full-state poll period, in seconds.
	Interval int `yaml:"interval"`

	// EntityTypes lists the entity types fetched on each poll cycle.
	EntityTypes []string `yaml:"entity_types"`

	// RequestTimeout is the per-request timeout, in seconds.
	RequestTimeout int `yaml:"request_timeout"`

	// CorrelateEnergy enables the daily-energy correlation cycle against
	// the time-series database.
	CorrelateEnergy bool `yaml:"correlate_energy"`
}

// MQTTConfig contains settings for the downstream state-event publisher.
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

// InfluxDBConfig contains InfluxDB connection settings for telemetry
// writes and the batched daily-energy query.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// DatabaseConfig contains SQLite database settings for the state history
// audit trail.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// RetentionDays bounds the state-history audit trail; entries older
	// than this are pruned daily. Zero disables pruning.
	RetentionDays int `yaml:"retention_days"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DOMUSLINK_SECTION_KEY
// For example: DOMUSLINK_CONTROLLER_HOST, DOMUSLINK_DATABASE_PATH
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Controller: ControllerConfig{
			TLS:                 true,
			LoginBackoffInitial: 5,
			LoginBackoffMax:     300,
		},
		Transport: TransportConfig{
			ConnectTimeout:        10,
			CallTimeout:           10,
			KeepaliveInterval:     60,
			IdleMultiplier:        3,
			ReconnectInitialDelay: 5,
			ReconnectMaxDelay:     120,
		},
		Poll: PollConfig{
			Interval:       300,
			EntityTypes:    []string{"light", "cover", "relay", "sensor", "meter"},
			RequestTimeout: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "domuslink",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Database: DatabaseConfig{
			Path:          "./data/domuslink.db",
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 90,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: DOMUSLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Controller
	if v := os.Getenv("DOMUSLINK_CONTROLLER_HOST"); v != "" {
		cfg.Controller.Host = v
	}
	if v := os.Getenv("DOMUSLINK_CONTROLLER_USERNAME"); v != "" {
		cfg.Controller.Username = v
	}
	if v := os.Getenv("DOMUSLINK_CONTROLLER_PASSWORD"); v != "" {
		cfg.Controller.Password = v
	}

	// Database
	if v := os.Getenv("DOMUSLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("DOMUSLINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DOMUSLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DOMUSLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("DOMUSLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Controller.Host == "" {
		errs = append(errs, "controller.host is required")
	}
	if c.Controller.Username == "" {
		errs = append(errs, "controller.username is required")
	}
	if c.Controller.Password == "" {
		errs = append(errs, "controller.password is required (set DOMUSLINK_CONTROLLER_PASSWORD)")
	}

	if c.Transport.ConnectTimeout <= 0 {
		errs = append(errs, "transport.connect_timeout must be positive")
	}
	if c.Transport.CallTimeout <= 0 {
		errs = append(errs, "transport.call_timeout must be positive")
	}
	if c.Transport.KeepaliveInterval <= 0 {
		errs = append(errs, "transport.keepalive_interval must be positive")
	}
	if c.Transport.IdleMultiplier < 2 {
		errs = append(errs, "transport.idle_multiplier must be at least 2 (aggressive watchdogs cause reconnection storms)")
	}

	if c.Poll.Interval <= 0 {
		errs = append(errs, "poll.interval must be positive")
	}
	if len(c.Poll.EntityTypes) == 0 {
		errs = append(errs, "poll.entity_types must not be empty")
	}

	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.RetentionDays < 0 {
		errs = append(errs, "database.retention_days must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetConnectTimeout returns the transport connect timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.Transport.ConnectTimeout) * time.Second
}

// GetCallTimeout returns the transport call timeout as a Duration.
func (c *Config) GetCallTimeout() time.Duration {
	return time.Duration(c.Transport.CallTimeout) * time.Second
}

// GetKeepaliveInterval returns the expected keepalive interval as a Duration.
func (c *Config) GetKeepaliveInterval() time.Duration {
	return time.Duration(c.Transport.KeepaliveInterval) * time.Second
}

// GetIdleTimeout returns the idle watchdog threshold as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return c.GetKeepaliveInterval() * time.Duration(c.Transport.IdleMultiplier)
}

// GetPollInterval returns the poll period as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Poll.Interval) * time.Second
}

// GetHistoryRetention returns the audit-trail retention window as a
// Duration. Zero means pruning is disabled.
func (c *Config) GetHistoryRetention() time.Duration {
	return time.Duration(c.Database.RetentionDays) * 24 * time.Hour
}

// GetPollRequestTimeout returns the stateless request timeout as a Duration.
func (c *Config) GetPollRequestTimeout() time.Duration {
	return time.Duration(c.Poll.RequestTimeout) * time.Second
}
