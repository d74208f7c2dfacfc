package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for fleetd.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site        SiteConfig        `yaml:"site"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	API         APIConfig         `yaml:"api"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
	Devices     DevicesConfig     `yaml:"devices"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Feed        FeedConfig        `yaml:"feed"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// SiteConfig identifies the installation this core controls.
type SiteConfig struct {
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
	Enabled     bool                `yaml:"enabled"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
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

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains live feed connection settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
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

// DevicesConfig points at the device inventory file.
type DevicesConfig struct {
	Inventory string `yaml:"inventory"`
}

// DispatchConfig controls the job worker loop.
type DispatchConfig struct {
	PollIntervalMS   int `yaml:"poll_interval_ms"`
	RetryBaseMS      int `yaml:"retry_base_ms"`
	MaxAttempts      int `yaml:"max_attempts"`
	OfflineThreshold int `yaml:"offline_threshold"`
	CallTimeoutMS    int `yaml:"call_timeout_ms"`
}

// BreakerConfig controls the per-device circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	OpenDurationMS   int `yaml:"open_duration_ms"`
}

// ReconcileConfig controls the out-of-band health probe loop.
type ReconcileConfig struct {
	Enabled        bool   `yaml:"enabled"`
	IntervalMS     int    `yaml:"interval_ms"`
	ProbeTimeoutMS int    `yaml:"probe_timeout_ms"`
	Concurrency    int    `yaml:"concurrency"` // 0 means unbounded
	StatusPath     string `yaml:"status_path"`
}

// FeedConfig controls event bus subscribers and live feed snapshots.
type FeedConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	SnapshotJobs     int `yaml:"snapshot_jobs"`
}

// MaintenanceConfig controls the scheduled retention sweep.
type MaintenanceConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Schedule           string `yaml:"schedule"`
	JobRetentionDays   int    `yaml:"job_retention_days"`
	EventRetentionDays int    `yaml:"event_retention_days"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern FLEET_SECTION_KEY, for example
// FLEET_DATABASE_PATH or FLEET_API_PORT.
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

// Default returns the built-in configuration without reading any file.
// CLI subcommands that only touch the database use it when no config file exists.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "fleet-001",
			Name: "Fleet",
		},
		Database: DatabaseConfig{
			Path:        "./data/fleet.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			TopicPrefix: "fleet",
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "fleetd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   25,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Devices: DevicesConfig{
			Inventory: "./configs/devices.yaml",
		},
		Dispatch: DispatchConfig{
			PollIntervalMS:   2000,
			RetryBaseMS:      2000,
			MaxAttempts:      5,
			OfflineThreshold: 3,
			CallTimeoutMS:    5000,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenDurationMS:   30000,
		},
		Reconcile: ReconcileConfig{
			Enabled:        true,
			IntervalMS:     10000,
			ProbeTimeoutMS: 4000,
			Concurrency:    16,
			StatusPath:     "/status",
		},
		Feed: FeedConfig{
			SubscriberBuffer: 256,
			SnapshotJobs:     50,
		},
		Maintenance: MaintenanceConfig{
			Enabled:            false,
			Schedule:           "0 3 * * *",
			JobRetentionDays:   30,
			EventRetentionDays: 30,
		},
	}
}

// applyEnvOverrides applies FLEET_* environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEET_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("FLEET_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FLEET_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FLEET_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("FLEET_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("FLEET_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("FLEET_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("FLEET_DEVICES_INVENTORY"); v != "" {
		cfg.Devices.Inventory = v
	}

	if v := os.Getenv("FLEET_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
// All violations are collected so operators can fix them in one pass.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Dispatch.PollIntervalMS <= 0 {
		errs = append(errs, "dispatch.poll_interval_ms must be positive")
	}
	if c.Dispatch.RetryBaseMS <= 0 {
		errs = append(errs, "dispatch.retry_base_ms must be positive")
	}
	if c.Dispatch.MaxAttempts < 1 {
		errs = append(errs, "dispatch.max_attempts must be at least 1")
	}
	if c.Dispatch.OfflineThreshold < 1 {
		errs = append(errs, "dispatch.offline_threshold must be at least 1")
	}
	if c.Dispatch.CallTimeoutMS <= 0 {
		errs = append(errs, "dispatch.call_timeout_ms must be positive")
	}

	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, "breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.OpenDurationMS <= 0 {
		errs = append(errs, "breaker.open_duration_ms must be positive")
	}

	if c.Reconcile.Enabled {
		if c.Reconcile.IntervalMS <= 0 {
			errs = append(errs, "reconcile.interval_ms must be positive")
		}
		if c.Reconcile.ProbeTimeoutMS <= 0 {
			errs = append(errs, "reconcile.probe_timeout_ms must be positive")
		}
	}
	if c.Reconcile.Concurrency < 0 {
		errs = append(errs, "reconcile.concurrency must not be negative")
	}

	if c.Feed.SubscriberBuffer < 1 {
		errs = append(errs, "feed.subscriber_buffer must be at least 1")
	}

	if c.Maintenance.Enabled {
		if c.Maintenance.Schedule == "" {
			errs = append(errs, "maintenance.schedule is required when maintenance is enabled")
		}
		if c.Maintenance.JobRetentionDays < 1 || c.Maintenance.EventRetentionDays < 1 {
			errs = append(errs, "maintenance retention days must be at least 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
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

// PollInterval returns how long the worker sleeps when no job is due.
func (d DispatchConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMS) * time.Millisecond
}

// RetryBase returns the first backoff step.
func (d DispatchConfig) RetryBase() time.Duration {
	return time.Duration(d.RetryBaseMS) * time.Millisecond
}

// CallTimeout returns the default per-call device timeout.
func (d DispatchConfig) CallTimeout() time.Duration {
	return time.Duration(d.CallTimeoutMS) * time.Millisecond
}

// OpenDuration returns how long a tripped circuit stays open.
func (b BreakerConfig) OpenDuration() time.Duration {
	return time.Duration(b.OpenDurationMS) * time.Millisecond
}

// Interval returns the reconciliation period.
func (r ReconcileConfig) Interval() time.Duration {
	return time.Duration(r.IntervalMS) * time.Millisecond
}

// ProbeTimeout returns the per-device probe timeout.
func (r ReconcileConfig) ProbeTimeout() time.Duration {
	return time.Duration(r.ProbeTimeoutMS) * time.Millisecond
}

// JobRetention returns how long terminal jobs are kept.
func (m MaintenanceConfig) JobRetention() time.Duration {
	return time.Duration(m.JobRetentionDays) * 24 * time.Hour
}

// EventRetention returns how long device events are kept.
func (m MaintenanceConfig) EventRetention() time.Duration {
	return time.Duration(m.EventRetentionDays) * 24 * time.Hour
}
