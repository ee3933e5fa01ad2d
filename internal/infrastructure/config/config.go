package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Bus driver names accepted in bus.driver.
const (
	DriverSimulator = "simulator"
	DriverSXI       = "sxi"
)

// Config is the root configuration structure for the SX4 controller.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	SXnet     SXnetConfig     `yaml:"sxnet"`
	Bus       BusConfig       `yaml:"bus"`
	Routes    RoutesConfig    `yaml:"routes"`
	Layout    LayoutConfig    `yaml:"layout"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// SiteConfig identifies the layout this controller drives.
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
// The MQTT mirror is optional; when Enabled is false no broker connection is attempted.
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
	MaxAttempts  int `yaml:"max_attempts"`
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
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
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

// SXnetConfig contains the SXnet line protocol server settings.
type SXnetConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// InitialDelayMS is the grace period before the first broadcast tick of a session.
	InitialDelayMS int `yaml:"initial_delay_ms"`

	// BroadcastIntervalMS is the period between broadcast ticks.
	BroadcastIntervalMS int `yaml:"broadcast_interval_ms"`

	// LineCap is the soft length cap of an accumulated broadcast line.
	LineCap int `yaml:"line_cap"`

	// DebounceMS is the window in which an identical outbound line is suppressed.
	DebounceMS int `yaml:"debounce_ms"`
}

// BusConfig selects and configures the bus driver.
type BusConfig struct {
	// Driver is "simulator" (in-process loopback) or "sxi" (upstream SX interface over TCP).
	Driver string    `yaml:"driver"`
	SXI    SXIConfig `yaml:"sxi"`
}

// SXIConfig contains the upstream SX interface connection settings.
type SXIConfig struct {
	// Connection is a URL of the form tcp://host:port.
	Connection        string `yaml:"connection"`
	ConnectTimeout    int    `yaml:"connect_timeout"`
	ReadTimeout       int    `yaml:"read_timeout"`
	ReconnectInterval int    `yaml:"reconnect_interval"`
	HealthInterval    int    `yaml:"health_interval"`
}

// RoutesConfig contains route interlocking timing.
type RoutesConfig struct {
	AutoClearSeconds int `yaml:"auto_clear_seconds"`
	ClearSoonSeconds int `yaml:"clear_soon_seconds"`
	SweepIntervalMS  int `yaml:"sweep_interval_ms"`
}

// LayoutConfig points at the panel element and route definition file.
type LayoutConfig struct {
	File string `yaml:"file"`
}

// DiscoveryConfig contains mDNS advertisement settings.
type DiscoveryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Instance  string `yaml:"instance"`
	Interface string `yaml:"interface"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. Optional .env file next to the configuration file
//  3. YAML file values (override defaults)
//  4. Environment variables (override file values)
//
// Environment variables follow the pattern: SX4_SECTION_KEY
// For example: SX4_DATABASE_PATH, SX4_SXNET_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

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

// loadDotEnv loads variables from a .env file into the process environment.
// Variables already set are not overridden. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "layout-001",
			Name: "SX4",
		},
		Database: DatabaseConfig{
			Path:        "./data/sx4.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "sx4-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		SXnet: SXnetConfig{
			Host:                "0.0.0.0",
			Port:                4104,
			InitialDelayMS:      1000,
			BroadcastIntervalMS: 200,
			LineCap:             60,
			DebounceMS:          300,
		},
		Bus: BusConfig{
			Driver: DriverSimulator,
			SXI: SXIConfig{
				ConnectTimeout:    10,
				ReadTimeout:       30,
				ReconnectInterval: 2,
				HealthInterval:    30,
			},
		},
		Routes: RoutesConfig{
			AutoClearSeconds: 30,
			ClearSoonSeconds: 3,
			SweepIntervalMS:  500,
		},
		Layout: LayoutConfig{
			File: "configs/layout.yaml",
		},
		Discovery: DiscoveryConfig{
			Instance: "SX4",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SX4_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("SX4_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("SX4_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("SX4_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("SX4_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("SX4_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("SX4_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// SXnet
	if v := os.Getenv("SX4_SXNET_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.SXnet.Port = port
		}
	}

	// Bus
	if v := os.Getenv("SX4_BUS_DRIVER"); v != "" {
		cfg.Bus.Driver = v
	}
	if v := os.Getenv("SX4_BUS_CONNECTION"); v != "" {
		cfg.Bus.SXI.Connection = v
	}

	// Layout
	if v := os.Getenv("SX4_LAYOUT_FILE"); v != "" {
		cfg.Layout.File = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
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

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.SXnet.Port < 1 || c.SXnet.Port > 65535 {
		errs = append(errs, "sxnet.port must be between 1 and 65535")
	}
	if c.SXnet.BroadcastIntervalMS <= 0 {
		errs = append(errs, "sxnet.broadcast_interval_ms must be positive")
	}
	if c.SXnet.InitialDelayMS < 0 {
		errs = append(errs, "sxnet.initial_delay_ms must not be negative")
	}
	const minLineCap = 16
	if c.SXnet.LineCap < minLineCap {
		errs = append(errs, fmt.Sprintf("sxnet.line_cap must be at least %d", minLineCap))
	}
	if c.SXnet.DebounceMS < 0 {
		errs = append(errs, "sxnet.debounce_ms must not be negative")
	}

	switch c.Bus.Driver {
	case DriverSimulator:
	case DriverSXI:
		if c.Bus.SXI.Connection == "" {
			errs = append(errs, "bus.sxi.connection is required when bus.driver is sxi")
		}
	default:
		errs = append(errs, fmt.Sprintf("bus.driver must be %q or %q", DriverSimulator, DriverSXI))
	}

	if c.Routes.AutoClearSeconds <= 0 {
		errs = append(errs, "routes.auto_clear_seconds must be positive")
	}
	if c.Routes.ClearSoonSeconds <= 0 {
		errs = append(errs, "routes.clear_soon_seconds must be positive")
	}
	if c.Routes.SweepIntervalMS <= 0 || c.Routes.SweepIntervalMS >= 1000 {
		errs = append(errs, "routes.sweep_interval_ms must be between 1 and 999")
	}

	if c.Layout.File == "" {
		errs = append(errs, "layout.file is required")
	}

	if c.Discovery.Enabled && c.Discovery.Instance == "" {
		errs = append(errs, "discovery.instance is required when discovery is enabled")
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

// GetInitialDelay returns the SXnet broadcast grace period.
func (c *Config) GetInitialDelay() time.Duration {
	return time.Duration(c.SXnet.InitialDelayMS) * time.Millisecond
}

// GetBroadcastInterval returns the SXnet broadcast period.
func (c *Config) GetBroadcastInterval() time.Duration {
	return time.Duration(c.SXnet.BroadcastIntervalMS) * time.Millisecond
}

// GetDebounce returns the SXnet duplicate-line suppression window.
func (c *Config) GetDebounce() time.Duration {
	return time.Duration(c.SXnet.DebounceMS) * time.Millisecond
}

// GetAutoClearDelay returns how long a manually set route stays active.
func (c *Config) GetAutoClearDelay() time.Duration {
	return time.Duration(c.Routes.AutoClearSeconds) * time.Second
}

// GetClearSoonDelay returns the deadline applied by a clear-soon request.
func (c *Config) GetClearSoonDelay() time.Duration {
	return time.Duration(c.Routes.ClearSoonSeconds) * time.Second
}

// GetSweepInterval returns the route sweep period.
func (c *Config) GetSweepInterval() time.Duration {
	return time.Duration(c.Routes.SweepIntervalMS) * time.Millisecond
}
