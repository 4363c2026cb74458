package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Hearth Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site        SiteConfig        `yaml:"site"`
	Hub         HubConfig         `yaml:"hub"`
	API         APIConfig         `yaml:"api"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	History     HistoryConfig     `yaml:"history"`
	StateStream StateStreamConfig `yaml:"statestream"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
	Security    SecurityConfig    `yaml:"security"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// HubConfig contains the connection settings for the home-automation hub.
type HubConfig struct {
	// URL is the hub's WebSocket API endpoint.
	// Example: "ws://homeassistant.local:8123/api/websocket"
	URL string `yaml:"url"`

	// Token is the long-lived access token used to authenticate.
	// Set via HEARTH_HUB_TOKEN rather than the config file.
	Token string `yaml:"token"`

	// ConnectTimeout is the maximum time to wait for the WebSocket dial (seconds).
	ConnectTimeout int `yaml:"connect_timeout"`

	// AuthTimeout is the maximum time to wait for the hub's auth reply (seconds).
	AuthTimeout int `yaml:"auth_timeout"`

	// CallTimeout is the default wait for confirmed service calls (seconds).
	CallTimeout int `yaml:"call_timeout"`

	// PingInterval is how often liveness probes are sent (seconds).
	PingInterval int `yaml:"ping_interval"`

	// LivenessTimeout is how long the connection may stay silent before it
	// is considered dead and torn down for reconnect (seconds).
	LivenessTimeout int `yaml:"liveness_timeout"`

	// Reconnect contains the backoff tiers for the reconnect loop.
	Reconnect HubReconnectConfig `yaml:"reconnect"`
}

// HubReconnectConfig contains the backoff tiers applied between reconnect
// attempts. All values are in seconds.
type HubReconnectConfig struct {
	// InitialDelay is the starting backoff after a transport failure.
	InitialDelay int `yaml:"initial_delay"`

	// MaxDelay caps the exponential transport backoff.
	MaxDelay int `yaml:"max_delay"`

	// AuthFailureDelay is applied after a rejected or timed-out
	// authentication. Deliberately much longer than the transport tier:
	// retrying a bad credential rapidly is useless and may be rate-limited
	// by the hub.
	AuthFailureDelay int `yaml:"auth_failure_delay"`

	// CloseDelay is applied after a benign connection close.
	CloseDelay int `yaml:"close_delay"`

	// ErrorDelay is applied after an unexpected listen-loop error.
	ErrorDelay int `yaml:"error_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
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

// WebSocketConfig contains UI-facing WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// HistoryConfig contains the SQLite state-history settings.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// RetentionDays is how long state-history entries are kept before the
	// prune loop removes them. 0 disables pruning.
	RetentionDays int `yaml:"retention_days"`

	// BusyTimeout is the SQLite busy timeout in seconds.
	BusyTimeout int `yaml:"busy_timeout"`
}

// StateStreamConfig contains the MQTT state-stream settings.
type StateStreamConfig struct {
	Enabled   bool                  `yaml:"enabled"`
	Broker    StateStreamBroker     `yaml:"broker"`
	Auth      StateStreamAuthConfig `yaml:"auth"`
	QoS       int                   `yaml:"qos"`
	Reconnect StateStreamReconnect  `yaml:"reconnect"`
}

// StateStreamBroker contains MQTT broker connection details.
type StateStreamBroker struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// StateStreamAuthConfig contains MQTT authentication credentials.
type StateStreamAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// StateStreamReconnect contains MQTT reconnection settings (seconds).
type StateStreamReconnect struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
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

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: HEARTH_SECTION_KEY
// For example: HEARTH_HUB_URL, HEARTH_HUB_TOKEN, HEARTH_API_HOST
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
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Hearth",
			Timezone: "UTC",
		},
		Hub: HubConfig{
			URL:             "ws://localhost:8123/api/websocket",
			ConnectTimeout:  10,
			AuthTimeout:     10,
			CallTimeout:     10,
			PingInterval:    30,
			LivenessTimeout: 90,
			Reconnect: HubReconnectConfig{
				InitialDelay:     1,
				MaxDelay:         60,
				AuthFailureDelay: 60,
				CloseDelay:       5,
				ErrorDelay:       15,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		History: HistoryConfig{
			Path:          "./data/hearth-history.db",
			RetentionDays: 30,
			BusyTimeout:   5,
		},
		StateStream: StateStreamConfig{
			Broker: StateStreamBroker{
				Host:     "localhost",
				Port:     1883,
				ClientID: "hearth-core",
			},
			QoS: 1,
			Reconnect: StateStreamReconnect{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: HEARTH_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Hub
	if v := os.Getenv("HEARTH_HUB_URL"); v != "" {
		cfg.Hub.URL = v
	}
	if v := os.Getenv("HEARTH_HUB_TOKEN"); v != "" {
		cfg.Hub.Token = v
	}

	// API
	if v := os.Getenv("HEARTH_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// History
	if v := os.Getenv("HEARTH_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}

	// State stream
	if v := os.Getenv("HEARTH_MQTT_HOST"); v != "" {
		cfg.StateStream.Broker.Host = v
	}
	if v := os.Getenv("HEARTH_MQTT_USERNAME"); v != "" {
		cfg.StateStream.Auth.Username = v
	}
	if v := os.Getenv("HEARTH_MQTT_PASSWORD"); v != "" {
		cfg.StateStream.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("HEARTH_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (IMPORTANT: always override in production)
	if v := os.Getenv("HEARTH_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Site validation
	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Hub validation
	if c.Hub.URL == "" {
		errs = append(errs, "hub.url is required")
	} else if !strings.HasPrefix(c.Hub.URL, "ws://") && !strings.HasPrefix(c.Hub.URL, "wss://") {
		errs = append(errs, "hub.url must use the ws:// or wss:// scheme")
	}
	if c.Hub.Token == "" {
		errs = append(errs, "hub.token is required (set HEARTH_HUB_TOKEN environment variable)")
	}
	if c.Hub.PingInterval > 0 && c.Hub.LivenessTimeout > 0 &&
		c.Hub.LivenessTimeout <= c.Hub.PingInterval {
		errs = append(errs, "hub.liveness_timeout must be greater than hub.ping_interval")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// State stream validation
	if c.StateStream.QoS < 0 || c.StateStream.QoS > 2 {
		errs = append(errs, "statestream.qos must be 0, 1, or 2")
	}

	// History validation
	if c.History.Enabled && c.History.Path == "" {
		errs = append(errs, "history.path is required when history is enabled")
	}

	// Security validation - JWT secret is REQUIRED
	// The API grants control over physical devices; an empty or weak secret
	// would let an attacker forge tokens and operate them.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set HEARTH_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
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
