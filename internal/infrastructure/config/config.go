package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the WiFan bridge daemon.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Cloud     CloudConfig     `yaml:"cloud"`
	Sync      SyncConfig      `yaml:"sync"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// CloudConfig contains everything needed to talk to the vendor cloud:
// the OAuth identity provider, the device API, and the account credentials.
type CloudConfig struct {
	Auth        CloudAuthConfig `yaml:"auth"`
	API         CloudAPIConfig  `yaml:"api"`
	Username    string          `yaml:"username"`
	Password    string          `yaml:"password"`
	HTTPTimeout int             `yaml:"http_timeout"` // seconds
}

// CloudAuthConfig contains the OAuth2/PKCE identity provider settings.
// The defaults match the vendor's production tenant; they rarely need changing.
type CloudAuthConfig struct {
	BaseURL     string `yaml:"base_url"`
	ClientID    string `yaml:"client_id"`
	RedirectURI string `yaml:"redirect_uri"`
	Scope       string `yaml:"scope"`
	Tenant      string `yaml:"tenant"`
	Connection  string `yaml:"connection"`
	Auth0Client string `yaml:"auth0_client"`
	SessionSkew int    `yaml:"session_skew"` // seconds before expiry to refresh
}

// CloudAPIConfig contains the vendor device API settings.
type CloudAPIConfig struct {
	BaseURL string `yaml:"base_url"`
	Key     string `yaml:"key"`
}

// SyncConfig contains the state synchronisation engine settings.
type SyncConfig struct {
	PollInterval    int     `yaml:"poll_interval"`    // seconds between reconciliation polls
	PollJitter      float64 `yaml:"poll_jitter"`      // fraction of the interval (0.1 = ±10%)
	RetryBase       int     `yaml:"retry_base"`       // seconds, first retry delay
	RetryCap        int     `yaml:"retry_cap"`        // seconds, maximum retry delay
	RetryAttempts   int     `yaml:"retry_attempts"`   // write attempts before giving up
	SettleDelay     int     `yaml:"settle_delay"`     // seconds to wait after a query packet
	ShutdownTimeout int     `yaml:"shutdown_timeout"` // seconds to wait for in-flight writes
	HistoryLimit    int     `yaml:"history_limit"`    // retained history entries per device
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings for the optional
// MQTT control surface.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	BaseTopic string              `yaml:"base_topic"`
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
	// KeyHash is an Argon2id PHC hash of the API key. When empty the API
	// accepts unauthenticated requests (local-network deployments).
	KeyHash string `yaml:"key_hash"`
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

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
	SendBuffer     int `yaml:"send_buffer"`
}

// InfluxDBConfig contains optional telemetry sink settings.
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

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: WIFAN_SECTION_KEY
// For example: WIFAN_CLOUD_USERNAME, WIFAN_DATABASE_PATH
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

// Default values for the vendor endpoints. These mirror the official
// mobile application's OAuth client and API gateway.
const (
	defaultAuthBaseURL  = "https://authglb.digital.panasonic.com"
	defaultOAuthClient  = "8k1QeEXDxt3qGgYOvDY7NmZLfl60YfNi"
	defaultRedirectURI  = "panasonic-mycfan://authglb.digital.panasonic.com/android/com.panasonic.mycfan/callback"
	defaultScope        = "openid offline_access mycfan.control"
	defaultTenant       = "pdpauthglb-a1"
	defaultConnection   = "PanasonicID-Authentication"
	defaultAuth0Client  = "eyJuYW1lIjoiYXV0aDAuanMtdWxwIiwidmVyc2lvbiI6IjkuMjguMCJ9"
	defaultAPIBaseURL   = "https://prod.mycfan.pgtls.net/v1/mycfan"
	defaultCloudAPIKey  = "rZLwuRtU0nFb20Mh6LShL6uY3fZ5tBlarz4ONmdl"
	defaultPollInterval = 300
)

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Cloud: CloudConfig{
			Auth: CloudAuthConfig{
				BaseURL:     defaultAuthBaseURL,
				ClientID:    defaultOAuthClient,
				RedirectURI: defaultRedirectURI,
				Scope:       defaultScope,
				Tenant:      defaultTenant,
				Connection:  defaultConnection,
				Auth0Client: defaultAuth0Client,
				SessionSkew: 60,
			},
			API: CloudAPIConfig{
				BaseURL: defaultAPIBaseURL,
				Key:     defaultCloudAPIKey,
			},
			HTTPTimeout: 30,
		},
		Sync: SyncConfig{
			PollInterval:    defaultPollInterval,
			PollJitter:      0.1,
			RetryBase:       2,
			RetryCap:        30,
			RetryAttempts:   5,
			SettleDelay:     2,
			ShutdownTimeout: 30,
			HistoryLimit:    50,
		},
		Database: DatabaseConfig{
			Path:        "./data/wifan.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "wifand",
			},
			QoS:       1,
			BaseTopic: "wifan",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8321,
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
			SendBuffer:     32,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: WIFAN_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Cloud credentials — prefer the environment over the config file so the
	// file can be committed without secrets.
	if v := os.Getenv("WIFAN_CLOUD_USERNAME"); v != "" {
		cfg.Cloud.Username = v
	}
	if v := os.Getenv("WIFAN_CLOUD_PASSWORD"); v != "" {
		cfg.Cloud.Password = v
	}
	if v := os.Getenv("WIFAN_CLOUD_API_KEY"); v != "" {
		cfg.Cloud.API.Key = v
	}

	// Sync
	if v := os.Getenv("WIFAN_SYNC_POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PollInterval = n
		}
	}

	// Database
	if v := os.Getenv("WIFAN_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("WIFAN_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("WIFAN_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("WIFAN_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("WIFAN_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("WIFAN_API_KEY_HASH"); v != "" {
		cfg.API.KeyHash = v
	}

	// InfluxDB
	if v := os.Getenv("WIFAN_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Cloud validation — the bridge is useless without account credentials.
	if c.Cloud.Username == "" {
		errs = append(errs, "cloud.username is required (set WIFAN_CLOUD_USERNAME environment variable)")
	}
	if c.Cloud.Password == "" {
		errs = append(errs, "cloud.password is required (set WIFAN_CLOUD_PASSWORD environment variable)")
	}
	if c.Cloud.Auth.BaseURL == "" {
		errs = append(errs, "cloud.auth.base_url is required")
	}
	if c.Cloud.API.BaseURL == "" {
		errs = append(errs, "cloud.api.base_url is required")
	}
	if c.Cloud.HTTPTimeout < 1 {
		errs = append(errs, "cloud.http_timeout must be at least 1 second")
	}

	// Sync validation — bounds protect the vendor API from pathological settings.
	const minPollInterval = 10
	if c.Sync.PollInterval < minPollInterval {
		errs = append(errs, fmt.Sprintf("sync.poll_interval must be at least %d seconds", minPollInterval))
	}
	if c.Sync.PollJitter < 0 || c.Sync.PollJitter > 0.5 {
		errs = append(errs, "sync.poll_jitter must be between 0 and 0.5")
	}
	if c.Sync.RetryAttempts < 1 {
		errs = append(errs, "sync.retry_attempts must be at least 1")
	}
	if c.Sync.RetryBase < 1 || c.Sync.RetryCap < c.Sync.RetryBase {
		errs = append(errs, "sync.retry_cap must be >= sync.retry_base >= 1")
	}
	if c.Sync.HistoryLimit < 1 {
		errs = append(errs, "sync.history_limit must be at least 1")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.BaseTopic == "" {
		errs = append(errs, "mqtt.base_topic is required when mqtt is enabled")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.KeyHash != "" && !strings.HasPrefix(c.API.KeyHash, "$argon2id$") {
		errs = append(errs, "api.key_hash must be an Argon2id PHC string")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetHTTPTimeout returns the cloud HTTP client timeout as a Duration.
func (c CloudConfig) GetHTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeout) * time.Second
}

// GetSessionSkew returns the session refresh skew as a Duration.
func (c CloudAuthConfig) GetSessionSkew() time.Duration {
	return time.Duration(c.SessionSkew) * time.Second
}

// GetPollInterval returns the reconciliation poll interval as a Duration.
func (c SyncConfig) GetPollInterval() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// GetRetryBase returns the first retry delay as a Duration.
func (c SyncConfig) GetRetryBase() time.Duration {
	return time.Duration(c.RetryBase) * time.Second
}

// GetRetryCap returns the maximum retry delay as a Duration.
func (c SyncConfig) GetRetryCap() time.Duration {
	return time.Duration(c.RetryCap) * time.Second
}

// GetSettleDelay returns the post-query settle delay as a Duration.
func (c SyncConfig) GetSettleDelay() time.Duration {
	return time.Duration(c.SettleDelay) * time.Second
}

// GetShutdownTimeout returns the engine shutdown grace period as a Duration.
func (c SyncConfig) GetShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c APIConfig) GetReadTimeout() time.Duration {
	return time.Duration(c.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c APIConfig) GetWriteTimeout() time.Duration {
	return time.Duration(c.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c APIConfig) GetIdleTimeout() time.Duration {
	return time.Duration(c.Timeouts.Idle) * time.Second
}
