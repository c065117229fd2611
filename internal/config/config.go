// Package config defines runtime settings for the relay and the reconnecting
// client, their defaults, and validation.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ServerConfig holds the HTTP and WebSocket listener settings.
type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
	MaxMessageSize  int64         `koanf:"max_message_size" validate:"gt=0"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	// WriteTimeout bounds each websocket frame write.
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// HeartbeatConfig controls liveness probing of relay connections.
type HeartbeatConfig struct {
	// ProbeIntervalMs is how often a live connection is pinged.
	ProbeIntervalMs int `koanf:"probe_interval_ms" validate:"gt=0"`
	// PongTimeoutMs is how long to wait for a pong before declaring the connection dead.
	PongTimeoutMs int `koanf:"pong_timeout_ms" validate:"gt=0"`
}

// ProbeInterval returns ProbeIntervalMs as a duration.
func (h HeartbeatConfig) ProbeInterval() time.Duration {
	return time.Duration(h.ProbeIntervalMs) * time.Millisecond
}

// PongTimeout returns PongTimeoutMs as a duration.
func (h HeartbeatConfig) PongTimeout() time.Duration {
	return time.Duration(h.PongTimeoutMs) * time.Millisecond
}

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `koanf:"burst" validate:"gt=0"`
	RefillInterval time.Duration `koanf:"refill_interval" validate:"gt=0"`
}

// AuthConfig holds identity token and credential settings.
type AuthConfig struct {
	JWTSecret    string        `koanf:"jwt_secret" validate:"required,min=16"`
	TokenTTL     time.Duration `koanf:"token_ttl" validate:"gt=0"`
	CookieSecure bool          `koanf:"cookie_secure"`
	BcryptCost   int           `koanf:"bcrypt_cost" validate:"gte=4,lte=31"`
}

// StorageConfig locates the message database and attachment directory.
type StorageConfig struct {
	DatabasePath string `koanf:"database_path" validate:"required"`
	UploadsDir   string `koanf:"uploads_dir" validate:"required"`
}

// LogConfig selects log level and output format.
type LogConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn warning error disabled"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
}

// ClientConfig holds settings for the reconnecting client.
type ClientConfig struct {
	// URL overrides the websocket endpoint derived from the relay base URL.
	URL              string        `koanf:"url"`
	BackoffMs        int           `koanf:"backoff_ms" validate:"gt=0"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
}

// Backoff returns BackoffMs as a duration.
func (c ClientConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMs) * time.Millisecond
}

// Config is the complete relaychat configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Heartbeat HeartbeatConfig `koanf:"heartbeat"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Auth      AuthConfig      `koanf:"auth"`
	Storage   StorageConfig   `koanf:"storage"`
	Log       LogConfig       `koanf:"log"`
	Client    ClientConfig    `koanf:"client"`
}

// Default returns a Config populated with default values for all settings.
// The JWT secret is left empty and must be supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":4000",
			AllowedOrigins: []string{
				"http://localhost:4000",
				"http://localhost:5173",
			},
			MaxMessageSize:  10 << 20,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			ProbeIntervalMs: 5000,
			PongTimeoutMs:   1000,
		},
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Auth: AuthConfig{
			TokenTTL:     7 * 24 * time.Hour,
			CookieSecure: true,
			BcryptCost:   10,
		},
		Storage: StorageConfig{
			DatabasePath: "relaychat.db",
			UploadsDir:   "uploads",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Client: ClientConfig{
			BackoffMs:        1000,
			HandshakeTimeout: 5 * time.Second,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for missing or out-of-range values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Heartbeat.PongTimeoutMs >= c.Heartbeat.ProbeIntervalMs {
		return fmt.Errorf("invalid configuration: heartbeat pong timeout (%dms) must be shorter than probe interval (%dms)",
			c.Heartbeat.PongTimeoutMs, c.Heartbeat.ProbeIntervalMs)
	}
	return nil
}
