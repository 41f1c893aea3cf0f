package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"collabroom/internal/websocket"
	dbconfig "collabroom/pkg/database"
)

// EnvPrefix namespaces environment overrides: http.port -> COLLABROOM_HTTP_PORT.
const EnvPrefix = "COLLABROOM"

// Config is the system-wide settings tree.
type Config struct {
	HTTP      *HTTPConfig      `mapstructure:"http"`
	WebSocket *WebSocketConfig `mapstructure:"websocket"`
	Database  *DatabaseConfig  `mapstructure:"database"`
	Router    *RouterConfig    `mapstructure:"router"`
	Log       *LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type WebSocketConfig struct {
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	BufferSize      int           `mapstructure:"buffer_size"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
}

// DatabaseConfig controls the session recorder. With Enabled false,
// sessions that ask for recording run unrecorded.
type DatabaseConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Path           string        `mapstructure:"path"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConnections int           `mapstructure:"max_connections"`
}

type RouterConfig struct {
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`
}

type LogConfig struct {
	// Env "prod" selects JSON output.
	Env   string `mapstructure:"env"`
	Level string `mapstructure:"level"`
}

// DefaultConfig returns settings suitable for a single classroom node:
// 30s heartbeat, 100 frames of outbound buffer, 100 inbound events per user per minute.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:    30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			BufferSize:      100,
			MaxMessageBytes: 64 * 1024,
		},
		Database: &DatabaseConfig{
			Enabled:        true,
			Path:           "./data/collabroom.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
		},
		Router: &RouterConfig{
			RateLimitPerMinute: 100,
		},
		Log: &LogConfig{
			Env:   "dev",
			Level: "debug",
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.HTTP == nil {
		return errors.New("HTTP configuration is required")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	// 0 binds an ephemeral port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}

	if c.WebSocket == nil {
		return errors.New("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		return errors.New("WebSocket max message size must be positive")
	}

	if c.Database == nil {
		return errors.New("database configuration is required")
	}
	if c.Database.Enabled {
		if err := c.RecorderConfig().Validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if c.Router == nil {
		return errors.New("router configuration is required")
	}
	if c.Router.RateLimitPerMinute <= 0 {
		return errors.New("router rate limit must be positive")
	}

	if c.Log == nil {
		return errors.New("log configuration is required")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// HandlerConfig projects the transport settings for the WebSocket handler.
func (c *Config) HandlerConfig() websocket.HandlerConfig {
	return websocket.HandlerConfig{
		Connection: websocket.Options{
			BufferSize:   c.WebSocket.BufferSize,
			WriteTimeout: c.WebSocket.WriteTimeout,
			PingInterval: c.WebSocket.PingInterval,
		},
		ReadTimeout:     c.WebSocket.ReadTimeout,
		MaxMessageBytes: c.WebSocket.MaxMessageBytes,
		AllowedOrigins:  c.HTTP.AllowedOrigins,
	}
}

// RecorderConfig projects the database section onto the recorder's pool settings.
func (c *Config) RecorderConfig() *dbconfig.Config {
	rc := dbconfig.DefaultConfig()
	rc.DatabasePath = c.Database.Path
	rc.MaxConnections = c.Database.MaxConnections
	rc.WriteTimeout = c.Database.Timeout
	return rc
}

// newViper seeds a viper instance with every default so that
// AutomaticEnv, when enabled, can resolve each key.
func newViper(withEnv bool) *viper.Viper {
	v := viper.New()
	d := DefaultConfig()

	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.allowed_origins", []string{})

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.buffer_size", d.WebSocket.BufferSize)
	v.SetDefault("websocket.max_message_bytes", d.WebSocket.MaxMessageBytes)

	v.SetDefault("database.enabled", d.Database.Enabled)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.timeout", d.Database.Timeout)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)

	v.SetDefault("router.rate_limit_per_minute", d.Router.RateLimitPerMinute)

	v.SetDefault("log.env", d.Log.Env)
	v.SetDefault("log.level", d.Log.Level)

	if withEnv {
		v.SetEnvPrefix(EnvPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	config := DefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return config, nil
}

// LoadFromEnv applies COLLABROOM_* environment overrides to the defaults.
func LoadFromEnv() (*Config, error) {
	config, err := decode(newViper(true))
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration from environment: %w", err)
	}
	return config, nil
}

// LoadFromFile reads a JSON, YAML or TOML file (by extension) over the defaults.
// Environment variables are not consulted.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	base := newViper(false)
	for _, key := range v.AllKeys() {
		base.Set(key, v.Get(key))
	}
	return finish(base, path)
}

// LoadConfigWithPrecedence resolves configuration as file > environment > defaults.
// A .env file in the working directory, if present, feeds the environment layer
// without overriding variables that are already set. An empty path skips the file layer.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := newViper(true)
	if path != "" {
		fv := viper.New()
		fv.SetConfigFile(path)
		if err := fv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		// Set outranks AutomaticEnv in viper's lookup order.
		for _, key := range fv.AllKeys() {
			v.Set(key, fv.Get(key))
		}
	}
	return finish(v, path)
}

func finish(v *viper.Viper, source string) (*Config, error) {
	config, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		if source == "" {
			source = "environment"
		}
		return nil, fmt.Errorf("invalid configuration in %s: %w", source, err)
	}
	return config, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}
