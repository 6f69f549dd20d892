// Package config provides the relay's runtime settings: defaults, an optional
// YAML file, an optional .env file, and RELAY_-prefixed environment variables,
// applied in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v3"

	"github.com/Tyrowin/relay/internal/logging"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "RELAY_"

// Lag policies accepted by Config.LagPolicy.
const (
	LagResync     = "resync"
	LagDisconnect = "disconnect"
)

// RateLimitConfig defines per-connection inbound message throttling. A
// non-positive Burst disables throttling.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst" env:"BURST"`
	RefillInterval time.Duration `yaml:"refill_interval" env:"REFILL_INTERVAL"`
}

// RedisConfig enables the cross-node bridge when URL is set.
type RedisConfig struct {
	URL     string `yaml:"url" env:"URL"`
	Channel string `yaml:"channel" env:"CHANNEL"`
	NodeID  string `yaml:"node_id" env:"NODE_ID"`
}

// Config holds the relay configuration.
type Config struct {
	// Addr is the TCP host:port for line-delimited clients.
	Addr string `yaml:"addr" env:"ADDR"`
	// HTTPAddr serves the WebSocket gateway and health endpoint. Empty disables it.
	HTTPAddr string `yaml:"http_addr" env:"HTTP_ADDR"`
	// Backlog is the number of messages retained by the hub.
	Backlog int `yaml:"backlog" env:"BACKLOG"`
	// EchoSelf delivers a session's own messages back to it.
	EchoSelf  bool   `yaml:"echo_self" env:"ECHO_SELF"`
	LagPolicy string `yaml:"lag_policy" env:"LAG_POLICY"`

	MaxMessageSize  int           `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	AllowedOrigins []string        `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Log            logging.Config  `yaml:"log" envPrefix:"LOG_"`
	Redis          RedisConfig     `yaml:"redis" envPrefix:"REDIS_"`
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Addr:            "localhost:8080",
		Backlog:         10,
		LagPolicy:       LagResync,
		MaxMessageSize:  512,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"http://localhost:8081"},
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Log: logging.Config{
			Level:  "info",
			Format: logging.FormatConsole,
		},
		Redis: RedisConfig{
			Channel: "relay",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when empty), and the environment, later sources winning. The optional .env
// file in the working directory feeds the environment without overriding
// variables that are already set, so its values take precedence over YAML.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.AllowedOrigins = trimAll(cfg.AllowedOrigins)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.Backlog < 1 {
		errs = append(errs, fmt.Errorf("backlog must be at least 1, got %d", c.Backlog))
	}
	if c.LagPolicy != LagResync && c.LagPolicy != LagDisconnect {
		errs = append(errs, fmt.Errorf("lag_policy must be %q or %q, got %q", LagResync, LagDisconnect, c.LagPolicy))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("max_message_size must be positive, got %d", c.MaxMessageSize))
	}
	if c.WriteTimeout < 0 || c.IdleTimeout < 0 || c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.RateLimit.Burst > 0 && c.RateLimit.RefillInterval <= 0 {
		errs = append(errs, errors.New("rate_limit.refill_interval must be positive when throttling is enabled"))
	}
	if !logging.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logging.FormatConsole, logging.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if c.Redis.URL != "" && strings.TrimSpace(c.Redis.Channel) == "" {
		errs = append(errs, errors.New("redis.channel is required when redis.url is set"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func trimAll(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
