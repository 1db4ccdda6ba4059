// Package server provides configuration helpers that define runtime
// defaults, origin access control, and rate-limiting parameters for the chat
// service.
package server

import (
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the service configuration. Origins, message-size, and
// rate-limit settings apply to the websocket transport; DataDir is where the
// message and profile database lives.
type Config struct {
	Port                    string        `envconfig:"SERVER_PORT" default:":8080"`
	AllowedOrigins          []string      `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	MaxMessageSize          int64         `envconfig:"MAX_MESSAGE_SIZE" default:"512"`
	RateLimitBurst          int           `envconfig:"RATE_LIMIT_BURST" default:"5"`
	RateLimitRefillInterval time.Duration `envconfig:"RATE_LIMIT_REFILL_INTERVAL" default:"1s"`
	DataDir                 string        `envconfig:"DATA_DIR" default:"data"`
	LogLevel                string        `envconfig:"LOG_LEVEL" default:"info"`
	ShutdownTimeout         time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port:                    ":8080",
		AllowedOrigins:          []string{"http://localhost:8080"},
		MaxMessageSize:          512,
		RateLimitBurst:          5,
		RateLimitRefillInterval: time.Second,
		DataDir:                 "data",
		LogLevel:                "info",
		ShutdownTimeout:         10 * time.Second,
	}
}

func sanitizeConfig(cfg Config) Config {
	defaults := defaultConfig()
	if cfg.Port == "" {
		cfg.Port = defaults.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaults.RateLimitBurst
	}
	if cfg.RateLimitRefillInterval <= 0 {
		cfg.RateLimitRefillInterval = defaults.RateLimitRefillInterval
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaults.DataDir
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to
// defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		sanitizeConfig(defaultConfig())
		return
	}

	sanitized := *cfg
	sanitized.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	sanitizeConfig(sanitized)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config populated with default values.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv loads the configuration from environment variables,
// falling back to defaults for anything unset or out of range.
func NewConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	cfg = sanitizeConfig(cfg)
	return &cfg, nil
}

// LoggerLevel translates the configured log level into a slog.Level,
// defaulting to info for anything unrecognized.
func (c *Config) LoggerLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func normalizeOrigins(origins []string) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAll = true
			continue
		}
		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			continue
		}
		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func isOriginAllowed(originHeader string) bool {
	if originHeader == "" {
		return false
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	configMu.RLock()
	defer configMu.RUnlock()

	if allowAllOrigins {
		return true
	}
	_, exists := allowedOrigins[normalizedOrigin]
	return exists
}
