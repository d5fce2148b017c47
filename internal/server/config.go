// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat service.
package server

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	defaultAddress         = "127.0.0.1:6969"
	defaultAllowedOrigins  = "http://localhost:8080"
	defaultMaxFrameSize    = 1024
	defaultMaxNameLength   = 32
	defaultMaxConnections  = 1024
	defaultOutboxSize      = 256
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultRateLimitBurst  = 0
	defaultRefillInterval  = time.Second
)

// RateLimitConfig defines the parameters for per-connection message rate
// limiting. A Burst of zero disables the limiter.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration. Every field can be set from the
// environment; the tag defaults mirror NewConfig.
type Config struct {
	Address          string        `env:"CHAT_ADDRESS,default=127.0.0.1:6969" validate:"required,hostname_port"`
	WebSocketAddress string        `env:"CHAT_WS_ADDRESS" validate:"omitempty,hostname_port"`
	AllowedOrigins   string        `env:"CHAT_ALLOWED_ORIGINS,default=http://localhost:8080"`
	MaxFrameSize     int           `env:"CHAT_MAX_FRAME_SIZE,default=1024" validate:"min=16,max=1048576"`
	MaxNameLength    int           `env:"CHAT_MAX_NAME_LENGTH,default=32" validate:"min=1,max=256"`
	MaxConnections   int           `env:"CHAT_MAX_CONNECTIONS,default=1024" validate:"min=1"`
	OutboxSize       int           `env:"CHAT_OUTBOX_SIZE,default=256" validate:"min=1"`
	IdleTimeout      time.Duration `env:"CHAT_IDLE_TIMEOUT,default=0s" validate:"min=0"`
	WriteTimeout     time.Duration `env:"CHAT_WRITE_TIMEOUT,default=10s" validate:"min=0"`
	ShutdownTimeout  time.Duration `env:"CHAT_SHUTDOWN_TIMEOUT,default=10s" validate:"gt=0"`
	RateLimitBurst   int           `env:"CHAT_RATE_LIMIT_BURST,default=0" validate:"min=0"`
	RateLimitRefill  time.Duration `env:"CHAT_RATE_LIMIT_REFILL_INTERVAL,default=1s" validate:"gt=0"`
	AnnouncePresence bool          `env:"CHAT_ANNOUNCE_PRESENCE,default=true"`
	RedactRemote     bool          `env:"CHAT_REDACT_REMOTE,default=false"`
	LogLevel         string        `env:"LOG_LEVEL,default=info" validate:"oneof=trace debug info warn error"`
	LogFormat        string        `env:"LOG_FORMAT,default=console" validate:"oneof=console json"`
}

func defaultConfig() Config {
	return Config{
		Address:          defaultAddress,
		AllowedOrigins:   defaultAllowedOrigins,
		MaxFrameSize:     defaultMaxFrameSize,
		MaxNameLength:    defaultMaxNameLength,
		MaxConnections:   defaultMaxConnections,
		OutboxSize:       defaultOutboxSize,
		WriteTimeout:     defaultWriteTimeout,
		ShutdownTimeout:  defaultShutdownTimeout,
		RateLimitBurst:   defaultRateLimitBurst,
		RateLimitRefill:  defaultRefillInterval,
		AnnouncePresence: true,
		LogLevel:         "info",
		LogFormat:        "console",
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig reads the optional dotenv files, then the process environment,
// and validates the result. Missing dotenv files are ignored; variables
// already present in the environment win over file values.
func LoadConfig(envFiles ...string) (*Config, error) {
	for _, file := range envFiles {
		if file == "" {
			continue
		}
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RateLimit returns the per-connection limiter parameters.
func (c Config) RateLimit() RateLimitConfig {
	return RateLimitConfig{Burst: c.RateLimitBurst, RefillInterval: c.RateLimitRefill}
}

// Origins returns the parsed allowed-origin list.
func (c Config) Origins() []string {
	return parseOrigins(c.AllowedOrigins)
}

// StreamOptions returns the Connection tuning derived from c.
func (c Config) StreamOptions() StreamOptions {
	return StreamOptions{
		MaxFrameSize: c.MaxFrameSize,
		IdleTimeout:  c.IdleTimeout,
		WriteTimeout: c.WriteTimeout,
	}
}

// sanitizeConfig replaces unset or out-of-range values with defaults. A nil
// cfg yields the defaults.
func sanitizeConfig(cfg *Config) Config {
	if cfg == nil {
		return defaultConfig()
	}
	out := *cfg

	if out.Address == "" {
		out.Address = defaultAddress
	}
	if out.MaxFrameSize <= 0 {
		out.MaxFrameSize = defaultMaxFrameSize
	}
	if out.MaxNameLength <= 0 {
		out.MaxNameLength = defaultMaxNameLength
	}
	if out.MaxConnections <= 0 {
		out.MaxConnections = defaultMaxConnections
	}
	if out.OutboxSize <= 0 {
		out.OutboxSize = defaultOutboxSize
	}
	if out.IdleTimeout < 0 {
		out.IdleTimeout = 0
	}
	if out.WriteTimeout < 0 {
		out.WriteTimeout = defaultWriteTimeout
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = defaultShutdownTimeout
	}
	if out.RateLimitBurst < 0 {
		out.RateLimitBurst = defaultRateLimitBurst
	}
	if out.RateLimitRefill <= 0 {
		out.RateLimitRefill = defaultRefillInterval
	}
	return out
}

const redactedAddr = "[REDACTED]"

// logAddr returns addr for log fields, or a placeholder when RedactRemote is set.
func (c Config) logAddr(addr string) string {
	if c.RedactRemote {
		return redactedAddr
	}
	return addr
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
