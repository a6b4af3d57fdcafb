package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all relay configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Service identity
	ServicePort int    `env:"SERVICE_PORT" envDefault:"3009"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"relay"`

	// Upstream endpoints
	BusURL            string `env:"BUS_URL" envDefault:"nats://localhost:4222"`
	GatewayURL        string `env:"GATEWAY_URL" envDefault:"http://c2-gateway:8080"`
	IdentityVerifyURL string `env:"IDENTITY_VERIFY_URL" envDefault:"http://auth-service:8080/api/v1/auth/verify"`

	// CORS allow-list for the WebSocket handshake (comma-separated)
	AllowedOrigins string `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:18080"`

	// Capacity
	MaxConnections int `env:"MAX_CONNECTIONS" envDefault:"5000"`
	MaxTerminals   int `env:"MAX_TERMINALS" envDefault:"3"`

	// Per-client inbound message rate limiting
	MessageRateLimit int `env:"MESSAGE_RATE_LIMIT" envDefault:"10"`
	MessageRateBurst int `env:"MESSAGE_RATE_BURST" envDefault:"100"`

	// Connection rate limiting (DoS protection on the upgrade path)
	ConnRateLimitEnabled     bool    `env:"CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateLimitIPBurst     int     `env:"CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate  float64 `env:"CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// CPU admission guard. Upgrades are rejected above this percentage of
	// process CPU. Set to 0 to disable.
	CPURejectThreshold float64 `env:"CPU_REJECT_THRESHOLD" envDefault:"85.0"`

	// Timeouts
	VerifyTimeout   time.Duration `env:"VERIFY_TIMEOUT" envDefault:"5s"`
	DialTimeout     time.Duration `env:"DIAL_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production the environment is
	// injected by the deployment.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.ServicePort < 1 || c.ServicePort > 65535 {
		return fmt.Errorf("SERVICE_PORT must be 1-65535, got %d", c.ServicePort)
	}
	if c.BusURL == "" {
		return fmt.Errorf("BUS_URL is required")
	}
	if c.GatewayURL == "" {
		return fmt.Errorf("GATEWAY_URL is required")
	}
	if !strings.HasPrefix(c.GatewayURL, "http://") && !strings.HasPrefix(c.GatewayURL, "https://") {
		return fmt.Errorf("GATEWAY_URL must use http or https scheme, got %q", c.GatewayURL)
	}
	if c.IdentityVerifyURL == "" {
		return fmt.Errorf("IDENTITY_VERIFY_URL is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxTerminals < 1 {
		return fmt.Errorf("MAX_TERMINALS must be > 0, got %d", c.MaxTerminals)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Addr returns the listener address for the configured port.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.ServicePort)
}

// Origins returns the parsed CORS allow-list.
func (c *Config) Origins() []string {
	result := []string{}
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		trimmed := strings.TrimSpace(o)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Int("port", c.ServicePort).
		Str("service", c.ServiceName).
		Str("bus_url", c.BusURL).
		Str("gateway_url", c.GatewayURL).
		Str("identity_verify_url", c.IdentityVerifyURL).
		Str("allowed_origins", c.AllowedOrigins).
		Int("max_connections", c.MaxConnections).
		Int("max_terminals", c.MaxTerminals).
		Int("message_rate_limit", c.MessageRateLimit).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Dur("shutdown_timeout", c.ShutdownTimeout).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Relay configuration loaded")
}
