package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 3009, cfg.ServicePort)
	assert.Equal(t, "relay", cfg.ServiceName)
	assert.Equal(t, "nats://localhost:4222", cfg.BusURL)
	assert.Equal(t, "http://c2-gateway:8080", cfg.GatewayURL)
	assert.Equal(t, "http://auth-service:8080/api/v1/auth/verify", cfg.IdentityVerifyURL)
	assert.Equal(t, []string{"http://localhost:18080"}, cfg.Origins())
	assert.Equal(t, 3, cfg.MaxTerminals)
	assert.Equal(t, 5000, cfg.MaxConnections)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, ":3009", cfg.Addr())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVICE_PORT", "8081")
	t.Setenv("SERVICE_NAME", "relay-edge")
	t.Setenv("BUS_URL", "nats://bus:4222")
	t.Setenv("GATEWAY_URL", "https://c2.internal")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://staging.example.com")
	t.Setenv("MAX_TERMINALS", "5")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.ServicePort)
	assert.Equal(t, "relay-edge", cfg.ServiceName)
	assert.Equal(t, "nats://bus:4222", cfg.BusURL)
	assert.Equal(t, "https://c2.internal", cfg.GatewayURL)
	assert.Equal(t, []string{"https://app.example.com", "https://staging.example.com"}, cfg.Origins())
	assert.Equal(t, 5, cfg.MaxTerminals)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(nil)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port too low", func(c *Config) { c.ServicePort = 0 }},
		{"port too high", func(c *Config) { c.ServicePort = 70000 }},
		{"missing bus url", func(c *Config) { c.BusURL = "" }},
		{"missing gateway url", func(c *Config) { c.GatewayURL = "" }},
		{"gateway bad scheme", func(c *Config) { c.GatewayURL = "tcp://gw:1234" }},
		{"missing verify url", func(c *Config) { c.IdentityVerifyURL = "" }},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero max terminals", func(c *Config) { c.MaxTerminals = 0 }},
		{"cpu threshold out of range", func(c *Config) { c.CPURejectThreshold = 150 }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, valid().Validate())
}

func TestOrigins(t *testing.T) {
	cfg := &Config{AllowedOrigins: " http://a , http://b ,,http://c"}
	assert.Equal(t, []string{"http://a", "http://b", "http://c"}, cfg.Origins())

	cfg = &Config{AllowedOrigins: ""}
	assert.Empty(t, cfg.Origins())
}
