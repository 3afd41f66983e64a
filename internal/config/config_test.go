package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "USD", cfg.Payment.DefaultCurrency)
	assert.Equal(t, 10*time.Second, cfg.PaymentTimeout())
	assert.Equal(t, "default", cfg.PricingPolicy().Name)
	assert.Empty(t, cfg.Auth.Keys())
}

func TestLoadConfig_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
payment:
  publishable_key: pk_test_123
  timeout: 5
  default_currency: EUR
pricing:
  legacy: true
  demand_factor: 0.8
auth:
  api_keys: "k1, k2"
features:
  live_updates: false
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "pk_test_123", cfg.Payment.PublishableKey)
	assert.Equal(t, 5*time.Second, cfg.PaymentTimeout())
	assert.Equal(t, "EUR", cfg.Payment.DefaultCurrency)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Auth.Keys())
	assert.Equal(t, map[string]bool{"live_updates": false}, cfg.Features)

	policy := cfg.PricingPolicy()
	assert.Equal(t, "legacy", policy.Name)
	assert.Equal(t, "0.8", policy.DemandFactor.String())
}

func TestLoadConfig_JSONFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"port":"7000"},"database":{"path":"/tmp/a.db"}}`), 0o600))

	t.Setenv("SERVER_PORT", "7001")
	t.Setenv("FEATURE_REFUND_ACCOUNTING", "false")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "7001", cfg.Server.Port, "env wins over file")
	assert.Equal(t, "/tmp/a.db", cfg.Database.Path)
	assert.False(t, cfg.Features["refund_accounting"])
}

func TestAPIKeys_FallBackToProcessorSecret(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Empty(t, cfg.APIKeys(), "local mode without a processor")

	cfg.Payment.SecretKey = "sk_live_abc"
	assert.Equal(t, []string{"sk_live_abc"}, cfg.APIKeys())

	cfg.Auth.APIKeys = "k1,k2"
	assert.Equal(t, []string{"k1", "k2"}, cfg.APIKeys())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no port", func(c *Config) { c.Server.Port = "" }},
		{"tls without cert", func(c *Config) { c.Server.EnableTLS = true }},
		{"zero rate", func(c *Config) { c.RateLimit.Rate = 0 }},
		{"zero payment timeout", func(c *Config) { c.Payment.Timeout = 0 }},
		{"bad currency", func(c *Config) { c.Payment.DefaultCurrency = "DOLLARS" }},
		{"secret key without webhook secret", func(c *Config) { c.Payment.SecretKey = "sk_test_x" }},
		{"negative demand factor", func(c *Config) { c.Pricing.DemandFactor = -1 }},
		{"sample ratio above one", func(c *Config) { c.Tracing.SampleRatio = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
