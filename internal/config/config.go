package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"flight-booking-api/internal/pricing"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Security  SecurityConfig  `json:"security" yaml:"security"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Payment   PaymentConfig   `json:"payment" yaml:"payment"`
	Pricing   PricingConfig   `json:"pricing" yaml:"pricing"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	// Features overrides the default feature flags by name.
	Features map[string]bool `json:"features" yaml:"features"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port            string `json:"port" yaml:"port"`
	Host            string `json:"host" yaml:"host"`
	EnableTLS       bool   `json:"enable_tls" yaml:"enable_tls"`
	CertFile        string `json:"cert_file" yaml:"cert_file"`
	KeyFile         string `json:"key_file" yaml:"key_file"`
	ShutdownTimeout int    `json:"shutdown_timeout" yaml:"shutdown_timeout"` // in seconds
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Path string `json:"path" yaml:"path"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	// Max request body size in bytes (default: 1MB)
	MaxRequestBodySize int64 `json:"max_request_body_size" yaml:"max_request_body_size"`
	// Allowed CORS and websocket origins (comma-separated)
	AllowedOrigins string `json:"allowed_origins" yaml:"allowed_origins"`
}

// Origins splits AllowedOrigins.
func (s SecurityConfig) Origins() []string {
	return splitList(s.AllowedOrigins)
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Rate    int  `json:"rate" yaml:"rate"`
	Window  int  `json:"window" yaml:"window"` // in seconds
}

// PaymentConfig holds payment processor configuration. An empty SecretKey
// runs the service against the in-process gateway.
type PaymentConfig struct {
	SecretKey       string `json:"secret_key" yaml:"secret_key"`
	PublishableKey  string `json:"publishable_key" yaml:"publishable_key"`
	WebhookSecret   string `json:"webhook_secret" yaml:"webhook_secret"`
	Timeout         int    `json:"timeout" yaml:"timeout"` // in seconds
	DefaultCurrency string `json:"default_currency" yaml:"default_currency"`
}

// PricingConfig selects the pricing policy.
type PricingConfig struct {
	// Legacy selects the older 7/30 day table.
	Legacy bool `json:"legacy" yaml:"legacy"`
	// DemandFactor overrides the policy's demand factor when positive.
	DemandFactor float64 `json:"demand_factor" yaml:"demand_factor"`
}

// CacheConfig holds the idempotency cache configuration. Without a Redis
// address an in-memory cache is used.
type CacheConfig struct {
	RedisAddr      string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword  string `json:"redis_password" yaml:"redis_password"`
	RedisDB        int    `json:"redis_db" yaml:"redis_db"`
	Prefix         string `json:"prefix" yaml:"prefix"`
	IdempotencyTTL int    `json:"idempotency_ttl" yaml:"idempotency_ttl"` // in seconds
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	Environment string  `json:"environment" yaml:"environment"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"`
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// AuthConfig holds credentials for protected endpoints.
type AuthConfig struct {
	// APIKeys guards the payment endpoints (comma-separated). Empty disables the check.
	APIKeys string `json:"api_keys" yaml:"api_keys"`
	// JWTSecret signs admin tokens.
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
}

// Keys splits APIKeys.
func (a AuthConfig) Keys() []string {
	return splitList(a.APIKeys)
}

// LoadConfig loads configuration from environment variables and/or config file.
// Environment variables take precedence over config file values.
func LoadConfig(configFile string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", ""),
			EnableTLS:       getEnvBool("SERVER_ENABLE_TLS", false),
			CertFile:        getEnv("SERVER_CERT_FILE", ""),
			KeyFile:         getEnv("SERVER_KEY_FILE", ""),
			ShutdownTimeout: getEnvInt("SERVER_SHUTDOWN_TIMEOUT", 15),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./flight_booking.db"),
		},
		Security: SecurityConfig{
			MaxRequestBodySize: getEnvInt64("MAX_REQUEST_BODY_SIZE", 1<<20),
			AllowedOrigins:     getEnv("ALLOWED_ORIGINS", "*"),
		},
		RateLimit: RateLimitConfig{
			Enabled: getEnvBool("RATE_LIMIT_ENABLED", true),
			Rate:    getEnvInt("RATE_LIMIT_RATE", 100),
			Window:  getEnvInt("RATE_LIMIT_WINDOW", 60),
		},
		Payment: PaymentConfig{
			SecretKey:       getEnv("STRIPE_SECRET_KEY", ""),
			PublishableKey:  getEnv("STRIPE_PUBLISHABLE_KEY", ""),
			WebhookSecret:   getEnv("STRIPE_WEBHOOK_SECRET", ""),
			Timeout:         getEnvInt("PAYMENT_TIMEOUT", 10),
			DefaultCurrency: getEnv("DEFAULT_CURRENCY", "USD"),
		},
		Pricing: PricingConfig{
			Legacy:       getEnvBool("PRICING_LEGACY", false),
			DemandFactor: getEnvFloat("PRICING_DEMAND_FACTOR", 0),
		},
		Cache: CacheConfig{
			RedisAddr:      getEnv("REDIS_ADDR", ""),
			RedisPassword:  getEnv("REDIS_PASSWORD", ""),
			RedisDB:        getEnvInt("REDIS_DB", 0),
			Prefix:         getEnv("CACHE_PREFIX", "flight-booking:"),
			IdempotencyTTL: getEnvInt("IDEMPOTENCY_TTL", 24*60*60),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			ServiceName: getEnv("TRACING_SERVICE_NAME", "flight-booking-api"),
			Environment: getEnv("ENVIRONMENT", "development"),
			SampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 28),
		},
		Auth: AuthConfig{
			APIKeys:   getEnv("API_KEYS", ""),
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
	}

	// Load from config file if provided
	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with environment variables (they take precedence)
	overrideFromEnv(cfg)

	return cfg, nil
}

// loadFromFile loads configuration from a JSON or YAML file, chosen by extension.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) {
	setString(&cfg.Server.Port, "SERVER_PORT")
	setString(&cfg.Server.Host, "SERVER_HOST")
	setBool(&cfg.Server.EnableTLS, "SERVER_ENABLE_TLS")
	setString(&cfg.Server.CertFile, "SERVER_CERT_FILE")
	setString(&cfg.Server.KeyFile, "SERVER_KEY_FILE")
	setInt(&cfg.Server.ShutdownTimeout, "SERVER_SHUTDOWN_TIMEOUT")
	setString(&cfg.Database.Path, "DATABASE_PATH")
	if maxBodySize := os.Getenv("MAX_REQUEST_BODY_SIZE"); maxBodySize != "" {
		if size, err := strconv.ParseInt(maxBodySize, 10, 64); err == nil {
			cfg.Security.MaxRequestBodySize = size
		}
	}
	setString(&cfg.Security.AllowedOrigins, "ALLOWED_ORIGINS")
	setBool(&cfg.RateLimit.Enabled, "RATE_LIMIT_ENABLED")
	setInt(&cfg.RateLimit.Rate, "RATE_LIMIT_RATE")
	setInt(&cfg.RateLimit.Window, "RATE_LIMIT_WINDOW")

	setString(&cfg.Payment.SecretKey, "STRIPE_SECRET_KEY")
	setString(&cfg.Payment.PublishableKey, "STRIPE_PUBLISHABLE_KEY")
	setString(&cfg.Payment.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setInt(&cfg.Payment.Timeout, "PAYMENT_TIMEOUT")
	setString(&cfg.Payment.DefaultCurrency, "DEFAULT_CURRENCY")

	setBool(&cfg.Pricing.Legacy, "PRICING_LEGACY")
	setFloat(&cfg.Pricing.DemandFactor, "PRICING_DEMAND_FACTOR")

	setString(&cfg.Cache.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Cache.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.Cache.RedisDB, "REDIS_DB")
	setString(&cfg.Cache.Prefix, "CACHE_PREFIX")
	setInt(&cfg.Cache.IdempotencyTTL, "IDEMPOTENCY_TTL")

	setBool(&cfg.Tracing.Enabled, "TRACING_ENABLED")
	setString(&cfg.Tracing.Endpoint, "JAEGER_ENDPOINT")
	setString(&cfg.Tracing.ServiceName, "TRACING_SERVICE_NAME")
	setString(&cfg.Tracing.Environment, "ENVIRONMENT")
	setFloat(&cfg.Tracing.SampleRatio, "TRACING_SAMPLE_RATIO")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Logging.File, "LOG_FILE")

	setString(&cfg.Auth.APIKeys, "API_KEYS")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")

	// FEATURE_<NAME>=true|false toggles a flag, e.g. FEATURE_LIVE_UPDATES=false.
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, "FEATURE_") || value == "" {
			continue
		}
		if cfg.Features == nil {
			cfg.Features = map[string]bool{}
		}
		flag := strings.ToLower(strings.TrimPrefix(name, "FEATURE_"))
		cfg.Features[flag] = parseBool(value)
	}
}

func setString(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func setBool(dst *bool, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = parseBool(value)
	}
}

func setInt(dst *int, key string) {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			*dst = i
		}
	}
}

func setFloat(dst *float64, key string) {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			*dst = f
		}
	}
}

func parseBool(value string) bool {
	return strings.ToLower(value) == "true" || value == "1"
}

// getEnv gets an environment variable or returns the default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return parseBool(value)
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvInt64 gets an int64 environment variable or returns the default value.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// PricingPolicy returns the configured pricing policy.
func (c *Config) PricingPolicy() pricing.Policy {
	p := pricing.DefaultPolicy()
	if c.Pricing.Legacy {
		p = pricing.LegacyPolicy()
	}
	if c.Pricing.DemandFactor > 0 {
		p = p.WithDemandFactor(c.Pricing.DemandFactor)
	}
	return p
}

// APIKeys returns the keys accepted on the payment endpoints. Without
// explicit keys the processor secret key is the credential, so payment
// endpoints are never open while a live processor is configured.
func (c *Config) APIKeys() []string {
	if keys := c.Auth.Keys(); len(keys) > 0 {
		return keys
	}
	if c.Payment.SecretKey != "" {
		return []string{c.Payment.SecretKey}
	}
	return nil
}

// PaymentTimeout returns the processor call timeout.
func (c *Config) PaymentTimeout() time.Duration {
	return time.Duration(c.Payment.Timeout) * time.Second
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Server.EnableTLS && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file are required when TLS is enabled")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	if c.Payment.Timeout <= 0 {
		return fmt.Errorf("payment timeout must be positive")
	}
	if len(c.Payment.DefaultCurrency) != 3 {
		return fmt.Errorf("default currency must be a 3-letter code")
	}
	if c.Payment.SecretKey != "" && c.Payment.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required with a processor secret key")
	}
	if c.Pricing.DemandFactor < 0 {
		return fmt.Errorf("pricing demand factor must not be negative")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio must be between 0 and 1")
	}
	return nil
}
