/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables and an optional
 * .env file, and validates the settings the service cannot start without.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 *
 * @notes
 * - Provider credentials have no defaults. A missing PLAID_CLIENT_ID or
 *   PLAID_SECRET fails startup.
 */
package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all the configuration variables for the banklink service.
type Config struct {
	ServerPort            string `mapstructure:"SERVER_PORT"`
	DatabaseDriver        string `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL           string `mapstructure:"DATABASE_URL"`
	SQLitePath            string `mapstructure:"SQLITE_PATH"`
	PlaidClientID         string `mapstructure:"PLAID_CLIENT_ID"`
	PlaidSecret           string `mapstructure:"PLAID_SECRET"`
	PlaidEnv              string `mapstructure:"PLAID_ENV"`
	PlaidBaseURL          string `mapstructure:"PLAID_BASE_URL"`
	PlaidTimeoutSeconds   int    `mapstructure:"PLAID_TIMEOUT_SECONDS"`
	PlaidClientName       string `mapstructure:"PLAID_CLIENT_NAME"`
	PlaidProductsRaw      string `mapstructure:"PLAID_PRODUCTS"`
	PlaidCountryCodesRaw  string `mapstructure:"PLAID_COUNTRY_CODES"`
	PlaidLanguage         string `mapstructure:"PLAID_LANGUAGE"`
	PlaidRedirectURI      string `mapstructure:"PLAID_REDIRECT_URI"`
	PlaidWebhookURL       string `mapstructure:"PLAID_WEBHOOK_URL"`
	CORSAllowedOriginsRaw string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	ClerkJWKSURL          string `mapstructure:"CLERK_JWKS_URL"`
	ClerkAudience         string `mapstructure:"CLERK_AUDIENCE"`
	ClerkIssuer           string `mapstructure:"CLERK_ISSUER"`
	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	BankEventsExchange    string `mapstructure:"BANK_EVENTS_EXCHANGE"`
	RedisURL              string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix  string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RateLimitPerMinute    int    `mapstructure:"RATE_LIMIT_PER_MINUTE"`
	SyncSchedule          string `mapstructure:"SYNC_SCHEDULE"`
	SyncLookbackDays      int    `mapstructure:"SYNC_LOOKBACK_DAYS"`
	AccessTokenKey        string `mapstructure:"ACCESS_TOKEN_ENCRYPTION_KEY"`
	LogLevel              string `mapstructure:"LOG_LEVEL"`
	RequestTimeoutSeconds int    `mapstructure:"REQUEST_TIMEOUT_SECONDS"`

	PlaidProducts      []string `mapstructure:"-"`
	PlaidCountryCodes  []string `mapstructure:"-"`
	CORSAllowedOrigins []string `mapstructure:"-"`
}

// PlaidTimeout is the client timeout for every outbound provider call.
func (c Config) PlaidTimeout() time.Duration {
	return time.Duration(c.PlaidTimeoutSeconds) * time.Second
}

// RequestTimeout is the deadline applied to each inbound request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DATABASE_DRIVER", DriverPostgres)
	viper.SetDefault("SQLITE_PATH", "banklink.db")
	viper.SetDefault("PLAID_ENV", "sandbox")
	viper.SetDefault("PLAID_TIMEOUT_SECONDS", 30)
	viper.SetDefault("PLAID_CLIENT_NAME", "Swipe Finance")
	viper.SetDefault("PLAID_PRODUCTS", "transactions")
	viper.SetDefault("PLAID_COUNTRY_CODES", "US")
	viper.SetDefault("PLAID_LANGUAGE", "en")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:*")
	viper.SetDefault("BANK_EVENTS_EXCHANGE", "bank_events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "banklink:rate_limit")
	viper.SetDefault("RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("SYNC_LOOKBACK_DAYS", 30)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("REQUEST_TIMEOUT_SECONDS", 60)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "PORT", "DATABASE_DRIVER", "DATABASE_URL", "SQLITE_PATH",
		"PLAID_CLIENT_ID", "PLAID_SECRET", "PLAID_ENV", "PLAID_BASE_URL",
		"PLAID_TIMEOUT_SECONDS", "PLAID_CLIENT_NAME", "PLAID_PRODUCTS",
		"PLAID_COUNTRY_CODES", "PLAID_LANGUAGE", "PLAID_REDIRECT_URI",
		"PLAID_WEBHOOK_URL", "CORS_ALLOWED_ORIGINS", "CLERK_JWKS_URL",
		"CLERK_AUDIENCE", "CLERK_ISSUER", "RABBITMQ_URL", "BANK_EVENTS_EXCHANGE",
		"REDIS_URL", "REDIS_RATE_LIMIT_PREFIX", "RATE_LIMIT_PER_MINUTE",
		"SYNC_SCHEDULE", "SYNC_LOOKBACK_DAYS", "ACCESS_TOKEN_ENCRYPTION_KEY",
		"LOG_LEVEL", "REQUEST_TIMEOUT_SECONDS",
	} {
		_ = viper.BindEnv(key)
	}

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "error", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.normalize()
	err = config.validate()
	return
}

func (c *Config) normalize() {
	c.DatabaseDriver = strings.ToLower(strings.TrimSpace(c.DatabaseDriver))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.PlaidClientID = strings.TrimSpace(c.PlaidClientID)
	c.PlaidSecret = strings.TrimSpace(c.PlaidSecret)
	c.PlaidEnv = strings.ToLower(strings.TrimSpace(c.PlaidEnv))
	c.PlaidBaseURL = strings.TrimRight(strings.TrimSpace(c.PlaidBaseURL), "/")
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.SyncSchedule = strings.TrimSpace(c.SyncSchedule)
	c.AccessTokenKey = strings.TrimSpace(c.AccessTokenKey)

	c.PlaidProducts = splitList(c.PlaidProductsRaw)
	c.PlaidCountryCodes = splitList(strings.ToUpper(c.PlaidCountryCodesRaw))
	c.CORSAllowedOrigins = splitList(c.CORSAllowedOriginsRaw)

	if strings.TrimSpace(c.RedisRateLimitPrefix) == "" {
		c.RedisRateLimitPrefix = "banklink:rate_limit"
	}
	if c.PlaidTimeoutSeconds <= 0 {
		c.PlaidTimeoutSeconds = 30
	}
	if c.RateLimitPerMinute <= 0 {
		c.RateLimitPerMinute = 60
	}
	if c.SyncLookbackDays <= 0 {
		c.SyncLookbackDays = 30
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = 60
	}
}

func (c Config) validate() error {
	if c.PlaidClientID == "" || c.PlaidSecret == "" {
		return fmt.Errorf("PLAID_CLIENT_ID and PLAID_SECRET must be set")
	}
	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set when DATABASE_DRIVER is %q", DriverPostgres)
		}
	case DriverSQLite:
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.AccessTokenKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.AccessTokenKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("ACCESS_TOKEN_ENCRYPTION_KEY must be base64 encoding of 32 bytes")
		}
	}
	if len(c.PlaidProducts) == 0 || len(c.PlaidCountryCodes) == 0 {
		return fmt.Errorf("PLAID_PRODUCTS and PLAID_COUNTRY_CODES must not be empty")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
