// Package config provides configuration loading and validation for the
// atlas server. It uses koanf to merge environment variables with
// optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the atlas server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database
	DatabaseURL string `koanf:"database_url"`

	// JWT Authentication
	JWTSecret string `koanf:"jwt_secret"`

	// Change feed (storage gateway websocket)
	FeedURL string `koanf:"feed_url"`

	// Redis, used for feed event deduplication. Optional; the feed
	// falls back to in-process dedup when unset.
	RedisURL string `koanf:"redis_url"`

	// Distributed tracing
	TracingEnabled bool   `koanf:"tracing_enabled"`
	OTLPEndpoint   string `koanf:"otlp_endpoint"`

	// Object storage (S3-compatible)
	BucketName        string `koanf:"bucket_name"`
	BucketAccessKeyID string `koanf:"bucket_access_key_id"`
	BucketSecretKey   string `koanf:"bucket_secret_access_key"`
	BucketEndpoint    string `koanf:"bucket_endpoint"`
	MaxUploadSizeMB   int    `koanf:"max_upload_size_mb"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL     = errors.New("DATABASE_URL is required")
	ErrMissingJWTSecret       = errors.New("JWT_SECRET is required")
	ErrMissingFeedURL         = errors.New("FEED_URL is required")
	ErrMissingBucketName      = errors.New("BUCKET_NAME is required")
	ErrMissingBucketAccessKey = errors.New("BUCKET_ACCESS_KEY_ID is required")
	ErrMissingBucketSecretKey = errors.New("BUCKET_SECRET_ACCESS_KEY is required")
	ErrMissingBucketEndpoint  = errors.New("BUCKET_ENDPOINT is required")
	ErrInvalidPort            = errors.New("PORT must be a valid integer")
)

// Default values for non-secret configuration.
const (
	DefaultPort            = 8080
	DefaultEnv             = "development"
	DefaultMaxUploadSizeMB = 15
)

// Load reads configuration from environment variables and an optional
// config file. Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if
// valid).
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// File values carry lower precedence than environment variables.
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	port, portErr := getEnvIntOrDefaultMulti([]string{"ATLAS_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	maxUploadSize, uploadSizeErr := getEnvIntOrDefault("MAX_UPLOAD_SIZE_MB", k.Int("max_upload_size_mb"), DefaultMaxUploadSizeMB)
	if uploadSizeErr != nil {
		loadErrs = append(loadErrs, uploadSizeErr)
	}

	tracingEnabled := k.Bool("tracing_enabled")
	if val := os.Getenv("TRACING_ENABLED"); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			tracingEnabled = true
		case "false", "0", "no", "off":
			tracingEnabled = false
		}
	}

	cfg := &Config{
		Port:              port,
		Env:               getEnvOrDefaultMulti([]string{"ATLAS_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:       getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		JWTSecret:         getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		FeedURL:           getEnvOrKoanf("FEED_URL", k, "feed_url"),
		RedisURL:          getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		TracingEnabled:    tracingEnabled,
		OTLPEndpoint:      getEnvOrKoanf("OTLP_ENDPOINT", k, "otlp_endpoint"),
		BucketName:        getEnvOrKoanf("BUCKET_NAME", k, "bucket_name"),
		BucketAccessKeyID: getEnvOrKoanf("BUCKET_ACCESS_KEY_ID", k, "bucket_access_key_id"),
		BucketSecretKey:   getEnvOrKoanf("BUCKET_SECRET_ACCESS_KEY", k, "bucket_secret_access_key"),
		BucketEndpoint:    getEnvOrKoanf("BUCKET_ENDPOINT", k, "bucket_endpoint"),
		MaxUploadSizeMB:   maxUploadSize,
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set,
// otherwise the koanf value, or default. Returns an error if the
// environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, ErrInvalidPort)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.FeedURL == "" {
		errs = append(errs, ErrMissingFeedURL)
	}

	// Bucket configuration is optional. Only validate fields if any
	// bucket value is set.
	if c.BucketName != "" || c.BucketAccessKeyID != "" || c.BucketSecretKey != "" || c.BucketEndpoint != "" {
		if c.BucketName == "" {
			errs = append(errs, ErrMissingBucketName)
		}
		if c.BucketAccessKeyID == "" {
			errs = append(errs, ErrMissingBucketAccessKey)
		}
		if c.BucketSecretKey == "" {
			errs = append(errs, ErrMissingBucketSecretKey)
		}
		if c.BucketEndpoint == "" {
			errs = append(errs, ErrMissingBucketEndpoint)
		}
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":               fmt.Sprintf("%d", c.Port),
		"env":                c.Env,
		"database_url":       maskDatabaseURL(c.DatabaseURL),
		"jwt_secret":         maskSecret(c.JWTSecret),
		"feed_url":           c.FeedURL,
		"redis_url":          maskDatabaseURL(c.RedisURL),
		"tracing_enabled":    fmt.Sprintf("%t", c.TracingEnabled),
		"otlp_endpoint":      c.OTLPEndpoint,
		"bucket_name":        c.BucketName,
		"bucket_access_key":  maskSecret(c.BucketAccessKeyID),
		"bucket_secret_key":  maskSecret(c.BucketSecretKey),
		"bucket_endpoint":    c.BucketEndpoint,
		"max_upload_size_mb": fmt.Sprintf("%d", c.MaxUploadSizeMB),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters.
// Short secrets are fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
