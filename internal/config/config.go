// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Event stream
	KafkaBrokers  []string // empty = in-process event log
	ConsumerGroup string
	StreamDirect  bool // hand events straight to the broadcaster, no retention

	// Authentication
	AuthSecret  string // HMAC secret for viewer tokens
	AuthTimeout time.Duration
	TokenMaxAge time.Duration

	// Realtime delivery
	MaxClients     int // max concurrent WebSocket viewers
	SendBufferSize int // per-connection outbound queue depth
	StreamCapacity int // per-topic retention in the in-process log

	// Tracing
	OTLPEndpoint string

	// Demo traffic
	SimulatorEnabled bool // generate synthetic transactions in-process
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultConsumerGroup  = "guardchain-consumer-group"
	DefaultMaxClients     = 10000
	DefaultSendBuffer     = 256
	DefaultStreamCapacity = 4096
	DefaultAuthTimeout    = 10 * time.Second
	DefaultTokenMaxAge    = 24 * time.Hour
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:    os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		KafkaBrokers:   splitList(os.Getenv("KAFKA_BROKERS")),
		ConsumerGroup:  getEnv("CONSUMER_GROUP", DefaultConsumerGroup),
		StreamDirect:   getEnvBool("STREAM_DIRECT", false),
		AuthSecret:     os.Getenv("AUTH_SECRET"), // Required, no default
		AuthTimeout:    getEnvDuration("AUTH_TIMEOUT", DefaultAuthTimeout),
		TokenMaxAge:    getEnvDuration("TOKEN_MAX_AGE", DefaultTokenMaxAge),
		MaxClients:     int(getEnvInt64("MAX_CLIENTS", DefaultMaxClients)),
		SendBufferSize: int(getEnvInt64("SEND_BUFFER_SIZE", DefaultSendBuffer)),
		StreamCapacity: int(getEnvInt64("STREAM_CAPACITY", DefaultStreamCapacity)),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		SimulatorEnabled: getEnvBool("SIMULATOR_ENABLED", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required")
	}
	if len(c.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be at least 32 bytes")
	}
	if c.SendBufferSize <= 0 {
		return fmt.Errorf("SEND_BUFFER_SIZE must be positive")
	}
	if c.StreamCapacity <= 0 {
		return fmt.Errorf("STREAM_CAPACITY must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
