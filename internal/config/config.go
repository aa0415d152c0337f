// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Cancellation backends.
const (
	CancelLocal = "local"
	CancelRedis = "redis"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	StoreDriver string
	DBPath      string
	DatabaseURL string

	LLM             LLMConfig
	Auth            AuthConfig
	Cancel          CancelConfig
	Stream          StreamConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
	Telemetry       TelemetryConfig

	// ConversationRetention deletes conversations idle for longer than this. Zero disables it.
	ConversationRetention time.Duration
}

// LLMConfig configures the OpenAI-compatible upstream.
type LLMConfig struct {
	APIKey       string
	BaseURL      string // empty = api.openai.com; set for Grok/xAI or local gateways
	Model        string
	SystemPrompt string
}

// AuthConfig controls request identity.
type AuthConfig struct {
	JWTSecret      string
	AllowAnonymous bool
}

// CancelConfig selects the cancellation registry backend.
type CancelConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// StreamConfig tunes the streaming relay.
type StreamConfig struct {
	KeepaliveInterval  time.Duration
	Timeout            time.Duration
	MaxRequestBodySize int64
}

// RateLimitConfig bounds chat requests per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Trace exporters.
const (
	TraceNone   = "none"
	TraceStdout = "stdout"
	TraceOTLP   = "otlp"
)

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	ServiceName   string
	TraceExporter string
	OTLPEndpoint  string
	OTLPInsecure  bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StoreSQLite)),
		DBPath:      getEnv("DB_PATH", "./data/studyhub.db"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		LLM: LLMConfig{
			APIKey:       getEnv("OPENAI_API_KEY", ""),
			BaseURL:      getEnv("OPENAI_BASE_URL", ""),
			Model:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			SystemPrompt: getEnv("CHAT_SYSTEM_PROMPT", ""),
		},
		Auth: AuthConfig{
			JWTSecret:      getEnv("JWT_SECRET", ""),
			AllowAnonymous: getEnvBool("ALLOW_ANONYMOUS", true),
		},
		Cancel: CancelConfig{
			Backend:       strings.ToLower(getEnv("CANCEL_BACKEND", CancelLocal)),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
		},
		Stream: StreamConfig{
			KeepaliveInterval:  getEnvDuration("CHAT_KEEPALIVE_INTERVAL", 10*time.Second),
			Timeout:            getEnvDuration("CHAT_STREAM_TIMEOUT", 5*time.Minute),
			MaxRequestBodySize: int64(getEnvInt("CHAT_MAX_BODY_BYTES", 1<<20)),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
		Telemetry: TelemetryConfig{
			ServiceName:   getEnv("OTEL_SERVICE_NAME", "studyhub"),
			TraceExporter: strings.ToLower(getEnv("OTEL_TRACES_EXPORTER", TraceNone)),
			OTLPEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			OTLPInsecure:  getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
		ConversationRetention: getEnvDuration("CONVERSATION_RETENTION", 0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
//
//nolint:gocyclo // Flat list of independent checks.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.StoreDriver {
	case StoreSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.Cancel.Backend {
	case CancelLocal:
	case CancelRedis:
		if c.Cancel.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when CANCEL_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown CANCEL_BACKEND %q", c.Cancel.Backend)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("OPENAI_MODEL cannot be empty")
	}
	if c.Auth.JWTSecret == "" && !c.Auth.AllowAnonymous {
		return fmt.Errorf("JWT_SECRET is required when ALLOW_ANONYMOUS is off")
	}
	if c.Stream.KeepaliveInterval <= 0 {
		return fmt.Errorf("CHAT_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.Stream.MaxRequestBodySize <= 0 {
		return fmt.Errorf("CHAT_MAX_BODY_BYTES must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	switch c.Telemetry.TraceExporter {
	case TraceNone, TraceStdout:
	case TraceOTLP:
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("OTEL_EXPORTER_OTLP_ENDPOINT is required when OTEL_TRACES_EXPORTER=otlp")
		}
	default:
		return fmt.Errorf("unknown OTEL_TRACES_EXPORTER %q", c.Telemetry.TraceExporter)
	}
	if c.ConversationRetention < 0 {
		return fmt.Errorf("CONVERSATION_RETENTION cannot be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
