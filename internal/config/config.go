package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store and lock backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSupabase = "supabase"
	BackendRedis    = "redis"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Storage
	StoreBackend string
	DatabaseURL  string

	// Supabase
	SupabaseURL        string
	SupabaseAnonKey    string
	SupabaseServiceKey string

	// Payment gateway
	GatewayURL        string
	GatewayAPIKey     string
	GatewayTimeout    time.Duration
	UseSandboxGateway bool

	// Collaborators
	ProfileAPIURL    string
	NotifyWebhookURL string

	// Locking
	LockBackend   string
	RedisAddr     string
	RedisPassword string
	LockTTL       time.Duration
	LockWait      time.Duration
	CancelFlagTTL time.Duration

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxConcurrency int

	// Billing
	BillingSchedule  string
	BillingBatchSize int

	// Cache
	CacheTTL time.Duration

	// Observability
	OTLPEndpoint string

	// Signature capture
	SignatureSecret string
	SignatureTTL    time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		StoreBackend: getEnv("STORE_BACKEND", BackendMemory),
		DatabaseURL:  getEnv("DATABASE_URL", ""),

		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseAnonKey:    getEnv("SUPABASE_ANON_KEY", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_ROLE_KEY", ""),

		GatewayURL:        getEnv("GATEWAY_URL", "http://localhost:8083"),
		GatewayAPIKey:     getEnv("GATEWAY_API_KEY", ""),
		GatewayTimeout:    getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second),
		UseSandboxGateway: getEnvBool("USE_SANDBOX_GATEWAY", true),

		ProfileAPIURL:    getEnv("PROFILE_API_URL", "http://localhost:8081"),
		NotifyWebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),

		LockBackend:   getEnv("LOCK_BACKEND", BackendMemory),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		LockTTL:       getEnvDuration("LOCK_TTL", 30*time.Second),
		LockWait:      getEnvDuration("LOCK_WAIT", 5*time.Second),
		CancelFlagTTL: getEnvDuration("CANCEL_FLAG_TTL", 5*time.Minute),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 500*time.Millisecond),
		MaxBackoff:     getEnvDuration("MAX_BACKOFF", 10*time.Second),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 8),

		BillingSchedule:  getEnv("BILLING_SCHEDULE", "@hourly"),
		BillingBatchSize: getEnvInt("BILLING_BATCH_SIZE", 500),

		CacheTTL: getEnvDuration("CACHE_TTL", 5*time.Minute),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		SignatureSecret: getEnv("SIGNATURE_SECRET", ""),
		SignatureTTL:    getEnvDuration("SIGNATURE_TTL", 24*time.Hour),
	}
}

// Validate checks that the selected backends have what they need.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE_BACKEND=%s", c.StoreBackend)
		}
	case BackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required for STORE_BACKEND=%s", c.StoreBackend)
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.LockBackend {
	case BackendMemory:
	case BackendRedis:
		// the lock is refreshed every LOCK_TTL/3
		if c.LockTTL < 300*time.Millisecond {
			return fmt.Errorf("LOCK_TTL must be at least 300ms, got %s", c.LockTTL)
		}
		if c.CancelFlagTTL <= c.LockWait {
			return fmt.Errorf("CANCEL_FLAG_TTL (%s) must exceed LOCK_WAIT (%s)", c.CancelFlagTTL, c.LockWait)
		}
	default:
		return fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend)
	}
	if c.LockWait <= 0 {
		return fmt.Errorf("LOCK_WAIT must be positive")
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("MAX_CONCURRENCY must be >= 1, got %d", c.MaxConcurrency)
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
