package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Redis    RedisConfig    `json:"redis"`
	Session  SessionConfig  `json:"session"`
	Pipeline PipelineConfig `json:"pipeline"`
	Retry    RetryConfig    `json:"retry"`
	Library  LibraryConfig  `json:"library"`
	Vision   VisionConfig   `json:"vision"`
	Archive  ArchiveConfig  `json:"archive"`
	Auth     AuthConfig     `json:"auth"`
	Logging  LoggingConfig  `json:"logging"`
	Tracing  TracingConfig  `json:"tracing"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// SessionConfig contains session store configuration
type SessionConfig struct {
	MaxSessions int           `json:"max_sessions"`
	TTL         time.Duration `json:"ttl"`
	KeyPrefix   string        `json:"key_prefix"`
}

// PipelineConfig contains orchestrator configuration
type PipelineConfig struct {
	MaxConcurrentRuns int           `json:"max_concurrent_runs"`
	StageTimeout      time.Duration `json:"stage_timeout"`
	RunTimeout        time.Duration `json:"run_timeout"`
}

// RetryConfig contains the default retry policy applied to stage handlers
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts"`
	MinWait     time.Duration `json:"min_wait"`
	MaxWait     time.Duration `json:"max_wait"`
	Base        float64       `json:"base"`
}

// LibraryConfig contains document library client configuration
type LibraryConfig struct {
	BaseURL      string        `json:"base_url"`
	TokenURL     string        `json:"token_url"`
	ClientID     string        `json:"client_id"`
	ClientSecret string        `json:"client_secret"`
	Scope        string        `json:"scope"`
	Timeout      time.Duration `json:"timeout"`
}

// VisionConfig contains vision analysis service configuration
type VisionConfig struct {
	BaseURL       string        `json:"base_url"`
	APIKey        string        `json:"api_key"`
	Model         string        `json:"model"`
	Timeout       time.Duration `json:"timeout"`
	MinConfidence float64       `json:"min_confidence"`
}

// ArchiveConfig contains run archive database configuration
type ArchiveConfig struct {
	DSN             string        `json:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// AuthConfig contains authentication configuration
type AuthConfig struct {
	JWTSecret     string `json:"jwt_secret"`
	EncryptionKey string `json:"encryption_key"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// TracingConfig contains distributed tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Load loads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Session: SessionConfig{
			MaxSessions: getEnvInt("SESSION_MAX_SESSIONS", 1000),
			TTL:         getEnvDuration("SESSION_TTL", 30*time.Minute),
			KeyPrefix:   getEnvString("SESSION_KEY_PREFIX", "fotopipeline:session"),
		},
		Pipeline: PipelineConfig{
			MaxConcurrentRuns: getEnvInt("PIPELINE_MAX_CONCURRENT_RUNS", 8),
			StageTimeout:      getEnvDuration("PIPELINE_STAGE_TIMEOUT", 2*time.Minute),
			RunTimeout:        getEnvDuration("PIPELINE_RUN_TIMEOUT", 15*time.Minute),
		},
		Retry: RetryConfig{
			MaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			MinWait:     getEnvDuration("RETRY_MIN_WAIT", 4*time.Second),
			MaxWait:     getEnvDuration("RETRY_MAX_WAIT", 10*time.Second),
			Base:        getEnvFloat("RETRY_BASE", 2.0),
		},
		Library: LibraryConfig{
			BaseURL:      getEnvString("LIBRARY_BASE_URL", ""),
			TokenURL:     getEnvString("LIBRARY_TOKEN_URL", ""),
			ClientID:     getEnvString("LIBRARY_CLIENT_ID", ""),
			ClientSecret: getEnvString("LIBRARY_CLIENT_SECRET", ""),
			Scope:        getEnvString("LIBRARY_SCOPE", ""),
			Timeout:      getEnvDuration("LIBRARY_TIMEOUT", 30*time.Second),
		},
		Vision: VisionConfig{
			BaseURL:       getEnvString("VISION_BASE_URL", ""),
			APIKey:        getEnvString("VISION_API_KEY", ""),
			Model:         getEnvString("VISION_MODEL", "gpt-4o"),
			Timeout:       getEnvDuration("VISION_TIMEOUT", 60*time.Second),
			MinConfidence: getEnvFloat("VISION_MIN_CONFIDENCE", 0.6),
		},
		Archive: ArchiveConfig{
			DSN:             getEnvString("ARCHIVE_DSN", ""),
			MaxOpenConns:    getEnvInt("ARCHIVE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("ARCHIVE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("ARCHIVE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnvString("JWT_SECRET", ""),
			EncryptionKey: getEnvString("ENCRYPTION_KEY", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			ServiceName:    getEnvString("TRACING_SERVICE_NAME", "fotopipeline"),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SampleRate:     getEnvFloat("TRACING_SAMPLE_RATE", 0.1),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnvString("METRICS_PATH", "/metrics"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Session.MaxSessions < 1 {
		return fmt.Errorf("session max sessions must be at least 1")
	}

	if c.Session.TTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}

	if c.Pipeline.MaxConcurrentRuns < 1 {
		return fmt.Errorf("pipeline max concurrent runs must be at least 1")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}

	if c.Retry.MinWait <= 0 {
		return fmt.Errorf("retry min wait must be positive")
	}

	if c.Retry.MaxWait < c.Retry.MinWait {
		return fmt.Errorf("retry max wait must be at least min wait")
	}

	if c.Retry.Base <= 1 {
		return fmt.Errorf("retry base must be greater than 1")
	}

	return nil
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ArchiveEnabled reports whether run archival is configured
func (c *Config) ArchiveEnabled() bool {
	return c.Archive.DSN != ""
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
