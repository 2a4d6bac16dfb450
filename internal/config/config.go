package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port string
	Env  string

	// Storage: Postgres when DATABASE_URL is set, SQLite otherwise.
	DatabaseURL string
	SQLitePath  string

	// Coordination: Redis when REDIS_URL is set, in-process otherwise.
	RedisURL string

	// Upstream model provider.
	OpenAIAPIKey  string
	OpenAIBaseURL string

	JWTSecret string

	// Generated image storage.
	BlobDir     string
	BlobBaseURL string

	WorkerConcurrency int
	ChunkDelay        time.Duration
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               getEnv("ENV", "development"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SQLitePath:        getEnv("SQLITE_PATH", "arbor.db"),
		RedisURL:          os.Getenv("REDIS_URL"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:     os.Getenv("OPENAI_BASE_URL"),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret-change-me"),
		BlobDir:           getEnv("BLOB_DIR", "blobs"),
		BlobBaseURL:       getEnv("BLOB_BASE_URL", "/files"),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),
		ChunkDelay:        time.Duration(getEnvInt("CHUNK_DELAY_MS", 25)) * time.Millisecond,
	}

	// In production, require real secrets and real backing services
	if cfg.Env == "production" {
		if os.Getenv("JWT_SECRET") == "" {
			panic("JWT_SECRET is required in production")
		}
		if cfg.OpenAIAPIKey == "" {
			panic("OPENAI_API_KEY is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}
