package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Upstream defaults, overridable per request
	Upstream ProcessConfig

	// Upstream transport
	UpstreamDialTimeout   time.Duration
	UpstreamHeaderTimeout time.Duration

	// Optional stores; empty disables them
	RedisURL    string
	DatabaseURL string

	// Frontend origin allowed by CORS
	FrontendURL string

	LogLevel string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port: getEnvOrDefault("PORT", "3000"),
		Env:  getEnvOrDefault("ENV", "development"),
		Upstream: ProcessConfig{
			DefaultURL: getEnvOrDefault("DIFY_API_URL", ""),
			DefaultKey: getEnvOrDefault("DIFY_API_KEY", ""),
		},
		UpstreamDialTimeout:   getEnvAsDurationOrDefault("UPSTREAM_DIAL_TIMEOUT", 10*time.Second),
		UpstreamHeaderTimeout: getEnvAsDurationOrDefault("UPSTREAM_HEADER_TIMEOUT", 60*time.Second),
		RedisURL:              getEnvOrDefault("REDIS_URL", ""),
		DatabaseURL:           getEnvOrDefault("DATABASE_URL", ""),
		FrontendURL:           getEnvOrDefault("FRONTEND_URL", "*"),
		LogLevel:              getEnvOrDefault("LOG_LEVEL", "info"),
	}

	return cfg
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvAsDurationOrDefault accepts Go durations ("30s") or a bare number of seconds.
func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n := getEnvAsIntOrDefault(key, -1); n >= 0 {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}
