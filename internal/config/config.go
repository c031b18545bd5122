package config

import (
	"os"
)

type Config struct {
	Port        string
	Environment string
	DatabaseURL string
	RedisURL    string
	CORSOrigins string
	TablePrefix string
	// Memory service (optional)
	MemoryServiceURL string
	MemoryAPIKey     string
	// Logging
	LogDir string
	// Debug flags
	Debug bool // Enables DEBUG features like verbose sync logging
}

func Load() *Config {
	env := getEnv("ENVIRONMENT", "dev")
	tablePrefix := getTablePrefix(env)

	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: env,
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		CORSOrigins: getEnv("CORS_ORIGINS", "http://localhost:3000"),
		TablePrefix: tablePrefix,
		// Memory service
		MemoryServiceURL: getEnv("MEMORY_SERVICE_URL", ""),
		MemoryAPIKey:     getEnv("MEMORY_API_KEY", ""),
		// Logging
		LogDir: getEnv("LOG_DIR", "logs"),
		// Debug flags - default to true in dev/test, false in production
		Debug: getEnv("DEBUG", getDefaultDebug(env)) == "true",
	}
}

// getDefaultDebug returns the default debug setting based on environment
func getDefaultDebug(env string) string {
	if env == "prod" {
		return "false"
	}
	return "true" // Enable DEBUG in dev/test by default
}

// getTablePrefix returns the table prefix based on environment
func getTablePrefix(env string) string {
	// Allow manual override via TABLE_PREFIX env var
	if prefix := os.Getenv("TABLE_PREFIX"); prefix != "" {
		return prefix
	}

	// Auto-generate based on environment
	switch env {
	case "prod":
		return "prod_"
	case "test":
		return "test_"
	case "dev":
		return "dev_"
	default:
		return "dev_"
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
