package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds the process configuration
type Config struct {
	Port           string
	Backend        string
	DatabaseURL    string
	Migrate        bool
	RedisAddr      string
	RedisPassword  string
	LookupCacheTTL time.Duration
	HistoryLimit   int
	IdleTimeout    time.Duration
	JWTSecret      string
	CORSOrigins    string
	LogLevel       string
	LogDevelopment bool
}

// Load reads an optional .env file, then environment variables
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("PORT", "8080")
	v.SetDefault("BACKEND", BackendPostgres)
	v.SetDefault("MIGRATE", true)
	v.SetDefault("LOOKUP_CACHE_TTL", 10*time.Minute)
	v.SetDefault("HISTORY_LIMIT", 100)
	v.SetDefault("SESSION_IDLE_TIMEOUT", 5*time.Minute)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_DEVELOPMENT", false)

	cfg := &Config{
		Port:           v.GetString("PORT"),
		Backend:        strings.ToLower(strings.TrimSpace(v.GetString("BACKEND"))),
		DatabaseURL:    v.GetString("DATABASE_URL"),
		Migrate:        v.GetBool("MIGRATE"),
		RedisAddr:      strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:  v.GetString("REDIS_PASSWORD"),
		LookupCacheTTL: v.GetDuration("LOOKUP_CACHE_TTL"),
		HistoryLimit:   v.GetInt("HISTORY_LIMIT"),
		IdleTimeout:    v.GetDuration("SESSION_IDLE_TIMEOUT"),
		JWTSecret:      v.GetString("JWT_SECRET"),
		CORSOrigins:    v.GetString("CORS_ORIGINS"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		LogDevelopment: v.GetBool("LOG_DEVELOPMENT"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL environment variable is not set")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown BACKEND %q", c.Backend)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is not set")
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	if c.LookupCacheTTL <= 0 {
		c.LookupCacheTTL = 10 * time.Minute
	}
	return nil
}
