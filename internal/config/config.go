// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	Generator     GeneratorConfig
	GenerationLog GenerationLogConfig

	// MaxRegenAttempts bounds regenerations per open record view.
	MaxRegenAttempts int
	// ControllerTTL evicts idle per-view regeneration state.
	ControllerTTL time.Duration
}

// GeneratorConfig points at the upstream code-generation service.
type GeneratorConfig struct {
	BaseURL       string
	APIKey        string
	StreamTimeout time.Duration
}

// GenerationLogConfig controls NDJSON generation logging.
type GenerationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("GENERATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/codecanvas.db"),
		Generator: GeneratorConfig{
			BaseURL:       getEnv("GENERATOR_URL", ""),
			APIKey:        getEnv("GENERATOR_API_KEY", ""),
			StreamTimeout: getEnvDuration("GENERATOR_STREAM_TIMEOUT", 5*time.Minute),
		},
		GenerationLog: GenerationLogConfig{
			Enabled:   getEnvBool("GENERATION_LOG_ENABLED", true),
			Dir:       getEnv("GENERATION_LOG_DIR", "./data/logs/generations"),
			QueueSize: queueSize,
		},
		MaxRegenAttempts: getEnvInt("MAX_REGEN_ATTEMPTS", 3),
		ControllerTTL:    getEnvDuration("CONTROLLER_TTL", 60*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.MaxRegenAttempts <= 0 {
		return fmt.Errorf("MAX_REGEN_ATTEMPTS must be > 0")
	}
	if c.ControllerTTL <= 0 {
		return fmt.Errorf("CONTROLLER_TTL must be > 0")
	}
	if c.GenerationLog.Enabled && c.GenerationLog.Dir == "" {
		return fmt.Errorf("GENERATION_LOG_DIR cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// GeneratorEnabled reports whether an upstream generator is configured.
// Without one the app still serves stored records read-only.
func (c *Config) GeneratorEnabled() bool {
	return c.Generator.BaseURL != ""
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
