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
	AI          AIConfig
	Session     SessionConfig
}

// AIConfig points at the OpenAI-compatible model collaborator.
type AIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// SessionConfig tunes room behavior.
type SessionConfig struct {
	PauseDuration    time.Duration
	MaxPausesPerUser int
	RetentionPeriod  time.Duration
	SweepInterval    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/commonground.db"),
		AI: AIConfig{
			BaseURL: getEnv("AI_BASE_URL", "https://openrouter.ai/api/v1"),
			APIKey:  getEnv("AI_API_KEY", ""),
			Model:   getEnv("AI_MODEL", "anthropic/claude-haiku-4.5"),
			Timeout: time.Duration(getEnvInt("AI_TIMEOUT_SECONDS", 60)) * time.Second,
		},
		Session: SessionConfig{
			PauseDuration:    time.Duration(getEnvInt("PAUSE_DURATION_SECONDS", 300)) * time.Second,
			MaxPausesPerUser: getEnvInt("MAX_PAUSES_PER_USER", 2),
			RetentionPeriod:  time.Duration(getEnvInt("RETENTION_DAYS", 7)) * 24 * time.Hour,
			SweepInterval:    time.Duration(getEnvInt("SWEEP_INTERVAL_MINUTES", 60)) * time.Minute,
		},
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
	if c.AI.APIKey == "" {
		return fmt.Errorf("AI_API_KEY cannot be empty")
	}
	if c.AI.Model == "" {
		return fmt.Errorf("AI_MODEL cannot be empty")
	}
	if c.Session.PauseDuration <= 0 {
		return fmt.Errorf("PAUSE_DURATION_SECONDS must be > 0")
	}
	if c.Session.MaxPausesPerUser <= 0 {
		return fmt.Errorf("MAX_PAUSES_PER_USER must be > 0")
	}
	if c.Session.RetentionPeriod <= 0 {
		return fmt.Errorf("RETENTION_DAYS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
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
