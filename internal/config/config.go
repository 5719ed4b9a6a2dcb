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

	// Generator settings. An empty GeminiAPIKey selects the deterministic
	// local generator (development mode).
	GeminiAPIKey string
	GenAIModel   string

	// Dialogue tuning.
	MaxRound          int
	MinResponseLength int
	GenerationTimeout time.Duration
	SynthesisTimeout  time.Duration
	IdleSessionTTL    time.Duration

	// StreamBufferSize is the per-subscriber event buffer for the live
	// transcript WebSocket.
	StreamBufferSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		DBPath:            getEnv("DB_PATH", "./data/dialogos.db"),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GenAIModel:        getEnv("GENAI_MODEL", ""),
		MaxRound:          getEnvInt("DIALOGUE_MAX_ROUND", 5),
		MinResponseLength: getEnvInt("DIALOGUE_MIN_RESPONSE_LENGTH", 20),
		GenerationTimeout: getEnvDuration("GENERATION_TIMEOUT", 30*time.Second),
		SynthesisTimeout:  getEnvDuration("SYNTHESIS_TIMEOUT", 60*time.Second),
		IdleSessionTTL:    getEnvDuration("IDLE_SESSION_TTL", 24*time.Hour),
		StreamBufferSize:  getEnvInt("STREAM_BUFFER_SIZE", 16),
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
	if c.MaxRound < 1 {
		return fmt.Errorf("DIALOGUE_MAX_ROUND must be >= 1")
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be > 0")
	}
	if c.SynthesisTimeout <= 0 {
		return fmt.Errorf("SYNTHESIS_TIMEOUT must be > 0")
	}
	if c.IdleSessionTTL <= 0 {
		return fmt.Errorf("IDLE_SESSION_TTL must be > 0")
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
