// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payments (Stripe)
	StripeSecretKey     string
	StripeWebhookSecret string

	// Identity verification (Persona)
	PersonaAPIKey        string
	PersonaKYCTemplate   string
	PersonaKYBTemplate   string
	PersonaWebhookSecret string
	PersonaBaseURL       string

	// Background jobs
	OfferSweepInterval time.Duration

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultPersonaBaseURL    = "https://api.withpersona.com/api/v1"
	DefaultOfferSweepMinutes = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PersonaAPIKey:        os.Getenv("PERSONA_API_KEY"),
		PersonaKYCTemplate:   os.Getenv("PERSONA_KYC_TEMPLATE_ID"),
		PersonaKYBTemplate:   os.Getenv("PERSONA_KYB_TEMPLATE_ID"),
		PersonaWebhookSecret: os.Getenv("PERSONA_WEBHOOK_SECRET"),
		PersonaBaseURL:       getEnv("PERSONA_BASE_URL", DefaultPersonaBaseURL),
		OfferSweepInterval:   time.Duration(getEnvInt64("OFFER_SWEEP_MINUTES", DefaultOfferSweepMinutes)) * time.Minute,
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.PersonaAPIKey == "" {
			return fmt.Errorf("PERSONA_API_KEY is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}
	if c.OfferSweepInterval <= 0 {
		return fmt.Errorf("OFFER_SWEEP_MINUTES must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
