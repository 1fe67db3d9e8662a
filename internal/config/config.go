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

	// Blockchain settings
	RPCURL             string
	ChainID            int64
	ContractAddress    string // Escrow contract
	PlatformPrivateKey string // Hex-encoded, signs release/refund; with or without 0x prefix
	EmployerDevKeys    string // Comma-separated hex keys for the dev keyring (local chains only)
	ConfirmTimeout     time.Duration

	// Pricing
	FeeRate  float64 // platform fee fraction of pay amount
	USDToETH float64 // mock conversion rate

	// Posting bounds
	PayMinUSD    float64
	PayMaxUSD    float64
	TimeLimitMax int // hours

	// External services
	UserServiceURL    string
	UserServiceAPIKey string
	ServiceAPIKey     string // shared credential for /escrow and /jobs/expired

	// Background work
	SweepInterval time.Duration

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing export
}

// Defaults for a local Anvil/Hardhat chain.
const (
	DefaultRPCURL   = "http://localhost:8545"
	DefaultChainID  = 31337
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:             getEnv("RPC_URL", DefaultRPCURL),
		ChainID:            getEnvInt64("CHAIN_ID", DefaultChainID),
		ContractAddress:    os.Getenv("CONTRACT_ADDRESS"),
		PlatformPrivateKey: os.Getenv("PLATFORM_PRIVATE_KEY"),
		EmployerDevKeys:    os.Getenv("EMPLOYER_DEV_KEYS"),
		ConfirmTimeout:     getEnvDuration("CONFIRM_TIMEOUT", 90*time.Second),
		FeeRate:            getEnvFloat("FEE_RATE", 0.02),
		USDToETH:           getEnvFloat("USD_TO_ETH_RATE", 0.000244),
		PayMinUSD:          getEnvFloat("PAY_MIN_USD", 10),
		PayMaxUSD:          getEnvFloat("PAY_MAX_USD", 50000),
		TimeLimitMax:       int(getEnvInt64("TIME_LIMIT_MAX_HOURS", 720)),
		UserServiceURL:     getEnv("USER_SERVICE_URL", "http://localhost:8081"),
		UserServiceAPIKey:  os.Getenv("USER_SERVICE_API_KEY"),
		ServiceAPIKey:      os.Getenv("SERVICE_API_KEY"),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
		OTLPEndpoint:       os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PlatformPrivateKey == "" {
		return fmt.Errorf("PLATFORM_PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PlatformPrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PLATFORM_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ContractAddress == "" {
		return fmt.Errorf("CONTRACT_ADDRESS is required")
	}
	if c.FeeRate < 0 || c.FeeRate >= 1 {
		return fmt.Errorf("FEE_RATE must be in [0, 1)")
	}
	if c.PayMinUSD <= 0 || c.PayMaxUSD <= c.PayMinUSD {
		return fmt.Errorf("PAY_MIN_USD/PAY_MAX_USD bounds are inconsistent")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
