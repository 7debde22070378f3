// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/luxescrow/internal/dispute"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database (optional, in-memory stores when unset)
	DatabaseURL string

	// Chains
	ChainsFile       string            // YAML chain registry; embedded default when empty
	PlatformWallets  map[string]string // chain id -> platform fee wallet
	ChainCallTimeout time.Duration

	// EVM backend; the simulated backend is used when EVMRPCURL is empty.
	// Contract addresses come from the chain registry.
	EVMRPCURL     string
	EVMPrivateKey string // hex, with or without 0x prefix

	// Native-ledger backend; simulated when LedgerRPCURL is empty
	LedgerRPCURL  string
	LedgerAccount string
	LedgerSecret  string

	// Escrow + disputes
	EscrowExpirationDays int
	MinHoldPeriod        time.Duration
	DisputeVotingWindow  time.Duration
	TieBreakPolicy       string

	// Fees
	MaxEscrowFee decimal.Decimal

	// Billing (optional)
	StripeSecretKey string
	StripePrices    map[string]string // "pro_monthly" -> Stripe price id

	// Price feed; static registry prices when empty
	PriceAPIURL string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultChainCallTimeout     = 30 * time.Second
	DefaultEscrowExpirationDays = 14
	DefaultMinHoldPeriod        = 24 * time.Hour
	DefaultDisputeVotingWindow  = 7 * 24 * time.Hour
	DefaultTieBreakPolicy       = string(dispute.TieBreakFirstVote)
	DefaultMaxEscrowFee         = "2500"
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            os.Getenv("LOG_FORMAT"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		ChainsFile:           os.Getenv("CHAINS_FILE"),
		EVMRPCURL:            os.Getenv("EVM_RPC_URL"),
		EVMPrivateKey:        os.Getenv("EVM_PRIVATE_KEY"),
		LedgerRPCURL:         os.Getenv("LEDGER_RPC_URL"),
		LedgerAccount:        os.Getenv("LEDGER_ACCOUNT"),
		LedgerSecret:         os.Getenv("LEDGER_SECRET"),
		EscrowExpirationDays: int(getEnvInt64("ESCROW_EXPIRATION_DAYS", DefaultEscrowExpirationDays)),
		TieBreakPolicy:       getEnv("TIE_BREAK_POLICY", DefaultTieBreakPolicy),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		PriceAPIURL:          os.Getenv("PRICE_API_URL"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
		if cfg.IsProduction() {
			cfg.LogFormat = "json"
		}
	}

	var err error
	if cfg.PlatformWallets, err = parsePairs("PLATFORM_WALLETS", os.Getenv("PLATFORM_WALLETS")); err != nil {
		return nil, err
	}
	if cfg.StripePrices, err = parsePairs("STRIPE_PRICES", os.Getenv("STRIPE_PRICES")); err != nil {
		return nil, err
	}
	if cfg.ChainCallTimeout, err = getEnvDuration("CHAIN_CALL_TIMEOUT", DefaultChainCallTimeout); err != nil {
		return nil, err
	}
	if cfg.MinHoldPeriod, err = getEnvDuration("MIN_HOLD_PERIOD", DefaultMinHoldPeriod); err != nil {
		return nil, err
	}
	if cfg.DisputeVotingWindow, err = getEnvDuration("DISPUTE_VOTING_WINDOW", DefaultDisputeVotingWindow); err != nil {
		return nil, err
	}
	if cfg.MaxEscrowFee, err = decimal.NewFromString(getEnv("MAX_ESCROW_FEE", DefaultMaxEscrowFee)); err != nil {
		return nil, fmt.Errorf("MAX_ESCROW_FEE must be a decimal number: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	if c.ChainCallTimeout <= 0 {
		return fmt.Errorf("CHAIN_CALL_TIMEOUT must be positive")
	}
	if c.EscrowExpirationDays <= 0 {
		return fmt.Errorf("ESCROW_EXPIRATION_DAYS must be positive")
	}
	if c.MinHoldPeriod < 0 {
		return fmt.Errorf("MIN_HOLD_PERIOD must not be negative")
	}
	if time.Duration(c.EscrowExpirationDays)*24*time.Hour < c.MinHoldPeriod {
		return fmt.Errorf("ESCROW_EXPIRATION_DAYS must cover MIN_HOLD_PERIOD")
	}
	if c.DisputeVotingWindow <= 0 {
		return fmt.Errorf("DISPUTE_VOTING_WINDOW must be positive")
	}
	if !c.MaxEscrowFee.IsPositive() {
		return fmt.Errorf("MAX_ESCROW_FEE must be positive")
	}
	if _, err := dispute.ParseTieBreakPolicy(c.TieBreakPolicy); err != nil {
		return fmt.Errorf("TIE_BREAK_POLICY: %w", err)
	}

	if c.EVMRPCURL != "" {
		key := strings.TrimPrefix(c.EVMPrivateKey, "0x")
		if key == "" {
			return fmt.Errorf("EVM_PRIVATE_KEY is required when EVM_RPC_URL is set")
		}
		if len(key) != 64 {
			return fmt.Errorf("EVM_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}
	if c.LedgerRPCURL != "" && (c.LedgerAccount == "" || c.LedgerSecret == "") {
		return fmt.Errorf("LEDGER_ACCOUNT and LEDGER_SECRET are required when LEDGER_RPC_URL is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

// parsePairs parses "a=x,b=y" into a map.
func parsePairs(key, raw string) (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("%s: malformed entry %q (want name=value)", key, part)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}

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

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration (e.g. 30s, 168h): %w", key, err)
	}
	return d, nil
}
