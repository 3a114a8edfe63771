// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/joho/godotenv"

	"github.com/mbd888/stakeledger/internal/staking"
	"github.com/mbd888/stakeledger/internal/validation"
)

// Clock modes
const (
	ClockBlockTime = "blocktime" // ticks derived from wall-clock time
	ClockChain     = "chain"     // ticks read from the chain's latest header
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Clock
	ClockMode     string
	ClockGenesis  time.Time
	BlockInterval time.Duration

	// Blockchain settings. Setting the contracts switches custody and payouts
	// from the in-memory vault and reward pool to the chain.
	RPCURL              string
	ChainID             int64
	PrivateKey          string // Hex-encoded, with or without 0x prefix
	CollectionContract  string // ERC-721 collection
	RewardTokenContract string // ERC-20 reward token

	// Ledger genesis, applied only when the store is empty
	Administrator           string
	RewardPerBlock          uint256.Int
	UnbondingPeriodSeconds  uint64
	RewardClaimDelaySeconds uint64

	// Security
	AdminAPIKey string   // imported for Administrator at startup
	CORSOrigins []string // "*" allows any origin

	// Rate limiting, per owner
	RateLimitPerMinute int
	RateLimitBurst     int

	// Observability
	OTELEndpoint     string
	TraceSampleRatio float64 // fraction of root spans kept, 0 to 1
	MonitorInterval  time.Duration
}

// Local defaults
const (
	DefaultPort                    = "8080"
	DefaultEnv                     = "development"
	DefaultLogLevel                = "info"
	DefaultLogFormat               = "text"
	DefaultRateLimitPerMinute      = 60
	DefaultRateLimitBurst          = 10
	DefaultClockMode               = ClockBlockTime
	DefaultClockGenesis            = "2026-01-01T00:00:00Z"
	DefaultBlockInterval           = 2 * time.Second // Base block time
	DefaultRPCURL                  = "https://sepolia.base.org"
	DefaultChainID                 = 84532 // Base Sepolia
	DefaultRewardPerBlock          = "1000000000000000"
	DefaultUnbondingPeriodSeconds  = 7 * 24 * 60 * 60
	DefaultRewardClaimDelaySeconds = 24 * 60 * 60
	DefaultMonitorInterval         = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		ClockMode:               strings.ToLower(getEnv("CLOCK_MODE", DefaultClockMode)),
		BlockInterval:           getEnvDuration("BLOCK_INTERVAL", DefaultBlockInterval, &errs),
		RPCURL:                  getEnv("RPC_URL", DefaultRPCURL),
		ChainID:                 getEnvInt64("CHAIN_ID", DefaultChainID, &errs),
		PrivateKey:              os.Getenv("PRIVATE_KEY"),
		CollectionContract:      os.Getenv("COLLECTION_CONTRACT"),
		RewardTokenContract:     os.Getenv("REWARD_TOKEN_CONTRACT"),
		Administrator:           validation.SanitizeAddress(os.Getenv("ADMIN_ADDRESS")),
		UnbondingPeriodSeconds:  uint64(getEnvInt64("UNBONDING_PERIOD_SECONDS", DefaultUnbondingPeriodSeconds, &errs)),
		RewardClaimDelaySeconds: uint64(getEnvInt64("REWARD_CLAIM_DELAY_SECONDS", DefaultRewardClaimDelaySeconds, &errs)),
		AdminAPIKey:             os.Getenv("ADMIN_API_KEY"),
		CORSOrigins:             strings.Split(getEnv("CORS_ALLOWED_ORIGINS", "*"), ","),
		RateLimitPerMinute:      int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute, &errs)),
		RateLimitBurst:          int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst, &errs)),
		OTELEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:        getEnvRatio("OTEL_TRACES_SAMPLER_ARG", 1, &errs),
		MonitorInterval:         getEnvDuration("MONITOR_INTERVAL", DefaultMonitorInterval, &errs),
	}

	genesis, err := time.Parse(time.RFC3339, getEnv("CLOCK_GENESIS", DefaultClockGenesis))
	if err != nil {
		errs = append(errs, fmt.Errorf("CLOCK_GENESIS must be an RFC 3339 timestamp"))
	}
	cfg.ClockGenesis = genesis

	rate, err := uint256.FromDecimal(getEnv("REWARD_PER_BLOCK", DefaultRewardPerBlock))
	if err != nil {
		errs = append(errs, fmt.Errorf("REWARD_PER_BLOCK must be a non-negative integer below 2^256"))
	} else {
		cfg.RewardPerBlock = *rate
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Administrator == "" {
		return fmt.Errorf("ADMIN_ADDRESS is required")
	}
	if !validation.IsValidEthAddress(c.Administrator) {
		return fmt.Errorf("ADMIN_ADDRESS must be a valid Ethereum address")
	}
	if c.UnbondingPeriodSeconds > staking.MaxPeriodSeconds {
		return fmt.Errorf("UNBONDING_PERIOD_SECONDS exceeds %d", uint64(staking.MaxPeriodSeconds))
	}
	if c.RewardClaimDelaySeconds > staking.MaxPeriodSeconds {
		return fmt.Errorf("REWARD_CLAIM_DELAY_SECONDS exceeds %d", uint64(staking.MaxPeriodSeconds))
	}

	switch c.ClockMode {
	case ClockBlockTime:
		if c.BlockInterval <= 0 {
			return fmt.Errorf("BLOCK_INTERVAL must be positive")
		}
	case ClockChain:
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required for the chain clock")
		}
	default:
		return fmt.Errorf("CLOCK_MODE must be %q or %q", ClockBlockTime, ClockChain)
	}

	if c.CollectionContract == "" && c.RewardTokenContract == "" {
		return nil
	}
	if !validation.IsValidEthAddress(c.CollectionContract) {
		return fmt.Errorf("COLLECTION_CONTRACT must be a valid Ethereum address")
	}
	if !validation.IsValidEthAddress(c.RewardTokenContract) {
		return fmt.Errorf("REWARD_TOKEN_CONTRACT must be a valid Ethereum address")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required when contracts are configured")
	}

	// Allow both with and without 0x prefix
	key := strings.TrimPrefix(c.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	return nil
}

// UsesChain reports whether custody and payouts go through contracts.
func (c *Config) UsesChain() bool {
	return c.CollectionContract != ""
}

// Genesis returns the parameters a fresh ledger is initialized with.
func (c *Config) Genesis(vaultAddress string) staking.Genesis {
	collection, token := c.CollectionContract, c.RewardTokenContract
	if !c.UsesChain() {
		collection, token = vaultAddress, "reward-pool"
	}
	return staking.Genesis{
		Collection:              strings.ToLower(collection),
		RewardToken:             strings.ToLower(token),
		Administrator:           c.Administrator,
		RewardPerBlock:          c.RewardPerBlock,
		UnbondingPeriodSeconds:  c.UnbondingPeriodSeconds,
		RewardClaimDelaySeconds: c.RewardClaimDelaySeconds,
	}
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

func getEnvInt64(key string, defaultValue int64, errs *[]error) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil || i < 0 {
		*errs = append(*errs, fmt.Errorf("%s must be a non-negative integer", key))
		return defaultValue
	}
	return i
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a duration such as 2s", key))
		return defaultValue
	}
	return d
}

func getEnvRatio(key string, defaultValue float64, errs *[]error) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < 0 || f > 1 {
		*errs = append(*errs, fmt.Errorf("%s must be a number between 0 and 1", key))
		return defaultValue
	}
	return f
}
