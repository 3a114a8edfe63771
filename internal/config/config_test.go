package config

import (
	"os"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdmin = "0x00000000000000000000000000000000000000ad"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	_ = os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			_ = os.Unsetenv(key)
		} else {
			_ = os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ADMIN_ADDRESS", "0x00000000000000000000000000000000000000AD")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, testAdmin, cfg.Administrator)
	assert.Equal(t, ClockBlockTime, cfg.ClockMode)
	assert.Equal(t, DefaultBlockInterval, cfg.BlockInterval)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), cfg.ClockGenesis.UTC())
	assert.Equal(t, DefaultRewardPerBlock, cfg.RewardPerBlock.Dec())
	assert.Equal(t, uint64(DefaultUnbondingPeriodSeconds), cfg.UnbondingPeriodSeconds)
	assert.False(t, cfg.UsesChain())
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
	assert.Equal(t, DefaultRateLimitPerMinute, cfg.RateLimitPerMinute)
	assert.Equal(t, DefaultRateLimitBurst, cfg.RateLimitBurst)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "ADMIN_ADDRESS", testAdmin)
	setEnv(t, "REWARD_PER_BLOCK", "115792089237316195423570985008687907853269984665640564039457584007913129639935")
	setEnv(t, "UNBONDING_PERIOD_SECONDS", "100")
	setEnv(t, "REWARD_CLAIM_DELAY_SECONDS", "0")
	setEnv(t, "BLOCK_INTERVAL", "12s")
	setEnv(t, "CLOCK_MODE", "CHAIN")
	setEnv(t, "CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	setEnv(t, "RATE_LIMIT_PER_MINUTE", "600")
	setEnv(t, "RATE_LIMIT_BURST", "50")

	cfg, err := Load()
	require.NoError(t, err)

	max := new(uint256.Int).SetAllOne()
	assert.True(t, cfg.RewardPerBlock.Eq(max))
	assert.Equal(t, uint64(100), cfg.UnbondingPeriodSeconds)
	assert.Equal(t, uint64(0), cfg.RewardClaimDelaySeconds)
	assert.Equal(t, 12*time.Second, cfg.BlockInterval)
	assert.Equal(t, ClockChain, cfg.ClockMode)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 600, cfg.RateLimitPerMinute)
	assert.Equal(t, 50, cfg.RateLimitBurst)
}

func TestLoad_ReportsEveryMalformedValue(t *testing.T) {
	setEnv(t, "ADMIN_ADDRESS", testAdmin)
	setEnv(t, "REWARD_PER_BLOCK", "1.5")
	setEnv(t, "UNBONDING_PERIOD_SECONDS", "-1")
	setEnv(t, "BLOCK_INTERVAL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REWARD_PER_BLOCK")
	assert.Contains(t, err.Error(), "UNBONDING_PERIOD_SECONDS")
	assert.Contains(t, err.Error(), "BLOCK_INTERVAL")
}

func TestLoad_MissingAdministrator(t *testing.T) {
	setEnv(t, "ADMIN_ADDRESS", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_ADDRESS is required")
}

func TestConfig_Validate(t *testing.T) {
	const key = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	base := func() Config {
		return Config{
			Administrator: testAdmin,
			ClockMode:     ClockBlockTime,
			BlockInterval: time.Second,
			RPCURL:        DefaultRPCURL,
		}
	}
	onChain := func() Config {
		c := base()
		c.CollectionContract = "0x00000000000000000000000000000000000000c0"
		c.RewardTokenContract = "0x00000000000000000000000000000000000000e2"
		c.PrivateKey = "0x" + key
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		chain   bool
		wantErr string
	}{
		{name: "in-memory custody", mutate: func(*Config) {}},
		{name: "chain custody", chain: true, mutate: func(*Config) {}},
		{name: "bad administrator", mutate: func(c *Config) { c.Administrator = "0x123" }, wantErr: "ADMIN_ADDRESS must be"},
		{name: "unbonding too long", mutate: func(c *Config) { c.UnbondingPeriodSeconds = 1 << 62 }, wantErr: "UNBONDING_PERIOD_SECONDS"},
		{name: "delay too long", mutate: func(c *Config) { c.RewardClaimDelaySeconds = 1 << 62 }, wantErr: "REWARD_CLAIM_DELAY_SECONDS"},
		{name: "zero block interval", mutate: func(c *Config) { c.BlockInterval = 0 }, wantErr: "BLOCK_INTERVAL"},
		{name: "unknown clock", mutate: func(c *Config) { c.ClockMode = "sundial" }, wantErr: "CLOCK_MODE"},
		{name: "chain clock without rpc", mutate: func(c *Config) { c.ClockMode = ClockChain; c.RPCURL = "" }, wantErr: "RPC_URL is required"},
		{name: "missing token contract", chain: true, mutate: func(c *Config) { c.RewardTokenContract = "" }, wantErr: "REWARD_TOKEN_CONTRACT"},
		{name: "missing private key", chain: true, mutate: func(c *Config) { c.PrivateKey = "" }, wantErr: "PRIVATE_KEY is required"},
		{name: "invalid private key length", chain: true, mutate: func(c *Config) { c.PrivateKey = "abc123" }, wantErr: "64 hex characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			if tt.chain {
				cfg = onChain()
			}
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_Genesis(t *testing.T) {
	cfg := &Config{
		Administrator:          testAdmin,
		RewardPerBlock:         *uint256.NewInt(7),
		UnbondingPeriodSeconds: 100,
	}
	g := cfg.Genesis("0x00000000000000000000000000000000000000F0")
	assert.Equal(t, "0x00000000000000000000000000000000000000f0", g.Collection)
	assert.Equal(t, "reward-pool", g.RewardToken)
	assert.Equal(t, uint64(7), g.RewardPerBlock.Uint64())

	cfg.CollectionContract = "0x00000000000000000000000000000000000000C0"
	cfg.RewardTokenContract = "0x00000000000000000000000000000000000000E2"
	g = cfg.Genesis("ignored")
	assert.Equal(t, "0x00000000000000000000000000000000000000c0", g.Collection)
	assert.Equal(t, "0x00000000000000000000000000000000000000e2", g.RewardToken)
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	var errs []error
	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0, &errs))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99, &errs))
	assert.Empty(t, errs)
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99, &errs))
	assert.Len(t, errs, 1)
}

func TestGetEnvRatio(t *testing.T) {
	setEnv(t, "TEST_RATIO", "0.25")
	setEnv(t, "TEST_RATIO_HIGH", "1.5")

	var errs []error
	assert.Equal(t, 0.25, getEnvRatio("TEST_RATIO", 1, &errs))
	assert.Equal(t, 1.0, getEnvRatio("NONEXISTENT_VAR", 1, &errs))
	assert.Empty(t, errs)
	assert.Equal(t, 1.0, getEnvRatio("TEST_RATIO_HIGH", 1, &errs))
	assert.Len(t, errs, 1)
}
