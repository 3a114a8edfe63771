package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stakeledger/internal/clock"
	"github.com/mbd888/stakeledger/internal/config"
	"github.com/mbd888/stakeledger/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	adminAddr = "0x00000000000000000000000000000000000000ad"
	adminKey  = "sk_test_administrator_key_0001"
	ownerAddr = "0x000000000000000000000000000000000000a11c"
)

var genesisTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                    "0",
		Env:                     "development",
		LogLevel:                "error",
		LogFormat:               "json",
		ClockMode:               config.ClockBlockTime,
		ClockGenesis:            genesisTime,
		BlockInterval:           2 * time.Second,
		ChainID:                 84532,
		Administrator:           adminAddr,
		RewardPerBlock:          *uint256.NewInt(10),
		UnbondingPeriodSeconds:  10,
		RewardClaimDelaySeconds: 0,
		AdminAPIKey:             adminKey,
		RateLimitPerMinute:      6000,
		RateLimitBurst:          1000,
		MonitorInterval:         time.Minute,
	}
}

// newTestServer creates an in-memory server driven by a manual clock
func newTestServer(t *testing.T, cfg *config.Config) (*Server, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(100, genesisTime)
	s, err := New(cfg,
		WithClock(clk),
		WithLogger(logging.NewWithWriter(io.Discard, "error", "json")),
		WithVersion("test"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s, clk
}

func do(t *testing.T, s *Server, method, path, key, body string) (int, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var resp map[string]interface{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
	}
	return w.Code, resp
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	code, resp := do(t, s, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "test", resp["version"])

	checks, ok := resp["checks"].([]interface{})
	require.True(t, ok)
	names := []string{}
	for _, c := range checks {
		names = append(names, c.(map[string]interface{})["name"].(string))
	}
	assert.ElementsMatch(t, []string{"clock", "reward_token"}, names)
}

func TestLivenessAndReadiness(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	code, _ := do(t, s, http.MethodGet, "/health/live", "", "")
	assert.Equal(t, http.StatusOK, code)

	// Run has not been called
	code, resp := do(t, s, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", resp["status"])

	s.ready.Store(true)
	code, _ = do(t, s, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusOK, code)
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range []string{
		"GET:/health",
		"GET:/metrics",
		"GET:/ws",
		"GET:/v1/parameters",
		"GET:/v1/rates",
		"GET:/v1/rates/at/:tick",
		"GET:/v1/owners/:address/stakes",
		"GET:/v1/owners/:address/stakes/:itemId",
		"GET:/v1/owners/:address/rewards",
		"GET:/v1/events",
		"GET:/v1/pool",
		"POST:/v1/keys",
		"POST:/v1/stakes",
		"POST:/v1/stakes/:itemId/unstake",
		"POST:/v1/stakes/:itemId/withdraw",
		"POST:/v1/rewards/claim",
		"POST:/v1/admin/rate",
		"POST:/v1/admin/rates",
		"PUT:/v1/admin/unbonding-period",
		"PUT:/v1/admin/reward-delay",
		"POST:/v1/admin/pause",
		"POST:/v1/admin/unpause",
		"POST:/v1/admin/administrator",
		"POST:/v1/admin/pool/fund",
		"POST:/v1/admin/items/mint",
	} {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestKeyIssuanceIsDevelopmentOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	s, _ := newTestServer(t, cfg)

	code, _ := do(t, s, http.MethodPost, "/v1/keys", "", `{"address":"`+ownerAddr+`"}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestInvalidPathParams(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	code, resp := do(t, s, http.MethodGet, "/v1/owners/not-an-address/stakes", "", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_address", resp["error"])

	code, resp = do(t, s, http.MethodGet, "/v1/owners/"+ownerAddr+"/stakes/abc", "", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_parameter", resp["error"])
}

func TestProtectedRoutesRequireKey(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	code, _ := do(t, s, http.MethodPost, "/v1/stakes", "", `{"itemId":"1"}`)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = do(t, s, http.MethodPost, "/v1/admin/pause", "sk_not_a_real_key_at_all", "")
	assert.Equal(t, http.StatusUnauthorized, code)
}

// ---------------------------------------------------------------------------
// End-to-end lifecycle
// ---------------------------------------------------------------------------

func TestStakeLifecycleOverHTTP(t *testing.T) {
	s, clk := newTestServer(t, testConfig())

	code, resp := do(t, s, http.MethodPost, "/v1/keys", "", `{"address":"`+ownerAddr+`","name":"alice"}`)
	require.Equal(t, http.StatusCreated, code)
	ownerKey := resp["apiKey"].(string)

	// Only the administrator mints and funds
	code, _ = do(t, s, http.MethodPost, "/v1/admin/items/mint", ownerKey, `{"to":"`+ownerAddr+`","itemId":"7"}`)
	require.Equal(t, http.StatusForbidden, code)
	code, _ = do(t, s, http.MethodPost, "/v1/admin/items/mint", adminKey, `{"to":"`+ownerAddr+`","itemId":"7"}`)
	require.Equal(t, http.StatusCreated, code)
	code, _ = do(t, s, http.MethodPost, "/v1/admin/pool/fund", adminKey, `{"amount":"1000"}`)
	require.Equal(t, http.StatusCreated, code)

	code, resp = do(t, s, http.MethodPost, "/v1/stakes", ownerKey, `{"itemId":"7"}`)
	require.Equal(t, http.StatusCreated, code, resp)
	stake := resp["stake"].(map[string]interface{})
	assert.Equal(t, ownerAddr, stake["owner"])
	assert.Equal(t, float64(100), stake["stakedAtTick"])

	// The vault holds the item while staked
	code, resp = do(t, s, http.MethodGet, "/v1/items/7/owner", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp["inVault"])

	clk.Advance(5, 10*time.Second)

	code, resp = do(t, s, http.MethodGet, "/v1/owners/"+ownerAddr+"/rewards", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "50", resp["rewards"].(map[string]interface{})["claimable"])

	code, resp = do(t, s, http.MethodPost, "/v1/stakes/7/unstake", ownerKey, "")
	require.Equal(t, http.StatusOK, code, resp)
	stake = resp["stake"].(map[string]interface{})
	assert.Equal(t, "50", stake["pendingReward"])
	assert.Equal(t, true, stake["isUnbonding"])

	code, resp = do(t, s, http.MethodPost, "/v1/stakes/7/withdraw", ownerKey, "")
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "unbonding_period_not_elapsed", resp["error"])

	clk.Advance(5, 10*time.Second)

	code, resp = do(t, s, http.MethodPost, "/v1/stakes/7/withdraw", ownerKey, "")
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, "50", resp["carriedReward"])

	code, resp = do(t, s, http.MethodPost, "/v1/rewards/claim", ownerKey, "")
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, "50", resp["amount"])

	code, resp = do(t, s, http.MethodGet, "/v1/pool", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "950", resp["balance"])

	// Item is back with its owner
	code, resp = do(t, s, http.MethodGet, "/v1/items/7/owner", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, ownerAddr, resp["owner"])

	code, resp = do(t, s, http.MethodGet, "/v1/events?limit=50", "", "")
	require.Equal(t, http.StatusOK, code)
	events, ok := resp["events"].([]interface{})
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(events), 4)
}

func TestAdminControlsOverHTTP(t *testing.T) {
	s, clk := newTestServer(t, testConfig())

	code, resp := do(t, s, http.MethodPost, "/v1/keys", "", `{"address":"`+ownerAddr+`"}`)
	require.Equal(t, http.StatusCreated, code)
	ownerKey := resp["apiKey"].(string)

	code, _ = do(t, s, http.MethodPost, "/v1/admin/pause", ownerKey, "")
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = do(t, s, http.MethodPost, "/v1/admin/pause", adminKey, "")
	require.Equal(t, http.StatusOK, code)
	code, resp = do(t, s, http.MethodPost, "/v1/stakes", ownerKey, `{"itemId":"1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "paused", resp["error"])
	code, _ = do(t, s, http.MethodPost, "/v1/admin/unpause", adminKey, "")
	require.Equal(t, http.StatusOK, code)

	clk.Advance(3, 6*time.Second)
	code, _ = do(t, s, http.MethodPost, "/v1/admin/rate", adminKey, `{"rate":"25"}`)
	require.Equal(t, http.StatusCreated, code)
	code, resp = do(t, s, http.MethodPost, "/v1/admin/rate", adminKey, `{"rate":"30"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "non_monotonic_tick", resp["error"])

	code, resp = do(t, s, http.MethodGet, "/v1/rates", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, resp["rates"], 2)

	code, _ = do(t, s, http.MethodPut, "/v1/admin/unbonding-period", adminKey, `{"seconds":60}`)
	require.Equal(t, http.StatusOK, code)
	code, resp = do(t, s, http.MethodGet, "/v1/parameters", "", "")
	require.Equal(t, http.StatusOK, code)
	params := resp["parameters"].(map[string]interface{})
	assert.Equal(t, float64(60), params["unbondingPeriodSeconds"])
	assert.Equal(t, adminAddr, params["administrator"])
}

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	code, _ := do(t, s, http.MethodGet, "/v1/nonexistent", "", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestShutdownWithoutRun(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	s.drainDelay = 0

	assert.NoError(t, s.Shutdown())
	assert.False(t, s.ready.Load())
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:xxxxx@db:5432/ledger", maskDSN("postgres://app:secret@db:5432/ledger"))
	assert.Equal(t, "postgres://app@db/ledger?sslmode=disable", maskDSN("postgres://app@db/ledger?sslmode=disable"))
	assert.Equal(t, "***", maskDSN("host=db user=app password=secret"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
