package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/stakeledger/internal/retry"
)

// Config holds the configuration for connecting to the staking API.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	APIKey       string // API key, e.g. "sk_..."
	OwnerAddress string // Address the key acts for, e.g. "0x..."
}

// LedgerClient is a pure HTTP client for the staking API. Reads are retried
// on transport errors and gateway failures; mutations are sent once.
type LedgerClient struct {
	cfg        Config
	httpClient *http.Client
	readRetry  retry.Policy
}

// NewLedgerClient creates a new client for the staking API.
func NewLedgerClient(cfg Config) *LedgerClient {
	return &LedgerClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		readRetry:  retry.Policy{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
	}
}

// apiError is the API's error body.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
	Raw     string `json:"-"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d, %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Raw)
}

func (e *apiError) transient() bool {
	switch e.Status {
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	case http.StatusServiceUnavailable:
		// paused is a ledger state, not an outage
		return e.Code != "paused"
	}
	return false
}

// doRequest sends one API call and returns the response body.
func (c *LedgerClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	if method != http.MethodGet {
		return c.roundTrip(ctx, method, u.String(), payload)
	}

	var out json.RawMessage
	err = c.readRetry.Run(ctx, func(ctx context.Context) error {
		res, err := c.roundTrip(ctx, method, u.String(), payload)
		var apiErr *apiError
		if errors.As(err, &apiErr) && !apiErr.transient() {
			return retry.Permanent(err)
		}
		out = res
		return err
	})
	return out, err
}

func (c *LedgerClient) roundTrip(ctx context.Context, method, target string, payload []byte) (json.RawMessage, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode, Raw: string(respBody)}
		_ = json.Unmarshal(respBody, apiErr)
		return nil, apiErr
	}
	return json.RawMessage(respBody), nil
}

// owner returns address, or the configured owner when address is empty.
func (c *LedgerClient) owner(address string) string {
	if address != "" {
		return address
	}
	return c.cfg.OwnerAddress
}

// GetStake returns one stake record.
func (c *LedgerClient) GetStake(ctx context.Context, owner, itemID string) (json.RawMessage, error) {
	path := "/v1/owners/" + url.PathEscape(c.owner(owner)) + "/stakes/" + url.PathEscape(itemID)
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// ListStakes returns every stake record of an owner.
func (c *LedgerClient) ListStakes(ctx context.Context, owner string) (json.RawMessage, error) {
	path := "/v1/owners/" + url.PathEscape(c.owner(owner)) + "/stakes"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// PreviewRewards returns what an owner could claim now.
func (c *LedgerClient) PreviewRewards(ctx context.Context, owner string) (json.RawMessage, error) {
	path := "/v1/owners/" + url.PathEscape(c.owner(owner)) + "/rewards"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GetRates returns the reward rate schedule.
func (c *LedgerClient) GetRates(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/rates", nil, nil)
}

// GetParameters returns the ledger parameters.
func (c *LedgerClient) GetParameters(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/parameters", nil, nil)
}

// Stake deposits an item for the configured owner.
func (c *LedgerClient) Stake(ctx context.Context, itemID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/stakes", nil, map[string]string{"itemId": itemID})
}

// Unstake starts unbonding an item.
func (c *LedgerClient) Unstake(ctx context.Context, itemID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/stakes/"+url.PathEscape(itemID)+"/unstake", nil, nil)
}

// Withdraw returns an unbonded item to the configured owner.
func (c *LedgerClient) Withdraw(ctx context.Context, itemID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/stakes/"+url.PathEscape(itemID)+"/withdraw", nil, nil)
}

// ClaimRewards pays out the configured owner's claimable reward.
func (c *LedgerClient) ClaimRewards(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/rewards/claim", nil, nil)
}
