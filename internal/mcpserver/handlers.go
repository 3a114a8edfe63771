package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *LedgerClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *LedgerClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetStake returns one stake record.
func (h *Handlers) HandleGetStake(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	itemID := req.GetString("item_id", "")
	if itemID == "" {
		return mcp.NewToolResultError("item_id is required"), nil
	}

	raw, err := h.client.GetStake(ctx, req.GetString("owner", ""), itemID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stake: %v", err)), nil
	}

	var resp struct {
		Stake map[string]any `json:"stake"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Stake == nil {
		return mcp.NewToolResultError("Failed to parse stake"), nil
	}
	return mcp.NewToolResultText(formatStake(resp.Stake)), nil
}

// HandleListStakes lists an owner's stake records.
func (h *Handlers) HandleListStakes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListStakes(ctx, req.GetString("owner", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list stakes: %v", err)), nil
	}

	text, err := formatStakeList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse stakes: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandlePreviewRewards shows claimable and locked reward.
func (h *Handlers) HandlePreviewRewards(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.PreviewRewards(ctx, req.GetString("owner", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to preview rewards: %v", err)), nil
	}

	text, err := formatPreview(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse rewards: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetRateSchedule returns the rate schedule.
func (h *Handlers) HandleGetRateSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetRates(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get rates: %v", err)), nil
	}

	text, err := formatRates(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse rates: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetParameters returns ledger parameters.
func (h *Handlers) HandleGetParameters(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetParameters(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get parameters: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleStakeItem stakes an item.
func (h *Handlers) HandleStakeItem(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.itemAction(ctx, req, "Stake", h.client.Stake)
}

// HandleUnstakeItem starts unbonding an item.
func (h *Handlers) HandleUnstakeItem(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.itemAction(ctx, req, "Unstake", h.client.Unstake)
}

// HandleWithdrawItem withdraws an unbonded item.
func (h *Handlers) HandleWithdrawItem(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	itemID := req.GetString("item_id", "")
	if itemID == "" {
		return mcp.NewToolResultError("item_id is required"), nil
	}

	raw, err := h.client.Withdraw(ctx, itemID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Withdraw failed: %v", err)), nil
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse withdrawal: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Item %s withdrawn to your wallet.\n"+
			"Reward carried to your account: %s\n\n"+
			"Use claim_rewards to collect it once the claim delay has passed.",
		itemID, getString(resp, "carriedReward"))), nil
}

// HandleClaimRewards claims every claimable reward.
func (h *Handlers) HandleClaimRewards(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ClaimRewards(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Claim failed: %v", err)), nil
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse claim: %v", err)), nil
	}

	amount := getString(resp, "amount")
	if amount == "0" {
		return mcp.NewToolResultText("Nothing to claim yet. Use preview_rewards to see when reward unlocks."), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Claimed %s\n", amount)
	if v := getString(resp, "carried"); v != "" && v != "0" {
		fmt.Fprintf(&sb, "  From withdrawn items: %s\n", v)
	}
	if items, ok := resp["items"].([]any); ok && len(items) > 0 {
		fmt.Fprintf(&sb, "  Items settled: %d\n", len(items))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (h *Handlers) itemAction(ctx context.Context, req mcp.CallToolRequest, verb string, call func(context.Context, string) (json.RawMessage, error)) (*mcp.CallToolResult, error) {
	itemID := req.GetString("item_id", "")
	if itemID == "" {
		return mcp.NewToolResultError("item_id is required"), nil
	}

	raw, err := call(ctx, itemID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", verb, err)), nil
	}

	var resp struct {
		Stake map[string]any `json:"stake"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Stake == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse %s response", strings.ToLower(verb))), nil
	}
	return mcp.NewToolResultText(verb + " succeeded.\n" + formatStake(resp.Stake)), nil
}

// --- Formatting helpers ---

func formatStake(s map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Item %s\n", getString(s, "itemId"))
	fmt.Fprintf(&sb, "  Owner: %s\n", getString(s, "owner"))
	fmt.Fprintf(&sb, "  Staked at tick: %s (%s)\n", getString(s, "stakedAtTick"), getString(s, "stakedAt"))
	fmt.Fprintf(&sb, "  Pending reward: %s (settled to tick %s)\n", getString(s, "pendingReward"), getString(s, "lastSettledTick"))
	if unbonding, _ := s["isUnbonding"].(bool); unbonding {
		fmt.Fprintf(&sb, "  Status: unbonding since %s\n", getString(s, "unbondingStartedAt"))
	} else {
		sb.WriteString("  Status: staked\n")
	}
	return sb.String()
}

func formatStakeList(raw json.RawMessage) (string, error) {
	var resp struct {
		Stakes []map[string]any `json:"stakes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected stakes response format")
	}
	if len(resp.Stakes) == 0 {
		return "No staked items.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d staked item(s):\n\n", len(resp.Stakes))
	for i, s := range resp.Stakes {
		status := "staked"
		if unbonding, _ := s["isUnbonding"].(bool); unbonding {
			status = "unbonding"
		}
		fmt.Fprintf(&sb, "%d. Item %s | %s | pending %s\n", i+1, getString(s, "itemId"), status, getString(s, "pendingReward"))
	}
	return sb.String(), nil
}

func formatPreview(raw json.RawMessage) (string, error) {
	var resp struct {
		Rewards map[string]any `json:"rewards"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Rewards == nil {
		return "", fmt.Errorf("unexpected rewards response format")
	}
	r := resp.Rewards

	var sb strings.Builder
	sb.WriteString("Rewards:\n")
	fmt.Fprintf(&sb, "  Claimable now: %s\n", getString(r, "claimable"))
	fmt.Fprintf(&sb, "  Locked by claim delay: %s\n", getString(r, "locked"))
	if v := getString(r, "carried"); v != "" && v != "0" {
		fmt.Fprintf(&sb, "  From withdrawn items: %s\n", v)
	}
	fmt.Fprintf(&sb, "  Claimed so far: %s\n", getString(r, "totalClaimed"))
	if items, ok := r["items"].([]any); ok {
		for _, it := range items {
			m, ok := it.(map[string]any)
			if !ok {
				continue
			}
			fmt.Fprintf(&sb, "  - item %s: %s (claimable from %s)\n",
				getString(m, "itemId"), getString(m, "pending"), getString(m, "claimableAt"))
		}
	}
	return sb.String(), nil
}

func formatRates(raw json.RawMessage) (string, error) {
	var resp struct {
		Rates []map[string]any `json:"rates"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected rates response format")
	}
	if len(resp.Rates) == 0 {
		return "No rates defined.", nil
	}

	var sb strings.Builder
	sb.WriteString("Reward per block:\n")
	for _, r := range resp.Rates {
		fmt.Fprintf(&sb, "  from tick %s: %s\n", getString(r, "effectiveFromTick"), getString(r, "rate"))
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%.0f", f)
			}
		}
	}
	return ""
}
