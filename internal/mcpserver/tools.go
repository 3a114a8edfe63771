package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the staking MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetStake = mcp.NewTool("get_stake",
	mcp.WithDescription(
		"Get one staked item: when it was staked, its pending reward and whether it is unbonding."),
	mcp.WithString("item_id",
		mcp.Required(),
		mcp.Description("The item's token id, a decimal integer (e.g. '42')")),
	mcp.WithString("owner",
		mcp.Description("Owner address. Defaults to your own address.")),
)

var ToolListStakes = mcp.NewTool("list_stakes",
	mcp.WithDescription(
		"List every item an owner has staked or is unbonding, with pending rewards."),
	mcp.WithString("owner",
		mcp.Description("Owner address. Defaults to your own address.")),
)

var ToolPreviewRewards = mcp.NewTool("preview_rewards",
	mcp.WithDescription(
		"Show how much reward an owner could claim right now and how much is still locked "+
			"by the claim delay. Nothing is changed."),
	mcp.WithString("owner",
		mcp.Description("Owner address. Defaults to your own address.")),
)

var ToolGetRateSchedule = mcp.NewTool("get_rate_schedule",
	mcp.WithDescription(
		"Get the reward-per-block schedule. Each entry applies from its tick until the next entry."),
)

var ToolGetParameters = mcp.NewTool("get_parameters",
	mcp.WithDescription(
		"Get ledger parameters: administrator, unbonding period, reward claim delay and pause state."),
)

var ToolStakeItem = mcp.NewTool("stake_item",
	mcp.WithDescription(
		"Stake one of your items. The item moves into custody and starts earning reward every block."),
	mcp.WithString("item_id",
		mcp.Required(),
		mcp.Description("The item's token id")),
)

var ToolUnstakeItem = mcp.NewTool("unstake_item",
	mcp.WithDescription(
		"Start unbonding a staked item. It stops earning reward and can be withdrawn once the "+
			"unbonding period has passed."),
	mcp.WithString("item_id",
		mcp.Required(),
		mcp.Description("The item's token id")),
)

var ToolWithdrawItem = mcp.NewTool("withdraw_item",
	mcp.WithDescription(
		"Return an unbonded item to your wallet. Its unclaimed reward stays claimable with claim_rewards."),
	mcp.WithString("item_id",
		mcp.Required(),
		mcp.Description("The item's token id")),
)

var ToolClaimRewards = mcp.NewTool("claim_rewards",
	mcp.WithDescription(
		"Pay out all reward whose claim delay has passed. Succeeds with zero when nothing is claimable."),
)
