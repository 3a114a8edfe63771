package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all staking tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("stakeledger", "1.0.0")
	client := NewLedgerClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetStake, h.HandleGetStake)
	s.AddTool(ToolListStakes, h.HandleListStakes)
	s.AddTool(ToolPreviewRewards, h.HandlePreviewRewards)
	s.AddTool(ToolGetRateSchedule, h.HandleGetRateSchedule)
	s.AddTool(ToolGetParameters, h.HandleGetParameters)
	s.AddTool(ToolStakeItem, h.HandleStakeItem)
	s.AddTool(ToolUnstakeItem, h.HandleUnstakeItem)
	s.AddTool(ToolWithdrawItem, h.HandleWithdrawItem)
	s.AddTool(ToolClaimRewards, h.HandleClaimRewards)

	return s
}
