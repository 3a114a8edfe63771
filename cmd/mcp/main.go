// Command mcp serves the staking ledger as MCP tools over stdio, acting for
// one owner through their API key.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/stakeledger/internal/mcpserver"
	"github.com/mbd888/stakeledger/internal/validation"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:       strings.TrimRight(os.Getenv("STAKELEDGER_API_URL"), "/"),
		APIKey:       strings.TrimSpace(os.Getenv("STAKELEDGER_API_KEY")),
		OwnerAddress: validation.SanitizeAddress(os.Getenv("STAKELEDGER_OWNER_ADDRESS")),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080"
	}

	var missing []string
	if cfg.APIKey == "" {
		missing = append(missing, "STAKELEDGER_API_KEY")
	}
	if !validation.IsValidEthAddress(cfg.OwnerAddress) {
		missing = append(missing, "STAKELEDGER_OWNER_ADDRESS")
	}
	if len(missing) > 0 {
		// stdout carries the protocol; diagnostics go to stderr
		fmt.Fprintf(os.Stderr, "mcp: set %s\n", strings.Join(missing, " and "))
		os.Exit(1)
	}

	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		fmt.Fprintf(os.Stderr, "mcp: %v\n", err)
		os.Exit(1)
	}
}
