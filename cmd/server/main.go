// Command server runs the staking ledger API.
package main

import (
	"context"
	"os"
	"runtime"

	"github.com/mbd888/stakeledger/internal/config"
	"github.com/mbd888/stakeledger/internal/logging"
	"github.com/mbd888/stakeledger/internal/server"
)

// Set with -ldflags "-X main.Version=..." at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// plain logger until LOG_LEVEL and LOG_FORMAT are read
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat).With("service", "stakeledger")
	logger.Info("starting",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"go", runtime.Version(),
		"env", cfg.Env,
		"clock", cfg.ClockMode,
		"chain_custody", cfg.UsesChain(),
		"postgres", cfg.DatabaseURL != "",
		"administrator", cfg.Administrator,
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to start", "error", err)
		return 1
	}
	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server stopped with error", "error", err)
		return 1
	}
	return 0
}
