// Command migrate manages the ledger schema (stake records, rate schedule,
// reward accounts, event log, reward pool and API keys) with goose.
//
// Usage:
//
//	migrate up                 apply pending migrations
//	migrate down               roll back the newest migration
//	migrate status             list applied and pending migrations
//	migrate version            print the schema version
//	migrate redo               roll back and re-apply the newest migration
//	migrate up-to <version>    apply up to version
//	migrate down-to <version>  roll back to version
//
// DATABASE_URL selects the database; MIGRATIONS_DIR overrides ./migrations.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/stakeledger/internal/logging"
	"github.com/mbd888/stakeledger/internal/retry"
)

const usage = "usage: migrate up|down|status|version|redo|up-to <version>|down-to <version>"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	_ = godotenv.Load()

	logger := logging.New(envOr("LOG_LEVEL", "info"), envOr("LOG_FORMAT", "text"))
	command, args := os.Args[1], os.Args[2:]
	dir := envOr("MIGRATIONS_DIR", "migrations")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	// the database may still be starting alongside this job
	if err := retry.Do(ctx, 10, time.Second, func() error { return db.PingContext(ctx) }); err != nil {
		logger.Error("database unreachable", "error", err)
		os.Exit(1)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		logger.Error("failed to set dialect", "error", err)
		os.Exit(1)
	}
	start := time.Now()
	if err := goose.RunContext(ctx, command, db, dir, args...); err != nil {
		logger.Error("migration failed", "command", command, "dir", dir, "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", command, "duration", time.Since(start).Round(time.Millisecond))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
