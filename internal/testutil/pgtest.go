// Package testutil holds the Postgres fixture for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PGTest returns a migrated, empty database and a func that empties and
// closes it:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL picks the server. Without it, TESTCONTAINERS=1 starts one
// postgres:16-alpine container per test binary; otherwise the test skips.
func PGTest(t testing.TB) (*sql.DB, func()) {
	t.Helper()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" && os.Getenv("TESTCONTAINERS") == "1" {
		var err error
		if dsn, err = sharedContainer(); err != nil {
			t.Skipf("pgtest: postgres container unavailable: %v", err)
		}
	}
	if dsn == "" {
		t.Skip("pgtest: set POSTGRES_URL or TESTCONTAINERS=1")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := sql.Open("postgres", dsn)
	if err == nil {
		err = db.PingContext(ctx)
	}
	if err == nil {
		err = migrate(ctx, db)
	}
	if err == nil {
		err = truncate(ctx, db)
	}
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		t.Fatalf("pgtest: %v", err)
	}

	return db, func() {
		_ = truncate(context.Background(), db)
		_ = db.Close()
	}
}

// the container is reaped by ryuk when the test binary exits
var sharedContainer = sync.OnceValues(func() (string, error) {
	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("stakeledger"),
		postgres.WithUsername("stakeledger"),
		postgres.WithPassword("stakeledger"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return "", err
	}
	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		return "", err
	}
	return dsn, nil
})

// migrations are applied once per database; tests in one binary share it
var migrateMu sync.Mutex

func migrate(ctx context.Context, db *sql.DB) error {
	dir, err := migrationsDir()
	if err != nil {
		return err
	}
	migrateMu.Lock()
	defer migrateMu.Unlock()

	p, err := goose.NewProvider(goose.DialectPostgres, db, os.DirFS(dir))
	if err != nil {
		return err
	}
	_, err = p.Up(ctx)
	return err
}

// migrationsDir finds migrations/ in the working directory or a parent.
func migrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("no migrations/ directory above the working directory")
		}
		dir = parent
	}
}

// truncate empties every application table. goose's version table is kept
// so the next PGTest does not re-apply migrations.
func truncate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		DO $$
		DECLARE stmt TEXT;
		BEGIN
			SELECT 'TRUNCATE ' || string_agg(quote_ident(tablename), ', ') || ' RESTART IDENTITY CASCADE'
			INTO stmt
			FROM pg_tables
			WHERE schemaname = 'public' AND tablename <> 'goose_db_version';
			IF stmt IS NOT NULL THEN
				EXECUTE stmt;
			END IF;
		END $$`)
	return err
}
