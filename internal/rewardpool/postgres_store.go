package rewardpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/lib/pq"

	"github.com/mbd888/stakeledger/internal/retry"
)

// serializationFailure is the SQLSTATE for a serializable transaction that
// lost a conflict and may be retried.
const serializationFailure = "40001"

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store with PostgreSQL. The pool is a single row
// in reward_pool; entries live in pool_entries.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed pool store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetSummary(ctx context.Context) (*Summary, error) {
	var balance, funded, paid string
	s := &Summary{}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance::TEXT, total_funded::TEXT, total_paid::TEXT, updated_at
		FROM reward_pool WHERE id = 1
	`).Scan(&balance, &funded, &paid, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst *uint256.Int
		src string
	}{{&s.Balance, balance}, {&s.TotalFunded, funded}, {&s.TotalPaid, paid}} {
		if err := f.dst.SetFromDecimal(f.src); err != nil {
			return nil, fmt.Errorf("corrupt pool amount %q: %w", f.src, err)
		}
	}
	return s, nil
}

// Credit adds funds to the pool
func (p *PostgresStore) Credit(ctx context.Context, e *Entry) error {
	return p.serializable(ctx, func(tx *sql.Tx) error {
		return credit(ctx, tx, e)
	})
}

func credit(ctx context.Context, tx *sql.Tx, e *Entry) error {
	var balance, funded string
	err := tx.QueryRowContext(ctx, `
		INSERT INTO reward_pool (id, balance, total_funded, updated_at)
		VALUES (1, $1::NUMERIC(78,0), $1::NUMERIC(78,0), $2)
		ON CONFLICT (id) DO UPDATE SET
			balance      = reward_pool.balance + $1::NUMERIC(78,0),
			total_funded = reward_pool.total_funded + $1::NUMERIC(78,0),
			updated_at   = $2
		RETURNING balance::TEXT, total_funded::TEXT
	`, e.Amount.Dec(), e.CreatedAt).Scan(&balance, &funded)
	if err != nil {
		return fmt.Errorf("failed to update pool: %w", err)
	}
	// NUMERIC(78,0) holds values past 2^256-1
	for _, v := range []string{balance, funded} {
		if _, err := uint256.FromDecimal(v); err != nil {
			return ErrInvalidAmount
		}
	}
	return insertEntry(ctx, tx, e)
}

// Debit removes funds from the pool with row-level locking. The CHECK
// constraint on balance >= 0 backs up the explicit check.
func (p *PostgresStore) Debit(ctx context.Context, e *Entry) error {
	return p.serializable(ctx, func(tx *sql.Tx) error {
		return debit(ctx, tx, e)
	})
}

func debit(ctx context.Context, tx *sql.Tx, e *Entry) error {
	var balance string
	err := tx.QueryRowContext(ctx, `
		SELECT balance::TEXT FROM reward_pool WHERE id = 1 FOR UPDATE
	`).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInsufficientBalance
	}
	if err != nil {
		return err
	}
	current, err := uint256.FromDecimal(balance)
	if err != nil {
		return fmt.Errorf("corrupt pool balance %q: %w", balance, err)
	}
	if current.Lt(&e.Amount) {
		return ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE reward_pool SET
			balance    = balance - $1::NUMERIC(78,0),
			total_paid = total_paid + $1::NUMERIC(78,0),
			updated_at = $2
		WHERE id = 1
	`, e.Amount.Dec(), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to update pool: %w", err)
	}
	return insertEntry(ctx, tx, e)
}

// serializable runs fn in a serializable transaction, retrying when
// PostgreSQL reports a serialization conflict.
func (p *PostgresStore) serializable(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retry.Do(ctx, 3, 20*time.Millisecond, func() error {
		err := p.inTx(ctx, fn)
		var pqErr *pq.Error
		if err == nil || (errors.As(err, &pqErr) && pqErr.Code == serializationFailure) {
			return err
		}
		return retry.Permanent(err)
	})
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pool_entries (id, type, account, amount, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(78,0), $5, $6)
	`, e.ID, e.Type, e.Account, e.Amount.Dec(), e.Reference, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) History(ctx context.Context, account string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, account, amount::TEXT, reference, created_at
		FROM pool_entries
		WHERE $1 = '' OR account = $1
		ORDER BY seq DESC
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var amount string
		if err := rows.Scan(&e.ID, &e.Type, &e.Account, &amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := e.Amount.SetFromDecimal(amount); err != nil {
			return nil, fmt.Errorf("corrupt entry amount %q: %w", amount, err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
