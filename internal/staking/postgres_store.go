package staking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/holiman/uint256"
)

// Compile-time assertions.
var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*pgTx)(nil)
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore persists ledger state in PostgreSQL. Amounts are NUMERIC(78,0)
// columns exchanged as decimal strings; ticks and periods are BIGINT.
type PostgresStore struct {
	pgReader
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL ledger store. The schema comes
// from the goose migrations in migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: db}, db: db}
}

// WithTx implements Store. Transactions run at serializable isolation.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{pgReader{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

type pgReader struct {
	q querier
}

type pgTx struct {
	pgReader
}

// --- Parameters ---

func (r pgReader) GetParameters(ctx context.Context) (*Parameters, error) {
	p := &Parameters{}
	var unbonding, delay, initTick int64
	err := r.q.QueryRowContext(ctx, `
		SELECT collection, reward_token, administrator, unbonding_period_seconds,
			reward_claim_delay_seconds, paused, initialized_at_tick, initialized_at, updated_at
		FROM ledger_parameters WHERE id = 1`,
	).Scan(&p.Collection, &p.RewardToken, &p.Administrator, &unbonding,
		&delay, &p.Paused, &initTick, &p.InitializedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, err
	}
	p.UnbondingPeriodSeconds = uint64(unbonding)
	p.RewardClaimDelaySeconds = uint64(delay)
	p.InitializedAtTick = uint64(initTick)
	return p, nil
}

func (t *pgTx) PutParameters(ctx context.Context, p *Parameters) error {
	unbonding, err := toInt64(p.UnbondingPeriodSeconds)
	if err != nil {
		return err
	}
	delay, err := toInt64(p.RewardClaimDelaySeconds)
	if err != nil {
		return err
	}
	initTick, err := toInt64(p.InitializedAtTick)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO ledger_parameters (id, collection, reward_token, administrator,
			unbonding_period_seconds, reward_claim_delay_seconds, paused,
			initialized_at_tick, initialized_at, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			administrator = EXCLUDED.administrator,
			unbonding_period_seconds = EXCLUDED.unbonding_period_seconds,
			reward_claim_delay_seconds = EXCLUDED.reward_claim_delay_seconds,
			paused = EXCLUDED.paused,
			updated_at = EXCLUDED.updated_at`,
		p.Collection, p.RewardToken, p.Administrator, unbonding, delay, p.Paused,
		initTick, p.InitializedAt, p.UpdatedAt,
	)
	return err
}

// --- Rates ---

func (r pgReader) ListRates(ctx context.Context) ([]RateEntry, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT effective_from_tick, rate, created_at
		FROM rate_entries ORDER BY effective_from_tick ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []RateEntry
	for rows.Next() {
		var e RateEntry
		var tick int64
		var rate string
		if err := rows.Scan(&tick, &rate, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EffectiveFromTick = uint64(tick)
		if e.Rate, err = parseAmount(rate); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (t *pgTx) AppendRate(ctx context.Context, e RateEntry) error {
	tick, err := toInt64(e.EffectiveFromTick)
	if err != nil {
		return err
	}
	var last sql.NullInt64
	if err := t.q.QueryRowContext(ctx, `SELECT MAX(effective_from_tick) FROM rate_entries`).Scan(&last); err != nil {
		return err
	}
	if last.Valid && tick <= last.Int64 {
		return ErrNonMonotonicTick
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO rate_entries (effective_from_tick, rate, created_at)
		VALUES ($1, $2, $3)`,
		tick, e.Rate.Dec(), e.CreatedAt,
	)
	return err
}

// --- Records ---

const recordColumns = `owner, item_id, staked_at_tick, staked_at, last_settled_tick,
	pending_reward, is_unbonding, unbonding_started_at, updated_at`

func (r pgReader) GetRecord(ctx context.Context, owner, itemID string) (*StakeRecord, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM stake_records WHERE owner = $1 AND item_id = $2`, owner, itemID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotStaked
	}
	return rec, err
}

func (r pgReader) ListRecordsByOwner(ctx context.Context, owner string) ([]*StakeRecord, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM stake_records WHERE owner = $1
		ORDER BY staked_at_tick ASC, item_id ASC`, owner)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (r pgReader) ListUnbonding(ctx context.Context, startedBefore time.Time, limit int) ([]*StakeRecord, error) {
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM stake_records
		WHERE is_unbonding AND unbonding_started_at <= $1
		ORDER BY unbonding_started_at ASC
		LIMIT $2`, startedBefore, lim)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (r pgReader) Stats(ctx context.Context, withdrawableBefore time.Time) (*Stats, error) {
	st := &Stats{}
	err := r.q.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE NOT is_unbonding),
			COUNT(*) FILTER (WHERE is_unbonding),
			COUNT(*) FILTER (WHERE is_unbonding AND unbonding_started_at <= $1)
		FROM stake_records`, withdrawableBefore,
	).Scan(&st.Staked, &st.Unbonding, &st.Withdrawable)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (t *pgTx) CreateRecord(ctx context.Context, rec *StakeRecord) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	result, err := t.q.ExecContext(ctx, `
		INSERT INTO stake_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner, item_id) DO NOTHING`, args...)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAlreadyStaked
	}
	return nil
}

func (t *pgTx) UpdateRecord(ctx context.Context, rec *StakeRecord) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	result, err := t.q.ExecContext(ctx, `
		UPDATE stake_records SET staked_at_tick = $3, staked_at = $4, last_settled_tick = $5,
			pending_reward = $6, is_unbonding = $7, unbonding_started_at = $8, updated_at = $9
		WHERE owner = $1 AND item_id = $2`, args...)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotStaked
	}
	return nil
}

func (t *pgTx) DeleteRecord(ctx context.Context, owner, itemID string) error {
	result, err := t.q.ExecContext(ctx, `
		DELETE FROM stake_records WHERE owner = $1 AND item_id = $2`, owner, itemID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotStaked
	}
	return nil
}

// --- Reward accounts ---

func (r pgReader) GetRewardAccount(ctx context.Context, owner string) (*RewardAccount, error) {
	a := &RewardAccount{Owner: owner}
	var carried, claimed string
	err := r.q.QueryRowContext(ctx, `
		SELECT carried, total_claimed, updated_at
		FROM reward_accounts WHERE owner = $1`, owner,
	).Scan(&carried, &claimed, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, nil
	}
	if err != nil {
		return nil, err
	}
	if a.Carried, err = parseAmount(carried); err != nil {
		return nil, err
	}
	if a.TotalClaimed, err = parseAmount(claimed); err != nil {
		return nil, err
	}

	rows, err := r.q.QueryContext(ctx, `
		SELECT amount, staked_at FROM reward_carried_lots
		WHERE owner = $1 ORDER BY staked_at`, owner)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var lot CarriedLot
		var amount string
		if err := rows.Scan(&amount, &lot.StakedAt); err != nil {
			return nil, err
		}
		if lot.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		a.Lots = append(a.Lots, lot)
	}
	return a, rows.Err()
}

func (t *pgTx) PutRewardAccount(ctx context.Context, a *RewardAccount) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO reward_accounts (owner, carried, total_claimed, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner) DO UPDATE SET
			carried = EXCLUDED.carried,
			total_claimed = EXCLUDED.total_claimed,
			updated_at = EXCLUDED.updated_at`,
		a.Owner, a.Carried.Dec(), a.TotalClaimed.Dec(), a.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM reward_carried_lots WHERE owner = $1`, a.Owner); err != nil {
		return err
	}
	for _, lot := range a.Lots {
		if _, err := t.q.ExecContext(ctx, `
			INSERT INTO reward_carried_lots (owner, staked_at, amount)
			VALUES ($1, $2, $3)`, a.Owner, lot.StakedAt, lot.Amount.Dec(),
		); err != nil {
			return err
		}
	}
	return nil
}

// --- Events ---

func (r pgReader) ListEvents(ctx context.Context, owner, before string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, type, owner, item_id, amount, tick, detail, created_at
		FROM ledger_events
		WHERE ($1 = '' OR owner = $1)
		  AND ($2 = '' OR seq < COALESCE((SELECT seq FROM ledger_events WHERE id = $2), 0))
		ORDER BY seq DESC
		LIMIT $3`, owner, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		e := &Event{}
		var tick int64
		if err := rows.Scan(&e.ID, &e.Type, &e.Owner, &e.ItemID, &e.Amount, &tick, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Tick = uint64(tick)
		result = append(result, e)
	}
	return result, rows.Err()
}

func (t *pgTx) AppendEvent(ctx context.Context, e *Event) error {
	tick, err := toInt64(e.Tick)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO ledger_events (id, type, owner, item_id, amount, tick, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, string(e.Type), e.Owner, e.ItemID, e.Amount, tick, e.Detail, e.CreatedAt,
	)
	return err
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*StakeRecord, error) {
	rec := &StakeRecord{}
	var stakedTick, settledTick int64
	var pending string
	var unbondingAt sql.NullTime
	if err := row.Scan(&rec.Owner, &rec.ItemID, &stakedTick, &rec.StakedAt, &settledTick,
		&pending, &rec.IsUnbonding, &unbondingAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.StakedAtTick = uint64(stakedTick)
	rec.LastSettledTick = uint64(settledTick)
	var err error
	if rec.PendingReward, err = parseAmount(pending); err != nil {
		return nil, err
	}
	if unbondingAt.Valid {
		t := unbondingAt.Time
		rec.UnbondingStartedAt = &t
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]*StakeRecord, error) {
	var result []*StakeRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func recordArgs(rec *StakeRecord) ([]any, error) {
	stakedTick, err := toInt64(rec.StakedAtTick)
	if err != nil {
		return nil, err
	}
	settledTick, err := toInt64(rec.LastSettledTick)
	if err != nil {
		return nil, err
	}
	var unbondingAt sql.NullTime
	if rec.UnbondingStartedAt != nil {
		unbondingAt = sql.NullTime{Time: *rec.UnbondingStartedAt, Valid: true}
	}
	return []any{
		rec.Owner, rec.ItemID, stakedTick, rec.StakedAt, settledTick,
		rec.PendingReward.Dec(), rec.IsUnbonding, unbondingAt, rec.UpdatedAt,
	}, nil
}

func parseAmount(s string) (uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("invalid stored amount %q: %w", s, err)
	}
	return *v, nil
}

// toInt64 guards BIGINT columns, which cannot hold the top half of uint64.
func toInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d exceeds BIGINT range", ErrInvalidParameter, v)
	}
	return int64(v), nil
}
