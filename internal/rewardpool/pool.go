// Package rewardpool tracks the reward balance the staking ledger pays from
// when rewards are settled off-chain.
//
// Flow:
//  1. Administrator funds the pool
//  2. Ledger pays claimed rewards out of the pool
//  3. Every movement is recorded as an entry
package rewardpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"github.com/mbd888/stakeledger/internal/idgen"
)

var (
	ErrInsufficientBalance = errors.New("insufficient pool balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidAccount      = errors.New("invalid account")
)

// Entry types
const (
	EntryFund   = "fund"
	EntryPayout = "payout"
)

// Entry is one pool movement.
type Entry struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Account   string      `json:"account"` // funder or recipient
	Amount    uint256.Int `json:"-"`
	Reference string      `json:"reference,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Summary is the pool's balance and lifetime totals.
type Summary struct {
	Balance     uint256.Int `json:"-"`
	TotalFunded uint256.Int `json:"-"`
	TotalPaid   uint256.Int `json:"-"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Store persists pool data. Credit and Debit update the balance and append
// the entry atomically.
type Store interface {
	GetSummary(ctx context.Context) (*Summary, error)
	Credit(ctx context.Context, e *Entry) error
	// Debit returns ErrInsufficientBalance when the balance is below the amount.
	Debit(ctx context.Context, e *Entry) error
	// History returns entries newest first. An empty account lists all.
	History(ctx context.Context, account string, limit int) ([]*Entry, error)
}

// Pool manages the reward balance.
type Pool struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new pool.
func New(store Store, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{store: store, logger: logger, now: time.Now}
}

// Fund adds amount to the pool on behalf of funder.
func (p *Pool) Fund(ctx context.Context, funder string, amount *uint256.Int, reference string) (*Entry, error) {
	e, err := p.entry(EntryFund, funder, amount, reference)
	if err != nil {
		return nil, err
	}
	if err := p.store.Credit(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to fund pool: %w", err)
	}
	p.logger.Info("reward pool funded", "funder", e.Account, "amount", amount.Dec())
	return e, nil
}

// BalanceOf returns the pool balance.
func (p *Pool) BalanceOf(ctx context.Context) (*uint256.Int, error) {
	s, err := p.store.GetSummary(ctx)
	if err != nil {
		return nil, err
	}
	return &s.Balance, nil
}

// PayOut pays amount to recipient from the pool.
func (p *Pool) PayOut(ctx context.Context, recipient string, amount *uint256.Int) error {
	e, err := p.entry(EntryPayout, recipient, amount, "")
	if err != nil {
		return err
	}
	if err := p.store.Debit(ctx, e); err != nil {
		return err
	}
	p.logger.Info("reward paid from pool", "recipient", e.Account, "amount", amount.Dec())
	return nil
}

// Summary returns the pool balance and totals.
func (p *Pool) Summary(ctx context.Context) (*Summary, error) {
	return p.store.GetSummary(ctx)
}

// History returns pool entries newest first.
func (p *Pool) History(ctx context.Context, account string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return p.store.History(ctx, strings.ToLower(strings.TrimSpace(account)), limit)
}

func (p *Pool) entry(typ, account string, amount *uint256.Int, reference string) (*Entry, error) {
	account = strings.ToLower(strings.TrimSpace(account))
	if account == "" {
		return nil, ErrInvalidAccount
	}
	if amount == nil || amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	return &Entry{
		ID:        idgen.WithPrefix("pool_"),
		Type:      typ,
		Account:   account,
		Amount:    *amount,
		Reference: reference,
		CreatedAt: p.now(),
	}, nil
}
