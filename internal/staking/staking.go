// Package staking implements a time- and block-indexed staking ledger for a
// single collection of non-fungible items.
//
// Flow:
//  1. Holder stakes an item → item moves into custody, record starts accruing
//  2. Rewards accrue per tick at the rate in force for each tick
//  3. Holder unstakes → accrual stops, unbonding period starts
//  4. After the unbonding period the holder withdraws → item leaves custody,
//     unclaimed reward is carried on the holder's reward account
//  5. Holder claims → every reward past the claim delay is paid in one transfer
//
// Administrators change the rate schedule and lifecycle parameters. A rate
// change never reprices ticks that already elapsed.
package staking

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/holiman/uint256"

	"github.com/mbd888/stakeledger/internal/clock"
)

// Errors
var (
	ErrUnauthorized              = errors.New("caller is not the administrator")
	ErrAlreadyStaked             = errors.New("item is already staked")
	ErrNotStaked                 = errors.New("item is not staked")
	ErrAlreadyUnbonding          = errors.New("item is already unbonding")
	ErrUnbondingPeriodNotElapsed = errors.New("unbonding period has not elapsed")
	ErrClaimTooEarly             = errors.New("reward claim delay has not elapsed")
	ErrInsufficientRewardBalance = errors.New("insufficient reward balance")
	ErrArithmeticOverflow        = errors.New("reward arithmetic overflow")
	ErrNonMonotonicTick          = errors.New("rate entry tick must increase")
	ErrPaused                    = errors.New("operation rejected while paused")
	ErrNoRateDefined             = errors.New("no reward rate defined for tick")
	ErrInvalidParameter          = errors.New("invalid parameter")
	ErrClockRegression           = errors.New("clock moved backwards")
	ErrNotInitialized            = errors.New("ledger is not initialized")
	ErrCustodyTransfer           = errors.New("custody transfer failed")
)

// StakeRecord is the bookkeeping for one item held in custody on behalf of
// one owner. A record exists exactly while the item is staked or unbonding.
type StakeRecord struct {
	Owner              string      `json:"owner"`
	ItemID             string      `json:"itemId"`
	StakedAtTick       uint64      `json:"stakedAtTick"`
	StakedAt           time.Time   `json:"stakedAt"`
	LastSettledTick    uint64      `json:"lastSettledTick"`
	PendingReward      uint256.Int `json:"-"`
	IsUnbonding        bool        `json:"isUnbonding"`
	UnbondingStartedAt *time.Time  `json:"unbondingStartedAt,omitempty"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// Clone returns a deep copy.
func (r *StakeRecord) Clone() *StakeRecord {
	cp := *r
	if r.UnbondingStartedAt != nil {
		t := *r.UnbondingStartedAt
		cp.UnbondingStartedAt = &t
	}
	return &cp
}

// Withdrawable reports whether the unbonding period has elapsed at now.
func (r *StakeRecord) Withdrawable(now time.Time, unbondingPeriodSeconds uint64) bool {
	return r.IsUnbonding && r.UnbondingStartedAt != nil &&
		elapsedAtLeast(*r.UnbondingStartedAt, now, unbondingPeriodSeconds)
}

// RateEntry sets the per-tick, per-item reward from EffectiveFromTick until
// the next entry.
type RateEntry struct {
	EffectiveFromTick uint64      `json:"effectiveFromTick"`
	Rate              uint256.Int `json:"-"`
	CreatedAt         time.Time   `json:"createdAt"`
}

// Parameters are the ledger-wide settings. There is exactly one row per ledger.
type Parameters struct {
	Collection              string    `json:"collection"`
	RewardToken             string    `json:"rewardToken"`
	Administrator           string    `json:"administrator"`
	UnbondingPeriodSeconds  uint64    `json:"unbondingPeriodSeconds"`
	RewardClaimDelaySeconds uint64    `json:"rewardClaimDelaySeconds"`
	Paused                  bool      `json:"paused"`
	InitializedAtTick       uint64    `json:"initializedAtTick"`
	InitializedAt           time.Time `json:"initializedAt"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// RewardAccount holds reward settled on items the owner already withdrew,
// plus lifetime claim totals.
type RewardAccount struct {
	Owner string `json:"owner"`
	// Carried is unclaimed reward from withdrawn items, the sum of Lots.
	Carried uint256.Int `json:"-"`
	// Lots splits Carried by the deposit time of the items that produced it,
	// oldest first. The claim delay of each lot runs from its own StakedAt.
	Lots         []CarriedLot `json:"lots"`
	TotalClaimed uint256.Int  `json:"-"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// CarriedLot is carried reward from items deposited at StakedAt.
type CarriedLot struct {
	Amount   uint256.Int `json:"-"`
	StakedAt time.Time   `json:"stakedAt"`
}

// Clone returns a deep copy.
func (a *RewardAccount) Clone() *RewardAccount {
	cp := *a
	cp.Lots = append([]CarriedLot(nil), a.Lots...)
	return &cp
}

// Carry adds amount deposited at stakedAt, merging it into the lot with the
// same deposit time.
func (a *RewardAccount) Carry(amount *uint256.Int, stakedAt time.Time) error {
	if amount.IsZero() {
		return nil
	}
	var total uint256.Int
	if _, overflow := total.AddOverflow(&a.Carried, amount); overflow {
		return fmt.Errorf("%w: carried reward for %s", ErrArithmeticOverflow, a.Owner)
	}
	i, found := slices.BinarySearchFunc(a.Lots, stakedAt, func(l CarriedLot, t time.Time) int {
		return l.StakedAt.Compare(t)
	})
	if found {
		a.Lots[i].Amount.Add(&a.Lots[i].Amount, amount)
	} else {
		a.Lots = slices.Insert(a.Lots, i, CarriedLot{Amount: *amount, StakedAt: stakedAt})
	}
	a.Carried = total
	return nil
}

// CarriedSplit returns how much of Carried is past the claim delay at now
// and how much is still locked.
func (a *RewardAccount) CarriedSplit(now time.Time, delaySeconds uint64) (eligible, locked uint256.Int) {
	for _, l := range a.Lots {
		if elapsedAtLeast(l.StakedAt, now, delaySeconds) {
			eligible.Add(&eligible, &l.Amount)
		} else {
			locked.Add(&locked, &l.Amount)
		}
	}
	return eligible, locked
}

// TakeEligible removes every lot past the claim delay at now and returns
// their total.
func (a *RewardAccount) TakeEligible(now time.Time, delaySeconds uint64) uint256.Int {
	var taken uint256.Int
	kept := a.Lots[:0]
	for _, l := range a.Lots {
		if elapsedAtLeast(l.StakedAt, now, delaySeconds) {
			taken.Add(&taken, &l.Amount)
			continue
		}
		kept = append(kept, l)
	}
	a.Lots = kept
	a.Carried.Sub(&a.Carried, &taken)
	return taken
}

// EventType names a committed ledger operation.
type EventType string

const (
	EventInitialized              EventType = "initialized"
	EventStaked                   EventType = "staked"
	EventUnstaked                 EventType = "unstaked"
	EventWithdrawn                EventType = "withdrawn"
	EventRewardClaimed            EventType = "reward_claimed"
	EventRateUpdated              EventType = "rate_updated"
	EventParameterUpdated         EventType = "parameter_updated"
	EventPaused                   EventType = "paused"
	EventUnpaused                 EventType = "unpaused"
	EventAdministratorTransferred EventType = "administrator_transferred"
)

// Event is an append-only audit row written in the same transaction as the
// operation it describes.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Owner     string    `json:"owner,omitempty"`
	ItemID    string    `json:"itemId,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Tick      uint64    `json:"tick"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Stats are aggregate record counts.
type Stats struct {
	Staked       int `json:"staked"`
	Unbonding    int `json:"unbonding"`
	Withdrawable int `json:"withdrawable"`
}

// Reader is the read side of the store, available both inside and outside
// a transaction.
type Reader interface {
	// GetParameters returns ErrNotInitialized before the ledger is initialized.
	GetParameters(ctx context.Context) (*Parameters, error)
	// ListRates returns every rate entry ordered by EffectiveFromTick.
	ListRates(ctx context.Context) ([]RateEntry, error)
	// GetRecord returns ErrNotStaked when no record exists.
	GetRecord(ctx context.Context, owner, itemID string) (*StakeRecord, error)
	ListRecordsByOwner(ctx context.Context, owner string) ([]*StakeRecord, error)
	// ListUnbonding returns unbonding records whose unbonding started at or
	// before startedBefore, oldest first. limit <= 0 means no limit.
	ListUnbonding(ctx context.Context, startedBefore time.Time, limit int) ([]*StakeRecord, error)
	// Stats counts records. Unbonding records started at or before
	// withdrawableBefore are counted as withdrawable.
	Stats(ctx context.Context, withdrawableBefore time.Time) (*Stats, error)
	// GetRewardAccount returns a zero account when the owner has none.
	GetRewardAccount(ctx context.Context, owner string) (*RewardAccount, error)
	// ListEvents returns events newest first. An empty owner lists all events.
	// A non-empty before restricts the result to events older than the event
	// with that ID.
	ListEvents(ctx context.Context, owner, before string, limit int) ([]*Event, error)
}

// Tx is a store transaction. Writes become visible to other readers only
// when the function passed to WithTx returns nil.
type Tx interface {
	Reader
	PutParameters(ctx context.Context, p *Parameters) error
	AppendRate(ctx context.Context, e RateEntry) error
	CreateRecord(ctx context.Context, r *StakeRecord) error
	UpdateRecord(ctx context.Context, r *StakeRecord) error
	DeleteRecord(ctx context.Context, owner, itemID string) error
	PutRewardAccount(ctx context.Context, a *RewardAccount) error
	AppendEvent(ctx context.Context, e *Event) error
}

// Store persists ledger state.
type Store interface {
	Reader
	// WithTx runs fn in one transaction. It commits when fn returns nil and
	// rolls back every write otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Custodian moves items into and out of the ledger's custody. Each call is
// all-or-nothing.
type Custodian interface {
	TransferIn(ctx context.Context, owner, itemID string) error
	TransferOut(ctx context.Context, owner, itemID string) error
}

// RewardToken pays rewards from the ledger's reward balance.
type RewardToken interface {
	BalanceOf(ctx context.Context) (*uint256.Int, error)
	PayOut(ctx context.Context, recipient string, amount *uint256.Int) error
}

// Authorizer decides whether a caller may run administrative operations.
type Authorizer interface {
	IsAdministrator(ctx context.Context, caller string) (bool, error)
}

// Clock reads the current tick and wall-clock time together.
type Clock interface {
	Now(ctx context.Context) (clock.Instant, error)
}

// EventSink receives events after their transaction commits.
type EventSink interface {
	Publish(e *Event)
}

// elapsedAtLeast reports whether at least seconds whole seconds separate
// start and now.
func elapsedAtLeast(start, now time.Time, seconds uint64) bool {
	if now.Before(start) {
		return seconds == 0
	}
	return uint64(now.Sub(start)/time.Second) >= seconds
}
