package staking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/stakeledger/internal/clock"
	"github.com/mbd888/stakeledger/internal/idgen"
	"github.com/mbd888/stakeledger/internal/metrics"
	"github.com/mbd888/stakeledger/internal/pagination"
	"github.com/mbd888/stakeledger/internal/syncutil"
	"github.com/mbd888/stakeledger/internal/traces"
)

// MaxPeriodSeconds bounds the unbonding period and claim delay (100 years).
const MaxPeriodSeconds = 100 * 365 * 24 * 60 * 60

// Genesis holds the parameters a fresh ledger is initialized with.
type Genesis struct {
	Collection              string
	RewardToken             string
	Administrator           string
	RewardPerBlock          uint256.Int
	UnbondingPeriodSeconds  uint64
	RewardClaimDelaySeconds uint64
}

// Config wires a Service to its collaborators. Authorizer and Events are
// optional.
type Config struct {
	Store       Store
	Custodian   Custodian
	RewardToken RewardToken
	Clock       Clock
	Authorizer  Authorizer
	Events      EventSink
	Logger      *slog.Logger
	Genesis     Genesis
}

// Service implements the staking ledger. Every operation runs alone under one
// lock and inside one store transaction.
type Service struct {
	store     Store
	custodian Custodian
	token     RewardToken
	clock     Clock
	auth      Authorizer
	events    EventSink
	logger    *slog.Logger
	lock      *syncutil.Serializer

	// committed state cache, written only after a successful commit
	mu       sync.RWMutex
	schedule *RateSchedule
	params   Parameters
	lastTick uint64
}

// Withdrawal is the result of withdrawing an item.
type Withdrawal struct {
	Record        *StakeRecord `json:"record"`
	CarriedReward uint256.Int  `json:"-"`
}

// Claim is the result of a reward claim.
type Claim struct {
	Owner     string      `json:"owner"`
	Amount    uint256.Int `json:"-"`
	Items     []string    `json:"items"`
	Carried   uint256.Int `json:"-"`
	Tick      uint64      `json:"tick"`
	ClaimedAt time.Time   `json:"claimedAt"`
}

// ItemPreview is the projected reward of one record.
type ItemPreview struct {
	ItemID      string      `json:"itemId"`
	Pending     uint256.Int `json:"-"`
	Claimable   bool        `json:"claimable"`
	ClaimableAt time.Time   `json:"claimableAt"`
	IsUnbonding bool        `json:"isUnbonding"`
}

// RewardPreview is what ClaimReward would pay if called now.
type RewardPreview struct {
	Owner            string        `json:"owner"`
	Tick             uint64        `json:"tick"`
	Claimable        uint256.Int   `json:"-"`
	Locked           uint256.Int   `json:"-"`
	Carried          uint256.Int   `json:"-"`
	CarriedClaimable bool          `json:"carriedClaimable"`
	TotalClaimed     uint256.Int   `json:"-"`
	Items            []ItemPreview `json:"items"`
}

// Snapshot summarizes ledger state at one instant.
type Snapshot struct {
	Tick        uint64      `json:"tick"`
	Time        time.Time   `json:"time"`
	Stats       Stats       `json:"stats"`
	CurrentRate uint256.Int `json:"-"`
	Paused      bool        `json:"paused"`
}

// New creates the ledger service. An empty store is initialized from
// cfg.Genesis at the current tick; an initialized store is loaded as is.
func New(ctx context.Context, cfg Config) (*Service, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("%w: store is required", ErrInvalidParameter)
	case cfg.Custodian == nil:
		return nil, fmt.Errorf("%w: custodian is required", ErrInvalidParameter)
	case cfg.RewardToken == nil:
		return nil, fmt.Errorf("%w: reward token is required", ErrInvalidParameter)
	case cfg.Clock == nil:
		return nil, fmt.Errorf("%w: clock is required", ErrInvalidParameter)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		store:     cfg.Store,
		custodian: cfg.Custodian,
		token:     cfg.RewardToken,
		clock:     cfg.Clock,
		auth:      cfg.Authorizer,
		events:    cfg.Events,
		logger:    logger,
		lock:      syncutil.NewSerializer(),
	}

	params, err := cfg.Store.GetParameters(ctx)
	switch {
	case errors.Is(err, ErrNotInitialized):
		if err := s.initialize(ctx, cfg.Genesis); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load parameters: %w", err)
	}

	entries, err := cfg.Store.ListRates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rate schedule: %w", err)
	}
	sched, err := NewRateSchedule(entries)
	if err != nil {
		return nil, fmt.Errorf("stored rate schedule is corrupt: %w", err)
	}
	if sched.Len() == 0 {
		return nil, fmt.Errorf("%w: stored ledger has no genesis rate", ErrNotInitialized)
	}
	lastTick, err := lastUsedTick(ctx, cfg.Store, params)
	if err != nil {
		return nil, err
	}
	s.schedule = sched
	s.params = *params
	s.lastTick = lastTick
	logger.Info("staking ledger loaded",
		"collection", params.Collection,
		"administrator", params.Administrator,
		"rates", sched.Len(),
		"paused", params.Paused,
	)
	return s, nil
}

// lastUsedTick is the tick of the newest committed operation. Rate entries
// may be scheduled ahead of the clock, so they do not count.
func lastUsedTick(ctx context.Context, r Reader, params *Parameters) (uint64, error) {
	events, err := r.ListEvents(ctx, "", "", 1)
	if err != nil {
		return 0, fmt.Errorf("failed to load latest event: %w", err)
	}
	tick := params.InitializedAtTick
	if len(events) > 0 {
		tick = max(tick, events[0].Tick)
	}
	return tick, nil
}

func (s *Service) initialize(ctx context.Context, g Genesis) error {
	admin := normalizeAddress(g.Administrator)
	if admin == "" {
		return fmt.Errorf("%w: administrator is required", ErrInvalidParameter)
	}
	if g.UnbondingPeriodSeconds > MaxPeriodSeconds || g.RewardClaimDelaySeconds > MaxPeriodSeconds {
		return fmt.Errorf("%w: period exceeds %d seconds", ErrInvalidParameter, MaxPeriodSeconds)
	}

	return s.run(ctx, "initialize", nil, func(ctx context.Context, t *txn) error {
		params := &Parameters{
			Collection:              normalizeAddress(g.Collection),
			RewardToken:             normalizeAddress(g.RewardToken),
			Administrator:           admin,
			UnbondingPeriodSeconds:  g.UnbondingPeriodSeconds,
			RewardClaimDelaySeconds: g.RewardClaimDelaySeconds,
			InitializedAtTick:       t.now.Tick,
			InitializedAt:           t.now.Time,
			UpdatedAt:               t.now.Time,
		}
		genesis := RateEntry{EffectiveFromTick: t.now.Tick, Rate: g.RewardPerBlock, CreatedAt: t.now.Time}
		if err := t.PutParameters(ctx, params); err != nil {
			return err
		}
		if err := t.AppendRate(ctx, genesis); err != nil {
			return err
		}
		sched, _ := NewRateSchedule([]RateEntry{genesis})
		t.afterCommit(func() {
			s.schedule = sched
			s.params = *params
		})
		s.logger.Info("staking ledger initialized",
			"collection", params.Collection,
			"administrator", admin,
			"tick", t.now.Tick,
			"rewardPerBlock", g.RewardPerBlock.Dec(),
		)
		return t.emit(ctx, &Event{
			Type:   EventInitialized,
			Owner:  admin,
			Amount: g.RewardPerBlock.Dec(),
		})
	})
}

// --- transaction plumbing ---

// txn is the per-operation view of a store transaction.
type txn struct {
	Tx
	now      clock.Instant
	events   []*Event
	commit   []func()
	external string
}

func (t *txn) emit(ctx context.Context, e *Event) error {
	e.ID = idgen.WithPrefix("evt_")
	e.Tick = t.now.Tick
	e.CreatedAt = t.now.Time
	if err := t.AppendEvent(ctx, e); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	t.events = append(t.events, e)
	return nil
}

func (t *txn) afterCommit(fn func()) {
	t.commit = append(t.commit, fn)
}

// call runs an external side effect. It must be the last step before commit
// so a failure rolls back everything staged before it.
func (t *txn) call(name string, fn func() error) error {
	if err := fn(); err != nil {
		return err
	}
	t.external = name
	return nil
}

// run executes one ledger operation: admit under the lock, read the clock
// once, run fn in a transaction, then publish cache updates and events.
func (s *Service) run(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context, t *txn) error) (err error) {
	started := time.Now()
	ctx, span := traces.StartSpan(ctx, "staking."+op, append(attrs, traces.Operation(op))...)
	defer func() {
		metrics.ObserveOperation(op, outcome(err), started)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	unlock, err := s.lock.LockContext(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	now, err := s.readClock(ctx)
	if err != nil {
		return err
	}
	span.SetAttributes(traces.Tick(now.Tick))

	t := &txn{now: now}
	err = s.store.WithTx(ctx, func(tx Tx) error {
		t.Tx = tx
		return fn(ctx, t)
	})
	if err != nil {
		if t.external != "" {
			s.logger.Error("CRITICAL: external transfer completed but ledger commit failed",
				"operation", op, "transfer", t.external, "tick", now.Tick, "error", err)
		}
		return err
	}

	s.mu.Lock()
	for _, f := range t.commit {
		f()
	}
	s.lastTick = now.Tick
	s.mu.Unlock()

	if s.events != nil {
		for _, e := range t.events {
			s.events.Publish(e)
		}
	}
	return nil
}

// readClock reads the clock and rejects a tick older than one already used.
func (s *Service) readClock(ctx context.Context) (clock.Instant, error) {
	now, err := s.clock.Now(ctx)
	if err != nil {
		return clock.Instant{}, fmt.Errorf("failed to read clock: %w", err)
	}
	s.mu.RLock()
	last := s.lastTick
	s.mu.RUnlock()
	if now.Tick < last {
		return clock.Instant{}, fmt.Errorf("%w: tick %d after %d", ErrClockRegression, now.Tick, last)
	}
	return now, nil
}

func (s *Service) cachedSchedule() *RateSchedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schedule
}

// --- lifecycle ---

// Stake moves itemID into custody and starts accruing rewards for owner.
func (s *Service) Stake(ctx context.Context, owner, itemID string) (*StakeRecord, error) {
	owner, itemID, err := normalizeKey(owner, itemID)
	if err != nil {
		return nil, err
	}

	var rec *StakeRecord
	err = s.run(ctx, "stake", []attribute.KeyValue{traces.Owner(owner), traces.ItemID(itemID)}, func(ctx context.Context, t *txn) error {
		if err := s.requireUnpaused(ctx, t); err != nil {
			return err
		}
		if _, err := t.GetRecord(ctx, owner, itemID); err == nil {
			return ErrAlreadyStaked
		} else if !errors.Is(err, ErrNotStaked) {
			return err
		}
		if _, err := s.cachedSchedule().RateAt(t.now.Tick); err != nil {
			return err
		}

		rec = &StakeRecord{
			Owner:           owner,
			ItemID:          itemID,
			StakedAtTick:    t.now.Tick,
			StakedAt:        t.now.Time,
			LastSettledTick: t.now.Tick,
			UpdatedAt:       t.now.Time,
		}
		if err := t.CreateRecord(ctx, rec); err != nil {
			return err
		}
		if err := t.emit(ctx, &Event{Type: EventStaked, Owner: owner, ItemID: itemID}); err != nil {
			return err
		}
		return t.call("custody_in", func() error {
			if err := s.custodian.TransferIn(ctx, owner, itemID); err != nil {
				return fmt.Errorf("%w: %w", ErrCustodyTransfer, err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("item staked", "owner", owner, "item", itemID, "tick", rec.StakedAtTick)
	return rec, nil
}

// Unstake settles the record and starts its unbonding period. The item stays
// in custody and accrues nothing further.
func (s *Service) Unstake(ctx context.Context, owner, itemID string) (*StakeRecord, error) {
	owner, itemID, err := normalizeKey(owner, itemID)
	if err != nil {
		return nil, err
	}

	var rec *StakeRecord
	err = s.run(ctx, "unstake", []attribute.KeyValue{traces.Owner(owner), traces.ItemID(itemID)}, func(ctx context.Context, t *txn) error {
		if err := s.requireUnpaused(ctx, t); err != nil {
			return err
		}
		r, err := t.GetRecord(ctx, owner, itemID)
		if err != nil {
			return err
		}
		if r.IsUnbonding {
			return ErrAlreadyUnbonding
		}
		if _, err := Settle(r, s.cachedSchedule(), t.now.Tick); err != nil {
			return err
		}
		started := t.now.Time
		r.IsUnbonding = true
		r.UnbondingStartedAt = &started
		r.UpdatedAt = t.now.Time
		if err := t.UpdateRecord(ctx, r); err != nil {
			return err
		}
		rec = r
		return t.emit(ctx, &Event{
			Type:   EventUnstaked,
			Owner:  owner,
			ItemID: itemID,
			Amount: r.PendingReward.Dec(),
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("item unbonding", "owner", owner, "item", itemID, "pending", rec.PendingReward.Dec())
	return rec, nil
}

// Withdraw returns an unbonded item to its owner. Its unclaimed reward moves
// onto the owner's reward account, so withdrawal never waits on the reward
// balance.
func (s *Service) Withdraw(ctx context.Context, owner, itemID string) (*Withdrawal, error) {
	owner, itemID, err := normalizeKey(owner, itemID)
	if err != nil {
		return nil, err
	}

	var out *Withdrawal
	err = s.run(ctx, "withdraw", []attribute.KeyValue{traces.Owner(owner), traces.ItemID(itemID)}, func(ctx context.Context, t *txn) error {
		params, err := t.GetParameters(ctx)
		if err != nil {
			return err
		}
		rec, err := t.GetRecord(ctx, owner, itemID)
		if err != nil {
			return err
		}
		if !rec.IsUnbonding || rec.UnbondingStartedAt == nil {
			return fmt.Errorf("%w: item is not unbonding", ErrUnbondingPeriodNotElapsed)
		}
		if !elapsedAtLeast(*rec.UnbondingStartedAt, t.now.Time, params.UnbondingPeriodSeconds) {
			return fmt.Errorf("%w: unbonding started %s, period %ds",
				ErrUnbondingPeriodNotElapsed, rec.UnbondingStartedAt.Format(time.RFC3339), params.UnbondingPeriodSeconds)
		}
		if _, err := Settle(rec, s.cachedSchedule(), t.now.Tick); err != nil {
			return err
		}

		carried := rec.PendingReward
		if !carried.IsZero() {
			acct, err := t.GetRewardAccount(ctx, owner)
			if err != nil {
				return err
			}
			if err := acct.Carry(&carried, rec.StakedAt); err != nil {
				return err
			}
			acct.UpdatedAt = t.now.Time
			if err := t.PutRewardAccount(ctx, acct); err != nil {
				return err
			}
		}
		if err := t.DeleteRecord(ctx, owner, itemID); err != nil {
			return err
		}
		if err := t.emit(ctx, &Event{Type: EventWithdrawn, Owner: owner, ItemID: itemID, Amount: carried.Dec()}); err != nil {
			return err
		}
		rec.PendingReward.Clear()
		rec.UpdatedAt = t.now.Time
		out = &Withdrawal{Record: rec, CarriedReward: carried}
		return t.call("custody_out", func() error {
			if err := s.custodian.TransferOut(ctx, owner, itemID); err != nil {
				return fmt.Errorf("%w: %w", ErrCustodyTransfer, err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("item withdrawn", "owner", owner, "item", itemID, "carried", out.CarriedReward.Dec())
	return out, nil
}

// ClaimReward settles every record of owner and pays, in one transfer, the
// pending reward of each record past the claim delay plus any eligible
// carried reward. Nothing is paid or zeroed if the transfer fails.
func (s *Service) ClaimReward(ctx context.Context, owner string) (*Claim, error) {
	owner = normalizeAddress(owner)
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidParameter)
	}

	var claim *Claim
	err := s.run(ctx, "claim_reward", []attribute.KeyValue{traces.Owner(owner)}, func(ctx context.Context, t *txn) error {
		if err := s.requireUnpaused(ctx, t); err != nil {
			return err
		}
		params, err := t.GetParameters(ctx)
		if err != nil {
			return err
		}
		recs, err := t.ListRecordsByOwner(ctx, owner)
		if err != nil {
			return err
		}
		acct, err := t.GetRewardAccount(ctx, owner)
		if err != nil {
			return err
		}
		if len(recs) == 0 && acct.Carried.IsZero() {
			return ErrNotStaked
		}

		sched := s.cachedSchedule()
		delay := params.RewardClaimDelaySeconds
		claim = &Claim{Owner: owner, Tick: t.now.Tick, ClaimedAt: t.now.Time, Items: []string{}}
		eligible := false

		for _, rec := range recs {
			if _, err := Settle(rec, sched, t.now.Tick); err != nil {
				return err
			}
			if elapsedAtLeast(rec.StakedAt, t.now.Time, delay) {
				eligible = true
				if !rec.PendingReward.IsZero() {
					if _, overflow := claim.Amount.AddOverflow(&claim.Amount, &rec.PendingReward); overflow {
						return fmt.Errorf("%w: claim total for %s", ErrArithmeticOverflow, owner)
					}
					claim.Items = append(claim.Items, rec.ItemID)
					rec.PendingReward.Clear()
				}
			}
			rec.UpdatedAt = t.now.Time
			if err := t.UpdateRecord(ctx, rec); err != nil {
				return err
			}
		}

		if n := len(acct.Lots); n > 0 {
			claim.Carried = acct.TakeEligible(t.now.Time, delay)
			if len(acct.Lots) < n {
				eligible = true
				if _, overflow := claim.Amount.AddOverflow(&claim.Amount, &claim.Carried); overflow {
					return fmt.Errorf("%w: claim total for %s", ErrArithmeticOverflow, owner)
				}
			}
		}
		if !eligible {
			return ErrClaimTooEarly
		}
		if claim.Amount.IsZero() {
			return nil
		}

		if _, overflow := acct.TotalClaimed.AddOverflow(&acct.TotalClaimed, &claim.Amount); overflow {
			return fmt.Errorf("%w: lifetime claims for %s", ErrArithmeticOverflow, owner)
		}
		acct.UpdatedAt = t.now.Time
		if err := t.PutRewardAccount(ctx, acct); err != nil {
			return err
		}
		if err := t.emit(ctx, &Event{
			Type:   EventRewardClaimed,
			Owner:  owner,
			Amount: claim.Amount.Dec(),
			Detail: strings.Join(claim.Items, ","),
		}); err != nil {
			return err
		}

		balance, err := s.token.BalanceOf(ctx)
		if err != nil {
			return fmt.Errorf("failed to read reward balance: %w", err)
		}
		if balance.Lt(&claim.Amount) {
			return fmt.Errorf("%w: balance %s, owed %s", ErrInsufficientRewardBalance, balance.Dec(), claim.Amount.Dec())
		}
		amount := claim.Amount
		return t.call("reward_payout", func() error {
			if err := s.token.PayOut(ctx, owner, &amount); err != nil {
				return fmt.Errorf("%w: %v", ErrInsufficientRewardBalance, err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if !claim.Amount.IsZero() {
		metrics.RewardsClaimedUnits.Add(approxFloat(&claim.Amount))
	}
	s.logger.Info("reward claimed", "owner", owner, "amount", claim.Amount.Dec(), "items", len(claim.Items))
	return claim, nil
}

func (s *Service) requireUnpaused(ctx context.Context, t *txn) error {
	params, err := t.GetParameters(ctx)
	if err != nil {
		return err
	}
	if params.Paused {
		return ErrPaused
	}
	return nil
}

// --- queries ---

// PreviewRewards projects what ClaimReward would pay now without changing
// any state.
func (s *Service) PreviewRewards(ctx context.Context, owner string) (*RewardPreview, error) {
	owner = normalizeAddress(owner)
	now, err := s.clock.Now(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read clock: %w", err)
	}
	params, err := s.store.GetParameters(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.ListRecordsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	acct, err := s.store.GetRewardAccount(ctx, owner)
	if err != nil {
		return nil, err
	}

	sched := s.cachedSchedule()
	delay := params.RewardClaimDelaySeconds
	p := &RewardPreview{
		Owner:        owner,
		Tick:         now.Tick,
		Carried:      acct.Carried,
		TotalClaimed: acct.TotalClaimed,
		Items:        make([]ItemPreview, 0, len(recs)),
	}
	for _, rec := range recs {
		tick := now.Tick
		if tick < rec.LastSettledTick {
			tick = rec.LastSettledTick
		}
		if _, err := Settle(rec, sched, tick); err != nil {
			return nil, err
		}
		item := ItemPreview{
			ItemID:      rec.ItemID,
			Pending:     rec.PendingReward,
			Claimable:   elapsedAtLeast(rec.StakedAt, now.Time, delay),
			ClaimableAt: addSeconds(rec.StakedAt, delay),
			IsUnbonding: rec.IsUnbonding,
		}
		bucket := &p.Locked
		if item.Claimable {
			bucket = &p.Claimable
		}
		if _, overflow := bucket.AddOverflow(bucket, &rec.PendingReward); overflow {
			return nil, ErrArithmeticOverflow
		}
		p.Items = append(p.Items, item)
	}
	if len(acct.Lots) > 0 {
		eligible, locked := acct.CarriedSplit(now.Time, delay)
		p.CarriedClaimable = !eligible.IsZero()
		if _, overflow := p.Claimable.AddOverflow(&p.Claimable, &eligible); overflow {
			return nil, ErrArithmeticOverflow
		}
		if _, overflow := p.Locked.AddOverflow(&p.Locked, &locked); overflow {
			return nil, ErrArithmeticOverflow
		}
	}
	return p, nil
}

// GetRecord returns the record for (owner, itemID) as last settled.
func (s *Service) GetRecord(ctx context.Context, owner, itemID string) (*StakeRecord, error) {
	owner, itemID, err := normalizeKey(owner, itemID)
	if err != nil {
		return nil, err
	}
	return s.store.GetRecord(ctx, owner, itemID)
}

// ListRecords returns every live record of owner.
func (s *Service) ListRecords(ctx context.Context, owner string) ([]*StakeRecord, error) {
	return s.store.ListRecordsByOwner(ctx, normalizeAddress(owner))
}

// GetRewardAccount returns the owner's carried reward and claim totals.
func (s *Service) GetRewardAccount(ctx context.Context, owner string) (*RewardAccount, error) {
	return s.store.GetRewardAccount(ctx, normalizeAddress(owner))
}

// Parameters returns the committed parameters.
func (s *Service) Parameters() Parameters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// Rates returns the rate schedule entries.
func (s *Service) Rates() []RateEntry {
	return s.cachedSchedule().Entries()
}

// RateAt returns the rate governing tick.
func (s *Service) RateAt(tick uint64) (RateEntry, error) {
	return s.cachedSchedule().RateAt(tick)
}

// Events lists audit events newest first.
func (s *Service) Events(ctx context.Context, owner string, limit int) ([]*Event, error) {
	page, err := s.EventsPage(ctx, owner, "", limit)
	if err != nil {
		return nil, err
	}
	return page.Events, nil
}

// EventPage is one page of audit events. Next is empty on the last page.
type EventPage struct {
	Events  []*Event
	Next    string
	HasMore bool
}

// EventsPage lists audit events newest first, starting after cursor.
func (s *Service) EventsPage(ctx context.Context, owner, cursor string, limit int) (*EventPage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	var before string
	if after != nil {
		before = after.ID
	}

	events, err := s.store.ListEvents(ctx, normalizeAddress(owner), before, limit+1)
	if err != nil {
		return nil, err
	}
	events, next, more := pagination.ComputePage(events, limit, func(e *Event) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return &EventPage{Events: events, Next: next, HasMore: more}, nil
}

// ListWithdrawable returns unbonding records whose period has elapsed.
func (s *Service) ListWithdrawable(ctx context.Context, limit int) ([]*StakeRecord, error) {
	now, err := s.clock.Now(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read clock: %w", err)
	}
	params := s.Parameters()
	return s.store.ListUnbonding(ctx, subSeconds(now.Time, params.UnbondingPeriodSeconds), limit)
}

// Snapshot reports aggregate ledger state at the current instant.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	now, err := s.clock.Now(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read clock: %w", err)
	}
	params := s.Parameters()
	stats, err := s.store.Stats(ctx, subSeconds(now.Time, params.UnbondingPeriodSeconds))
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Tick: now.Tick, Time: now.Time, Stats: *stats, Paused: params.Paused}
	if entry, err := s.cachedSchedule().RateAt(now.Tick); err == nil {
		snap.CurrentRate = entry.Rate
	}
	return snap, nil
}

// --- helpers ---

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// normalizeItemID returns the canonical decimal form of an item identifier.
func normalizeItemID(itemID string) (string, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(itemID))
	if err != nil {
		return "", fmt.Errorf("%w: item id %q", ErrInvalidParameter, itemID)
	}
	return v.Dec(), nil
}

func normalizeKey(owner, itemID string) (string, string, error) {
	owner = normalizeAddress(owner)
	if owner == "" {
		return "", "", fmt.Errorf("%w: owner is required", ErrInvalidParameter)
	}
	id, err := normalizeItemID(itemID)
	if err != nil {
		return "", "", err
	}
	return owner, id, nil
}

// approxFloat converts x for gauges and counters, which only need magnitude.
func approxFloat(x *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(x.ToBig()).Float64()
	return f
}

func addSeconds(t time.Time, seconds uint64) time.Time {
	return t.Add(time.Duration(seconds) * time.Second)
}

func subSeconds(t time.Time, seconds uint64) time.Time {
	return t.Add(-time.Duration(seconds) * time.Second)
}
