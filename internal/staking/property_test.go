package staking

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/holiman/uint256"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/commands"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// buildSchedule lays rates out at ticks 0, gaps[0], gaps[0]+gaps[1], ...
func buildSchedule(genesis uint64, rates, gaps []uint64) (*RateSchedule, error) {
	entries := []RateEntry{rate(0, genesis)}
	tick := uint64(0)
	for i, r := range rates {
		if i >= len(gaps) {
			break
		}
		tick += gaps[i]
		entries = append(entries, rate(tick, r))
	}
	return NewRateSchedule(entries)
}

// bruteForce sums the governing rate tick by tick over [from, to).
func bruteForce(s *RateSchedule, from, to uint64) (*uint256.Int, error) {
	total := new(uint256.Int)
	for tick := from; tick < to; tick++ {
		e, err := s.RateAt(tick)
		if err != nil {
			return nil, err
		}
		total.Add(total, &e.Rate)
	}
	return total, nil
}

func TestAccrualProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	// to reproduce a given scenario do something like this:
	// parameters := gopter.DefaultTestParametersWithSeed(1760000000000000000)
	// properties := gopter.NewProperties(parameters)

	properties.Property("settling in steps equals settling once and matches per-tick sum", prop.ForAll(
		func(genesis uint64, rates, gaps, steps []uint64) string {
			sched, err := buildSchedule(genesis, rates, gaps)
			if err != nil {
				return fmt.Sprintf("unexpected schedule error %v", err)
			}

			stepped := &StakeRecord{}
			var end uint64
			for _, step := range steps {
				end += step
				if _, err := Settle(stepped, sched, end); err != nil {
					return fmt.Sprintf("settle at %d: %v", end, err)
				}
			}
			once := &StakeRecord{}
			if _, err := Settle(once, sched, end); err != nil {
				return fmt.Sprintf("settle at %d: %v", end, err)
			}

			want, err := bruteForce(sched, 0, end)
			if err != nil {
				return err.Error()
			}
			if !stepped.PendingReward.Eq(&once.PendingReward) {
				return fmt.Sprintf("stepped %s != once %s", stepped.PendingReward.Dec(), once.PendingReward.Dec())
			}
			if !once.PendingReward.Eq(want) {
				return fmt.Sprintf("settled %s != per-tick sum %s", once.PendingReward.Dec(), want.Dec())
			}
			if stepped.LastSettledTick != end {
				return fmt.Sprintf("last settled %d, want %d", stepped.LastSettledTick, end)
			}
			return ""
		},
		gen.UInt64Range(0, 1000),
		gen.SliceOf(gen.UInt64Range(0, 1000)),
		gen.SliceOf(gen.UInt64Range(1, 40)),
		gen.SliceOf(gen.UInt64Range(0, 30)),
	))

	properties.Property("rate changes never reprice settled ticks", prop.ForAll(
		func(genesis, newRate, settleAt, changeAfter, extra uint64) string {
			sched, err := buildSchedule(genesis, nil, nil)
			if err != nil {
				return err.Error()
			}
			rec := &StakeRecord{}
			if _, err := Settle(rec, sched, settleAt); err != nil {
				return err.Error()
			}
			before := rec.PendingReward

			changeAt := settleAt + changeAfter
			if changeAt == 0 {
				changeAt = 1
			}
			if err := sched.Append(rate(changeAt, newRate)); err != nil {
				return err.Error()
			}
			if !rec.PendingReward.Eq(&before) {
				return "appending a rate changed an already settled reward"
			}

			end := changeAt + extra
			if end < settleAt {
				end = settleAt
			}
			if _, err := Settle(rec, sched, end); err != nil {
				return err.Error()
			}
			delta, err := bruteForce(sched, settleAt, end)
			if err != nil {
				return err.Error()
			}
			want := new(uint256.Int).Add(&before, delta)
			if !rec.PendingReward.Eq(want) {
				return fmt.Sprintf("pending %s, want %s", rec.PendingReward.Dec(), want.Dec())
			}
			return ""
		},
		gen.UInt64Range(0, 1_000_000),
		gen.UInt64Range(0, 1_000_000),
		gen.UInt64Range(0, 200),
		gen.UInt64Range(0, 50),
		gen.UInt64Range(0, 200),
	))

	properties.Property("pending reward never decreases as time advances", prop.ForAll(
		func(genesis uint64, rates, gaps, steps []uint64) string {
			sched, err := buildSchedule(genesis, rates, gaps)
			if err != nil {
				return err.Error()
			}
			rec := &StakeRecord{}
			var now uint64
			for _, step := range steps {
				prev := rec.PendingReward
				now += step
				if _, err := Settle(rec, sched, now); err != nil {
					return err.Error()
				}
				if rec.PendingReward.Lt(&prev) {
					return fmt.Sprintf("pending fell from %s to %s at tick %d", prev.Dec(), rec.PendingReward.Dec(), now)
				}
			}
			return ""
		},
		gen.UInt64Range(0, 1<<62),
		gen.SliceOf(gen.UInt64Range(0, 1<<62)),
		gen.SliceOf(gen.UInt64Range(1, 1000)),
		gen.SliceOf(gen.UInt64Range(0, 1000)),
	))

	properties.TestingRun(t)
}

// TestLedgerConservation drives a service through random stake, unstake,
// withdraw, claim, rate and clock commands. After every command each owner's
// stored pending, carried and paid reward must stay within the rate integral
// over the spans their items were staked, and the settled preview plus paid
// reward must equal it exactly.
func TestLedgerConservation(t *testing.T) {
	properties := gopter.NewProperties(nil)

	// to reproduce a given scenario do something like this:
	// parameters := gopter.DefaultTestParametersWithSeed(1760000000000000000)
	// properties := gopter.NewProperties(parameters)

	properties.Property("rewards never exceed the staked rate integral", commands.Prop(ledgerCommands(t)))
	properties.TestingRun(t)
}

var (
	_ commands.Command = advanceCommand{}
	_ commands.Command = setRateCommand(0)
	_ commands.Command = stakeCommand(0)
	_ commands.Command = unstakeCommand(0)
	_ commands.Command = withdrawCommand(0)
	_ commands.Command = claimCommand(0)

	ledgerOwners = [2]string{alice, bob}
)

const ledgerItems = 4

type itemStatus int

const (
	itemIdle itemStatus = iota
	itemStaked
	itemUnbonding
)

// ledgerModel is the expected state. It is a value type so NextState can
// return a modified copy.
type ledgerModel struct {
	unbonding uint64
	delay     uint64

	tick     uint64
	secs     uint64
	rate     uint64
	rateTick uint64

	status     [ledgerItems]itemStatus
	unstakedAt [ledgerItems]uint64

	// accrued is the rate integral over each owner's staked spans.
	accrued [len(ledgerOwners)]uint64
}

func itemOwner(i int) int { return i % len(ledgerOwners) }

func itemID(i int) string { return fmt.Sprintf("%d", i+1) }

// ledgerObservation is what a command saw after it ran.
type ledgerObservation struct {
	err error
	// stored is pending plus carried plus paid, as persisted.
	stored [len(ledgerOwners)]uint256.Int
	// previewed is claimable plus locked plus paid, settled to now.
	previewed [len(ledgerOwners)]uint256.Int
}

func ledgerCommands(t *testing.T) *commands.ProtoCommands {
	return &commands.ProtoCommands{
		NewSystemUnderTestFunc: func(initial commands.State) commands.SystemUnderTest {
			m := initial.(ledgerModel)
			return newHarness(t, genesis(m.rate, m.unbonding, m.delay))
		},
		InitialStateGen: gopter.CombineGens(
			gen.UInt64Range(0, 10),
			gen.UInt64Range(0, 30),
			gen.UInt64Range(0, 60),
		).Map(func(v []interface{}) ledgerModel {
			return ledgerModel{
				rate:      v[0].(uint64),
				unbonding: v[1].(uint64),
				delay:     v[2].(uint64),
			}
		}),
		GenCommandFunc: func(commands.State) gopter.Gen {
			item := gen.IntRange(0, ledgerItems-1)
			return gen.Weighted([]gen.WeightedGen{
				{Weight: 4, Gen: gopter.CombineGens(gen.UInt64Range(0, 20), gen.UInt64Range(0, 40)).Map(
					func(v []interface{}) commands.Command {
						return advanceCommand{ticks: v[0].(uint64), secs: v[1].(uint64)}
					})},
				{Weight: 1, Gen: gen.UInt64Range(0, 10).Map(func(r uint64) commands.Command { return setRateCommand(r) })},
				{Weight: 3, Gen: item.Map(func(i int) commands.Command { return stakeCommand(i) })},
				{Weight: 2, Gen: item.Map(func(i int) commands.Command { return unstakeCommand(i) })},
				{Weight: 2, Gen: item.Map(func(i int) commands.Command { return withdrawCommand(i) })},
				{Weight: 2, Gen: gen.IntRange(0, len(ledgerOwners)-1).Map(func(o int) commands.Command { return claimCommand(o) })},
			})
		},
	}
}

// observe runs op and records every owner's reward totals afterwards.
func observe(sut commands.SystemUnderTest, op func(ctx context.Context, h *harness) error) commands.Result {
	h := sut.(*harness)
	ctx := context.Background()
	obs := &ledgerObservation{err: op(ctx, h)}
	for o, owner := range ledgerOwners {
		paid := uint256.NewInt(h.token.paidTo(owner))

		stored := new(uint256.Int).Set(paid)
		recs, err := h.svc.ListRecords(ctx, owner)
		if err != nil {
			obs.err = errors.Join(obs.err, err)
			return obs
		}
		for _, rec := range recs {
			stored.Add(stored, &rec.PendingReward)
		}
		acct, err := h.svc.GetRewardAccount(ctx, owner)
		if err != nil {
			obs.err = errors.Join(obs.err, err)
			return obs
		}
		stored.Add(stored, &acct.Carried)
		obs.stored[o] = *stored

		p, err := h.svc.PreviewRewards(ctx, owner)
		if err != nil {
			obs.err = errors.Join(obs.err, err)
			return obs
		}
		previewed := new(uint256.Int).Add(paid, &p.Claimable)
		previewed.Add(previewed, &p.Locked)
		obs.previewed[o] = *previewed
	}
	return obs
}

// checkConservation fails on an unexpected error or when any owner's reward
// departs from the model's integral.
func checkConservation(state commands.State, result commands.Result, allowed ...error) *gopter.PropResult {
	m := state.(ledgerModel)
	obs := result.(*ledgerObservation)
	if obs.err != nil {
		ok := false
		for _, target := range allowed {
			if errors.Is(obs.err, target) {
				ok = true
				break
			}
		}
		if !ok {
			return &gopter.PropResult{Status: gopter.PropError, Error: obs.err}
		}
	}
	for o := range ledgerOwners {
		want := uint256.NewInt(m.accrued[o])
		if obs.stored[o].Gt(want) {
			return gopter.NewPropResult(false, fmt.Sprintf("owner %d stored %s exceeds integral %s", o, obs.stored[o].Dec(), want.Dec()))
		}
		if !obs.previewed[o].Eq(want) {
			return gopter.NewPropResult(false, fmt.Sprintf("owner %d previewed %s, integral %s", o, obs.previewed[o].Dec(), want.Dec()))
		}
	}
	return &gopter.PropResult{Status: gopter.PropTrue}
}

// advanceCommand moves the clock; every staked item accrues the current rate.
type advanceCommand struct {
	ticks uint64
	secs  uint64
}

func (c advanceCommand) Run(sut commands.SystemUnderTest) commands.Result {
	return observe(sut, func(_ context.Context, h *harness) error {
		h.advance(c.ticks, int(c.secs))
		return nil
	})
}

func (c advanceCommand) NextState(state commands.State) commands.State {
	m := state.(ledgerModel)
	for i, st := range m.status {
		if st == itemStaked {
			m.accrued[itemOwner(i)] += m.rate * c.ticks
		}
	}
	m.tick += c.ticks
	m.secs += c.secs
	return m
}

func (advanceCommand) PreCondition(commands.State) bool { return true }

func (advanceCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	return checkConservation(state, result)
}

func (c advanceCommand) String() string { return fmt.Sprintf("Advance(%d ticks, %ds)", c.ticks, c.secs) }

// setRateCommand appends a rate effective from the current tick.
type setRateCommand uint64

func (c setRateCommand) Run(sut commands.SystemUnderTest) commands.Result {
	return observe(sut, func(ctx context.Context, h *harness) error {
		now, err := h.clock.Now(ctx)
		if err != nil {
			return err
		}
		_, err = h.svc.AppendRate(ctx, adminAddr, now.Tick, uint256.NewInt(uint64(c)))
		return err
	})
}

func (c setRateCommand) NextState(state commands.State) commands.State {
	m := state.(ledgerModel)
	m.rate = uint64(c)
	m.rateTick = m.tick
	return m
}

// Entries must strictly increase, so one rate change per tick.
func (setRateCommand) PreCondition(state commands.State) bool {
	m := state.(ledgerModel)
	return m.tick > m.rateTick
}

func (setRateCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	return checkConservation(state, result)
}

func (c setRateCommand) String() string { return fmt.Sprintf("SetRate(%d)", uint64(c)) }

type stakeCommand int

func (c stakeCommand) Run(sut commands.SystemUnderTest) commands.Result {
	return observe(sut, func(ctx context.Context, h *harness) error {
		_, err := h.svc.Stake(ctx, ledgerOwners[itemOwner(int(c))], itemID(int(c)))
		return err
	})
}

func (c stakeCommand) NextState(state commands.State) commands.State {
	m := state.(ledgerModel)
	m.status[c] = itemStaked
	return m
}

func (c stakeCommand) PreCondition(state commands.State) bool {
	return state.(ledgerModel).status[c] == itemIdle
}

func (stakeCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	return checkConservation(state, result)
}

func (c stakeCommand) String() string { return fmt.Sprintf("Stake(%s)", itemID(int(c))) }

type unstakeCommand int

func (c unstakeCommand) Run(sut commands.SystemUnderTest) commands.Result {
	return observe(sut, func(ctx context.Context, h *harness) error {
		_, err := h.svc.Unstake(ctx, ledgerOwners[itemOwner(int(c))], itemID(int(c)))
		return err
	})
}

func (c unstakeCommand) NextState(state commands.State) commands.State {
	m := state.(ledgerModel)
	m.status[c] = itemUnbonding
	m.unstakedAt[c] = m.secs
	return m
}

func (c unstakeCommand) PreCondition(state commands.State) bool {
	return state.(ledgerModel).status[c] == itemStaked
}

func (unstakeCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	return checkConservation(state, result)
}

func (c unstakeCommand) String() string { return fmt.Sprintf("Unstake(%s)", itemID(int(c))) }

type withdrawCommand int

func (c withdrawCommand) Run(sut commands.SystemUnderTest) commands.Result {
	return observe(sut, func(ctx context.Context, h *harness) error {
		_, err := h.svc.Withdraw(ctx, ledgerOwners[itemOwner(int(c))], itemID(int(c)))
		return err
	})
}

func (c withdrawCommand) NextState(state commands.State) commands.State {
	m := state.(ledgerModel)
	m.status[c] = itemIdle
	return m
}

func (c withdrawCommand) PreCondition(state commands.State) bool {
	m := state.(ledgerModel)
	return m.status[c] == itemUnbonding && m.secs-m.unstakedAt[c] >= m.unbonding
}

func (withdrawCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	return checkConservation(state, result)
}

func (c withdrawCommand) String() string { return fmt.Sprintf("Withdraw(%s)", itemID(int(c))) }

// claimCommand may find nothing eligible yet; that is not a failure.
type claimCommand int

func (c claimCommand) Run(sut commands.SystemUnderTest) commands.Result {
	return observe(sut, func(ctx context.Context, h *harness) error {
		_, err := h.svc.ClaimReward(ctx, ledgerOwners[c])
		return err
	})
}

func (claimCommand) NextState(state commands.State) commands.State { return state }

func (claimCommand) PreCondition(commands.State) bool { return true }

func (claimCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	return checkConservation(state, result, ErrClaimTooEarly, ErrNotStaked)
}

func (c claimCommand) String() string { return fmt.Sprintf("Claim(%s)", ledgerOwners[c]) }
