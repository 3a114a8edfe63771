package staking

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/stakeledger/internal/metrics"
	"github.com/mbd888/stakeledger/internal/traces"
)

// UpdateRewardPerBlock sets a new rate starting at the current tick. Ticks
// already elapsed keep the rate that was in force for them.
func (s *Service) UpdateRewardPerBlock(ctx context.Context, caller string, rate *uint256.Int) (*RateEntry, error) {
	return s.appendRate(ctx, "update_reward_per_block", caller, nil, rate)
}

// AppendRate schedules a rate change at tick. The tick must not be in the past
// and must follow the last scheduled entry.
func (s *Service) AppendRate(ctx context.Context, caller string, tick uint64, rate *uint256.Int) (*RateEntry, error) {
	return s.appendRate(ctx, "append_rate", caller, &tick, rate)
}

func (s *Service) appendRate(ctx context.Context, op, caller string, tick *uint64, rate *uint256.Int) (*RateEntry, error) {
	if rate == nil {
		return nil, fmt.Errorf("%w: rate is required", ErrInvalidParameter)
	}

	var entry RateEntry
	err := s.run(ctx, op, []attribute.KeyValue{traces.Amount(rate.Dec())}, func(ctx context.Context, t *txn) error {
		if err := s.authorize(ctx, t, caller); err != nil {
			return err
		}
		at := t.now.Tick
		if tick != nil {
			if *tick < t.now.Tick {
				return fmt.Errorf("%w: tick %d is before current tick %d", ErrNonMonotonicTick, *tick, t.now.Tick)
			}
			at = *tick
		}

		sched := s.cachedSchedule().Clone()
		entry = RateEntry{EffectiveFromTick: at, Rate: *rate, CreatedAt: t.now.Time}
		if err := sched.Append(entry); err != nil {
			return err
		}
		if err := t.AppendRate(ctx, entry); err != nil {
			return err
		}
		t.afterCommit(func() { s.schedule = sched })
		return t.emit(ctx, &Event{
			Type:   EventRateUpdated,
			Owner:  normalizeAddress(caller),
			Amount: rate.Dec(),
			Detail: fmt.Sprintf("effective_from_tick=%d", at),
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.RateChangesTotal.Inc()
	s.logger.Info("reward rate scheduled", "tick", entry.EffectiveFromTick, "rate", rate.Dec(), "by", caller)
	return &entry, nil
}

// UpdateUnbondingPeriod changes the unbonding period. Items already unbonding
// are measured against the new period.
func (s *Service) UpdateUnbondingPeriod(ctx context.Context, caller string, seconds uint64) (*Parameters, error) {
	return s.updateParams(ctx, "update_unbonding_period", caller, func(p *Parameters) (*Event, error) {
		if seconds > MaxPeriodSeconds {
			return nil, fmt.Errorf("%w: unbonding period exceeds %d seconds", ErrInvalidParameter, MaxPeriodSeconds)
		}
		detail := fmt.Sprintf("unbonding_period_seconds=%d->%d", p.UnbondingPeriodSeconds, seconds)
		p.UnbondingPeriodSeconds = seconds
		return &Event{Type: EventParameterUpdated, Detail: detail}, nil
	})
}

// UpdateRewardDelay changes the claim delay.
func (s *Service) UpdateRewardDelay(ctx context.Context, caller string, seconds uint64) (*Parameters, error) {
	return s.updateParams(ctx, "update_reward_delay", caller, func(p *Parameters) (*Event, error) {
		if seconds > MaxPeriodSeconds {
			return nil, fmt.Errorf("%w: reward delay exceeds %d seconds", ErrInvalidParameter, MaxPeriodSeconds)
		}
		detail := fmt.Sprintf("reward_claim_delay_seconds=%d->%d", p.RewardClaimDelaySeconds, seconds)
		p.RewardClaimDelaySeconds = seconds
		return &Event{Type: EventParameterUpdated, Detail: detail}, nil
	})
}

// Pause rejects stake, unstake and claim until Unpause. Withdrawals stay open.
func (s *Service) Pause(ctx context.Context, caller string) (*Parameters, error) {
	return s.updateParams(ctx, "pause", caller, func(p *Parameters) (*Event, error) {
		if p.Paused {
			return nil, fmt.Errorf("%w: already paused", ErrInvalidParameter)
		}
		p.Paused = true
		return &Event{Type: EventPaused}, nil
	})
}

// Unpause lifts a pause.
func (s *Service) Unpause(ctx context.Context, caller string) (*Parameters, error) {
	return s.updateParams(ctx, "unpause", caller, func(p *Parameters) (*Event, error) {
		if !p.Paused {
			return nil, fmt.Errorf("%w: not paused", ErrInvalidParameter)
		}
		p.Paused = false
		return &Event{Type: EventUnpaused}, nil
	})
}

// TransferAdministration hands the administrator role to newAdmin.
func (s *Service) TransferAdministration(ctx context.Context, caller, newAdmin string) (*Parameters, error) {
	next := normalizeAddress(newAdmin)
	return s.updateParams(ctx, "transfer_administration", caller, func(p *Parameters) (*Event, error) {
		if next == "" {
			return nil, fmt.Errorf("%w: new administrator is required", ErrInvalidParameter)
		}
		detail := fmt.Sprintf("administrator=%s->%s", p.Administrator, next)
		p.Administrator = next
		return &Event{Type: EventAdministratorTransferred, Detail: detail}, nil
	})
}

func (s *Service) updateParams(ctx context.Context, op, caller string, mutate func(p *Parameters) (*Event, error)) (*Parameters, error) {
	var out *Parameters
	err := s.run(ctx, op, nil, func(ctx context.Context, t *txn) error {
		if err := s.authorize(ctx, t, caller); err != nil {
			return err
		}
		params, err := t.GetParameters(ctx)
		if err != nil {
			return err
		}
		ev, err := mutate(params)
		if err != nil {
			return err
		}
		params.UpdatedAt = t.now.Time
		if err := t.PutParameters(ctx, params); err != nil {
			return err
		}
		out = params
		committed := *params
		t.afterCommit(func() { s.params = committed })
		ev.Owner = normalizeAddress(caller)
		return t.emit(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("ledger parameters updated", "operation", op, "by", caller)
	return out, nil
}

// IsAdministrator reports whether caller holds the administrator role.
func (s *Service) IsAdministrator(ctx context.Context, caller string) (bool, error) {
	if s.auth != nil {
		return s.auth.IsAdministrator(ctx, caller)
	}
	return isAdmin(s.Parameters(), caller), nil
}

func (s *Service) authorize(ctx context.Context, t *txn, caller string) error {
	var ok bool
	if s.auth != nil {
		var err error
		if ok, err = s.auth.IsAdministrator(ctx, caller); err != nil {
			return fmt.Errorf("failed to check administrator: %w", err)
		}
	} else {
		params, err := t.GetParameters(ctx)
		if err != nil {
			return err
		}
		ok = isAdmin(*params, caller)
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

func isAdmin(p Parameters, caller string) bool {
	c := normalizeAddress(caller)
	return c != "" && c == p.Administrator
}
