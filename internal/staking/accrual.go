package staking

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Accrue returns the reward for one item over [from, to): the sum of
// segment length times segment rate.
func Accrue(sched *RateSchedule, from, to uint64) (*uint256.Int, error) {
	total := new(uint256.Int)
	for seg := range sched.Segments(from, to) {
		part, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(seg.Ticks()), &seg.Rate)
		if overflow {
			return nil, fmt.Errorf("%w: ticks [%d,%d) at rate %s", ErrArithmeticOverflow, seg.Start, seg.End, seg.Rate.Dec())
		}
		if _, overflow := total.AddOverflow(total, part); overflow {
			return nil, fmt.Errorf("%w: accrued total over [%d,%d)", ErrArithmeticOverflow, from, to)
		}
	}
	return total, nil
}

// Settle brings rec up to nowTick, adding the accrued reward to
// PendingReward, and returns the amount added. Settling twice at the same
// tick adds nothing. Unbonding records no longer accrue. On error rec is
// left unchanged.
func Settle(rec *StakeRecord, sched *RateSchedule, nowTick uint64) (*uint256.Int, error) {
	if nowTick < rec.LastSettledTick {
		return nil, fmt.Errorf("%w: now %d, last settled %d", ErrClockRegression, nowTick, rec.LastSettledTick)
	}
	if rec.IsUnbonding || nowTick == rec.LastSettledTick {
		return new(uint256.Int), nil
	}

	delta, err := Accrue(sched, rec.LastSettledTick, nowTick)
	if err != nil {
		return nil, err
	}
	var pending uint256.Int
	if _, overflow := pending.AddOverflow(&rec.PendingReward, delta); overflow {
		return nil, fmt.Errorf("%w: pending reward for item %s", ErrArithmeticOverflow, rec.ItemID)
	}
	rec.PendingReward = pending
	rec.LastSettledTick = nowTick
	return delta, nil
}
