package staking

import (
	"fmt"
	"iter"
	"sort"

	"github.com/holiman/uint256"
)

// RateSchedule is an append-only list of rate entries ordered by strictly
// increasing EffectiveFromTick. The zero value is an empty schedule.
type RateSchedule struct {
	entries []RateEntry
}

// Segment is a half-open tick range [Start, End) with one rate.
type Segment struct {
	Start uint64
	End   uint64
	Rate  uint256.Int
}

// Ticks is the segment length.
func (s Segment) Ticks() uint64 { return s.End - s.Start }

// NewRateSchedule builds a schedule from stored entries, rejecting any that
// are out of order.
func NewRateSchedule(entries []RateEntry) (*RateSchedule, error) {
	s := &RateSchedule{entries: make([]RateEntry, 0, len(entries))}
	for _, e := range entries {
		if err := s.Append(e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Append adds an entry after the last one.
func (s *RateSchedule) Append(e RateEntry) error {
	if n := len(s.entries); n > 0 && e.EffectiveFromTick <= s.entries[n-1].EffectiveFromTick {
		return fmt.Errorf("%w: tick %d is not after %d", ErrNonMonotonicTick,
			e.EffectiveFromTick, s.entries[n-1].EffectiveFromTick)
	}
	s.entries = append(s.entries, e)
	return nil
}

// Len returns the number of entries.
func (s *RateSchedule) Len() int { return len(s.entries) }

// Entries returns a copy of the entries.
func (s *RateSchedule) Entries() []RateEntry {
	out := make([]RateEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Last returns the newest entry.
func (s *RateSchedule) Last() (RateEntry, bool) {
	if len(s.entries) == 0 {
		return RateEntry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// Clone returns an independent copy.
func (s *RateSchedule) Clone() *RateSchedule {
	return &RateSchedule{entries: s.Entries()}
}

// RateAt returns the entry with the greatest EffectiveFromTick <= tick.
func (s *RateSchedule) RateAt(tick uint64) (RateEntry, error) {
	i := s.index(tick)
	if i < 0 {
		return RateEntry{}, fmt.Errorf("%w: tick %d", ErrNoRateDefined, tick)
	}
	return s.entries[i], nil
}

// index returns the position of the entry governing tick, or -1.
func (s *RateSchedule) index(tick uint64) int {
	// first entry strictly after tick, minus one
	return sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].EffectiveFromTick > tick
	}) - 1
}

// Segments partitions [from, to) at every rate boundary. Ticks before the
// first entry have no rate and are skipped.
func (s *RateSchedule) Segments(from, to uint64) iter.Seq[Segment] {
	return func(yield func(Segment) bool) {
		if from >= to || len(s.entries) == 0 {
			return
		}
		if genesis := s.entries[0].EffectiveFromTick; from < genesis {
			if to <= genesis {
				return
			}
			from = genesis
		}
		for i := s.index(from); i < len(s.entries) && from < to; i++ {
			end := to
			if i+1 < len(s.entries) && s.entries[i+1].EffectiveFromTick < to {
				end = s.entries[i+1].EffectiveFromTick
			}
			if !yield(Segment{Start: from, End: end, Rate: s.entries[i].Rate}) {
				return
			}
			from = end
		}
	}
}
