// Package clock supplies the ledger's notion of "now": a block tick paired with
// a wall-clock timestamp. Implementations never move backwards.
package clock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInvalidConfig is returned when a clock is constructed with unusable settings.
var ErrInvalidConfig = errors.New("clock: invalid configuration")

// Instant is a single reading of the clock. Tick and Time are read together so
// one ledger operation never mixes two different moments.
type Instant struct {
	Tick uint64    `json:"tick"`
	Time time.Time `json:"time"`
}

// Source reads the current instant.
type Source interface {
	Now(ctx context.Context) (Instant, error)
}

// Monotonic wraps a Source and clamps its readings so neither the tick nor the
// timestamp ever decreases across calls.
type Monotonic struct {
	src  Source
	mu   sync.Mutex
	last Instant
}

// NewMonotonic wraps src.
func NewMonotonic(src Source) *Monotonic {
	return &Monotonic{src: src}
}

// Now implements Source.
func (m *Monotonic) Now(ctx context.Context) (Instant, error) {
	in, err := m.src.Now(ctx)
	if err != nil {
		return Instant{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if in.Tick < m.last.Tick {
		in.Tick = m.last.Tick
	}
	if in.Time.Before(m.last.Time) {
		in.Time = m.last.Time
	}
	m.last = in
	return in, nil
}

// Manual is a clock driven explicitly by the caller. Used in tests and
// simulations.
type Manual struct {
	mu  sync.Mutex
	now Instant
}

// NewManual creates a manual clock starting at the given tick and time.
func NewManual(tick uint64, t time.Time) *Manual {
	return &Manual{now: Instant{Tick: tick, Time: t}}
}

// Now implements Source.
func (m *Manual) Now(context.Context) (Instant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now, nil
}

// Advance moves the clock forward by the given number of ticks and duration.
// Negative durations are ignored.
func (m *Manual) Advance(ticks uint64, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now.Tick += ticks
	if d > 0 {
		m.now.Time = m.now.Time.Add(d)
	}
}

// SetTick jumps to tick if it is ahead of the current one.
func (m *Manual) SetTick(tick uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tick > m.now.Tick {
		m.now.Tick = tick
	}
}

// BlockTime derives ticks from wall-clock time: one tick per interval elapsed
// since genesis. It needs no chain connection, which makes it the default for
// local deployments.
type BlockTime struct {
	genesis  time.Time
	interval time.Duration
	nowFunc  func() time.Time
}

// NewBlockTime creates a derived block clock.
func NewBlockTime(genesis time.Time, interval time.Duration) (*BlockTime, error) {
	if interval <= 0 {
		return nil, ErrInvalidConfig
	}
	if genesis.IsZero() {
		return nil, ErrInvalidConfig
	}
	return &BlockTime{genesis: genesis, interval: interval, nowFunc: time.Now}, nil
}

// Now implements Source. Times before genesis read as tick 0.
func (b *BlockTime) Now(context.Context) (Instant, error) {
	t := b.nowFunc()
	var tick uint64
	if elapsed := t.Sub(b.genesis); elapsed > 0 {
		tick = uint64(elapsed / b.interval)
	}
	return Instant{Tick: tick, Time: t}, nil
}
