package staking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/stakeledger/internal/metrics"
)

// Monitor periodically publishes ledger gauges: staked, unbonding and
// withdrawable item counts, the current rate and the reward balance.
type Monitor struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewMonitor creates a gauge publisher.
func NewMonitor(service *Service, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Start begins the sampling loop. Call in a goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.safeSample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeSample(ctx)
		}
	}
}

// Stop signals the monitor to stop.
func (m *Monitor) Stop() {
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

func (m *Monitor) safeSample(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in staking monitor", "panic", fmt.Sprint(r))
		}
	}()
	m.sample(ctx)
}

func (m *Monitor) sample(ctx context.Context) {
	snap, err := m.service.Snapshot(ctx)
	if err != nil {
		m.logger.Warn("failed to sample ledger state", "error", err)
		return
	}
	metrics.ItemsStaked.Set(float64(snap.Stats.Staked))
	metrics.ItemsUnbonding.Set(float64(snap.Stats.Unbonding))
	metrics.ItemsWithdrawable.Set(float64(snap.Stats.Withdrawable))
	metrics.CurrentRewardRate.Set(approxFloat(&snap.CurrentRate))
	metrics.CurrentTick.Set(float64(snap.Tick))
	if snap.Paused {
		metrics.LedgerPaused.Set(1)
	} else {
		metrics.LedgerPaused.Set(0)
	}

	balance, err := m.service.token.BalanceOf(ctx)
	if err != nil {
		m.logger.Warn("failed to read reward balance", "error", err)
		return
	}
	metrics.RewardPoolBalance.Set(approxFloat(balance))
}
