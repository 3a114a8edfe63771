//go:build integration

package staking

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stakeledger/internal/clock"
	"github.com/mbd888/stakeledger/internal/testutil"
)

func TestPostgresStore_Contract(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	runStoreContract(t, NewPostgresStore(db))
}

func TestPostgresStore_ServiceLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	clk := clock.NewManual(0, t0)
	custodian := newMockCustodian()
	token := newMockToken(1_000_000)

	svc, err := New(ctx, Config{
		Store:       store,
		Custodian:   custodian,
		RewardToken: token,
		Clock:       clk,
		Genesis:     genesis(2, 0, 0),
	})
	require.NoError(t, err)

	clk.Advance(10, 10*time.Second)
	_, err = svc.Stake(ctx, alice, "1")
	require.NoError(t, err)
	clk.Advance(5, 5*time.Second)
	_, err = svc.UpdateRewardPerBlock(ctx, adminAddr, uint256.NewInt(5))
	require.NoError(t, err)
	clk.Advance(5, 5*time.Second)

	rec, err := svc.Unstake(ctx, alice, "1")
	require.NoError(t, err)
	assert.Equal(t, uint64(35), rec.PendingReward.Uint64())

	// Custody failure rolls the withdrawal back in the database too.
	custodian.outErr = assert.AnError
	_, err = svc.Withdraw(ctx, alice, "1")
	require.ErrorIs(t, err, ErrCustodyTransfer)
	stored, err := store.GetRecord(ctx, alice, "1")
	require.NoError(t, err)
	assert.True(t, stored.IsUnbonding)

	custodian.outErr = nil
	w, err := svc.Withdraw(ctx, alice, "1")
	require.NoError(t, err)
	assert.Equal(t, uint64(35), w.CarriedReward.Uint64())

	claim, err := svc.ClaimReward(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(35), claim.Amount.Uint64())

	// A fresh service over the same database resumes from stored state.
	reloaded, err := New(ctx, Config{
		Store:       store,
		Custodian:   custodian,
		RewardToken: token,
		Clock:       clk,
		Genesis:     genesis(99, 0, 0),
	})
	require.NoError(t, err)
	assert.Len(t, reloaded.Rates(), 2)

	acct, err := reloaded.GetRewardAccount(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(35), acct.TotalClaimed.Uint64())
}

func TestPostgresStore_RejectsOutOfRangeTicks(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	err := store.WithTx(ctx, func(tx Tx) error {
		return tx.AppendRate(ctx, RateEntry{EffectiveFromTick: 1 << 63, Rate: *uint256.NewInt(1), CreatedAt: t0})
	})
	assert.ErrorIs(t, err, ErrInvalidParameter)
}
