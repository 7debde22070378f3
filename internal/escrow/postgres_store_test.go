package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/luxescrow/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	e := &Escrow{
		ID:          "polygon:esc_pg1",
		Chain:       "polygon",
		AmountUSD:   decimal.NewFromInt(20000),
		FeeUSD:      decimal.RequireFromString("160.00"),
		FeeSavings:  decimal.Zero,
		AssetAmount: "20160000000",
		AssetSymbol: "USDC",
		Buyer:       buyerAddr,
		Seller:      sellerAddr,
		Status:      StatusPending,
		Conditions:  []Condition{{Type: ConditionDelivery, Description: "Buyer confirms receipt"}},
		Metadata:    Metadata{InspectionHours: 24, AutoRelease: true},
		CreatedAt:   now,
		ExpiresAt:   now.Add(14 * 24 * time.Hour),
		UpdatedAt:   now,
	}
	require.NoError(t, store.Create(ctx, e))

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "20160000000", got.AssetAmount)
	assert.True(t, got.FeeUSD.Equal(e.FeeUSD))
	assert.Equal(t, e.Metadata, got.Metadata)
	require.Len(t, got.Conditions, 1)
	assert.Nil(t, got.LockedAt)
	assert.Empty(t, got.Arbitrator)
	assert.Nil(t, got.LockUnresolvedAt)

	got.LockUnresolvedAt = &now
	require.NoError(t, store.Update(ctx, got))
	marked, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, marked.LockUnresolvedAt)
	assert.True(t, marked.LockUnresolvedAt.Equal(now))
	got.LockUnresolvedAt = nil

	got.Status = StatusLocked
	got.LockRef = "sim:" + e.ID
	got.LockTxHash = "0xabc"
	got.LockedAt = &now
	got.Conditions[0].Fulfilled = true
	got.Conditions[0].FulfilledBy = buyerAddr
	got.Conditions[0].FulfilledAt = &now
	require.NoError(t, store.Update(ctx, got))

	again, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, again.Status)
	assert.Equal(t, "sim:"+e.ID, again.LockRef)
	require.NotNil(t, again.LockedAt)
	assert.Nil(t, again.LockUnresolvedAt)
	assert.True(t, again.Conditions[0].Fulfilled)

	byParty, err := store.ListByParty(ctx, "0X2222222222222222222222222222222222222222", 10)
	require.NoError(t, err)
	assert.Len(t, byParty, 1)

	locked, err := store.ListByStatus(ctx, StatusLocked, 10)
	require.NoError(t, err)
	assert.Len(t, locked, 1)

	expired, err := store.ListExpired(ctx, now.Add(30*24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, expired, "only pending escrows expire")

	_, err = store.Get(ctx, "polygon:esc_missing")
	assert.ErrorIs(t, err, ErrEscrowNotFound)
	assert.ErrorIs(t, store.Update(ctx, &Escrow{ID: "polygon:esc_missing"}), ErrEscrowNotFound)
}
