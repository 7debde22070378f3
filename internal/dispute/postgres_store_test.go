package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/luxescrow/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Arbitrators(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	a := &Arbitrator{
		ID: "arb_pg1", Wallet: "0xaaaa000000000000000000000000000000000001", Name: "Horologist",
		Tier: TierExpert, Reputation: InitialReputation, SuccessRate: decimal.Zero,
		Specializations: []string{"watches", "jewelry"}, StakeUSD: decimal.NewFromInt(25_000),
		RewardsUSD: decimal.Zero, Active: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateArbitrator(ctx, a))

	dup := *a
	dup.ID = "arb_pg2"
	assert.ErrorIs(t, store.CreateArbitrator(ctx, &dup), ErrDuplicateArbitrator)

	got, err := store.GetArbitrator(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"watches", "jewelry"}, got.Specializations)
	assert.True(t, got.StakeUSD.Equal(a.StakeUSD))

	got.Reputation = 52
	got.RewardsUSD = decimal.RequireFromString("1800.00")
	got.Active = false
	require.NoError(t, store.UpdateArbitrator(ctx, got))

	active, err := store.ListArbitrators(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := store.ListArbitrators(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 52, all[0].Reputation)

	_, err = store.GetArbitrator(ctx, "arb_missing")
	assert.ErrorIs(t, err, ErrArbitratorNotFound)
}

func TestPostgresStore_Cases(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	c := &Case{
		ID: "dsp_pg1", EscrowID: "polygon:esc_pg1", Chain: "polygon", Title: "Counterfeit clasp",
		AmountUSD: decimal.NewFromInt(20_000), Initiator: PartyBuyer, InitiatorWallet: "0x1111",
		Evidence:     []Evidence{{Party: PartyBuyer, Submitter: "0x1111", Content: "photo", SubmittedAt: now}},
		RequiredTier: TierCommunity, Arbitrators: []string{"arb_1", "arb_2", "arb_3"},
		Status: StatusVoting, VotingDeadline: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateCase(ctx, c))

	second := *c
	second.ID = "dsp_pg2"
	assert.ErrorIs(t, store.CreateCase(ctx, &second), ErrAlreadyOpen)

	v := Vote{ArbitratorID: "arb_1", Outcome: OutcomeBuyerWins, Confidence: 8, Weight: 1, CastAt: now}
	require.NoError(t, store.AppendVote(ctx, c.ID, v))
	assert.ErrorIs(t, store.AppendVote(ctx, c.ID, v), ErrAlreadyVoted)

	expired, err := store.ListExpired(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Len(t, expired[0].Votes, 1)

	got, err := store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"arb_1", "arb_2", "arb_3"}, got.Arbitrators)
	require.Len(t, got.Evidence, 1)
	assert.Nil(t, got.Resolution)

	got.Status = StatusResolved
	got.Resolution = &Resolution{
		Outcome: OutcomeBuyerWins, BuyerUSD: decimal.NewFromInt(20_000), SellerUSD: decimal.Zero,
		Scores: map[Outcome]decimal.Decimal{OutcomeBuyerWins: decimal.RequireFromString("0.8")},
		Trigger: TriggerDeadline, ResolvedAt: now,
	}
	got.SettlementError = "release leg rejected"
	require.NoError(t, store.UpdateCase(ctx, got))

	assert.ErrorIs(t, store.AppendVote(ctx, c.ID, Vote{ArbitratorID: "arb_2", Outcome: OutcomeSellerWins, Confidence: 5, Weight: 1, CastAt: now}), ErrVotingClosed)

	resolved, err := store.ListCases(ctx, StatusResolved, 10)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.NotNil(t, resolved[0].Resolution)
	assert.Equal(t, OutcomeBuyerWins, resolved[0].Resolution.Outcome)
	assert.Equal(t, "release leg rejected", resolved[0].SettlementError)

	require.NoError(t, store.CreateCase(ctx, &second), "a resolved case frees the escrow")

	_, err = store.GetCase(ctx, "dsp_missing")
	assert.ErrorIs(t, err, ErrCaseNotFound)
}
