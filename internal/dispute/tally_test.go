package dispute

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func votesAt(start time.Time, vs ...Vote) []Vote {
	for i := range vs {
		vs[i].CastAt = start.Add(time.Duration(i) * time.Minute)
	}
	return vs
}

func TestCount_LargePanelExample(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	votes := votesAt(start,
		Vote{ArbitratorID: "a1", Outcome: OutcomeSellerWins, Confidence: 8, Weight: 3},
		Vote{ArbitratorID: "a2", Outcome: OutcomeBuyerWins, Confidence: 6, Weight: 3},
		Vote{ArbitratorID: "a3", Outcome: OutcomeSellerWins, Confidence: 8, Weight: 3},
		Vote{ArbitratorID: "a4", Outcome: OutcomeBuyerWins, Confidence: 6, Weight: 3},
		Vote{ArbitratorID: "a5", Outcome: OutcomeSellerWins, Confidence: 8, Weight: 3},
	)

	tally := Count(votes, TieBreakFirstVote)
	assert.Equal(t, OutcomeSellerWins, tally.Outcome)
	assert.False(t, tally.TieBroken)
	assert.Equal(t, "7.20", tally.Scores[OutcomeSellerWins].StringFixed(2))
	assert.Equal(t, "3.60", tally.Scores[OutcomeBuyerWins].StringFixed(2))
	assert.True(t, tally.Scores[OutcomeSplitFunds].IsZero())

	amount := decimal.NewFromInt(600_000)
	rewards := Rewards(votes, tally.Outcome, amount)
	// Pool of 6,000 over five voters: 1,200 each before the multiplier.
	for _, r := range rewards {
		if r.Aligned {
			assert.Equal(t, "1800.00", r.AmountUSD.StringFixed(2), r.ArbitratorID)
		} else {
			assert.Equal(t, "600.00", r.AmountUSD.StringFixed(2), r.ArbitratorID)
		}
	}
	assert.Equal(t, 52, Reputation(InitialReputation, true))
	assert.Equal(t, 49, Reputation(InitialReputation, false))
}

func TestCount_NoVotesSplits(t *testing.T) {
	tally := Count(nil, TieBreakFirstVote)
	assert.Equal(t, OutcomeSplitFunds, tally.Outcome)
	assert.Len(t, tally.Scores, 3)
}

func TestCount_TieBreakPolicies(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	sellerFirst := votesAt(start,
		Vote{ArbitratorID: "a1", Outcome: OutcomeSellerWins, Confidence: 5, Weight: 1},
		Vote{ArbitratorID: "a2", Outcome: OutcomeBuyerWins, Confidence: 5, Weight: 1},
	)

	tests := []struct {
		policy TieBreakPolicy
		want   Outcome
	}{
		{TieBreakFirstVote, OutcomeSellerWins},
		{TieBreakFavorBuyer, OutcomeBuyerWins},
		{TieBreakSplit, OutcomeSplitFunds},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			tally := Count(sellerFirst, tt.policy)
			assert.Equal(t, tt.want, tally.Outcome)
			assert.True(t, tally.TieBroken)
		})
	}
}

func TestCount_WeightBeatsHeadcount(t *testing.T) {
	votes := votesAt(time.Now(),
		Vote{ArbitratorID: "a1", Outcome: OutcomeBuyerWins, Confidence: 9, Weight: 3},
		Vote{ArbitratorID: "a2", Outcome: OutcomeSellerWins, Confidence: 9, Weight: 1},
		Vote{ArbitratorID: "a3", Outcome: OutcomeSellerWins, Confidence: 9, Weight: 1},
	)
	assert.Equal(t, OutcomeBuyerWins, Count(votes, TieBreakFirstVote).Outcome)
}

func TestSplit(t *testing.T) {
	tests := []struct {
		outcome       Outcome
		amount        string
		buyer, seller string
	}{
		{OutcomeBuyerWins, "20000.00", "20000.00", "0.00"},
		{OutcomeSellerWins, "20000.00", "0.00", "20000.00"},
		{OutcomeSplitFunds, "20000.00", "10000.00", "10000.00"},
		{OutcomeSplitFunds, "100.01", "50.00", "50.01"},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome)+" "+tt.amount, func(t *testing.T) {
			amount := decimal.RequireFromString(tt.amount)
			buyer, seller := Split(tt.outcome, amount)
			assert.Equal(t, tt.buyer, buyer.StringFixed(2))
			assert.Equal(t, tt.seller, seller.StringFixed(2))
			assert.True(t, buyer.Add(seller).Equal(amount))
		})
	}
}

func TestConfidence_WeightedAverage(t *testing.T) {
	votes := []Vote{
		{Confidence: 8, Weight: 3},
		{Confidence: 4, Weight: 1},
	}
	// (24 + 4) / 4
	assert.Equal(t, "7.00", Confidence(votes).StringFixed(2))
	assert.True(t, Confidence(nil).IsZero())
}

func TestReputation_Clamped(t *testing.T) {
	assert.Equal(t, MaxReputation, Reputation(99, true))
	assert.Equal(t, 0, Reputation(0, false))
}

func TestPanelRules(t *testing.T) {
	tests := []struct {
		amount int64
		tier   Tier
		panel  int
		quorum int
	}{
		{10_000, TierCommunity, 3, 2},
		{25_000, TierCommunity, 3, 2},
		{25_001, TierVerified, 3, 2},
		{50_001, TierVerified, 5, 3},
		{100_001, TierExpert, 5, 3},
		{600_000, TierExpert, 5, 3},
	}
	for _, tt := range tests {
		amount := decimal.NewFromInt(tt.amount)
		assert.Equal(t, tt.tier, RequiredTier(amount), tt.amount)
		assert.Equal(t, tt.panel, PanelSize(amount), tt.amount)
		assert.Equal(t, tt.quorum, Quorum(PanelSize(amount)), tt.amount)
	}
}

func TestParseTieBreakPolicy(t *testing.T) {
	for _, p := range TieBreakPolicies {
		got, err := ParseTieBreakPolicy(string(p))
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	_, err := ParseTieBreakPolicy("coin_flip")
	require.ErrorIs(t, err, ErrInvalidTieBreakPolicy)
	assert.Contains(t, err.Error(), "first_vote, favor_buyer, split")
}
