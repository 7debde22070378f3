package fees

import (
	"context"
	"errors"
	"testing"

	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/mbd888/luxescrow/internal/chains"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSchedule_BaseRate(t *testing.T) {
	s := DefaultSchedule()

	tests := []struct {
		amount string
		want   string
	}{
		{"1", "0.015"},
		{"10000", "0.015"},
		{"10000.01", "0.01"},
		{"50000", "0.01"},
		{"50000.01", "0.005"},
		{"2000000", "0.005"},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			assert.True(t, s.BaseRate(d(tt.amount)).Equal(d(tt.want)), "got %s", s.BaseRate(d(tt.amount)))
		})
	}
}

func TestSchedule_VolumeDiscount(t *testing.T) {
	s := DefaultSchedule()

	tests := []struct {
		volume string
		want   string
	}{
		{"0", "0"},
		{"24999.99", "0"},
		{"25000", "0.05"},
		{"99999", "0.05"},
		{"100000", "0.10"},
		{"500000", "0.15"},
		{"9000000", "0.15"},
	}
	for _, tt := range tests {
		t.Run(tt.volume, func(t *testing.T) {
			assert.True(t, s.VolumeDiscount(d(tt.volume)).Equal(d(tt.want)))
		})
	}
}

func TestCalculate_ProSubscriptionExample(t *testing.T) {
	q, err := DefaultSchedule().Calculate(Request{
		AmountUSD:       d("20000"),
		ChainMultiplier: d("1.2"),
		Subscription:    &Subscription{Tier: "pro", Discount: d("0.30"), Active: true},
	})
	require.NoError(t, err)

	assert.Equal(t, "0.010000", q.BaseRate.StringFixed(6))
	assert.Equal(t, "0.012000", q.AdjustedRate.StringFixed(6))
	assert.Equal(t, "0.008400", q.FinalRate.StringFixed(6))
	assert.Equal(t, "168.00", q.Fee.StringFixed(2))
	assert.Equal(t, "240.00", q.FeeBeforeDiscount.StringFixed(2))
	assert.Equal(t, "72.00", q.Savings.StringFixed(2))
	assert.Equal(t, DiscountSubscription, q.DiscountSource)
	assert.False(t, q.Capped)
}

func TestCalculate_MonotonicInTier(t *testing.T) {
	tiers := []struct {
		tier     string
		discount string
	}{
		{"basic", "0"},
		{"pro", "0.30"},
		{"enterprise", "0.50"},
	}

	for _, amt := range []string{"500", "10000", "45000", "120000", "900000"} {
		for _, mult := range []string{"0.8", "1.0", "1.2"} {
			prev := decimal.NewFromInt(-1)
			for i, tt := range tiers {
				q, err := DefaultSchedule().Calculate(Request{
					AmountUSD:       d(amt),
					ChainMultiplier: d(mult),
					Subscription:    &Subscription{Tier: tt.tier, Discount: d(tt.discount), Active: true},
				})
				require.NoError(t, err)
				assert.True(t, q.Fee.LessThanOrEqual(DefaultMaxFee), "fee above cap")
				if i > 0 {
					assert.True(t, q.Fee.LessThanOrEqual(prev), "%s fee %s > previous %s (amount %s, mult %s)", tt.tier, q.Fee, prev, amt, mult)
				}
				prev = q.Fee
			}
		}
	}
}

func TestCalculate_Cap(t *testing.T) {
	// 0.5% * 1.2 of 1,000,000 is 6,000 before the cap
	q, err := DefaultSchedule().Calculate(Request{AmountUSD: d("1000000"), ChainMultiplier: d("1.2")})
	require.NoError(t, err)
	assert.True(t, q.Capped)
	assert.Equal(t, "2500.00", q.Fee.StringFixed(2))

	q, err = DefaultSchedule().WithMaxFee(d("10000")).Calculate(Request{AmountUSD: d("1000000"), ChainMultiplier: d("1.2")})
	require.NoError(t, err)
	assert.False(t, q.Capped)
	assert.Equal(t, "6000.00", q.Fee.StringFixed(2))
}

func TestCalculate_InactiveSubscriptionFallsBackToVolume(t *testing.T) {
	q, err := DefaultSchedule().Calculate(Request{
		AmountUSD:        d("20000"),
		ChainMultiplier:  d("1"),
		Subscription:     &Subscription{Tier: "enterprise", Discount: d("0.50"), Active: false},
		MonthlyVolumeUSD: d("150000"),
	})
	require.NoError(t, err)
	assert.Equal(t, DiscountVolume, q.DiscountSource)
	assert.True(t, q.DiscountRate.Equal(d("0.10")))
	assert.Equal(t, "180.00", q.Fee.StringFixed(2))

	q, err = DefaultSchedule().Calculate(Request{
		AmountUSD:       d("20000"),
		ChainMultiplier: d("1"),
		Subscription:    &Subscription{Tier: "enterprise", Discount: d("0.50"), Active: false},
	})
	require.NoError(t, err)
	assert.Equal(t, DiscountNone, q.DiscountSource)
	assert.Equal(t, "200.00", q.Fee.StringFixed(2))
}

func TestCalculate_ActiveBasicIgnoresVolume(t *testing.T) {
	q, err := DefaultSchedule().Calculate(Request{
		AmountUSD:        d("5000"),
		ChainMultiplier:  d("1"),
		Subscription:     &Subscription{Tier: "basic", Discount: decimal.Zero, Active: true},
		MonthlyVolumeUSD: d("600000"),
	})
	require.NoError(t, err)
	assert.Equal(t, DiscountNone, q.DiscountSource)
	assert.Equal(t, "basic", q.Tier)
	assert.Equal(t, "75.00", q.Fee.StringFixed(2))
}

func TestCalculate_Rounding(t *testing.T) {
	q, err := DefaultSchedule().Calculate(Request{AmountUSD: d("1234.567"), ChainMultiplier: d("0.85")})
	require.NoError(t, err)
	// 1.5% * 0.85 = 1.275%
	assert.Equal(t, "0.012750", q.FinalRate.StringFixed(6))
	assert.Equal(t, "15.74", q.Fee.StringFixed(2))
}

func TestCalculate_Validation(t *testing.T) {
	_, err := DefaultSchedule().Calculate(Request{AmountUSD: d("0"), ChainMultiplier: d("0")})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.True(t, errors.Is(err, ErrInvalidRequest))
	assert.Len(t, apperr.ViolationsOf(err), 2)
}

type fakeChains map[string]chains.Chain

func (f fakeChains) GetChainConfig(id string) (chains.Chain, error) {
	c, ok := f[id]
	if !ok {
		return chains.Chain{}, apperr.Validation("test", chains.ErrUnsupportedChain)
	}
	return c, nil
}

type fakeAccounts struct {
	sub    *Subscription
	volume decimal.Decimal
	err    error
}

func (f fakeAccounts) FeeTerms(context.Context, string) (*Subscription, decimal.Decimal, error) {
	return f.sub, f.volume, f.err
}

func TestQuoter_CalculateEscrowFee(t *testing.T) {
	cs := fakeChains{"ethereum": {ID: "ethereum", FeeMultiplier: d("1.2")}}
	q := NewQuoter(DefaultSchedule(), cs, fakeAccounts{sub: &Subscription{Tier: "pro", Discount: d("0.3"), Active: true}})

	quote, err := q.CalculateEscrowFee(context.Background(), d("20000"), "ethereum", "0xbuyer")
	require.NoError(t, err)
	assert.Equal(t, "168.00", quote.Fee.StringFixed(2))

	_, err = q.CalculateEscrowFee(context.Background(), d("20000"), "dogecoin", "0xbuyer")
	assert.True(t, errors.Is(err, chains.ErrUnsupportedChain))

	failing := NewQuoter(DefaultSchedule(), cs, fakeAccounts{err: errors.New("db down")})
	_, err = failing.CalculateEscrowFee(context.Background(), d("20000"), "ethereum", "0xbuyer")
	assert.True(t, apperr.Is(err, apperr.KindBackend))

	anonymous := NewQuoter(DefaultSchedule(), cs, nil)
	quote, err = anonymous.CalculateEscrowFee(context.Background(), d("20000"), "ethereum", "")
	require.NoError(t, err)
	assert.Equal(t, "240.00", quote.Fee.StringFixed(2))
}
