package fees

import (
	"context"
	"strconv"

	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/mbd888/luxescrow/internal/chains"
	"github.com/mbd888/luxescrow/internal/metrics"
	"github.com/shopspring/decimal"
)

// ChainLookup resolves chain configuration.
type ChainLookup interface {
	GetChainConfig(id string) (chains.Chain, error)
}

// AccountLookup returns a payer's subscription (nil when they have none)
// and their volume this billing month.
type AccountLookup interface {
	FeeTerms(ctx context.Context, wallet string) (*Subscription, decimal.Decimal, error)
}

// Quoter answers fee questions for a concrete chain and payer.
type Quoter struct {
	schedule Schedule
	chains   ChainLookup
	accounts AccountLookup
}

// NewQuoter creates a quoter. accounts may be nil, in which case every
// payer is a non-subscriber with no volume.
func NewQuoter(schedule Schedule, chains ChainLookup, accounts AccountLookup) *Quoter {
	return &Quoter{schedule: schedule, chains: chains, accounts: accounts}
}

// Schedule returns the schedule the quoter applies.
func (q *Quoter) Schedule() Schedule { return q.schedule }

// CalculateEscrowFee quotes the fee for escrowing amountUSD on chainID
// paid by wallet.
func (q *Quoter) CalculateEscrowFee(ctx context.Context, amountUSD decimal.Decimal, chainID, wallet string) (*Quote, error) {
	const op = "fees.CalculateEscrowFee"
	chain, err := q.chains.GetChainConfig(chainID)
	if err != nil {
		return nil, err
	}

	req := Request{AmountUSD: amountUSD, ChainMultiplier: chain.FeeMultiplier, MonthlyVolumeUSD: decimal.Zero}
	if q.accounts != nil && wallet != "" {
		sub, volume, err := q.accounts.FeeTerms(ctx, wallet)
		if err != nil {
			return nil, apperr.Backend(op, "subscription_lookup", err)
		}
		req.Subscription = sub
		req.MonthlyVolumeUSD = volume
	}

	quote, err := q.schedule.Calculate(req)
	if err != nil {
		return nil, err
	}
	metrics.FeeQuotesTotal.WithLabelValues(string(quote.DiscountSource), strconv.FormatBool(quote.Capped)).Inc()
	return quote, nil
}
