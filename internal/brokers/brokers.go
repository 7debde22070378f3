// Package brokers tracks referring brokers and maps their referral and sales
// history onto a commission tier.
package brokers

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("brokers: not found")
	ErrDuplicate     = errors.New("brokers: wallet already registered")
	ErrDuplicateCode = errors.New("brokers: referral code collision")
	ErrInactive      = errors.New("brokers: broker is inactive")
)

// Tier is one row of the commission tier table.
type Tier struct {
	ID           string          `json:"id"`
	MinReferrals int             `json:"minReferrals"`
	MinSalesUSD  decimal.Decimal `json:"minSalesUsd"`
	Rate         decimal.Decimal `json:"rate"`
}

// Qualifies reports whether both thresholds are met.
func (t Tier) Qualifies(referrals int, salesUSD decimal.Decimal) bool {
	return referrals >= t.MinReferrals && salesUSD.GreaterThanOrEqual(t.MinSalesUSD)
}

// DefaultTiers is the commission table, lowest tier first.
var DefaultTiers = []Tier{
	{ID: "bronze", MinReferrals: 0, MinSalesUSD: decimal.Zero, Rate: decimal.RequireFromString("0.025")},
	{ID: "silver", MinReferrals: 5, MinSalesUSD: decimal.NewFromInt(100_000), Rate: decimal.RequireFromString("0.035")},
	{ID: "gold", MinReferrals: 15, MinSalesUSD: decimal.NewFromInt(500_000), Rate: decimal.RequireFromString("0.05")},
	{ID: "platinum", MinReferrals: 40, MinSalesUSD: decimal.NewFromInt(2_500_000), Rate: decimal.RequireFromString("0.065")},
	{ID: "diamond", MinReferrals: 100, MinSalesUSD: decimal.NewFromInt(10_000_000), Rate: decimal.RequireFromString("0.08")},
}

// TierFor returns the highest tier in table whose thresholds are both met.
// The table must be ordered lowest first and its first row must have zero
// thresholds, so every broker has a tier. An empty table means DefaultTiers.
func TierFor(table []Tier, referrals int, salesUSD decimal.Decimal) Tier {
	if len(table) == 0 {
		table = DefaultTiers
	}
	best := table[0]
	for _, t := range table[1:] {
		if t.Qualifies(referrals, salesUSD) {
			best = t
		}
	}
	return best
}

// Broker is a registered referrer.
type Broker struct {
	ID                 string          `json:"id"`
	Wallet             string          `json:"wallet"`
	Name               string          `json:"name"`
	ReferralCode       string          `json:"referralCode"`
	TotalReferrals     int             `json:"totalReferrals"`
	TotalSalesUSD      decimal.Decimal `json:"totalSalesUsd"`
	TotalCommissionUSD decimal.Decimal `json:"totalCommissionUsd"`
	Active             bool            `json:"active"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}
