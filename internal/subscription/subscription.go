// Package subscription manages paid plans that discount escrow fees.
package subscription

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("subscription: not found")
	ErrAlreadySubscribed = errors.New("subscription: wallet already has a subscription")
	ErrInvalidTier       = errors.New("subscription: unknown tier")
	ErrInvalidCycle      = errors.New("subscription: unknown billing cycle")
	ErrInvalidStatus     = errors.New("subscription: invalid status for operation")
)

// Tier identifies a plan.
type Tier string

const (
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Status is a subscription's lifecycle state. Only active subscriptions
// discount fees.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
)

// BillingCycle is how often a subscription is billed.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleAnnual  BillingCycle = "annual"
)

// Period returns the end of a billing period starting at start.
func (c BillingCycle) Period(start time.Time) time.Time {
	if c == CycleAnnual {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// PlanConfig defines a tier's price and fee discount.
type PlanConfig struct {
	Tier            Tier
	Discount        decimal.Decimal
	MonthlyPriceUSD decimal.Decimal
	AnnualPriceUSD  decimal.Decimal
}

// Plans is the hardcoded plan catalogue.
var Plans = map[Tier]PlanConfig{
	TierBasic: {
		Tier:            TierBasic,
		Discount:        decimal.Zero,
		MonthlyPriceUSD: decimal.Zero,
		AnnualPriceUSD:  decimal.Zero,
	},
	TierPro: {
		Tier:            TierPro,
		Discount:        decimal.RequireFromString("0.30"),
		MonthlyPriceUSD: decimal.NewFromInt(99),
		AnnualPriceUSD:  decimal.NewFromInt(990),
	},
	TierEnterprise: {
		Tier:            TierEnterprise,
		Discount:        decimal.RequireFromString("0.50"),
		MonthlyPriceUSD: decimal.NewFromInt(499),
		AnnualPriceUSD:  decimal.NewFromInt(4990),
	},
}

// ValidTier returns true if the tier is recognised.
func ValidTier(t Tier) bool {
	_, ok := Plans[t]
	return ok
}

// Subscription is a wallet's plan.
type Subscription struct {
	ID                   string          `json:"id"`
	Wallet               string          `json:"wallet"`
	Tier                 Tier            `json:"tier"`
	Cycle                BillingCycle    `json:"billingCycle"`
	Status               Status          `json:"status"`
	MonthlyVolumeUSD     decimal.Decimal `json:"monthlyVolumeUsd"`
	TotalSavingsUSD      decimal.Decimal `json:"totalSavingsUsd"`
	PeriodStart          time.Time       `json:"periodStart"`
	NextBillingAt        time.Time       `json:"nextBillingAt"`
	StripeCustomerID     string          `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string          `json:"stripeSubscriptionId,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// IsActive reports whether the subscription currently discounts fees.
func (s *Subscription) IsActive() bool {
	return s != nil && s.Status == StatusActive
}

// Discount returns the fee discount the subscription grants right now.
func (s *Subscription) Discount() decimal.Decimal {
	if !s.IsActive() {
		return decimal.Zero
	}
	return Plans[s.Tier].Discount
}

// UsageMonth is the calendar-month key volume is tracked under.
func UsageMonth(t time.Time) string {
	return t.UTC().Format("2006-01")
}
