// Package fees computes escrow fees.
//
// A fee is amount × rate where the rate starts from the amount bracket,
// is scaled by the chain's cost multiplier and then reduced by either an
// active subscription's discount or, for everyone else, the monthly volume
// ladder. The result is capped at a flat maximum. Calculate is pure; the
// Quoter resolves the chain and the payer's subscription first.
package fees

import (
	"errors"
	"fmt"

	"github.com/mbd888/luxescrow/internal/amount"
	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/shopspring/decimal"
)

var ErrInvalidRequest = errors.New("fees: invalid request")

// DiscountSource says where a quote's discount came from.
type DiscountSource string

const (
	DiscountNone         DiscountSource = "none"
	DiscountSubscription DiscountSource = "subscription"
	DiscountVolume       DiscountSource = "volume"
)

// Bracket applies Rate to amounts up to and including UpTo. A zero UpTo
// is unbounded and must come last.
type Bracket struct {
	UpTo decimal.Decimal
	Rate decimal.Decimal
}

// VolumeStep grants Discount once monthly volume reaches MinVolumeUSD.
type VolumeStep struct {
	MinVolumeUSD decimal.Decimal
	Discount     decimal.Decimal
}

// Schedule holds the fee parameters.
type Schedule struct {
	Brackets     []Bracket
	VolumeLadder []VolumeStep // ascending by MinVolumeUSD
	MaxFee       decimal.Decimal
}

// DefaultMaxFee is the flat fee cap in USD.
var DefaultMaxFee = decimal.NewFromInt(2500)

// DefaultSchedule returns the standard fee schedule.
func DefaultSchedule() Schedule {
	return Schedule{
		Brackets: []Bracket{
			{UpTo: decimal.NewFromInt(10_000), Rate: decimal.RequireFromString("0.015")},
			{UpTo: decimal.NewFromInt(50_000), Rate: decimal.RequireFromString("0.01")},
			{Rate: decimal.RequireFromString("0.005")},
		},
		VolumeLadder: []VolumeStep{
			{MinVolumeUSD: decimal.Zero, Discount: decimal.Zero},
			{MinVolumeUSD: decimal.NewFromInt(25_000), Discount: decimal.RequireFromString("0.05")},
			{MinVolumeUSD: decimal.NewFromInt(100_000), Discount: decimal.RequireFromString("0.10")},
			{MinVolumeUSD: decimal.NewFromInt(500_000), Discount: decimal.RequireFromString("0.15")},
		},
		MaxFee: DefaultMaxFee,
	}
}

// WithMaxFee returns a copy of the schedule with a different cap.
func (s Schedule) WithMaxFee(max decimal.Decimal) Schedule {
	s.MaxFee = max
	return s
}

// Subscription is the part of a payer's subscription the fee depends on.
type Subscription struct {
	Tier     string
	Discount decimal.Decimal
	Active   bool
}

// Request is the input to Calculate.
type Request struct {
	AmountUSD        decimal.Decimal
	ChainMultiplier  decimal.Decimal
	Subscription     *Subscription // nil for non-subscribers
	MonthlyVolumeUSD decimal.Decimal
}

// Quote is a computed fee with every intermediate rate for audit.
type Quote struct {
	AmountUSD         decimal.Decimal `json:"amountUsd"`
	BaseRate          decimal.Decimal `json:"baseRate"`
	ChainMultiplier   decimal.Decimal `json:"chainMultiplier"`
	AdjustedRate      decimal.Decimal `json:"adjustedRate"`
	DiscountRate      decimal.Decimal `json:"discountRate"`
	DiscountSource    DiscountSource  `json:"discountSource"`
	Tier              string          `json:"tier,omitempty"`
	FinalRate         decimal.Decimal `json:"finalRate"`
	FeeBeforeDiscount decimal.Decimal `json:"feeBeforeDiscount"`
	Fee               decimal.Decimal `json:"fee"`
	Savings           decimal.Decimal `json:"savings"`
	Capped            bool            `json:"capped"`
	MaxFee            decimal.Decimal `json:"maxFee"`
}

// BaseRate returns the bracket rate for an amount.
func (s Schedule) BaseRate(amountUSD decimal.Decimal) decimal.Decimal {
	for _, b := range s.Brackets {
		if b.UpTo.IsZero() || amountUSD.LessThanOrEqual(b.UpTo) {
			return b.Rate
		}
	}
	if n := len(s.Brackets); n > 0 {
		return s.Brackets[n-1].Rate
	}
	return decimal.Zero
}

// VolumeDiscount returns the ladder discount for a monthly volume.
func (s Schedule) VolumeDiscount(volumeUSD decimal.Decimal) decimal.Decimal {
	discount := decimal.Zero
	for _, step := range s.VolumeLadder {
		if volumeUSD.GreaterThanOrEqual(step.MinVolumeUSD) {
			discount = step.Discount
		}
	}
	return discount
}

// Calculate computes the fee for req. An active subscription's discount
// replaces the volume ladder; an inactive one counts for nothing and the
// payer is treated as a non-subscriber.
func (s Schedule) Calculate(req Request) (*Quote, error) {
	const op = "fees.Calculate"
	var violations []string
	if !req.AmountUSD.IsPositive() {
		violations = append(violations, "amountUsd: must be greater than zero")
	}
	if !req.ChainMultiplier.IsPositive() {
		violations = append(violations, "chainMultiplier: must be greater than zero")
	}
	if req.MonthlyVolumeUSD.IsNegative() {
		violations = append(violations, "monthlyVolumeUsd: must not be negative")
	}
	if len(violations) > 0 {
		return nil, apperr.Validation(op, ErrInvalidRequest, violations...)
	}

	q := &Quote{
		AmountUSD:       amount.USD(req.AmountUSD),
		ChainMultiplier: req.ChainMultiplier,
		DiscountSource:  DiscountNone,
		DiscountRate:    decimal.Zero,
		MaxFee:          s.MaxFee,
	}
	q.BaseRate = amount.Rate(s.BaseRate(req.AmountUSD))
	q.AdjustedRate = amount.Rate(q.BaseRate.Mul(req.ChainMultiplier))

	switch sub := req.Subscription; {
	case sub != nil && sub.Active:
		q.Tier = sub.Tier
		if sub.Discount.IsPositive() {
			q.DiscountRate = sub.Discount
			q.DiscountSource = DiscountSubscription
		}
	default:
		if d := s.VolumeDiscount(req.MonthlyVolumeUSD); d.IsPositive() {
			q.DiscountRate = d
			q.DiscountSource = DiscountVolume
		}
	}
	if q.DiscountRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, apperr.Validation(op, fmt.Errorf("%w: discount %s exceeds 100%%", ErrInvalidRequest, q.DiscountRate))
	}

	q.FinalRate = amount.Rate(q.AdjustedRate.Mul(decimal.NewFromInt(1).Sub(q.DiscountRate)))

	q.FeeBeforeDiscount = s.cap(amount.USD(req.AmountUSD.Mul(q.AdjustedRate)))
	fee := amount.USD(req.AmountUSD.Mul(q.FinalRate))
	q.Fee = s.cap(fee)
	q.Capped = !q.Fee.Equal(fee)
	q.Savings = q.FeeBeforeDiscount.Sub(q.Fee)
	return q, nil
}

func (s Schedule) cap(fee decimal.Decimal) decimal.Decimal {
	if s.MaxFee.IsPositive() && fee.GreaterThan(s.MaxFee) {
		return s.MaxFee
	}
	return fee
}
