package subscription

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// Biller starts and stops recurring billing for a subscription.
type Biller interface {
	Start(ctx context.Context, wallet string, tier Tier, cycle BillingCycle) (customerID, subscriptionID string, err error)
	Cancel(ctx context.Context, subscriptionID string) error
}

// StripeBiller bills subscriptions through Stripe. Prices maps
// "<tier>_<cycle>" (e.g. "pro_monthly") to a Stripe price id.
type StripeBiller struct {
	api    *client.API
	prices map[string]string
}

// NewStripeBiller creates a biller using secretKey.
func NewStripeBiller(secretKey string, prices map[string]string) *StripeBiller {
	return &StripeBiller{api: client.New(secretKey, nil), prices: prices}
}

// PriceKey is the key a tier and cycle are looked up under in the price map.
func PriceKey(tier Tier, cycle BillingCycle) string {
	return string(tier) + "_" + string(cycle)
}

func (b *StripeBiller) Start(ctx context.Context, wallet string, tier Tier, cycle BillingCycle) (string, string, error) {
	if Plans[tier].MonthlyPriceUSD.IsZero() {
		return "", "", nil
	}
	price, ok := b.prices[PriceKey(tier, cycle)]
	if !ok {
		return "", "", fmt.Errorf("stripe: no price configured for %s", PriceKey(tier, cycle))
	}

	cparams := &stripe.CustomerParams{
		Description: stripe.String("luxescrow wallet " + wallet),
	}
	cparams.Context = ctx
	cparams.AddMetadata("wallet", wallet)
	cust, err := b.api.Customers.New(cparams)
	if err != nil {
		return "", "", fmt.Errorf("stripe: create customer: %w", err)
	}

	sparams := &stripe.SubscriptionParams{
		Customer: stripe.String(cust.ID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(price)},
		},
	}
	sparams.Context = ctx
	sparams.AddMetadata("wallet", wallet)
	sparams.AddMetadata("tier", string(tier))
	sub, err := b.api.Subscriptions.New(sparams)
	if err != nil {
		return cust.ID, "", fmt.Errorf("stripe: create subscription: %w", err)
	}
	return cust.ID, sub.ID, nil
}

func (b *StripeBiller) Cancel(ctx context.Context, subscriptionID string) error {
	if subscriptionID == "" {
		return nil
	}
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := b.api.Subscriptions.Cancel(subscriptionID, params); err != nil {
		return fmt.Errorf("stripe: cancel subscription: %w", err)
	}
	return nil
}

var _ Biller = (*StripeBiller)(nil)
