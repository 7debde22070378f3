package brokers

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store persists brokers.
type Store interface {
	Create(ctx context.Context, b *Broker) error
	Get(ctx context.Context, id string) (*Broker, error)
	GetByWallet(ctx context.Context, wallet string) (*Broker, error)
	GetByReferralCode(ctx context.Context, code string) (*Broker, error)
	List(ctx context.Context, limit int) ([]*Broker, error)
	SetActive(ctx context.Context, id string, active bool) error

	// AddReferral increments the referral count.
	AddReferral(ctx context.Context, id string) error
	// AddSale adds a paid sale and its commission to the running totals.
	AddSale(ctx context.Context, id string, saleUSD, commissionUSD decimal.Decimal) error
}
