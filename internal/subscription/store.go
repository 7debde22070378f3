package subscription

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store persists subscriptions and per-wallet monthly volume.
type Store interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByWallet(ctx context.Context, wallet string) (*Subscription, error)
	Update(ctx context.Context, s *Subscription) error
	ListDue(ctx context.Context, before time.Time, limit int) ([]*Subscription, error)

	AddUsage(ctx context.Context, wallet, month string, amountUSD decimal.Decimal) error
	MonthlyUsage(ctx context.Context, wallet, month string) (decimal.Decimal, error)
}
