package subscription

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, wallet, tier, billing_cycle, status, monthly_volume_usd, total_savings_usd,
	period_start, next_billing_at, stripe_customer_id, stripe_subscription_id, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, walletKey(s.Wallet), string(s.Tier), string(s.Cycle), string(s.Status),
		s.MonthlyVolumeUSD, s.TotalSavingsUSD, s.PeriodStart, s.NextBillingAt,
		nullString(s.StripeCustomerID), nullString(s.StripeSubscriptionID), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadySubscribed
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	return p.scanSubscription(p.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
}

func (p *PostgresStore) GetByWallet(ctx context.Context, wallet string) (*Subscription, error) {
	return p.scanSubscription(p.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE wallet = $1`, walletKey(wallet)))
}

func (p *PostgresStore) Update(ctx context.Context, s *Subscription) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET tier = $1, billing_cycle = $2, status = $3,
			monthly_volume_usd = $4, total_savings_usd = $5, period_start = $6,
			next_billing_at = $7, stripe_customer_id = $8, stripe_subscription_id = $9,
			updated_at = $10
		WHERE id = $11`,
		string(s.Tier), string(s.Cycle), string(s.Status),
		s.MonthlyVolumeUSD, s.TotalSavingsUSD, s.PeriodStart,
		s.NextBillingAt, nullString(s.StripeCustomerID), nullString(s.StripeSubscriptionID),
		s.UpdatedAt, s.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListDue(ctx context.Context, before time.Time, limit int) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status IN ('active', 'suspended') AND next_billing_at < $1
		ORDER BY next_billing_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		s, err := p.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AddUsage(ctx context.Context, wallet, month string, amountUSD decimal.Decimal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_usage (wallet, month, volume_usd) VALUES ($1, $2, $3)
		ON CONFLICT (wallet, month) DO UPDATE SET volume_usd = wallet_usage.volume_usd + EXCLUDED.volume_usd`,
		walletKey(wallet), month, amountUSD)
	return err
}

func (p *PostgresStore) MonthlyUsage(ctx context.Context, wallet, month string) (decimal.Decimal, error) {
	var v decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT volume_usd FROM wallet_usage WHERE wallet = $1 AND month = $2`,
		walletKey(wallet), month).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	return v, err
}

type scanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) scanSubscription(row scanner) (*Subscription, error) {
	s := &Subscription{}
	var (
		tier, cycle, status string
		customerID, subID   sql.NullString
	)
	err := row.Scan(&s.ID, &s.Wallet, &tier, &cycle, &status, &s.MonthlyVolumeUSD, &s.TotalSavingsUSD,
		&s.PeriodStart, &s.NextBillingAt, &customerID, &subID, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Tier = Tier(tier)
	s.Cycle = BillingCycle(cycle)
	s.Status = Status(status)
	s.StripeCustomerID = customerID.String
	s.StripeSubscriptionID = subID.String
	return s, nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
