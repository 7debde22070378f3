package brokers

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists brokers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed broker store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const brokerColumns = `id, wallet, name, referral_code, total_referrals, total_sales_usd,
	total_commission_usd, active, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, b *Broker) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO brokers (`+brokerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		b.ID, walletKey(b.Wallet), b.Name, b.ReferralCode, b.TotalReferrals, b.TotalSalesUSD,
		b.TotalCommissionUSD, b.Active, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			if strings.Contains(pqErr.Constraint, "referral_code") {
				return ErrDuplicateCode
			}
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Broker, error) {
	return scanBroker(p.db.QueryRowContext(ctx, `
		SELECT `+brokerColumns+` FROM brokers WHERE id = $1`, id))
}

func (p *PostgresStore) GetByWallet(ctx context.Context, wallet string) (*Broker, error) {
	return scanBroker(p.db.QueryRowContext(ctx, `
		SELECT `+brokerColumns+` FROM brokers WHERE wallet = $1`, walletKey(wallet)))
}

func (p *PostgresStore) GetByReferralCode(ctx context.Context, code string) (*Broker, error) {
	return scanBroker(p.db.QueryRowContext(ctx, `
		SELECT `+brokerColumns+` FROM brokers WHERE referral_code = $1`, code))
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Broker, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+brokerColumns+` FROM brokers ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Broker
	for rows.Next() {
		b, err := scanBroker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	return p.exec(ctx, `UPDATE brokers SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
}

func (p *PostgresStore) AddReferral(ctx context.Context, id string) error {
	return p.exec(ctx, `
		UPDATE brokers SET total_referrals = total_referrals + 1, updated_at = NOW()
		WHERE id = $1`, id)
}

func (p *PostgresStore) AddSale(ctx context.Context, id string, saleUSD, commissionUSD decimal.Decimal) error {
	return p.exec(ctx, `
		UPDATE brokers SET total_sales_usd = total_sales_usd + $2,
			total_commission_usd = total_commission_usd + $3, updated_at = NOW()
		WHERE id = $1`, id, saleUSD, commissionUSD)
}

func (p *PostgresStore) exec(ctx context.Context, query string, args ...any) error {
	result, err := p.db.ExecContext(ctx, query, args...)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanBroker(row scanner) (*Broker, error) {
	b := &Broker{}
	err := row.Scan(&b.ID, &b.Wallet, &b.Name, &b.ReferralCode, &b.TotalReferrals, &b.TotalSalesUSD,
		&b.TotalCommissionUSD, &b.Active, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

var _ Store = (*PostgresStore)(nil)
