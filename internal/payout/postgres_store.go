package payout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// PostgresStore persists payout legs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed leg store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const legColumns = `reference, role, chain, to_address, amount_native, amount_usd, memo, status,
	tx_hash, result_code, error, attempts, created_at, updated_at`

// Claim relies on the (reference, role) primary key: the upsert only takes
// over a row whose status is failed, so RETURNING yields no row when another
// attempt already owns or settled the leg.
func (p *PostgresStore) Claim(ctx context.Context, leg *Leg) (*Leg, bool, error) {
	memo, err := json.Marshal(leg.Memo)
	if err != nil {
		return nil, false, fmt.Errorf("encode memo: %w", err)
	}
	now := time.Now()
	claimed, err := scanLeg(p.db.QueryRowContext(ctx, `
		INSERT INTO payout_legs (`+legColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'in_flight', '', '', '', 1, $8, $8)
		ON CONFLICT (reference, role) DO UPDATE SET
			chain = EXCLUDED.chain,
			to_address = EXCLUDED.to_address,
			amount_native = EXCLUDED.amount_native,
			amount_usd = EXCLUDED.amount_usd,
			memo = EXCLUDED.memo,
			status = 'in_flight',
			tx_hash = '',
			result_code = '',
			error = '',
			attempts = payout_legs.attempts + 1,
			updated_at = EXCLUDED.updated_at
		WHERE payout_legs.status = 'failed'
		RETURNING `+legColumns,
		leg.Reference, string(leg.Role), leg.Chain, leg.To, amountString(leg.Amount), leg.AmountUSD, memo, now,
	))
	if err == nil {
		return claimed, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	existing, err := p.Get(ctx, leg.Reference, leg.Role)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (p *PostgresStore) Finish(ctx context.Context, leg *Leg) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payout_legs SET status = $1, tx_hash = $2, result_code = $3, error = $4, updated_at = NOW()
		WHERE reference = $5 AND role = $6`,
		string(leg.Status), leg.TxHash, leg.ResultCode, leg.Error, leg.Reference, string(leg.Role),
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

func (p *PostgresStore) Get(ctx context.Context, reference string, role Role) (*Leg, error) {
	return scanLeg(p.db.QueryRowContext(ctx, `
		SELECT `+legColumns+` FROM payout_legs WHERE reference = $1 AND role = $2`,
		reference, string(role)))
}

func (p *PostgresStore) ListByReference(ctx context.Context, reference string) ([]*Leg, error) {
	return p.query(ctx, `
		SELECT `+legColumns+` FROM payout_legs WHERE reference = $1 ORDER BY created_at ASC`, reference)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, before time.Time, limit int) ([]*Leg, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.query(ctx, `
		SELECT `+legColumns+` FROM payout_legs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`, string(status), before, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Leg, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Leg
	for rows.Next() {
		l, err := scanLeg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLeg(row scanner) (*Leg, error) {
	l := &Leg{}
	var (
		role, status, amount string
		memo                 []byte
	)
	err := row.Scan(&l.Reference, &role, &l.Chain, &l.To, &amount, &l.AmountUSD, &memo, &status,
		&l.TxHash, &l.ResultCode, &l.Error, &l.Attempts, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l.Role = Role(role)
	l.Status = Status(status)
	if v, ok := new(big.Int).SetString(amount, 10); ok {
		l.Amount = v
	}
	if len(memo) > 0 {
		if err := json.Unmarshal(memo, &l.Memo); err != nil {
			return nil, fmt.Errorf("decode memo: %w", err)
		}
	}
	return l, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

var _ Store = (*PostgresStore)(nil)
