package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, chain, amount_usd, fee_usd, fee_savings_usd, asset_amount, asset_symbol,
	buyer, seller, arbitrator, status, conditions, metadata, lock_ref, lock_tx_hash,
	dispute_id, outcome, created_at, expires_at, locked_at, disputed_at, closed_at, updated_at,
	lock_unresolved_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	conditions, metadata, err := encodeJSON(e)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(78,0), $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		e.ID, e.Chain, e.AmountUSD, e.FeeUSD, e.FeeSavings, e.AssetAmount, e.AssetSymbol,
		e.Buyer, e.Seller, nullString(e.Arbitrator), string(e.Status), conditions, metadata,
		nullString(e.LockRef), nullString(e.LockTxHash), nullString(e.DisputeID), nullString(e.Outcome),
		e.CreatedAt, e.ExpiresAt, nullTime(e.LockedAt), nullTime(e.DisputedAt), nullTime(e.ClosedAt), e.UpdatedAt,
		nullTime(e.LockUnresolvedAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	e, err := scanEscrow(p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	conditions, metadata, err := encodeJSON(e)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, conditions = $2, metadata = $3, lock_ref = $4, lock_tx_hash = $5,
			dispute_id = $6, outcome = $7, locked_at = $8, disputed_at = $9, closed_at = $10,
			updated_at = $11, lock_unresolved_at = $12
		WHERE id = $13`,
		string(e.Status), conditions, metadata, nullString(e.LockRef), nullString(e.LockTxHash),
		nullString(e.DisputeID), nullString(e.Outcome), nullTime(e.LockedAt), nullTime(e.DisputedAt), nullTime(e.ClosedAt),
		e.UpdatedAt, nullTime(e.LockUnresolvedAt), e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	return p.query(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE lower(buyer) = lower($1) OR lower(seller) = lower($1)
		ORDER BY created_at DESC
		LIMIT $2`, addr, limitOr(limit))
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	return p.query(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limitOr(limit))
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	return p.query(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, before, limitOr(limit))
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status                                       string
		conditions, metadata                         []byte
		arbitrator, lockRef, lockTx, disputeID, outc sql.NullString
		lockedAt, disputedAt, closedAt, unresolved   sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.Chain, &e.AmountUSD, &e.FeeUSD, &e.FeeSavings, &e.AssetAmount, &e.AssetSymbol,
		&e.Buyer, &e.Seller, &arbitrator, &status, &conditions, &metadata, &lockRef, &lockTx,
		&disputeID, &outc, &e.CreatedAt, &e.ExpiresAt, &lockedAt, &disputedAt, &closedAt, &e.UpdatedAt,
		&unresolved,
	)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.Arbitrator = arbitrator.String
	e.LockRef = lockRef.String
	e.LockTxHash = lockTx.String
	e.DisputeID = disputeID.String
	e.Outcome = outc.String
	e.LockedAt = timePtr(lockedAt)
	e.DisputedAt = timePtr(disputedAt)
	e.ClosedAt = timePtr(closedAt)
	e.LockUnresolvedAt = timePtr(unresolved)
	if err := json.Unmarshal(conditions, &e.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions of %s: %w", e.ID, err)
	}
	if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", e.ID, err)
	}
	return e, nil
}

func encodeJSON(e *Escrow) ([]byte, []byte, error) {
	conds := e.Conditions
	if conds == nil {
		conds = []Condition{}
	}
	conditions, err := json.Marshal(conds)
	if err != nil {
		return nil, nil, err
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, nil, err
	}
	return conditions, metadata, nil
}

func limitOr(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ Store = (*PostgresStore)(nil)
