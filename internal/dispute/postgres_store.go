package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists arbitrators, cases and votes in PostgreSQL.
// Votes live in their own table with a (case_id, arbitrator_id) primary key
// so a second vote is rejected by the database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const arbitratorColumns = `id, wallet, name, tier, reputation, total_cases, correct_votes, success_rate,
	specializations, stake_usd, rewards_usd, active, created_at, updated_at`

func (p *PostgresStore) CreateArbitrator(ctx context.Context, a *Arbitrator) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO arbitrators (`+arbitratorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.ID, a.Wallet, a.Name, string(a.Tier), a.Reputation, a.TotalCases, a.CorrectVotes, a.SuccessRate,
		pq.Array(a.Specializations), a.StakeUSD, a.RewardsUSD, a.Active, a.CreatedAt, a.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateArbitrator
	}
	return err
}

func (p *PostgresStore) GetArbitrator(ctx context.Context, id string) (*Arbitrator, error) {
	a, err := scanArbitrator(p.db.QueryRowContext(ctx, `SELECT `+arbitratorColumns+` FROM arbitrators WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArbitratorNotFound
	}
	return a, err
}

func (p *PostgresStore) UpdateArbitrator(ctx context.Context, a *Arbitrator) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE arbitrators SET
			name = $1, tier = $2, reputation = $3, total_cases = $4, correct_votes = $5, success_rate = $6,
			specializations = $7, stake_usd = $8, rewards_usd = $9, active = $10, updated_at = $11
		WHERE id = $12`,
		a.Name, string(a.Tier), a.Reputation, a.TotalCases, a.CorrectVotes, a.SuccessRate,
		pq.Array(a.Specializations), a.StakeUSD, a.RewardsUSD, a.Active, a.UpdatedAt, a.ID,
	)
	return affected(result, err, ErrArbitratorNotFound)
}

func (p *PostgresStore) ListArbitrators(ctx context.Context, activeOnly bool) ([]*Arbitrator, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+arbitratorColumns+` FROM arbitrators
		WHERE active OR NOT $1
		ORDER BY created_at ASC`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Arbitrator
	for rows.Next() {
		a, err := scanArbitrator(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

const caseColumns = `id, escrow_id, chain, title, description, category, amount_usd, initiator,
	initiator_wallet, evidence, required_tier, arbitrators, status, voting_deadline, resolution,
	settled, settlement_error, created_at, updated_at`

func (p *PostgresStore) CreateCase(ctx context.Context, c *Case) error {
	evidence, resolution, err := encodeCase(c)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO dispute_cases (`+caseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		c.ID, c.EscrowID, c.Chain, c.Title, c.Description, c.Category, c.AmountUSD, string(c.Initiator),
		c.InitiatorWallet, evidence, string(c.RequiredTier), pq.Array(c.Arbitrators), string(c.Status),
		c.VotingDeadline, resolution, c.Settled, c.SettlementError, c.CreatedAt, c.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		// dispute_cases_open_escrow: one voting case per escrow
		return ErrAlreadyOpen
	}
	return err
}

func (p *PostgresStore) GetCase(ctx context.Context, id string) (*Case, error) {
	c, err := scanCase(p.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM dispute_cases WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadVotes(ctx, []*Case{c}); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) UpdateCase(ctx context.Context, c *Case) error {
	evidence, resolution, err := encodeCase(c)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE dispute_cases SET
			evidence = $1, status = $2, resolution = $3, settled = $4, settlement_error = $5, updated_at = $6
		WHERE id = $7`,
		evidence, string(c.Status), resolution, c.Settled, c.SettlementError, c.UpdatedAt, c.ID,
	)
	return affected(result, err, ErrCaseNotFound)
}

// AppendVote inserts the vote only while the case is voting. The row lock
// on the case orders the insert against a concurrent resolution.
func (p *PostgresStore) AppendVote(ctx context.Context, caseID string, v Vote) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM dispute_cases WHERE id = $1 FOR UPDATE`, caseID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCaseNotFound
	}
	if err != nil {
		return err
	}
	if Status(status) != StatusVoting {
		return ErrVotingClosed
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dispute_votes (case_id, arbitrator_id, outcome, confidence, reasoning, weight, cast_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		caseID, v.ArbitratorID, string(v.Outcome), v.Confidence, v.Reasoning, v.Weight, v.CastAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyVoted
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ListCases(ctx context.Context, status Status, limit int) ([]*Case, error) {
	return p.queryCases(ctx, `
		SELECT `+caseColumns+` FROM dispute_cases
		WHERE $1 = '' OR status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limitOr(limit))
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Case, error) {
	return p.queryCases(ctx, `
		SELECT `+caseColumns+` FROM dispute_cases
		WHERE status = 'voting' AND voting_deadline < $1
		ORDER BY voting_deadline ASC
		LIMIT $2`, before, limitOr(limit))
}

func (p *PostgresStore) queryCases(ctx context.Context, q string, args ...any) ([]*Case, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := p.loadVotes(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// loadVotes fills the votes of cases in cast order.
func (p *PostgresStore) loadVotes(ctx context.Context, cases []*Case) error {
	if len(cases) == 0 {
		return nil
	}
	byID := make(map[string]*Case, len(cases))
	ids := make([]string, len(cases))
	for i, c := range cases {
		byID[c.ID] = c
		ids[i] = c.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT case_id, arbitrator_id, outcome, confidence, reasoning, weight, cast_at
		FROM dispute_votes
		WHERE case_id = ANY($1)
		ORDER BY cast_at ASC, arbitrator_id ASC`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			caseID, outcome string
			v               Vote
		)
		if err := rows.Scan(&caseID, &v.ArbitratorID, &outcome, &v.Confidence, &v.Reasoning, &v.Weight, &v.CastAt); err != nil {
			return err
		}
		v.Outcome = Outcome(outcome)
		if c, ok := byID[caseID]; ok {
			c.Votes = append(c.Votes, v)
		}
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArbitrator(row scanner) (*Arbitrator, error) {
	a := &Arbitrator{}
	var tier string
	err := row.Scan(
		&a.ID, &a.Wallet, &a.Name, &tier, &a.Reputation, &a.TotalCases, &a.CorrectVotes, &a.SuccessRate,
		pq.Array(&a.Specializations), &a.StakeUSD, &a.RewardsUSD, &a.Active, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Tier = Tier(tier)
	return a, nil
}

func scanCase(row scanner) (*Case, error) {
	c := &Case{}
	var (
		initiator, tier, status string
		evidence, resolution    []byte
	)
	err := row.Scan(
		&c.ID, &c.EscrowID, &c.Chain, &c.Title, &c.Description, &c.Category, &c.AmountUSD, &initiator,
		&c.InitiatorWallet, &evidence, &tier, pq.Array(&c.Arbitrators), &status, &c.VotingDeadline, &resolution,
		&c.Settled, &c.SettlementError, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Initiator = Party(initiator)
	c.RequiredTier = Tier(tier)
	c.Status = Status(status)
	if err := json.Unmarshal(evidence, &c.Evidence); err != nil {
		return nil, fmt.Errorf("decode evidence of %s: %w", c.ID, err)
	}
	if len(resolution) > 0 {
		c.Resolution = &Resolution{}
		if err := json.Unmarshal(resolution, c.Resolution); err != nil {
			return nil, fmt.Errorf("decode resolution of %s: %w", c.ID, err)
		}
	}
	return c, nil
}

func encodeCase(c *Case) ([]byte, []byte, error) {
	ev := c.Evidence
	if ev == nil {
		ev = []Evidence{}
	}
	evidence, err := json.Marshal(ev)
	if err != nil {
		return nil, nil, err
	}
	if c.Resolution == nil {
		return evidence, nil, nil
	}
	resolution, err := json.Marshal(c.Resolution)
	if err != nil {
		return nil, nil, err
	}
	return evidence, resolution, nil
}

func affected(result sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func limitOr(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

var _ Store = (*PostgresStore)(nil)
