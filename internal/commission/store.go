package commission

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"

	"github.com/lib/pq"
)

// RecordStore persists paid commission records.
type RecordStore interface {
	Create(ctx context.Context, r *Record) error
	GetBySale(ctx context.Context, saleID string) (*Record, error)
	ListByBroker(ctx context.Context, brokerID string, limit int) ([]*Record, error)
}

// MemoryRecordStore is an in-memory record store for demo/development.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]*Record // by sale id
}

// NewMemoryRecordStore creates a new in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]*Record)}
}

func (m *MemoryRecordStore) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.SaleID]; ok {
		return ErrRecordExists
	}
	cp := *r
	m.records[r.SaleID] = &cp
	return nil
}

func (m *MemoryRecordStore) GetBySale(_ context.Context, saleID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[saleID]
	if !ok {
		return nil, ErrRecordMissing
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRecordStore) ListByBroker(_ context.Context, brokerID string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, r := range m.records {
		if r.BrokerID == brokerID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PostgresRecordStore persists commission records in PostgreSQL.
type PostgresRecordStore struct {
	db *sql.DB
}

// NewPostgresRecordStore creates a new PostgreSQL-backed record store.
func NewPostgresRecordStore(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

const recordColumns = `id, sale_id, broker_id, broker_wallet, chain, sale_usd, rate, amount_usd,
	tx_hash, status, created_at`

func (p *PostgresRecordStore) Create(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO commission_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.SaleID, r.BrokerID, r.BrokerWallet, r.Chain, r.SaleUSD, r.Rate, r.AmountUSD,
		r.TxHash, string(r.Status), r.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrRecordExists
		}
		return err
	}
	return nil
}

func (p *PostgresRecordStore) GetBySale(ctx context.Context, saleID string) (*Record, error) {
	return scanRecord(p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM commission_records WHERE sale_id = $1`, saleID))
}

func (p *PostgresRecordStore) ListByBroker(ctx context.Context, brokerID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM commission_records
		WHERE broker_id = $1 ORDER BY created_at DESC LIMIT $2`, brokerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	r := &Record{}
	var status string
	err := row.Scan(&r.ID, &r.SaleID, &r.BrokerID, &r.BrokerWallet, &r.Chain, &r.SaleUSD, &r.Rate,
		&r.AmountUSD, &r.TxHash, &status, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordMissing
	}
	if err != nil {
		return nil, err
	}
	r.Status = RecordStatus(status)
	return r, nil
}

var (
	_ RecordStore = (*MemoryRecordStore)(nil)
	_ RecordStore = (*PostgresRecordStore)(nil)
)
