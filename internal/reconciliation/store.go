package reconciliation

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory gap store for demo/development mode.
type MemoryStore struct {
	mu   sync.RWMutex
	gaps map[string]*Gap
}

// NewMemoryStore creates a new in-memory gap store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{gaps: make(map[string]*Gap)}
}

func (m *MemoryStore) Create(_ context.Context, g *Gap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.gaps[g.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Gap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gaps[id]
	if !ok {
		return nil, ErrGapNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, openOnly bool, limit int) ([]*Gap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Gap
	for _, g := range m.gaps {
		if openOnly && g.Resolved {
			continue
		}
		cp := *g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Resolve(_ context.Context, id, resolution string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gaps[id]
	if !ok {
		return ErrGapNotFound
	}
	g.Resolved = true
	g.Resolution = resolution
	g.ResolvedAt = &at
	return nil
}

func (m *MemoryStore) CountOpen(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, g := range m.gaps {
		if !g.Resolved {
			n++
		}
	}
	return n, nil
}

// PostgresStore persists gaps in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed gap store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const gapColumns = `id, kind, reference, detail, resolved, resolution, created_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, g *Gap) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reconciliation_gaps (`+gapColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		g.ID, g.Kind, g.Reference, g.Detail, g.Resolved, g.Resolution, g.CreatedAt, g.ResolvedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Gap, error) {
	return scanGap(p.db.QueryRowContext(ctx, `SELECT `+gapColumns+` FROM reconciliation_gaps WHERE id = $1`, id))
}

func (p *PostgresStore) List(ctx context.Context, openOnly bool, limit int) ([]*Gap, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+gapColumns+` FROM reconciliation_gaps
		WHERE NOT resolved OR NOT $1
		ORDER BY created_at DESC
		LIMIT $2`, openOnly, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Gap
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Resolve(ctx context.Context, id, resolution string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE reconciliation_gaps SET resolved = TRUE, resolution = $2, resolved_at = $3
		WHERE id = $1`, id, resolution, at)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrGapNotFound
	}
	return nil
}

func (p *PostgresStore) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reconciliation_gaps WHERE NOT resolved`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGap(row scanner) (*Gap, error) {
	g := &Gap{}
	var resolvedAt sql.NullTime
	err := row.Scan(&g.ID, &g.Kind, &g.Reference, &g.Detail, &g.Resolved, &g.Resolution, &g.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGapNotFound
	}
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		g.ResolvedAt = &resolvedAt.Time
	}
	return g, nil
}

var (
	_ GapStore = (*MemoryStore)(nil)
	_ GapStore = (*PostgresStore)(nil)
)
