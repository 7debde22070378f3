package escrow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

func (m *MemoryStore) Create(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

func (m *MemoryStore) Update(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; !ok {
		return ErrEscrowNotFound
	}
	m.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (m *MemoryStore) ListByParty(_ context.Context, addr string, limit int) ([]*Escrow, error) {
	return m.list(limit, func(e *Escrow) bool {
		return strings.EqualFold(e.Buyer, addr) || strings.EqualFold(e.Seller, addr)
	}), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Escrow, error) {
	return m.list(limit, func(e *Escrow) bool { return e.Status == status }), nil
}

func (m *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*Escrow, error) {
	return m.list(limit, func(e *Escrow) bool {
		return e.Status == StatusPending && e.ExpiresAt.Before(before)
	}), nil
}

// list returns matching escrows, oldest first.
func (m *MemoryStore) list(limit int, match func(*Escrow) bool) []*Escrow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if match(e) {
			result = append(result, copyEscrow(e))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// copyEscrow deep-copies conditions and optional timestamps so callers
// never share state with the store.
func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	cp.Conditions = make([]Condition, len(e.Conditions))
	for i, c := range e.Conditions {
		c.FulfilledAt = copyTime(c.FulfilledAt)
		c.Confirmations = append([]string(nil), c.Confirmations...)
		cp.Conditions[i] = c
	}
	cp.LockedAt = copyTime(e.LockedAt)
	cp.LockUnresolvedAt = copyTime(e.LockUnresolvedAt)
	cp.DisputedAt = copyTime(e.DisputedAt)
	cp.ClosedAt = copyTime(e.ClosedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ Store = (*MemoryStore)(nil)
