package payout

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory leg store for demo/development.
type MemoryStore struct {
	mu   sync.Mutex
	legs map[string]*Leg
}

// NewMemoryStore creates a new in-memory leg store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{legs: make(map[string]*Leg)}
}

func (m *MemoryStore) Claim(_ context.Context, leg *Leg) (*Leg, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	existing, ok := m.legs[leg.Key()]
	if ok && existing.Status != StatusFailed {
		return copyLeg(existing), false, nil
	}

	cp := copyLeg(leg)
	cp.Status = StatusInFlight
	cp.TxHash, cp.ResultCode, cp.Error = "", "", ""
	cp.UpdatedAt = now
	if ok {
		cp.Attempts = existing.Attempts + 1
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.Attempts = 1
		cp.CreatedAt = now
	}
	m.legs[leg.Key()] = cp
	return copyLeg(cp), true, nil
}

func (m *MemoryStore) Finish(_ context.Context, leg *Leg) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.legs[leg.Key()]
	if !ok {
		return ErrNotFound
	}
	existing.Status = leg.Status
	existing.TxHash = leg.TxHash
	existing.ResultCode = leg.ResultCode
	existing.Error = leg.Error
	existing.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, reference string, role Role) (*Leg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.legs[reference+":"+string(role)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyLeg(l), nil
}

func (m *MemoryStore) ListByReference(_ context.Context, reference string) ([]*Leg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Leg
	for _, l := range m.legs {
		if l.Reference == reference {
			out = append(out, copyLeg(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, before time.Time, limit int) ([]*Leg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Leg
	for _, l := range m.legs {
		if l.Status == status && l.UpdatedAt.Before(before) {
			out = append(out, copyLeg(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyLeg(l *Leg) *Leg {
	cp := *l
	if l.Amount != nil {
		cp.Amount = new(big.Int).Set(l.Amount)
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
