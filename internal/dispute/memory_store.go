package dispute

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	mu          sync.RWMutex
	arbitrators map[string]*Arbitrator
	cases       map[string]*Case
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		arbitrators: make(map[string]*Arbitrator),
		cases:       make(map[string]*Case),
	}
}

func (m *MemoryStore) CreateArbitrator(_ context.Context, a *Arbitrator) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.arbitrators {
		if strings.EqualFold(existing.Wallet, a.Wallet) {
			return ErrDuplicateArbitrator
		}
	}
	m.arbitrators[a.ID] = copyArbitrator(a)
	return nil
}

func (m *MemoryStore) GetArbitrator(_ context.Context, id string) (*Arbitrator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.arbitrators[id]
	if !ok {
		return nil, ErrArbitratorNotFound
	}
	return copyArbitrator(a), nil
}

func (m *MemoryStore) UpdateArbitrator(_ context.Context, a *Arbitrator) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.arbitrators[a.ID]; !ok {
		return ErrArbitratorNotFound
	}
	m.arbitrators[a.ID] = copyArbitrator(a)
	return nil
}

func (m *MemoryStore) ListArbitrators(_ context.Context, activeOnly bool) ([]*Arbitrator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Arbitrator
	for _, a := range m.arbitrators {
		if activeOnly && !a.Active {
			continue
		}
		result = append(result, copyArbitrator(a))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) CreateCase(_ context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.cases {
		if existing.EscrowID == c.EscrowID && existing.Status == StatusVoting {
			return ErrAlreadyOpen
		}
	}
	m.cases[c.ID] = copyCase(c)
	return nil
}

func (m *MemoryStore) GetCase(_ context.Context, id string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return copyCase(c), nil
}

// UpdateCase keeps the stored votes; votes only change through AppendVote.
func (m *MemoryStore) UpdateCase(_ context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.cases[c.ID]
	if !ok {
		return ErrCaseNotFound
	}
	cp := copyCase(c)
	cp.Votes = existing.Votes
	m.cases[c.ID] = cp
	return nil
}

func (m *MemoryStore) AppendVote(_ context.Context, caseID string, v Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[caseID]
	if !ok {
		return ErrCaseNotFound
	}
	if c.Status != StatusVoting {
		return ErrVotingClosed
	}
	if c.HasVoted(v.ArbitratorID) {
		return ErrAlreadyVoted
	}
	c.Votes = append(c.Votes, v)
	return nil
}

func (m *MemoryStore) ListCases(_ context.Context, status Status, limit int) ([]*Case, error) {
	return m.list(limit, func(c *Case) bool { return status == "" || c.Status == status }), nil
}

func (m *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*Case, error) {
	return m.list(limit, func(c *Case) bool {
		return c.Status == StatusVoting && c.VotingDeadline.Before(before)
	}), nil
}

func (m *MemoryStore) list(limit int, match func(*Case) bool) []*Case {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Case
	for _, c := range m.cases {
		if match(c) {
			result = append(result, copyCase(c))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func copyArbitrator(a *Arbitrator) *Arbitrator {
	cp := *a
	cp.Specializations = append([]string(nil), a.Specializations...)
	return &cp
}

func copyCase(c *Case) *Case {
	cp := *c
	cp.Evidence = append([]Evidence(nil), c.Evidence...)
	cp.Arbitrators = append([]string(nil), c.Arbitrators...)
	cp.Votes = append([]Vote(nil), c.Votes...)
	if c.Resolution != nil {
		res := *c.Resolution
		res.Scores = make(map[Outcome]decimal.Decimal, len(c.Resolution.Scores))
		for k, v := range c.Resolution.Scores {
			res.Scores[k] = v
		}
		res.Rewards = append([]Reward(nil), c.Resolution.Rewards...)
		cp.Resolution = &res
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
