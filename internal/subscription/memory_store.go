package subscription

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory subscription store for demo/development.
type MemoryStore struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription // by ID
	wallets map[string]string        // wallet → ID
	usage   map[string]decimal.Decimal
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:    make(map[string]*Subscription),
		wallets: make(map[string]string),
		usage:   make(map[string]decimal.Decimal),
	}
}

func walletKey(wallet string) string { return strings.ToLower(wallet) }

func (m *MemoryStore) Create(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.wallets[walletKey(s.Wallet)]; exists {
		return ErrAlreadySubscribed
	}
	cp := *s
	m.subs[s.ID] = &cp
	m.wallets[walletKey(s.Wallet)] = s.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetByWallet(_ context.Context, wallet string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.wallets[walletKey(wallet)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.subs[id]
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.subs[s.ID] = &cp
	return nil
}

// ListDue returns active or suspended subscriptions whose period ended
// before the given time, oldest first.
func (m *MemoryStore) ListDue(_ context.Context, before time.Time, limit int) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Subscription
	for _, s := range m.subs {
		if (s.Status == StatusActive || s.Status == StatusSuspended) && s.NextBillingAt.Before(before) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextBillingAt.Before(out[j].NextBillingAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AddUsage(_ context.Context, wallet, month string, amountUSD decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := walletKey(wallet) + "|" + month
	m.usage[key] = m.usage[key].Add(amountUSD)
	return nil
}

func (m *MemoryStore) MonthlyUsage(_ context.Context, wallet, month string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage[walletKey(wallet)+"|"+month], nil
}

var _ Store = (*MemoryStore)(nil)
