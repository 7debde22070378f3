package brokers

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory broker store for demo/development.
type MemoryStore struct {
	mu      sync.RWMutex
	brokers map[string]*Broker
	wallets map[string]string
	codes   map[string]string
}

// NewMemoryStore creates a new in-memory broker store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		brokers: make(map[string]*Broker),
		wallets: make(map[string]string),
		codes:   make(map[string]string),
	}
}

func walletKey(wallet string) string { return strings.ToLower(wallet) }

func (m *MemoryStore) Create(_ context.Context, b *Broker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wallets[walletKey(b.Wallet)]; ok {
		return ErrDuplicate
	}
	if _, ok := m.codes[b.ReferralCode]; ok {
		return ErrDuplicateCode
	}
	cp := *b
	m.brokers[b.ID] = &cp
	m.wallets[walletKey(b.Wallet)] = b.ID
	m.codes[b.ReferralCode] = b.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Broker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyOf(id)
}

func (m *MemoryStore) GetByWallet(_ context.Context, wallet string) (*Broker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyOf(m.wallets[walletKey(wallet)])
}

func (m *MemoryStore) GetByReferralCode(_ context.Context, code string) (*Broker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyOf(m.codes[code])
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Broker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Broker, 0, len(m.brokers))
	for _, b := range m.brokers {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetActive(_ context.Context, id string, active bool) error {
	return m.mutate(id, func(b *Broker) { b.Active = active })
}

func (m *MemoryStore) AddReferral(_ context.Context, id string) error {
	return m.mutate(id, func(b *Broker) { b.TotalReferrals++ })
}

func (m *MemoryStore) AddSale(_ context.Context, id string, saleUSD, commissionUSD decimal.Decimal) error {
	return m.mutate(id, func(b *Broker) {
		b.TotalSalesUSD = b.TotalSalesUSD.Add(saleUSD)
		b.TotalCommissionUSD = b.TotalCommissionUSD.Add(commissionUSD)
	})
}

func (m *MemoryStore) mutate(id string, fn func(*Broker)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.brokers[id]
	if !ok {
		return ErrNotFound
	}
	fn(b)
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) copyOf(id string) (*Broker, error) {
	b, ok := m.brokers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
