package brokers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/mbd888/luxescrow/internal/idgen"
	"github.com/shopspring/decimal"
)

const maxCodeAttempts = 5

// Service registers brokers and resolves referral codes to commission tiers.
type Service struct {
	store  Store
	tiers  []Tier
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTiers replaces the default commission table. An empty table keeps
// the default.
func WithTiers(tiers []Tier) Option {
	return func(s *Service) {
		if len(tiers) > 0 {
			s.tiers = tiers
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a broker service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, tiers: DefaultTiers, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Tiers returns the commission table in use.
func (s *Service) Tiers() []Tier { return s.tiers }

// Register creates a broker with a fresh referral code.
func (s *Service) Register(ctx context.Context, wallet, name string) (*Broker, error) {
	const op = "brokers.Register"
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, apperr.Validation(op, errors.New("wallet is required"), "wallet: is required")
	}
	now := time.Now()
	b := &Broker{
		ID:                 idgen.WithPrefix("brk_"),
		Wallet:             wallet,
		Name:               strings.TrimSpace(name),
		TotalSalesUSD:      decimal.Zero,
		TotalCommissionUSD: decimal.Zero,
		Active:             true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		b.ReferralCode = idgen.ReferralCode()
		err := s.store.Create(ctx, b)
		switch {
		case err == nil:
			s.logger.Info("broker registered", "brokerId", b.ID, "wallet", wallet)
			return b, nil
		case errors.Is(err, ErrDuplicateCode):
			continue
		case errors.Is(err, ErrDuplicate):
			return nil, apperr.State(op, err)
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: %w after %d attempts", op, ErrDuplicateCode, maxCodeAttempts)
}

// Get returns a broker by id.
func (s *Service) Get(ctx context.Context, id string) (*Broker, error) {
	b, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("brokers.Get", err)
	}
	return b, err
}

// List returns the most recently registered brokers.
func (s *Service) List(ctx context.Context, limit int) ([]*Broker, error) {
	return s.store.List(ctx, limit)
}

// TierOf returns the broker's current commission tier.
func (s *Service) TierOf(b *Broker) Tier {
	return TierFor(s.tiers, b.TotalReferrals, b.TotalSalesUSD)
}

// ResolveReferral returns the active broker owning code and its tier.
func (s *Service) ResolveReferral(ctx context.Context, code string) (*Broker, Tier, error) {
	const op = "brokers.ResolveReferral"
	code = strings.ToUpper(strings.TrimSpace(code))
	b, err := s.store.GetByReferralCode(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return nil, Tier{}, apperr.Validation(op, fmt.Errorf("%w: referral code %q", err, code),
			"referralCode: unknown")
	}
	if err != nil {
		return nil, Tier{}, err
	}
	if !b.Active {
		return nil, Tier{}, apperr.Validation(op, ErrInactive, "referralCode: broker is inactive")
	}
	return b, s.TierOf(b), nil
}

// RecordReferral counts a seller who signed up through the broker's code.
func (s *Service) RecordReferral(ctx context.Context, code string) error {
	b, _, err := s.ResolveReferral(ctx, code)
	if err != nil {
		return err
	}
	return s.store.AddReferral(ctx, b.ID)
}

// RecordSale adds a paid sale to the broker's totals. The next sale is
// priced at whatever tier the new totals reach.
func (s *Service) RecordSale(ctx context.Context, brokerID string, saleUSD, commissionUSD decimal.Decimal) error {
	if err := s.store.AddSale(ctx, brokerID, saleUSD, commissionUSD); err != nil {
		return fmt.Errorf("record broker sale: %w", err)
	}
	return nil
}

// Deactivate stops a broker's code from earning commission.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	err := s.store.SetActive(ctx, id, false)
	if errors.Is(err, ErrNotFound) {
		return apperr.NotFound("brokers.Deactivate", err)
	}
	return err
}
