package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/mbd888/luxescrow/internal/fees"
	"github.com/mbd888/luxescrow/internal/idgen"
	"github.com/mbd888/luxescrow/internal/logging"
	"github.com/mbd888/luxescrow/internal/syncutil"
	"github.com/shopspring/decimal"
)

// Service manages subscriptions and monthly volume.
type Service struct {
	store  Store
	biller Biller
	logger *slog.Logger
	now    func() time.Time
	locks  syncutil.KeyLock
}

// NewService creates a subscription service.
func NewService(store Store) *Service {
	return &Service{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithBiller attaches recurring billing.
func (s *Service) WithBiller(b Biller) *Service {
	s.biller = b
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Subscribe starts a plan for wallet. A wallet whose previous plan was
// cancelled or expired starts a fresh period on the same record.
func (s *Service) Subscribe(ctx context.Context, wallet string, tier Tier, cycle BillingCycle) (*Subscription, error) {
	const op = "subscription.Subscribe"
	if wallet == "" {
		return nil, apperr.Validation(op, errors.New("wallet is required"), "wallet: is required")
	}
	if !ValidTier(tier) {
		return nil, apperr.Validation(op, fmt.Errorf("%w: %q", ErrInvalidTier, tier))
	}
	if cycle == "" {
		cycle = CycleMonthly
	}
	if cycle != CycleMonthly && cycle != CycleAnnual {
		return nil, apperr.Validation(op, fmt.Errorf("%w: %q", ErrInvalidCycle, cycle))
	}

	unlock := s.locks.Lock(walletKey(wallet))
	defer unlock()

	existing, err := s.store.GetByWallet(ctx, wallet)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil && (existing.Status == StatusActive || existing.Status == StatusSuspended) {
		return nil, apperr.State(op, ErrAlreadySubscribed)
	}

	now := s.now()
	sub := existing
	if sub == nil {
		sub = &Subscription{ID: idgen.WithPrefix("sub_"), Wallet: wallet, CreatedAt: now}
	}
	sub.Tier = tier
	sub.Cycle = cycle
	sub.Status = StatusActive
	sub.MonthlyVolumeUSD = decimal.Zero
	sub.PeriodStart = now
	sub.NextBillingAt = cycle.Period(now)
	sub.UpdatedAt = now

	if s.biller != nil {
		customerID, subID, err := s.biller.Start(ctx, wallet, tier, cycle)
		if err != nil {
			return nil, apperr.Backend(op, "billing", err)
		}
		if customerID != "" {
			sub.StripeCustomerID = customerID
		}
		sub.StripeSubscriptionID = subID
	}

	if existing == nil {
		err = s.store.Create(ctx, sub)
	} else {
		err = s.store.Update(ctx, sub)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("subscription started", "wallet", wallet, "tier", tier, "cycle", cycle)
	return sub, nil
}

// Get returns the wallet's subscription.
func (s *Service) Get(ctx context.Context, wallet string) (*Subscription, error) {
	sub, err := s.store.GetByWallet(ctx, wallet)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("subscription.Get", err)
	}
	return sub, err
}

// Cancel ends the subscription immediately; the discount stops applying.
func (s *Service) Cancel(ctx context.Context, wallet string) (*Subscription, error) {
	return s.transition(ctx, "subscription.Cancel", wallet, StatusCancelled, func(sub *Subscription) error {
		if s.biller == nil {
			return nil
		}
		return s.biller.Cancel(ctx, sub.StripeSubscriptionID)
	}, StatusActive, StatusSuspended)
}

// Suspend pauses the discount, e.g. after a failed payment.
func (s *Service) Suspend(ctx context.Context, wallet string) (*Subscription, error) {
	return s.transition(ctx, "subscription.Suspend", wallet, StatusSuspended, nil, StatusActive)
}

// Resume reactivates a suspended subscription.
func (s *Service) Resume(ctx context.Context, wallet string) (*Subscription, error) {
	return s.transition(ctx, "subscription.Resume", wallet, StatusActive, nil, StatusSuspended)
}

func (s *Service) transition(ctx context.Context, op, wallet string, to Status, hook func(*Subscription) error, from ...Status) (*Subscription, error) {
	unlock := s.locks.Lock(walletKey(wallet))
	defer unlock()

	sub, err := s.store.GetByWallet(ctx, wallet)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound(op, err)
	}
	if err != nil {
		return nil, err
	}
	allowed := false
	for _, st := range from {
		if sub.Status == st {
			allowed = true
		}
	}
	if !allowed {
		return nil, apperr.State(op, fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, sub.Status, to))
	}
	if hook != nil {
		if err := hook(sub); err != nil {
			return nil, apperr.Backend(op, "billing", err)
		}
	}
	sub.Status = to
	sub.UpdatedAt = s.now()
	if err := s.store.Update(ctx, sub); err != nil {
		return nil, err
	}
	s.logger.Info("subscription status changed", "wallet", wallet, "status", to)
	return sub, nil
}

// ChangeTier moves an active subscription to another tier.
func (s *Service) ChangeTier(ctx context.Context, wallet string, tier Tier) (*Subscription, error) {
	const op = "subscription.ChangeTier"
	if !ValidTier(tier) {
		return nil, apperr.Validation(op, fmt.Errorf("%w: %q", ErrInvalidTier, tier))
	}
	unlock := s.locks.Lock(walletKey(wallet))
	defer unlock()

	sub, err := s.store.GetByWallet(ctx, wallet)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound(op, err)
	}
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusActive {
		return nil, apperr.State(op, fmt.Errorf("%w: %s", ErrInvalidStatus, sub.Status))
	}
	sub.Tier = tier
	sub.UpdatedAt = s.now()
	if err := s.store.Update(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// RecordUsage adds a completed escrow to the wallet's monthly volume and,
// for subscribers, to the billing period's volume and cumulative savings.
func (s *Service) RecordUsage(ctx context.Context, wallet string, amountUSD, savingsUSD decimal.Decimal) error {
	unlock := s.locks.Lock(walletKey(wallet))
	defer unlock()

	now := s.now()
	if err := s.store.AddUsage(ctx, wallet, UsageMonth(now), amountUSD); err != nil {
		return fmt.Errorf("record monthly usage: %w", err)
	}

	sub, err := s.store.GetByWallet(ctx, wallet)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sub.IsActive() {
		return nil
	}
	s.rollover(sub, now)
	sub.MonthlyVolumeUSD = sub.MonthlyVolumeUSD.Add(amountUSD)
	sub.TotalSavingsUSD = sub.TotalSavingsUSD.Add(savingsUSD)
	sub.UpdatedAt = now
	return s.store.Update(ctx, sub)
}

// FeeTerms returns the inputs the fee engine needs for wallet.
func (s *Service) FeeTerms(ctx context.Context, wallet string) (*fees.Subscription, decimal.Decimal, error) {
	volume, err := s.store.MonthlyUsage(ctx, wallet, UsageMonth(s.now()))
	if err != nil {
		return nil, decimal.Zero, err
	}
	sub, err := s.store.GetByWallet(ctx, wallet)
	if errors.Is(err, ErrNotFound) {
		return nil, volume, nil
	}
	if err != nil {
		return nil, decimal.Zero, err
	}
	return &fees.Subscription{
		Tier:     string(sub.Tier),
		Discount: Plans[sub.Tier].Discount,
		Active:   sub.IsActive(),
	}, volume, nil
}

// ProcessDue renews active subscriptions whose period ended and expires
// suspended ones. Returns how many were processed.
func (s *Service) ProcessDue(ctx context.Context, limit int) (int, error) {
	now := s.now()
	due, err := s.store.ListDue(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, sub := range due {
		if err := s.processOne(ctx, sub.Wallet, now); err != nil {
			logging.L(ctx).Warn("failed to process due subscription", "wallet", sub.Wallet, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

func (s *Service) processOne(ctx context.Context, wallet string, now time.Time) error {
	unlock := s.locks.Lock(walletKey(wallet))
	defer unlock()

	sub, err := s.store.GetByWallet(ctx, wallet)
	if err != nil {
		return err
	}
	switch sub.Status {
	case StatusActive:
		s.rollover(sub, now)
	case StatusSuspended:
		if !now.After(sub.NextBillingAt) {
			return nil
		}
		sub.Status = StatusExpired
		s.logger.Info("subscription expired", "wallet", wallet)
	default:
		return nil
	}
	sub.UpdatedAt = now
	return s.store.Update(ctx, sub)
}

// rollover advances the billing period past now, resetting period volume.
func (s *Service) rollover(sub *Subscription, now time.Time) {
	for !now.Before(sub.NextBillingAt) {
		sub.PeriodStart = sub.NextBillingAt
		sub.NextBillingAt = sub.Cycle.Period(sub.PeriodStart)
		sub.MonthlyVolumeUSD = decimal.Zero
	}
}
