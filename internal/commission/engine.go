package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/luxescrow/internal/amount"
	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/mbd888/luxescrow/internal/brokers"
	"github.com/mbd888/luxescrow/internal/chains"
	"github.com/mbd888/luxescrow/internal/idgen"
	"github.com/mbd888/luxescrow/internal/logging"
	"github.com/mbd888/luxescrow/internal/payout"
	"github.com/mbd888/luxescrow/internal/validation"
	"github.com/shopspring/decimal"
)

// BrokerBook resolves referral codes and accrues broker sales.
type BrokerBook interface {
	ResolveReferral(ctx context.Context, code string) (*brokers.Broker, brokers.Tier, error)
	RecordSale(ctx context.Context, brokerID string, saleUSD, commissionUSD decimal.Decimal) error
}

// ChainPayer is the subset of the chain adapter a split needs.
type ChainPayer interface {
	IsChainSupported(id string) bool
	ValidateAddress(chainID, addr string) error
	USDToNative(ctx context.Context, chainID string, usd decimal.Decimal) (*big.Int, error)
	SendPayment(ctx context.Context, chainID string, p chains.Payout) (*chains.Receipt, error)
}

// Engine computes, validates and executes commission splits.
type Engine struct {
	brokers         BrokerBook
	chains          ChainPayer
	executor        *payout.Executor
	records         RecordStore
	platformWallets map[string]string
	gaps            payout.GapRecorder
	logger          *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithGapRecorder reports persistence failures after a confirmed payment.
func WithGapRecorder(g payout.GapRecorder) Option {
	return func(e *Engine) { e.gaps = g }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a commission engine. platformWallets maps chain id to
// the wallet that receives the platform share on that chain.
func NewEngine(b BrokerBook, c ChainPayer, executor *payout.Executor, records RecordStore, platformWallets map[string]string, opts ...Option) *Engine {
	e := &Engine{
		brokers:         b,
		chains:          c,
		executor:        executor,
		records:         records,
		platformWallets: platformWallets,
		logger:          slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// CalculateRequest is the input to CalculateSplit.
type CalculateRequest struct {
	Chain        string          `json:"chain"`
	SaleUSD      decimal.Decimal `json:"saleUsd"`
	SellerWallet string          `json:"sellerWallet"`
	ReferralCode string          `json:"referralCode,omitempty"`
}

// CalculateSplit divides a sale: the broker found by referral code earns
// its tier rate, the platform takes PlatformRate and the seller receives
// the remainder.
func (e *Engine) CalculateSplit(ctx context.Context, req CalculateRequest) (*Split, error) {
	const op = "commission.CalculateSplit"
	if !req.SaleUSD.IsPositive() {
		return nil, apperr.Validation(op, fmt.Errorf("%w: sale amount must be positive", ErrInvalidSplit),
			"saleUsd: must be greater than zero")
	}
	if !e.chains.IsChainSupported(req.Chain) {
		return nil, apperr.Validation(op, fmt.Errorf("%w: %q", chains.ErrUnsupportedChain, req.Chain))
	}
	platform, ok := e.platformWallets[req.Chain]
	if !ok {
		return nil, apperr.Validation(op, fmt.Errorf("%w: %s", ErrNoPlatform, req.Chain))
	}

	split := &Split{
		Chain:          req.Chain,
		SellerWallet:   req.SellerWallet,
		PlatformWallet: platform,
		TotalUSD:       amount.USD(req.SaleUSD),
		BrokerUSD:      decimal.Zero,
		CommissionRate: decimal.Zero,
	}
	if code := strings.TrimSpace(req.ReferralCode); code != "" {
		b, tier, err := e.brokers.ResolveReferral(ctx, code)
		if err != nil {
			return nil, err
		}
		split.BrokerID = b.ID
		split.BrokerWallet = b.Wallet
		split.BrokerTier = tier.ID
		split.CommissionRate = amount.Rate(tier.Rate)
		split.BrokerUSD = amount.USD(split.TotalUSD.Mul(split.CommissionRate))
	}
	split.PlatformUSD = amount.USD(split.TotalUSD.Mul(PlatformRate))
	split.SellerUSD = split.TotalUSD.Sub(split.BrokerUSD).Sub(split.PlatformUSD)
	return split, nil
}

// ValidateSplit reports every violated rule at once.
func (e *Engine) ValidateSplit(s *Split) error {
	check := func(v string) error { return e.chains.ValidateAddress(s.Chain, v) }
	sum := s.SellerUSD.Add(s.BrokerUSD).Add(s.PlatformUSD)
	errs := validation.Validate(
		validation.Check("chain", e.chains.IsChainSupported(s.Chain), "unsupported chain "+s.Chain),
		validation.Required("sellerWallet", s.SellerWallet),
		validation.Address("sellerWallet", s.SellerWallet, check),
		validation.Required("platformWallet", s.PlatformWallet),
		validation.Address("platformWallet", s.PlatformWallet, check),
		validation.Address("brokerWallet", s.BrokerWallet, check),
		validation.Check("brokerWallet", s.BrokerWallet != "" || s.BrokerUSD.IsZero(), "broker share without broker wallet"),
		validation.Positive("totalUsd", s.TotalUSD),
		validation.Check("sellerUsd", !s.SellerUSD.IsNegative(), "must not be negative"),
		validation.Check("brokerUsd", !s.BrokerUSD.IsNegative(), "must not be negative"),
		validation.Check("platformUsd", !s.PlatformUSD.IsNegative(), "must not be negative"),
		validation.Check("totalUsd", sum.Sub(s.TotalUSD).Abs().LessThanOrEqual(SumTolerance),
			fmt.Sprintf("shares sum to %s, not %s", sum.StringFixed(2), s.TotalUSD.StringFixed(2))),
		validation.Between("commissionRate", s.CommissionRate, decimal.Zero, MaxCommissionRate),
	)
	if len(errs) > 0 {
		return apperr.Consistency("commission.ValidateSplit", ErrInvalidSplit, errs.Strings()...)
	}
	return nil
}

// ExecuteSplit pays the seller, platform and broker legs in that order.
// saleID keys the legs, so calling it again after a partial failure only
// submits the legs that have not confirmed.
func (e *Engine) ExecuteSplit(ctx context.Context, saleID string, s *Split) (*Result, error) {
	const op = "commission.ExecuteSplit"
	if saleID == "" {
		return nil, apperr.Validation(op, errors.New("sale id is required"), "saleId: is required")
	}
	if err := e.ValidateSplit(s); err != nil {
		return nil, err
	}

	type plan struct {
		role   payout.Role
		to     string
		usd    decimal.Decimal
		kind   string
		broker bool
	}
	plans := []plan{
		{role: payout.RoleSeller, to: s.SellerWallet, usd: s.SellerUSD, kind: "seller_proceeds"},
		{role: payout.RolePlatform, to: s.PlatformWallet, usd: s.PlatformUSD, kind: "platform_fee"},
	}
	if s.HasBroker() {
		plans = append(plans, plan{role: payout.RoleBroker, to: s.BrokerWallet, usd: s.BrokerUSD, kind: "broker_commission", broker: true})
	}

	result := &Result{SaleID: saleID, Split: s}
	var succeeded []payout.Role
	for _, p := range plans {
		if !p.usd.IsPositive() {
			continue
		}
		native, err := e.chains.USDToNative(ctx, s.Chain, p.usd)
		if err != nil {
			return result, &PayoutError{SaleID: saleID, Failed: p.role, Succeeded: succeeded, Err: err}
		}
		leg, err := e.executor.Execute(ctx, &payout.Leg{
			Reference: saleID,
			Role:      p.role,
			Chain:     s.Chain,
			To:        p.to,
			Amount:    native,
			AmountUSD: p.usd,
			Memo: chains.Memo{
				Type:      p.kind,
				Reference: saleID,
				SaleUSD:   s.TotalUSD.StringFixed(2),
				Rate:      s.CommissionRate.String(),
			},
		}, func(ctx context.Context, po chains.Payout) (*chains.Receipt, error) {
			return e.chains.SendPayment(ctx, s.Chain, po)
		})
		if leg != nil {
			result.Legs = append(result.Legs, leg)
		}
		if err != nil {
			return result, &PayoutError{SaleID: saleID, Failed: p.role, Succeeded: succeeded, Err: err}
		}
		succeeded = append(succeeded, p.role)
		if p.broker {
			result.Record = e.recordCommission(ctx, saleID, s, leg)
		}
	}

	e.logger.Info("commission split paid", "saleId", saleID, "chain", s.Chain,
		"total", s.TotalUSD.StringFixed(2), "broker", s.BrokerID, "legs", len(result.Legs))
	return result, nil
}

// recordCommission persists the paid broker commission and accrues the
// sale to the broker. Failures here are logged as reconciliation gaps; the
// payment already confirmed.
func (e *Engine) recordCommission(ctx context.Context, saleID string, s *Split, leg *payout.Leg) *Record {
	rec := &Record{
		ID:           idgen.WithPrefix("com_"),
		SaleID:       saleID,
		BrokerID:     s.BrokerID,
		BrokerWallet: s.BrokerWallet,
		Chain:        s.Chain,
		SaleUSD:      s.TotalUSD,
		Rate:         s.CommissionRate,
		AmountUSD:    s.BrokerUSD,
		TxHash:       leg.TxHash,
		Status:       RecordPaid,
		CreatedAt:    time.Now(),
	}
	err := e.records.Create(ctx, rec)
	if errors.Is(err, ErrRecordExists) {
		existing, gerr := e.records.GetBySale(ctx, saleID)
		if gerr == nil {
			return existing
		}
		return rec
	}
	if err != nil {
		logging.Critical(ctx, e.logger, "commission paid but record not saved",
			"saleId", saleID, "brokerId", s.BrokerID, "txHash", leg.TxHash, "error", err)
		e.recordGap(ctx, saleID, "commission record: "+err.Error())
		return rec
	}
	if err := e.brokers.RecordSale(ctx, s.BrokerID, s.TotalUSD, s.BrokerUSD); err != nil {
		logging.Critical(ctx, e.logger, "commission paid but broker totals not updated",
			"saleId", saleID, "brokerId", s.BrokerID, "error", err)
		e.recordGap(ctx, saleID, "broker totals: "+err.Error())
	}
	return rec
}

func (e *Engine) recordGap(ctx context.Context, ref, detail string) {
	if e.gaps != nil {
		e.gaps.RecordGap(ctx, payout.GapPersistence, ref, detail)
	}
}

// RecordsByBroker returns a broker's paid commissions, newest first.
func (e *Engine) RecordsByBroker(ctx context.Context, brokerID string, limit int) ([]*Record, error) {
	return e.records.ListByBroker(ctx, brokerID, limit)
}
