package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/mbd888/luxescrow/internal/chains"
	"github.com/mbd888/luxescrow/internal/dispute"
	"github.com/mbd888/luxescrow/internal/events"
	"github.com/mbd888/luxescrow/internal/fees"
	"github.com/mbd888/luxescrow/internal/idgen"
	"github.com/mbd888/luxescrow/internal/logging"
	"github.com/mbd888/luxescrow/internal/metrics"
	"github.com/mbd888/luxescrow/internal/payout"
	"github.com/mbd888/luxescrow/internal/syncutil"
	"github.com/mbd888/luxescrow/internal/traces"
	"github.com/mbd888/luxescrow/internal/validation"
	"github.com/shopspring/decimal"
)

// ChainEscrow is the chain adapter surface escrow needs.
type ChainEscrow interface {
	GetChainConfig(id string) (chains.Chain, error)
	ValidateAddress(chainID, addr string) error
	USDToNative(ctx context.Context, chainID string, usd decimal.Decimal) (*big.Int, error)
	CreateEscrow(ctx context.Context, chainID string, req chains.LockRequest) (*chains.Receipt, error)
	ReleaseEscrow(ctx context.Context, chainID, ref string, p chains.Payout) (*chains.Receipt, error)
	RefundEscrow(ctx context.Context, chainID, ref string, p chains.Payout) (*chains.Receipt, error)
}

// FeeQuoter quotes the escrow fee paid by the buyer.
type FeeQuoter interface {
	CalculateEscrowFee(ctx context.Context, amountUSD decimal.Decimal, chainID, wallet string) (*fees.Quote, error)
}

// UsageRecorder accrues a buyer's monthly volume and fee savings.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, wallet string, amountUSD, savingsUSD decimal.Decimal) error
}

// DisputeOpener hands disputed escrows to arbitration.
type DisputeOpener interface {
	Open(ctx context.Context, req dispute.OpenRequest) (*dispute.Case, error)
	Withdraw(ctx context.Context, caseID, reason string) error
}

// Service implements the escrow lifecycle.
type Service struct {
	store           Store
	chains          ChainEscrow
	executor        *payout.Executor
	disputes        DisputeOpener
	fees            FeeQuoter
	usage           UsageRecorder
	events          events.Publisher
	gaps            payout.GapRecorder
	platformWallets map[string]string
	minHold         time.Duration
	defaultDays     int
	logger          *slog.Logger
	now             func() time.Time
	locks           syncutil.KeyLock // serializes transitions per escrow id
}

// NewService creates a new escrow service. Payout legs go through executor
// so a retried release never pays a leg twice.
func NewService(store Store, chains ChainEscrow, executor *payout.Executor) *Service {
	return &Service{
		store:       store,
		chains:      chains,
		executor:    executor,
		defaultDays: DefaultExpirationDays,
		logger:      slog.Default(),
		now:         time.Now,
	}
}

// WithDisputes enables InitiateDispute.
func (s *Service) WithDisputes(d DisputeOpener) *Service {
	s.disputes = d
	return s
}

// WithFees charges the quoted escrow fee to the platform wallet of each
// chain. Chains without a platform wallet are not charged.
func (s *Service) WithFees(q FeeQuoter, platformWallets map[string]string) *Service {
	s.fees = q
	s.platformWallets = platformWallets
	return s
}

// WithUsage accrues locked volume to the buyer's subscription.
func (s *Service) WithUsage(u UsageRecorder) *Service {
	s.usage = u
	return s
}

// WithEvents publishes every transition.
func (s *Service) WithEvents(p events.Publisher) *Service {
	s.events = p
	return s
}

// WithGapRecorder reports chain/store divergence.
func (s *Service) WithGapRecorder(g payout.GapRecorder) *Service {
	s.gaps = g
	return s
}

// WithMinHold sets the shortest allowed expiration.
func (s *Service) WithMinHold(d time.Duration) *Service {
	s.minHold = d
	return s
}

// WithDefaultExpiration sets the expiration used when a request omits one.
func (s *Service) WithDefaultExpiration(days int) *Service {
	if days > 0 {
		s.defaultDays = days
	}
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

// Create validates the sale, quotes the fee, prices the lock in native
// units and stores a pending escrow.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	const op = "escrow.Create"
	chain, err := s.chains.GetChainConfig(req.Chain)
	if err != nil {
		return nil, err
	}

	days := req.ExpirationDays
	if days == 0 {
		days = s.defaultDays
	}
	check := func(v string) error { return s.chains.ValidateAddress(req.Chain, v) }
	validators := []validation.Validator{
		validation.Required("buyer", req.Buyer),
		validation.Address("buyer", req.Buyer, check),
		validation.Required("seller", req.Seller),
		validation.Address("seller", req.Seller, check),
		validation.Address("arbitrator", req.Arbitrator, check),
		validation.Check("seller", req.Buyer == "" || !strings.EqualFold(req.Buyer, req.Seller), "must differ from buyer"),
		validation.Positive("amountUsd", req.AmountUSD),
		validation.Check("expirationDays", days > 0, "must be positive"),
		validation.Check("expirationDays", days <= 0 || time.Duration(days)*24*time.Hour >= s.minHold,
			fmt.Sprintf("%v: %d days is under %s", ErrHoldTooShort, days, s.minHold)),
		validation.Check("metadata.inspectionHours", req.Metadata.InspectionHours >= 0, "must not be negative"),
		validation.MaxLength("metadata.deliveryMethod", req.Metadata.DeliveryMethod, 100),
	}
	for i, c := range req.Conditions {
		field := fmt.Sprintf("conditions[%d]", i)
		validators = append(validators,
			validation.Check(field+".type", c.Type.Valid(), "unknown condition type "+string(c.Type)),
			validation.MaxLength(field+".description", c.Description, 500),
		)
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		return nil, apperr.Validation(op, errs, errs.Strings()...)
	}

	amountUSD := req.AmountUSD.Round(2)
	feeUSD, savings := decimal.Zero, decimal.Zero
	if _, ok := s.platformWallets[req.Chain]; ok && s.fees != nil {
		quote, err := s.fees.CalculateEscrowFee(ctx, amountUSD, req.Chain, req.Buyer)
		if err != nil {
			return nil, err
		}
		feeUSD, savings = quote.Fee, quote.Savings
	}
	native, err := s.chains.USDToNative(ctx, req.Chain, amountUSD.Add(feeUSD))
	if err != nil {
		return nil, err
	}
	if native.Sign() <= 0 {
		return nil, apperr.Validation(op, ErrInvalidAmount, "amountUsd: below the smallest unit of "+chain.Symbol)
	}

	now := s.now()
	e := &Escrow{
		ID:          idgen.ChainQualified(req.Chain, "esc_"),
		Chain:       req.Chain,
		AmountUSD:   amountUSD,
		FeeUSD:      feeUSD,
		FeeSavings:  savings,
		AssetAmount: native.String(),
		AssetSymbol: chain.Symbol,
		Buyer:       req.Buyer,
		Seller:      req.Seller,
		Arbitrator:  req.Arbitrator,
		Status:      StatusPending,
		Conditions:  seedConditions(req),
		Metadata:    req.Metadata,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(days) * 24 * time.Hour),
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to store escrow: %w", err)
	}

	s.transitioned(e, events.EscrowCreated)
	s.logger.Info("escrow created", "id", e.ID, "chain", e.Chain, "amountUsd", e.AmountUSD.StringFixed(2),
		"feeUsd", e.FeeUSD.StringFixed(2), "native", e.AssetAmount)
	return e, nil
}

// seedConditions puts the mandatory delivery confirmation first, then the
// inspection period when one is configured, then the caller's conditions.
func seedConditions(req CreateRequest) []Condition {
	delivery := Condition{Type: ConditionDelivery, Description: "Buyer confirms receipt of the item"}
	if req.Metadata.DeliveryMethod != "" {
		delivery.Description += " (" + req.Metadata.DeliveryMethod + ")"
	}
	out := []Condition{delivery}
	hasInspection := false
	for _, c := range req.Conditions {
		if c.Type == ConditionInspection {
			hasInspection = true
		}
	}
	if req.Metadata.InspectionHours > 0 && !hasInspection {
		out = append(out, Condition{
			Type:        ConditionInspection,
			Description: fmt.Sprintf("%d hour inspection period after delivery", req.Metadata.InspectionHours),
		})
	}
	for _, c := range req.Conditions {
		if c.Type == ConditionDelivery {
			if c.Description != "" {
				out[0].Description = c.Description
			}
			continue
		}
		out = append(out, Condition{Type: c.Type, Description: c.Description})
	}
	return out
}

// Get returns an escrow by id.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.load(ctx, "escrow.Get", id)
}

// ListByParty returns escrows where addr is buyer or seller.
func (s *Service) ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	return s.store.ListByParty(ctx, addr, limit)
}

// ListByStatus returns escrows in a status.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	return s.store.ListByStatus(ctx, status, limit)
}

// LockFunds locks the buyer's funds on the chain. The escrow stays pending
// unless the chain confirms the lock.
func (s *Service) LockFunds(ctx context.Context, id string) (*Escrow, error) {
	const op = "escrow.LockFunds"
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPending {
		return nil, apperr.State(op, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, id, e.Status))
	}
	if e.LockUnresolvedAt != nil {
		return nil, apperr.State(op, fmt.Errorf("%w: %s since %s", ErrLockUnresolved, id, e.LockUnresolvedAt.Format(time.RFC3339)))
	}
	if !s.now().Before(e.ExpiresAt) {
		return nil, apperr.State(op, fmt.Errorf("%w: %s expired at %s", ErrInvalidStatus, id, e.ExpiresAt.Format(time.RFC3339)))
	}

	ctx, span := traces.StartSpan(ctx, op, traces.EscrowID(e.ID), traces.Chain(e.Chain), traces.AmountUSD(e.AmountUSD.StringFixed(2)))
	rec, err := s.chains.CreateEscrow(ctx, e.Chain, chains.LockRequest{
		EscrowID:  e.ID,
		Buyer:     e.Buyer,
		Seller:    e.Seller,
		Amount:    e.Locked(),
		ExpiresAt: e.ExpiresAt,
		Memo:      chains.Memo{Type: "escrow_lock", EscrowID: e.ID, SaleUSD: e.AmountUSD.StringFixed(2)},
	})
	traces.End(span, err)
	if err != nil {
		if apperr.Is(err, apperr.KindOutcomeUnknown) {
			s.markLockUnresolved(ctx, e, err)
		}
		return nil, err
	}

	now := s.now()
	e.Status = StatusLocked
	e.LockRef = rec.Reference
	e.LockTxHash = rec.TxHash
	e.LockedAt = &now
	e.UpdatedAt = now
	if err := s.store.Update(ctx, e); err != nil {
		logging.Critical(ctx, s.logger, "funds locked on chain but escrow not updated",
			"id", e.ID, "txHash", rec.TxHash, "lockRef", rec.Reference, "error", err)
		s.recordGap(ctx, payout.GapPersistence, e.ID, "lock tx "+rec.TxHash+": "+err.Error())
		return nil, fmt.Errorf("funds locked (tx %s) but failed to update escrow: %w", rec.TxHash, err)
	}

	metrics.EscrowLockedUSD.WithLabelValues(e.Chain).Add(e.AmountUSD.InexactFloat64())
	s.transitioned(e, events.EscrowLocked)
	if s.usage != nil {
		if err := s.usage.RecordUsage(ctx, e.Buyer, e.AmountUSD, e.FeeSavings); err != nil {
			s.logger.Error("failed to record buyer volume", "id", e.ID, "buyer", e.Buyer, "error", err)
			s.recordGap(ctx, payout.GapPersistence, e.ID, "usage: "+err.Error())
		}
	}
	s.logger.Info("escrow funds locked", "id", e.ID, "txHash", e.LockTxHash)
	return e, nil
}

// markLockUnresolved records a lock whose outcome is unknown. The lock may
// have landed, so further locks and cancellation are refused until
// ResolveLock settles it.
func (s *Service) markLockUnresolved(ctx context.Context, e *Escrow, cause error) {
	// The caller's deadline has usually passed by now.
	ctx = context.WithoutCancel(ctx)
	logging.Critical(ctx, s.logger, "escrow lock outcome unknown", "id", e.ID, "chain", e.Chain, "error", cause)
	s.recordGap(ctx, payout.GapOutcomeUnknown, e.ID, "lock: "+cause.Error())

	now := s.now()
	e.LockUnresolvedAt = &now
	e.UpdatedAt = now
	if err := s.store.Update(ctx, e); err != nil {
		logging.Critical(ctx, s.logger, "failed to mark escrow lock unresolved", "id", e.ID, "error", err)
		s.recordGap(ctx, payout.GapPersistence, e.ID, "lock marker: "+err.Error())
	}
}

// ResolveLockRequest is an operator's finding on a lock whose outcome was
// unknown. Landed locks carry the on-chain reference.
type ResolveLockRequest struct {
	Landed    bool   `json:"landed"`
	Reference string `json:"reference"`
	TxHash    string `json:"txHash"`
}

// ResolveLock settles an unresolved lock. A landed lock moves the escrow
// to locked; otherwise the marker is cleared and LockFunds may be retried.
func (s *Service) ResolveLock(ctx context.Context, id string, req ResolveLockRequest) (*Escrow, error) {
	const op = "escrow.ResolveLock"
	if req.Landed {
		errs := validation.Validate(
			validation.Required("reference", req.Reference),
			validation.Required("txHash", req.TxHash),
		)
		if len(errs) > 0 {
			return nil, apperr.Validation(op, errs, errs.Strings()...)
		}
	}
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPending || e.LockUnresolvedAt == nil {
		return nil, apperr.State(op, fmt.Errorf("%w: %s has no unresolved lock", ErrInvalidStatus, id))
	}

	now := s.now()
	e.LockUnresolvedAt = nil
	e.UpdatedAt = now
	if req.Landed {
		e.Status = StatusLocked
		e.LockRef = req.Reference
		e.LockTxHash = req.TxHash
		e.LockedAt = &now
	}
	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}

	if !req.Landed {
		s.logger.Info("escrow lock resolved as not landed", "id", e.ID)
		return e, nil
	}
	metrics.EscrowLockedUSD.WithLabelValues(e.Chain).Add(e.AmountUSD.InexactFloat64())
	s.transitioned(e, events.EscrowLocked)
	if s.usage != nil {
		if err := s.usage.RecordUsage(ctx, e.Buyer, e.AmountUSD, e.FeeSavings); err != nil {
			s.logger.Error("failed to record buyer volume", "id", e.ID, "buyer", e.Buyer, "error", err)
			s.recordGap(ctx, payout.GapPersistence, e.ID, "usage: "+err.Error())
		}
	}
	s.logger.Info("escrow lock resolved as landed", "id", e.ID, "txHash", e.LockTxHash)
	return e, nil
}

// ConfirmCondition records confirmedBy's confirmation of the next open
// condition of type t. Confirming a fulfilled condition changes nothing.
// When the last condition is fulfilled and auto-release is on, the funds
// are released; a failed release returns the updated escrow together with
// an ErrAutoReleaseFailed error and leaves it locked for the timer to retry.
func (s *Service) ConfirmCondition(ctx context.Context, id string, t ConditionType, confirmedBy string) (*Escrow, error) {
	const op = "escrow.ConfirmCondition"
	if !t.Valid() {
		return nil, apperr.Validation(op, ErrInvalidCondition, "type: unknown condition type "+string(t))
	}
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusLocked {
		return nil, apperr.State(op, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, id, e.Status))
	}
	c := e.condition(t)
	if c == nil {
		return nil, apperr.NotFound(op, fmt.Errorf("%w: %s on %s", ErrConditionNotFound, t, id))
	}
	if c.Fulfilled {
		return e, nil
	}
	if t == ConditionInspection {
		if d := e.condition(ConditionDelivery); d != nil && !d.Fulfilled {
			return nil, apperr.State(op, fmt.Errorf("%w: inspection starts after delivery is confirmed", ErrInvalidStatus))
		}
	}

	party := e.Party(confirmedBy)
	changed, err := confirm(e, c, party, confirmedBy, s.now())
	if err != nil {
		return nil, apperr.State(op, err)
	}
	if !changed {
		return e, nil
	}
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}
	if c.Fulfilled {
		s.publish(e, events.EscrowCondition, map[string]any{"condition": string(c.Type), "by": c.FulfilledBy})
		s.logger.Info("escrow condition fulfilled", "id", e.ID, "condition", c.Type, "by", c.FulfilledBy)
	}

	if e.AllFulfilled() && e.Metadata.AutoRelease {
		released, err := s.release(ctx, e)
		if err != nil {
			s.logger.Warn("auto-release failed, will retry", "id", e.ID, "error", err)
			return e, fmt.Errorf("%w: %w", ErrAutoReleaseFailed, err)
		}
		return released, nil
	}
	return e, nil
}

// confirm applies one party's confirmation. With dual confirmation a
// condition needs both buyer and seller; otherwise delivery and inspection
// need the buyer or arbitrator and custom conditions any party.
func confirm(e *Escrow, c *Condition, party, by string, now time.Time) (bool, error) {
	if party == "" {
		return false, fmt.Errorf("%w: %s is not a party to %s", ErrUnauthorized, by, e.ID)
	}

	if e.Metadata.DualConfirmation {
		if party != "buyer" && party != "seller" {
			return false, fmt.Errorf("%w: dual confirmation needs buyer and seller", ErrUnauthorized)
		}
		if c.confirmedBy(by) {
			return false, nil
		}
		c.Confirmations = append(c.Confirmations, by)
		if c.confirmedBy(e.Buyer) && c.confirmedBy(e.Seller) {
			fulfill(c, by, now)
		}
		return true, nil
	}

	if c.Type != ConditionCustom && party == "seller" {
		return false, fmt.Errorf("%w: %s must be confirmed by the buyer", ErrUnauthorized, c.Type)
	}
	c.Confirmations = append(c.Confirmations, by)
	fulfill(c, by, now)
	return true, nil
}

func fulfill(c *Condition, by string, now time.Time) {
	c.Fulfilled = true
	c.FulfilledBy = by
	c.FulfilledAt = &now
}

// ReleaseFunds pays the seller (and the platform fee) out of the lock.
// Only the buyer or the escrow's arbitrator may release.
func (s *Service) ReleaseFunds(ctx context.Context, id, releasedBy string) (*Escrow, error) {
	const op = "escrow.ReleaseFunds"
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusLocked {
		return nil, apperr.State(op, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, id, e.Status))
	}
	if p := e.Party(releasedBy); p != "buyer" && p != "arbitrator" {
		return nil, apperr.State(op, fmt.Errorf("%w: only the buyer or arbitrator can release %s", ErrUnauthorized, id))
	}
	return s.release(ctx, e)
}

// release pays out a locked escrow. The caller holds the escrow lock.
func (s *Service) release(ctx context.Context, e *Escrow) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(e.ID), traces.Chain(e.Chain))
	var err error
	defer func() { traces.End(span, err) }()

	fee, principal := s.feeShare(e)
	plans := []legPlan{
		{role: payout.RoleSeller, to: e.Seller, amount: principal, usd: e.AmountUSD, kind: "escrow_release"},
		{role: payout.RolePlatform, to: s.platformWallets[e.Chain], amount: fee, usd: e.FeeUSD, kind: "escrow_fee"},
	}
	if err = s.payLegs(ctx, e, plans, chains.Memo{}); err != nil {
		return nil, err
	}

	if err = s.close(ctx, e, StatusReleased, ""); err != nil {
		return nil, err
	}
	s.transitioned(e, events.EscrowReleased)
	s.logger.Info("escrow released", "id", e.ID, "seller", e.Seller, "amountUsd", e.AmountUSD.StringFixed(2))
	return e, nil
}

// InitiateDispute opens an arbitration case for a locked escrow. Funds stay
// locked until the case resolves.
func (s *Service) InitiateDispute(ctx context.Context, id string, req DisputeRequest) (*Escrow, error) {
	const op = "escrow.InitiateDispute"
	errs := validation.Validate(
		validation.Required("initiator", req.Initiator),
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, 2000),
		validation.MaxLength("title", req.Title, 200),
		validation.MaxLength("category", req.Category, 50),
		validation.Check("evidence", len(req.Evidence) <= 20, "at most 20 items"),
	)
	if len(errs) > 0 {
		return nil, apperr.Validation(op, errs, errs.Strings()...)
	}
	if s.disputes == nil {
		return nil, apperr.State(op, errors.New("dispute resolution is not configured"))
	}

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusLocked {
		return nil, apperr.State(op, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, id, e.Status))
	}
	party := e.Party(req.Initiator)
	if party != "buyer" && party != "seller" {
		return nil, apperr.State(op, fmt.Errorf("%w: only the buyer or seller can dispute %s", ErrUnauthorized, id))
	}
	legs, err := s.executor.Store().ListByReference(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check payout legs: %w", err)
	}
	for _, l := range legs {
		if l.Status != payout.StatusFailed {
			return nil, apperr.State(op, fmt.Errorf("%w: release of %s already started", ErrInvalidStatus, id))
		}
	}

	title := req.Title
	if title == "" {
		title = "Dispute over escrow " + e.ID
	}
	c, err := s.disputes.Open(ctx, dispute.OpenRequest{
		EscrowID:        e.ID,
		Chain:           e.Chain,
		AmountUSD:       e.AmountUSD,
		Title:           title,
		Description:     req.Reason,
		Category:        req.Category,
		Initiator:       dispute.Party(party),
		InitiatorWallet: req.Initiator,
		Evidence:        req.Evidence,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	e.Status = StatusDisputed
	e.DisputeID = c.ID
	e.DisputedAt = &now
	e.UpdatedAt = now
	if err := s.store.Update(ctx, e); err != nil {
		if werr := s.disputes.Withdraw(ctx, c.ID, "escrow update failed"); werr != nil {
			logging.Critical(ctx, s.logger, "dispute opened but escrow not marked disputed",
				"id", e.ID, "disputeId", c.ID, "error", err, "withdrawError", werr)
			s.recordGap(ctx, payout.GapPersistence, e.ID, "dispute "+c.ID+": "+err.Error())
		}
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}

	s.transitioned(e, events.EscrowDisputed)
	s.logger.Info("escrow disputed", "id", e.ID, "disputeId", c.ID, "initiator", party)
	return e, nil
}

// ApplyResolution pays out a disputed escrow according to the case's
// resolution: the buyer share is refunded, the seller share released and
// the platform fee collected. Legs already confirmed by an earlier attempt
// are not paid again. The escrow becomes resolved once every leg confirms.
func (s *Service) ApplyResolution(ctx context.Context, escrowID, caseID string, res dispute.Resolution) error {
	const op = "escrow.ApplyResolution"
	unlock, err := s.locks.LockContext(ctx, escrowID)
	if err != nil {
		return err
	}
	defer unlock()

	e, err := s.load(ctx, op, escrowID)
	if err != nil {
		return err
	}
	if e.DisputeID != caseID {
		return apperr.State(op, fmt.Errorf("%w: %s is not under case %s", ErrInvalidStatus, escrowID, caseID))
	}
	if e.Status == StatusResolved {
		return nil
	}
	if e.Status != StatusDisputed {
		return apperr.State(op, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, escrowID, e.Status))
	}
	total := res.BuyerUSD.Add(res.SellerUSD)
	if !res.Outcome.Valid() || !total.IsPositive() || res.BuyerUSD.IsNegative() || res.SellerUSD.IsNegative() {
		return apperr.Validation(op, fmt.Errorf("invalid resolution %q: buyer %s, seller %s",
			res.Outcome, res.BuyerUSD.StringFixed(2), res.SellerUSD.StringFixed(2)))
	}

	ctx, span := traces.StartSpan(ctx, op, traces.EscrowID(e.ID), traces.DisputeID(caseID), traces.Chain(e.Chain))
	defer func() { traces.End(span, err) }()

	fee, principal := s.feeShare(e)
	buyerNative := mulDiv(principal, cents(res.BuyerUSD), cents(total))
	sellerNative := new(big.Int).Sub(principal, buyerNative)
	plans := []legPlan{
		{role: payout.RoleBuyer, to: e.Buyer, amount: buyerNative, usd: res.BuyerUSD, kind: "dispute_refund", refund: true},
		{role: payout.RoleSeller, to: e.Seller, amount: sellerNative, usd: res.SellerUSD, kind: "dispute_release"},
		{role: payout.RolePlatform, to: s.platformWallets[e.Chain], amount: fee, usd: e.FeeUSD, kind: "escrow_fee"},
	}
	memo := chains.Memo{Reference: caseID, Resolution: string(res.Outcome)}
	if err = s.payLegs(ctx, e, plans, memo); err != nil {
		return err
	}

	if err = s.close(ctx, e, StatusResolved, string(res.Outcome)); err != nil {
		return err
	}
	s.transitioned(e, events.EscrowResolved)
	s.logger.Info("escrow resolved", "id", e.ID, "disputeId", caseID, "outcome", res.Outcome,
		"buyerUsd", res.BuyerUSD.StringFixed(2), "sellerUsd", res.SellerUSD.StringFixed(2))
	return nil
}

// Cancel cancels a pending escrow. Nothing is locked, so no chain call is
// made. by is the buyer, the seller or SystemConfirmer.
func (s *Service) Cancel(ctx context.Context, id, by string) (*Escrow, error) {
	const op = "escrow.Cancel"
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPending {
		return nil, apperr.State(op, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, id, e.Status))
	}
	if p := e.Party(by); by != SystemConfirmer && p != "buyer" && p != "seller" {
		return nil, apperr.State(op, fmt.Errorf("%w: %s cannot cancel %s", ErrUnauthorized, by, id))
	}
	if e.LockUnresolvedAt != nil {
		return nil, apperr.State(op, fmt.Errorf("%w: %s", ErrLockUnresolved, id))
	}

	now := s.now()
	e.Status = StatusCancelled
	e.ClosedAt = &now
	e.UpdatedAt = now
	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}
	s.transitioned(e, events.EscrowCancelled)
	s.logger.Info("escrow cancelled", "id", e.ID, "by", by)
	return e, nil
}

type legPlan struct {
	role   payout.Role
	to     string
	amount *big.Int
	usd    decimal.Decimal
	kind   string
	refund bool
}

// payLegs pays each non-empty leg out of the escrow's lock, stopping at the
// first failure.
func (s *Service) payLegs(ctx context.Context, e *Escrow, plans []legPlan, memo chains.Memo) error {
	for _, p := range plans {
		if p.amount == nil || p.amount.Sign() <= 0 || p.to == "" {
			continue
		}
		m := memo
		m.Type = p.kind
		m.EscrowID = e.ID
		m.SaleUSD = e.AmountUSD.StringFixed(2)
		refund := p.refund
		_, err := s.executor.Execute(ctx, &payout.Leg{
			Reference: e.ID,
			Role:      p.role,
			Chain:     e.Chain,
			To:        p.to,
			Amount:    p.amount,
			AmountUSD: p.usd,
			Memo:      m,
		}, func(ctx context.Context, po chains.Payout) (*chains.Receipt, error) {
			if refund {
				return s.chains.RefundEscrow(ctx, e.Chain, e.LockRef, po)
			}
			return s.chains.ReleaseEscrow(ctx, e.Chain, e.LockRef, po)
		})
		if err != nil {
			return fmt.Errorf("%s leg of %s: %w", p.role, e.ID, err)
		}
	}
	return nil
}

// close records a terminal payout status. Funds already moved, so a store
// failure is reported as a reconciliation gap.
func (s *Service) close(ctx context.Context, e *Escrow, status Status, outcome string) error {
	now := s.now()
	e.Status = status
	e.Outcome = outcome
	e.ClosedAt = &now
	e.UpdatedAt = now
	if err := s.store.Update(ctx, e); err != nil {
		logging.Critical(ctx, s.logger, "escrow paid out but not updated", "id", e.ID, "status", status, "error", err)
		s.recordGap(ctx, payout.GapPersistence, e.ID, string(status)+": "+err.Error())
		return fmt.Errorf("funds paid out but failed to update escrow: %w", err)
	}
	metrics.EscrowLockedUSD.WithLabelValues(e.Chain).Sub(e.AmountUSD.InexactFloat64())
	metrics.EscrowDuration.Observe(now.Sub(e.CreatedAt).Seconds())
	return nil
}

// feeShare splits the locked amount into the platform fee and the sale
// principal in proportion to their USD values at creation.
func (s *Service) feeShare(e *Escrow) (fee, principal *big.Int) {
	locked := e.Locked()
	fee = big.NewInt(0)
	if e.FeeUSD.IsPositive() && s.platformWallets[e.Chain] != "" {
		fee = mulDiv(locked, cents(e.FeeUSD), cents(e.AmountUSD.Add(e.FeeUSD)))
	}
	return fee, new(big.Int).Sub(locked, fee)
}

func cents(d decimal.Decimal) *big.Int {
	return d.Shift(2).Truncate(0).BigInt()
}

// mulDiv returns floor(v * num / den).
func mulDiv(v, num, den *big.Int) *big.Int {
	if den.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(v, num)
	return out.Quo(out, den)
}

func (s *Service) load(ctx context.Context, op, id string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrEscrowNotFound) {
		return nil, apperr.NotFound(op, fmt.Errorf("%w: %s", err, id))
	}
	return e, err
}

func (s *Service) transitioned(e *Escrow, t events.Type) {
	metrics.EscrowTransitionsTotal.WithLabelValues(e.Chain, string(e.Status)).Inc()
	s.publish(e, t, nil)
}

func (s *Service) publish(e *Escrow, t events.Type, data map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Publish(&events.Event{
		Type:      t,
		Timestamp: s.now(),
		Chain:     e.Chain,
		EscrowID:  e.ID,
		DisputeID: e.DisputeID,
		Status:    string(e.Status),
		AmountUSD: e.AmountUSD,
		Parties:   []string{e.Buyer, e.Seller},
		Data:      data,
	})
}

func (s *Service) recordGap(ctx context.Context, kind, ref, detail string) {
	if s.gaps != nil {
		s.gaps.RecordGap(ctx, kind, ref, detail)
	}
}
