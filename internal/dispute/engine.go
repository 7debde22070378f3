package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/mbd888/luxescrow/internal/events"
	"github.com/mbd888/luxescrow/internal/idgen"
	"github.com/mbd888/luxescrow/internal/logging"
	"github.com/mbd888/luxescrow/internal/metrics"
	"github.com/mbd888/luxescrow/internal/syncutil"
	"github.com/mbd888/luxescrow/internal/traces"
	"github.com/mbd888/luxescrow/internal/validation"
	"github.com/shopspring/decimal"
)

// DefaultVotingWindow is how long a panel has to vote.
const DefaultVotingWindow = 7 * 24 * time.Hour

// OpenRequest describes a disputed escrow.
type OpenRequest struct {
	EscrowID        string
	Chain           string
	AmountUSD       decimal.Decimal
	Title           string
	Description     string
	Category        string
	Initiator       Party
	InitiatorWallet string
	Evidence        []string
}

// VoteRequest is one arbitrator's verdict on a case.
type VoteRequest struct {
	ArbitratorID string  `json:"arbitratorId" binding:"required"`
	Outcome      Outcome `json:"outcome" binding:"required"`
	Confidence   int     `json:"confidence" binding:"required"`
	Reasoning    string  `json:"reasoning"`
}

// Engine runs arbitration: panel selection, voting, resolution and the
// hand-off to the escrow settler.
type Engine struct {
	store    Store
	settler  Settler
	tieBreak TieBreakPolicy
	window   time.Duration
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
	locks    syncutil.KeyLock // one writer per case id
	arbLocks syncutil.KeyLock // one writer per arbitrator id
}

// Option configures an Engine.
type Option func(*Engine)

// WithTieBreak sets how equal weighted scores are decided.
func WithTieBreak(p TieBreakPolicy) Option {
	return func(e *Engine) { e.tieBreak = p }
}

// WithVotingWindow sets the time between opening and the voting deadline.
func WithVotingWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

// WithEvents publishes case transitions.
func WithEvents(p events.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an arbitration engine.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		tieBreak: TieBreakFirstVote,
		window:   DefaultVotingWindow,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetSettler sets the collaborator that pays out resolutions. The escrow
// service depends on the engine, so the settler is attached after both exist.
func (e *Engine) SetSettler(s Settler) {
	e.settler = s
}

// Store returns the engine's store.
func (e *Engine) Store() Store { return e.store }

// Open creates a case for a disputed escrow and freezes its panel.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (*Case, error) {
	const op = "dispute.Open"
	errs := validation.Validate(
		validation.Required("escrowId", req.EscrowID),
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, 200),
		validation.MaxLength("description", req.Description, 2000),
		validation.Positive("amountUsd", req.AmountUSD),
		validation.OneOf("initiator", string(req.Initiator), string(PartyBuyer), string(PartySeller)),
		validation.Required("initiatorWallet", req.InitiatorWallet),
	)
	if len(errs) > 0 {
		return nil, apperr.Validation(op, errs, errs.Strings()...)
	}

	panel, err := e.SelectArbitrators(ctx, req.AmountUSD, req.Category)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(panel))
	for i, a := range panel {
		ids[i] = a.ID
	}

	now := e.now()
	c := &Case{
		ID:              idgen.WithPrefix("dsp_"),
		EscrowID:        req.EscrowID,
		Chain:           req.Chain,
		Title:           req.Title,
		Description:     req.Description,
		Category:        req.Category,
		AmountUSD:       req.AmountUSD,
		Initiator:       req.Initiator,
		InitiatorWallet: req.InitiatorWallet,
		RequiredTier:    RequiredTier(req.AmountUSD),
		Arbitrators:     ids,
		Status:          StatusVoting,
		VotingDeadline:  now.Add(e.window),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, ev := range req.Evidence {
		c.Evidence = append(c.Evidence, Evidence{Party: req.Initiator, Submitter: req.InitiatorWallet, Content: ev, SubmittedAt: now})
	}
	if err := e.store.CreateCase(ctx, c); err != nil {
		if errors.Is(err, ErrAlreadyOpen) {
			return nil, apperr.State(op, fmt.Errorf("%w: %s", err, req.EscrowID))
		}
		return nil, fmt.Errorf("failed to store case: %w", err)
	}

	metrics.DisputesOpenedTotal.WithLabelValues(string(c.RequiredTier)).Inc()
	e.publish(c, events.DisputeOpened, map[string]any{"arbitrators": ids, "votingDeadline": c.VotingDeadline})
	e.logger.Info("dispute opened", "disputeId", c.ID, "escrowId", c.EscrowID, "tier", c.RequiredTier,
		"panel", len(ids), "amountUsd", c.AmountUSD.StringFixed(2))
	return c, nil
}

// GetCase returns a case by id.
func (e *Engine) GetCase(ctx context.Context, id string) (*Case, error) {
	return e.load(ctx, "dispute.GetCase", id)
}

// ListCases returns cases in a status, oldest first.
func (e *Engine) ListCases(ctx context.Context, status Status, limit int) ([]*Case, error) {
	return e.store.ListCases(ctx, status, limit)
}

// SubmitEvidence files a statement on a case that is still voting.
func (e *Engine) SubmitEvidence(ctx context.Context, caseID string, party Party, submitter, content string) (*Case, error) {
	const op = "dispute.SubmitEvidence"
	errs := validation.Validate(
		validation.OneOf("party", string(party), string(PartyBuyer), string(PartySeller)),
		validation.Required("submitter", submitter),
		validation.Required("content", content),
		validation.MaxLength("content", content, 5000),
	)
	if len(errs) > 0 {
		return nil, apperr.Validation(op, errs, errs.Strings()...)
	}

	unlock := e.locks.Lock(caseID)
	defer unlock()

	c, err := e.load(ctx, op, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusVoting {
		return nil, apperr.State(op, fmt.Errorf("%w: %s is %s", ErrVotingClosed, caseID, c.Status))
	}
	now := e.now()
	c.Evidence = append(c.Evidence, Evidence{Party: party, Submitter: submitter, Content: content, SubmittedAt: now})
	c.UpdatedAt = now
	if err := e.store.UpdateCase(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to update case: %w", err)
	}
	e.publish(c, events.DisputeEvidence, map[string]any{"party": string(party)})
	return c, nil
}

// SubmitVote records an assigned arbitrator's single vote. The vote that
// brings the case to quorum resolves it and settles the escrow.
func (e *Engine) SubmitVote(ctx context.Context, caseID string, req VoteRequest) (*Case, error) {
	const op = "dispute.SubmitVote"
	errs := validation.Validate(
		validation.Required("arbitratorId", req.ArbitratorID),
		validation.Check("outcome", req.Outcome.Valid(), "unknown outcome "+string(req.Outcome)),
		validation.Check("confidence", req.Confidence >= 1 && req.Confidence <= 10, "must be between 1 and 10"),
		validation.MaxLength("reasoning", req.Reasoning, 2000),
	)
	if len(errs) > 0 {
		return nil, apperr.Validation(op, errs, errs.Strings()...)
	}

	c, resolved, err := e.vote(ctx, caseID, req)
	if err != nil {
		return nil, err
	}
	if resolved {
		return e.settle(ctx, c), nil
	}
	return c, nil
}

func (e *Engine) vote(ctx context.Context, caseID string, req VoteRequest) (*Case, bool, error) {
	const op = "dispute.SubmitVote"
	unlock := e.locks.Lock(caseID)
	defer unlock()

	c, err := e.load(ctx, op, caseID)
	if err != nil {
		return nil, false, err
	}
	if c.Status != StatusVoting {
		return nil, false, apperr.State(op, fmt.Errorf("%w: %s is %s", ErrVotingClosed, caseID, c.Status))
	}
	if !c.IsAssigned(req.ArbitratorID) {
		return nil, false, apperr.Consistency(op, fmt.Errorf("%w: %s on %s", ErrNotAssigned, req.ArbitratorID, caseID),
			"arbitratorId: not on the panel of "+caseID)
	}
	if c.HasVoted(req.ArbitratorID) {
		return nil, false, apperr.Consistency(op, fmt.Errorf("%w: %s on %s", ErrAlreadyVoted, req.ArbitratorID, caseID),
			"arbitratorId: already voted on "+caseID)
	}
	arb, err := e.store.GetArbitrator(ctx, req.ArbitratorID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load arbitrator %s: %w", req.ArbitratorID, err)
	}

	v := Vote{
		ArbitratorID: arb.ID,
		Outcome:      req.Outcome,
		Confidence:   req.Confidence,
		Reasoning:    req.Reasoning,
		Weight:       arb.Tier.Weight(),
		CastAt:       e.now(),
	}
	if err := e.store.AppendVote(ctx, caseID, v); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyVoted):
			return nil, false, apperr.Consistency(op, err, "arbitratorId: already voted on "+caseID)
		case errors.Is(err, ErrVotingClosed):
			return nil, false, apperr.State(op, err)
		}
		return nil, false, fmt.Errorf("failed to record vote: %w", err)
	}
	c.Votes = append(c.Votes, v)
	e.publish(c, events.DisputeVote, map[string]any{"arbitratorId": v.ArbitratorID, "votes": len(c.Votes)})
	e.logger.Info("dispute vote cast", "disputeId", c.ID, "arbitratorId", v.ArbitratorID,
		"outcome", v.Outcome, "votes", len(c.Votes), "quorum", Quorum(len(c.Arbitrators)))

	if len(c.Votes) < Quorum(len(c.Arbitrators)) {
		return c, false, nil
	}
	if err := e.resolve(ctx, c, TriggerQuorum); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// resolve freezes the resolution and updates panel reputations. The
// caller holds the case lock.
func (e *Engine) resolve(ctx context.Context, c *Case, trigger string) error {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(c.ID), traces.EscrowID(c.EscrowID))
	var err error
	defer func() { traces.End(span, err) }()

	t := Count(c.Votes, e.tieBreak)
	buyer, seller := Split(t.Outcome, c.AmountUSD)
	now := e.now()
	res := &Resolution{
		Outcome:    t.Outcome,
		BuyerUSD:   buyer,
		SellerUSD:  seller,
		Confidence: Confidence(c.Votes),
		Scores:     t.Scores,
		Reasoning:  reasoning(t, c.Votes, len(c.Arbitrators), trigger),
		Trigger:    trigger,
		TieBroken:  t.TieBroken,
		Rewards:    Rewards(c.Votes, t.Outcome, c.AmountUSD),
		ResolvedAt: now,
	}
	c.Status = StatusResolved
	c.Resolution = res
	c.UpdatedAt = now
	if err = e.store.UpdateCase(ctx, c); err != nil {
		return fmt.Errorf("failed to store resolution of %s: %w", c.ID, err)
	}

	rewards := make(map[string]Reward, len(res.Rewards))
	for _, r := range res.Rewards {
		rewards[r.ArbitratorID] = r
	}
	for _, v := range c.Votes {
		e.credit(ctx, c.ID, v.ArbitratorID, rewards[v.ArbitratorID])
	}

	metrics.DisputeResolutionsTotal.WithLabelValues(string(res.Outcome), trigger).Inc()
	e.publish(c, events.DisputeResolved, map[string]any{
		"outcome": string(res.Outcome), "buyerUsd": res.BuyerUSD.StringFixed(2), "sellerUsd": res.SellerUSD.StringFixed(2),
	})
	e.logger.Info("dispute resolved", "disputeId", c.ID, "escrowId", c.EscrowID, "outcome", res.Outcome,
		"trigger", trigger, "votes", len(c.Votes), "tieBroken", res.TieBroken)
	return nil
}

// credit applies one resolved case to a voter's record. The resolution
// is already frozen, so failures are logged rather than returned.
func (e *Engine) credit(ctx context.Context, caseID, arbitratorID string, r Reward) {
	unlock := e.arbLocks.Lock(arbitratorID)
	defer unlock()

	a, err := e.store.GetArbitrator(ctx, arbitratorID)
	if err != nil {
		e.logger.Error("failed to load arbitrator for reputation update", "disputeId", caseID, "arbitratorId", arbitratorID, "error", err)
		return
	}
	a.Reputation = Reputation(a.Reputation, r.Aligned)
	a.TotalCases++
	if r.Aligned {
		a.CorrectVotes++
	}
	a.SuccessRate = decimal.NewFromInt(int64(a.CorrectVotes)).Div(decimal.NewFromInt(int64(a.TotalCases))).Round(4)
	a.RewardsUSD = a.RewardsUSD.Add(r.AmountUSD)
	a.UpdatedAt = e.now()
	if err := e.store.UpdateArbitrator(ctx, a); err != nil {
		e.logger.Error("failed to update arbitrator reputation", "disputeId", caseID, "arbitratorId", arbitratorID, "error", err)
	}
}

// settle hands a resolved case to the settler without holding the case
// lock, then records the result. A failed settlement is kept on the case
// for RetrySettlement.
func (e *Engine) settle(ctx context.Context, c *Case) *Case {
	if e.settler == nil || c.Resolution == nil || c.Settled {
		return c
	}
	err := e.settler.ApplyResolution(ctx, c.EscrowID, c.ID, *c.Resolution)

	unlock := e.locks.Lock(c.ID)
	defer unlock()
	cur, lerr := e.store.GetCase(ctx, c.ID)
	if lerr != nil {
		e.logger.Error("failed to reload case after settlement", "disputeId", c.ID, "error", lerr)
		return c
	}
	cur.Settled = err == nil
	cur.SettlementError = ""
	if err != nil {
		cur.SettlementError = err.Error()
	}
	cur.UpdatedAt = e.now()
	if uerr := e.store.UpdateCase(ctx, cur); uerr != nil {
		if err == nil {
			logging.Critical(ctx, e.logger, "dispute settled but case not updated", "disputeId", c.ID, "escrowId", c.EscrowID, "error", uerr)
		} else {
			e.logger.Error("failed to record settlement failure", "disputeId", c.ID, "error", uerr)
		}
	}

	if err != nil {
		e.logger.Error("dispute settlement failed", "disputeId", c.ID, "escrowId", c.EscrowID, "error", err)
		return cur
	}
	e.publish(cur, events.DisputeSettled, nil)
	e.logger.Info("dispute settled", "disputeId", c.ID, "escrowId", c.EscrowID)
	return cur
}

// RetrySettlement re-drives payout of a resolved case whose settlement
// failed. Payout legs already confirmed are not paid again.
func (e *Engine) RetrySettlement(ctx context.Context, caseID string) (*Case, error) {
	const op = "dispute.RetrySettlement"
	c, err := e.load(ctx, op, caseID)
	if err != nil {
		return nil, err
	}
	switch {
	case c.Status != StatusResolved || c.Resolution == nil:
		return nil, apperr.State(op, fmt.Errorf("%w: %s is %s", ErrNotResolved, caseID, c.Status))
	case c.Settled:
		return nil, apperr.State(op, fmt.Errorf("%w: %s", ErrAlreadySettled, caseID))
	case e.settler == nil:
		return nil, apperr.State(op, errors.New("no settler configured"))
	}
	c = e.settle(ctx, c)
	if !c.Settled {
		return c, fmt.Errorf("settlement of %s failed: %s", caseID, c.SettlementError)
	}
	return c, nil
}

// Withdraw closes a voting case without a resolution. The escrow service
// uses it to undo a case it failed to attach.
func (e *Engine) Withdraw(ctx context.Context, caseID, reason string) error {
	const op = "dispute.Withdraw"
	unlock := e.locks.Lock(caseID)
	defer unlock()

	c, err := e.load(ctx, op, caseID)
	if err != nil {
		return err
	}
	if c.Status != StatusVoting {
		return apperr.State(op, fmt.Errorf("%w: %s is %s", ErrVotingClosed, caseID, c.Status))
	}
	c.Status = StatusWithdrawn
	c.UpdatedAt = e.now()
	if err := e.store.UpdateCase(ctx, c); err != nil {
		return fmt.Errorf("failed to withdraw case: %w", err)
	}
	e.publish(c, events.DisputeWithdrawn, map[string]any{"reason": reason})
	e.logger.Warn("dispute withdrawn", "disputeId", c.ID, "escrowId", c.EscrowID, "reason", reason)
	return nil
}

// ResolveExpired resolves voting cases past their deadline with the votes
// cast so far and settles them. It returns how many were resolved.
func (e *Engine) ResolveExpired(ctx context.Context, limit int) (int, error) {
	expired, err := e.store.ListExpired(ctx, e.now(), limit)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, c := range expired {
		done, err := e.resolveAtDeadline(ctx, c.ID)
		if err != nil {
			e.logger.Warn("failed to resolve expired dispute", "disputeId", c.ID, "error", err)
			continue
		}
		if done != nil {
			e.settle(ctx, done)
			resolved++
		}
	}
	return resolved, nil
}

func (e *Engine) resolveAtDeadline(ctx context.Context, caseID string) (*Case, error) {
	unlock := e.locks.Lock(caseID)
	defer unlock()

	c, err := e.load(ctx, "dispute.ResolveExpired", caseID)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusVoting || e.now().Before(c.VotingDeadline) {
		return nil, nil
	}
	if err := e.resolve(ctx, c, TriggerDeadline); err != nil {
		return nil, err
	}
	return c, nil
}

// SettlePending settles resolved cases whose settlement was never
// attempted, such as a case resolved just before a restart. Cases whose
// settlement failed wait for an explicit RetrySettlement.
func (e *Engine) SettlePending(ctx context.Context, limit int) (int, error) {
	cases, err := e.store.ListCases(ctx, StatusResolved, 0)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, c := range cases {
		if c.Settled || c.SettlementError != "" {
			continue
		}
		if limit > 0 && settled >= limit {
			break
		}
		if cur := e.settle(ctx, c); cur.Settled {
			settled++
		}
	}
	return settled, nil
}

func (e *Engine) load(ctx context.Context, op, id string) (*Case, error) {
	c, err := e.store.GetCase(ctx, id)
	if errors.Is(err, ErrCaseNotFound) {
		return nil, apperr.NotFound(op, fmt.Errorf("%w: %s", err, id))
	}
	return c, err
}

func (e *Engine) publish(c *Case, t events.Type, data map[string]any) {
	if e.events == nil {
		return
	}
	e.events.Publish(&events.Event{
		Type:      t,
		Timestamp: e.now(),
		Chain:     c.Chain,
		EscrowID:  c.EscrowID,
		DisputeID: c.ID,
		Status:    string(c.Status),
		AmountUSD: c.AmountUSD,
		Parties:   []string{c.InitiatorWallet},
		Data:      data,
	})
}
