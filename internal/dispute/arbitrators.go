package dispute

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/mbd888/luxescrow/internal/idgen"
	"github.com/mbd888/luxescrow/internal/validation"
	"github.com/shopspring/decimal"
)

// RegisterRequest enrolls a staked arbitrator.
type RegisterRequest struct {
	Wallet          string          `json:"wallet" binding:"required"`
	Name            string          `json:"name"`
	Tier            Tier            `json:"tier" binding:"required"`
	Specializations []string        `json:"specializations"`
	StakeUSD        decimal.Decimal `json:"stakeUsd"`
}

// RegisterArbitrator adds an active arbitrator at the starting reputation.
// The stake must cover the tier minimum.
func (e *Engine) RegisterArbitrator(ctx context.Context, req RegisterRequest) (*Arbitrator, error) {
	const op = "dispute.RegisterArbitrator"
	wallet := strings.TrimSpace(req.Wallet)
	errs := validation.Validate(
		validation.Required("wallet", wallet),
		validation.MaxLength("wallet", wallet, 128),
		validation.MaxLength("name", req.Name, 100),
		validation.Check("tier", req.Tier.Valid(), "must be one of community, verified, expert"),
		validation.Check("specializations", len(req.Specializations) <= 10, "at most 10 entries"),
	)
	if len(errs) > 0 {
		return nil, apperr.Validation(op, errs, errs.Strings()...)
	}
	if floor := MinStake[req.Tier]; req.StakeUSD.LessThan(floor) {
		return nil, apperr.Validation(op, fmt.Errorf("%w: %s tier needs %s", ErrInsufficientStake, req.Tier, floor.StringFixed(2)),
			fmt.Sprintf("stakeUsd: must be at least %s for %s", floor.StringFixed(2), req.Tier))
	}

	now := e.now()
	a := &Arbitrator{
		ID:              idgen.WithPrefix("arb_"),
		Wallet:          wallet,
		Name:            strings.TrimSpace(req.Name),
		Tier:            req.Tier,
		Reputation:      InitialReputation,
		SuccessRate:     decimal.Zero,
		Specializations: req.Specializations,
		StakeUSD:        req.StakeUSD,
		RewardsUSD:      decimal.Zero,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateArbitrator(ctx, a); err != nil {
		if errors.Is(err, ErrDuplicateArbitrator) {
			return nil, apperr.State(op, fmt.Errorf("%w: %s", err, wallet))
		}
		return nil, fmt.Errorf("failed to store arbitrator: %w", err)
	}
	e.logger.Info("arbitrator registered", "arbitratorId", a.ID, "wallet", a.Wallet, "tier", a.Tier,
		"stakeUsd", a.StakeUSD.StringFixed(2))
	return a, nil
}

// DeactivateArbitrator removes an arbitrator from future panels. Panels
// already frozen on open cases keep them.
func (e *Engine) DeactivateArbitrator(ctx context.Context, id string) (*Arbitrator, error) {
	unlock := e.arbLocks.Lock(id)
	defer unlock()

	a, err := e.GetArbitrator(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return a, nil
	}
	a.Active = false
	a.UpdatedAt = e.now()
	if err := e.store.UpdateArbitrator(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to update arbitrator: %w", err)
	}
	e.logger.Info("arbitrator deactivated", "arbitratorId", a.ID)
	return a, nil
}

// GetArbitrator returns an arbitrator by id.
func (e *Engine) GetArbitrator(ctx context.Context, id string) (*Arbitrator, error) {
	a, err := e.store.GetArbitrator(ctx, id)
	if errors.Is(err, ErrArbitratorNotFound) {
		return nil, apperr.NotFound("dispute.GetArbitrator", fmt.Errorf("%w: %s", err, id))
	}
	return a, err
}

// ListArbitrators returns registered arbitrators.
func (e *Engine) ListArbitrators(ctx context.Context, activeOnly bool) ([]*Arbitrator, error) {
	return e.store.ListArbitrators(ctx, activeOnly)
}

// SelectArbitrators picks the panel for a dispute: active arbitrators at or
// above the amount's required tier, specialists in category first, then by
// reputation, earliest registration breaking ties. A registry with fewer
// eligible arbitrators than the panel size yields a smaller panel; none at
// all is an error.
func (e *Engine) SelectArbitrators(ctx context.Context, amountUSD decimal.Decimal, category string) ([]*Arbitrator, error) {
	const op = "dispute.SelectArbitrators"
	all, err := e.store.ListArbitrators(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list arbitrators: %w", err)
	}

	tier := RequiredTier(amountUSD)
	var eligible []*Arbitrator
	for _, a := range all {
		if a.Active && a.Tier.AtLeast(tier) {
			eligible = append(eligible, a)
		}
	}
	size := PanelSize(amountUSD)
	if len(eligible) == 0 {
		return nil, apperr.State(op, fmt.Errorf("%w: no active %s or better arbitrators", ErrNotEnoughArbitrators, tier))
	}
	if len(eligible) < size {
		e.logger.Warn("short arbitration panel", "requiredTier", tier, "panelSize", size, "eligible", len(eligible),
			"amountUsd", amountUSD.StringFixed(2))
		size = len(eligible)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if category != "" {
			if sa, sb := a.Specializes(category), b.Specializes(category); sa != sb {
				return sa
			}
		}
		if a.Reputation != b.Reputation {
			return a.Reputation > b.Reputation
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return eligible[:size], nil
}
