package payout

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/mbd888/luxescrow/internal/chains"
	"github.com/mbd888/luxescrow/internal/logging"
	"github.com/mbd888/luxescrow/internal/metrics"
	"github.com/mbd888/luxescrow/internal/traces"
)

// Gap kinds reported to the GapRecorder.
const (
	GapOutcomeUnknown = "outcome_unknown"
	GapPersistence    = "persistence"
)

// SubmitFunc sends one payment to the chain.
type SubmitFunc func(ctx context.Context, p chains.Payout) (*chains.Receipt, error)

// Executor submits legs at most once per successful outcome.
type Executor struct {
	store  Store
	gaps   GapRecorder
	logger *slog.Logger
}

// NewExecutor creates a leg executor. gaps may be nil.
func NewExecutor(store Store, gaps GapRecorder, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: store, gaps: gaps, logger: logger}
}

// Store returns the leg store.
func (e *Executor) Store() Store { return e.store }

// Execute claims leg and submits it. A leg that already confirmed is
// returned as-is without touching the chain. A leg in flight or with an
// unknown outcome is refused with a state error. The submission itself is
// attempted once.
func (e *Executor) Execute(ctx context.Context, leg *Leg, submit SubmitFunc) (*Leg, error) {
	const op = "payout.Execute"
	if leg.Reference == "" || leg.Role == "" || leg.To == "" || leg.Amount == nil || leg.Amount.Sign() <= 0 {
		return nil, apperr.Validation(op, fmt.Errorf("%w: reference, role, recipient and positive amount required", ErrInvalidLeg))
	}

	ctx, span := traces.StartSpan(ctx, "payout.Execute",
		traces.Chain(leg.Chain), traces.LegRole(string(leg.Role)), traces.EscrowID(leg.Reference))
	var err error
	defer func() { traces.End(span, err) }()

	claimed, ok, err := e.store.Claim(ctx, leg)
	if err != nil {
		return nil, fmt.Errorf("claim payout leg %s: %w", leg.Key(), err)
	}
	if !ok {
		switch claimed.Status {
		case StatusConfirmed:
			return claimed, nil
		case StatusUnknown:
			err = apperr.State(op, fmt.Errorf("%w: %s", ErrOutcomeUnknown, leg.Key()))
		default:
			err = apperr.State(op, fmt.Errorf("%w: %s", ErrInFlight, leg.Key()))
		}
		return claimed, err
	}

	rec, err := submit(ctx, chains.Payout{
		Key:    claimed.Key(),
		To:     claimed.To,
		Amount: new(big.Int).Set(claimed.Amount),
		Memo:   leg.Memo,
	})
	switch {
	case err == nil:
		claimed.Status = StatusConfirmed
		claimed.TxHash = rec.TxHash
	case apperr.Is(err, apperr.KindOutcomeUnknown):
		claimed.Status = StatusUnknown
		claimed.Error = err.Error()
		logging.Critical(ctx, e.logger, "payout leg outcome unknown",
			"leg", claimed.Key(), "chain", claimed.Chain, "to", claimed.To, "amount", claimed.Amount.String(), "error", err)
		e.recordGap(ctx, GapOutcomeUnknown, claimed.Key(), err.Error())
	default:
		claimed.Status = StatusFailed
		claimed.ResultCode = apperr.CodeOf(err)
		claimed.Error = err.Error()
	}
	metrics.PayoutLegsTotal.WithLabelValues(string(claimed.Role), string(claimed.Status)).Inc()

	if ferr := e.store.Finish(ctx, claimed); ferr != nil {
		if claimed.Status == StatusConfirmed {
			// Funds moved; only the record is missing.
			logging.Critical(ctx, e.logger, "payout leg confirmed on chain but not recorded",
				"leg", claimed.Key(), "txHash", claimed.TxHash, "error", ferr)
			e.recordGap(ctx, GapPersistence, claimed.Key(), "tx "+claimed.TxHash+": "+ferr.Error())
			return claimed, nil
		}
		e.logger.Error("failed to record payout leg result", "leg", claimed.Key(), "error", ferr)
	}
	if err != nil {
		return claimed, err
	}
	e.logger.Info("payout leg confirmed", "leg", claimed.Key(), "chain", claimed.Chain, "txHash", claimed.TxHash)
	return claimed, nil
}

// Resolve settles a leg whose outcome was unknown once the chain state has
// been observed: confirmed legs are closed, anything else is marked failed
// so the next Execute can retry it.
func (e *Executor) Resolve(ctx context.Context, leg *Leg, confirmed bool, txHash string) error {
	if leg.Status != StatusUnknown && leg.Status != StatusInFlight {
		return apperr.State("payout.Resolve", fmt.Errorf("leg %s is %s", leg.Key(), leg.Status))
	}
	if confirmed {
		leg.Status = StatusConfirmed
		leg.TxHash = txHash
	} else {
		leg.Status = StatusFailed
		leg.ResultCode = "reconciled_failed"
	}
	if err := e.store.Finish(ctx, leg); err != nil {
		return err
	}
	e.logger.Info("payout leg reconciled", "leg", leg.Key(), "status", leg.Status)
	return nil
}

func (e *Executor) recordGap(ctx context.Context, kind, ref, detail string) {
	if e.gaps != nil {
		e.gaps.RecordGap(ctx, kind, ref, detail)
	}
}
