// Package reconciliation tracks settlement states that need an operator.
//
// Two sources feed it. The payout executor and the escrow service record a
// Gap whenever a chain payment's outcome is unknown or a confirmed payment
// could not be persisted. The Runner periodically scans for legs stuck in
// flight, legs with unknown outcomes and escrows that have been locked for
// longer than expected, and publishes the counts as gauges.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/mbd888/luxescrow/internal/escrow"
	"github.com/mbd888/luxescrow/internal/idgen"
	"github.com/mbd888/luxescrow/internal/logging"
	"github.com/mbd888/luxescrow/internal/payout"
)

var (
	ErrGapNotFound     = errors.New("reconciliation: gap not found")
	ErrAlreadyResolved = errors.New("reconciliation: gap already resolved")
)

// Gap is a settlement state the system could not close on its own.
type Gap struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Reference  string     `json:"reference"`
	Detail     string     `json:"detail,omitempty"`
	Resolved   bool       `json:"resolved"`
	Resolution string     `json:"resolution,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// GapStore persists gaps.
type GapStore interface {
	Create(ctx context.Context, g *Gap) error
	Get(ctx context.Context, id string) (*Gap, error)
	// List returns gaps newest first; openOnly skips resolved ones.
	List(ctx context.Context, openOnly bool, limit int) ([]*Gap, error)
	Resolve(ctx context.Context, id, resolution string, at time.Time) error
	CountOpen(ctx context.Context) (int, error)
}

// Recorder stores gaps reported by the payout executor and escrow service.
type Recorder struct {
	store  GapStore
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a gap recorder.
func NewRecorder(store GapStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// RecordGap implements payout.GapRecorder. A gap that cannot be stored is
// still logged, so the operator sees it either way.
func (r *Recorder) RecordGap(ctx context.Context, kind, reference, detail string) {
	g := &Gap{
		ID:        idgen.WithPrefix("gap_"),
		Kind:      kind,
		Reference: reference,
		Detail:    detail,
		CreatedAt: r.now(),
	}
	gapsRecorded.WithLabelValues(kind).Inc()
	logging.Critical(ctx, r.logger, "settlement gap", "gapId", g.ID, "kind", kind, "reference", reference, "detail", detail)
	if err := r.store.Create(ctx, g); err != nil {
		logging.Critical(ctx, r.logger, "failed to store settlement gap", "kind", kind, "reference", reference, "error", err)
	}
}

// Gaps lists recorded gaps.
func (r *Recorder) Gaps(ctx context.Context, openOnly bool, limit int) ([]*Gap, error) {
	return r.store.List(ctx, openOnly, limit)
}

// Resolve marks a gap handled with an operator note.
func (r *Recorder) Resolve(ctx context.Context, id, resolution string) (*Gap, error) {
	const op = "reconciliation.Resolve"
	if resolution == "" {
		return nil, apperr.Validation(op, errors.New("resolution is required"), "resolution: is required")
	}
	g, err := r.store.Get(ctx, id)
	if errors.Is(err, ErrGapNotFound) {
		return nil, apperr.NotFound(op, fmt.Errorf("%w: %s", err, id))
	}
	if err != nil {
		return nil, err
	}
	if g.Resolved {
		return nil, apperr.State(op, fmt.Errorf("%w: %s", ErrAlreadyResolved, id))
	}
	now := r.now()
	if err := r.store.Resolve(ctx, id, resolution, now); err != nil {
		return nil, fmt.Errorf("failed to resolve gap: %w", err)
	}
	g.Resolved = true
	g.Resolution = resolution
	g.ResolvedAt = &now
	r.logger.Info("settlement gap resolved", "gapId", id, "kind", g.Kind, "reference", g.Reference)
	return g, nil
}

// LegLister lists payout legs by status.
type LegLister interface {
	ListByStatus(ctx context.Context, status payout.Status, before time.Time, limit int) ([]*payout.Leg, error)
}

// EscrowLister lists escrows by status.
type EscrowLister interface {
	ListByStatus(ctx context.Context, status escrow.Status, limit int) ([]*escrow.Escrow, error)
}

// Report is the result of one reconciliation run.
type Report struct {
	UnknownLegs  []*payout.Leg     `json:"unknownLegs"`
	StuckLegs    []*payout.Leg     `json:"stuckLegs"`
	StaleEscrows []*escrow.Escrow  `json:"staleEscrows"`
	OpenGaps     int               `json:"openGaps"`
	Healthy      bool              `json:"healthy"`
	CheckedAt    time.Time         `json:"checkedAt"`
	Duration     time.Duration     `json:"durationNs"`
	Errors       map[string]string `json:"errors,omitempty"`
}

// Runner produces reconciliation reports.
type Runner struct {
	legs       LegLister
	escrows    EscrowLister
	gaps       GapStore
	stuckAfter time.Duration
	staleAfter time.Duration
	limit      int
	logger     *slog.Logger
	now        func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithStuckAfter sets how long a leg may stay in flight.
func WithStuckAfter(d time.Duration) RunnerOption {
	return func(r *Runner) { r.stuckAfter = d }
}

// WithStaleAfter sets how long an escrow may stay locked before it is reported.
func WithStaleAfter(d time.Duration) RunnerOption {
	return func(r *Runner) { r.staleAfter = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a runner. Any source may be nil.
func NewRunner(legs LegLister, escrows EscrowLister, gaps GapStore, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		legs:       legs,
		escrows:    escrows,
		gaps:       gaps,
		stuckAfter: 10 * time.Minute,
		staleAfter: 30 * 24 * time.Hour,
		limit:      500,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunAll runs every check. A failing check is reported in Errors and does
// not stop the others; the returned error is the first failure.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	now := r.now()
	rep := &Report{CheckedAt: now, Errors: map[string]string{}}
	var firstErr error
	fail := func(check string, err error) {
		reconcileErrors.Inc()
		rep.Errors[check] = err.Error()
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", check, err)
		}
		r.logger.Warn("reconciliation check failed", "check", check, "error", err)
	}

	if r.legs != nil {
		unknown, err := r.legs.ListByStatus(ctx, payout.StatusUnknown, now.Add(time.Minute), r.limit) // any age
		if err != nil {
			fail("unknown_legs", err)
		}
		rep.UnknownLegs = unknown
		stuck, err := r.legs.ListByStatus(ctx, payout.StatusInFlight, now.Add(-r.stuckAfter), r.limit)
		if err != nil {
			fail("stuck_legs", err)
		}
		rep.StuckLegs = stuck
	}

	if r.escrows != nil {
		locked, err := r.escrows.ListByStatus(ctx, escrow.StatusLocked, r.limit)
		if err != nil {
			fail("stale_escrows", err)
		}
		cutoff := now.Add(-r.staleAfter)
		for _, e := range locked {
			if e.LockedAt != nil && e.LockedAt.Before(cutoff) {
				rep.StaleEscrows = append(rep.StaleEscrows, e)
			}
		}
	}

	if r.gaps != nil {
		n, err := r.gaps.CountOpen(ctx)
		if err != nil {
			fail("open_gaps", err)
		}
		rep.OpenGaps = n
	}

	rep.Duration = time.Since(start)
	rep.Healthy = len(rep.Errors) == 0 && len(rep.UnknownLegs) == 0 && len(rep.StuckLegs) == 0 &&
		len(rep.StaleEscrows) == 0 && rep.OpenGaps == 0

	unknownLegs.Set(float64(len(rep.UnknownLegs)))
	stuckLegs.Set(float64(len(rep.StuckLegs)))
	staleEscrows.Set(float64(len(rep.StaleEscrows)))
	openGaps.Set(float64(rep.OpenGaps))
	reconcileDuration.Observe(rep.Duration.Seconds())

	if !rep.Healthy {
		r.logger.Warn("reconciliation found issues",
			"unknownLegs", len(rep.UnknownLegs), "stuckLegs", len(rep.StuckLegs),
			"staleEscrows", len(rep.StaleEscrows), "openGaps", rep.OpenGaps)
	}
	return rep, firstErr
}

var _ payout.GapRecorder = (*Recorder)(nil)
