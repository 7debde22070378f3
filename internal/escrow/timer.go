package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/luxescrow/internal/events"
)

// Timer periodically cancels expired pending escrows, closes elapsed
// inspection periods and retries auto-releases that failed.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new escrow timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the timer loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeTick(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.tick(ctx)
}

func (t *Timer) tick(ctx context.Context) {
	cancelled, err := t.service.CancelExpired(ctx, 100)
	if err != nil {
		t.logger.Warn("failed to cancel expired escrows", "error", err)
	}
	if cancelled > 0 {
		t.logger.Info("cancelled expired escrows", "count", cancelled)
	}

	released, err := t.service.AdvanceLocked(ctx, 100)
	if err != nil {
		t.logger.Warn("failed to advance locked escrows", "error", err)
	}
	if released > 0 {
		t.logger.Info("auto-released escrows", "count", released)
	}
}

// CancelExpired cancels pending escrows whose expiry has passed. Escrows
// with an unresolved lock are left for reconciliation.
func (s *Service) CancelExpired(ctx context.Context, limit int) (int, error) {
	expired, err := s.store.ListExpired(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range expired {
		if e.LockUnresolvedAt != nil {
			continue
		}
		if _, err := s.Cancel(ctx, e.ID, SystemConfirmer); err != nil {
			s.logger.Warn("failed to cancel expired escrow", "id", e.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// AdvanceLocked fulfils inspection periods that have run their course and
// releases auto-release escrows whose conditions are all met. Each escrow
// gets at most one release attempt per call.
func (s *Service) AdvanceLocked(ctx context.Context, limit int) (int, error) {
	locked, err := s.store.ListByStatus(ctx, StatusLocked, limit)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, e := range locked {
		ok, err := s.advance(ctx, e.ID)
		if err != nil {
			s.logger.Warn("failed to advance escrow", "id", e.ID, "error", err)
			continue
		}
		if ok {
			released++
		}
	}
	return released, nil
}

func (s *Service) advance(ctx context.Context, id string) (bool, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	e, err := s.load(ctx, "escrow.AdvanceLocked", id)
	if err != nil {
		return false, err
	}
	if e.Status != StatusLocked {
		return false, nil
	}

	if insp := e.condition(ConditionInspection); insp != nil && !insp.Fulfilled {
		delivery := e.condition(ConditionDelivery)
		window := e.Metadata.InspectionWindow()
		if window > 0 && delivery != nil && delivery.Fulfilled && delivery.FulfilledAt != nil &&
			!s.now().Before(delivery.FulfilledAt.Add(window)) {
			fulfill(insp, SystemConfirmer, s.now())
			e.UpdatedAt = s.now()
			if err := s.store.Update(ctx, e); err != nil {
				return false, fmt.Errorf("failed to update escrow: %w", err)
			}
			s.publish(e, events.EscrowCondition, map[string]any{"condition": string(insp.Type), "by": SystemConfirmer})
			s.logger.Info("inspection period elapsed", "id", e.ID)
		}
	}

	if !e.AllFulfilled() || !e.Metadata.AutoRelease {
		return false, nil
	}
	if _, err := s.release(ctx, e); err != nil {
		return false, err
	}
	return true, nil
}
