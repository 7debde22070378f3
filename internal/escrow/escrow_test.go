package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/mbd888/luxescrow/internal/chains"
	"github.com/mbd888/luxescrow/internal/dispute"
	"github.com/mbd888/luxescrow/internal/events"
	"github.com/mbd888/luxescrow/internal/fees"
	"github.com/mbd888/luxescrow/internal/payout"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	buyerAddr    = "0x1111111111111111111111111111111111111111"
	sellerAddr   = "0x2222222222222222222222222222222222222222"
	arbiterAddr  = "0x4444444444444444444444444444444444444444"
	platformAddr = "0x9999999999999999999999999999999999999999"
	strangerAddr = "0x5555555555555555555555555555555555555555"
)

// fakeDisputes records opened cases.
type fakeDisputes struct {
	mu        sync.Mutex
	opened    []dispute.OpenRequest
	withdrawn []string
	err       error
}

func (f *fakeDisputes) Open(_ context.Context, req dispute.OpenRequest) (*dispute.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.opened = append(f.opened, req)
	return &dispute.Case{ID: "dsp_test", EscrowID: req.EscrowID, Status: dispute.StatusVoting}, nil
}

func (f *fakeDisputes) Withdraw(_ context.Context, caseID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawn = append(f.withdrawn, caseID)
	return nil
}

type eventSink struct {
	mu     sync.Mutex
	events []*events.Event
}

func (s *eventSink) Publish(e *events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) types() []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Type, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

type usageSink struct {
	mu      sync.Mutex
	wallets []string
	volume  decimal.Decimal
}

func (u *usageSink) RecordUsage(_ context.Context, wallet string, amountUSD, _ decimal.Decimal) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.wallets = append(u.wallets, wallet)
	u.volume = u.volume.Add(amountUSD)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	evm      *chains.Simulated
	legs     *payout.MemoryStore
	disputes *fakeDisputes
	events   *eventSink
	usage    *usageSink
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := chains.LoadRegistry("")
	require.NoError(t, err)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	evm := chains.NewSimulated(chains.FamilyEVM)
	adapter := chains.NewAdapter(reg,
		chains.WithBackend(chains.NewSimulated(chains.FamilyLedger)),
		chains.WithBackend(evm),
		chains.WithLogger(quiet),
	)

	f := &fixture{
		store:    NewMemoryStore(),
		evm:      evm,
		legs:     payout.NewMemoryStore(),
		disputes: &fakeDisputes{},
		events:   &eventSink{},
		usage:    &usageSink{},
		clock:    &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.svc = NewService(f.store, adapter, payout.NewExecutor(f.legs, nil, quiet)).
		WithDisputes(f.disputes).
		WithFees(fees.NewQuoter(fees.DefaultSchedule(), adapter, nil), map[string]string{"polygon": platformAddr}).
		WithUsage(f.usage).
		WithEvents(f.events).
		WithMinHold(24 * time.Hour).
		WithLogger(quiet).
		WithClock(f.clock.Now)
	return f
}

func sale() CreateRequest {
	return CreateRequest{
		Chain:      "polygon",
		Buyer:      buyerAddr,
		Seller:     sellerAddr,
		Arbitrator: arbiterAddr,
		AmountUSD:  decimal.NewFromInt(20_000),
	}
}

func (f *fixture) locked(t *testing.T, req CreateRequest) *Escrow {
	t.Helper()
	ctx := context.Background()
	e, err := f.svc.Create(ctx, req)
	require.NoError(t, err)
	e, err = f.svc.LockFunds(ctx, e.ID)
	require.NoError(t, err)
	return e
}

func (f *fixture) callsTo(op chains.Operation, to string) []chains.SimCall {
	var out []chains.SimCall
	for _, c := range f.evm.Calls() {
		if c.Op == op && c.To == to {
			out = append(out, c)
		}
	}
	return out
}

func TestCreate_Pending(t *testing.T) {
	f := newFixture(t)

	e, err := f.svc.Create(context.Background(), sale())
	require.NoError(t, err)

	assert.Equal(t, StatusPending, e.Status)
	assert.True(t, strings.HasPrefix(e.ID, "polygon:esc_"), e.ID)
	assert.True(t, e.ExpiresAt.After(e.CreatedAt))
	assert.Equal(t, e.CreatedAt.Add(14*24*time.Hour), e.ExpiresAt)
	require.Len(t, e.Conditions, 1)
	assert.Equal(t, ConditionDelivery, e.Conditions[0].Type)
	assert.False(t, e.Conditions[0].Fulfilled)

	// 1.0% base * 0.8 polygon multiplier on $20,000.
	assert.Equal(t, "160.00", e.FeeUSD.StringFixed(2))
	assert.Equal(t, "20160000000", e.AssetAmount)
	assert.Equal(t, "USDC", e.AssetSymbol)
	assert.Equal(t, []events.Type{events.EscrowCreated}, f.events.types())
}

func TestCreate_NoFeeWithoutPlatformWallet(t *testing.T) {
	f := newFixture(t)
	req := sale()
	req.Chain = "base"

	e, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, e.FeeUSD.IsZero())
	assert.Equal(t, "20000000000", e.AssetAmount)
}

func TestCreate_SeedsConditions(t *testing.T) {
	f := newFixture(t)
	req := sale()
	req.Metadata = Metadata{DeliveryMethod: "insured courier", InspectionHours: 48}
	req.Conditions = []ConditionSpec{{Type: ConditionCustom, Description: "Authenticity certificate matches serial"}}

	e, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, e.Conditions, 3)
	assert.Equal(t, ConditionDelivery, e.Conditions[0].Type)
	assert.Contains(t, e.Conditions[0].Description, "insured courier")
	assert.Equal(t, ConditionInspection, e.Conditions[1].Type)
	assert.Equal(t, ConditionCustom, e.Conditions[2].Type)
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateRequest)
		field  string
	}{
		{"zero amount", func(r *CreateRequest) { r.AmountUSD = decimal.Zero }, "amountUsd"},
		{"negative amount", func(r *CreateRequest) { r.AmountUSD = decimal.NewFromInt(-5) }, "amountUsd"},
		{"malformed buyer", func(r *CreateRequest) { r.Buyer = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh" }, "buyer"},
		{"missing seller", func(r *CreateRequest) { r.Seller = "" }, "seller"},
		{"self dealing", func(r *CreateRequest) { r.Seller = strings.ToUpper(r.Buyer[:2]) + r.Buyer[2:] }, "seller"},
		{"hold too short", func(r *CreateRequest) { r.ExpirationDays = -1 }, "expirationDays"},
		{"unknown condition", func(r *CreateRequest) { r.Conditions = []ConditionSpec{{Type: "vibes"}} }, "conditions[0].type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := sale()
			tt.mutate(&req)

			_, err := f.svc.Create(context.Background(), req)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindValidation), err)
			found := false
			for _, v := range apperr.ViolationsOf(err) {
				if strings.HasPrefix(v, tt.field+":") {
					found = true
				}
			}
			assert.True(t, found, "violations %v should name %s", apperr.ViolationsOf(err), tt.field)
		})
	}
}

func TestCreate_MinimumHold(t *testing.T) {
	f := newFixture(t)
	f.svc.WithMinHold(72 * time.Hour)
	req := sale()
	req.ExpirationDays = 2

	_, err := f.svc.Create(context.Background(), req)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Contains(t, err.Error(), ErrHoldTooShort.Error())
}

func TestCreate_UnsupportedChain(t *testing.T) {
	f := newFixture(t)
	req := sale()
	req.Chain = "dogecoin"

	_, err := f.svc.Create(context.Background(), req)
	assert.ErrorIs(t, err, chains.ErrUnsupportedChain)
	assert.Contains(t, err.Error(), "dogecoin")
}

func TestLockFunds_BackendFailureLeavesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, err := f.svc.Create(ctx, sale())
	require.NoError(t, err)

	f.evm.FailNext(chains.OpLock, "execution_reverted")
	_, err = f.svc.LockFunds(ctx, e.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBackend))
	assert.Equal(t, "execution_reverted", apperr.CodeOf(err))

	got, err := f.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, f.usage.wallets)

	got, err = f.svc.LockFunds(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, got.Status)
	assert.NotEmpty(t, got.LockTxHash)
	assert.Equal(t, "sim:"+e.ID, got.LockRef)
	assert.Equal(t, "20160000000", f.evm.Locked(got.LockRef).String())
	assert.Equal(t, []string{buyerAddr}, f.usage.wallets)
}

func TestLockFunds_UnknownOutcomeBlocksRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, err := f.svc.Create(ctx, sale())
	require.NoError(t, err)

	f.evm.Hang(chains.OpLock, true)
	tctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	_, err = f.svc.LockFunds(tctx, e.ID)
	cancel()
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindOutcomeUnknown))
	f.evm.Hang(chains.OpLock, false)

	got, err := f.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	require.NotNil(t, got.LockUnresolvedAt)

	_, err = f.svc.LockFunds(ctx, e.ID)
	assert.True(t, apperr.Is(err, apperr.KindState))
	assert.ErrorIs(t, err, ErrLockUnresolved)
	assert.Len(t, f.evm.Calls(), 1, "no second lock submitted")

	_, err = f.svc.Cancel(ctx, e.ID, buyerAddr)
	assert.ErrorIs(t, err, ErrLockUnresolved)

	f.clock.Advance(15 * 24 * time.Hour)
	cancelled, err := f.svc.CancelExpired(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, cancelled)
}

func TestResolveLock(t *testing.T) {
	ctx := context.Background()
	unresolved := func(t *testing.T) (*fixture, *Escrow) {
		t.Helper()
		f := newFixture(t)
		e, err := f.svc.Create(ctx, sale())
		require.NoError(t, err)
		f.evm.Hang(chains.OpLock, true)
		tctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		_, err = f.svc.LockFunds(tctx, e.ID)
		require.True(t, apperr.Is(err, apperr.KindOutcomeUnknown))
		f.evm.Hang(chains.OpLock, false)
		return f, e
	}

	t.Run("landed lock becomes locked", func(t *testing.T) {
		f, e := unresolved(t)
		landed := f.evm.Calls()[0]

		_, err := f.svc.ResolveLock(ctx, e.ID, ResolveLockRequest{Landed: true})
		assert.True(t, apperr.Is(err, apperr.KindValidation))

		got, err := f.svc.ResolveLock(ctx, e.ID, ResolveLockRequest{Landed: true, Reference: landed.Ref, TxHash: landed.TxHash})
		require.NoError(t, err)
		assert.Equal(t, StatusLocked, got.Status)
		assert.Nil(t, got.LockUnresolvedAt)
		assert.Equal(t, landed.TxHash, got.LockTxHash)
		assert.Equal(t, []string{buyerAddr}, f.usage.wallets)

		_, err = f.svc.ResolveLock(ctx, e.ID, ResolveLockRequest{})
		assert.True(t, apperr.Is(err, apperr.KindState))
	})

	t.Run("lock that never landed can be retried", func(t *testing.T) {
		f := newFixture(t)
		e, err := f.svc.Create(ctx, sale())
		require.NoError(t, err)
		at := f.clock.Now()
		e.LockUnresolvedAt = &at
		require.NoError(t, f.store.Update(ctx, e))

		got, err := f.svc.ResolveLock(ctx, e.ID, ResolveLockRequest{Landed: false})
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Nil(t, got.LockUnresolvedAt)

		got, err = f.svc.LockFunds(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusLocked, got.Status)
	})
}

func TestLockFunds_RequiresPending(t *testing.T) {
	f := newFixture(t)
	e := f.locked(t, sale())

	_, err := f.svc.LockFunds(context.Background(), e.ID)
	assert.True(t, apperr.Is(err, apperr.KindState))
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = f.svc.LockFunds(context.Background(), "polygon:esc_missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestLockFunds_Expired(t *testing.T) {
	f := newFixture(t)
	e, err := f.svc.Create(context.Background(), sale())
	require.NoError(t, err)
	f.clock.Advance(15 * 24 * time.Hour)

	_, err = f.svc.LockFunds(context.Background(), e.ID)
	assert.True(t, apperr.Is(err, apperr.KindState))
	assert.Empty(t, f.evm.Calls())
}

func TestConfirmCondition_Idempotent(t *testing.T) {
	f := newFixture(t)
	e := f.locked(t, sale())
	ctx := context.Background()

	first, err := f.svc.ConfirmCondition(ctx, e.ID, ConditionDelivery, buyerAddr)
	require.NoError(t, err)
	require.True(t, first.Conditions[0].Fulfilled)
	fulfilledAt := *first.Conditions[0].FulfilledAt

	f.clock.Advance(time.Hour)
	second, err := f.svc.ConfirmCondition(ctx, e.ID, ConditionDelivery, buyerAddr)
	require.NoError(t, err)
	assert.Equal(t, fulfilledAt, *second.Conditions[0].FulfilledAt)
	assert.Equal(t, StatusLocked, second.Status, "no auto-release without the flag")
}

func TestConfirmCondition_RequiresLocked(t *testing.T) {
	f := newFixture(t)
	e, err := f.svc.Create(context.Background(), sale())
	require.NoError(t, err)

	_, err = f.svc.ConfirmCondition(context.Background(), e.ID, ConditionDelivery, buyerAddr)
	assert.True(t, apperr.Is(err, apperr.KindState))
}

func TestConfirmCondition_Authorization(t *testing.T) {
	f := newFixture(t)
	e := f.locked(t, sale())
	ctx := context.Background()

	_, err := f.svc.ConfirmCondition(ctx, e.ID, ConditionDelivery, sellerAddr)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.ConfirmCondition(ctx, e.ID, ConditionDelivery, strangerAddr)
	assert.ErrorIs(t, err, ErrUnauthorized)

	got, err := f.svc.ConfirmCondition(ctx, e.ID, ConditionDelivery, arbiterAddr)
	require.NoError(t, err)
	assert.Equal(t, arbiterAddr, got.Conditions[0].FulfilledBy)
}

func TestConfirmCondition_DualConfirmation(t *testing.T) {
	f := newFixture(t)
	req := sale()
	req.Metadata.DualConfirmation = true
	e := f.locked(t, req)
	ctx := context.Background()

	got, err := f.svc.ConfirmCondition(ctx, e.ID, ConditionDelivery, buyerAddr)
	require.NoError(t, err)
	assert.False(t, got.Conditions[0].Fulfilled)
	assert.Equal(t, []string{buyerAddr}, got.Conditions[0].Confirmations)

	got, err = f.svc.ConfirmCondition(ctx, e.ID, ConditionDelivery, buyerAddr)
	require.NoError(t, err)
	assert.False(t, got.Conditions[0].Fulfilled, "the same party twice is not dual")

	got, err = f.svc.ConfirmCondition(ctx, e.ID, ConditionDelivery, sellerAddr)
	require.NoError(t, err)
	assert.True(t, got.Conditions[0].Fulfilled)
	assert.Equal(t, sellerAddr, got.Conditions[0].FulfilledBy)
}

func TestConfirmCondition_InspectionAfterDelivery(t *testing.T) {
	f := newFixture(t)
	req := sale()
	req.Metadata.InspectionHours = 24
	e := f.locked(t, req)

	_, err := f.svc.ConfirmCondition(context.Background(), e.ID, ConditionInspection, buyerAddr)
	assert.True(t, apperr.Is(err, apperr.KindState))

	_, err = f.svc.ConfirmCondition(context.Background(), e.ID, ConditionCustom, buyerAddr)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.ErrorIs(t, err, ErrConditionNotFound)
}

func TestConfirmCondition_AutoRelease(t *testing.T) {
	f := newFixture(t)
	req := sale()
	req.Metadata.AutoRelease = true
	e := f.locked(t, req)

	got, err := f.svc.ConfirmCondition(context.Background(), e.ID, ConditionDelivery, buyerAddr)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	require.NotNil(t, got.ClosedAt)

	seller := f.callsTo(chains.OpRelease, sellerAddr)
	require.Len(t, seller, 1)
	assert.Equal(t, "20000000000", seller[0].Amount.String())
	assert.Equal(t, "escrow_release", seller[0].Memo.Type)
	fee := f.callsTo(chains.OpRelease, platformAddr)
	require.Len(t, fee, 1)
	assert.Equal(t, "160000000", fee[0].Amount.String())
	assert.Zero(t, f.evm.Locked(got.LockRef).Sign(), "lock fully paid out")

	legs, err := f.legs.ListByReference(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Len(t, legs, 2)
	assert.Contains(t, f.events.types(), events.EscrowReleased)
}

func TestConfirmCondition_AutoReleaseFailureKeepsConfirmation(t *testing.T) {
	f := newFixture(t)
	req := sale()
	req.Metadata.AutoRelease = true
	e := f.locked(t, req)

	f.evm.FailNext(chains.OpRelease, "out_of_gas")
	got, err := f.svc.ConfirmCondition(context.Background(), e.ID, ConditionDelivery, buyerAddr)
	require.ErrorIs(t, err, ErrAutoReleaseFailed)
	assert.True(t, apperr.Is(err, apperr.KindBackend))
	assert.Equal(t, "out_of_gas", apperr.CodeOf(err))
	require.NotNil(t, got)
	assert.Equal(t, StatusLocked, got.Status)
	assert.True(t, got.Conditions[0].Fulfilled)

	stored, err := f.svc.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.True(t, stored.Conditions[0].Fulfilled, "confirmation persisted despite the failed release")

	released, err := f.svc.AdvanceLocked(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	got, err = f.svc.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	assert.Len(t, f.callsTo(chains.OpRelease, sellerAddr), 1)
}

func TestReleaseFunds_FailureStaysLockedAndRetryPaysOnce(t *testing.T) {
	f := newFixture(t)
	e := f.locked(t, sale())
	ctx := context.Background()

	// The seller leg is rejected; nothing has moved yet.
	f.evm.FailNext(chains.OpRelease, "reverted")
	_, err := f.svc.ReleaseFunds(ctx, e.ID, buyerAddr)
	require.Error(t, err)

	got, err := f.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, got.Status)

	got, err = f.svc.ReleaseFunds(ctx, e.ID, buyerAddr)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	assert.Len(t, f.callsTo(chains.OpRelease, sellerAddr), 1, "seller is paid exactly once")
	assert.Len(t, f.callsTo(chains.OpRelease, platformAddr), 1)
}

func TestReleaseFunds_Authorization(t *testing.T) {
	f := newFixture(t)
	e := f.locked(t, sale())

	_, err := f.svc.ReleaseFunds(context.Background(), e.ID, sellerAddr)
	assert.ErrorIs(t, err, ErrUnauthorized)

	got, err := f.svc.ReleaseFunds(context.Background(), e.ID, arbiterAddr)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)

	_, err = f.svc.ReleaseFunds(context.Background(), e.ID, buyerAddr)
	assert.True(t, apperr.Is(err, apperr.KindState), "released is terminal")
}

func TestInitiateDispute_HandsOff(t *testing.T) {
	f := newFixture(t)
	e := f.locked(t, sale())

	got, err := f.svc.InitiateDispute(context.Background(), e.ID, DisputeRequest{
		Initiator: buyerAddr,
		Reason:    "Dial has a hairline crack",
		Category:  "watches",
		Evidence:  []string{"ipfs://photo-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, got.Status)
	assert.Equal(t, "dsp_test", got.DisputeID)

	require.Len(t, f.disputes.opened, 1)
	opened := f.disputes.opened[0]
	assert.Equal(t, e.ID, opened.EscrowID)
	assert.Equal(t, dispute.PartyBuyer, opened.Initiator)
	assert.True(t, opened.AmountUSD.Equal(decimal.NewFromInt(20_000)))
	assert.Equal(t, "watches", opened.Category)

	_, err = f.svc.ReleaseFunds(context.Background(), e.ID, buyerAddr)
	assert.True(t, apperr.Is(err, apperr.KindState), "disputed funds cannot be released")
}

func TestInitiateDispute_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending, err := f.svc.Create(ctx, sale())
	require.NoError(t, err)

	_, err = f.svc.InitiateDispute(ctx, pending.ID, DisputeRequest{Initiator: buyerAddr, Reason: "x"})
	assert.True(t, apperr.Is(err, apperr.KindState))

	e := f.locked(t, sale())
	_, err = f.svc.InitiateDispute(ctx, e.ID, DisputeRequest{Initiator: arbiterAddr, Reason: "x"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.InitiateDispute(ctx, e.ID, DisputeRequest{Initiator: buyerAddr})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	f.disputes.err = apperr.State("dispute.Open", dispute.ErrNotEnoughArbitrators)
	_, err = f.svc.InitiateDispute(ctx, e.ID, DisputeRequest{Initiator: sellerAddr, Reason: "buyer unresponsive"})
	assert.ErrorIs(t, err, dispute.ErrNotEnoughArbitrators)
	got, err := f.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, got.Status)
}

func (f *fixture) disputed(t *testing.T) *Escrow {
	t.Helper()
	e := f.locked(t, sale())
	e, err := f.svc.InitiateDispute(context.Background(), e.ID, DisputeRequest{Initiator: buyerAddr, Reason: "not as described"})
	require.NoError(t, err)
	return e
}

func splitResolution() dispute.Resolution {
	return dispute.Resolution{
		Outcome:   dispute.OutcomeSplitFunds,
		BuyerUSD:  decimal.NewFromInt(10_000),
		SellerUSD: decimal.NewFromInt(10_000),
	}
}

func TestApplyResolution_SplitFunds(t *testing.T) {
	f := newFixture(t)
	e := f.disputed(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ApplyResolution(ctx, e.ID, "dsp_test", splitResolution()))

	got, err := f.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, "split_funds", got.Outcome)

	refunds := f.callsTo(chains.OpRefund, buyerAddr)
	require.Len(t, refunds, 1)
	assert.Equal(t, "10000000000", refunds[0].Amount.String())
	assert.Equal(t, "dsp_test", refunds[0].Memo.Reference)
	releases := f.callsTo(chains.OpRelease, sellerAddr)
	require.Len(t, releases, 1)
	assert.Equal(t, "10000000000", releases[0].Amount.String())
	assert.Zero(t, f.evm.Locked(got.LockRef).Sign())

	// A repeated callback is a no-op.
	require.NoError(t, f.svc.ApplyResolution(ctx, e.ID, "dsp_test", splitResolution()))
	assert.Len(t, f.callsTo(chains.OpRefund, buyerAddr), 1)
}

func TestApplyResolution_BuyerWins(t *testing.T) {
	f := newFixture(t)
	e := f.disputed(t)

	require.NoError(t, f.svc.ApplyResolution(context.Background(), e.ID, "dsp_test", dispute.Resolution{
		Outcome:  dispute.OutcomeBuyerWins,
		BuyerUSD: decimal.NewFromInt(20_000),
	}))
	refunds := f.callsTo(chains.OpRefund, buyerAddr)
	require.Len(t, refunds, 1)
	assert.Equal(t, "20000000000", refunds[0].Amount.String())
	assert.Empty(t, f.callsTo(chains.OpRelease, sellerAddr))
}

func TestApplyResolution_PartialFailureRetry(t *testing.T) {
	f := newFixture(t)
	e := f.disputed(t)
	ctx := context.Background()

	f.evm.FailNext(chains.OpRelease, "nonce_too_low")
	err := f.svc.ApplyResolution(ctx, e.ID, "dsp_test", splitResolution())
	require.Error(t, err)
	assert.Equal(t, "nonce_too_low", apperr.CodeOf(err))

	got, err := f.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, got.Status)

	require.NoError(t, f.svc.ApplyResolution(ctx, e.ID, "dsp_test", splitResolution()))
	assert.Len(t, f.callsTo(chains.OpRefund, buyerAddr), 1, "buyer leg is not paid twice")
	assert.Len(t, f.callsTo(chains.OpRelease, sellerAddr), 1)
}

func TestApplyResolution_Rejections(t *testing.T) {
	f := newFixture(t)
	e := f.disputed(t)
	ctx := context.Background()

	err := f.svc.ApplyResolution(ctx, e.ID, "dsp_other", splitResolution())
	assert.True(t, apperr.Is(err, apperr.KindState))

	err = f.svc.ApplyResolution(ctx, e.ID, "dsp_test", dispute.Resolution{Outcome: "coin_flip", BuyerUSD: decimal.NewFromInt(1)})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Empty(t, f.callsTo(chains.OpRefund, buyerAddr))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, err := f.svc.Create(ctx, sale())
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, e.ID, strangerAddr)
	assert.ErrorIs(t, err, ErrUnauthorized)

	got, err := f.svc.Cancel(ctx, e.ID, sellerAddr)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.True(t, got.IsTerminal())
	assert.Empty(t, f.evm.Calls())

	locked := f.locked(t, sale())
	_, err = f.svc.Cancel(ctx, locked.ID, buyerAddr)
	assert.True(t, apperr.Is(err, apperr.KindState))
}

func TestCancelExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale, err := f.svc.Create(ctx, sale())
	require.NoError(t, err)
	locked := f.locked(t, sale())

	f.clock.Advance(15 * 24 * time.Hour)
	n, err := f.svc.CancelExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	got, err = f.svc.Get(ctx, locked.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, got.Status, "locked escrows are never cancelled")
}

func TestAdvanceLocked_InspectionWindow(t *testing.T) {
	f := newFixture(t)
	req := sale()
	req.Metadata = Metadata{InspectionHours: 24, AutoRelease: true}
	e := f.locked(t, req)
	ctx := context.Background()

	got, err := f.svc.ConfirmCondition(ctx, e.ID, ConditionDelivery, buyerAddr)
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, got.Status)

	f.clock.Advance(23 * time.Hour)
	n, err := f.svc.AdvanceLocked(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(2 * time.Hour)
	n, err = f.svc.AdvanceLocked(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = f.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	assert.Equal(t, SystemConfirmer, got.Conditions[1].FulfilledBy)
}

func TestConcurrentConfirmReleasesOnce(t *testing.T) {
	f := newFixture(t)
	req := sale()
	req.Metadata.AutoRelease = true
	e := f.locked(t, req)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.ConfirmCondition(context.Background(), e.ID, ConditionDelivery, buyerAddr)
		}()
	}
	wg.Wait()
	assert.Len(t, f.callsTo(chains.OpRelease, sellerAddr), 1)
}

func TestMemoryStore_CopiesOnRead(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.Create(ctx, &Escrow{
		ID: "polygon:esc_x", Buyer: buyerAddr, Seller: sellerAddr, Status: StatusPending,
		Conditions: []Condition{{Type: ConditionDelivery}}, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	got, err := store.Get(ctx, "polygon:esc_x")
	require.NoError(t, err)
	got.Conditions[0].Fulfilled = true

	again, err := store.Get(ctx, "polygon:esc_x")
	require.NoError(t, err)
	assert.False(t, again.Conditions[0].Fulfilled)

	byParty, err := store.ListByParty(ctx, strings.ToUpper(buyerAddr), 10)
	require.NoError(t, err)
	assert.Len(t, byParty, 1)

	expired, err := store.ListExpired(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, expired, 1)

	err = store.Update(ctx, &Escrow{ID: "missing"})
	assert.True(t, errors.Is(err, ErrEscrowNotFound))
}

func TestTimer_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	timer := NewTimer(f.svc, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()
	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
