package chains

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/mbd888/luxescrow/internal/circuitbreaker"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSims struct {
	ledger  *Simulated
	evm     *Simulated
	program *Simulated
}

func newTestAdapter(t *testing.T, opts ...Option) (*Adapter, testSims) {
	t.Helper()
	reg, err := LoadRegistry("")
	require.NoError(t, err)

	sims := testSims{
		ledger:  NewSimulated(FamilyLedger),
		evm:     NewSimulated(FamilyEVM),
		program: NewSimulated(FamilyProgram),
	}
	all := []Option{
		WithBackend(sims.ledger),
		WithBackend(sims.evm),
		WithBackend(sims.program),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return NewAdapter(reg, append(all, opts...)...), sims
}

func lockRequest(id, buyer, seller string, units int64) LockRequest {
	return LockRequest{
		EscrowID:  id,
		Buyer:     buyer,
		Seller:    seller,
		Amount:    big.NewInt(units),
		ExpiresAt: time.Now().Add(14 * 24 * time.Hour),
		Memo:      Memo{Type: "escrow_lock", EscrowID: id},
	}
}

func TestAdapter_SupportedChains(t *testing.T) {
	reg, err := LoadRegistry("")
	require.NoError(t, err)
	a := NewAdapter(reg, WithBackend(NewSimulated(FamilyEVM)))

	assert.True(t, a.IsChainSupported("ethereum"))
	assert.True(t, a.IsChainSupported("base"))
	assert.False(t, a.IsChainSupported("xrpl"), "no ledger backend registered")
	assert.False(t, a.IsChainSupported("dogecoin"))
	assert.Len(t, a.GetSupportedChains(), 3)

	_, err = a.GetChainConfig("xrpl")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedChain))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestAdapter_ConvertAmount(t *testing.T) {
	a, _ := newTestAdapter(t)

	tests := []struct {
		name     string
		units    string
		from, to string
		want     string
	}{
		{"scale up", "1000000", "xrpl", "ethereum", "1000000000000000000"},
		{"scale down", "1500000000000000000", "ethereum", "xrpl", "1500000"},
		{"truncates", "1999999999999", "ethereum", "polygon", "1"},
		{"same decimals", "42", "polygon", "base", "42"},
		{"same chain", "123456789", "solana", "solana", "123456789"},
		{"solana to xrpl", "2500000000", "solana", "xrpl", "2500000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.ConvertAmount(tt.units, tt.from, tt.to)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAdapter_ConvertAmountRejects(t *testing.T) {
	a, _ := newTestAdapter(t)

	_, err := a.ConvertAmount("-5", "xrpl", "ethereum")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = a.ConvertAmount("1.5", "xrpl", "ethereum")
	assert.True(t, errors.Is(err, ErrInvalidAmount))

	_, err = a.ConvertAmount("100", "xrpl", "dogecoin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedChain))
	assert.Contains(t, err.Error(), "dogecoin")
}

func TestAdapter_ValidateAddress(t *testing.T) {
	a, _ := newTestAdapter(t)

	assert.NoError(t, a.ValidateAddress("xrpl", xrplBuyer))
	assert.NoError(t, a.ValidateAddress("base", evmBuyer))
	assert.NoError(t, a.ValidateAddress("solana", solanaBuyer))

	err := a.ValidateAddress("ethereum", xrplBuyer)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidAddress))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestAdapter_CreateAndRelease(t *testing.T) {
	a, sims := newTestAdapter(t)
	ctx := context.Background()

	rec, err := a.CreateEscrow(ctx, "xrpl", lockRequest("xrpl:esc1", xrplBuyer, xrplSeller, 5_000_000))
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, rec.Status)
	assert.Equal(t, "xrpl", rec.Chain)
	assert.Equal(t, "sim:xrpl:esc1", rec.Reference)
	assert.NotEmpty(t, rec.TxHash)
	assert.Equal(t, int64(5_000_000), sims.ledger.Locked(rec.Reference).Int64())

	rel, err := a.ReleaseEscrow(ctx, "xrpl", rec.Reference, Payout{To: xrplSeller, Amount: big.NewInt(3_000_000)})
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, rel.Status)
	assert.Equal(t, int64(2_000_000), sims.ledger.Locked(rec.Reference).Int64())

	status, err := a.GetTransactionStatus(ctx, "xrpl", rel.TxHash)
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, status.Status)

	// over-release is an explicit chain rejection
	_, err = a.ReleaseEscrow(ctx, "xrpl", rec.Reference, Payout{To: xrplSeller, Amount: big.NewInt(3_000_000)})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBackend))
	assert.Equal(t, "insufficient_escrow", apperr.CodeOf(err))
}

func TestAdapter_CreateEscrowValidation(t *testing.T) {
	a, sims := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.CreateEscrow(ctx, "ethereum", lockRequest("e1", xrplBuyer, evmSeller, 100))
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = a.CreateEscrow(ctx, "ethereum", lockRequest("e1", evmBuyer, evmSeller, 0))
	assert.True(t, errors.Is(err, ErrInvalidAmount))

	_, err = a.CreateEscrow(ctx, "dogecoin", lockRequest("e1", evmBuyer, evmSeller, 100))
	assert.True(t, errors.Is(err, ErrUnsupportedChain))

	assert.Empty(t, sims.evm.Calls(), "validation failures must not reach the chain")
}

func TestAdapter_Rejection(t *testing.T) {
	a, sims := newTestAdapter(t)
	sims.ledger.FailNext(OpPay, "tecNO_DST")

	_, err := a.SendPayment(context.Background(), "xrpl", Payout{To: xrplSeller, Amount: big.NewInt(10)})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBackend))
	assert.Equal(t, "tecNO_DST", apperr.CodeOf(err))
	assert.True(t, errors.Is(err, ErrTxRejected))
}

func TestAdapter_TimeoutIsOutcomeUnknown(t *testing.T) {
	a, sims := newTestAdapter(t, WithTimeout(20*time.Millisecond))
	sims.evm.Hang(OpPay, true)

	_, err := a.SendPayment(context.Background(), "base", Payout{To: evmSeller, Amount: big.NewInt(10)})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindOutcomeUnknown))
	assert.Len(t, sims.evm.Calls(), 1, "the payment landed even though the caller never saw it")
}

func TestAdapter_BreakerOpensOnUnknownOutcomes(t *testing.T) {
	a, sims := newTestAdapter(t,
		WithTimeout(10*time.Millisecond),
		WithBreaker(circuitbreaker.New(2, time.Minute)),
	)
	sims.evm.Hang(OpPay, true)
	ctx := context.Background()
	p := Payout{To: evmSeller, Amount: big.NewInt(10)}

	for i := 0; i < 2; i++ {
		_, err := a.SendPayment(ctx, "polygon", p)
		require.True(t, apperr.Is(err, apperr.KindOutcomeUnknown))
	}

	_, err := a.SendPayment(ctx, "polygon", p)
	require.Error(t, err)
	assert.Equal(t, "circuit_open", apperr.CodeOf(err))
	assert.Len(t, sims.evm.Calls(), 2)

	// other chains of the same family are unaffected
	sims.evm.Hang(OpPay, false)
	_, err = a.SendPayment(ctx, "base", p)
	assert.NoError(t, err)
}

func TestAdapter_RejectionsKeepBreakerClosed(t *testing.T) {
	a, sims := newTestAdapter(t, WithBreaker(circuitbreaker.New(2, time.Minute)))
	ctx := context.Background()
	p := Payout{To: solanaSeller, Amount: big.NewInt(10)}

	for i := 0; i < 3; i++ {
		sims.program.FailNext(OpPay, "InsufficientFunds")
		_, err := a.SendPayment(ctx, "solana", p)
		require.True(t, apperr.Is(err, apperr.KindBackend))
	}
	_, err := a.SendPayment(ctx, "solana", p)
	assert.NoError(t, err)
}

func TestAdapter_GetTransactionStatusUnknown(t *testing.T) {
	a, _ := newTestAdapter(t)

	_, err := a.GetTransactionStatus(context.Background(), "solana", "nope")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = a.GetTransactionStatus(context.Background(), "solana", "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestAdapter_USDConversions(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	units, err := a.USDToNative(ctx, "ethereum", decimal.NewFromInt(3200))
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", units.String())

	units, err = a.USDToNative(ctx, "xrpl", decimal.RequireFromString("0.55"))
	require.NoError(t, err)
	assert.Equal(t, "1000000", units.String())

	units, err = a.USDToNative(ctx, "base", decimal.RequireFromString("1234.56"))
	require.NoError(t, err)
	assert.Equal(t, "1234560000", units.String())

	usd, err := a.NativeToUSD(ctx, "solana", big.NewInt(2_000_000_000))
	require.NoError(t, err)
	assert.Equal(t, "300.00", usd.StringFixed(2))
}

func TestAdapter_EstimateFees(t *testing.T) {
	a, _ := newTestAdapter(t)

	est, err := a.EstimateFees(context.Background(), "solana", OpRelease)
	require.NoError(t, err)
	assert.Equal(t, "solana", est.Chain)
	assert.Equal(t, "SOL", est.Symbol)
	assert.Equal(t, "0.000005000", est.Native)
	assert.Equal(t, "0.00", est.USD.StringFixed(2))
}
