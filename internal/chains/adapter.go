package chains

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/mbd888/luxescrow/internal/amount"
	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/mbd888/luxescrow/internal/circuitbreaker"
	"github.com/mbd888/luxescrow/internal/metrics"
	"github.com/mbd888/luxescrow/internal/traces"
	"github.com/shopspring/decimal"
)

// DefaultCallTimeout bounds a single backend call including confirmation.
const DefaultCallTimeout = 30 * time.Second

// Adapter is the single entry point to every settlement chain.
type Adapter struct {
	registry *Registry
	backends map[Family]EscrowBackend
	breaker  *circuitbreaker.Breaker
	prices   PriceSource
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures the adapter.
type Option func(*Adapter)

// WithBackend registers the backend for its family, replacing any previous one.
func WithBackend(b EscrowBackend) Option {
	return func(a *Adapter) { a.backends[b.Family()] = b }
}

// WithBreaker sets the per-chain circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(a *Adapter) { a.breaker = b }
}

// WithPrices sets the USD price source used for conversions and fee estimates.
func WithPrices(p PriceSource) Option {
	return func(a *Adapter) { a.prices = p }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger sets the adapter's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// NewAdapter creates an adapter over the registry.
func NewAdapter(reg *Registry, opts ...Option) *Adapter {
	a := &Adapter{
		registry: reg,
		backends: make(map[Family]EscrowBackend),
		breaker:  circuitbreaker.New(5, 30*time.Second),
		prices:   StaticPrices{},
		timeout:  DefaultCallTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Registry returns the chain registry the adapter serves.
func (a *Adapter) Registry() *Registry { return a.registry }

// IsChainSupported reports whether the chain is configured and its family
// has a backend.
func (a *Adapter) IsChainSupported(id string) bool {
	c, err := a.registry.Get(id)
	if err != nil {
		return false
	}
	_, ok := a.backends[c.Family]
	return ok
}

// GetSupportedChains returns every chain calls can be routed to.
func (a *Adapter) GetSupportedChains() []Chain {
	var out []Chain
	for _, c := range a.registry.Chains() {
		if _, ok := a.backends[c.Family]; ok {
			out = append(out, c)
		}
	}
	return out
}

// GetChainConfig returns the chain's config, or a validation error naming
// the unsupported chain.
func (a *Adapter) GetChainConfig(id string) (Chain, error) {
	c, _, err := a.resolve("chains.GetChainConfig", id)
	return c, err
}

// ValidateAddress checks addr against the chain's address format.
func (a *Adapter) ValidateAddress(chainID, addr string) error {
	const op = "chains.ValidateAddress"
	c, b, err := a.resolve(op, chainID)
	if err != nil {
		return err
	}
	if err := c.ValidateAddress(addr); err != nil {
		return apperr.Validation(op, err)
	}
	if err := b.ValidateAddress(addr); err != nil {
		return apperr.Validation(op, fmt.Errorf("%w for %s: %v", ErrInvalidAddress, chainID, err))
	}
	return nil
}

// CreateEscrow locks buyer funds on the chain.
func (a *Adapter) CreateEscrow(ctx context.Context, chainID string, req LockRequest) (*Receipt, error) {
	const op = "chains.CreateEscrow"
	c, b, err := a.resolve(op, chainID)
	if err != nil {
		return nil, err
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, apperr.Validation(op, ErrInvalidAmount, "amount: must be greater than zero")
	}
	for _, addr := range []string{req.Buyer, req.Seller} {
		if err := a.ValidateAddress(chainID, addr); err != nil {
			return nil, err
		}
	}
	return a.submit(ctx, c, OpLock, func(ctx context.Context) (*Receipt, error) {
		return b.Lock(ctx, c, req)
	})
}

// ReleaseEscrow pays p out of the lock identified by ref.
func (a *Adapter) ReleaseEscrow(ctx context.Context, chainID, ref string, p Payout) (*Receipt, error) {
	const op = "chains.ReleaseEscrow"
	c, b, err := a.resolvePayout(op, chainID, p)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, c, OpRelease, func(ctx context.Context) (*Receipt, error) {
		return b.Release(ctx, c, ref, p)
	})
}

// RefundEscrow returns p out of the lock identified by ref to the buyer.
func (a *Adapter) RefundEscrow(ctx context.Context, chainID, ref string, p Payout) (*Receipt, error) {
	const op = "chains.RefundEscrow"
	c, b, err := a.resolvePayout(op, chainID, p)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, c, OpRefund, func(ctx context.Context) (*Receipt, error) {
		return b.Refund(ctx, c, ref, p)
	})
}

// SendPayment transfers from the platform wallet.
func (a *Adapter) SendPayment(ctx context.Context, chainID string, p Payout) (*Receipt, error) {
	const op = "chains.SendPayment"
	c, b, err := a.resolvePayout(op, chainID, p)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, c, OpPay, func(ctx context.Context) (*Receipt, error) {
		return b.Pay(ctx, c, p)
	})
}

// GetTransactionStatus looks up a transaction's settlement state.
func (a *Adapter) GetTransactionStatus(ctx context.Context, chainID, txHash string) (*Receipt, error) {
	const op = "chains.GetTransactionStatus"
	c, b, err := a.resolve(op, chainID)
	if err != nil {
		return nil, err
	}
	if txHash == "" {
		return nil, apperr.Validation(op, ErrUnknownTx, "txHash: is required")
	}
	return a.read(ctx, c, OpStatus, func(ctx context.Context) (*Receipt, error) {
		return b.Status(ctx, c, txHash)
	})
}

// EstimateFees returns the network fee of op in native units and USD.
func (a *Adapter) EstimateFees(ctx context.Context, chainID string, op Operation) (*FeeEstimate, error) {
	const name = "chains.EstimateFees"
	c, b, err := a.resolve(name, chainID)
	if err != nil {
		return nil, err
	}
	var native *big.Int
	_, err = a.read(ctx, c, op, func(ctx context.Context) (*Receipt, error) {
		fee, err := b.EstimateFee(ctx, c, op)
		native = fee
		return &Receipt{Chain: c.ID, Status: TxConfirmed}, err
	})
	if err != nil {
		return nil, err
	}
	usd, err := a.NativeToUSD(ctx, chainID, native)
	if err != nil {
		return nil, err
	}
	return &FeeEstimate{
		Chain:     c.ID,
		Operation: op,
		Native:    amount.Format(native, c.Decimals),
		Symbol:    c.Symbol,
		USD:       usd,
	}, nil
}

// ConvertAmount rescales a native-unit amount between two chains' decimals.
// Converting within one chain is the identity.
func (a *Adapter) ConvertAmount(units string, fromChain, toChain string) (string, error) {
	const op = "chains.ConvertAmount"
	from, _, err := a.resolve(op, fromChain)
	if err != nil {
		return "", err
	}
	to, _, err := a.resolve(op, toChain)
	if err != nil {
		return "", err
	}
	v, ok := new(big.Int).SetString(units, 10)
	if !ok || v.Sign() < 0 {
		return "", apperr.Validation(op, fmt.Errorf("%w: %q is not a non-negative integer unit amount", ErrInvalidAmount, units))
	}
	if from.ID == to.ID {
		return v.String(), nil
	}
	out, err := amount.Rescale(v, from.Decimals, to.Decimals)
	if err != nil {
		return "", apperr.Validation(op, err)
	}
	return out.String(), nil
}

// USDToNative converts a USD figure into native units at the current price.
func (a *Adapter) USDToNative(ctx context.Context, chainID string, usd decimal.Decimal) (*big.Int, error) {
	const op = "chains.USDToNative"
	c, _, err := a.resolve(op, chainID)
	if err != nil {
		return nil, err
	}
	price, err := a.prices.USDPrice(ctx, c)
	if err != nil {
		return nil, apperr.Backend(op, "price_unavailable", err)
	}
	qty := usd.DivRound(price, int32(c.Decimals)+4)
	return amount.ToUnits(qty, c.Decimals), nil
}

// NativeToUSD converts native units into USD rounded to cents.
func (a *Adapter) NativeToUSD(ctx context.Context, chainID string, units *big.Int) (decimal.Decimal, error) {
	const op = "chains.NativeToUSD"
	c, _, err := a.resolve(op, chainID)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := a.prices.USDPrice(ctx, c)
	if err != nil {
		return decimal.Zero, apperr.Backend(op, "price_unavailable", err)
	}
	return amount.USD(amount.FromUnits(units, c.Decimals).Mul(price)), nil
}

func (a *Adapter) resolve(op, chainID string) (Chain, EscrowBackend, error) {
	c, err := a.registry.Get(chainID)
	if err != nil {
		return Chain{}, nil, apperr.Validation(op, err)
	}
	b, ok := a.backends[c.Family]
	if !ok {
		return Chain{}, nil, apperr.Validation(op, fmt.Errorf("%w: %q (%s: %v)", ErrUnsupportedChain, chainID, c.Family, ErrNoBackend))
	}
	return c, b, nil
}

func (a *Adapter) resolvePayout(op, chainID string, p Payout) (Chain, EscrowBackend, error) {
	c, b, err := a.resolve(op, chainID)
	if err != nil {
		return Chain{}, nil, err
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return Chain{}, nil, apperr.Validation(op, ErrInvalidAmount, "amount: must be greater than zero")
	}
	if err := a.ValidateAddress(chainID, p.To); err != nil {
		return Chain{}, nil, err
	}
	return c, b, nil
}

// submit runs a fund-moving call exactly once. A call whose result could not
// be observed is reported as outcome unknown; it is never retried here.
func (a *Adapter) submit(ctx context.Context, c Chain, op Operation, fn func(context.Context) (*Receipt, error)) (*Receipt, error) {
	return a.call(ctx, c, op, true, fn)
}

// read runs a call that does not move funds.
func (a *Adapter) read(ctx context.Context, c Chain, op Operation, fn func(context.Context) (*Receipt, error)) (*Receipt, error) {
	return a.call(ctx, c, op, false, fn)
}

func (a *Adapter) call(ctx context.Context, c Chain, op Operation, moving bool, fn func(context.Context) (*Receipt, error)) (rec *Receipt, err error) {
	name := "chains." + string(op)
	if gerr := a.breaker.Guard(c.ID); gerr != nil {
		metrics.ChainCallsTotal.WithLabelValues(c.ID, string(op), "circuit_open").Inc()
		return nil, apperr.Backend(name, "circuit_open", gerr)
	}

	ctx, span := traces.StartSpan(ctx, name, traces.Chain(c.ID), traces.Operation(string(op)))
	defer func() { traces.End(span, err) }()

	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	rec, err = fn(cctx)
	metrics.ChainCallDuration.WithLabelValues(c.ID, string(op)).Observe(time.Since(start).Seconds())

	result, err := a.classify(name, c, moving, cctx, rec, err)
	metrics.ChainCallsTotal.WithLabelValues(c.ID, string(op), result).Inc()
	a.breaker.Record(c.ID, result == "ok" || result == "rejected")
	if err != nil {
		if result == "unknown" {
			a.logger.Warn("chain call outcome unknown",
				"chain", c.ID, "op", op, "error", err)
		}
		return nil, err
	}
	if rec.Chain == "" {
		rec.Chain = c.ID
	}
	if rec.TxHash != "" {
		span.SetAttributes(traces.TxHash(rec.TxHash))
	}
	return rec, nil
}

func (a *Adapter) classify(name string, c Chain, moving bool, cctx context.Context, rec *Receipt, err error) (string, error) {
	if err == nil {
		switch {
		case rec == nil:
			err = errors.New("backend returned no receipt")
		case moving && rec.Status == TxFailed:
			return "rejected", apperr.Backend(name, rec.ResultCode, rejected(Operation(name), rec.TxHash, rec.ResultCode))
		case moving && rec.Status != TxConfirmed:
			return "unknown", apperr.OutcomeUnknown(name, fmt.Errorf("%s transaction %s not final on %s", name, rec.TxHash, c.ID))
		default:
			return "ok", nil
		}
	}

	var txErr *TxError
	if errors.As(err, &txErr) {
		return "rejected", apperr.Backend(name, txErr.Code, err)
	}
	if errors.Is(err, ErrUnknownTx) && !moving {
		return "rejected", apperr.NotFound(name, err)
	}

	timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded)
	if moving {
		if timedOut {
			err = fmt.Errorf("timed out after %s: %w", a.timeout, err)
		}
		return "unknown", apperr.OutcomeUnknown(name, err)
	}
	code := "unavailable"
	if timedOut {
		code = "timeout"
	}
	return "unknown", apperr.Backend(name, code, err)
}
