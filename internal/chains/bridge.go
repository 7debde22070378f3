package chains

import (
	"fmt"

	"github.com/mbd888/luxescrow/internal/amount"
	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/shopspring/decimal"
)

type routeKey struct{ from, to string }

// Route is a bridgeable chain pair.
type Route struct {
	From             string          `json:"from"`
	To               string          `json:"to"`
	EstimatedMinutes int             `json:"estimatedMinutes"`
	FeeUSD           decimal.Decimal `json:"feeUsd"`
	FeeRate          decimal.Decimal `json:"feeRate"`
	MinUSD           decimal.Decimal `json:"minUsd"`
	MaxUSD           decimal.Decimal `json:"maxUsd"`
}

// BridgeQuote is the cost of moving an amount across a route.
type BridgeQuote struct {
	Route
	AmountUSD   decimal.Decimal `json:"amountUsd"`
	TotalFeeUSD decimal.Decimal `json:"totalFeeUsd"`
	ReceiveUSD  decimal.Decimal `json:"receiveUsd"`
}

// Bridge answers cross-chain routing questions from the registry.
type Bridge struct {
	registry *Registry
}

// NewBridge creates a bridge over the registry's routes.
func NewBridge(r *Registry) *Bridge {
	return &Bridge{registry: r}
}

// Route returns the route between two chains.
func (b *Bridge) Route(from, to string) (Route, error) {
	const op = "chains.BridgeRoute"
	for _, id := range []string{from, to} {
		if _, err := b.registry.Get(id); err != nil {
			return Route{}, apperr.Validation(op, err)
		}
	}
	if from == to {
		return Route{}, apperr.Validation(op, fmt.Errorf("%w: %s to itself needs no bridge", ErrUnsupportedRoute, from))
	}
	rt, ok := b.registry.routes[routeKey{from, to}]
	if !ok {
		return Route{}, apperr.Validation(op, fmt.Errorf("%w: no bridge from %s to %s", ErrUnsupportedRoute, from, to))
	}
	return rt, nil
}

// Routes lists every route leaving a chain. An empty from lists all routes.
func (b *Bridge) Routes(from string) []Route {
	var out []Route
	for _, rt := range b.registry.Routes() {
		if from == "" || rt.From == from {
			out = append(out, rt)
		}
	}
	return out
}

// Quote prices a transfer of amountUSD across from -> to. Amounts outside
// the route's limits are rejected with the limit in the message.
func (b *Bridge) Quote(from, to string, amountUSD decimal.Decimal) (*BridgeQuote, error) {
	const op = "chains.BridgeQuote"
	rt, err := b.Route(from, to)
	if err != nil {
		return nil, err
	}
	if !amountUSD.IsPositive() {
		return nil, apperr.Validation(op, ErrInvalidAmount, "amountUsd: must be greater than zero")
	}
	if amountUSD.LessThan(rt.MinUSD) {
		return nil, apperr.Validation(op, fmt.Errorf("%w: %s is below the %s->%s minimum of $%s", ErrInvalidAmount, amountUSD.StringFixed(2), from, to, rt.MinUSD.StringFixed(2)))
	}
	if rt.MaxUSD.IsPositive() && amountUSD.GreaterThan(rt.MaxUSD) {
		return nil, apperr.Validation(op, fmt.Errorf("%w: %s exceeds the %s->%s maximum of $%s", ErrInvalidAmount, amountUSD.StringFixed(2), from, to, rt.MaxUSD.StringFixed(2)))
	}

	fee := amount.USD(rt.FeeUSD.Add(amountUSD.Mul(rt.FeeRate)))
	return &BridgeQuote{
		Route:       rt,
		AmountUSD:   amount.USD(amountUSD),
		TotalFeeUSD: fee,
		ReceiveUSD:  amount.USD(amountUSD).Sub(fee),
	}, nil
}
