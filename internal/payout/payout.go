// Package payout executes settlement legs exactly once.
//
// Every chain payment that moves escrowed or platform funds is a Leg keyed
// by (reference, role), where reference is the escrow id or sale id. A leg
// is claimed in the store before it is submitted, so a retry after a
// partial failure skips legs that already confirmed and refuses legs whose
// outcome is unknown until reconciliation settles them.
package payout

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/mbd888/luxescrow/internal/chains"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("payout: leg not found")
	ErrInFlight       = errors.New("payout: leg is already being submitted")
	ErrOutcomeUnknown = errors.New("payout: leg outcome unknown, reconcile before retrying")
	ErrInvalidLeg     = errors.New("payout: invalid leg")
)

// Role is the recipient class of a leg.
type Role string

const (
	RoleSeller   Role = "seller"
	RoleBuyer    Role = "buyer"
	RolePlatform Role = "platform"
	RoleBroker   Role = "broker"
)

// Status is the settlement state of a leg.
type Status string

const (
	StatusInFlight  Status = "in_flight"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
)

// Leg is one chain payment.
type Leg struct {
	Reference  string          `json:"reference"`
	Role       Role            `json:"role"`
	Chain      string          `json:"chain"`
	To         string          `json:"to"`
	Amount     *big.Int        `json:"amount"`
	AmountUSD  decimal.Decimal `json:"amountUsd"`
	Memo       chains.Memo     `json:"memo"`
	Status     Status          `json:"status"`
	TxHash     string          `json:"txHash,omitempty"`
	ResultCode string          `json:"resultCode,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Key is the idempotency key handed to the chain backend.
func (l *Leg) Key() string {
	return l.Reference + ":" + string(l.Role)
}

// Settled reports whether the leg needs no further submission.
func (l *Leg) Settled() bool {
	return l.Status == StatusConfirmed
}

// Store persists legs. Claim is the only way a leg enters in_flight.
type Store interface {
	// Claim inserts leg as in_flight, or takes over an existing failed leg
	// with the same key. Otherwise it returns the existing leg and false.
	Claim(ctx context.Context, leg *Leg) (*Leg, bool, error)
	// Finish records the result of a submission.
	Finish(ctx context.Context, leg *Leg) error
	Get(ctx context.Context, reference string, role Role) (*Leg, error)
	ListByReference(ctx context.Context, reference string) ([]*Leg, error)
	// ListByStatus returns legs in status last updated before the given time.
	ListByStatus(ctx context.Context, status Status, before time.Time, limit int) ([]*Leg, error)
}

// GapRecorder receives settlement states that need an operator.
type GapRecorder interface {
	RecordGap(ctx context.Context, kind, reference, detail string)
}
