// Package escrow holds buyer funds on a settlement chain until the sale's
// conditions are met.
//
// Flow:
//  1. Create    → pending; fee quoted, native amount priced, delivery condition seeded
//  2. LockFunds → locked; buyer funds locked on the chain
//  3. Buyer (and seller, with dual confirmation) confirm each condition
//  4. ReleaseFunds → released; seller and platform fee legs paid out of the lock
//  5. InitiateDispute → disputed; arbitration decides the split
//  6. ApplyResolution → resolved; buyer and seller legs paid out of the lock
//
// A pending escrow can be cancelled; the timer cancels pending escrows once
// they expire.
package escrow

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrInvalidStatus     = errors.New("invalid escrow status for this operation")
	ErrUnauthorized      = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrConditionNotFound = errors.New("condition not found")
	ErrInvalidCondition  = errors.New("invalid condition")
	ErrHoldTooShort      = errors.New("expiration is shorter than the minimum hold period")
	ErrLockUnresolved    = errors.New("an earlier lock attempt has an unknown outcome")
	ErrAutoReleaseFailed = errors.New("conditions fulfilled but auto-release failed")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending   Status = "pending"   // Created, nothing locked yet
	StatusLocked    Status = "locked"    // Buyer funds locked on chain
	StatusReleased  Status = "released"  // Paid out to the seller
	StatusDisputed  Status = "disputed"  // Under arbitration, funds stay locked
	StatusResolved  Status = "resolved"  // Arbitration split paid out
	StatusCancelled Status = "cancelled" // Cancelled before funds were locked
)

// DefaultExpirationDays is how long an escrow stays open when the caller
// does not say.
const DefaultExpirationDays = 14

// ConditionType is the kind of a release condition.
type ConditionType string

const (
	ConditionDelivery   ConditionType = "delivery_confirmation"
	ConditionInspection ConditionType = "inspection_period"
	ConditionCustom     ConditionType = "custom"
)

// Valid reports whether t is a known condition type.
func (t ConditionType) Valid() bool {
	return t == ConditionDelivery || t == ConditionInspection || t == ConditionCustom
}

// SystemConfirmer marks conditions fulfilled by the timer.
const SystemConfirmer = "system"

// Condition must be fulfilled before an auto-release. Once fulfilled it
// never reverts.
type Condition struct {
	Type          ConditionType `json:"type"`
	Description   string        `json:"description"`
	Fulfilled     bool          `json:"fulfilled"`
	FulfilledBy   string        `json:"fulfilledBy,omitempty"`
	FulfilledAt   *time.Time    `json:"fulfilledAt,omitempty"`
	Confirmations []string      `json:"confirmations,omitempty"` // parties that confirmed so far
}

func (c *Condition) confirmedBy(addr string) bool {
	for _, a := range c.Confirmations {
		if strings.EqualFold(a, addr) {
			return true
		}
	}
	return false
}

// Metadata describes how the item changes hands.
type Metadata struct {
	DeliveryMethod   string `json:"deliveryMethod,omitempty"`
	InspectionHours  int    `json:"inspectionHours,omitempty"`
	DualConfirmation bool   `json:"dualConfirmation"`
	AutoRelease      bool   `json:"autoRelease"`
}

// InspectionWindow is the inspection period, zero when none.
func (m Metadata) InspectionWindow() time.Duration {
	return time.Duration(m.InspectionHours) * time.Hour
}

// Escrow is one sale's locked funds and release conditions.
type Escrow struct {
	ID          string          `json:"id"`
	Chain       string          `json:"chain"`
	AmountUSD   decimal.Decimal `json:"amountUsd"`
	FeeUSD      decimal.Decimal `json:"feeUsd"`
	FeeSavings  decimal.Decimal `json:"feeSavingsUsd"`
	AssetAmount string          `json:"assetAmount"` // native units locked: amount plus fee
	AssetSymbol string          `json:"assetSymbol"`
	Buyer       string          `json:"buyer"`
	Seller      string          `json:"seller"`
	Arbitrator  string          `json:"arbitrator,omitempty"`
	Status      Status          `json:"status"`
	Conditions  []Condition     `json:"conditions"`
	Metadata    Metadata        `json:"metadata"`
	LockRef     string          `json:"lockRef,omitempty"`
	LockTxHash  string          `json:"lockTxHash,omitempty"`
	DisputeID   string          `json:"disputeId,omitempty"`
	Outcome     string          `json:"outcome,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	LockedAt    *time.Time      `json:"lockedAt,omitempty"`
	DisputedAt  *time.Time      `json:"disputedAt,omitempty"`
	ClosedAt    *time.Time      `json:"closedAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`

	// LockUnresolvedAt is set while a lock submission that timed out
	// awaits reconciliation.
	LockUnresolvedAt *time.Time `json:"lockUnresolvedAt,omitempty"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusResolved, StatusCancelled:
		return true
	}
	return false
}

// AllFulfilled reports whether every condition is fulfilled.
func (e *Escrow) AllFulfilled() bool {
	for _, c := range e.Conditions {
		if !c.Fulfilled {
			return false
		}
	}
	return true
}

// Locked returns the locked native amount.
func (e *Escrow) Locked() *big.Int {
	v, ok := new(big.Int).SetString(e.AssetAmount, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

// Party returns "buyer", "seller" or "arbitrator" for addr, or "".
func (e *Escrow) Party(addr string) string {
	switch {
	case addr == "":
		return ""
	case strings.EqualFold(addr, e.Buyer):
		return "buyer"
	case strings.EqualFold(addr, e.Seller):
		return "seller"
	case e.Arbitrator != "" && strings.EqualFold(addr, e.Arbitrator):
		return "arbitrator"
	}
	return ""
}

func (e *Escrow) condition(t ConditionType) *Condition {
	var first *Condition
	for i := range e.Conditions {
		c := &e.Conditions[i]
		if c.Type != t {
			continue
		}
		if !c.Fulfilled {
			return c
		}
		if first == nil {
			first = c
		}
	}
	return first
}

// Store persists escrow data.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
	ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
	// ListExpired returns pending escrows whose expiry is before the given time.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
}

// ConditionSpec is a caller-supplied condition.
type ConditionSpec struct {
	Type        ConditionType `json:"type"`
	Description string        `json:"description"`
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	Chain          string          `json:"chain" binding:"required"`
	Buyer          string          `json:"buyer" binding:"required"`
	Seller         string          `json:"seller" binding:"required"`
	Arbitrator     string          `json:"arbitrator"`
	AmountUSD      decimal.Decimal `json:"amountUsd"`
	ExpirationDays int             `json:"expirationDays"`
	Conditions     []ConditionSpec `json:"conditions"`
	Metadata       Metadata        `json:"metadata"`
}

// DisputeRequest contains the parameters for disputing an escrow.
type DisputeRequest struct {
	Initiator string   `json:"initiator" binding:"required"`
	Title     string   `json:"title"`
	Reason    string   `json:"reason" binding:"required"`
	Category  string   `json:"category"`
	Evidence  []string `json:"evidence"`
}
