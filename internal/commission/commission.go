// Package commission splits sale proceeds between seller, referring broker
// and platform, and pays each share as its own chain payment.
package commission

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/luxescrow/internal/payout"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSplit  = errors.New("commission: invalid split")
	ErrNoPlatform    = errors.New("commission: no platform wallet configured for chain")
	ErrRecordExists  = errors.New("commission: record already exists for sale")
	ErrRecordMissing = errors.New("commission: record not found")
)

var (
	// PlatformRate is the platform's fixed share of every sale.
	PlatformRate = decimal.RequireFromString("0.05")
	// MaxCommissionRate bounds a broker's rate.
	MaxCommissionRate = decimal.RequireFromString("0.5")
	// SumTolerance is how far the shares may drift from the total.
	SumTolerance = decimal.RequireFromString("0.01")
)

// Split is the computed division of a sale. It is not persisted; the
// payout legs and commission record are.
type Split struct {
	Chain          string          `json:"chain"`
	SellerWallet   string          `json:"sellerWallet"`
	BrokerWallet   string          `json:"brokerWallet,omitempty"`
	PlatformWallet string          `json:"platformWallet"`
	BrokerID       string          `json:"brokerId,omitempty"`
	BrokerTier     string          `json:"brokerTier,omitempty"`
	TotalUSD       decimal.Decimal `json:"totalUsd"`
	SellerUSD      decimal.Decimal `json:"sellerUsd"`
	BrokerUSD      decimal.Decimal `json:"brokerUsd"`
	PlatformUSD    decimal.Decimal `json:"platformUsd"`
	CommissionRate decimal.Decimal `json:"commissionRate"`
}

// HasBroker reports whether the split pays a broker leg.
func (s *Split) HasBroker() bool {
	return s.BrokerWallet != "" && s.BrokerUSD.IsPositive()
}

// RecordStatus is the state of a commission record.
type RecordStatus string

const RecordPaid RecordStatus = "paid"

// Record is a paid broker commission, tied to the transaction that paid it.
type Record struct {
	ID           string          `json:"id"`
	SaleID       string          `json:"saleId"`
	BrokerID     string          `json:"brokerId"`
	BrokerWallet string          `json:"brokerWallet"`
	Chain        string          `json:"chain"`
	SaleUSD      decimal.Decimal `json:"saleUsd"`
	Rate         decimal.Decimal `json:"rate"`
	AmountUSD    decimal.Decimal `json:"amountUsd"`
	TxHash       string          `json:"txHash"`
	Status       RecordStatus    `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Result reports every leg of an executed split.
type Result struct {
	SaleID string        `json:"saleId"`
	Split  *Split        `json:"split"`
	Legs   []*payout.Leg `json:"legs"`
	Record *Record       `json:"record,omitempty"`
}

// PayoutError is returned when a leg of a split could not be paid. Legs
// listed in Succeeded were confirmed and are not reversed.
type PayoutError struct {
	SaleID    string
	Failed    payout.Role
	Succeeded []payout.Role
	Err       error
}

func (e *PayoutError) Error() string {
	done := make([]string, len(e.Succeeded))
	for i, r := range e.Succeeded {
		done[i] = string(r)
	}
	return fmt.Sprintf("commission: %s leg failed for sale %s (succeeded: [%s]): %v",
		e.Failed, e.SaleID, strings.Join(done, ", "), e.Err)
}

func (e *PayoutError) Unwrap() error { return e.Err }
