// Package chains abstracts the settlement chains luxescrow escrows funds on.
//
// Each chain belongs to a Family that decides how escrow is expressed:
//
//   - ledger:  native time-locked escrow objects (XRPL EscrowCreate/Finish/Cancel)
//   - evm:     calls into a deployed escrow contract, ERC20 transfers for payouts
//   - program: instructions to an on-chain escrow program (Solana)
//
// The Adapter routes every call to the EscrowBackend registered for the
// chain's family, bounds it with a timeout and a per-chain circuit breaker,
// and turns backend failures into apperr kinds.
package chains

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedChain = errors.New("unsupported chain")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrTxRejected       = errors.New("transaction rejected")
	ErrUnknownTx        = errors.New("transaction not found")
	ErrUnsupportedRoute = errors.New("bridge route not supported")
	ErrNoBackend        = errors.New("no backend registered for chain family")
)

// Family is a class of chains sharing one settlement primitive.
type Family string

const (
	FamilyLedger  Family = "ledger"
	FamilyEVM     Family = "evm"
	FamilyProgram Family = "program"
)

// Operation names a backend call for fee estimates, metrics and spans.
type Operation string

const (
	OpLock    Operation = "lock"
	OpRelease Operation = "release"
	OpRefund  Operation = "refund"
	OpPay     Operation = "pay"
	OpStatus  Operation = "status"
)

// TxState is the settlement state of a submitted transaction.
type TxState string

const (
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
	TxFailed    TxState = "failed"
)

// Chain is one entry of the chain registry.
type Chain struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Family           Family          `json:"family"`
	Symbol           string          `json:"symbol"`
	Decimals         int             `json:"decimals"`
	FeeMultiplier    decimal.Decimal `json:"feeMultiplier"`
	USDPrice         decimal.Decimal `json:"usdPrice"`
	PriceID          string          `json:"priceId,omitempty"`
	Custody          string          `json:"custody,omitempty"`
	Contract         string          `json:"contract,omitempty"`
	Token            string          `json:"token,omitempty"`
	GasUSDPrice      decimal.Decimal `json:"gasUsdPrice,omitempty"` // token chains: USD price of the gas asset
	Program          string          `json:"program,omitempty"`
	NetworkID        int64           `json:"networkId,omitempty"`
	ConfirmTimeout   time.Duration   `json:"confirmTimeout"`
	PollInterval     time.Duration   `json:"pollInterval"`
	Testnet          bool            `json:"testnet"`
	addressValidator func(string) error
}

// ValidateAddress checks addr against the chain's address format.
func (c Chain) ValidateAddress(addr string) error {
	if c.addressValidator == nil {
		return nil
	}
	if err := c.addressValidator(addr); err != nil {
		return fmt.Errorf("%w for %s: %v", ErrInvalidAddress, c.ID, err)
	}
	return nil
}

// Memo is the structured memo attached to settlement transactions so
// payouts can be traced back to a sale.
type Memo struct {
	Type       string `json:"type"`
	EscrowID   string `json:"escrowId,omitempty"`
	SaleUSD    string `json:"saleUsd,omitempty"`
	Rate       string `json:"rate,omitempty"`
	Reference  string `json:"ref,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// Encode renders the memo as compact JSON.
func (m Memo) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

// LockRequest asks a backend to lock buyer funds for an escrow.
type LockRequest struct {
	EscrowID  string
	Buyer     string
	Seller    string
	Amount    *big.Int // native units
	ExpiresAt time.Time
	Memo      Memo
}

// Payout moves funds out of a lock, or out of the platform wallet for Pay.
type Payout struct {
	Key    string // idempotency key, "<reference>:<role>"
	To     string
	Amount *big.Int // native units
	Memo   Memo
}

// Receipt is a backend's record of a submitted transaction.
type Receipt struct {
	Chain       string    `json:"chain"`
	TxHash      string    `json:"txHash"`
	Reference   string    `json:"reference,omitempty"` // backend handle for a created lock
	Status      TxState   `json:"status"`
	ResultCode  string    `json:"resultCode,omitempty"`
	Block       uint64    `json:"block,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// FeeEstimate is the network fee of one operation in native units and USD.
type FeeEstimate struct {
	Chain     string          `json:"chain"`
	Operation Operation       `json:"operation"`
	Native    string          `json:"native"`
	Symbol    string          `json:"symbol"`
	USD       decimal.Decimal `json:"usd"`
}

// EscrowBackend is the capability set a chain family implements.
//
// Lock, Release, Refund and Pay wait for the transaction to reach the
// chain's finality before returning a confirmed Receipt. A backend returns a
// *TxError carrying the chain's result code when the chain explicitly
// rejects a transaction, and any other error when the outcome could not be
// observed.
type EscrowBackend interface {
	Family() Family
	ValidateAddress(addr string) error
	Lock(ctx context.Context, chain Chain, req LockRequest) (*Receipt, error)
	Release(ctx context.Context, chain Chain, ref string, p Payout) (*Receipt, error)
	Refund(ctx context.Context, chain Chain, ref string, p Payout) (*Receipt, error)
	Pay(ctx context.Context, chain Chain, p Payout) (*Receipt, error)
	Status(ctx context.Context, chain Chain, txHash string) (*Receipt, error)
	EstimateFee(ctx context.Context, chain Chain, op Operation) (*big.Int, error)
}

// TxError is an explicit rejection by the chain.
type TxError struct {
	Op     string // operation that failed
	TxHash string // transaction hash if available
	Code   string // raw chain result code (tecNO_DST, reverted, ...)
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chains: %s rejected (tx: %s, code: %s): %v", e.Op, e.TxHash, e.Code, e.Err)
	}
	return fmt.Sprintf("chains: %s rejected (code: %s): %v", e.Op, e.Code, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

func rejected(op Operation, txHash, code string) *TxError {
	return &TxError{Op: string(op), TxHash: txHash, Code: code, Err: ErrTxRejected}
}
