package chains

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/luxescrow/internal/retry"
)

// Ledger transaction types.
const (
	TxEscrowCreate = "EscrowCreate"
	TxEscrowFinish = "EscrowFinish"
	TxEscrowCancel = "EscrowCancel"
	TxPayment      = "Payment"
)

// LedgerTx is a transaction submitted from the platform account.
type LedgerTx struct {
	TransactionType string
	Destination     string
	Amount          *big.Int // drops
	Owner           string
	OfferSequence   uint32
	CancelAfter     time.Time
	Memo            []byte
}

// LedgerResult is the ledger's view of a submitted transaction.
type LedgerResult struct {
	Hash        string
	Sequence    uint32
	ResultCode  string
	Validated   bool
	LedgerIndex uint64
}

// LedgerClient talks to a ledger node. Submit signs with the platform account.
type LedgerClient interface {
	Account() string
	Submit(ctx context.Context, tx LedgerTx) (*LedgerResult, error)
	Tx(ctx context.Context, hash string) (*LedgerResult, error)
	EscrowExists(ctx context.Context, owner string, sequence uint32) (bool, error)
	Fee(ctx context.Context) (*big.Int, error)
}

// LedgerBackend settles escrows with native time-locked escrow objects.
// Funds are locked to the custody account and paid out from it.
type LedgerBackend struct {
	client LedgerClient
}

var _ EscrowBackend = (*LedgerBackend)(nil)

// NewLedgerBackend creates a ledger backend over client.
func NewLedgerBackend(client LedgerClient) *LedgerBackend {
	return &LedgerBackend{client: client}
}

func (b *LedgerBackend) Family() Family { return FamilyLedger }

func (b *LedgerBackend) ValidateAddress(addr string) error { return validateLedgerAddress(addr) }

func (b *LedgerBackend) Lock(ctx context.Context, chain Chain, req LockRequest) (*Receipt, error) {
	dest := chain.Custody
	if dest == "" {
		dest = b.client.Account()
	}
	rec, res, err := b.submit(ctx, chain, OpLock, LedgerTx{
		TransactionType: TxEscrowCreate,
		Destination:     dest,
		Amount:          req.Amount,
		CancelAfter:     req.ExpiresAt,
		Memo:            req.Memo.Encode(),
	})
	if err != nil {
		return nil, err
	}
	rec.Reference = ledgerRef(b.client.Account(), res.Sequence)
	return rec, nil
}

// Release finishes the escrow object if it is still open, then pays p
// from custody. A lock paid out in several legs is finished once.
func (b *LedgerBackend) Release(ctx context.Context, chain Chain, ref string, p Payout) (*Receipt, error) {
	if err := b.close(ctx, chain, OpRelease, TxEscrowFinish, ref); err != nil {
		return nil, err
	}
	return b.Pay(ctx, chain, p)
}

// Refund cancels the escrow object if it is still open, then returns p
// to the buyer.
func (b *LedgerBackend) Refund(ctx context.Context, chain Chain, ref string, p Payout) (*Receipt, error) {
	if err := b.close(ctx, chain, OpRefund, TxEscrowCancel, ref); err != nil {
		return nil, err
	}
	return b.Pay(ctx, chain, p)
}

func (b *LedgerBackend) Pay(ctx context.Context, chain Chain, p Payout) (*Receipt, error) {
	rec, _, err := b.submit(ctx, chain, OpPay, LedgerTx{
		TransactionType: TxPayment,
		Destination:     p.To,
		Amount:          p.Amount,
		Memo:            p.Memo.Encode(),
	})
	return rec, err
}

func (b *LedgerBackend) Status(ctx context.Context, chain Chain, txHash string) (*Receipt, error) {
	res, err := b.client.Tx(ctx, txHash)
	if err != nil {
		return nil, err
	}
	return ledgerReceipt(chain, res), nil
}

func (b *LedgerBackend) EstimateFee(ctx context.Context, _ Chain, op Operation) (*big.Int, error) {
	fee, err := b.client.Fee(ctx)
	if err != nil {
		return nil, err
	}
	// Release and refund are an escrow close plus a payment.
	if op == OpRelease || op == OpRefund {
		return new(big.Int).Mul(fee, big.NewInt(2)), nil
	}
	return fee, nil
}

func (b *LedgerBackend) close(ctx context.Context, chain Chain, op Operation, txType, ref string) error {
	owner, seq, err := parseLedgerRef(ref)
	if err != nil {
		return err
	}
	open, err := b.client.EscrowExists(ctx, owner, seq)
	if err != nil {
		return fmt.Errorf("lookup escrow %s: %w", ref, err)
	}
	if !open {
		return nil
	}
	_, _, err = b.submit(ctx, chain, op, LedgerTx{
		TransactionType: txType,
		Owner:           owner,
		OfferSequence:   seq,
	})
	return err
}

// submit sends tx and polls until it is in a validated ledger.
func (b *LedgerBackend) submit(ctx context.Context, chain Chain, op Operation, tx LedgerTx) (*Receipt, *LedgerResult, error) {
	submitted := time.Now()
	res, err := b.client.Submit(ctx, tx)
	if err != nil {
		return nil, nil, fmt.Errorf("submit %s: %w", tx.TransactionType, err)
	}
	if ledgerRejected(res.ResultCode) {
		return nil, nil, rejected(op, res.Hash, res.ResultCode)
	}

	final := res
	if !res.Validated {
		err = retry.Poll(ctx, chain.PollInterval, func(ctx context.Context) (bool, error) {
			got, err := b.client.Tx(ctx, res.Hash)
			if err != nil {
				// not yet known to the node
				return false, nil
			}
			final = got
			return got.Validated, nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("waiting for %s: %w", res.Hash, err)
		}
	}
	if final.Sequence == 0 {
		final.Sequence = res.Sequence
	}

	rec := ledgerReceipt(chain, final)
	rec.SubmittedAt = submitted
	if rec.Status == TxFailed {
		return nil, nil, rejected(op, rec.TxHash, rec.ResultCode)
	}
	return rec, final, nil
}

func ledgerReceipt(chain Chain, res *LedgerResult) *Receipt {
	rec := &Receipt{Chain: chain.ID, TxHash: res.Hash, ResultCode: res.ResultCode, Block: res.LedgerIndex, Status: TxPending}
	switch {
	case !res.Validated:
	case res.ResultCode == "tesSUCCESS":
		rec.Status = TxConfirmed
	default:
		rec.Status = TxFailed
	}
	return rec
}

// ledgerRejected reports result codes that can never succeed. ter* codes
// may still apply and are left to validation.
func ledgerRejected(code string) bool {
	for _, prefix := range []string{"tem", "tef", "tel"} {
		if strings.HasPrefix(code, prefix) {
			return true
		}
	}
	return false
}

func ledgerRef(owner string, seq uint32) string {
	return owner + ":" + strconv.FormatUint(uint64(seq), 10)
}

func parseLedgerRef(ref string) (string, uint32, error) {
	owner, seqStr, ok := strings.Cut(ref, ":")
	if !ok || owner == "" {
		return "", 0, fmt.Errorf("malformed ledger escrow reference %q", ref)
	}
	seq, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("malformed ledger escrow reference %q: %w", ref, err)
	}
	return owner, uint32(seq), nil
}
