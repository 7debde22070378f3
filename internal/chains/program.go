package chains

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/mbd888/luxescrow/internal/retry"
)

// Instruction is a call into the on-chain escrow program.
type Instruction struct {
	Program  string
	Name     string // initialize_escrow, release, refund, transfer
	Accounts []string
	Args     map[string]string
	Memo     []byte
}

// SignatureStatus is the cluster's view of a transaction signature.
type SignatureStatus struct {
	Signature          string
	Slot               uint64
	ConfirmationStatus string // processed, confirmed, finalized
	Err                string // program error, empty on success
}

// ProgramClient signs and sends program instructions with the platform key.
type ProgramClient interface {
	Invoke(ctx context.Context, ix Instruction) (signature string, err error)
	SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error)
	LamportsPerSignature(ctx context.Context) (*big.Int, error)
}

// ProgramBackend settles escrows through an escrow program whose escrow
// accounts are derived from the escrow id.
type ProgramBackend struct {
	client ProgramClient
}

var _ EscrowBackend = (*ProgramBackend)(nil)

// NewProgramBackend creates a program backend over client.
func NewProgramBackend(client ProgramClient) *ProgramBackend {
	return &ProgramBackend{client: client}
}

func (b *ProgramBackend) Family() Family { return FamilyProgram }

func (b *ProgramBackend) ValidateAddress(addr string) error { return validateProgramAddress(addr) }

func (b *ProgramBackend) Lock(ctx context.Context, chain Chain, req LockRequest) (*Receipt, error) {
	ref := "escrow:" + req.EscrowID
	rec, err := b.invoke(ctx, chain, OpLock, Instruction{
		Program:  chain.Program,
		Name:     "initialize_escrow",
		Accounts: []string{req.Buyer, req.Seller},
		Args: map[string]string{
			"seed":       req.EscrowID,
			"amount":     req.Amount.String(),
			"expires_at": strconv.FormatInt(req.ExpiresAt.Unix(), 10),
		},
		Memo: req.Memo.Encode(),
	})
	if err != nil {
		return nil, err
	}
	rec.Reference = ref
	return rec, nil
}

func (b *ProgramBackend) Release(ctx context.Context, chain Chain, ref string, p Payout) (*Receipt, error) {
	return b.settle(ctx, chain, OpRelease, "release", ref, p)
}

func (b *ProgramBackend) Refund(ctx context.Context, chain Chain, ref string, p Payout) (*Receipt, error) {
	return b.settle(ctx, chain, OpRefund, "refund", ref, p)
}

func (b *ProgramBackend) settle(ctx context.Context, chain Chain, op Operation, name, ref string, p Payout) (*Receipt, error) {
	return b.invoke(ctx, chain, op, Instruction{
		Program:  chain.Program,
		Name:     name,
		Accounts: []string{p.To},
		Args:     map[string]string{"escrow": ref, "amount": p.Amount.String()},
		Memo:     p.Memo.Encode(),
	})
}

func (b *ProgramBackend) Pay(ctx context.Context, chain Chain, p Payout) (*Receipt, error) {
	return b.invoke(ctx, chain, OpPay, Instruction{
		Name:     "transfer",
		Accounts: []string{p.To},
		Args:     map[string]string{"lamports": p.Amount.String()},
		Memo:     p.Memo.Encode(),
	})
}

func (b *ProgramBackend) Status(ctx context.Context, chain Chain, txHash string) (*Receipt, error) {
	st, err := b.client.SignatureStatus(ctx, txHash)
	if err != nil {
		return nil, err
	}
	return programReceipt(chain, txHash, st), nil
}

func (b *ProgramBackend) EstimateFee(ctx context.Context, _ Chain, _ Operation) (*big.Int, error) {
	return b.client.LamportsPerSignature(ctx)
}

// invoke sends ix and waits for the signature to be finalized.
func (b *ProgramBackend) invoke(ctx context.Context, chain Chain, op Operation, ix Instruction) (*Receipt, error) {
	submitted := time.Now()
	sig, err := b.client.Invoke(ctx, ix)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", ix.Name, err)
	}

	var rec *Receipt
	err = retry.Poll(ctx, chain.PollInterval, func(ctx context.Context) (bool, error) {
		st, err := b.client.SignatureStatus(ctx, sig)
		if err != nil || st == nil {
			return false, nil
		}
		rec = programReceipt(chain, sig, st)
		return rec.Status != TxPending, nil
	})
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", sig, err)
	}
	rec.SubmittedAt = submitted
	if rec.Status == TxFailed {
		return nil, rejected(op, sig, rec.ResultCode)
	}
	return rec, nil
}

func programReceipt(chain Chain, sig string, st *SignatureStatus) *Receipt {
	rec := &Receipt{Chain: chain.ID, TxHash: sig, Block: st.Slot, Status: TxPending}
	switch {
	case st.Err != "":
		rec.Status = TxFailed
		rec.ResultCode = st.Err
	case st.ConfirmationStatus == "finalized":
		rec.Status = TxConfirmed
	}
	return rec
}
