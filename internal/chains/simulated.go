package chains

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/luxescrow/internal/idgen"
)

// SimCall is one call recorded by a Simulated backend.
type SimCall struct {
	Op     Operation
	Chain  string
	Ref    string
	To     string
	Amount *big.Int
	Memo   Memo
	TxHash string
}

// Simulated is an in-memory backend for development and tests. It keeps
// lock balances so over-release is rejected like on a real chain, and
// supports failure injection.
type Simulated struct {
	family Family
	fee    *big.Int

	mu       sync.Mutex
	locks    map[string]*big.Int
	txs      map[string]*Receipt
	calls    []SimCall
	failNext map[Operation]string
	hang     map[Operation]bool
}

var _ EscrowBackend = (*Simulated)(nil)

// NewSimulated creates a simulated backend for a family.
func NewSimulated(family Family) *Simulated {
	return &Simulated{
		family:   family,
		fee:      big.NewInt(5000),
		locks:    make(map[string]*big.Int),
		txs:      make(map[string]*Receipt),
		failNext: make(map[Operation]string),
		hang:     make(map[Operation]bool),
	}
}

// FailNext makes the next call of op be rejected with code.
func (s *Simulated) FailNext(op Operation, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = code
}

// Hang makes calls of op apply their effect and then never report back,
// so the caller sees a timeout. Pass false to restore normal behaviour.
func (s *Simulated) Hang(op Operation, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hang[op] = on
}

// Calls returns the successful calls in submission order.
func (s *Simulated) Calls() []SimCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// Locked returns the remaining balance of a lock.
func (s *Simulated) Locked(ref string) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.locks[ref]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

func (s *Simulated) Family() Family { return s.family }

func (s *Simulated) ValidateAddress(addr string) error {
	v, err := addressValidator(s.family, "")
	if err != nil {
		return err
	}
	return v(addr)
}

func (s *Simulated) Lock(ctx context.Context, chain Chain, req LockRequest) (*Receipt, error) {
	ref := "sim:" + req.EscrowID
	return s.apply(ctx, chain, SimCall{Op: OpLock, Ref: ref, To: req.Seller, Amount: req.Amount, Memo: req.Memo}, func() string {
		if _, exists := s.locks[ref]; exists {
			return "duplicate_escrow"
		}
		s.locks[ref] = new(big.Int).Set(req.Amount)
		return ""
	})
}

func (s *Simulated) Release(ctx context.Context, chain Chain, ref string, p Payout) (*Receipt, error) {
	return s.apply(ctx, chain, SimCall{Op: OpRelease, Ref: ref, To: p.To, Amount: p.Amount, Memo: p.Memo}, s.debit(ref, p.Amount))
}

func (s *Simulated) Refund(ctx context.Context, chain Chain, ref string, p Payout) (*Receipt, error) {
	return s.apply(ctx, chain, SimCall{Op: OpRefund, Ref: ref, To: p.To, Amount: p.Amount, Memo: p.Memo}, s.debit(ref, p.Amount))
}

func (s *Simulated) Pay(ctx context.Context, chain Chain, p Payout) (*Receipt, error) {
	return s.apply(ctx, chain, SimCall{Op: OpPay, To: p.To, Amount: p.Amount, Memo: p.Memo}, func() string { return "" })
}

func (s *Simulated) Status(_ context.Context, chain Chain, txHash string) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.txs[txHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownTx, txHash, chain.ID)
	}
	cp := *rec
	return &cp, nil
}

func (s *Simulated) EstimateFee(context.Context, Chain, Operation) (*big.Int, error) {
	return new(big.Int).Set(s.fee), nil
}

func (s *Simulated) debit(ref string, amt *big.Int) func() string {
	return func() string {
		bal, ok := s.locks[ref]
		if !ok {
			return "no_such_escrow"
		}
		if bal.Cmp(amt) < 0 {
			return "insufficient_escrow"
		}
		bal.Sub(bal, amt)
		return ""
	}
}

// apply runs effect under the lock unless a failure is injected. effect
// returns a non-empty result code to reject the call.
func (s *Simulated) apply(ctx context.Context, chain Chain, call SimCall, effect func() string) (*Receipt, error) {
	s.mu.Lock()
	if code, ok := s.failNext[call.Op]; ok {
		delete(s.failNext, call.Op)
		s.mu.Unlock()
		return nil, rejected(call.Op, "", code)
	}
	if code := effect(); code != "" {
		s.mu.Unlock()
		return nil, rejected(call.Op, "", code)
	}

	rec := &Receipt{
		Chain:       chain.ID,
		TxHash:      "0x" + idgen.Hex(32),
		Reference:   call.Ref,
		Status:      TxConfirmed,
		ResultCode:  "success",
		SubmittedAt: time.Now(),
	}
	s.txs[rec.TxHash] = rec
	call.Chain = chain.ID
	call.TxHash = rec.TxHash
	s.calls = append(s.calls, call)
	hang := s.hang[call.Op]
	s.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if call.Op != OpLock {
		rec = &Receipt{Chain: rec.Chain, TxHash: rec.TxHash, Status: rec.Status, ResultCode: rec.ResultCode, SubmittedAt: rec.SubmittedAt}
	}
	return rec, nil
}
