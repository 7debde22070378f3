package chains

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/mbd888/luxescrow/internal/amount"
	"github.com/mbd888/luxescrow/internal/retry"
)

var ErrInvalidPrivateKey = errors.New("chains: invalid private key")

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// escrowABI is the platform escrow contract. Escrows are keyed by
// keccak256 of the escrow id.
const escrowABI = `[
	{"inputs":[{"name":"id","type":"bytes32"},{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"amount","type":"uint256"},{"name":"expiresAt","type":"uint64"}],"name":"lock","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"release","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"refund","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

const (
	// DefaultGasLimit is used when estimation fails.
	DefaultGasLimit   = uint64(200000)
	nativeTransferGas = uint64(21000)
)

// EVMConfig configures the EVM backend's signer.
type EVMConfig struct {
	RPCURL     string
	PrivateKey string // hex, with or without 0x
}

// EVMOption configures the EVM backend.
type EVMOption func(*EVMBackend)

// WithEthClient sets a custom client (useful for testing).
func WithEthClient(c EthClient) EVMOption {
	return func(b *EVMBackend) { b.client = c }
}

// EVMBackend settles escrows through the platform escrow contract.
type EVMBackend struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	escrowABI  abi.ABI
	erc20ABI   abi.ABI
}

var _ EscrowBackend = (*EVMBackend)(nil)

// NewEVMBackend creates an EVM backend signing with cfg.PrivateKey.
func NewEVMBackend(cfg EVMConfig, opts ...EVMOption) (*EVMBackend, error) {
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	pub, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	escrow, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}
	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	b := &EVMBackend{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*pub),
		escrowABI:  escrow,
		erc20ABI:   erc20,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		if cfg.RPCURL == "" {
			return nil, errors.New("chains: EVM RPC URL required")
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("chains: dial EVM RPC: %w", err)
		}
		b.client = client
	}
	return b, nil
}

// Address returns the platform signer address.
func (b *EVMBackend) Address() string { return b.address.Hex() }

// Close releases the RPC connection.
func (b *EVMBackend) Close() { b.client.Close() }

func (b *EVMBackend) Family() Family { return FamilyEVM }

func (b *EVMBackend) ValidateAddress(addr string) error { return validateEVMAddress(addr) }

// EscrowKey is the contract key for an escrow id.
func EscrowKey(escrowID string) common.Hash {
	return crypto.Keccak256Hash([]byte(escrowID))
}

func (b *EVMBackend) Lock(ctx context.Context, chain Chain, req LockRequest) (*Receipt, error) {
	data, err := b.escrowABI.Pack("lock", EscrowKey(req.EscrowID), common.HexToAddress(req.Buyer),
		common.HexToAddress(req.Seller), req.Amount, uint64(req.ExpiresAt.Unix()))
	if err != nil {
		return nil, fmt.Errorf("pack lock: %w", err)
	}
	value := big.NewInt(0)
	if chain.Token == "" {
		value = req.Amount
	}
	rec, err := b.send(ctx, chain, OpLock, common.HexToAddress(chain.Contract), value, data)
	if err != nil {
		return nil, err
	}
	rec.Reference = EscrowKey(req.EscrowID).Hex()
	return rec, nil
}

func (b *EVMBackend) Release(ctx context.Context, chain Chain, ref string, p Payout) (*Receipt, error) {
	return b.settle(ctx, chain, OpRelease, "release", ref, p)
}

func (b *EVMBackend) Refund(ctx context.Context, chain Chain, ref string, p Payout) (*Receipt, error) {
	return b.settle(ctx, chain, OpRefund, "refund", ref, p)
}

func (b *EVMBackend) settle(ctx context.Context, chain Chain, op Operation, method, ref string, p Payout) (*Receipt, error) {
	data, err := b.escrowABI.Pack(method, common.HexToHash(ref), common.HexToAddress(p.To), p.Amount)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return b.send(ctx, chain, op, common.HexToAddress(chain.Contract), big.NewInt(0), data)
}

// Pay transfers from the platform wallet: an ERC20 transfer on token chains,
// a value transfer otherwise.
func (b *EVMBackend) Pay(ctx context.Context, chain Chain, p Payout) (*Receipt, error) {
	to := common.HexToAddress(p.To)
	if chain.Token == "" {
		return b.send(ctx, chain, OpPay, to, p.Amount, nil)
	}
	data, err := b.erc20ABI.Pack("transfer", to, p.Amount)
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}
	return b.send(ctx, chain, OpPay, common.HexToAddress(chain.Token), big.NewInt(0), data)
}

func (b *EVMBackend) Status(ctx context.Context, chain Chain, txHash string) (*Receipt, error) {
	receipt, err := b.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return &Receipt{Chain: chain.ID, TxHash: txHash, Status: TxPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	return receiptFrom(chain, txHash, receipt), nil
}

func (b *EVMBackend) EstimateFee(ctx context.Context, chain Chain, op Operation) (*big.Int, error) {
	gasPrice, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	gas := DefaultGasLimit
	if op == OpPay && chain.Token == "" {
		gas = nativeTransferGas
	}
	wei := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gas))
	if chain.Token == "" {
		return wei, nil
	}
	// Gas is paid in the network's native asset; quote it in token units.
	if !chain.USDPrice.IsPositive() {
		return nil, fmt.Errorf("chain %s has no token usd price", chain.ID)
	}
	usd := amount.FromUnits(wei, 18).Mul(chain.GasUSDPrice)
	return amount.ToUnits(usd.DivRound(chain.USDPrice, int32(chain.Decimals)+4), chain.Decimals), nil
}

// send signs, submits and waits for the transaction to be mined.
func (b *EVMBackend) send(ctx context.Context, chain Chain, op Operation, to common.Address, value *big.Int, data []byte) (*Receipt, error) {
	if chain.NetworkID == 0 {
		return nil, fmt.Errorf("chain %s has no network_id", chain.ID)
	}
	if len(data) > 0 && to == (common.Address{}) {
		return nil, fmt.Errorf("chain %s has no contract for %s", chain.ID, op)
	}

	nonce, err := b.client.PendingNonceAt(ctx, b.address)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	gasLimit, err := b.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  b.address,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(chain.NetworkID)), b.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	hash := signed.Hash()
	submitted := time.Now()
	if err := b.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send %s: %w", hash.Hex(), err)
	}

	var rec *Receipt
	err = retry.Poll(ctx, chain.PollInterval, func(ctx context.Context) (bool, error) {
		receipt, err := b.client.TransactionReceipt(ctx, hash)
		if err != nil {
			// not mined yet
			return false, nil
		}
		rec = receiptFrom(chain, hash.Hex(), receipt)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", hash.Hex(), err)
	}
	rec.SubmittedAt = submitted
	if rec.Status == TxFailed {
		return nil, rejected(op, rec.TxHash, rec.ResultCode)
	}
	return rec, nil
}

func receiptFrom(chain Chain, txHash string, r *types.Receipt) *Receipt {
	rec := &Receipt{Chain: chain.ID, TxHash: txHash, Status: TxConfirmed}
	if r.BlockNumber != nil {
		rec.Block = r.BlockNumber.Uint64()
	}
	if r.Status == types.ReceiptStatusFailed {
		rec.Status = TxFailed
		rec.ResultCode = "reverted"
	}
	return rec
}
