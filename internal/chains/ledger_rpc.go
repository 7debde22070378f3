package chains

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// rippleEpoch is 2000-01-01T00:00:00Z, the zero of ledger timestamps.
const rippleEpoch = 946684800

var errLedgerNotFound = errors.New("ledger: not found")

// LedgerRPC is a LedgerClient over a node's JSON-RPC interface. It uses
// sign-and-submit, so it must only talk to a trusted node.
type LedgerRPC struct {
	url     string
	account string
	secret  string
	client  *http.Client
}

var _ LedgerClient = (*LedgerRPC)(nil)

// NewLedgerRPC creates a client submitting as account.
func NewLedgerRPC(url, account, secret string) *LedgerRPC {
	return &LedgerRPC{
		url:     url,
		account: account,
		secret:  secret,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *LedgerRPC) Account() string { return c.account }

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcTxResult struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	EngineResult string `json:"engine_result"`
	Hash         string `json:"hash"`
	Validated    bool   `json:"validated"`
	LedgerIndex  uint64 `json:"ledger_index"`
	Sequence     uint32 `json:"Sequence"`
	TxJSON struct {
		Hash     string `json:"hash"`
		Sequence uint32 `json:"Sequence"`
	} `json:"tx_json"`
	Meta struct {
		TransactionResult string `json:"TransactionResult"`
	} `json:"meta"`
	Drops struct {
		OpenLedgerFee string `json:"open_ledger_fee"`
	} `json:"drops"`
}

func (c *LedgerRPC) Submit(ctx context.Context, tx LedgerTx) (*LedgerResult, error) {
	txJSON := map[string]any{
		"TransactionType": tx.TransactionType,
		"Account":         c.account,
	}
	if tx.Destination != "" {
		txJSON["Destination"] = tx.Destination
	}
	if tx.Amount != nil {
		txJSON["Amount"] = tx.Amount.String()
	}
	if tx.Owner != "" {
		txJSON["Owner"] = tx.Owner
		txJSON["OfferSequence"] = tx.OfferSequence
	}
	if !tx.CancelAfter.IsZero() {
		txJSON["CancelAfter"] = tx.CancelAfter.Unix() - rippleEpoch
	}
	if len(tx.Memo) > 0 {
		txJSON["Memos"] = []any{map[string]any{
			"Memo": map[string]string{"MemoData": strings.ToUpper(hex.EncodeToString(tx.Memo))},
		}}
	}

	var res rpcTxResult
	if err := c.call(ctx, "submit", map[string]any{"secret": c.secret, "tx_json": txJSON}, &res); err != nil {
		return nil, err
	}
	return &LedgerResult{
		Hash:       res.TxJSON.Hash,
		Sequence:   res.TxJSON.Sequence,
		ResultCode: res.EngineResult,
	}, nil
}

func (c *LedgerRPC) Tx(ctx context.Context, hash string) (*LedgerResult, error) {
	var res rpcTxResult
	if err := c.call(ctx, "tx", map[string]any{"transaction": hash}, &res); err != nil {
		if errors.Is(err, errLedgerNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTx, hash)
		}
		return nil, err
	}
	return &LedgerResult{
		Hash:        res.Hash,
		Sequence:    res.Sequence,
		ResultCode:  res.Meta.TransactionResult,
		Validated:   res.Validated,
		LedgerIndex: res.LedgerIndex,
	}, nil
}

func (c *LedgerRPC) EscrowExists(ctx context.Context, owner string, sequence uint32) (bool, error) {
	var res rpcTxResult
	err := c.call(ctx, "ledger_entry", map[string]any{
		"escrow":       map[string]any{"owner": owner, "seq": sequence},
		"ledger_index": "validated",
	}, &res)
	if errors.Is(err, errLedgerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *LedgerRPC) Fee(ctx context.Context) (*big.Int, error) {
	var res rpcTxResult
	if err := c.call(ctx, "fee", map[string]any{}, &res); err != nil {
		return nil, err
	}
	fee, ok := new(big.Int).SetString(res.Drops.OpenLedgerFee, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: malformed fee %q", res.Drops.OpenLedgerFee)
	}
	return fee, nil
}

func (c *LedgerRPC) call(ctx context.Context, method string, params any, out *rpcTxResult) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: []any{params}})
	if err != nil {
		return fmt.Errorf("ledger: encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ledger: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger: %s returned status %d", method, resp.StatusCode)
	}

	var envelope struct {
		Result rpcTxResult `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("ledger: decode %s: %w", method, err)
	}
	*out = envelope.Result
	switch out.Error {
	case "":
		return nil
	case "txnNotFound", "entryNotFound":
		return errLedgerNotFound
	default:
		return fmt.Errorf("ledger: %s: %s", method, out.Error)
	}
}
