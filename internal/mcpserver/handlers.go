package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleQuoteFee prices an escrow for a wallet.
func (h *Handlers) HandleQuoteFee(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := req.GetString("amount_usd", "")
	chain := req.GetString("chain", "")
	if amount == "" || chain == "" {
		return mcp.NewToolResultError("amount_usd and chain are required"), nil
	}

	raw, err := h.client.QuoteFee(ctx, amount, chain, req.GetString("wallet", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to quote fee: %v", err)), nil
	}

	text, err := formatFeeQuote(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse quote: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListChains lists supported chains.
func (h *Handlers) HandleListChains(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListChains(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list chains: %v", err)), nil
	}

	text, err := formatChainList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse chains: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleBridgeQuote prices a cross-chain transfer.
func (h *Handlers) HandleBridgeQuote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from := req.GetString("from", "")
	to := req.GetString("to", "")
	amount := req.GetString("amount_usd", "")
	if from == "" || to == "" || amount == "" {
		return mcp.NewToolResultError("from, to and amount_usd are required"), nil
	}

	raw, err := h.client.BridgeQuote(ctx, from, to, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to quote bridge: %v", err)), nil
	}

	q, err := unwrap(raw, "quote")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse quote: %v", err)), nil
	}
	text := fmt.Sprintf("Bridge %s -> %s\nAmount: $%s\nFee: $%s\nReceived: $%s\nEstimated time: %s min",
		getString(q, "from"), getString(q, "to"),
		getString(q, "amountUsd"), getString(q, "totalFeeUsd"), getString(q, "receiveUsd"),
		getString(q, "estimatedMinutes"))
	return mcp.NewToolResultText(text), nil
}

// HandleCalculateSplit previews a commission split.
func (h *Handlers) HandleCalculateSplit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chain := req.GetString("chain", "")
	sale := req.GetString("sale_usd", "")
	seller := req.GetString("seller_wallet", "")
	if chain == "" || sale == "" || seller == "" {
		return mcp.NewToolResultError("chain, sale_usd and seller_wallet are required"), nil
	}

	raw, err := h.client.CalculateSplit(ctx, chain, sale, seller, req.GetString("referral_code", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to calculate split: %v", err)), nil
	}

	text, err := formatSplit(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse split: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetEscrow shows one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}

	e, err := unwrap(raw, "escrow")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(formatEscrow(e)), nil
}

// HandleListEscrows lists a wallet's escrows.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListEscrows(ctx, req.GetString("wallet", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	var resp struct {
		Escrows []map[string]any `json:"escrows"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	if len(resp.Escrows) == 0 {
		return mcp.NewToolResultText("No escrows found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s):\n", len(resp.Escrows))
	for i, e := range resp.Escrows {
		fmt.Fprintf(&sb, "\n%d. %s [%s] $%s on %s\n", i+1,
			getString(e, "id"), getString(e, "status"), getString(e, "amountUsd"), getString(e, "chain"))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetDispute shows one dispute case.
func (h *Handlers) HandleGetDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}

	raw, err := h.client.GetDispute(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get dispute: %v", err)), nil
	}

	text, err := formatDispute(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

// unwrap decodes {"<key>": {...}} into the inner object.
func unwrap(raw json.RawMessage, key string) (map[string]any, error) {
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	inner, ok := resp[key]
	if !ok {
		return nil, fmt.Errorf("response has no %q field", key)
	}
	var m map[string]any
	if err := json.Unmarshal(inner, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func formatFeeQuote(raw json.RawMessage) (string, error) {
	q, err := unwrap(raw, "quote")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow fee for $%s\n", getString(q, "amountUsd"))
	fmt.Fprintf(&sb, "Fee: $%s (rate %s)\n", getString(q, "fee"), getString(q, "finalRate"))
	if src := getString(q, "discountSource"); src != "" && src != "none" {
		fmt.Fprintf(&sb, "Discount: %s %s", src, getString(q, "discountRate"))
		if tier := getString(q, "tier"); tier != "" {
			fmt.Fprintf(&sb, " (%s)", tier)
		}
		fmt.Fprintf(&sb, ", saves $%s\n", getString(q, "savings"))
	}
	if capped, _ := q["capped"].(bool); capped {
		fmt.Fprintf(&sb, "Capped at $%s\n", getString(q, "maxFee"))
	}
	return sb.String(), nil
}

func formatChainList(raw json.RawMessage) (string, error) {
	var resp struct {
		Chains []map[string]any `json:"chains"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Chains) == 0 {
		return "No chains configured.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d chain(s):\n", len(resp.Chains))
	for _, c := range resp.Chains {
		fmt.Fprintf(&sb, "\n- %s (%s): %s, %s decimals, $%s, fee x%s",
			getString(c, "id"), getString(c, "name"), getString(c, "symbol"),
			getString(c, "decimals"), getString(c, "usdPrice"), getString(c, "feeMultiplier"))
		if testnet, _ := c["testnet"].(bool); testnet {
			sb.WriteString(" [testnet]")
		}
	}
	return sb.String(), nil
}

func formatSplit(raw json.RawMessage) (string, error) {
	s, err := unwrap(raw, "split")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Sale: $%s on %s\n", getString(s, "totalUsd"), getString(s, "chain"))
	fmt.Fprintf(&sb, "Seller (%s): $%s\n", getString(s, "sellerWallet"), getString(s, "sellerUsd"))
	if broker := getString(s, "brokerWallet"); broker != "" {
		fmt.Fprintf(&sb, "Broker %s, %s tier (%s): $%s at %s\n",
			getString(s, "brokerId"), getString(s, "brokerTier"), broker,
			getString(s, "brokerUsd"), getString(s, "commissionRate"))
	}
	fmt.Fprintf(&sb, "Platform: $%s\n", getString(s, "platformUsd"))
	return sb.String(), nil
}

func formatEscrow(e map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s [%s]\n", getString(e, "id"), getString(e, "status"))
	fmt.Fprintf(&sb, "Chain: %s\n", getString(e, "chain"))
	fmt.Fprintf(&sb, "Amount: $%s (fee $%s)\n", getString(e, "amountUsd"), getString(e, "feeUsd"))
	fmt.Fprintf(&sb, "Buyer: %s\nSeller: %s\n", getString(e, "buyer"), getString(e, "seller"))
	if conds, ok := e["conditions"].([]any); ok && len(conds) > 0 {
		sb.WriteString("Conditions:\n")
		for _, raw := range conds {
			c, _ := raw.(map[string]any)
			mark := " "
			if done, _ := c["fulfilled"].(bool); done {
				mark = "x"
			}
			fmt.Fprintf(&sb, "  [%s] %s\n", mark, getString(c, "type"))
		}
	}
	if d := getString(e, "disputeId"); d != "" {
		fmt.Fprintf(&sb, "Dispute: %s\n", d)
	}
	fmt.Fprintf(&sb, "Expires: %s\n", getString(e, "expiresAt"))
	return sb.String()
}

func formatDispute(raw json.RawMessage) (string, error) {
	d, err := unwrap(raw, "dispute")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %s [%s] for escrow %s\n", getString(d, "id"), getString(d, "status"), getString(d, "escrowId"))
	fmt.Fprintf(&sb, "Amount: $%s\n", getString(d, "amountUsd"))
	arbs, _ := d["arbitrators"].([]any)
	votes, _ := d["votes"].([]any)
	fmt.Fprintf(&sb, "Votes: %d of %d arbitrators\n", len(votes), len(arbs))
	fmt.Fprintf(&sb, "Voting deadline: %s\n", getString(d, "votingDeadline"))
	if res, ok := d["resolution"].(map[string]any); ok {
		fmt.Fprintf(&sb, "Resolution: %s (buyer $%s, seller $%s)\n",
			getString(res, "outcome"), getString(res, "buyerUsd"), getString(res, "sellerUsd"))
		if settled, _ := d["settled"].(bool); !settled {
			sb.WriteString("Settlement pending\n")
		}
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
