package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the luxescrow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.
// Every tool is read-only: quotes, previews and lookups.

var ToolQuoteFee = mcp.NewTool("quote_escrow_fee",
	mcp.WithDescription(
		"Quote the platform fee for escrowing a luxury-goods sale. "+
			"Applies the amount bracket, the chain's fee multiplier, the wallet's subscription "+
			"or volume discount and the fee cap. Amounts are in USD."),
	mcp.WithString("amount_usd",
		mcp.Required(),
		mcp.Description("Sale amount in USD (e.g. '25000')")),
	mcp.WithString("chain",
		mcp.Required(),
		mcp.Description("Chain id (e.g. 'polygon', 'ethereum', 'xrpl', 'solana')")),
	mcp.WithString("wallet",
		mcp.Description("Buyer wallet used to look up discounts. Defaults to the configured wallet.")),
)

var ToolListChains = mcp.NewTool("list_chains",
	mcp.WithDescription(
		"List the chains escrows can settle on, with asset symbol, decimals, "+
			"USD price and fee multiplier."),
)

var ToolBridgeQuote = mcp.NewTool("bridge_quote",
	mcp.WithDescription(
		"Quote moving funds between two chains: bridge fee, amount received and estimated time."),
	mcp.WithString("from",
		mcp.Required(),
		mcp.Description("Source chain id")),
	mcp.WithString("to",
		mcp.Required(),
		mcp.Description("Destination chain id")),
	mcp.WithString("amount_usd",
		mcp.Required(),
		mcp.Description("Amount to move in USD")),
)

var ToolCalculateSplit = mcp.NewTool("calculate_commission_split",
	mcp.WithDescription(
		"Preview how a sale is divided between seller, referring broker and platform. "+
			"Nothing is paid; use this to show parties their share before a sale."),
	mcp.WithString("chain",
		mcp.Required(),
		mcp.Description("Chain the sale settles on")),
	mcp.WithString("sale_usd",
		mcp.Required(),
		mcp.Description("Sale amount in USD")),
	mcp.WithString("seller_wallet",
		mcp.Required(),
		mcp.Description("Seller's wallet on that chain")),
	mcp.WithString("referral_code",
		mcp.Description("Broker referral code, if the buyer was referred")),
)

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Get an escrow's status, parties, amount, fee, conditions and expiry."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow id (e.g. 'polygon:esc_...')")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List escrows a wallet is buyer or seller in, newest first."),
	mcp.WithString("wallet",
		mcp.Description("Wallet address. Defaults to the configured wallet.")),
)

var ToolGetDispute = mcp.NewTool("get_dispute",
	mcp.WithDescription(
		"Get a dispute case: status, assigned arbitrators, votes cast, voting deadline and resolution."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("Dispute id returned when the escrow was disputed")),
)
