package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all luxescrow tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("luxescrow", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolQuoteFee, h.HandleQuoteFee)
	s.AddTool(ToolListChains, h.HandleListChains)
	s.AddTool(ToolBridgeQuote, h.HandleBridgeQuote)
	s.AddTool(ToolCalculateSplit, h.HandleCalculateSplit)
	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolGetDispute, h.HandleGetDispute)

	return s
}
