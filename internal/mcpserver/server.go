package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all health score tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("healthscore", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetLatestHealth, h.HandleGetLatestHealth)
	s.AddTool(ToolGetHealthTrend, h.HandleGetHealthTrend)
	s.AddTool(ToolGetCategoryHealth, h.HandleGetCategoryHealth)
	s.AddTool(ToolGetHeatMap, h.HandleGetHeatMap)
	s.AddTool(ToolReportRisk, h.HandleReportRisk)

	return s
}
