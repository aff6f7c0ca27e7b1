// Package mcp exposes piloteer session snapshots to MCP clients. Every
// tool works on archived snapshots; the live run is driven through the
// interactive console, not through this server.
package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewServer creates a new MCP server with piloteer tools registered.
func NewServer(version string) *server.MCPServer {
	s := server.NewMCPServer(
		"piloteer",
		version,
		server.WithToolCapabilities(true),
	)

	// Register tools
	s.AddTool(
		mcp.NewTool("piloteer/query",
			mcp.WithDescription("Run a query expression against a session snapshot"),
			mcp.WithString("input", mcp.Required(), mcp.Description("Path to the session snapshot file")),
			mcp.WithString("query", mcp.Required(), mcp.Description("Query expression, e.g. task_history[?failed == true].name")),
		),
		HandleQuery,
	)

	s.AddTool(
		mcp.NewTool("piloteer/status",
			mcp.WithDescription("Summarize a session snapshot: hosts, task counts, failures, quota"),
			mcp.WithString("input", mcp.Required(), mcp.Description("Path to the session snapshot file")),
		),
		HandleStatus,
	)

	s.AddTool(
		mcp.NewTool("piloteer/sessions",
			mcp.WithDescription("List archived session snapshots, newest first"),
			mcp.WithString("dir", mcp.Description("Snapshot directory (defaults to the configured session dir)")),
		),
		HandleSessions,
	)

	s.AddTool(
		mcp.NewTool("piloteer/inspect",
			mcp.WithDescription("Show one host's record, task history and open failure from a snapshot"),
			mcp.WithString("input", mcp.Required(), mcp.Description("Path to the session snapshot file")),
			mcp.WithString("host", mcp.Required(), mcp.Description("Host name to inspect")),
		),
		HandleInspect,
	)

	s.AddTool(
		mcp.NewTool("piloteer/schema",
			mcp.WithDescription("Export the JSON Schema of a session snapshot"),
		),
		HandleSchema,
	)

	return s
}
