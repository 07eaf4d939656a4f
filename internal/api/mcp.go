package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/enrichd/internal/enrich"
	"github.com/kalambet/enrichd/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Enricher Enricher
}

// NewMCPServer creates an MCP server exposing session lookup and enrichment control.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"enrichd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("enrichd attaches location and weather data to sessions by source IP."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_session",
			mcp.WithDescription("Fetch a session with its geolocation and weather enrichment, if any."),
			mcp.WithString("id", mcp.Description("Session ID"), mcp.Required()),
		),
		mcpGetSession(deps),
	)

	s.AddTool(
		mcp.NewTool("create_session",
			mcp.WithDescription("Create a session for a source IP and queue it for enrichment."),
			mcp.WithString("source_ip", mcp.Description("Client IP address"), mcp.Required()),
		),
		mcpCreateSession(deps),
	)

	s.AddTool(
		mcp.NewTool("enrichment_status",
			mcp.WithDescription("Report pending queue depth, the last batch result and cumulative counters."),
		),
		mcpEnrichmentStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("run_enrichment",
			mcp.WithDescription("Run one enrichment batch now. Fails if a batch is already running."),
		),
		mcpRunEnrichment(deps),
	)

	return s
}

func mcpGetSession(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil || id == "" {
			return mcpError("id is required"), nil
		}

		sess, err := deps.Store.GetSession(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("session %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get session: %v", err)), nil
		}
		return mcpJSON(sess)
	}
}

func mcpCreateSession(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ip, err := req.RequireString("source_ip")
		if err != nil {
			return mcpError("source_ip is required"), nil
		}
		id, err := createSession(ctx, deps.Store, ip)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(fmt.Sprintf("Created session %s", id)), nil
	}
}

func mcpEnrichmentStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pending, err := deps.Store.PendingCount(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to count pending items: %v", err)), nil
		}
		return mcpJSON(Status{Pending: pending, Stats: deps.Enricher.Stats()})
	}
}

func mcpRunEnrichment(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := deps.Enricher.RunBatch(ctx)
		if errors.Is(err, enrich.ErrBatchInFlight) {
			return mcpError("an enrichment batch is already running"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("enrichment batch failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
