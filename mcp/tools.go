package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mindmirror/mindlink/client"
)

// ToolSurface registers sync-client tools on an MCP server.
type ToolSurface struct {
	mcpServer *MCPServer
	client    *client.Client
}

func NewToolSurface(mcpServer *MCPServer, c *client.Client) *ToolSurface {
	return &ToolSurface{mcpServer: mcpServer, client: c}
}

// Start registers the tools and serves stdio until the transport ends.
func (t *ToolSurface) Start() error {
	t.registerTools()
	return t.mcpServer.Start()
}

func (t *ToolSurface) registerTools() {
	stateTool := mcp.NewTool("get_state",
		mcp.WithDescription("Get the mirrored state snapshot: value, phase, history and achieved milestones"),
		mcp.WithBoolean("include_history",
			mcp.Description("Include the sample history"),
		),
	)
	t.mcpServer.Server.AddTool(stateTool, t.handleGetState)

	metricsTool := mcp.NewTool("get_metrics",
		mcp.WithDescription("Get sync client health: connection, queue depth, buffered events, reconnect attempts"),
	)
	t.mcpServer.Server.AddTool(metricsTool, t.handleGetMetrics)

	submitTool := mcp.NewTool("submit_event",
		mcp.WithDescription("Submit an event to the remote authority; buffered for replay if offline"),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("Event content"),
		),
		mcp.WithObject("context",
			mcp.Description("Free-form key/value context; a \"priority\" key of high/low selects the transmission tier"),
		),
	)
	t.mcpServer.Server.AddTool(submitTool, t.handleSubmitEvent)

	forceSyncTool := mcp.NewTool("force_sync",
		mcp.WithDescription("Restart the reconnect counter and request a fresh state broadcast"),
	)
	t.mcpServer.Server.AddTool(forceSyncTool, t.handleForceSync)
}

func (t *ToolSurface) handleGetState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	includeHistory := request.GetBool("include_history", false)

	snapshot := t.client.GetState()
	result := map[string]any{
		"value":      snapshot.Value,
		"phase":      snapshot.Phase,
		"updated_at": snapshot.UpdatedAt,
		"milestones": snapshot.Milestones,
		"trend":      t.client.TrendDirection(),
	}
	if includeHistory {
		result["history"] = snapshot.History
	}

	resultBytes, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(resultBytes)), nil
}

func (t *ToolSurface) handleGetMetrics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resultBytes, _ := json.Marshal(t.client.GetMetrics())
	return mcp.NewToolResultText(string(resultBytes)), nil
}

func (t *ToolSurface) handleSubmitEvent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("content is required and must be a string"), err
	}

	eventCtx := make(map[string]string)
	if args, ok := request.GetRawArguments().(map[string]any); ok {
		if rawCtx, ok := args["context"].(map[string]any); ok {
			for k, v := range rawCtx {
				eventCtx[k] = fmt.Sprint(v)
			}
		}
	}

	t.client.Submit(content, eventCtx)
	return mcp.NewToolResultText("event queued for transmission"), nil
}

func (t *ToolSurface) handleForceSync(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t.client.ForceSync()
	return mcp.NewToolResultText("sync requested"), nil
}
