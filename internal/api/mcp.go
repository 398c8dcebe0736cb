package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/shareq/internal/share"
	"github.com/kalambet/shareq/internal/storage"
)

// failedResourceLimit caps the queue://failed listing.
const failedResourceLimit = 100

// NewMCPServer creates an MCP server exposing capture and queue tools. It uses
// the same Deps as the HTTP API; Token is ignored.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"shareq",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("shareq: durable queue that delivers shared text, links and files to the backend."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("share_content",
			mcp.WithDescription("Queue a piece of content for delivery. The type is detected when omitted."),
			mcp.WithString("type", mcp.Description("text, url, image, video or file")),
			mcp.WithString("title", mcp.Description("Optional title")),
			mcp.WithString("text", mcp.Description("Text content")),
			mcp.WithString("url", mcp.Description("Link to share")),
			mcp.WithString("payload_ref", mcp.Description("Path or reference to a media/file payload")),
		),
		mcpShareContent(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_stats",
			mcp.WithDescription("Return queue counts by status and the sync engine state."),
		),
		mcpQueueStats(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_failed",
			mcp.WithDescription("Reset failed items so they are delivered again. Without an id every failed item is reset."),
			mcp.WithString("id", mcp.Description("Item id to retry")),
		),
		mcpRetryFailed(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_now",
			mcp.WithDescription("Run a delivery pass now and report the outcome."),
		),
		mcpSyncNow(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"queue://failed",
			"Failed Shares",
			mcp.WithResourceDescription("Items that exhausted their retries or were rejected by the backend"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceFailed(deps),
	)

	return s
}

func mcpShareContent(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		c := ShareRequest{
			Type:       req.GetString("type", ""),
			Title:      req.GetString("title", ""),
			Text:       req.GetString("text", ""),
			URL:        req.GetString("url", ""),
			PayloadRef: req.GetString("payload_ref", ""),
		}.Content()

		id, err := deps.Surface.OnContentCaptured(ctx, c)
		if err != nil {
			switch {
			case errors.Is(err, share.ErrInvalidContent):
				return mcpError(err.Error()), nil
			case errors.Is(err, storage.ErrCapacity):
				return mcpError("queue is full: wait for pending shares to be delivered"), nil
			}
			return mcpError(fmt.Sprintf("failed to queue: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued share %s", id)), nil
	}
}

func mcpQueueStats(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Engine.Stats(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read stats: %v", err)), nil
		}
		return mcpJSON(StatsResponse{Queue: st, Engine: deps.Engine.State()})
	}
}

func mcpRetryFailed(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := req.GetString("id", "")
		if id == "" {
			n, err := deps.Engine.RetryAllFailed(ctx)
			if err != nil {
				return mcpError(fmt.Sprintf("retried %d, some failed: %v", n, err)), nil
			}
			return mcpText(fmt.Sprintf("Retrying %d failed shares", n)), nil
		}

		retried, err := deps.Engine.RetryFailed(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("retry failed: %v", err)), nil
		}
		if !retried {
			return mcpText(fmt.Sprintf("Share %s is not in failed state", id)), nil
		}
		return mcpText(fmt.Sprintf("Retrying share %s", id)), nil
	}
}

func mcpSyncNow(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		report, err := deps.Engine.SyncNow(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		return mcpJSON(report)
	}
}

func mcpResourceFailed(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		items, err := deps.Engine.List(ctx, storage.ListFilter{Status: storage.StatusFailed, Limit: failedResourceLimit})
		if err != nil {
			return nil, fmt.Errorf("failed to list failed items: %w", err)
		}
		if items == nil {
			items = []storage.QueueItem{}
		}

		b, err := json.Marshal(items)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal items: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
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
