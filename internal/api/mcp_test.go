package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/shareq/internal/storage"
	"github.com/kalambet/shareq/internal/syncer"
)

// --- helpers ---

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_ShareContent(t *testing.T) {
	env := setupHandler(t, 0)
	handler := mcpShareContent(env.deps)

	result, err := handler(context.Background(), makeCallToolRequest("share_content", map[string]interface{}{
		"url":   "https://example.com/read-later",
		"title": "Read later",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	items, err := env.store.List(context.Background(), storage.ListFilter{})
	if err != nil {
		t.Fatalf("listing items: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Content.Kind != "url" || items[0].Content.Title != "Read later" {
		t.Fatalf("unexpected content: %+v", items[0].Content)
	}
	if !strings.Contains(toolText(t, result), items[0].ID()) {
		t.Errorf("result %q does not mention id %s", toolText(t, result), items[0].ID())
	}
}

func TestMCPTool_ShareContent_Invalid(t *testing.T) {
	env := setupHandler(t, 0)
	handler := mcpShareContent(env.deps)

	result, err := handler(context.Background(), makeCallToolRequest("share_content", map[string]interface{}{
		"type": "url",
		"url":  "ftp://example.com",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for invalid content")
	}
}

func TestMCPTool_ShareContent_Full(t *testing.T) {
	env := setupHandler(t, 1)
	handler := mcpShareContent(env.deps)

	handler(context.Background(), makeCallToolRequest("share_content", map[string]interface{}{"text": "one"}))
	result, _ := handler(context.Background(), makeCallToolRequest("share_content", map[string]interface{}{"text": "two"}))
	if !result.IsError {
		t.Fatal("expected tool error when the queue is full")
	}
	if !strings.Contains(toolText(t, result), "queue is full") {
		t.Errorf("message = %q", toolText(t, result))
	}
}

func TestMCPTool_QueueStats(t *testing.T) {
	env := setupHandler(t, 0)
	shareID(t, env, `{"text":"a"}`)

	result, err := mcpQueueStats(env.deps)(context.Background(), makeCallToolRequest("queue_stats", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp StatsResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Queue.Pending != 1 {
		t.Errorf("pending = %d, want 1", resp.Queue.Pending)
	}
}

func TestMCPTool_RetryFailed(t *testing.T) {
	env := setupHandler(t, 0)
	a := shareID(t, env, `{"text":"a"}`)
	b := shareID(t, env, `{"text":"b"}`)
	env.failItem(t, a)
	env.failItem(t, b)
	handler := mcpRetryFailed(env.deps)

	result, _ := handler(context.Background(), makeCallToolRequest("retry_failed", map[string]interface{}{"id": a}))
	if result.IsError || !strings.Contains(toolText(t, result), "Retrying share") {
		t.Fatalf("unexpected result: %s", toolText(t, result))
	}

	result, _ = handler(context.Background(), makeCallToolRequest("retry_failed", map[string]interface{}{"id": a}))
	if !strings.Contains(toolText(t, result), "not in failed state") {
		t.Errorf("second retry: %s", toolText(t, result))
	}

	result, _ = handler(context.Background(), makeCallToolRequest("retry_failed", nil))
	if toolText(t, result) != "Retrying 1 failed shares" {
		t.Errorf("retry all: %s", toolText(t, result))
	}

	result, _ = handler(context.Background(), makeCallToolRequest("retry_failed", map[string]interface{}{"id": "nonexistent"}))
	if !result.IsError {
		t.Error("expected error for unknown id")
	}
}

func TestMCPTool_SyncNow(t *testing.T) {
	env := setupHandler(t, 0)
	shareID(t, env, `{"text":"a"}`)
	env.signal.Set(true)

	result, err := mcpSyncNow(env.deps)(context.Background(), makeCallToolRequest("sync_now", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var report syncer.SyncReport
	if err := json.Unmarshal([]byte(toolText(t, result)), &report); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if report.Completed != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestMCPResource_Failed(t *testing.T) {
	env := setupHandler(t, 0)
	shareID(t, env, `{"text":"fine"}`)
	bad := shareID(t, env, `{"text":"broken"}`)
	env.failItem(t, bad)

	contents, err := mcpResourceFailed(env.deps)(context.Background(), makeReadResourceRequest("queue://failed"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 resource content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var items []storage.QueueItem
	if err := json.Unmarshal([]byte(tc.Text), &items); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(items) != 1 || items[0].ID() != bad {
		t.Fatalf("items = %+v, want only %s", items, bad)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	env := setupHandler(t, 0)
	shareHandler := mcpShareContent(env.deps)
	statsHandler := mcpQueueStats(env.deps)

	var wg sync.WaitGroup
	errs := make(chan error, 20)

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			req := makeCallToolRequest("share_content", map[string]interface{}{
				"text": fmt.Sprintf("concurrent content %d", i),
			})
			if res, err := shareHandler(context.Background(), req); err != nil {
				errs <- err
			} else if res.IsError {
				errs <- fmt.Errorf("share %d: %s", i, res.Content[0].(mcp.TextContent).Text)
			}
		}(i)
		go func() {
			defer wg.Done()
			if _, err := statsHandler(context.Background(), makeCallToolRequest("queue_stats", nil)); err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}

	st, _ := env.store.Stats(context.Background())
	if st.Total != 10 {
		t.Errorf("total = %d, want 10", st.Total)
	}
}
