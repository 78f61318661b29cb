package tests

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/ibrohimislam/mcp-odoo/mcp"
)

// Prompts are exercised over raw HTTP: this transport's prompt messages carry
// a content list, which the official SDK types do not round-trip.

func rpcCall(t *testing.T, d *deployment, sid, id, method string, params any) (json.RawMessage, *rpcError) {
	t.Helper()
	resp := rawPost(t, d.srv, sid, map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("%s status %d", method, resp.StatusCode)
	}
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode %s response: %v", method, err)
	}
	return rpcResp.Result, rpcResp.Error
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func TestPrompts_ListAndGet_E2E(t *testing.T) {
	t.Parallel()
	d := deployOdoo(t)
	sid := rawInitialize(t, d.srv)

	result, rpcErr := rpcCall(t, d, sid, "2", string(mcp.PromptsListMethod), map[string]any{})
	if rpcErr != nil {
		t.Fatalf("prompts/list error: %+v", rpcErr)
	}
	var list struct {
		Prompts []mcp.Prompt `json:"prompts"`
	}
	if err := json.Unmarshal(result, &list); err != nil {
		t.Fatalf("unmarshal prompts/list: %v", err)
	}
	names := map[string]bool{}
	for _, p := range list.Prompts {
		names[p.Name] = true
	}
	if !names["explore-models"] || !names["inspect-record"] {
		t.Fatalf("prompts = %v, want explore-models and inspect-record", names)
	}

	result, rpcErr = rpcCall(t, d, sid, "3", string(mcp.PromptsGetMethod), map[string]any{
		"name":      "inspect-record",
		"arguments": map[string]any{"model_name": "res.partner", "record_id": "42"},
	})
	if rpcErr != nil {
		t.Fatalf("prompts/get error: %+v", rpcErr)
	}
	var got mcp.GetPromptResult
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal prompts/get: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != mcp.RoleUser {
		t.Fatalf("messages = %+v", got.Messages)
	}
	text := ""
	for _, block := range got.Messages[0].Content {
		text += block.Text
	}
	if !strings.Contains(text, "res.partner") || !strings.Contains(text, "42") {
		t.Fatalf("prompt text does not reference the record: %q", text)
	}

	// Both arguments are required; omitting one is a protocol error, not a
	// rendered prompt.
	_, rpcErr = rpcCall(t, d, sid, "4", string(mcp.PromptsGetMethod), map[string]any{
		"name":      "inspect-record",
		"arguments": map[string]any{"model_name": "res.partner"},
	})
	if rpcErr == nil {
		t.Fatalf("expected error for missing record_id argument")
	}
}
