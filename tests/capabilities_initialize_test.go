package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/ibrohimislam/mcp-odoo/mcp"
)

// TestInitializeAdvertisesOdooCapabilities verifies the handshake reports the
// full capability surface: tools, resources, prompts and logging, plus the
// server identity and instructions.
func TestInitializeAdvertisesOdooCapabilities(t *testing.T) {
	t.Parallel()
	d := deployOdoo(t)

	resp := rawPost(t, d.srv, "", map[string]any{
		"jsonrpc": "2.0",
		"id":      "1",
		"method":  string(mcp.InitializeMethod),
		"params": map[string]any{
			"protocolVersion": mcp.LatestProtocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "caps", "version": "1"},
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status %d", resp.StatusCode)
	}
	if resp.Header.Get("Mcp-Session-Id") == "" {
		t.Fatalf("missing session id header")
	}
	if got := resp.Header.Get("Mcp-Protocol-Version"); got != mcp.LatestProtocolVersion {
		t.Fatalf("protocol version header = %q, want %q", got, mcp.LatestProtocolVersion)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	var rpcResp struct {
		Result json.RawMessage     `json:"result"`
		Error  *struct{ Code int } `json:"error"`
	}
	if err := json.Unmarshal(buf.Bytes(), &rpcResp); err != nil {
		t.Fatalf("unmarshal response: %v\n%s", err, buf.String())
	}
	if rpcResp.Error != nil {
		t.Fatalf("initialize error: %+v", rpcResp.Error)
	}

	var initRes mcp.InitializeResult
	if err := json.Unmarshal(rpcResp.Result, &initRes); err != nil {
		t.Fatalf("unmarshal init result: %v", err)
	}

	if initRes.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("protocolVersion = %q", initRes.ProtocolVersion)
	}
	if initRes.ServerInfo.Name != "mcp-odoo" {
		t.Fatalf("serverInfo.name = %q", initRes.ServerInfo.Name)
	}
	if initRes.Instructions == "" {
		t.Fatalf("expected instructions text")
	}
	if initRes.Capabilities.Tools == nil || !initRes.Capabilities.Tools.ListChanged {
		t.Fatalf("tools capability = %+v, want listChanged", initRes.Capabilities.Tools)
	}
	if initRes.Capabilities.Resources == nil || !initRes.Capabilities.Resources.ListChanged {
		t.Fatalf("resources capability = %+v, want listChanged", initRes.Capabilities.Resources)
	}
	if initRes.Capabilities.Prompts == nil {
		t.Fatalf("expected prompts capability")
	}
	if initRes.Capabilities.Logging == nil {
		t.Fatalf("expected logging capability")
	}
}
