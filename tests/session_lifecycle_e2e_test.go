package tests

import (
	"net/http"
	"testing"

	"github.com/ibrohimislam/mcp-odoo/mcp"
)

// TestSessionLifecycle_E2E walks a session from handshake to deletion:
// initialize, initialized, a served request, DELETE, then proof the session
// is gone.
func TestSessionLifecycle_E2E(t *testing.T) {
	t.Parallel()
	d := deployOdoo(t)
	sid := rawInitialize(t, d.srv)

	// notifications/initialized is accepted without a body.
	resp := rawPost(t, d.srv, sid, map[string]any{
		"jsonrpc": "2.0",
		"method":  string(mcp.InitializedNotificationMethod),
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("initialized status %d, want 202", resp.StatusCode)
	}

	// The session serves requests.
	if _, rpcErr := rpcCall(t, d, sid, "2", string(mcp.PingMethod), map[string]any{}); rpcErr != nil {
		t.Fatalf("ping error: %+v", rpcErr)
	}

	// DELETE terminates it.
	req, err := http.NewRequestWithContext(t.Context(), http.MethodDelete, d.srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("build delete: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testBearerToken)
	req.Header.Set("Mcp-Session-Id", sid)
	req.Header.Set("Mcp-Protocol-Version", mcp.LatestProtocolVersion)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d, want 204", delResp.StatusCode)
	}

	// The identifier no longer resolves.
	resp = rawPost(t, d.srv, sid, map[string]any{
		"jsonrpc": "2.0",
		"id":      "3",
		"method":  string(mcp.PingMethod),
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("post after delete status %d, want 404", resp.StatusCode)
	}

	// Deleting again reports the miss.
	again, err := http.NewRequestWithContext(t.Context(), http.MethodDelete, d.srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("build delete: %v", err)
	}
	again.Header.Set("Authorization", "Bearer "+testBearerToken)
	again.Header.Set("Mcp-Session-Id", sid)
	delResp, err = http.DefaultClient.Do(again)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status %d, want 404", delResp.StatusCode)
	}
}
