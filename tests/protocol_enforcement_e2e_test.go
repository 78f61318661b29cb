package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/ibrohimislam/mcp-odoo/mcp"
)

// The streaming HTTP transport enforces its framing rules with HTTP status
// codes before any JSON-RPC processing happens.

func TestPost_WrongContentTypeRejected(t *testing.T) {
	t.Parallel()
	d := deployOdoo(t)

	req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, d.srv.URL+"/", bytes.NewReader([]byte("hello")))
	req.Header.Set("Authorization", "Bearer "+testBearerToken)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status %d, want 415", resp.StatusCode)
	}
}

func TestPost_BatchArraysForbidden(t *testing.T) {
	t.Parallel()
	d := deployOdoo(t)
	sid := rawInitialize(t, d.srv)

	batch, _ := json.Marshal([]map[string]any{
		{"jsonrpc": "2.0", "id": "2", "method": "ping"},
		{"jsonrpc": "2.0", "id": "3", "method": "ping"},
	})
	req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, d.srv.URL+"/", bytes.NewReader(batch))
	req.Header.Set("Authorization", "Bearer "+testBearerToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Mcp-Session-Id", sid)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400 for batch array", resp.StatusCode)
	}
}

func TestPost_NonInitializeWithoutSessionRejected(t *testing.T) {
	t.Parallel()
	d := deployOdoo(t)

	resp := rawPost(t, d.srv, "", map[string]any{
		"jsonrpc": "2.0",
		"id":      "1",
		"method":  string(mcp.PingMethod),
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404 without a session", resp.StatusCode)
	}
}

func TestPost_SecondInitializeConflicts(t *testing.T) {
	t.Parallel()
	d := deployOdoo(t)
	sid := rawInitialize(t, d.srv)

	resp := rawPost(t, d.srv, sid, map[string]any{
		"jsonrpc": "2.0",
		"id":      "2",
		"method":  string(mcp.InitializeMethod),
		"params": map[string]any{
			"protocolVersion": mcp.LatestProtocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "again", "version": "1"},
		},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d, want 409 for second initialize", resp.StatusCode)
	}
}

func TestPost_ProtocolVersionMismatchRejected(t *testing.T) {
	t.Parallel()
	d := deployOdoo(t)
	sid := rawInitialize(t, d.srv)

	body, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": "2", "method": "ping"})
	req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, d.srv.URL+"/", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testBearerToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Mcp-Session-Id", sid)
	req.Header.Set("Mcp-Protocol-Version", "2999-01-01")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400 for version mismatch", resp.StatusCode)
	}
}

func TestGet_ProtocolVersionMismatchRejected(t *testing.T) {
	t.Parallel()
	d := deployOdoo(t)
	sid := rawInitialize(t, d.srv)

	req, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, d.srv.URL+"/", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+testBearerToken)
	req.Header.Set("Mcp-Session-Id", sid)
	req.Header.Set("Mcp-Protocol-Version", "2999-01-01")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("status %d, want 412 for stream version mismatch", resp.StatusCode)
	}
}

func TestGet_MissingSessionHeaderRejected(t *testing.T) {
	t.Parallel()
	d := deployOdoo(t)

	req, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, d.srv.URL+"/", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+testBearerToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400 without session header", resp.StatusCode)
	}
}

func TestPost_TamperedSessionIDRejected(t *testing.T) {
	t.Parallel()
	d := deployOdoo(t)
	sid := rawInitialize(t, d.srv)

	// Flip a character in the signed identifier; the signature check makes
	// this indistinguishable from an unknown session.
	tampered := []byte(sid)
	if tampered[len(tampered)-1] == 'A' {
		tampered[len(tampered)-1] = 'B'
	} else {
		tampered[len(tampered)-1] = 'A'
	}
	resp := rawPost(t, d.srv, string(tampered), map[string]any{
		"jsonrpc": "2.0",
		"id":      "2",
		"method":  string(mcp.PingMethod),
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404 for tampered session id", resp.StatusCode)
	}
}
