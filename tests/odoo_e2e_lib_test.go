package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ibrohimislam/mcp-odoo/auth/authtest"
	"github.com/ibrohimislam/mcp-odoo/mcp"
	"github.com/ibrohimislam/mcp-odoo/odoo"
	"github.com/ibrohimislam/mcp-odoo/odooservice"
	"github.com/ibrohimislam/mcp-odoo/sessions/memoryhost"
	"github.com/ibrohimislam/mcp-odoo/streaminghttp"
)

const testBearerToken = "test-token"

// authRT injects the test bearer token into every outbound request.
type authRT struct{ base http.RoundTripper }

func (t authRT) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+testBearerToken)
	return t.base.RoundTrip(r)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// erpCall captures one CallMethod invocation, options map included, so tests
// can assert exactly which keyword arguments were forwarded.
type erpCall struct {
	model   string
	method  string
	domain  odoo.Domain
	options map[string]any
}

// fakeERP is an in-memory odoo.Client with canned data. Every method counts
// as one remote call; tests use the counter to prove that invalid invocations
// never reach the backend.
type fakeERP struct {
	mu sync.Mutex

	models      map[string]odoo.ModelSummary
	metadata    map[string]any
	fields      map[string]map[string]any
	records     []map[string]any
	count       int64
	methodValue any
	err         error

	methodCalls []erpCall
	remote      int
}

func newFakeERP() *fakeERP {
	return &fakeERP{
		models: map[string]odoo.ModelSummary{
			"res.partner": {Name: "res.partner", DisplayName: "Contact"},
			"sale.order":  {Name: "sale.order", DisplayName: "Sales Order"},
		},
		metadata: map[string]any{"model": "res.partner", "name": "Contact", "state": "base"},
		fields: map[string]map[string]any{
			"name": {"type": "char", "string": "Name"},
		},
		records:     []map[string]any{{"id": int64(42), "name": "Azure Interior"}},
		count:       7,
		methodValue: []any{map[string]any{"id": int64(42), "name": "Azure Interior"}},
	}
}

func (f *fakeERP) ListModels(ctx context.Context) (map[string]odoo.ModelSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote++
	if f.err != nil {
		return nil, f.err
	}
	return f.models, nil
}

func (f *fakeERP) ModelMetadata(ctx context.Context, model string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote++
	if f.err != nil {
		return nil, f.err
	}
	return f.metadata, nil
}

func (f *fakeERP) ModelFields(ctx context.Context, model string) (map[string]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote++
	if f.err != nil {
		return nil, f.err
	}
	return f.fields, nil
}

func (f *fakeERP) ReadRecords(ctx context.Context, model string, ids []int64, fields []string) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote++
	if f.err != nil {
		return nil, f.err
	}
	var out []map[string]any
	for _, id := range ids {
		for _, rec := range f.records {
			if rec["id"] == id {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

func (f *fakeERP) Count(ctx context.Context, model string, domain odoo.Domain) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote++
	if f.err != nil {
		return 0, f.err
	}
	return f.count, nil
}

func (f *fakeERP) CallMethod(ctx context.Context, model, method string, domain odoo.Domain, options map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote++
	opts := make(map[string]any, len(options))
	for k, v := range options {
		opts[k] = v
	}
	f.methodCalls = append(f.methodCalls, erpCall{model: model, method: method, domain: domain, options: opts})
	if f.err != nil {
		return nil, f.err
	}
	return f.methodValue, nil
}

func (f *fakeERP) remoteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakeERP) lastMethodCall(t *testing.T) erpCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.methodCalls) == 0 {
		t.Fatalf("no CallMethod invocations recorded")
	}
	return f.methodCalls[len(f.methodCalls)-1]
}

func (f *fakeERP) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// deployment is a full HTTP-facing server backed by a fakeERP.
type deployment struct {
	srv *httptest.Server
	svc *odooservice.Service
	erp *fakeERP
}

// deployOdoo stands up the streaming HTTP handler over a fresh service and
// fake backend. Auth accepts only testBearerToken, mapped to user-1.
func deployOdoo(t *testing.T) *deployment {
	t.Helper()
	ctx := t.Context()

	erp := newFakeERP()
	svc := odooservice.NewService(erp, odooservice.WithLogger(discardLogger()))

	// Indirect handler: the public endpoint has to be the test server's URL,
	// which does not exist until after the server is listening.
	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { handler.ServeHTTP(w, r) }))
	t.Cleanup(srv.Close)

	h, err := streaminghttp.New(ctx, srv.URL, memoryhost.New(), svc.Capabilities(),
		authtest.TokenMap{testBearerToken: "user-1"},
		streaminghttp.WithServerName("odoo-e2e"),
		streaminghttp.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("streaminghttp.New: %v", err)
	}
	handler = h

	return &deployment{srv: srv, svc: svc, erp: erp}
}

// connectClient opens an official-SDK client session against the deployment.
func connectClient(t *testing.T, d *deployment) *sdk.ClientSession {
	t.Helper()
	ctx := t.Context()

	client := sdk.NewClient(&sdk.Implementation{Name: "odoo-e2e", Version: "0.0.0"}, &sdk.ClientOptions{})
	transport := &sdk.StreamableClientTransport{
		Endpoint:   d.srv.URL + "/",
		HTTPClient: &http.Client{Transport: authRT{base: http.DefaultTransport}},
	}
	cs, err := client.Connect(ctx, transport, &sdk.ClientSessionOptions{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

// envelopeOf round-trips the structured content of a tool result into a map
// so tests can assert the exact wire shape of the envelope.
func envelopeOf(t *testing.T, res *sdk.CallToolResult) map[string]any {
	t.Helper()
	raw, err := json.Marshal(res.StructuredContent)
	if err != nil {
		t.Fatalf("marshal structured content: %v", err)
	}
	var env map[string]any
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v\n%s", err, raw)
	}
	return env
}

func requireSuccess(t *testing.T, res *sdk.CallToolResult) any {
	t.Helper()
	if res.IsError {
		t.Fatalf("tool call failed: %+v", res)
	}
	env := envelopeOf(t, res)
	if env["success"] != true {
		t.Fatalf("envelope not successful: %v", env)
	}
	if _, ok := env["error"]; ok {
		t.Fatalf("success envelope carries error: %v", env)
	}
	return env["result"]
}

func requireFailure(t *testing.T, res *sdk.CallToolResult) string {
	t.Helper()
	if !res.IsError {
		t.Fatalf("expected failed tool call, got %+v", res)
	}
	env := envelopeOf(t, res)
	if env["success"] != false {
		t.Fatalf("envelope not a failure: %v", env)
	}
	if _, ok := env["result"]; ok {
		t.Fatalf("failure envelope carries result: %v", env)
	}
	msg, ok := env["error"].(string)
	if !ok {
		t.Fatalf("failure envelope missing error: %v", env)
	}
	return msg
}

// rawInitialize performs the initialize handshake over plain HTTP and returns
// the wire session id.
func rawInitialize(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp := rawPost(t, srv, "", map[string]any{
		"jsonrpc": "2.0",
		"id":      "1",
		"method":  string(mcp.InitializeMethod),
		"params": map[string]any{
			"protocolVersion": mcp.LatestProtocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "raw", "version": "1"},
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status %d", resp.StatusCode)
	}
	sid := resp.Header.Get("Mcp-Session-Id")
	if sid == "" {
		t.Fatalf("initialize response missing session id header")
	}
	return sid
}

// rawPost sends one JSON-RPC message with the standard headers. An empty sid
// omits the session header (the initialize case).
func rawPost(t *testing.T, srv *httptest.Server, sid string, body map[string]any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testBearerToken)
	req.Header.Set("Content-Type", "application/json")
	if sid != "" {
		req.Header.Set("Mcp-Session-Id", sid)
		req.Header.Set("Mcp-Protocol-Version", mcp.LatestProtocolVersion)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}
