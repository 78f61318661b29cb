package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ibrohimislam/mcp-odoo/internal/jsonrpc"
	"github.com/ibrohimislam/mcp-odoo/mcp"
	"github.com/ibrohimislam/mcp-odoo/mcpservice"
	"github.com/ibrohimislam/mcp-odoo/odoo"
	"github.com/ibrohimislam/mcp-odoo/odooservice"
)

// testHarness wires a Handler to io.Pipe pairs and collects output lines.
type testHarness struct {
	t       *testing.T
	ctx     context.Context
	cancel  context.CancelFunc
	stdinW  io.Writer
	stdoutR *bufio.Scanner
	outMu   sync.Mutex
	lines   []string
}

func defaultInitializeRequest() mcp.InitializeRequest {
	return mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "client", Version: "0.0.1"},
	}
}

func newHarness(t *testing.T, srv mcpservice.ServerCapabilities) *testHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := NewHandler(srv,
		WithIO(inR, outW),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithUserProvider(StaticUserProvider("stdio-user")),
	)

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHarness{t: t, ctx: ctx, cancel: cancel, stdinW: inW, stdoutR: bufio.NewScanner(outR)}
	th.stdoutR.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	go func() {
		_ = h.Serve(ctx)
	}()

	go func() {
		for th.stdoutR.Scan() {
			line := strings.TrimSpace(th.stdoutR.Text())
			th.outMu.Lock()
			th.lines = append(th.lines, line)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outW.Close()
		time.Sleep(10 * time.Millisecond)
	})
	return th
}

func (th *testHarness) send(req *jsonrpc.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = th.stdinW.Write(append(b, '\n'))
	return err
}

func (th *testHarness) sendRaw(line string) error {
	_, err := th.stdinW.Write([]byte(line + "\n"))
	return err
}

func (th *testHarness) nextLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		th.outMu.Lock()
		if len(th.lines) > 0 {
			s := th.lines[0]
			th.lines = th.lines[1:]
			th.outMu.Unlock()
			return s, nil
		}
		th.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return "", fmt.Errorf("timeout waiting for output line")
}

func (th *testHarness) expectResponse(timeout time.Duration) (*jsonrpc.Response, error) {
	line, err := th.nextLine(timeout)
	if err != nil {
		return nil, err
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, err
	}
	if msg.Type() != "response" {
		return nil, fmt.Errorf("expected response, got %s: %s", msg.Type(), line)
	}
	return msg.AsResponse(), nil
}

func (th *testHarness) initialize(t *testing.T, id string) *mcp.InitializeResult {
	t.Helper()

	initReq := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializeMethod),
		ID:             jsonrpc.NewRequestID(id),
		Params:         mustJSON(t, defaultInitializeRequest()),
	}
	if err := th.send(initReq); err != nil {
		t.Fatalf("send initialize: %v", err)
	}

	res, err := th.expectResponse(1 * time.Second)
	if err != nil {
		t.Fatalf("expect initialize response: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("initialize failed: %+v", res.Error)
	}

	var initRes mcp.InitializeResult
	if err := json.Unmarshal(res.Result, &initRes); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}
	return &initRes
}

func (th *testHarness) open(t *testing.T) {
	t.Helper()
	_ = th.initialize(t, "init-1")
	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.InitializedNotificationMethod)}
	if err := th.send(note); err != nil {
		t.Fatalf("send initialized: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
}

// drainUntilMethod skips responses (pushing them back for later expectations)
// until a request/notification with the given method arrives.
func (th *testHarness) drainUntilMethod(method string, timeout time.Duration) (*jsonrpc.Request, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		line, err := th.nextLine(10 * time.Millisecond)
		if err != nil {
			continue
		}
		var msg jsonrpc.AnyMessage
		if json.Unmarshal([]byte(line), &msg) != nil {
			continue
		}
		if msg.Type() == "response" {
			th.outMu.Lock()
			th.lines = append([]string{line}, th.lines...)
			th.outMu.Unlock()
			continue
		}
		req := msg.AsRequest()
		if req != nil && req.Method == method {
			return req, true
		}
	}
	return nil, false
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// pipeClient answers from canned values so no network is involved.
type pipeClient struct {
	models map[string]odoo.ModelSummary
	count  int64
}

func (c *pipeClient) ListModels(ctx context.Context) (map[string]odoo.ModelSummary, error) {
	return c.models, nil
}

func (c *pipeClient) ModelMetadata(ctx context.Context, model string) (map[string]any, error) {
	return map[string]any{"model": model}, nil
}

func (c *pipeClient) ModelFields(ctx context.Context, model string) (map[string]map[string]any, error) {
	return map[string]map[string]any{"name": {"type": "char"}}, nil
}

func (c *pipeClient) ReadRecords(ctx context.Context, model string, ids []int64, fields []string) ([]map[string]any, error) {
	return []map[string]any{{"id": float64(ids[0]), "name": "Azure Interior"}}, nil
}

func (c *pipeClient) Count(ctx context.Context, model string, domain odoo.Domain) (int64, error) {
	return c.count, nil
}

func (c *pipeClient) CallMethod(ctx context.Context, model, method string, domain odoo.Domain, options map[string]any) (any, error) {
	return []any{}, nil
}

func newPipeService(t *testing.T) *odooservice.Service {
	t.Helper()
	client := &pipeClient{
		models: map[string]odoo.ModelSummary{"res.partner": {Name: "res.partner", DisplayName: "Contact"}},
		count:  7,
	}
	return odooservice.NewService(client, odooservice.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestServeInitialize(t *testing.T) {
	svc := newPipeService(t)
	th := newHarness(t, svc.Capabilities())

	initRes := th.initialize(t, "init-1")
	if initRes.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("protocol version = %s, want %s", initRes.ProtocolVersion, mcp.LatestProtocolVersion)
	}
	if initRes.ServerInfo.Name != "mcp-odoo" {
		t.Fatalf("server name = %s, want mcp-odoo", initRes.ServerInfo.Name)
	}
	if initRes.Capabilities.Tools == nil {
		t.Fatalf("tools capability not advertised")
	}
	if initRes.Capabilities.Resources == nil {
		t.Fatalf("resources capability not advertised")
	}
	if initRes.Instructions == "" {
		t.Fatalf("missing instructions")
	}
}

func TestServeRejectsRequestBeforeInitialize(t *testing.T) {
	svc := newPipeService(t)
	th := newHarness(t, svc.Capabilities())

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.ToolsListMethod), ID: jsonrpc.NewRequestID("1")}
	if err := th.send(req); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(1 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", res)
	}
}

func TestServeRejectsSecondInitialize(t *testing.T) {
	svc := newPipeService(t)
	th := newHarness(t, svc.Capabilities())

	th.open(t)

	again := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializeMethod),
		ID:             jsonrpc.NewRequestID("init-2"),
		Params:         mustJSON(t, defaultInitializeRequest()),
	}
	if err := th.send(again); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(1 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request error on reinitialize, got %+v", res)
	}
}

func TestServeParseError(t *testing.T) {
	svc := newPipeService(t)
	th := newHarness(t, svc.Capabilities())

	if err := th.sendRaw("{not json"); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(1 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("expected parse error, got %+v", res)
	}
}

func TestServeOperations(t *testing.T) {
	svc := newPipeService(t)
	th := newHarness(t, svc.Capabilities())
	th.open(t)

	// tools/list exposes the six read-only operations.
	listReq := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.ToolsListMethod), ID: jsonrpc.NewRequestID("1")}
	if err := th.send(listReq); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(1 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("tools/list error: %+v", res.Error)
	}
	var list mcp.ListToolsResult
	if err := json.Unmarshal(res.Result, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Tools) != 6 {
		t.Fatalf("tool count = %d, want 6", len(list.Tools))
	}

	// tools/call answers with a success envelope.
	callReq := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.ToolsCallMethod), ID: jsonrpc.NewRequestID("2")}
	callReq.Params = mustJSON(t, map[string]any{
		"name":      "search_count",
		"arguments": map[string]any{"model_name": "res.partner"},
	})
	if err := th.send(callReq); err != nil {
		t.Fatal(err)
	}
	res, err = th.expectResponse(1 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("tools/call error: %+v", res.Error)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected failure envelope: %+v", result)
	}
	if success, _ := result.StructuredContent["success"].(bool); !success {
		t.Fatalf("envelope success = %v, want true", result.StructuredContent["success"])
	}
	if got, _ := result.StructuredContent["result"].(float64); got != 7 {
		t.Fatalf("search_count result = %v, want 7", result.StructuredContent["result"])
	}
}

func TestServeUnknownOperationEnvelope(t *testing.T) {
	svc := newPipeService(t)
	th := newHarness(t, svc.Capabilities())
	th.open(t)

	callReq := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.ToolsCallMethod), ID: jsonrpc.NewRequestID("1")}
	callReq.Params = mustJSON(t, map[string]any{"name": "write_record", "arguments": map[string]any{}})
	if err := th.send(callReq); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(1 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("unknown operation escaped as protocol error: %+v", res.Error)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Fatalf("expected failure envelope for unknown operation")
	}
	if msg, _ := result.StructuredContent["error"].(string); msg != "unknown operation: write_record" {
		t.Fatalf("error = %q, want unknown operation message", msg)
	}
}

func TestServeResourcesRead(t *testing.T) {
	svc := newPipeService(t)
	th := newHarness(t, svc.Capabilities())
	th.open(t)

	readReq := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.ResourcesReadMethod),
		ID:             jsonrpc.NewRequestID("1"),
		Params:         mustJSON(t, mcp.ReadResourceRequest{URI: "odoo://models"}),
	}
	if err := th.send(readReq); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(1 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("resources/read error: %+v", res.Error)
	}
	var rres mcp.ReadResourceResult
	if err := json.Unmarshal(res.Result, &rres); err != nil {
		t.Fatal(err)
	}
	if len(rres.Contents) == 0 || !strings.Contains(rres.Contents[0].Text, "res.partner") {
		t.Fatalf("unexpected contents: %+v", rres.Contents)
	}
}

func TestServeForwardsListChanged(t *testing.T) {
	svc := newPipeService(t)
	th := newHarness(t, svc.Capabilities())
	th.open(t)

	// A first request wires the listChanged emitters for the session.
	ping := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.PingMethod), ID: jsonrpc.NewRequestID("p1")}
	if err := th.send(ping); err != nil {
		t.Fatal(err)
	}
	if _, err := th.expectResponse(1 * time.Second); err != nil {
		t.Fatal(err)
	}

	svc.NotifyModelsChanged(context.Background())

	note, ok := th.drainUntilMethod(string(mcp.ResourcesListChangedNotificationMethod), 2*time.Second)
	if !ok {
		t.Fatalf("expected %s after model change", mcp.ResourcesListChangedNotificationMethod)
	}
	if note.ID != nil && !note.ID.IsNil() {
		t.Fatalf("notification should not carry an id: %+v", note.ID)
	}
}
