package odoo

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeOdoo is an httptest handler speaking the /jsonrpc dialect: common.login
// against a fixed password, object.execute_kw dispatched to the test's
// execute hook. Every decoded call is recorded for assertions.
type fakeOdoo struct {
	t *testing.T

	uid      int64
	password string

	execute func(model, method string, args []any, kwargs map[string]any) (any, *wireFault)

	mu    sync.Mutex
	calls []wireCall
}

type wireCall struct {
	service string
	method  string
	args    []any
}

type wireFault struct {
	code    int
	message string
	data    map[string]any
}

func (f *fakeOdoo) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/jsonrpc" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  struct {
			Service string `json:"service"`
			Method  string `json:"method"`
			Args    []any  `json:"args"`
		} `json:"params"`
		ID any `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.t.Errorf("decode request: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.JSONRPC != "2.0" || req.Method != "call" {
		f.t.Errorf("unexpected envelope: jsonrpc=%q method=%q", req.JSONRPC, req.Method)
	}

	f.mu.Lock()
	f.calls = append(f.calls, wireCall{service: req.Params.Service, method: req.Params.Method, args: req.Params.Args})
	f.mu.Unlock()

	switch req.Params.Service + "." + req.Params.Method {
	case "common.login":
		if len(req.Params.Args) != 3 {
			f.t.Errorf("login args = %v, want [db, username, password]", req.Params.Args)
		}
		if req.Params.Args[2] == f.password {
			writeWireResult(w, req.ID, f.uid)
		} else {
			writeWireResult(w, req.ID, false)
		}
	case "object.execute_kw":
		args := req.Params.Args
		if len(args) < 6 {
			f.t.Errorf("execute_kw args = %v, want at least 6", args)
			writeWireResult(w, req.ID, nil)
			return
		}
		if got := args[1]; got != float64(f.uid) {
			f.t.Errorf("execute_kw uid = %v, want %d", got, f.uid)
		}
		if got := args[2]; got != f.password {
			f.t.Errorf("execute_kw password = %v, want fake's password", got)
		}
		model, _ := args[3].(string)
		method, _ := args[4].(string)
		posArgs, _ := args[5].([]any)
		var kwargs map[string]any
		if len(args) > 6 {
			kwargs, _ = args[6].(map[string]any)
		}
		result, fault := f.execute(model, method, posArgs, kwargs)
		if fault != nil {
			writeWireError(w, req.ID, fault)
		} else {
			writeWireResult(w, req.ID, result)
		}
	default:
		f.t.Errorf("unexpected service call %s.%s", req.Params.Service, req.Params.Method)
		http.Error(w, "unknown service", http.StatusBadRequest)
	}
}

func writeWireResult(w http.ResponseWriter, id, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func writeWireError(w http.ResponseWriter, id any, fault *wireFault) {
	w.Header().Set("Content-Type", "application/json")
	errObj := map[string]any{"code": fault.code, "message": fault.message}
	if fault.data != nil {
		errObj["data"] = fault.data
	}
	json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "error": errObj})
}

func (f *fakeOdoo) countCalls(service, method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.service == service && c.method == method {
			n++
		}
	}
	return n
}

func (f *fakeOdoo) lastExecute() wireCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if c := f.calls[i]; c.service == "object" && c.method == "execute_kw" {
			return c
		}
	}
	f.t.Fatal("no execute_kw call recorded")
	return wireCall{}
}

func newTestClient(t *testing.T) (*fakeOdoo, *RPCClient) {
	t.Helper()
	fake := &fakeOdoo{t: t, uid: 7, password: "secret"}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{
		URL:      srv.URL,
		Database: "crm",
		Username: "bot",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}
	return fake, client
}

func TestClientLogsInLazilyAndCachesUID(t *testing.T) {
	t.Parallel()

	fake, client := newTestClient(t)
	fake.execute = func(model, method string, args []any, kwargs map[string]any) (any, *wireFault) {
		if model != "res.partner" || method != "search_count" {
			t.Errorf("execute = %s.%s, want res.partner.search_count", model, method)
		}
		return 42, nil
	}

	ctx := t.Context()
	n, err := client.Count(ctx, "res.partner", nil)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 42 {
		t.Fatalf("Count() = %d, want 42", n)
	}

	if _, err := client.Count(ctx, "res.partner", nil); err != nil {
		t.Fatalf("second Count() failed: %v", err)
	}
	if logins := fake.countCalls("common", "login"); logins != 1 {
		t.Fatalf("login called %d times, want 1", logins)
	}
	if executes := fake.countCalls("object", "execute_kw"); executes != 2 {
		t.Fatalf("execute_kw called %d times, want 2", executes)
	}
}

func TestClientLoginFailure(t *testing.T) {
	t.Parallel()

	fake, client := newTestClient(t)
	fake.password = "rotated-away"

	_, err := client.Count(t.Context(), "res.partner", nil)
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("Count() error = %v, want *RemoteError", err)
	}
	if !strings.Contains(remoteErr.Message, "authentication failed") {
		t.Fatalf("error = %q, want authentication failure", remoteErr.Message)
	}
	if executes := fake.countCalls("object", "execute_kw"); executes != 0 {
		t.Fatalf("execute_kw called %d times after failed login, want 0", executes)
	}
}

func TestClientRemoteFaultMessagePassthrough(t *testing.T) {
	t.Parallel()

	fake, client := newTestClient(t)
	fake.execute = func(model, method string, args []any, kwargs map[string]any) (any, *wireFault) {
		return nil, &wireFault{
			code:    200,
			message: "Odoo Server Error",
			data: map[string]any{
				"name":    "odoo.exceptions.AccessError",
				"message": "You are not allowed to access 'Bank' (res.bank) records.",
			},
		}
	}

	_, err := client.Count(t.Context(), "res.bank", nil)
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("Count() error = %v, want *RemoteError", err)
	}
	if remoteErr.Message != "You are not allowed to access 'Bank' (res.bank) records." {
		t.Fatalf("fault message = %q, want the server's data.message unmodified", remoteErr.Message)
	}
	if remoteErr.Code != 200 {
		t.Fatalf("fault code = %d, want 200", remoteErr.Code)
	}
}

func TestClientRemoteFaultFallsBackToTopLevelMessage(t *testing.T) {
	t.Parallel()

	fake, client := newTestClient(t)
	fake.execute = func(model, method string, args []any, kwargs map[string]any) (any, *wireFault) {
		return nil, &wireFault{code: 100, message: "Session expired"}
	}

	_, err := client.Count(t.Context(), "res.partner", nil)
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("Count() error = %v, want *RemoteError", err)
	}
	if remoteErr.Message != "Session expired" {
		t.Fatalf("fault message = %q, want top-level message", remoteErr.Message)
	}
}

func TestClientSetPasswordForcesRelogin(t *testing.T) {
	t.Parallel()

	fake, client := newTestClient(t)
	fake.execute = func(model, method string, args []any, kwargs map[string]any) (any, *wireFault) {
		return 1, nil
	}

	ctx := t.Context()
	if _, err := client.Count(ctx, "res.partner", nil); err != nil {
		t.Fatalf("Count() failed: %v", err)
	}

	fake.password = "fresh"
	client.SetPassword("fresh")
	if _, err := client.Count(ctx, "res.partner", nil); err != nil {
		t.Fatalf("Count() after rotation failed: %v", err)
	}
	if logins := fake.countCalls("common", "login"); logins != 2 {
		t.Fatalf("login called %d times, want 2 (one per credential generation)", logins)
	}
}

func TestClientListModels(t *testing.T) {
	t.Parallel()

	fake, client := newTestClient(t)
	fake.execute = func(model, method string, args []any, kwargs map[string]any) (any, *wireFault) {
		if model != "ir.model" || method != "search_read" {
			t.Errorf("execute = %s.%s, want ir.model.search_read", model, method)
		}
		return []map[string]any{
			{"model": "res.partner", "name": "Contact", "transient": false},
			{"model": "base.language.export", "name": "Language Export", "transient": true},
		}, nil
	}

	models, err := client.ListModels(t.Context())
	if err != nil {
		t.Fatalf("ListModels() failed: %v", err)
	}
	partner, ok := models["res.partner"]
	if !ok {
		t.Fatalf("ListModels() = %v, missing res.partner", models)
	}
	if partner.DisplayName != "Contact" || partner.Transient {
		t.Fatalf("res.partner summary = %+v", partner)
	}
	if !models["base.language.export"].Transient {
		t.Fatal("transient flag not carried through")
	}
}

func TestClientModelMetadataNotFound(t *testing.T) {
	t.Parallel()

	fake, client := newTestClient(t)
	fake.execute = func(model, method string, args []any, kwargs map[string]any) (any, *wireFault) {
		return []map[string]any{}, nil
	}

	_, err := client.ModelMetadata(t.Context(), "res.missing")
	if err == nil || !strings.Contains(err.Error(), "model not found: res.missing") {
		t.Fatalf("ModelMetadata() error = %v, want model-not-found", err)
	}
}

func TestClientReadRecordsFieldsKwarg(t *testing.T) {
	t.Parallel()

	fake, client := newTestClient(t)
	fake.execute = func(model, method string, args []any, kwargs map[string]any) (any, *wireFault) {
		return []map[string]any{{"id": 1}}, nil
	}

	ctx := t.Context()
	if _, err := client.ReadRecords(ctx, "res.partner", []int64{1}, nil); err != nil {
		t.Fatalf("ReadRecords() failed: %v", err)
	}
	if call := fake.lastExecute(); len(call.args) != 6 {
		t.Fatalf("nil fields produced kwargs: args = %v", call.args)
	}

	if _, err := client.ReadRecords(ctx, "res.partner", []int64{1}, []string{"name"}); err != nil {
		t.Fatalf("ReadRecords() with fields failed: %v", err)
	}
	call := fake.lastExecute()
	if len(call.args) != 7 {
		t.Fatalf("fields did not produce kwargs: args = %v", call.args)
	}
	kwargs, _ := call.args[6].(map[string]any)
	if _, ok := kwargs["fields"]; !ok {
		t.Fatalf("kwargs = %v, want fields key", kwargs)
	}
}

func TestClientCallMethodPassesOptions(t *testing.T) {
	t.Parallel()

	fake, client := newTestClient(t)
	fake.execute = func(model, method string, args []any, kwargs map[string]any) (any, *wireFault) {
		if method != "search_read" {
			t.Errorf("method = %q, want search_read", method)
		}
		if len(args) != 1 {
			t.Errorf("positional args = %v, want [domain]", args)
		}
		if kwargs["limit"] != float64(5) {
			t.Errorf("kwargs = %v, want limit 5", kwargs)
		}
		return []any{map[string]any{"id": float64(1)}}, nil
	}

	result, err := client.CallMethod(t.Context(), "res.partner", "search_read",
		Domain{[]any{"is_company", "=", true}}, map[string]any{"limit": 5})
	if err != nil {
		t.Fatalf("CallMethod() failed: %v", err)
	}
	rows, ok := result.([]any)
	if !ok || len(rows) != 1 {
		t.Fatalf("CallMethod() = %v, want one-row result", result)
	}
}
