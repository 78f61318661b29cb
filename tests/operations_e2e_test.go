package tests

import (
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ibrohimislam/mcp-odoo/odoo"
)

// TestOperations_ListAndInvoke_E2E drives the full path: SDK client, HTTP
// transport, engine, operation registry, fake backend.
func TestOperations_ListAndInvoke_E2E(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	d := deployOdoo(t)
	cs := connectClient(t, d)

	lt, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	want := map[string]bool{
		"list_models": true, "model_info": true, "get_record": true,
		"search_count": true, "search_read": true, "read_group": true,
	}
	if len(lt.Tools) != len(want) {
		t.Fatalf("got %d tools, want %d: %+v", len(lt.Tools), len(want), lt.Tools)
	}
	for _, tool := range lt.Tools {
		if !want[tool.Name] {
			t.Fatalf("unexpected tool %q", tool.Name)
		}
		if tool.OutputSchema == nil {
			t.Fatalf("tool %q missing output schema", tool.Name)
		}
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      "search_count",
		Arguments: map[string]any{"model_name": "res.partner"},
	})
	if err != nil {
		t.Fatalf("CallTool search_count: %v", err)
	}
	if got := requireSuccess(t, res); got != float64(7) {
		t.Fatalf("search_count result = %v, want 7", got)
	}

	// Same invocation again: identical outcome, one more backend round-trip.
	before := d.erp.remoteCalls()
	res2, err := cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      "search_count",
		Arguments: map[string]any{"model_name": "res.partner"},
	})
	if err != nil {
		t.Fatalf("CallTool search_count (repeat): %v", err)
	}
	if got := requireSuccess(t, res2); got != float64(7) {
		t.Fatalf("repeat search_count result = %v, want 7", got)
	}
	if d.erp.remoteCalls() != before+1 {
		t.Fatalf("repeat call made %d backend calls, want 1", d.erp.remoteCalls()-before)
	}
}

// TestOperations_FaultsStayInEnvelope_E2E asserts that every local fault
// comes back as a failure envelope without touching the backend, and that
// backend misses are reported with the record's identity.
func TestOperations_FaultsStayInEnvelope_E2E(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	d := deployOdoo(t)
	cs := connectClient(t, d)

	cases := []struct {
		name       string
		tool       string
		args       map[string]any
		wantErr    string
		hitsRemote bool
	}{
		{
			name:    "unparsable record id",
			tool:    "get_record",
			args:    map[string]any{"model_name": "res.partner", "record_id": "abc"},
			wantErr: "Invalid record ID: abc",
		},
		{
			name:    "missing model name",
			tool:    "search_count",
			args:    map[string]any{},
			wantErr: "model_name is required",
		},
		{
			name:    "read_group without fields",
			tool:    "read_group",
			args:    map[string]any{"model_name": "sale.order"},
			wantErr: "fields must not be empty",
		},
		{
			name:    "unknown operation",
			tool:    "write_record",
			args:    map[string]any{"model_name": "res.partner"},
			wantErr: "unknown operation: write_record",
		},
		{
			name:       "record not found",
			tool:       "get_record",
			args:       map[string]any{"model_name": "res.partner", "record_id": 99},
			wantErr:    "Record not found: res.partner ID 99",
			hitsRemote: true,
		},
	}

	for _, tc := range cases {
		before := d.erp.remoteCalls()
		res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: tc.tool, Arguments: tc.args})
		if err != nil {
			t.Fatalf("%s: CallTool: %v", tc.name, err)
		}
		if got := requireFailure(t, res); got != tc.wantErr {
			t.Fatalf("%s: error = %q, want %q", tc.name, got, tc.wantErr)
		}
		calls := d.erp.remoteCalls() - before
		if tc.hitsRemote && calls == 0 {
			t.Fatalf("%s: expected a backend call", tc.name)
		}
		if !tc.hitsRemote && calls != 0 {
			t.Fatalf("%s: made %d backend calls, want 0", tc.name, calls)
		}
	}
}

// TestOperations_UnknownArgumentRejected_E2E: argument objects decode
// strictly, and the rejection is still an envelope, not a protocol error.
func TestOperations_UnknownArgumentRejected_E2E(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	d := deployOdoo(t)
	cs := connectClient(t, d)

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      "search_count",
		Arguments: map[string]any{"model_name": "res.partner", "bogus": true},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if msg := requireFailure(t, res); msg == "" {
		t.Fatalf("expected a decode rejection message")
	}
	if d.erp.remoteCalls() != 0 {
		t.Fatalf("decode rejection reached the backend")
	}
}

// TestOperations_SearchReadOptions_E2E: only caller-supplied options are
// forwarded; an absent option never appears in the keyword arguments.
func TestOperations_SearchReadOptions_E2E(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	d := deployOdoo(t)
	cs := connectClient(t, d)

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{
		Name: "search_read",
		Arguments: map[string]any{
			"model_name": "res.partner",
			"domain":     []any{[]any{"is_company", "=", true}},
			"limit":      5,
			"order":      "name asc",
		},
	})
	if err != nil {
		t.Fatalf("CallTool search_read: %v", err)
	}
	requireSuccess(t, res)

	call := d.erp.lastMethodCall(t)
	if call.model != "res.partner" || call.method != "search_read" {
		t.Fatalf("backend call = %s.%s", call.model, call.method)
	}
	if len(call.domain) != 1 {
		t.Fatalf("domain = %v", call.domain)
	}
	if call.options["limit"] != 5 {
		t.Fatalf("limit option = %v, want 5", call.options["limit"])
	}
	if call.options["order"] != "name asc" {
		t.Fatalf("order option = %v", call.options["order"])
	}
	for _, absent := range []string{"fields", "offset"} {
		if _, ok := call.options[absent]; ok {
			t.Fatalf("option %q forwarded though the caller never supplied it", absent)
		}
	}

	// Explicit zero is not the same request as an omitted option.
	res, err = cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      "search_read",
		Arguments: map[string]any{"model_name": "res.partner", "limit": 0},
	})
	if err != nil {
		t.Fatalf("CallTool search_read (limit 0): %v", err)
	}
	requireSuccess(t, res)
	call = d.erp.lastMethodCall(t)
	if v, ok := call.options["limit"]; !ok || v != 0 {
		t.Fatalf("explicit zero limit not forwarded: %v", call.options)
	}
}

// TestOperations_ReadGroupDefaults_E2E: read_group always carries fields,
// groupby and lazy, with lazy defaulting to true and groupby to empty.
func TestOperations_ReadGroupDefaults_E2E(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	d := deployOdoo(t)
	cs := connectClient(t, d)

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{
		Name: "read_group",
		Arguments: map[string]any{
			"model_name": "sale.order",
			"fields":     []any{"amount_total:sum"},
		},
	})
	if err != nil {
		t.Fatalf("CallTool read_group: %v", err)
	}
	requireSuccess(t, res)

	call := d.erp.lastMethodCall(t)
	if call.method != "read_group" {
		t.Fatalf("backend method = %s", call.method)
	}
	if call.options["lazy"] != true {
		t.Fatalf("lazy = %v, want default true", call.options["lazy"])
	}
	groupBy, ok := call.options["groupby"].([]string)
	if !ok || len(groupBy) != 0 {
		t.Fatalf("groupby = %v, want empty list", call.options["groupby"])
	}
	if _, ok := call.options["fields"]; !ok {
		t.Fatalf("fields option missing: %v", call.options)
	}
}

// TestOperations_RemoteFaultEnvelope_E2E: a backend fault surfaces as a
// failure envelope carrying the server's message unmodified.
func TestOperations_RemoteFaultEnvelope_E2E(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	d := deployOdoo(t)
	cs := connectClient(t, d)

	d.erp.setError(&odoo.RemoteError{Code: 100, Message: "Access Denied"})
	res, err := cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      "search_count",
		Arguments: map[string]any{"model_name": "res.partner"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := requireFailure(t, res); got != "Access Denied" {
		t.Fatalf("error = %q, want backend message verbatim", got)
	}
}
