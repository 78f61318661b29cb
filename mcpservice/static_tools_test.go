package mcpservice

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ibrohimislam/mcp-odoo/mcp"
	"github.com/ibrohimislam/mcp-odoo/sessions"
)

// no-op session for tests; handlers under test never touch it.
type nopSession struct{ sessions.Session }

func TestNewToolReflectsInputSchema(t *testing.T) {
	type args struct {
		Model  string   `json:"model" jsonschema:"description=Technical model name"`
		Limit  *int     `json:"limit,omitempty"`
		Fields []string `json:"fields,omitempty"`
	}
	tool := NewTool[args]("search", func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[args]) error {
		return w.AppendText("ok")
	}, WithToolDescription("Search for records"))

	schema := tool.Descriptor.InputSchema
	if schema.Type != "object" {
		t.Fatalf("schema type = %q", schema.Type)
	}
	if schema.AdditionalProperties {
		t.Fatal("expected additionalProperties=false by default")
	}
	if p, ok := schema.Properties["model"]; !ok || p.Type != "string" {
		b, _ := json.Marshal(schema)
		t.Fatalf("missing or wrong 'model' property: %s", string(b))
	}
	if p, ok := schema.Properties["fields"]; !ok || p.Type != "array" {
		b, _ := json.Marshal(schema)
		t.Fatalf("missing or wrong 'fields' property: %s", string(b))
	}
	required := map[string]bool{}
	for _, r := range schema.Required {
		required[r] = true
	}
	if !required["model"] {
		t.Fatalf("'model' should be required, got %v", schema.Required)
	}
	if required["limit"] || required["fields"] {
		t.Fatalf("optional fields marked required: %v", schema.Required)
	}
	if tool.Descriptor.Description != "Search for records" {
		t.Fatalf("description = %q", tool.Descriptor.Description)
	}
}

func TestNewToolRejectsUnknownFields(t *testing.T) {
	type args struct {
		Model string `json:"model"`
	}
	called := false
	tool := NewTool[args]("probe", func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[args]) error {
		called = true
		return nil
	})

	res, err := tool.Handler(context.Background(), nopSession{}, &mcp.CallToolRequestReceived{
		Name:      "probe",
		Arguments: json.RawMessage(`{"model":"res.partner","bogus":1}`),
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected IsError result, got %+v", res)
	}
	if called {
		t.Fatal("handler must not run on decode failure")
	}
}

func TestNewToolPassesDecodedArgs(t *testing.T) {
	type args struct {
		Model string `json:"model"`
		Limit *int   `json:"limit,omitempty"`
	}
	var got args
	var raw json.RawMessage
	tool := NewTool[args]("capture", func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[args]) error {
		got = r.Args()
		raw = r.RawArguments()
		return w.AppendText("done")
	})

	res, err := tool.Handler(context.Background(), nopSession{}, &mcp.CallToolRequestReceived{
		Name:      "capture",
		Arguments: json.RawMessage(`{"model":"res.partner"}`),
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %+v", res)
	}
	if got.Model != "res.partner" {
		t.Fatalf("args.Model = %q", got.Model)
	}
	if got.Limit != nil {
		t.Fatalf("absent limit should stay nil, got %v", *got.Limit)
	}
	if string(raw) != `{"model":"res.partner"}` {
		t.Fatalf("raw arguments = %s", string(raw))
	}
	if len(res.Content) != 1 || res.Content[0].Text != "done" {
		t.Fatalf("content = %+v", res.Content)
	}
}

func TestNewToolWithOutputAttachesStructuredContent(t *testing.T) {
	type args struct{}
	type out struct {
		Count int `json:"count"`
	}
	tool := NewToolWithOutput[args, out]("count", func(ctx context.Context, s sessions.Session, w ToolResponseWriterTyped[out], r *ToolRequest[args]) error {
		w.SetStructured(out{Count: 42})
		return w.AppendText(`{"count":42}`)
	})

	if tool.Descriptor.OutputSchema == nil || tool.Descriptor.OutputSchema.Type != "object" {
		t.Fatalf("output schema = %+v", tool.Descriptor.OutputSchema)
	}
	res, err := tool.Handler(context.Background(), nopSession{}, &mcp.CallToolRequestReceived{Name: "count"})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	m, ok := any(res.StructuredContent).(map[string]any)
	if !ok {
		t.Fatalf("structuredContent = %T", res.StructuredContent)
	}
	if m["count"] != float64(42) {
		t.Fatalf("structuredContent count = %v", m["count"])
	}
}

func TestToolsContainerDispatch(t *testing.T) {
	type args struct{}
	tc := NewToolsContainer(
		NewTool[args]("alpha", func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[args]) error {
			return w.AppendText("alpha ran")
		}),
	)

	res, err := tc.CallTool(context.Background(), nopSession{}, &mcp.CallToolRequestReceived{Name: "alpha"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.Content[0].Text != "alpha ran" {
		t.Fatalf("content = %+v", res.Content)
	}

	if _, err := tc.CallTool(context.Background(), nopSession{}, &mcp.CallToolRequestReceived{Name: "missing"}); err == nil {
		t.Fatal("expected error for unknown tool")
	}

	if added := tc.Add(context.Background(), NewTool[args]("alpha", nil)); added {
		t.Fatal("duplicate name must not be added")
	}
	if !tc.Remove(context.Background(), "alpha") {
		t.Fatal("remove should report true")
	}
	if tc.Remove(context.Background(), "alpha") {
		t.Fatal("second remove should report false")
	}
}

func TestToolsContainerPagination(t *testing.T) {
	type args struct{}
	mk := func(name string) StaticTool {
		return NewTool[args](name, func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[args]) error {
			return nil
		})
	}
	tc := NewToolsContainer(mk("a"), mk("b"), mk("c"))
	tc.SetPageSize(2)

	page1, err := tc.ListTools(context.Background(), nopSession{}, nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(page1.Items) != 2 || page1.NextCursor == nil {
		t.Fatalf("page1 = %+v", page1)
	}
	page2, err := tc.ListTools(context.Background(), nopSession{}, page1.NextCursor)
	if err != nil {
		t.Fatalf("ListTools page2: %v", err)
	}
	if len(page2.Items) != 1 || page2.NextCursor != nil {
		t.Fatalf("page2 = %+v", page2)
	}
	if page2.Items[0].Name != "c" {
		t.Fatalf("page2 item = %q", page2.Items[0].Name)
	}
}
