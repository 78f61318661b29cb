package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/ibrohimislam/mcp-odoo/mcp"
	"github.com/ibrohimislam/mcp-odoo/sessions"
)

// ToolHandler handles a single tool invocation.
type ToolHandler func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs a tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolRequest carries the call input for a typed tool. A is the decoded
// argument struct; RawArguments preserves the wire form for handlers that
// need to distinguish absent fields from explicit nulls.
type ToolRequest[A any] struct {
	name string
	raw  json.RawMessage
	args A
}

func (r *ToolRequest[A]) Name() string                  { return r.name }
func (r *ToolRequest[A]) RawArguments() json.RawMessage { return r.raw }
func (r *ToolRequest[A]) Args() A                       { return r.args }

// ToolOption configures NewTool and NewToolWithOutput.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool
}

// WithToolDescription sets the description used in tool listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties controls unknown-field policy. When false
// (the default) the generated schema sets additionalProperties=false and
// decoding rejects unknown fields at call time.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool builds a StaticTool with a typed argument struct A. The input
// schema is reflected from A, and arguments are decoded strictly unless
// configured otherwise. Decode failures become IsError results, not transport
// errors.
func NewTool[A any](name string, fn func(ctx context.Context, session sessions.Session, w ToolResponseWriter, r *ToolRequest[A]) error, opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectToMCPInputSchema[A](cfg.allowAdditionalProperties),
	}

	handler := func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		a, errRes := decodeArgs[A](req.Arguments, cfg.allowAdditionalProperties)
		if errRes != nil {
			return errRes, nil
		}
		w := newToolResponseWriter(ctx)
		r := &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}
		if err := fn(ctx, session, w, r); err != nil {
			return nil, err
		}
		return w.Result(), nil
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

// NewToolWithOutput builds a typed-input, typed-output tool. The output
// schema is reflected from O and the structured value set through the writer
// is attached to the result as structuredContent.
func NewToolWithOutput[A, O any](name string, fn func(ctx context.Context, session sessions.Session, w ToolResponseWriterTyped[O], r *ToolRequest[A]) error, opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	outSchema := reflectToMCPOutputSchema[O]()
	desc := mcp.Tool{
		Name:         name,
		Description:  cfg.description,
		InputSchema:  reflectToMCPInputSchema[A](cfg.allowAdditionalProperties),
		OutputSchema: &outSchema,
	}

	handler := func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		a, errRes := decodeArgs[A](req.Arguments, cfg.allowAdditionalProperties)
		if errRes != nil {
			return errRes, nil
		}
		base := newToolResponseWriter(ctx)
		tw := &toolResponseWriterTyped[O]{ToolResponseWriter: base}
		r := &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}
		if err := fn(ctx, session, tw, r); err != nil {
			return nil, err
		}
		res := base.Result()
		if tw.structuredSet {
			m, err := toStructuredContent(tw.structured)
			if err != nil {
				return nil, fmt.Errorf("marshal structured content for %s: %w", name, err)
			}
			res.StructuredContent = m
		}
		return res, nil
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

// TypedTool wraps a plain typed-args function into a StaticTool using an
// explicit descriptor. Decoding is lenient; use NewTool for strict schemas.
func TypedTool[A any](desc mcp.Tool, fn func(ctx context.Context, session sessions.Session, args A) (*mcp.CallToolResult, error)) StaticTool {
	return StaticTool{
		Descriptor: desc,
		Handler: func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			var a A
			if len(req.Arguments) > 0 {
				if err := json.Unmarshal(req.Arguments, &a); err != nil {
					return Errorf("invalid arguments: %v", err), nil
				}
			}
			return fn(ctx, session, a)
		},
	}
}

func decodeArgs[A any](raw json.RawMessage, allowUnknown bool) (A, *mcp.CallToolResult) {
	var a A
	if len(raw) == 0 {
		return a, nil
	}
	if allowUnknown {
		if err := json.Unmarshal(raw, &a); err != nil {
			return a, Errorf("invalid arguments: %v", err)
		}
		return a, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return a, Errorf("invalid arguments: %v", err)
	}
	return a, nil
}

func toStructuredContent(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// reflectToMCPInputSchema reflects A into the simplified tool input schema.
// Non-object types degrade to an empty object schema.
func reflectToMCPInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}
	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toMCPProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}
	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

func reflectToMCPOutputSchema[O any]() mcp.ToolOutputSchema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(O))
	if s == nil || s.Type != "object" {
		return mcp.ToolOutputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}
	}
	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toMCPProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}
	return mcp.ToolOutputSchema{Type: "object", Properties: props, Required: required}
}

// toMCPProperty maps a reflected schema node to the simplified wire form,
// recursing through arrays and nested objects.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toMCPProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// ToolsContainer is a mutable, threadsafe tool set that implements
// ToolsCapability directly. It embeds a ChangeNotifier so the engine can
// surface listChanged notifications when the set is updated.
type ToolsContainer struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]ToolHandler

	notifier ChangeNotifier

	pageSize int
}

// NewToolsContainer builds a container holding the given tools.
func NewToolsContainer(defs ...StaticTool) *ToolsContainer {
	tc := &ToolsContainer{pageSize: defaultPageSize}
	tc.Replace(context.Background(), defs...)
	return tc
}

// SetPageSize adjusts ListTools pagination. Non-positive values are ignored.
func (tc *ToolsContainer) SetPageSize(n int) {
	if n <= 0 {
		return
	}
	tc.mu.Lock()
	tc.pageSize = n
	tc.mu.Unlock()
}

// Snapshot returns a copy of the current descriptors.
func (tc *ToolsContainer) Snapshot() []mcp.Tool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]mcp.Tool, len(tc.tools))
	copy(out, tc.tools)
	return out
}

// Replace atomically swaps the entire tool set. Last write wins on duplicate
// names.
func (tc *ToolsContainer) Replace(_ context.Context, defs ...StaticTool) {
	tc.mu.Lock()
	tc.tools = make([]mcp.Tool, 0, len(defs))
	tc.handlers = make(map[string]ToolHandler, len(defs))
	for _, d := range defs {
		tc.tools = append(tc.tools, d.Descriptor)
		if d.Handler != nil {
			tc.handlers[d.Descriptor.Name] = d.Handler
		}
	}
	tc.mu.Unlock()
	go func() { _ = tc.notifier.Notify(context.Background()) }()
}

// Add registers a tool unless the name is already taken. Reports whether the
// tool was added.
func (tc *ToolsContainer) Add(_ context.Context, def StaticTool) bool {
	tc.mu.Lock()
	if tc.handlers == nil {
		tc.handlers = make(map[string]ToolHandler)
	}
	name := def.Descriptor.Name
	if _, exists := tc.handlers[name]; exists {
		tc.mu.Unlock()
		return false
	}
	for _, t := range tc.tools {
		if t.Name == name {
			tc.mu.Unlock()
			return false
		}
	}
	tc.tools = append(tc.tools, def.Descriptor)
	if def.Handler != nil {
		tc.handlers[name] = def.Handler
	}
	tc.mu.Unlock()
	go func() { _ = tc.notifier.Notify(context.Background()) }()
	return true
}

// Remove drops a tool by name. Reports whether anything was removed.
func (tc *ToolsContainer) Remove(_ context.Context, name string) bool {
	tc.mu.Lock()
	n := 0
	removed := false
	for _, t := range tc.tools {
		if t.Name == name {
			removed = true
			continue
		}
		tc.tools[n] = t
		n++
	}
	if removed {
		tc.tools = tc.tools[:n]
		delete(tc.handlers, name)
	}
	tc.mu.Unlock()
	if removed {
		go func() { _ = tc.notifier.Notify(context.Background()) }()
	}
	return removed
}

// Has reports whether a tool with the given name is registered.
func (tc *ToolsContainer) Has(name string) bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.handlers[name] != nil
}

// ListTools implements ToolsCapability.
func (tc *ToolsContainer) ListTools(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Tool], error) {
	tc.mu.RLock()
	all := make([]mcp.Tool, len(tc.tools))
	copy(all, tc.tools)
	pageSize := tc.pageSize
	tc.mu.RUnlock()
	return pageSlice(all, cursor, pageSize), nil
}

// CallTool implements ToolsCapability.
func (tc *ToolsContainer) CallTool(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("invalid tool request: missing name")
	}
	tc.mu.RLock()
	h := tc.handlers[req.Name]
	tc.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("tool not found: %s", req.Name)
	}
	return h(ctx, session, req)
}

// GetListChangedCapability implements ToolsCapability; containers always
// support change notifications.
func (tc *ToolsContainer) GetListChangedCapability(ctx context.Context, session sessions.Session) (ToolListChangedCapability, bool, error) {
	return toolsListChangedFromSubscriber{sub: tc}, true, nil
}

// Subscriber implements ChangeSubscriber.
func (tc *ToolsContainer) Subscriber() <-chan struct{} {
	return tc.notifier.Subscriber()
}

// TextResult builds a single-text-block result.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: s}}}
}

// Errorf builds an IsError result with a formatted text block.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: fmt.Sprintf(format, a...)}},
		IsError: true,
	}
}
