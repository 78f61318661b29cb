package mcpservice

import (
	"context"
	"fmt"

	"github.com/ibrohimislam/mcp-odoo/mcp"
	"github.com/ibrohimislam/mcp-odoo/sessions"
)

type (
	ListPromptsFunc func(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Prompt], error)
	GetPromptFunc   func(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error)
)

// PromptsOption configures NewPromptsCapability.
type PromptsOption func(*promptsCapability)

// promptsCapability serves prompts either from a static container or from
// dynamic functions; the functions win when both are configured.
type promptsCapability struct {
	listPromptsFn ListPromptsFunc
	getPromptFn   GetPromptFunc

	staticContainer *StaticPrompts

	pageSize int

	changeSub ChangeSubscriber
}

// NewPromptsCapability builds a PromptsCapability from options.
func NewPromptsCapability(opts ...PromptsOption) PromptsCapability {
	pc := &promptsCapability{pageSize: defaultPageSize}
	for _, opt := range opts {
		opt(pc)
	}
	return pc
}

// WithStaticPromptsContainer serves prompts from a container; listChanged
// support is advertised automatically.
func WithStaticPromptsContainer(sp *StaticPrompts) PromptsOption {
	return func(pc *promptsCapability) {
		pc.staticContainer = sp
		pc.changeSub = sp
	}
}

// WithListPrompts sets a custom listing function.
func WithListPrompts(fn ListPromptsFunc) PromptsOption {
	return func(pc *promptsCapability) { pc.listPromptsFn = fn }
}

// WithGetPrompt sets a custom get function.
func WithGetPrompt(fn GetPromptFunc) PromptsOption {
	return func(pc *promptsCapability) { pc.getPromptFn = fn }
}

// WithPromptsPageSize sets the static pagination size.
func WithPromptsPageSize(n int) PromptsOption {
	return func(pc *promptsCapability) {
		if n > 0 {
			pc.pageSize = n
		}
	}
}

// WithPromptsChangeNotification wires a ChangeSubscriber for listChanged.
func WithPromptsChangeNotification(sub ChangeSubscriber) PromptsOption {
	return func(pc *promptsCapability) { pc.changeSub = sub }
}

func (pc *promptsCapability) ListPrompts(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Prompt], error) {
	if pc.listPromptsFn != nil {
		return pc.listPromptsFn(ctx, session, cursor)
	}
	if pc.staticContainer != nil {
		return pageSlice(pc.staticContainer.Snapshot(), cursor, pc.pageSize), nil
	}
	return NewPage[mcp.Prompt](nil), nil
}

func (pc *promptsCapability) GetPrompt(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("invalid prompt request: missing name")
	}
	if pc.getPromptFn != nil {
		return pc.getPromptFn(ctx, session, req)
	}
	if pc.staticContainer != nil {
		return pc.staticContainer.Get(ctx, session, req)
	}
	return nil, fmt.Errorf("prompt not found: %s", req.Name)
}

func (pc *promptsCapability) GetListChangedCapability(ctx context.Context, session sessions.Session) (PromptListChangedCapability, bool, error) {
	if pc.changeSub == nil {
		return nil, false, nil
	}
	return promptsListChangedFromSubscriber{sub: pc.changeSub}, true, nil
}

// promptsListChangedFromSubscriber adapts a ChangeSubscriber to
// PromptListChangedCapability.
type promptsListChangedFromSubscriber struct{ sub ChangeSubscriber }

func (p promptsListChangedFromSubscriber) Register(ctx context.Context, session sessions.Session, fn NotifyPromptsListChangedFunc) (bool, error) {
	if fn == nil {
		return false, nil
	}
	return pumpChanges(ctx, p.sub, func() { fn(ctx, session) }), nil
}
