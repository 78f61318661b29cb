package mcpservice

import (
	"context"
	"fmt"
	"sync"

	"github.com/ibrohimislam/mcp-odoo/mcp"
	"github.com/ibrohimislam/mcp-odoo/sessions"
)

// PromptHandler materializes a prompt get request into messages.
type PromptHandler func(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error)

// StaticPrompt pairs a prompt descriptor with its handler.
type StaticPrompt struct {
	Descriptor mcp.Prompt
	Handler    PromptHandler
}

// StaticPrompts is a mutable, threadsafe prompt set. It embeds a
// ChangeNotifier so the prompts capability can advertise listChanged support
// when backed by a container.
type StaticPrompts struct {
	mu       sync.RWMutex
	prompts  []mcp.Prompt
	handlers map[string]PromptHandler

	notifier ChangeNotifier
}

// NewStaticPrompts builds a container holding the given prompts.
func NewStaticPrompts(defs ...StaticPrompt) *StaticPrompts {
	sp := &StaticPrompts{}
	sp.Replace(context.Background(), defs...)
	return sp
}

// Snapshot returns a copy of the current descriptors.
func (sp *StaticPrompts) Snapshot() []mcp.Prompt {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	out := make([]mcp.Prompt, len(sp.prompts))
	copy(out, sp.prompts)
	return out
}

// Replace atomically swaps the entire prompt set.
func (sp *StaticPrompts) Replace(_ context.Context, defs ...StaticPrompt) {
	sp.mu.Lock()
	sp.prompts = make([]mcp.Prompt, 0, len(defs))
	sp.handlers = make(map[string]PromptHandler, len(defs))
	for _, d := range defs {
		sp.prompts = append(sp.prompts, d.Descriptor)
		if d.Handler != nil {
			sp.handlers[d.Descriptor.Name] = d.Handler
		}
	}
	sp.mu.Unlock()
	go func() { _ = sp.notifier.Notify(context.Background()) }()
}

// Add registers a prompt unless the name is already taken.
func (sp *StaticPrompts) Add(_ context.Context, def StaticPrompt) bool {
	name := def.Descriptor.Name
	if name == "" {
		return false
	}
	sp.mu.Lock()
	if sp.handlers == nil {
		sp.handlers = make(map[string]PromptHandler)
	}
	if _, exists := sp.handlers[name]; exists {
		sp.mu.Unlock()
		return false
	}
	for _, p := range sp.prompts {
		if p.Name == name {
			sp.mu.Unlock()
			return false
		}
	}
	sp.prompts = append(sp.prompts, def.Descriptor)
	if def.Handler != nil {
		sp.handlers[name] = def.Handler
	}
	sp.mu.Unlock()
	go func() { _ = sp.notifier.Notify(context.Background()) }()
	return true
}

// Remove drops a prompt by name.
func (sp *StaticPrompts) Remove(_ context.Context, name string) bool {
	sp.mu.Lock()
	n := 0
	removed := false
	for _, p := range sp.prompts {
		if p.Name == name {
			removed = true
			continue
		}
		sp.prompts[n] = p
		n++
	}
	sp.prompts = sp.prompts[:n]
	if removed {
		delete(sp.handlers, name)
	}
	sp.mu.Unlock()
	if removed {
		go func() { _ = sp.notifier.Notify(context.Background()) }()
	}
	return removed
}

// Get dispatches to the named prompt's handler.
func (sp *StaticPrompts) Get(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("invalid prompt request: missing name")
	}
	sp.mu.RLock()
	h := sp.handlers[req.Name]
	sp.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("prompt not found: %s", req.Name)
	}
	return h(ctx, session, req)
}

// Subscriber implements ChangeSubscriber.
func (sp *StaticPrompts) Subscriber() <-chan struct{} { return sp.notifier.Subscriber() }
