// Package odooservice exposes an Odoo server to MCP clients as a typed
// operation registry. Six read-only operations (list_models, model_info,
// get_record, search_count, search_read, read_group) answer every
// invocation with a uniform success-or-error envelope: faults local and
// remote become Failure envelopes, never protocol errors. The package also
// serves odoo:// resources and a pair of prompt templates over the same
// injected odoo.Client.
package odooservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ibrohimislam/mcp-odoo/mcp"
	"github.com/ibrohimislam/mcp-odoo/mcpservice"
	"github.com/ibrohimislam/mcp-odoo/odoo"
	"github.com/ibrohimislam/mcp-odoo/sessions"
)

// Version is reported as the server version during initialization.
const Version = "0.1.0"

const defaultInstructions = "This server exposes a read-only view of an Odoo database. " +
	"Start with list_models to discover models, model_info for a model's schema, " +
	"then search_read, search_count, read_group and get_record for data. " +
	"Every tool answers with a JSON envelope: check the success flag before using result; " +
	"failures carry the reason under error."

// Service binds the operation registry, the odoo:// resources and the prompt
// templates to one odoo.Client. Construct with NewService and expose it to a
// transport via Capabilities.
type Service struct {
	client odoo.Client
	log    *slog.Logger

	info         mcp.ImplementationInfo
	instructions string
	levelVar     *slog.LevelVar

	tools            *mcpservice.ToolsContainer
	prompts          *mcpservice.StaticPrompts
	resourceNotifier mcpservice.ChangeNotifier
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger for per-invocation completion logging.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithServerInfo overrides the advertised implementation info.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(s *Service) { s.info = info }
}

// WithInstructions overrides the instructions text sent on initialize.
func WithInstructions(instructions string) Option {
	return func(s *Service) { s.instructions = instructions }
}

// WithLogLevelVar wires the MCP logging/setLevel capability to the given
// LevelVar, typically the one driving the process slog handler.
func WithLogLevelVar(lv *slog.LevelVar) Option {
	return func(s *Service) { s.levelVar = lv }
}

// NewService builds the façade around client.
func NewService(client odoo.Client, opts ...Option) *Service {
	s := &Service{
		client:       client,
		log:          slog.Default(),
		info:         mcp.ImplementationInfo{Name: "mcp-odoo", Version: Version, Title: "Odoo MCP Server"},
		instructions: defaultInstructions,
		levelVar:     new(slog.LevelVar),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tools = mcpservice.NewToolsContainer(s.operationTools()...)
	s.prompts = mcpservice.NewStaticPrompts(s.promptDefs()...)
	return s
}

// Capabilities assembles the ServerCapabilities a transport serves.
func (s *Service) Capabilities() mcpservice.ServerCapabilities {
	return mcpservice.NewServer(
		mcpservice.WithServerInfo(s.info),
		mcpservice.WithInstructions(s.instructions),
		mcpservice.WithPreferredProtocolVersion(mcp.LatestProtocolVersion),
		mcpservice.WithToolsCapability(mcpservice.NewDynamicTools(
			mcpservice.WithToolsListFn(s.tools.ListTools),
			mcpservice.WithToolsCallFn(s.callTool),
			mcpservice.WithToolsChangeSubscriber(s.tools),
		)),
		mcpservice.WithResourcesCapability(s.resourcesCapability()),
		mcpservice.WithPromptsCapability(mcpservice.NewPromptsCapability(
			mcpservice.WithStaticPromptsContainer(s.prompts),
		)),
		mcpservice.WithLoggingCapability(mcpservice.NewSlogLevelVarLogging(s.levelVar)),
	)
}

// NotifyModelsChanged signals resource subscribers that the odoo:// listing
// may have changed, e.g. after a credential rotation altered the visible
// model set.
func (s *Service) NotifyModelsChanged(ctx context.Context) {
	_ = s.resourceNotifier.Notify(ctx)
}

// callTool guards the envelope contract at the dispatch boundary: unknown
// operations, strict-decode rejections and stray handler errors all come
// back as Failure envelopes rather than protocol errors.
func (s *Service) callTool(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	name := ""
	if req != nil {
		name = req.Name
	}
	if req == nil || !s.tools.Has(name) {
		return s.envelopeResult(ctx, name, Failuref("unknown operation: %s", name))
	}
	res, err := s.tools.CallTool(ctx, session, req)
	if err != nil {
		return s.envelopeResult(ctx, name, Failure(err.Error()))
	}
	if res != nil && res.StructuredContent == nil {
		// Only argument-decode rejections bypass the handlers; rewrap them.
		return s.envelopeResult(ctx, name, Failure(resultText(res)))
	}
	return res, nil
}

// envelopeResult renders env as a complete tool result, for outcomes decided
// outside the operation handlers.
func (s *Service) envelopeResult(ctx context.Context, operation string, env Envelope) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope for %s: %w", operation, err)
	}
	var structured map[string]any
	if err := json.Unmarshal(raw, &structured); err != nil {
		return nil, fmt.Errorf("marshal envelope for %s: %w", operation, err)
	}
	s.logOutcome(ctx, operation, env)
	return &mcp.CallToolResult{
		Content:           []mcp.ContentBlock{{Type: "text", Text: string(raw)}},
		IsError:           !env.OK(),
		StructuredContent: structured,
	}, nil
}

func resultText(res *mcp.CallToolResult) string {
	for _, block := range res.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text
		}
	}
	return "invalid arguments"
}
