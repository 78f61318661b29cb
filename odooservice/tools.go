package odooservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ibrohimislam/mcp-odoo/mcpservice"
	"github.com/ibrohimislam/mcp-odoo/odoo"
	"github.com/ibrohimislam/mcp-odoo/sessions"
)

type listModelsArgs struct{}

type modelInfoArgs struct {
	ModelName string `json:"model_name" jsonschema_description:"Technical name of the model, e.g. res.partner"`
}

type getRecordArgs struct {
	ModelName string   `json:"model_name" jsonschema_description:"Technical name of the model, e.g. res.partner"`
	RecordID  RecordID `json:"record_id" jsonschema_description:"Record id, as an integer or its decimal string form"`
	Fields    []string `json:"fields,omitempty" jsonschema_description:"Field names to read; omit to read all fields"`
}

type searchCountArgs struct {
	ModelName string      `json:"model_name" jsonschema_description:"Technical name of the model, e.g. res.partner"`
	Domain    odoo.Domain `json:"domain,omitempty" jsonschema_description:"Search domain; omit to count every record"`
}

type searchReadArgs struct {
	ModelName string      `json:"model_name" jsonschema_description:"Technical name of the model, e.g. res.partner"`
	Domain    odoo.Domain `json:"domain,omitempty" jsonschema_description:"Search domain; omit to match every record"`
	Fields    []string    `json:"fields,omitempty" jsonschema_description:"Field names to read; omit to read all fields"`
	Limit     *int        `json:"limit,omitempty" jsonschema_description:"Maximum number of records to return"`
	Offset    *int        `json:"offset,omitempty" jsonschema_description:"Number of matching records to skip"`
	Order     *string     `json:"order,omitempty" jsonschema_description:"Sort specification, e.g. \"name asc\""`
}

type readGroupArgs struct {
	ModelName string      `json:"model_name" jsonschema_description:"Technical name of the model, e.g. res.partner"`
	Domain    odoo.Domain `json:"domain,omitempty" jsonschema_description:"Search domain; omit to aggregate every record"`
	Fields    []string    `json:"fields" jsonschema_description:"Fields to aggregate, e.g. [\"amount_total:sum\"]"`
	GroupBy   []string    `json:"groupby,omitempty" jsonschema_description:"Fields to group by"`
	Lazy      *bool       `json:"lazy,omitempty" jsonschema_description:"Group lazily by the first groupby field only (default true)"`
}

// operationTools builds the operation registry: each tool decodes its typed
// arguments strictly and answers with exactly one envelope.
func (s *Service) operationTools() []mcpservice.StaticTool {
	return []mcpservice.StaticTool{
		mcpservice.NewToolWithOutput("list_models", s.listModels,
			mcpservice.WithToolDescription("List the models available to the authenticated user, keyed by technical name.")),
		mcpservice.NewToolWithOutput("model_info", s.modelInfoTool,
			mcpservice.WithToolDescription("Get a model's metadata together with its field schema.")),
		mcpservice.NewToolWithOutput("get_record", s.getRecord,
			mcpservice.WithToolDescription("Read one record by id. The result is a one-element record list.")),
		mcpservice.NewToolWithOutput("search_count", s.searchCount,
			mcpservice.WithToolDescription("Count the records matching a search domain.")),
		mcpservice.NewToolWithOutput("search_read", s.searchRead,
			mcpservice.WithToolDescription("Search for records matching a domain and read them in one call.")),
		mcpservice.NewToolWithOutput("read_group", s.readGroup,
			mcpservice.WithToolDescription("Aggregate records grouped by the given fields.")),
	}
}

func (s *Service) listModels(ctx context.Context, _ sessions.Session, w mcpservice.ToolResponseWriterTyped[Envelope], r *mcpservice.ToolRequest[listModelsArgs]) error {
	models, err := s.client.ListModels(ctx)
	if err != nil {
		return s.respond(ctx, w, r.Name(), Failure(err.Error()))
	}
	return s.respond(ctx, w, r.Name(), Success(models))
}

func (s *Service) modelInfoTool(ctx context.Context, _ sessions.Session, w mcpservice.ToolResponseWriterTyped[Envelope], r *mcpservice.ToolRequest[modelInfoArgs]) error {
	args := r.Args()
	if args.ModelName == "" {
		return s.respond(ctx, w, r.Name(), Failure("model_name is required"))
	}
	info, err := s.modelInfo(ctx, args.ModelName)
	if err != nil {
		return s.respond(ctx, w, r.Name(), Failure(err.Error()))
	}
	return s.respond(ctx, w, r.Name(), Success(info))
}

// modelInfo merges the model's metadata record with its field schema under a
// "fields" key. Shared by the model_info operation and the odoo://model
// resource.
func (s *Service) modelInfo(ctx context.Context, model string) (map[string]any, error) {
	meta, err := s.client.ModelMetadata(ctx, model)
	if err != nil {
		return nil, err
	}
	fields, err := s.client.ModelFields(ctx, model)
	if err != nil {
		return nil, err
	}
	info := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		info[k] = v
	}
	info["fields"] = fields
	return info, nil
}

func (s *Service) getRecord(ctx context.Context, _ sessions.Session, w mcpservice.ToolResponseWriterTyped[Envelope], r *mcpservice.ToolRequest[getRecordArgs]) error {
	args := r.Args()
	if args.ModelName == "" {
		return s.respond(ctx, w, r.Name(), Failure("model_name is required"))
	}
	id, ok := args.RecordID.Int64()
	if !ok {
		return s.respond(ctx, w, r.Name(), Failuref("Invalid record ID: %s", args.RecordID.String()))
	}
	records, err := s.client.ReadRecords(ctx, args.ModelName, []int64{id}, args.Fields)
	if err != nil {
		return s.respond(ctx, w, r.Name(), Failure(err.Error()))
	}
	if len(records) == 0 {
		return s.respond(ctx, w, r.Name(), Failuref("Record not found: %s ID %d", args.ModelName, id))
	}
	return s.respond(ctx, w, r.Name(), Success(records))
}

func (s *Service) searchCount(ctx context.Context, _ sessions.Session, w mcpservice.ToolResponseWriterTyped[Envelope], r *mcpservice.ToolRequest[searchCountArgs]) error {
	args := r.Args()
	if args.ModelName == "" {
		return s.respond(ctx, w, r.Name(), Failure("model_name is required"))
	}
	count, err := s.client.Count(ctx, args.ModelName, args.Domain)
	if err != nil {
		return s.respond(ctx, w, r.Name(), Failure(err.Error()))
	}
	return s.respond(ctx, w, r.Name(), Success(count))
}

func (s *Service) searchRead(ctx context.Context, _ sessions.Session, w mcpservice.ToolResponseWriterTyped[Envelope], r *mcpservice.ToolRequest[searchReadArgs]) error {
	args := r.Args()
	if args.ModelName == "" {
		return s.respond(ctx, w, r.Name(), Failure("model_name is required"))
	}
	// Options carry only what the caller supplied; an absent option and an
	// explicit zero are different requests to the server.
	options := map[string]any{}
	if args.Fields != nil {
		options["fields"] = args.Fields
	}
	if args.Limit != nil {
		options["limit"] = *args.Limit
	}
	if args.Offset != nil {
		options["offset"] = *args.Offset
	}
	if args.Order != nil {
		options["order"] = *args.Order
	}
	result, err := s.client.CallMethod(ctx, args.ModelName, "search_read", args.Domain, options)
	if err != nil {
		return s.respond(ctx, w, r.Name(), Failure(err.Error()))
	}
	return s.respond(ctx, w, r.Name(), Success(result))
}

func (s *Service) readGroup(ctx context.Context, _ sessions.Session, w mcpservice.ToolResponseWriterTyped[Envelope], r *mcpservice.ToolRequest[readGroupArgs]) error {
	args := r.Args()
	if args.ModelName == "" {
		return s.respond(ctx, w, r.Name(), Failure("model_name is required"))
	}
	if len(args.Fields) == 0 {
		return s.respond(ctx, w, r.Name(), Failure("fields must not be empty"))
	}
	groupBy := args.GroupBy
	if groupBy == nil {
		groupBy = []string{}
	}
	lazy := true
	if args.Lazy != nil {
		lazy = *args.Lazy
	}
	options := map[string]any{
		"fields":  args.Fields,
		"groupby": groupBy,
		"lazy":    lazy,
	}
	result, err := s.client.CallMethod(ctx, args.ModelName, "read_group", args.Domain, options)
	if err != nil {
		return s.respond(ctx, w, r.Name(), Failure(err.Error()))
	}
	return s.respond(ctx, w, r.Name(), Success(result))
}

// respond writes env as the invocation's single outcome: the envelope JSON
// as text content, the typed value as structuredContent, and the error flag
// for failures. Completion is logged either way.
func (s *Service) respond(ctx context.Context, w mcpservice.ToolResponseWriterTyped[Envelope], operation string, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope for %s: %w", operation, err)
	}
	if err := w.AppendText(string(raw)); err != nil {
		return err
	}
	w.SetStructured(env)
	w.SetError(!env.OK())
	s.logOutcome(ctx, operation, env)
	return nil
}

func (s *Service) logOutcome(ctx context.Context, operation string, env Envelope) {
	if env.OK() {
		s.log.InfoContext(ctx, "odooservice.call.ok", slog.String("operation", operation))
		return
	}
	s.log.InfoContext(ctx, "odooservice.call.fail",
		slog.String("operation", operation),
		slog.String("err", env.ErrorMessage()))
}
