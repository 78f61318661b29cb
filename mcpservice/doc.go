// Package mcpservice provides the building blocks for implementing the server
// side of the Model Context Protocol. Capabilities (tools, resources, prompts,
// logging) are plain interfaces consumed by the protocol engine; they can be
// satisfied by the container types in this package, by the dynamic
// function-backed constructors, or by any custom implementation.
//
// Static tools with typed arguments:
//
//	type EchoArgs struct {
//		Message string `json:"message"`
//	}
//	tools := mcpservice.NewToolsContainer(
//		mcpservice.NewTool("echo", func(ctx context.Context, s sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[EchoArgs]) error {
//			return w.AppendText("you said: " + r.Args().Message)
//		}, mcpservice.WithToolDescription("Echo a message back to the caller")),
//	)
//
//	srv := mcpservice.NewServer(
//		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "example", Version: "1.0.0"}),
//		mcpservice.WithToolsCapability(tools),
//	)
//
// Dynamic per-session capabilities:
//
//	srv := mcpservice.NewServer(
//		mcpservice.WithResourcesProvider(func(ctx context.Context, s sessions.Session) (mcpservice.ResourcesCapability, bool, error) {
//			if s.UserID() == "guest" {
//				return nil, false, nil
//			}
//			return mcpservice.NewDynamicResources(
//				mcpservice.WithResourcesListFunc(listForUser(s.UserID())),
//			), true, nil
//		}),
//	)
//
// Capability discovery methods return (value, ok, err): ok reports whether the
// capability is present for the session, and an empty-but-present capability
// is still advertised. All implementations must be safe for concurrent use
// and honor context cancellation.
package mcpservice
