// Package stdio implements a single-connection MCP transport over
// stdin/stdout for subprocess embedding and local development: one process,
// one client, newline-delimited JSON-RPC.
//
// There is no bearer token on a pipe, so the peer's identity comes from a
// UserProvider, defaulting to the current OS user. Sessions live in an
// in-process memory host and die with the process.
//
// Example:
//
//	svc := odooservice.NewService(client)
//	h := stdio.NewHandler(svc.Capabilities())
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
//
// Deployments that need authentication, horizontal scale, or resumable
// streams should use the streaminghttp transport instead; both front the
// same engine.
package stdio
