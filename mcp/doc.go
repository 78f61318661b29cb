// Package mcp contains the Model Context Protocol data types and method
// constants this server speaks. It mirrors the wire representation while
// keeping the surface Go-friendly: exported structs with json tags, string
// constants for method names, helper validation functions.
//
// The package is intentionally free of transport logic. The HTTP and stdio
// transports import these types but implement their own framing, and the
// capability layer (mcpservice) constructs responses from these concrete
// types and hands them to the engine for JSON-RPC serialization.
//
// Only the server-side slice of the protocol is modeled: this server never
// issues sampling, elicitation or roots requests to its clients, so those
// message families are absent. Client capability advertisements for them are
// still decoded (ClientCapabilities) so the handshake remains faithful.
package mcp
