package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code. The values below are the
// spec-reserved codes this server emits; application-level faults never use
// them, they travel inside successful responses instead.
type ErrorCode int

const (
	// ErrorCodeParseError: the request body was not valid JSON.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest: valid JSON, but not a request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound: no handler registered for the method.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams: the params failed to decode or validate.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError: the server failed while producing a response.
	ErrorCodeInternalError ErrorCode = -32603
)
