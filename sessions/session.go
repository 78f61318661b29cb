package sessions

import "context"

// Session is the negotiated-session view handed to capability code.
// Implementations MUST be safe for concurrent use.
type Session interface {
	SessionID() string
	UserID() string
	// ProtocolVersion is the negotiated MCP protocol version baked into the
	// session at initialize time.
	ProtocolVersion() string
}

// MessageHandlerFunction handles ordered messages for a session stream. A
// non-nil error terminates the subscription with that error.
type MessageHandlerFunction func(ctx context.Context, msgID string, msg []byte) error

// EventHandlerFunction handles broadcast topic events. A non-nil error
// terminates that subscriber only.
type EventHandlerFunction func(ctx context.Context, msg []byte) error
