package sessions

import (
	"context"
	"errors"
)

var (
	// ErrSessionNotFound is returned for unknown, expired, or revoked-and-
	// collected session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned by CreateSession when the id is taken.
	ErrSessionExists = errors.New("session already exists")
)

// SessionHost is the storage contract the engine and transports program
// against. Implementations MUST be safe for concurrent use and SHOULD apply
// the TTL/MaxLifetime expiry semantics documented on SessionMetadata.
type SessionHost interface {
	// Metadata lifecycle.
	CreateSession(ctx context.Context, meta *SessionMetadata) error
	// GetSession returns the stored record, or ErrSessionNotFound. Callers
	// must treat the returned record as a private copy.
	GetSession(ctx context.Context, sessionID string) (*SessionMetadata, error)
	// MutateSession applies fn to the stored record under the host's write
	// lock and persists the result. fn returning an error aborts the mutation
	// and is returned verbatim.
	MutateSession(ctx context.Context, sessionID string, fn func(*SessionMetadata) error) error
	// TouchSession advances LastAccess, extending the sliding TTL window.
	TouchSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error

	// Per-session ordered messaging with resume via lastEventID. An empty
	// lastEventID subscribes to future messages only; an id that is not part
	// of the retained stream is an error. SubscribeSession blocks, invoking
	// handler in order, until ctx ends, the session is deleted, or the
	// handler fails.
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
	SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler MessageHandlerFunction) error

	// Broadcast topics shared by all server instances. Subscribers only see
	// events published after they subscribe. SubscribeEvents returns once the
	// subscription is registered; delivery runs until ctx ends or the handler
	// fails.
	PublishEvent(ctx context.Context, topic string, data []byte) error
	SubscribeEvents(ctx context.Context, topic string, handler EventHandlerFunction) error

	// Close releases backend resources.
	Close() error
}
