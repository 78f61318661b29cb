package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates the bearer token was missing, malformed, or
// failed validation.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the token validated but does not carry the
// scopes this server requires.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo is an authenticated principal. Implementations must be cheap to
// copy and safe for concurrent use; the user id becomes the ownership key
// for every session the principal creates.
type UserInfo interface {
	// UserID returns the stable unique identifier for the user.
	UserID() string
	// Claims unmarshals the token claims into ref.
	Claims(ref any) error
}

// Authenticator validates a bearer token and resolves its principal.
// Invalid credentials must surface as ErrUnauthorized (optionally wrapped)
// so transports can answer with the right RFC 6750 challenge.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}
