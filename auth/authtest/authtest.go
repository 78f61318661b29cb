// Package authtest provides trivial Authenticator implementations for tests
// and development environments where real token validation is not wanted.
package authtest

import (
	"context"

	"github.com/ibrohimislam/mcp-odoo/auth"
)

// NoAuth accepts every token (including the empty string) and reports the
// configured user ID. Never use it outside tests or loopback deployments.
type NoAuth struct {
	UserID string
}

// NewNoAuth creates a NoAuth authenticator for the given user ID. An empty
// userID defaults to "test-user".
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

func (n *NoAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	return staticUser{id: n.UserID}, nil
}

// TokenMap authenticates against a fixed token-to-user mapping. Tokens absent
// from the map fail with auth.ErrUnauthorized.
type TokenMap map[string]string

func (m TokenMap) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	uid, ok := m[tok]
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return staticUser{id: uid}, nil
}

type staticUser struct {
	id string
}

func (u staticUser) UserID() string       { return u.id }
func (u staticUser) Claims(ref any) error { return nil }
