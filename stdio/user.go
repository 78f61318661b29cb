package stdio

import (
	"os/user"
)

// UserProvider supplies the user ID to associate with the stdio peer. The
// pipe carries no credentials, so this stands in for the bearer token the
// HTTP transport would validate.
type UserProvider interface {
	CurrentUserID() (string, error)
}

// OSUserProvider resolves the peer identity from the operating system's
// current user: Username when set, otherwise the numeric Uid.
type OSUserProvider struct{}

func (OSUserProvider) CurrentUserID() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}

// StaticUserProvider always reports the configured ID. Useful in tests and
// container images without a passwd database.
type StaticUserProvider string

func (s StaticUserProvider) CurrentUserID() (string, error) {
	return string(s), nil
}
