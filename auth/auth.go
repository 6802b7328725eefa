// Package auth defines the pluggable credential hooks accepted by the
// streaming HTTP transport. The engine does not implement authorization
// flows itself; it only validates whatever bearer token the request
// carries, through an Authenticator chosen at construction time.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// UserInfo represents an authenticated principal. Implementations should be
// lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshals the user's claims into the provided struct
	// reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns the associated user
// info. Implementations return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// StaticTokenAuthenticator accepts a fixed token-to-user mapping. Intended
// for tests and local development, not production deployments.
type StaticTokenAuthenticator struct {
	// Tokens maps a bearer token to the user id it authenticates as.
	Tokens map[string]string
}

var _ Authenticator = (*StaticTokenAuthenticator)(nil)

func (a *StaticTokenAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, ErrUnauthorized
	}
	for candidate, userID := range a.Tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(tok)) == 1 {
			return staticUser{id: userID}, nil
		}
	}
	return nil, ErrUnauthorized
}

type staticUser struct {
	id string
}

func (u staticUser) UserID() string { return u.id }

func (u staticUser) Claims(ref any) error {
	data, err := json.Marshal(map[string]string{"sub": u.id})
	if err != nil {
		return err
	}
	return json.Unmarshal(data, ref)
}
