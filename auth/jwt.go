package auth

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuthenticator validates HMAC-signed JWTs. Tokens must carry a subject
// claim; issuer and audience are checked when configured.
type JWTAuthenticator struct {
	// Secret is the HMAC signing key.
	Secret []byte
	// Issuer, when non-empty, must match the token's iss claim.
	Issuer string
	// Audience, when non-empty, must be present in the token's aud claim.
	Audience string
}

var _ Authenticator = (*JWTAuthenticator)(nil)

func (a *JWTAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, ErrUnauthorized
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if a.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.Issuer))
	}
	if a.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.Audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return a.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return &jwtUser{id: sub, claims: claims}, nil
}

type jwtUser struct {
	id     string
	claims jwt.MapClaims
}

func (u *jwtUser) UserID() string { return u.id }

func (u *jwtUser) Claims(ref any) error {
	data, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, ref)
}
