// Package access authenticates callers and answers project ownership questions.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthorized   = errors.New("access: unauthorized")
	ErrTokenExpired   = errors.New("access: token expired")
	ErrSecretRequired = errors.New("access: signing secret is required")
)

// Role is the caller's billing and permission tier.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Principal is an authenticated caller.
type Principal struct {
	UserID string
	Role   Role
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Claims is the JWT payload of an access token.
type Claims struct {
	UserID string `json:"uid"`
	Role   Role   `json:"role"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 access tokens.
type JWTAuthenticator struct {
	secret []byte
	now    func() time.Time
}

// NewJWTAuthenticator creates an HS256 authenticator. The secret must not be empty.
func NewJWTAuthenticator(secret string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, ErrSecretRequired
	}
	return &JWTAuthenticator{secret: []byte(secret), now: time.Now}, nil
}

// Authenticate parses tokenString and returns its principal.
// A token without a role is treated as RoleUser.
func (a *JWTAuthenticator) Authenticate(tokenString string) (Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrTokenExpired
		}
		return Principal{}, ErrUnauthorized
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return Principal{}, ErrUnauthorized
	}
	role := claims.Role
	if role == "" {
		role = RoleUser
	}
	return Principal{UserID: claims.UserID, Role: role}, nil
}

// Issue signs an access token for p valid for ttl.
func (a *JWTAuthenticator) Issue(p Principal, ttl time.Duration) (string, error) {
	now := a.now().UTC()
	claims := Claims{
		UserID: p.UserID,
		Role:   p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
