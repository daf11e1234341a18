// Package auth resolves bearer tokens into identities for both the HTTP
// API and the websocket handshake.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/guardchain/internal/stream"
)

// Roles recognized by the entitlement checks. Viewers see the
// transaction feed; analysts and admins additionally see alerts.
const (
	RoleAdmin   = "admin"
	RoleAnalyst = "analyst"
	RoleViewer  = "viewer"
)

// ErrInvalidToken covers every authentication failure: bad signature,
// expired, malformed, unknown role. Callers get no more detail than
// that, clients get even less.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is an authenticated principal.
type Identity struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// CanSubscribe reports whether the identity may follow the given topic.
func (id Identity) CanSubscribe(topic string) bool {
	switch topic {
	case stream.TopicAlerts:
		return id.Role == RoleAdmin || id.Role == RoleAnalyst
	default:
		return true
	}
}

// Resolver turns an opaque token into an Identity.
type Resolver interface {
	ResolveIdentity(ctx context.Context, token string) (Identity, error)
}

// Claims is the JWT payload issued to dashboard users.
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// JWTResolver validates HS256 tokens signed with a shared secret.
type JWTResolver struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewJWTResolver creates a resolver. maxAge bounds token lifetime from
// the issued-at claim in addition to the expiry claim; zero disables
// the extra bound.
func NewJWTResolver(secret []byte, maxAge time.Duration) *JWTResolver {
	return &JWTResolver{secret: secret, maxAge: maxAge, now: time.Now}
}

func (r *JWTResolver) ResolveIdentity(_ context.Context, token string) (Identity, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return r.secret, nil
	}, jwt.WithTimeFunc(r.now))
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}

	if claims.UserID == "" {
		return Identity{}, ErrInvalidToken
	}
	switch claims.Role {
	case RoleAdmin, RoleAnalyst, RoleViewer:
	default:
		return Identity{}, ErrInvalidToken
	}

	if r.maxAge > 0 {
		if claims.IssuedAt == nil {
			return Identity{}, ErrInvalidToken
		}
		if r.now().Sub(claims.IssuedAt.Time) > r.maxAge {
			return Identity{}, ErrInvalidToken
		}
	}

	return Identity{UserID: claims.UserID, Role: claims.Role}, nil
}

// Sign issues a token for the given identity. Used by the simulator and
// by operators minting dashboard credentials.
func Sign(secret []byte, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: id.UserID,
		Role:   id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    "guardchain",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
