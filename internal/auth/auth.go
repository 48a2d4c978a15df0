// Package auth resolves the caller identity for API requests.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"

	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
	anonymous      = "anonymous"
)

var (
	ErrNoCredentials      = errors.New("no credentials provided")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrExpiredCredentials = errors.New("credentials expired")
)

// Identity is the authenticated caller. ID doubles as the event bus subscriber key.
type Identity struct {
	ID       string
	Username string
	Role     string
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// Claims carried by bearer tokens.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens. With an empty secret it trusts the
// X-User-ID and X-User-Role headers instead, which is only meant for local setups.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
}

func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl}
}

// HeaderMode reports whether identities come from plain request headers.
func (a *Authenticator) HeaderMode() bool { return len(a.secret) == 0 }

// IssueToken signs a token for subject. Used by the CLI and tests.
func (a *Authenticator) IssueToken(subject, username, role string) (string, error) {
	if a.HeaderMode() {
		return "", errors.New("JWT_SECRET is not configured")
	}
	now := time.Now()
	claims := &Claims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// ValidateToken parses a token and rejects anything not signed with HMAC.
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Newf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredCredentials
		}
		return nil, errors.Mark(errors.Wrap(err, "parse token"), ErrInvalidCredentials)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}

// Authenticate resolves the identity behind r.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	if a.HeaderMode() {
		id := strings.TrimSpace(r.Header.Get(headerUserID))
		if id == "" {
			id = anonymous
		}
		role := strings.TrimSpace(r.Header.Get(headerUserRole))
		if role == "" {
			role = RoleUser
		}
		return Identity{ID: id, Username: id, Role: role}, nil
	}

	tokenStr := bearerToken(r)
	if tokenStr == "" {
		return Identity{}, ErrNoCredentials
	}
	claims, err := a.ValidateToken(tokenStr)
	if err != nil {
		return Identity{}, err
	}
	id := claims.Subject
	if id == "" {
		id = claims.Username
	}
	if id == "" {
		return Identity{}, ErrInvalidCredentials
	}
	username := claims.Username
	if username == "" {
		username = id
	}
	role := claims.Role
	if role == "" {
		role = RoleUser
	}
	return Identity{ID: id, Username: username, Role: role}, nil
}

// bearerToken reads the Authorization header, falling back to the token query
// parameter because browsers cannot set headers on EventSource or WebSocket.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if tok := strings.TrimSpace(parts[1]); tok != "" {
				return tok
			}
		}
	}
	return r.URL.Query().Get("token")
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
