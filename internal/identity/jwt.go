// Package identity authenticates callers from signed bearer tokens and turns
// them into the chat profile used for participant data.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/whisper/messenger/internal/chat"
)

var (
	ErrTokenMissing = errors.New("identity: token missing")
	ErrTokenInvalid = errors.New("identity: token is invalid")
	ErrTokenExpired = errors.New("identity: token has expired")
)

// Identity is an authenticated caller.
type Identity struct {
	Profile   chat.Profile
	ExpiresAt time.Time
}

// Authenticator verifies a bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// Config holds token settings.
type Config struct {
	Secret string        `koanf:"secret"`
	Issuer string        `koanf:"issuer"`
	TTL    time.Duration `koanf:"ttl"`
}

// DefaultConfig returns settings for local development. Secret must be
// replaced in any real deployment.
func DefaultConfig() Config {
	return Config{Secret: "dev-secret-change-me", Issuer: "messenger", TTL: 24 * time.Hour}
}

// Claims are the token claims; Subject carries the user id.
type Claims struct {
	Name     string `json:"name"`
	Avatar   string `json:"avatar,omitempty"`
	IsExpert bool   `json:"is_expert,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 tokens.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTAuthenticator creates a JWTAuthenticator.
func NewJWTAuthenticator(cfg Config) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(cfg.Secret), issuer: cfg.Issuer, ttl: cfg.TTL, now: time.Now}
}

var _ Authenticator = (*JWTAuthenticator)(nil)

// Issue signs a token for p valid for the configured TTL.
func (a *JWTAuthenticator) Issue(p chat.Profile) (string, error) {
	now := a.now()
	claims := &Claims{
		Name:     p.Name,
		Avatar:   p.Avatar,
		IsExpert: p.IsExpert,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate validates token and returns the caller.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrTokenMissing
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrTokenInvalid
	}

	return Identity{
		Profile: chat.Profile{
			UserID:   claims.Subject,
			Name:     claims.Name,
			Avatar:   claims.Avatar,
			IsExpert: claims.IsExpert,
		},
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// TokenFromRequest reads a bearer token from the Authorization header or the
// token query parameter; browsers cannot set headers on WebSocket upgrades.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return r.URL.Query().Get("token")
}

type ctxKey struct{}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
