package sessionapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthenticated is returned when a request carries no usable credentials.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrAuthConfig is returned when no token verification method is configured.
	ErrAuthConfig = errors.New("invalid auth config")
)

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Name   string
	Email  string
}

// Authenticator extracts the caller from a request.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

type principalKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.UserID != ""
}

// Claims are the token claims the gateway reads. sub is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// JWTAuthenticator verifies bearer JWTs issued by an external identity provider.
type JWTAuthenticator struct {
	parser  *jwt.Parser
	keyFunc func(ctx context.Context) jwt.Keyfunc
}

func staticKey(key any) func(context.Context) jwt.Keyfunc {
	return func(context.Context) jwt.Keyfunc {
		return func(*jwt.Token) (any, error) { return key, nil }
	}
}

// NewJWTAuthenticator builds an authenticator from cfg.
// It returns ErrAuthConfig when no key source is configured.
func NewJWTAuthenticator(cfg AuthConfig, jwks *JWKS) (*JWTAuthenticator, error) {
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	a := &JWTAuthenticator{}
	switch {
	case jwks != nil:
		// Each key narrows this further to its own family in JWKS.KeyfuncCtx.
		opts = append(opts, jwt.WithValidMethods(asymmetricMethods))
		a.keyFunc = jwks.KeyfuncCtx
	case strings.TrimSpace(cfg.PublicKeyPEM) != "":
		key, methods, err := parsePublicKeyPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthConfig, err)
		}
		opts = append(opts, jwt.WithValidMethods(methods))
		a.keyFunc = staticKey(key)
	case cfg.HS256Secret != "":
		if len(cfg.HS256Secret) < 32 {
			return nil, fmt.Errorf("%w: HS256 secret must be at least 32 bytes", ErrAuthConfig)
		}
		opts = append(opts, jwt.WithValidMethods([]string{"HS256"}))
		a.keyFunc = staticKey([]byte(cfg.HS256Secret))
	default:
		return nil, ErrAuthConfig
	}

	a.parser = jwt.NewParser(opts...)
	return a, nil
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	raw := bearerToken(r)
	if raw == "" {
		return Principal{}, ErrUnauthenticated
	}

	var claims Claims
	tok, err := a.parser.ParseWithClaims(raw, &claims, a.keyFunc(r.Context()))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if !tok.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{UserID: claims.Subject, Name: claims.Name, Email: claims.Email}, nil
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	// Browsers cannot set headers on WebSocket handshakes.
	if r.Header.Get("Upgrade") != "" {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return ""
}

// DevHeaderAuthenticator trusts X-User-Id. Local development only.
type DevHeaderAuthenticator struct{}

// Authenticate implements Authenticator.
func (DevHeaderAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	uid := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if uid == "" {
		uid = strings.TrimSpace(r.URL.Query().Get("user_id"))
	}
	if uid == "" {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{UserID: uid}, nil
}

// NewAuthenticator picks the authenticator described by cfg.
// production forbids the dev header. A JWKS key set refreshes in the
// background until ctx is done.
func NewAuthenticator(ctx context.Context, cfg AuthConfig, production bool, client *http.Client) (Authenticator, error) {
	if cfg.DevHeader {
		if production {
			return nil, fmt.Errorf("%w: dev header auth is not allowed in production", ErrAuthConfig)
		}
		return DevHeaderAuthenticator{}, nil
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" && cfg.JWKSDiscovery && cfg.Issuer != "" {
		jwksURL = strings.TrimSuffix(cfg.Issuer, "/") + "/.well-known/jwks.json"
	}
	var jwks *JWKS
	if jwksURL != "" {
		var err error
		jwks, err = NewJWKS(ctx, jwksURL, JWKSOptions{RefreshInterval: cfg.JWKSCacheTTL, Client: client})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthConfig, err)
		}
	}
	return NewJWTAuthenticator(cfg, jwks)
}
