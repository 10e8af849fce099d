package sessionapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	neturl "net/url"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

var (
	// ErrUnknownKey is returned when a token's kid is not in the key set.
	ErrUnknownKey = errors.New("unknown signing key")

	// ErrKeyMismatch is returned when a token's alg cannot be verified with the
	// key its kid names.
	ErrKeyMismatch = errors.New("signing method does not match key")
)

// JWKSOptions tunes the remote key set.
type JWKSOptions struct {
	// RefreshInterval is how often the whole set is refetched in the background.
	RefreshInterval time.Duration

	// MinRefresh bounds refetches triggered by unknown kids, so a flood of
	// tokens with bogus kids cannot hammer the provider.
	MinRefresh time.Duration

	Client *http.Client
	Logger *slog.Logger
}

// JWKS verifies tokens against an identity provider's JSON Web Key Set.
// Keys are refreshed in the background until the constructor's ctx is done;
// the last good set keeps serving while the provider is unreachable.
type JWKS struct {
	kf keyfunc.Keyfunc
}

// NewJWKS starts fetching url. A provider that is down at startup is not an
// error; tokens fail with ErrUnknownKey until the first successful refresh.
func NewJWKS(ctx context.Context, url string, opts JWKSOptions) (*JWKS, error) {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 10 * time.Minute
	}
	if opts.MinRefresh <= 0 {
		opts.MinRefresh = 30 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 5 * time.Second}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	u, err := neturl.Parse(url)
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	remote, err := jwkset.NewStorageFromHTTP(u, jwkset.HTTPClientStorageOptions{
		Client:                    opts.Client,
		Ctx:                       ctx,
		HTTPTimeout:               5 * time.Second,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           opts.RefreshInterval,
		RefreshErrorHandler: func(ctx context.Context, err error) {
			log.WarnContext(ctx, "jwks.refresh.fail", "url", url, "err", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}

	storage, err := jwkset.NewHTTPClient(jwkset.HTTPClientOptions{
		HTTPURLs:          map[string]jwkset.Storage{url: remote},
		RefreshUnknownKID: rate.NewLimiter(rate.Every(opts.MinRefresh), 1),
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}

	kf, err := keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return &JWKS{kf: kf}, nil
}

// unknownKIDWait caps how long a request waits on the unknown-kid refresh limiter.
const unknownKIDWait = 2 * time.Second

// KeyfuncCtx returns a jwt.Keyfunc bound to ctx. The returned key must match
// the token's alg family (RSA for RS/PS, the right curve for ES, Ed25519 for
// EdDSA).
func (j *JWKS) KeyfuncCtx(ctx context.Context) jwt.Keyfunc {
	return func(tok *jwt.Token) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, unknownKIDWait)
		defer cancel()

		key, err := j.kf.KeyfuncCtx(ctx)(tok)
		if err != nil {
			if errors.Is(err, jwkset.ErrKeyNotFound) {
				return nil, fmt.Errorf("%w: %v", ErrUnknownKey, err)
			}
			return nil, err
		}
		if !methodAllowed(key, tok.Method.Alg()) {
			return nil, fmt.Errorf("%w: %s", ErrKeyMismatch, tok.Method.Alg())
		}
		return key, nil
	}
}

// Keyfunc implements jwt.Keyfunc without a request context.
func (j *JWKS) Keyfunc(tok *jwt.Token) (any, error) {
	return j.KeyfuncCtx(context.Background())(tok)
}
