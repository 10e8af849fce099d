package sessionapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls the HTTP gateway.
type Config struct {
	// MaxBodyBytes bounds JSON request bodies.
	MaxBodyBytes int64

	// RetryAfter is advertised on 503 responses when the store is unavailable.
	RetryAfter time.Duration

	Auth AuthConfig
}

// AuthConfig selects how bearer tokens are verified.
//
// Exactly one key source is used, in this order: JWKSURL (or Issuer-derived
// JWKS when JWKSDiscovery is set), PublicKeyPEM, HS256Secret. DevHeader
// trusts X-User-Id and is refused outside development.
type AuthConfig struct {
	Issuer   string
	Audience string

	JWKSURL       string
	JWKSDiscovery bool
	JWKSCacheTTL  time.Duration

	PublicKeyPEM string
	HS256Secret  string

	Leeway time.Duration

	DevHeader bool
}

// LoadConfigFromEnv loads gateway config from environment variables.
//
// Optional:
//   - DEVICECAP_HTTP_MAX_BODY_BYTES
//   - DEVICECAP_HTTP_RETRY_AFTER
//   - DEVICECAP_JWT_ISSUER, DEVICECAP_JWT_AUDIENCE
//   - DEVICECAP_JWT_JWKS_URL, DEVICECAP_JWT_JWKS_DISCOVERY, DEVICECAP_JWT_JWKS_CACHE_TTL
//   - DEVICECAP_JWT_PUBLIC_KEY (PEM text or a path to a PEM file)
//   - DEVICECAP_JWT_HS256_SECRET
//   - DEVICECAP_JWT_LEEWAY
//   - DEVICECAP_AUTH_DEV_HEADER
func LoadConfigFromEnv() Config {
	cfg := Config{
		MaxBodyBytes: 4 << 10,
		RetryAfter:   time.Second,
		Auth: AuthConfig{
			JWKSCacheTTL: 10 * time.Minute,
			Leeway:       30 * time.Second,
		},
	}

	if v := strings.TrimSpace(os.Getenv("DEVICECAP_HTTP_MAX_BODY_BYTES")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("DEVICECAP_HTTP_RETRY_AFTER")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RetryAfter = d
		}
	}

	cfg.Auth.Issuer = strings.TrimSpace(os.Getenv("DEVICECAP_JWT_ISSUER"))
	cfg.Auth.Audience = strings.TrimSpace(os.Getenv("DEVICECAP_JWT_AUDIENCE"))
	cfg.Auth.JWKSURL = strings.TrimSpace(os.Getenv("DEVICECAP_JWT_JWKS_URL"))
	cfg.Auth.JWKSDiscovery = envBool("DEVICECAP_JWT_JWKS_DISCOVERY")
	if v := strings.TrimSpace(os.Getenv("DEVICECAP_JWT_JWKS_CACHE_TTL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Auth.JWKSCacheTTL = d
		}
	}
	cfg.Auth.PublicKeyPEM = readPEMOrPath(os.Getenv("DEVICECAP_JWT_PUBLIC_KEY"))
	cfg.Auth.HS256Secret = os.Getenv("DEVICECAP_JWT_HS256_SECRET")
	if v := strings.TrimSpace(os.Getenv("DEVICECAP_JWT_LEEWAY")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Auth.Leeway = d
		}
	}
	cfg.Auth.DevHeader = envBool("DEVICECAP_AUTH_DEV_HEADER")

	return cfg
}

func envBool(key string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return err == nil && b
}

func readPEMOrPath(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.Contains(v, "-----BEGIN") {
		return v
	}
	data, err := os.ReadFile(v)
	if err != nil {
		return v
	}
	return string(data)
}
