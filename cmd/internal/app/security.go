package app

import (
	"errors"
	"slices"
)

// ValidateSecurityConfig enforces the production policy at startup.
// Fail-fast: a production process never falls back to weaker auth.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.IsProduction() {
		return nil
	}

	if cfg.API.Auth.DevHeader {
		return errors.New("security policy: DEVICECAP_AUTH_DEV_HEADER must be off in production")
	}
	if cfg.API.Auth.Issuer == "" && cfg.API.Auth.Audience == "" && cfg.API.Auth.HS256Secret != "" {
		return errors.New("security policy: HS256 tokens in production require DEVICECAP_JWT_ISSUER or DEVICECAP_JWT_AUDIENCE")
	}
	if cfg.CORSAllowCredentials && slices.Contains(cfg.CORSAllowedOrigins, "*") {
		return errors.New("security policy: CORS wildcard origin cannot be combined with credentials")
	}
	if cfg.WS.DevInsecure {
		return errors.New("security policy: DEVICECAP_WS_DEV_INSECURE must be off in production")
	}
	if cfg.DatabaseURL == "" && cfg.BoltPath == "" {
		return errors.New("security policy: production requires a durable store (DEVICECAP_DATABASE_URL or DEVICECAP_BOLT_PATH)")
	}
	return nil
}
