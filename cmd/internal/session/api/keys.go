package sessionapi

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

var (
	rsaMethods = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}

	// asymmetricMethods is every alg a public key source may verify.
	asymmetricMethods = []string{
		"RS256", "RS384", "RS512", "PS256", "PS384", "PS512",
		"ES256", "ES384", "ES512",
		"EdDSA",
	}
)

// methodsForKey returns the algs that can be verified with key.
// ECDSA keys allow only the alg that matches their curve.
func methodsForKey(key any) []string {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return rsaMethods
	case *ecdsa.PublicKey:
		switch k.Curve.Params().BitSize {
		case 256:
			return []string{"ES256"}
		case 384:
			return []string{"ES384"}
		case 521:
			return []string{"ES512"}
		}
	case ed25519.PublicKey:
		return []string{"EdDSA"}
	}
	return nil
}

func methodAllowed(key any, alg string) bool {
	return slices.Contains(methodsForKey(key), alg)
}

// parsePublicKeyPEM accepts RSA, ECDSA, or Ed25519 public keys and returns the
// signing methods that may be verified with it.
func parsePublicKeyPEM(pem []byte) (any, []string, error) {
	if k, err := jwt.ParseRSAPublicKeyFromPEM(pem); err == nil {
		return k, methodsForKey(k), nil
	}
	if k, err := jwt.ParseECPublicKeyFromPEM(pem); err == nil {
		if methods := methodsForKey(k); len(methods) > 0 {
			return k, methods, nil
		}
		return nil, nil, errors.New("unsupported ECDSA curve")
	}
	if k, err := jwt.ParseEdPublicKeyFromPEM(pem); err == nil {
		return k, methodsForKey(k), nil
	}
	return nil, nil, errors.New("unsupported public key PEM")
}
