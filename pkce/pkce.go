// Package pkce implements the client side of Proof Key for Code Exchange
// (RFC 7636): generation of a random code verifier and its S256-derived
// code challenge.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/pkg/errors"
)

// DefaultVerifierSize is the number of random bytes used for a verifier
// when no explicit size is given. 32 bytes encode to 43 characters, the
// minimum verifier length allowed by RFC 7636.
const DefaultVerifierSize = 32

// MethodS256 is the only challenge method this package produces.
const MethodS256 = "S256"

// GenerateVerifier returns a new random code verifier, base64url encoded
// without padding. A size of zero or less falls back to DefaultVerifierSize.
// The only failure mode is an unavailable secure random source, which is
// fatal to the login flow.
func GenerateVerifier(size int) (string, error) {
	if size <= 0 {
		size = DefaultVerifierSize
	}
	bytes := make([]byte, size)
	if _, err := rand.Read(bytes); err != nil {
		return "", errors.Wrap(err, "[GenerateVerifier] rand.Read")
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// Challenge derives the S256 code challenge for a verifier:
// base64url(SHA-256(verifier)) using the URL-safe alphabet, no padding.
func Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}
