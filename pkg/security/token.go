package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
)

// NewSessionToken returns 256 bits of cryptographic randomness encoded as
// URL-safe text. Tokens are opaque: no structure, no embedded claims.
func NewSessionToken() (string, error) {
	return randomToken(32)
}

// NewCSRFToken returns the 128-bit per-session CSRF token required on every
// state-changing dashboard call.
func NewCSRFToken() (string, error) {
	return randomToken(16)
}

// TokensEqual compares two tokens in constant time with respect to input
// length.
func TokensEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
