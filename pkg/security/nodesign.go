package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// maxClockSkew bounds how far a node record's issued_at may drift from the
// verifier's wall clock. Records outside the window are rejected to prevent
// replay of captured heartbeats.
const maxClockSkew = 5 * time.Minute

var (
	// ErrBadSignature is returned when a node record's HMAC does not verify.
	ErrBadSignature = errors.New("invalid node signature")
	// ErrClockSkew is returned when issued_at is outside the replay window.
	ErrClockSkew = errors.New("node record timestamp outside allowed skew")
)

// ParseSecret decodes the base64 cluster HMAC secret. Unlike AEAD keys the
// length is free, but an empty secret is rejected.
func ParseSecret(encoded string) ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("secret is not valid base64: %w", err)
	}
	if len(secret) == 0 {
		return nil, errors.New("secret cannot be empty")
	}
	return secret, nil
}

// nodeSigningString builds the canonical byte string covered by the HMAC.
func nodeSigningString(nodeID, host string, port int, issuedAt time.Time) string {
	return fmt.Sprintf("%s|%s|%d|%s", nodeID, host, port, issuedAt.UTC().Format(time.RFC3339))
}

// SignNodeRecord signs (node_id, host, port, issued_at) with HMAC-SHA-256
// under the cluster-shared secret and returns the base64 signature.
func SignNodeRecord(secret []byte, nodeID, host string, port int, issuedAt time.Time) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(nodeSigningString(nodeID, host, port, issuedAt)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyNodeRecord checks a node record's signature and freshness against
// the receiver's clock. Signature comparison is constant-time.
func VerifyNodeRecord(secret []byte, nodeID, host string, port int, issuedAt time.Time, signature string, now time.Time) error {
	skew := now.Sub(issuedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxClockSkew {
		return ErrClockSkew
	}

	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(nodeSigningString(nodeID, host, port, issuedAt)))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}
