package security

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter22", hash)

	rehash, err := VerifyPassword(hash, "hunter22", false)
	require.NoError(t, err)
	assert.Empty(t, rehash, "modern hashes should not trigger a rehash")

	_, err = VerifyPassword(hash, "wrong", false)
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestHashPasswordRejectsEmpty(t *testing.T) {
	_, err := HashPassword("")
	assert.Error(t, err)
}

func TestLegacyVerifyUpgrades(t *testing.T) {
	sum := sha256.Sum256([]byte("old-password"))
	legacyHash := hex.EncodeToString(sum[:])

	rehash, err := VerifyPassword(legacyHash, "old-password", true)
	require.NoError(t, err)
	require.NotEmpty(t, rehash, "legacy verify must produce a bcrypt rehash")

	// The rehash must verify as a modern hash.
	_, err = VerifyPassword(rehash, "old-password", false)
	assert.NoError(t, err)
}

func TestLegacyVerifyWrongPassword(t *testing.T) {
	sum := sha256.Sum256([]byte("old-password"))
	legacyHash := hex.EncodeToString(sum[:])

	_, err := VerifyPassword(legacyHash, "guess", true)
	assert.ErrorIs(t, err, ErrBadCredentials)

	_, err = VerifyPassword("zz-not-hex", "old-password", true)
	assert.ErrorIs(t, err, ErrBadCredentials)
}
