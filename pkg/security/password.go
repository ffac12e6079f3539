package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost is the work factor for new password hashes.
const bcryptCost = 12

// ErrBadCredentials is returned when a password does not match its stored
// hash. It deliberately carries no detail about which part failed.
var ErrBadCredentials = errors.New("invalid credentials")

// HashPassword hashes a password with bcrypt at the configured cost.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks a password against a stored hash. When legacy is set
// the stored value is a hex SHA-256 digest from an older deployment; a
// successful legacy verify returns a fresh bcrypt hash the caller must
// persist so the record is upgraded before the login completes.
func VerifyPassword(stored, password string, legacy bool) (rehash string, err error) {
	if legacy {
		sum := sha256.Sum256([]byte(password))
		want, decErr := hex.DecodeString(stored)
		if decErr != nil {
			return "", ErrBadCredentials
		}
		if subtle.ConstantTimeCompare(sum[:], want) != 1 {
			return "", ErrBadCredentials
		}
		upgraded, hashErr := HashPassword(password)
		if hashErr != nil {
			return "", hashErr
		}
		return upgraded, nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)); err != nil {
		return "", ErrBadCredentials
	}
	return "", nil
}
