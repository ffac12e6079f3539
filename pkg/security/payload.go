package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// EnvelopeVersion is the only wire envelope version the server accepts.
const EnvelopeVersion = "1"

// ErrDecrypt is returned when an envelope fails authentication or carries an
// unknown version. Callers translate it to a 400 without detail; the reason
// is logged server-side only.
var ErrDecrypt = errors.New("payload decryption failed")

// Envelope is the encrypted wire shape exchanged with agents. The plaintext
// is the UTF-8 JSON of the original payload.
type Envelope struct {
	Encrypted  bool   `json:"encrypted"`
	Version    string `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// ParseKey decodes a base64 key and checks it is 32 bytes for AES-256-GCM.
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return key, nil
}

// EncryptPayload seals plaintext with AES-256-GCM under a fresh 96-bit nonce
// and returns the wire envelope. The 128-bit auth tag is appended to the
// ciphertext by GCM.
func EncryptPayload(key, plaintext []byte) (*Envelope, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty payload")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	return &Envelope{
		Encrypted:  true,
		Version:    EnvelopeVersion,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// DecryptPayload verifies and opens a wire envelope. Any failure (bad
// version, malformed base64, tag mismatch) is reported as ErrDecrypt so the
// caller cannot be used as a padding oracle.
func DecryptPayload(key []byte, env *Envelope) ([]byte, error) {
	if env == nil || !env.Encrypted {
		return nil, ErrDecrypt
	}
	if env.Version != EnvelopeVersion {
		return nil, ErrDecrypt
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, ErrDecrypt
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, ErrDecrypt
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(nonce) != gcm.NonceSize() {
		return nil, ErrDecrypt
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}

	return plaintext, nil
}

// IsEnvelope reports whether a raw JSON body looks like an encrypted
// envelope. Detection is by the encrypted flag plus the enveloped key names.
func IsEnvelope(body []byte) (*Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false
	}
	if !env.Encrypted || env.Nonce == "" || env.Ciphertext == "" {
		return nil, false
	}
	return &env, true
}

// Seal encrypts a value with AES-256-GCM and prepends the nonce. Used for
// field-level encryption at rest, where the envelope framing is unnecessary.
func Seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data sealed by Seal, expecting the nonce prepended.
func Open(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}
