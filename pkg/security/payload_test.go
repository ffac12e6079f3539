package security

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestPayloadRoundTrip(t *testing.T) {
	key := testKey(t)
	plaintext := []byte(`{"machine_id":"M1","metrics":{"cpu":0.42}}`)

	env, err := EncryptPayload(key, plaintext)
	require.NoError(t, err)
	assert.True(t, env.Encrypted)
	assert.Equal(t, EnvelopeVersion, env.Version)

	got, err := DecryptPayload(key, env)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestPayloadWrongKeyFails(t *testing.T) {
	env, err := EncryptPayload(testKey(t), []byte(`{"x":1}`))
	require.NoError(t, err)

	_, err = DecryptPayload(testKey(t), env)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestPayloadTamperedCiphertextFails(t *testing.T) {
	key := testKey(t)
	env, err := EncryptPayload(key, []byte(`{"x":1}`))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	require.NoError(t, err)
	raw[0] ^= 0xff
	env.Ciphertext = base64.StdEncoding.EncodeToString(raw)

	_, err = DecryptPayload(key, env)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestPayloadUnknownVersionRejected(t *testing.T) {
	key := testKey(t)
	env, err := EncryptPayload(key, []byte(`{"x":1}`))
	require.NoError(t, err)

	env.Version = "2"
	_, err = DecryptPayload(key, env)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestPayloadNonceUniquePerMessage(t *testing.T) {
	key := testKey(t)
	a, err := EncryptPayload(key, []byte(`{"x":1}`))
	require.NoError(t, err)
	b, err := EncryptPayload(key, []byte(`{"x":1}`))
	require.NoError(t, err)
	assert.NotEqual(t, a.Nonce, b.Nonce)
}

func TestIsEnvelope(t *testing.T) {
	key := testKey(t)
	env, err := EncryptPayload(key, []byte(`{"x":1}`))
	require.NoError(t, err)

	body := `{"encrypted":true,"version":"1","nonce":"` + env.Nonce + `","ciphertext":"` + env.Ciphertext + `"}`
	parsed, ok := IsEnvelope([]byte(body))
	require.True(t, ok)
	assert.Equal(t, env.Nonce, parsed.Nonce)

	_, ok = IsEnvelope([]byte(`{"machine_id":"M1","metrics":{}}`))
	assert.False(t, ok)

	_, ok = IsEnvelope([]byte(`not json`))
	assert.False(t, ok)
}

func TestParseKey(t *testing.T) {
	key := testKey(t)
	parsed, err := ParseKey(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	_, err = ParseKey("not-base64!!!")
	assert.Error(t, err)

	_, err = ParseKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(t)
	sealed, err := Seal(key, []byte("at-rest field"))
	require.NoError(t, err)

	opened, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("at-rest field"), opened)

	_, err = Open(testKey(t), sealed)
	assert.Error(t, err)
}
