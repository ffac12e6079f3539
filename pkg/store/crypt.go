package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/fleetmon/fleetd/pkg/security"
)

// blob is a persisted field that is either plain JSON or AES-GCM ciphertext,
// depending on whether an at-rest key is configured. Plain fields (ids,
// timestamps, status, action) never pass through here and stay queryable.
type blob struct {
	Plain  json.RawMessage `json:"plain,omitempty"`
	Sealed string          `json:"sealed,omitempty"`
}

// fieldCodec seals and opens individual snapshot fields. Each field is
// encrypted on its own so FIFO history eviction never re-encrypts the tail.
type fieldCodec struct {
	key []byte // nil disables encryption
}

func newFieldCodec(key []byte) (*fieldCodec, error) {
	if key != nil && len(key) != 32 {
		return nil, fmt.Errorf("at-rest encryption key must be 32 bytes, got %d", len(key))
	}
	return &fieldCodec{key: key}, nil
}

func (c *fieldCodec) seal(v any) (blob, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return blob{}, err
	}
	if c.key == nil {
		return blob{Plain: raw}, nil
	}

	sealed, err := security.Seal(c.key, raw)
	if err != nil {
		return blob{}, err
	}
	return blob{Sealed: base64.StdEncoding.EncodeToString(sealed)}, nil
}

func (c *fieldCodec) open(b blob, out any) error {
	if b.Sealed == "" {
		if b.Plain == nil {
			return nil
		}
		return json.Unmarshal(b.Plain, out)
	}
	if c.key == nil {
		return fmt.Errorf("snapshot field is encrypted but no at-rest key is configured")
	}

	raw, err := base64.StdEncoding.DecodeString(b.Sealed)
	if err != nil {
		return fmt.Errorf("malformed sealed field: %w", err)
	}
	plain, err := security.Open(c.key, raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(plain, out)
}
