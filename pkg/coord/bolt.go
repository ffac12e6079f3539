package coord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketKV = []byte("kv")

// Bolt is a durable single-writer Backend backed by a local bbolt file.
// bbolt takes an OS file lock on open, so two processes cannot share the
// same file; this binding is for single-node deployments that want state to
// survive restarts.
type Bolt struct {
	db *bolt.DB
}

type boltItem struct {
	Value   []byte    `json:"value"`
	Expires time.Time `json:"expires,omitempty"`
}

// NewBolt opens (or creates) the backend file under dataDir.
func NewBolt(dataDir string) (*Bolt, error) {
	dbPath := filepath.Join(dataDir, "fleet-coord.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &Bolt{db: db}, nil
}

func (b *Bolt) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item := boltItem{Value: value}
	if ttl > 0 {
		item.Expires = time.Now().Add(ttl)
	}
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), data)
	})
}

func (b *Bolt) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKV).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		var item boltItem
		if err := json.Unmarshal(data, &item); err != nil {
			return err
		}
		if expired(item) {
			return ErrNotFound
		}
		value = append([]byte(nil), item.Value...)
		return nil
	})
	return value, err
}

func (b *Bolt) Delete(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
}

func (b *Bolt) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).ForEach(func(k, v []byte) error {
			if !strings.HasPrefix(string(k), prefix) {
				return nil
			}
			var item boltItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if expired(item) {
				return nil
			}
			out[string(k)] = append([]byte(nil), item.Value...)
			return nil
		})
	})
	return out, err
}

func (b *Bolt) CompareAndSwap(ctx context.Context, key string, old, newValue []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketKV)

		var current []byte
		if data := bucket.Get([]byte(key)); data != nil {
			var item boltItem
			if err := json.Unmarshal(data, &item); err != nil {
				return err
			}
			if !expired(item) {
				current = item.Value
			}
		}

		if old == nil {
			if current != nil {
				return ErrCompareFailed
			}
		} else if !bytes.Equal(current, old) {
			return ErrCompareFailed
		}

		data, err := json.Marshal(boltItem{Value: newValue})
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), data)
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func expired(item boltItem) bool {
	return !item.Expires.IsZero() && time.Now().After(item.Expires)
}
