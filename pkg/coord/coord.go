package coord

import (
	"context"
	"errors"
	"time"
)

// Forever means a record has no TTL and survives until deleted.
const Forever time.Duration = 0

// Well-known key prefixes shared by every node in a cluster.
const (
	ClusterPrefix = "fleet:cluster:"
	SessionPrefix = "fleet:session:"
	UserPrefix    = "fleet:user:"
)

var (
	// ErrNotFound is returned by Get when the key does not exist or its
	// TTL has elapsed.
	ErrNotFound = errors.New("key not found")

	// ErrCompareFailed is returned by CompareAndSwap when the stored value
	// does not match the expected one.
	ErrCompareFailed = errors.New("compare-and-swap failed")
)

// Backend abstracts the external key/value store used for cluster
// membership, sessions and users. Implementations must be safe for
// concurrent use and handle their own connection pooling and low-level
// retries. TTL is best-effort: callers re-check freshness on read and must
// tolerate a record surviving slightly past its TTL.
//
// CompareAndSwap with old == nil means "create only if absent"; it backs
// node self-registration and unique user creation. No cross-key
// transactions are ever assumed.
type Backend interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	CompareAndSwap(ctx context.Context, key string, old, new []byte) error
	Close() error
}
