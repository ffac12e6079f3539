package coord

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd is the production Backend: a remote etcd cluster shared by every
// fleetd node. TTLs map to etcd leases, so expiry is enforced server-side.
type Etcd struct {
	client *clientv3.Client
}

// EtcdConfig holds remote KV connection parameters.
type EtcdConfig struct {
	Endpoints []string
	Username  string
	Password  string
}

// NewEtcd connects to the remote KV service. The dial is verified with a
// round trip so a misconfigured endpoint fails at startup rather than on
// first use.
func NewEtcd(ctx context.Context, cfg EtcdConfig) (*Etcd, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to kv backend: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.Get(probeCtx, "fleet:probe"); err != nil {
		client.Close()
		return nil, fmt.Errorf("kv backend unreachable: %w", err)
	}

	return &Etcd{client: client}, nil
}

func (e *Etcd) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var opts []clientv3.OpOption
	if ttl > 0 {
		lease, err := e.client.Grant(ctx, int64(ttl/time.Second)+1)
		if err != nil {
			return fmt.Errorf("failed to grant lease: %w", err)
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}

	if _, err := e.client.Put(ctx, key, string(value), opts...); err != nil {
		return fmt.Errorf("kv put failed: %w", err)
	}
	return nil
}

func (e *Etcd) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("kv get failed: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (e *Etcd) Delete(ctx context.Context, key string) error {
	if _, err := e.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("kv delete failed: %w", err)
	}
	return nil
}

func (e *Etcd) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("kv list failed: %w", err)
	}

	out := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[string(kv.Key)] = kv.Value
	}
	return out, nil
}

func (e *Etcd) CompareAndSwap(ctx context.Context, key string, old, newValue []byte) error {
	var cmp clientv3.Cmp
	if old == nil {
		// Create-only: the key must not exist yet.
		cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.Value(key), "=", string(old))
	}

	resp, err := e.client.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(key, string(newValue))).
		Commit()
	if err != nil {
		return fmt.Errorf("kv cas failed: %w", err)
	}
	if !resp.Succeeded {
		return ErrCompareFailed
	}
	return nil
}

func (e *Etcd) Close() error {
	return e.client.Close()
}
