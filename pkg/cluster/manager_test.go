package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmon/fleetd/pkg/coord"
	"github.com/fleetmon/fleetd/pkg/security"
	"github.com/fleetmon/fleetd/pkg/types"
)

var testSecret = []byte("test-cluster-secret")

func newTestManager(t *testing.T, backend coord.Backend, clock clockwork.Clock, nodeID string) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Backend:           backend,
		BackendName:       "memory",
		Secret:            testSecret,
		AdvertiseHost:     "127.0.0.1",
		Port:              8768,
		HeartbeatInterval: 10 * time.Second,
		NodeTimeout:       30 * time.Second,
		NodeID:            nodeID,
		Clock:             clock,
	})
	require.NoError(t, err)
	return m
}

func TestRegisterWritesSignedRecord(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend := coord.NewMemoryWithClock(clock)

	m := newTestManager(t, backend, clock, "node-a")
	require.NoError(t, m.register(ctx))

	data, err := backend.Get(ctx, coord.ClusterPrefix+"node-a")
	require.NoError(t, err)

	var rec types.NodeRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "node-a", rec.NodeID)
	assert.Equal(t, 8768, rec.Port)
	assert.NoError(t, security.VerifyNodeRecord(testSecret, rec.NodeID, rec.Host, rec.Port, rec.IssuedAt, rec.Signature, clock.Now()))
}

func TestRegisterCollisionRemints(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend := coord.NewMemoryWithClock(clock)

	// Occupy the key so create-only CAS fails.
	require.NoError(t, backend.Put(ctx, coord.ClusterPrefix+"node-a", []byte("{}"), coord.Forever))

	m := newTestManager(t, backend, clock, "node-a")
	require.NoError(t, m.register(ctx))
	assert.NotEqual(t, "node-a", m.NodeID())
}

func TestPeersTwoNodes(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend := coord.NewMemoryWithClock(clock)

	a := newTestManager(t, backend, clock, "node-a")
	b := newTestManager(t, backend, clock, "node-b")
	require.NoError(t, a.register(ctx))
	require.NoError(t, b.register(ctx))

	peers, err := a.Peers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "node-a", peers[0].NodeID)
	assert.Equal(t, "node-b", peers[1].NodeID)
	for _, p := range peers {
		assert.Equal(t, types.NodeStatusActive, p.Status)
	}
}

func TestPeerGoesInactiveAfterTimeout(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend := coord.NewMemoryWithClock(clock)

	a := newTestManager(t, backend, clock, "node-a")
	b := newTestManager(t, backend, clock, "node-b")
	require.NoError(t, a.register(ctx))
	require.NoError(t, b.register(ctx))

	// Only node-a keeps heartbeating.
	clock.Advance(31 * time.Second)
	require.NoError(t, a.writeHeartbeat(ctx))

	peers, err := a.Peers(ctx)
	require.NoError(t, err)

	// node-b's record TTL (3x10s) has expired it from the backend entirely.
	require.Len(t, peers, 1)
	assert.Equal(t, "node-a", peers[0].NodeID)
	assert.Equal(t, types.NodeStatusActive, peers[0].Status)
}

func TestPeerInactiveBeforeTTLExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend := coord.NewMemoryWithClock(clock)

	a, err := NewManager(Config{
		Backend: backend, BackendName: "memory", Secret: testSecret,
		HeartbeatInterval: 60 * time.Second, NodeTimeout: 30 * time.Second,
		NodeID: "node-a", Clock: clock,
	})
	require.NoError(t, err)
	b, err := NewManager(Config{
		Backend: backend, BackendName: "memory", Secret: testSecret,
		HeartbeatInterval: 60 * time.Second, NodeTimeout: 30 * time.Second,
		NodeID: "node-b", Clock: clock,
	})
	require.NoError(t, err)

	require.NoError(t, a.register(ctx))
	require.NoError(t, b.register(ctx))

	// Past the node timeout but before the record TTL (180s) and the
	// 5-minute signature window: node-b is listed but inactive.
	clock.Advance(40 * time.Second)
	require.NoError(t, a.writeHeartbeat(ctx))

	peers, err := a.Peers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, types.NodeStatusActive, peers[0].Status)
	assert.Equal(t, types.NodeStatusInactive, peers[1].Status)
}

func TestPeersRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend := coord.NewMemoryWithClock(clock)

	a := newTestManager(t, backend, clock, "node-a")
	require.NoError(t, a.register(ctx))

	// An attacker without the cluster secret forges a record.
	forged := types.NodeRecord{
		NodeID:    "evil",
		Host:      "10.0.0.66",
		Port:      8768,
		IssuedAt:  clock.Now(),
		Signature: security.SignNodeRecord([]byte("wrong-secret"), "evil", "10.0.0.66", 8768, clock.Now()),
	}
	data, err := json.Marshal(forged)
	require.NoError(t, err)
	require.NoError(t, backend.Put(ctx, coord.ClusterPrefix+"evil", data, coord.Forever))

	peers, err := a.Peers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "node-a", peers[0].NodeID)
}

func TestStopDeregisters(t *testing.T) {
	ctx := context.Background()
	backend := coord.NewMemory()

	m, err := NewManager(Config{
		Backend: backend, BackendName: "memory", Secret: testSecret,
		HeartbeatInterval: 50 * time.Millisecond, NodeTimeout: 150 * time.Millisecond,
		NodeID: "node-a",
	})
	require.NoError(t, err)

	require.NoError(t, m.Start(ctx))
	_, err = backend.Get(ctx, coord.ClusterPrefix+"node-a")
	require.NoError(t, err)

	m.Stop()
	_, err = backend.Get(ctx, coord.ClusterPrefix+"node-a")
	assert.ErrorIs(t, err, coord.ErrNotFound)
}

func TestHealthy(t *testing.T) {
	m := newTestManager(t, coord.NewMemory(), clockwork.NewRealClock(), "node-a")
	assert.NoError(t, m.Healthy(context.Background()))
}

func TestGeneratedNodeIDHasSuffix(t *testing.T) {
	m, err := NewManager(Config{
		Backend: coord.NewMemory(),
		Secret:  testSecret,
	})
	require.NoError(t, err)
	assert.Regexp(t, `-[0-9a-f]{6}$`, m.NodeID())
}

// wrapBackend decorates backend errors the way a remote client might.
type wrapBackend struct {
	coord.Backend
}

func (b *wrapBackend) CompareAndSwap(ctx context.Context, key string, oldVal, newVal []byte) error {
	if err := b.Backend.CompareAndSwap(ctx, key, oldVal, newVal); err != nil {
		return fmt.Errorf("kv cas %s: %w", key, err)
	}
	return nil
}

func (b *wrapBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.Backend.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return data, nil
}

func TestRegisterCollisionWithWrappedError(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend := &wrapBackend{Backend: coord.NewMemoryWithClock(clock)}

	require.NoError(t, backend.Put(ctx, coord.ClusterPrefix+"node-a", []byte("{}"), coord.Forever))

	m := newTestManager(t, backend, clock, "node-a")
	require.NoError(t, m.register(ctx))
	assert.NotEqual(t, "node-a", m.NodeID())
}

func TestHealthyWithWrappedNotFound(t *testing.T) {
	backend := &wrapBackend{Backend: coord.NewMemory()}
	m := newTestManager(t, backend, clockwork.NewRealClock(), "node-a")
	assert.NoError(t, m.Healthy(context.Background()))
}
