package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmon/fleetd/pkg/coord"
)

func newTestManager(t *testing.T) (*Manager, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	m, err := NewManager(Config{
		Backend: coord.NewMemoryWithClock(clock),
		TTL:     time.Hour,
		Clock:   clock,
	})
	require.NoError(t, err)
	return m, clock
}

func TestCreateAndResolve(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	sess, err := m.Create(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, sess.Token, 43)
	assert.Len(t, sess.CSRFToken, 22)

	got, err := m.Resolve(ctx, sess.Token)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, sess.CSRFToken, got.CSRFToken)
}

func TestResolveUnknownToken(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	got, err := m.Resolve(ctx, "no-such-token")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSessionExpires(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t)

	sess, err := m.Create(ctx, "alice")
	require.NoError(t, err)

	clock.Advance(time.Hour + time.Minute)

	got, err := m.Resolve(ctx, sess.Token)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExtendSlidesExpiry(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t)

	sess, err := m.Create(ctx, "alice")
	require.NoError(t, err)

	clock.Advance(50 * time.Minute)
	require.NoError(t, m.Extend(ctx, sess.Token))

	// Past the original expiry but within the extended one.
	clock.Advance(30 * time.Minute)
	got, err := m.Resolve(ctx, sess.Token)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.UserID)
}

func TestExtendUnknownToken(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Extend(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, coord.ErrNotFound)
}

func TestRevokeInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	sess, err := m.Create(ctx, "alice")
	require.NoError(t, err)

	// Prime the cache.
	got, err := m.Resolve(ctx, sess.Token)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, m.Revoke(ctx, sess.Token))

	got, err = m.Resolve(ctx, sess.Token)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRevokeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	sess, err := m.Create(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, m.Revoke(ctx, sess.Token))
	require.NoError(t, m.Revoke(ctx, sess.Token))
}

func TestCacheServesWithinWindow(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend := coord.NewMemoryWithClock(clock)
	m, err := NewManager(Config{Backend: backend, TTL: time.Hour, Clock: clock})
	require.NoError(t, err)

	sess, err := m.Create(ctx, "alice")
	require.NoError(t, err)

	_, err = m.Resolve(ctx, sess.Token)
	require.NoError(t, err)

	// Delete behind the manager's back; the cached copy still answers
	// inside the five second window and stops answering after it.
	require.NoError(t, backend.Delete(ctx, coord.SessionPrefix+sess.Token))

	got, err := m.Resolve(ctx, sess.Token)
	require.NoError(t, err)
	assert.NotNil(t, got)

	clock.Advance(6 * time.Second)
	got, err = m.Resolve(ctx, sess.Token)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// wrapBackend decorates backend errors the way a remote client might.
type wrapBackend struct {
	coord.Backend
}

func (b *wrapBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.Backend.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return data, nil
}

func (b *wrapBackend) Delete(ctx context.Context, key string) error {
	if err := b.Backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

func TestWrappedBackendErrors(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	m, err := NewManager(Config{
		Backend: &wrapBackend{Backend: coord.NewMemoryWithClock(clock)},
		TTL:     time.Hour,
		Clock:   clock,
	})
	require.NoError(t, err)

	got, err := m.Resolve(ctx, "no-such-token")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.NoError(t, m.Revoke(ctx, "no-such-token"))
}
