package coord

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPutGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Put(ctx, "a", []byte("1"), Forever))
	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	require.NoError(t, m.Delete(ctx, "a"))
	_, err = m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	// Delete is idempotent.
	assert.NoError(t, m.Delete(ctx, "a"))
}

func TestMemoryTTL(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	m := NewMemoryWithClock(clock)

	require.NoError(t, m.Put(ctx, "a", []byte("1"), 10*time.Second))

	_, err := m.Get(ctx, "a")
	assert.NoError(t, err)

	clock.Advance(11 * time.Second)
	_, err = m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryList(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	m := NewMemoryWithClock(clock)

	require.NoError(t, m.Put(ctx, ClusterPrefix+"n1", []byte("a"), Forever))
	require.NoError(t, m.Put(ctx, ClusterPrefix+"n2", []byte("b"), 5*time.Second))
	require.NoError(t, m.Put(ctx, SessionPrefix+"s1", []byte("c"), Forever))

	items, err := m.List(ctx, ClusterPrefix)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	clock.Advance(6 * time.Second)
	items, err = m.List(ctx, ClusterPrefix)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Contains(t, items, ClusterPrefix+"n1")
}

func TestMemoryCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// Create-only succeeds once.
	require.NoError(t, m.CompareAndSwap(ctx, "k", nil, []byte("v1")))
	assert.ErrorIs(t, m.CompareAndSwap(ctx, "k", nil, []byte("v2")), ErrCompareFailed)

	// Swap with matching old value.
	require.NoError(t, m.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2")))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	// Swap with stale old value fails.
	assert.ErrorIs(t, m.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v3")), ErrCompareFailed)
}

func TestMemoryCASAfterExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	m := NewMemoryWithClock(clock)

	require.NoError(t, m.Put(ctx, "k", []byte("v1"), time.Second))
	clock.Advance(2 * time.Second)

	// Expired record counts as absent for create-only CAS.
	assert.NoError(t, m.CompareAndSwap(ctx, "k", nil, []byte("v2")))
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Put(ctx, "k", []byte("abc"), Forever))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	got[0] = 'X'

	again, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}
