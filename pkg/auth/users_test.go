package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmon/fleetd/pkg/coord"
	"github.com/fleetmon/fleetd/pkg/security"
	"github.com/fleetmon/fleetd/pkg/types"
)

func TestCreateAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	users := NewUsers(coord.NewMemory(), nil)

	created, err := users.Create(ctx, "alice", "s3cret-passw0rd", types.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, types.RoleAdmin, created.Role)
	assert.NotEqual(t, "s3cret-passw0rd", created.PasswordHash)

	user, err := users.Authenticate(ctx, "alice", "s3cret-passw0rd")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	_, err = users.Authenticate(ctx, "alice", "wrong-password")
	assert.ErrorIs(t, err, security.ErrBadCredentials)
}

func TestCreateDuplicateUser(t *testing.T) {
	ctx := context.Background()
	users := NewUsers(coord.NewMemory(), nil)

	_, err := users.Create(ctx, "alice", "s3cret-passw0rd", types.RoleViewer)
	require.NoError(t, err)

	_, err = users.Create(ctx, "alice", "other-password", types.RoleViewer)
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestCreateRejectsUnknownRole(t *testing.T) {
	users := NewUsers(coord.NewMemory(), nil)
	_, err := users.Create(context.Background(), "alice", "s3cret-passw0rd", types.Role("root"))
	assert.Error(t, err)
}

func TestAuthenticateUnknownUser(t *testing.T) {
	users := NewUsers(coord.NewMemory(), nil)
	_, err := users.Authenticate(context.Background(), "nobody", "whatever")
	assert.ErrorIs(t, err, security.ErrBadCredentials)
}

func TestGetUnknownUser(t *testing.T) {
	users := NewUsers(coord.NewMemory(), nil)
	_, err := users.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestLegacyHashUpgradedOnLogin(t *testing.T) {
	ctx := context.Background()
	backend := coord.NewMemory()
	users := NewUsers(backend, nil)

	// Seed a record the way an old deployment stored it.
	sum := sha256.Sum256([]byte("s3cret-passw0rd"))
	legacy := types.User{
		Username:     "bob",
		PasswordHash: hex.EncodeToString(sum[:]),
		Role:         types.RoleViewer,
		Legacy:       true,
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, backend.Put(ctx, coord.UserPrefix+"bob", data, coord.Forever))

	user, err := users.Authenticate(ctx, "bob", "s3cret-passw0rd")
	require.NoError(t, err)
	assert.False(t, user.Legacy)

	// The stored record is now bcrypt and still authenticates.
	stored, err := users.Get(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, stored.Legacy)
	assert.NotEqual(t, legacy.PasswordHash, stored.PasswordHash)

	_, err = users.Authenticate(ctx, "bob", "s3cret-passw0rd")
	assert.NoError(t, err)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	defer rl.Stop()

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))

	// Distinct clients have distinct buckets.
	assert.True(t, rl.Allow("10.0.0.2"))
}
