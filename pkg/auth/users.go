package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/fleetmon/fleetd/pkg/coord"
	"github.com/fleetmon/fleetd/pkg/log"
	"github.com/fleetmon/fleetd/pkg/security"
	"github.com/fleetmon/fleetd/pkg/types"
)

var (
	// ErrUserExists is returned by Create when the username is taken.
	ErrUserExists = errors.New("user already exists")

	// ErrUserNotFound is returned by Get for unknown usernames.
	ErrUserNotFound = errors.New("user not found")
)

// Users stores dashboard accounts in the coordination backend.
type Users struct {
	backend coord.Backend
	clock   clockwork.Clock
}

// NewUsers creates a user store.
func NewUsers(backend coord.Backend, clock clockwork.Clock) *Users {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Users{backend: backend, clock: clock}
}

// Create adds a new user with a bcrypt password hash. Uniqueness is
// enforced with a create-only compare-and-set on the username key.
func (u *Users) Create(ctx context.Context, username, password string, role types.Role) (*types.User, error) {
	if username == "" {
		return nil, fmt.Errorf("username cannot be empty")
	}
	if role != types.RoleAdmin && role != types.RoleViewer {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	hash, err := security.HashPassword(password)
	if err != nil {
		return nil, err
	}

	user := types.User{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    u.clock.Now().UTC(),
	}
	data, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user record: %w", err)
	}

	err = coord.Retry(ctx, func() error {
		return u.backend.CompareAndSwap(ctx, coord.UserPrefix+username, nil, data)
	})
	if errors.Is(err, coord.ErrCompareFailed) {
		return nil, ErrUserExists
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Get returns a user record by username.
func (u *Users) Get(ctx context.Context, username string) (*types.User, error) {
	var data []byte
	err := coord.Retry(ctx, func() error {
		var getErr error
		data, getErr = u.backend.Get(ctx, coord.UserPrefix+username)
		return getErr
	})
	if errors.Is(err, coord.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	var user types.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to decode user record: %w", err)
	}
	return &user, nil
}

// Authenticate verifies a username/password pair. A successful login
// against a legacy SHA-256 record rewrites it with a bcrypt hash before
// returning, so legacy hashes disappear as users log in.
func (u *Users) Authenticate(ctx context.Context, username, password string) (*types.User, error) {
	user, err := u.Get(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		// Burn comparable time so unknown users are not distinguishable
		// from wrong passwords by latency.
		_, _ = security.VerifyPassword(dummyHash(), password, false)
		return nil, security.ErrBadCredentials
	}
	if err != nil {
		return nil, err
	}

	rehash, err := security.VerifyPassword(user.PasswordHash, password, user.Legacy)
	if err != nil {
		return nil, err
	}

	if rehash != "" {
		user.PasswordHash = rehash
		user.Legacy = false
		if err := u.put(ctx, *user); err != nil {
			// Login still succeeds; the upgrade is retried next time.
			logger := log.WithComponent("auth")
			logger.Warn().
				Str("username", username).
				Err(err).
				Msg("failed to persist upgraded password hash")
		} else {
			logger := log.WithComponent("auth")
			logger.Info().
				Str("username", username).
				Msg("upgraded legacy password hash")
		}
	}
	return user, nil
}

var (
	dummyHashOnce sync.Once
	dummyHashVal  string
)

// dummyHash is a real bcrypt hash used to equalize auth latency for
// unknown usernames. Minted lazily so package init stays cheap.
func dummyHash() string {
	dummyHashOnce.Do(func() {
		dummyHashVal, _ = security.HashPassword("fleetd-timing-equalizer")
	})
	return dummyHashVal
}

func (u *Users) put(ctx context.Context, user types.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to encode user record: %w", err)
	}
	return coord.Retry(ctx, func() error {
		return u.backend.Put(ctx, coord.UserPrefix+user.Username, data, coord.Forever)
	})
}
