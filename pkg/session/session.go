package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fleetmon/fleetd/pkg/coord"
	"github.com/fleetmon/fleetd/pkg/security"
	"github.com/fleetmon/fleetd/pkg/types"
)

const (
	// DefaultTTL is the sliding session lifetime.
	DefaultTTL = time.Hour

	// cacheTTL bounds how stale a locally cached session may be. It is the
	// upper bound on cross-node revocation latency.
	cacheTTL = 5 * time.Second
)

// Config holds session manager configuration.
type Config struct {
	Backend coord.Backend
	TTL     time.Duration
	Clock   clockwork.Clock
}

type cacheEntry struct {
	session  types.Session
	cachedAt time.Time
}

// Manager creates, resolves and revokes dashboard sessions backed by the
// coordination backend.
type Manager struct {
	backend coord.Backend
	ttl     time.Duration
	clock   clockwork.Clock

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewManager creates a session manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("session backend is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Manager{
		backend: cfg.Backend,
		ttl:     cfg.TTL,
		clock:   cfg.Clock,
		cache:   make(map[string]cacheEntry),
	}, nil
}

// Create mints a new session for the given user and stores it under the
// session prefix keyed by the opaque token.
func (m *Manager) Create(ctx context.Context, userID string) (*types.Session, error) {
	token, err := security.NewSessionToken()
	if err != nil {
		return nil, err
	}
	csrf, err := security.NewCSRFToken()
	if err != nil {
		return nil, err
	}

	now := m.clock.Now().UTC()
	sess := types.Session{
		Token:     token,
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
		CSRFToken: csrf,
	}
	if err := m.write(ctx, sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Resolve returns the session for a token, or nil when the token is
// unknown or expired. Results are served from the in-process cache for up
// to five seconds.
func (m *Manager) Resolve(ctx context.Context, token string) (*types.Session, error) {
	now := m.clock.Now()

	m.mu.Lock()
	if entry, ok := m.cache[token]; ok && now.Sub(entry.cachedAt) <= cacheTTL {
		m.mu.Unlock()
		if now.After(entry.session.ExpiresAt) {
			return nil, nil
		}
		sess := entry.session
		return &sess, nil
	}
	m.mu.Unlock()

	var data []byte
	err := coord.Retry(ctx, func() error {
		var getErr error
		data, getErr = m.backend.Get(ctx, coord.SessionPrefix+token)
		return getErr
	})
	if errors.Is(err, coord.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var sess types.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session record: %w", err)
	}
	sess.Token = token
	if now.After(sess.ExpiresAt) {
		return nil, nil
	}

	m.mu.Lock()
	m.cache[token] = cacheEntry{session: sess, cachedAt: now}
	m.mu.Unlock()

	out := sess
	return &out, nil
}

// Extend pushes the session's expiry out by the full TTL. The local cache
// entry is dropped so the next Resolve sees the new expiry.
func (m *Manager) Extend(ctx context.Context, token string) error {
	sess, err := m.Resolve(ctx, token)
	if err != nil {
		return err
	}
	if sess == nil {
		return coord.ErrNotFound
	}

	sess.ExpiresAt = m.clock.Now().UTC().Add(m.ttl)
	if err := m.write(ctx, *sess); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.cache, token)
	m.mu.Unlock()
	return nil
}

// Revoke deletes the session and invalidates the local cache entry.
// Other nodes drop their cached copy within the cache lifetime.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	m.mu.Lock()
	delete(m.cache, token)
	m.mu.Unlock()

	err := coord.Retry(ctx, func() error {
		return m.backend.Delete(ctx, coord.SessionPrefix+token)
	})
	if errors.Is(err, coord.ErrNotFound) {
		return nil
	}
	return err
}

func (m *Manager) write(ctx context.Context, sess types.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}
	ttl := sess.ExpiresAt.Sub(m.clock.Now())
	return coord.Retry(ctx, func() error {
		return m.backend.Put(ctx, coord.SessionPrefix+sess.Token, data, ttl)
	})
}
