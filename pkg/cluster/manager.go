package cluster

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fleetmon/fleetd/pkg/coord"
	"github.com/fleetmon/fleetd/pkg/events"
	"github.com/fleetmon/fleetd/pkg/log"
	"github.com/fleetmon/fleetd/pkg/security"
	"github.com/fleetmon/fleetd/pkg/types"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultNodeTimeout       = 30 * time.Second

	// registerAttempts bounds node-id re-minting on CAS collision.
	registerAttempts = 5
)

// Config holds cluster manager configuration.
type Config struct {
	Backend     coord.Backend
	BackendName string

	// Secret is the cluster-shared HMAC secret, distinct from the payload key.
	Secret []byte

	AdvertiseHost string
	Port          int

	HeartbeatInterval time.Duration
	NodeTimeout       time.Duration

	// NodeID overrides the generated hostname-based id; used in tests.
	NodeID string

	Clock  clockwork.Clock
	Broker *events.Broker
}

// Manager maintains this node's signed membership record in the
// coordination backend and enumerates verified peers. There is no leader:
// any node serves any request, so membership is purely observational.
type Manager struct {
	backend     coord.Backend
	backendName string
	secret      []byte
	nodeID      string
	host        string
	port        int
	heartbeat   time.Duration
	timeout     time.Duration
	clock       clockwork.Clock
	broker      *events.Broker

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a cluster manager. The node id is derived from the
// hostname plus a random suffix so that two processes on one host never
// collide.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("cluster backend is required")
	}
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("cluster secret is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = defaultNodeTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		var err error
		nodeID, err = generateNodeID()
		if err != nil {
			return nil, err
		}
	}

	return &Manager{
		backend:     cfg.Backend,
		backendName: cfg.BackendName,
		secret:      cfg.Secret,
		nodeID:      nodeID,
		host:        cfg.AdvertiseHost,
		port:        cfg.Port,
		heartbeat:   cfg.HeartbeatInterval,
		timeout:     cfg.NodeTimeout,
		clock:       cfg.Clock,
		broker:      cfg.Broker,
		stopCh:      make(chan struct{}),
	}, nil
}

// NodeID returns this node's id, stable for the process lifetime.
func (m *Manager) NodeID() string {
	return m.nodeID
}

// BackendName reports which coordination backend binding is in use.
func (m *Manager) BackendName() string {
	return m.backendName
}

// Start registers the node and launches the heartbeat writer. Registration
// uses compare-and-set so that a node-id collision is detected and resolved
// by re-minting the random suffix.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.register(ctx); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.heartbeatLoop()

	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:     events.EventNodeUp,
			Message:  "node joined cluster",
			Metadata: map[string]string{"node_id": m.nodeID},
		})
	}

	logger := log.WithComponent("cluster")
	logger.Info().
		Str("node_id", m.nodeID).
		Str("backend", m.backendName).
		Dur("heartbeat_interval", m.heartbeat).
		Msg("cluster manager started")
	return nil
}

// Stop deletes the node's membership record and stops the heartbeat
// writer. On abrupt shutdown the record's TTL expires it instead.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := coord.Retry(ctx, func() error {
		return m.backend.Delete(ctx, m.recordKey())
	}); err != nil {
		logger := log.WithComponent("cluster")
		logger.Warn().Err(err).Msg("failed to deregister node; TTL will expire the record")
	}

	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:     events.EventNodeDown,
			Message:  "node left cluster",
			Metadata: map[string]string{"node_id": m.nodeID},
		})
	}
}

// Peers lists all verified membership records. Records with invalid
// signatures or timestamps outside the replay window are skipped. A peer is
// active iff its last verified heartbeat is within the node timeout.
func (m *Manager) Peers(ctx context.Context) ([]types.NodeSnapshot, error) {
	var items map[string][]byte
	err := coord.Retry(ctx, func() error {
		var listErr error
		items, listErr = m.backend.List(ctx, coord.ClusterPrefix)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	out := make([]types.NodeSnapshot, 0, len(items))
	for key, data := range items {
		var rec types.NodeRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			logger := log.WithComponent("cluster")
			logger.Warn().Str("key", key).Msg("skipping malformed node record")
			continue
		}
		if err := security.VerifyNodeRecord(m.secret, rec.NodeID, rec.Host, rec.Port, rec.IssuedAt, rec.Signature, now); err != nil {
			logger := log.WithComponent("cluster")
			logger.Warn().
				Str("node_id", rec.NodeID).
				Err(err).
				Msg("rejecting node record")
			continue
		}

		status := types.NodeStatusInactive
		if now.Sub(rec.IssuedAt) <= m.timeout {
			status = types.NodeStatusActive
		}
		out = append(out, types.NodeSnapshot{
			NodeID:        rec.NodeID,
			Host:          rec.Host,
			Port:          rec.Port,
			LastHeartbeat: rec.IssuedAt,
			Status:        status,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// Healthy round-trips the coordination backend; the health endpoint turns
// an error into a 503 so the load balancer stops steering traffic here.
func (m *Manager) Healthy(ctx context.Context) error {
	_, err := m.backend.Get(ctx, m.recordKey())
	if err != nil && !errors.Is(err, coord.ErrNotFound) {
		return fmt.Errorf("coordination backend unreachable: %w", err)
	}
	return nil
}

func (m *Manager) register(ctx context.Context) error {
	for attempt := 0; attempt < registerAttempts; attempt++ {
		data, err := m.signedRecord()
		if err != nil {
			return err
		}

		err = coord.Retry(ctx, func() error {
			return m.backend.CompareAndSwap(ctx, m.recordKey(), nil, data)
		})
		if err == nil {
			// CAS cannot carry a TTL; rewrite immediately so the record expires
			// if this process dies before its first heartbeat.
			return m.writeHeartbeat(ctx)
		}
		if errors.Is(err, coord.ErrCompareFailed) {
			old := m.nodeID
			m.nodeID, err = generateNodeID()
			if err != nil {
				return err
			}
			logger := log.WithComponent("cluster")
			logger.Warn().
				Str("old_node_id", old).
				Str("node_id", m.nodeID).
				Msg("node id collision, re-minted")
			continue
		}
		return err
	}
	return fmt.Errorf("could not register node after %d attempts", registerAttempts)
}

// writeHeartbeat rewrites the signed membership record with a fresh
// issued_at and a TTL of three heartbeat intervals.
func (m *Manager) writeHeartbeat(ctx context.Context) error {
	data, err := m.signedRecord()
	if err != nil {
		return err
	}
	return coord.Retry(ctx, func() error {
		return m.backend.Put(ctx, m.recordKey(), data, 3*m.heartbeat)
	})
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.writeHeartbeat(ctx); err != nil {
				logger := log.WithComponent("cluster")
				logger.Error().Err(err).Msg("heartbeat write failed")
			}
			cancel()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) signedRecord() ([]byte, error) {
	now := m.clock.Now().UTC()
	rec := types.NodeRecord{
		NodeID:    m.nodeID,
		Host:      m.host,
		Port:      m.port,
		IssuedAt:  now,
		Signature: security.SignNodeRecord(m.secret, m.nodeID, m.host, m.port, now),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal node record: %w", err)
	}
	return data, nil
}

func (m *Manager) recordKey() string {
	return coord.ClusterPrefix + m.nodeID
}

func generateNodeID() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "node"
	}
	suffix := make([]byte, 3)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("failed to generate node id: %w", err)
	}
	return fmt.Sprintf("%s-%s", hostname, hex.EncodeToString(suffix)), nil
}
