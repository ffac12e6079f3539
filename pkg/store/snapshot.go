package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fleetmon/fleetd/pkg/types"
)

const snapshotSchemaVersion = 1

var (
	bucketSnapshot   = []byte("snapshot")
	keySnapshotState = []byte("state")
)

type persister struct {
	db       *bolt.DB
	interval time.Duration
}

type snapshotFile struct {
	SchemaVersion int                         `json:"schema_version"`
	Machines      map[string]persistedMachine `json:"machines"`
	Commands      map[string]persistedCommand `json:"commands"`
	SavedAt       time.Time                   `json:"saved_at"`
}

type persistedMachine struct {
	ID        string             `json:"id"`
	FirstSeen time.Time          `json:"first_seen"`
	LastSeen  time.Time          `json:"last_seen"`
	Info      blob               `json:"info"`
	Metrics   blob               `json:"metrics"`
	History   []persistedHistory `json:"history"`
}

type persistedHistory struct {
	Timestamp time.Time `json:"timestamp"`
	Metrics   blob      `json:"metrics"`
}

type persistedCommand struct {
	ID             string              `json:"id"`
	MachineID      string              `json:"machine_id"`
	Action         string              `json:"action"`
	CreatedAt      time.Time           `json:"created_at"`
	DeliveredAt    *time.Time          `json:"delivered_at,omitempty"`
	AcknowledgedAt *time.Time          `json:"acknowledged_at,omitempty"`
	Status         types.CommandStatus `json:"status"`
	Params         blob                `json:"params"`
	Result         blob                `json:"result"`
}

func newPersister(dataDir string, interval time.Duration) (*persister, error) {
	dbPath := filepath.Join(dataDir, "fleet-state.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshot)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshot bucket: %w", err)
	}

	return &persister{db: db, interval: interval}, nil
}

func (p *persister) close() error {
	return p.db.Close()
}

// SaveSnapshot serializes the registry and command set to the snapshot
// database. Sensitive fields are ciphertext when an at-rest key is
// configured. Persistence is best-effort: a crash loses at most one cadence
// interval of updates.
func (s *Store) SaveSnapshot() error {
	if s.pers == nil {
		return fmt.Errorf("persistence not configured")
	}

	snap := snapshotFile{
		SchemaVersion: snapshotSchemaVersion,
		Machines:      make(map[string]persistedMachine),
		Commands:      make(map[string]persistedCommand),
		SavedAt:       s.clock.Now(),
	}

	// One shard lock at a time; the snapshot is a fuzzy point-in-time view.
	for _, sh := range s.shards {
		sh.mu.RLock()
		for id, rec := range sh.machines {
			pm, err := s.persistMachine(rec)
			if err != nil {
				sh.mu.RUnlock()
				return err
			}
			snap.Machines[id] = pm
		}
		sh.mu.RUnlock()
	}

	s.cmds.mu.Lock()
	for id, cmd := range s.cmds.byID {
		pc, err := s.persistCommand(cmd)
		if err != nil {
			s.cmds.mu.Unlock()
			return err
		}
		snap.Commands[id] = pc
	}
	s.cmds.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	return s.pers.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshot).Put(keySnapshotState, data)
	})
}

// loadSnapshot restores registry and command state from the snapshot
// database; a missing snapshot is not an error.
func (s *Store) loadSnapshot() error {
	var data []byte
	err := s.pers.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSnapshot).Get(keySnapshotState); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if snap.SchemaVersion != snapshotSchemaVersion {
		return fmt.Errorf("unsupported snapshot schema version %d", snap.SchemaVersion)
	}

	for id, pm := range snap.Machines {
		rec, err := s.restoreMachine(id, pm)
		if err != nil {
			return err
		}
		sh := s.shardFor(id)
		sh.mu.Lock()
		sh.machines[id] = rec
		sh.mu.Unlock()
	}

	s.cmds.mu.Lock()
	defer s.cmds.mu.Unlock()
	for id, pc := range snap.Commands {
		cmd, err := s.restoreCommand(id, pc)
		if err != nil {
			return err
		}
		s.cmds.byID[id] = cmd
		if cmd.Status == types.CommandStatusPending {
			s.cmds.pending[cmd.MachineID] = append(s.cmds.pending[cmd.MachineID], cmd)
		}
	}
	// Pending queues keep insertion order; restore it from creation times.
	for machineID, queue := range s.cmds.pending {
		sort.Slice(queue, func(i, j int) bool { return queue[i].CreatedAt.Before(queue[j].CreatedAt) })
		s.cmds.pending[machineID] = queue
	}
	return nil
}

func (s *Store) persistMachine(rec *machineRecord) (persistedMachine, error) {
	info, err := s.codec.seal(rec.info)
	if err != nil {
		return persistedMachine{}, err
	}
	metrics, err := s.codec.seal(rec.metrics)
	if err != nil {
		return persistedMachine{}, err
	}

	history := make([]persistedHistory, 0, len(rec.history))
	for _, e := range rec.history {
		m, err := s.codec.seal(e.Metrics)
		if err != nil {
			return persistedMachine{}, err
		}
		history = append(history, persistedHistory{Timestamp: e.Timestamp, Metrics: m})
	}

	return persistedMachine{
		ID:        rec.id,
		FirstSeen: rec.firstSeen,
		LastSeen:  rec.lastSeen,
		Info:      info,
		Metrics:   metrics,
		History:   history,
	}, nil
}

func (s *Store) restoreMachine(id string, pm persistedMachine) (*machineRecord, error) {
	rec := &machineRecord{
		id:        id,
		firstSeen: pm.FirstSeen,
		lastSeen:  pm.LastSeen,
	}
	if err := s.codec.open(pm.Info, &rec.info); err != nil {
		return nil, fmt.Errorf("machine %s: %w", id, err)
	}
	if err := s.codec.open(pm.Metrics, &rec.metrics); err != nil {
		return nil, fmt.Errorf("machine %s: %w", id, err)
	}

	rec.history = make([]types.HistoryEntry, 0, len(pm.History))
	for _, ph := range pm.History {
		var metrics map[string]any
		if err := s.codec.open(ph.Metrics, &metrics); err != nil {
			return nil, fmt.Errorf("machine %s history: %w", id, err)
		}
		rec.history = append(rec.history, types.HistoryEntry{
			MachineID: id,
			Timestamp: ph.Timestamp,
			Metrics:   metrics,
		})
	}
	if len(rec.history) > s.historySize {
		rec.history = rec.history[len(rec.history)-s.historySize:]
	}
	return rec, nil
}

func (s *Store) persistCommand(cmd *types.Command) (persistedCommand, error) {
	params, err := s.codec.seal(cmd.Params)
	if err != nil {
		return persistedCommand{}, err
	}
	result, err := s.codec.seal(cmd.Result)
	if err != nil {
		return persistedCommand{}, err
	}

	return persistedCommand{
		ID:             cmd.ID,
		MachineID:      cmd.MachineID,
		Action:         cmd.Action,
		CreatedAt:      cmd.CreatedAt,
		DeliveredAt:    cmd.DeliveredAt,
		AcknowledgedAt: cmd.AcknowledgedAt,
		Status:         cmd.Status,
		Params:         params,
		Result:         result,
	}, nil
}

func (s *Store) restoreCommand(id string, pc persistedCommand) (*types.Command, error) {
	cmd := &types.Command{
		ID:             id,
		MachineID:      pc.MachineID,
		Action:         pc.Action,
		CreatedAt:      pc.CreatedAt,
		DeliveredAt:    pc.DeliveredAt,
		AcknowledgedAt: pc.AcknowledgedAt,
		Status:         pc.Status,
	}
	if err := s.codec.open(pc.Params, &cmd.Params); err != nil {
		return nil, fmt.Errorf("command %s: %w", id, err)
	}
	if err := s.codec.open(pc.Result, &cmd.Result); err != nil {
		return nil, fmt.Errorf("command %s: %w", id, err)
	}
	return cmd, nil
}
