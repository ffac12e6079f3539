package store

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fleetmon/fleetd/pkg/events"
	"github.com/fleetmon/fleetd/pkg/log"
	"github.com/fleetmon/fleetd/pkg/types"
)

const (
	shardCount = 32

	defaultHistorySize  = 1000
	defaultOnlineWindow = 60 * time.Second
	defaultStaleWindow  = 300 * time.Second
	defaultCommandTTL   = time.Hour
)

var (
	// ErrUnknownMachine is returned when an operation targets a machine the
	// registry has never seen.
	ErrUnknownMachine = errors.New("unknown machine")

	// ErrBadCommand is returned for acks of unknown, already-acknowledged or
	// expired commands.
	ErrBadCommand = errors.New("unknown or completed command")

	// ErrResultTooLarge is returned when a command result exceeds the cap.
	ErrResultTooLarge = errors.New("command result too large")
)

// Config holds data store configuration.
type Config struct {
	HistorySize  int
	OnlineWindow time.Duration
	StaleWindow  time.Duration
	CommandTTL   time.Duration

	// AtRestKey enables field-level encryption of persisted snapshots when
	// set. It must be 32 bytes and distinct from the wire payload key.
	AtRestKey []byte

	// SnapshotDir enables best-effort persistence when set.
	SnapshotDir      string
	SnapshotInterval time.Duration

	Clock  clockwork.Clock
	Broker *events.Broker
}

type shard struct {
	mu       sync.RWMutex
	machines map[string]*machineRecord
}

type machineRecord struct {
	id        string
	info      map[string]any
	metrics   map[string]any
	firstSeen time.Time
	lastSeen  time.Time
	history   []types.HistoryEntry
}

// Store is the in-process machine registry with per-machine bounded history
// and the command queue. Machines are sharded so reads of distinct machines
// never serialize. The command set uses its own lock; lock order is always
// shard before commands and no two locks are held at once.
type Store struct {
	shards [shardCount]*shard
	cmds   commandSet

	clock        clockwork.Clock
	historySize  int
	onlineWindow time.Duration
	staleWindow  time.Duration
	commandTTL   time.Duration

	codec  *fieldCodec
	pers   *persister
	broker *events.Broker

	// lastStatus remembers each machine's last published derived status so
	// transitions are announced exactly once.
	statusMu   sync.Mutex
	lastStatus map[string]types.MachineStatus

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a data store, loading a prior snapshot when persistence is
// configured and one exists.
func New(cfg Config) (*Store, error) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.OnlineWindow <= 0 {
		cfg.OnlineWindow = defaultOnlineWindow
	}
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = defaultStaleWindow
	}
	if cfg.CommandTTL <= 0 {
		cfg.CommandTTL = defaultCommandTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	codec, err := newFieldCodec(cfg.AtRestKey)
	if err != nil {
		return nil, err
	}

	s := &Store{
		clock:        cfg.Clock,
		historySize:  cfg.HistorySize,
		onlineWindow: cfg.OnlineWindow,
		staleWindow:  cfg.StaleWindow,
		commandTTL:   cfg.CommandTTL,
		codec:        codec,
		broker:       cfg.Broker,
		lastStatus:   make(map[string]types.MachineStatus),
		stopCh:       make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{machines: make(map[string]*machineRecord)}
	}
	s.cmds = commandSet{
		pending: make(map[string][]*types.Command),
		byID:    make(map[string]*types.Command),
	}

	if cfg.SnapshotDir != "" {
		pers, err := newPersister(cfg.SnapshotDir, cfg.SnapshotInterval)
		if err != nil {
			return nil, err
		}
		s.pers = pers
		if err := s.loadSnapshot(); err != nil {
			_ = pers.close()
			return nil, fmt.Errorf("failed to load snapshot: %w", err)
		}
	}

	return s, nil
}

// Start launches the command expiry sweeper and, when persistence is
// configured, the periodic snapshot writer.
func (s *Store) Start() {
	s.wg.Add(1)
	go s.sweepLoop()

	if s.pers != nil && s.pers.interval > 0 {
		s.wg.Add(1)
		go s.persistLoop()
	}
}

// Stop stops background tasks, performs a final snapshot flush and releases
// the snapshot database.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	if s.pers != nil {
		if err := s.SaveSnapshot(); err != nil {
			logger := log.WithComponent("store")
			logger.Error().Err(err).Msg("final snapshot flush failed")
		}
		_ = s.pers.close()
	}
}

// Update upserts the machine record, appends one history entry with a
// server-assigned timestamp, and returns any pending commands for the
// machine so the agent sees them on the same round trip.
func (s *Store) Update(machineID string, info, metrics map[string]any) ([]types.Command, error) {
	if machineID == "" {
		return nil, fmt.Errorf("machine id cannot be empty")
	}

	now := s.clock.Now()
	sh := s.shardFor(machineID)

	sh.mu.Lock()
	rec, ok := sh.machines[machineID]
	created := !ok
	if created {
		rec = &machineRecord{id: machineID, firstSeen: now}
		sh.machines[machineID] = rec
	}
	if info != nil {
		rec.info = deepCopyMap(info)
	}
	rec.metrics = deepCopyMap(metrics)
	rec.lastSeen = now

	entry := types.HistoryEntry{
		MachineID: machineID,
		Timestamp: now,
		Metrics:   deepCopyMap(metrics),
	}
	if len(rec.history) >= s.historySize {
		// FIFO eviction: drop the oldest, keep the cap.
		copy(rec.history, rec.history[len(rec.history)-s.historySize+1:])
		rec.history = rec.history[:s.historySize-1]
	}
	rec.history = append(rec.history, entry)
	sh.mu.Unlock()

	if created {
		s.publish(events.EventMachineRegistered, "machine registered", map[string]string{"machine_id": machineID})
	}
	s.noteStatus(machineID, types.MachineStatusOnline)

	// Command handoff happens outside the shard lock; the command set has
	// its own lock and is always acquired second.
	return s.DeliverPending(machineID), nil
}

// Get returns a deep snapshot of the machine record. Mutating the returned
// value never affects the registry.
func (s *Store) Get(machineID string) (*types.Machine, error) {
	sh := s.shardFor(machineID)
	sh.mu.RLock()
	rec, ok := sh.machines[machineID]
	if !ok {
		sh.mu.RUnlock()
		return nil, ErrUnknownMachine
	}
	m := s.snapshotRecord(rec, s.clock.Now())
	sh.mu.RUnlock()
	return m, nil
}

// List returns snapshots of all machines with status computed at call time,
// ordered by machine id for stable output.
func (s *Store) List() []*types.Machine {
	now := s.clock.Now()
	var out []*types.Machine
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, rec := range sh.machines {
			out = append(out, s.snapshotRecord(rec, now))
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// History returns the machine's history entries with timestamp strictly
// after since, in chronological order.
func (s *Store) History(machineID string, since time.Time) ([]types.HistoryEntry, error) {
	sh := s.shardFor(machineID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec, ok := sh.machines[machineID]
	if !ok {
		return nil, ErrUnknownMachine
	}

	out := make([]types.HistoryEntry, 0, len(rec.history))
	for _, e := range rec.history {
		if !e.Timestamp.After(since) {
			continue
		}
		out = append(out, types.HistoryEntry{
			MachineID: e.MachineID,
			Timestamp: e.Timestamp,
			Metrics:   deepCopyMap(e.Metrics),
		})
	}
	return out, nil
}

// Summary counts machines by derived status.
func (s *Store) Summary() types.Summary {
	now := s.clock.Now()
	var sum types.Summary
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, rec := range sh.machines {
			sum.Total++
			switch s.statusAt(rec.lastSeen, now) {
			case types.MachineStatusOnline:
				sum.Online++
			case types.MachineStatusStale:
				sum.Stale++
			default:
				sum.Offline++
			}
		}
		sh.mu.RUnlock()
	}
	return sum
}

func (s *Store) shardFor(machineID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(machineID))
	return s.shards[h.Sum32()%shardCount]
}

func (s *Store) statusAt(lastSeen, now time.Time) types.MachineStatus {
	age := now.Sub(lastSeen)
	switch {
	case age <= s.onlineWindow:
		return types.MachineStatusOnline
	case age <= s.staleWindow:
		return types.MachineStatusStale
	default:
		return types.MachineStatusOffline
	}
}

// snapshotRecord deep-copies a record; callers hold the shard lock.
func (s *Store) snapshotRecord(rec *machineRecord, now time.Time) *types.Machine {
	return &types.Machine{
		ID:        rec.id,
		Info:      deepCopyMap(rec.info),
		Metrics:   deepCopyMap(rec.metrics),
		FirstSeen: rec.firstSeen,
		LastSeen:  rec.lastSeen,
		Status:    s.statusAt(rec.lastSeen, now),
	}
}

func (s *Store) machineExists(machineID string) bool {
	sh := s.shardFor(machineID)
	sh.mu.RLock()
	_, ok := sh.machines[machineID]
	sh.mu.RUnlock()
	return ok
}

// sweepStatuses recomputes every machine's derived status and publishes an
// event for each one that changed since the last sweep. Machines decay to
// stale and offline here; Update announces the return to online directly.
func (s *Store) sweepStatuses() {
	now := s.clock.Now()

	type observed struct {
		id     string
		status types.MachineStatus
	}
	var seen []observed
	for _, sh := range s.shards {
		sh.mu.RLock()
		for id, rec := range sh.machines {
			seen = append(seen, observed{id: id, status: s.statusAt(rec.lastSeen, now)})
		}
		sh.mu.RUnlock()
	}

	for _, o := range seen {
		s.noteStatus(o.id, o.status)
	}
}

// noteStatus publishes a machine.online/stale/offline event when the
// machine's derived status differs from the last one published.
func (s *Store) noteStatus(machineID string, status types.MachineStatus) {
	s.statusMu.Lock()
	prev, ok := s.lastStatus[machineID]
	if ok && prev == status {
		s.statusMu.Unlock()
		return
	}
	s.lastStatus[machineID] = status
	s.statusMu.Unlock()

	var t events.EventType
	switch status {
	case types.MachineStatusOnline:
		t = events.EventMachineOnline
	case types.MachineStatusStale:
		t = events.EventMachineStale
	default:
		t = events.EventMachineOffline
	}
	s.publish(t, "machine "+string(status), map[string]string{"machine_id": machineID})
}

func (s *Store) publish(t events.EventType, msg string, meta map[string]string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{Type: t, Timestamp: s.clock.Now(), Message: msg, Metadata: meta})
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()

	interval := s.commandTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := s.clock.Now().Add(-s.commandTTL)
			if n := s.ExpireBefore(cutoff); n > 0 {
				logger := log.WithComponent("store")
				logger.Info().Int("count", n).Msg("expired unacknowledged commands")
			}
			s.sweepStatuses()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) persistLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pers.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.SaveSnapshot(); err != nil {
				logger := log.WithComponent("store")
				logger.Error().Err(err).Msg("snapshot failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// deepCopyMap copies a JSON-shaped map (maps, slices, scalars). Snapshots
// handed to callers must never alias registry state.
func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
