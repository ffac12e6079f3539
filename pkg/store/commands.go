package store

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetmon/fleetd/pkg/events"
	"github.com/fleetmon/fleetd/pkg/types"
)

// maxResultBytes caps the serialized size of a command result.
const maxResultBytes = 64 << 10

type commandSet struct {
	mu      sync.Mutex
	pending map[string][]*types.Command
	byID    map[string]*types.Command
}

// Enqueue creates a command in state pending for a known machine and
// returns its id. Command ids are server-minted; a collision is resolved by
// re-minting, invisible to callers.
func (s *Store) Enqueue(machineID, action string, params map[string]any) (string, error) {
	if !s.machineExists(machineID) {
		return "", ErrUnknownMachine
	}

	now := s.clock.Now()

	s.cmds.mu.Lock()
	id := uuid.New().String()
	for {
		if _, exists := s.cmds.byID[id]; !exists {
			break
		}
		id = uuid.New().String()
	}

	cmd := &types.Command{
		ID:        id,
		MachineID: machineID,
		Action:    action,
		Params:    deepCopyMap(params),
		CreatedAt: now,
		Status:    types.CommandStatusPending,
	}
	s.cmds.byID[id] = cmd
	s.cmds.pending[machineID] = append(s.cmds.pending[machineID], cmd)
	s.cmds.mu.Unlock()

	s.publish(events.EventCommandCreated, "command queued", map[string]string{
		"command_id": id,
		"machine_id": machineID,
		"action":     action,
	})
	return id, nil
}

// DeliverPending atomically removes all pending commands targeting the
// machine, marks them delivered and returns them in insertion order.
func (s *Store) DeliverPending(machineID string) []types.Command {
	now := s.clock.Now()

	s.cmds.mu.Lock()
	queue := s.cmds.pending[machineID]
	delete(s.cmds.pending, machineID)

	out := make([]types.Command, 0, len(queue))
	for _, cmd := range queue {
		deliveredAt := now
		cmd.Status = types.CommandStatusDelivered
		cmd.DeliveredAt = &deliveredAt
		out = append(out, *copyCommand(cmd))
	}
	s.cmds.mu.Unlock()

	for _, cmd := range out {
		s.publish(events.EventCommandDelivered, "command delivered", map[string]string{
			"command_id": cmd.ID,
			"machine_id": machineID,
		})
	}
	return out
}

// Ack marks a command acknowledged with its result. Unknown, already
// acknowledged and expired commands fail with ErrBadCommand.
func (s *Store) Ack(commandID string, result map[string]any) error {
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return err
		}
		if len(raw) > maxResultBytes {
			return ErrResultTooLarge
		}
	}

	now := s.clock.Now()

	s.cmds.mu.Lock()
	cmd, ok := s.cmds.byID[commandID]
	if !ok || cmd.Status == types.CommandStatusAcknowledged || cmd.Status == types.CommandStatusExpired {
		s.cmds.mu.Unlock()
		return ErrBadCommand
	}
	if cmd.Status == types.CommandStatusPending {
		// An agent may ack before its next poll returns; drop the command
		// from the pending queue so it is not delivered again.
		s.removePendingLocked(cmd)
	}
	ackedAt := now
	cmd.Status = types.CommandStatusAcknowledged
	cmd.AcknowledgedAt = &ackedAt
	cmd.Result = deepCopyMap(result)
	machineID := cmd.MachineID
	s.cmds.mu.Unlock()

	s.publish(events.EventCommandAcked, "command acknowledged", map[string]string{
		"command_id": commandID,
		"machine_id": machineID,
	})
	return nil
}

// Command returns a snapshot of a single command.
func (s *Store) Command(commandID string) (*types.Command, error) {
	s.cmds.mu.Lock()
	defer s.cmds.mu.Unlock()

	cmd, ok := s.cmds.byID[commandID]
	if !ok {
		return nil, ErrBadCommand
	}
	return copyCommand(cmd), nil
}

// ExpireBefore marks every unacknowledged command created before the cutoff
// as expired and removes it from its pending queue. Returns the number of
// commands expired.
func (s *Store) ExpireBefore(cutoff time.Time) int {
	var expired []*types.Command

	s.cmds.mu.Lock()
	for _, cmd := range s.cmds.byID {
		if cmd.Status != types.CommandStatusPending && cmd.Status != types.CommandStatusDelivered {
			continue
		}
		if !cmd.CreatedAt.Before(cutoff) {
			continue
		}
		if cmd.Status == types.CommandStatusPending {
			s.removePendingLocked(cmd)
		}
		cmd.Status = types.CommandStatusExpired
		expired = append(expired, cmd)
	}
	s.cmds.mu.Unlock()

	for _, cmd := range expired {
		s.publish(events.EventCommandExpired, "command expired", map[string]string{
			"command_id": cmd.ID,
			"machine_id": cmd.MachineID,
		})
	}
	return len(expired)
}

// removePendingLocked removes a command from its machine's pending queue;
// the command lock must be held.
func (s *Store) removePendingLocked(cmd *types.Command) {
	queue := s.cmds.pending[cmd.MachineID]
	for i, c := range queue {
		if c.ID == cmd.ID {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(s.cmds.pending, cmd.MachineID)
	} else {
		s.cmds.pending[cmd.MachineID] = queue
	}
}

func copyCommand(cmd *types.Command) *types.Command {
	out := *cmd
	out.Params = deepCopyMap(cmd.Params)
	out.Result = deepCopyMap(cmd.Result)
	if cmd.DeliveredAt != nil {
		t := *cmd.DeliveredAt
		out.DeliveredAt = &t
	}
	if cmd.AcknowledgedAt != nil {
		t := *cmd.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	return &out
}
