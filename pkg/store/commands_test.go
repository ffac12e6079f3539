package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmon/fleetd/pkg/types"
)

func TestEnqueueUnknownMachine(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	_, err := s.Enqueue("ghost", "restart", nil)
	assert.ErrorIs(t, err, ErrUnknownMachine)
}

func TestCommandRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	_, err := s.Update("M1", nil, nil)
	require.NoError(t, err)

	id, err := s.Enqueue("M1", "restart", map[string]any{"force": true})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Next report delivers the command on the same round trip.
	cmds, err := s.Update("M1", nil, map[string]any{"cpu": 0.1})
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, id, cmds[0].ID)
	assert.Equal(t, "restart", cmds[0].Action)
	assert.Equal(t, types.CommandStatusDelivered, cmds[0].Status)
	require.NotNil(t, cmds[0].DeliveredAt)

	// Delivered commands leave the pending queue.
	cmds, err = s.Update("M1", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, cmds)

	require.NoError(t, s.Ack(id, map[string]any{"ok": true}))

	cmd, err := s.Command(id)
	require.NoError(t, err)
	assert.Equal(t, types.CommandStatusAcknowledged, cmd.Status)
	assert.Equal(t, true, cmd.Result["ok"])
	require.NotNil(t, cmd.AcknowledgedAt)

	// Second ack fails.
	assert.ErrorIs(t, s.Ack(id, nil), ErrBadCommand)
}

func TestAckUnknownCommand(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	assert.ErrorIs(t, s.Ack("nope", nil), ErrBadCommand)
}

func TestAckPendingCommandRemovesFromQueue(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	_, err := s.Update("M1", nil, nil)
	require.NoError(t, err)

	id, err := s.Enqueue("M1", "collect-logs", nil)
	require.NoError(t, err)

	require.NoError(t, s.Ack(id, nil))

	cmds := s.DeliverPending("M1")
	assert.Empty(t, cmds)
}

func TestDeliverPendingPreservesOrder(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	_, err := s.Update("M1", nil, nil)
	require.NoError(t, err)

	var ids []string
	for _, action := range []string{"a", "b", "c"} {
		id, err := s.Enqueue("M1", action, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	cmds := s.DeliverPending("M1")
	require.Len(t, cmds, 3)
	for i, cmd := range cmds {
		assert.Equal(t, ids[i], cmd.ID)
	}
}

func TestAckResultTooLarge(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	_, err := s.Update("M1", nil, nil)
	require.NoError(t, err)

	id, err := s.Enqueue("M1", "dump", nil)
	require.NoError(t, err)
	s.DeliverPending("M1")

	big := make([]byte, maxResultBytes+1)
	for i := range big {
		big[i] = 'x'
	}
	err = s.Ack(id, map[string]any{"dump": string(big)})
	assert.ErrorIs(t, err, ErrResultTooLarge)

	// The command is still ackable with a sane result.
	assert.NoError(t, s.Ack(id, map[string]any{"ok": true}))
}

func TestExpireBefore(t *testing.T) {
	s, clock := newTestStore(t, Config{CommandTTL: time.Minute})
	_, err := s.Update("M1", nil, nil)
	require.NoError(t, err)

	stale, err := s.Enqueue("M1", "old", nil)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	fresh, err := s.Enqueue("M1", "new", nil)
	require.NoError(t, err)

	n := s.ExpireBefore(clock.Now().Add(-time.Minute))
	assert.Equal(t, 1, n)

	cmd, err := s.Command(stale)
	require.NoError(t, err)
	assert.Equal(t, types.CommandStatusExpired, cmd.Status)

	// Expired commands cannot be acked and are not delivered.
	assert.ErrorIs(t, s.Ack(stale, nil), ErrBadCommand)
	cmds := s.DeliverPending("M1")
	require.Len(t, cmds, 1)
	assert.Equal(t, fresh, cmds[0].ID)
}

func TestCommandSnapshotIsCopy(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	_, err := s.Update("M1", nil, nil)
	require.NoError(t, err)

	id, err := s.Enqueue("M1", "restart", map[string]any{"force": true})
	require.NoError(t, err)

	cmd, err := s.Command(id)
	require.NoError(t, err)
	cmd.Params["force"] = false

	again, err := s.Command(id)
	require.NoError(t, err)
	assert.Equal(t, true, again.Params["force"])
}
