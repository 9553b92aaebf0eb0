package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"coedit.dev/collab/protocol"
)

func TestRegisterDuplicateConnection(t *testing.T) {
	registry := NewConnectionRegistryWithDefaults()
	connectionId := protocol.ConnectionId{Epoch: 1, Seq: 1}

	_, err := registry.Register(connectionId, 1, protocol.PrincipalUser)
	assert.Equal(t, err, nil)
	_, err = registry.Register(connectionId, 2, protocol.PrincipalUser)
	assert.Equal(t, IsKind(err, protocol.ErrorKindDuplicateConnection), true)

	// a different seq under the same epoch is fine
	_, err = registry.Register(protocol.ConnectionId{Epoch: 1, Seq: 2}, 2, protocol.PrincipalUser)
	assert.Equal(t, err, nil)
}

func TestUnregisterCleanupOrder(t *testing.T) {
	registry := NewConnectionRegistryWithDefaults()
	connectionId := protocol.ConnectionId{Epoch: 1, Seq: 1}

	connection, err := registry.Register(connectionId, 1, protocol.PrincipalUser)
	assert.Equal(t, err, nil)

	registry.AddRoomSubscription(10, connectionId)
	registry.AddProjectSubscription(20, connectionId)
	registry.AddProjectSubscription(21, connectionId)

	actions := registry.Unregister(connectionId)
	assert.Equal(t, len(actions), 3)
	// projects first so shares are released before the room leave
	assert.Equal(t, actions[0], CleanupAction{Kind: CleanupLeaveProject, ProjectId: 20})
	assert.Equal(t, actions[1], CleanupAction{Kind: CleanupLeaveProject, ProjectId: 21})
	assert.Equal(t, actions[2], CleanupAction{Kind: CleanupLeaveRoom, RoomId: 10})

	// queue closed, indexes emptied, second unregister a no-op
	_, ok := <-connection.Receive()
	assert.Equal(t, ok, false)
	assert.Equal(t, len(registry.ConnectionsForUser(1)), 0)
	assert.Equal(t, len(registry.ConnectionsForRoom(10)), 0)
	assert.Equal(t, len(registry.ConnectionsForProject(20)), 0)
	assert.Equal(t, registry.Unregister(connectionId), nil)
}

func TestSubscriptionsRequireLiveConnection(t *testing.T) {
	registry := NewConnectionRegistryWithDefaults()

	// subscribing a connection that already went away must not
	// resurrect it
	registry.AddRoomSubscription(10, protocol.ConnectionId{Epoch: 1, Seq: 99})
	assert.Equal(t, len(registry.ConnectionsForRoom(10)), 0)
}

func TestBroadcastBestEffort(t *testing.T) {
	registry := NewConnectionRegistry(&ConnectionRegistrySettings{
		SendQueueSize: 1,
	})
	a, err := registry.Register(protocol.ConnectionId{Epoch: 1, Seq: 1}, 1, protocol.PrincipalUser)
	assert.Equal(t, err, nil)

	targets := []protocol.ConnectionId{
		a.ConnectionId,
		// gone connection, skipped
		{Epoch: 1, Seq: 2},
	}
	// the second and third sends overflow the size-1 queue and drop
	// without blocking
	registry.Broadcast(targets, &protocol.Pong{})
	registry.Broadcast(targets, &protocol.Pong{})
	registry.Broadcast(targets, &protocol.Pong{})

	frame := <-a.Receive()
	assert.Equal(t, frame.MessageType, protocol.MessageTypePong)
	select {
	case <-a.Receive():
		t.Fatal("dropped frame was delivered")
	default:
	}
}

func TestConnectionsForRoomSorted(t *testing.T) {
	registry := NewConnectionRegistryWithDefaults()
	ids := []protocol.ConnectionId{
		{Epoch: 2, Seq: 1},
		{Epoch: 1, Seq: 2},
		{Epoch: 1, Seq: 1},
	}
	for i, connectionId := range ids {
		_, err := registry.Register(connectionId, protocol.UserId(i+1), protocol.PrincipalUser)
		assert.Equal(t, err, nil)
		registry.AddRoomSubscription(10, connectionId)
	}
	assert.Equal(t, registry.ConnectionsForRoom(10), []protocol.ConnectionId{
		{Epoch: 1, Seq: 1},
		{Epoch: 1, Seq: 2},
		{Epoch: 2, Seq: 1},
	})
}
