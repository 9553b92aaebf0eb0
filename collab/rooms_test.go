package collab

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"

	"coedit.dev/collab/protocol"
)

func TestRoomLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine()
	a := engine.connect(t, 1)
	b := engine.connect(t, 2)

	created, err := engine.rooms.Create(ctx, a.UserId, a.ConnectionId)
	assert.Equal(t, err, nil)
	roomId := created.Room.RoomId
	assert.Equal(t, len(created.Room.Participants), 1)
	assert.Equal(t, created.Room.Participants[0].Location.Kind, protocol.LocationLobby)
	assert.NotEqual(t, created.Room.LiveMediaRoom, "")

	joined, err := engine.rooms.Join(ctx, roomId, b.UserId, b.ConnectionId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(joined.Room.Participants), 2)

	// the earlier participant hears about the join
	message := receiveMessage(t, a)
	updated, ok := message.(*protocol.RoomUpdated)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(updated.Room.Participants), 2)

	err = engine.rooms.Leave(ctx, roomId, a.ConnectionId)
	assert.Equal(t, err, nil)
	message = receiveMessage(t, b)
	updated, ok = message.(*protocol.RoomUpdated)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(updated.Room.Participants), 1)

	// last leave tears the room down
	err = engine.rooms.Leave(ctx, roomId, b.ConnectionId)
	assert.Equal(t, err, nil)
	_, err = engine.rooms.Join(ctx, roomId, a.UserId, a.ConnectionId)
	assert.Equal(t, IsKind(err, protocol.ErrorKindRoomNotFound), true)
}

func TestJoinRoomTwiceFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine()
	a := engine.connect(t, 1)

	created, err := engine.rooms.Create(ctx, a.UserId, a.ConnectionId)
	assert.Equal(t, err, nil)

	_, err = engine.rooms.Join(ctx, created.Room.RoomId, a.UserId, a.ConnectionId)
	assert.Equal(t, IsKind(err, protocol.ErrorKindAlreadyJoined), true)

	// the failed join must not corrupt the room
	joined, err := engine.rooms.Join(ctx, created.Room.RoomId, 2, engine.connect(t, 2).ConnectionId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(joined.Room.Participants), 2)
}

func TestLeaveRoomIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine()
	a := engine.connect(t, 1)

	created, err := engine.rooms.Create(ctx, a.UserId, a.ConnectionId)
	assert.Equal(t, err, nil)

	assert.Equal(t, engine.rooms.Leave(ctx, created.Room.RoomId, a.ConnectionId), nil)
	// second leave and a leave of a room that never existed are no-ops
	assert.Equal(t, engine.rooms.Leave(ctx, created.Room.RoomId, a.ConnectionId), nil)
	assert.Equal(t, engine.rooms.Leave(ctx, 4242, a.ConnectionId), nil)
}

func TestCallRingAndAnswer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine()
	a := engine.connect(t, 1)
	b := engine.connect(t, 2)

	created, err := engine.rooms.Create(ctx, a.UserId, a.ConnectionId)
	assert.Equal(t, err, nil)
	roomId := created.Room.RoomId

	err = engine.rooms.Call(ctx, roomId, a.UserId, a.ConnectionId, b.UserId)
	assert.Equal(t, err, nil)

	message := receiveMessage(t, b)
	incoming, ok := message.(*protocol.IncomingCall)
	assert.Equal(t, ok, true)
	assert.Equal(t, incoming.RoomId, roomId)
	assert.Equal(t, incoming.CallerUserId, a.UserId)

	// answering consumes the pending call
	joined, err := engine.rooms.Join(ctx, roomId, b.UserId, b.ConnectionId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(joined.Room.PendingCalls), 0)
	assert.Equal(t, len(joined.Room.Participants), 2)
}

func TestCallDecline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine()
	a := engine.connect(t, 1)
	b := engine.connect(t, 2)

	created, err := engine.rooms.Create(ctx, a.UserId, a.ConnectionId)
	assert.Equal(t, err, nil)
	roomId := created.Room.RoomId

	err = engine.rooms.Call(ctx, roomId, a.UserId, a.ConnectionId, b.UserId)
	assert.Equal(t, err, nil)
	receiveMessage(t, b)

	err = engine.rooms.DeclineCall(ctx, roomId, b.UserId)
	assert.Equal(t, err, nil)
	message := receiveMessage(t, b)
	canceled, ok := message.(*protocol.CallCanceled)
	assert.Equal(t, ok, true)
	assert.Equal(t, canceled.RoomId, roomId)

	// decline after the room ended is a no-op
	assert.Equal(t, engine.rooms.Leave(ctx, roomId, a.ConnectionId), nil)
	assert.Equal(t, engine.rooms.DeclineCall(ctx, roomId, b.UserId), nil)
}

func TestCallCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine()
	a := engine.connect(t, 1)
	b := engine.connect(t, 2)

	created, err := engine.rooms.Create(ctx, a.UserId, a.ConnectionId)
	assert.Equal(t, err, nil)
	roomId := created.Room.RoomId

	// only participants can ring or cancel
	outsider := engine.connect(t, 3)
	err = engine.rooms.Call(ctx, roomId, outsider.UserId, outsider.ConnectionId, b.UserId)
	assert.Equal(t, IsKind(err, protocol.ErrorKindNotInRoom), true)

	err = engine.rooms.Call(ctx, roomId, a.UserId, a.ConnectionId, b.UserId)
	assert.Equal(t, err, nil)
	receiveMessage(t, b)

	err = engine.rooms.CancelCall(ctx, roomId, a.ConnectionId, b.UserId)
	assert.Equal(t, err, nil)
	message := receiveMessage(t, b)
	_, ok := message.(*protocol.CallCanceled)
	assert.Equal(t, ok, true)

	// already canceled: no second broadcast
	err = engine.rooms.CancelCall(ctx, roomId, a.ConnectionId, b.UserId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(drainMessages(t, b)), 0)
}

func TestPendingCallsCanceledOnRoomTeardown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine()
	a := engine.connect(t, 1)
	b := engine.connect(t, 2)

	created, err := engine.rooms.Create(ctx, a.UserId, a.ConnectionId)
	assert.Equal(t, err, nil)
	roomId := created.Room.RoomId

	err = engine.rooms.Call(ctx, roomId, a.UserId, a.ConnectionId, b.UserId)
	assert.Equal(t, err, nil)
	receiveMessage(t, b)

	// the caller leaving empties the room, which should stop the ring
	err = engine.rooms.Leave(ctx, roomId, a.ConnectionId)
	assert.Equal(t, err, nil)
	message := receiveMessage(t, b)
	canceled, ok := message.(*protocol.CallCanceled)
	assert.Equal(t, ok, true)
	assert.Equal(t, canceled.RoomId, roomId)
}

func TestUpdateLocation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine()
	a := engine.connect(t, 1)
	b := engine.connect(t, 2)

	created, err := engine.rooms.Create(ctx, a.UserId, a.ConnectionId)
	assert.Equal(t, err, nil)
	roomId := created.Room.RoomId
	_, err = engine.rooms.Join(ctx, roomId, b.UserId, b.ConnectionId)
	assert.Equal(t, err, nil)
	drainMessages(t, a)

	err = engine.rooms.UpdateLocation(ctx, roomId, b.ConnectionId, protocol.Location{
		Kind: "somewhere",
	})
	assert.Equal(t, IsKind(err, protocol.ErrorKindProtocol), true)

	// project locations must reference a project shared in this room
	err = engine.rooms.UpdateLocation(ctx, roomId, b.ConnectionId, protocol.Location{
		Kind:      protocol.LocationProject,
		ProjectId: 77,
	})
	assert.Equal(t, IsKind(err, protocol.ErrorKindProjectNotShared), true)

	err = engine.rooms.UpdateLocation(ctx, roomId, b.ConnectionId, protocol.Location{
		Kind: protocol.LocationExternal,
	})
	assert.Equal(t, err, nil)

	// the diff goes to the others, not a full snapshot
	message := receiveMessage(t, a)
	location, ok := message.(*protocol.ParticipantLocation)
	assert.Equal(t, ok, true)
	assert.Equal(t, location.ConnectionId, b.ConnectionId)
	assert.Equal(t, location.Location.Kind, protocol.LocationExternal)

	err = engine.rooms.UpdateLocation(ctx, roomId, engine.connect(t, 3).ConnectionId, protocol.Location{
		Kind: protocol.LocationLobby,
	})
	assert.Equal(t, IsKind(err, protocol.ErrorKindNotInRoom), true)
}
