package collab

import (
	"context"

	"github.com/golang/glog"

	"coedit.dev/collab/protocol"
)

type RoomsSettings struct {
	Retry *RetrySettings
}

func DefaultRoomsSettings() *RoomsSettings {
	return &RoomsSettings{
		Retry: DefaultRetrySettings(),
	}
}

// Rooms owns the lifecycle of collaboration rooms: participant
// join/leave, calls, and presence. Every mutation is computed under one
// store transaction; broadcasts fire only after commit, so readers never
// observe the store and the registry disagreeing.
type Rooms struct {
	store     Store
	registry  *ConnectionRegistry
	projects  *Projects
	media     *MediaTokenIssuer
	broadcast *broadcaster
	settings  *RoomsSettings
}

func NewRoomsWithDefaults(store Store, registry *ConnectionRegistry, projects *Projects, media *MediaTokenIssuer, relay Relay) *Rooms {
	return NewRooms(store, registry, projects, media, relay, DefaultRoomsSettings())
}

func NewRooms(store Store, registry *ConnectionRegistry, projects *Projects, media *MediaTokenIssuer, relay Relay, settings *RoomsSettings) *Rooms {
	return &Rooms{
		store:    store,
		registry: registry,
		projects: projects,
		media:    media,
		broadcast: &broadcaster{
			registry: registry,
			relay:    relay,
		},
		settings: settings,
	}
}

// Create starts an ad hoc room with the caller as its only participant.
func (self *Rooms) Create(ctx context.Context, userId protocol.UserId, connectionId protocol.ConnectionId) (*protocol.RoomResponse, error) {
	var snapshot *protocol.RoomSnapshot
	err := writeTx(ctx, self.store, self.settings.Retry, false, func(tx StoreTx) error {
		room, err := tx.CreateRoom(0, self.media.RoomName())
		if err != nil {
			return err
		}
		snapshot, err = self.joinRoomInTx(tx, room, userId, connectionId)
		return err
	})
	if err != nil {
		return nil, err
	}
	return self.finishJoin(snapshot, userId, connectionId), nil
}

// Join adds the caller to an existing room. Joining twice from the same
// connection is a hard error so client bugs surface instead of silently
// duplicating participants.
func (self *Rooms) Join(ctx context.Context, roomId protocol.RoomId, userId protocol.UserId, connectionId protocol.ConnectionId) (*protocol.RoomResponse, error) {
	var snapshot *protocol.RoomSnapshot
	err := writeTx(ctx, self.store, self.settings.Retry, false, func(tx StoreTx) error {
		room, err := tx.FindRoom(roomId)
		if err != nil {
			return err
		}
		snapshot, err = self.joinRoomInTx(tx, room, userId, connectionId)
		return err
	})
	if err != nil {
		return nil, err
	}
	return self.finishJoin(snapshot, userId, connectionId), nil
}

// joinRoomInTx inserts the participant, consumes any pending call for
// this user, and assembles the snapshot, all inside the caller's
// transaction. Shared with channel joins.
func (self *Rooms) joinRoomInTx(tx StoreTx, room *Room, userId protocol.UserId, connectionId protocol.ConnectionId) (*protocol.RoomSnapshot, error) {
	err := tx.InsertParticipant(Participant{
		RoomId:       room.Id,
		UserId:       userId,
		ConnectionId: connectionId,
		Location: protocol.Location{
			Kind: protocol.LocationLobby,
		},
	})
	if err != nil {
		return nil, err
	}
	if _, err := tx.RemovePendingCall(room.Id, userId); err != nil {
		return nil, err
	}
	return buildRoomSnapshot(tx, room)
}

// finishJoin runs after commit: registry projection, presence broadcast
// to the participants that were already there, media token for the
// response.
func (self *Rooms) finishJoin(snapshot *protocol.RoomSnapshot, userId protocol.UserId, connectionId protocol.ConnectionId) *protocol.RoomResponse {
	self.registry.AddRoomSubscription(snapshot.RoomId, connectionId)
	self.broadcast.ToRoom(snapshot.RoomId, connectionId, &protocol.RoomUpdated{
		Room: *snapshot,
	})
	mediaToken, err := self.media.MintToken(snapshot.LiveMediaRoom, userId)
	if err != nil {
		// the join stands, the participant just gets no media
		glog.Infof("[room]media token error for %s = %s\n", connectionId, err)
	}
	return &protocol.RoomResponse{
		Room:       *snapshot,
		MediaToken: mediaToken,
	}
}

type roomLeaveResult struct {
	removed         bool
	deleted         bool
	snapshot        *protocol.RoomSnapshot
	canceledCallees []protocol.UserId
	projectResults  []*projectLeaveResult
}

// Leave removes the participant and cascades: project shares held by the
// connection in this room are released (host reassignment or teardown),
// and the room itself is deleted once empty. Idempotent, so disconnect
// cleanup can double-invoke it safely.
func (self *Rooms) Leave(ctx context.Context, roomId protocol.RoomId, connectionId protocol.ConnectionId) error {
	result := &roomLeaveResult{}
	err := writeTx(ctx, self.store, self.settings.Retry, true, func(tx StoreTx) error {
		// reset: the closure may rerun on transient store failure
		*result = roomLeaveResult{}
		room, err := tx.FindRoom(roomId)
		if err != nil {
			if IsKind(err, protocol.ErrorKindRoomNotFound) {
				return nil
			}
			return err
		}
		removed, err := tx.RemoveParticipant(roomId, connectionId)
		if err != nil {
			return err
		}
		if !removed {
			return nil
		}
		result.removed = true

		projects, err := tx.ProjectsForConnection(connectionId)
		if err != nil {
			return err
		}
		for _, project := range projects {
			if project.RoomId != roomId {
				continue
			}
			projectResult, err := leaveProjectInTx(tx, project.Id, connectionId)
			if err != nil {
				return err
			}
			result.projectResults = append(result.projectResults, projectResult)
		}

		participants, err := tx.Participants(roomId)
		if err != nil {
			return err
		}
		if len(participants) == 0 {
			calls, err := tx.PendingCalls(roomId)
			if err != nil {
				return err
			}
			for _, call := range calls {
				result.canceledCallees = append(result.canceledCallees, call.CalleeUserId)
			}
			if err := tx.DeleteRoom(roomId); err != nil {
				return err
			}
			result.deleted = true
			return nil
		}
		result.snapshot, err = buildRoomSnapshot(tx, room)
		return err
	})
	if err != nil {
		return err
	}
	if !result.removed {
		return nil
	}
	self.registry.RemoveRoomSubscription(roomId, connectionId)
	for _, projectResult := range result.projectResults {
		self.projects.finishLeave(projectResult)
	}
	if result.deleted {
		glog.V(1).Infof("[room]%d empty, torn down\n", roomId)
		for _, calleeUserId := range result.canceledCallees {
			self.broadcast.ToConnections(self.registry.ConnectionsForUser(calleeUserId), &protocol.CallCanceled{
				RoomId: roomId,
			})
		}
	} else {
		self.broadcast.ToRoom(roomId, connectionId, &protocol.RoomUpdated{
			Room: *result.snapshot,
		})
	}
	return nil
}

// UpdateLocation moves a participant between the lobby, a shared
// project, and external. Only the diff is broadcast to bound update size
// in large rooms.
func (self *Rooms) UpdateLocation(ctx context.Context, roomId protocol.RoomId, connectionId protocol.ConnectionId, location protocol.Location) error {
	switch location.Kind {
	case protocol.LocationLobby, protocol.LocationExternal:
	case protocol.LocationProject:
		if location.ProjectId == 0 {
			return ErrProtocol("project location without project id")
		}
	default:
		return ErrProtocol("unknown location kind %s", location.Kind)
	}
	err := writeTx(ctx, self.store, self.settings.Retry, true, func(tx StoreTx) error {
		if location.Kind == protocol.LocationProject {
			project, err := tx.FindProject(location.ProjectId)
			if err != nil {
				return err
			}
			if project.RoomId != roomId {
				return ErrProjectNotShared(location.ProjectId)
			}
		}
		updated, err := tx.UpdateParticipantLocation(roomId, connectionId, location)
		if err != nil {
			return err
		}
		if !updated {
			return ErrNotInRoom(roomId)
		}
		return nil
	})
	if err != nil {
		return err
	}
	self.broadcast.ToRoom(roomId, connectionId, &protocol.ParticipantLocation{
		RoomId:       roomId,
		ConnectionId: connectionId,
		Location:     location,
	})
	return nil
}

// Call rings every live connection of the callee and records the pending
// participant on the room.
func (self *Rooms) Call(ctx context.Context, roomId protocol.RoomId, callerUserId protocol.UserId, callerConnectionId protocol.ConnectionId, calleeUserId protocol.UserId) error {
	var snapshot *protocol.RoomSnapshot
	var channelId protocol.ChannelId
	err := writeTx(ctx, self.store, self.settings.Retry, false, func(tx StoreTx) error {
		room, err := tx.FindRoom(roomId)
		if err != nil {
			return err
		}
		channelId = room.ChannelId
		if err := requireParticipant(tx, roomId, callerConnectionId); err != nil {
			return err
		}
		err = tx.InsertPendingCall(PendingCall{
			RoomId:       roomId,
			CallerUserId: callerUserId,
			CalleeUserId: calleeUserId,
		})
		if err != nil {
			return err
		}
		snapshot, err = buildRoomSnapshot(tx, room)
		return err
	})
	if err != nil {
		return err
	}
	self.broadcast.ToConnections(self.registry.ConnectionsForUser(calleeUserId), &protocol.IncomingCall{
		RoomId:       roomId,
		CallerUserId: callerUserId,
		ChannelId:    channelId,
	})
	self.broadcast.ToRoom(roomId, callerConnectionId, &protocol.RoomUpdated{
		Room: *snapshot,
	})
	return nil
}

// CancelCall withdraws a ring. No-op when the callee already answered or
// declined.
func (self *Rooms) CancelCall(ctx context.Context, roomId protocol.RoomId, callerConnectionId protocol.ConnectionId, calleeUserId protocol.UserId) error {
	removed := false
	var snapshot *protocol.RoomSnapshot
	err := writeTx(ctx, self.store, self.settings.Retry, true, func(tx StoreTx) error {
		removed = false
		room, err := tx.FindRoom(roomId)
		if err != nil {
			return err
		}
		if err := requireParticipant(tx, roomId, callerConnectionId); err != nil {
			return err
		}
		removed, err = tx.RemovePendingCall(roomId, calleeUserId)
		if err != nil || !removed {
			return err
		}
		snapshot, err = buildRoomSnapshot(tx, room)
		return err
	})
	if err != nil || !removed {
		return err
	}
	self.broadcast.ToConnections(self.registry.ConnectionsForUser(calleeUserId), &protocol.CallCanceled{
		RoomId: roomId,
	})
	self.broadcast.ToRoom(roomId, callerConnectionId, &protocol.RoomUpdated{
		Room: *snapshot,
	})
	return nil
}

// DeclineCall is the callee's side of CancelCall.
func (self *Rooms) DeclineCall(ctx context.Context, roomId protocol.RoomId, calleeUserId protocol.UserId) error {
	removed := false
	var snapshot *protocol.RoomSnapshot
	err := writeTx(ctx, self.store, self.settings.Retry, true, func(tx StoreTx) error {
		removed = false
		room, err := tx.FindRoom(roomId)
		if err != nil {
			if IsKind(err, protocol.ErrorKindRoomNotFound) {
				// room ended before the decline arrived
				return nil
			}
			return err
		}
		removed, err = tx.RemovePendingCall(roomId, calleeUserId)
		if err != nil || !removed {
			return err
		}
		snapshot, err = buildRoomSnapshot(tx, room)
		return err
	})
	if err != nil || !removed {
		return err
	}
	self.broadcast.ToConnections(self.registry.ConnectionsForUser(calleeUserId), &protocol.CallCanceled{
		RoomId: roomId,
	})
	self.broadcast.ToRoom(roomId, protocol.ConnectionId{}, &protocol.RoomUpdated{
		Room: *snapshot,
	})
	return nil
}

func requireParticipant(tx StoreTx, roomId protocol.RoomId, connectionId protocol.ConnectionId) error {
	participants, err := tx.Participants(roomId)
	if err != nil {
		return err
	}
	for _, participant := range participants {
		if participant.ConnectionId == connectionId {
			return nil
		}
	}
	return ErrNotInRoom(roomId)
}

func buildRoomSnapshot(tx StoreTx, room *Room) (*protocol.RoomSnapshot, error) {
	participants, err := tx.Participants(room.Id)
	if err != nil {
		return nil, err
	}
	calls, err := tx.PendingCalls(room.Id)
	if err != nil {
		return nil, err
	}
	projects, err := tx.ProjectsForRoom(room.Id)
	if err != nil {
		return nil, err
	}
	snapshot := &protocol.RoomSnapshot{
		RoomId:        room.Id,
		ChannelId:     room.ChannelId,
		LiveMediaRoom: room.LiveMediaRoom,
		Participants:  []protocol.ParticipantInfo{},
	}
	for _, participant := range participants {
		snapshot.Participants = append(snapshot.Participants, protocol.ParticipantInfo{
			UserId:       participant.UserId,
			ConnectionId: participant.ConnectionId,
			Location:     participant.Location,
		})
	}
	for _, call := range calls {
		snapshot.PendingCalls = append(snapshot.PendingCalls, protocol.PendingCallInfo{
			CalleeUserId: call.CalleeUserId,
			CallerUserId: call.CallerUserId,
		})
	}
	for _, project := range projects {
		snapshot.ProjectIds = append(snapshot.ProjectIds, project.Id)
	}
	return snapshot, nil
}
