package collab

import (
	"coedit.dev/collab/protocol"
)

// broadcaster fans a committed state delta out to the relevant local
// connections and mirrors it through the relay. Always called after the
// store transaction commits, never inside it.
type broadcaster struct {
	registry *ConnectionRegistry
	relay    Relay
}

func (self *broadcaster) ToRoom(roomId protocol.RoomId, exclude protocol.ConnectionId, message any) {
	connectionIds := excluding(self.registry.ConnectionsForRoom(roomId), exclude)
	self.registry.Broadcast(connectionIds, message)
	self.relay.Publish(RoomScope(roomId), protocol.RequireToFrame(message))
}

func (self *broadcaster) ToProject(projectId protocol.ProjectId, exclude protocol.ConnectionId, message any) {
	connectionIds := excluding(self.registry.ConnectionsForProject(projectId), exclude)
	self.registry.Broadcast(connectionIds, message)
	self.relay.Publish(ProjectScope(projectId), protocol.RequireToFrame(message))
}

func (self *broadcaster) ToConnections(connectionIds []protocol.ConnectionId, message any) {
	self.registry.Broadcast(connectionIds, message)
}

func excluding(connectionIds []protocol.ConnectionId, exclude protocol.ConnectionId) []protocol.ConnectionId {
	if exclude.IsZero() {
		return connectionIds
	}
	out := make([]protocol.ConnectionId, 0, len(connectionIds))
	for _, connectionId := range connectionIds {
		if connectionId != exclude {
			out = append(out, connectionId)
		}
	}
	return out
}
