package collab

import (
	"sort"
	"sync"

	"github.com/golang/glog"

	"coedit.dev/collab/protocol"
)

type ConnectionRegistrySettings struct {
	// outbound frames buffered per connection before broadcasts to that
	// connection are dropped
	SendQueueSize int
}

func DefaultConnectionRegistrySettings() *ConnectionRegistrySettings {
	return &ConnectionRegistrySettings{
		SendQueueSize: 256,
	}
}

type CleanupKind int

const (
	CleanupLeaveRoom CleanupKind = iota
	CleanupLeaveProject
)

// CleanupAction is returned by Unregister instead of performing the
// eviction inline, so the caller drives persistence and broadcast under
// its own transactional control.
type CleanupAction struct {
	Kind      CleanupKind
	RoomId    protocol.RoomId
	ProjectId protocol.ProjectId
}

// RegisteredConnection is the registry's handle for one live socket. The
// writer goroutine drains Receive; everything else goes through the
// registry.
type RegisteredConnection struct {
	ConnectionId protocol.ConnectionId
	UserId       protocol.UserId
	Principal    protocol.PrincipalKind

	sendQueue chan *protocol.Frame
}

// Receive is the connection's serialized outbound queue. Closed on
// unregister.
func (self *RegisteredConnection) Receive() <-chan *protocol.Frame {
	return self.sendQueue
}

// ConnectionRegistry is the authoritative in-process map from connection
// id to session state. It is a projection of the store: room and project
// subscriptions are updated only after the corresponding store
// transaction commits. Always an explicit instance, never a package
// global.
type ConnectionRegistry struct {
	settings *ConnectionRegistrySettings

	stateLock          sync.Mutex
	connections        map[protocol.ConnectionId]*RegisteredConnection
	userConnections    map[protocol.UserId]map[protocol.ConnectionId]bool
	roomConnections    map[protocol.RoomId]map[protocol.ConnectionId]bool
	projectConnections map[protocol.ProjectId]map[protocol.ConnectionId]bool
	connectionRooms    map[protocol.ConnectionId]map[protocol.RoomId]bool
	connectionProjects map[protocol.ConnectionId]map[protocol.ProjectId]bool
}

func NewConnectionRegistryWithDefaults() *ConnectionRegistry {
	return NewConnectionRegistry(DefaultConnectionRegistrySettings())
}

func NewConnectionRegistry(settings *ConnectionRegistrySettings) *ConnectionRegistry {
	return &ConnectionRegistry{
		settings:           settings,
		connections:        map[protocol.ConnectionId]*RegisteredConnection{},
		userConnections:    map[protocol.UserId]map[protocol.ConnectionId]bool{},
		roomConnections:    map[protocol.RoomId]map[protocol.ConnectionId]bool{},
		projectConnections: map[protocol.ProjectId]map[protocol.ConnectionId]bool{},
		connectionRooms:    map[protocol.ConnectionId]map[protocol.RoomId]bool{},
		connectionProjects: map[protocol.ConnectionId]map[protocol.ProjectId]bool{},
	}
}

func (self *ConnectionRegistry) Register(connectionId protocol.ConnectionId, userId protocol.UserId, principal protocol.PrincipalKind) (*RegisteredConnection, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if _, ok := self.connections[connectionId]; ok {
		// must not happen under correct epoch allocation
		return nil, ErrDuplicateConnection(connectionId)
	}
	connection := &RegisteredConnection{
		ConnectionId: connectionId,
		UserId:       userId,
		Principal:    principal,
		sendQueue:    make(chan *protocol.Frame, self.settings.SendQueueSize),
	}
	self.connections[connectionId] = connection
	self.connectionRooms[connectionId] = map[protocol.RoomId]bool{}
	self.connectionProjects[connectionId] = map[protocol.ProjectId]bool{}
	connections, ok := self.userConnections[userId]
	if !ok {
		connections = map[protocol.ConnectionId]bool{}
		self.userConnections[userId] = connections
	}
	connections[connectionId] = true
	return connection, nil
}

// Unregister removes the connection and returns the rooms and projects
// it must be evicted from. Projects are listed before rooms so the
// caller's cascade releases project shares first. Idempotent.
func (self *ConnectionRegistry) Unregister(connectionId protocol.ConnectionId) []CleanupAction {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	connection, ok := self.connections[connectionId]
	if !ok {
		return nil
	}
	actions := []CleanupAction{}
	projectIds := sortedKeys(self.connectionProjects[connectionId])
	for _, projectId := range projectIds {
		actions = append(actions, CleanupAction{
			Kind:      CleanupLeaveProject,
			ProjectId: projectId,
		})
		delete(self.projectConnections[projectId], connectionId)
	}
	roomIds := sortedKeys(self.connectionRooms[connectionId])
	for _, roomId := range roomIds {
		actions = append(actions, CleanupAction{
			Kind:   CleanupLeaveRoom,
			RoomId: roomId,
		})
		delete(self.roomConnections[roomId], connectionId)
	}
	delete(self.connections, connectionId)
	delete(self.connectionRooms, connectionId)
	delete(self.connectionProjects, connectionId)
	delete(self.userConnections[connection.UserId], connectionId)
	if len(self.userConnections[connection.UserId]) == 0 {
		delete(self.userConnections, connection.UserId)
	}
	close(connection.sendQueue)
	return actions
}

func (self *ConnectionRegistry) Connection(connectionId protocol.ConnectionId) (*RegisteredConnection, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	connection, ok := self.connections[connectionId]
	return connection, ok
}

func (self *ConnectionRegistry) AddRoomSubscription(roomId protocol.RoomId, connectionId protocol.ConnectionId) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if _, ok := self.connections[connectionId]; !ok {
		return
	}
	connections, ok := self.roomConnections[roomId]
	if !ok {
		connections = map[protocol.ConnectionId]bool{}
		self.roomConnections[roomId] = connections
	}
	connections[connectionId] = true
	self.connectionRooms[connectionId][roomId] = true
}

func (self *ConnectionRegistry) RemoveRoomSubscription(roomId protocol.RoomId, connectionId protocol.ConnectionId) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.roomConnections[roomId], connectionId)
	if rooms, ok := self.connectionRooms[connectionId]; ok {
		delete(rooms, roomId)
	}
}

func (self *ConnectionRegistry) AddProjectSubscription(projectId protocol.ProjectId, connectionId protocol.ConnectionId) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if _, ok := self.connections[connectionId]; !ok {
		return
	}
	connections, ok := self.projectConnections[projectId]
	if !ok {
		connections = map[protocol.ConnectionId]bool{}
		self.projectConnections[projectId] = connections
	}
	connections[connectionId] = true
	self.connectionProjects[connectionId][projectId] = true
}

func (self *ConnectionRegistry) RemoveProjectSubscription(projectId protocol.ProjectId, connectionId protocol.ConnectionId) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.projectConnections[projectId], connectionId)
	if projects, ok := self.connectionProjects[connectionId]; ok {
		delete(projects, projectId)
	}
}

func (self *ConnectionRegistry) ConnectionsForUser(userId protocol.UserId) []protocol.ConnectionId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return sortedConnectionIds(self.userConnections[userId])
}

func (self *ConnectionRegistry) ConnectionsForRoom(roomId protocol.RoomId) []protocol.ConnectionId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return sortedConnectionIds(self.roomConnections[roomId])
}

func (self *ConnectionRegistry) ConnectionsForProject(projectId protocol.ProjectId) []protocol.ConnectionId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return sortedConnectionIds(self.projectConnections[projectId])
}

// Broadcast fires one frame at each given connection, best effort. A
// missing connection or a full send queue is logged and skipped so a
// broadcast to n peers never fails because one peer went away
// mid-broadcast.
func (self *ConnectionRegistry) Broadcast(connectionIds []protocol.ConnectionId, message any) {
	frame := protocol.RequireToFrame(message)
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, connectionId := range connectionIds {
		connection, ok := self.connections[connectionId]
		if !ok {
			glog.V(1).Infof("[reg]broadcast to %s dropped, connection gone\n", connectionId)
			continue
		}
		select {
		case connection.sendQueue <- frame:
		default:
			glog.Infof("[reg]broadcast to %s dropped, send queue full\n", connectionId)
		}
	}
}

// Send queues one frame for a single connection, best effort.
func (self *ConnectionRegistry) Send(connectionId protocol.ConnectionId, frame *protocol.Frame) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	connection, ok := self.connections[connectionId]
	if !ok {
		glog.V(1).Infof("[reg]send to %s dropped, connection gone\n", connectionId)
		return
	}
	select {
	case connection.sendQueue <- frame:
	default:
		glog.Infof("[reg]send to %s dropped, send queue full\n", connectionId)
	}
}

func sortedConnectionIds(set map[protocol.ConnectionId]bool) []protocol.ConnectionId {
	connectionIds := make([]protocol.ConnectionId, 0, len(set))
	for connectionId := range set {
		connectionIds = append(connectionIds, connectionId)
	}
	sort.Slice(connectionIds, func(i int, j int) bool {
		a := connectionIds[i]
		b := connectionIds[j]
		if a.Epoch != b.Epoch {
			return a.Epoch < b.Epoch
		}
		return a.Seq < b.Seq
	})
	return connectionIds
}

func sortedKeys[K interface {
	~uint64
}](set map[K]bool) []K {
	keys := make([]K, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i int, j int) bool {
		return keys[i] < keys[j]
	})
	return keys
}
