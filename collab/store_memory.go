package collab

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/exp/maps"

	"coedit.dev/collab/protocol"
)

// MemoryStore implements Store with plain maps behind one mutex. A
// transaction is the mutex held for the duration of the callback; every
// mutation records an undo so a failed callback rolls back completely.
// Used by tests and single-node local runs.
type MemoryStore struct {
	mu sync.Mutex

	nextEpoch     protocol.ServerEpoch
	nextRoomId    protocol.RoomId
	nextProjectId protocol.ProjectId
	nextChannelId protocol.ChannelId

	rooms          map[protocol.RoomId]*Room
	participants   map[protocol.RoomId]map[protocol.ConnectionId]*Participant
	pendingCalls   map[protocol.RoomId]map[protocol.UserId]*PendingCall
	projects       map[protocol.ProjectId]*Project
	collaborators  map[protocol.ProjectId]map[protocol.ConnectionId]*Collaborator
	nextReplica    map[protocol.ProjectId]protocol.ReplicaId
	worktrees      map[protocol.ProjectId]map[protocol.WorktreeId]*Worktree
	buffers        map[bufferKey]*Buffer
	channels       map[protocol.ChannelId]*Channel
	channelPaths   map[protocol.ChannelId]string
	channelMembers map[protocol.ChannelId]map[protocol.UserId]*ChannelMember
}

type bufferKey struct {
	projectId protocol.ProjectId
	bufferId  protocol.BufferId
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:          map[protocol.RoomId]*Room{},
		participants:   map[protocol.RoomId]map[protocol.ConnectionId]*Participant{},
		pendingCalls:   map[protocol.RoomId]map[protocol.UserId]*PendingCall{},
		projects:       map[protocol.ProjectId]*Project{},
		collaborators:  map[protocol.ProjectId]map[protocol.ConnectionId]*Collaborator{},
		nextReplica:    map[protocol.ProjectId]protocol.ReplicaId{},
		worktrees:      map[protocol.ProjectId]map[protocol.WorktreeId]*Worktree{},
		buffers:        map[bufferKey]*Buffer{},
		channels:       map[protocol.ChannelId]*Channel{},
		channelPaths:   map[protocol.ChannelId]string{},
		channelMembers: map[protocol.ChannelId]map[protocol.UserId]*ChannelMember{},
	}
}

func (self *MemoryStore) AllocateServerEpoch(ctx context.Context) (protocol.ServerEpoch, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.nextEpoch += 1
	return self.nextEpoch, nil
}

func (self *MemoryStore) WithTx(ctx context.Context, fn func(tx StoreTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	tx := &memoryTx{s: self}
	if err := fn(tx); err != nil {
		for i := len(tx.undos) - 1; i >= 0; i -= 1 {
			tx.undos[i]()
		}
		return err
	}
	return nil
}

func (self *MemoryStore) Close() {
}

type memoryTx struct {
	s     *MemoryStore
	undos []func()
}

func (self *memoryTx) record(undo func()) {
	self.undos = append(self.undos, undo)
}

// rooms

func (self *memoryTx) CreateRoom(channelId protocol.ChannelId, liveMediaRoom string) (*Room, error) {
	s := self.s
	s.nextRoomId += 1
	roomId := s.nextRoomId
	room := &Room{
		Id:            roomId,
		ChannelId:     channelId,
		LiveMediaRoom: liveMediaRoom,
	}
	s.rooms[roomId] = room
	s.participants[roomId] = map[protocol.ConnectionId]*Participant{}
	self.record(func() {
		delete(s.rooms, roomId)
		delete(s.participants, roomId)
	})
	out := *room
	return &out, nil
}

func (self *memoryTx) FindRoom(roomId protocol.RoomId) (*Room, error) {
	room, ok := self.s.rooms[roomId]
	if !ok {
		return nil, ErrRoomNotFound(roomId)
	}
	out := *room
	return &out, nil
}

func (self *memoryTx) DeleteRoom(roomId protocol.RoomId) error {
	s := self.s
	room, ok := s.rooms[roomId]
	if !ok {
		return nil
	}
	participants := s.participants[roomId]
	calls := s.pendingCalls[roomId]
	delete(s.rooms, roomId)
	delete(s.participants, roomId)
	delete(s.pendingCalls, roomId)
	self.record(func() {
		s.rooms[roomId] = room
		s.participants[roomId] = participants
		if calls != nil {
			s.pendingCalls[roomId] = calls
		}
	})
	return nil
}

func (self *memoryTx) InsertParticipant(participant Participant) error {
	s := self.s
	roomParticipants, ok := s.participants[participant.RoomId]
	if !ok {
		return ErrRoomNotFound(participant.RoomId)
	}
	if _, ok := roomParticipants[participant.ConnectionId]; ok {
		return ErrAlreadyJoined(participant.RoomId)
	}
	p := participant
	roomParticipants[participant.ConnectionId] = &p
	self.record(func() {
		delete(roomParticipants, participant.ConnectionId)
	})
	return nil
}

func (self *memoryTx) RemoveParticipant(roomId protocol.RoomId, connectionId protocol.ConnectionId) (bool, error) {
	roomParticipants := self.s.participants[roomId]
	participant, ok := roomParticipants[connectionId]
	if !ok {
		return false, nil
	}
	delete(roomParticipants, connectionId)
	self.record(func() {
		roomParticipants[connectionId] = participant
	})
	return true, nil
}

func (self *memoryTx) UpdateParticipantLocation(roomId protocol.RoomId, connectionId protocol.ConnectionId, location protocol.Location) (bool, error) {
	participant, ok := self.s.participants[roomId][connectionId]
	if !ok {
		return false, nil
	}
	previous := participant.Location
	participant.Location = location
	self.record(func() {
		participant.Location = previous
	})
	return true, nil
}

func (self *memoryTx) Participants(roomId protocol.RoomId) ([]Participant, error) {
	participants := []Participant{}
	for _, participant := range self.s.participants[roomId] {
		participants = append(participants, *participant)
	}
	sort.Slice(participants, func(i int, j int) bool {
		a := participants[i].ConnectionId
		b := participants[j].ConnectionId
		if a.Epoch != b.Epoch {
			return a.Epoch < b.Epoch
		}
		return a.Seq < b.Seq
	})
	return participants, nil
}

func (self *memoryTx) InsertPendingCall(call PendingCall) error {
	s := self.s
	calls, ok := s.pendingCalls[call.RoomId]
	if !ok {
		calls = map[protocol.UserId]*PendingCall{}
		s.pendingCalls[call.RoomId] = calls
	}
	c := call
	calls[call.CalleeUserId] = &c
	self.record(func() {
		delete(calls, call.CalleeUserId)
	})
	return nil
}

func (self *memoryTx) RemovePendingCall(roomId protocol.RoomId, calleeUserId protocol.UserId) (bool, error) {
	calls := self.s.pendingCalls[roomId]
	call, ok := calls[calleeUserId]
	if !ok {
		return false, nil
	}
	delete(calls, calleeUserId)
	self.record(func() {
		calls[calleeUserId] = call
	})
	return true, nil
}

func (self *memoryTx) PendingCalls(roomId protocol.RoomId) ([]PendingCall, error) {
	calls := []PendingCall{}
	for _, call := range self.s.pendingCalls[roomId] {
		calls = append(calls, *call)
	}
	sort.Slice(calls, func(i int, j int) bool {
		return calls[i].CalleeUserId < calls[j].CalleeUserId
	})
	return calls, nil
}

// projects

func (self *memoryTx) CreateProject(roomId protocol.RoomId, hostUserId protocol.UserId, hostConnectionId protocol.ConnectionId, worktrees []Worktree) (*Project, error) {
	s := self.s
	if _, ok := s.rooms[roomId]; !ok {
		return nil, ErrRoomNotFound(roomId)
	}
	s.nextProjectId += 1
	projectId := s.nextProjectId
	project := &Project{
		Id:               projectId,
		RoomId:           roomId,
		HostConnectionId: hostConnectionId,
	}
	s.projects[projectId] = project
	s.collaborators[projectId] = map[protocol.ConnectionId]*Collaborator{
		hostConnectionId: {
			ProjectId:    projectId,
			UserId:       hostUserId,
			ConnectionId: hostConnectionId,
			ReplicaId:    0,
			IsHost:       true,
		},
	}
	s.nextReplica[projectId] = 1
	projectWorktrees := map[protocol.WorktreeId]*Worktree{}
	for _, worktree := range worktrees {
		w := copyWorktree(&worktree)
		w.ProjectId = projectId
		projectWorktrees[w.Id] = w
	}
	s.worktrees[projectId] = projectWorktrees
	self.record(func() {
		delete(s.projects, projectId)
		delete(s.collaborators, projectId)
		delete(s.nextReplica, projectId)
		delete(s.worktrees, projectId)
	})
	out := *project
	return &out, nil
}

func (self *memoryTx) FindProject(projectId protocol.ProjectId) (*Project, error) {
	project, ok := self.s.projects[projectId]
	if !ok {
		return nil, ErrProjectNotShared(projectId)
	}
	out := *project
	return &out, nil
}

func (self *memoryTx) DeleteProject(projectId protocol.ProjectId) error {
	s := self.s
	project, ok := s.projects[projectId]
	if !ok {
		return nil
	}
	collaborators := s.collaborators[projectId]
	worktrees := s.worktrees[projectId]
	replica := s.nextReplica[projectId]
	buffers := map[bufferKey]*Buffer{}
	for key, buffer := range s.buffers {
		if key.projectId == projectId {
			buffers[key] = buffer
			delete(s.buffers, key)
		}
	}
	delete(s.projects, projectId)
	delete(s.collaborators, projectId)
	delete(s.worktrees, projectId)
	delete(s.nextReplica, projectId)
	self.record(func() {
		s.projects[projectId] = project
		s.collaborators[projectId] = collaborators
		s.worktrees[projectId] = worktrees
		s.nextReplica[projectId] = replica
		for key, buffer := range buffers {
			s.buffers[key] = buffer
		}
	})
	return nil
}

func (self *memoryTx) SetProjectHost(projectId protocol.ProjectId, connectionId protocol.ConnectionId) error {
	s := self.s
	project, ok := s.projects[projectId]
	if !ok {
		return ErrProjectNotShared(projectId)
	}
	collaborator, ok := s.collaborators[projectId][connectionId]
	if !ok {
		return fmt.Errorf("connection %s is not a collaborator of project %d", connectionId, projectId)
	}
	previousHost := project.HostConnectionId
	previousIsHost := collaborator.IsHost
	project.HostConnectionId = connectionId
	collaborator.IsHost = true
	self.record(func() {
		project.HostConnectionId = previousHost
		collaborator.IsHost = previousIsHost
	})
	return nil
}

func (self *memoryTx) InsertCollaborator(projectId protocol.ProjectId, userId protocol.UserId, connectionId protocol.ConnectionId) (protocol.ReplicaId, error) {
	s := self.s
	if _, ok := s.projects[projectId]; !ok {
		return 0, ErrProjectNotShared(projectId)
	}
	replicaId := s.nextReplica[projectId]
	s.nextReplica[projectId] = replicaId + 1
	s.collaborators[projectId][connectionId] = &Collaborator{
		ProjectId:    projectId,
		UserId:       userId,
		ConnectionId: connectionId,
		ReplicaId:    replicaId,
	}
	self.record(func() {
		delete(s.collaborators[projectId], connectionId)
		s.nextReplica[projectId] = replicaId
	})
	return replicaId, nil
}

func (self *memoryTx) RemoveCollaborator(projectId protocol.ProjectId, connectionId protocol.ConnectionId) (bool, error) {
	collaborators := self.s.collaborators[projectId]
	collaborator, ok := collaborators[connectionId]
	if !ok {
		return false, nil
	}
	delete(collaborators, connectionId)
	self.record(func() {
		collaborators[connectionId] = collaborator
	})
	return true, nil
}

func (self *memoryTx) Collaborators(projectId protocol.ProjectId) ([]Collaborator, error) {
	collaborators := []Collaborator{}
	for _, collaborator := range self.s.collaborators[projectId] {
		collaborators = append(collaborators, *collaborator)
	}
	sort.Slice(collaborators, func(i int, j int) bool {
		return collaborators[i].ReplicaId < collaborators[j].ReplicaId
	})
	return collaborators, nil
}

func (self *memoryTx) ProjectsForConnection(connectionId protocol.ConnectionId) ([]Project, error) {
	projects := []Project{}
	for projectId, collaborators := range self.s.collaborators {
		if _, ok := collaborators[connectionId]; ok {
			if project, ok := self.s.projects[projectId]; ok {
				projects = append(projects, *project)
			}
		}
	}
	sort.Slice(projects, func(i int, j int) bool {
		return projects[i].Id < projects[j].Id
	})
	return projects, nil
}

func (self *memoryTx) ProjectsForRoom(roomId protocol.RoomId) ([]Project, error) {
	projects := []Project{}
	for _, project := range self.s.projects {
		if project.RoomId == roomId {
			projects = append(projects, *project)
		}
	}
	sort.Slice(projects, func(i int, j int) bool {
		return projects[i].Id < projects[j].Id
	})
	return projects, nil
}

func (self *memoryTx) Worktrees(projectId protocol.ProjectId) ([]Worktree, error) {
	worktrees := []Worktree{}
	for _, worktree := range self.s.worktrees[projectId] {
		worktrees = append(worktrees, *copyWorktree(worktree))
	}
	sort.Slice(worktrees, func(i int, j int) bool {
		return worktrees[i].Id < worktrees[j].Id
	})
	return worktrees, nil
}

func (self *memoryTx) UpsertWorktreeEntries(projectId protocol.ProjectId, worktreeId protocol.WorktreeId, rootName string, updated []protocol.WorktreeEntry, removed []uint64, scanId uint64, isLastUpdate bool) (*Worktree, error) {
	s := self.s
	if _, ok := s.projects[projectId]; !ok {
		return nil, ErrProjectNotShared(projectId)
	}
	projectWorktrees := s.worktrees[projectId]
	worktree, ok := projectWorktrees[worktreeId]
	if !ok {
		worktree = &Worktree{
			Id:        worktreeId,
			ProjectId: projectId,
			RootName:  rootName,
			Entries:   map[uint64]protocol.WorktreeEntry{},
		}
		projectWorktrees[worktreeId] = worktree
		self.record(func() {
			delete(projectWorktrees, worktreeId)
		})
	} else {
		previous := copyWorktree(worktree)
		self.record(func() {
			projectWorktrees[worktreeId] = previous
		})
	}
	for _, entry := range updated {
		worktree.Entries[entry.Id] = entry
	}
	for _, entryId := range removed {
		delete(worktree.Entries, entryId)
	}
	if worktree.ScanId < scanId {
		worktree.ScanId = scanId
	}
	if isLastUpdate && worktree.CompletedScanId < scanId {
		worktree.CompletedScanId = scanId
	}
	return copyWorktree(worktree), nil
}

func (self *memoryTx) SetDiagnosticSummary(projectId protocol.ProjectId, worktreeId protocol.WorktreeId, summary protocol.DiagnosticSummary) error {
	worktree, ok := self.s.worktrees[projectId][worktreeId]
	if !ok {
		return ErrProjectNotShared(projectId)
	}
	if worktree.Diagnostics == nil {
		worktree.Diagnostics = map[string]protocol.DiagnosticSummary{}
	}
	previous, had := worktree.Diagnostics[summary.Path]
	worktree.Diagnostics[summary.Path] = summary
	self.record(func() {
		if had {
			worktree.Diagnostics[summary.Path] = previous
		} else {
			delete(worktree.Diagnostics, summary.Path)
		}
	})
	return nil
}

func (self *memoryTx) SetWorktreeSettings(projectId protocol.ProjectId, worktreeId protocol.WorktreeId, path string, content string) error {
	worktree, ok := self.s.worktrees[projectId][worktreeId]
	if !ok {
		return ErrProjectNotShared(projectId)
	}
	if worktree.Settings == nil {
		worktree.Settings = map[string]string{}
	}
	previous, had := worktree.Settings[path]
	if content == "" {
		delete(worktree.Settings, path)
	} else {
		worktree.Settings[path] = content
	}
	self.record(func() {
		if had {
			worktree.Settings[path] = previous
		} else {
			delete(worktree.Settings, path)
		}
	})
	return nil
}

// buffers

func (self *memoryTx) BufferEpoch(projectId protocol.ProjectId, bufferId protocol.BufferId) (uint64, error) {
	buffer, ok := self.s.buffers[bufferKey{projectId, bufferId}]
	if !ok {
		return 0, nil
	}
	return buffer.Epoch, nil
}

func (self *memoryTx) MaxLamport(projectId protocol.ProjectId, bufferId protocol.BufferId, epoch uint64) (map[protocol.ReplicaId]uint32, error) {
	max := map[protocol.ReplicaId]uint32{}
	buffer, ok := self.s.buffers[bufferKey{projectId, bufferId}]
	if !ok {
		return max, nil
	}
	for _, operation := range buffer.Operations {
		if operation.Epoch == epoch && max[operation.ReplicaId] < operation.Lamport {
			max[operation.ReplicaId] = operation.Lamport
		}
	}
	return max, nil
}

func (self *memoryTx) AppendBufferOperations(projectId protocol.ProjectId, bufferId protocol.BufferId, epoch uint64, operations []StoredOperation) error {
	s := self.s
	key := bufferKey{projectId, bufferId}
	buffer, ok := s.buffers[key]
	if !ok {
		buffer = &Buffer{
			ProjectId: projectId,
			BufferId:  bufferId,
			Epoch:     epoch,
		}
		s.buffers[key] = buffer
		self.record(func() {
			delete(s.buffers, key)
		})
	}
	previousLen := len(buffer.Operations)
	for _, operation := range operations {
		op := operation
		op.Payload = append([]byte(nil), operation.Payload...)
		buffer.Operations = append(buffer.Operations, op)
	}
	self.record(func() {
		buffer.Operations = buffer.Operations[:previousLen]
	})
	return nil
}

func (self *memoryTx) LoadBuffer(projectId protocol.ProjectId, bufferId protocol.BufferId) (*Buffer, error) {
	buffer, ok := self.s.buffers[bufferKey{projectId, bufferId}]
	if !ok {
		return &Buffer{
			ProjectId: projectId,
			BufferId:  bufferId,
		}, nil
	}
	out := *buffer
	out.Operations = append([]StoredOperation(nil), buffer.Operations...)
	return &out, nil
}

func (self *memoryTx) ResetBuffer(projectId protocol.ProjectId, bufferId protocol.BufferId, text string) (uint64, error) {
	s := self.s
	key := bufferKey{projectId, bufferId}
	buffer, ok := s.buffers[key]
	if !ok {
		buffer = &Buffer{
			ProjectId:    projectId,
			BufferId:     bufferId,
			Epoch:        1,
			SnapshotText: text,
		}
		s.buffers[key] = buffer
		self.record(func() {
			delete(s.buffers, key)
		})
		return buffer.Epoch, nil
	}
	previous := *buffer
	previousOperations := buffer.Operations
	buffer.Epoch += 1
	buffer.SnapshotText = text
	buffer.SnapshotVersion += 1
	buffer.Operations = nil
	self.record(func() {
		*buffer = previous
		buffer.Operations = previousOperations
	})
	return buffer.Epoch, nil
}

// channels

func (self *memoryTx) CreateChannel(name string, parentId protocol.ChannelId, creatorId protocol.UserId) (*Channel, error) {
	s := self.s
	parentPath := ""
	if parentId != 0 {
		if _, ok := s.channels[parentId]; !ok {
			return nil, ErrChannelNotFound(parentId)
		}
		parentPath = s.channelPaths[parentId]
	}
	s.nextChannelId += 1
	channelId := s.nextChannelId
	channel := &Channel{
		Id:        channelId,
		Name:      name,
		ParentId:  parentId,
		CreatorId: creatorId,
	}
	s.channels[channelId] = channel
	s.channelPaths[channelId] = fmt.Sprintf("%s%d/", parentPath, channelId)
	s.channelMembers[channelId] = map[protocol.UserId]*ChannelMember{
		creatorId: {
			ChannelId: channelId,
			UserId:    creatorId,
			Role:      protocol.ChannelRoleAdmin,
			Accepted:  true,
		},
	}
	self.record(func() {
		delete(s.channels, channelId)
		delete(s.channelPaths, channelId)
		delete(s.channelMembers, channelId)
	})
	out := *channel
	return &out, nil
}

func (self *memoryTx) FindChannel(channelId protocol.ChannelId) (*Channel, error) {
	channel, ok := self.s.channels[channelId]
	if !ok {
		return nil, ErrChannelNotFound(channelId)
	}
	out := *channel
	return &out, nil
}

func (self *memoryTx) RenameChannel(channelId protocol.ChannelId, name string) error {
	channel, ok := self.s.channels[channelId]
	if !ok {
		return ErrChannelNotFound(channelId)
	}
	previous := channel.Name
	channel.Name = name
	self.record(func() {
		channel.Name = previous
	})
	return nil
}

func (self *memoryTx) SubtreeChannelIds(channelId protocol.ChannelId) ([]protocol.ChannelId, error) {
	s := self.s
	prefix, ok := s.channelPaths[channelId]
	if !ok {
		return nil, ErrChannelNotFound(channelId)
	}
	ids := []protocol.ChannelId{}
	for id, path := range s.channelPaths {
		if strings.HasPrefix(path, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i int, j int) bool {
		return ids[i] < ids[j]
	})
	return ids, nil
}

func (self *memoryTx) DeleteChannel(channelId protocol.ChannelId) ([]protocol.ChannelId, error) {
	s := self.s
	if _, ok := s.channels[channelId]; !ok {
		return nil, ErrChannelNotFound(channelId)
	}
	prefix := s.channelPaths[channelId]
	deletedIds := []protocol.ChannelId{}
	deletedChannels := map[protocol.ChannelId]*Channel{}
	deletedPaths := map[protocol.ChannelId]string{}
	deletedMembers := map[protocol.ChannelId]map[protocol.UserId]*ChannelMember{}
	for id, path := range s.channelPaths {
		if strings.HasPrefix(path, prefix) {
			deletedIds = append(deletedIds, id)
			deletedChannels[id] = s.channels[id]
			deletedPaths[id] = path
			deletedMembers[id] = s.channelMembers[id]
			delete(s.channels, id)
			delete(s.channelPaths, id)
			delete(s.channelMembers, id)
		}
	}
	sort.Slice(deletedIds, func(i int, j int) bool {
		return deletedIds[i] < deletedIds[j]
	})
	self.record(func() {
		for id, channel := range deletedChannels {
			s.channels[id] = channel
			s.channelPaths[id] = deletedPaths[id]
			s.channelMembers[id] = deletedMembers[id]
		}
	})
	return deletedIds, nil
}

func (self *memoryTx) FindRoomForChannel(channelId protocol.ChannelId) (*Room, error) {
	for _, room := range self.s.rooms {
		if room.ChannelId == channelId {
			out := *room
			return &out, nil
		}
	}
	return nil, nil
}

func (self *memoryTx) ChannelRole(channelId protocol.ChannelId, userId protocol.UserId) (protocol.ChannelRole, bool, error) {
	path, ok := self.s.channelPaths[channelId]
	if !ok {
		return "", false, ErrChannelNotFound(channelId)
	}
	role := protocol.ChannelRole("")
	found := false
	for _, ancestorId := range parseChannelPath(path) {
		member, ok := self.s.channelMembers[ancestorId][userId]
		if ok && member.Accepted {
			found = true
			if role != protocol.ChannelRoleAdmin {
				role = member.Role
			}
		}
	}
	return role, found, nil
}

func (self *memoryTx) ChannelMembers(channelId protocol.ChannelId) ([]ChannelMember, error) {
	if _, ok := self.s.channels[channelId]; !ok {
		return nil, ErrChannelNotFound(channelId)
	}
	members := []ChannelMember{}
	for _, member := range self.s.channelMembers[channelId] {
		members = append(members, *member)
	}
	sort.Slice(members, func(i int, j int) bool {
		return members[i].UserId < members[j].UserId
	})
	return members, nil
}

func (self *memoryTx) UpsertChannelMember(member ChannelMember) error {
	s := self.s
	if _, ok := s.channels[member.ChannelId]; !ok {
		return ErrChannelNotFound(member.ChannelId)
	}
	members := s.channelMembers[member.ChannelId]
	previous, had := members[member.UserId]
	m := member
	members[member.UserId] = &m
	self.record(func() {
		if had {
			members[member.UserId] = previous
		} else {
			delete(members, member.UserId)
		}
	})
	return nil
}

func (self *memoryTx) RemoveChannelMember(channelId protocol.ChannelId, userId protocol.UserId) (bool, error) {
	members := self.s.channelMembers[channelId]
	member, ok := members[userId]
	if !ok {
		return false, nil
	}
	delete(members, userId)
	self.record(func() {
		members[userId] = member
	})
	return true, nil
}

func (self *memoryTx) ChannelsForUser(userId protocol.UserId) ([]ChannelMembership, error) {
	s := self.s
	// direct memberships, then every descendant of an accepted one with
	// the inherited role
	memberships := map[protocol.ChannelId]ChannelMembership{}
	for channelId, members := range s.channelMembers {
		member, ok := members[userId]
		if !ok {
			continue
		}
		channel := s.channels[channelId]
		memberships[channelId] = ChannelMembership{
			Channel:  *channel,
			Role:     member.Role,
			Accepted: member.Accepted,
		}
		if !member.Accepted {
			continue
		}
		prefix := s.channelPaths[channelId]
		for descendantId, path := range s.channelPaths {
			if descendantId == channelId || !strings.HasPrefix(path, prefix) {
				continue
			}
			if existing, ok := memberships[descendantId]; ok && existing.Role == protocol.ChannelRoleAdmin {
				continue
			}
			memberships[descendantId] = ChannelMembership{
				Channel:  *s.channels[descendantId],
				Role:     member.Role,
				Accepted: true,
			}
		}
	}
	out := maps.Values(memberships)
	sort.Slice(out, func(i int, j int) bool {
		return out[i].Channel.Id < out[j].Channel.Id
	})
	return out, nil
}

func copyWorktree(worktree *Worktree) *Worktree {
	out := *worktree
	out.Entries = maps.Clone(worktree.Entries)
	if out.Entries == nil {
		out.Entries = map[uint64]protocol.WorktreeEntry{}
	}
	out.Diagnostics = maps.Clone(worktree.Diagnostics)
	out.Settings = maps.Clone(worktree.Settings)
	return &out
}

func parseChannelPath(path string) []protocol.ChannelId {
	ids := []protocol.ChannelId{}
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		var id protocol.ChannelId
		fmt.Sscanf(part, "%d", &id)
		ids = append(ids, id)
	}
	return ids
}
