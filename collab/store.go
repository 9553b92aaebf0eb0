package collab

import (
	"context"

	"coedit.dev/collab/protocol"
)

// The store is the single source of truth for durable state. The in-memory
// registry and room maps are projections rebuilt from transaction results,
// never trusted ahead of them. Multi-step operations ("remove participant
// and delete the now-empty room") run inside one StoreTx.

type Room struct {
	Id            protocol.RoomId
	ChannelId     protocol.ChannelId // zero for ad hoc rooms
	LiveMediaRoom string
}

type Participant struct {
	RoomId       protocol.RoomId
	UserId       protocol.UserId
	ConnectionId protocol.ConnectionId
	Location     protocol.Location
}

type PendingCall struct {
	RoomId       protocol.RoomId
	CallerUserId protocol.UserId
	CalleeUserId protocol.UserId
}

type Project struct {
	Id               protocol.ProjectId
	RoomId           protocol.RoomId
	HostConnectionId protocol.ConnectionId
}

type Collaborator struct {
	ProjectId    protocol.ProjectId
	UserId       protocol.UserId
	ConnectionId protocol.ConnectionId
	ReplicaId    protocol.ReplicaId
	IsHost       bool
}

type Worktree struct {
	Id              protocol.WorktreeId
	ProjectId       protocol.ProjectId
	RootName        string
	Entries         map[uint64]protocol.WorktreeEntry
	Diagnostics     map[string]protocol.DiagnosticSummary
	Settings        map[string]string
	ScanId          uint64
	CompletedScanId uint64
}

type StoredOperation struct {
	Epoch     uint64
	ReplicaId protocol.ReplicaId
	Lamport   uint32
	Payload   []byte
}

// Buffer is a snapshot plus the operations accepted after it, in
// acceptance order. Snapshot and trailing operations together fully
// reconstruct current content.
type Buffer struct {
	ProjectId       protocol.ProjectId
	BufferId        protocol.BufferId
	Epoch           uint64
	SnapshotText    string
	SnapshotVersion int
	Operations      []StoredOperation
}

type Channel struct {
	Id        protocol.ChannelId
	Name      string
	ParentId  protocol.ChannelId
	CreatorId protocol.UserId
}

type ChannelMember struct {
	ChannelId protocol.ChannelId
	UserId    protocol.UserId
	Role      protocol.ChannelRole
	Accepted  bool
}

type ChannelMembership struct {
	Channel  Channel
	Role     protocol.ChannelRole
	Accepted bool
}

type Store interface {
	// called once per server process. epochs are never reused, which is
	// what makes connection ids globally unique across restarts.
	AllocateServerEpoch(ctx context.Context) (protocol.ServerEpoch, error)

	WithTx(ctx context.Context, fn func(tx StoreTx) error) error

	Close()
}

type StoreTx interface {
	// rooms
	CreateRoom(channelId protocol.ChannelId, liveMediaRoom string) (*Room, error)
	FindRoom(roomId protocol.RoomId) (*Room, error)
	DeleteRoom(roomId protocol.RoomId) error
	InsertParticipant(participant Participant) error
	RemoveParticipant(roomId protocol.RoomId, connectionId protocol.ConnectionId) (bool, error)
	UpdateParticipantLocation(roomId protocol.RoomId, connectionId protocol.ConnectionId, location protocol.Location) (bool, error)
	Participants(roomId protocol.RoomId) ([]Participant, error)
	InsertPendingCall(call PendingCall) error
	RemovePendingCall(roomId protocol.RoomId, calleeUserId protocol.UserId) (bool, error)
	PendingCalls(roomId protocol.RoomId) ([]PendingCall, error)

	// projects
	CreateProject(roomId protocol.RoomId, hostUserId protocol.UserId, hostConnectionId protocol.ConnectionId, worktrees []Worktree) (*Project, error)
	FindProject(projectId protocol.ProjectId) (*Project, error)
	DeleteProject(projectId protocol.ProjectId) error
	SetProjectHost(projectId protocol.ProjectId, connectionId protocol.ConnectionId) error
	InsertCollaborator(projectId protocol.ProjectId, userId protocol.UserId, connectionId protocol.ConnectionId) (protocol.ReplicaId, error)
	RemoveCollaborator(projectId protocol.ProjectId, connectionId protocol.ConnectionId) (bool, error)
	Collaborators(projectId protocol.ProjectId) ([]Collaborator, error)
	ProjectsForConnection(connectionId protocol.ConnectionId) ([]Project, error)
	ProjectsForRoom(roomId protocol.RoomId) ([]Project, error)
	Worktrees(projectId protocol.ProjectId) ([]Worktree, error)
	UpsertWorktreeEntries(projectId protocol.ProjectId, worktreeId protocol.WorktreeId, rootName string, updated []protocol.WorktreeEntry, removed []uint64, scanId uint64, isLastUpdate bool) (*Worktree, error)
	SetDiagnosticSummary(projectId protocol.ProjectId, worktreeId protocol.WorktreeId, summary protocol.DiagnosticSummary) error
	SetWorktreeSettings(projectId protocol.ProjectId, worktreeId protocol.WorktreeId, path string, content string) error

	// buffers
	BufferEpoch(projectId protocol.ProjectId, bufferId protocol.BufferId) (uint64, error)
	MaxLamport(projectId protocol.ProjectId, bufferId protocol.BufferId, epoch uint64) (map[protocol.ReplicaId]uint32, error)
	AppendBufferOperations(projectId protocol.ProjectId, bufferId protocol.BufferId, epoch uint64, operations []StoredOperation) error
	LoadBuffer(projectId protocol.ProjectId, bufferId protocol.BufferId) (*Buffer, error)
	ResetBuffer(projectId protocol.ProjectId, bufferId protocol.BufferId, text string) (uint64, error)

	// channels
	CreateChannel(name string, parentId protocol.ChannelId, creatorId protocol.UserId) (*Channel, error)
	FindChannel(channelId protocol.ChannelId) (*Channel, error)
	RenameChannel(channelId protocol.ChannelId, name string) error
	// the channel plus all descendants
	SubtreeChannelIds(channelId protocol.ChannelId) ([]protocol.ChannelId, error)
	// deletes the channel and all descendants, returning the deleted ids
	DeleteChannel(channelId protocol.ChannelId) ([]protocol.ChannelId, error)
	FindRoomForChannel(channelId protocol.ChannelId) (*Room, error)
	// role resolved through ancestors: membership in a parent grants the
	// same role in every descendant
	ChannelRole(channelId protocol.ChannelId, userId protocol.UserId) (protocol.ChannelRole, bool, error)
	ChannelMembers(channelId protocol.ChannelId) ([]ChannelMember, error)
	UpsertChannelMember(member ChannelMember) error
	RemoveChannelMember(channelId protocol.ChannelId, userId protocol.UserId) (bool, error)
	ChannelsForUser(userId protocol.UserId) ([]ChannelMembership, error)
}
