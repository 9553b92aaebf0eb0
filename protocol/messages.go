package protocol

// the wire catalog. every message that crosses a connection is one of
// the types below, wrapped in a Frame. requests carry a per-connection
// monotonic message id; responses echo it in ReplyTo. broadcasts have
// no ReplyTo and never carry error payloads.

type PrincipalKind string

const (
	PrincipalUser    PrincipalKind = "user"
	PrincipalService PrincipalKind = "service"
)

type LocationKind string

const (
	// editing inside a shared project
	LocationProject LocationKind = "project"
	// in the call but outside any shared project
	LocationExternal LocationKind = "external"
	// joined the room, not yet placed
	LocationLobby LocationKind = "lobby"
)

type Location struct {
	Kind      LocationKind `json:"kind"`
	ProjectId ProjectId    `json:"project_id,omitempty"`
}

type ChannelRole string

const (
	ChannelRoleAdmin  ChannelRole = "admin"
	ChannelRoleMember ChannelRole = "member"
)

// snapshot and delta payload types

type ParticipantInfo struct {
	UserId       UserId       `json:"user_id"`
	ConnectionId ConnectionId `json:"connection_id"`
	Location     Location     `json:"location"`
}

type PendingCallInfo struct {
	CalleeUserId UserId `json:"callee_user_id"`
	CallerUserId UserId `json:"caller_user_id"`
}

type RoomSnapshot struct {
	RoomId        RoomId            `json:"room_id"`
	ChannelId     ChannelId         `json:"channel_id,omitempty"`
	LiveMediaRoom string            `json:"live_media_room"`
	Participants  []ParticipantInfo `json:"participants"`
	PendingCalls  []PendingCallInfo `json:"pending_calls,omitempty"`
	ProjectIds    []ProjectId       `json:"project_ids,omitempty"`
}

type CollaboratorInfo struct {
	UserId       UserId       `json:"user_id"`
	ConnectionId ConnectionId `json:"connection_id"`
	ReplicaId    ReplicaId    `json:"replica_id"`
	IsHost       bool         `json:"is_host"`
}

type WorktreeEntry struct {
	Id        uint64 `json:"id"`
	Path      string `json:"path"`
	IsDir     bool   `json:"is_dir,omitempty"`
	Mtime     int64  `json:"mtime,omitempty"`
	IsIgnored bool   `json:"is_ignored,omitempty"`
}

type DiagnosticSummary struct {
	Path           string `json:"path"`
	LanguageServer string `json:"language_server,omitempty"`
	ErrorCount     int    `json:"error_count"`
	WarningCount   int    `json:"warning_count"`
}

type WorktreeSnapshot struct {
	WorktreeId      WorktreeId          `json:"worktree_id"`
	RootName        string              `json:"root_name"`
	Entries         []WorktreeEntry     `json:"entries"`
	Diagnostics     []DiagnosticSummary `json:"diagnostics,omitempty"`
	Settings        map[string]string   `json:"settings,omitempty"`
	ScanId          uint64              `json:"scan_id"`
	CompletedScanId uint64              `json:"completed_scan_id"`
}

type ProjectSnapshot struct {
	ProjectId      ProjectId          `json:"project_id"`
	RoomId         RoomId             `json:"room_id"`
	HostConnection ConnectionId       `json:"host_connection"`
	Collaborators  []CollaboratorInfo `json:"collaborators"`
	Worktrees      []WorktreeSnapshot `json:"worktrees"`
}

// a single already-resolved edit operation. the payload is opaque to the
// server: it is relayed verbatim, attributed by (replica_id, lamport).
type BufferOperation struct {
	ReplicaId ReplicaId `json:"replica_id"`
	Lamport   uint32    `json:"lamport"`
	Payload   []byte    `json:"payload"`
}

type ChannelInfo struct {
	ChannelId ChannelId   `json:"channel_id"`
	Name      string      `json:"name"`
	ParentId  ChannelId   `json:"parent_id,omitempty"`
	Role      ChannelRole `json:"role,omitempty"`
	Invited   bool        `json:"invited,omitempty"`
}

// requests

type Auth struct {
	Token string `json:"token"`
}

type Ping struct{}

type CreateRoom struct{}

type JoinRoom struct {
	RoomId RoomId `json:"room_id"`
}

type LeaveRoom struct {
	RoomId RoomId `json:"room_id"`
}

type Call struct {
	RoomId       RoomId `json:"room_id"`
	CalleeUserId UserId `json:"callee_user_id"`
}

type CancelCall struct {
	RoomId       RoomId `json:"room_id"`
	CalleeUserId UserId `json:"callee_user_id"`
}

type DeclineCall struct {
	RoomId RoomId `json:"room_id"`
}

type UpdateLocation struct {
	RoomId   RoomId   `json:"room_id"`
	Location Location `json:"location"`
}

type ShareProject struct {
	RoomId    RoomId             `json:"room_id"`
	Worktrees []WorktreeSnapshot `json:"worktrees"`
}

type UnshareProject struct {
	ProjectId ProjectId `json:"project_id"`
}

type JoinProject struct {
	ProjectId ProjectId `json:"project_id"`
}

type LeaveProject struct {
	ProjectId ProjectId `json:"project_id"`
}

type UpdateBuffer struct {
	ProjectId  ProjectId         `json:"project_id"`
	BufferId   BufferId          `json:"buffer_id"`
	Epoch      uint64            `json:"epoch"`
	Operations []BufferOperation `json:"operations"`
}

// fetches a buffer's baseline snapshot plus the operations accepted
// after it, so a joining collaborator does not replay the full log
type OpenBuffer struct {
	ProjectId ProjectId `json:"project_id"`
	BufferId  BufferId  `json:"buffer_id"`
}

// host-only. starts a new epoch for the buffer with the given baseline
// text, invalidating the previous operation log.
type ResetBuffer struct {
	ProjectId ProjectId `json:"project_id"`
	BufferId  BufferId  `json:"buffer_id"`
	Text      string    `json:"text"`
}

type UpdateWorktree struct {
	ProjectId      ProjectId       `json:"project_id"`
	WorktreeId     WorktreeId      `json:"worktree_id"`
	RootName       string          `json:"root_name,omitempty"`
	UpdatedEntries []WorktreeEntry `json:"updated_entries,omitempty"`
	RemovedEntries []uint64        `json:"removed_entries,omitempty"`
	ScanId         uint64          `json:"scan_id"`
	IsLastUpdate   bool            `json:"is_last_update,omitempty"`
}

type UpdateDiagnosticSummary struct {
	ProjectId  ProjectId         `json:"project_id"`
	WorktreeId WorktreeId        `json:"worktree_id"`
	Summary    DiagnosticSummary `json:"summary"`
}

type UpdateWorktreeSettings struct {
	ProjectId  ProjectId  `json:"project_id"`
	WorktreeId WorktreeId `json:"worktree_id"`
	Path       string     `json:"path"`
	Content    string     `json:"content,omitempty"`
}

type CreateChannel struct {
	Name     string    `json:"name"`
	ParentId ChannelId `json:"parent_id,omitempty"`
}

type DeleteChannel struct {
	ChannelId ChannelId `json:"channel_id"`
}

type RenameChannel struct {
	ChannelId ChannelId `json:"channel_id"`
	Name      string    `json:"name"`
}

type JoinChannel struct {
	ChannelId ChannelId `json:"channel_id"`
}

type InviteChannelMember struct {
	ChannelId ChannelId   `json:"channel_id"`
	UserId    UserId      `json:"user_id"`
	Role      ChannelRole `json:"role"`
}

type RemoveChannelMember struct {
	ChannelId ChannelId `json:"channel_id"`
	UserId    UserId    `json:"user_id"`
}

type RespondToChannelInvite struct {
	ChannelId ChannelId `json:"channel_id"`
	Accept    bool      `json:"accept"`
}

// responses

type Ack struct{}

type Pong struct{}

type AuthAck struct {
	ConnectionId ConnectionId `json:"connection_id"`
	UserId       UserId       `json:"user_id"`
}

type RoomResponse struct {
	Room       RoomSnapshot `json:"room"`
	MediaToken string       `json:"media_token,omitempty"`
}

type ShareProjectResponse struct {
	ProjectId ProjectId `json:"project_id"`
}

type JoinProjectResponse struct {
	Project   ProjectSnapshot `json:"project"`
	ReplicaId ReplicaId       `json:"replica_id"`
}

type ChannelResponse struct {
	Channel ChannelInfo `json:"channel"`
}

type OpenBufferResponse struct {
	ProjectId  ProjectId         `json:"project_id"`
	BufferId   BufferId          `json:"buffer_id"`
	Epoch      uint64            `json:"epoch"`
	Text       string            `json:"text"`
	Operations []BufferOperation `json:"operations,omitempty"`
}

type ErrorKind string

const (
	ErrorKindProtocol            ErrorKind = "protocol"
	ErrorKindUnauthorized        ErrorKind = "unauthorized"
	ErrorKindRoomNotFound        ErrorKind = "room_not_found"
	ErrorKindAlreadyJoined       ErrorKind = "already_joined"
	ErrorKindNotInRoom           ErrorKind = "not_in_room"
	ErrorKindProjectNotShared    ErrorKind = "project_not_shared"
	ErrorKindNotHost             ErrorKind = "not_host"
	ErrorKindStaleEpoch          ErrorKind = "stale_epoch"
	ErrorKindDuplicateConnection ErrorKind = "duplicate_connection"
	ErrorKindChannelNotFound     ErrorKind = "channel_not_found"
	ErrorKindNoChannelPermission ErrorKind = "no_channel_permission"
	ErrorKindInternal            ErrorKind = "internal"
)

// the structured error surface. EntityId is the offending room, project,
// buffer, or channel id, so the client can decide whether to resync.
type ErrorResponse struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message,omitempty"`
	EntityId uint64    `json:"entity_id,omitempty"`
}

// broadcasts

type RoomUpdated struct {
	Room RoomSnapshot `json:"room"`
}

// location diff, sent instead of a full snapshot
type ParticipantLocation struct {
	RoomId       RoomId       `json:"room_id"`
	ConnectionId ConnectionId `json:"connection_id"`
	Location     Location     `json:"location"`
}

type IncomingCall struct {
	RoomId       RoomId    `json:"room_id"`
	CallerUserId UserId    `json:"caller_user_id"`
	ChannelId    ChannelId `json:"channel_id,omitempty"`
}

type CallCanceled struct {
	RoomId RoomId `json:"room_id"`
}

type BufferOperations struct {
	ProjectId  ProjectId         `json:"project_id"`
	BufferId   BufferId          `json:"buffer_id"`
	Epoch      uint64            `json:"epoch"`
	Operations []BufferOperation `json:"operations"`
}

type BufferReset struct {
	ProjectId ProjectId `json:"project_id"`
	BufferId  BufferId  `json:"buffer_id"`
	Epoch     uint64    `json:"epoch"`
	Text      string    `json:"text"`
}

type WorktreeUpdated struct {
	ProjectId      ProjectId       `json:"project_id"`
	WorktreeId     WorktreeId      `json:"worktree_id"`
	UpdatedEntries []WorktreeEntry `json:"updated_entries,omitempty"`
	RemovedEntries []uint64        `json:"removed_entries,omitempty"`
	ScanId         uint64          `json:"scan_id"`
	IsLastUpdate   bool            `json:"is_last_update,omitempty"`
}

type DiagnosticsUpdated struct {
	ProjectId  ProjectId         `json:"project_id"`
	WorktreeId WorktreeId        `json:"worktree_id"`
	Summary    DiagnosticSummary `json:"summary"`
}

type WorktreeSettingsUpdated struct {
	ProjectId  ProjectId  `json:"project_id"`
	WorktreeId WorktreeId `json:"worktree_id"`
	Path       string     `json:"path"`
	Content    string     `json:"content,omitempty"`
}

type CollaboratorJoined struct {
	ProjectId    ProjectId        `json:"project_id"`
	Collaborator CollaboratorInfo `json:"collaborator"`
}

type CollaboratorLeft struct {
	ProjectId    ProjectId    `json:"project_id"`
	ConnectionId ConnectionId `json:"connection_id"`
	// set when the departing collaborator was host and another remains
	NewHostReplicaId *ReplicaId `json:"new_host_replica_id,omitempty"`
}

type ProjectUnshared struct {
	ProjectId ProjectId `json:"project_id"`
}

type ChannelsUpdated struct {
	Channels        []ChannelInfo `json:"channels,omitempty"`
	Invites         []ChannelInfo `json:"invites,omitempty"`
	DeletedChannels []ChannelId   `json:"deleted_channels,omitempty"`
}
