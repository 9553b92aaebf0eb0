package collab

import (
	"context"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/golang/glog"

	"coedit.dev/collab/protocol"
)

type ProjectsSettings struct {
	Retry *RetrySettings
	// assembled buffers kept in memory so repeat opens skip the store
	BufferCacheSize int
}

func DefaultProjectsSettings() *ProjectsSettings {
	return &ProjectsSettings{
		Retry:           DefaultRetrySettings(),
		BufferCacheSize: 512,
	}
}

// Projects owns per-buffer operation ordering and fan-out plus worktree
// and diagnostics sync for shared projects. This layer is a reliable
// multicast of already-resolved operations, not a merge engine: accepted
// operations are relayed verbatim, in acceptance order, to every other
// collaborator.
type Projects struct {
	store     Store
	registry  *ConnectionRegistry
	broadcast *broadcaster
	settings  *ProjectsSettings

	bufferCache *lru.Cache[bufferKey, *Buffer]

	// per-buffer sequencers. holding one across commit+enqueue is what
	// makes the broadcast stream prefix-consistent with acceptance
	// order; they are leaf locks, never nested.
	bufferLocks sync.Map
}

func NewProjectsWithDefaults(store Store, registry *ConnectionRegistry, relay Relay) *Projects {
	return NewProjects(store, registry, relay, DefaultProjectsSettings())
}

func NewProjects(store Store, registry *ConnectionRegistry, relay Relay, settings *ProjectsSettings) *Projects {
	bufferCache, _ := lru.New[bufferKey, *Buffer](settings.BufferCacheSize)
	return &Projects{
		store:    store,
		registry: registry,
		broadcast: &broadcaster{
			registry: registry,
			relay:    relay,
		},
		settings:    settings,
		bufferCache: bufferCache,
	}
}

// Share registers the caller as host of a new project in the room, with
// replica id 0.
func (self *Projects) Share(ctx context.Context, roomId protocol.RoomId, userId protocol.UserId, connectionId protocol.ConnectionId, worktrees []protocol.WorktreeSnapshot) (*protocol.ShareProjectResponse, error) {
	var project *Project
	var roomSnapshot *protocol.RoomSnapshot
	err := writeTx(ctx, self.store, self.settings.Retry, false, func(tx StoreTx) error {
		room, err := tx.FindRoom(roomId)
		if err != nil {
			return err
		}
		if err := requireParticipant(tx, roomId, connectionId); err != nil {
			return err
		}
		storeWorktrees := make([]Worktree, 0, len(worktrees))
		for _, worktree := range worktrees {
			storeWorktrees = append(storeWorktrees, worktreeFromSnapshot(worktree))
		}
		project, err = tx.CreateProject(roomId, userId, connectionId, storeWorktrees)
		if err != nil {
			return err
		}
		roomSnapshot, err = buildRoomSnapshot(tx, room)
		return err
	})
	if err != nil {
		return nil, err
	}
	self.registry.AddProjectSubscription(project.Id, connectionId)
	self.broadcast.ToRoom(roomId, protocol.ConnectionId{}, &protocol.RoomUpdated{
		Room: *roomSnapshot,
	})
	return &protocol.ShareProjectResponse{
		ProjectId: project.Id,
	}, nil
}

// Unshare ends the share for everyone. Host only.
func (self *Projects) Unshare(ctx context.Context, projectId protocol.ProjectId, connectionId protocol.ConnectionId) error {
	var roomId protocol.RoomId
	var collaborators []Collaborator
	var roomSnapshot *protocol.RoomSnapshot
	err := writeTx(ctx, self.store, self.settings.Retry, false, func(tx StoreTx) error {
		project, err := tx.FindProject(projectId)
		if err != nil {
			return err
		}
		if project.HostConnectionId != connectionId {
			return ErrNotHost(projectId)
		}
		roomId = project.RoomId
		collaborators, err = tx.Collaborators(projectId)
		if err != nil {
			return err
		}
		if err := tx.DeleteProject(projectId); err != nil {
			return err
		}
		room, err := tx.FindRoom(roomId)
		if err != nil {
			return err
		}
		roomSnapshot, err = buildRoomSnapshot(tx, room)
		return err
	})
	if err != nil {
		return err
	}
	self.dropProjectState(projectId)
	for _, collaborator := range collaborators {
		self.registry.RemoveProjectSubscription(projectId, collaborator.ConnectionId)
	}
	guestIds := make([]protocol.ConnectionId, 0, len(collaborators))
	for _, collaborator := range collaborators {
		if collaborator.ConnectionId != connectionId {
			guestIds = append(guestIds, collaborator.ConnectionId)
		}
	}
	self.broadcast.ToConnections(guestIds, &protocol.ProjectUnshared{
		ProjectId: projectId,
	})
	self.broadcast.ToRoom(roomId, protocol.ConnectionId{}, &protocol.RoomUpdated{
		Room: *roomSnapshot,
	})
	return nil
}

// Join adds the caller as a collaborator, allocating the next replica
// id. Replica ids are monotonic and never reused even after a
// collaborator leaves, so old operation log entries stay attributable.
func (self *Projects) Join(ctx context.Context, projectId protocol.ProjectId, userId protocol.UserId, connectionId protocol.ConnectionId) (*protocol.JoinProjectResponse, error) {
	var replicaId protocol.ReplicaId
	var projectSnapshot *protocol.ProjectSnapshot
	err := writeTx(ctx, self.store, self.settings.Retry, false, func(tx StoreTx) error {
		project, err := tx.FindProject(projectId)
		if err != nil {
			return err
		}
		if err := requireParticipant(tx, project.RoomId, connectionId); err != nil {
			return err
		}
		// a rejoin from the same connection gets a fresh replica id
		if _, err := tx.RemoveCollaborator(projectId, connectionId); err != nil {
			return err
		}
		replicaId, err = tx.InsertCollaborator(projectId, userId, connectionId)
		if err != nil {
			return err
		}
		projectSnapshot, err = buildProjectSnapshot(tx, project)
		return err
	})
	if err != nil {
		return nil, err
	}
	self.registry.AddProjectSubscription(projectId, connectionId)
	self.broadcast.ToProject(projectId, connectionId, &protocol.CollaboratorJoined{
		ProjectId: projectId,
		Collaborator: protocol.CollaboratorInfo{
			UserId:       userId,
			ConnectionId: connectionId,
			ReplicaId:    replicaId,
		},
	})
	return &protocol.JoinProjectResponse{
		Project:   *projectSnapshot,
		ReplicaId: replicaId,
	}, nil
}

// Leave removes the caller's collaborator row. Idempotent: racing leaves
// of the sole remaining collaborator produce exactly one teardown.
func (self *Projects) Leave(ctx context.Context, projectId protocol.ProjectId, connectionId protocol.ConnectionId) error {
	var result *projectLeaveResult
	err := writeTx(ctx, self.store, self.settings.Retry, true, func(tx StoreTx) error {
		var err error
		result, err = leaveProjectInTx(tx, projectId, connectionId)
		return err
	})
	if err != nil {
		return err
	}
	self.finishLeave(result)
	return nil
}

type projectLeaveResult struct {
	projectId    protocol.ProjectId
	roomId       protocol.RoomId
	connectionId protocol.ConnectionId
	removed      bool
	torndown     bool
	newHost      *Collaborator
	roomSnapshot *protocol.RoomSnapshot
}

// leaveProjectInTx is the transactional half of a project leave, shared
// with the room-leave cascade. Host departure promotes the lowest
// remaining replica id; the last departure tears the project down,
// deleting worktree and diagnostic state with it.
func leaveProjectInTx(tx StoreTx, projectId protocol.ProjectId, connectionId protocol.ConnectionId) (*projectLeaveResult, error) {
	result := &projectLeaveResult{
		projectId:    projectId,
		connectionId: connectionId,
	}
	project, err := tx.FindProject(projectId)
	if err != nil {
		if IsKind(err, protocol.ErrorKindProjectNotShared) {
			// already torn down, for example by a racing leave
			return result, nil
		}
		return nil, err
	}
	result.roomId = project.RoomId
	removed, err := tx.RemoveCollaborator(projectId, connectionId)
	if err != nil {
		return nil, err
	}
	if !removed {
		return result, nil
	}
	result.removed = true
	remaining, err := tx.Collaborators(projectId)
	if err != nil {
		return nil, err
	}
	if len(remaining) == 0 {
		if err := tx.DeleteProject(projectId); err != nil {
			return nil, err
		}
		result.torndown = true
		room, err := tx.FindRoom(project.RoomId)
		if err != nil {
			if IsKind(err, protocol.ErrorKindRoomNotFound) {
				return result, nil
			}
			return nil, err
		}
		result.roomSnapshot, err = buildRoomSnapshot(tx, room)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	if project.HostConnectionId == connectionId {
		// lowest remaining replica id becomes host
		newHost := remaining[0]
		for _, collaborator := range remaining[1:] {
			if collaborator.ReplicaId < newHost.ReplicaId {
				newHost = collaborator
			}
		}
		if err := tx.SetProjectHost(projectId, newHost.ConnectionId); err != nil {
			return nil, err
		}
		result.newHost = &newHost
	}
	return result, nil
}

// finishLeave applies the registry projection and broadcasts for a
// committed leave.
func (self *Projects) finishLeave(result *projectLeaveResult) {
	if !result.removed {
		return
	}
	self.registry.RemoveProjectSubscription(result.projectId, result.connectionId)
	if result.torndown {
		glog.V(1).Infof("[proj]%d torn down\n", result.projectId)
		self.dropProjectState(result.projectId)
		if result.roomSnapshot != nil {
			self.broadcast.ToRoom(result.roomId, result.connectionId, &protocol.RoomUpdated{
				Room: *result.roomSnapshot,
			})
		}
		return
	}
	left := &protocol.CollaboratorLeft{
		ProjectId:    result.projectId,
		ConnectionId: result.connectionId,
	}
	if result.newHost != nil {
		replicaId := result.newHost.ReplicaId
		left.NewHostReplicaId = &replicaId
	}
	self.broadcast.ToProject(result.projectId, result.connectionId, left)
}

// ApplyOperations appends accepted operations to the buffer's log and
// returns after queuing the verbatim relay to every other collaborator.
// The per-buffer sequencer makes the relay order match acceptance order.
func (self *Projects) ApplyOperations(ctx context.Context, connectionId protocol.ConnectionId, request *protocol.UpdateBuffer) error {
	if request.Epoch == 0 {
		return ErrProtocol("buffer epoch 0 is invalid")
	}
	if len(request.Operations) == 0 {
		return nil
	}
	sequencer := self.bufferSequencer(request.ProjectId, request.BufferId)
	sequencer.Lock()
	defer sequencer.Unlock()

	err := writeTx(ctx, self.store, self.settings.Retry, false, func(tx StoreTx) error {
		if err := requireCollaborator(tx, request.ProjectId, connectionId); err != nil {
			return err
		}
		currentEpoch, err := tx.BufferEpoch(request.ProjectId, request.BufferId)
		if err != nil {
			return err
		}
		if currentEpoch != 0 && currentEpoch != request.Epoch {
			return ErrStaleEpoch(request.BufferId, currentEpoch, request.Epoch)
		}
		maxLamport, err := tx.MaxLamport(request.ProjectId, request.BufferId, request.Epoch)
		if err != nil {
			return err
		}
		operations := make([]StoredOperation, 0, len(request.Operations))
		for _, operation := range request.Operations {
			if operation.Lamport <= maxLamport[operation.ReplicaId] {
				return ErrProtocol("lamport %d not increasing for replica %d", operation.Lamport, operation.ReplicaId)
			}
			maxLamport[operation.ReplicaId] = operation.Lamport
			operations = append(operations, StoredOperation{
				Epoch:     request.Epoch,
				ReplicaId: operation.ReplicaId,
				Lamport:   operation.Lamport,
				Payload:   operation.Payload,
			})
		}
		return tx.AppendBufferOperations(request.ProjectId, request.BufferId, request.Epoch, operations)
	})
	if err != nil {
		return err
	}
	self.bufferCache.Remove(bufferKey{request.ProjectId, request.BufferId})
	self.broadcast.ToProject(request.ProjectId, connectionId, &protocol.BufferOperations{
		ProjectId:  request.ProjectId,
		BufferId:   request.BufferId,
		Epoch:      request.Epoch,
		Operations: request.Operations,
	})
	return nil
}

// ResetBuffer starts a new epoch with a fresh baseline, bounding log
// growth when the buffer's underlying file identity changes. Host only.
func (self *Projects) ResetBuffer(ctx context.Context, connectionId protocol.ConnectionId, request *protocol.ResetBuffer) error {
	sequencer := self.bufferSequencer(request.ProjectId, request.BufferId)
	sequencer.Lock()
	defer sequencer.Unlock()

	var epoch uint64
	err := writeTx(ctx, self.store, self.settings.Retry, false, func(tx StoreTx) error {
		project, err := tx.FindProject(request.ProjectId)
		if err != nil {
			return err
		}
		if project.HostConnectionId != connectionId {
			return ErrNotHost(request.ProjectId)
		}
		epoch, err = tx.ResetBuffer(request.ProjectId, request.BufferId, request.Text)
		return err
	})
	if err != nil {
		return err
	}
	self.bufferCache.Remove(bufferKey{request.ProjectId, request.BufferId})
	self.broadcast.ToProject(request.ProjectId, connectionId, &protocol.BufferReset{
		ProjectId: request.ProjectId,
		BufferId:  request.BufferId,
		Epoch:     epoch,
		Text:      request.Text,
	})
	return nil
}

// OpenBuffer returns the baseline snapshot plus trailing operations,
// read through the in-memory cache.
func (self *Projects) OpenBuffer(ctx context.Context, connectionId protocol.ConnectionId, request *protocol.OpenBuffer) (*protocol.OpenBufferResponse, error) {
	sequencer := self.bufferSequencer(request.ProjectId, request.BufferId)
	sequencer.Lock()
	defer sequencer.Unlock()

	key := bufferKey{request.ProjectId, request.BufferId}
	buffer, cached := self.bufferCache.Get(key)
	err := readTx(ctx, self.store, self.settings.Retry, func(tx StoreTx) error {
		if err := requireCollaborator(tx, request.ProjectId, connectionId); err != nil {
			return err
		}
		if cached {
			return nil
		}
		var err error
		buffer, err = tx.LoadBuffer(request.ProjectId, request.BufferId)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !cached {
		self.bufferCache.Add(key, buffer)
	}
	response := &protocol.OpenBufferResponse{
		ProjectId: request.ProjectId,
		BufferId:  request.BufferId,
		Epoch:     buffer.Epoch,
		Text:      buffer.SnapshotText,
	}
	for _, operation := range buffer.Operations {
		if operation.Epoch != buffer.Epoch {
			continue
		}
		response.Operations = append(response.Operations, protocol.BufferOperation{
			ReplicaId: operation.ReplicaId,
			Lamport:   operation.Lamport,
			Payload:   operation.Payload,
		})
	}
	return response, nil
}

// UpdateWorktree merges an incremental entry delta from the host.
// completed_scan_id advances only on the final delta of a scan, so
// consumers can tell "still scanning" from "settled".
func (self *Projects) UpdateWorktree(ctx context.Context, connectionId protocol.ConnectionId, request *protocol.UpdateWorktree) error {
	err := writeTx(ctx, self.store, self.settings.Retry, true, func(tx StoreTx) error {
		if err := requireHost(tx, request.ProjectId, connectionId); err != nil {
			return err
		}
		_, err := tx.UpsertWorktreeEntries(
			request.ProjectId,
			request.WorktreeId,
			request.RootName,
			request.UpdatedEntries,
			request.RemovedEntries,
			request.ScanId,
			request.IsLastUpdate,
		)
		return err
	})
	if err != nil {
		return err
	}
	self.broadcast.ToProject(request.ProjectId, connectionId, &protocol.WorktreeUpdated{
		ProjectId:      request.ProjectId,
		WorktreeId:     request.WorktreeId,
		UpdatedEntries: request.UpdatedEntries,
		RemovedEntries: request.RemovedEntries,
		ScanId:         request.ScanId,
		IsLastUpdate:   request.IsLastUpdate,
	})
	return nil
}

func (self *Projects) UpdateDiagnosticSummary(ctx context.Context, connectionId protocol.ConnectionId, request *protocol.UpdateDiagnosticSummary) error {
	err := writeTx(ctx, self.store, self.settings.Retry, true, func(tx StoreTx) error {
		if err := requireHost(tx, request.ProjectId, connectionId); err != nil {
			return err
		}
		return tx.SetDiagnosticSummary(request.ProjectId, request.WorktreeId, request.Summary)
	})
	if err != nil {
		return err
	}
	self.broadcast.ToProject(request.ProjectId, connectionId, &protocol.DiagnosticsUpdated{
		ProjectId:  request.ProjectId,
		WorktreeId: request.WorktreeId,
		Summary:    request.Summary,
	})
	return nil
}

func (self *Projects) UpdateWorktreeSettings(ctx context.Context, connectionId protocol.ConnectionId, request *protocol.UpdateWorktreeSettings) error {
	err := writeTx(ctx, self.store, self.settings.Retry, true, func(tx StoreTx) error {
		if err := requireHost(tx, request.ProjectId, connectionId); err != nil {
			return err
		}
		return tx.SetWorktreeSettings(request.ProjectId, request.WorktreeId, request.Path, request.Content)
	})
	if err != nil {
		return err
	}
	self.broadcast.ToProject(request.ProjectId, connectionId, &protocol.WorktreeSettingsUpdated{
		ProjectId:  request.ProjectId,
		WorktreeId: request.WorktreeId,
		Path:       request.Path,
		Content:    request.Content,
	})
	return nil
}

func (self *Projects) bufferSequencer(projectId protocol.ProjectId, bufferId protocol.BufferId) *sync.Mutex {
	sequencer, _ := self.bufferLocks.LoadOrStore(bufferKey{projectId, bufferId}, &sync.Mutex{})
	return sequencer.(*sync.Mutex)
}

func (self *Projects) dropProjectState(projectId protocol.ProjectId) {
	self.bufferLocks.Range(func(key any, value any) bool {
		if key.(bufferKey).projectId == projectId {
			self.bufferLocks.Delete(key)
		}
		return true
	})
	for _, key := range self.bufferCache.Keys() {
		if key.projectId == projectId {
			self.bufferCache.Remove(key)
		}
	}
}

func requireCollaborator(tx StoreTx, projectId protocol.ProjectId, connectionId protocol.ConnectionId) error {
	collaborators, err := tx.Collaborators(projectId)
	if err != nil {
		return err
	}
	for _, collaborator := range collaborators {
		if collaborator.ConnectionId == connectionId {
			return nil
		}
	}
	if _, err := tx.FindProject(projectId); err != nil {
		return err
	}
	return ErrProjectNotShared(projectId)
}

func requireHost(tx StoreTx, projectId protocol.ProjectId, connectionId protocol.ConnectionId) error {
	project, err := tx.FindProject(projectId)
	if err != nil {
		return err
	}
	if project.HostConnectionId != connectionId {
		return ErrNotHost(projectId)
	}
	return nil
}

func buildProjectSnapshot(tx StoreTx, project *Project) (*protocol.ProjectSnapshot, error) {
	collaborators, err := tx.Collaborators(project.Id)
	if err != nil {
		return nil, err
	}
	worktrees, err := tx.Worktrees(project.Id)
	if err != nil {
		return nil, err
	}
	snapshot := &protocol.ProjectSnapshot{
		ProjectId:      project.Id,
		RoomId:         project.RoomId,
		HostConnection: project.HostConnectionId,
		Collaborators:  []protocol.CollaboratorInfo{},
		Worktrees:      []protocol.WorktreeSnapshot{},
	}
	for _, collaborator := range collaborators {
		snapshot.Collaborators = append(snapshot.Collaborators, protocol.CollaboratorInfo{
			UserId:       collaborator.UserId,
			ConnectionId: collaborator.ConnectionId,
			ReplicaId:    collaborator.ReplicaId,
			IsHost:       collaborator.IsHost,
		})
	}
	for _, worktree := range worktrees {
		snapshot.Worktrees = append(snapshot.Worktrees, worktreeSnapshot(&worktree))
	}
	return snapshot, nil
}

func worktreeFromSnapshot(snapshot protocol.WorktreeSnapshot) Worktree {
	worktree := Worktree{
		Id:              snapshot.WorktreeId,
		RootName:        snapshot.RootName,
		Entries:         map[uint64]protocol.WorktreeEntry{},
		ScanId:          snapshot.ScanId,
		CompletedScanId: snapshot.CompletedScanId,
	}
	for _, entry := range snapshot.Entries {
		worktree.Entries[entry.Id] = entry
	}
	for _, summary := range snapshot.Diagnostics {
		if worktree.Diagnostics == nil {
			worktree.Diagnostics = map[string]protocol.DiagnosticSummary{}
		}
		worktree.Diagnostics[summary.Path] = summary
	}
	if len(snapshot.Settings) != 0 {
		worktree.Settings = map[string]string{}
		for path, content := range snapshot.Settings {
			worktree.Settings[path] = content
		}
	}
	return worktree
}

func worktreeSnapshot(worktree *Worktree) protocol.WorktreeSnapshot {
	snapshot := protocol.WorktreeSnapshot{
		WorktreeId:      worktree.Id,
		RootName:        worktree.RootName,
		Entries:         []protocol.WorktreeEntry{},
		ScanId:          worktree.ScanId,
		CompletedScanId: worktree.CompletedScanId,
	}
	for _, entry := range worktree.Entries {
		snapshot.Entries = append(snapshot.Entries, entry)
	}
	sort.Slice(snapshot.Entries, func(i int, j int) bool {
		return snapshot.Entries[i].Id < snapshot.Entries[j].Id
	})
	for _, summary := range worktree.Diagnostics {
		snapshot.Diagnostics = append(snapshot.Diagnostics, summary)
	}
	sort.Slice(snapshot.Diagnostics, func(i int, j int) bool {
		return snapshot.Diagnostics[i].Path < snapshot.Diagnostics[j].Path
	})
	if len(worktree.Settings) != 0 {
		snapshot.Settings = map[string]string{}
		for path, content := range worktree.Settings {
			snapshot.Settings[path] = content
		}
	}
	return snapshot
}
