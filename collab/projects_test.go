package collab

import (
	"context"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"coedit.dev/collab/protocol"
)

func shareTestProject(t *testing.T, ctx context.Context, engine *testEngine, host *RegisteredConnection) (protocol.RoomId, protocol.ProjectId) {
	created, err := engine.rooms.Create(ctx, host.UserId, host.ConnectionId)
	assert.Equal(t, err, nil)
	shared, err := engine.projects.Share(ctx, created.Room.RoomId, host.UserId, host.ConnectionId, []protocol.WorktreeSnapshot{
		{
			WorktreeId: 10,
			RootName:   "zed",
			Entries: []protocol.WorktreeEntry{
				{Id: 1, Path: "src"},
				{Id: 2, Path: "src/main.rs"},
			},
		},
	})
	assert.Equal(t, err, nil)
	drainMessages(t, host)
	return created.Room.RoomId, shared.ProjectId
}

func joinTestProject(t *testing.T, ctx context.Context, engine *testEngine, roomId protocol.RoomId, projectId protocol.ProjectId, guest *RegisteredConnection) *protocol.JoinProjectResponse {
	_, err := engine.rooms.Join(ctx, roomId, guest.UserId, guest.ConnectionId)
	assert.Equal(t, err, nil)
	joined, err := engine.projects.Join(ctx, projectId, guest.UserId, guest.ConnectionId)
	assert.Equal(t, err, nil)
	return joined
}

func TestShareAndJoinProject(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine()
	host := engine.connect(t, 1)
	guest := engine.connect(t, 2)

	roomId, projectId := shareTestProject(t, ctx, engine, host)

	// sharing requires room membership
	outsider := engine.connect(t, 3)
	_, err := engine.projects.Share(ctx, roomId, outsider.UserId, outsider.ConnectionId, nil)
	assert.Equal(t, IsKind(err, protocol.ErrorKindNotInRoom), true)

	joined := joinTestProject(t, ctx, engine, roomId, projectId, guest)
	assert.Equal(t, joined.ReplicaId, protocol.ReplicaId(1))
	assert.Equal(t, len(joined.Project.Collaborators), 2)
	assert.Equal(t, joined.Project.Collaborators[0].ReplicaId, protocol.ReplicaId(0))
	assert.Equal(t, joined.Project.Collaborators[0].IsHost, true)
	assert.Equal(t, len(joined.Project.Worktrees), 1)
	assert.Equal(t, len(joined.Project.Worktrees[0].Entries), 2)

	drainMessages(t, host)

	// joining the project requires being in the room first
	late := engine.connect(t, 4)
	_, err = engine.projects.Join(ctx, projectId, late.UserId, late.ConnectionId)
	assert.Equal(t, IsKind(err, protocol.ErrorKindNotInRoom), true)
}

func TestReplicaIdsNeverReused(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine()
	host := engine.connect(t, 1)
	guest := engine.connect(t, 2)

	roomId, projectId := shareTestProject(t, ctx, engine, host)

	joined := joinTestProject(t, ctx, engine, roomId, projectId, guest)
	assert.Equal(t, joined.ReplicaId, protocol.ReplicaId(1))

	err := engine.projects.Leave(ctx, projectId, guest.ConnectionId)
	assert.Equal(t, err, nil)

	// the rejoin gets a fresh replica id, never 1 again
	rejoined, err := engine.projects.Join(ctx, projectId, guest.UserId, guest.ConnectionId)
	assert.Equal(t, err, nil)
	assert.Equal(t, rejoined.ReplicaId, protocol.ReplicaId(2))

	// a rejoin without an explicit leave also reallocates
	again, err := engine.projects.Join(ctx, projectId, guest.UserId, guest.ConnectionId)
	assert.Equal(t, err, nil)
	assert.Equal(t, again.ReplicaId, protocol.ReplicaId(3))
	assert.Equal(t, len(again.Project.Collaborators), 2)
}

func TestConcurrentJoinsGetUniqueReplicas(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine()
	host := engine.connect(t, 1)
	roomId, projectId := shareTestProject(t, ctx, engine, host)

	n := 16
	guests := make([]*RegisteredConnection, n)
	for i := 0; i < n; i += 1 {
		guests[i] = engine.connect(t, protocol.UserId(100+i))
		_, err := engine.rooms.Join(ctx, roomId, guests[i].UserId, guests[i].ConnectionId)
		assert.Equal(t, err, nil)
	}

	replicaIds := make([]protocol.ReplicaId, n)
	wg := sync.WaitGroup{}
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			joined, err := engine.projects.Join(ctx, projectId, guests[i].UserId, guests[i].ConnectionId)
			if err != nil {
				panic(err)
			}
			replicaIds[i] = joined.ReplicaId
		}(i)
	}
	wg.Wait()

	seen := map[protocol.ReplicaId]bool{0: true}
	for _, replicaId := range replicaIds {
		assert.Equal(t, seen[replicaId], false)
		seen[replicaId] = true
	}
}

func TestHostPromotionOnLeave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine()
	host := engine.connect(t, 1)
	b := engine.connect(t, 2)
	c := engine.connect(t, 3)

	roomId, projectId := shareTestProject(t, ctx, engine, host)
	joinTestProject(t, ctx, engine, roomId, projectId, b)
	joinTestProject(t, ctx, engine, roomId, projectId, c)
	drainMessages(t, b)

	err := engine.projects.Leave(ctx, projectId, host.ConnectionId)
	assert.Equal(t, err, nil)

	// lowest remaining replica id takes over
	message := receiveMessage(t, b)
	left, ok := message.(*protocol.CollaboratorLeft)
	assert.Equal(t, ok, true)
	assert.Equal(t, left.ConnectionId, host.ConnectionId)
	assert.NotEqual(t, left.NewHostReplicaId, nil)
	assert.Equal(t, *left.NewHostReplicaId, protocol.ReplicaId(1))

	// the promoted collaborator now passes host checks
	err = engine.projects.UpdateWorktree(ctx, b.ConnectionId, &protocol.UpdateWorktree{
		ProjectId:  projectId,
		WorktreeId: 10,
		ScanId:     1,
	})
	assert.Equal(t, err, nil)
	err = engine.projects.UpdateWorktree(ctx, c.ConnectionId, &protocol.UpdateWorktree{
		ProjectId:  projectId,
		WorktreeId: 10,
		ScanId:     1,
	})
	assert.Equal(t, IsKind(err, protocol.ErrorKindNotHost), true)
}

func TestSoleCollaboratorLeaveTearsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine()
	host := engine.connect(t, 1)
	roomId, projectId := shareTestProject(t, ctx, engine, host)

	err := engine.projects.Leave(ctx, projectId, host.ConnectionId)
	assert.Equal(t, err, nil)
	// racing double leave is safe
	err = engine.projects.Leave(ctx, projectId, host.ConnectionId)
	assert.Equal(t, err, nil)

	guest := engine.connect(t, 2)
	_, err = engine.rooms.Join(ctx, roomId, guest.UserId, guest.ConnectionId)
	assert.Equal(t, err, nil)
	_, err = engine.projects.Join(ctx, projectId, guest.UserId, guest.ConnectionId)
	assert.Equal(t, IsKind(err, protocol.ErrorKindProjectNotShared), true)
}

func TestUnshareProject(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine()
	host := engine.connect(t, 1)
	guest := engine.connect(t, 2)

	roomId, projectId := shareTestProject(t, ctx, engine, host)
	joinTestProject(t, ctx, engine, roomId, projectId, guest)
	drainMessages(t, guest)

	err := engine.projects.Unshare(ctx, projectId, guest.ConnectionId)
	assert.Equal(t, IsKind(err, protocol.ErrorKindNotHost), true)

	err = engine.projects.Unshare(ctx, projectId, host.ConnectionId)
	assert.Equal(t, err, nil)

	messages := drainMessages(t, guest)
	unshared := false
	for _, message := range messages {
		if u, ok := message.(*protocol.ProjectUnshared); ok {
			unshared = true
			assert.Equal(t, u.ProjectId, projectId)
		}
	}
	assert.Equal(t, unshared, true)
}

func TestApplyOperations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine()
	host := engine.connect(t, 1)
	guest := engine.connect(t, 2)

	roomId, projectId := shareTestProject(t, ctx, engine, host)
	joinTestProject(t, ctx, engine, roomId, projectId, guest)
	drainMessages(t, host)

	err := engine.projects.ApplyOperations(ctx, guest.ConnectionId, &protocol.UpdateBuffer{
		ProjectId: projectId,
		BufferId:  5,
		Epoch:     0,
		Operations: []protocol.BufferOperation{
			{ReplicaId: 1, Lamport: 1},
		},
	})
	assert.Equal(t, IsKind(err, protocol.ErrorKindProtocol), true)

	// an empty batch is a no-op, not an error
	err = engine.projects.ApplyOperations(ctx, guest.ConnectionId, &protocol.UpdateBuffer{
		ProjectId: projectId,
		BufferId:  5,
		Epoch:     1,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(drainMessages(t, host)), 0)

	err = engine.projects.ApplyOperations(ctx, guest.ConnectionId, &protocol.UpdateBuffer{
		ProjectId: projectId,
		BufferId:  5,
		Epoch:     1,
		Operations: []protocol.BufferOperation{
			{ReplicaId: 1, Lamport: 1, Payload: []byte("ins")},
			{ReplicaId: 1, Lamport: 2, Payload: []byte("del")},
		},
	})
	assert.Equal(t, err, nil)

	// the sender is excluded from the fan-out
	assert.Equal(t, len(drainMessages(t, guest)), 0)
	message := receiveMessage(t, host)
	operations, ok := message.(*protocol.BufferOperations)
	assert.Equal(t, ok, true)
	assert.Equal(t, operations.BufferId, protocol.BufferId(5))
	assert.Equal(t, len(operations.Operations), 2)

	// a lamport that does not advance for its replica is rejected whole
	err = engine.projects.ApplyOperations(ctx, guest.ConnectionId, &protocol.UpdateBuffer{
		ProjectId: projectId,
		BufferId:  5,
		Epoch:     1,
		Operations: []protocol.BufferOperation{
			{ReplicaId: 1, Lamport: 3},
			{ReplicaId: 1, Lamport: 2},
		},
	})
	assert.Equal(t, IsKind(err, protocol.ErrorKindProtocol), true)

	// the rejected batch left nothing behind
	opened, err := engine.projects.OpenBuffer(ctx, host.ConnectionId, &protocol.OpenBuffer{
		ProjectId: projectId,
		BufferId:  5,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(opened.Operations), 2)

	// only collaborators can write
	outsider := engine.connect(t, 3)
	err = engine.projects.ApplyOperations(ctx, outsider.ConnectionId, &protocol.UpdateBuffer{
		ProjectId: projectId,
		BufferId:  5,
		Epoch:     1,
		Operations: []protocol.BufferOperation{
			{ReplicaId: 9, Lamport: 1},
		},
	})
	assert.Equal(t, IsKind(err, protocol.ErrorKindProjectNotShared), true)
}

func TestConcurrentWritersBroadcastInAcceptanceOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine()
	host := engine.connect(t, 1)
	b := engine.connect(t, 2)
	c := engine.connect(t, 3)

	roomId, projectId := shareTestProject(t, ctx, engine, host)
	joinTestProject(t, ctx, engine, roomId, projectId, b)
	joinTestProject(t, ctx, engine, roomId, projectId, c)
	drainMessages(t, host)

	// two collaborators race single-op batches into one buffer. whatever
	// interleaving the store accepts, every receiver must see that exact
	// order on the wire.
	n := 50
	writers := []*RegisteredConnection{b, c}
	wg := sync.WaitGroup{}
	for i, writer := range writers {
		wg.Add(1)
		go func(replicaId protocol.ReplicaId, writer *RegisteredConnection) {
			defer wg.Done()
			for lamport := uint32(1); lamport <= uint32(n); lamport += 1 {
				err := engine.projects.ApplyOperations(ctx, writer.ConnectionId, &protocol.UpdateBuffer{
					ProjectId: projectId,
					BufferId:  5,
					Epoch:     1,
					Operations: []protocol.BufferOperation{
						{ReplicaId: replicaId, Lamport: lamport},
					},
				})
				if err != nil {
					panic(err)
				}
			}
		}(protocol.ReplicaId(i+1), writer)
	}
	wg.Wait()

	opened, err := engine.projects.OpenBuffer(ctx, host.ConnectionId, &protocol.OpenBuffer{
		ProjectId: projectId,
		BufferId:  5,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(opened.Operations), 2*n)

	observed := []protocol.BufferOperation{}
	for _, message := range drainMessages(t, host) {
		operations, ok := message.(*protocol.BufferOperations)
		assert.Equal(t, ok, true)
		observed = append(observed, operations.Operations...)
	}
	assert.Equal(t, len(observed), 2*n)
	for i, operation := range observed {
		assert.Equal(t, operation.ReplicaId, opened.Operations[i].ReplicaId)
		assert.Equal(t, operation.Lamport, opened.Operations[i].Lamport)
	}
}

func TestResetBufferAndStaleEpoch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine()
	host := engine.connect(t, 1)
	guest := engine.connect(t, 2)

	roomId, projectId := shareTestProject(t, ctx, engine, host)
	joinTestProject(t, ctx, engine, roomId, projectId, guest)
	drainMessages(t, host)

	err := engine.projects.ApplyOperations(ctx, guest.ConnectionId, &protocol.UpdateBuffer{
		ProjectId: projectId,
		BufferId:  5,
		Epoch:     1,
		Operations: []protocol.BufferOperation{
			{ReplicaId: 1, Lamport: 1},
		},
	})
	assert.Equal(t, err, nil)

	err = engine.projects.ResetBuffer(ctx, guest.ConnectionId, &protocol.ResetBuffer{
		ProjectId: projectId,
		BufferId:  5,
		Text:      "fresh",
	})
	assert.Equal(t, IsKind(err, protocol.ErrorKindNotHost), true)

	err = engine.projects.ResetBuffer(ctx, host.ConnectionId, &protocol.ResetBuffer{
		ProjectId: projectId,
		BufferId:  5,
		Text:      "fresh",
	})
	assert.Equal(t, err, nil)

	message := receiveMessage(t, guest)
	reset, ok := message.(*protocol.BufferReset)
	assert.Equal(t, ok, true)
	assert.Equal(t, reset.Epoch, uint64(2))
	assert.Equal(t, reset.Text, "fresh")

	// writes against the old epoch bounce, store untouched
	err = engine.projects.ApplyOperations(ctx, guest.ConnectionId, &protocol.UpdateBuffer{
		ProjectId: projectId,
		BufferId:  5,
		Epoch:     1,
		Operations: []protocol.BufferOperation{
			{ReplicaId: 1, Lamport: 2},
		},
	})
	assert.Equal(t, IsKind(err, protocol.ErrorKindStaleEpoch), true)

	opened, err := engine.projects.OpenBuffer(ctx, guest.ConnectionId, &protocol.OpenBuffer{
		ProjectId: projectId,
		BufferId:  5,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, opened.Epoch, uint64(2))
	assert.Equal(t, opened.Text, "fresh")
	assert.Equal(t, len(opened.Operations), 0)

	// lamport tracking restarts with the new epoch
	err = engine.projects.ApplyOperations(ctx, guest.ConnectionId, &protocol.UpdateBuffer{
		ProjectId: projectId,
		BufferId:  5,
		Epoch:     2,
		Operations: []protocol.BufferOperation{
			{ReplicaId: 1, Lamport: 1},
		},
	})
	assert.Equal(t, err, nil)
}

func TestOpenBufferSnapshotPlusTrailingOps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine()
	host := engine.connect(t, 1)
	guest := engine.connect(t, 2)

	roomId, projectId := shareTestProject(t, ctx, engine, host)
	joinTestProject(t, ctx, engine, roomId, projectId, guest)

	err := engine.projects.ResetBuffer(ctx, host.ConnectionId, &protocol.ResetBuffer{
		ProjectId: projectId,
		BufferId:  7,
		Text:      "base",
	})
	assert.Equal(t, err, nil)
	err = engine.projects.ApplyOperations(ctx, guest.ConnectionId, &protocol.UpdateBuffer{
		ProjectId: projectId,
		BufferId:  7,
		Epoch:     1,
		Operations: []protocol.BufferOperation{
			{ReplicaId: 1, Lamport: 1, Payload: []byte("op1")},
		},
	})
	assert.Equal(t, err, nil)

	// first open loads from the store, second hits the cache; both must
	// agree
	for i := 0; i < 2; i += 1 {
		opened, err := engine.projects.OpenBuffer(ctx, guest.ConnectionId, &protocol.OpenBuffer{
			ProjectId: projectId,
			BufferId:  7,
		})
		assert.Equal(t, err, nil)
		assert.Equal(t, opened.Epoch, uint64(1))
		assert.Equal(t, opened.Text, "base")
		assert.Equal(t, len(opened.Operations), 1)
		assert.Equal(t, opened.Operations[0].Payload, []byte("op1"))
	}
}

func TestWorktreeSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine()
	host := engine.connect(t, 1)
	guest := engine.connect(t, 2)

	roomId, projectId := shareTestProject(t, ctx, engine, host)
	joinTestProject(t, ctx, engine, roomId, projectId, guest)
	drainMessages(t, guest)

	err := engine.projects.UpdateWorktree(ctx, guest.ConnectionId, &protocol.UpdateWorktree{
		ProjectId:  projectId,
		WorktreeId: 10,
		ScanId:     1,
	})
	assert.Equal(t, IsKind(err, protocol.ErrorKindNotHost), true)

	err = engine.projects.UpdateWorktree(ctx, host.ConnectionId, &protocol.UpdateWorktree{
		ProjectId:  projectId,
		WorktreeId: 10,
		UpdatedEntries: []protocol.WorktreeEntry{
			{Id: 3, Path: "src/lib.rs"},
		},
		RemovedEntries: []uint64{2},
		ScanId:         4,
		IsLastUpdate:   true,
	})
	assert.Equal(t, err, nil)

	message := receiveMessage(t, guest)
	updated, ok := message.(*protocol.WorktreeUpdated)
	assert.Equal(t, ok, true)
	assert.Equal(t, updated.ScanId, uint64(4))
	assert.Equal(t, updated.IsLastUpdate, true)

	err = engine.projects.UpdateDiagnosticSummary(ctx, host.ConnectionId, &protocol.UpdateDiagnosticSummary{
		ProjectId:  projectId,
		WorktreeId: 10,
		Summary: protocol.DiagnosticSummary{
			Path:       "src/lib.rs",
			ErrorCount: 2,
		},
	})
	assert.Equal(t, err, nil)
	message = receiveMessage(t, guest)
	diagnostics, ok := message.(*protocol.DiagnosticsUpdated)
	assert.Equal(t, ok, true)
	assert.Equal(t, diagnostics.Summary.ErrorCount, 2)

	err = engine.projects.UpdateWorktreeSettings(ctx, host.ConnectionId, &protocol.UpdateWorktreeSettings{
		ProjectId:  projectId,
		WorktreeId: 10,
		Path:       ".zed/settings.json",
		Content:    `{"tab_size": 2}`,
	})
	assert.Equal(t, err, nil)
	message = receiveMessage(t, guest)
	settings, ok := message.(*protocol.WorktreeSettingsUpdated)
	assert.Equal(t, ok, true)
	assert.Equal(t, settings.Path, ".zed/settings.json")

	// a new collaborator sees the merged worktree state
	late := engine.connect(t, 3)
	joined := joinTestProject(t, ctx, engine, roomId, projectId, late)
	assert.Equal(t, len(joined.Project.Worktrees), 1)
	worktree := joined.Project.Worktrees[0]
	assert.Equal(t, worktree.ScanId, uint64(4))
	assert.Equal(t, worktree.CompletedScanId, uint64(4))
	entryIds := []uint64{}
	for _, entry := range worktree.Entries {
		entryIds = append(entryIds, entry.Id)
	}
	assert.Equal(t, entryIds, []uint64{1, 3})
}

func TestRoomLeaveCascadesProjects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine()
	host := engine.connect(t, 1)
	guest := engine.connect(t, 2)

	roomId, projectId := shareTestProject(t, ctx, engine, host)
	joinTestProject(t, ctx, engine, roomId, projectId, guest)
	drainMessages(t, guest)

	// leaving the room releases the project share too
	err := engine.rooms.Leave(ctx, roomId, host.ConnectionId)
	assert.Equal(t, err, nil)

	messages := drainMessages(t, guest)
	promoted := false
	for _, message := range messages {
		if left, ok := message.(*protocol.CollaboratorLeft); ok {
			assert.Equal(t, left.ConnectionId, host.ConnectionId)
			assert.NotEqual(t, left.NewHostReplicaId, nil)
			promoted = true
		}
	}
	assert.Equal(t, promoted, true)

	// guest leaving the room finishes the teardown
	err = engine.rooms.Leave(ctx, roomId, guest.ConnectionId)
	assert.Equal(t, err, nil)
	_, err = engine.rooms.Join(ctx, roomId, host.UserId, host.ConnectionId)
	assert.Equal(t, IsKind(err, protocol.ErrorKindRoomNotFound), true)
}
