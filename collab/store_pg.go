package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"coedit.dev/collab/protocol"
)

// PgStore is the durable store. The schema keeps one row per entity and
// one append-only table for buffer operations; operation order is the
// insertion order of that table. All multi-step writes run inside a
// single transaction via WithTx.
type PgStore struct {
	ctx  context.Context
	pool *pgxpool.Pool
}

func NewPgStore(ctx context.Context, databaseUrl string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, databaseUrl)
	if err != nil {
		return nil, err
	}
	store := &PgStore{
		ctx:  ctx,
		pool: pool,
	}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (self *PgStore) migrate(ctx context.Context) error {
	_, err := self.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS server_epochs (
			id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			created_at timestamptz NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS rooms (
			id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			channel_id bigint NOT NULL DEFAULT 0,
			live_media_room text NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS participants (
			room_id bigint NOT NULL REFERENCES rooms (id) ON DELETE CASCADE,
			user_id bigint NOT NULL,
			conn_epoch bigint NOT NULL,
			conn_seq bigint NOT NULL,
			location_kind text NOT NULL,
			location_project_id bigint NOT NULL DEFAULT 0,
			PRIMARY KEY (room_id, conn_epoch, conn_seq)
		);
		CREATE TABLE IF NOT EXISTS pending_calls (
			room_id bigint NOT NULL REFERENCES rooms (id) ON DELETE CASCADE,
			caller_user_id bigint NOT NULL,
			callee_user_id bigint NOT NULL,
			PRIMARY KEY (room_id, callee_user_id)
		);
		CREATE TABLE IF NOT EXISTS projects (
			id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			room_id bigint NOT NULL REFERENCES rooms (id) ON DELETE CASCADE,
			host_conn_epoch bigint NOT NULL,
			host_conn_seq bigint NOT NULL,
			next_replica_id bigint NOT NULL DEFAULT 1
		);
		CREATE TABLE IF NOT EXISTS collaborators (
			project_id bigint NOT NULL REFERENCES projects (id) ON DELETE CASCADE,
			user_id bigint NOT NULL,
			conn_epoch bigint NOT NULL,
			conn_seq bigint NOT NULL,
			replica_id bigint NOT NULL,
			is_host bool NOT NULL DEFAULT false,
			PRIMARY KEY (project_id, conn_epoch, conn_seq)
		);
		CREATE TABLE IF NOT EXISTS worktrees (
			project_id bigint NOT NULL REFERENCES projects (id) ON DELETE CASCADE,
			worktree_id bigint NOT NULL,
			root_name text NOT NULL DEFAULT '',
			scan_id bigint NOT NULL DEFAULT 0,
			completed_scan_id bigint NOT NULL DEFAULT 0,
			PRIMARY KEY (project_id, worktree_id)
		);
		CREATE TABLE IF NOT EXISTS worktree_entries (
			project_id bigint NOT NULL,
			worktree_id bigint NOT NULL,
			entry_id bigint NOT NULL,
			entry jsonb NOT NULL,
			PRIMARY KEY (project_id, worktree_id, entry_id),
			FOREIGN KEY (project_id, worktree_id) REFERENCES worktrees (project_id, worktree_id) ON DELETE CASCADE
		);
		CREATE TABLE IF NOT EXISTS worktree_diagnostics (
			project_id bigint NOT NULL,
			worktree_id bigint NOT NULL,
			path text NOT NULL,
			summary jsonb NOT NULL,
			PRIMARY KEY (project_id, worktree_id, path),
			FOREIGN KEY (project_id, worktree_id) REFERENCES worktrees (project_id, worktree_id) ON DELETE CASCADE
		);
		CREATE TABLE IF NOT EXISTS worktree_settings (
			project_id bigint NOT NULL,
			worktree_id bigint NOT NULL,
			path text NOT NULL,
			content text NOT NULL,
			PRIMARY KEY (project_id, worktree_id, path),
			FOREIGN KEY (project_id, worktree_id) REFERENCES worktrees (project_id, worktree_id) ON DELETE CASCADE
		);
		CREATE TABLE IF NOT EXISTS buffers (
			project_id bigint NOT NULL REFERENCES projects (id) ON DELETE CASCADE,
			buffer_id bigint NOT NULL,
			epoch bigint NOT NULL,
			snapshot_text text NOT NULL DEFAULT '',
			snapshot_version bigint NOT NULL DEFAULT 0,
			PRIMARY KEY (project_id, buffer_id)
		);
		CREATE TABLE IF NOT EXISTS buffer_operations (
			id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			project_id bigint NOT NULL,
			buffer_id bigint NOT NULL,
			epoch bigint NOT NULL,
			replica_id bigint NOT NULL,
			lamport bigint NOT NULL,
			payload bytea NOT NULL,
			FOREIGN KEY (project_id, buffer_id) REFERENCES buffers (project_id, buffer_id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS buffer_operations_buffer_idx
			ON buffer_operations (project_id, buffer_id, id);
		CREATE TABLE IF NOT EXISTS channels (
			id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			name text NOT NULL,
			parent_id bigint NOT NULL DEFAULT 0,
			path text NOT NULL DEFAULT '',
			creator_id bigint NOT NULL
		);
		CREATE INDEX IF NOT EXISTS channels_path_idx ON channels (path text_pattern_ops);
		CREATE TABLE IF NOT EXISTS channel_members (
			channel_id bigint NOT NULL REFERENCES channels (id) ON DELETE CASCADE,
			user_id bigint NOT NULL,
			role text NOT NULL,
			accepted bool NOT NULL DEFAULT false,
			PRIMARY KEY (channel_id, user_id)
		);
	`)
	return err
}

func (self *PgStore) AllocateServerEpoch(ctx context.Context) (protocol.ServerEpoch, error) {
	var epoch protocol.ServerEpoch
	err := self.pool.QueryRow(ctx, `
		INSERT INTO server_epochs DEFAULT VALUES RETURNING id
	`).Scan(&epoch)
	return epoch, err
}

func (self *PgStore) WithTx(ctx context.Context, fn func(tx StoreTx) error) error {
	return pgx.BeginTxFunc(ctx, self.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(&pgTx{
			ctx: ctx,
			tx:  tx,
		})
	})
}

func (self *PgStore) Close() {
	self.pool.Close()
}

type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
}

// rooms

func (self *pgTx) CreateRoom(channelId protocol.ChannelId, liveMediaRoom string) (*Room, error) {
	room := &Room{
		ChannelId:     channelId,
		LiveMediaRoom: liveMediaRoom,
	}
	err := self.tx.QueryRow(self.ctx, `
		INSERT INTO rooms (channel_id, live_media_room)
		VALUES ($1, $2)
		RETURNING id
	`, channelId, liveMediaRoom).Scan(&room.Id)
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (self *pgTx) FindRoom(roomId protocol.RoomId) (*Room, error) {
	room := &Room{}
	err := self.tx.QueryRow(self.ctx, `
		SELECT id, channel_id, live_media_room FROM rooms WHERE id = $1
	`, roomId).Scan(&room.Id, &room.ChannelId, &room.LiveMediaRoom)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRoomNotFound(roomId)
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (self *pgTx) DeleteRoom(roomId protocol.RoomId) error {
	_, err := self.tx.Exec(self.ctx, `
		DELETE FROM rooms WHERE id = $1
	`, roomId)
	return err
}

func (self *pgTx) InsertParticipant(participant Participant) error {
	if _, err := self.FindRoom(participant.RoomId); err != nil {
		return err
	}
	tag, err := self.tx.Exec(self.ctx, `
		INSERT INTO participants (room_id, user_id, conn_epoch, conn_seq, location_kind, location_project_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
	`,
		participant.RoomId,
		participant.UserId,
		participant.ConnectionId.Epoch,
		participant.ConnectionId.Seq,
		participant.Location.Kind,
		participant.Location.ProjectId,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyJoined(participant.RoomId)
	}
	return nil
}

func (self *pgTx) RemoveParticipant(roomId protocol.RoomId, connectionId protocol.ConnectionId) (bool, error) {
	tag, err := self.tx.Exec(self.ctx, `
		DELETE FROM participants
		WHERE room_id = $1 AND conn_epoch = $2 AND conn_seq = $3
	`, roomId, connectionId.Epoch, connectionId.Seq)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() != 0, nil
}

func (self *pgTx) UpdateParticipantLocation(roomId protocol.RoomId, connectionId protocol.ConnectionId, location protocol.Location) (bool, error) {
	tag, err := self.tx.Exec(self.ctx, `
		UPDATE participants
		SET location_kind = $4, location_project_id = $5
		WHERE room_id = $1 AND conn_epoch = $2 AND conn_seq = $3
	`, roomId, connectionId.Epoch, connectionId.Seq, location.Kind, location.ProjectId)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() != 0, nil
}

func (self *pgTx) Participants(roomId protocol.RoomId) ([]Participant, error) {
	rows, err := self.tx.Query(self.ctx, `
		SELECT user_id, conn_epoch, conn_seq, location_kind, location_project_id
		FROM participants
		WHERE room_id = $1
		ORDER BY conn_epoch, conn_seq
	`, roomId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	participants := []Participant{}
	for rows.Next() {
		participant := Participant{
			RoomId: roomId,
		}
		err := rows.Scan(
			&participant.UserId,
			&participant.ConnectionId.Epoch,
			&participant.ConnectionId.Seq,
			&participant.Location.Kind,
			&participant.Location.ProjectId,
		)
		if err != nil {
			return nil, err
		}
		participants = append(participants, participant)
	}
	return participants, rows.Err()
}

func (self *pgTx) InsertPendingCall(call PendingCall) error {
	_, err := self.tx.Exec(self.ctx, `
		INSERT INTO pending_calls (room_id, caller_user_id, callee_user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id, callee_user_id) DO UPDATE SET caller_user_id = $2
	`, call.RoomId, call.CallerUserId, call.CalleeUserId)
	return err
}

func (self *pgTx) RemovePendingCall(roomId protocol.RoomId, calleeUserId protocol.UserId) (bool, error) {
	tag, err := self.tx.Exec(self.ctx, `
		DELETE FROM pending_calls WHERE room_id = $1 AND callee_user_id = $2
	`, roomId, calleeUserId)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() != 0, nil
}

func (self *pgTx) PendingCalls(roomId protocol.RoomId) ([]PendingCall, error) {
	rows, err := self.tx.Query(self.ctx, `
		SELECT caller_user_id, callee_user_id
		FROM pending_calls
		WHERE room_id = $1
		ORDER BY callee_user_id
	`, roomId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	calls := []PendingCall{}
	for rows.Next() {
		call := PendingCall{
			RoomId: roomId,
		}
		if err := rows.Scan(&call.CallerUserId, &call.CalleeUserId); err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

// projects

func (self *pgTx) CreateProject(roomId protocol.RoomId, hostUserId protocol.UserId, hostConnectionId protocol.ConnectionId, worktrees []Worktree) (*Project, error) {
	if _, err := self.FindRoom(roomId); err != nil {
		return nil, err
	}
	project := &Project{
		RoomId:           roomId,
		HostConnectionId: hostConnectionId,
	}
	err := self.tx.QueryRow(self.ctx, `
		INSERT INTO projects (room_id, host_conn_epoch, host_conn_seq)
		VALUES ($1, $2, $3)
		RETURNING id
	`, roomId, hostConnectionId.Epoch, hostConnectionId.Seq).Scan(&project.Id)
	if err != nil {
		return nil, err
	}
	// the host holds replica 0 from the start
	_, err = self.tx.Exec(self.ctx, `
		INSERT INTO collaborators (project_id, user_id, conn_epoch, conn_seq, replica_id, is_host)
		VALUES ($1, $2, $3, $4, 0, true)
	`, project.Id, hostUserId, hostConnectionId.Epoch, hostConnectionId.Seq)
	if err != nil {
		return nil, err
	}
	for _, worktree := range worktrees {
		if err := self.insertWorktree(project.Id, &worktree); err != nil {
			return nil, err
		}
	}
	return project, nil
}

func (self *pgTx) insertWorktree(projectId protocol.ProjectId, worktree *Worktree) error {
	_, err := self.tx.Exec(self.ctx, `
		INSERT INTO worktrees (project_id, worktree_id, root_name, scan_id, completed_scan_id)
		VALUES ($1, $2, $3, $4, $5)
	`, projectId, worktree.Id, worktree.RootName, worktree.ScanId, worktree.CompletedScanId)
	if err != nil {
		return err
	}
	for _, entry := range worktree.Entries {
		if err := self.upsertWorktreeEntry(projectId, worktree.Id, entry); err != nil {
			return err
		}
	}
	for _, summary := range worktree.Diagnostics {
		if err := self.SetDiagnosticSummary(projectId, worktree.Id, summary); err != nil {
			return err
		}
	}
	for path, content := range worktree.Settings {
		if err := self.SetWorktreeSettings(projectId, worktree.Id, path, content); err != nil {
			return err
		}
	}
	return nil
}

func (self *pgTx) upsertWorktreeEntry(projectId protocol.ProjectId, worktreeId protocol.WorktreeId, entry protocol.WorktreeEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = self.tx.Exec(self.ctx, `
		INSERT INTO worktree_entries (project_id, worktree_id, entry_id, entry)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, worktree_id, entry_id) DO UPDATE SET entry = $4
	`, projectId, worktreeId, entry.Id, b)
	return err
}

func (self *pgTx) FindProject(projectId protocol.ProjectId) (*Project, error) {
	project := &Project{}
	err := self.tx.QueryRow(self.ctx, `
		SELECT id, room_id, host_conn_epoch, host_conn_seq FROM projects WHERE id = $1
	`, projectId).Scan(
		&project.Id,
		&project.RoomId,
		&project.HostConnectionId.Epoch,
		&project.HostConnectionId.Seq,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProjectNotShared(projectId)
	}
	if err != nil {
		return nil, err
	}
	return project, nil
}

func (self *pgTx) DeleteProject(projectId protocol.ProjectId) error {
	// buffers, worktrees, collaborators cascade
	_, err := self.tx.Exec(self.ctx, `
		DELETE FROM projects WHERE id = $1
	`, projectId)
	return err
}

func (self *pgTx) SetProjectHost(projectId protocol.ProjectId, connectionId protocol.ConnectionId) error {
	tag, err := self.tx.Exec(self.ctx, `
		UPDATE collaborators SET is_host = true
		WHERE project_id = $1 AND conn_epoch = $2 AND conn_seq = $3
	`, projectId, connectionId.Epoch, connectionId.Seq)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("connection %s is not a collaborator of project %d", connectionId, projectId)
	}
	tag, err = self.tx.Exec(self.ctx, `
		UPDATE projects SET host_conn_epoch = $2, host_conn_seq = $3 WHERE id = $1
	`, projectId, connectionId.Epoch, connectionId.Seq)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProjectNotShared(projectId)
	}
	return nil
}

func (self *pgTx) InsertCollaborator(projectId protocol.ProjectId, userId protocol.UserId, connectionId protocol.ConnectionId) (protocol.ReplicaId, error) {
	// the row lock on projects serializes replica allocation
	var replicaId protocol.ReplicaId
	err := self.tx.QueryRow(self.ctx, `
		UPDATE projects SET next_replica_id = next_replica_id + 1
		WHERE id = $1
		RETURNING next_replica_id - 1
	`, projectId).Scan(&replicaId)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrProjectNotShared(projectId)
	}
	if err != nil {
		return 0, err
	}
	_, err = self.tx.Exec(self.ctx, `
		INSERT INTO collaborators (project_id, user_id, conn_epoch, conn_seq, replica_id, is_host)
		VALUES ($1, $2, $3, $4, $5, false)
	`, projectId, userId, connectionId.Epoch, connectionId.Seq, replicaId)
	if err != nil {
		return 0, err
	}
	return replicaId, nil
}

func (self *pgTx) RemoveCollaborator(projectId protocol.ProjectId, connectionId protocol.ConnectionId) (bool, error) {
	tag, err := self.tx.Exec(self.ctx, `
		DELETE FROM collaborators
		WHERE project_id = $1 AND conn_epoch = $2 AND conn_seq = $3
	`, projectId, connectionId.Epoch, connectionId.Seq)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() != 0, nil
}

func (self *pgTx) Collaborators(projectId protocol.ProjectId) ([]Collaborator, error) {
	rows, err := self.tx.Query(self.ctx, `
		SELECT user_id, conn_epoch, conn_seq, replica_id, is_host
		FROM collaborators
		WHERE project_id = $1
		ORDER BY replica_id
	`, projectId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	collaborators := []Collaborator{}
	for rows.Next() {
		collaborator := Collaborator{
			ProjectId: projectId,
		}
		err := rows.Scan(
			&collaborator.UserId,
			&collaborator.ConnectionId.Epoch,
			&collaborator.ConnectionId.Seq,
			&collaborator.ReplicaId,
			&collaborator.IsHost,
		)
		if err != nil {
			return nil, err
		}
		collaborators = append(collaborators, collaborator)
	}
	return collaborators, rows.Err()
}

func (self *pgTx) ProjectsForConnection(connectionId protocol.ConnectionId) ([]Project, error) {
	return self.queryProjects(`
		SELECT p.id, p.room_id, p.host_conn_epoch, p.host_conn_seq
		FROM projects p
		JOIN collaborators c ON c.project_id = p.id
		WHERE c.conn_epoch = $1 AND c.conn_seq = $2
		ORDER BY p.id
	`, connectionId.Epoch, connectionId.Seq)
}

func (self *pgTx) ProjectsForRoom(roomId protocol.RoomId) ([]Project, error) {
	return self.queryProjects(`
		SELECT id, room_id, host_conn_epoch, host_conn_seq
		FROM projects
		WHERE room_id = $1
		ORDER BY id
	`, roomId)
}

func (self *pgTx) queryProjects(sql string, args ...any) ([]Project, error) {
	rows, err := self.tx.Query(self.ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	projects := []Project{}
	for rows.Next() {
		project := Project{}
		err := rows.Scan(
			&project.Id,
			&project.RoomId,
			&project.HostConnectionId.Epoch,
			&project.HostConnectionId.Seq,
		)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

func (self *pgTx) Worktrees(projectId protocol.ProjectId) ([]Worktree, error) {
	rows, err := self.tx.Query(self.ctx, `
		SELECT worktree_id, root_name, scan_id, completed_scan_id
		FROM worktrees
		WHERE project_id = $1
		ORDER BY worktree_id
	`, projectId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	worktrees := []Worktree{}
	for rows.Next() {
		worktree := Worktree{
			ProjectId:   projectId,
			Entries:     map[uint64]protocol.WorktreeEntry{},
			Diagnostics: map[string]protocol.DiagnosticSummary{},
			Settings:    map[string]string{},
		}
		err := rows.Scan(&worktree.Id, &worktree.RootName, &worktree.ScanId, &worktree.CompletedScanId)
		if err != nil {
			return nil, err
		}
		worktrees = append(worktrees, worktree)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range worktrees {
		if err := self.loadWorktreeDetail(projectId, &worktrees[i]); err != nil {
			return nil, err
		}
	}
	return worktrees, nil
}

func (self *pgTx) loadWorktreeDetail(projectId protocol.ProjectId, worktree *Worktree) error {
	entryRows, err := self.tx.Query(self.ctx, `
		SELECT entry FROM worktree_entries WHERE project_id = $1 AND worktree_id = $2
	`, projectId, worktree.Id)
	if err != nil {
		return err
	}
	defer entryRows.Close()
	for entryRows.Next() {
		var b []byte
		if err := entryRows.Scan(&b); err != nil {
			return err
		}
		entry := protocol.WorktreeEntry{}
		if err := json.Unmarshal(b, &entry); err != nil {
			return err
		}
		worktree.Entries[entry.Id] = entry
	}
	if err := entryRows.Err(); err != nil {
		return err
	}

	diagnosticRows, err := self.tx.Query(self.ctx, `
		SELECT path, summary FROM worktree_diagnostics WHERE project_id = $1 AND worktree_id = $2
	`, projectId, worktree.Id)
	if err != nil {
		return err
	}
	defer diagnosticRows.Close()
	for diagnosticRows.Next() {
		var path string
		var b []byte
		if err := diagnosticRows.Scan(&path, &b); err != nil {
			return err
		}
		summary := protocol.DiagnosticSummary{}
		if err := json.Unmarshal(b, &summary); err != nil {
			return err
		}
		worktree.Diagnostics[path] = summary
	}
	if err := diagnosticRows.Err(); err != nil {
		return err
	}

	settingRows, err := self.tx.Query(self.ctx, `
		SELECT path, content FROM worktree_settings WHERE project_id = $1 AND worktree_id = $2
	`, projectId, worktree.Id)
	if err != nil {
		return err
	}
	defer settingRows.Close()
	for settingRows.Next() {
		var path string
		var content string
		if err := settingRows.Scan(&path, &content); err != nil {
			return err
		}
		worktree.Settings[path] = content
	}
	return settingRows.Err()
}

func (self *pgTx) UpsertWorktreeEntries(projectId protocol.ProjectId, worktreeId protocol.WorktreeId, rootName string, updated []protocol.WorktreeEntry, removed []uint64, scanId uint64, isLastUpdate bool) (*Worktree, error) {
	if _, err := self.FindProject(projectId); err != nil {
		return nil, err
	}
	_, err := self.tx.Exec(self.ctx, `
		INSERT INTO worktrees (project_id, worktree_id, root_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, worktree_id) DO NOTHING
	`, projectId, worktreeId, rootName)
	if err != nil {
		return nil, err
	}
	for _, entry := range updated {
		if err := self.upsertWorktreeEntry(projectId, worktreeId, entry); err != nil {
			return nil, err
		}
	}
	if len(removed) > 0 {
		_, err := self.tx.Exec(self.ctx, `
			DELETE FROM worktree_entries
			WHERE project_id = $1 AND worktree_id = $2 AND entry_id = ANY ($3)
		`, projectId, worktreeId, removed)
		if err != nil {
			return nil, err
		}
	}
	// scan ids only move forward; stale updates keep their entry edits
	// but never rewind progress
	completedScanId := uint64(0)
	if isLastUpdate {
		completedScanId = scanId
	}
	worktree := &Worktree{
		Id:          worktreeId,
		ProjectId:   projectId,
		Entries:     map[uint64]protocol.WorktreeEntry{},
		Diagnostics: map[string]protocol.DiagnosticSummary{},
		Settings:    map[string]string{},
	}
	err = self.tx.QueryRow(self.ctx, `
		UPDATE worktrees
		SET scan_id = greatest(scan_id, $3), completed_scan_id = greatest(completed_scan_id, $4)
		WHERE project_id = $1 AND worktree_id = $2
		RETURNING root_name, scan_id, completed_scan_id
	`, projectId, worktreeId, scanId, completedScanId).Scan(
		&worktree.RootName,
		&worktree.ScanId,
		&worktree.CompletedScanId,
	)
	if err != nil {
		return nil, err
	}
	if err := self.loadWorktreeDetail(projectId, worktree); err != nil {
		return nil, err
	}
	return worktree, nil
}

func (self *pgTx) SetDiagnosticSummary(projectId protocol.ProjectId, worktreeId protocol.WorktreeId, summary protocol.DiagnosticSummary) error {
	b, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	tag, err := self.tx.Exec(self.ctx, `
		INSERT INTO worktree_diagnostics (project_id, worktree_id, path, summary)
		SELECT $1, $2, $3, $4
		WHERE EXISTS (SELECT 1 FROM worktrees WHERE project_id = $1 AND worktree_id = $2)
		ON CONFLICT (project_id, worktree_id, path) DO UPDATE SET summary = $4
	`, projectId, worktreeId, summary.Path, b)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProjectNotShared(projectId)
	}
	return nil
}

func (self *pgTx) SetWorktreeSettings(projectId protocol.ProjectId, worktreeId protocol.WorktreeId, path string, content string) error {
	tag, err := self.tx.Exec(self.ctx, `
		INSERT INTO worktree_settings (project_id, worktree_id, path, content)
		SELECT $1, $2, $3, $4
		WHERE EXISTS (SELECT 1 FROM worktrees WHERE project_id = $1 AND worktree_id = $2)
		ON CONFLICT (project_id, worktree_id, path) DO UPDATE SET content = $4
	`, projectId, worktreeId, path, content)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProjectNotShared(projectId)
	}
	return nil
}

// buffers

func (self *pgTx) BufferEpoch(projectId protocol.ProjectId, bufferId protocol.BufferId) (uint64, error) {
	var epoch uint64
	err := self.tx.QueryRow(self.ctx, `
		SELECT epoch FROM buffers WHERE project_id = $1 AND buffer_id = $2
	`, projectId, bufferId).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return epoch, nil
}

func (self *pgTx) MaxLamport(projectId protocol.ProjectId, bufferId protocol.BufferId, epoch uint64) (map[protocol.ReplicaId]uint32, error) {
	rows, err := self.tx.Query(self.ctx, `
		SELECT replica_id, max(lamport)
		FROM buffer_operations
		WHERE project_id = $1 AND buffer_id = $2 AND epoch = $3
		GROUP BY replica_id
	`, projectId, bufferId, epoch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	max := map[protocol.ReplicaId]uint32{}
	for rows.Next() {
		var replicaId protocol.ReplicaId
		var lamport uint32
		if err := rows.Scan(&replicaId, &lamport); err != nil {
			return nil, err
		}
		max[replicaId] = lamport
	}
	return max, rows.Err()
}

func (self *pgTx) AppendBufferOperations(projectId protocol.ProjectId, bufferId protocol.BufferId, epoch uint64, operations []StoredOperation) error {
	_, err := self.tx.Exec(self.ctx, `
		INSERT INTO buffers (project_id, buffer_id, epoch)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, buffer_id) DO NOTHING
	`, projectId, bufferId, epoch)
	if err != nil {
		return err
	}
	for _, operation := range operations {
		_, err := self.tx.Exec(self.ctx, `
			INSERT INTO buffer_operations (project_id, buffer_id, epoch, replica_id, lamport, payload)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, projectId, bufferId, operation.Epoch, operation.ReplicaId, operation.Lamport, operation.Payload)
		if err != nil {
			return err
		}
	}
	return nil
}

func (self *pgTx) LoadBuffer(projectId protocol.ProjectId, bufferId protocol.BufferId) (*Buffer, error) {
	buffer := &Buffer{
		ProjectId: projectId,
		BufferId:  bufferId,
	}
	err := self.tx.QueryRow(self.ctx, `
		SELECT epoch, snapshot_text, snapshot_version
		FROM buffers
		WHERE project_id = $1 AND buffer_id = $2
	`, projectId, bufferId).Scan(&buffer.Epoch, &buffer.SnapshotText, &buffer.SnapshotVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return buffer, nil
	}
	if err != nil {
		return nil, err
	}
	rows, err := self.tx.Query(self.ctx, `
		SELECT epoch, replica_id, lamport, payload
		FROM buffer_operations
		WHERE project_id = $1 AND buffer_id = $2
		ORDER BY id
	`, projectId, bufferId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		operation := StoredOperation{}
		err := rows.Scan(&operation.Epoch, &operation.ReplicaId, &operation.Lamport, &operation.Payload)
		if err != nil {
			return nil, err
		}
		buffer.Operations = append(buffer.Operations, operation)
	}
	return buffer, rows.Err()
}

func (self *pgTx) ResetBuffer(projectId protocol.ProjectId, bufferId protocol.BufferId, text string) (uint64, error) {
	var epoch uint64
	err := self.tx.QueryRow(self.ctx, `
		INSERT INTO buffers (project_id, buffer_id, epoch, snapshot_text, snapshot_version)
		VALUES ($1, $2, 1, $3, 0)
		ON CONFLICT (project_id, buffer_id) DO UPDATE
		SET epoch = buffers.epoch + 1,
			snapshot_text = $3,
			snapshot_version = buffers.snapshot_version + 1
		RETURNING epoch
	`, projectId, bufferId, text).Scan(&epoch)
	if err != nil {
		return 0, err
	}
	_, err = self.tx.Exec(self.ctx, `
		DELETE FROM buffer_operations WHERE project_id = $1 AND buffer_id = $2
	`, projectId, bufferId)
	if err != nil {
		return 0, err
	}
	return epoch, nil
}

// channels

func (self *pgTx) CreateChannel(name string, parentId protocol.ChannelId, creatorId protocol.UserId) (*Channel, error) {
	parentPath := ""
	if parentId != 0 {
		err := self.tx.QueryRow(self.ctx, `
			SELECT path FROM channels WHERE id = $1
		`, parentId).Scan(&parentPath)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChannelNotFound(parentId)
		}
		if err != nil {
			return nil, err
		}
	}
	channel := &Channel{
		Name:      name,
		ParentId:  parentId,
		CreatorId: creatorId,
	}
	err := self.tx.QueryRow(self.ctx, `
		INSERT INTO channels (name, parent_id, creator_id)
		VALUES ($1, $2, $3)
		RETURNING id
	`, name, parentId, creatorId).Scan(&channel.Id)
	if err != nil {
		return nil, err
	}
	_, err = self.tx.Exec(self.ctx, `
		UPDATE channels SET path = $2 WHERE id = $1
	`, channel.Id, fmt.Sprintf("%s%d/", parentPath, channel.Id))
	if err != nil {
		return nil, err
	}
	err = self.UpsertChannelMember(ChannelMember{
		ChannelId: channel.Id,
		UserId:    creatorId,
		Role:      protocol.ChannelRoleAdmin,
		Accepted:  true,
	})
	if err != nil {
		return nil, err
	}
	return channel, nil
}

func (self *pgTx) FindChannel(channelId protocol.ChannelId) (*Channel, error) {
	channel := &Channel{}
	err := self.tx.QueryRow(self.ctx, `
		SELECT id, name, parent_id, creator_id FROM channels WHERE id = $1
	`, channelId).Scan(&channel.Id, &channel.Name, &channel.ParentId, &channel.CreatorId)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrChannelNotFound(channelId)
	}
	if err != nil {
		return nil, err
	}
	return channel, nil
}

func (self *pgTx) RenameChannel(channelId protocol.ChannelId, name string) error {
	tag, err := self.tx.Exec(self.ctx, `
		UPDATE channels SET name = $2 WHERE id = $1
	`, channelId, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrChannelNotFound(channelId)
	}
	return nil
}

func (self *pgTx) channelPath(channelId protocol.ChannelId) (string, error) {
	var path string
	err := self.tx.QueryRow(self.ctx, `
		SELECT path FROM channels WHERE id = $1
	`, channelId).Scan(&path)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrChannelNotFound(channelId)
	}
	return path, err
}

func (self *pgTx) SubtreeChannelIds(channelId protocol.ChannelId) ([]protocol.ChannelId, error) {
	path, err := self.channelPath(channelId)
	if err != nil {
		return nil, err
	}
	rows, err := self.tx.Query(self.ctx, `
		SELECT id FROM channels WHERE path LIKE $1 || '%' ORDER BY id
	`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []protocol.ChannelId{}
	for rows.Next() {
		var id protocol.ChannelId
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (self *pgTx) DeleteChannel(channelId protocol.ChannelId) ([]protocol.ChannelId, error) {
	ids, err := self.SubtreeChannelIds(channelId)
	if err != nil {
		return nil, err
	}
	_, err = self.tx.Exec(self.ctx, `
		DELETE FROM channels WHERE id = ANY ($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (self *pgTx) FindRoomForChannel(channelId protocol.ChannelId) (*Room, error) {
	room := &Room{}
	err := self.tx.QueryRow(self.ctx, `
		SELECT id, channel_id, live_media_room FROM rooms WHERE channel_id = $1
	`, channelId).Scan(&room.Id, &room.ChannelId, &room.LiveMediaRoom)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (self *pgTx) ChannelRole(channelId protocol.ChannelId, userId protocol.UserId) (protocol.ChannelRole, bool, error) {
	path, err := self.channelPath(channelId)
	if err != nil {
		return "", false, err
	}
	ancestorIds := parseChannelPath(path)
	rows, err := self.tx.Query(self.ctx, `
		SELECT role FROM channel_members
		WHERE user_id = $1 AND accepted AND channel_id = ANY ($2)
	`, userId, ancestorIds)
	if err != nil {
		return "", false, err
	}
	defer rows.Close()
	role := protocol.ChannelRole("")
	found := false
	for rows.Next() {
		var memberRole protocol.ChannelRole
		if err := rows.Scan(&memberRole); err != nil {
			return "", false, err
		}
		found = true
		if role != protocol.ChannelRoleAdmin {
			role = memberRole
		}
	}
	return role, found, rows.Err()
}

func (self *pgTx) ChannelMembers(channelId protocol.ChannelId) ([]ChannelMember, error) {
	if _, err := self.FindChannel(channelId); err != nil {
		return nil, err
	}
	rows, err := self.tx.Query(self.ctx, `
		SELECT user_id, role, accepted
		FROM channel_members
		WHERE channel_id = $1
		ORDER BY user_id
	`, channelId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	members := []ChannelMember{}
	for rows.Next() {
		member := ChannelMember{
			ChannelId: channelId,
		}
		if err := rows.Scan(&member.UserId, &member.Role, &member.Accepted); err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

func (self *pgTx) UpsertChannelMember(member ChannelMember) error {
	tag, err := self.tx.Exec(self.ctx, `
		INSERT INTO channel_members (channel_id, user_id, role, accepted)
		SELECT $1, $2, $3, $4
		WHERE EXISTS (SELECT 1 FROM channels WHERE id = $1)
		ON CONFLICT (channel_id, user_id) DO UPDATE SET role = $3, accepted = $4
	`, member.ChannelId, member.UserId, member.Role, member.Accepted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrChannelNotFound(member.ChannelId)
	}
	return nil
}

func (self *pgTx) RemoveChannelMember(channelId protocol.ChannelId, userId protocol.UserId) (bool, error) {
	tag, err := self.tx.Exec(self.ctx, `
		DELETE FROM channel_members WHERE channel_id = $1 AND user_id = $2
	`, channelId, userId)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() != 0, nil
}

func (self *pgTx) ChannelsForUser(userId protocol.UserId) ([]ChannelMembership, error) {
	rows, err := self.tx.Query(self.ctx, `
		SELECT c.id, c.name, c.parent_id, c.creator_id, c.path, m.role, m.accepted
		FROM channel_members m
		JOIN channels c ON c.id = m.channel_id
		WHERE m.user_id = $1
	`, userId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	type directMembership struct {
		path     string
		role     protocol.ChannelRole
		accepted bool
	}
	memberships := map[protocol.ChannelId]ChannelMembership{}
	direct := []directMembership{}
	for rows.Next() {
		channel := Channel{}
		var path string
		var role protocol.ChannelRole
		var accepted bool
		err := rows.Scan(&channel.Id, &channel.Name, &channel.ParentId, &channel.CreatorId, &path, &role, &accepted)
		if err != nil {
			return nil, err
		}
		memberships[channel.Id] = ChannelMembership{
			Channel:  channel,
			Role:     role,
			Accepted: accepted,
		}
		direct = append(direct, directMembership{
			path:     path,
			role:     role,
			accepted: accepted,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// accepted memberships extend through descendants with the inherited
	// role; a direct admin row wins over an inherited member role
	for _, membership := range direct {
		if !membership.accepted {
			continue
		}
		descendantRows, err := self.tx.Query(self.ctx, `
			SELECT id, name, parent_id, creator_id
			FROM channels
			WHERE path LIKE $1 || '_%'
		`, membership.path)
		if err != nil {
			return nil, err
		}
		for descendantRows.Next() {
			channel := Channel{}
			err := descendantRows.Scan(&channel.Id, &channel.Name, &channel.ParentId, &channel.CreatorId)
			if err != nil {
				descendantRows.Close()
				return nil, err
			}
			if existing, ok := memberships[channel.Id]; ok && existing.Role == protocol.ChannelRoleAdmin {
				continue
			}
			memberships[channel.Id] = ChannelMembership{
				Channel:  channel,
				Role:     membership.role,
				Accepted: true,
			}
		}
		err = descendantRows.Err()
		descendantRows.Close()
		if err != nil {
			return nil, err
		}
	}

	out := []ChannelMembership{}
	for _, membership := range memberships {
		out = append(out, membership)
	}
	sort.Slice(out, func(i int, j int) bool {
		return out[i].Channel.Id < out[j].Channel.Id
	})
	return out, nil
}
