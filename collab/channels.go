package collab

import (
	"context"
	"sort"

	"github.com/golang/glog"

	"coedit.dev/collab/protocol"
)

type ChannelsSettings struct {
	Retry *RetrySettings
}

func DefaultChannelsSettings() *ChannelsSettings {
	return &ChannelsSettings{
		Retry: DefaultRetrySettings(),
	}
}

// Channels are the persistent, hierarchical groups that can own a room.
// Channel lifecycle is explicit user action, distinct from room
// lifecycle: a channel's room still tears down when its last participant
// leaves, while the channel row persists.
type Channels struct {
	store     Store
	registry  *ConnectionRegistry
	rooms     *Rooms
	projects  *Projects
	media     *MediaTokenIssuer
	broadcast *broadcaster
	settings  *ChannelsSettings
}

func NewChannelsWithDefaults(store Store, registry *ConnectionRegistry, rooms *Rooms, projects *Projects, media *MediaTokenIssuer, relay Relay) *Channels {
	return NewChannels(store, registry, rooms, projects, media, relay, DefaultChannelsSettings())
}

func NewChannels(store Store, registry *ConnectionRegistry, rooms *Rooms, projects *Projects, media *MediaTokenIssuer, relay Relay, settings *ChannelsSettings) *Channels {
	return &Channels{
		store:    store,
		registry: registry,
		rooms:    rooms,
		projects: projects,
		media:    media,
		broadcast: &broadcaster{
			registry: registry,
			relay:    relay,
		},
		settings: settings,
	}
}

// Create makes a new channel. Creating a child requires admin on the
// parent; a root channel only requires being logged in.
func (self *Channels) Create(ctx context.Context, userId protocol.UserId, name string, parentId protocol.ChannelId) (*protocol.ChannelResponse, error) {
	if name == "" {
		return nil, ErrProtocol("channel name must not be empty")
	}
	var channel *Channel
	var memberUserIds []protocol.UserId
	err := writeTx(ctx, self.store, self.settings.Retry, false, func(tx StoreTx) error {
		if parentId != 0 {
			if err := requireChannelRole(tx, parentId, userId, protocol.ChannelRoleAdmin); err != nil {
				return err
			}
		}
		var err error
		channel, err = tx.CreateChannel(name, parentId, userId)
		if err != nil {
			return err
		}
		memberUserIds, err = membersThroughAncestors(tx, channel)
		return err
	})
	if err != nil {
		return nil, err
	}
	info := channelInfo(channel, protocol.ChannelRoleAdmin)
	for _, memberUserId := range memberUserIds {
		if memberUserId == userId {
			continue
		}
		self.broadcast.ToConnections(self.registry.ConnectionsForUser(memberUserId), &protocol.ChannelsUpdated{
			Channels: []protocol.ChannelInfo{channelInfo(channel, protocol.ChannelRoleMember)},
		})
	}
	return &protocol.ChannelResponse{
		Channel: info,
	}, nil
}

func (self *Channels) Rename(ctx context.Context, userId protocol.UserId, channelId protocol.ChannelId, name string) (*protocol.ChannelResponse, error) {
	if name == "" {
		return nil, ErrProtocol("channel name must not be empty")
	}
	var channel *Channel
	var memberUserIds []protocol.UserId
	err := writeTx(ctx, self.store, self.settings.Retry, false, func(tx StoreTx) error {
		if err := requireChannelRole(tx, channelId, userId, protocol.ChannelRoleAdmin); err != nil {
			return err
		}
		if err := tx.RenameChannel(channelId, name); err != nil {
			return err
		}
		var err error
		channel, err = tx.FindChannel(channelId)
		if err != nil {
			return err
		}
		memberUserIds, err = membersThroughAncestors(tx, channel)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, memberUserId := range memberUserIds {
		if memberUserId == userId {
			continue
		}
		self.broadcast.ToConnections(self.registry.ConnectionsForUser(memberUserId), &protocol.ChannelsUpdated{
			Channels: []protocol.ChannelInfo{channelInfo(channel, "")},
		})
	}
	return &protocol.ChannelResponse{
		Channel: channelInfo(channel, ""),
	}, nil
}

type channelDeleteResult struct {
	deletedIds    []protocol.ChannelId
	memberUserIds []protocol.UserId
	deadRooms     []roomTeardown
	deadProjects  []*projectTeardown
}

type roomTeardown struct {
	roomId       protocol.RoomId
	participants []Participant
}

type projectTeardown struct {
	projectId     protocol.ProjectId
	collaborators []Collaborator
}

// Delete removes the channel and its whole subtree. Active rooms owned
// by deleted channels are torn down in the same transaction, including
// any projects shared into them.
func (self *Channels) Delete(ctx context.Context, userId protocol.UserId, channelId protocol.ChannelId) error {
	result := &channelDeleteResult{}
	err := writeTx(ctx, self.store, self.settings.Retry, false, func(tx StoreTx) error {
		*result = channelDeleteResult{}
		if err := requireChannelRole(tx, channelId, userId, protocol.ChannelRoleAdmin); err != nil {
			return err
		}
		channel, err := tx.FindChannel(channelId)
		if err != nil {
			return err
		}
		subtreeIds, err := tx.SubtreeChannelIds(channelId)
		if err != nil {
			return err
		}
		memberSet := map[protocol.UserId]bool{}
		ancestors, err := membersThroughAncestors(tx, channel)
		if err != nil {
			return err
		}
		for _, memberUserId := range ancestors {
			memberSet[memberUserId] = true
		}
		for _, subtreeId := range subtreeIds {
			members, err := tx.ChannelMembers(subtreeId)
			if err != nil {
				return err
			}
			for _, member := range members {
				memberSet[member.UserId] = true
			}
			room, err := tx.FindRoomForChannel(subtreeId)
			if err != nil {
				return err
			}
			if room == nil {
				continue
			}
			participants, err := tx.Participants(room.Id)
			if err != nil {
				return err
			}
			projects, err := tx.ProjectsForRoom(room.Id)
			if err != nil {
				return err
			}
			for _, project := range projects {
				collaborators, err := tx.Collaborators(project.Id)
				if err != nil {
					return err
				}
				if err := tx.DeleteProject(project.Id); err != nil {
					return err
				}
				result.deadProjects = append(result.deadProjects, &projectTeardown{
					projectId:     project.Id,
					collaborators: collaborators,
				})
			}
			if err := tx.DeleteRoom(room.Id); err != nil {
				return err
			}
			result.deadRooms = append(result.deadRooms, roomTeardown{
				roomId:       room.Id,
				participants: participants,
			})
		}
		result.deletedIds, err = tx.DeleteChannel(channelId)
		if err != nil {
			return err
		}
		for memberUserId := range memberSet {
			result.memberUserIds = append(result.memberUserIds, memberUserId)
		}
		sort.Slice(result.memberUserIds, func(i int, j int) bool {
			return result.memberUserIds[i] < result.memberUserIds[j]
		})
		return nil
	})
	if err != nil {
		return err
	}
	for _, teardown := range result.deadProjects {
		self.projects.dropProjectState(teardown.projectId)
		connectionIds := []protocol.ConnectionId{}
		for _, collaborator := range teardown.collaborators {
			self.registry.RemoveProjectSubscription(teardown.projectId, collaborator.ConnectionId)
			connectionIds = append(connectionIds, collaborator.ConnectionId)
		}
		self.broadcast.ToConnections(connectionIds, &protocol.ProjectUnshared{
			ProjectId: teardown.projectId,
		})
	}
	for _, teardown := range result.deadRooms {
		glog.V(1).Infof("[chan]room %d torn down with channel\n", teardown.roomId)
		for _, participant := range teardown.participants {
			self.registry.RemoveRoomSubscription(teardown.roomId, participant.ConnectionId)
		}
	}
	for _, memberUserId := range result.memberUserIds {
		self.broadcast.ToConnections(self.registry.ConnectionsForUser(memberUserId), &protocol.ChannelsUpdated{
			DeletedChannels: result.deletedIds,
		})
	}
	return nil
}

// Join puts the caller in the channel's room, materializing the room on
// first join. Any accepted member may join.
func (self *Channels) Join(ctx context.Context, channelId protocol.ChannelId, userId protocol.UserId, connectionId protocol.ConnectionId) (*protocol.RoomResponse, error) {
	var snapshot *protocol.RoomSnapshot
	err := writeTx(ctx, self.store, self.settings.Retry, false, func(tx StoreTx) error {
		if err := requireChannelRole(tx, channelId, userId, protocol.ChannelRoleMember); err != nil {
			return err
		}
		room, err := tx.FindRoomForChannel(channelId)
		if err != nil {
			return err
		}
		if room == nil {
			room, err = tx.CreateRoom(channelId, self.media.RoomName())
			if err != nil {
				return err
			}
		}
		snapshot, err = self.rooms.joinRoomInTx(tx, room, userId, connectionId)
		return err
	})
	if err != nil {
		return nil, err
	}
	return self.rooms.finishJoin(snapshot, userId, connectionId), nil
}

func (self *Channels) Invite(ctx context.Context, userId protocol.UserId, channelId protocol.ChannelId, inviteeUserId protocol.UserId, role protocol.ChannelRole) error {
	switch role {
	case protocol.ChannelRoleAdmin, protocol.ChannelRoleMember:
	default:
		return ErrProtocol("unknown channel role %s", role)
	}
	var channel *Channel
	err := writeTx(ctx, self.store, self.settings.Retry, false, func(tx StoreTx) error {
		if err := requireChannelRole(tx, channelId, userId, protocol.ChannelRoleAdmin); err != nil {
			return err
		}
		var err error
		channel, err = tx.FindChannel(channelId)
		if err != nil {
			return err
		}
		return tx.UpsertChannelMember(ChannelMember{
			ChannelId: channelId,
			UserId:    inviteeUserId,
			Role:      role,
			Accepted:  false,
		})
	})
	if err != nil {
		return err
	}
	info := channelInfo(channel, role)
	info.Invited = true
	self.broadcast.ToConnections(self.registry.ConnectionsForUser(inviteeUserId), &protocol.ChannelsUpdated{
		Invites: []protocol.ChannelInfo{info},
	})
	return nil
}

func (self *Channels) RespondToInvite(ctx context.Context, userId protocol.UserId, channelId protocol.ChannelId, accept bool) error {
	var channel *Channel
	var role protocol.ChannelRole
	err := writeTx(ctx, self.store, self.settings.Retry, false, func(tx StoreTx) error {
		members, err := tx.ChannelMembers(channelId)
		if err != nil {
			return err
		}
		var invite *ChannelMember
		for i := range members {
			if members[i].UserId == userId && !members[i].Accepted {
				invite = &members[i]
				break
			}
		}
		if invite == nil {
			return ErrNoChannelPermission(channelId)
		}
		if !accept {
			_, err := tx.RemoveChannelMember(channelId, userId)
			return err
		}
		role = invite.Role
		channel, err = tx.FindChannel(channelId)
		if err != nil {
			return err
		}
		member := *invite
		member.Accepted = true
		return tx.UpsertChannelMember(member)
	})
	if err != nil {
		return err
	}
	if channel != nil {
		self.broadcast.ToConnections(self.registry.ConnectionsForUser(userId), &protocol.ChannelsUpdated{
			Channels: []protocol.ChannelInfo{channelInfo(channel, role)},
		})
	}
	return nil
}

func (self *Channels) RemoveMember(ctx context.Context, userId protocol.UserId, channelId protocol.ChannelId, targetUserId protocol.UserId) error {
	removed := false
	err := writeTx(ctx, self.store, self.settings.Retry, true, func(tx StoreTx) error {
		if err := requireChannelRole(tx, channelId, userId, protocol.ChannelRoleAdmin); err != nil {
			return err
		}
		var err error
		removed, err = tx.RemoveChannelMember(channelId, targetUserId)
		return err
	})
	if err != nil || !removed {
		return err
	}
	self.broadcast.ToConnections(self.registry.ConnectionsForUser(targetUserId), &protocol.ChannelsUpdated{
		DeletedChannels: []protocol.ChannelId{channelId},
	})
	return nil
}

// Summary assembles the channels and invites visible to a user, sent as
// the initial update when a connection authenticates.
func (self *Channels) Summary(ctx context.Context, userId protocol.UserId) (*protocol.ChannelsUpdated, error) {
	update := &protocol.ChannelsUpdated{}
	err := readTx(ctx, self.store, self.settings.Retry, func(tx StoreTx) error {
		update.Channels = nil
		update.Invites = nil
		memberships, err := tx.ChannelsForUser(userId)
		if err != nil {
			return err
		}
		for _, membership := range memberships {
			channel := membership.Channel
			info := channelInfo(&channel, membership.Role)
			if membership.Accepted {
				update.Channels = append(update.Channels, info)
			} else {
				info.Invited = true
				update.Invites = append(update.Invites, info)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return update, nil
}

func requireChannelRole(tx StoreTx, channelId protocol.ChannelId, userId protocol.UserId, required protocol.ChannelRole) error {
	role, ok, err := tx.ChannelRole(channelId, userId)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoChannelPermission(channelId)
	}
	if required == protocol.ChannelRoleAdmin && role != protocol.ChannelRoleAdmin {
		return ErrNoChannelPermission(channelId)
	}
	return nil
}

// membersThroughAncestors collects the users who can see a channel:
// direct members plus members inherited from every ancestor.
func membersThroughAncestors(tx StoreTx, channel *Channel) ([]protocol.UserId, error) {
	memberSet := map[protocol.UserId]bool{}
	current := channel
	for {
		members, err := tx.ChannelMembers(current.Id)
		if err != nil {
			return nil, err
		}
		for _, member := range members {
			if member.Accepted {
				memberSet[member.UserId] = true
			}
		}
		if current.ParentId == 0 {
			break
		}
		parent, err := tx.FindChannel(current.ParentId)
		if err != nil {
			return nil, err
		}
		current = parent
	}
	memberUserIds := make([]protocol.UserId, 0, len(memberSet))
	for memberUserId := range memberSet {
		memberUserIds = append(memberUserIds, memberUserId)
	}
	sort.Slice(memberUserIds, func(i int, j int) bool {
		return memberUserIds[i] < memberUserIds[j]
	})
	return memberUserIds, nil
}

func channelInfo(channel *Channel, role protocol.ChannelRole) protocol.ChannelInfo {
	return protocol.ChannelInfo{
		ChannelId: channel.Id,
		Name:      channel.Name,
		ParentId:  channel.ParentId,
		Role:      role,
	}
}
