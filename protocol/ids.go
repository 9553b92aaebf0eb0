package protocol

import (
	"fmt"
)

// entity ids are allocated by the store and are stable across server
// restarts. connection ids are not: they embed the server epoch so that
// a connection from a previous server process can never collide with a
// live one.

type UserId int64

type RoomId uint64

type ProjectId uint64

type WorktreeId uint64

type BufferId uint64

type ChannelId uint64

// per-project collaborator id, monotonically allocated, never reused
type ReplicaId uint32

// allocated by the store once per server process
type ServerEpoch uint32

// comparable
type ConnectionId struct {
	Epoch ServerEpoch `json:"epoch"`
	Seq   uint32      `json:"seq"`
}

func (self ConnectionId) IsZero() bool {
	return self == ConnectionId{}
}

func (self ConnectionId) String() string {
	return fmt.Sprintf("%d/%d", self.Epoch, self.Seq)
}
