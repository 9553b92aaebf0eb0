package collab

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"coedit.dev/collab/protocol"
)

// A relay mirrors committed broadcasts to the other server nodes that
// share the same store, so collaborators connected to different nodes
// still see each other's deltas. Single-node deployments and tests use
// NoopRelay.

func RoomScope(roomId protocol.RoomId) string {
	return fmt.Sprintf("room/%d", roomId)
}

func ProjectScope(projectId protocol.ProjectId) string {
	return fmt.Sprintf("project/%d", projectId)
}

type Relay interface {
	Publish(scope string, frame *protocol.Frame)
	Close()
}

// BoundRelay is implemented by relays that need the server's epoch and
// connection registry before they can deliver remote frames.
type BoundRelay interface {
	Bind(epoch protocol.ServerEpoch, registry *ConnectionRegistry)
}

type NoopRelay struct{}

func (self *NoopRelay) Publish(scope string, frame *protocol.Frame) {
}

func (self *NoopRelay) Close() {
}

const redisRelayChannel = "collab.broadcast"

type relayEnvelope struct {
	Origin protocol.ServerEpoch `json:"origin"`
	Scope  string               `json:"scope"`
	Frame  *protocol.Frame      `json:"frame"`
}

// RedisRelay fans broadcasts out over a redis pub/sub channel. Frames
// from this node's own epoch are skipped on receipt to avoid echo.
type RedisRelay struct {
	ctx    context.Context
	cancel context.CancelFunc

	client   *redis.Client
	epoch    protocol.ServerEpoch
	registry *ConnectionRegistry
}

func NewRedisRelay(ctx context.Context, client *redis.Client) *RedisRelay {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RedisRelay{
		ctx:    cancelCtx,
		cancel: cancel,
		client: client,
	}
}

// Bind attaches the relay to a server's epoch and registry and starts
// the subscribe loop. Called once by the server during construction.
func (self *RedisRelay) Bind(epoch protocol.ServerEpoch, registry *ConnectionRegistry) {
	self.epoch = epoch
	self.registry = registry
	go self.run()
}

func (self *RedisRelay) Publish(scope string, frame *protocol.Frame) {
	envelope := &relayEnvelope{
		Origin: self.epoch,
		Scope:  scope,
		Frame:  frame,
	}
	b, err := json.Marshal(envelope)
	if err != nil {
		glog.Warningf("[relay]encode error = %s\n", err)
		return
	}
	// best effort, same as a local broadcast to a gone connection
	if err := self.client.Publish(self.ctx, redisRelayChannel, b).Err(); err != nil {
		glog.Infof("[relay]publish error = %s\n", err)
	}
}

func (self *RedisRelay) run() {
	defer self.cancel()

	pubsub := self.client.Subscribe(self.ctx, redisRelayChannel)
	defer pubsub.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			envelope := &relayEnvelope{}
			if err := json.Unmarshal([]byte(message.Payload), envelope); err != nil {
				glog.Infof("[relay]decode error = %s\n", err)
				continue
			}
			if envelope.Origin == self.epoch {
				continue
			}
			self.deliver(envelope)
		}
	}
}

func (self *RedisRelay) deliver(envelope *relayEnvelope) {
	var connectionIds []protocol.ConnectionId
	var roomId protocol.RoomId
	var projectId protocol.ProjectId
	if _, err := fmt.Sscanf(envelope.Scope, "room/%d", &roomId); err == nil {
		connectionIds = self.registry.ConnectionsForRoom(roomId)
	} else if _, err := fmt.Sscanf(envelope.Scope, "project/%d", &projectId); err == nil {
		connectionIds = self.registry.ConnectionsForProject(projectId)
	} else {
		glog.Infof("[relay]unknown scope = %s\n", envelope.Scope)
		return
	}
	for _, connectionId := range connectionIds {
		self.registry.Send(connectionId, envelope.Frame)
	}
}

func (self *RedisRelay) Close() {
	self.cancel()
}
