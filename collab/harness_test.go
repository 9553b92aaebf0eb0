package collab

import (
	"flag"
	"testing"
	"time"

	"coedit.dev/collab/protocol"
)

func init() {
	flag.Set("logtostderr", "true")
}

type testEngine struct {
	store    *MemoryStore
	registry *ConnectionRegistry
	rooms    *Rooms
	projects *Projects
	channels *Channels

	nextSeq uint32
}

func newTestEngine() *testEngine {
	store := NewMemoryStore()
	registry := NewConnectionRegistryWithDefaults()
	relay := &NoopRelay{}
	media := NewMediaTokenIssuerWithDefaults("", "")
	projects := NewProjectsWithDefaults(store, registry, relay)
	rooms := NewRoomsWithDefaults(store, registry, projects, media, relay)
	channels := NewChannelsWithDefaults(store, registry, rooms, projects, media, relay)
	return &testEngine{
		store:    store,
		registry: registry,
		rooms:    rooms,
		projects: projects,
		channels: channels,
	}
}

func (self *testEngine) connect(t *testing.T, userId protocol.UserId) *RegisteredConnection {
	self.nextSeq += 1
	connection, err := self.registry.Register(
		protocol.ConnectionId{Epoch: 1, Seq: self.nextSeq},
		userId,
		protocol.PrincipalUser,
	)
	if err != nil {
		t.Fatal(err)
	}
	return connection
}

// receiveMessage pops the next queued frame for the connection and
// decodes it. Broadcasts are enqueued synchronously by the engines, so
// anything sent before this call is already in the queue.
func receiveMessage(t *testing.T, connection *RegisteredConnection) any {
	select {
	case frame, ok := <-connection.Receive():
		if !ok {
			t.Fatal("send queue closed")
		}
		message, err := protocol.FromFrame(frame)
		if err != nil {
			t.Fatal(err)
		}
		return message
	case <-time.After(1 * time.Second):
		t.Fatal("no message queued")
	}
	return nil
}

func drainMessages(t *testing.T, connection *RegisteredConnection) []any {
	out := []any{}
	for {
		select {
		case frame, ok := <-connection.Receive():
			if !ok {
				return out
			}
			message, err := protocol.FromFrame(frame)
			if err != nil {
				t.Fatal(err)
			}
			out = append(out, message)
		default:
			return out
		}
	}
}
