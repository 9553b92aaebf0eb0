package collab

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"coedit.dev/collab/protocol"
)

type testServer struct {
	server *Server
	auth   *Authenticator
	http   *httptest.Server
}

func startTestServer(t *testing.T, ctx context.Context) *testServer {
	auth := NewAuthenticator("test secret")
	server, err := NewServerWithDefaults(ctx, NewMemoryStore(), auth, NewMediaTokenIssuerWithDefaults("", ""))
	if err != nil {
		t.Fatal(err)
	}
	httpServer := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		httpServer.Close()
		server.Close()
	})
	return &testServer{
		server: server,
		auth:   auth,
		http:   httpServer,
	}
}

func (self *testServer) wsUrl() string {
	return "ws" + strings.TrimPrefix(self.http.URL, "http") + "/ws"
}

type testClient struct {
	t      *testing.T
	ws     *websocket.Conn
	nextId uint32
}

func (self *testServer) dial(t *testing.T) *testClient {
	ws, _, err := websocket.DefaultDialer.Dial(self.wsUrl(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ws.Close()
	})
	return &testClient{
		t:  t,
		ws: ws,
	}
}

func (self *testServer) authenticate(t *testing.T, userId protocol.UserId) *testClient {
	client := self.dial(t)
	token, err := self.auth.MintToken(userId, protocol.PrincipalUser, 1*time.Hour)
	assert.Equal(t, err, nil)
	id := client.send(&protocol.Auth{Token: token})
	message := client.awaitReply(id)
	ack, ok := message.(*protocol.AuthAck)
	assert.Equal(t, ok, true)
	assert.Equal(t, ack.UserId, userId)
	return client
}

func (self *testClient) send(message any) uint32 {
	frame := protocol.RequireToFrame(message)
	self.nextId += 1
	frame.Id = self.nextId
	if err := self.ws.WriteJSON(frame); err != nil {
		self.t.Fatal(err)
	}
	return frame.Id
}

func (self *testClient) receive() any {
	message, _ := self.receiveFrame()
	return message
}

func (self *testClient) receiveFrame() (any, *protocol.Frame) {
	self.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame := &protocol.Frame{}
	if err := self.ws.ReadJSON(frame); err != nil {
		self.t.Fatal(err)
	}
	message, err := protocol.FromFrame(frame)
	if err != nil {
		self.t.Fatal(err)
	}
	return message, frame
}

// awaitReply reads frames until the reply to the given request id
// arrives, discarding interleaved broadcasts.
func (self *testClient) awaitReply(id uint32) any {
	for {
		message, frame := self.receiveFrame()
		if frame.ReplyTo == id {
			return message
		}
	}
}

// awaitMessage reads frames until one decodes to the wanted type,
// discarding everything else.
func awaitMessage[T any](client *testClient) T {
	for {
		message, _ := client.receiveFrame()
		if v, ok := message.(T); ok {
			return v
		}
	}
}

func TestServerAuthHandshake(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := startTestServer(t, ctx)
	client := server.authenticate(t, 1)

	id := client.send(&protocol.Ping{})
	message := client.awaitReply(id)
	_, ok := message.(*protocol.Pong)
	assert.Equal(t, ok, true)
}

func TestServerRejectsBadToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := startTestServer(t, ctx)
	client := server.dial(t)

	client.send(&protocol.Auth{Token: "garbage"})
	message := client.receive()
	errorResponse, ok := message.(*protocol.ErrorResponse)
	assert.Equal(t, ok, true)
	assert.Equal(t, errorResponse.Kind, protocol.ErrorKindUnauthorized)

	// the server closes after a failed handshake
	client.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	err := client.ws.ReadJSON(&protocol.Frame{})
	assert.NotEqual(t, err, nil)
}

func TestServerRequiresAuthFirst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := startTestServer(t, ctx)
	client := server.dial(t)

	client.send(&protocol.Ping{})
	client.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	err := client.ws.ReadJSON(&protocol.Frame{})
	assert.NotEqual(t, err, nil)
}

func TestServerRoomFlow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := startTestServer(t, ctx)
	a := server.authenticate(t, 1)
	b := server.authenticate(t, 2)

	id := a.send(&protocol.CreateRoom{})
	message := a.awaitReply(id)
	created, ok := message.(*protocol.RoomResponse)
	assert.Equal(t, ok, true)
	roomId := created.Room.RoomId

	id = b.send(&protocol.JoinRoom{RoomId: roomId})
	message = b.awaitReply(id)
	joined, ok := message.(*protocol.RoomResponse)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(joined.Room.Participants), 2)

	// a hears about b's join
	updated := awaitMessage[*protocol.RoomUpdated](a)
	assert.Equal(t, len(updated.Room.Participants), 2)

	// errors come back typed, with the request correlated
	id = b.send(&protocol.JoinRoom{RoomId: 4242})
	message = b.awaitReply(id)
	errorResponse, ok := message.(*protocol.ErrorResponse)
	assert.Equal(t, ok, true)
	assert.Equal(t, errorResponse.Kind, protocol.ErrorKindRoomNotFound)
}

func TestServerBufferFanout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := startTestServer(t, ctx)
	a := server.authenticate(t, 1)
	b := server.authenticate(t, 2)

	id := a.send(&protocol.CreateRoom{})
	created := a.awaitReply(id).(*protocol.RoomResponse)
	roomId := created.Room.RoomId

	id = a.send(&protocol.ShareProject{RoomId: roomId})
	shared, ok := a.awaitReply(id).(*protocol.ShareProjectResponse)
	assert.Equal(t, ok, true)

	id = b.send(&protocol.JoinRoom{RoomId: roomId})
	b.awaitReply(id)
	id = b.send(&protocol.JoinProject{ProjectId: shared.ProjectId})
	joined, ok := b.awaitReply(id).(*protocol.JoinProjectResponse)
	assert.Equal(t, ok, true)
	assert.Equal(t, joined.ReplicaId, protocol.ReplicaId(1))

	id = b.send(&protocol.UpdateBuffer{
		ProjectId: shared.ProjectId,
		BufferId:  1,
		Epoch:     1,
		Operations: []protocol.BufferOperation{
			{ReplicaId: 1, Lamport: 1, Payload: []byte("ins")},
		},
	})
	_, ok = b.awaitReply(id).(*protocol.Ack)
	assert.Equal(t, ok, true)

	operations := awaitMessage[*protocol.BufferOperations](a)
	assert.Equal(t, operations.ProjectId, shared.ProjectId)
	assert.Equal(t, len(operations.Operations), 1)
	assert.Equal(t, operations.Operations[0].Payload, []byte("ins"))
}

func TestServerDisconnectCleanup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := startTestServer(t, ctx)
	a := server.authenticate(t, 1)
	b := server.authenticate(t, 2)

	id := a.send(&protocol.CreateRoom{})
	created := a.awaitReply(id).(*protocol.RoomResponse)
	roomId := created.Room.RoomId
	id = a.send(&protocol.ShareProject{RoomId: roomId})
	a.awaitReply(id)

	id = b.send(&protocol.JoinRoom{RoomId: roomId})
	b.awaitReply(id)

	// a dropping its socket must release the share and the room seat.
	// the project teardown and the room leave each broadcast a snapshot,
	// so wait for the settled one.
	a.ws.Close()
	for {
		updated := awaitMessage[*protocol.RoomUpdated](b)
		if len(updated.Room.Participants) == 1 {
			assert.Equal(t, len(updated.Room.ProjectIds), 0)
			break
		}
	}
}

func TestServerStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := startTestServer(t, ctx)
	response, err := server.http.Client().Get(server.http.URL + "/status")
	assert.Equal(t, err, nil)
	defer response.Body.Close()
	assert.Equal(t, response.StatusCode, 200)
}
