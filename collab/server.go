package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"coedit.dev/collab/protocol"
)

type ServerSettings struct {
	// shared worker pool executing request handlers
	HandlerConcurrency int
	TaskQueueSize      int

	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64

	Registry *ConnectionRegistrySettings
	Rooms    *RoomsSettings
	Projects *ProjectsSettings
	Channels *ChannelsSettings
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		HandlerConcurrency: 16,
		TaskQueueSize:      1024,
		AuthTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		ReadLimit:          16 * 1024 * 1024,
		Registry:           DefaultConnectionRegistrySettings(),
		Rooms:              DefaultRoomsSettings(),
		Projects:           DefaultProjectsSettings(),
		Channels:           DefaultChannelsSettings(),
	}
}

// Server runs one reader task per connection and dispatches decoded
// requests onto the shared worker pool. It holds no cross-request state
// of its own beyond the connection registry; everything durable lives in
// the store.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    Store
	auth     *Authenticator
	media    *MediaTokenIssuer
	relay    Relay
	registry *ConnectionRegistry
	rooms    *Rooms
	projects *Projects
	channels *Channels

	epoch         protocol.ServerEpoch
	connectionSeq atomic.Uint32

	tasks chan func()

	settings *ServerSettings
}

func NewServerWithDefaults(ctx context.Context, store Store, auth *Authenticator, media *MediaTokenIssuer) (*Server, error) {
	return NewServer(ctx, store, auth, media, &NoopRelay{}, DefaultServerSettings())
}

func NewServer(ctx context.Context, store Store, auth *Authenticator, media *MediaTokenIssuer, relay Relay, settings *ServerSettings) (*Server, error) {
	epoch, err := store.AllocateServerEpoch(ctx)
	if err != nil {
		return nil, err
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	registry := NewConnectionRegistry(settings.Registry)
	if bound, ok := relay.(BoundRelay); ok {
		bound.Bind(epoch, registry)
	}
	projects := NewProjects(store, registry, relay, settings.Projects)
	rooms := NewRooms(store, registry, projects, media, relay, settings.Rooms)
	channels := NewChannels(store, registry, rooms, projects, media, relay, settings.Channels)
	server := &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		auth:     auth,
		media:    media,
		relay:    relay,
		registry: registry,
		rooms:    rooms,
		projects: projects,
		channels: channels,
		epoch:    epoch,
		tasks:    make(chan func(), settings.TaskQueueSize),
		settings: settings,
	}
	for i := 0; i < settings.HandlerConcurrency; i += 1 {
		go server.worker()
	}
	glog.Infof("[srv]start epoch = %d\n", epoch)
	return server, nil
}

func (self *Server) Epoch() protocol.ServerEpoch {
	return self.epoch
}

func (self *Server) Registry() *ConnectionRegistry {
	return self.registry
}

func (self *Server) Close() {
	self.cancel()
	self.relay.Close()
}

func (self *Server) worker() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case task := <-self.tasks:
			task()
		}
	}
}

func (self *Server) submit(task func()) {
	select {
	case <-self.ctx.Done():
	case self.tasks <- task:
	}
}

func (self *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ws", self.handleWebsocket)
	router.HandleFunc("/status", self.handleStatus)
	return router
}

func (self *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"epoch":  self.epoch,
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (self *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[srv]upgrade error = %s\n", err)
		return
	}
	self.handleConnection(ws)
}

// handleConnection authenticates and then runs the read loop until the
// socket closes. The first frame must be Auth; anything else fails the
// connection.
func (self *Server) handleConnection(ws *websocket.Conn) {
	defer ws.Close()
	ws.SetReadLimit(self.settings.ReadLimit)

	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	authFrame, err := readFrame(ws)
	if err != nil {
		glog.V(1).Infof("[srv]auth read error = %s\n", err)
		return
	}
	authMessage, err := protocol.FromFrame(authFrame)
	if err != nil {
		glog.V(1).Infof("[srv]auth decode error = %s\n", err)
		return
	}
	auth, ok := authMessage.(*protocol.Auth)
	if !ok {
		glog.V(1).Infof("[srv]first frame was %s, not auth\n", authFrame.MessageType)
		return
	}
	principal, err := self.auth.VerifyToken(auth.Token)
	if err != nil {
		writeFrameWithDeadline(ws, replyTo(protocol.RequireToFrame(ErrorResponseFor(err)), authFrame.Id), self.settings.WriteTimeout)
		return
	}
	ws.SetReadDeadline(time.Time{})

	connectionId := protocol.ConnectionId{
		Epoch: self.epoch,
		Seq:   self.connectionSeq.Add(1),
	}
	connection, err := self.registry.Register(connectionId, principal.UserId, principal.Kind)
	if err != nil {
		// a fresh id fixes a duplicate; this indicates an epoch bug
		glog.Warningf("[srv]register error = %s\n", err)
		writeFrameWithDeadline(ws, replyTo(protocol.RequireToFrame(ErrorResponseFor(err)), authFrame.Id), self.settings.WriteTimeout)
		return
	}
	glog.V(1).Infof("[srv]%s connected user = %d\n", connectionId, principal.UserId)

	writerDone := make(chan struct{})
	go self.writeLoop(ws, connection, writerDone)

	self.registry.Send(connectionId, replyTo(protocol.RequireToFrame(&protocol.AuthAck{
		ConnectionId: connectionId,
		UserId:       principal.UserId,
	}), authFrame.Id))
	self.sendInitialUpdate(connection)

	self.readLoop(ws, connection)
	self.connectionLost(connection)
	<-writerDone
}

// sendInitialUpdate pushes the channels and invites visible to the user
// right after authentication.
func (self *Server) sendInitialUpdate(connection *RegisteredConnection) {
	summary, err := self.channels.Summary(self.ctx, connection.UserId)
	if err != nil {
		glog.Infof("[srv]initial update error for %s = %s\n", connection.ConnectionId, err)
		return
	}
	if len(summary.Channels) == 0 && len(summary.Invites) == 0 {
		return
	}
	self.registry.Send(connection.ConnectionId, protocol.RequireToFrame(summary))
}

func (self *Server) readLoop(ws *websocket.Conn, connection *RegisteredConnection) {
	for {
		frame, err := readFrame(ws)
		if err != nil {
			glog.V(2).Infof("[srv]%s read end = %s\n", connection.ConnectionId, err)
			return
		}
		message, err := protocol.FromFrame(frame)
		if err != nil {
			// unknown or malformed frame fails the connection
			glog.Infof("[srv]%s protocol violation = %s\n", connection.ConnectionId, err)
			return
		}
		self.submit(func() {
			HandleError(
				connection.ConnectionId.String(),
				func() {
					self.handleMessage(connection, frame.Id, message)
				},
				func() {
					// a panicking handler must not corrupt shared
					// state silently: tear the connection down
					self.connectionLost(connection)
					ws.Close()
				},
			)
		})
	}
}

func (self *Server) writeLoop(ws *websocket.Conn, connection *RegisteredConnection, done chan struct{}) {
	defer close(done)
	for frame := range connection.Receive() {
		if err := writeFrameWithDeadline(ws, frame, self.settings.WriteTimeout); err != nil {
			glog.V(1).Infof("[srv]%s write error = %s\n", connection.ConnectionId, err)
			// keep draining so broadcasters never block on this
			// connection; the read loop will observe the close
			for range connection.Receive() {
			}
			return
		}
	}
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(self.settings.WriteTimeout))
}

// connectionLost runs the cleanup cascade for a closed connection:
// project shares first, then rooms, exactly as on a graceful leave.
// Idempotent, so the panic path and the read-loop exit can both call it.
func (self *Server) connectionLost(connection *RegisteredConnection) {
	actions := self.registry.Unregister(connection.ConnectionId)
	if actions == nil {
		return
	}
	glog.V(1).Infof("[srv]%s disconnected, %d cleanup actions\n", connection.ConnectionId, len(actions))
	for _, action := range actions {
		switch action.Kind {
		case CleanupLeaveProject:
			if err := self.projects.Leave(self.ctx, action.ProjectId, connection.ConnectionId); err != nil {
				glog.Infof("[srv]%s cleanup project %d error = %s\n", connection.ConnectionId, action.ProjectId, err)
			}
		case CleanupLeaveRoom:
			if err := self.rooms.Leave(self.ctx, action.RoomId, connection.ConnectionId); err != nil {
				glog.Infof("[srv]%s cleanup room %d error = %s\n", connection.ConnectionId, action.RoomId, err)
			}
		}
	}
}

// handleMessage is the typed dispatch. Adding a message kind means
// extending the protocol enum and this switch; the default arm treats
// anything unexpected as a protocol violation.
func (self *Server) handleMessage(connection *RegisteredConnection, messageId uint32, message any) {
	ctx := self.ctx
	connectionId := connection.ConnectionId
	userId := connection.UserId

	var response any
	var err error
	switch v := message.(type) {
	case *protocol.Ping:
		response = &protocol.Pong{}
	case *protocol.CreateRoom:
		response, err = self.rooms.Create(ctx, userId, connectionId)
	case *protocol.JoinRoom:
		response, err = self.rooms.Join(ctx, v.RoomId, userId, connectionId)
	case *protocol.LeaveRoom:
		err = self.rooms.Leave(ctx, v.RoomId, connectionId)
		if err == nil {
			response = &protocol.Ack{}
		}
	case *protocol.Call:
		err = self.rooms.Call(ctx, v.RoomId, userId, connectionId, v.CalleeUserId)
		if err == nil {
			response = &protocol.Ack{}
		}
	case *protocol.CancelCall:
		err = self.rooms.CancelCall(ctx, v.RoomId, connectionId, v.CalleeUserId)
		if err == nil {
			response = &protocol.Ack{}
		}
	case *protocol.DeclineCall:
		err = self.rooms.DeclineCall(ctx, v.RoomId, userId)
		if err == nil {
			response = &protocol.Ack{}
		}
	case *protocol.UpdateLocation:
		err = self.rooms.UpdateLocation(ctx, v.RoomId, connectionId, v.Location)
		if err == nil {
			response = &protocol.Ack{}
		}
	case *protocol.ShareProject:
		response, err = self.projects.Share(ctx, v.RoomId, userId, connectionId, v.Worktrees)
	case *protocol.UnshareProject:
		err = self.projects.Unshare(ctx, v.ProjectId, connectionId)
		if err == nil {
			response = &protocol.Ack{}
		}
	case *protocol.JoinProject:
		response, err = self.projects.Join(ctx, v.ProjectId, userId, connectionId)
	case *protocol.LeaveProject:
		err = self.projects.Leave(ctx, v.ProjectId, connectionId)
		if err == nil {
			response = &protocol.Ack{}
		}
	case *protocol.UpdateBuffer:
		err = self.projects.ApplyOperations(ctx, connectionId, v)
		if err == nil {
			response = &protocol.Ack{}
		}
	case *protocol.OpenBuffer:
		response, err = self.projects.OpenBuffer(ctx, connectionId, v)
	case *protocol.ResetBuffer:
		err = self.projects.ResetBuffer(ctx, connectionId, v)
		if err == nil {
			response = &protocol.Ack{}
		}
	case *protocol.UpdateWorktree:
		err = self.projects.UpdateWorktree(ctx, connectionId, v)
		if err == nil {
			response = &protocol.Ack{}
		}
	case *protocol.UpdateDiagnosticSummary:
		err = self.projects.UpdateDiagnosticSummary(ctx, connectionId, v)
		if err == nil {
			response = &protocol.Ack{}
		}
	case *protocol.UpdateWorktreeSettings:
		err = self.projects.UpdateWorktreeSettings(ctx, connectionId, v)
		if err == nil {
			response = &protocol.Ack{}
		}
	case *protocol.CreateChannel:
		response, err = self.channels.Create(ctx, userId, v.Name, v.ParentId)
	case *protocol.DeleteChannel:
		err = self.channels.Delete(ctx, userId, v.ChannelId)
		if err == nil {
			response = &protocol.Ack{}
		}
	case *protocol.RenameChannel:
		response, err = self.channels.Rename(ctx, userId, v.ChannelId, v.Name)
	case *protocol.JoinChannel:
		response, err = self.channels.Join(ctx, v.ChannelId, userId, connectionId)
	case *protocol.InviteChannelMember:
		err = self.channels.Invite(ctx, userId, v.ChannelId, v.UserId, v.Role)
		if err == nil {
			response = &protocol.Ack{}
		}
	case *protocol.RemoveChannelMember:
		err = self.channels.RemoveMember(ctx, userId, v.ChannelId, v.UserId)
		if err == nil {
			response = &protocol.Ack{}
		}
	case *protocol.RespondToChannelInvite:
		err = self.channels.RespondToInvite(ctx, userId, v.ChannelId, v.Accept)
		if err == nil {
			response = &protocol.Ack{}
		}
	case *protocol.Auth:
		err = ErrProtocol("connection already authenticated")
	default:
		err = ErrProtocol("unexpected message type %T", v)
	}

	if err != nil {
		glog.V(1).Infof("[srv]%s request error = %s\n", connectionId, err)
		self.registry.Send(connectionId, replyTo(protocol.RequireToFrame(ErrorResponseFor(err)), messageId))
		return
	}
	self.registry.Send(connectionId, replyTo(protocol.RequireToFrame(response), messageId))
}

func replyTo(frame *protocol.Frame, messageId uint32) *protocol.Frame {
	frame.ReplyTo = messageId
	return frame
}

func readFrame(ws *websocket.Conn) (*protocol.Frame, error) {
	_, b, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeFrame(b)
}

func writeFrameWithDeadline(ws *websocket.Conn, frame *protocol.Frame, timeout time.Duration) error {
	ws.SetWriteDeadline(time.Now().Add(timeout))
	return ws.WriteJSON(frame)
}
