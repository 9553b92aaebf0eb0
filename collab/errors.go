package collab

import (
	"errors"
	"fmt"

	"coedit.dev/collab/protocol"
)

// Error is the structured error surface of the coordination layer. Every
// error that reaches a requester carries a kind and the offending entity
// id so the client can decide between resync and user-facing display.
type Error struct {
	Kind     protocol.ErrorKind
	EntityId uint64
	message  string
}

func (self *Error) Error() string {
	if self.EntityId != 0 {
		return fmt.Sprintf("%s(%d): %s", self.Kind, self.EntityId, self.message)
	}
	return fmt.Sprintf("%s: %s", self.Kind, self.message)
}

func newError(kind protocol.ErrorKind, entityId uint64, format string, a ...any) *Error {
	return &Error{
		Kind:     kind,
		EntityId: entityId,
		message:  fmt.Sprintf(format, a...),
	}
}

func ErrRoomNotFound(roomId protocol.RoomId) *Error {
	return newError(protocol.ErrorKindRoomNotFound, uint64(roomId), "no such room")
}

func ErrAlreadyJoined(roomId protocol.RoomId) *Error {
	return newError(protocol.ErrorKindAlreadyJoined, uint64(roomId), "connection already joined room")
}

func ErrNotInRoom(roomId protocol.RoomId) *Error {
	return newError(protocol.ErrorKindNotInRoom, uint64(roomId), "connection has no participant in room")
}

func ErrProjectNotShared(projectId protocol.ProjectId) *Error {
	return newError(protocol.ErrorKindProjectNotShared, uint64(projectId), "project is not shared")
}

func ErrNotHost(projectId protocol.ProjectId) *Error {
	return newError(protocol.ErrorKindNotHost, uint64(projectId), "request requires the project host")
}

func ErrStaleEpoch(bufferId protocol.BufferId, current uint64, got uint64) *Error {
	return newError(protocol.ErrorKindStaleEpoch, uint64(bufferId), "buffer epoch is %d, operation carries %d", current, got)
}

func ErrDuplicateConnection(connectionId protocol.ConnectionId) *Error {
	return newError(protocol.ErrorKindDuplicateConnection, 0, "connection %s already registered", connectionId)
}

func ErrChannelNotFound(channelId protocol.ChannelId) *Error {
	return newError(protocol.ErrorKindChannelNotFound, uint64(channelId), "no such channel")
}

func ErrNoChannelPermission(channelId protocol.ChannelId) *Error {
	return newError(protocol.ErrorKindNoChannelPermission, uint64(channelId), "insufficient channel permission")
}

func ErrUnauthorized(format string, a ...any) *Error {
	return newError(protocol.ErrorKindUnauthorized, 0, format, a...)
}

func ErrProtocol(format string, a ...any) *Error {
	return newError(protocol.ErrorKindProtocol, 0, format, a...)
}

// ErrorResponseFor converts any handler error into the wire error shape.
// Errors without a kind are reported as internal without detail.
func ErrorResponseFor(err error) *protocol.ErrorResponse {
	var e *Error
	if errors.As(err, &e) {
		return &protocol.ErrorResponse{
			Kind:     e.Kind,
			Message:  e.message,
			EntityId: e.EntityId,
		}
	}
	return &protocol.ErrorResponse{
		Kind:    protocol.ErrorKindInternal,
		Message: "internal error",
	}
}

// IsKind reports whether err carries the given wire error kind.
func IsKind(err error, kind protocol.ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
