package protocol

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	MessageTypeAuth                    MessageType = "Auth"
	MessageTypePing                    MessageType = "Ping"
	MessageTypeCreateRoom              MessageType = "CreateRoom"
	MessageTypeJoinRoom                MessageType = "JoinRoom"
	MessageTypeLeaveRoom               MessageType = "LeaveRoom"
	MessageTypeCall                    MessageType = "Call"
	MessageTypeCancelCall              MessageType = "CancelCall"
	MessageTypeDeclineCall             MessageType = "DeclineCall"
	MessageTypeUpdateLocation          MessageType = "UpdateLocation"
	MessageTypeShareProject            MessageType = "ShareProject"
	MessageTypeUnshareProject          MessageType = "UnshareProject"
	MessageTypeJoinProject             MessageType = "JoinProject"
	MessageTypeLeaveProject            MessageType = "LeaveProject"
	MessageTypeUpdateBuffer            MessageType = "UpdateBuffer"
	MessageTypeOpenBuffer              MessageType = "OpenBuffer"
	MessageTypeResetBuffer             MessageType = "ResetBuffer"
	MessageTypeUpdateWorktree          MessageType = "UpdateWorktree"
	MessageTypeUpdateDiagnosticSummary MessageType = "UpdateDiagnosticSummary"
	MessageTypeUpdateWorktreeSettings  MessageType = "UpdateWorktreeSettings"
	MessageTypeCreateChannel           MessageType = "CreateChannel"
	MessageTypeDeleteChannel           MessageType = "DeleteChannel"
	MessageTypeRenameChannel           MessageType = "RenameChannel"
	MessageTypeJoinChannel             MessageType = "JoinChannel"
	MessageTypeInviteChannelMember     MessageType = "InviteChannelMember"
	MessageTypeRemoveChannelMember     MessageType = "RemoveChannelMember"
	MessageTypeRespondToChannelInvite  MessageType = "RespondToChannelInvite"

	MessageTypeAck                  MessageType = "Ack"
	MessageTypePong                 MessageType = "Pong"
	MessageTypeAuthAck              MessageType = "AuthAck"
	MessageTypeRoomResponse         MessageType = "RoomResponse"
	MessageTypeShareProjectResponse MessageType = "ShareProjectResponse"
	MessageTypeJoinProjectResponse  MessageType = "JoinProjectResponse"
	MessageTypeChannelResponse      MessageType = "ChannelResponse"
	MessageTypeOpenBufferResponse   MessageType = "OpenBufferResponse"
	MessageTypeErrorResponse        MessageType = "ErrorResponse"

	MessageTypeRoomUpdated             MessageType = "RoomUpdated"
	MessageTypeParticipantLocation     MessageType = "ParticipantLocation"
	MessageTypeIncomingCall            MessageType = "IncomingCall"
	MessageTypeCallCanceled            MessageType = "CallCanceled"
	MessageTypeBufferOperations        MessageType = "BufferOperations"
	MessageTypeBufferReset             MessageType = "BufferReset"
	MessageTypeWorktreeUpdated         MessageType = "WorktreeUpdated"
	MessageTypeDiagnosticsUpdated      MessageType = "DiagnosticsUpdated"
	MessageTypeWorktreeSettingsUpdated MessageType = "WorktreeSettingsUpdated"
	MessageTypeCollaboratorJoined      MessageType = "CollaboratorJoined"
	MessageTypeCollaboratorLeft        MessageType = "CollaboratorLeft"
	MessageTypeProjectUnshared         MessageType = "ProjectUnshared"
	MessageTypeChannelsUpdated         MessageType = "ChannelsUpdated"
)

// Frame is the wire envelope. Id is the sender-assigned message id,
// monotonic per connection. ReplyTo correlates a response to a request;
// broadcasts leave it zero.
type Frame struct {
	Id          uint32          `json:"id,omitempty"`
	ReplyTo     uint32          `json:"reply_to,omitempty"`
	MessageType MessageType     `json:"type"`
	Body        json.RawMessage `json:"body,omitempty"`
}

func ToFrame(message any) (*Frame, error) {
	var messageType MessageType
	switch v := message.(type) {
	case *Auth:
		messageType = MessageTypeAuth
	case *Ping:
		messageType = MessageTypePing
	case *CreateRoom:
		messageType = MessageTypeCreateRoom
	case *JoinRoom:
		messageType = MessageTypeJoinRoom
	case *LeaveRoom:
		messageType = MessageTypeLeaveRoom
	case *Call:
		messageType = MessageTypeCall
	case *CancelCall:
		messageType = MessageTypeCancelCall
	case *DeclineCall:
		messageType = MessageTypeDeclineCall
	case *UpdateLocation:
		messageType = MessageTypeUpdateLocation
	case *ShareProject:
		messageType = MessageTypeShareProject
	case *UnshareProject:
		messageType = MessageTypeUnshareProject
	case *JoinProject:
		messageType = MessageTypeJoinProject
	case *LeaveProject:
		messageType = MessageTypeLeaveProject
	case *UpdateBuffer:
		messageType = MessageTypeUpdateBuffer
	case *OpenBuffer:
		messageType = MessageTypeOpenBuffer
	case *ResetBuffer:
		messageType = MessageTypeResetBuffer
	case *UpdateWorktree:
		messageType = MessageTypeUpdateWorktree
	case *UpdateDiagnosticSummary:
		messageType = MessageTypeUpdateDiagnosticSummary
	case *UpdateWorktreeSettings:
		messageType = MessageTypeUpdateWorktreeSettings
	case *CreateChannel:
		messageType = MessageTypeCreateChannel
	case *DeleteChannel:
		messageType = MessageTypeDeleteChannel
	case *RenameChannel:
		messageType = MessageTypeRenameChannel
	case *JoinChannel:
		messageType = MessageTypeJoinChannel
	case *InviteChannelMember:
		messageType = MessageTypeInviteChannelMember
	case *RemoveChannelMember:
		messageType = MessageTypeRemoveChannelMember
	case *RespondToChannelInvite:
		messageType = MessageTypeRespondToChannelInvite
	case *Ack:
		messageType = MessageTypeAck
	case *Pong:
		messageType = MessageTypePong
	case *AuthAck:
		messageType = MessageTypeAuthAck
	case *RoomResponse:
		messageType = MessageTypeRoomResponse
	case *ShareProjectResponse:
		messageType = MessageTypeShareProjectResponse
	case *JoinProjectResponse:
		messageType = MessageTypeJoinProjectResponse
	case *ChannelResponse:
		messageType = MessageTypeChannelResponse
	case *OpenBufferResponse:
		messageType = MessageTypeOpenBufferResponse
	case *ErrorResponse:
		messageType = MessageTypeErrorResponse
	case *RoomUpdated:
		messageType = MessageTypeRoomUpdated
	case *ParticipantLocation:
		messageType = MessageTypeParticipantLocation
	case *IncomingCall:
		messageType = MessageTypeIncomingCall
	case *CallCanceled:
		messageType = MessageTypeCallCanceled
	case *BufferOperations:
		messageType = MessageTypeBufferOperations
	case *BufferReset:
		messageType = MessageTypeBufferReset
	case *WorktreeUpdated:
		messageType = MessageTypeWorktreeUpdated
	case *DiagnosticsUpdated:
		messageType = MessageTypeDiagnosticsUpdated
	case *WorktreeSettingsUpdated:
		messageType = MessageTypeWorktreeSettingsUpdated
	case *CollaboratorJoined:
		messageType = MessageTypeCollaboratorJoined
	case *CollaboratorLeft:
		messageType = MessageTypeCollaboratorLeft
	case *ProjectUnshared:
		messageType = MessageTypeProjectUnshared
	case *ChannelsUpdated:
		messageType = MessageTypeChannelsUpdated
	default:
		return nil, fmt.Errorf("unknown message type: %T", v)
	}
	b, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return &Frame{
		MessageType: messageType,
		Body:        b,
	}, nil
}

func RequireToFrame(message any) *Frame {
	frame, err := ToFrame(message)
	if err != nil {
		panic(err)
	}
	return frame
}

func FromFrame(frame *Frame) (any, error) {
	var message any
	switch frame.MessageType {
	case MessageTypeAuth:
		message = &Auth{}
	case MessageTypePing:
		message = &Ping{}
	case MessageTypeCreateRoom:
		message = &CreateRoom{}
	case MessageTypeJoinRoom:
		message = &JoinRoom{}
	case MessageTypeLeaveRoom:
		message = &LeaveRoom{}
	case MessageTypeCall:
		message = &Call{}
	case MessageTypeCancelCall:
		message = &CancelCall{}
	case MessageTypeDeclineCall:
		message = &DeclineCall{}
	case MessageTypeUpdateLocation:
		message = &UpdateLocation{}
	case MessageTypeShareProject:
		message = &ShareProject{}
	case MessageTypeUnshareProject:
		message = &UnshareProject{}
	case MessageTypeJoinProject:
		message = &JoinProject{}
	case MessageTypeLeaveProject:
		message = &LeaveProject{}
	case MessageTypeUpdateBuffer:
		message = &UpdateBuffer{}
	case MessageTypeOpenBuffer:
		message = &OpenBuffer{}
	case MessageTypeResetBuffer:
		message = &ResetBuffer{}
	case MessageTypeUpdateWorktree:
		message = &UpdateWorktree{}
	case MessageTypeUpdateDiagnosticSummary:
		message = &UpdateDiagnosticSummary{}
	case MessageTypeUpdateWorktreeSettings:
		message = &UpdateWorktreeSettings{}
	case MessageTypeCreateChannel:
		message = &CreateChannel{}
	case MessageTypeDeleteChannel:
		message = &DeleteChannel{}
	case MessageTypeRenameChannel:
		message = &RenameChannel{}
	case MessageTypeJoinChannel:
		message = &JoinChannel{}
	case MessageTypeInviteChannelMember:
		message = &InviteChannelMember{}
	case MessageTypeRemoveChannelMember:
		message = &RemoveChannelMember{}
	case MessageTypeRespondToChannelInvite:
		message = &RespondToChannelInvite{}
	case MessageTypeAck:
		message = &Ack{}
	case MessageTypePong:
		message = &Pong{}
	case MessageTypeAuthAck:
		message = &AuthAck{}
	case MessageTypeRoomResponse:
		message = &RoomResponse{}
	case MessageTypeShareProjectResponse:
		message = &ShareProjectResponse{}
	case MessageTypeJoinProjectResponse:
		message = &JoinProjectResponse{}
	case MessageTypeChannelResponse:
		message = &ChannelResponse{}
	case MessageTypeOpenBufferResponse:
		message = &OpenBufferResponse{}
	case MessageTypeErrorResponse:
		message = &ErrorResponse{}
	case MessageTypeRoomUpdated:
		message = &RoomUpdated{}
	case MessageTypeParticipantLocation:
		message = &ParticipantLocation{}
	case MessageTypeIncomingCall:
		message = &IncomingCall{}
	case MessageTypeCallCanceled:
		message = &CallCanceled{}
	case MessageTypeBufferOperations:
		message = &BufferOperations{}
	case MessageTypeBufferReset:
		message = &BufferReset{}
	case MessageTypeWorktreeUpdated:
		message = &WorktreeUpdated{}
	case MessageTypeDiagnosticsUpdated:
		message = &DiagnosticsUpdated{}
	case MessageTypeWorktreeSettingsUpdated:
		message = &WorktreeSettingsUpdated{}
	case MessageTypeCollaboratorJoined:
		message = &CollaboratorJoined{}
	case MessageTypeCollaboratorLeft:
		message = &CollaboratorLeft{}
	case MessageTypeProjectUnshared:
		message = &ProjectUnshared{}
	case MessageTypeChannelsUpdated:
		message = &ChannelsUpdated{}
	default:
		return nil, fmt.Errorf("unknown message type: %s", frame.MessageType)
	}
	if len(frame.Body) != 0 {
		if err := json.Unmarshal(frame.Body, message); err != nil {
			return nil, err
		}
	}
	return message, nil
}

func RequireFromFrame(frame *Frame) any {
	message, err := FromFrame(frame)
	if err != nil {
		panic(err)
	}
	return message
}

func EncodeFrame(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func DecodeFrame(b []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(b, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
