package protocol

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestFrameRoundTrip(t *testing.T) {
	messages := []any{
		&Auth{Token: "abc"},
		&Ping{},
		&UpdateBuffer{
			ProjectId: 3,
			BufferId:  9,
			Epoch:     1,
			Operations: []BufferOperation{
				{ReplicaId: 1, Lamport: 4, Payload: []byte("op")},
			},
		},
		&RoomUpdated{
			Room: RoomSnapshot{
				RoomId: 7,
				Participants: []ParticipantInfo{
					{
						UserId:       1,
						ConnectionId: ConnectionId{Epoch: 2, Seq: 5},
						Location:     Location{Kind: LocationLobby},
					},
				},
			},
		},
		&ErrorResponse{Kind: ErrorKindStaleEpoch, Message: "stale", EntityId: 9},
	}
	for _, message := range messages {
		frame, err := ToFrame(message)
		assert.Equal(t, err, nil)
		frame.Id = 12

		b, err := EncodeFrame(frame)
		assert.Equal(t, err, nil)
		decodedFrame, err := DecodeFrame(b)
		assert.Equal(t, err, nil)
		assert.Equal(t, decodedFrame.Id, uint32(12))
		assert.Equal(t, decodedFrame.MessageType, frame.MessageType)

		decoded, err := FromFrame(decodedFrame)
		assert.Equal(t, err, nil)
		assert.Equal(t, decoded, message)
	}
}

func TestFrameReplyCorrelation(t *testing.T) {
	frame, err := ToFrame(&Ack{})
	assert.Equal(t, err, nil)
	frame.ReplyTo = 99

	b, err := EncodeFrame(frame)
	assert.Equal(t, err, nil)
	decoded, err := DecodeFrame(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.ReplyTo, uint32(99))
}

func TestFrameUnknownType(t *testing.T) {
	_, err := FromFrame(&Frame{
		MessageType: "Bogus",
		Body:        []byte("{}"),
	})
	assert.NotEqual(t, err, nil)

	type notAMessage struct{}
	_, err = ToFrame(&notAMessage{})
	assert.NotEqual(t, err, nil)
}

func TestDecodeFrameMalformed(t *testing.T) {
	_, err := DecodeFrame([]byte("{"))
	assert.NotEqual(t, err, nil)

	_, err = FromFrame(&Frame{
		MessageType: MessageTypePing,
		Body:        []byte("{not json"),
	})
	assert.NotEqual(t, err, nil)
}
