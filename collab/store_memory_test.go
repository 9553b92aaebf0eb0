package collab

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"

	"coedit.dev/collab/protocol"
)

func TestMemoryStoreRollback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	connectionId := protocol.ConnectionId{Epoch: 1, Seq: 1}

	var roomId protocol.RoomId
	err := store.WithTx(ctx, func(tx StoreTx) error {
		room, err := tx.CreateRoom(0, "media-1")
		if err != nil {
			return err
		}
		roomId = room.Id
		return tx.InsertParticipant(Participant{
			RoomId:       roomId,
			UserId:       1,
			ConnectionId: connectionId,
			Location:     protocol.Location{Kind: protocol.LocationLobby},
		})
	})
	assert.Equal(t, err, nil)

	// a failing transaction must undo every step, including steps that
	// succeeded before the failure
	err = store.WithTx(ctx, func(tx StoreTx) error {
		if _, err := tx.RemoveParticipant(roomId, connectionId); err != nil {
			return err
		}
		if err := tx.DeleteRoom(roomId); err != nil {
			return err
		}
		return fmt.Errorf("deliberate failure")
	})
	assert.NotEqual(t, err, nil)

	err = store.WithTx(ctx, func(tx StoreTx) error {
		room, err := tx.FindRoom(roomId)
		if err != nil {
			return err
		}
		assert.Equal(t, room.LiveMediaRoom, "media-1")
		participants, err := tx.Participants(roomId)
		if err != nil {
			return err
		}
		assert.Equal(t, len(participants), 1)
		return nil
	})
	assert.Equal(t, err, nil)
}

func TestMemoryStoreEpochsMonotonic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	first, err := store.AllocateServerEpoch(ctx)
	assert.Equal(t, err, nil)
	second, err := store.AllocateServerEpoch(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, second, first+1)
}

func TestMemoryStoreBufferRollback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	err := store.WithTx(ctx, func(tx StoreTx) error {
		return tx.AppendBufferOperations(1, 2, 1, []StoredOperation{
			{Epoch: 1, ReplicaId: 1, Lamport: 1},
		})
	})
	assert.Equal(t, err, nil)

	err = store.WithTx(ctx, func(tx StoreTx) error {
		err := tx.AppendBufferOperations(1, 2, 1, []StoredOperation{
			{Epoch: 1, ReplicaId: 1, Lamport: 2},
		})
		if err != nil {
			return err
		}
		return fmt.Errorf("deliberate failure")
	})
	assert.NotEqual(t, err, nil)

	err = store.WithTx(ctx, func(tx StoreTx) error {
		buffer, err := tx.LoadBuffer(1, 2)
		if err != nil {
			return err
		}
		assert.Equal(t, len(buffer.Operations), 1)
		return nil
	})
	assert.Equal(t, err, nil)
}
