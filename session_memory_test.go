package mqtt311

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySessionNextPacketID(t *testing.T) {
	s := NewMemorySession("c1")

	id1, err := s.NextPacketID()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id1)

	id2, err := s.NextPacketID()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), id2)
}

func TestMemorySessionNextPacketIDSkipsInflight(t *testing.T) {
	s := NewMemorySession("c1")

	s.AddInflight(InflightMessage{PacketID: 1})
	s.AddInflight(InflightMessage{PacketID: 2})

	id, err := s.NextPacketID()
	require.NoError(t, err)
	assert.Equal(t, uint16(3), id)
}

func TestMemorySessionSubscriptions(t *testing.T) {
	s := NewMemorySession("c1")

	s.AddSubscription("a/b", QoS1)
	s.AddSubscription("a/+", QoS2)

	subs := s.Subscriptions()
	assert.Equal(t, map[string]byte{"a/b": QoS1, "a/+": QoS2}, subs)

	assert.True(t, s.RemoveSubscription("a/b"))
	assert.False(t, s.RemoveSubscription("a/b"))
	assert.Len(t, s.Subscriptions(), 1)
}

func TestMemorySessionInflight(t *testing.T) {
	s := NewMemorySession("c1")

	msg := InflightMessage{
		PacketID:  7,
		Message:   Message{Topic: "a/b", Payload: []byte("x"), QoS: QoS1},
		Direction: InflightOutbound,
		State:     InflightAwaitingAck,
	}
	s.AddInflight(msg)

	got, ok := s.GetInflight(7)
	require.True(t, ok)
	assert.Equal(t, msg, got)

	got.State = InflightAwaitingComp
	s.UpdateInflight(got)

	updated, ok := s.GetInflight(7)
	require.True(t, ok)
	assert.Equal(t, InflightAwaitingComp, updated.State)

	s.RemoveInflight(7)
	_, ok = s.GetInflight(7)
	assert.False(t, ok)
}

func TestMemorySessionQueueOrder(t *testing.T) {
	s := NewMemorySession("c1")

	s.QueueMessage(Message{Topic: "t", Payload: []byte("1")}, QoS0)
	s.QueueMessage(Message{Topic: "t", Payload: []byte("2")}, QoS1)
	s.QueueMessage(Message{Topic: "t", Payload: []byte("3")}, QoS2)

	queued := s.DrainQueue()
	require.Len(t, queued, 3)
	assert.Equal(t, []byte("1"), queued[0].Message.Payload)
	assert.Equal(t, []byte("2"), queued[1].Message.Payload)
	assert.Equal(t, []byte("3"), queued[2].Message.Payload)
	assert.Equal(t, QoS1, queued[1].QoS)

	assert.Empty(t, s.DrainQueue())
}

func TestMemorySessionQueueCap(t *testing.T) {
	s := NewMemorySession("c1")

	for i := 0; i < maxQueuedMessages+10; i++ {
		s.QueueMessage(Message{Topic: "t", Payload: []byte{byte(i)}}, QoS0)
	}

	queued := s.DrainQueue()
	assert.Len(t, queued, maxQueuedMessages)
	// Oldest entries were dropped.
	assert.Equal(t, []byte{10}, queued[0].Message.Payload)
}

func TestMemorySessionStore(t *testing.T) {
	store := NewMemorySessionStore()

	_, err := store.Get("c1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	s, err := store.Create("c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", s.ID())

	_, err = store.Create("c1")
	assert.ErrorIs(t, err, ErrSessionExists)

	got, err := store.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, s, got)

	require.NoError(t, store.Delete("c1"))
	assert.ErrorIs(t, store.Delete("c1"), ErrSessionNotFound)
}

func TestMemorySessionStoreRange(t *testing.T) {
	store := NewMemorySessionStore()

	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Create(id)
		require.NoError(t, err)
	}

	seen := make(map[string]bool)
	store.Range(func(s Session) bool {
		seen[s.ID()] = true
		return true
	})
	assert.Len(t, seen, 3)

	count := 0
	store.Range(func(Session) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}
