package signaling

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type relayed struct {
	roomID string
	msg    Message
}

func newTestPubSub(t *testing.T, mr *miniredis.Miniredis, instanceID string) (*PubSubManager, chan relayed) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	p := NewPubSubManager(client, instanceID, zaptest.NewLogger(t))
	got := make(chan relayed, 16)
	p.OnRemoteMessage = func(roomID string, msg Message) {
		got <- relayed{roomID: roomID, msg: msg}
	}
	t.Cleanup(func() {
		p.Close()
		client.Close()
	})
	return p, got
}

func TestPubSub_RelaysBetweenInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a, fromA := newTestPubSub(t, mr, "node-a")
	b, fromB := newTestPubSub(t, mr, "node-b")
	assert.Equal(t, "node-a", a.GetInstanceID())

	require.NoError(t, a.SubscribeToRoom("r1"))
	require.NoError(t, b.SubscribeToRoom("r1"))
	require.NoError(t, a.SubscribeToRoom("r1"), "subscribing twice is a no-op")

	msg, err := NewMessage(MessageTypeUserJoined, map[string]string{"user_id": "u1"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, a.PublishToRoom("r1", msg))

	select {
	case r := <-fromB:
		assert.Equal(t, "r1", r.roomID)
		assert.Equal(t, MessageTypeUserJoined, r.msg.Type)
		assert.JSONEq(t, `{"user_id":"u1"}`, string(r.msg.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("relay not delivered")
	}

	// the publisher never hears its own broadcast
	select {
	case r := <-fromA:
		t.Fatalf("unexpected self delivery: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPubSub_Unsubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	a, _ := newTestPubSub(t, mr, "node-a")
	b, fromB := newTestPubSub(t, mr, "node-b")

	require.NoError(t, b.SubscribeToRoom("r1"))
	b.UnsubscribeFromRoom("r1")
	b.UnsubscribeFromRoom("r1")

	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("*")) == 0
	}, time.Second, 10*time.Millisecond)

	msg, err := NewMessage(MessageTypeMusicSkip, nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, a.PublishToRoom("r1", msg))

	select {
	case r := <-fromB:
		t.Fatalf("unexpected delivery after unsubscribe: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRoomChannel(t *testing.T) {
	assert.Equal(t, "echo:room:lobby", RoomChannel("lobby"))
}
