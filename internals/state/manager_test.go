package state

import (
	"context"
	"testing"
	"time"

	"github.com/adityaadpandey/echo-chamber/internals/room"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T, instanceID string) (*Manager, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := NewManagerFromClient(client, time.Minute, instanceID, zaptest.NewLogger(t))
	t.Cleanup(func() { m.Close() })
	return m, mr
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "echo:room:lobby:summary:node-a", RoomSummaryKey("lobby", "node-a"))
	assert.Equal(t, "echo:room:*:summary:*", RoomSummaryPattern())
}

func TestManager_SaveAndList(t *testing.T) {
	m, mr := newTestManager(t, "node-a")

	m.SaveRoomSummary(room.Summary{RoomID: "r2", Members: 1})
	m.SaveRoomSummary(room.Summary{RoomID: "r1", Members: 3, HasTrack: true, Playing: true})
	m.Flush()

	assert.True(t, mr.Exists(RoomSummaryKey("r1", "node-a")))
	assert.Equal(t, time.Minute, mr.TTL(RoomSummaryKey("r1", "node-a")))

	all, err := m.ListRoomSummaries(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "r1", all[0].RoomID)
	assert.Equal(t, 3, all[0].Members)
	assert.True(t, all[0].Playing)
	assert.Equal(t, "node-a", all[0].InstanceID)
	assert.Equal(t, "r2", all[1].RoomID)

	local := m.LocalSummaries()
	assert.Len(t, local, 2)
}

func TestManager_DeleteKeepsOrder(t *testing.T) {
	m, mr := newTestManager(t, "node-a")

	for i := 0; i < 50; i++ {
		m.SaveRoomSummary(room.Summary{RoomID: "r1", Members: i})
	}
	m.DeleteRoomSummary("r1")
	m.Flush()

	assert.False(t, mr.Exists(RoomSummaryKey("r1", "node-a")))
	assert.Empty(t, m.LocalSummaries())

	rs, err := m.GetRoomSummary(context.Background(), "r1")
	require.NoError(t, err)
	assert.Nil(t, rs)
}

func TestManager_WriteQueuedBehindDeleteIsDropped(t *testing.T) {
	m, mr := newTestManager(t, "node-a")

	m.SaveRoomSummary(room.Summary{RoomID: "r1", Members: 1})
	m.Flush()
	require.True(t, mr.Exists(RoomSummaryKey("r1", "node-a")))

	// a refresh that read r1 before it was retired queues its SET after the DEL
	stale := m.LocalSummaries()[0]
	m.DeleteRoomSummary("r1")
	m.persist(stale)
	m.Flush()

	assert.False(t, mr.Exists(RoomSummaryKey("r1", "node-a")))
	rs, err := m.GetRoomSummary(context.Background(), "r1")
	require.NoError(t, err)
	assert.Nil(t, rs)

	m.SaveRoomSummary(room.Summary{RoomID: "r1", Members: 3})
	m.Flush()
	assert.True(t, mr.Exists(RoomSummaryKey("r1", "node-a")), "a room opened again is mirrored again")
}

func TestManager_SeesOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	newOn := func(id string) *Manager {
		m := NewManagerFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute, id, zaptest.NewLogger(t))
		t.Cleanup(func() { m.Close() })
		return m
	}
	a, b := newOn("node-a"), newOn("node-b")

	a.SaveRoomSummary(room.Summary{RoomID: "r1", Members: 1})
	a.Flush()
	b.SaveRoomSummary(room.Summary{RoomID: "r1", Members: 2})
	b.SaveRoomSummary(room.Summary{RoomID: "r9", Members: 1})
	b.Flush()

	all, err := a.ListRoomSummaries(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r1", all[0].RoomID)
	assert.Equal(t, "node-a", all[0].InstanceID)
	assert.Equal(t, "r1", all[1].RoomID)
	assert.Equal(t, "node-b", all[1].InstanceID)
	assert.Equal(t, 2, all[1].Members)
	assert.Equal(t, "r9", all[2].RoomID)
	assert.Len(t, a.LocalSummaries(), 1)

	b.DeleteRoomSummary("r1")
	b.Flush()
	all, err = a.ListRoomSummaries(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2, "one instance tearing a room down leaves the other's summary")
}

func TestManager_RefreshExtendsTTL(t *testing.T) {
	m, mr := newTestManager(t, "node-a")

	m.SaveRoomSummary(room.Summary{RoomID: "r1", Members: 1})
	m.Flush()
	mr.FastForward(50 * time.Second)
	assert.Equal(t, 10*time.Second, mr.TTL(RoomSummaryKey("r1", "node-a")))

	assert.Equal(t, 1, m.Refresh())
	m.Flush()
	assert.Equal(t, time.Minute, mr.TTL(RoomSummaryKey("r1", "node-a")))
}

func TestManager_ExpiredSummaryDisappears(t *testing.T) {
	m, mr := newTestManager(t, "node-a")

	m.SaveRoomSummary(room.Summary{RoomID: "r1", Members: 1})
	m.Flush()
	mr.FastForward(2 * time.Minute)

	all, err := m.ListRoomSummaries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestManager_Ping(t *testing.T) {
	m, mr := newTestManager(t, "node-a")
	assert.NoError(t, m.Ping(context.Background()))

	mr.SetError("LOADING")
	assert.Error(t, m.Ping(context.Background()))
	mr.SetError("")
}
