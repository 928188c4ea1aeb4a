package session

import (
	"sync"
	"testing"

	"github.com/adityaadpandey/echo-chamber/internals/room"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRegistry(t *testing.T) (*Registry, *room.Store) {
	store := room.NewStore(room.Options{}, zaptest.NewLogger(t))
	return NewRegistry(store, zaptest.NewLogger(t)), store
}

func TestRegistry_Register(t *testing.T) {
	reg, _ := newTestRegistry(t)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := reg.Register()
		require.False(t, seen[id], "duplicate connection id %s", id)
		seen[id] = true

		_, bound := reg.RoomOf(id)
		assert.False(t, bound)
	}
	assert.Equal(t, 100, reg.Count())
}

func TestRegistry_BindUnbind(t *testing.T) {
	reg, store := newTestRegistry(t)
	c1 := reg.Register()

	p, err := reg.Bind(c1, "r1", "u1", Attributes{Username: "alice", AvatarColor: "#fff"})
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, "alice", p.Username)

	roomID, ok := reg.RoomOf(c1)
	require.True(t, ok)
	assert.Equal(t, "r1", roomID)

	view, ok := store.Snapshot("r1")
	require.True(t, ok)
	require.Len(t, view.Members, 1)

	left, ok := reg.Unbind(c1)
	assert.True(t, ok)
	assert.Equal(t, "r1", left)

	_, ok = reg.RoomOf(c1)
	assert.False(t, ok)
	_, ok = store.Snapshot("r1")
	assert.False(t, ok, "emptied room is torn down")
}

func TestRegistry_BindToSecondRoom(t *testing.T) {
	reg, store := newTestRegistry(t)
	c1 := reg.Register()

	_, err := reg.Bind(c1, "r1", "u1", Attributes{})
	require.NoError(t, err)

	_, err = reg.Bind(c1, "r2", "u1", Attributes{})
	assert.ErrorIs(t, err, room.ErrAlreadyBound)

	roomID, _ := reg.RoomOf(c1)
	assert.Equal(t, "r1", roomID)
	_, exists := store.Lookup("r2")
	assert.False(t, exists)

	_, ok := reg.Unbind(c1)
	require.True(t, ok)
	_, err = reg.Bind(c1, "r2", "u1", Attributes{})
	assert.NoError(t, err, "an explicit unbind frees the connection")
}

func TestRegistry_RebindSameRoomRefreshes(t *testing.T) {
	reg, store := newTestRegistry(t)
	c1 := reg.Register()

	_, err := reg.Bind(c1, "r1", "u1", Attributes{Username: "old"})
	require.NoError(t, err)
	p, err := reg.Bind(c1, "r1", "u1", Attributes{Username: "new"})
	require.NoError(t, err)
	assert.Equal(t, "new", p.Username)

	view, _ := store.Snapshot("r1")
	assert.Len(t, view.Members, 1)
}

func TestRegistry_UnbindIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	c1 := reg.Register()
	c2 := reg.Register()
	_, err := reg.Bind(c1, "r1", "u1", Attributes{})
	require.NoError(t, err)
	_, err = reg.Bind(c2, "r1", "u2", Attributes{})
	require.NoError(t, err)

	_, first := reg.Unbind(c1)
	_, second := reg.Unbind(c1)
	assert.True(t, first)
	assert.False(t, second)

	_, never := reg.Unbind(reg.Register())
	assert.False(t, never)
}

func TestRegistry_ConcurrentUnbindRunsOnce(t *testing.T) {
	reg, store := newTestRegistry(t)
	c1 := reg.Register()
	keeper := reg.Register()
	_, err := reg.Bind(c1, "r1", "u1", Attributes{})
	require.NoError(t, err)
	_, err = reg.Bind(keeper, "r1", "u2", Attributes{})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		removals int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := reg.Unbind(c1); ok {
				mu.Lock()
				removals++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, removals)
	view, _ := store.Snapshot("r1")
	require.Len(t, view.Members, 1)
	assert.Equal(t, "u2", view.Members[0].UserID)
}

func TestRegistry_UnknownConnection(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Bind("ghost", "r1", "u1", Attributes{})
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestRegistry_Forget(t *testing.T) {
	reg, _ := newTestRegistry(t)
	c1 := reg.Register()
	reg.Forget(c1)

	_, ok := reg.Get(c1)
	assert.False(t, ok)
	assert.Zero(t, reg.Count())
}
