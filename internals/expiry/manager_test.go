package expiry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/adityaadpandey/echo-chamber/internals/room"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func addWave(t *testing.T, store *room.Store, roomID string, created time.Time, ttl time.Duration) {
	t.Helper()
	sess, ok := store.Lookup(roomID)
	require.True(t, ok)
	sess.AddWave(room.SoundWave{
		ID:         created.String(),
		FromUserID: "u1",
		ToUserID:   "u1",
		CreatedAt:  created,
		ExpiresAt:  created.Add(ttl),
	})
}

func occupy(t *testing.T, store *room.Store, roomID, connID string) {
	t.Helper()
	require.NoError(t, store.Run(roomID, true, func(sess *room.Session) error {
		_, err := store.AddMember(sess, room.Presence{ConnectionID: connID, UserID: connID})
		return err
	}))
}

func TestManager_SweepRemovesOnlyExpired(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := room.NewStore(room.Options{Now: clock.Now}, zaptest.NewLogger(t))
	m := NewManager(store, time.Second, zaptest.NewLogger(t))

	occupy(t, store, "r1", "c1")
	occupy(t, store, "r2", "c2")
	t0 := clock.Now()
	addWave(t, store, "r1", t0, 3*time.Second)
	addWave(t, store, "r1", t0.Add(time.Second), 3*time.Second)
	addWave(t, store, "r2", t0, 3*time.Second)

	waves, rooms := m.Sweep()
	assert.Zero(t, waves)
	assert.Zero(t, rooms)

	clock.Advance(3 * time.Second)
	waves, _ = m.Sweep()
	assert.Equal(t, 2, waves, "expiry equal to now is expired")

	// View purges at its read time; reading at t0 leaves the removal to Sweep
	sess, _ := store.Lookup("r1")
	left := sess.View(t0).Waves
	require.Len(t, left, 1)
	assert.Equal(t, t0.Add(4*time.Second), left[0].ExpiresAt)
	sess, _ = store.Lookup("r2")
	assert.Empty(t, sess.View(t0).Waves)

	clock.Advance(time.Second)
	waves, _ = m.Sweep()
	assert.Equal(t, 1, waves)
}

func TestManager_SweepCollectsEmptyRooms(t *testing.T) {
	store := room.NewStore(room.Options{}, zaptest.NewLogger(t))
	m := NewManager(store, time.Second, zaptest.NewLogger(t))

	store.GetOrCreate("idle")
	occupy(t, store, "busy", "c1")

	_, rooms := m.Sweep()
	assert.Equal(t, 1, rooms)
	_, ok := store.Lookup("idle")
	assert.False(t, ok)
	_, ok = store.Lookup("busy")
	assert.True(t, ok)
}

func TestManager_RunStopsOnCancel(t *testing.T) {
	store := room.NewStore(room.Options{}, zaptest.NewLogger(t))
	m := NewManager(store, 10*time.Millisecond, zaptest.NewLogger(t))
	store.GetOrCreate("idle")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.Eventually(t, func() bool {
		_, ok := store.Lookup("idle")
		return !ok
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
