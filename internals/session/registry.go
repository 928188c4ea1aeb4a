package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adityaadpandey/echo-chamber/internals/room"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrUnknownConnection = errors.New("unknown connection")

// Registry tracks live connections and their room binding. Together with
// the room store it is the only writer of room membership.
type Registry struct {
	store  *room.Store
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewRegistry(store *room.Store, logger *zap.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		conns:  make(map[string]*Connection),
	}
}

// Register allocates an identifier for a new transport session.
func (r *Registry) Register() string {
	id := uuid.NewString()

	r.mu.Lock()
	r.conns[id] = &Connection{ID: id, ConnectedAt: r.store.Now()}
	r.mu.Unlock()

	r.logger.Debug("Connection registered", zap.String("connID", id))
	return id
}

// Forget drops the record of a closed connection. Callers unbind first.
func (r *Registry) Forget(connID string) {
	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()
}

func (r *Registry) Get(connID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

func (r *Registry) RoomOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok || c.RoomID == "" {
		return "", false
	}
	return c.RoomID, true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Attach binds connID to sess and creates or refreshes its presence. It must
// run inside Store.Run for sess. Rebinding to the same room is a refresh.
func (r *Registry) Attach(sess *room.Session, connID, userID string, attrs Attributes) (room.Presence, bool, error) {
	r.mu.RLock()
	c, ok := r.conns[connID]
	var current string
	if ok {
		current = c.RoomID
	}
	r.mu.RUnlock()

	if !ok {
		return room.Presence{}, false, fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	if current != "" && current != sess.ID {
		return room.Presence{}, false, fmt.Errorf("%w: in %s", room.ErrAlreadyBound, current)
	}

	p := room.Presence{
		ConnectionID: connID,
		UserID:       userID,
		Username:     attrs.Username,
		AvatarColor:  attrs.AvatarColor,
		Position:     attrs.Position,
	}
	refreshed, err := r.store.AddMember(sess, p)
	if err != nil {
		return room.Presence{}, false, err
	}

	r.mu.Lock()
	c.RoomID = sess.ID
	c.UserID = userID
	r.mu.Unlock()

	p, _ = sess.Member(connID)
	return p, refreshed, nil
}

// Detach removes connID's binding and presence from sess. It must run inside
// Store.Run for sess. It reports false when connID is not bound to sess,
// which makes repeated calls harmless.
func (r *Registry) Detach(sess *room.Session, connID string) (room.Presence, bool) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok || c.RoomID != sess.ID {
		r.mu.Unlock()
		return room.Presence{}, false
	}
	c.RoomID = ""
	r.mu.Unlock()

	return r.store.RemoveMember(sess, connID)
}

// Bind is Attach wrapped in its own room event.
func (r *Registry) Bind(connID, roomID, userID string, attrs Attributes) (room.Presence, error) {
	var p room.Presence
	err := r.store.Run(roomID, true, func(sess *room.Session) error {
		var err error
		p, _, err = r.Attach(sess, connID, userID, attrs)
		return err
	})
	return p, err
}

// Unbind is Detach wrapped in its own room event. It returns the room the
// connection was removed from; a second call finds nothing and is a no-op.
func (r *Registry) Unbind(connID string) (string, bool) {
	roomID, ok := r.RoomOf(connID)
	if !ok {
		return "", false
	}

	var removed bool
	err := r.store.Run(roomID, false, func(sess *room.Session) error {
		_, removed = r.Detach(sess, connID)
		return nil
	})
	if err != nil || !removed {
		return "", false
	}
	return roomID, true
}

// ConnectedFor reports how long connID has been registered.
func (r *Registry) ConnectedFor(connID string) time.Duration {
	c, ok := r.Get(connID)
	if !ok {
		return 0
	}
	return r.store.Now().Sub(c.ConnectedAt)
}
