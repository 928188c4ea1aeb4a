package room

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Options struct {
	MaxRooms          int
	MaxMembersPerRoom int
	// RetainPlayback keeps a retired room's cursor for the next session with the same id.
	RetainPlayback bool
	Now            func() time.Time
}

// Summary is a compact description of a live room.
type Summary struct {
	RoomID    string    `json:"room_id"`
	Members   int       `json:"members"`
	HasTrack  bool      `json:"has_track"`
	Playing   bool      `json:"playing"`
	CreatedAt time.Time `json:"created_at"`
}

// Store owns every active Session. A session is only reachable through it.
type Store struct {
	opts   Options
	logger *zap.Logger

	mu         sync.RWMutex
	rooms      map[string]*Session
	memberRoom map[string]string   // connID -> roomID
	dormant    map[string]Playback // retained cursors of retired rooms

	// OnRoomRetired is called with the room's serial lock held.
	OnRoomRetired func(roomID string)
}

func NewStore(opts Options, logger *zap.Logger) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		opts:       opts,
		logger:     logger,
		rooms:      make(map[string]*Session),
		memberRoom: make(map[string]string),
		dormant:    make(map[string]Playback),
	}
}

func (s *Store) Now() time.Time {
	return s.opts.Now()
}

// GetOrCreate returns the live session for roomID, creating an empty one if needed.
func (s *Store) GetOrCreate(roomID string) *Session {
	sess, _ := s.getOrCreate(roomID, false)
	return sess
}

func (s *Store) getOrCreate(roomID string, enforceLimit bool) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if ok {
		return sess, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.rooms[roomID]; ok {
		return sess, nil
	}
	if enforceLimit && s.opts.MaxRooms > 0 && len(s.rooms) >= s.opts.MaxRooms {
		return nil, fmt.Errorf("%w: %d rooms active", ErrRoomFull, len(s.rooms))
	}

	playback := s.dormant[roomID]
	delete(s.dormant, roomID)
	playback.Playing = playback.Playing && playback.HasTrack()
	if !playback.LastSyncedAt.IsZero() {
		// the cursor did not advance while nobody was listening
		playback.LastSyncedAt = s.opts.Now()
	}

	sess = newSession(roomID, s.opts.Now(), playback)
	s.rooms[roomID] = sess
	s.logger.Debug("Room session created", zap.String("roomID", roomID))
	return sess, nil
}

func (s *Store) Lookup(roomID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.rooms[roomID]
	return sess, ok
}

// Snapshot returns the current state of roomID for a (re)synchronizing client.
func (s *Store) Snapshot(roomID string) (View, bool) {
	sess, ok := s.Lookup(roomID)
	if !ok {
		return View{}, false
	}
	return sess.View(s.opts.Now()), true
}

// Run executes fn while holding roomID's serial lock, so events for one room
// are applied strictly one at a time. With create the session is created on
// demand; otherwise a missing room yields ErrRoomNotFound. A session left
// without members when fn returns is retired before the lock is released.
func (s *Store) Run(roomID string, create bool, fn func(*Session) error) error {
	for {
		var sess *Session
		if create {
			var err error
			if sess, err = s.getOrCreate(roomID, true); err != nil {
				return err
			}
		} else {
			var ok bool
			if sess, ok = s.Lookup(roomID); !ok {
				return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
			}
		}

		if ran, err := s.runLocked(sess, fn); ran {
			return err
		}
	}
}

// runLocked reports false without calling fn when sess was retired while
// the caller waited for it. The lock is released and an emptied session is
// retired even if fn panics.
func (s *Store) runLocked(sess *Session, fn func(*Session) error) (bool, error) {
	sess.serial.Lock()
	defer sess.serial.Unlock()
	if sess.retired {
		return false, nil
	}
	defer func() {
		if sess.MemberCount() == 0 {
			s.retire(sess)
		}
	}()
	return true, fn(sess)
}

// retire requires sess.serial to be held.
func (s *Store) retire(sess *Session) {
	s.mu.Lock()
	if cur, ok := s.rooms[sess.ID]; ok && cur == sess {
		delete(s.rooms, sess.ID)
	}
	if s.opts.RetainPlayback {
		if pb := sess.Playback(); pb.HasTrack() || pb.Position > 0 {
			pb.Position = pb.PositionAt(s.opts.Now())
			s.dormant[sess.ID] = pb
		}
	}
	s.mu.Unlock()

	sess.retired = true
	s.logger.Info("Room session torn down", zap.String("roomID", sess.ID))

	if s.OnRoomRetired != nil {
		s.OnRoomRetired(sess.ID)
	}
}

// AddMember inserts or refreshes the presence for p.ConnectionID in sess.
// Only the connection registry calls this, inside Run for sess.
func (s *Store) AddMember(sess *Session, p Presence) (refreshed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.memberRoom[p.ConnectionID]; ok && cur != sess.ID {
		return false, fmt.Errorf("%w: in %s", ErrAlreadyBound, cur)
	}
	if _, ok := sess.Member(p.ConnectionID); !ok && s.opts.MaxMembersPerRoom > 0 &&
		sess.MemberCount() >= s.opts.MaxMembersPerRoom {
		return false, fmt.Errorf("%w: %d members in %s", ErrRoomFull, s.opts.MaxMembersPerRoom, sess.ID)
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = s.opts.Now()
	}

	refreshed = sess.putMember(p)
	s.memberRoom[p.ConnectionID] = sess.ID
	return refreshed, nil
}

// RemoveMember deletes connID's presence from sess. Only the connection
// registry calls this, inside Run for sess.
func (s *Store) RemoveMember(sess *Session, connID string) (Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := sess.removeMember(connID)
	if cur, bound := s.memberRoom[connID]; bound && cur == sess.ID {
		delete(s.memberRoom, connID)
	}
	return p, ok
}

// UpdatePresence overwrites the position of connID's own presence.
func (s *Store) UpdatePresence(connID string, pos Position) (Presence, error) {
	s.mu.RLock()
	roomID, ok := s.memberRoom[connID]
	sess := s.rooms[roomID]
	s.mu.RUnlock()
	if !ok || sess == nil {
		return Presence{}, ErrNotAMember
	}

	p, ok := sess.setPosition(connID, pos)
	if !ok {
		return Presence{}, ErrNotAMember
	}
	return p, nil
}

// UpdatePlayback applies m to roomID's cursor and stamps LastSyncedAt.
func (s *Store) UpdatePlayback(roomID string, m PlaybackMutation) (Playback, error) {
	sess, ok := s.Lookup(roomID)
	if !ok {
		return Playback{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return sess.applyPlayback(m, s.opts.Now()), nil
}

// SweepExpiredWaves drops every retained wave with expiry <= now.
func (s *Store) SweepExpiredWaves(now time.Time) int {
	removed := 0
	for _, sess := range s.sessions() {
		sess.mu.Lock()
		removed += sess.purgeLocked(now)
		sess.mu.Unlock()
	}
	return removed
}

// CollectEmpty retires sessions that hold no members, skipping rooms that
// are busy processing an event.
func (s *Store) CollectEmpty() int {
	collected := 0
	for _, sess := range s.sessions() {
		if sess.MemberCount() > 0 || !sess.serial.TryLock() {
			continue
		}
		if !sess.retired && sess.MemberCount() == 0 {
			s.retire(sess)
			collected++
		}
		sess.serial.Unlock()
	}
	return collected
}

func (s *Store) sessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.rooms))
	for _, sess := range s.rooms {
		out = append(out, sess)
	}
	return out
}

// Summaries lists live rooms ordered by id.
func (s *Store) Summaries() []Summary {
	sessions := s.sessions()
	out := make([]Summary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

func (s *Store) Stats() (rooms, members int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms), len(s.memberRoom)
}

func (s *Session) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Summary{
		RoomID:    s.ID,
		Members:   len(s.members),
		HasTrack:  s.playback.HasTrack(),
		Playing:   s.playback.Playing,
		CreatedAt: s.CreatedAt,
	}
}
