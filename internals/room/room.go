package room

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrAlreadyBound   = errors.New("connection is already bound to another room")
	ErrNotAMember     = errors.New("connection is not a member of any room")
	ErrTargetNotFound = errors.New("target user is not present in the room")
	ErrRoomFull       = errors.New("room capacity reached")
	ErrRoomNotFound   = errors.New("room not found")
)

// Position is a point in the shared 3D space. Components are unconstrained here.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Presence is a member's live attributes within a room.
type Presence struct {
	ConnectionID string    `json:"-"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	AvatarColor  string    `json:"avatar_color"`
	Position     Position  `json:"position"`
	JoinedAt     time.Time `json:"joined_at"`

	seq uint64
}

// SoundWave is a transient visual pulse between two users. It is never
// mutated after creation.
type SoundWave struct {
	ID         string    `json:"id"`
	FromUserID string    `json:"from_user_id"`
	ToUserID   string    `json:"to_user_id"`
	Color      string    `json:"color"`
	Intensity  float64   `json:"intensity"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expiry"`
}

// Expired reports whether the wave is no longer deliverable at now.
func (w SoundWave) Expired(now time.Time) bool {
	return !w.ExpiresAt.After(now)
}

// Playback is the room's shared cursor into the current track.
type Playback struct {
	Track        json.RawMessage
	Position     time.Duration
	Playing      bool
	LastSyncedAt time.Time
}

// PositionAt projects the cursor to now, advancing at wall-clock rate while playing.
func (p Playback) PositionAt(now time.Time) time.Duration {
	if !p.Playing || p.LastSyncedAt.IsZero() || !now.After(p.LastSyncedAt) {
		return p.Position
	}
	return p.Position + now.Sub(p.LastSyncedAt)
}

func (p Playback) HasTrack() bool {
	return len(p.Track) > 0 && string(p.Track) != "null"
}

// View is a read-only copy of a room's state for a newly joined client.
type View struct {
	RoomID   string
	Members  []Presence
	Playback Playback
	Position time.Duration
	Waves    []SoundWave
	At       time.Time
}

// Session is the ephemeral aggregate for one active room.
//
// Two locks guard it: serial orders event processing for the room (held by
// Store.Run for a whole mutate-then-broadcast unit) and mu guards the data.
type Session struct {
	ID        string
	CreatedAt time.Time

	serial  sync.Mutex
	retired bool // guarded by serial

	mu       sync.RWMutex
	members  map[string]*Presence
	playback Playback
	waves    []SoundWave
	nextSeq  uint64
}

func newSession(id string, now time.Time, playback Playback) *Session {
	return &Session{
		ID:        id,
		CreatedAt: now,
		members:   make(map[string]*Presence),
		playback:  playback,
	}
}

func (s *Session) MemberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// membersLocked returns presences in join order.
func (s *Session) membersLocked() []Presence {
	out := make([]Presence, 0, len(s.members))
	for _, p := range s.members {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *Session) Member(connID string) (Presence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.members[connID]
	if !ok {
		return Presence{}, false
	}
	return *p, true
}

// HasUser reports whether any member connection is bound as userID.
func (s *Session) HasUser(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.members {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// ConnectionIDs returns the member connections at the time of the call.
func (s *Session) ConnectionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.members))
	for _, p := range s.membersLocked() {
		ids = append(ids, p.ConnectionID)
	}
	return ids
}

func (s *Session) Playback() Playback {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playback
}

// AddWave retains a wave for late-joiner snapshots until the sweep removes it.
func (s *Session) AddWave(w SoundWave) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waves = append(s.waves, w)
}

// View purges expired waves and returns a copy of the room state at now.
func (s *Session) View(now time.Time) View {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(now)

	waves := make([]SoundWave, len(s.waves))
	copy(waves, s.waves)
	return View{
		RoomID:   s.ID,
		Members:  s.membersLocked(),
		Playback: s.playback,
		Position: s.playback.PositionAt(now),
		Waves:    waves,
		At:       now,
	}
}

func (s *Session) purgeLocked(now time.Time) int {
	kept := s.waves[:0]
	for _, w := range s.waves {
		if !w.Expired(now) {
			kept = append(kept, w)
		}
	}
	removed := len(s.waves) - len(kept)
	for i := len(kept); i < len(s.waves); i++ {
		s.waves[i] = SoundWave{}
	}
	s.waves = kept
	return removed
}

func (s *Session) putMember(p Presence) (refreshed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.members[p.ConnectionID]; ok {
		p.seq = existing.seq
		p.JoinedAt = existing.JoinedAt
		*existing = p
		return true
	}
	s.nextSeq++
	p.seq = s.nextSeq
	s.members[p.ConnectionID] = &p
	return false
}

func (s *Session) removeMember(connID string) (Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.members[connID]
	if !ok {
		return Presence{}, false
	}
	delete(s.members, connID)
	return *p, true
}

func (s *Session) setPosition(connID string, pos Position) (Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.members[connID]
	if !ok {
		return Presence{}, false
	}
	p.Position = pos
	return *p, true
}

func (s *Session) applyPlayback(m PlaybackMutation, now time.Time) Playback {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.apply(&s.playback, now)
	s.playback.LastSyncedAt = now
	return s.playback
}

// PlaybackMutation changes the playback cursor. LastSyncedAt is stamped by the store.
type PlaybackMutation interface {
	apply(p *Playback, now time.Time)
}

// SetTrack switches to a new track and rewinds to zero.
type SetTrack struct{ Track json.RawMessage }

func (m SetTrack) apply(p *Playback, _ time.Time) {
	p.Track = m.Track
	p.Position = 0
}

// SetPosition overwrites the cursor position. Used for periodic sync and explicit seeks.
type SetPosition struct{ Position time.Duration }

func (m SetPosition) apply(p *Playback, _ time.Time) {
	if m.Position < 0 {
		m.Position = 0
	}
	p.Position = m.Position
}

// TogglePlaying freezes the projected position and flips the playing flag.
type TogglePlaying struct{}

func (TogglePlaying) apply(p *Playback, now time.Time) {
	p.Position = p.PositionAt(now)
	p.Playing = !p.Playing
}
