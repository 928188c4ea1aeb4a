package session

import (
	"time"

	"github.com/adityaadpandey/echo-chamber/internals/room"
)

// Connection is the registry's record of one live transport session.
type Connection struct {
	ID          string
	UserID      string // empty until the first join
	RoomID      string // empty while unbound
	ConnectedAt time.Time
}

// Attributes are the display values handed over at join time. They were
// resolved upstream and are taken as given.
type Attributes struct {
	Username    string
	AvatarColor string
	Position    room.Position
}
