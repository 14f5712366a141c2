package state

import (
	"time"

	"github.com/google/uuid"
)

// Peer is the sending side of a live transport.
type Peer interface {
	ID() uuid.UUID
	// Send queues msg without blocking; an error means the peer can't keep up or is gone.
	Send(msg []byte) error
	Close(reason error)
}

// representation of a joined connection.
type Connection struct {
	ID        uuid.UUID
	Username  string
	IPAddress string
	Peer      Peer
	CreatedAt time.Time
}
