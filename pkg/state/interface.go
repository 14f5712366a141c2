package state

import (
	"github.com/google/uuid"
)

// Manager is the connection registry: one live connection per username.
// Implementations serialize their own mutations; callers never lock around them.
type Manager interface {
	// Register binds conn to its username. If another connection already
	// held that username it is removed from the registry and returned so
	// the caller can close it.
	Register(conn *Connection) (evicted *Connection, err error)
	// Deregister removes connID and reports whether it was still registered.
	// Calling it for an evicted or unknown connection is a no-op.
	Deregister(connID uuid.UUID) bool
	Get(connID uuid.UUID) (*Connection, bool)
	Lookup(username string) (*Connection, bool)
	// Snapshot copies the current registrations for fan-out outside the lock.
	Snapshot() []*Connection
	Count() int
}
