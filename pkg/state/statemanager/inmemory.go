package statemanager

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/MarvelSK/Isegoria/pkg/state"
	"github.com/google/uuid"
)

var (
	ErrAlreadyRegistered = errors.New("connection is already registered")
	ErrMissingUsername   = errors.New("connection has no username")
)

type InMemoryManager struct {
	conns  map[uuid.UUID]*state.Connection
	byUser map[string]*state.Connection

	mu sync.RWMutex

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:  make(map[uuid.UUID]*state.Connection),
		byUser: make(map[string]*state.Connection),
		logger: logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

func (m *InMemoryManager) Register(conn *state.Connection) (*state.Connection, error) {
	if conn.Username == "" {
		return nil, ErrMissingUsername
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conns[conn.ID]; exists {
		return nil, ErrAlreadyRegistered
	}

	evicted, taken := m.byUser[conn.Username]
	if taken {
		delete(m.conns, evicted.ID)
		m.logger.Debug("Evicted previous connection",
			slog.String("username", conn.Username),
			slog.String("evictedConnID", evicted.ID.String()),
		)
	}
	m.conns[conn.ID] = conn
	m.byUser[conn.Username] = conn
	m.logger.Debug("Connection registered", slog.String("connID", conn.ID.String()), slog.String("username", conn.Username))
	if !taken {
		return nil, nil
	}
	return evicted, nil
}

func (m *InMemoryManager) Deregister(connID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		// already deregistered or evicted
		return false
	}
	delete(m.conns, connID)
	if m.byUser[conn.Username] == conn {
		delete(m.byUser, conn.Username)
	}
	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()), slog.String("username", conn.Username))
	return true
}

func (m *InMemoryManager) Get(connID uuid.UUID) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) Lookup(username string) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.byUser[username]
	return conn, ok
}

func (m *InMemoryManager) Snapshot() []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

func (m *InMemoryManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
