package session

import (
	"sync"

	"github.com/google/uuid"
)

// Manager hands out one Store per session id. Sessions are independent
// resources; there is no cross-session coordination.
type Manager struct {
	api  API
	push PushChannel

	mu     sync.Mutex
	stores map[uuid.UUID]*Store
}

func NewManager(api API, push PushChannel) *Manager {
	return &Manager{
		api:    api,
		push:   push,
		stores: make(map[uuid.UUID]*Store),
	}
}

// Get returns the store for a session, creating it on first use. Creation is
// cheap; network loads happen on attach or on the first command.
func (m *Manager) Get(sessionID uuid.UUID) *Store {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.stores[sessionID]; ok {
		return st
	}

	st := NewStore(sessionID, m.api, m.push)
	st.OnTeardown = func() { m.remove(sessionID) }
	m.stores[sessionID] = st
	return st
}

func (m *Manager) remove(sessionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stores, sessionID)
}

// Shutdown tears down every live store.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	stores := make([]*Store, 0, len(m.stores))
	for _, st := range m.stores {
		stores = append(stores, st)
	}
	m.mu.Unlock()

	for _, st := range stores {
		st.Teardown()
	}
}
