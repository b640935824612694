package connmgr

import "sync"

// Manager is the per-gateway registry of live connections, keyed by
// authenticated MUD name. It is the local half of route deregistration
// on connection close; the shared connected_muds set is maintained
// separately by internal/auth.SessionRegistry.
type Manager struct {
	mu    sync.RWMutex
	byMUD map[string]*Connection
	byID  map[string]*Connection
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{byMUD: make(map[string]*Connection), byID: make(map[string]*Connection)}
}

// Register tracks conn under its connection id. The MUD-name index is
// filled separately by Bind once the connection has authenticated.
func (m *Manager) Register(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[conn.ID] = conn
}

// Bind associates mudName with conn, to be looked up by Lookup.
func (m *Manager) Bind(mudName string, conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byMUD[mudName] = conn
}

// Unregister removes conn from both indexes. If mudName still points
// at a different, newer connection (displacement already happened),
// that binding is left untouched.
func (m *Manager) Unregister(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, conn.ID)
	mudName := conn.MUDName()
	if current, ok := m.byMUD[mudName]; ok && current == conn {
		delete(m.byMUD, mudName)
	}
}

// Lookup returns the local connection currently bound to mudName.
func (m *Manager) Lookup(mudName string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byMUD[mudName]
	return c, ok
}

// ByID returns the connection registered under id.
func (m *Manager) ByID(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	return c, ok
}

// Count returns the number of locally tracked connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
