package session

import (
	"sort"
	"sync"
	"time"
)

type Role string

const (
	RolePending  Role = "pending"
	RoleStaff    Role = "staff"
	RoleCustomer Role = "customer"
)

// Conn is a tracked transport connection.
type Conn struct {
	ID          string    `json:"connection_id"`
	Role        Role      `json:"role"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Closer is implemented by sessions the transport can force shut.
type Closer interface {
	Session
	Close() error
}

type tracked struct {
	info Conn
	sess Closer
}

// Manager tracks live transport connections so they can be listed, counted
// and closed together on shutdown.
type Manager struct {
	mu       sync.RWMutex
	conns    map[string]*tracked
	onChange func(active int)
}

func NewManager() *Manager {
	return &Manager{conns: make(map[string]*tracked)}
}

// SetChangeHook installs a callback run, outside the lock, whenever the
// connection count changes.
func (m *Manager) SetChangeHook(hook func(active int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = hook
}

func (m *Manager) Track(s Closer, remoteAddr string) Conn {
	info := Conn{
		ID:          s.ID(),
		Role:        RolePending,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.conns[info.ID] = &tracked{info: info, sess: s}
	n, hook := len(m.conns), m.onChange
	m.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return info
}

// SetRole records what the connection declared in its routing envelope.
func (m *Manager) SetRole(id string, role Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.conns[id]; ok {
		t.info.Role = role
	}
}

func (m *Manager) Forget(id string) {
	m.mu.Lock()
	if _, ok := m.conns[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, id)
	n, hook := len(m.conns), m.onChange
	m.mu.Unlock()

	if hook != nil {
		hook(n)
	}
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *Manager) List() []Conn {
	m.mu.RLock()
	out := make([]Conn, 0, len(m.conns))
	for _, t := range m.conns {
		out = append(out, t.info)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Close force-closes one tracked connection. It reports whether id was
// tracked.
func (m *Manager) Close(id string) bool {
	m.mu.RLock()
	t, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	_ = t.sess.Close()
	return true
}

// CloseAll closes every tracked connection. Entries are removed by the
// transport as each connection unwinds.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	sessions := make([]Closer, 0, len(m.conns))
	for _, t := range m.conns {
		sessions = append(sessions, t.sess)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}
