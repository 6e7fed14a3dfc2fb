// Package registry implements the slave registry (spec component C2): the
// mapping from slave-id to connection state, created on successful
// authentication and destroyed on disconnect.
package registry

import (
	"sync"
	"time"

	"github.com/clustertunnel/fabric/internal/wire"
)

// Status values for a Slave record, per spec section 3.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Conn is the minimal control-connection handle the registry needs: send a
// message and close with a specific code. internal/wire.Conn satisfies
// this; it is expressed as an interface here so registry tests do not need
// a live WebSocket.
type Conn interface {
	Send(msg wire.Message) error
	Close(code int, reason string) error
}

// Slave is the record held for one authenticated slave, per spec section 3.
type Slave struct {
	ID          string
	Name        string
	ConnectedAt time.Time
	LastPingAt  time.Time
	Status      string

	conn Conn
}

// snapshot returns a value copy safe to hand to callers outside the lock.
func (s *Slave) snapshot() Slave {
	cp := *s
	cp.conn = nil
	return cp
}

// Registry is the concurrency-safe slave-id -> Slave map. All operations
// are safe for concurrent use by the accept loop and by request/tunnel
// paths; critical sections are short and never perform network I/O while
// the lock is held.
type Registry struct {
	mu     sync.RWMutex
	slaves map[string]*Slave
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{slaves: make(map[string]*Slave)}
}

// Register installs a new record for slaveId in place of any existing one,
// keeping at most one record per id. The evicted connection is closed with
// code 4004 ("replaced") after the new record is installed and the lock is
// released, so the new record is already visible when that close happens.
func (r *Registry) Register(slaveID, name string, conn Conn) *Slave {
	r.mu.Lock()
	prev := r.slaves[slaveID]
	now := time.Now()
	rec := &Slave{
		ID:          slaveID,
		Name:        name,
		ConnectedAt: now,
		LastPingAt:  now,
		Status:      StatusConnected,
		conn:        conn,
	}
	r.slaves[slaveID] = rec
	r.mu.Unlock()

	if prev != nil && prev.conn != nil {
		_ = prev.conn.Close(wire.CloseReplaced, "replaced")
	}
	return rec
}

// Unregister removes the record for slaveId, if present, returning it.
func (r *Registry) Unregister(slaveID string) (*Slave, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.slaves[slaveID]
	if ok {
		delete(r.slaves, slaveID)
	}
	return rec, ok
}

// UnregisterIfConn removes the record for slaveId only if its current
// connection is still conn. This guards against the eviction race: when a
// second auth handshake replaces a slave's connection, the old connection's
// disconnect cleanup must not tear down the new connection's registration,
// which Register has already installed by the time the old connection's
// read loop notices it is gone.
func (r *Registry) UnregisterIfConn(slaveID string, conn Conn) (*Slave, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.slaves[slaveID]
	if !ok || rec.conn != conn {
		return nil, false
	}
	delete(r.slaves, slaveID)
	return rec, true
}

// Get returns a snapshot of the record for slaveId, or false if absent.
func (r *Registry) Get(slaveID string) (Slave, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.slaves[slaveID]
	if !ok {
		return Slave{}, false
	}
	return rec.snapshot(), true
}

// Conn returns the live connection handle for slaveId, or nil if absent.
// Used by the forwarding path to send http_request/ws_tunnel_open frames.
func (r *Registry) Conn(slaveID string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.slaves[slaveID]
	if !ok {
		return nil
	}
	return rec.conn
}

// List produces an immutable snapshot of all registered slaves.
func (r *Registry) List() []Slave {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Slave, 0, len(r.slaves))
	for _, rec := range r.slaves {
		out = append(out, rec.snapshot())
	}
	return out
}

// IsConnected reports whether slaveId currently has a registered record.
func (r *Registry) IsConnected(slaveID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.slaves[slaveID]
	return ok
}

// Touch updates the last-ping timestamp for slaveId, a no-op if absent.
func (r *Registry) Touch(slaveID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.slaves[slaveID]; ok {
		rec.LastPingAt = time.Now()
	}
}
