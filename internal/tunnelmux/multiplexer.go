// Package tunnelmux implements the WebSocket tunnel multiplexer (spec
// component C4): it maps a tunnel-id to a user-facing WebSocket and routes
// frames between it and the owning slave's control connection.
package tunnelmux

import (
	"sync"

	"github.com/google/uuid"
)

// outboundBuffer bounds how many frames can queue for the user-facing
// writer before a slow user connection causes frames to be dropped rather
// than queued without bound (spec section 5 "no unbounded queuing").
const outboundBuffer = 64

// SlaveSender emits frames toward a slave's control connection. It is
// satisfied by a thin adapter over internal/wire.Conn, kept as an
// interface so tests do not need a live WebSocket or registry.
type SlaveSender interface {
	SendWSTunnelOpen(tunnelID, channel, token string) error
	SendWSMessage(tunnelID, data string) error
	SendWSTunnelClose(tunnelID string) error
}

// UserConn is the user-facing WebSocket half of a tunnel.
type UserConn interface {
	ReadText() (string, error)
	WriteText(data string) error
	Close() error
}

// Tunnel is the record held for one open tunnel, per spec section 3.
type Tunnel struct {
	ID      string
	SlaveID string
	Channel string

	user UserConn
	out  chan string
	done chan struct{}
	once sync.Once
}

// Multiplexer owns the tunnel-id -> Tunnel table.
type Multiplexer struct {
	mu      sync.Mutex
	tunnels map[string]*Tunnel
}

// New returns an empty multiplexer.
func New() *Multiplexer {
	return &Multiplexer{tunnels: make(map[string]*Tunnel)}
}

// Open registers a new tunnel owned by slaveID, emits ws_tunnel_open on
// the slave's control connection via sender, and wires userConn's inbound
// frames to ws_message frames tagged with the new tunnel-id. On user-side
// close it emits ws_tunnel_close and removes the record, per spec section
// 4.4.
func (m *Multiplexer) Open(slaveID, channel, token string, userConn UserConn, sender SlaveSender) (*Tunnel, error) {
	t := &Tunnel{
		ID:      uuid.NewString(),
		SlaveID: slaveID,
		Channel: channel,
		user:    userConn,
		out:     make(chan string, outboundBuffer),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.tunnels[t.ID] = t
	m.mu.Unlock()

	if err := sender.SendWSTunnelOpen(t.ID, channel, token); err != nil {
		m.mu.Lock()
		delete(m.tunnels, t.ID)
		m.mu.Unlock()
		return nil, err
	}

	go m.writePump(t)
	go m.readPump(t, sender)
	return t, nil
}

// writePump drains t.out into the user connection. If the user connection
// write fails, the tunnel is closed.
func (m *Multiplexer) writePump(t *Tunnel) {
	for {
		select {
		case data := <-t.out:
			if err := t.user.WriteText(data); err != nil {
				m.CloseLocal(t.ID)
				return
			}
		case <-t.done:
			return
		}
	}
}

// readPump relays inbound user frames to the slave as ws_message frames,
// and emits ws_tunnel_close plus local cleanup when the user side closes.
func (m *Multiplexer) readPump(t *Tunnel, sender SlaveSender) {
	for {
		data, err := t.user.ReadText()
		if err != nil {
			_ = sender.SendWSTunnelClose(t.ID)
			m.CloseLocal(t.ID)
			return
		}
		if err := sender.SendWSMessage(t.ID, data); err != nil {
			m.CloseLocal(t.ID)
			return
		}
	}
}

// Deliver writes data to the tunnel's user WebSocket if it is open, in
// response to a ws_data frame from the slave. Per spec section 4.4, if the
// user WebSocket's outbound buffer is full the frame is dropped and the
// tunnel is closed rather than queued without bound.
func (m *Multiplexer) Deliver(tunnelID, data string) {
	m.mu.Lock()
	t, ok := m.tunnels[tunnelID]
	m.mu.Unlock()
	if !ok {
		return
	}

	select {
	case t.out <- data:
	default:
		m.CloseLocal(tunnelID)
	}
}

// CloseLocal closes the tunnel's user WebSocket and removes its record.
// Safe to call more than once for the same tunnel-id.
func (m *Multiplexer) CloseLocal(tunnelID string) {
	m.mu.Lock()
	t, ok := m.tunnels[tunnelID]
	if ok {
		delete(m.tunnels, tunnelID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	t.once.Do(func() {
		close(t.done)
		_ = t.user.Close()
	})
}

// Get returns the record for tunnelID, or false if absent.
func (m *Multiplexer) Get(tunnelID string) (*Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[tunnelID]
	return t, ok
}

// CloseAllForSlave closes and removes every tunnel owned by slaveID, used
// when the owning slave's registry record is removed (spec section 3
// invariant: "when the owning slave's record is removed, all its tunnels
// are closed and removed in the same step").
func (m *Multiplexer) CloseAllForSlave(slaveID string) {
	m.mu.Lock()
	ids := make([]string, 0)
	for id, t := range m.tunnels {
		if t.SlaveID == slaveID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.CloseLocal(id)
	}
}

// Count returns the number of currently open tunnels, for tests and
// diagnostics.
func (m *Multiplexer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tunnels)
}
