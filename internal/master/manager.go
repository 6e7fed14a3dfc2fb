package master

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clustertunnel/fabric/internal/config"
	"github.com/clustertunnel/fabric/internal/correlator"
	"github.com/clustertunnel/fabric/internal/registry"
	"github.com/clustertunnel/fabric/internal/tunnelmux"
	"github.com/clustertunnel/fabric/internal/wire"
)

// Manager is the tunnel manager (spec component C5): it accepts slave
// control connections, runs the auth handshake, and owns request
// forwarding and tunnel creation for authenticated slaves.
type Manager struct {
	cfg      config.MasterConfig
	registry *registry.Registry
	tunnels  *tunnelmux.Multiplexer
	upgrader websocket.Upgrader
	limiters *slaveLimiters
	net      netInfo
}

// NewManager returns a Manager ready to accept control connections.
func NewManager(cfg config.MasterConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry.New(),
		tunnels:  tunnelmux.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		limiters: newSlaveLimiters(cfg.MaxConcurrentRequestsPerSlave),
		net:      newNetInfo(cfg.TrustProxy, cfg.TrustedProxyCIDRs),
	}
}

// Registry exposes the slave registry to the status API and middleware.
func (m *Manager) Registry() *registry.Registry { return m.registry }

// HandleControlConnection upgrades /cluster/tunnel to a WebSocket, runs the
// auth handshake, and on success runs the authenticated message loop until
// the connection drops, per spec section 4.5.
func (m *Manager) HandleControlConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("master: control connection upgrade failed remote=%s err=%v", r.RemoteAddr, err)
		return
	}
	conn := wire.NewConn(ws)

	slaveID, handle, ok := m.runAuthHandshake(conn)
	if !ok {
		return
	}
	log.Printf("master: slave authenticated id=%s remote=%s", slaveID, r.RemoteAddr)

	m.runAuthenticatedLoop(slaveID, handle)
}

// runAuthHandshake implements the spec section 4.5 auth state machine: the
// first message on a new control connection must be an auth frame
// presented within cfg.AuthTimeout, with a secret matching cfg.Secret.
// Malformed frames are tolerated (logged, dropped) as long as the deadline
// has not passed; any other message type, a timeout, or a bad secret closes
// the connection with the corresponding close code.
func (m *Manager) runAuthHandshake(conn *wire.Conn) (string, *slaveHandle, bool) {
	deadline := time.Now().Add(m.cfg.AuthTimeout)
	conn.Underlying().SetReadDeadline(deadline)

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			var malformed *wire.MalformedFrameError
			if errors.As(err, &malformed) {
				log.Printf("master: dropping malformed frame during auth: %v", err)
				continue
			}
			_ = conn.Close(wire.CloseAuthTimeout, "auth timeout")
			return "", nil, false
		}

		if msg.Type != wire.TypeAuth {
			_ = conn.Close(wire.CloseExpectedAuth, "expected auth")
			return "", nil, false
		}
		if msg.SlaveID == "" || msg.Secret != m.cfg.Secret {
			_ = conn.Close(wire.CloseAuthFailed, "auth failed")
			return "", nil, false
		}

		conn.Underlying().SetReadDeadline(time.Time{})
		name := msg.SlaveName
		if name == "" {
			name = msg.SlaveID
		}
		handle := newSlaveHandle(msg.SlaveID, conn)
		m.registry.Register(msg.SlaveID, name, handle)

		if err := conn.Send(wire.Message{Type: wire.TypeAuthSuccess}); err != nil {
			log.Printf("master: failed to send auth_success id=%s err=%v", msg.SlaveID, err)
			return "", nil, false
		}
		return msg.SlaveID, handle, true
	}
}

// runAuthenticatedLoop reads frames from an authenticated slave's control
// connection until it errors out, dispatching each to dispatchSlaveMessage,
// then runs disconnect cleanup.
func (m *Manager) runAuthenticatedLoop(slaveID string, handle *slaveHandle) {
	defer m.handleSlaveDisconnect(slaveID, handle)

	for {
		msg, err := handle.conn.ReadMessage()
		if err != nil {
			var malformed *wire.MalformedFrameError
			if errors.As(err, &malformed) {
				log.Printf("master: dropping malformed frame id=%s: %v", slaveID, err)
				continue
			}
			log.Printf("master: slave connection closed id=%s err=%v", slaveID, err)
			return
		}
		m.dispatchSlaveMessage(slaveID, handle, msg)
	}
}

// dispatchSlaveMessage handles one frame received from an authenticated
// slave, per the message table in spec section 4.1.
func (m *Manager) dispatchSlaveMessage(slaveID string, handle *slaveHandle, msg wire.Message) {
	switch msg.Type {
	case wire.TypePing:
		m.registry.Touch(slaveID)
		_ = handle.conn.Send(wire.Message{Type: wire.TypePong, Timestamp: msg.Timestamp})
	case wire.TypeResponse:
		result := correlator.Result{
			Status:  msg.Status,
			Headers: msg.Headers,
			Body:    msg.BodyOrEmpty(),
		}
		if msg.Error != "" {
			result.Err = errors.New(msg.Error)
		}
		handle.correlator.Complete(msg.RequestID, result)
	case wire.TypeWSData:
		m.tunnels.Deliver(msg.TunnelID, msg.Data)
	case wire.TypeWSTunnelClosed:
		m.tunnels.CloseLocal(msg.TunnelID)
	case wire.TypeError:
		log.Printf("master: error frame from slave id=%s: %s", slaveID, msg.Error)
	default:
		log.Printf("master: ignoring unknown frame type=%q from slave id=%s", msg.Type, slaveID)
	}
}

// handleSlaveDisconnect runs when a control connection's read loop exits.
// UnregisterIfConn guards the eviction race: if this slave-id has already
// been re-registered against a newer connection, this cleanup must not
// touch that newer registration or fail its in-flight requests.
func (m *Manager) handleSlaveDisconnect(slaveID string, handle *slaveHandle) {
	if _, ok := m.registry.UnregisterIfConn(slaveID, handle); !ok {
		return
	}
	log.Printf("master: slave disconnected id=%s", slaveID)
	m.tunnels.CloseAllForSlave(slaveID)
	handle.correlator.FailAll(errSlaveDisconnected)
}

var errSlaveDisconnected = errors.New("slave disconnected")
