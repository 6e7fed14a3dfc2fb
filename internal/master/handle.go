package master

import (
	"github.com/clustertunnel/fabric/internal/correlator"
	"github.com/clustertunnel/fabric/internal/wire"
)

// slaveHandle is the opaque handle the slave registry (C2) holds for one
// authenticated slave's control connection. It doubles as the
// tunnelmux.SlaveSender for tunnels owned by this slave, so both C2 and C4
// address the same live connection through one object.
type slaveHandle struct {
	slaveID    string
	conn       *wire.Conn
	correlator *correlator.Correlator
}

func newSlaveHandle(slaveID string, conn *wire.Conn) *slaveHandle {
	return &slaveHandle{
		slaveID:    slaveID,
		conn:       conn,
		correlator: correlator.New(),
	}
}

// Send and Close satisfy internal/registry.Conn.
func (h *slaveHandle) Send(msg wire.Message) error {
	return h.conn.Send(msg)
}

func (h *slaveHandle) Close(code int, reason string) error {
	return h.conn.Close(code, reason)
}

// SendWSTunnelOpen, SendWSMessage, SendWSTunnelClose satisfy
// internal/tunnelmux.SlaveSender.
func (h *slaveHandle) SendWSTunnelOpen(tunnelID, channel, token string) error {
	return h.conn.Send(wire.Message{
		Type:     wire.TypeWSTunnelOpen,
		TunnelID: tunnelID,
		Channel:  channel,
		Token:    token,
	})
}

func (h *slaveHandle) SendWSMessage(tunnelID, data string) error {
	return h.conn.Send(wire.Message{
		Type:     wire.TypeWSMessage,
		TunnelID: tunnelID,
		Data:     data,
	})
}

func (h *slaveHandle) SendWSTunnelClose(tunnelID string) error {
	return h.conn.Send(wire.Message{
		Type:     wire.TypeWSTunnelClose,
		TunnelID: tunnelID,
	})
}
