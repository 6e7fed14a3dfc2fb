package slaveclient

import (
	"fmt"
	"log"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/clustertunnel/fabric/internal/wire"
)

// localTunnel bridges one tunnel-id to a WebSocket connection against the
// local service, per spec section 4.4.
type localTunnel struct {
	id   string
	ws   *websocket.Conn
	writeMu sync.Mutex
	done chan struct{}
	once sync.Once
}

// openLocalTunnel dials the local service's WebSocket endpoint for channel
// and wires its frames to ws_data frames tagged with the tunnel-id. A
// dial failure emits ws_tunnel_closed back to the master so it can tear
// down the user-facing side.
func (c *Client) openLocalTunnel(conn *wire.Conn, msg wire.Message) {
	localURL := fmt.Sprintf("ws://127.0.0.1:%d/%s?token=%s", c.cfg.LocalPort, msg.Channel, url.QueryEscape(msg.Token))

	ws, _, err := c.dialer.Dial(localURL, nil)
	if err != nil {
		log.Printf("slave: local tunnel dial failed tunnelId=%s channel=%s err=%v", msg.TunnelID, msg.Channel, err)
		_ = conn.Send(wire.Message{Type: wire.TypeWSTunnelClosed, TunnelID: msg.TunnelID})
		return
	}

	t := &localTunnel{id: msg.TunnelID, ws: ws, done: make(chan struct{})}
	c.mu.Lock()
	c.tunnels[t.id] = t
	c.mu.Unlock()

	go c.pumpLocalToMaster(conn, t)
}

// pumpLocalToMaster relays frames read from the local service's WebSocket
// up to the master as ws_data frames, until the local side closes or
// errors, at which point it emits ws_tunnel_closed and removes the record.
func (c *Client) pumpLocalToMaster(conn *wire.Conn, t *localTunnel) {
	for {
		_, data, err := t.ws.ReadMessage()
		if err != nil {
			c.closeLocalTunnel(t.id)
			_ = conn.Send(wire.Message{Type: wire.TypeWSTunnelClosed, TunnelID: t.id})
			return
		}
		if err := conn.Send(wire.Message{Type: wire.TypeWSData, TunnelID: t.id, Data: string(data)}); err != nil {
			c.closeLocalTunnel(t.id)
			return
		}
	}
}

// deliverToLocalTunnel writes a ws_message frame's payload to the matching
// local tunnel's WebSocket, if still open.
func (c *Client) deliverToLocalTunnel(msg wire.Message) {
	c.mu.Lock()
	t, ok := c.tunnels[msg.TunnelID]
	c.mu.Unlock()
	if !ok {
		return
	}
	t.writeMu.Lock()
	err := t.ws.WriteMessage(websocket.TextMessage, []byte(msg.Data))
	t.writeMu.Unlock()
	if err != nil {
		c.closeLocalTunnel(msg.TunnelID)
	}
}

// closeLocalTunnel tears down the local tunnel for tunnelID, in response to
// a ws_tunnel_close frame from the master or a local write failure.
func (c *Client) closeLocalTunnel(tunnelID string) {
	t := c.removeLocalTunnel(tunnelID)
	if t == nil {
		return
	}
	t.once.Do(func() {
		close(t.done)
		_ = t.ws.Close()
	})
}

func (c *Client) removeLocalTunnel(tunnelID string) *localTunnel {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tunnels[tunnelID]
	if !ok {
		return nil
	}
	delete(c.tunnels, tunnelID)
	return t
}

// closeAllTunnels tears down every local tunnel, used when the control
// connection to the master is lost.
func (c *Client) closeAllTunnels() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.tunnels))
	for id := range c.tunnels {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.closeLocalTunnel(id)
	}
}
