// Package slaveclient implements the tunnel client (spec component C6): it
// dials the master's control WebSocket, authenticates, and services
// http_request and ws_tunnel_open/ws_message/ws_tunnel_close frames against
// a local service, reconnecting with backoff when the connection drops.
package slaveclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clustertunnel/fabric/internal/config"
	"github.com/clustertunnel/fabric/internal/wire"
)

// Client is one slave's connection to the master, per spec section 3.
type Client struct {
	cfg        config.SlaveConfig
	httpClient *http.Client
	dialer     websocket.Dialer

	mu      sync.Mutex
	tunnels map[string]*localTunnel
}

// New returns a Client for the given configuration.
func New(cfg config.SlaveConfig) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.LocalTimeout},
		dialer:     websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		tunnels:    make(map[string]*localTunnel),
	}
}

// Run dials and authenticates against the master, services frames until
// the connection drops, and reconnects with exponential backoff, per spec
// section 4.6. It returns only when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.connect(ctx)
		if err != nil {
			log.Printf("slave: connect failed attempt=%d err=%v", attempt, err)
			if !c.sleep(ctx, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}

		attempt = 0
		log.Printf("slave: connected to master id=%s", c.cfg.SlaveID)
		c.runSession(ctx, conn)
		log.Printf("slave: disconnected from master id=%s", c.cfg.SlaveID)

		if !c.sleep(ctx, attempt) {
			return ctx.Err()
		}
		attempt++
	}
}

func (c *Client) sleep(ctx context.Context, attempt int) bool {
	delay := nextDelay(attempt, c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay)
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// connect dials the control WebSocket and runs the auth handshake,
// returning an authenticated wire.Conn on success.
func (c *Client) connect(ctx context.Context) (*wire.Conn, error) {
	wsURL, err := controlURL(c.cfg.MasterURL)
	if err != nil {
		return nil, err
	}

	ws, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial control connection: %w", err)
	}
	conn := wire.NewConn(ws)

	if err := conn.Send(wire.Message{
		Type:      wire.TypeAuth,
		SlaveID:   c.cfg.SlaveID,
		SlaveName: c.cfg.SlaveName,
		Secret:    c.cfg.Secret,
	}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	msg, err := conn.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("read auth response: %w", err)
	}
	if msg.Type != wire.TypeAuthSuccess {
		_ = ws.Close()
		return nil, fmt.Errorf("auth rejected: type=%q error=%q", msg.Type, msg.Error)
	}
	ws.SetReadDeadline(time.Time{})
	return conn, nil
}

// controlURL rewrites a configured http(s) master URL to ws(s)://.../cluster/tunnel.
func controlURL(masterURL string) (string, error) {
	u, err := url.Parse(masterURL)
	if err != nil {
		return "", fmt.Errorf("parse master url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported master url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/cluster/tunnel"
	return u.String(), nil
}

// runSession services frames on an authenticated connection until it
// errors out, then tears down any tunnels still open against it.
func (c *Client) runSession(ctx context.Context, conn *wire.Conn) {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.pingLoop(sessCtx, conn)

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			var malformed *wire.MalformedFrameError
			if errors.As(err, &malformed) {
				log.Printf("slave: dropping malformed frame: %v", err)
				continue
			}
			c.closeAllTunnels()
			return
		}
		c.dispatch(conn, msg)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *wire.Conn) {
	interval := c.cfg.PingInterval
	if interval <= 0 {
		interval = config.DefaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.Send(wire.Message{Type: wire.TypePing, Timestamp: time.Now().Unix()}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) dispatch(conn *wire.Conn, msg wire.Message) {
	switch msg.Type {
	case wire.TypePong:
		// no-op: liveness only.
	case wire.TypeHTTPRequest:
		go c.serveHTTPRequest(conn, msg)
	case wire.TypeWSTunnelOpen:
		c.openLocalTunnel(conn, msg)
	case wire.TypeWSMessage:
		c.deliverToLocalTunnel(msg)
	case wire.TypeWSTunnelClose:
		c.closeLocalTunnel(msg.TunnelID)
	case wire.TypeError:
		log.Printf("slave: error frame from master: %s", msg.Error)
	default:
		log.Printf("slave: ignoring unknown frame type=%q", msg.Type)
	}
}
