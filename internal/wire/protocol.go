// Package wire defines the JSON message envelope carried over the single
// WebSocket control connection between a master and a slave, and the pair
// used for each master-facing user WebSocket tunnel.
package wire

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeWriteTimeout = 2 * time.Second

func writeControlDeadline() time.Time {
	return time.Now().Add(closeWriteTimeout)
}

// Message types, per spec section 4.1.
const (
	TypeAuth           = "auth"
	TypeAuthSuccess    = "auth_success"
	TypeHTTPRequest    = "http_request"
	TypeResponse       = "response"
	TypeWSTunnelOpen   = "ws_tunnel_open"
	TypeWSMessage      = "ws_message"
	TypeWSData         = "ws_data"
	TypeWSTunnelClose  = "ws_tunnel_close"
	TypeWSTunnelClosed = "ws_tunnel_closed"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeError          = "error"
)

// Channel tags for ws_tunnel_open, per spec section 4.1.
const (
	ChannelWS    = "ws"
	ChannelShell = "shell"
)

// Close codes used on /cluster/tunnel, per spec section 6.
const (
	CloseAuthTimeout  = 4001
	CloseAuthFailed   = 4002
	CloseExpectedAuth = 4003
	CloseReplaced     = 4004
)

// Message is the single envelope type for every frame exchanged over the
// control connection. Fields are populated only for the relevant type; a
// field left at its zero value is omitted from the wire form.
type Message struct {
	Type string `json:"type"`

	// auth
	SlaveID   string `json:"slaveId,omitempty"`
	SlaveName string `json:"slaveName,omitempty"`
	Secret    string `json:"secret,omitempty"`

	// http_request / response
	RequestID string              `json:"requestId,omitempty"`
	Method    string              `json:"method,omitempty"`
	Path      string              `json:"path,omitempty"`
	Headers   map[string][]string `json:"headers,omitempty"`
	Body      *string             `json:"body,omitempty"`
	Status    int                 `json:"status,omitempty"`

	// ws_tunnel_open / ws_message / ws_data / ws_tunnel_close / ws_tunnel_closed
	TunnelID string `json:"tunnelId,omitempty"`
	Channel  string `json:"channel,omitempty"`
	Token    string `json:"token,omitempty"`
	Data     string `json:"data,omitempty"`

	// ping / pong
	Timestamp int64 `json:"timestamp,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// StringBody returns a *string ready to populate Message.Body; a nil Body
// stands for an absent HTTP body.
func StringBody(s string) *string {
	return &s
}

// BodyOrEmpty dereferences m.Body, returning "" for a nil/absent body.
func (m Message) BodyOrEmpty() string {
	if m.Body == nil {
		return ""
	}
	return *m.Body
}

// Conn wraps a *websocket.Conn with a write mutex so that independent
// producers (the accept loop, HTTP forwarders, tunnel bridges) never
// interleave bytes of a single JSON message on the same connection. Reads
// are not synchronized: per spec section 5 only one reader task processes
// frames from a given connection.
type Conn struct {
	ws     *websocket.Conn
	writeM sync.Mutex
}

// NewConn wraps an established WebSocket connection for frame I/O.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send serializes and writes msg, guarded by the per-connection write lock.
func (c *Conn) Send(msg Message) error {
	c.writeM.Lock()
	defer c.writeM.Unlock()
	return c.ws.WriteJSON(msg)
}

// ReadMessage reads and decodes the next frame. Malformed JSON is returned
// as a *MalformedFrameError to the caller, which per spec section 4.1 must
// log it and drop the frame without closing the connection.
func (c *Conn) ReadMessage() (Message, error) {
	var msg Message
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, &MalformedFrameError{Raw: json.RawMessage(data), Cause: err}
	}
	return msg, nil
}

// Close closes the underlying connection with the given close code and
// reason text, per the close codes in spec section 6.
func (c *Conn) Close(code int, reason string) error {
	deadline := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, deadline, writeControlDeadline())
	return c.ws.Close()
}

// Underlying exposes the raw *websocket.Conn for callers that need direct
// access (e.g. SetReadLimit, SetReadDeadline) not covered by Conn's API.
func (c *Conn) Underlying() *websocket.Conn {
	return c.ws
}

// MalformedFrameError wraps a JSON decode failure for a single frame. The
// caller logs it and continues reading; the connection is not closed.
type MalformedFrameError struct {
	Raw   json.RawMessage
	Cause error
}

func (e *MalformedFrameError) Error() string {
	return "malformed tunnel frame: " + e.Cause.Error()
}

func (e *MalformedFrameError) Unwrap() error {
	return e.Cause
}
