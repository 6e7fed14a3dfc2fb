package master

import (
	"sync"

	"github.com/gorilla/websocket"
)

// wsUserConn adapts a *websocket.Conn to internal/tunnelmux.UserConn for a
// user-facing tunnel (the master side of /ws or /shell).
type wsUserConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSUserConn(conn *websocket.Conn) *wsUserConn {
	return &wsUserConn{conn: conn}
}

func (u *wsUserConn) ReadText() (string, error) {
	_, data, err := u.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (u *wsUserConn) WriteText(data string) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	return u.conn.WriteMessage(websocket.TextMessage, []byte(data))
}

func (u *wsUserConn) Close() error {
	return u.conn.Close()
}
