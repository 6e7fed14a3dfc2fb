package slaveclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clustertunnel/fabric/internal/config"
	"github.com/clustertunnel/fabric/internal/wire"
)

func TestOpenLocalTunnelRelaysFramesBothWays(t *testing.T) {
	var localConn *websocket.Conn
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("local upgrade: %v", err)
		}
		localConn = conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.WriteMessage(websocket.TextMessage, append([]byte("echo:"), data...))
		}
	}))
	defer local.Close()

	port := localPort(t, local.URL)
	c := New(config.SlaveConfig{SlaveID: "s1", LocalPort: port})

	clientConn, serverConn, cleanup := dialControlPair(t)
	defer cleanup()

	c.openLocalTunnel(clientConn, wire.Message{Type: wire.TypeWSTunnelOpen, TunnelID: "tun-1", Channel: "ws"})

	deadline := time.Now().Add(time.Second)
	for localConn == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if localConn == nil {
		t.Fatal("local service never saw a tunnel connection")
	}

	c.deliverToLocalTunnel(wire.Message{Type: wire.TypeWSMessage, TunnelID: "tun-1", Data: "hello"})

	got, err := serverConn.ReadMessage()
	if err != nil {
		t.Fatalf("read ws_data: %v", err)
	}
	if got.Type != wire.TypeWSData || got.TunnelID != "tun-1" || got.Data != "echo:hello" {
		t.Fatalf("got %+v", got)
	}
}

func TestOpenLocalTunnelForwardsTokenAsQueryParam(t *testing.T) {
	var gotQuery string
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("local upgrade: %v", err)
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer local.Close()

	port := localPort(t, local.URL)
	c := New(config.SlaveConfig{SlaveID: "s1", LocalPort: port})

	clientConn, _, cleanup := dialControlPair(t)
	defer cleanup()

	c.openLocalTunnel(clientConn, wire.Message{Type: wire.TypeWSTunnelOpen, TunnelID: "tun-token", Channel: "ws", Token: "sekrit token"})

	deadline := time.Now().Add(time.Second)
	for gotQuery == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if gotQuery != "token=sekrit+token" {
		t.Fatalf("local dial query = %q, want token=sekrit+token", gotQuery)
	}
}

func TestOpenLocalTunnelDialFailureEmitsTunnelClosed(t *testing.T) {
	c := New(config.SlaveConfig{SlaveID: "s1", LocalPort: 1})

	clientConn, serverConn, cleanup := dialControlPair(t)
	defer cleanup()

	c.openLocalTunnel(clientConn, wire.Message{Type: wire.TypeWSTunnelOpen, TunnelID: "tun-2", Channel: "ws"})

	got, err := serverConn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != wire.TypeWSTunnelClosed || got.TunnelID != "tun-2" {
		t.Fatalf("got %+v, want ws_tunnel_closed for tun-2", got)
	}
}

func TestCloseLocalTunnelRemovesRecord(t *testing.T) {
	var localConn *websocket.Conn
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("local upgrade: %v", err)
		}
		localConn = conn
		_, _, _ = conn.ReadMessage()
	}))
	defer local.Close()

	port := localPort(t, local.URL)
	c := New(config.SlaveConfig{SlaveID: "s1", LocalPort: port})

	clientConn, _, cleanup := dialControlPair(t)
	defer cleanup()

	c.openLocalTunnel(clientConn, wire.Message{Type: wire.TypeWSTunnelOpen, TunnelID: "tun-3", Channel: "ws"})

	deadline := time.Now().Add(time.Second)
	for localConn == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	c.closeLocalTunnel("tun-3")

	c.mu.Lock()
	_, stillPresent := c.tunnels["tun-3"]
	c.mu.Unlock()
	if stillPresent {
		t.Fatal("expected tunnel record to be removed")
	}
}
