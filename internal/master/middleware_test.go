package master

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/clustertunnel/fabric/internal/wire"
)

func localStub(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	})
}

func TestRouterServesAlwaysLocalPrefixLocally(t *testing.T) {
	m := NewManager(testMasterConfig())
	router := NewRouter(m, localStub("local-app"))

	req := httptest.NewRequest(http.MethodGet, "/api/user/profile", nil)
	req.Header.Set("X-Target-Slave", "s1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Body.String() != "local-app" {
		t.Fatalf("body = %q, want local-app (always-local prefix must not forward)", w.Body.String())
	}
}

func TestRouterServesLocallyWithoutTargetHeader(t *testing.T) {
	m := NewManager(testMasterConfig())
	router := NewRouter(m, localStub("local-app"))

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Body.String() != "local-app" {
		t.Fatalf("body = %q, want local-app", w.Body.String())
	}
}

func TestRouterReturns503WhenTargetSlaveNotConnected(t *testing.T) {
	m := NewManager(testMasterConfig())
	router := NewRouter(m, localStub("local-app"))

	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	req.Header.Set("X-Target-Slave", "ghost")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestRouterForwardsToConnectedSlave(t *testing.T) {
	m := NewManager(testMasterConfig())
	router := NewRouter(m, localStub("local-app"))

	srv := httptest.NewServer(http.HandlerFunc(m.HandleControlConnection))
	defer srv.Close()
	conn := authenticate(t, srv, "s1")
	defer conn.Underlying().Close()

	go func() {
		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.Send(wire.Message{
			Type:      wire.TypeResponse,
			RequestID: msg.RequestID,
			Status:    http.StatusOK,
			Body:      wire.StringBody("from-slave"),
		})
	}()

	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	req.Header.Set("X-Target-Slave", "s1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Body.String() != "from-slave" {
		t.Fatalf("body = %q, want from-slave", w.Body.String())
	}
}

func TestRouterStatusEndpointsAreRegistered(t *testing.T) {
	m := NewManager(testMasterConfig())
	router := NewRouter(m, localStub("local-app"))

	req := httptest.NewRequest(http.MethodGet, "/api/cluster/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
