package master

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
)

func TestStandaloneStatusReportsMode(t *testing.T) {
	api := NewStatusAPI(nil)
	r := httptest.NewRequest(http.MethodGet, "/api/cluster/status", nil)
	w := httptest.NewRecorder()
	api.handleStatus(w, r)

	var got statusResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Mode != "standalone" {
		t.Fatalf("mode = %q, want standalone", got.Mode)
	}
	if got.IsMaster {
		t.Fatalf("isMaster = true, want false in standalone mode")
	}
}

func TestStandaloneListSlavesRejected(t *testing.T) {
	api := NewStatusAPI(nil)
	r := httptest.NewRequest(http.MethodGet, "/api/cluster/slaves", nil)
	w := httptest.NewRecorder()
	api.handleListSlaves(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestMasterModeListSlavesIncludesLocal(t *testing.T) {
	m := NewManager(testMasterConfig())
	api := NewStatusAPI(m)
	r := httptest.NewRequest(http.MethodGet, "/api/cluster/slaves", nil)
	w := httptest.NewRecorder()
	api.handleListSlaves(w, r)

	var got listSlavesResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Success {
		t.Fatalf("success = false, want true")
	}
	if len(got.Clients) != 1 || got.Clients[0].ID != localSlaveID || !got.Clients[0].IsLocal {
		t.Fatalf("clients = %+v, want single local entry", got.Clients)
	}
}

func TestMasterModeStatusReportsConnectedSlaves(t *testing.T) {
	m := NewManager(testMasterConfig())
	api := NewStatusAPI(m)
	r := httptest.NewRequest(http.MethodGet, "/api/cluster/status", nil)
	w := httptest.NewRecorder()
	api.handleStatus(w, r)

	var got statusResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Mode != "cluster" || !got.IsMaster {
		t.Fatalf("got %+v, want cluster mode with isMaster", got)
	}
	if got.ConnectedSlaves != 0 {
		t.Fatalf("connectedSlaves = %d, want 0 with no slaves registered", got.ConnectedSlaves)
	}
	if len(got.Slaves) != 1 || got.Slaves[0].ID != localSlaveID {
		t.Fatalf("slaves = %+v, want single local entry", got.Slaves)
	}
}

func TestSlaveHealthUnknownIsUnhealthy(t *testing.T) {
	m := NewManager(testMasterConfig())
	api := NewStatusAPI(m)
	r := httptest.NewRequest(http.MethodGet, "/api/cluster/slaves/nope/health", nil)
	r = mux.SetURLVars(r, map[string]string{"id": "nope"})
	w := httptest.NewRecorder()
	api.handleSlaveHealth(w, r)

	var got healthView
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Healthy || got.SlaveID != "nope" || got.Message == "" {
		t.Fatalf("got %+v, want unhealthy with a message", got)
	}
}

func TestSlaveHealthLocalIsHealthy(t *testing.T) {
	m := NewManager(testMasterConfig())
	api := NewStatusAPI(m)
	r := httptest.NewRequest(http.MethodGet, "/api/cluster/slaves/local/health", nil)
	r = mux.SetURLVars(r, map[string]string{"id": localSlaveID})
	w := httptest.NewRecorder()
	api.handleSlaveHealth(w, r)

	var got healthView
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Healthy || got.SlaveID != localSlaveID || got.Status != "connected" {
		t.Fatalf("got %+v, want healthy local entry", got)
	}
}

func TestMasterModeGetUnknownSlaveIs404(t *testing.T) {
	m := NewManager(testMasterConfig())
	api := NewStatusAPI(m)
	r := httptest.NewRequest(http.MethodGet, "/api/cluster/slaves/nope", nil)
	r = mux.SetURLVars(r, map[string]string{"id": "nope"})
	w := httptest.NewRecorder()
	api.handleGetSlave(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHealthzAlwaysOK(t *testing.T) {
	api := NewStatusAPI(nil)
	r := httptest.NewRequest(http.MethodGet, "/api/healthz", nil)
	w := httptest.NewRecorder()
	api.handleHealthz(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
