package master

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/clustertunnel/fabric/internal/registry"
)

// localSlaveID is the synthetic slave-id representing the master's own
// embedded handlers, per spec section 4.7 ("a master always reports itself
// as an always-connected, local entry").
const localSlaveID = "local"

// StatusAPI implements the cluster status endpoints (spec component C8).
// manager is nil in standalone mode, where only /api/healthz and
// /api/cluster/status (reporting mode:"standalone") are meaningful.
type StatusAPI struct {
	manager *Manager
}

// NewStatusAPI returns a StatusAPI. Pass a nil manager for standalone mode.
func NewStatusAPI(manager *Manager) *StatusAPI {
	return &StatusAPI{manager: manager}
}

type statusResponse struct {
	Mode            string      `json:"mode"`
	IsMaster        bool        `json:"isMaster"`
	ConnectedSlaves int         `json:"connectedSlaves"`
	Slaves          []slaveView `json:"slaves"`
}

// handleStatus serves GET /api/cluster/status in both modes, per spec
// section 4.8.
func (a *StatusAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if a.manager == nil {
		writeJSON(w, http.StatusOK, statusResponse{Mode: "standalone", Slaves: []slaveView{}})
		return
	}
	recs := a.manager.Registry().List()
	slaves := make([]slaveView, 0, len(recs)+1)
	slaves = append(slaves, localSlaveView())
	for _, s := range recs {
		slaves = append(slaves, slaveViewFromRecord(s))
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Mode:            "cluster",
		IsMaster:        true,
		ConnectedSlaves: len(recs),
		Slaves:          slaves,
	})
}

type slaveView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	IsLocal bool   `json:"isLocal"`
}

func localSlaveView() slaveView {
	return slaveView{ID: localSlaveID, Name: "Local Server", Status: registry.StatusConnected, IsLocal: true}
}

func slaveViewFromRecord(s registry.Slave) slaveView {
	return slaveView{ID: s.ID, Name: s.Name, Status: s.Status, IsLocal: false}
}

type listSlavesResponse struct {
	Success bool        `json:"success"`
	Clients []slaveView `json:"clients"`
}

// handleListSlaves serves GET /api/cluster/slaves. Master-only.
func (a *StatusAPI) handleListSlaves(w http.ResponseWriter, r *http.Request) {
	if a.manager == nil {
		writeNotMasterMode(w)
		return
	}
	clients := []slaveView{localSlaveView()}
	for _, s := range a.manager.Registry().List() {
		clients = append(clients, slaveViewFromRecord(s))
	}
	writeJSON(w, http.StatusOK, listSlavesResponse{Success: true, Clients: clients})
}

// handleGetSlave serves GET /api/cluster/slaves/{id}. Master-only.
func (a *StatusAPI) handleGetSlave(w http.ResponseWriter, r *http.Request) {
	if a.manager == nil {
		writeNotMasterMode(w)
		return
	}
	id := mux.Vars(r)["id"]
	if id == localSlaveID {
		writeJSON(w, http.StatusOK, localSlaveView())
		return
	}
	rec, ok := a.manager.Registry().Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "slave not found"})
		return
	}
	writeJSON(w, http.StatusOK, slaveViewFromRecord(rec))
}

type healthView struct {
	Healthy  bool    `json:"healthy"`
	SlaveID  string  `json:"slaveId"`
	Name     string  `json:"name,omitempty"`
	Status   string  `json:"status,omitempty"`
	LastPing *string `json:"lastPing,omitempty"`
	Message  string  `json:"message"`
}

// handleSlaveHealth serves GET /api/cluster/slaves/{id}/health. Master-only.
func (a *StatusAPI) handleSlaveHealth(w http.ResponseWriter, r *http.Request) {
	if a.manager == nil {
		writeNotMasterMode(w)
		return
	}
	id := mux.Vars(r)["id"]
	if id == localSlaveID {
		writeJSON(w, http.StatusOK, healthView{
			Healthy: true,
			SlaveID: id,
			Name:    "Local Server",
			Status:  registry.StatusConnected,
			Message: "local server is always healthy",
		})
		return
	}
	rec, ok := a.manager.Registry().Get(id)
	if !ok {
		writeJSON(w, http.StatusOK, healthView{
			Healthy: false,
			SlaveID: id,
			Message: "slave not connected",
		})
		return
	}
	lastPing := rec.LastPingAt.UTC().Format(time.RFC3339)
	writeJSON(w, http.StatusOK, healthView{
		Healthy:  true,
		SlaveID:  id,
		Name:     rec.Name,
		Status:   rec.Status,
		LastPing: &lastPing,
		Message:  "slave is connected",
	})
}

// handleHealthz serves GET /api/healthz, available in any mode.
func (a *StatusAPI) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeNotMasterMode(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "Not in master mode"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
