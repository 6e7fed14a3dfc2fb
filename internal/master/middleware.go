package master

import (
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/clustertunnel/fabric/internal/wire"
)

// alwaysLocalPrefixes are path prefixes handled by the master itself
// regardless of X-Target-Slave, per spec section 4.6.
var alwaysLocalPrefixes = []string{"/api/cluster/", "/api/user/", "/api/auth/"}

// Router builds the master's full HTTP surface: the cluster status API,
// the control-connection and user-tunnel upgrade endpoints, and the
// catch-all HTTP routing middleware (spec component C7).
type Router struct {
	manager *Manager
	status  *StatusAPI
	mux     *mux.Router
}

// NewRouter builds a Router. Pass a nil manager to run in standalone mode,
// where the status endpoints answer in their standalone form, every other
// request is served locally by localHandler, and no control or tunnel
// endpoints are registered.
func NewRouter(manager *Manager, localHandler http.Handler) *Router {
	rt := &Router{manager: manager, status: NewStatusAPI(manager), mux: mux.NewRouter()}

	rt.mux.HandleFunc("/api/healthz", rt.status.handleHealthz).Methods(http.MethodGet)
	rt.mux.HandleFunc("/api/cluster/status", rt.status.handleStatus).Methods(http.MethodGet)
	rt.mux.HandleFunc("/api/cluster/slaves", rt.status.handleListSlaves).Methods(http.MethodGet)
	rt.mux.HandleFunc("/api/cluster/slaves/{id}/health", rt.status.handleSlaveHealth).Methods(http.MethodGet)
	rt.mux.HandleFunc("/api/cluster/slaves/{id}", rt.status.handleGetSlave).Methods(http.MethodGet)

	if manager != nil {
		rt.mux.HandleFunc("/cluster/tunnel", manager.HandleControlConnection)
		rt.mux.HandleFunc("/ws", rt.handleUserTunnel(wire.ChannelWS))
		rt.mux.HandleFunc("/shell", rt.handleUserTunnel(wire.ChannelShell))
	}

	rt.mux.PathPrefix("/").Handler(rt.catchAll(localHandler))
	return rt
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

var tunnelUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleUserTunnel upgrades a user-facing WebSocket and opens a tunnel to
// the slave named by the ?_slave= query parameter, per spec section 4.4.
func (rt *Router) handleUserTunnel(channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slaveID := r.URL.Query().Get("_slave")
		if slaveID == "" {
			http.Error(w, "missing _slave query parameter", http.StatusBadRequest)
			return
		}

		ws, err := tunnelUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("master: user tunnel upgrade failed slave=%s err=%v", slaveID, err)
			return
		}
		userConn := newWSUserConn(ws)

		token := r.URL.Query().Get("token")
		if _, err := rt.manager.CreateWSTunnel(slaveID, channel, token, userConn); err != nil {
			log.Printf("master: tunnel open failed slave=%s err=%v", slaveID, err)
			_ = userConn.Close()
			return
		}
	}
}

// catchAll implements C7: requests under the always-local prefixes, or with
// no X-Target-Slave header, are served by localHandler. Everything else is
// forwarded to the named slave, returning a structured 503 if it is not
// connected and a 502 if the forward itself fails.
func (rt *Router) catchAll(localHandler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rt.manager == nil || isAlwaysLocal(r.URL.Path) {
			localHandler.ServeHTTP(w, r)
			return
		}

		slaveID := r.Header.Get("X-Target-Slave")
		if slaveID == "" || slaveID == localSlaveID {
			localHandler.ServeHTTP(w, r)
			return
		}

		rt.forwardToSlave(w, r, slaveID)
	})
}

func isAlwaysLocal(path string) bool {
	for _, prefix := range alwaysLocalPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (rt *Router) forwardToSlave(w http.ResponseWriter, r *http.Request, slaveID string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	resp, err := rt.manager.ForwardHTTPRequest(slaveID, r, body)
	if err != nil {
		remote := rt.manager.net.remoteIP(r)
		switch err {
		case ErrSlaveNotConnected:
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "slave not connected: " + slaveID})
		case ErrSlaveBusy:
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "slave busy: " + slaveID})
		default:
			log.Printf("master: forward failed slave=%s remote=%s path=%s query=%s err=%v", slaveID, remote, r.URL.Path, sanitizeQueryForLog(r.URL.RawQuery), err)
			writeJSON(w, http.StatusBadGateway, errorBody{Error: "forward failed"})
		}
		return
	}

	applyResponseHeaders(w, resp.Headers)
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}
