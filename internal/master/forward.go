package master

import (
	"errors"
	"net/http"
	"sync"

	"github.com/clustertunnel/fabric/internal/tunnelmux"
	"github.com/clustertunnel/fabric/internal/wire"
)

// ErrSlaveNotConnected is returned by ForwardHTTPRequest and CreateWSTunnel
// when the addressed slave has no registered control connection.
var ErrSlaveNotConnected = errors.New("slave not connected")

// ErrSlaveBusy is returned by ForwardHTTPRequest when the addressed slave
// has reached its configured concurrent-request limit (SPEC_FULL.md
// supplemented feature 1).
var ErrSlaveBusy = errors.New("slave at concurrent request limit")

// slaveLimiters holds the per-slave in-flight-request counters used when
// MaxConcurrentRequestsPerSlave is non-zero.
type slaveLimiters struct {
	mu    sync.Mutex
	limit int
	inUse map[string]int
}

func newSlaveLimiters(limit int) *slaveLimiters {
	return &slaveLimiters{limit: limit, inUse: make(map[string]int)}
}

func (l *slaveLimiters) tryAcquire(slaveID string) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inUse[slaveID] >= l.limit {
		return false
	}
	l.inUse[slaveID]++
	return true
}

// inUseCount reports the current in-flight count for slaveID, for tests.
func (l *slaveLimiters) inUseCount(slaveID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse[slaveID]
}

func (l *slaveLimiters) release(slaveID string) {
	if l.limit <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inUse[slaveID] > 0 {
		l.inUse[slaveID]--
	}
}

// ForwardedResponse is the result of a successful ForwardHTTPRequest call.
type ForwardedResponse struct {
	Status  int
	Headers map[string][]string
	Body    []byte
}

// ForwardHTTPRequest sends an http_request frame to slaveID's control
// connection and blocks until the matching response frame arrives, the
// request times out, or the slave disconnects, per spec section 4.3. The
// forwarded headers carry x-forwarded-for/x-forwarded-proto resolved via
// the trust-proxy rule (SPEC_FULL.md supplemented feature 2), so a slave's
// application sees the real client IP and scheme even behind a load
// balancer.
func (m *Manager) ForwardHTTPRequest(slaveID string, r *http.Request, body []byte) (ForwardedResponse, error) {
	handle, ok := m.slaveHandle(slaveID)
	if !ok {
		return ForwardedResponse{}, ErrSlaveNotConnected
	}

	if !m.limiters.tryAcquire(slaveID) {
		return ForwardedResponse{}, ErrSlaveBusy
	}
	defer m.limiters.release(slaveID)

	requestID, resultCh := handle.correlator.Issue(m.cfg.RequestTimeout)

	var bodyPtr *string
	if len(body) > 0 {
		bodyPtr = wire.StringBody(string(body))
	}

	headers := sanitizeHeaders(r.Header)
	headers["x-forwarded-for"] = []string{m.net.remoteIP(r)}
	headers["x-forwarded-proto"] = []string{m.net.requestProto(r)}

	if err := handle.conn.Send(wire.Message{
		Type:      wire.TypeHTTPRequest,
		RequestID: requestID,
		Method:    r.Method,
		Path:      r.URL.RequestURI(),
		Headers:   headers,
		Body:      bodyPtr,
	}); err != nil {
		return ForwardedResponse{}, err
	}

	result := <-resultCh
	if result.Err != nil {
		return ForwardedResponse{}, result.Err
	}
	return ForwardedResponse{
		Status:  result.Status,
		Headers: result.Headers,
		Body:    []byte(result.Body),
	}, nil
}

// CreateWSTunnel opens a new tunnel to slaveID for a just-upgraded
// user-facing WebSocket, per spec section 4.4.
func (m *Manager) CreateWSTunnel(slaveID, channel, token string, userConn tunnelmux.UserConn) (*tunnelmux.Tunnel, error) {
	handle, ok := m.slaveHandle(slaveID)
	if !ok {
		return nil, ErrSlaveNotConnected
	}
	return m.tunnels.Open(slaveID, channel, token, userConn, handle)
}

// slaveHandle looks up the live *slaveHandle for slaveID via the registry.
func (m *Manager) slaveHandle(slaveID string) (*slaveHandle, bool) {
	conn := m.registry.Conn(slaveID)
	if conn == nil {
		return nil, false
	}
	handle, ok := conn.(*slaveHandle)
	return handle, ok
}
