// Package correlator implements the request correlator (spec component
// C3): it issues request-ids and resolves pending futures when a matching
// response frame arrives, or fails them on timeout.
package correlator

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result is what a pending request resolves to: either a forwarded
// response or a structured failure.
type Result struct {
	Status  int
	Headers map[string][]string
	Body    string
	Err     error
}

type pending struct {
	once   sync.Once
	ch     chan Result
	timer  *time.Timer
}

// Correlator owns the pending-request table, keyed by request-id.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pending
}

// New returns an empty correlator.
func New() *Correlator {
	return &Correlator{pending: make(map[string]*pending)}
}

// Issue mints a fresh request-id, registers a pending entry with a
// deadline timer, and returns the id plus a channel that receives exactly
// one Result: either from Complete or from timer expiry with
// "request timeout".
func (c *Correlator) Issue(timeout time.Duration) (string, <-chan Result) {
	id := uuid.NewString()
	p := &pending{ch: make(chan Result, 1)}

	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		c.resolve(id, p, Result{Err: errRequestTimeout})
	})

	return id, p.ch
}

// Complete resolves the pending entry for requestId with result. A
// response frame whose request-id has no pending entry is silently
// discarded (spec section 3 invariant), and a second completion for the
// same id is a no-op (spec section 8 invariant 1).
func (c *Correlator) Complete(requestID string, result Result) {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.resolve(requestID, p, result)
}

// resolve performs the exactly-once completion: remove from the table,
// stop the timer, and deliver to the waiter. sync.Once guarantees that a
// race between Complete and timer expiry only ever has one winner.
func (c *Correlator) resolve(requestID string, p *pending, result Result) {
	p.once.Do(func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- result
		close(p.ch)
	})
}

// FailAll resolves every currently pending request with err, used when a
// slave's control connection is lost (spec section 4.5/section 8
// invariant 4).
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	all := make(map[string]*pending, len(c.pending))
	for id, p := range c.pending {
		all[id] = p
	}
	c.mu.Unlock()

	for id, p := range all {
		c.resolve(id, p, Result{Err: err})
	}
}

// Pending reports how many requests are currently awaiting completion,
// for tests and diagnostics.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

var errRequestTimeout = timeoutError("request timeout")

type timeoutError string

func (e timeoutError) Error() string { return string(e) }
