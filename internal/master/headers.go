package master

import (
	"net/http"
	"strings"
)

// hopByHop is the header set stripped before a request is forwarded to a
// slave, per spec section 4.5. x-target-slave is the fabric's own routing
// header and is stripped alongside the true hop-by-hop set so it never
// leaks into the http_request frame (spec section 8 invariant 3).
var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"x-target-slave":      {},
}

// sanitizeHeaders lower-cases keys and drops the hop-by-hop set before a
// request header is placed on an http_request frame.
func sanitizeHeaders(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, vv := range h {
		lk := strings.ToLower(k)
		if _, drop := hopByHop[lk]; drop {
			continue
		}
		cp := make([]string, len(vv))
		copy(cp, vv)
		out[lk] = cp
	}
	return out
}

// responseStripSet is the header set removed before a forwarded response
// is written back to the user, per spec section 4.5 ("The response
// transfer-encoding and connection headers must be stripped before
// re-emission to the user").
var responseStripSet = map[string]struct{}{
	"transfer-encoding": {},
	"connection":        {},
}

// applyResponseHeaders copies headers from a forwarded response onto w,
// skipping the response strip set.
func applyResponseHeaders(w http.ResponseWriter, headers map[string][]string) {
	for k, vv := range headers {
		lk := strings.ToLower(k)
		if _, drop := responseStripSet[lk]; drop {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
}

var sensitiveQueryKeys = map[string]struct{}{
	"token": {}, "key": {}, "secret": {}, "password": {},
}

// sanitizeQueryForLog masks sensitive query parameter values before a
// request path is written to a log line, per spec section 9 ("do not log
// tokens").
func sanitizeQueryForLog(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	pairs := strings.Split(rawQuery, "&")
	for i, pair := range pairs {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			if _, ok := sensitiveQueryKeys[strings.ToLower(kv[0])]; ok {
				pairs[i] = kv[0] + "=***"
			}
		}
	}
	return strings.Join(pairs, "&")
}
