package slaveclient

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/clustertunnel/fabric/internal/wire"
)

// serveHTTPRequest handles one http_request frame: it replays the request
// against the local service on LocalPort and sends back a response frame
// carrying the same request-id, per spec section 4.3. Bodies travel as
// UTF-8 strings on the wire (see DESIGN.md open question decision on
// binary payloads); a local response that is not valid UTF-8 is still
// delivered, with invalid sequences replaced, rather than dropped.
func (c *Client) serveHTTPRequest(conn *wire.Conn, msg wire.Message) {
	localURL := fmt.Sprintf("http://127.0.0.1:%d%s", c.cfg.LocalPort, msg.Path)

	var bodyReader io.Reader
	if msg.Body != nil {
		bodyReader = strings.NewReader(*msg.Body)
	}

	req, err := http.NewRequest(msg.Method, localURL, bodyReader)
	if err != nil {
		c.sendHTTPError(conn, msg.RequestID, "failed to build local request: "+err.Error())
		return
	}
	for k, vv := range msg.Headers {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.sendHTTPError(conn, msg.RequestID, "local request failed: "+err.Error())
		return
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		c.sendHTTPError(conn, msg.RequestID, "failed to read local response: "+err.Error())
		return
	}

	respHeaders := make(map[string][]string, len(resp.Header))
	for k, vv := range resp.Header {
		respHeaders[k] = vv
	}

	if err := conn.Send(wire.Message{
		Type:      wire.TypeResponse,
		RequestID: msg.RequestID,
		Status:    resp.StatusCode,
		Headers:   respHeaders,
		Body:      wire.StringBody(sanitizeUTF8(buf.String())),
	}); err != nil {
		log.Printf("slave: failed to send response requestId=%s err=%v", msg.RequestID, err)
	}
}

func (c *Client) sendHTTPError(conn *wire.Conn, requestID, message string) {
	log.Printf("slave: http_request error requestId=%s: %s", requestID, message)
	if err := conn.Send(wire.Message{
		Type:      wire.TypeResponse,
		RequestID: requestID,
		Status:    http.StatusBadGateway,
		Body:      wire.StringBody(message),
	}); err != nil {
		log.Printf("slave: failed to send error response requestId=%s err=%v", requestID, err)
	}
}

// sanitizeUTF8 replaces invalid UTF-8 byte sequences so a binary or
// mis-encoded local response can still be carried as a JSON string.
func sanitizeUTF8(s string) string {
	return strings.ToValidUTF8(s, "�")
}
