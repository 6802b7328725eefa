package streaminghttp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leehack/mcp-go/auth"
	"github.com/leehack/mcp-go/jsonrpc"
	"github.com/leehack/mcp-go/mcp"
	"github.com/leehack/mcp-go/protocol"
	"github.com/leehack/mcp-go/sessions"
)

// bindEcho registers a minimal handler set: initialize plus an echo method.
// The captured session and connection let tests drive server-initiated
// traffic.
type boundServer struct {
	mu   sync.Mutex
	sess *sessions.Session
	conn *protocol.Conn
}

func (b *boundServer) bind(sess *sessions.Session, conn *protocol.Conn) {
	b.mu.Lock()
	b.sess = sess
	b.conn = conn
	b.mu.Unlock()

	conn.OnRequest(string(mcp.InitializeMethod), func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		return map[string]any{
			"protocolVersion": mcp.LatestProtocolVersion,
			"capabilities":    map[string]any{},
			"serverInfo":      map[string]any{"name": "test-server", "version": "0.0.1"},
		}, nil
	})
	conn.OnRequest("echo", func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		var params map[string]any
		_ = json.Unmarshal(req.Params, &params)
		return params, nil
	})
}

func (b *boundServer) serverConn(t *testing.T) *protocol.Conn {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		t.Fatal("no session established yet")
	}
	return b.conn
}

func newTestServer(t *testing.T, opts ...HandlerOption) (*httptest.Server, *boundServer) {
	t.Helper()
	bound := &boundServer{}
	h := NewHandler(bound.bind, opts...)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		_ = h.Close()
	})
	return srv, bound
}

func postMessage(t *testing.T, url, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(mcpSessionIDHeader, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	return resp
}

func initializeSession(t *testing.T, url string) string {
	t.Helper()
	resp := postMessage(t, url, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"t","version":"1"},"capabilities":{}}}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize failed with status %d", resp.StatusCode)
	}
	sessID := resp.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		t.Fatal("expected a session id header on first contact")
	}
	var out jsonrpc.AnyMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Error != nil {
		t.Fatalf("unexpected initialize response: %v %v", err, out.Error)
	}
	return sessID
}

type sseEvent struct {
	id   string
	data string
}

// readSSE consumes n events off an open SSE stream.
func readSSE(t *testing.T, body io.Reader, n int) []sseEvent {
	t.Helper()
	scanner := bufio.NewScanner(body)
	var events []sseEvent
	var cur sseEvent
	for len(events) < n && scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			if cur.data != "" {
				cur.data += "\n"
			}
			cur.data += strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.data != "" {
				events = append(events, cur)
				cur = sseEvent{}
			}
		}
	}
	if len(events) < n {
		t.Fatalf("stream ended after %d of %d events (scan err %v)", len(events), n, scanner.Err())
	}
	return events
}

func openStream(t *testing.T, url, sessionID, lastEventID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(mcpSessionIDHeader, sessionID)
	if lastEventID != "" {
		req.Header.Set(lastEventIDHeader, lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	return resp
}

func TestInitializeEstablishesSession(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv.URL)
	if sessID == "" {
		t.Fatal("expected a session id")
	}
}

func TestPostWithoutSessionRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postMessage(t, srv.URL, "", `{"jsonrpc":"2.0","id":1,"method":"echo"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for first contact that is not initialize, got %d", resp.StatusCode)
	}
}

func TestInitializeVersionMismatchLeavesNoSession(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postMessage(t, srv.URL, "",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1999-12-31","clientInfo":{"name":"t","version":"1"},"capabilities":{}}}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unsupported protocol version, got %d", resp.StatusCode)
	}
	if sessID := resp.Header.Get(mcpSessionIDHeader); sessID != "" {
		t.Fatalf("failed handshake must not register a session, got id %q", sessID)
	}
}

func TestBatchDuplicateIDsRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv.URL)

	resp := postMessage(t, srv.URL, sessID,
		`[{"jsonrpc":"2.0","id":7,"method":"echo","params":{"n":1}},{"jsonrpc":"2.0","id":7,"method":"echo","params":{"n":2}}]`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate ids in a batch, got %d", resp.StatusCode)
	}
}

func TestPostUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postMessage(t, srv.URL, "nope", `{"jsonrpc":"2.0","id":1,"method":"echo"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown session, got %d", resp.StatusCode)
	}
}

func TestPostWrongContentType(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL, "text/plain", strings.NewReader("hi"))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", resp.StatusCode)
	}
}

func TestRequestGetsDirectResponse(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv.URL)

	resp := postMessage(t, srv.URL, sessID, `{"jsonrpc":"2.0","id":2,"method":"echo","params":{"hello":"world"}}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("MCP-Protocol-Version"); got != mcp.LatestProtocolVersion {
		t.Fatalf("protocol version header = %q, want %q", got, mcp.LatestProtocolVersion)
	}
	var out jsonrpc.AnyMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("response does not decode: %v", err)
	}
	var echoed map[string]string
	if err := json.Unmarshal(out.Result, &echoed); err != nil || echoed["hello"] != "world" {
		t.Fatalf("unexpected echo result %s (%v)", out.Result, err)
	}
}

func TestBatchGetsOrderedResponses(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv.URL)

	resp := postMessage(t, srv.URL, sessID,
		`[{"jsonrpc":"2.0","id":10,"method":"echo","params":{"n":1}},{"jsonrpc":"2.0","id":11,"method":"echo","params":{"n":2}}]`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out []jsonrpc.AnyMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || len(out) != 2 {
		t.Fatalf("expected a two-element batch response, got %v (%v)", out, err)
	}
	if out[0].ID.String() != "10" || out[1].ID.String() != "11" {
		t.Fatalf("batch responses out of request order: %s then %s", out[0].ID, out[1].ID)
	}
}

func TestNotificationAccepted(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv.URL)

	resp := postMessage(t, srv.URL, sessID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 for a notification, got %d", resp.StatusCode)
	}
}

func TestDeleteSession(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv.URL)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL, nil)
	req.Header.Set(mcpSessionIDHeader, sessID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	after := postMessage(t, srv.URL, sessID, `{"jsonrpc":"2.0","id":3,"method":"echo"}`)
	defer after.Body.Close()
	if after.StatusCode != http.StatusNotFound {
		t.Fatalf("expected the deleted session to be gone, got %d", after.StatusCode)
	}
}

func TestSSEDeliversServerNotifications(t *testing.T) {
	srv, bound := newTestServer(t)
	sessID := initializeSession(t, srv.URL)

	conn := bound.serverConn(t)
	if err := conn.Notify(context.Background(), "notifications/message", map[string]any{"level": "info", "data": "hi"}); err != nil {
		t.Fatalf("notify failed: %v", err)
	}

	stream := openStream(t, srv.URL, sessID, "")
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected an SSE content type, got %q", ct)
	}

	events := readSSE(t, stream.Body, 1)
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(events[0].data), &msg); err != nil || msg.Method != "notifications/message" {
		t.Fatalf("unexpected event payload %q (%v)", events[0].data, err)
	}
	if events[0].id == "" {
		t.Fatal("expected the event to carry an id for resumption")
	}
}

func TestReplayAfterReconnectExactlyOnce(t *testing.T) {
	srv, bound := newTestServer(t)
	sessID := initializeSession(t, srv.URL)

	conn := bound.serverConn(t)
	const total = 10
	for i := 1; i <= total; i++ {
		if err := conn.Notify(context.Background(), "notifications/message", map[string]any{"data": fmt.Sprintf("ev-%02d", i)}); err != nil {
			t.Fatalf("notify %d failed: %v", i, err)
		}
	}

	// First connection sees the first four events, then drops.
	first := openStream(t, srv.URL, sessID, "")
	firstEvents := readSSE(t, first.Body, 4)
	first.Body.Close()

	// Reconnect presenting the last seen id: exactly the remaining six, in
	// order, once each.
	second := openStream(t, srv.URL, sessID, firstEvents[3].id)
	defer second.Body.Close()
	rest := readSSE(t, second.Body, total-4)

	var seen []string
	for _, ev := range append(firstEvents, rest...) {
		var msg struct {
			Params struct {
				Data string `json:"data"`
			} `json:"params"`
		}
		if err := json.Unmarshal([]byte(ev.data), &msg); err != nil {
			t.Fatalf("event payload does not decode: %v", err)
		}
		seen = append(seen, msg.Params.Data)
	}
	for i, got := range seen {
		want := fmt.Sprintf("ev-%02d", i+1)
		if got != want {
			t.Fatalf("event %d: expected %q, got %q (full: %v)", i, want, got, seen)
		}
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, WithAuthenticator(&auth.StaticTokenAuthenticator{Tokens: map[string]string{"tok": "alice"}}))

	resp := postMessage(t, srv.URL, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer tok")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	defer authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("expected the authenticated initialize to succeed, got %d", authed.StatusCode)
	}
}

func TestClientTransportEndToEnd(t *testing.T) {
	srv, bound := newTestServer(t)

	ct := NewClientTransport(srv.URL)
	clientConn := protocol.NewConn(ct)

	// Handler for server-initiated requests.
	clientConn.OnRequest("client/ping", func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		return map[string]string{"pong": "yes"}, nil
	})

	if err := clientConn.Start(context.Background()); err != nil {
		t.Fatalf("failed to start client conn: %v", err)
	}
	defer clientConn.Close()

	initRes, err := clientConn.Request(context.Background(), string(mcp.InitializeMethod), mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "e2e", Version: "1"},
	}, protocol.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	var initDecoded struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(initRes, &initDecoded); err != nil || initDecoded.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("unexpected initialize result %s (%v)", initRes, err)
	}
	if ct.SessionID() == "" {
		t.Fatal("expected the transport to adopt the assigned session id")
	}

	if err := clientConn.Notify(context.Background(), string(mcp.InitializedNotificationMethod), nil); err != nil {
		t.Fatalf("initialized notification failed: %v", err)
	}

	// A normal client-to-server call.
	echoRes, err := clientConn.Request(context.Background(), "echo", map[string]string{"k": "v"}, protocol.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("echo failed: %v", err)
	}
	var echoed map[string]string
	if err := json.Unmarshal(echoRes, &echoed); err != nil || echoed["k"] != "v" {
		t.Fatalf("unexpected echo result %s (%v)", echoRes, err)
	}

	// A server-initiated request travels over SSE and is answered with a
	// POSTed response.
	serverConn := bound.serverConn(t)
	pongRes, err := serverConn.Request(context.Background(), "client/ping", nil, protocol.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("server-initiated request failed: %v", err)
	}
	var pong map[string]string
	if err := json.Unmarshal(pongRes, &pong); err != nil || pong["pong"] != "yes" {
		t.Fatalf("unexpected pong result %s (%v)", pongRes, err)
	}
}
