package streaminghttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/leehack/mcp-go/jsonrpc"
	"github.com/leehack/mcp-go/mcp"
	"github.com/leehack/mcp-go/protocol"
)

// ReconnectPolicy controls the SSE reconnect backoff: the first retry waits
// InitialDelay, each subsequent one multiplies by GrowthFactor, capped at
// MaxDelay. After MaxRetries consecutive failures the connection reports a
// fatal close. A zero MaxRetries retries forever.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	GrowthFactor float64
	MaxDelay     time.Duration
	MaxRetries   int
}

// DefaultReconnectPolicy is used when none is configured.
var DefaultReconnectPolicy = ReconnectPolicy{
	InitialDelay: 500 * time.Millisecond,
	GrowthFactor: 2,
	MaxDelay:     30 * time.Second,
	MaxRetries:   10,
}

// ClientOption configures a ClientTransport.
type ClientOption func(*ClientTransport)

// WithHTTPClient overrides the http.Client used for POSTs and the SSE
// stream.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(t *ClientTransport) {
		t.http = client
	}
}

// WithBearerToken attaches a bearer token to every request.
func WithBearerToken(token string) ClientOption {
	return func(t *ClientTransport) {
		t.token = token
	}
}

// WithReconnectPolicy overrides the SSE reconnect backoff.
func WithReconnectPolicy(p ReconnectPolicy) ClientOption {
	return func(t *ClientTransport) {
		t.policy = p
	}
}

// WithClientLogger sets the logger for transport events.
func WithClientLogger(log *slog.Logger) ClientOption {
	return func(t *ClientTransport) {
		t.log = log
	}
}

// ClientTransport is the client side of the streaming HTTP transport:
// outbound messages go out as individual POSTs, inbound ones arrive either
// directly on a POST's response body or over an auto-reconnecting SSE
// stream. The session id assigned on first contact and the last seen event
// id are tracked here, making disconnects lossless for the layers above.
type ClientTransport struct {
	endpoint string
	http     *http.Client
	token    string
	policy   ReconnectPolicy
	log      *slog.Logger

	mu          sync.Mutex
	started     bool
	closed      bool
	sessionID   string
	lastEventID string
	sseStarted  bool
	onMessage   func(jsonrpc.Message)
	onError     func(error)
	onClose     func()

	lifetime context.Context
	cancel   context.CancelFunc

	closeOnce sync.Once
}

var _ protocol.Transport = (*ClientTransport)(nil)

// NewClientTransport targets a server's MCP endpoint URL.
func NewClientTransport(endpoint string, opts ...ClientOption) *ClientTransport {
	lifetime, cancel := context.WithCancel(context.Background())
	t := &ClientTransport{
		endpoint: endpoint,
		http:     http.DefaultClient,
		policy:   DefaultReconnectPolicy,
		log:      slog.Default(),
		lifetime: lifetime,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SessionID reports the server-assigned session id, empty before first
// contact.
func (t *ClientTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *ClientTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return protocol.ErrAlreadyStarted
	}
	if t.closed {
		return protocol.ErrConnectionClosed
	}
	t.started = true
	return nil
}

// Send posts one payload. A direct JSON reply is delivered to the message
// callback before Send returns; a 202 means any responses will arrive over
// the SSE stream.
func (t *ClientTransport) Send(ctx context.Context, msg jsonrpc.Message) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return protocol.ErrNotStarted
	}
	if t.closed {
		t.mu.Unlock()
		return protocol.ErrConnectionClosed
	}
	sessionID := t.sessionID
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(msg))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(mcpSessionIDHeader, sessionID)
		req.Header.Set(protocolVersionHeader, mcp.LatestProtocolVersion)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("post failed: %w", err)
	}
	defer resp.Body.Close()

	if assigned := resp.Header.Get(mcpSessionIDHeader); assigned != "" {
		t.adoptSession(assigned)
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case resp.StatusCode == http.StatusOK:
		body, rerr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if rerr != nil {
			return fmt.Errorf("failed to read response body: %w", rerr)
		}
		t.deliver(body)
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeUnauthorized, Message: "unauthorized"}
	case resp.StatusCode == http.StatusNotFound:
		// The server no longer knows this session. Nothing to resume.
		t.log.Warn("http.session.lost", slog.String("session_id", sessionID))
		_ = t.Close()
		return protocol.ErrConnectionClosed
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

func (t *ClientTransport) OnMessage(fn func(jsonrpc.Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

func (t *ClientTransport) OnError(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = fn
}

func (t *ClientTransport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = fn
}

func (t *ClientTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		onClose := t.onClose
		t.mu.Unlock()

		t.cancel()
		if onClose != nil {
			onClose()
		}
	})
	return nil
}

// adoptSession records the server-assigned session id and starts the SSE
// reader on first assignment.
func (t *ClientTransport) adoptSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessionID == "" {
		t.sessionID = sessionID
		t.log.Debug("http.session.assigned", slog.String("session_id", sessionID))
	}
	if !t.sseStarted && !t.closed {
		t.sseStarted = true
		go t.sseLoop()
	}
}

func (t *ClientTransport) deliver(payload []byte) {
	t.mu.Lock()
	onMessage := t.onMessage
	closed := t.closed
	t.mu.Unlock()
	if closed || onMessage == nil {
		return
	}
	onMessage(payload)
}

func (t *ClientTransport) reportError(err error) {
	t.mu.Lock()
	onError := t.onError
	t.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}

// sseLoop keeps an SSE stream attached to the session, reconnecting with
// exponential backoff. Each reconnect presents the last seen event id so
// the server replays anything missed.
func (t *ClientTransport) sseLoop() {
	retries := 0
	delay := t.policy.InitialDelay

	for {
		if t.lifetime.Err() != nil {
			return
		}

		connected, err := t.streamOnce()
		if t.lifetime.Err() != nil {
			return
		}
		if connected {
			retries = 0
			delay = t.policy.InitialDelay
		}
		if err != nil {
			t.log.Warn("sse.stream.drop", slog.String("err", err.Error()))
		}

		retries++
		if t.policy.MaxRetries > 0 && retries > t.policy.MaxRetries {
			t.log.Error("sse.reconnect.abandoned", slog.Int("retries", retries-1))
			t.reportError(fmt.Errorf("gave up reconnecting after %d attempts", retries-1))
			_ = t.Close()
			return
		}

		select {
		case <-time.After(delay):
		case <-t.lifetime.Done():
			return
		}
		delay = time.Duration(float64(delay) * t.policy.GrowthFactor)
		if t.policy.MaxDelay > 0 && delay > t.policy.MaxDelay {
			delay = t.policy.MaxDelay
		}
	}
}

// streamOnce attaches one SSE stream and pumps events until it drops.
// connected reports whether the attach itself succeeded, which resets the
// backoff.
func (t *ClientTransport) streamOnce() (connected bool, err error) {
	t.mu.Lock()
	sessionID := t.sessionID
	lastEventID := t.lastEventID
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(t.lifetime, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(mcpSessionIDHeader, sessionID)
	req.Header.Set(protocolVersionHeader, mcp.LatestProtocolVersion)
	if lastEventID != "" {
		req.Header.Set(lastEventIDHeader, lastEventID)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("stream rejected with status %d", resp.StatusCode)
	}

	t.log.Debug("sse.stream.attach", slog.String("session_id", sessionID), slog.String("last_event_id", lastEventID))

	for ev, rerr := range sse.Read(resp.Body, nil) {
		if rerr != nil {
			if errors.Is(rerr, context.Canceled) {
				return true, nil
			}
			return true, rerr
		}
		if ev.LastEventID != "" {
			t.mu.Lock()
			t.lastEventID = ev.LastEventID
			t.mu.Unlock()
		}
		if ev.Data != "" {
			t.deliver([]byte(ev.Data))
		}
	}
	return true, nil
}
