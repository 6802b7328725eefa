package streaminghttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/leehack/mcp-go/eventstore"
	"github.com/leehack/mcp-go/jsonrpc"
	"github.com/leehack/mcp-go/protocol"
)

// capturedResponse is a response redirected to the POST that carried its
// request instead of the event store.
type capturedResponse struct {
	key     string
	payload jsonrpc.Message
}

// sessionTransport is the server-side protocol.Transport for one session.
// Inbound payloads are fed in by POST handlers; outbound payloads go to the
// event store, except responses a POST is currently waiting on, which are
// intercepted and returned on that POST's body.
//
// Append-before-stream ordering is inherited from the event store: a
// message is indexed before any SSE reader can observe it, so replay never
// misses an event.
type sessionTransport struct {
	store     eventstore.Store
	sessionID string
	log       *slog.Logger

	mu           sync.Mutex
	started      bool
	closed       bool
	onMessage    func(jsonrpc.Message)
	onError      func(error)
	onClose      func()
	interceptors map[string]chan<- capturedResponse
}

var _ protocol.Transport = (*sessionTransport)(nil)

func (t *sessionTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return protocol.ErrAlreadyStarted
	}
	t.started = true
	return nil
}

func (t *sessionTransport) Send(ctx context.Context, msg jsonrpc.Message) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return protocol.ErrNotStarted
	}
	if t.closed {
		t.mu.Unlock()
		return protocol.ErrConnectionClosed
	}

	if key, ok := interceptKey(msg); ok {
		if ch, waiting := t.interceptors[key]; waiting {
			delete(t.interceptors, key)
			t.mu.Unlock()
			ch <- capturedResponse{key: key, payload: msg}
			return nil
		}
	}
	t.mu.Unlock()

	if _, err := t.store.Append(ctx, t.sessionID, msg); err != nil {
		return err
	}
	return nil
}

func (t *sessionTransport) OnMessage(fn func(jsonrpc.Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

func (t *sessionTransport) OnError(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = fn
}

func (t *sessionTransport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = fn
}

func (t *sessionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	onClose := t.onClose
	t.interceptors = make(map[string]chan<- capturedResponse)
	t.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return nil
}

// deliver feeds one inbound payload (message or batch) to the connection.
func (t *sessionTransport) deliver(payload []byte) {
	t.mu.Lock()
	onMessage := t.onMessage
	closed := t.closed
	t.mu.Unlock()
	if closed || onMessage == nil {
		t.log.Warn("http.deliver.dropped", slog.String("session_id", t.sessionID))
		return
	}
	onMessage(payload)
}

// interceptResponses routes responses for the given keys to the returned
// channel instead of the event store. The channel is buffered for every
// key, so Send never blocks on a slow POST.
func (t *sessionTransport) interceptResponses(keys []string) <-chan capturedResponse {
	ch := make(chan capturedResponse, len(keys))
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range keys {
		t.interceptors[key] = ch
	}
	return ch
}

// releaseResponses removes any interceptors still registered; responses
// produced afterwards fall through to the event store.
func (t *sessionTransport) releaseResponses(keys []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range keys {
		delete(t.interceptors, key)
	}
}

// interceptKey extracts the interception key from an outbound payload,
// reporting false for anything that is not a response to a single request.
func interceptKey(msg jsonrpc.Message) (string, bool) {
	var any jsonrpc.AnyMessage
	if err := json.Unmarshal(msg, &any); err != nil {
		return "", false
	}
	if any.Type() != "response" || any.ID.IsNil() {
		return "", false
	}
	return responseKey(any.ID), true
}

// responseKey keys a request id for response interception. String and
// numeric ids occupy distinct key spaces.
func responseKey(id *jsonrpc.RequestID) string {
	if _, isStr := id.Value().(string); isStr {
		return "s:" + id.String()
	}
	return "n:" + id.String()
}
