package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/leehack/mcp-go/auth"
	"github.com/leehack/mcp-go/eventstore"
	"github.com/leehack/mcp-go/eventstore/memory"
	"github.com/leehack/mcp-go/internal/logctx"
	"github.com/leehack/mcp-go/jsonrpc"
	"github.com/leehack/mcp-go/mcp"
	"github.com/leehack/mcp-go/protocol"
	"github.com/leehack/mcp-go/sessions"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader     = "Last-Event-ID"
	mcpSessionIDHeader    = "Mcp-Session-Id"
	protocolVersionHeader = "MCP-Protocol-Version"

	maxBodyBytes = 8 << 20
)

// BindFunc wires a freshly created session's connection: the server facade
// registers its request and notification handlers here, before any message
// is dispatched.
type BindFunc func(sess *sessions.Session, conn *protocol.Conn)

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithEventStore sets the store backing session resumption. Defaults to the
// in-memory store.
func WithEventStore(store eventstore.Store) HandlerOption {
	return func(h *Handler) {
		h.store = store
	}
}

// WithAuthenticator requires every request to carry a bearer token the
// authenticator accepts. Without it the handler runs unauthenticated.
func WithAuthenticator(a auth.Authenticator) HandlerOption {
	return func(h *Handler) {
		h.authn = a
	}
}

// WithSessionIdleTimeout evicts sessions with no traffic for d.
func WithSessionIdleTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.idleTimeout = d
	}
}

// WithLogger sets the logger for transport events.
func WithLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.log = log
	}
}

// Handler is the server side of the streaming HTTP transport. It owns the
// session registry and the event store; per-session protocol state lives in
// one protocol.Conn per session, created on initialize and bound by the
// BindFunc.
type Handler struct {
	bind        BindFunc
	store       eventstore.Store
	authn       auth.Authenticator
	idleTimeout time.Duration
	log         *slog.Logger

	registry *sessions.Registry

	mu    sync.Mutex
	conns map[string]*sessionConn
}

type sessionConn struct {
	sess *sessions.Session
	conn *protocol.Conn
	tr   *sessionTransport
}

var _ http.Handler = (*Handler)(nil)

// NewHandler builds the transport handler. bind must not be nil.
func NewHandler(bind BindFunc, opts ...HandlerOption) *Handler {
	h := &Handler{
		bind:  bind,
		store: memory.New(),
		log:   slog.Default(),
		conns: make(map[string]*sessionConn),
	}
	for _, opt := range opts {
		opt(h)
	}

	regOpts := []sessions.RegistryOption{
		sessions.WithLogger(h.log),
		sessions.WithEvictionCallback(h.evictSession),
	}
	if h.idleTimeout > 0 {
		regOpts = append(regOpts, sessions.WithIdleTimeout(h.idleTimeout))
	}
	h.registry = sessions.NewRegistry(regOpts...)
	return h
}

// Close tears down every session and stops the registry.
func (h *Handler) Close() error {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*sessionConn)
	h.mu.Unlock()

	for id, sc := range conns {
		_ = sc.conn.Close()
		_ = h.store.Drop(context.Background(), id)
	}
	h.registry.Close()
	return nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	r = r.WithContext(ctx)

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "http.post.content_type.unsupported")
		return
	}

	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		h.log.WarnContext(ctx, "http.post.body.fail", slog.String("err", err.Error()))
		return
	}

	msgs, err := jsonrpc.Decode(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC payload: "+err.Error())
		h.log.WarnContext(ctx, "http.post.decode.fail", slog.String("err", err.Error()))
		return
	}
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	isBatch := len(trimmed) > 0 && trimmed[0] == '['

	var sc *sessionConn
	if sessID := r.Header.Get(mcpSessionIDHeader); sessID == "" {
		sc, err = h.establishSession(ctx, msgs, userID)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			h.log.WarnContext(ctx, "session.establish.fail", slog.String("err", err.Error()))
			return
		}
		w.Header().Set(mcpSessionIDHeader, sc.sess.ID)
	} else {
		sess, gerr := h.registry.Get(sessID)
		if gerr != nil {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessID))
			return
		}
		sc = h.connFor(sess)
	}
	if v := sc.sess.ProtocolVersion; v != "" {
		w.Header().Set(protocolVersionHeader, v)
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sc.sess.ID,
		UserID:          userID,
		ProtocolVersion: sc.sess.ProtocolVersion,
	})

	// Responses to the posted requests come back on this POST; everything
	// else the session emits goes through the event store.
	var requestKeys []string
	seen := make(map[string]struct{}, len(msgs))
	for i := range msgs {
		if msgs[i].Type() != "request" {
			continue
		}
		key := responseKey(msgs[i].ID)
		if _, dup := seen[key]; dup {
			writeJSONError(w, http.StatusBadRequest, "duplicate request id in batch")
			h.log.WarnContext(ctx, "http.post.batch.duplicate_id", slog.String("id", msgs[i].ID.String()))
			return
		}
		seen[key] = struct{}{}
		requestKeys = append(requestKeys, key)
	}
	waiter := sc.tr.interceptResponses(requestKeys)
	defer sc.tr.releaseResponses(requestKeys)

	sc.tr.deliver(body)

	if len(requestKeys) == 0 {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.accepted")
		return
	}

	collected := make(map[string]json.RawMessage, len(requestKeys))
	for len(collected) < len(requestKeys) {
		select {
		case captured := <-waiter:
			collected[captured.key] = json.RawMessage(captured.payload)
		case <-ctx.Done():
			// The client went away; remaining responses drain to the event
			// store once the interceptors are released.
			h.log.InfoContext(ctx, "http.post.abandoned")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !isBatch {
		_, _ = w.Write(collected[requestKeys[0]])
		h.log.InfoContext(ctx, "http.post.ok")
		return
	}
	ordered := make([]json.RawMessage, 0, len(requestKeys))
	for _, key := range requestKeys {
		ordered = append(ordered, collected[key])
	}
	_ = json.NewEncoder(w).Encode(ordered)
	h.log.InfoContext(ctx, "http.post.ok", slog.Int("batch", len(ordered)))
}

// establishSession handles first contact: the payload must be a single
// initialize request.
func (h *Handler) establishSession(ctx context.Context, msgs []jsonrpc.AnyMessage, userID string) (*sessionConn, error) {
	if len(msgs) != 1 || msgs[0].Type() != "request" || mcp.Method(msgs[0].Method) != mcp.InitializeMethod {
		return nil, errors.New("first contact must be a single initialize request")
	}

	var params mcp.InitializeRequest
	if len(msgs[0].Params) > 0 {
		if err := json.Unmarshal(msgs[0].Params, &params); err != nil {
			return nil, fmt.Errorf("malformed initialize params: %w", err)
		}
	}
	// Check the version before a session exists so a failed handshake
	// leaves nothing registered behind.
	if params.ProtocolVersion != mcp.LatestProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %q", params.ProtocolVersion)
	}

	sess, err := h.registry.Create(params.ProtocolVersion, params.ClientInfo, params.Capabilities, userID)
	if err != nil {
		return nil, err
	}
	h.log.InfoContext(ctx, "session.establish.ok", slog.String("session_id", sess.ID))
	return h.connFor(sess), nil
}

// connFor returns the session's live connection, creating and binding it on
// first use.
func (h *Handler) connFor(sess *sessions.Session) *sessionConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sc, ok := h.conns[sess.ID]; ok {
		return sc
	}

	tr := &sessionTransport{
		store:        h.store,
		sessionID:    sess.ID,
		log:          h.log,
		interceptors: make(map[string]chan<- capturedResponse),
	}
	conn := protocol.NewConn(tr, protocol.WithLogger(h.log))
	h.bind(sess, conn)
	// The transport is in-process and never fails to start.
	_ = conn.Start(context.Background())

	sc := &sessionConn{sess: sess, conn: conn, tr: tr}
	h.conns[sess.ID] = sc
	return sc
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		h.log.WarnContext(ctx, "http.get.accept.unsupported")
		return
	}

	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	sess, err := h.registry.Get(sessID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessID))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID,
		UserID:          userID,
		ProtocolVersion: sess.ProtocolVersion,
	})

	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	stream, err := h.store.Subscribe(ctx, sess.ID, r.Header.Get(lastEventIDHeader))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		h.log.WarnContext(ctx, "sse.subscribe.fail", slog.String("err", err.Error()))
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	if v := sess.ProtocolVersion; v != "" {
		w.Header().Set(protocolVersionHeader, v)
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	h.log.InfoContext(ctx, "sse.stream.start")

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				h.log.InfoContext(ctx, "sse.stream.end")
			} else {
				h.log.WarnContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
			}
			return
		}
		if err := writeSSEEvent(w, ev.ID, ev.Data); err != nil {
			h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
		flusher.Flush()
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, ok := h.authenticate(w, r); !ok {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		return
	}
	if err := h.registry.Delete(sessID); err != nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.delete.miss", slog.String("session_id", sessID))
		return
	}
	h.teardownSession(sessID)
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "session.delete.ok", slog.String("session_id", sessID))
}

// evictSession is the registry's idle-eviction callback.
func (h *Handler) evictSession(sessionID string) {
	h.teardownSession(sessionID)
}

func (h *Handler) teardownSession(sessionID string) {
	h.mu.Lock()
	sc, ok := h.conns[sessionID]
	delete(h.conns, sessionID)
	h.mu.Unlock()
	if ok {
		_ = sc.conn.Close()
	}
	_ = h.store.Drop(context.Background(), sessionID)
}

// authenticate resolves the request's principal. With no authenticator
// configured every request passes with an empty user id.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.authn == nil {
		return "", true
	}
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	user, err := h.authn.CheckAuthentication(r.Context(), tok)
	if err != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		h.log.InfoContext(r.Context(), "auth.fail")
		return "", false
	}
	return user.UserID(), true
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeSSEEvent(w io.Writer, id string, data []byte) error {
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	for _, line := range strings.Split(string(data), "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}
