package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leehack/mcp-go/internal/logctx"
	"github.com/leehack/mcp-go/jsonrpc"
	"github.com/leehack/mcp-go/mcp"
)

// RequestHandler serves one inbound request method. The returned value is
// marshaled as the JSON-RPC result; a returned *jsonrpc.Error goes to the
// wire as-is, any other error is mapped to an internal error response. The
// context is cancelled when the peer sends notifications/cancelled for the
// request or the connection closes.
type RequestHandler func(ctx context.Context, req *jsonrpc.Request) (any, error)

// NotificationHandler serves one inbound notification method.
type NotificationHandler func(ctx context.Context, notif *jsonrpc.Request)

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger used for connection-level events.
func WithLogger(log *slog.Logger) Option {
	return func(c *Conn) {
		c.log = log
	}
}

// WithDefaultTimeout sets the timeout applied to requests that do not carry
// their own. Zero means no default timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.defaultTimeout = d
	}
}

// RequestOption configures a single outbound request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	timeout    time.Duration
	hasTimeout bool
	onProgress func(mcp.ProgressNotificationParams)
}

// WithTimeout bounds how long the caller waits for a response. On expiry
// the request fails with ErrRequestTimeout and a cancellation notification
// is sent to the peer as a courtesy.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = d
		o.hasTimeout = true
	}
}

// WithProgress attaches a progress sink to the request. A progress token is
// injected into the request's _meta and matching notifications/progress
// messages are routed to fn until the request completes. Params must be an
// object (or nil) for the token to have somewhere to live.
func WithProgress(fn func(mcp.ProgressNotificationParams)) RequestOption {
	return func(o *requestOptions) {
		o.onProgress = fn
	}
}

type pendingRequest struct {
	id     int64
	done   chan struct{}
	result json.RawMessage
	err    error
}

// Conn is the request lifecycle manager for one logical connection. It is
// the sole owner of the pending-request table; the send path (callers) and
// the receive path (the transport's delivery callback) are synchronized on
// an internal mutex.
//
// Handler registration is expected to happen before traffic flows;
// replacing a registration replaces, never stacks.
type Conn struct {
	transport      Transport
	log            *slog.Logger
	defaultTimeout time.Duration

	nextID atomic.Int64

	mu       sync.Mutex
	started  bool
	closed   bool
	pending  map[int64]*pendingRequest
	progress map[int64]func(mcp.ProgressNotificationParams)
	inbound  map[string]context.CancelFunc

	handlersMu   sync.RWMutex
	reqHandlers  map[string]RequestHandler
	noteHandlers map[string]NotificationHandler

	lifetime context.Context
	cancel   context.CancelFunc
}

// NewConn wraps a transport in a Conn. Call Start to begin traffic.
func NewConn(transport Transport, opts ...Option) *Conn {
	lifetime, cancel := context.WithCancel(context.Background())
	c := &Conn{
		transport:    transport,
		log:          slog.Default(),
		pending:      make(map[int64]*pendingRequest),
		progress:     make(map[int64]func(mcp.ProgressNotificationParams)),
		inbound:      make(map[string]context.CancelFunc),
		reqHandlers:  make(map[string]RequestHandler),
		noteHandlers: make(map[string]NotificationHandler),
		lifetime:     lifetime,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start wires the transport callbacks and starts the transport.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	c.transport.OnMessage(c.handlePayload)
	c.transport.OnError(func(err error) {
		c.log.ErrorContext(c.lifetime, "rpc.transport.fault", slog.String("err", err.Error()))
	})
	c.transport.OnClose(c.handleTransportClosed)
	return c.transport.Start(ctx)
}

// Close shuts the transport down. Every outstanding request fails with
// ErrConnectionClosed. Safe to call more than once.
func (c *Conn) Close() error {
	err := c.transport.Close()
	c.handleTransportClosed()
	return err
}

// Done is closed when the connection reaches its terminal state.
func (c *Conn) Done() <-chan struct{} {
	return c.lifetime.Done()
}

// OnRequest registers the handler for an inbound request method, replacing
// any previous registration.
func (c *Conn) OnRequest(method string, h RequestHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if h == nil {
		delete(c.reqHandlers, method)
		return
	}
	c.reqHandlers[method] = h
}

// OnNotification registers the handler for an inbound notification method,
// replacing any previous registration.
func (c *Conn) OnNotification(method string, h NotificationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if h == nil {
		delete(c.noteHandlers, method)
		return
	}
	c.noteHandlers[method] = h
}

// Request sends a request and waits for the matching response. It returns
// the raw result on success, the peer's *jsonrpc.Error on an error
// response, ErrRequestTimeout on deadline expiry, the context's error on
// caller cancellation, or ErrConnectionClosed if the connection dies first.
// Timeout and caller cancellation both notify the peer best-effort.
func (c *Conn) Request(ctx context.Context, method string, params any, opts ...RequestOption) (json.RawMessage, error) {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !o.hasTimeout {
		o.timeout = c.defaultTimeout
	}

	id := c.nextID.Add(1)

	if o.onProgress != nil {
		withToken, err := injectProgressToken(params, id)
		if err != nil {
			return nil, err
		}
		params = withToken
	}

	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), method, params)
	if err != nil {
		return nil, err
	}

	pr := &pendingRequest{id: id, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[id] = pr
	if o.onProgress != nil {
		c.progress[id] = o.onProgress
	}
	c.mu.Unlock()

	if err := c.sendMessage(ctx, req); err != nil {
		c.removePending(id)
		return nil, err
	}

	var timeout <-chan time.Time
	if o.timeout > 0 {
		timer := time.NewTimer(o.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-pr.done:
		return pr.result, pr.err
	case <-timeout:
		if c.removePending(id) {
			c.notifyCancelled(id, "timeout")
			return nil, ErrRequestTimeout
		}
		<-pr.done
		return pr.result, pr.err
	case <-ctx.Done():
		if c.removePending(id) {
			c.notifyCancelled(id, "cancelled by caller")
			return nil, ctx.Err()
		}
		<-pr.done
		return pr.result, pr.err
	case <-c.lifetime.Done():
		return nil, ErrConnectionClosed
	}
}

// Notify sends a fire-and-forget notification. No correlation state is
// created.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	notif, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.sendMessage(ctx, notif)
}

// Respond sends a response for an inbound request. Exposed for handlers
// that complete asynchronously; most handlers just return from their
// RequestHandler instead.
func (c *Conn) Respond(ctx context.Context, resp *jsonrpc.Response) error {
	return c.sendMessage(ctx, resp)
}

func (c *Conn) sendMessage(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.mu.Unlock()
	return c.transport.Send(ctx, data)
}

func (c *Conn) handlePayload(raw jsonrpc.Message) {
	msgs, err := jsonrpc.Decode(raw)
	if err != nil {
		c.log.WarnContext(c.lifetime, "rpc.decode.fail", slog.String("err", err.Error()))
		var rpcErr *jsonrpc.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &jsonrpc.Error{Code: jsonrpc.ErrorCodeParseError, Message: err.Error()}
		}
		// Per JSON-RPC 2.0 an error for an unparseable payload carries a
		// null id.
		resp := jsonrpc.NewErrorResponse(jsonrpc.NewRequestID(nil), rpcErr.Code, rpcErr.Message, nil)
		if serr := c.sendMessage(c.lifetime, resp); serr != nil && !errors.Is(serr, ErrConnectionClosed) {
			c.log.WarnContext(c.lifetime, "rpc.send.fail", slog.String("err", serr.Error()))
		}
		return
	}
	for i := range msgs {
		c.dispatch(&msgs[i])
	}
}

func (c *Conn) dispatch(msg *jsonrpc.AnyMessage) {
	switch msg.Type() {
	case "response":
		c.resolvePending(msg.AsResponse())
	case "notification":
		c.dispatchNotification(msg.AsRequest())
	case "request":
		go c.serveRequest(msg.AsRequest())
	}
}

func (c *Conn) resolvePending(resp *jsonrpc.Response) {
	id, ok := resp.ID.Value().(int64)
	if !ok {
		c.log.WarnContext(c.lifetime, "rpc.response.unmatched", slog.String("id", resp.ID.String()))
		return
	}

	c.mu.Lock()
	pr, found := c.pending[id]
	if found {
		delete(c.pending, id)
		delete(c.progress, id)
	}
	c.mu.Unlock()

	if !found {
		// Late or never-issued id. Dropped, never matched to the wrong
		// caller.
		c.log.WarnContext(c.lifetime, "rpc.response.unmatched", slog.Int64("id", id))
		return
	}

	if resp.Error != nil {
		pr.err = resp.Error
	} else {
		pr.result = resp.Result
	}
	close(pr.done)
}

func (c *Conn) dispatchNotification(notif *jsonrpc.Request) {
	switch mcp.Method(notif.Method) {
	case mcp.ProgressNotificationMethod:
		c.routeProgress(notif)
		return
	case mcp.CancelledNotificationMethod:
		c.cancelInbound(notif)
		return
	}

	ctx := logctx.WithRPCMessage(c.lifetime, &logctx.RPCMessage{
		Method: notif.Method,
		Type:   "notification",
	})
	c.handlersMu.RLock()
	h := c.noteHandlers[notif.Method]
	c.handlersMu.RUnlock()
	if h == nil {
		c.log.DebugContext(ctx, "rpc.notification.unhandled", slog.String("method", notif.Method))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.ErrorContext(ctx, "rpc.handler.panic", slog.String("method", notif.Method), slog.Any("panic", r))
		}
	}()
	h(ctx, notif)
}

func (c *Conn) routeProgress(notif *jsonrpc.Request) {
	var params mcp.ProgressNotificationParams
	if err := json.Unmarshal(notif.Params, &params); err != nil {
		c.log.WarnContext(c.lifetime, "rpc.progress.malformed", slog.String("err", err.Error()))
		return
	}
	token, ok := numericToken(params.ProgressToken)
	if !ok {
		c.log.DebugContext(c.lifetime, "rpc.progress.unmatched", slog.Any("token", params.ProgressToken))
		return
	}

	c.mu.Lock()
	sink := c.progress[token]
	c.mu.Unlock()
	if sink == nil {
		c.log.DebugContext(c.lifetime, "rpc.progress.unmatched", slog.Int64("token", token))
		return
	}
	sink(params)
}

func (c *Conn) cancelInbound(notif *jsonrpc.Request) {
	var params mcp.CancelledNotification
	if err := json.Unmarshal(notif.Params, &params); err != nil {
		c.log.WarnContext(c.lifetime, "rpc.cancel.malformed", slog.String("err", err.Error()))
		return
	}
	key, ok := anyIDKey(params.RequestID)
	if !ok {
		return
	}

	c.mu.Lock()
	cancel := c.inbound[key]
	c.mu.Unlock()
	if cancel != nil {
		// Advisory. The handler's context is cancelled but work already in
		// flight is not forcibly stopped.
		cancel()
	}
}

func (c *Conn) serveRequest(req *jsonrpc.Request) {
	ctx, cancel := context.WithCancel(c.lifetime)
	defer cancel()
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
		Type:   "request",
	})

	key := requestIDKey(req.ID)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.inbound[key] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inbound, key)
		c.mu.Unlock()
	}()

	c.handlersMu.RLock()
	h := c.reqHandlers[req.Method]
	c.handlersMu.RUnlock()

	var resp *jsonrpc.Response
	if h == nil {
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	} else {
		resp = c.invokeHandler(ctx, h, req)
	}
	if resp == nil {
		return
	}

	if err := c.sendMessage(c.lifetime, resp); err != nil && !errors.Is(err, ErrConnectionClosed) {
		c.log.WarnContext(ctx, "rpc.send.fail",
			slog.String("method", req.Method),
			slog.String("err", err.Error()))
	}
}

// invokeHandler runs a request handler, converting panics and plain errors
// into error responses so one failing handler never corrupts the
// connection.
func (c *Conn) invokeHandler(ctx context.Context, h RequestHandler, req *jsonrpc.Request) (resp *jsonrpc.Response) {
	defer func() {
		if r := recover(); r != nil {
			c.log.ErrorContext(ctx, "rpc.handler.panic", slog.String("method", req.Method), slog.Any("panic", r))
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
	}()

	result, err := h(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeRequestCancelled, "request cancelled", nil)
		}
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}

	okResp, merr := jsonrpc.NewResultResponse(req.ID, result)
	if merr != nil {
		c.log.ErrorContext(ctx, "rpc.result.marshal.fail", slog.String("method", req.Method), slog.String("err", merr.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode result", nil)
	}
	return okResp
}

// removePending deletes a pending request if still outstanding, reporting
// whether this caller won the race against the receive path.
func (c *Conn) removePending(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	delete(c.progress, id)
	return true
}

func (c *Conn) notifyCancelled(id int64, reason string) {
	params := mcp.CancelledNotification{RequestID: id, Reason: reason}
	notif, err := jsonrpc.NewNotification(string(mcp.CancelledNotificationMethod), params)
	if err != nil {
		return
	}
	// Best effort. Delivery is neither awaited nor guaranteed.
	if serr := c.sendMessage(c.lifetime, notif); serr != nil && !errors.Is(serr, ErrConnectionClosed) {
		c.log.DebugContext(c.lifetime, "rpc.cancel.notify.fail", slog.Int64("id", id), slog.String("err", serr.Error()))
	}
}

func (c *Conn) handleTransportClosed() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stranded := c.pending
	c.pending = make(map[int64]*pendingRequest)
	c.progress = make(map[int64]func(mcp.ProgressNotificationParams))
	c.inbound = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	for _, pr := range stranded {
		pr.err = ErrConnectionClosed
		close(pr.done)
	}

	c.handlersMu.Lock()
	c.reqHandlers = make(map[string]RequestHandler)
	c.noteHandlers = make(map[string]NotificationHandler)
	c.handlersMu.Unlock()

	c.cancel()
}

// injectProgressToken returns the request params with _meta.progressToken
// set to the request id. Params must marshal to a JSON object or be nil.
func injectProgressToken(params any, id int64) (any, error) {
	if params == nil {
		return map[string]any{"_meta": map[string]any{"progressToken": id}}, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("progress requires object params: %w", err)
	}
	meta, _ := obj["_meta"].(map[string]any)
	if meta == nil {
		meta = make(map[string]any)
	}
	meta["progressToken"] = id
	obj["_meta"] = meta
	return obj, nil
}

// numericToken normalizes a decoded progress token to the int64 form used
// as the progress-map key. String tokens belong to the peer's own requests
// and never match ours.
func numericToken(token any) (int64, bool) {
	switch v := token.(type) {
	case int64:
		return v, true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
	}
	return 0, false
}

// requestIDKey builds the inbound-request map key for a wire id. String and
// numeric ids occupy distinct key spaces.
func requestIDKey(id *jsonrpc.RequestID) string {
	if _, isStr := id.Value().(string); isStr {
		return "s:" + id.String()
	}
	return "n:" + id.String()
}

// anyIDKey normalizes the requestId field of a cancellation notification,
// which decodes as a bare string or number.
func anyIDKey(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return "s:" + val, true
	case float64:
		if val == float64(int64(val)) {
			return "n:" + strconv.FormatInt(int64(val), 10), true
		}
		return "n:" + strconv.FormatFloat(val, 'f', -1, 64), true
	case int64:
		return "n:" + strconv.FormatInt(val, 10), true
	case int:
		return "n:" + strconv.Itoa(val), true
	default:
		return "", false
	}
}
