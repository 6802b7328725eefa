// Package server is the high-level MCP server facade. A Server holds the
// registries (tools, resources, prompts, completions, tasks) and binds them
// onto protocol connections: directly over a local stream via Serve, or per
// HTTP session via Bind as a streaminghttp.BindFunc.
//
// Capabilities advertised during initialize follow from what is registered:
// a server with no prompts does not advertise the prompts capability, and
// the corresponding methods answer with method-not-found.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/leehack/mcp-go/jsonrpc"
	"github.com/leehack/mcp-go/mcp"
	"github.com/leehack/mcp-go/protocol"
	"github.com/leehack/mcp-go/sessions"
)

const defaultPageSize = 50

// Option configures a Server.
type Option func(*Server)

// WithServerInfo sets the implementation info returned during initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(s *Server) { s.info = info }
}

// WithInstructions sets the human-readable usage instructions returned
// during initialize.
func WithInstructions(instructions string) Option {
	return func(s *Server) { s.instructions = instructions }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithPageSize sets the page size for list operations.
func WithPageSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithConnectFunc installs a callback invoked whenever a client completes
// the initialize handshake. The handle stays valid until the connection
// closes.
func WithConnectFunc(fn func(cc *ClientConn)) Option {
	return func(s *Server) { s.onConnect = fn }
}

// Server is a reusable MCP server definition. One Server may be bound to
// many concurrent connections; registries are shared, per-client state (log
// level, subscriptions, negotiated capabilities) lives on the ClientConn.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	log          *slog.Logger
	pageSize     int
	onConnect    func(cc *ClientConn)

	mu        sync.RWMutex
	tools     []*registeredTool
	resources []*registeredResource
	templates []mcp.ResourceTemplate
	prompts   []*registeredPrompt
	complete  CompletionFunc

	tasks *taskManager

	connsMu sync.Mutex
	conns   map[*protocol.Conn]*ClientConn
}

// New builds a Server.
func New(opts ...Option) *Server {
	s := &Server{
		info:     mcp.ImplementationInfo{Name: "mcp-go", Version: "dev"},
		log:      slog.Default(),
		pageSize: defaultPageSize,
		conns:    map[*protocol.Conn]*ClientConn{},
	}
	s.tasks = newTaskManager(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ClientConn is the server's view of one connected client: the protocol
// connection plus per-client negotiated state. Tool, resource, and prompt
// handlers receive the ClientConn of the calling client and may use it for
// server-initiated requests (sampling, elicitation, roots).
type ClientConn struct {
	srv     *Server
	conn    *protocol.Conn
	session *sessions.Session

	mu            sync.Mutex
	initialized   bool
	clientCaps    mcp.ClientCapabilities
	clientInfo    mcp.ImplementationInfo
	logLevel      mcp.LoggingLevel
	subscriptions map[string]struct{}
}

// Session returns the transport session, or nil for direct local-stream
// connections.
func (cc *ClientConn) Session() *sessions.Session { return cc.session }

// ClientInfo returns the implementation info the client sent during
// initialize.
func (cc *ClientConn) ClientInfo() mcp.ImplementationInfo {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.clientInfo
}

// ClientCapabilities returns the capabilities the client advertised.
func (cc *ClientConn) ClientCapabilities() mcp.ClientCapabilities {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.clientCaps
}

// Bind attaches the server's handlers to a connection. It has the
// streaminghttp.BindFunc shape; sess may be nil for non-HTTP transports.
func (s *Server) Bind(sess *sessions.Session, conn *protocol.Conn) {
	cc := &ClientConn{
		srv:           s,
		conn:          conn,
		session:       sess,
		logLevel:      mcp.LoggingLevelInfo,
		subscriptions: map[string]struct{}{},
	}
	s.connsMu.Lock()
	s.conns[conn] = cc
	s.connsMu.Unlock()
	go func() {
		<-conn.Done()
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
	}()

	conn.OnRequest(string(mcp.InitializeMethod), cc.handleInitialize)
	conn.OnNotification(string(mcp.InitializedNotificationMethod), cc.handleInitialized)
	conn.OnRequest(string(mcp.PingMethod), func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		return &mcp.EmptyResult{}, nil
	})

	conn.OnRequest(string(mcp.ToolsListMethod), gated(cc, s.handleListTools))
	conn.OnRequest(string(mcp.ToolsCallMethod), gated(cc, s.handleCallTool))

	conn.OnRequest(string(mcp.ResourcesListMethod), gated(cc, s.handleListResources))
	conn.OnRequest(string(mcp.ResourcesReadMethod), gated(cc, s.handleReadResource))
	conn.OnRequest(string(mcp.ResourcesTemplatesListMethod), gated(cc, s.handleListResourceTemplates))
	conn.OnRequest(string(mcp.ResourcesSubscribeMethod), gated(cc, s.handleSubscribe))
	conn.OnRequest(string(mcp.ResourcesUnsubscribeMethod), gated(cc, s.handleUnsubscribe))

	conn.OnRequest(string(mcp.PromptsListMethod), gated(cc, s.handleListPrompts))
	conn.OnRequest(string(mcp.PromptsGetMethod), gated(cc, s.handleGetPrompt))

	conn.OnRequest(string(mcp.CompletionCompleteMethod), gated(cc, s.handleComplete))
	conn.OnRequest(string(mcp.LoggingSetLevelMethod), gated(cc, s.handleSetLevel))

	conn.OnRequest(string(mcp.TasksListMethod), gated(cc, s.tasks.handleList))
	conn.OnRequest(string(mcp.TasksGetMethod), gated(cc, s.tasks.handleGet))
	conn.OnRequest(string(mcp.TasksCancelMethod), gated(cc, s.tasks.handleCancel))
	conn.OnRequest(string(mcp.TasksResultMethod), gated(cc, s.tasks.handleResult))
}

// Serve binds the server to a transport and blocks until the connection
// closes or ctx is cancelled. Used for local stream serving where there is
// no session registry.
func (s *Server) Serve(ctx context.Context, t protocol.Transport) error {
	conn := protocol.NewConn(t, protocol.WithLogger(s.log))
	s.Bind(nil, conn)
	if err := conn.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	case <-conn.Done():
		return nil
	}
}

// gated wraps a handler so it only runs after the initialize handshake
// completed.
func gated(cc *ClientConn, h func(ctx context.Context, cc *ClientConn, req *jsonrpc.Request) (any, error)) protocol.RequestHandler {
	return func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		cc.mu.Lock()
		ok := cc.initialized
		cc.mu.Unlock()
		if !ok {
			return nil, &jsonrpc.Error{
				Code:    jsonrpc.ErrorCodeInvalidRequest,
				Message: "session not initialized",
			}
		}
		return h(ctx, cc, req)
	}
}

func (cc *ClientConn) handleInitialize(ctx context.Context, req *jsonrpc.Request) (any, error) {
	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "malformed initialize params"}
		}
	}
	if params.ProtocolVersion != mcp.LatestProtocolVersion {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.ErrorCodeInvalidParams,
			Message: fmt.Sprintf("unsupported protocol version %q", params.ProtocolVersion),
			Data:    map[string]any{"supported": []string{mcp.LatestProtocolVersion}},
		}
	}

	cc.mu.Lock()
	cc.clientCaps = params.Capabilities
	cc.clientInfo = params.ClientInfo
	cc.mu.Unlock()

	cc.srv.log.InfoContext(ctx, "server.initialize.ok",
		slog.String("client", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version))

	return &mcp.InitializeResult{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities:    cc.srv.capabilities(),
		ServerInfo:      cc.srv.info,
		Instructions:    cc.srv.instructions,
	}, nil
}

func (cc *ClientConn) handleInitialized(ctx context.Context, notif *jsonrpc.Request) {
	cc.mu.Lock()
	cc.initialized = true
	cc.mu.Unlock()
	if fn := cc.srv.onConnect; fn != nil {
		fn(cc)
	}
}

func (s *Server) capabilities() mcp.ServerCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	caps := mcp.ServerCapabilities{
		Logging: &struct{}{},
		Tasks:   &struct{}{},
	}
	if len(s.tools) > 0 {
		caps.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: true}
	}
	if len(s.resources) > 0 || len(s.templates) > 0 {
		caps.Resources = &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{ListChanged: true, Subscribe: true}
	}
	if len(s.prompts) > 0 {
		caps.Prompts = &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: true}
	}
	if s.complete != nil {
		caps.Completions = &struct{}{}
	}
	return caps
}

// clients snapshots the currently bound connections.
func (s *Server) clients() []*ClientConn {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	out := make([]*ClientConn, 0, len(s.conns))
	for _, cc := range s.conns {
		out = append(out, cc)
	}
	return out
}

// broadcast sends a notification to every initialized client.
func (s *Server) broadcast(ctx context.Context, method mcp.Method, params any) {
	for _, cc := range s.clients() {
		cc.mu.Lock()
		ready := cc.initialized
		cc.mu.Unlock()
		if !ready {
			continue
		}
		if err := cc.conn.Notify(ctx, string(method), params); err != nil {
			s.log.WarnContext(ctx, "server.notify.fail",
				slog.String("method", string(method)),
				slog.String("err", err.Error()))
		}
	}
}

// page slices a window out of a full listing using decimal-index cursors.
func page[T any](items []T, cursor string, size int) ([]T, string, error) {
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(items) {
			return nil, "", &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid cursor"}
		}
		start = n
	}
	end := min(start+size, len(items))
	next := ""
	if end < len(items) {
		next = strconv.Itoa(end)
	}
	return items[start:end], next, nil
}

func decodeParams[T any](req *jsonrpc.Request) (*T, error) {
	out := new(T)
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, out); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "malformed params: " + err.Error()}
		}
	}
	return out, nil
}
