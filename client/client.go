// Package client is the high-level MCP client facade. It wraps a
// protocol.Conn with the initialize handshake, capability gating, and typed
// request methods for every client-to-server operation. Server-initiated
// requests (sampling, elicitation, roots listing) are served by handlers
// installed at construction time; the matching client capability is
// advertised during initialize only when a handler is present.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/leehack/mcp-go/jsonrpc"
	"github.com/leehack/mcp-go/mcp"
	"github.com/leehack/mcp-go/protocol"
)

var (
	// ErrNotInitialized is returned by operations invoked before Connect has
	// completed the initialize handshake.
	ErrNotInitialized = errors.New("client: not initialized")
	// ErrAlreadyConnected is returned by Connect on a client that already
	// completed (or is in the middle of) the handshake.
	ErrAlreadyConnected = errors.New("client: already connected")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("client: closed")
)

// CapabilityError reports an operation attempted against a capability the
// server did not advertise. The request is never sent.
type CapabilityError struct {
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("client: server does not advertise the %s capability", e.Capability)
}

// SamplingHandler serves sampling/createMessage requests from the server.
type SamplingHandler func(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error)

// ElicitationHandler serves elicitation/create requests from the server.
type ElicitationHandler func(ctx context.Context, req *mcp.ElicitRequest) (*mcp.ElicitResult, error)

// RootsProvider serves roots/list requests from the server.
type RootsProvider func(ctx context.Context) ([]mcp.Root, error)

type connState int

const (
	stateUnconnected connState = iota
	stateConnecting
	stateInitialized
	stateClosed
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithClientInfo sets the implementation info sent during initialize.
func WithClientInfo(info mcp.ImplementationInfo) Option {
	return func(c *Client) { c.info = info }
}

// WithSamplingHandler installs a handler for server-initiated sampling and
// advertises the sampling capability.
func WithSamplingHandler(h SamplingHandler) Option {
	return func(c *Client) { c.sampling = h }
}

// WithElicitationHandler installs a handler for server-initiated elicitation
// and advertises the elicitation capability.
func WithElicitationHandler(h ElicitationHandler) Option {
	return func(c *Client) { c.elicitation = h }
}

// WithRootsProvider installs a provider for roots/list and advertises the
// roots capability. NotifyRootsChanged may be used after Connect to signal
// changes.
func WithRootsProvider(p RootsProvider) Option {
	return func(c *Client) { c.roots = p }
}

// WithToolListChangedFunc installs a sink for tool list change
// notifications.
func WithToolListChangedFunc(fn func()) Option {
	return func(c *Client) { c.onToolListChanged = fn }
}

// WithResourceListChangedFunc installs a sink for resource list change
// notifications.
func WithResourceListChangedFunc(fn func()) Option {
	return func(c *Client) { c.onResourceListChanged = fn }
}

// WithResourceUpdatedFunc installs a sink for resource update notifications
// delivered for subscribed URIs.
func WithResourceUpdatedFunc(fn func(uri string)) Option {
	return func(c *Client) { c.onResourceUpdated = fn }
}

// WithPromptListChangedFunc installs a sink for prompt list change
// notifications.
func WithPromptListChangedFunc(fn func()) Option {
	return func(c *Client) { c.onPromptListChanged = fn }
}

// WithLogMessageFunc installs a sink for notifications/message log
// forwarding from the server.
func WithLogMessageFunc(fn func(mcp.LoggingMessageNotification)) Option {
	return func(c *Client) { c.onLogMessage = fn }
}

// WithTaskStatusFunc installs a sink for task status transition
// notifications.
func WithTaskStatusFunc(fn func(mcp.Task)) Option {
	return func(c *Client) { c.onTaskStatus = fn }
}

// Client drives the client half of an MCP connection.
type Client struct {
	conn *protocol.Conn
	log  *slog.Logger
	info mcp.ImplementationInfo

	sampling    SamplingHandler
	elicitation ElicitationHandler
	roots       RootsProvider

	onToolListChanged     func()
	onResourceListChanged func()
	onResourceUpdated     func(uri string)
	onPromptListChanged   func()
	onLogMessage          func(mcp.LoggingMessageNotification)
	onTaskStatus          func(mcp.Task)

	mu           sync.Mutex
	state        connState
	serverCaps   mcp.ServerCapabilities
	serverInfo   mcp.ImplementationInfo
	instructions string
}

// New builds a client over the given transport. The transport must not be
// started; Connect starts it.
func New(t protocol.Transport, opts ...Option) *Client {
	c := &Client{
		log:  slog.Default(),
		info: mcp.ImplementationInfo{Name: "mcp-go", Version: "dev"},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.conn = protocol.NewConn(t, protocol.WithLogger(c.log))
	c.registerHandlers()
	return c
}

func (c *Client) registerHandlers() {
	if c.sampling != nil {
		c.conn.OnRequest(string(mcp.SamplingCreateMessageMethod), func(ctx context.Context, req *jsonrpc.Request) (any, error) {
			var params mcp.CreateMessageRequest
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "malformed createMessage params"}
			}
			return c.sampling(ctx, &params)
		})
	}
	if c.elicitation != nil {
		c.conn.OnRequest(string(mcp.ElicitationCreateMethod), func(ctx context.Context, req *jsonrpc.Request) (any, error) {
			var params mcp.ElicitRequest
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "malformed elicitation params"}
			}
			return c.elicitation(ctx, &params)
		})
	}
	if c.roots != nil {
		c.conn.OnRequest(string(mcp.RootsListMethod), func(ctx context.Context, req *jsonrpc.Request) (any, error) {
			roots, err := c.roots(ctx)
			if err != nil {
				return nil, err
			}
			return &mcp.ListRootsResult{Roots: roots}, nil
		})
	}
	c.conn.OnRequest(string(mcp.PingMethod), func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		return &mcp.EmptyResult{}, nil
	})

	if fn := c.onToolListChanged; fn != nil {
		c.conn.OnNotification(string(mcp.ToolsListChangedNotificationMethod), func(ctx context.Context, req *jsonrpc.Request) {
			fn()
		})
	}
	if fn := c.onResourceListChanged; fn != nil {
		c.conn.OnNotification(string(mcp.ResourcesListChangedNotificationMethod), func(ctx context.Context, req *jsonrpc.Request) {
			fn()
		})
	}
	if fn := c.onResourceUpdated; fn != nil {
		c.conn.OnNotification(string(mcp.ResourcesUpdatedNotificationMethod), func(ctx context.Context, req *jsonrpc.Request) {
			var params mcp.ResourceUpdatedNotification
			if err := json.Unmarshal(req.Params, &params); err != nil {
				c.log.WarnContext(ctx, "client.notification.decode.fail", slog.String("method", req.Method))
				return
			}
			fn(params.URI)
		})
	}
	if fn := c.onPromptListChanged; fn != nil {
		c.conn.OnNotification(string(mcp.PromptsListChangedNotificationMethod), func(ctx context.Context, req *jsonrpc.Request) {
			fn()
		})
	}
	if fn := c.onLogMessage; fn != nil {
		c.conn.OnNotification(string(mcp.LoggingMessageNotificationMethod), func(ctx context.Context, req *jsonrpc.Request) {
			var params mcp.LoggingMessageNotification
			if err := json.Unmarshal(req.Params, &params); err != nil {
				c.log.WarnContext(ctx, "client.notification.decode.fail", slog.String("method", req.Method))
				return
			}
			fn(params)
		})
	}
	if fn := c.onTaskStatus; fn != nil {
		c.conn.OnNotification(string(mcp.TasksStatusNotificationMethod), func(ctx context.Context, req *jsonrpc.Request) {
			var params mcp.TaskStatusNotification
			if err := json.Unmarshal(req.Params, &params); err != nil {
				c.log.WarnContext(ctx, "client.notification.decode.fail", slog.String("method", req.Method))
				return
			}
			fn(params.Task)
		})
	}
}

func (c *Client) capabilities() mcp.ClientCapabilities {
	var caps mcp.ClientCapabilities
	if c.sampling != nil {
		caps.Sampling = &struct{}{}
	}
	if c.elicitation != nil {
		caps.Elicitation = &struct{}{}
	}
	if c.roots != nil {
		caps.Roots = &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: true}
	}
	return caps
}

// Connect starts the transport and performs the initialize handshake. The
// protocol version is hard-checked: a server replying with any version other
// than mcp.LatestProtocolVersion fails the handshake and closes the
// connection.
func (c *Client) Connect(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	switch c.state {
	case stateClosed:
		c.mu.Unlock()
		return nil, ErrClosed
	case stateConnecting, stateInitialized:
		c.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	c.state = stateConnecting
	c.mu.Unlock()

	fail := func(err error) (*mcp.InitializeResult, error) {
		_ = c.conn.Close()
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
		return nil, err
	}

	if err := c.conn.Start(ctx); err != nil {
		return fail(err)
	}

	raw, err := c.conn.Request(ctx, string(mcp.InitializeMethod), mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities:    c.capabilities(),
		ClientInfo:      c.info,
	})
	if err != nil {
		return fail(fmt.Errorf("initialize failed: %w", err))
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fail(fmt.Errorf("malformed initialize result: %w", err))
	}
	if res.ProtocolVersion != mcp.LatestProtocolVersion {
		return fail(fmt.Errorf("protocol version mismatch: server offered %q, this client speaks %q",
			res.ProtocolVersion, mcp.LatestProtocolVersion))
	}

	if err := c.conn.Notify(ctx, string(mcp.InitializedNotificationMethod), nil); err != nil {
		return fail(fmt.Errorf("initialized notification failed: %w", err))
	}

	c.mu.Lock()
	c.state = stateInitialized
	c.serverCaps = res.Capabilities
	c.serverInfo = res.ServerInfo
	c.instructions = res.Instructions
	c.mu.Unlock()
	c.log.InfoContext(ctx, "client.initialize.ok",
		slog.String("server", res.ServerInfo.Name),
		slog.String("server_version", res.ServerInfo.Version))
	return &res, nil
}

// Close tears down the connection. Pending requests fail with
// protocol.ErrConnectionClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
	return c.conn.Close()
}

// Done reports connection teardown, whichever side initiated it.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

// ServerInfo returns the peer's implementation info after Connect.
func (c *Client) ServerInfo() mcp.ImplementationInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ServerCapabilities returns the peer's advertised capabilities after
// Connect.
func (c *Client) ServerCapabilities() mcp.ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCaps
}

// Instructions returns the optional server usage instructions from
// initialize.
func (c *Client) Instructions() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instructions
}

// checkCapability gates an operation on connection state and, when
// capability is non-empty, on the server having advertised it. It runs
// before any bytes leave the client.
func (c *Client) checkCapability(capability string, advertised bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateClosed:
		return ErrClosed
	case stateUnconnected, stateConnecting:
		return ErrNotInitialized
	}
	if capability != "" && !advertised {
		return &CapabilityError{Capability: capability}
	}
	return nil
}

func request[T any](ctx context.Context, c *Client, method mcp.Method, params any, opts ...protocol.RequestOption) (*T, error) {
	raw, err := c.conn.Request(ctx, string(method), params, opts...)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("malformed %s result: %w", method, err)
	}
	return out, nil
}

// Ping checks liveness. It needs no advertised capability.
func (c *Client) Ping(ctx context.Context, opts ...protocol.RequestOption) error {
	if err := c.checkCapability("", false); err != nil {
		return err
	}
	_, err := request[mcp.EmptyResult](ctx, c, mcp.PingMethod, mcp.PingRequest{}, opts...)
	return err
}

// ListTools fetches one page of the server's tools.
func (c *Client) ListTools(ctx context.Context, cursor string, opts ...protocol.RequestOption) (*mcp.ListToolsResult, error) {
	if err := c.checkCapability("tools", c.ServerCapabilities().Tools != nil); err != nil {
		return nil, err
	}
	params := mcp.ListToolsRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}}
	return request[mcp.ListToolsResult](ctx, c, mcp.ToolsListMethod, params, opts...)
}

// CallTool invokes a tool by name. Arguments marshal to the tool's input;
// pass protocol.WithProgress to stream progress for long-running tools.
func (c *Client) CallTool(ctx context.Context, name string, args any, opts ...protocol.RequestOption) (*mcp.CallToolResult, error) {
	if err := c.checkCapability("tools", c.ServerCapabilities().Tools != nil); err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
		}
		raw = b
	}
	params := mcp.CallToolRequest{Name: name, Arguments: raw}
	return request[mcp.CallToolResult](ctx, c, mcp.ToolsCallMethod, params, opts...)
}

// ListResources fetches one page of the server's resources.
func (c *Client) ListResources(ctx context.Context, cursor string, opts ...protocol.RequestOption) (*mcp.ListResourcesResult, error) {
	if err := c.checkCapability("resources", c.ServerCapabilities().Resources != nil); err != nil {
		return nil, err
	}
	params := mcp.ListResourcesRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}}
	return request[mcp.ListResourcesResult](ctx, c, mcp.ResourcesListMethod, params, opts...)
}

// ReadResource reads a resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string, opts ...protocol.RequestOption) (*mcp.ReadResourceResult, error) {
	if err := c.checkCapability("resources", c.ServerCapabilities().Resources != nil); err != nil {
		return nil, err
	}
	return request[mcp.ReadResourceResult](ctx, c, mcp.ResourcesReadMethod, mcp.ReadResourceRequest{URI: uri}, opts...)
}

// ListResourceTemplates fetches one page of resource templates.
func (c *Client) ListResourceTemplates(ctx context.Context, cursor string, opts ...protocol.RequestOption) (*mcp.ListResourceTemplatesResult, error) {
	if err := c.checkCapability("resources", c.ServerCapabilities().Resources != nil); err != nil {
		return nil, err
	}
	params := mcp.ListResourceTemplatesRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}}
	return request[mcp.ListResourceTemplatesResult](ctx, c, mcp.ResourcesTemplatesListMethod, params, opts...)
}

func (c *Client) resourceSubscriptionSupported() bool {
	caps := c.ServerCapabilities()
	return caps.Resources != nil && caps.Resources.Subscribe
}

// SubscribeResource subscribes to update notifications for a resource URI.
func (c *Client) SubscribeResource(ctx context.Context, uri string, opts ...protocol.RequestOption) error {
	if err := c.checkCapability("resources.subscribe", c.resourceSubscriptionSupported()); err != nil {
		return err
	}
	_, err := request[mcp.EmptyResult](ctx, c, mcp.ResourcesSubscribeMethod, mcp.SubscribeRequest{URI: uri}, opts...)
	return err
}

// UnsubscribeResource ends a resource subscription.
func (c *Client) UnsubscribeResource(ctx context.Context, uri string, opts ...protocol.RequestOption) error {
	if err := c.checkCapability("resources.subscribe", c.resourceSubscriptionSupported()); err != nil {
		return err
	}
	_, err := request[mcp.EmptyResult](ctx, c, mcp.ResourcesUnsubscribeMethod, mcp.UnsubscribeRequest{URI: uri}, opts...)
	return err
}

// ListPrompts fetches one page of the server's prompts.
func (c *Client) ListPrompts(ctx context.Context, cursor string, opts ...protocol.RequestOption) (*mcp.ListPromptsResult, error) {
	if err := c.checkCapability("prompts", c.ServerCapabilities().Prompts != nil); err != nil {
		return nil, err
	}
	params := mcp.ListPromptsRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}}
	return request[mcp.ListPromptsResult](ctx, c, mcp.PromptsListMethod, params, opts...)
}

// GetPrompt renders a prompt by name with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string, opts ...protocol.RequestOption) (*mcp.GetPromptResult, error) {
	if err := c.checkCapability("prompts", c.ServerCapabilities().Prompts != nil); err != nil {
		return nil, err
	}
	return request[mcp.GetPromptResult](ctx, c, mcp.PromptsGetMethod, mcp.GetPromptRequest{Name: name, Arguments: args}, opts...)
}

// Complete asks the server for completion suggestions.
func (c *Client) Complete(ctx context.Context, ref mcp.ResourceReference, arg mcp.CompleteArgument, opts ...protocol.RequestOption) (*mcp.CompleteResult, error) {
	if err := c.checkCapability("completions", c.ServerCapabilities().Completions != nil); err != nil {
		return nil, err
	}
	return request[mcp.CompleteResult](ctx, c, mcp.CompletionCompleteMethod, mcp.CompleteRequest{Ref: ref, Argument: arg}, opts...)
}

// SetLogLevel sets the minimum severity the server forwards via
// notifications/message.
func (c *Client) SetLogLevel(ctx context.Context, level mcp.LoggingLevel, opts ...protocol.RequestOption) error {
	if err := c.checkCapability("logging", c.ServerCapabilities().Logging != nil); err != nil {
		return err
	}
	_, err := request[mcp.EmptyResult](ctx, c, mcp.LoggingSetLevelMethod, mcp.SetLevelRequest{Level: level}, opts...)
	return err
}

// ListTasks fetches one page of the server's tracked tasks.
func (c *Client) ListTasks(ctx context.Context, cursor string, opts ...protocol.RequestOption) (*mcp.ListTasksResult, error) {
	if err := c.checkCapability("tasks", c.ServerCapabilities().Tasks != nil); err != nil {
		return nil, err
	}
	params := mcp.ListTasksRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}}
	return request[mcp.ListTasksResult](ctx, c, mcp.TasksListMethod, params, opts...)
}

// GetTask fetches the current state of a task.
func (c *Client) GetTask(ctx context.Context, taskID string, opts ...protocol.RequestOption) (*mcp.Task, error) {
	if err := c.checkCapability("tasks", c.ServerCapabilities().Tasks != nil); err != nil {
		return nil, err
	}
	return request[mcp.Task](ctx, c, mcp.TasksGetMethod, mcp.GetTaskRequest{TaskID: taskID}, opts...)
}

// CancelTask requests cancellation of a task. Cancellation is advisory: the
// task may still run to completion.
func (c *Client) CancelTask(ctx context.Context, taskID string, opts ...protocol.RequestOption) (*mcp.Task, error) {
	if err := c.checkCapability("tasks", c.ServerCapabilities().Tasks != nil); err != nil {
		return nil, err
	}
	return request[mcp.Task](ctx, c, mcp.TasksCancelMethod, mcp.CancelTaskRequest{TaskID: taskID}, opts...)
}

// TaskResult retrieves the outcome of a task, blocking until the task
// reaches a terminal state or ctx expires.
func (c *Client) TaskResult(ctx context.Context, taskID string, opts ...protocol.RequestOption) (*mcp.TaskResultResult, error) {
	if err := c.checkCapability("tasks", c.ServerCapabilities().Tasks != nil); err != nil {
		return nil, err
	}
	return request[mcp.TaskResultResult](ctx, c, mcp.TasksResultMethod, mcp.TaskResultRequest{TaskID: taskID}, opts...)
}

// NotifyRootsChanged tells the server the set of roots changed.
func (c *Client) NotifyRootsChanged(ctx context.Context) error {
	if err := c.checkCapability("", false); err != nil {
		return err
	}
	return c.conn.Notify(ctx, string(mcp.RootsListChangedNotificationMethod), nil)
}
