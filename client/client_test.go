package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leehack/mcp-go/jsonrpc"
	"github.com/leehack/mcp-go/mcp"
	"github.com/leehack/mcp-go/protocol"
	"github.com/leehack/mcp-go/stdio"
)

// fakeServer is a raw protocol.Conn peer that implements just enough of the
// server half to drive the facade: it answers initialize and records every
// method it sees.
type fakeServer struct {
	conn *protocol.Conn

	mu      sync.Mutex
	methods []string

	initialized chan struct{}
}

func newFakeServer(t *testing.T, tr protocol.Transport, caps mcp.ServerCapabilities, version string) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		conn:        protocol.NewConn(tr),
		initialized: make(chan struct{}),
	}
	fs.conn.OnRequest(string(mcp.InitializeMethod), func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		fs.record(req.Method)
		return &mcp.InitializeResult{
			ProtocolVersion: version,
			Capabilities:    caps,
			ServerInfo:      mcp.ImplementationInfo{Name: "fake", Version: "0.1.0"},
			Instructions:    "be gentle",
		}, nil
	})
	fs.conn.OnNotification(string(mcp.InitializedNotificationMethod), func(ctx context.Context, notif *jsonrpc.Request) {
		fs.record(notif.Method)
		close(fs.initialized)
	})
	if err := fs.conn.Start(context.Background()); err != nil {
		t.Fatalf("failed to start fake server: %v", err)
	}
	t.Cleanup(func() { _ = fs.conn.Close() })
	return fs
}

func (fs *fakeServer) record(method string) {
	fs.mu.Lock()
	fs.methods = append(fs.methods, method)
	fs.mu.Unlock()
}

func (fs *fakeServer) sawMethod(method string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, m := range fs.methods {
		if m == method {
			return true
		}
	}
	return false
}

func (fs *fakeServer) handle(method mcp.Method, h protocol.RequestHandler) {
	fs.conn.OnRequest(string(method), func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		fs.record(req.Method)
		return h(ctx, req)
	})
}

func allCaps() mcp.ServerCapabilities {
	return mcp.ServerCapabilities{
		Logging: &struct{}{},
		Prompts: &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: true},
		Resources: &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{ListChanged: true, Subscribe: true},
		Tools: &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: true},
		Completions: &struct{}{},
		Tasks:       &struct{}{},
	}
}

func toolsOnlyCaps() mcp.ServerCapabilities {
	return mcp.ServerCapabilities{
		Tools: &struct {
			ListChanged bool `json:"listChanged"`
		}{},
	}
}

func connectedPair(t *testing.T, caps mcp.ServerCapabilities, opts ...Option) (*Client, *fakeServer) {
	t.Helper()
	serverSide, clientSide := stdio.Pipe()
	fs := newFakeServer(t, serverSide, caps, mcp.LatestProtocolVersion)

	c := New(clientSide, opts...)
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	select {
	case <-fs.initialized:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the initialized notification")
	}
	return c, fs
}

func TestConnectHandshake(t *testing.T) {
	c, _ := connectedPair(t, allCaps())

	if got := c.ServerInfo().Name; got != "fake" {
		t.Fatalf("expected server info to be captured, got %q", got)
	}
	if c.ServerCapabilities().Tools == nil {
		t.Fatal("expected the tools capability to be captured")
	}
	if got := c.Instructions(); got != "be gentle" {
		t.Fatalf("unexpected instructions %q", got)
	}
}

func TestConnectVersionMismatch(t *testing.T) {
	serverSide, clientSide := stdio.Pipe()
	newFakeServer(t, serverSide, allCaps(), "1999-12-31")

	c := New(clientSide)
	if _, err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected the handshake to fail on a version mismatch")
	}
	// The connection is gone; everything fails from here.
	if _, err := c.ListTools(context.Background(), ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after a failed handshake, got %v", err)
	}
}

func TestOperationsBeforeConnect(t *testing.T) {
	_, clientSide := stdio.Pipe()
	c := New(clientSide)

	if _, err := c.ListTools(context.Background(), ""); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := c.Ping(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestConnectTwice(t *testing.T) {
	c, _ := connectedPair(t, allCaps())
	if _, err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestCapabilityGateBlocksBeforeSend(t *testing.T) {
	c, fs := connectedPair(t, toolsOnlyCaps())
	fs.handle(mcp.ToolsListMethod, func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		return &mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "echo"}}}, nil
	})

	var capErr *CapabilityError
	if _, err := c.ListPrompts(context.Background(), ""); !errors.As(err, &capErr) {
		t.Fatalf("expected a capability error, got %v", err)
	}
	if capErr.Capability != "prompts" {
		t.Fatalf("expected the prompts capability to be named, got %q", capErr.Capability)
	}

	// A tools round trip proves the connection still works, and orders after
	// any prompts/list that might have been (wrongly) sent.
	if _, err := c.ListTools(context.Background(), ""); err != nil {
		t.Fatalf("tools/list failed: %v", err)
	}
	if fs.sawMethod(string(mcp.PromptsListMethod)) {
		t.Fatal("prompts/list must not reach the wire when the capability is absent")
	}
}

func TestSubscribeRequiresSubscribeCapability(t *testing.T) {
	caps := allCaps()
	caps.Resources.Subscribe = false
	c, _ := connectedPair(t, caps)

	var capErr *CapabilityError
	if err := c.SubscribeResource(context.Background(), "file:///x"); !errors.As(err, &capErr) {
		t.Fatalf("expected a capability error, got %v", err)
	}
}

func TestCallTool(t *testing.T) {
	c, fs := connectedPair(t, toolsOnlyCaps())
	fs.handle(mcp.ToolsCallMethod, func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		var params mcp.CallToolRequest
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, err
		}
		if params.Name != "greet" {
			t.Errorf("unexpected tool name %q", params.Name)
		}
		var args map[string]string
		_ = json.Unmarshal(params.Arguments, &args)
		return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent("hello " + args["who"])}}, nil
	})

	res, err := c.CallTool(context.Background(), "greet", map[string]string{"who": "world"})
	if err != nil {
		t.Fatalf("tool call failed: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "hello world" {
		t.Fatalf("unexpected tool result %+v", res)
	}
}

func TestServerInitiatedSampling(t *testing.T) {
	c, fs := connectedPair(t, allCaps(), WithSamplingHandler(func(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
		return &mcp.CreateMessageResult{
			Role:    mcp.RoleAssistant,
			Content: mcp.TextContent("sampled"),
			Model:   "test-model",
		}, nil
	}))
	defer c.Close()

	raw, err := fs.conn.Request(context.Background(), string(mcp.SamplingCreateMessageMethod), mcp.CreateMessageRequest{
		Messages: []mcp.SamplingMessage{{Role: mcp.RoleUser, Content: mcp.TextContent("hi")}},
	}, protocol.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("sampling request failed: %v", err)
	}
	var res mcp.CreateMessageResult
	if err := json.Unmarshal(raw, &res); err != nil || res.Model != "test-model" {
		t.Fatalf("unexpected sampling result %s (%v)", raw, err)
	}
}

func TestServerInitiatedRootsList(t *testing.T) {
	c, fs := connectedPair(t, allCaps(), WithRootsProvider(func(ctx context.Context) ([]mcp.Root, error) {
		return []mcp.Root{{URI: "file:///workspace", Name: "workspace"}}, nil
	}))
	defer c.Close()

	raw, err := fs.conn.Request(context.Background(), string(mcp.RootsListMethod), nil, protocol.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("roots/list failed: %v", err)
	}
	var res mcp.ListRootsResult
	if err := json.Unmarshal(raw, &res); err != nil || len(res.Roots) != 1 || res.Roots[0].Name != "workspace" {
		t.Fatalf("unexpected roots result %s (%v)", raw, err)
	}
}

func TestNotificationSinks(t *testing.T) {
	toolsChanged := make(chan struct{}, 1)
	updated := make(chan string, 1)
	logged := make(chan mcp.LoggingMessageNotification, 1)

	c, fs := connectedPair(t, allCaps(),
		WithToolListChangedFunc(func() { toolsChanged <- struct{}{} }),
		WithResourceUpdatedFunc(func(uri string) { updated <- uri }),
		WithLogMessageFunc(func(n mcp.LoggingMessageNotification) { logged <- n }),
	)
	defer c.Close()

	ctx := context.Background()
	if err := fs.conn.Notify(ctx, string(mcp.ToolsListChangedNotificationMethod), nil); err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	if err := fs.conn.Notify(ctx, string(mcp.ResourcesUpdatedNotificationMethod), mcp.ResourceUpdatedNotification{URI: "file:///x"}); err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	if err := fs.conn.Notify(ctx, string(mcp.LoggingMessageNotificationMethod), mcp.LoggingMessageNotification{Level: mcp.LoggingLevelWarning, Data: "careful"}); err != nil {
		t.Fatalf("notify failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	select {
	case <-toolsChanged:
	case <-deadline:
		t.Fatal("tool list change never arrived")
	}
	select {
	case uri := <-updated:
		if uri != "file:///x" {
			t.Fatalf("unexpected updated uri %q", uri)
		}
	case <-deadline:
		t.Fatal("resource update never arrived")
	}
	select {
	case n := <-logged:
		if n.Level != mcp.LoggingLevelWarning {
			t.Fatalf("unexpected log level %q", n.Level)
		}
	case <-deadline:
		t.Fatal("log message never arrived")
	}
}

func TestTaskOperations(t *testing.T) {
	c, fs := connectedPair(t, allCaps())
	fs.handle(mcp.TasksGetMethod, func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		var params mcp.GetTaskRequest
		_ = json.Unmarshal(req.Params, &params)
		return &mcp.Task{TaskID: params.TaskID, Status: mcp.TaskStatusWorking}, nil
	})

	task, err := c.GetTask(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("tasks/get failed: %v", err)
	}
	if task.TaskID != "t-1" || task.Status != mcp.TaskStatusWorking {
		t.Fatalf("unexpected task %+v", task)
	}
}
