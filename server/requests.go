package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/leehack/mcp-go/mcp"
	"github.com/leehack/mcp-go/mcp/sampling"
	"github.com/leehack/mcp-go/protocol"
)

// ClientCapabilityError reports a server-initiated request attempted
// against a capability the client did not advertise. Nothing is sent.
type ClientCapabilityError struct {
	Capability string
}

func (e *ClientCapabilityError) Error() string {
	return fmt.Sprintf("server: client does not advertise the %s capability", e.Capability)
}

func (cc *ClientConn) checkClientCapability(capability string, advertised bool) error {
	cc.mu.Lock()
	ready := cc.initialized
	cc.mu.Unlock()
	if !ready {
		return fmt.Errorf("client not initialized")
	}
	if !advertised {
		return &ClientCapabilityError{Capability: capability}
	}
	return nil
}

func clientRequest[T any](ctx context.Context, cc *ClientConn, method mcp.Method, params any, opts ...protocol.RequestOption) (*T, error) {
	raw, err := cc.conn.Request(ctx, string(method), params, opts...)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("malformed %s result: %w", method, err)
	}
	return out, nil
}

// CreateMessage asks the client to sample a model response. Requires the
// client's sampling capability.
func (cc *ClientConn) CreateMessage(ctx context.Context, req mcp.CreateMessageRequest, opts ...protocol.RequestOption) (*mcp.CreateMessageResult, error) {
	if err := cc.checkClientCapability("sampling", cc.ClientCapabilities().Sampling != nil); err != nil {
		return nil, err
	}
	if err := sampling.Validate(&req); err != nil {
		return nil, fmt.Errorf("createMessage request: %w", err)
	}
	return clientRequest[mcp.CreateMessageResult](ctx, cc, mcp.SamplingCreateMessageMethod, req, opts...)
}

// Elicit asks the client's user for structured input. Requires the client's
// elicitation capability.
func (cc *ClientConn) Elicit(ctx context.Context, req mcp.ElicitRequest, opts ...protocol.RequestOption) (*mcp.ElicitResult, error) {
	if err := cc.checkClientCapability("elicitation", cc.ClientCapabilities().Elicitation != nil); err != nil {
		return nil, err
	}
	return clientRequest[mcp.ElicitResult](ctx, cc, mcp.ElicitationCreateMethod, req, opts...)
}

// ListRoots fetches the client's workspace roots. Requires the client's
// roots capability.
func (cc *ClientConn) ListRoots(ctx context.Context, opts ...protocol.RequestOption) ([]mcp.Root, error) {
	if err := cc.checkClientCapability("roots", cc.ClientCapabilities().Roots != nil); err != nil {
		return nil, err
	}
	res, err := clientRequest[mcp.ListRootsResult](ctx, cc, mcp.RootsListMethod, nil, opts...)
	if err != nil {
		return nil, err
	}
	return res.Roots, nil
}

// Ping checks the client's liveness.
func (cc *ClientConn) Ping(ctx context.Context, opts ...protocol.RequestOption) error {
	_, err := clientRequest[mcp.EmptyResult](ctx, cc, mcp.PingMethod, mcp.PingRequest{}, opts...)
	return err
}
