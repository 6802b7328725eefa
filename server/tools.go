package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/leehack/mcp-go/jsonrpc"
	"github.com/leehack/mcp-go/jsonschema"
	"github.com/leehack/mcp-go/mcp"
)

// ToolHandler executes a tool call. Arguments have already been validated
// against the tool's input schema when the handler runs. Returning an error
// fails the RPC; a business-level tool failure should instead return a
// result with IsError set (see ToolError).
type ToolHandler func(ctx context.Context, cc *ClientConn, req *mcp.CallToolRequest) (*mcp.CallToolResult, error)

type registeredTool struct {
	descriptor mcp.Tool
	schema     *jsonschema.Schema
	handler    ToolHandler
}

// ToolError builds a tool-level failure result. The RPC itself succeeds.
func ToolError(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{mcp.TextContent(fmt.Sprintf(format, args...))},
		IsError: true,
	}
}

// RegisterTool adds a tool from a wire descriptor. The descriptor's input
// schema is compiled once here; tool calls whose arguments violate it are
// rejected with an invalid-params error before the handler runs.
func (s *Server) RegisterTool(descriptor mcp.Tool, handler ToolHandler) error {
	if descriptor.Name == "" {
		return fmt.Errorf("tool needs a name")
	}
	var schema *jsonschema.Schema
	if len(descriptor.InputSchema) > 0 {
		parsed, err := jsonschema.Parse(descriptor.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %q has an invalid input schema: %w", descriptor.Name, err)
		}
		schema = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rt := range s.tools {
		if rt.descriptor.Name == descriptor.Name {
			return fmt.Errorf("tool %q already registered", descriptor.Name)
		}
	}
	s.tools = append(s.tools, &registeredTool{descriptor: descriptor, schema: schema, handler: handler})
	return nil
}

// RegisterTypedTool derives the tool's input schema from the argument struct
// A by reflection and decodes validated arguments into it before invoking
// fn. Struct tags (json, jsonschema) drive the derived schema.
func RegisterTypedTool[A any](s *Server, name, description string, fn func(ctx context.Context, cc *ClientConn, args A) (*mcp.CallToolResult, error)) error {
	schema, raw, err := jsonschema.For[A]()
	if err != nil {
		return fmt.Errorf("tool %q: %w", name, err)
	}

	descriptor := mcp.Tool{Name: name, Description: description, InputSchema: raw}
	handler := func(ctx context.Context, cc *ClientConn, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args A
		if len(req.Arguments) > 0 {
			if err := json.Unmarshal(req.Arguments, &args); err != nil {
				return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "malformed tool arguments: " + err.Error()}
			}
		}
		return fn(ctx, cc, args)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rt := range s.tools {
		if rt.descriptor.Name == name {
			return fmt.Errorf("tool %q already registered", name)
		}
	}
	s.tools = append(s.tools, &registeredTool{descriptor: descriptor, schema: schema, handler: handler})
	return nil
}

// NotifyToolListChanged tells every connected client the tool set changed.
func (s *Server) NotifyToolListChanged(ctx context.Context) {
	s.broadcast(ctx, mcp.ToolsListChangedNotificationMethod, nil)
}

func (s *Server) handleListTools(ctx context.Context, cc *ClientConn, req *jsonrpc.Request) (any, error) {
	params, err := decodeParams[mcp.ListToolsRequest](req)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	all := make([]mcp.Tool, len(s.tools))
	for i, rt := range s.tools {
		all[i] = rt.descriptor
	}
	s.mu.RUnlock()

	window, next, err := page(all, params.Cursor, s.pageSize)
	if err != nil {
		return nil, err
	}
	return &mcp.ListToolsResult{
		Tools:           window,
		PaginatedResult: mcp.PaginatedResult{NextCursor: next},
	}, nil
}

func (s *Server) handleCallTool(ctx context.Context, cc *ClientConn, req *jsonrpc.Request) (any, error) {
	params, err := decodeParams[mcp.CallToolRequest](req)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	var tool *registeredTool
	for _, rt := range s.tools {
		if rt.descriptor.Name == params.Name {
			tool = rt
			break
		}
	}
	s.mu.RUnlock()
	if tool == nil {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.ErrorCodeInvalidParams,
			Message: fmt.Sprintf("unknown tool %q", params.Name),
		}
	}

	// Schema violations never reach the handler.
	if tool.schema != nil {
		args := params.Arguments
		if len(args) == 0 {
			args = []byte("{}")
		}
		if verr := tool.schema.ValidateJSON(args); verr != nil {
			return nil, &jsonrpc.Error{
				Code:    jsonrpc.ErrorCodeInvalidParams,
				Message: "tool arguments rejected: " + verr.Error(),
			}
		}
	}

	res, err := tool.handler(withProgress(ctx, cc, params.Meta), cc, params)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &mcp.CallToolResult{}
	}
	return res, nil
}
