package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/leehack/mcp-go/jsonrpc"
	"github.com/leehack/mcp-go/mcp"
)

// ResourceReader produces the contents of a resource when a client reads
// it.
type ResourceReader func(ctx context.Context, cc *ClientConn, uri string) ([]mcp.ResourceContents, error)

type registeredResource struct {
	descriptor mcp.Resource
	reader     ResourceReader
}

// RegisterResource adds a readable resource.
func (s *Server) RegisterResource(descriptor mcp.Resource, reader ResourceReader) error {
	if descriptor.URI == "" {
		return fmt.Errorf("resource needs a uri")
	}
	if reader == nil {
		return fmt.Errorf("resource %q needs a reader", descriptor.URI)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rr := range s.resources {
		if rr.descriptor.URI == descriptor.URI {
			return fmt.Errorf("resource %q already registered", descriptor.URI)
		}
	}
	s.resources = append(s.resources, &registeredResource{descriptor: descriptor, reader: reader})
	return nil
}

// RegisterResourceTemplate advertises a URI template. Reads of expanded
// URIs are served by the template's reader registered via RegisterResource
// or a catch-all the application wires itself; templates are descriptive
// only.
func (s *Server) RegisterResourceTemplate(tmpl mcp.ResourceTemplate) {
	s.mu.Lock()
	s.templates = append(s.templates, tmpl)
	s.mu.Unlock()
}

// NotifyResourceListChanged tells every connected client the resource set
// changed.
func (s *Server) NotifyResourceListChanged(ctx context.Context) {
	s.broadcast(ctx, mcp.ResourcesListChangedNotificationMethod, nil)
}

// NotifyResourceUpdated informs clients subscribed to uri that its contents
// changed.
func (s *Server) NotifyResourceUpdated(ctx context.Context, uri string) {
	params := mcp.ResourceUpdatedNotification{URI: uri}
	for _, cc := range s.clients() {
		cc.mu.Lock()
		_, subscribed := cc.subscriptions[uri]
		ready := cc.initialized
		cc.mu.Unlock()
		if !ready || !subscribed {
			continue
		}
		if err := cc.conn.Notify(ctx, string(mcp.ResourcesUpdatedNotificationMethod), params); err != nil {
			s.log.WarnContext(ctx, "server.notify.fail",
				slog.String("method", string(mcp.ResourcesUpdatedNotificationMethod)),
				slog.String("err", err.Error()))
		}
	}
}

func (s *Server) handleListResources(ctx context.Context, cc *ClientConn, req *jsonrpc.Request) (any, error) {
	params, err := decodeParams[mcp.ListResourcesRequest](req)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	all := make([]mcp.Resource, len(s.resources))
	for i, rr := range s.resources {
		all[i] = rr.descriptor
	}
	s.mu.RUnlock()

	window, next, err := page(all, params.Cursor, s.pageSize)
	if err != nil {
		return nil, err
	}
	return &mcp.ListResourcesResult{
		Resources:       window,
		PaginatedResult: mcp.PaginatedResult{NextCursor: next},
	}, nil
}

func (s *Server) handleListResourceTemplates(ctx context.Context, cc *ClientConn, req *jsonrpc.Request) (any, error) {
	params, err := decodeParams[mcp.ListResourceTemplatesRequest](req)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	all := make([]mcp.ResourceTemplate, len(s.templates))
	copy(all, s.templates)
	s.mu.RUnlock()

	window, next, err := page(all, params.Cursor, s.pageSize)
	if err != nil {
		return nil, err
	}
	return &mcp.ListResourceTemplatesResult{
		ResourceTemplates: window,
		PaginatedResult:   mcp.PaginatedResult{NextCursor: next},
	}, nil
}

func (s *Server) lookupResource(uri string) *registeredResource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rr := range s.resources {
		if rr.descriptor.URI == uri {
			return rr
		}
	}
	return nil
}

func (s *Server) handleReadResource(ctx context.Context, cc *ClientConn, req *jsonrpc.Request) (any, error) {
	params, err := decodeParams[mcp.ReadResourceRequest](req)
	if err != nil {
		return nil, err
	}
	rr := s.lookupResource(params.URI)
	if rr == nil {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.ErrorCodeInvalidParams,
			Message: fmt.Sprintf("unknown resource %q", params.URI),
		}
	}
	contents, err := rr.reader(ctx, cc, params.URI)
	if err != nil {
		return nil, err
	}
	return &mcp.ReadResourceResult{Contents: contents}, nil
}

func (s *Server) handleSubscribe(ctx context.Context, cc *ClientConn, req *jsonrpc.Request) (any, error) {
	params, err := decodeParams[mcp.SubscribeRequest](req)
	if err != nil {
		return nil, err
	}
	if s.lookupResource(params.URI) == nil {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.ErrorCodeInvalidParams,
			Message: fmt.Sprintf("unknown resource %q", params.URI),
		}
	}
	cc.mu.Lock()
	cc.subscriptions[params.URI] = struct{}{}
	cc.mu.Unlock()
	return &mcp.EmptyResult{}, nil
}

func (s *Server) handleUnsubscribe(ctx context.Context, cc *ClientConn, req *jsonrpc.Request) (any, error) {
	params, err := decodeParams[mcp.UnsubscribeRequest](req)
	if err != nil {
		return nil, err
	}
	cc.mu.Lock()
	delete(cc.subscriptions, params.URI)
	cc.mu.Unlock()
	return &mcp.EmptyResult{}, nil
}
