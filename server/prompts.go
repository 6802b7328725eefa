package server

import (
	"context"
	"fmt"

	"github.com/leehack/mcp-go/jsonrpc"
	"github.com/leehack/mcp-go/mcp"
)

// PromptHandler renders a prompt with the supplied arguments.
type PromptHandler func(ctx context.Context, cc *ClientConn, args map[string]string) (*mcp.GetPromptResult, error)

// CompletionFunc serves completion/complete requests.
type CompletionFunc func(ctx context.Context, cc *ClientConn, req *mcp.CompleteRequest) (*mcp.Completion, error)

type registeredPrompt struct {
	descriptor mcp.Prompt
	handler    PromptHandler
}

// RegisterPrompt adds a named prompt. Arguments marked required in the
// descriptor are enforced before the handler runs.
func (s *Server) RegisterPrompt(descriptor mcp.Prompt, handler PromptHandler) error {
	if descriptor.Name == "" {
		return fmt.Errorf("prompt needs a name")
	}
	if handler == nil {
		return fmt.Errorf("prompt %q needs a handler", descriptor.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rp := range s.prompts {
		if rp.descriptor.Name == descriptor.Name {
			return fmt.Errorf("prompt %q already registered", descriptor.Name)
		}
	}
	s.prompts = append(s.prompts, &registeredPrompt{descriptor: descriptor, handler: handler})
	return nil
}

// SetCompletionFunc installs the completion handler and turns on the
// completions capability.
func (s *Server) SetCompletionFunc(fn CompletionFunc) {
	s.mu.Lock()
	s.complete = fn
	s.mu.Unlock()
}

// NotifyPromptListChanged tells every connected client the prompt set
// changed.
func (s *Server) NotifyPromptListChanged(ctx context.Context) {
	s.broadcast(ctx, mcp.PromptsListChangedNotificationMethod, nil)
}

func (s *Server) handleListPrompts(ctx context.Context, cc *ClientConn, req *jsonrpc.Request) (any, error) {
	params, err := decodeParams[mcp.ListPromptsRequest](req)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	all := make([]mcp.Prompt, len(s.prompts))
	for i, rp := range s.prompts {
		all[i] = rp.descriptor
	}
	s.mu.RUnlock()

	window, next, err := page(all, params.Cursor, s.pageSize)
	if err != nil {
		return nil, err
	}
	return &mcp.ListPromptsResult{
		Prompts:         window,
		PaginatedResult: mcp.PaginatedResult{NextCursor: next},
	}, nil
}

func (s *Server) handleGetPrompt(ctx context.Context, cc *ClientConn, req *jsonrpc.Request) (any, error) {
	params, err := decodeParams[mcp.GetPromptRequest](req)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	var prompt *registeredPrompt
	for _, rp := range s.prompts {
		if rp.descriptor.Name == params.Name {
			prompt = rp
			break
		}
	}
	s.mu.RUnlock()
	if prompt == nil {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.ErrorCodeInvalidParams,
			Message: fmt.Sprintf("unknown prompt %q", params.Name),
		}
	}

	for _, arg := range prompt.descriptor.Arguments {
		if !arg.Required {
			continue
		}
		if _, ok := params.Arguments[arg.Name]; !ok {
			return nil, &jsonrpc.Error{
				Code:    jsonrpc.ErrorCodeInvalidParams,
				Message: fmt.Sprintf("prompt %q requires argument %q", params.Name, arg.Name),
			}
		}
	}

	return prompt.handler(ctx, cc, params.Arguments)
}

func (s *Server) handleComplete(ctx context.Context, cc *ClientConn, req *jsonrpc.Request) (any, error) {
	s.mu.RLock()
	fn := s.complete
	s.mu.RUnlock()
	if fn == nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: "completions not supported"}
	}
	params, err := decodeParams[mcp.CompleteRequest](req)
	if err != nil {
		return nil, err
	}
	completion, err := fn(ctx, cc, params)
	if err != nil {
		return nil, err
	}
	if completion == nil {
		completion = &mcp.Completion{Values: []string{}}
	}
	return &mcp.CompleteResult{Completion: *completion}, nil
}
