// Package sampling provides small builders for sampling/createMessage
// requests. The wire types live in package mcp; this package layers
// convenience constructors and functional options over them.
package sampling

import (
	"errors"

	"github.com/leehack/mcp-go/mcp"
)

// UserText returns a SamplingMessage authored by the user with a single
// text block.
func UserText(text string) mcp.SamplingMessage {
	return mcp.SamplingMessage{Role: mcp.RoleUser, Content: mcp.TextContent(text)}
}

// AssistantText returns a SamplingMessage authored by the assistant with
// a single text block.
func AssistantText(text string) mcp.SamplingMessage {
	return mcp.SamplingMessage{Role: mcp.RoleAssistant, Content: mcp.TextContent(text)}
}

// CreateOption mutates a CreateMessageRequest under construction.
type CreateOption func(*mcp.CreateMessageRequest)

// WithSystemPrompt sets the system prompt.
func WithSystemPrompt(prompt string) CreateOption {
	return func(r *mcp.CreateMessageRequest) { r.SystemPrompt = prompt }
}

// WithMaxTokens sets the token budget for the generation.
func WithMaxTokens(n int) CreateOption {
	return func(r *mcp.CreateMessageRequest) { r.MaxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) CreateOption {
	return func(r *mcp.CreateMessageRequest) { r.Temperature = t }
}

// WithStopSequences sets the stop sequences.
func WithStopSequences(stops ...string) CreateOption {
	return func(r *mcp.CreateMessageRequest) { r.StopSequences = append([]string(nil), stops...) }
}

// WithModelPreferences sets model selection preferences.
func WithModelPreferences(prefs *mcp.ModelPreferences) CreateOption {
	return func(r *mcp.CreateMessageRequest) { r.ModelPreferences = prefs }
}

// NewCreateMessage builds a CreateMessageRequest from the given messages
// and options.
func NewCreateMessage(msgs []mcp.SamplingMessage, opts ...CreateOption) *mcp.CreateMessageRequest {
	r := &mcp.CreateMessageRequest{Messages: append([]mcp.SamplingMessage(nil), msgs...)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Validate performs preflight checks on a CreateMessageRequest before it
// is sent to a client.
func Validate(r *mcp.CreateMessageRequest) error {
	if r == nil {
		return errors.New("nil request")
	}
	if len(r.Messages) == 0 {
		return errors.New("no messages provided")
	}
	for _, m := range r.Messages {
		if m.Role != mcp.RoleUser && m.Role != mcp.RoleAssistant {
			return errors.New("invalid message role")
		}
		if m.Content.Type == "" {
			return errors.New("message content missing type")
		}
	}
	return nil
}
