package sampling

import (
	"testing"

	"github.com/leehack/mcp-go/mcp"
)

func TestNewCreateMessage(t *testing.T) {
	r := NewCreateMessage(
		[]mcp.SamplingMessage{UserText("hello")},
		WithSystemPrompt("be terse"),
		WithMaxTokens(32),
		WithTemperature(0.2),
		WithStopSequences("END"),
	)
	if err := Validate(r); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if r.SystemPrompt != "be terse" || r.MaxTokens != 32 {
		t.Fatalf("options not applied: %#v", r)
	}
	if len(r.Messages) != 1 || r.Messages[0].Content.Text != "hello" {
		t.Fatalf("unexpected messages: %#v", r.Messages)
	}
	if len(r.StopSequences) != 1 || r.StopSequences[0] != "END" {
		t.Fatalf("unexpected stop sequences: %#v", r.StopSequences)
	}
}

func TestValidateRejectsBadRequests(t *testing.T) {
	if err := Validate(nil); err == nil {
		t.Fatal("expected error for nil request")
	}
	if err := Validate(&mcp.CreateMessageRequest{}); err == nil {
		t.Fatal("expected error for empty messages")
	}
	bad := NewCreateMessage([]mcp.SamplingMessage{{Role: "system", Content: mcp.TextContent("x")}})
	if err := Validate(bad); err == nil {
		t.Fatal("expected error for invalid role")
	}
}
