package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/kyralabs/toolgate/pkg/provider/llm"
)

// TestNew_EmptyProviderName ensures the constructor rejects an empty name.
func TestNew_EmptyProviderName(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Fatal("expected error for empty provider name")
	}
}

// TestNew_UnsupportedProvider ensures unknown backends are rejected.
func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New("not-a-real-provider")
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

// TestNew_Ollama checks that a local-inference backend constructs without
// credentials.
func TestNew_Ollama(t *testing.T) {
	p, err := New("ollama")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "ollama" {
		t.Errorf("Name() = %q, want ollama", p.Name())
	}
}

// TestNew_CaseInsensitive checks that provider names are matched regardless
// of case.
func TestNew_CaseInsensitive(t *testing.T) {
	p, err := New("Ollama")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "ollama" {
		t.Errorf("Name() = %q, want ollama", p.Name())
	}
}

// TestBuildParams checks request conversion including tools and sampling
// parameters.
func TestBuildParams(t *testing.T) {
	req := llm.CompletionRequest{
		Model: "llama3",
		Messages: []llm.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
		Temperature: 0.5,
		MaxTokens:   128,
		Tools: []llm.ToolDefinition{{
			Name:        "echo",
			Description: "Echoes input.",
			Parameters:  map[string]any{"type": "object"},
		}},
	}

	params := buildParams(req)
	if params.Model != "llama3" {
		t.Errorf("Model = %q, want llama3", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Temperature == nil || *params.Temperature != 0.5 {
		t.Error("Temperature not propagated")
	}
	if params.MaxTokens == nil || *params.MaxTokens != 128 {
		t.Error("MaxTokens not propagated")
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "echo" {
		t.Errorf("unexpected tools: %+v", params.Tools)
	}
	if params.Tools[0].Type != "function" {
		t.Errorf("tool type = %q, want function", params.Tools[0].Type)
	}
}

// TestConvertMessage_ToolCalls checks assistant tool-call conversion.
func TestConvertMessage_ToolCalls(t *testing.T) {
	msg := convertMessage(llm.Message{
		Role: "assistant",
		ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "get_time", Arguments: `{}`},
		},
	})
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(msg.ToolCalls))
	}
	if msg.ToolCalls[0].Function.Name != "get_time" {
		t.Errorf("function name = %q", msg.ToolCalls[0].Function.Name)
	}
}

// TestConvertMessage_ToolResult checks tool-role conversion.
func TestConvertMessage_ToolResult(t *testing.T) {
	msg := convertMessage(llm.Message{Role: "tool", Content: "12:00", ToolCallID: "c1"})
	if msg.Role != "tool" || msg.ToolCallID != "c1" || msg.Content != "12:00" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

// TestUsageMap checks that backend usage round-trips into generic values.
func TestUsageMap(t *testing.T) {
	m := usageMap(&anyllmlib.Usage{
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
	})
	if m == nil {
		t.Fatal("usageMap returned nil")
	}
	if got, ok := m["total_tokens"].(float64); !ok || got != 15 {
		t.Errorf("total_tokens = %v, want 15", m["total_tokens"])
	}
}
