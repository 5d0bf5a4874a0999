// Package llm defines the Provider interface for Large Language Model
// backends.
//
// An LLM provider wraps a remote or local model API (e.g. OpenAI GPT-4, a
// local Ollama instance, or any OpenAI-compatible endpoint) and exposes a
// uniform completion interface for the agent orchestrator to drive multi-turn
// tool-calling conversations without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// FinishReason values reported in [CompletionResponse].
const (
	// FinishStop means the model ended its turn naturally.
	FinishStop = "stop"

	// FinishToolCalls means the model wants one or more tools executed.
	FinishToolCalls = "tool_calls"

	// FinishLength means the response was truncated by the token limit.
	FinishLength = "length"
)

// CompletionRequest carries everything the model needs to produce a response.
// Messages must be non-empty.
type CompletionRequest struct {
	// Model is the model identifier to use, e.g. "gpt-4o-mini".
	Model string

	// Messages is the ordered conversation history. The last message is
	// typically from the "user" or "tool" role and drives the response.
	Messages []Message

	// Tools is the set of function definitions offered to the model. The
	// model may choose to call one or more of them in its response.
	Tools []ToolDefinition

	// Temperature controls output randomness. Zero requests the provider
	// default.
	Temperature float64

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is one full model turn.
type CompletionResponse struct {
	// Content is the text of the assistant's reply. May be empty when the
	// model responds exclusively with tool calls.
	Content string

	// ToolCalls lists the tool invocations requested by the model. The
	// caller executes them and appends the results to the conversation.
	ToolCalls []ToolCall

	// FinishReason indicates why generation stopped. See the Finish*
	// constants; providers may report additional backend-specific values.
	FinishReason string

	// Usage is the backend's token/billing accounting in its native shape,
	// decoded into generic JSON values. Keys and nesting vary between
	// providers; numeric fields are summable across turns.
	Usage map[string]any
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use and must honour context
// cancellation: when ctx is cancelled, Complete returns promptly with the
// context's error.
type Provider interface {
	// Name identifies the backend for logging and traces, e.g. "openai".
	Name() string

	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
