// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the orchestrator sends correct
// CompletionRequests and to feed controlled responses without a live LLM
// backend. Responses can be scripted turn-by-turn to simulate multi-turn
// tool-calling conversations.
//
// Example:
//
//	p := &mock.Provider{
//	    Responses: []*llm.CompletionResponse{
//	        {ToolCalls: []llm.ToolCall{{ID: "c1", Name: "echo", Arguments: `{}`}}, FinishReason: llm.FinishToolCalls},
//	        {Content: "done", FinishReason: llm.FinishStop},
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/kyralabs/toolgate/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider. Responses are consumed
// in order, one per Complete call; when they run out, the last one repeats.
// Set Err to inject a failure instead.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock" when empty.
	ProviderName string

	// Responses is the scripted sequence of completions.
	Responses []*llm.CompletionResponse

	// Err, if non-nil, is returned from every Complete call.
	Err error

	// CompleteFunc, if set, overrides the scripted behaviour entirely.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// Calls records every invocation of Complete in order.
	Calls []CompleteCall

	next int
}

var _ llm.Provider = (*Provider)(nil)

// Name implements llm.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Complete records the call and returns the next scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, CompleteCall{Ctx: ctx, Req: req})
	fn := p.CompleteFunc
	err := p.Err
	var resp *llm.CompletionResponse
	if len(p.Responses) > 0 {
		idx := min(p.next, len(p.Responses)-1)
		resp = p.Responses[idx]
		p.next++
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// CallCount reports how many times Complete was invoked.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears recorded calls and rewinds the response script.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
	p.next = 0
}
