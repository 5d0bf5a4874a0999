package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kyralabs/toolgate/internal/kernel"
	"github.com/kyralabs/toolgate/internal/registry"
	"github.com/kyralabs/toolgate/pkg/provider/llm"
	"github.com/kyralabs/toolgate/pkg/provider/llm/mock"
)

// stubCatalog is a fixed-descriptor Catalog for tests.
type stubCatalog struct {
	byName map[string]*registry.Descriptor
}

func newStubCatalog(names ...string) *stubCatalog {
	c := &stubCatalog{byName: map[string]*registry.Descriptor{}}
	for _, name := range names {
		spec, _ := json.Marshal(map[string]any{
			"function": map[string]any{
				"name":        name,
				"description": "test tool " + name,
				"parameters":  map[string]any{"type": "object", "properties": map[string]any{}},
			},
		})
		c.byName[name] = &registry.Descriptor{Name: name, Description: "test tool " + name, Spec: spec}
	}
	return c
}

func (c *stubCatalog) Lookup(name string) (*registry.Descriptor, bool) {
	d, ok := c.byName[name]
	return d, ok
}

func (c *stubCatalog) Names() []string {
	names := make([]string, 0, len(c.byName))
	for n := range c.byName {
		names = append(names, n)
	}
	return names
}

// stubInvoker records invocations and returns canned bodies per tool name.
type stubInvoker struct {
	mu      sync.Mutex
	results map[string]string
	errors  map[string]bool
	delay   time.Duration
	calls   []string
}

func (s *stubInvoker) Invoke(ctx context.Context, tool string, params map[string]any) (string, bool, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	s.mu.Lock()
	s.calls = append(s.calls, tool)
	s.mu.Unlock()
	body, ok := s.results[tool]
	if !ok {
		body = `{"result": "ok"}`
	}
	return body, s.errors[tool], nil
}

func toolCallsResponse(calls ...llm.ToolCall) *llm.CompletionResponse {
	return &llm.CompletionResponse{
		ToolCalls:    calls,
		FinishReason: llm.FinishToolCalls,
		Usage:        map[string]any{"total_tokens": 10.0},
	}
}

func stopResponse(content string) *llm.CompletionResponse {
	return &llm.CompletionResponse{
		Content:      content,
		FinishReason: llm.FinishStop,
		Usage:        map[string]any{"total_tokens": 5.0},
	}
}

func TestRunStopsOnNaturalFinish(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Responses: []*llm.CompletionResponse{stopResponse("all done")}}
	o := NewOrchestrator(provider, newStubCatalog("echo"), &stubInvoker{})

	res, err := o.Run(context.Background(), Request{Message: "hi", Model: "m", Tools: []string{"echo"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.Content != "all done" || res.FinishReason != llm.FinishStop {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", res.Iterations)
	}
}

func TestRunMultiTurnToolLoop(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Responses: []*llm.CompletionResponse{
		toolCallsResponse(llm.ToolCall{ID: "c1", Name: "echo", Arguments: `{"text":"a"}`}),
		toolCallsResponse(llm.ToolCall{ID: "c2", Name: "echo", Arguments: `{"text":"b"}`}),
		stopResponse("done"),
	}}
	inv := &stubInvoker{results: map[string]string{"echo": `{"result": {"text": "a"}}`}}
	o := NewOrchestrator(provider, newStubCatalog("echo"), inv)

	res, err := o.Run(context.Background(), Request{Message: "go", Model: "m", Tools: []string{"echo"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.Iterations != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(inv.calls) != 2 {
		t.Errorf("tool invocations = %d, want 2", len(inv.calls))
	}
	// Usage summed across all three provider turns: 10 + 10 + 5.
	if got := res.Usage["total_tokens"]; got != 25.0 {
		t.Errorf("total_tokens = %v, want 25", got)
	}

	// Conversation invariant: the second provider request ends with a tool
	// message answering call c1.
	second := provider.Calls[1].Req.Messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "c1" {
		t.Errorf("second request does not end with tool result for c1: %+v", last)
	}
}

func TestRunMaxIterationsExhausted(t *testing.T) {
	t.Parallel()

	// Provider keeps asking for tools forever (last response repeats).
	provider := &mock.Provider{Responses: []*llm.CompletionResponse{
		toolCallsResponse(llm.ToolCall{ID: "c1", Name: "echo", Arguments: `{}`}),
	}}
	o := NewOrchestrator(provider, newStubCatalog("echo"), &stubInvoker{})

	res, err := o.Run(context.Background(), Request{
		Message: "go", Model: "m", Tools: []string{"echo"}, MaxIterations: 3,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure on budget exhaustion")
	}
	if res.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3", res.Iterations)
	}
	if !strings.Contains(res.Error, "max iterations") {
		t.Errorf("Error = %q, want max-iterations message", res.Error)
	}
	// Usage is still aggregated for the failed run.
	if got := res.Usage["total_tokens"]; got != 30.0 {
		t.Errorf("total_tokens = %v, want 30", got)
	}
}

func TestRunWallClockTimeout(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			time.Sleep(30 * time.Millisecond)
			return toolCallsResponse(llm.ToolCall{ID: "c1", Name: "echo", Arguments: `{}`}), nil
		},
	}
	o := NewOrchestrator(provider, newStubCatalog("echo"), &stubInvoker{})

	res, err := o.Run(context.Background(), Request{
		Message: "go", Model: "m", Tools: []string{"echo"}, Timeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if res.ErrorType != string(kernel.KindTimeout) {
		t.Errorf("ErrorType = %q, want timeout", res.ErrorType)
	}
}

func TestRunParallelPreservesRequestOrder(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Responses: []*llm.CompletionResponse{
		toolCallsResponse(
			llm.ToolCall{ID: "c1", Name: "slow", Arguments: `{}`},
			llm.ToolCall{ID: "c2", Name: "fast", Arguments: `{}`},
		),
		stopResponse("done"),
	}}
	inv := &stubInvoker{
		delay:   10 * time.Millisecond,
		results: map[string]string{"slow": `{"result": "slow"}`, "fast": `{"result": "fast"}`},
	}
	o := NewOrchestrator(provider, newStubCatalog("slow", "fast"), inv)

	res, err := o.Run(context.Background(), Request{
		Message: "go", Model: "m", Tools: []string{"slow", "fast"}, Parallel: true,
	})
	if err != nil || !res.Success {
		t.Fatalf("Run: err=%v res=%+v", err, res)
	}

	// The second request must carry the tool results in the original call
	// order, matched by call id.
	second := provider.Calls[1].Req.Messages
	var toolMsgs []llm.Message
	for _, m := range second {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 2 {
		t.Fatalf("tool messages = %d, want 2", len(toolMsgs))
	}
	if toolMsgs[0].ToolCallID != "c1" || toolMsgs[1].ToolCallID != "c2" {
		t.Errorf("tool results out of order: %+v", toolMsgs)
	}
	if toolMsgs[0].Content != `{"result": "slow"}` {
		t.Errorf("first tool result = %q", toolMsgs[0].Content)
	}
}

func TestRunStopOnToolError(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Responses: []*llm.CompletionResponse{
		toolCallsResponse(llm.ToolCall{ID: "c1", Name: "boom", Arguments: `{}`}),
		stopResponse("never reached"),
	}}
	inv := &stubInvoker{
		results: map[string]string{"boom": `{"error": "exploded", "error_type": "execution_error"}`},
		errors:  map[string]bool{"boom": true},
	}
	o := NewOrchestrator(provider, newStubCatalog("boom"), inv)

	res, err := o.Run(context.Background(), Request{
		Message: "go", Model: "m", Tools: []string{"boom"}, StopOnToolError: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure with StopOnToolError")
	}
	if !strings.Contains(res.Error, "boom") {
		t.Errorf("Error = %q, want failing tool name", res.Error)
	}
}

func TestRunToolErrorFedBackToModel(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Responses: []*llm.CompletionResponse{
		toolCallsResponse(llm.ToolCall{ID: "c1", Name: "boom", Arguments: `{}`}),
		stopResponse("recovered"),
	}}
	inv := &stubInvoker{
		results: map[string]string{"boom": `{"error": "exploded", "error_type": "execution_error"}`},
		errors:  map[string]bool{"boom": true},
	}
	o := NewOrchestrator(provider, newStubCatalog("boom"), inv)

	res, err := o.Run(context.Background(), Request{Message: "go", Model: "m", Tools: []string{"boom"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.Content != "recovered" {
		t.Fatalf("unexpected result: %+v", res)
	}
	second := provider.Calls[1].Req.Messages
	last := second[len(second)-1]
	if !strings.Contains(last.Content, "exploded") {
		t.Errorf("error envelope not fed back to model: %q", last.Content)
	}
}

func TestRunValidatesParameters(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(&mock.Provider{}, newStubCatalog("echo"), &stubInvoker{})

	if _, err := o.Run(context.Background(), Request{Model: "m", Tools: []string{"echo"}}); !errors.Is(err, kernel.ErrBadArguments) {
		t.Errorf("empty message: err = %v, want ErrBadArguments", err)
	}
	if _, err := o.Run(context.Background(), Request{Message: "hi", Model: "m"}); !errors.Is(err, kernel.ErrBadArguments) {
		t.Errorf("empty tools: err = %v, want ErrBadArguments", err)
	}
	if _, err := o.Run(context.Background(), Request{Message: "hi", Model: "m", Tools: []string{"nope"}}); !errors.Is(err, kernel.ErrBadArguments) {
		t.Errorf("unknown tool: err = %v, want ErrBadArguments", err)
	}
}

func TestRunDebugTraceTruncation(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", previewLimit+100)
	provider := &mock.Provider{Responses: []*llm.CompletionResponse{stopResponse(long)}}
	o := NewOrchestrator(provider, newStubCatalog("echo"), &stubInvoker{})

	res, err := o.Run(context.Background(), Request{
		Message: "go", Model: "m", Tools: []string{"echo"}, Debug: true,
	})
	if err != nil || !res.Success {
		t.Fatalf("Run: err=%v res=%+v", err, res)
	}
	if len(res.Debug) != 1 {
		t.Fatalf("Debug traces = %d, want 1", len(res.Debug))
	}
	tr := res.Debug[0]
	if tr.ContentLength != len(long) {
		t.Errorf("ContentLength = %d, want %d", tr.ContentLength, len(long))
	}
	if !strings.Contains(tr.ContentPreview, "… (+100 chars)") {
		t.Errorf("preview not truncated: %q", tr.ContentPreview)
	}
	// The full content is untouched by truncation.
	if res.Content != long {
		t.Error("result content was truncated")
	}
}

func TestRunCostBreakdown(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Responses: []*llm.CompletionResponse{
		toolCallsResponse(llm.ToolCall{ID: "c1", Name: "echo", Arguments: `{}`}),
		stopResponse("done"),
	}}
	o := NewOrchestrator(provider, newStubCatalog("echo"), &stubInvoker{})

	res, err := o.Run(context.Background(), Request{
		Message: "go", Model: "m", Tools: []string{"echo"}, CostBreakdown: true,
	})
	if err != nil || !res.Success {
		t.Fatalf("Run: err=%v res=%+v", err, res)
	}
	if len(res.CostBreakdown) != 2 {
		t.Errorf("CostBreakdown entries = %d, want 2", len(res.CostBreakdown))
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()

	if got := preview("short"); got != "short" {
		t.Errorf("preview(short) = %q", got)
	}
	long := strings.Repeat("a", previewLimit+7)
	got := preview(long)
	if !strings.HasPrefix(got, strings.Repeat("a", previewLimit)) || !strings.HasSuffix(got, "… (+7 chars)") {
		t.Errorf("preview = %q", got)
	}
}
