// Package agent drives a chat-completions model through a bounded multi-turn
// tool-calling loop. Tools requested by the model are executed against the
// kernel's own registry over loopback HTTP, so every agent-originated call
// traverses the normal dispatch path with its timeout and sanitization.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kyralabs/toolgate/internal/kernel"
	"github.com/kyralabs/toolgate/internal/observe"
	"github.com/kyralabs/toolgate/internal/registry"
	"github.com/kyralabs/toolgate/pkg/provider/llm"
)

// Defaults for the loop budget.
const (
	DefaultMaxIterations = 10
	DefaultTimeout       = 300 * time.Second

	// minProviderTimeout floors the per-request timeout derived from the
	// remaining budget so a nearly exhausted budget still sends a coherent
	// request instead of an instantly-cancelled one.
	minProviderTimeout = 1 * time.Second
)

// Catalog is the registry surface the orchestrator reads tool schemas from.
// *registry.Registry satisfies it.
type Catalog interface {
	Lookup(name string) (*registry.Descriptor, bool)
	Names() []string
}

// Request carries one agent run.
type Request struct {
	// Message is the initial user message.
	Message string

	// Model is the provider model identifier.
	Model string

	// Tools is the non-empty list of registered tool names exposed to the
	// model.
	Tools []string

	// MaxIterations bounds the loop. Zero means [DefaultMaxIterations].
	MaxIterations int

	// Timeout is the wall-clock budget. Zero means [DefaultTimeout].
	Timeout time.Duration

	// Temperature and MaxTokens are forwarded to the provider.
	Temperature float64
	MaxTokens   int

	// Parallel permits concurrent execution of independent tool calls
	// within a turn. Results are appended in request order regardless.
	Parallel bool

	// StopOnToolError aborts the run when any tool call returns an error
	// envelope instead of feeding it back to the model.
	StopOnToolError bool

	// Debug enables per-iteration tracing in the result.
	Debug bool

	// CostBreakdown includes the per-iteration usage objects in the result.
	CostBreakdown bool
}

// Result is the outcome of one agent run. Success is false on budget
// exhaustion, unexpected provider finish reasons, and aborted tool errors;
// those outcomes still carry the iterations and usage observed so far.
type Result struct {
	Success       bool             `json:"success"`
	Content       string           `json:"content,omitempty"`
	FinishReason  string           `json:"finish_reason,omitempty"`
	Error         string           `json:"error,omitempty"`
	ErrorType     string           `json:"error_type,omitempty"`
	Iterations    int              `json:"iterations"`
	Usage         map[string]any   `json:"usage"`
	CostBreakdown []map[string]any `json:"cost_breakdown,omitempty"`
	Debug         []IterationTrace `json:"debug,omitempty"`
	ElapsedSecs   float64          `json:"elapsed_seconds"`
}

// Orchestrator runs agent loops against a single provider backend.
type Orchestrator struct {
	provider llm.Provider
	catalog  Catalog
	invoker  Invoker
}

// NewOrchestrator wires an orchestrator to its provider, tool catalogue, and
// loopback invoker.
func NewOrchestrator(provider llm.Provider, catalog Catalog, invoker Invoker) *Orchestrator {
	return &Orchestrator{provider: provider, catalog: catalog, invoker: invoker}
}

// Run executes the agent loop. Parameter-shape problems return an error
// wrapping [kernel.ErrBadArguments]; every in-loop outcome, including budget
// exhaustion, is reported through the Result instead.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Message == "" {
		return nil, fmt.Errorf("agent: message must not be empty: %w", kernel.ErrBadArguments)
	}
	if len(req.Tools) == 0 {
		return nil, fmt.Errorf("agent: tools must not be empty: %w", kernel.ErrBadArguments)
	}
	defs, err := o.toolDefinitions(req.Tools)
	if err != nil {
		return nil, err
	}
	if req.MaxIterations <= 0 {
		req.MaxIterations = DefaultMaxIterations
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}

	start := time.Now()
	deadline := start.Add(req.Timeout)
	usage := NewUsageAccumulator()
	messages := []llm.Message{{Role: "user", Content: req.Message}}

	res := &Result{Usage: usage.Total()}
	finish := func() *Result {
		res.ElapsedSecs = time.Since(start).Seconds()
		if req.CostBreakdown {
			res.CostBreakdown = usage.Breakdown()
		}
		return res
	}
	fail := func(kind kernel.Kind, format string, args ...any) *Result {
		res.Success = false
		res.Error = fmt.Sprintf(format, args...)
		res.ErrorType = string(kind)
		return finish()
	}

	for iter := 1; iter <= req.MaxIterations; iter++ {
		res.Iterations = iter

		if err := ctx.Err(); err != nil {
			return fail(kernel.KindTimeout, "agent cancelled after %d iterations", iter-1), nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fail(kernel.KindTimeout, "agent timed out after %.1fs (%d iterations)",
				time.Since(start).Seconds(), iter-1), nil
		}
		if remaining < minProviderTimeout {
			remaining = minProviderTimeout
		}

		reqCtx, cancel := context.WithTimeout(ctx, remaining)
		resp, err := o.provider.Complete(reqCtx, llm.CompletionRequest{
			Model:       req.Model,
			Messages:    messages,
			Tools:       defs,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		})
		cancel()
		if err != nil {
			return fail(kernel.KindProvider, "provider request failed on iteration %d: %v", iter, err), nil
		}

		usage.Add(resp.Usage)
		res.FinishReason = resp.FinishReason
		observe.DefaultMetrics().RecordAgentIteration(ctx, resp.FinishReason)

		trace := IterationTrace{
			Iteration:      iter,
			FinishReason:   resp.FinishReason,
			ToolCallCount:  len(resp.ToolCalls),
			ContentLength:  len(resp.Content),
			ContentPreview: preview(resp.Content),
		}

		switch resp.FinishReason {
		case llm.FinishStop:
			messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content})
			res.Success = true
			res.Content = resp.Content
			if req.Debug {
				res.Debug = append(res.Debug, trace)
			}
			return finish(), nil

		case llm.FinishToolCalls:
			messages = append(messages, llm.Message{
				Role:      "assistant",
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			})

			results, abort, err := o.fanOut(ctx, req, resp.ToolCalls)
			if err != nil {
				return fail(kernel.KindExecution, "tool execution failed on iteration %d: %v", iter, err), nil
			}
			for i, tc := range resp.ToolCalls {
				messages = append(messages, llm.Message{
					Role:       "tool",
					Content:    results[i],
					ToolCallID: tc.ID,
				})
				if req.Debug {
					trace.ToolCalls = append(trace.ToolCalls, ToolCallTrace{
						Name:      tc.Name,
						Arguments: preview(tc.Arguments),
						Result:    preview(results[i]),
					})
				}
			}
			if req.Debug {
				res.Debug = append(res.Debug, trace)
			}
			if abort != "" {
				return fail(kernel.KindExecution, "tool %s failed and stop_on_tool_error is set", abort), nil
			}

		default:
			res.Content = resp.Content
			if req.Debug {
				res.Debug = append(res.Debug, trace)
			}
			return fail(kernel.KindProvider, "unexpected finish reason %q on iteration %d",
				resp.FinishReason, iter), nil
		}
	}

	return fail(kernel.KindProvider, "agent reached max iterations (%d) without a stop", req.MaxIterations), nil
}

// fanOut executes one turn's tool calls and returns the serialized results in
// request order. abort names the first failing tool when StopOnToolError is
// set; remaining results are still collected so the trace stays complete.
func (o *Orchestrator) fanOut(ctx context.Context, req Request, calls []llm.ToolCall) (results []string, abort string, err error) {
	results = make([]string, len(calls))
	isErr := make([]bool, len(calls))

	runOne := func(ctx context.Context, i int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		tc := calls[i]
		params, perr := decodeArguments(tc.Arguments)
		if perr != nil {
			results[i] = fmt.Sprintf(`{"error": %q, "error_type": "bad_request"}`, perr.Error())
			isErr[i] = true
			return nil
		}
		body, toolErr, ierr := o.invoker.Invoke(ctx, tc.Name, params)
		if ierr != nil {
			return ierr
		}
		results[i], isErr[i] = body, toolErr
		return nil
	}

	if req.Parallel && len(calls) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for i := range calls {
			g.Go(func() error { return runOne(gctx, i) })
		}
		if err := g.Wait(); err != nil {
			return nil, "", err
		}
	} else {
		for i := range calls {
			if err := runOne(ctx, i); err != nil {
				return nil, "", err
			}
		}
	}

	if req.StopOnToolError {
		for i, failed := range isErr {
			if failed {
				return results, calls[i].Name, nil
			}
		}
	}
	return results, "", nil
}

// toolDefinitions resolves the exposed tool names to provider tool schemas.
func (o *Orchestrator) toolDefinitions(names []string) ([]llm.ToolDefinition, error) {
	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		d, ok := o.catalog.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("agent: tool %q is not registered (available: %v): %w",
				name, o.catalog.Names(), kernel.ErrBadArguments)
		}
		defs = append(defs, toolDefinition(d))
	}
	return defs, nil
}

// toolDefinition extracts the function-calling schema from a descriptor's
// spec document. Malformed documents degrade to a name-and-description
// definition; the provider rejects them if it needs more.
func toolDefinition(d *registry.Descriptor) llm.ToolDefinition {
	def := llm.ToolDefinition{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}
	var doc struct {
		Function struct {
			Description string         `json:"description"`
			Parameters  map[string]any `json:"parameters"`
		} `json:"function"`
	}
	if err := json.Unmarshal(d.Spec, &doc); err != nil {
		slog.Warn("agent: descriptor spec is not valid JSON", "tool", d.Name, "error", err)
		return def
	}
	if doc.Function.Description != "" {
		def.Description = doc.Function.Description
	}
	if doc.Function.Parameters != nil {
		def.Parameters = doc.Function.Parameters
	}
	return def
}

// decodeArguments parses the provider's raw argument string. Empty arguments
// mean an empty mapping.
func decodeArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("tool arguments are not a JSON object: %w", err)
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}
