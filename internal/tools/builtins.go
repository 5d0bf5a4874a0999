// Package tools provides the builtin tools that are present in every
// registry generation, ahead of any manifest-discovered tools.
package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kyralabs/toolgate/internal/agent"
	"github.com/kyralabs/toolgate/internal/kernel"
	"github.com/kyralabs/toolgate/internal/registry"
	"github.com/kyralabs/toolgate/internal/sandbox"
)

// Deps holds the shared infrastructure the builtins close over. Nil members
// degrade the corresponding builtin to a runtime execution error rather than
// removing it from the catalogue.
type Deps struct {
	Agent      *agent.Orchestrator
	Sandbox    *sandbox.Sandbox
	DB         *pgxpool.Pool
	HTTPClient *http.Client
}

const (
	defaultHTTPTimeout = 30 * time.Second
	maxHTTPTimeout     = 120 * time.Second
	maxResponseBody    = 4 << 20
)

// Builtins returns the builtin tool set in registration order.
func Builtins(deps Deps) []registry.Builtin {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return []registry.Builtin{
		echoBuiltin(),
		httpRequestBuiltin(deps.HTTPClient),
		dbQueryBuiltin(deps.DB),
		runAgentBuiltin(deps.Agent),
		runScriptBuiltin(deps.Sandbox),
	}
}

func echoBuiltin() registry.Builtin {
	return registry.Builtin{
		Name:        "echo",
		DisplayName: "Echo",
		Description: "Returns the given parameters unchanged. Useful for connectivity checks.",
		Spec: schema("echo", "Echo",
			"Returns the given parameters unchanged.",
			map[string]any{},
		),
		Handle: func(_ context.Context, params map[string]any) (any, error) {
			if params == nil {
				params = map[string]any{}
			}
			return params, nil
		},
	}
}

func httpRequestBuiltin(client *http.Client) registry.Builtin {
	return registry.Builtin{
		Name:        "http_request",
		DisplayName: "HTTP Request",
		Description: "Performs an HTTP request and returns status, headers and body.",
		Spec: schema("http_request", "HTTP Request",
			"Performs an HTTP request against the given URL and returns status code, response headers and body text.",
			map[string]any{
				"url":             prop("string", "Absolute URL to request."),
				"method":          prop("string", "HTTP method, default GET."),
				"headers":         prop("object", "Request headers as a string-to-string mapping."),
				"body":            prop("string", "Request body to send."),
				"timeout_seconds": prop("number", "Per-request timeout in seconds, default 30, max 120."),
			},
			"url",
		),
		Handle: func(ctx context.Context, params map[string]any) (any, error) {
			if err := expectKeys(params, "url", "method", "headers", "body", "timeout_seconds"); err != nil {
				return nil, err
			}
			url, err := requireString(params, "url")
			if err != nil {
				return nil, err
			}
			if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
				return nil, kernel.BadRequestf("parameter %q must be an http(s) URL", "url")
			}
			method, err := optString(params, "method", http.MethodGet)
			if err != nil {
				return nil, err
			}
			method = strings.ToUpper(method)
			body, err := optString(params, "body", "")
			if err != nil {
				return nil, err
			}
			headers, err := optObject(params, "headers")
			if err != nil {
				return nil, err
			}
			timeoutSecs, err := optNumber(params, "timeout_seconds", defaultHTTPTimeout.Seconds())
			if err != nil {
				return nil, err
			}
			if timeoutSecs <= 0 || timeoutSecs > maxHTTPTimeout.Seconds() {
				return nil, kernel.BadRequestf("parameter %q must be in (0, %.0f]", "timeout_seconds", maxHTTPTimeout.Seconds())
			}

			ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSecs*float64(time.Second)))
			defer cancel()

			var reader io.Reader
			if body != "" {
				reader = strings.NewReader(body)
			}
			req, err := http.NewRequestWithContext(ctx, method, url, reader)
			if err != nil {
				return nil, kernel.BadRequestf("invalid request: %v", err)
			}
			for k, v := range headers {
				s, ok := v.(string)
				if !ok {
					return nil, kernel.BadRequestf("header %q must be a string value", k)
				}
				req.Header.Set(k, s)
			}

			resp, err := client.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return nil, kernel.Errorf(kernel.KindTimeout, "http_request: request timed out: %v", err)
				}
				return nil, kernel.Errorf(kernel.KindExecution, "http_request: %v", err)
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
			if err != nil {
				return nil, kernel.Errorf(kernel.KindExecution, "http_request: read body: %v", err)
			}

			respHeaders := make(map[string]string, len(resp.Header))
			for k := range resp.Header {
				respHeaders[k] = resp.Header.Get(k)
			}
			return map[string]any{
				"status_code": resp.StatusCode,
				"headers":     respHeaders,
				"body":        string(data),
			}, nil
		},
	}
}

func dbQueryBuiltin(pool *pgxpool.Pool) registry.Builtin {
	return registry.Builtin{
		Name:        "db_query",
		DisplayName: "Database Query",
		Description: "Runs a read-only SQL query against the configured Postgres database.",
		Spec: schema("db_query", "Database Query",
			"Runs a read-only SQL query (SELECT or WITH) and returns the result rows.",
			map[string]any{
				"query": prop("string", "SQL text. Only SELECT and WITH statements are accepted."),
				"args":  prop("array", "Positional query arguments bound to $1, $2, ..."),
			},
			"query",
		),
		Handle: func(ctx context.Context, params map[string]any) (any, error) {
			if err := expectKeys(params, "query", "args"); err != nil {
				return nil, err
			}
			query, err := requireString(params, "query")
			if err != nil {
				return nil, err
			}
			head := strings.ToUpper(strings.TrimSpace(query))
			if !strings.HasPrefix(head, "SELECT") && !strings.HasPrefix(head, "WITH") {
				return nil, kernel.BadRequestf("only SELECT and WITH queries are allowed")
			}
			var args []any
			if v, ok := params["args"]; ok {
				list, ok := v.([]any)
				if !ok {
					return nil, kernel.BadRequestf("parameter %q must be a list", "args")
				}
				args = list
			}
			if pool == nil {
				return nil, kernel.Errorf(kernel.KindExecution, "db_query: database is not configured")
			}

			rows, err := pool.Query(ctx, query, args...)
			if err != nil {
				return nil, kernel.Errorf(kernel.KindExecution, "db_query: %v", err)
			}
			defer rows.Close()

			fields := rows.FieldDescriptions()
			columns := make([]string, len(fields))
			for i, fd := range fields {
				columns[i] = fd.Name
			}

			results := make([]map[string]any, 0, 16)
			for rows.Next() {
				values, err := rows.Values()
				if err != nil {
					return nil, kernel.Errorf(kernel.KindExecution, "db_query: scan row: %v", err)
				}
				row := make(map[string]any, len(columns))
				for i, col := range columns {
					row[col] = values[i]
				}
				results = append(results, row)
			}
			if err := rows.Err(); err != nil {
				return nil, kernel.Errorf(kernel.KindExecution, "db_query: %v", err)
			}
			return map[string]any{
				"columns":   columns,
				"rows":      results,
				"row_count": len(results),
			}, nil
		},
	}
}

func runAgentBuiltin(orch *agent.Orchestrator) registry.Builtin {
	return registry.Builtin{
		Name:        "run_agent",
		DisplayName: "Run Agent",
		Description: "Runs a multi-turn agent loop where a language model plans and executes tool calls.",
		Spec: schema("run_agent", "Run Agent",
			"Runs a multi-turn agent loop: the model receives the message, may call the listed tools, and iterates until it produces a final answer or a budget is exhausted.",
			map[string]any{
				"message":             prop("string", "Task for the agent."),
				"model":               prop("string", "Model identifier passed to the provider."),
				"tools":               prop("array", "Names of registered tools the agent may call."),
				"max_iterations":      prop("number", "Iteration cap, default 10."),
				"timeout_seconds":     prop("number", "Wall-clock budget in seconds, default 300."),
				"temperature":         prop("number", "Sampling temperature."),
				"max_tokens":          prop("number", "Per-completion token cap."),
				"parallel_tool_calls": prop("boolean", "Execute a batch of tool calls concurrently."),
				"stop_on_tool_error":  prop("boolean", "Abort the loop on the first failed tool call."),
				"debug":               prop("boolean", "Include per-iteration traces in the result."),
				"cost_breakdown":      prop("boolean", "Include per-iteration usage in the result."),
			},
			"message", "tools",
		),
		Handle: func(ctx context.Context, params map[string]any) (any, error) {
			if err := expectKeys(params,
				"message", "model", "tools", "max_iterations", "timeout_seconds",
				"temperature", "max_tokens", "parallel_tool_calls",
				"stop_on_tool_error", "debug", "cost_breakdown"); err != nil {
				return nil, err
			}
			if orch == nil {
				return nil, kernel.Errorf(kernel.KindExecution, "run_agent: no provider is configured")
			}
			req, err := parseAgentRequest(params)
			if err != nil {
				return nil, err
			}
			result, err := orch.Run(ctx, req)
			if err != nil {
				return nil, kernel.AsError(err)
			}
			return result, nil
		},
	}
}

func parseAgentRequest(params map[string]any) (agent.Request, error) {
	var req agent.Request
	var err error
	if req.Message, err = requireString(params, "message"); err != nil {
		return req, err
	}
	if req.Model, err = optString(params, "model", ""); err != nil {
		return req, err
	}
	if req.Tools, err = optStringList(params, "tools"); err != nil {
		return req, err
	}
	maxIter, err := optNumber(params, "max_iterations", 0)
	if err != nil {
		return req, err
	}
	if maxIter < 0 {
		return req, kernel.BadRequestf("parameter %q must not be negative", "max_iterations")
	}
	req.MaxIterations = int(maxIter)
	timeoutSecs, err := optNumber(params, "timeout_seconds", 0)
	if err != nil {
		return req, err
	}
	if timeoutSecs < 0 {
		return req, kernel.BadRequestf("parameter %q must not be negative", "timeout_seconds")
	}
	req.Timeout = time.Duration(timeoutSecs * float64(time.Second))
	if req.Temperature, err = optNumber(params, "temperature", 0); err != nil {
		return req, err
	}
	maxTokens, err := optNumber(params, "max_tokens", 0)
	if err != nil {
		return req, err
	}
	req.MaxTokens = int(maxTokens)
	if req.Parallel, err = optBool(params, "parallel_tool_calls", false); err != nil {
		return req, err
	}
	if req.StopOnToolError, err = optBool(params, "stop_on_tool_error", false); err != nil {
		return req, err
	}
	if req.Debug, err = optBool(params, "debug", false); err != nil {
		return req, err
	}
	if req.CostBreakdown, err = optBool(params, "cost_breakdown", false); err != nil {
		return req, err
	}
	return req, nil
}

func runScriptBuiltin(sb *sandbox.Sandbox) registry.Builtin {
	return registry.Builtin{
		Name:        "run_script",
		DisplayName: "Run Script",
		Description: "Executes a Starlark script in a sandbox with access to the registered tools.",
		Spec: schema("run_script", "Run Script",
			fmt.Sprintf("Executes a Starlark script in a restricted sandbox. The script may call registered tools via call_tool(name, params) or tools.<name>(...), up to %d calls per run.", sandbox.DefaultMaxToolCalls),
			map[string]any{
				"script":          prop("string", "Starlark source to execute."),
				"code":            prop("string", "Alias for script."),
				"variables":       prop("object", "Seed variables bound as globals before execution."),
				"timeout":         prop("number", "Wall-clock budget in seconds, clamped to [1, 300]."),
				"timeout_seconds": prop("number", "Alias for timeout."),
				"allowed_tools":   prop("array", "Whitelist of tool names the script may call."),
			},
		),
		Handle: func(ctx context.Context, params map[string]any) (any, error) {
			if err := expectKeys(params,
				"script", "code", "variables", "timeout", "timeout_seconds", "allowed_tools"); err != nil {
				return nil, err
			}
			if sb == nil {
				return nil, kernel.Errorf(kernel.KindExecution, "run_script: sandbox is not configured")
			}
			req, err := parseScriptRequest(params)
			if err != nil {
				return nil, err
			}
			result, err := sb.Run(ctx, req)
			if err != nil {
				return nil, kernel.AsError(err)
			}
			return result, nil
		},
	}
}

func parseScriptRequest(params map[string]any) (sandbox.Request, error) {
	var req sandbox.Request
	var err error
	if req.Script, err = optString(params, "script", ""); err != nil {
		return req, err
	}
	if req.Script == "" {
		if req.Script, err = optString(params, "code", ""); err != nil {
			return req, err
		}
	}
	if req.Script == "" {
		return req, kernel.BadRequestf("missing required parameter %q", "script")
	}
	if req.Variables, err = optObject(params, "variables"); err != nil {
		return req, err
	}
	timeoutSecs, err := optNumber(params, "timeout", 0)
	if err != nil {
		return req, err
	}
	if timeoutSecs == 0 {
		if timeoutSecs, err = optNumber(params, "timeout_seconds", 0); err != nil {
			return req, err
		}
	}
	if timeoutSecs < 0 {
		return req, kernel.BadRequestf("parameter %q must not be negative", "timeout")
	}
	req.Timeout = time.Duration(timeoutSecs * float64(time.Second))
	if req.AllowedTools, err = optStringList(params, "allowed_tools"); err != nil {
		return req, err
	}
	return req, nil
}
