// Package sandbox executes short user-supplied Starlark scripts with a
// restricted builtin set and a call_tool bridge into the registry. Scripts
// pass a static security analysis before a single statement runs; at runtime
// a call counter, an optional tool whitelist, and a wall-clock watchdog bound
// what a script can do.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/kyralabs/toolgate/internal/kernel"
	"github.com/kyralabs/toolgate/internal/observe"
)

// Budget bounds.
const (
	DefaultMaxToolCalls = 50
	DefaultTimeout      = 60 * time.Second
	MinTimeout          = 1 * time.Second
	MaxTimeout          = 300 * time.Second
)

// resultNames is the extraction precedence over the script's final globals.
var resultNames = []string{"result", "results", "output", "data", "return_value", "final_result"}

// Catalog is the registry surface the sandbox reads available tool names
// from. *registry.Registry satisfies it.
type Catalog interface {
	Names() []string
}

// Invoker executes a tool by name; the agent package's LoopbackInvoker
// satisfies it, so sandbox tool calls traverse the normal dispatch path.
type Invoker interface {
	Invoke(ctx context.Context, tool string, params map[string]any) (body string, isError bool, err error)
}

// Request is one script execution.
type Request struct {
	// Script is the Starlark source.
	Script string

	// Variables are seed bindings visible to the script.
	Variables map[string]any

	// Timeout is the wall-clock budget, clamped to [MinTimeout, MaxTimeout].
	// Zero means the sandbox default.
	Timeout time.Duration

	// AllowedTools, when non-nil, whitelists the tool names the script may
	// call.
	AllowedTools []string
}

// Result is a successful script execution. Failures are reported as
// [*kernel.Error] values carrying the same auxiliary fields.
type Result struct {
	Success        bool     `json:"success"`
	Result         any      `json:"result"`
	Output         string   `json:"output,omitempty"`
	ToolCallsMade  int      `json:"tool_calls_made"`
	ExecutionTime  float64  `json:"execution_time_seconds"`
	AvailableTools []string `json:"available_tools"`
}

// Sandbox runs scripts against a fixed catalogue and invoker.
type Sandbox struct {
	catalog      Catalog
	invoker      Invoker
	maxToolCalls int
	timeout      time.Duration
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithMaxToolCalls overrides the per-script tool call limit.
func WithMaxToolCalls(n int) Option {
	return func(s *Sandbox) {
		if n > 0 {
			s.maxToolCalls = n
		}
	}
}

// WithDefaultTimeout overrides the default wall-clock budget.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Sandbox) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New constructs a sandbox.
func New(catalog Catalog, invoker Invoker, opts ...Option) *Sandbox {
	s := &Sandbox{
		catalog:      catalog,
		invoker:      invoker,
		maxToolCalls: DefaultMaxToolCalls,
		timeout:      DefaultTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// session is the per-execution state shared by the script's bridges.
type session struct {
	sb        *Sandbox
	ctx       context.Context
	deadline  time.Time
	allowed   map[string]bool // nil means no whitelist
	available []string
	calls     int
	out       strings.Builder
	timedOut  atomic.Bool
}

// Run executes one script. It returns a Result on success. Failures are
// returned as [*kernel.Error] values whose Fields carry tool_calls_made,
// execution_time_seconds, available_tools, and any partial print output.
func (s *Sandbox) Run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Script) == "" {
		return nil, kernel.BadRequestf("script must not be empty")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.timeout
	}
	timeout = min(max(timeout, MinTimeout), MaxTimeout)

	sess := &session{
		sb:        s,
		deadline:  time.Now().Add(timeout),
		available: s.catalog.Names(),
	}
	if req.AllowedTools != nil {
		sess.allowed = make(map[string]bool, len(req.AllowedTools))
		for _, name := range req.AllowedTools {
			sess.allowed[name] = true
		}
	}

	start := time.Now()
	fail := func(ke *kernel.Error) error {
		observe.DefaultMetrics().RecordSandboxExecution(ctx, string(ke.Kind))
		if ke.Fields == nil {
			ke.Fields = map[string]any{}
		}
		ke.Fields["tool_calls_made"] = sess.calls
		ke.Fields["execution_time_seconds"] = time.Since(start).Seconds()
		ke.Fields["available_tools"] = sess.available
		if out := sess.out.String(); out != "" {
			ke.Fields["output"] = out
		}
		return ke
	}

	file, err := Analyze(req.Script)
	if err != nil {
		var ke *kernel.Error
		if errors.As(err, &ke) {
			return nil, fail(ke)
		}
		return nil, fail(kernel.Errorf(kernel.KindSyntaxError, "%v", err))
	}

	predeclared, err := s.predeclared(sess, req.Variables)
	if err != nil {
		return nil, fail(kernel.Errorf(kernel.KindBadRequest, "invalid seed variables: %v", err))
	}

	prog, err := starlark.FileProgram(file, func(name string) bool {
		_, ok := predeclared[name]
		return ok
	})
	if err != nil {
		return nil, fail(kernel.Errorf(kernel.KindExecution, "script resolution failed: %v", err))
	}

	runCtx, cancel := context.WithDeadline(ctx, sess.deadline)
	defer cancel()
	sess.ctx = runCtx

	thread := &starlark.Thread{
		Name: "sandbox",
		Print: func(_ *starlark.Thread, msg string) {
			sess.out.WriteString(msg)
			sess.out.WriteByte('\n')
		},
	}
	watchdog := time.AfterFunc(timeout, func() {
		sess.timedOut.Store(true)
		thread.Cancel("wall-clock timeout")
	})
	defer watchdog.Stop()
	stop := context.AfterFunc(runCtx, func() {
		if runCtx.Err() != nil && time.Now().After(sess.deadline) {
			sess.timedOut.Store(true)
		}
		thread.Cancel("cancelled")
	})
	defer stop()

	globals, err := prog.Init(thread, predeclared)
	if err != nil {
		return nil, fail(sess.classify(err))
	}

	value, err := extractResult(globals)
	if err != nil {
		return nil, fail(kernel.Errorf(kernel.KindExecution, "result conversion failed: %v", err))
	}

	observe.DefaultMetrics().RecordSandboxExecution(ctx, "ok")
	return &Result{
		Success:        true,
		Result:         value,
		Output:         sess.out.String(),
		ToolCallsMade:  sess.calls,
		ExecutionTime:  time.Since(start).Seconds(),
		AvailableTools: sess.available,
	}, nil
}

// classify maps a script evaluation error to the taxonomy: timeouts from the
// watchdog, structured bridge errors, anything else as execution_error.
func (sess *session) classify(err error) *kernel.Error {
	if sess.timedOut.Load() {
		return kernel.Errorf(kernel.KindTimeout, "script exceeded its wall-clock timeout")
	}
	var ke *kernel.Error
	if errors.As(err, &ke) {
		return ke
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return kernel.Errorf(kernel.KindExecution, "script failed: %s", evalErr.Msg)
	}
	return kernel.Errorf(kernel.KindExecution, "script failed: %v", err)
}

// predeclared assembles the restricted runtime namespace: Starlark's safe
// universe is implicitly available; this adds the JSON codec, the time
// façade, the registry bridges, a few conveniences the universe lacks, and
// the caller's seed variables.
func (s *Sandbox) predeclared(sess *session, variables map[string]any) (starlark.StringDict, error) {
	env := starlark.StringDict{
		"json":       starlarkjson.Module,
		"time":       timeModule(sess),
		"call_tool":  starlark.NewBuiltin("call_tool", sess.callTool),
		"tools":      &toolsProxy{sess: sess},
		"sum":        starlark.NewBuiltin("sum", builtinSum),
		"round":      starlark.NewBuiltin("round", builtinRound),
		"isinstance": starlark.NewBuiltin("isinstance", builtinIsInstance),
	}
	for name, v := range variables {
		sv, err := toStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		env[name] = sv
	}
	return env, nil
}

// timeModule returns the time façade: time.time() and time.sleep(seconds).
func timeModule(sess *session) *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "time",
		Members: starlark.StringDict{
			"time": starlark.NewBuiltin("time.time", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				if err := starlark.UnpackArgs("time.time", args, kwargs); err != nil {
					return nil, err
				}
				return starlark.Float(float64(time.Now().UnixNano()) / 1e9), nil
			}),
			"sleep": starlark.NewBuiltin("time.sleep", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var seconds float64
				if err := starlark.UnpackArgs("time.sleep", args, kwargs, "seconds", &seconds); err != nil {
					return nil, err
				}
				return starlark.None, sess.sleep(seconds)
			}),
		},
	}
}

// sleep is a cooperative suspension point: it never sleeps past the script
// deadline and surfaces cancellation immediately.
func (sess *session) sleep(seconds float64) error {
	if seconds <= 0 {
		return nil
	}
	d := time.Duration(seconds * float64(time.Second))
	if remaining := time.Until(sess.deadline); d > remaining {
		d = remaining
	}
	select {
	case <-time.After(d):
		return sess.checkDeadline()
	case <-sess.ctx.Done():
		return sess.checkDeadline()
	}
}

// checkDeadline enforces the wall-clock budget at bridge boundaries.
func (sess *session) checkDeadline() error {
	if time.Now().After(sess.deadline) {
		sess.timedOut.Store(true)
		return kernel.Errorf(kernel.KindTimeout, "script exceeded its wall-clock timeout")
	}
	if err := sess.ctx.Err(); err != nil {
		return kernel.Errorf(kernel.KindExecution, "script cancelled")
	}
	return nil
}

// callTool implements call_tool(name, params).
func (sess *session) callTool(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var params starlark.Value
	if err := starlark.UnpackArgs("call_tool", args, kwargs, "name", &name, "params?", &params); err != nil {
		return nil, err
	}
	mapping, err := dictToParams(params)
	if err != nil {
		return nil, err
	}
	return sess.invoke(name, mapping)
}

// invoke runs one bridged tool call under the session's policy checks.
func (sess *session) invoke(name string, params map[string]any) (starlark.Value, error) {
	if err := sess.checkDeadline(); err != nil {
		return nil, err
	}
	if sess.calls >= sess.sb.maxToolCalls {
		return nil, &kernel.Error{
			Kind:    kernel.KindCallLimit,
			Message: fmt.Sprintf("tool call limit exceeded (max %d)", sess.sb.maxToolCalls),
			Fields:  map[string]any{"max_tool_calls": sess.sb.maxToolCalls},
		}
	}
	if sess.allowed != nil && !sess.allowed[name] {
		allowed := make([]string, 0, len(sess.allowed))
		for n := range sess.allowed {
			allowed = append(allowed, n)
		}
		slices.Sort(allowed)
		return nil, &kernel.Error{
			Kind:    kernel.KindToolNotAllowed,
			Message: fmt.Sprintf("tool %q is not in the allowed list", name),
			Fields:  map[string]any{"allowed_tools": allowed},
		}
	}
	if !slices.Contains(sess.available, name) {
		return nil, &kernel.Error{
			Kind:    kernel.KindUnknownTool,
			Message: fmt.Sprintf("unknown tool %q", name),
			Fields:  map[string]any{"available_tools": sess.available},
		}
	}

	sess.calls++

	body, isError, err := sess.sb.invoker.Invoke(sess.ctx, name, params)
	if err != nil {
		if deadlineErr := sess.checkDeadline(); deadlineErr != nil {
			return nil, deadlineErr
		}
		return nil, fmt.Errorf("tool %q invocation failed: %w", name, err)
	}

	var envelope struct {
		Result any    `json:"result"`
		Error  string `json:"error"`
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	if decErr := dec.Decode(&envelope); decErr != nil {
		return nil, fmt.Errorf("tool %q returned an unparseable response: %w", name, decErr)
	}
	if isError || envelope.Error != "" {
		msg := envelope.Error
		if msg == "" {
			msg = body
		}
		return nil, fmt.Errorf("tool %q failed: %s", name, msg)
	}
	return toStarlark(envelope.Result)
}

// toolsProxy exposes attribute-style tool access: tools.foo(x=1) is
// equivalent to call_tool("foo", {"x": 1}).
type toolsProxy struct {
	sess *session
}

var _ starlark.HasAttrs = (*toolsProxy)(nil)

func (t *toolsProxy) String() string        { return "<tools>" }
func (t *toolsProxy) Type() string          { return "tools" }
func (t *toolsProxy) Freeze()               {}
func (t *toolsProxy) Truth() starlark.Bool  { return starlark.True }
func (t *toolsProxy) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: tools") }

func (t *toolsProxy) AttrNames() []string {
	names := slices.Clone(t.sess.available)
	slices.Sort(names)
	return names
}

func (t *toolsProxy) Attr(name string) (starlark.Value, error) {
	sess := t.sess
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		params := map[string]any{}
		// A single positional dict is accepted as the whole mapping.
		if len(args) > 1 {
			return nil, fmt.Errorf("tools.%s: expected keyword arguments or a single params dict", b.Name())
		}
		if len(args) == 1 {
			m, err := dictToParams(args[0])
			if err != nil {
				return nil, fmt.Errorf("tools.%s: %w", b.Name(), err)
			}
			params = m
		}
		for _, kv := range kwargs {
			key, _ := starlark.AsString(kv[0])
			gv, err := fromStarlark(kv[1])
			if err != nil {
				return nil, fmt.Errorf("tools.%s: argument %s: %w", b.Name(), key, err)
			}
			params[key] = gv
		}
		return sess.invoke(b.Name(), params)
	}), nil
}

// builtinSum implements sum(iterable, start=0).
func builtinSum(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start starlark.Value = starlark.MakeInt(0)
	if err := starlark.UnpackArgs("sum", args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}
	total := start
	iter := iterable.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		v, err := starlark.Binary(syntax.PLUS, total, x)
		if err != nil {
			return nil, fmt.Errorf("sum: %w", err)
		}
		total = v
	}
	return total, nil
}

// builtinRound implements round(number, ndigits=0) over floats and ints.
func builtinRound(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var number starlark.Value
	var ndigits int
	if err := starlark.UnpackArgs("round", args, kwargs, "number", &number, "ndigits?", &ndigits); err != nil {
		return nil, err
	}
	switch n := number.(type) {
	case starlark.Int:
		return n, nil
	case starlark.Float:
		shift := math.Pow(10, float64(ndigits))
		rounded := math.Round(float64(n)*shift) / shift
		if ndigits <= 0 {
			return starlark.MakeInt64(int64(rounded)), nil
		}
		return starlark.Float(rounded), nil
	default:
		return nil, fmt.Errorf("round: got %s, want int or float", number.Type())
	}
}

// builtinIsInstance implements isinstance(value, typename) against Starlark
// type names, with "str" accepted as an alias for "string".
func builtinIsInstance(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value starlark.Value
	var typename string
	if err := starlark.UnpackArgs("isinstance", args, kwargs, "value", &value, "typename", &typename); err != nil {
		return nil, err
	}
	if typename == "str" {
		typename = "string"
	}
	return starlark.Bool(value.Type() == typename), nil
}

// extractResult applies the result-name precedence over the final globals;
// when none of the names is bound, the whole user namespace is returned.
func extractResult(globals starlark.StringDict) (any, error) {
	for _, name := range resultNames {
		if v, ok := globals[name]; ok {
			return fromStarlark(v)
		}
	}
	all := make(map[string]any, len(globals))
	for name, v := range globals {
		gv, err := fromStarlark(v)
		if err != nil {
			return nil, err
		}
		all[name] = gv
	}
	return all, nil
}
