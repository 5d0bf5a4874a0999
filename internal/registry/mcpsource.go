package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// mcpPool maintains live connections to the external MCP servers referenced
// by tool manifests. Sessions are keyed by their connection signature so a
// rebuild that keeps a manifest unchanged reuses the existing session, while
// sessions whose manifests disappeared are closed after the swap.
type mcpPool struct {
	mu       sync.Mutex
	client   *mcpsdk.Client
	sessions map[string]*mcpsdk.ClientSession
}

func newMCPPool() *mcpPool {
	return &mcpPool{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "toolgate", Version: "1.0.0"},
			nil,
		),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// sessionKey is the connection signature of an invoke binding. Two manifests
// with identical bindings share one session.
func sessionKey(inv InvokeSpec) string {
	if inv.Transport == "stdio" {
		return "stdio|" + inv.Command
	}
	return "http|" + inv.URL
}

// session returns a live session for inv, connecting on first use.
func (p *mcpPool) session(ctx context.Context, inv InvokeSpec) (*mcpsdk.ClientSession, error) {
	key := sessionKey(inv)

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[key]; ok {
		return s, nil
	}

	var transport mcpsdk.Transport
	switch inv.Transport {
	case "stdio":
		executable, args := splitCommand(inv.Command)
		if executable == "" {
			return nil, fmt.Errorf("mcp source: stdio binding requires a non-empty command")
		}
		cmd := exec.Command(executable, args...)
		for k, v := range inv.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case "streamable-http", "":
		if inv.URL == "" {
			return nil, fmt.Errorf("mcp source: streamable-http binding requires a non-empty url")
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: inv.URL}
	default:
		return nil, fmt.Errorf("mcp source: unknown transport %q", inv.Transport)
	}

	session, err := p.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp source: connect: %w", err)
	}
	p.sessions[key] = session
	return session, nil
}

// prune closes every session whose key is absent from active. Called after a
// rebuild swap; invocations that already resolved a descriptor on a still
// active server are unaffected.
func (p *mcpPool) prune(active map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, s := range p.sessions {
		if active[key] {
			continue
		}
		if err := s.Close(); err != nil {
			slog.Warn("mcp source: close session", "key", key, "err", err)
		}
		delete(p.sessions, key)
	}
}

// closeAll tears down every session. Used at shutdown.
func (p *mcpPool) closeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for key, s := range p.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp source: close session %q: %w", key, err)
		}
		delete(p.sessions, key)
	}
	return firstErr
}

// mcpHandle builds a [Handle] that executes the named tool on an external MCP
// server. The session is resolved lazily so a server that is down at rebuild
// time surfaces its failure on invocation rather than poisoning the rebuild.
func (p *mcpPool) mcpHandle(name string, inv InvokeSpec) Handle {
	remote := inv.Tool
	if remote == "" {
		remote = name
	}
	return func(ctx context.Context, params map[string]any) (any, error) {
		session, err := p.session(ctx, inv)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", name, err)
		}

		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      remote,
			Arguments: params,
		})
		if err != nil {
			return nil, fmt.Errorf("tool %q: mcp call failed: %w", name, err)
		}

		// Prefer structured content when the server provides it; otherwise
		// concatenate the text content blocks.
		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		text := sb.String()

		if result.IsError {
			return nil, fmt.Errorf("tool %q: %s", name, text)
		}

		// Text that parses as JSON is forwarded structurally.
		var decoded any
		dec := json.NewDecoder(strings.NewReader(text))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err == nil {
			return decoded, nil
		}
		return text, nil
	}
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
