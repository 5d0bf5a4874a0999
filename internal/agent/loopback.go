package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Invoker executes a named tool and returns the serialized response body.
// isError reports whether the invocation produced an error envelope; the
// body is still returned so callers can surface it to the model. A non-nil
// err means the invocation could not complete at all (transport failure,
// cancelled context).
type Invoker interface {
	Invoke(ctx context.Context, tool string, params map[string]any) (body string, isError bool, err error)
}

// LoopbackInvoker implements Invoker by POSTing to the kernel's own /execute
// endpoint. Agent- and sandbox-originated tool calls go through the normal
// dispatch path this way, including its timeout and sanitization.
type LoopbackInvoker struct {
	// BaseURL is the kernel's own address, e.g. "http://127.0.0.1:8087".
	BaseURL string

	// Client is the HTTP client used for loopback calls. When nil, a client
	// with a generous default timeout is used; the dispatch timeout on the
	// far side is the effective bound.
	Client *http.Client
}

var _ Invoker = (*LoopbackInvoker)(nil)

// defaultLoopbackTimeout is a transport-level backstop; the kernel's own
// dispatch timeout fires first in normal operation.
const defaultLoopbackTimeout = 10 * time.Minute

func (l *LoopbackInvoker) client() *http.Client {
	if l.Client != nil {
		return l.Client
	}
	return &http.Client{Timeout: defaultLoopbackTimeout}
}

// Invoke implements Invoker.
func (l *LoopbackInvoker) Invoke(ctx context.Context, tool string, params map[string]any) (string, bool, error) {
	payload, err := json.Marshal(map[string]any{
		"tool":   tool,
		"params": params,
	})
	if err != nil {
		return "", false, fmt.Errorf("agent: marshal params for %s: %w", tool, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.BaseURL+"/execute", bytes.NewReader(payload))
	if err != nil {
		return "", false, fmt.Errorf("agent: create loopback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client().Do(req)
	if err != nil {
		return "", false, fmt.Errorf("agent: loopback call %s: %w", tool, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("agent: read loopback response for %s: %w", tool, err)
	}

	return string(body), resp.StatusCode != http.StatusOK, nil
}
