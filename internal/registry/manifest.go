package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kyralabs/toolgate/internal/kernel"
)

// Manifest is one tool declaration from the tools directory. YAML and JSON
// files are both accepted (JSON is a YAML subset).
//
// A manifest is eligible iff it carries a spec document with a function name
// and a recognised invocation binding — the declarative equivalents of the
// spec-producer and run entry points a dynamic plugin would expose.
type Manifest struct {
	// Spec is the opaque spec document. The kernel reads function.name,
	// function.displayName, and function.description; everything else is
	// forwarded verbatim.
	Spec map[string]any `yaml:"spec"`

	// Invoke binds the tool to an execution backend.
	Invoke InvokeSpec `yaml:"invoke"`
}

// InvokeKind selects the execution backend of a manifest-declared tool.
type InvokeKind string

const (
	// InvokeHTTP forwards invocations to an HTTP callback endpoint.
	InvokeHTTP InvokeKind = "http"

	// InvokeMCP executes the tool on an external MCP server.
	InvokeMCP InvokeKind = "mcp"
)

// IsValid reports whether k is a recognised invocation kind.
func (k InvokeKind) IsValid() bool {
	return k == InvokeHTTP || k == InvokeMCP
}

// InvokeSpec is the invocation binding of a manifest.
type InvokeSpec struct {
	Kind InvokeKind `yaml:"kind"`

	// URL is the callback endpoint (http kind) or the streamable-HTTP
	// endpoint (mcp kind with transport streamable-http).
	URL string `yaml:"url"`

	// Transport selects the MCP connection mechanism: "stdio" or
	// "streamable-http". mcp kind only.
	Transport string `yaml:"transport"`

	// Command is the server command line for stdio transport.
	Command string `yaml:"command"`

	// Env holds additional environment variables for stdio servers.
	Env map[string]string `yaml:"env"`

	// Tool is the tool name on the MCP server; defaults to function.name.
	Tool string `yaml:"tool"`
}

// functionHeader is the part of the spec document the kernel reads.
type functionHeader struct {
	Name        string
	DisplayName string
	Description string
}

var errIneligible = errors.New("manifest is not an eligible tool module")

// parseManifest decodes and validates one manifest file.
func parseManifest(data []byte) (*Manifest, error) {
	m := &Manifest{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Spec == nil {
		return nil, fmt.Errorf("%w: missing spec document", errIneligible)
	}
	if !m.Invoke.Kind.IsValid() {
		return nil, fmt.Errorf("%w: missing or unknown invoke.kind %q", errIneligible, m.Invoke.Kind)
	}
	return m, nil
}

// header extracts function.name / displayName / description from the spec
// document. A missing or empty function.name makes the manifest ineligible.
func (m *Manifest) header() (functionHeader, error) {
	fn, ok := m.Spec["function"].(map[string]any)
	if !ok {
		return functionHeader{}, fmt.Errorf("%w: spec.function is missing", errIneligible)
	}
	h := functionHeader{}
	h.Name, _ = fn["name"].(string)
	if h.Name == "" {
		return functionHeader{}, fmt.Errorf("%w: spec.function.name is missing", errIneligible)
	}
	h.DisplayName, _ = fn["displayName"].(string)
	h.Description, _ = fn["description"].(string)
	return h, nil
}

// canonicalSpec serialises the spec document as compact canonical JSON
// (sorted keys, no whitespace). Two rebuilds over identical manifests
// therefore produce byte-identical listing bodies.
func (m *Manifest) canonicalSpec() (json.RawMessage, error) {
	data, err := json.Marshal(m.Spec)
	if err != nil {
		return nil, fmt.Errorf("encode spec document: %w", err)
	}
	return data, nil
}

// httpHandle builds a [Handle] that forwards invocations to an HTTP callback
// endpoint: POST {"name": ..., "params": ...} expecting {"result": ...} or a
// structured error body.
func httpHandle(name, url string, client *http.Client) Handle {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, params map[string]any) (any, error) {
		payload, err := json.Marshal(map[string]any{"name": name, "params": params})
		if err != nil {
			return nil, fmt.Errorf("tool %q: marshal params: %w", name, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("tool %q: create request: %w", name, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("tool %q: call %s: %w", name, url, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("tool %q: read response: %w", name, err)
		}

		var envelope struct {
			Result    any    `json:"result"`
			Error     string `json:"error"`
			ErrorType string `json:"error_type"`
		}
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&envelope); err != nil {
			return nil, fmt.Errorf("tool %q: parse response (%d): %w", name, resp.StatusCode, err)
		}
		if envelope.Error != "" {
			if envelope.ErrorType == string(kernel.KindBadRequest) {
				return nil, fmt.Errorf("tool %q: %s: %w", name, envelope.Error, kernel.ErrBadArguments)
			}
			return nil, fmt.Errorf("tool %q: %s", name, envelope.Error)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("tool %q: endpoint returned %d", name, resp.StatusCode)
		}
		return envelope.Result, nil
	}
}

// defaultCallbackTimeout bounds HTTP callback tools that never respond. The
// dispatcher's own deadline is usually shorter and wins.
const defaultCallbackTimeout = 120 * time.Second
