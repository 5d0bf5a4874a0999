package tools

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/kyralabs/toolgate/internal/kernel"
)

// expectKeys rejects argument mappings carrying keys outside the declared
// set, so mistyped parameter names fail as bad_request instead of being
// silently ignored.
func expectKeys(params map[string]any, allowed ...string) error {
	var unexpected []string
	for key := range params {
		if !slices.Contains(allowed, key) {
			unexpected = append(unexpected, key)
		}
	}
	if len(unexpected) > 0 {
		slices.Sort(unexpected)
		return kernel.BadRequestf("unexpected parameter(s): %s", strings.Join(unexpected, ", "))
	}
	return nil
}

// requireString fetches a mandatory string parameter.
func requireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", kernel.BadRequestf("missing required parameter %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", kernel.BadRequestf("parameter %q must be a non-empty string", key)
	}
	return s, nil
}

// optString fetches an optional string parameter.
func optString(params map[string]any, key, def string) (string, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", kernel.BadRequestf("parameter %q must be a string", key)
	}
	return s, nil
}

// optBool fetches an optional boolean parameter.
func optBool(params map[string]any, key string, def bool) (bool, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, kernel.BadRequestf("parameter %q must be a boolean", key)
	}
	return b, nil
}

// optNumber fetches an optional numeric parameter. JSON bodies decoded with
// UseNumber carry json.Number values.
func optNumber(params map[string]any, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, kernel.BadRequestf("parameter %q must be a number", key)
		}
		return f, nil
	default:
		return 0, kernel.BadRequestf("parameter %q must be a number, got %T", key, v)
	}
}

// optStringList fetches an optional list-of-strings parameter. The zero value
// distinguishes "absent" (nil) from "present but empty".
func optStringList(params map[string]any, key string) ([]string, error) {
	v, ok := params[key]
	if !ok {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, kernel.BadRequestf("parameter %q must be a list of strings", key)
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, kernel.BadRequestf("parameter %q must contain only strings, got %T", key, e)
		}
		out = append(out, s)
	}
	return out, nil
}

// optObject fetches an optional mapping parameter.
func optObject(params map[string]any, key string) (map[string]any, error) {
	v, ok := params[key]
	if !ok {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, kernel.BadRequestf("parameter %q must be an object", key)
	}
	return m, nil
}

// schema builds a standardized function-schema spec document for a builtin.
func schema(name, displayName, description string, properties map[string]any, required ...string) map[string]any {
	params := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return map[string]any{
		"function": map[string]any{
			"name":        name,
			"displayName": displayName,
			"description": description,
			"parameters":  params,
		},
	}
}

// prop is a shorthand for one JSON-schema property.
func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}
