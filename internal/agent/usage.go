package agent

import (
	"encoding/json"
	"strings"
)

// UsageAccumulator aggregates provider usage objects across iterations.
// Numeric fields are summed, except keys containing the case-insensitive
// substring "price", which (like all non-numeric fields) keep the first
// observed value. Nested objects are accumulated recursively.
type UsageAccumulator struct {
	total      map[string]any
	iterations []map[string]any
}

// NewUsageAccumulator returns an empty accumulator.
func NewUsageAccumulator() *UsageAccumulator {
	return &UsageAccumulator{total: make(map[string]any)}
}

// Add folds one provider usage object into the running total and records it
// for the per-iteration breakdown. Nil maps are recorded as empty.
func (a *UsageAccumulator) Add(usage map[string]any) {
	if usage == nil {
		usage = map[string]any{}
	}
	a.iterations = append(a.iterations, usage)
	mergeUsage(a.total, usage)
}

// Total returns the cumulative usage object. The map is shared with the
// accumulator; callers must not mutate it while accumulation continues.
func (a *UsageAccumulator) Total() map[string]any {
	return a.total
}

// Breakdown returns the per-iteration usage objects in order.
func (a *UsageAccumulator) Breakdown() []map[string]any {
	return a.iterations
}

func mergeUsage(dst, src map[string]any) {
	for key, val := range src {
		existing, seen := dst[key]

		if sub, ok := asObject(val); ok {
			if !seen {
				fresh := make(map[string]any, len(sub))
				mergeUsage(fresh, sub)
				dst[key] = fresh
				continue
			}
			if dstSub, ok := existing.(map[string]any); ok {
				mergeUsage(dstSub, sub)
			}
			continue
		}

		n, numeric := asNumber(val)
		if !numeric || strings.Contains(strings.ToLower(key), "price") {
			if !seen {
				dst[key] = val
			}
			continue
		}
		if prev, ok := asNumber(existing); seen && ok {
			dst[key] = prev + n
		} else {
			dst[key] = n
		}
	}
}

func asObject(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// asNumber normalises the numeric shapes a decoded usage object can carry.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
