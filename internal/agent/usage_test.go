package agent

import (
	"encoding/json"
	"testing"
)

func TestUsageAccumulatorSumsNumericFields(t *testing.T) {
	t.Parallel()

	acc := NewUsageAccumulator()
	acc.Add(map[string]any{"prompt_tokens": 10.0, "completion_tokens": 5.0})
	acc.Add(map[string]any{"prompt_tokens": 7.0, "completion_tokens": 3.0})

	total := acc.Total()
	if got := total["prompt_tokens"]; got != 17.0 {
		t.Errorf("prompt_tokens = %v, want 17", got)
	}
	if got := total["completion_tokens"]; got != 8.0 {
		t.Errorf("completion_tokens = %v, want 8", got)
	}
}

func TestUsageAccumulatorPriceKeysKeepFirstValue(t *testing.T) {
	t.Parallel()

	acc := NewUsageAccumulator()
	acc.Add(map[string]any{"prompt_price_per_token": 0.003, "Price": 1.5})
	acc.Add(map[string]any{"prompt_price_per_token": 0.004, "Price": 2.5})

	total := acc.Total()
	if got := total["prompt_price_per_token"]; got != 0.003 {
		t.Errorf("prompt_price_per_token = %v, want first value 0.003", got)
	}
	if got := total["Price"]; got != 1.5 {
		t.Errorf("Price = %v, want first value 1.5", got)
	}
}

func TestUsageAccumulatorNonNumericFirstWrite(t *testing.T) {
	t.Parallel()

	acc := NewUsageAccumulator()
	acc.Add(map[string]any{"model": "gpt-4o-mini", "total_tokens": 12.0})
	acc.Add(map[string]any{"model": "gpt-4o", "total_tokens": 8.0})

	total := acc.Total()
	if got := total["model"]; got != "gpt-4o-mini" {
		t.Errorf("model = %v, want first value gpt-4o-mini", got)
	}
	if got := total["total_tokens"]; got != 20.0 {
		t.Errorf("total_tokens = %v, want 20", got)
	}
}

func TestUsageAccumulatorNestedObjects(t *testing.T) {
	t.Parallel()

	acc := NewUsageAccumulator()
	acc.Add(map[string]any{
		"prompt_tokens_details": map[string]any{"cached_tokens": 4.0},
	})
	acc.Add(map[string]any{
		"prompt_tokens_details": map[string]any{"cached_tokens": 6.0},
	})

	details, ok := acc.Total()["prompt_tokens_details"].(map[string]any)
	if !ok {
		t.Fatalf("prompt_tokens_details missing or wrong type: %v", acc.Total())
	}
	if got := details["cached_tokens"]; got != 10.0 {
		t.Errorf("cached_tokens = %v, want 10", got)
	}
}

func TestUsageAccumulatorJSONNumbers(t *testing.T) {
	t.Parallel()

	acc := NewUsageAccumulator()
	acc.Add(map[string]any{"total_tokens": json.Number("30")})
	acc.Add(map[string]any{"total_tokens": json.Number("12")})

	if got := acc.Total()["total_tokens"]; got != 42.0 {
		t.Errorf("total_tokens = %v, want 42", got)
	}
}

func TestUsageAccumulatorBreakdownOrder(t *testing.T) {
	t.Parallel()

	acc := NewUsageAccumulator()
	acc.Add(map[string]any{"total_tokens": 1.0})
	acc.Add(nil)
	acc.Add(map[string]any{"total_tokens": 3.0})

	bd := acc.Breakdown()
	if len(bd) != 3 {
		t.Fatalf("breakdown length = %d, want 3", len(bd))
	}
	if bd[0]["total_tokens"] != 1.0 || bd[2]["total_tokens"] != 3.0 {
		t.Errorf("breakdown out of order: %v", bd)
	}
}
