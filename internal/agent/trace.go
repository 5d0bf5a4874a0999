package agent

import "fmt"

// previewLimit is the maximum length of string fields captured in debug
// traces before truncation.
const previewLimit = 240

// ToolCallTrace records one tool call within an iteration trace.
type ToolCallTrace struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result"`
}

// IterationTrace records one agent loop iteration for debug output.
type IterationTrace struct {
	Iteration      int             `json:"iteration"`
	FinishReason   string          `json:"finish_reason"`
	ToolCallCount  int             `json:"tool_call_count"`
	ToolCalls      []ToolCallTrace `json:"tool_calls,omitempty"`
	ContentLength  int             `json:"content_length"`
	ContentPreview string          `json:"content_preview"`
}

// preview truncates s to previewLimit characters, appending a suffix that
// reports how much was elided.
func preview(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	return fmt.Sprintf("%s… (+%d chars)", s[:previewLimit], len(s)-previewLimit)
}
