package types

import "encoding/json"

// ModelResponse is the backend-agnostic result of a generate call.
type ModelResponse struct {
	Content      string          `json:"content"`
	Model        string          `json:"model"`
	Provider     string          `json:"provider"`
	Usage        TokenUsage      `json:"usage"`
	Cost         CostEstimate    `json:"cost"`
	FinishReason string          `json:"finish_reason,omitempty"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	Raw          json.RawMessage `json:"raw_response,omitempty"`
}

// StreamChunk is one incremental delta delivered to a stream consumer.
// Usage normally arrives on the terminal chunk (§4.E step 5 / §6.2);
// FinishReason may arrive earlier, as with Anthropic's message_delta event.
type StreamChunk struct {
	Delta        string      `json:"delta,omitempty"`
	ToolCalls    []ToolCall  `json:"tool_calls,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
	Done         bool        `json:"done"`
}

// ValidateKeyResult is the §6.1 validate_api_key_detailed result: whether
// the key checked out, whether one was configured at all, and the
// failure reason when it didn't.
type ValidateKeyResult struct {
	Valid      bool   `json:"valid"`
	Provider   string `json:"provider"`
	KeyPresent bool   `json:"key_present"`
	Error      string `json:"error,omitempty"`
}
