package types

import "fmt"

// ResponseFormat constrains the shape of a model's reply (e.g. "text" or
// "json_object"). Kept as an opaque string since backends disagree on the
// exact enum and new values appear faster than this package should need
// releases to track.
type ResponseFormat string

// ModelRequest is a backend-agnostic chat/completion request. Messages is
// never empty for a valid request; if SystemPrompt is set and no message
// has role=system, NewModelRequest prepends a synthesized one.
type ModelRequest struct {
	Messages         []Message      `json:"messages"`
	Model            string         `json:"model,omitempty"`
	MaxTokens        int            `json:"max_tokens,omitempty"`
	Temperature      float64        `json:"temperature,omitempty"`
	TopP             float64        `json:"top_p,omitempty"`
	FrequencyPenalty float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64        `json:"presence_penalty,omitempty"`
	StopSequences    []string       `json:"stop_sequences,omitempty"`
	ResponseFormat   ResponseFormat `json:"response_format,omitempty"`
	SystemPrompt     string         `json:"system_prompt,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`

	// Functions and Tools are mutually exclusive on OpenAI-shaped requests
	// (§4.B); Ollama rejects both outright.
	Functions []ToolSchema `json:"functions,omitempty"`
	Tools     []ToolSchema `json:"tools,omitempty"`
}

// NewModelRequest builds a ModelRequest, prepending a synthesized system
// message from SystemPrompt when messages carries no message with
// role=system (§3 invariant). It does not itself run schema validation;
// callers that need the full §4.B guarantees should run the result through
// validate.Validator.ValidateRequest.
func NewModelRequest(messages []Message, systemPrompt string) ModelRequest {
	req := ModelRequest{Messages: messages, SystemPrompt: systemPrompt}
	if systemPrompt == "" {
		return req
	}
	for _, m := range messages {
		if m.Role == RoleSystem {
			return req
		}
	}
	sys := newMessageUnchecked(RoleSystem, systemPrompt, nil, "")
	req.Messages = append([]Message{sys}, messages...)
	return req
}

// ToProviderRequest produces the backend-specific shape for providerName
// (§4.A). It returns an error for an unrecognized provider name; adapters
// should only ever pass their own Name().
func (r ModelRequest) ToProviderRequest(providerName string) (map[string]any, error) {
	switch providerName {
	case "anthropic":
		return r.toAnthropicShape(), nil
	case "openai":
		return r.toOpenAIShape(), nil
	case "ollama":
		return r.toOllamaShape(), nil
	default:
		return nil, fmt.Errorf("unrecognized provider %q", providerName)
	}
}

// toAnthropicShape extracts the first system message to a top-level
// "system" field; remaining messages (with no system messages) become
// "messages".
func (r ModelRequest) toAnthropicShape() map[string]any {
	var system string
	messages := make([]Message, 0, len(r.Messages))
	systemSeen := false
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			if !systemSeen {
				system = m.Content
				systemSeen = true
			}
			continue
		}
		messages = append(messages, m)
	}
	out := map[string]any{"messages": messages}
	if system != "" {
		out["system"] = system
	}
	if r.MaxTokens > 0 {
		out["max_tokens"] = r.MaxTokens
	}
	if r.Temperature != 0 {
		out["temperature"] = r.Temperature
	}
	if r.TopP != 0 {
		out["top_p"] = r.TopP
	}
	if len(r.StopSequences) > 0 {
		out["stop"] = r.StopSequences
	}
	if r.ResponseFormat != "" {
		out["response_format"] = r.ResponseFormat
	}
	return out
}

// toOpenAIShape passes messages through untouched and forwards the
// OpenAI-specific penalty fields.
func (r ModelRequest) toOpenAIShape() map[string]any {
	out := map[string]any{"messages": r.Messages}
	if r.MaxTokens > 0 {
		out["max_tokens"] = r.MaxTokens
	}
	if r.Temperature != 0 {
		out["temperature"] = r.Temperature
	}
	if r.TopP != 0 {
		out["top_p"] = r.TopP
	}
	if r.FrequencyPenalty != 0 {
		out["frequency_penalty"] = r.FrequencyPenalty
	}
	if r.PresencePenalty != 0 {
		out["presence_penalty"] = r.PresencePenalty
	}
	if len(r.StopSequences) > 0 {
		out["stop"] = r.StopSequences
	}
	if r.ResponseFormat != "" {
		out["response_format"] = r.ResponseFormat
	}
	if len(r.Functions) > 0 {
		out["functions"] = r.Functions
	}
	if len(r.Tools) > 0 {
		out["tools"] = r.Tools
	}
	return out
}

// toOllamaShape flattens the dialog into a single alternating-turn prompt
// string, lifts system content to the top level, and renames MaxTokens to
// num_predict under options, per §4.A/§6.2.
func (r ModelRequest) toOllamaShape() map[string]any {
	var system string
	prompt := ""
	for _, m := range r.Messages {
		switch m.Role {
		case RoleSystem:
			if system == "" {
				system = m.Content
			}
		case RoleUser:
			prompt += fmt.Sprintf("User: %s\n", m.Content)
		case RoleAssistant:
			prompt += fmt.Sprintf("Assistant: %s\n", m.Content)
		default:
			prompt += fmt.Sprintf("%s: %s\n", m.Role, m.Content)
		}
	}
	prompt += "Assistant:"

	options := map[string]any{}
	if r.MaxTokens > 0 {
		options["num_predict"] = r.MaxTokens
	}
	if r.Temperature != 0 {
		options["temperature"] = r.Temperature
	}
	if r.TopP != 0 {
		options["top_p"] = r.TopP
	}
	if len(r.StopSequences) > 0 {
		options["stop"] = r.StopSequences
	}

	out := map[string]any{"prompt": prompt, "options": options}
	if system != "" {
		out["system"] = system
	}
	return out
}
