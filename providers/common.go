// Package providers holds the error-mapping and wire-format helpers
// shared by every backend adapter (§4.F). Per-backend configuration lives
// in each adapter's own subpackage.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/inherent-design/atlas-sub002/types"
)

// MapHTTPError translates an HTTP status code and response body into the
// Atlas error taxonomy (§7), common to all three adapters.
func MapHTTPError(status int, msg string, provider string) *types.Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.NewAuthenticationError(provider, msg).WithHTTPStatus(status)

	case http.StatusTooManyRequests:
		return types.NewRateLimitError(provider, msg)

	case http.StatusBadRequest:
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "credit") || strings.Contains(lower, "limit") {
			return types.NewRateLimitError(provider, msg)
		}
		return types.NewAPIError(provider, msg, status, false)

	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return types.NewServerError(provider, msg, status)

	case 529: // anthropic "overloaded" — retryable per §4.F
		return types.NewServerError(provider, msg, status)

	default:
		return types.NewAPIError(provider, msg, status, status >= 500)
	}
}

// ReadErrorMessage extracts a human-readable message from an error
// response body, trying the common {"error": {"message": ...}} shape
// first and falling back to the raw body.
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}
	return string(data)
}

// SafeCloseBody closes an HTTP response body, ignoring the error. Adapter
// call sites defer it after a successful Do, except on a successful
// stream, whose Source closes the body when the stream ends.
func SafeCloseBody(body io.ReadCloser) {
	if body != nil {
		_ = body.Close()
	}
}

// ChooseModel implements the §6.3 precedence: request model, then the
// adapter's configured default, then a hardcoded fallback.
func ChooseModel(req types.ModelRequest, configModel, fallbackModel string) string {
	if req.Model != "" {
		return req.Model
	}
	if configModel != "" {
		return configModel
	}
	return fallbackModel
}

// OpenAICompatMessage is the wire shape shared by OpenAI and every
// OpenAI-compatible backend.
type OpenAICompatMessage struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content,omitempty"`
	Name       string                 `json:"name,omitempty"`
	ToolCalls  []OpenAICompatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
}

type OpenAICompatToolCall struct {
	ID       string               `json:"id"`
	Type     string               `json:"type"`
	Function OpenAICompatFunction `json:"function"`
}

type OpenAICompatFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type OpenAICompatTool struct {
	Type     string               `json:"type"`
	Function OpenAICompatFunction `json:"function"`
}

type OpenAICompatRequest struct {
	Model            string                `json:"model"`
	Messages         []OpenAICompatMessage `json:"messages"`
	Tools            []OpenAICompatTool    `json:"tools,omitempty"`
	MaxTokens        int                   `json:"max_tokens,omitempty"`
	Temperature      float64               `json:"temperature,omitempty"`
	TopP             float64               `json:"top_p,omitempty"`
	FrequencyPenalty float64               `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64               `json:"presence_penalty,omitempty"`
	Stop             []string              `json:"stop,omitempty"`
	Stream           bool                  `json:"stream,omitempty"`
}

type OpenAICompatChoice struct {
	Index        int                  `json:"index"`
	FinishReason string               `json:"finish_reason"`
	Message      OpenAICompatMessage  `json:"message"`
	Delta        *OpenAICompatMessage `json:"delta,omitempty"`
}

type OpenAICompatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type OpenAICompatResponse struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []OpenAICompatChoice `json:"choices"`
	Usage   *OpenAICompatUsage   `json:"usage,omitempty"`
}

// ConvertMessagesToOpenAI renders ModelMessages into the OpenAI wire
// shape. Messages carrying Parts (multi-part content) fall back to their
// Content string, since Parts are not yet wired into this shape — every
// concrete OpenAI request built by the adapter sends flat text.
func ConvertMessagesToOpenAI(msgs []types.Message) []OpenAICompatMessage {
	out := make([]OpenAICompatMessage, 0, len(msgs))
	for _, m := range msgs {
		oa := OpenAICompatMessage{
			Role:       string(m.Role),
			Name:       m.Name,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		if len(m.ToolCalls) > 0 {
			oa.ToolCalls = make([]OpenAICompatToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				oa.ToolCalls = append(oa.ToolCalls, OpenAICompatToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: OpenAICompatFunction{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		}
		out = append(out, oa)
	}
	return out
}

// ConvertToolsToOpenAI renders ToolSchemas into the OpenAI tools array.
func ConvertToolsToOpenAI(tools []types.ToolSchema) []OpenAICompatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]OpenAICompatTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, OpenAICompatTool{
			Type: "function",
			Function: OpenAICompatFunction{
				Name:      t.Name,
				Arguments: t.Parameters,
			},
		})
	}
	return out
}

// ToModelResponse converts an OpenAI-compatible response into a
// ModelResponse. Usage is taken from the wire usage block when present;
// Cost is left zero for the caller to fill in via CalculateCost.
func ToModelResponse(oa OpenAICompatResponse, provider string, raw json.RawMessage) types.ModelResponse {
	resp := types.ModelResponse{
		Model:    oa.Model,
		Provider: provider,
		Raw:      raw,
	}
	if len(oa.Choices) > 0 {
		choice := oa.Choices[0]
		resp.Content = choice.Message.Content
		resp.FinishReason = choice.FinishReason
		for _, tc := range choice.Message.ToolCalls {
			resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	if oa.Usage != nil {
		resp.Usage = types.NewTokenUsage(oa.Usage.PromptTokens, oa.Usage.CompletionTokens)
	}
	return resp
}

// ListModelsOpenAICompat fetches /v1/models-shaped model listings,
// common to OpenAI and any OpenAI-compatible backend.
func ListModelsOpenAICompat(ctx context.Context, client *http.Client, baseURL, providerName, modelsPath string, buildHeaders func(*http.Request)) ([]string, error) {
	endpoint := strings.TrimRight(baseURL, "/") + modelsPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building model list request: %w", err)
	}
	buildHeaders(httpReq)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, types.NewServerError(providerName, err.Error(), http.StatusBadGateway)
	}
	defer SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := ReadErrorMessage(resp.Body)
		return nil, MapHTTPError(resp.StatusCode, msg, providerName)
	}

	var listResp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, types.NewServerError(providerName, err.Error(), http.StatusBadGateway)
	}

	ids := make([]string, 0, len(listResp.Data))
	for _, m := range listResp.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
