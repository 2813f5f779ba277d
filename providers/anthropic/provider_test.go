package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inherent-design/atlas-sub002/types"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "sk-ant-test"}, zap.NewNop())
}

func TestProvider_Name(t *testing.T) {
	p := New(Config{}, zap.NewNop())
	assert.Equal(t, "anthropic", p.Name())
}

func TestProvider_Generate_SendsAuthHeadersAndParsesResponse(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))

		var body claudeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "you are terse", body.System)

		_ = json.NewEncoder(w).Encode(claudeResponse{
			Model:      "claude-3-5-sonnet-20241022",
			StopReason: "end_turn",
			Content:    []claudeContent{{Type: "text", Text: "hi there"}},
			Usage:      &claudeUsage{InputTokens: 10, OutputTokens: 4},
		})
	})

	req := types.NewModelRequest([]types.Message{mustUserMessage(t, "hello")}, "you are terse")
	resp, err := p.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, types.NewTokenUsage(10, 4), resp.Usage)
}

func TestProvider_Generate_ToolUseBlockBecomesToolCall(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(claudeResponse{
			Model:      "claude-3-5-sonnet-20241022",
			StopReason: "tool_use",
			Content: []claudeContent{
				{Type: "tool_use", ID: "call_1", Name: "lookup", Input: json.RawMessage(`{"q":"weather"}`)},
			},
		})
	})

	req := types.NewModelRequest([]types.Message{mustUserMessage(t, "what's the weather")}, "")
	resp, err := p.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "lookup", resp.ToolCalls[0].Name)
}

func TestProvider_Generate_MapsAuthError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(claudeErrorResp{Type: "error", Error: struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}{Type: "authentication_error", Message: "invalid key"}})
	})

	req := types.NewModelRequest([]types.Message{mustUserMessage(t, "hi")}, "")
	_, err := p.Generate(context.Background(), req)
	require.Error(t, err)
	var atlasErr *types.Error
	require.ErrorAs(t, err, &atlasErr)
	assert.Equal(t, types.ErrAuth, atlasErr.Code)
}

func TestProvider_Generate_PricesUsageWhenPriceTableSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(claudeResponse{
			Model: "claude-3-5-sonnet-20241022",
			Usage: &claudeUsage{InputTokens: 1000, OutputTokens: 1000},
		})
	}))
	t.Cleanup(srv.Close)

	p := New(Config{
		BaseURL: srv.URL,
		APIKey:  "sk-ant-test",
		PriceTable: types.PriceTable{
			"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
		},
	}, zap.NewNop())

	req := types.NewModelRequest([]types.Message{mustUserMessage(t, "hi")}, "")
	resp, err := p.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Greater(t, resp.Cost.TotalCost, 0.0)
}

func TestProvider_Stream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		events := []string{
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hel"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
			`{"type":"message_stop","usage":{"input_tokens":5,"output_tokens":2}}`,
		}
		for _, e := range events {
			_, _ = w.Write([]byte("data: " + e + "\n\n"))
			if flusher != nil {
				flusher.Flush()
			}
		}
	})

	req := types.NewModelRequest([]types.Message{mustUserMessage(t, "hi")}, "")
	_, handler, err := p.Stream(context.Background(), req)
	require.NoError(t, err)

	for range handler.Iterator(context.Background()) {
	}
	resp := handler.Response()
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, types.NewTokenUsage(5, 2), resp.Usage)
}

func TestProvider_CalculateTokenUsage_FallsBackToEstimateWhenUsageAbsent(t *testing.T) {
	p := New(Config{}, zap.NewNop())
	req := types.NewModelRequest([]types.Message{mustUserMessage(t, "a moderately long prompt")}, "")
	raw, err := json.Marshal(claudeResponse{Content: []claudeContent{{Type: "text", Text: "a reply"}}})
	require.NoError(t, err)

	usage := p.CalculateTokenUsage(req, raw)
	assert.Greater(t, usage.InputTokens, 0)
	assert.Greater(t, usage.OutputTokens, 0)
}

func TestProvider_AvailableModels_ReturnsKnownModels(t *testing.T) {
	p := New(Config{}, zap.NewNop())
	models, err := p.AvailableModels(context.Background())
	require.NoError(t, err)
	assert.Contains(t, models, "claude-3-5-sonnet-20241022")
}

func mustUserMessage(t *testing.T, content string) types.Message {
	t.Helper()
	m, err := types.NewUserMessage(content)
	require.NoError(t, err)
	return m
}
