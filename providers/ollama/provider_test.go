package ollama

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

func newTestProvider(t *testing.T, handler http.HandlerFunc) (*Provider, *httptest.Server) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := New(Config{BaseURL: srv.URL}, zap.NewNop())
	return p, srv
}

func TestProvider_Name(t *testing.T) {
	p := New(Config{}, zap.NewNop())
	assert.Equal(t, "ollama", p.Name())
}

func TestProvider_DefaultBaseURL(t *testing.T) {
	p := New(Config{}, zap.NewNop())
	assert.Equal(t, defaultBaseURL, p.cfg.BaseURL)
}

func TestProvider_Generate(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var body ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama3.1", body.Model)
		assert.False(t, body.Stream)

		_ = json.NewEncoder(w).Encode(ollamaResponse{
			Model: "llama3.1", Response: "hello there", Done: true,
			PromptEvalCount: 5, EvalCount: 2,
		})
	})

	req := types.NewModelRequest([]types.Message{mustUserMessage(t, "hi")}, "")
	resp, err := p.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, types.NewTokenUsage(5, 2), resp.Usage)
	assert.Equal(t, types.ZeroCost, resp.Cost)
}

func TestProvider_Generate_FallsBackToTiktokenEstimateWhenCountsAbsent(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaResponse{Model: "llama3.1", Response: "hi", Done: true})
	})

	req := types.NewModelRequest([]types.Message{mustUserMessage(t, "hello world")}, "")
	resp, err := p.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Greater(t, resp.Usage.InputTokens, 0)
	assert.Greater(t, resp.Usage.OutputTokens, 0)
}

func TestProvider_Generate_MetadataPassthrough(t *testing.T) {
	var seen map[string]any
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		_ = json.NewEncoder(w).Encode(ollamaResponse{Model: "llama3.1", Response: "ok", Done: true})
	})

	req := types.NewModelRequest([]types.Message{mustUserMessage(t, "hi")}, "")
	req.Metadata = map[string]any{"keep_alive": "5m"}
	_, err := p.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "5m", seen["keep_alive"])
}

func TestProvider_Generate_MapsHTTPError(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	})

	req := types.NewModelRequest([]types.Message{mustUserMessage(t, "hi")}, "")
	_, err := p.Generate(context.Background(), req)
	require.Error(t, err)
	var atlasErr *types.Error
	require.ErrorAs(t, err, &atlasErr)
	assert.Equal(t, types.ErrServer, atlasErr.Code)
}

func TestProvider_Stream(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, jsonField(t, r, "stream"))
		enc := json.NewEncoder(w)
		_ = enc.Encode(ollamaResponse{Model: "llama3.1", Response: "hel"})
		_ = enc.Encode(ollamaResponse{Model: "llama3.1", Response: "lo"})
		_ = enc.Encode(ollamaResponse{Model: "llama3.1", Response: "", Done: true, PromptEvalCount: 3, EvalCount: 4})
	})

	req := types.NewModelRequest([]types.Message{mustUserMessage(t, "hi")}, "")
	_, handler, err := p.Stream(context.Background(), req)
	require.NoError(t, err)

	defer handler.Close()
	for range handler.Iterator(context.Background()) {
	}
	resp := handler.Response()
	assert.Equal(t, "hello", resp.Content)
}

func TestProvider_ValidateAPIKeyDetailed_AlwaysKeyPresent(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/version", r.URL.Path)
		_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
	})
	result, err := p.ValidateAPIKeyDetailed(context.Background())
	require.NoError(t, err)
	assert.True(t, result.KeyPresent)
	assert.True(t, result.Valid)
}

func TestProvider_AvailableModels_ServesRepeatCallFromCache(t *testing.T) {
	var calls int
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{{"name": "llama3.1"}, {"name": "mistral"}},
		})
	})

	models, err := p.AvailableModels(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"llama3.1", "mistral"}, models)

	_, err = p.AvailableModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second call within TTL must be served from cache")
}

func TestProvider_CalculateCost_AlwaysZero(t *testing.T) {
	p := New(Config{}, zap.NewNop())
	assert.Equal(t, types.ZeroCost, p.CalculateCost(types.NewTokenUsage(100, 100), "llama3.1"))
}

func mustUserMessage(t *testing.T, content string) types.Message {
	t.Helper()
	m, err := types.NewUserMessage(content)
	require.NoError(t, err)
	return m
}

func jsonField(t *testing.T, r *http.Request, field string) bool {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
	v, _ := m[field].(bool)
	return v
}
