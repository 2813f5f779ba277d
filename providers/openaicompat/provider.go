// Package openaicompat is the shared OpenAI-wire-format adapter base
// embedded by the OpenAI adapter (§4.F): Bearer auth, SSE streaming with
// a [DONE] sentinel, and /v1/models listing.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/inherent-design/atlas-sub002/internal/httpclient"
	"github.com/inherent-design/atlas-sub002/llm"
	"github.com/inherent-design/atlas-sub002/middleware"
	"github.com/inherent-design/atlas-sub002/providers"
	"github.com/inherent-design/atlas-sub002/streaming"
	"github.com/inherent-design/atlas-sub002/types"
)

// Config holds everything needed to stand up an OpenAI-shaped adapter.
// DeepSeek/Qwen/GLM-style OpenAI-compatible backends would embed Provider
// with their own Config values; this module only ships the OpenAI
// backend itself, but the seam is kept general per §4.F.
type Config struct {
	ProviderName   string
	APIKey         string
	BaseURL        string
	DefaultModel   string
	FallbackModel  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	EndpointPath   string
	ModelsEndpoint string
	PriceTable     types.PriceTable

	// BuildHeaders overrides the default Authorization: Bearer header.
	BuildHeaders func(req *http.Request, apiKey string)
}

// Provider is the base OpenAI-wire-format adapter. Concrete backends
// embed it and override Name/headers as needed.
type Provider struct {
	Cfg           Config
	Client        *http.Client
	Logger        *zap.Logger
	RewriterChain *middleware.RewriterChain
	limiter       *streaming.PacingLimiter
}

func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/v1/models"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		Cfg:    cfg,
		Client: httpclient.New(cfg.ConnectTimeout, cfg.RequestTimeout),
		Logger: logger,
		RewriterChain: middleware.NewRewriterChain(
			middleware.NewLegacyFunctionsRewriter(),
		),
		limiter: streaming.NewPacingLimiter(0, 1),
	}
}

func (p *Provider) Name() string { return p.Cfg.ProviderName }

// ModelName reports the adapter's configured default model, falling back
// to the fallback model when no default is set.
func (p *Provider) ModelName() string {
	if p.Cfg.DefaultModel != "" {
		return p.Cfg.DefaultModel
	}
	return p.Cfg.FallbackModel
}

// CalculateTokenUsage re-derives usage from a raw response body when the
// caller needs it outside the normal Generate path. It prefers the
// wire-reported counts and falls back to a tiktoken estimate.
func (p *Provider) CalculateTokenUsage(req types.ModelRequest, raw []byte) types.TokenUsage {
	var oaResp providers.OpenAICompatResponse
	if err := json.Unmarshal(raw, &oaResp); err == nil && oaResp.Usage != nil {
		return types.NewTokenUsage(oaResp.Usage.PromptTokens, oaResp.Usage.CompletionTokens)
	}
	model := providers.ChooseModel(req, p.Cfg.DefaultModel, p.Cfg.FallbackModel)
	var promptTokens int
	for _, m := range req.Messages {
		promptTokens += providers.EstimateTokens(model, m.Content)
	}
	var completionTokens int
	if err := json.Unmarshal(raw, &oaResp); err == nil && len(oaResp.Choices) > 0 {
		completionTokens = providers.EstimateTokens(model, oaResp.Choices[0].Message.Content)
	}
	return types.NewTokenUsage(promptTokens, completionTokens)
}

// CalculateCost prices usage against the adapter's price table.
func (p *Provider) CalculateCost(usage types.TokenUsage, model string) types.CostEstimate {
	if p.Cfg.PriceTable == nil {
		return types.ZeroCost
	}
	return p.Cfg.PriceTable.Estimate(model, usage)
}

func (p *Provider) resolveAPIKey(ctx context.Context) string {
	if c, ok := llm.CredentialOverrideFromContext(ctx); ok {
		if key := strings.TrimSpace(c.APIKey); key != "" {
			return key
		}
	}
	return p.Cfg.APIKey
}

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.Cfg.BaseURL, "/") + path
}

func (p *Provider) buildHeaders(req *http.Request, apiKey string) {
	if p.Cfg.BuildHeaders != nil {
		p.Cfg.BuildHeaders(req, apiKey)
		return
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
}

// ValidateAPIKey runs a cheap one-token probe against the chat endpoint.
func (p *Provider) ValidateAPIKey(ctx context.Context) bool {
	detail, _ := p.ValidateAPIKeyDetailed(ctx)
	return detail.Valid
}

// ValidateAPIKeyDetailed implements the §6.1 contract.
func (p *Provider) ValidateAPIKeyDetailed(ctx context.Context) (types.ValidateKeyResult, error) {
	apiKey := p.resolveAPIKey(ctx)
	result := types.ValidateKeyResult{Provider: p.Cfg.ProviderName, KeyPresent: apiKey != ""}
	if apiKey == "" {
		result.Error = "no api key configured"
		return result, nil
	}

	model := providers.ChooseModel(types.ModelRequest{}, p.Cfg.DefaultModel, p.Cfg.FallbackModel)
	req := types.ModelRequest{
		Messages:  []types.Message{{Role: types.RoleUser, Content: "ping"}},
		Model:     model,
		MaxTokens: 1,
	}
	_, err := p.Generate(ctx, req)
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.Valid = true
	return result, nil
}

// AvailableModels lists every model id /v1/models returns; the list is
// not filtered to chat-capable models.
func (p *Provider) AvailableModels(ctx context.Context) ([]string, error) {
	apiKey := p.resolveAPIKey(ctx)
	return providers.ListModelsOpenAICompat(ctx, p.Client, p.Cfg.BaseURL, p.Cfg.ProviderName, p.Cfg.ModelsEndpoint,
		func(r *http.Request) { p.buildHeaders(r, apiKey) })
}

func (p *Provider) buildBody(req types.ModelRequest, stream bool) providers.OpenAICompatRequest {
	model := providers.ChooseModel(req, p.Cfg.DefaultModel, p.Cfg.FallbackModel)
	return providers.OpenAICompatRequest{
		Model:            model,
		Messages:         providers.ConvertMessagesToOpenAI(req.Messages),
		Tools:            providers.ConvertToolsToOpenAI(req.Tools),
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.StopSequences,
		Stream:           stream,
	}
}

// Generate implements the §4.F generate contract's adapter half: the
// caller (ResilientProvider) wraps this in breaker+retry.
func (p *Provider) Generate(ctx context.Context, req types.ModelRequest) (types.ModelResponse, error) {
	rewritten, err := p.RewriterChain.Execute(ctx, &req)
	if err != nil {
		return types.ModelResponse{}, types.NewAPIError(p.Name(), fmt.Sprintf("request rewrite failed: %v", err), http.StatusBadRequest, false)
	}
	req = *rewritten

	if err := p.limiter.Wait(ctx); err != nil {
		return types.ModelResponse{}, err
	}

	apiKey := p.resolveAPIKey(ctx)
	body := p.buildBody(req, false)

	payload, err := json.Marshal(body)
	if err != nil {
		return types.ModelResponse{}, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.Cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return types.ModelResponse{}, fmt.Errorf("building request: %w", err)
	}
	p.buildHeaders(httpReq, apiKey)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return types.ModelResponse{}, types.NewServerError(p.Name(), err.Error(), http.StatusBadGateway)
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return types.ModelResponse{}, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.ModelResponse{}, types.NewServerError(p.Name(), err.Error(), http.StatusBadGateway)
	}

	var oaResp providers.OpenAICompatResponse
	if err := json.Unmarshal(raw, &oaResp); err != nil {
		return types.ModelResponse{}, types.NewServerError(p.Name(), err.Error(), http.StatusBadGateway)
	}

	result := providers.ToModelResponse(oaResp, p.Name(), raw)
	if p.Cfg.PriceTable != nil {
		result.Cost = p.Cfg.PriceTable.Estimate(result.Model, result.Usage)
	}
	return result, nil
}

// Stream opens an SSE connection and hands control to a streaming.Handler.
func (p *Provider) Stream(ctx context.Context, req types.ModelRequest) (types.ModelResponse, *streaming.Handler, error) {
	rewritten, err := p.RewriterChain.Execute(ctx, &req)
	if err != nil {
		return types.ModelResponse{}, nil, types.NewAPIError(p.Name(), fmt.Sprintf("request rewrite failed: %v", err), http.StatusBadRequest, false)
	}
	req = *rewritten

	if err := p.limiter.Wait(ctx); err != nil {
		return types.ModelResponse{}, nil, err
	}

	apiKey := p.resolveAPIKey(ctx)
	body := p.buildBody(req, true)

	payload, err := json.Marshal(body)
	if err != nil {
		return types.ModelResponse{}, nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.Cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return types.ModelResponse{}, nil, fmt.Errorf("building request: %w", err)
	}
	p.buildHeaders(httpReq, apiKey)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return types.ModelResponse{}, nil, types.NewServerError(p.Name(), err.Error(), http.StatusBadGateway)
	}
	if resp.StatusCode >= 400 {
		defer providers.SafeCloseBody(resp.Body)
		msg := providers.ReadErrorMessage(resp.Body)
		return types.ModelResponse{}, nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	source := &sseSource{body: resp.Body, reader: bufio.NewReader(resp.Body), provider: p.Name()}
	handler := streaming.New(p.Name(), body.Model, source, p.Cfg.PriceTable, 256, p.Logger)
	handler.Start(ctx)

	initial := types.ModelResponse{Model: body.Model, Provider: p.Name()}
	return initial, handler, nil
}

// sseSource implements streaming.Source over an OpenAI-shaped SSE body.
type sseSource struct {
	body     io.ReadCloser
	reader   *bufio.Reader
	provider string
	closed   bool
}

func (s *sseSource) Next(ctx context.Context) (types.StreamChunk, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.close()
			if err == io.EOF {
				return types.StreamChunk{}, io.EOF
			}
			return types.StreamChunk{}, types.NewServerError(s.provider, err.Error(), http.StatusBadGateway)
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.close()
			return types.StreamChunk{Done: true}, nil
		}

		var oaResp providers.OpenAICompatResponse
		if err := json.Unmarshal([]byte(data), &oaResp); err != nil {
			s.close()
			return types.StreamChunk{}, types.NewServerError(s.provider, err.Error(), http.StatusBadGateway)
		}
		if len(oaResp.Choices) == 0 {
			continue
		}
		choice := oaResp.Choices[0]
		chunk := types.StreamChunk{FinishReason: choice.FinishReason}
		if choice.Delta != nil {
			chunk.Delta = choice.Delta.Content
		}
		if oaResp.Usage != nil {
			usage := types.NewTokenUsage(oaResp.Usage.PromptTokens, oaResp.Usage.CompletionTokens)
			chunk.Usage = &usage
		}
		if choice.FinishReason != "" {
			chunk.Done = true
		}
		return chunk, nil
	}
}

func (s *sseSource) close() {
	if !s.closed {
		s.closed = true
		providers.SafeCloseBody(s.body)
	}
}
