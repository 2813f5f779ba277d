// Package ollama is the local-server backend adapter (§4.F). Ollama
// carries no wire-protocol commonality with OpenAI/Anthropic — prompt
// strings instead of message arrays, newline-delimited JSON instead of
// SSE — so this adapter is grounded on a local-server client shape
// rather than the shared openaicompat base.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/inherent-design/atlas-sub002/internal/httpclient"
	"github.com/inherent-design/atlas-sub002/middleware"
	"github.com/inherent-design/atlas-sub002/providers"
	"github.com/inherent-design/atlas-sub002/streaming"
	"github.com/inherent-design/atlas-sub002/types"
)

const (
	defaultBaseURL       = "http://localhost:11434"
	defaultFallbackModel = "llama3.1"
	tagsCacheTTL         = 5 * time.Minute
)

// Config holds the settings needed to stand up the Ollama adapter.
type Config struct {
	BaseURL        string
	DefaultModel   string
	FallbackModel  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// Provider is the Ollama local-server adapter.
type Provider struct {
	cfg           Config
	client        *http.Client
	logger        *zap.Logger
	rewriterChain *middleware.RewriterChain
	limiter       *streaming.PacingLimiter
}

// New builds an Ollama adapter.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.FallbackModel == "" {
		cfg.FallbackModel = defaultFallbackModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: httpclient.New(cfg.ConnectTimeout, cfg.RequestTimeout),
		logger: logger,
		rewriterChain: middleware.NewRewriterChain(
			middleware.NewLegacyFunctionsRewriter(),
		),
		limiter: streaming.NewPacingLimiter(0, 1),
	}
}

func (p *Provider) Name() string { return "ollama" }
func (p *Provider) ModelName() string {
	return providers.ChooseModel(types.ModelRequest{}, p.cfg.DefaultModel, p.cfg.FallbackModel)
}

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

// ValidateAPIKey reports whether /api/version answers without an error
// status: a local Ollama server has no key to validate, so reachability
// is the whole check.
func (p *Provider) ValidateAPIKey(ctx context.Context) bool {
	detail, _ := p.ValidateAPIKeyDetailed(ctx)
	return detail.Valid
}

// ValidateAPIKeyDetailed probes /api/version. KeyPresent is reported
// true even though no key exists, preserving the §6.1 contract shape for
// a backend that authenticates by network reachability instead of a
// credential (resolution recorded in DESIGN.md).
func (p *Provider) ValidateAPIKeyDetailed(ctx context.Context) (types.ValidateKeyResult, error) {
	result := types.ValidateKeyResult{Provider: p.Name(), KeyPresent: true}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/api/version"), nil)
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	defer providers.SafeCloseBody(resp.Body)
	if resp.StatusCode >= 400 {
		result.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return result, nil
	}
	result.Valid = true
	return result, nil
}

var (
	tagsCacheMu sync.Mutex
	tagsCache   = map[string]tagsCacheEntry{}
	// tagsFlight collapses concurrent refreshes of the same endpoint's tag
	// list into a single in-flight /api/tags call (§5), keyed the same
	// way as tagsCache.
	tagsFlight singleflight.Group
)

type tagsCacheEntry struct {
	models    []string
	expiresAt time.Time
}

// AvailableModels lists local models via /api/tags, cached 5 minutes
// class-wide per endpoint since every Provider pointed at the same
// Ollama server shares the same answer.
func (p *Provider) AvailableModels(ctx context.Context) ([]string, error) {
	tagsCacheMu.Lock()
	if entry, ok := tagsCache[p.cfg.BaseURL]; ok && time.Now().Before(entry.expiresAt) {
		tagsCacheMu.Unlock()
		return entry.models, nil
	}
	tagsCacheMu.Unlock()

	result, err, _ := tagsFlight.Do(p.cfg.BaseURL, func() (any, error) {
		return p.fetchTags(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

// fetchTags performs the actual /api/tags round trip and refreshes the
// cache entry. Only one caller per endpoint ever runs this at a time;
// tagsFlight.Do fans the result out to every caller that arrived while it
// was in flight.
func (p *Provider) fetchTags(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/api/tags"), nil)
	if err != nil {
		return nil, fmt.Errorf("building tags request: %w", err)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewServerError(p.Name(), err.Error(), http.StatusBadGateway)
	}
	defer providers.SafeCloseBody(resp.Body)
	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var tagsResp struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tagsResp); err != nil {
		return nil, types.NewServerError(p.Name(), err.Error(), http.StatusBadGateway)
	}
	models := make([]string, 0, len(tagsResp.Models))
	for _, m := range tagsResp.Models {
		models = append(models, m.Name)
	}

	tagsCacheMu.Lock()
	tagsCache[p.cfg.BaseURL] = tagsCacheEntry{models: models, expiresAt: time.Now().Add(tagsCacheTTL)}
	tagsCacheMu.Unlock()

	return models, nil
}

// ollamaRequest is the /api/generate wire shape: a flattened prompt
// string rather than a message array, options nested under "options".
type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

func (p *Provider) buildBody(req types.ModelRequest, stream bool) ollamaRequest {
	shape, _ := req.ToProviderRequest("ollama")
	body := ollamaRequest{
		Model:  providers.ChooseModel(req, p.cfg.DefaultModel, p.cfg.FallbackModel),
		Stream: stream,
	}
	if prompt, ok := shape["prompt"].(string); ok {
		body.Prompt = prompt
	}
	if system, ok := shape["system"].(string); ok {
		body.System = system
	}
	if options, ok := shape["options"].(map[string]any); ok {
		body.Options = options
	}
	return body
}

// withMetadataPassthrough merges req.Metadata into the marshaled request
// payload as top-level fields (e.g. "keep_alive", "format") that
// ollamaRequest has no dedicated struct field for. Ollama ignores
// unrecognized top-level fields, so this is a safe passthrough. Built
// with sjson rather than round-tripping through map[string]any, since the
// caller already has marshaled bytes and only a handful of keys to graft
// on.
func withMetadataPassthrough(payload []byte, metadata map[string]any) []byte {
	for key, value := range metadata {
		updated, err := sjson.SetBytes(payload, key, value)
		if err != nil {
			continue
		}
		payload = updated
	}
	return payload
}

func (p *Provider) tiktokenEstimate(req types.ModelRequest, response string) types.TokenUsage {
	model := providers.ChooseModel(req, p.cfg.DefaultModel, p.cfg.FallbackModel)
	shape, _ := req.ToProviderRequest("ollama")
	prompt, _ := shape["prompt"].(string)
	return types.NewTokenUsage(providers.EstimateTokens(model, prompt), providers.EstimateTokens(model, response))
}

// CalculateTokenUsage re-derives usage from a raw response body,
// preferring Ollama's reported counts and falling back to a tiktoken
// estimate when they're absent.
func (p *Provider) CalculateTokenUsage(req types.ModelRequest, raw []byte) types.TokenUsage {
	var oResp ollamaResponse
	if err := json.Unmarshal(raw, &oResp); err == nil {
		if oResp.PromptEvalCount > 0 || oResp.EvalCount > 0 {
			return types.NewTokenUsage(oResp.PromptEvalCount, oResp.EvalCount)
		}
		return p.tiktokenEstimate(req, oResp.Response)
	}
	return types.TokenUsage{}
}

// CalculateCost always returns zero: Ollama runs against a local or
// self-hosted server with no per-token billing.
func (p *Provider) CalculateCost(usage types.TokenUsage, model string) types.CostEstimate {
	return types.ZeroCost
}

// Generate implements the non-streaming half of the §4.F contract.
func (p *Provider) Generate(ctx context.Context, req types.ModelRequest) (types.ModelResponse, error) {
	rewritten, err := p.rewriterChain.Execute(ctx, &req)
	if err != nil {
		return types.ModelResponse{}, types.NewAPIError(p.Name(), fmt.Sprintf("request rewrite failed: %v", err), http.StatusBadRequest, false)
	}
	req = *rewritten

	if err := p.limiter.Wait(ctx); err != nil {
		return types.ModelResponse{}, err
	}

	body := p.buildBody(req, false)
	payload, err := json.Marshal(body)
	if err != nil {
		return types.ModelResponse{}, fmt.Errorf("marshaling request: %w", err)
	}
	payload = withMetadataPassthrough(payload, req.Metadata)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/api/generate"), bytes.NewReader(payload))
	if err != nil {
		return types.ModelResponse{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
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
	var oResp ollamaResponse
	if err := json.Unmarshal(raw, &oResp); err != nil {
		return types.ModelResponse{}, types.NewServerError(p.Name(), err.Error(), http.StatusBadGateway)
	}

	usage := types.NewTokenUsage(oResp.PromptEvalCount, oResp.EvalCount)
	if oResp.PromptEvalCount == 0 && oResp.EvalCount == 0 {
		usage = p.tiktokenEstimate(req, oResp.Response)
	}

	return types.ModelResponse{
		Content:      oResp.Response,
		Model:        oResp.Model,
		Provider:     p.Name(),
		Usage:        usage,
		Cost:         types.ZeroCost,
		FinishReason: "stop",
		Raw:          raw,
	}, nil
}

// Stream opens a newline-delimited JSON connection (no SSE framing) and
// hands control to a streaming.Handler.
func (p *Provider) Stream(ctx context.Context, req types.ModelRequest) (types.ModelResponse, *streaming.Handler, error) {
	rewritten, err := p.rewriterChain.Execute(ctx, &req)
	if err != nil {
		return types.ModelResponse{}, nil, types.NewAPIError(p.Name(), fmt.Sprintf("request rewrite failed: %v", err), http.StatusBadRequest, false)
	}
	req = *rewritten

	if err := p.limiter.Wait(ctx); err != nil {
		return types.ModelResponse{}, nil, err
	}

	body := p.buildBody(req, true)
	payload, err := json.Marshal(body)
	if err != nil {
		return types.ModelResponse{}, nil, fmt.Errorf("marshaling request: %w", err)
	}
	payload = withMetadataPassthrough(payload, req.Metadata)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/api/generate"), bytes.NewReader(payload))
	if err != nil {
		return types.ModelResponse{}, nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return types.ModelResponse{}, nil, types.NewServerError(p.Name(), err.Error(), http.StatusBadGateway)
	}
	if resp.StatusCode >= 400 {
		defer providers.SafeCloseBody(resp.Body)
		msg := providers.ReadErrorMessage(resp.Body)
		return types.ModelResponse{}, nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	source := &ndjsonSource{body: resp.Body, scanner: bufio.NewScanner(resp.Body), provider: p.Name(), model: body.Model, prompt: body.Prompt}
	handler := streaming.New(p.Name(), body.Model, source, nil, 256, p.logger)
	handler.Start(ctx)

	initial := types.ModelResponse{Model: body.Model, Provider: p.Name()}
	return initial, handler, nil
}

// ndjsonSource implements streaming.Source over Ollama's
// newline-delimited-JSON stream: one object per line, no [DONE] sentinel,
// the final line's "done":true carrying usage. Each line is read with
// gjson rather than decoded into ollamaResponse — Ollama's streamed
// objects carry several fields this adapter never uses (eval_duration,
// context, …), so plucking the handful it cares about avoids a struct
// that exists only to be partially ignored.
type ndjsonSource struct {
	body     io.ReadCloser
	scanner  *bufio.Scanner
	provider string
	model    string
	prompt   string
	content  strings.Builder
	closed   bool
}

func (s *ndjsonSource) Next(ctx context.Context) (types.StreamChunk, error) {
	if !s.scanner.Scan() {
		s.close()
		if err := s.scanner.Err(); err != nil {
			return types.StreamChunk{}, types.NewServerError(s.provider, err.Error(), http.StatusBadGateway)
		}
		return types.StreamChunk{}, io.EOF
	}
	line := s.scanner.Bytes()
	if len(bytes.TrimSpace(line)) == 0 {
		return s.Next(ctx)
	}

	fields := gjson.GetManyBytes(line, "response", "done", "prompt_eval_count", "eval_count")
	response := fields[0].String()

	s.content.WriteString(response)
	chunk := types.StreamChunk{Delta: response}
	if fields[1].Bool() {
		chunk.FinishReason = "stop"
		chunk.Done = true
		promptTokens, evalTokens := int(fields[2].Int()), int(fields[3].Int())
		var usage types.TokenUsage
		if promptTokens == 0 && evalTokens == 0 {
			usage = types.NewTokenUsage(
				providers.EstimateTokens(s.model, s.prompt),
				providers.EstimateTokens(s.model, s.content.String()),
			)
		} else {
			usage = types.NewTokenUsage(promptTokens, evalTokens)
		}
		chunk.Usage = &usage
		s.close()
	}
	return chunk, nil
}

func (s *ndjsonSource) close() {
	if !s.closed {
		s.closed = true
		providers.SafeCloseBody(s.body)
	}
}
