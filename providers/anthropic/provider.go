// Package anthropic is the Anthropic Claude backend adapter (§4.F):
// x-api-key auth, a top-level system field, tagged content blocks, and an
// SSE event-type switch that accumulates tool-call argument deltas.
package anthropic

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

const (
	defaultBaseURL        = "https://api.anthropic.com"
	apiVersion            = "2023-06-01"
	defaultMaxTokens       = 4096
	defaultFallbackModel  = "claude-3-5-sonnet-20241022"
)

// Config holds the settings needed to stand up the Anthropic adapter.
type Config struct {
	APIKey         string
	BaseURL        string
	DefaultModel   string
	FallbackModel  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	PriceTable     types.PriceTable
}

// Provider is the Anthropic Claude adapter.
type Provider struct {
	cfg           Config
	client        *http.Client
	logger        *zap.Logger
	rewriterChain *middleware.RewriterChain
	limiter       *streaming.PacingLimiter
}

// New builds an Anthropic adapter with the §5 hardened HTTP client.
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

func (p *Provider) Name() string      { return "anthropic" }
func (p *Provider) ModelName() string { return providers.ChooseModel(types.ModelRequest{}, p.cfg.DefaultModel, p.cfg.FallbackModel) }

func (p *Provider) resolveAPIKey(ctx context.Context) string {
	if c, ok := llm.CredentialOverrideFromContext(ctx); ok {
		if key := strings.TrimSpace(c.APIKey); key != "" {
			return key
		}
	}
	return p.cfg.APIKey
}

func (p *Provider) buildHeaders(req *http.Request, apiKey string) {
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

// ValidateAPIKey runs a cheap one-token probe.
func (p *Provider) ValidateAPIKey(ctx context.Context) bool {
	detail, _ := p.ValidateAPIKeyDetailed(ctx)
	return detail.Valid
}

// ValidateAPIKeyDetailed implements the §6.1 contract.
func (p *Provider) ValidateAPIKeyDetailed(ctx context.Context) (types.ValidateKeyResult, error) {
	apiKey := p.resolveAPIKey(ctx)
	result := types.ValidateKeyResult{Provider: p.Name(), KeyPresent: apiKey != ""}
	if apiKey == "" {
		result.Error = "no api key configured"
		return result, nil
	}
	req := types.ModelRequest{
		Messages:  []types.Message{{Role: types.RoleUser, Content: "ping"}},
		Model:     p.ModelName(),
		MaxTokens: 1,
	}
	if _, err := p.Generate(ctx, req); err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.Valid = true
	return result, nil
}

// AvailableModels is not backed by a listing endpoint on the Anthropic
// API; it reports the two models this adapter is grounded on.
func (p *Provider) AvailableModels(ctx context.Context) ([]string, error) {
	return []string{"claude-3-5-sonnet-20241022", "claude-3-5-haiku-20241022"}, nil
}

// CalculateTokenUsage re-derives usage from a raw response body when the
// caller needs it outside the normal Generate path.
func (p *Provider) CalculateTokenUsage(req types.ModelRequest, raw []byte) types.TokenUsage {
	var cr claudeResponse
	if err := json.Unmarshal(raw, &cr); err == nil && cr.Usage != nil {
		return types.NewTokenUsage(cr.Usage.InputTokens, cr.Usage.OutputTokens)
	}
	model := req.Model
	if model == "" {
		model = p.ModelName()
	}
	var promptTokens, completionTokens int
	for _, m := range req.Messages {
		promptTokens += providers.EstimateTokens(model, m.Content)
	}
	for _, c := range cr.Content {
		completionTokens += providers.EstimateTokens(model, c.Text)
	}
	return types.NewTokenUsage(promptTokens, completionTokens)
}

// CalculateCost prices usage against the adapter's price table.
func (p *Provider) CalculateCost(usage types.TokenUsage, model string) types.CostEstimate {
	if p.cfg.PriceTable == nil {
		return types.ZeroCost
	}
	return p.cfg.PriceTable.Estimate(model, usage)
}

// --- wire shapes ---

type claudeMessage struct {
	Role    string          `json:"role"`
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type claudeRequest struct {
	Model       string          `json:"model"`
	Messages    []claudeMessage `json:"messages"`
	System      string          `json:"system,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	StopSeq     []string        `json:"stop_sequences,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []claudeTool    `json:"tools,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeResponse struct {
	ID           string          `json:"id"`
	Role         string          `json:"role"`
	Content      []claudeContent `json:"content"`
	Model        string          `json:"model"`
	StopReason   string          `json:"stop_reason"`
	StopSequence string          `json:"stop_sequence,omitempty"`
	Usage        *claudeUsage    `json:"usage,omitempty"`
}

type claudeStreamEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index,omitempty"`
	Delta        *claudeDelta    `json:"delta,omitempty"`
	ContentBlock *claudeContent  `json:"content_block,omitempty"`
	Message      *claudeResponse `json:"message,omitempty"`
	Usage        *claudeUsage    `json:"usage,omitempty"`
}

type claudeDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type claudeErrorResp struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// convertMessages lifts the first system message to a top-level field
// and renders tool roles as user tool_result blocks, Claude's required
// representation for a prior tool invocation's output.
func convertMessages(msgs []types.Message) (string, []claudeMessage) {
	var system string
	var out []claudeMessage
	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			if system == "" {
				system = m.Content
			}
			continue
		}
		if m.Role == types.RoleTool {
			out = append(out, claudeMessage{
				Role: "user",
				Content: []claudeContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
			continue
		}
		cm := claudeMessage{Role: string(m.Role)}
		if m.Content != "" {
			cm.Content = append(cm.Content, claudeContent{Type: "text", Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			cm.Content = append(cm.Content, claudeContent{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Arguments})
		}
		if len(cm.Content) > 0 {
			out = append(out, cm)
		}
	}
	return system, out
}

func convertTools(tools []types.ToolSchema) []claudeTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]claudeTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, claudeTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return out
}

// chooseMaxTokens defaults MaxTokens since Claude requires the field.
func chooseMaxTokens(req types.ModelRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}

func (p *Provider) buildBody(req types.ModelRequest, stream bool) claudeRequest {
	system, messages := convertMessages(req.Messages)
	return claudeRequest{
		Model:       providers.ChooseModel(req, p.cfg.DefaultModel, p.cfg.FallbackModel),
		Messages:    messages,
		System:      system,
		MaxTokens:   chooseMaxTokens(req),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSeq:     req.StopSequences,
		Stream:      stream,
		Tools:       convertTools(req.Tools),
	}
}

func readClaudeErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp claudeErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
	}
	return string(data)
}

func toModelResponse(cr claudeResponse, provider string, raw json.RawMessage) types.ModelResponse {
	resp := types.ModelResponse{Model: cr.Model, Provider: provider, Raw: raw}
	for _, content := range cr.Content {
		switch content.Type {
		case "text":
			resp.Content += content.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{ID: content.ID, Name: content.Name, Arguments: content.Input})
		}
	}
	resp.FinishReason = cr.StopReason
	if cr.Usage != nil {
		resp.Usage = types.NewTokenUsage(cr.Usage.InputTokens, cr.Usage.OutputTokens)
	}
	return resp
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

	apiKey := p.resolveAPIKey(ctx)
	body := p.buildBody(req, false)
	payload, err := json.Marshal(body)
	if err != nil {
		return types.ModelResponse{}, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return types.ModelResponse{}, fmt.Errorf("building request: %w", err)
	}
	p.buildHeaders(httpReq, apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return types.ModelResponse{}, types.NewServerError(p.Name(), err.Error(), http.StatusBadGateway)
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := readClaudeErrMsg(resp.Body)
		return types.ModelResponse{}, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.ModelResponse{}, types.NewServerError(p.Name(), err.Error(), http.StatusBadGateway)
	}
	var claudeResp claudeResponse
	if err := json.Unmarshal(raw, &claudeResp); err != nil {
		return types.ModelResponse{}, types.NewServerError(p.Name(), err.Error(), http.StatusBadGateway)
	}

	result := toModelResponse(claudeResp, p.Name(), raw)
	if p.cfg.PriceTable != nil {
		result.Cost = p.cfg.PriceTable.Estimate(result.Model, result.Usage)
	}
	return result, nil
}

// Stream opens the SSE connection and hands control to a streaming.Handler.
func (p *Provider) Stream(ctx context.Context, req types.ModelRequest) (types.ModelResponse, *streaming.Handler, error) {
	rewritten, err := p.rewriterChain.Execute(ctx, &req)
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

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return types.ModelResponse{}, nil, fmt.Errorf("building request: %w", err)
	}
	p.buildHeaders(httpReq, apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return types.ModelResponse{}, nil, types.NewServerError(p.Name(), err.Error(), http.StatusBadGateway)
	}
	if resp.StatusCode >= 400 {
		defer providers.SafeCloseBody(resp.Body)
		msg := readClaudeErrMsg(resp.Body)
		return types.ModelResponse{}, nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	source := &sseSource{body: resp.Body, reader: bufio.NewReader(resp.Body), provider: p.Name(), toolCalls: map[int]*types.ToolCall{}}
	handler := streaming.New(p.Name(), body.Model, source, p.cfg.PriceTable, 256, p.logger)
	handler.Start(ctx)

	initial := types.ModelResponse{Model: body.Model, Provider: p.Name()}
	return initial, handler, nil
}

// sseSource implements streaming.Source over Claude's event-typed SSE
// stream, accumulating tool-call argument deltas across content_block_*
// events and emitting a completed ToolCall on content_block_stop.
type sseSource struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	provider  string
	closed    bool
	toolCalls map[int]*types.ToolCall
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
		if line == "" || strings.HasPrefix(line, "event:") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.close()
			return types.StreamChunk{Done: true}, nil
		}

		var event claudeStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			s.close()
			return types.StreamChunk{}, types.NewServerError(s.provider, err.Error(), http.StatusBadGateway)
		}

		switch event.Type {
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				s.toolCalls[event.Index] = &types.ToolCall{ID: event.ContentBlock.ID, Name: event.ContentBlock.Name, Arguments: json.RawMessage("{}")}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			if event.Delta.Type == "text_delta" {
				return types.StreamChunk{Delta: event.Delta.Text}, nil
			}
			if event.Delta.Type == "input_json_delta" {
				if tc, ok := s.toolCalls[event.Index]; ok {
					tc.Arguments = append(tc.Arguments, []byte(event.Delta.PartialJSON)...)
				}
			}

		case "content_block_stop":
			if tc, ok := s.toolCalls[event.Index]; ok {
				delete(s.toolCalls, event.Index)
				return types.StreamChunk{ToolCalls: []types.ToolCall{*tc}}, nil
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				return types.StreamChunk{FinishReason: event.Delta.StopReason}, nil
			}

		case "message_stop":
			chunk := types.StreamChunk{Done: true}
			if event.Usage != nil {
				usage := types.NewTokenUsage(event.Usage.InputTokens, event.Usage.OutputTokens)
				chunk.Usage = &usage
			}
			s.close()
			return chunk, nil
		}
	}
}

func (s *sseSource) close() {
	if !s.closed {
		s.closed = true
		providers.SafeCloseBody(s.body)
	}
}
