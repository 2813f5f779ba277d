package llm

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inherent-design/atlas-sub002/circuitbreaker"
	"github.com/inherent-design/atlas-sub002/observability"
	"github.com/inherent-design/atlas-sub002/retry"
	"github.com/inherent-design/atlas-sub002/streaming"
	"github.com/inherent-design/atlas-sub002/types"
)

// ResilientConfig configures the retry/breaker/idempotency wrapping a
// ResilientProvider applies around a bare Provider (§3, §4.C, §4.D).
type ResilientConfig struct {
	RetryPolicy       retry.Policy
	CircuitBreaker    circuitbreaker.Config
	EnableIdempotency bool
	IdempotencyTTL    time.Duration
}

// DefaultResilientConfig returns the §8 scenario-1/2 defaults.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		RetryPolicy:       retry.DefaultPolicy(),
		CircuitBreaker:    circuitbreaker.DefaultConfig(),
		EnableIdempotency: true,
		IdempotencyTTL:    time.Hour,
	}
}

type idempotencyEntry struct {
	response  types.ModelResponse
	expiresAt time.Time
}

// ResilientProvider wraps a Provider with the breaker-then-retry
// composition rule (§4.D: admission check runs before any retry attempt)
// plus an in-memory idempotency cache for Generate calls.
type ResilientProvider struct {
	provider       Provider
	retryEngine    retry.Engine
	breaker        circuitbreaker.Breaker
	idempotent     bool
	idempotencyTTL time.Duration
	cache          sync.Map
	logger         *zap.Logger
	metrics        *observability.Metrics
}

// WithMetrics attaches a Prometheus/OTel Metrics instance, instrumenting
// every subsequent Generate/Stream call. Returns rp for chaining at
// construction time. A nil metrics argument is a no-op (every Metrics
// method tolerates a nil receiver).
func (rp *ResilientProvider) WithMetrics(metrics *observability.Metrics) *ResilientProvider {
	rp.metrics = metrics
	return rp
}

// NewResilientProvider wraps provider with retry and a dedicated circuit
// breaker keyed on provider.Name(). A zero-value config falls back to
// DefaultResilientConfig.
func NewResilientProvider(provider Provider, config ResilientConfig, logger *zap.Logger) *ResilientProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RetryPolicy.MaxRetries == 0 && !config.RetryPolicy.Enabled {
		config = DefaultResilientConfig()
	}
	return &ResilientProvider{
		provider:       provider,
		retryEngine:    retry.New(config.RetryPolicy, logger),
		breaker:        circuitbreaker.New(provider.Name(), config.CircuitBreaker, logger),
		idempotent:     config.EnableIdempotency,
		idempotencyTTL: config.IdempotencyTTL,
		logger:         logger,
	}
}

func (rp *ResilientProvider) Name() string      { return rp.provider.Name() }
func (rp *ResilientProvider) ModelName() string { return rp.provider.ModelName() }

func (rp *ResilientProvider) AvailableModels(ctx context.Context) ([]string, error) {
	return rp.provider.AvailableModels(ctx)
}

func (rp *ResilientProvider) ValidateAPIKey(ctx context.Context) bool {
	return rp.provider.ValidateAPIKey(ctx)
}

func (rp *ResilientProvider) ValidateAPIKeyDetailed(ctx context.Context) (types.ValidateKeyResult, error) {
	return rp.provider.ValidateAPIKeyDetailed(ctx)
}

func (rp *ResilientProvider) CalculateTokenUsage(req types.ModelRequest, raw []byte) types.TokenUsage {
	return rp.provider.CalculateTokenUsage(req, raw)
}

func (rp *ResilientProvider) CalculateCost(usage types.TokenUsage, model string) types.CostEstimate {
	return rp.provider.CalculateCost(usage, model)
}

// Generate runs the breaker-then-retry composition: the breaker's
// admission check happens once, up front; every retry attempt happens
// inside that single admitted call, so an open circuit short-circuits
// with zero backoff and zero HTTP calls (§8 scenario 2).
func (rp *ResilientProvider) Generate(ctx context.Context, req types.ModelRequest) (types.ModelResponse, error) {
	start := time.Now()
	ctx, span := rp.metrics.StartSpan(ctx, rp.Name(), req.Model, observability.OpGenerate)

	key := rp.idempotencyKey(req)
	if rp.idempotent && key != "" {
		if cached, ok := rp.cache.Load(key); ok {
			entry := cached.(idempotencyEntry)
			if time.Now().Before(entry.expiresAt) {
				rp.metrics.RecordCall(span, rp.Name(), observability.OpGenerate, time.Since(start), nil)
				return entry.response, nil
			}
			rp.cache.Delete(key)
		}
	}

	result, err := rp.breaker.CallWithResult(ctx, func() (any, error) {
		return rp.retryEngine.DoWithResult(ctx, func() (any, error) {
			return rp.provider.Generate(ctx, req)
		})
	})
	rp.metrics.SetBreakerState(rp.Name(), int(rp.breaker.State()))
	if err != nil {
		rp.metrics.RecordCall(span, rp.Name(), observability.OpGenerate, time.Since(start), err)
		return types.ModelResponse{}, err
	}
	resp := result.(types.ModelResponse)
	rp.metrics.RecordCall(span, rp.Name(), observability.OpGenerate, time.Since(start), nil)
	rp.metrics.RecordTokenUsage(ctx, rp.Name(), req.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	if rp.idempotent && key != "" {
		rp.cache.Store(key, idempotencyEntry{response: resp, expiresAt: time.Now().Add(rp.idempotencyTTL)})
	}
	return resp, nil
}

// Stream is protected by the breaker's admission check only; retry and
// idempotency don't apply to an in-flight SSE connection.
func (rp *ResilientProvider) Stream(ctx context.Context, req types.ModelRequest) (types.ModelResponse, *streaming.Handler, error) {
	type streamResult struct {
		resp    types.ModelResponse
		handler *streaming.Handler
	}
	start := time.Now()
	ctx, span := rp.metrics.StartSpan(ctx, rp.Name(), req.Model, observability.OpStream)

	result, err := rp.breaker.CallWithResult(ctx, func() (any, error) {
		resp, handler, err := rp.provider.Stream(ctx, req)
		if err != nil {
			return nil, err
		}
		return streamResult{resp: resp, handler: handler}, nil
	})
	rp.metrics.SetBreakerState(rp.Name(), int(rp.breaker.State()))
	rp.metrics.RecordCall(span, rp.Name(), observability.OpStream, time.Since(start), err)
	if err != nil {
		return types.ModelResponse{}, nil, err
	}
	sr := result.(streamResult)
	return sr.resp, sr.handler, nil
}

// idempotencyKey hashes the deterministic part of a request (model +
// messages + tools); sampling parameters like temperature are excluded
// since they don't change which answer is semantically owed to the
// caller on a retried, already-answered request.
func (rp *ResilientProvider) idempotencyKey(req types.ModelRequest) string {
	data, err := json.Marshal(struct {
		Model    string             `json:"model"`
		Messages []types.Message    `json:"messages"`
		Tools    []types.ToolSchema `json:"tools,omitempty"`
	}{Model: req.Model, Messages: req.Messages, Tools: req.Tools})
	if err != nil {
		return ""
	}
	return string(data)
}
