package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inherent-design/atlas-sub002/circuitbreaker"
	"github.com/inherent-design/atlas-sub002/observability"
	"github.com/inherent-design/atlas-sub002/retry"
	"github.com/inherent-design/atlas-sub002/streaming"
	"github.com/inherent-design/atlas-sub002/types"
)

type stubProvider struct {
	name       string
	generateFn func(ctx context.Context, req types.ModelRequest) (types.ModelResponse, error)
	calls      int
}

func (s *stubProvider) Name() string      { return s.name }
func (s *stubProvider) ModelName() string { return "stub-model" }
func (s *stubProvider) AvailableModels(ctx context.Context) ([]string, error) {
	return []string{"stub-model"}, nil
}
func (s *stubProvider) ValidateAPIKey(ctx context.Context) bool { return true }
func (s *stubProvider) ValidateAPIKeyDetailed(ctx context.Context) (types.ValidateKeyResult, error) {
	return types.ValidateKeyResult{Valid: true, Provider: s.name, KeyPresent: true}, nil
}
func (s *stubProvider) Generate(ctx context.Context, req types.ModelRequest) (types.ModelResponse, error) {
	s.calls++
	return s.generateFn(ctx, req)
}
func (s *stubProvider) Stream(ctx context.Context, req types.ModelRequest) (types.ModelResponse, *streaming.Handler, error) {
	return types.ModelResponse{}, nil, errors.New("not configured")
}
func (s *stubProvider) CalculateTokenUsage(req types.ModelRequest, raw []byte) types.TokenUsage {
	return types.TokenUsage{}
}
func (s *stubProvider) CalculateCost(usage types.TokenUsage, model string) types.CostEstimate {
	return types.ZeroCost
}

func noBackoffPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MinDelay = time.Millisecond
	p.MaxDelay = time.Millisecond
	p.JitterFraction = 0
	return p
}

func TestResilientProvider_Name(t *testing.T) {
	stub := &stubProvider{name: "stub"}
	rp := NewResilientProvider(stub, DefaultResilientConfig(), zap.NewNop())
	assert.Equal(t, "stub", rp.Name())
}

func TestResilientProvider_GenerateSuccess(t *testing.T) {
	stub := &stubProvider{
		name: "stub",
		generateFn: func(ctx context.Context, req types.ModelRequest) (types.ModelResponse, error) {
			return types.ModelResponse{Content: "hi", Provider: "stub"}, nil
		},
	}
	rp := NewResilientProvider(stub, DefaultResilientConfig(), zap.NewNop())
	resp, err := rp.Generate(context.Background(), types.ModelRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.Equal(t, 1, stub.calls)
}

func TestResilientProvider_RetriesRetryableFailure(t *testing.T) {
	attempt := 0
	stub := &stubProvider{
		name: "stub",
		generateFn: func(ctx context.Context, req types.ModelRequest) (types.ModelResponse, error) {
			attempt++
			if attempt < 2 {
				return types.ModelResponse{}, types.NewServerError("stub", "boom", 503)
			}
			return types.ModelResponse{Content: "ok"}, nil
		},
	}
	cfg := DefaultResilientConfig()
	cfg.RetryPolicy = noBackoffPolicy()
	cfg.EnableIdempotency = false
	rp := NewResilientProvider(stub, cfg, zap.NewNop())
	resp, err := rp.Generate(context.Background(), types.ModelRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 2, attempt)
}

func TestResilientProvider_NonRetryableFailsImmediately(t *testing.T) {
	stub := &stubProvider{
		name: "stub",
		generateFn: func(ctx context.Context, req types.ModelRequest) (types.ModelResponse, error) {
			return types.ModelResponse{}, types.NewAuthenticationError("stub", "bad key")
		},
	}
	cfg := DefaultResilientConfig()
	cfg.RetryPolicy = noBackoffPolicy()
	cfg.EnableIdempotency = false
	rp := NewResilientProvider(stub, cfg, zap.NewNop())
	_, err := rp.Generate(context.Background(), types.ModelRequest{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, 1, stub.calls)
}

func TestResilientProvider_IdempotencyCacheHit(t *testing.T) {
	stub := &stubProvider{
		name: "stub",
		generateFn: func(ctx context.Context, req types.ModelRequest) (types.ModelResponse, error) {
			return types.ModelResponse{Content: "first"}, nil
		},
	}
	cfg := DefaultResilientConfig()
	rp := NewResilientProvider(stub, cfg, zap.NewNop())
	req := types.ModelRequest{Model: "m", Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}}}

	resp1, err := rp.Generate(context.Background(), req)
	require.NoError(t, err)
	resp2, err := rp.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, resp1, resp2)
	assert.Equal(t, 1, stub.calls)
}

func TestResilientProvider_OpenCircuitShortCircuitsBeforeRetry(t *testing.T) {
	stub := &stubProvider{
		name: "stub",
		generateFn: func(ctx context.Context, req types.ModelRequest) (types.ModelResponse, error) {
			return types.ModelResponse{}, types.NewServerError("stub", "down", 503)
		},
	}
	cfg := DefaultResilientConfig()
	cfg.RetryPolicy = noBackoffPolicy()
	cfg.RetryPolicy.MaxRetries = 0
	cfg.CircuitBreaker = circuitbreaker.Config{FailureThreshold: 1, CallTimeout: time.Second, RecoveryTimeout: time.Hour, TestRequests: 1}
	cfg.EnableIdempotency = false
	rp := NewResilientProvider(stub, cfg, zap.NewNop())

	_, err := rp.Generate(context.Background(), types.ModelRequest{Model: "m"})
	require.Error(t, err)
	callsBeforeOpen := stub.calls

	_, err = rp.Generate(context.Background(), types.ModelRequest{Model: "m"})
	require.Error(t, err)

	var atlasErr *types.Error
	require.ErrorAs(t, err, &atlasErr)
	assert.Equal(t, types.ErrCircuitOpen, atlasErr.Code)
	assert.Equal(t, callsBeforeOpen, stub.calls, "breaker must reject before any provider call")
}

func TestResilientProvider_WithMetricsRecordsRequestsAndBreakerState(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	stub := &stubProvider{
		name: "stub",
		generateFn: func(ctx context.Context, req types.ModelRequest) (types.ModelResponse, error) {
			return types.ModelResponse{Content: "hi", Provider: "stub"}, nil
		},
	}
	rp := NewResilientProvider(stub, DefaultResilientConfig(), zap.NewNop()).WithMetrics(metrics)

	_, err := rp.Generate(context.Background(), types.ModelRequest{Model: "m"})
	require.NoError(t, err)

	families, err := registry.Gather()
	require.NoError(t, err)

	var sawRequestsTotal, sawBreakerState bool
	for _, family := range families {
		switch family.GetName() {
		case "atlas_provider_requests_total":
			sawRequestsTotal = true
			assert.Equal(t, float64(1), sumCounters(family.GetMetric()))
		case "atlas_circuit_breaker_state":
			sawBreakerState = true
			require.Len(t, family.GetMetric(), 1)
			assert.Equal(t, float64(0), family.GetMetric()[0].GetGauge().GetValue(), "closed breaker reports state 0")
		}
	}
	assert.True(t, sawRequestsTotal, "expected atlas_provider_requests_total to be registered")
	assert.True(t, sawBreakerState, "expected atlas_circuit_breaker_state to be registered")
}

func sumCounters(metrics []*dto.Metric) float64 {
	var total float64
	for _, m := range metrics {
		total += m.GetCounter().GetValue()
	}
	return total
}
