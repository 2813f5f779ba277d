package group

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inherent-design/atlas-sub002/capability"
	"github.com/inherent-design/atlas-sub002/streaming"
	"github.com/inherent-design/atlas-sub002/types"
)

type stubProvider struct {
	name       string
	generateFn func(ctx context.Context, req types.ModelRequest) (types.ModelResponse, error)
	models     []string
	calls      int
}

func (s *stubProvider) Name() string      { return s.name }
func (s *stubProvider) ModelName() string { return s.name + "-model" }
func (s *stubProvider) AvailableModels(ctx context.Context) ([]string, error) {
	if s.models == nil {
		return nil, errors.New("unreachable")
	}
	return s.models, nil
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
	s.calls++
	resp, err := s.generateFn(ctx, req)
	return resp, nil, err
}
func (s *stubProvider) CalculateTokenUsage(req types.ModelRequest, raw []byte) types.TokenUsage {
	return types.NewTokenUsage(1, 1)
}
func (s *stubProvider) CalculateCost(usage types.TokenUsage, model string) types.CostEstimate {
	return types.NewCostEstimate(float64(usage.InputTokens)*0.01, float64(usage.OutputTokens)*0.02)
}

func alwaysOK(name string) *stubProvider {
	return &stubProvider{
		name: name,
		generateFn: func(ctx context.Context, req types.ModelRequest) (types.ModelResponse, error) {
			return types.ModelResponse{Content: "ok from " + name, Provider: name}, nil
		},
	}
}

func alwaysFails(name string) *stubProvider {
	return &stubProvider{
		name: name,
		generateFn: func(ctx context.Context, req types.ModelRequest) (types.ModelResponse, error) {
			return types.ModelResponse{}, types.NewServerError(name, "boom", 503)
		},
	}
}

func TestGroup_FailoverFallsThroughToHealthyCandidate(t *testing.T) {
	a, b := alwaysFails("a"), alwaysOK("b")
	g := New([]Member{{Provider: a}, {Provider: b}}, Config{Strategy: StrategyFailover}, zap.NewNop())

	resp, err := g.Generate(context.Background(), types.ModelRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok from b", resp.Content)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestGroup_AllFailRaisesAggregateError(t *testing.T) {
	a, b := alwaysFails("a"), alwaysFails("b")
	g := New([]Member{{Provider: a}, {Provider: b}}, Config{Strategy: StrategyFailover}, zap.NewNop())

	_, err := g.Generate(context.Background(), types.ModelRequest{Model: "m"})
	require.Error(t, err)
	var aggErr *types.AggregateError
	require.ErrorAs(t, err, &aggErr)
	assert.Len(t, aggErr.Failures, 2)
}

func TestGroup_UnhealthyAfterThreeConsecutiveFailures(t *testing.T) {
	a, b := alwaysFails("a"), alwaysOK("b")
	g := New([]Member{{Provider: a}, {Provider: b}}, Config{Strategy: StrategyFailover}, zap.NewNop())

	for i := 0; i < unhealthyThreshold; i++ {
		_, err := g.Generate(context.Background(), types.ModelRequest{Model: "m"})
		require.NoError(t, err)
	}

	g.mu.Lock()
	unhealthy := !g.health["a"].healthy
	g.mu.Unlock()
	assert.True(t, unhealthy, "a should be unhealthy after 3 consecutive failures")
}

func TestGroup_SuccessResetsHealth(t *testing.T) {
	a := alwaysFails("a")
	g := New([]Member{{Provider: a}}, Config{Strategy: StrategyFailover}, zap.NewNop())
	for i := 0; i < unhealthyThreshold; i++ {
		_, _ = g.Generate(context.Background(), types.ModelRequest{Model: "m"})
	}
	g.mu.Lock()
	require.False(t, g.health["a"].healthy)
	g.mu.Unlock()

	a.generateFn = func(ctx context.Context, req types.ModelRequest) (types.ModelResponse, error) {
		return types.ModelResponse{Content: "recovered"}, nil
	}
	resp, err := g.Generate(context.Background(), types.ModelRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.True(t, g.health["a"].healthy)
	assert.Equal(t, 0, g.health["a"].consecutiveErrors)
}

func TestGroup_CostOptimizedOrdersMockOllamaOpenAIAnthropic(t *testing.T) {
	anthropic, openai, ollama := alwaysFails("anthropic"), alwaysFails("openai"), alwaysOK("ollama")
	g := New([]Member{{Provider: anthropic}, {Provider: openai}, {Provider: ollama}}, Config{Strategy: StrategyCostOptimized}, zap.NewNop())

	resp, err := g.Generate(context.Background(), types.ModelRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok from ollama", resp.Content)
	assert.Equal(t, 0, anthropic.calls, "ollama sorts first by cost rank and succeeds, so costlier candidates are never tried")
	assert.Equal(t, 0, openai.calls)
}

func TestGroup_TaskAwarePrefersHigherScoringProvider(t *testing.T) {
	weak := &stubProvider{name: "weak", generateFn: func(ctx context.Context, req types.ModelRequest) (types.ModelResponse, error) {
		return types.ModelResponse{Content: "weak"}, nil
	}}
	strong := &stubProvider{name: "strong", generateFn: func(ctx context.Context, req types.ModelRequest) (types.ModelResponse, error) {
		return types.ModelResponse{Content: "strong"}, nil
	}}
	members := []Member{
		{Provider: weak, Profile: capability.Profile{capability.AxisCode: capability.None}},
		{Provider: strong, Profile: capability.Profile{capability.AxisCode: capability.Exceptional, capability.AxisReasoning: capability.Strong}},
	}
	g := New(members, Config{Strategy: StrategyTaskAware}, zap.NewNop())

	req := types.ModelRequest{Messages: []types.Message{{Role: types.RoleUser, Content: "please refactor this function"}}}
	resp, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "strong", resp.Content)
}

func TestGroup_AvailableModelsUnionsAcrossMembersBestEffort(t *testing.T) {
	a := &stubProvider{name: "a", models: []string{"m1", "m2"}}
	b := &stubProvider{name: "b", models: nil}
	c := &stubProvider{name: "c", models: []string{"m2", "m3"}}
	g := New([]Member{{Provider: a}, {Provider: b}, {Provider: c}}, DefaultConfig(), zap.NewNop())

	models, err := g.AvailableModels(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2", "m3"}, models)
}

func TestGroup_CalculateCostDelegatesToFirstMemberWhenModelUnknown(t *testing.T) {
	a, b := alwaysOK("a"), alwaysOK("b")
	g := New([]Member{{Provider: a}, {Provider: b}}, DefaultConfig(), zap.NewNop())

	cost := g.CalculateCost(types.NewTokenUsage(100, 50), "some-unmapped-model")
	assert.Equal(t, a.CalculateCost(types.NewTokenUsage(100, 50), "some-unmapped-model"), cost)
}

func TestGroup_CalculateCostDelegatesByProviderName(t *testing.T) {
	a, b := alwaysOK("a"), alwaysOK("b")
	g := New([]Member{{Provider: a}, {Provider: b}}, DefaultConfig(), zap.NewNop())

	usage := types.NewTokenUsage(10, 10)
	cost := g.CalculateCost(usage, "b")
	assert.Equal(t, b.CalculateCost(usage, "b"), cost)
}
