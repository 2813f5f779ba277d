// Package llm defines the Provider contract every backend adapter
// satisfies, and composes it with retry + circuit breaker into a
// ResilientProvider (§4.F, §3).
package llm

import (
	"context"

	"github.com/inherent-design/atlas-sub002/streaming"
	"github.com/inherent-design/atlas-sub002/types"
)

// Provider is the §6.1 inbound contract, common to every backend adapter
// and to the provider group that aggregates them.
type Provider interface {
	Name() string
	ModelName() string
	AvailableModels(ctx context.Context) ([]string, error)
	ValidateAPIKey(ctx context.Context) bool
	ValidateAPIKeyDetailed(ctx context.Context) (types.ValidateKeyResult, error)
	Generate(ctx context.Context, req types.ModelRequest) (types.ModelResponse, error)
	Stream(ctx context.Context, req types.ModelRequest) (types.ModelResponse, *streaming.Handler, error)
	CalculateTokenUsage(req types.ModelRequest, raw []byte) types.TokenUsage
	CalculateCost(usage types.TokenUsage, model string) types.CostEstimate
}
