package types

import "math"

// costTolerance is the floating-point slack allowed in the CostEstimate
// additivity invariant (§8: |input_cost + output_cost - total_cost| <= 1e-10).
const costTolerance = 1e-10

// TokenUsage records token consumption for one request. The invariant
// InputTokens + OutputTokens == TotalTokens always holds for a validated
// TokenUsage.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// NewTokenUsage builds a TokenUsage and derives TotalTokens, so callers
// never have to maintain the additivity invariant by hand.
func NewTokenUsage(input, output int) TokenUsage {
	return TokenUsage{InputTokens: input, OutputTokens: output, TotalTokens: input + output}
}

// Valid reports whether the additivity invariant holds and both counts are
// non-negative.
func (u TokenUsage) Valid() bool {
	return u.InputTokens >= 0 && u.OutputTokens >= 0 && u.TotalTokens == u.InputTokens+u.OutputTokens
}

// Add returns the element-wise sum of two TokenUsage values.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return NewTokenUsage(u.InputTokens+other.InputTokens, u.OutputTokens+other.OutputTokens)
}

// CostEstimate records the dollar cost of one request. The invariant
// |InputCost + OutputCost - TotalCost| <= 1e-10 holds for a validated
// CostEstimate (floating-point tolerance per §3).
type CostEstimate struct {
	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
	TotalCost  float64 `json:"total_cost"`
}

// NewCostEstimate builds a CostEstimate and derives TotalCost.
func NewCostEstimate(input, output float64) CostEstimate {
	return CostEstimate{InputCost: input, OutputCost: output, TotalCost: input + output}
}

// Valid reports whether the additivity invariant holds within costTolerance.
func (c CostEstimate) Valid() bool {
	return math.Abs(c.InputCost+c.OutputCost-c.TotalCost) <= costTolerance
}

// ZeroCost is the CostEstimate returned by backends (e.g. a local Ollama
// model) that have no associated dollar cost.
var ZeroCost = CostEstimate{}

// PriceRow is one entry in a per-adapter cost table, giving the dollar
// price per 1,000 tokens for a specific model id.
type PriceRow struct {
	InputPer1K  float64
	OutputPer1K float64
}

// PriceTable maps a model id to its PriceRow. The "default" key, if
// present, is used for any model id not otherwise listed (§4.F, §9).
type PriceTable map[string]PriceRow

// Estimate computes a CostEstimate for usage against model's row, falling
// back to the table's "default" row, and finally to ZeroCost if neither
// exists. Nothing is logged when a model has no row of its own.
func (t PriceTable) Estimate(model string, usage TokenUsage) CostEstimate {
	row, ok := t[model]
	if !ok {
		row, ok = t["default"]
		if !ok {
			return ZeroCost
		}
	}
	input := float64(usage.InputTokens) / 1000.0 * row.InputPer1K
	output := float64(usage.OutputTokens) / 1000.0 * row.OutputPer1K
	return NewCostEstimate(input, output)
}
