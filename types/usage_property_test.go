package types

import (
	"testing"

	"pgregory.net/rapid"
)

// TokenUsage's additivity invariant (§8: InputTokens+OutputTokens ==
// TotalTokens) must hold for any pair built via NewTokenUsage, and Add
// must itself produce a TokenUsage satisfying the same invariant.
func TestProperty_TokenUsage_AdditivityHoldsForAnyNonNegativeCounts(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		input := rapid.IntRange(0, 1_000_000).Draw(rt, "input")
		output := rapid.IntRange(0, 1_000_000).Draw(rt, "output")

		usage := NewTokenUsage(input, output)
		if !usage.Valid() {
			rt.Fatalf("NewTokenUsage(%d, %d) produced an invalid TokenUsage: %+v", input, output, usage)
		}
		if usage.TotalTokens != input+output {
			rt.Fatalf("expected TotalTokens=%d, got %d", input+output, usage.TotalTokens)
		}
	})
}

func TestProperty_TokenUsage_AddIsAssociativeOverThreeValues(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := NewTokenUsage(rapid.IntRange(0, 10_000).Draw(rt, "a_in"), rapid.IntRange(0, 10_000).Draw(rt, "a_out"))
		b := NewTokenUsage(rapid.IntRange(0, 10_000).Draw(rt, "b_in"), rapid.IntRange(0, 10_000).Draw(rt, "b_out"))
		c := NewTokenUsage(rapid.IntRange(0, 10_000).Draw(rt, "c_in"), rapid.IntRange(0, 10_000).Draw(rt, "c_out"))

		left := a.Add(b).Add(c)
		right := a.Add(b.Add(c))

		if left != right {
			rt.Fatalf("Add is not associative: (a+b)+c=%+v, a+(b+c)=%+v", left, right)
		}
		if !left.Valid() {
			rt.Fatalf("sum violates the additivity invariant: %+v", left)
		}
	})
}

// CostEstimate's tolerance invariant (§8: |input+output-total| <= 1e-10)
// must hold for any pair built via NewCostEstimate, regardless of scale.
func TestProperty_CostEstimate_ToleranceHoldsForAnyDollarAmounts(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		input := rapid.Float64Range(0, 1_000).Draw(rt, "input")
		output := rapid.Float64Range(0, 1_000).Draw(rt, "output")

		cost := NewCostEstimate(input, output)
		if !cost.Valid() {
			rt.Fatalf("NewCostEstimate(%v, %v) produced an invalid CostEstimate: %+v", input, output, cost)
		}
	})
}

// PriceTable.Estimate must fall back to the "default" row, and finally to
// ZeroCost, whenever the requested model is absent — and must always
// return a valid CostEstimate.
func TestProperty_PriceTable_EstimateAlwaysReturnsValidCost(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		hasDefault := rapid.Bool().Draw(rt, "hasDefault")
		table := PriceTable{}
		if hasDefault {
			table["default"] = PriceRow{
				InputPer1K:  rapid.Float64Range(0, 1).Draw(rt, "defaultInputRate"),
				OutputPer1K: rapid.Float64Range(0, 1).Draw(rt, "defaultOutputRate"),
			}
		}

		usage := NewTokenUsage(rapid.IntRange(0, 1_000_000).Draw(rt, "input"), rapid.IntRange(0, 1_000_000).Draw(rt, "output"))
		estimate := table.Estimate("unknown-model", usage)

		if !hasDefault && estimate != ZeroCost {
			rt.Fatalf("expected ZeroCost for an unknown model with no default row, got %+v", estimate)
		}
		if !estimate.Valid() {
			rt.Fatalf("Estimate produced an invalid CostEstimate: %+v", estimate)
		}
	})
}
