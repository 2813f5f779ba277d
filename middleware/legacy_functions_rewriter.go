package middleware

import (
	"context"

	"github.com/inherent-design/atlas-sub002/types"
)

// LegacyFunctionsRewriter migrates the deprecated functions field onto
// tools when a caller only set the former, so every OpenAI-bound request
// reaching the adapter uses the current wire shape.
type LegacyFunctionsRewriter struct{}

func NewLegacyFunctionsRewriter() *LegacyFunctionsRewriter {
	return &LegacyFunctionsRewriter{}
}

func (r *LegacyFunctionsRewriter) Name() string {
	return "legacy_functions_rewriter"
}

func (r *LegacyFunctionsRewriter) Rewrite(ctx context.Context, req *types.ModelRequest) (*types.ModelRequest, error) {
	if req == nil {
		return req, nil
	}
	if len(req.Functions) > 0 && len(req.Tools) == 0 {
		req.Tools = req.Functions
		req.Functions = nil
	}
	return req, nil
}
