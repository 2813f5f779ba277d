// Package validate implements the Schema Validator (§4.B): runtime
// validation of ModelMessage, ModelRequest, TokenUsage, CostEstimate,
// the OpenAI and Ollama provider options, and endpoint URLs. It has no
// ModelResponse check, and no other package in this module calls it.
// Failures surface as *types.ValidationError, carrying a field path per
// offending value.
package validate

import (
	"fmt"

	"github.com/inherent-design/atlas-sub002/types"
)

// Validator runs the full set of schema checks named in §4.B.
type Validator interface {
	ValidateRequest(req types.ModelRequest) error
	ValidateMessage(msg types.Message) error
	ValidateTokenUsage(u types.TokenUsage) error
	ValidateCostEstimate(c types.CostEstimate) error
	ValidateOpenAIOptions(req types.ModelRequest) error
	ValidateOllamaOptions(req types.ModelRequest) error
}

type defaultValidator struct{}

// New returns the default Validator.
func New() Validator {
	return defaultValidator{}
}

func (defaultValidator) ValidateMessage(msg types.Message) error {
	var errs []*types.FieldError
	if !msg.Role.Valid() {
		errs = append(errs, &types.FieldError{Field: "role", Message: fmt.Sprintf("unrecognized role %q", msg.Role)})
	}
	if msg.Content != "" && len(msg.Parts) > 0 {
		errs = append(errs, &types.FieldError{Field: "content", Message: "content and parts are mutually exclusive"})
	}
	if msg.Role.RequiresName() && msg.Name == "" {
		errs = append(errs, &types.FieldError{Field: "name", Message: fmt.Sprintf("role %q requires a name", msg.Role)})
	}
	if len(errs) > 0 {
		return types.NewValidationError(errs...)
	}
	return nil
}

// ValidateRequest checks the universal invariants named in §4.B and §8:
// non-empty message list, numeric ranges on temperature/top_p, and that
// every message individually validates.
func (v defaultValidator) ValidateRequest(req types.ModelRequest) error {
	var errs []*types.FieldError

	if len(req.Messages) == 0 {
		errs = append(errs, &types.FieldError{Field: "messages", Message: "must not be empty"})
	}
	for i, m := range req.Messages {
		if err := v.ValidateMessage(m); err != nil {
			if ve, ok := err.(*types.ValidationError); ok {
				for _, fe := range ve.Errors {
					errs = append(errs, &types.FieldError{Field: fmt.Sprintf("messages[%d].%s", i, fe.Field), Message: fe.Message})
				}
			}
		}
	}
	if req.Temperature < 0 || req.Temperature > 1 {
		errs = append(errs, &types.FieldError{Field: "temperature", Message: fmt.Sprintf("must be in [0,1], got %v", req.Temperature)})
	}
	if req.TopP < 0 || req.TopP > 1 {
		errs = append(errs, &types.FieldError{Field: "top_p", Message: fmt.Sprintf("must be in [0,1], got %v", req.TopP)})
	}
	if req.MaxTokens < 0 {
		errs = append(errs, &types.FieldError{Field: "max_tokens", Message: "must be non-negative"})
	}

	if len(errs) > 0 {
		return types.NewValidationError(errs...)
	}
	return nil
}

func (defaultValidator) ValidateTokenUsage(u types.TokenUsage) error {
	if !u.Valid() {
		return types.NewValidationError(&types.FieldError{
			Field:   "total_tokens",
			Message: fmt.Sprintf("input_tokens(%d) + output_tokens(%d) != total_tokens(%d)", u.InputTokens, u.OutputTokens, u.TotalTokens),
		})
	}
	return nil
}

func (defaultValidator) ValidateCostEstimate(c types.CostEstimate) error {
	if !c.Valid() {
		return types.NewValidationError(&types.FieldError{
			Field:   "total_cost",
			Message: fmt.Sprintf("input_cost(%v) + output_cost(%v) != total_cost(%v) within tolerance", c.InputCost, c.OutputCost, c.TotalCost),
		})
	}
	return nil
}

// ValidateOpenAIOptions enforces that functions and tools are not both
// present on an OpenAI-bound request (§4.B, §6.3, §8).
func (defaultValidator) ValidateOpenAIOptions(req types.ModelRequest) error {
	if len(req.Functions) > 0 && len(req.Tools) > 0 {
		return types.NewValidationError(&types.FieldError{
			Field:   "functions",
			Message: "functions and tools must not both be present",
		})
	}
	return nil
}

// ValidateOllamaOptions enforces that Ollama-bound requests carry no
// function/tool definitions at all (§4.B, §4.F, §8).
func (defaultValidator) ValidateOllamaOptions(req types.ModelRequest) error {
	if len(req.Functions) > 0 {
		return types.NewValidationError(&types.FieldError{Field: "functions", Message: "ollama does not support functions"})
	}
	if len(req.Tools) > 0 {
		return types.NewValidationError(&types.FieldError{Field: "tools", Message: "ollama does not support tools"})
	}
	return nil
}

// ValidateEndpoint enforces the §6.3 rule that an api_endpoint must start
// with http:// or https://.
func ValidateEndpoint(endpoint string) error {
	if len(endpoint) >= 7 && endpoint[:7] == "http://" {
		return nil
	}
	if len(endpoint) >= 8 && endpoint[:8] == "https://" {
		return nil
	}
	return types.NewValidationError(&types.FieldError{
		Field:   "api_endpoint",
		Message: fmt.Sprintf("must start with http:// or https://, got %q", endpoint),
	})
}
