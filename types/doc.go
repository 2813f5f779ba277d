// Copyright (c) Atlas Authors.
// Licensed under the MIT License.

/*
Package types provides the core data model for the Atlas Provider Layer.

types is the lowest-level package in the module; it has no dependency on
validate, retry, circuitbreaker, streaming, or providers, so all of them can
depend on it without a cycle.

# Core types

  - Message / Role / Content     — a conversation turn and its tagged content
  - ModelRequest / ToolSchema     — a backend-agnostic chat request
  - ModelResponse / StreamChunk   — a backend-agnostic reply, whole or streamed
  - TokenUsage / CostEstimate     — additive accounting records
  - Error / ErrorCode             — the §7 error taxonomy
  - ValidationError / FieldError  — field-level validation failures
  - AggregateError                — the error a provider group raises when every candidate fails
*/
package types
