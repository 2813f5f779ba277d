package types

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ErrorCode names a specific failure kind within the Atlas taxonomy (§7).
type ErrorCode string

const (
	ErrValidation  ErrorCode = "PROVIDER_VALIDATION"  // ProviderValidationError
	ErrAuth        ErrorCode = "AUTHENTICATION"        // AuthenticationError
	ErrAPI         ErrorCode = "API_ERROR"             // APIError
	ErrRateLimit   ErrorCode = "RATE_LIMIT"            // RateLimitError, subtype of APIError (status 429)
	ErrServer      ErrorCode = "PROVIDER_SERVER_ERROR" // ProviderServerError, subtype of APIError (5xx)
	ErrTimeout     ErrorCode = "PROVIDER_TIMEOUT"      // ProviderTimeoutError
	ErrCircuitOpen ErrorCode = "CIRCUIT_OPEN"          // fast-fail from an open circuit breaker
	ErrAggregate   ErrorCode = "PROVIDER_ERROR"        // ProviderError, an aggregate over a provider group
)

// Error is a structured, backend-translated failure. Every exception an
// adapter sees from the underlying HTTP stack is translated into one of
// these before it reaches the caller (§7 propagation policy).
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// NewAuthenticationError builds a non-retryable, fatal AuthenticationError.
func NewAuthenticationError(provider, message string) *Error {
	return &Error{Code: ErrAuth, Message: message, Provider: provider, Retryable: false, HTTPStatus: 401}
}

// NewRateLimitError builds a retryable RateLimitError (APIError, status 429).
func NewRateLimitError(provider, message string) *Error {
	return &Error{Code: ErrRateLimit, Message: message, Provider: provider, Retryable: true, HTTPStatus: 429}
}

// NewServerError builds a retryable ProviderServerError for a 5xx status.
func NewServerError(provider, message string, status int) *Error {
	return &Error{Code: ErrServer, Message: message, Provider: provider, Retryable: true, HTTPStatus: status}
}

// NewTimeoutError builds a retryable ProviderTimeoutError.
func NewTimeoutError(provider, message string) *Error {
	return &Error{Code: ErrTimeout, Message: message, Provider: provider, Retryable: true}
}

// NewAPIError builds a generic APIError for a backend-signalled condition
// that doesn't fit one of the named subtypes. retryable should reflect the
// §4.F mapping table (4xx other than 429: no; unexpected: no).
func NewAPIError(provider, message string, status int, retryable bool) *Error {
	return &Error{Code: ErrAPI, Message: message, Provider: provider, Retryable: retryable, HTTPStatus: status}
}

// NewCircuitOpenError builds the fast-fail error a breaker returns while open.
func NewCircuitOpenError(provider string) *Error {
	return &Error{Code: ErrCircuitOpen, Message: "circuit open", Provider: provider, Retryable: false}
}

// IsRetryable reports whether err (an *Error) is marked retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the ErrorCode from err, or "" if err is not an *Error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// FieldError names one offending field in a ProviderValidationError report.
type FieldError struct {
	Field   string
	Message string
}

func (f *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", f.Field, f.Message)
}

// ValidationError is ProviderValidationError: one or more field-level
// failures found while validating a record at construction or at an API
// boundary. It is always fatal to the call that produced it.
type ValidationError struct {
	Errors []*FieldError
}

func (v *ValidationError) Error() string {
	if len(v.Errors) == 1 {
		return fmt.Sprintf("validation failed: %s", v.Errors[0].Error())
	}
	msg := fmt.Sprintf("validation failed (%d errors): ", len(v.Errors))
	for i, fe := range v.Errors {
		if i > 0 {
			msg += "; "
		}
		msg += fe.Error()
	}
	return msg
}

// NewValidationError wraps one or more field errors into a ValidationError.
func NewValidationError(errs ...*FieldError) *ValidationError {
	return &ValidationError{Errors: errs}
}

// Code satisfies the same "what kind of problem is this" query callers run
// against *Error, so ValidationError can be recognized without a type switch
// at every call site.
func (v *ValidationError) Code() ErrorCode { return ErrValidation }

// AggregateError is ProviderError: the aggregate Provider Group raises when
// every candidate adapter in a selection has failed. Its message always
// names each provider tried and the reason it failed (§7).
type AggregateError struct {
	Failures map[string]error
	order    []string
	wrapped  *multierror.Error
}

// NewAggregateError builds an AggregateError. order fixes the enumeration
// order of the message (the order candidates were attempted). The
// individual errors are also collected into a *multierror.Error so callers
// that only care about "did anything go wrong" can errors.As/Unwrap through
// the usual multierror chain instead of walking the Failures map.
func NewAggregateError(order []string, failures map[string]error) *AggregateError {
	var merr *multierror.Error
	for _, name := range order {
		if err := failures[name]; err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", name, err))
		}
	}
	return &AggregateError{Failures: failures, order: order, wrapped: merr}
}

func (a *AggregateError) Error() string {
	msg := "all providers failed: "
	for i, name := range a.order {
		if i > 0 {
			msg += ", "
		}
		err := a.Failures[name]
		msg += fmt.Sprintf("%s: %v", name, err)
	}
	return msg
}

// Unwrap exposes the underlying multierror chain for errors.As/errors.Is.
func (a *AggregateError) Unwrap() error {
	if a.wrapped == nil {
		return nil
	}
	return a.wrapped.ErrorOrNil()
}

func (a *AggregateError) Code() ErrorCode { return ErrAggregate }
