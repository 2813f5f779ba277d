// Package retry implements the Retry Engine (§4.C): exponential backoff
// with jitter, wrapped around a unit-of-work function, classifying errors
// as retryable before deciding whether to sleep and try again.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/inherent-design/atlas-sub002/types"
)

// ErrorKind names a class of retryable condition independent of any
// specific status code (§4.C classification rule (c)).
type ErrorKind string

const (
	ErrorKindRateLimit  ErrorKind = "rate_limit"
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindTransient  ErrorKind = "transient_network"
)

// Policy is the RetryPolicy entity (§3): (enabled, max_retries, min_delay,
// max_delay, backoff_factor, jitter_fraction, retryable_error_kinds,
// retryable_status_codes).
type Policy struct {
	Enabled               bool
	MaxRetries            int
	MinDelay              time.Duration
	MaxDelay              time.Duration
	BackoffFactor         float64
	JitterFraction        float64
	RetryableErrorKinds   []ErrorKind
	RetryableStatusCodes  []int
	// Idempotent allows the engine to retry errors that would otherwise be
	// treated as ambiguous (e.g. a connection reset mid-write), per the
	// idempotency-aware retry behavior folded in from original_source/.
	Idempotent bool
	OnRetry    func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns the §8 scenario-1 defaults: max_retries=3,
// min_delay=500ms, backoff_factor=2.0, the standard retryable status set
// {429,500,502,503,504}.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:              true,
		MaxRetries:           3,
		MinDelay:             500 * time.Millisecond,
		MaxDelay:             30 * time.Second,
		BackoffFactor:        2.0,
		JitterFraction:       0.2,
		RetryableStatusCodes: []int{429, 500, 502, 503, 504},
		RetryableErrorKinds:  []ErrorKind{ErrorKindRateLimit, ErrorKindTimeout, ErrorKindTransient},
	}
}

// Engine wraps a unit-of-work function with retry-on-failure semantics.
type Engine interface {
	Do(ctx context.Context, fn func() error) error
	DoWithResult(ctx context.Context, fn func() (any, error)) (any, error)
}

type engine struct {
	policy Policy
	logger *zap.Logger
}

// New builds a retry Engine from policy, logging attempts via logger (nil
// defaults to a no-op logger).
func New(policy Policy, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MinDelay <= 0 {
		policy.MinDelay = 500 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.BackoffFactor < 1.0 {
		policy.BackoffFactor = 2.0
	}
	return &engine{policy: policy, logger: logger}
}

func (e *engine) Do(ctx context.Context, fn func() error) error {
	_, err := e.DoWithResult(ctx, func() (any, error) { return nil, fn() })
	return err
}

// DoWithResult invokes fn; on retryable failure it sleeps the computed
// delay (cancellable via ctx) and retries up to MaxRetries. On
// non-retryable failure or exhaustion, it returns the last error (§4.C).
func (e *engine) DoWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	if !e.policy.Enabled {
		return fn()
	}

	var lastErr error
	var result any

	for attempt := 1; attempt <= e.policy.MaxRetries+1; attempt++ {
		if attempt > 1 {
			delay := e.delayForAttempt(attempt - 1)
			e.logger.Debug("retrying",
				zap.Int("attempt", attempt-1),
				zap.Int("max_retries", e.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if e.policy.OnRetry != nil {
				e.policy.OnRetry(attempt-1, lastErr, delay)
			}
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}
		if !e.IsRetryable(lastErr) {
			return nil, lastErr
		}
		if attempt > e.policy.MaxRetries {
			break
		}
	}

	e.logger.Warn("retries exhausted", zap.Int("attempts", e.policy.MaxRetries+1), zap.Error(lastErr))
	return nil, lastErr
}

// delayForAttempt implements the §4.C delay formula for attempt n
// (1-indexed): delay = min(min_delay*backoff_factor^(n-1), max_delay) *
// (1 + uniform(0, jitter_fraction)). This is asymmetric and additive-only:
// the jittered delay never falls below the un-jittered base, matching the
// literal values in the §8 scenario-1 test (first retry uses min_delay
// unmodified, modulo jitter).
func (e *engine) delayForAttempt(n int) time.Duration {
	base := float64(e.policy.MinDelay) * math.Pow(e.policy.BackoffFactor, float64(n-1))
	if base > float64(e.policy.MaxDelay) {
		base = float64(e.policy.MaxDelay)
	}
	jittered := base * (1 + rand.Float64()*e.policy.JitterFraction)
	return time.Duration(jittered)
}

// IsRetryable classifies err per §4.C: retryable if it carries an explicit
// retry hint (types.Error.Retryable), or its HTTPStatus is in
// RetryableStatusCodes, or its Code maps to a configured ErrorKind.
func (e *engine) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var atlasErr *types.Error
	if errors.As(err, &atlasErr) {
		if atlasErr.Retryable {
			return true
		}
		for _, code := range e.policy.RetryableStatusCodes {
			if atlasErr.HTTPStatus == code {
				return true
			}
		}
		for _, kind := range e.policy.RetryableErrorKinds {
			if string(kind) == string(atlasErr.Code) {
				return true
			}
			switch kind {
			case ErrorKindRateLimit:
				if atlasErr.Code == types.ErrRateLimit {
					return true
				}
			case ErrorKindTimeout:
				if atlasErr.Code == types.ErrTimeout {
					return true
				}
			}
		}
		return false
	}
	if e.policy.Idempotent {
		// Ambiguous transport-level failures (connection reset, EOF) are
		// worth one more attempt when the caller has told us the
		// operation is safe to repeat.
		return true
	}
	return false
}
