// Package circuitbreaker implements the per-provider Circuit Breaker
// (§4.D): a three-state (closed/open/half-open) latch that stops
// forwarding requests to a failing backend until a cooldown elapses.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inherent-design/atlas-sub002/types"
)

// State is one of the three breaker states (§3 CircuitBreakerState).
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the threshold, recovery timeout, and half-open admission
// count named in §4.D.
type Config struct {
	FailureThreshold int           // consecutive failures before closed -> open
	CallTimeout      time.Duration // per-call timeout enforced by the breaker
	RecoveryTimeout  time.Duration // open -> half-open after this elapses
	TestRequests     int           // half-open admission count
	OnStateChange    func(provider string, from, to State)
}

// DefaultConfig returns the §8 scenario-2 defaults (threshold=5).
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		CallTimeout:      30 * time.Second,
		RecoveryTimeout:  60 * time.Second,
		TestRequests:     3,
	}
}

// Snapshot is the CircuitBreakerState entity (§3), a point-in-time read of
// the breaker's counters.
type Snapshot struct {
	State                 State
	FailureCount          int
	LastFailureTime       time.Time
	TestRequestsRemaining int
}

// Breaker is the per-provider circuit breaker contract.
type Breaker interface {
	Call(ctx context.Context, fn func() error) error
	CallWithResult(ctx context.Context, fn func() (any, error)) (any, error)
	State() State
	Snapshot() Snapshot
	Reset()
}

type breaker struct {
	provider string
	config   Config
	logger   *zap.Logger

	mu                    sync.Mutex
	state                 State
	failureCount          int
	lastFailureTime       time.Time
	testRequestsRemaining int
}

// New builds a Breaker for provider, identified in logs and in the
// fast-fail error it returns while open.
func New(provider string, config Config, logger *zap.Logger) Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 30 * time.Second
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.TestRequests <= 0 {
		config.TestRequests = 3
	}
	return &breaker{provider: provider, config: config, logger: logger, state: StateClosed}
}

func (b *breaker) Call(ctx context.Context, fn func() error) error {
	_, err := b.CallWithResult(ctx, func() (any, error) { return nil, fn() })
	return err
}

// CallWithResult implements the composition rule from §4.D: the breaker's
// admission check runs before any attempt, so an open circuit short-
// circuits with zero backoff and zero HTTP calls (§8 scenario 2).
func (b *breaker) CallWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := b.admit(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.CallTimeout)
	defer cancel()

	type callResult struct {
		result any
		err    error
	}
	resultCh := make(chan callResult, 1)
	go func() {
		result, err := fn()
		resultCh <- callResult{result: result, err: err}
	}()

	select {
	case <-callCtx.Done():
		err := fmt.Errorf("call timed out: %w", callCtx.Err())
		b.record(false)
		return nil, err
	case res := <-resultCh:
		// A client-signalled error (bad request, auth failure) reflects
		// the caller's mistake, not the backend's health, so it must not
		// count toward the failure threshold.
		success := res.err == nil || isClientError(res.err)
		b.record(success)
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	}
}

// isClientError reports whether err reflects the caller's own mistake
// (bad input, bad credentials) rather than the backend's health, per the
// exclusion list in §4.D.
func isClientError(err error) bool {
	if err == nil {
		return false
	}
	var atlasErr *types.Error
	if errors.As(err, &atlasErr) {
		return atlasErr.Code == types.ErrValidation || atlasErr.Code == types.ErrAuth
	}
	var validationErr *types.ValidationError
	return errors.As(err, &validationErr)
}

// admit implements the §4.D state transitions that gate a new call.
func (b *breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.config.RecoveryTimeout {
			b.transition(StateHalfOpen)
			b.testRequestsRemaining = b.config.TestRequests
		} else {
			return types.NewCircuitOpenError(b.provider)
		}
		fallthrough

	case StateHalfOpen:
		if b.testRequestsRemaining <= 0 {
			return types.NewCircuitOpenError(b.provider)
		}
		b.testRequestsRemaining--
		return nil

	default:
		return fmt.Errorf("unknown circuit breaker state: %v", b.state)
	}
}

func (b *breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.onSuccess()
		return
	}
	b.onFailure()
}

func (b *breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.logger.Info("circuit breaker closing after successful probe", zap.String("provider", b.provider))
		b.transition(StateClosed)
		b.failureCount = 0
		b.testRequestsRemaining = 0
	case StateOpen:
		b.logger.Warn("success recorded while circuit open", zap.String("provider", b.provider))
	}
}

func (b *breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.logger.Warn("circuit breaker opening",
				zap.String("provider", b.provider),
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.FailureThreshold),
			)
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.logger.Warn("probe failed, reopening circuit", zap.String("provider", b.provider))
		b.transition(StateOpen)
		b.testRequestsRemaining = 0
	case StateOpen:
		b.lastFailureTime = time.Now()
	}
}

func (b *breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.provider, from, to)
	}
}

func (b *breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:                 b.state,
		FailureCount:          b.failureCount,
		LastFailureTime:       b.lastFailureTime,
		TestRequestsRemaining: b.testRequestsRemaining,
	}
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	from := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.testRequestsRemaining = 0
	if b.config.OnStateChange != nil && from != StateClosed {
		go b.config.OnStateChange(b.provider, from, StateClosed)
	}
}
