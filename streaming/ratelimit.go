package streaming

import (
	"context"

	"golang.org/x/time/rate"
)

// PacingLimiter throttles outbound HTTP calls ahead of a provider adapter's
// transport (§4.F, §5), one per adapter instance. The adapters in this
// module build theirs with a zero rate, so their calls are not paced.
type PacingLimiter struct {
	limiter *rate.Limiter
}

// NewPacingLimiter builds a limiter admitting ratePerSecond calls per
// second with burst headroom for burst. ratePerSecond <= 0 disables
// pacing (Wait always returns immediately).
func NewPacingLimiter(ratePerSecond float64, burst int) *PacingLimiter {
	if ratePerSecond <= 0 {
		return &PacingLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst <= 0 {
		burst = 1
	}
	return &PacingLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Wait blocks until a slot is admitted or ctx is cancelled.
func (p *PacingLimiter) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// Allow reports whether a call may proceed immediately, consuming a
// token if so.
func (p *PacingLimiter) Allow() bool {
	return p.limiter.Allow()
}

// SetLimit adjusts the pacing rate at runtime, e.g. after a 429 response
// carries a Retry-After hint.
func (p *PacingLimiter) SetLimit(ratePerSecond float64) {
	p.limiter.SetLimit(rate.Limit(ratePerSecond))
}
