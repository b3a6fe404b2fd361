package policy

import (
	"fmt"
	"math"
	"time"
)

// Timeout is the base timeout scaled by the phase multiplier.
func (p *Policy) Timeout(phase string) (time.Duration, error) {
	ph, ok := p.Phase(phase)
	if !ok {
		return 0, fmt.Errorf("%w: %q in policy %q", ErrUnknownPhase, phase, p.ID)
	}
	mult := ph.TimeoutMultiplier
	if mult == 0 {
		mult = DefaultTimeoutMultiplier
	}
	return time.Duration(float64(p.TimeoutBase()) * mult), nil
}

// RetryDelay returns the wait before retry attempt (0-indexed), capped at
// max_delay_ms. Negative attempts are treated as 0.
func (p *Policy) RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	r := p.Retry
	initial := float64(r.InitialDelay())
	var ms float64
	switch r.Backoff {
	case BackoffLinear:
		ms = initial * float64(attempt+1)
	case BackoffFixed:
		ms = initial
	default:
		ms = initial * math.Pow(2, float64(attempt))
	}
	if r.MaxDelayMs > 0 && ms > float64(r.MaxDelayMs) {
		ms = float64(r.MaxDelayMs)
	}
	return time.Duration(ms) * time.Millisecond
}
