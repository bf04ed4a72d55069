package sink

import (
	"time"

	"github.com/tinytelemetry/tracepush/internal/model"
)

// BackoffPolicy is an exponential retry schedule.
type BackoffPolicy struct {
	Base        time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int // failed attempts before giving up; <= 0 retries forever
}

// DefaultBackoff returns the agent's default sink retry policy.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:        model.DefaultRetryBase,
		Multiplier:  model.DefaultRetryMultiplier,
		MaxDelay:    model.DefaultRetryMaxDelay,
		MaxAttempts: model.DefaultRetryMaxAttempts,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt failures use up the policy.
func (p BackoffPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// WithOverride applies a profile's retry settings on top of p.
func (p BackoffPolicy) WithOverride(s *model.RetrySettings) BackoffPolicy {
	if s == nil {
		return p
	}
	if s.BaseDelayMS > 0 {
		p.Base = time.Duration(s.BaseDelayMS) * time.Millisecond
	}
	if s.MaxDelayMS > 0 {
		p.MaxDelay = time.Duration(s.MaxDelayMS) * time.Millisecond
	}
	if s.MaxAttempts != 0 {
		p.MaxAttempts = s.MaxAttempts
	}
	if s.Multiplier >= 1 {
		p.Multiplier = s.Multiplier
	}
	return p
}
