package scheduler

import (
	"time"

	"github.com/plansim-labs/plansim-go/internal/config"
)

// backoffDelay computes the wait before retry number attempt+1, where attempt
// counts completed tries starting at 1. Exponential growth is capped at the
// policy maximum.
func backoffDelay(policy config.Backoff, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var seconds float64
	switch policy.Type {
	case config.BackoffLinear:
		seconds = float64(policy.InitialSeconds * attempt)
	case config.BackoffExponential:
		multiplier := policy.Multiplier
		if multiplier <= 1 {
			multiplier = 2
		}
		seconds = float64(policy.InitialSeconds)
		for i := 1; i < attempt; i++ {
			seconds *= multiplier
		}
	default:
		return 0
	}

	if policy.MaxSeconds > 0 && seconds > float64(policy.MaxSeconds) {
		seconds = float64(policy.MaxSeconds)
	}
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}
