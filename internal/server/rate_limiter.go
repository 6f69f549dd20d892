// Package server builds per-connection token bucket limiters that protect the
// hub from flooding peers.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimit defines per-connection inbound throttling: up to Burst messages,
// refilled evenly over RefillInterval. A non-positive Burst disables it.
type RateLimit struct {
	Burst          int
	RefillInterval time.Duration
}

func (r RateLimit) enabled() bool {
	return r.Burst > 0 && r.RefillInterval > 0
}

// newRateLimiter returns nil when throttling is disabled.
func newRateLimiter(cfg RateLimit) *rate.Limiter {
	if !cfg.enabled() {
		return nil
	}
	perSecond := float64(cfg.Burst) / cfg.RefillInterval.Seconds()
	return rate.NewLimiter(rate.Limit(perSecond), cfg.Burst)
}
