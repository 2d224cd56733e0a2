package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// Defaults for a client limiter.
const (
	DefaultRatePerSecond = 1.0
	DefaultRateBurst     = 10
	DefaultMaxConcurrent = 4
)

// ClientRateLimiter combines a token bucket with a cap on in-flight requests.
type ClientRateLimiter struct {
	mu                 sync.Mutex
	limiter            *rate.Limiter
	maxConcurrent      int
	concurrentRequests int
}

// NewClientRateLimiter creates a limiter with default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(DefaultRatePerSecond, DefaultRateBurst, DefaultMaxConcurrent)
}

// NewClientRateLimiterWithLimits creates a limiter refilling perSecond
// tokens up to burst. perSecond <= 0 disables the token bucket.
func NewClientRateLimiterWithLimits(perSecond float64, burst, maxConcurrent int) *ClientRateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &ClientRateLimiter{
		limiter:       rate.NewLimiter(limit, burst),
		maxConcurrent: maxConcurrent,
	}
}

// CheckRequestAllowed takes a token when the request may proceed.
func (r *ClientRateLimiter) CheckRequestAllowed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests >= r.maxConcurrent {
		return false, "too many concurrent requests"
	}
	if !r.limiter.Allow() {
		return false, "rate limit exceeded"
	}
	return true, ""
}

// RecordRequestStart records the start of a request
func (r *ClientRateLimiter) RecordRequestStart() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.concurrentRequests++
}

// RecordRequestEnd records the end of a request
func (r *ClientRateLimiter) RecordRequestEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests > 0 {
		r.concurrentRequests--
	}
}

// InFlight returns the number of running requests.
func (r *ClientRateLimiter) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.concurrentRequests
}
