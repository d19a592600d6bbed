package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter provides per-client request rate limiting. Buckets refill at
// rpm/60 per second and hold the configured burst plus one second of
// refill.
type RateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*clientLimiter
	defaultRPM int
	burst      int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	rpm      int
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter with the default per-client rate
func NewRateLimiter(rpm, burst int) *RateLimiter {
	return &RateLimiter{
		limiters:   make(map[string]*clientLimiter),
		defaultRPM: rpm,
		burst:      burst,
	}
}

// Allow checks whether a client may make a request now. A non-nil
// overrideRPM (from token claims) replaces the default rate for that
// client's bucket. When denied, retryAfter is the suggested wait in
// seconds.
func (r *RateLimiter) Allow(clientName string, overrideRPM *int) (allowed bool, retryAfter int) {
	rpm := r.defaultRPM
	if overrideRPM != nil {
		rpm = *overrideRPM
	}
	if rpm <= 0 {
		return true, 0
	}

	r.mu.Lock()
	cl, ok := r.limiters[clientName]
	if !ok || cl.rpm != rpm {
		// Capacity is burst plus one second of refill headroom
		cl = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), r.burst+rpm/60),
			rpm:     rpm,
		}
		r.limiters[clientName] = cl
	}
	cl.lastSeen = time.Now()
	r.mu.Unlock()

	if cl.limiter.Allow() {
		return true, 0
	}
	// ceil(60/rpm): the time for one token to refill
	retryAfter = (60 + rpm - 1) / rpm
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}

// Prune drops buckets idle longer than maxAge. Run periodically by the
// maintenance scheduler.
func (r *RateLimiter) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for key, cl := range r.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(r.limiters, key)
			pruned++
		}
	}
	return pruned
}
