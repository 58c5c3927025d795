package ingestion

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// UserRateLimiter bounds intake requests per user with a token bucket per
// user id. A zero requests-per-minute setting disables limiting.
type UserRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter

	requestsPerMinute int
	burst             int
}

// NewUserRateLimiter creates a rate limiter manager for intake.
func NewUserRateLimiter(requestsPerMinute int) *UserRateLimiter {
	burst := requestsPerMinute / 6
	if burst < 1 {
		burst = 1
	}
	return &UserRateLimiter{
		limiters:          make(map[string]*rate.Limiter),
		requestsPerMinute: requestsPerMinute,
		burst:             burst,
	}
}

// Allow reports whether the user may make another intake request now.
func (m *UserRateLimiter) Allow(userID string) bool {
	if m.requestsPerMinute <= 0 {
		return true
	}
	return m.getLimiter(userID).Allow()
}

// getLimiter retrieves or creates a limiter for a user
func (m *UserRateLimiter) getLimiter(userID string) *rate.Limiter {
	m.mu.RLock()
	limiter, exists := m.limiters[userID]
	m.mu.RUnlock()

	if exists {
		return limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double check to prevent race condition
	if limiter, exists = m.limiters[userID]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(m.requestsPerMinute)), m.burst)
	m.limiters[userID] = limiter
	return limiter
}
