package openai

import (
	"context"
	"sync"
	"time"
)

// windowEntry records one admitted request and its token estimate.
type windowEntry struct {
	at     time.Time
	tokens int
}

// rateWindow tracks request and approximate-token counts over a sliding
// minute. Callers that would exceed either bound block until the oldest
// recorded request ages out of the window.
type rateWindow struct {
	mu                sync.Mutex
	requestsPerMinute int
	tokensPerMinute   int
	entries           []windowEntry
	tokens            int
}

// newRateWindow creates a window; a non-positive bound disables it.
func newRateWindow(requestsPerMinute, tokensPerMinute int) *rateWindow {
	return &rateWindow{
		requestsPerMinute: requestsPerMinute,
		tokensPerMinute:   tokensPerMinute,
	}
}

// wait blocks until a request with the given token estimate fits inside
// both per-minute bounds, then records it.
func (w *rateWindow) wait(ctx context.Context, tokens int) error {
	for {
		w.mu.Lock()
		now := time.Now()
		w.evict(now)

		if w.fits(tokens) {
			w.entries = append(w.entries, windowEntry{at: now, tokens: tokens})
			w.tokens += tokens
			w.mu.Unlock()
			return nil
		}

		oldest := w.entries[0].at
		w.mu.Unlock()

		delay := time.Until(oldest.Add(time.Minute))
		if delay < 10*time.Millisecond {
			delay = 10 * time.Millisecond
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// evict drops entries older than one minute. Callers hold the lock.
func (w *rateWindow) evict(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		w.tokens -= w.entries[i].tokens
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}

// fits reports whether one more request with the given tokens stays within
// both bounds. An empty window always admits, so a single oversized batch
// cannot block forever. Callers hold the lock.
func (w *rateWindow) fits(tokens int) bool {
	if len(w.entries) == 0 {
		return true
	}
	if w.requestsPerMinute > 0 && len(w.entries) >= w.requestsPerMinute {
		return false
	}
	if w.tokensPerMinute > 0 && w.tokens+tokens > w.tokensPerMinute {
		return false
	}
	return true
}
