package throttle

import (
	"context"
	"net/http"
	"sync"
	"time"
)

type windowCount struct {
	requests int
	resetAt  time.Time
	timer    *time.Timer
}

// MemoryLimiter is a fixed-window counter held in process memory. Each key's
// window opens on its first increment and is discarded by a timer when the
// window elapses.
type MemoryLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	counts map[string]*windowCount
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:  limit,
		window: window,
		counts: make(map[string]*windowCount),
	}
}

var _ RateLimiter = (*MemoryLimiter)(nil)

func (l *MemoryLimiter) IncrementCount(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counts[key]
	if !ok {
		c = &windowCount{requests: 0, resetAt: time.Now().Add(l.window)}
		c.timer = time.AfterFunc(l.window, func() {
			l.mu.Lock()
			delete(l.counts, key)
			l.mu.Unlock()
		})
		l.counts[key] = c
	}
	c.requests++
	if c.requests > l.limit {
		retryAfter := int(time.Until(c.resetAt).Seconds()) + 1
		return &ThrottlingError{
			Code:          http.StatusTooManyRequests,
			Message:       "Exceeded request budget for " + key,
			RetryAfterSec: retryAfter,
		}
	}
	return nil
}

// Close stops all pending window timers.
func (l *MemoryLimiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, c := range l.counts {
		c.timer.Stop()
		delete(l.counts, key)
	}
}
