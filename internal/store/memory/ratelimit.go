package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

var _ domain.RateLimiter = (*RateLimiter)(nil)

// RateLimiter is a sliding-window limiter over in-process request logs.
type RateLimiter struct {
	mu    sync.Mutex
	clock domain.Clock
	hits  map[string][]time.Time
}

func NewRateLimiter(clock domain.Clock) *RateLimiter {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &RateLimiter{clock: clock, hits: make(map[string][]time.Time)}
}

func (l *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := l.clock.Now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()
	hits := l.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) >= limit {
		l.hits[key] = hits
		return false, nil
	}
	l.hits[key] = append(hits, now)
	return true, nil
}
