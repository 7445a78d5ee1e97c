package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/donmikel/photobatch/applications/server/interfaces"
)

type unlimited struct{}

// NewUnlimitedRateLimiter allows every request. Upload endpoints run without a
// limit unless a limiter is configured.
func NewUnlimitedRateLimiter() interfaces.RateLimiter {
	return unlimited{}
}

func (unlimited) Allow(context.Context, string) (bool, error) {
	return true, nil
}

type window struct {
	start time.Time
	count int
}

// fixedWindowLimiter is a single-process fixed window counter.
type fixedWindowLimiter struct {
	requests int
	window   time.Duration
	now      func() time.Time

	mutex   sync.Mutex
	windows map[string]window
}

func NewRateLimiter(requests int, per time.Duration) interfaces.RateLimiter {
	return &fixedWindowLimiter{
		requests: requests,
		window:   per,
		now:      time.Now,
		windows:  map[string]window{},
	}
}

func (l *fixedWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	now := l.now()
	w := l.windows[key]
	if now.Sub(w.start) >= l.window {
		w = window{start: now}
	}
	w.count++
	l.windows[key] = w

	return w.count <= l.requests, nil
}
