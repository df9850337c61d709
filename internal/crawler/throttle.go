package crawler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterSettings configures a token bucket: Requests calls per Window.
type RateLimiterSettings struct {
	Requests int
	Window   time.Duration
}

// Throttle spaces backend API calls. Each session gets its own bucket so one proxy is never
// pushed harder than the configured rate, however many workers share it.
type Throttle struct {
	settings RateLimiterSettings
	enabled  bool

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottle creates a throttle. Non-positive settings disable it.
func NewThrottle(settings RateLimiterSettings) *Throttle {
	t := &Throttle{settings: settings}
	if settings.Requests > 0 && settings.Window > 0 {
		t.enabled = true
		t.limiters = make(map[string]*rate.Limiter)
	}
	return t
}

// Wait blocks until key may issue another call.
func (t *Throttle) Wait(ctx context.Context, key string) error {
	if t == nil || !t.enabled {
		return nil
	}
	t.mu.Lock()
	limiter := t.ensureLimiterLocked(key)
	t.mu.Unlock()
	return limiter.Wait(ctx)
}

// Forget drops the bucket of a retired session.
func (t *Throttle) Forget(key string) {
	if t == nil || !t.enabled {
		return
	}
	t.mu.Lock()
	delete(t.limiters, key)
	t.mu.Unlock()
}

func (t *Throttle) ensureLimiterLocked(key string) *rate.Limiter {
	limiter, ok := t.limiters[key]
	if ok {
		return limiter
	}
	interval := t.settings.Window / time.Duration(t.settings.Requests)
	if interval <= 0 {
		interval = time.Millisecond
	}
	limiter = rate.NewLimiter(rate.Every(interval), t.settings.Requests)
	t.limiters[key] = limiter
	return limiter
}
