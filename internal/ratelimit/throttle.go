package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Throttle is a keyed pool of token buckets for high-frequency, low-value
// events such as typing indicators, where dropping excess events is the
// desired behaviour and no window history is needed.
type Throttle struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   rate.Limit
	burst int
}

// NewThrottle creates a Throttle allowing rps events per second per key with
// the given burst.
func NewThrottle(rps float64, burst int) *Throttle {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		m:     make(map[string]*rate.Limiter),
		rps:   rate.Limit(rps),
		burst: burst,
	}
}

func (t *Throttle) get(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(t.rps, t.burst)
	t.m[key] = l
	return l
}

// Allow reports whether one more event for key fits in its bucket.
func (t *Throttle) Allow(key string) bool {
	return t.get(key).Allow()
}

// Forget drops the bucket for key (e.g. when a connection closes).
func (t *Throttle) Forget(key string) {
	t.mu.Lock()
	delete(t.m, key)
	t.mu.Unlock()
}
