// Package ratelimit bounds outbound probe dispatch per service so a manual
// triggerCheck burst cannot stampede a slow upstream. It is
// independent of and layered on top of each check's timeout.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Registry hands out one token-bucket limiter per service, created lazily.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRegistry returns an empty limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until a token is available for service, or ctx is done. The
// limiter is created on first use: burst 1, refill rate 1/interval.
func (r *Registry) Wait(ctx context.Context, service string, interval time.Duration) error {
	return r.limiterFor(service, interval).Wait(ctx)
}

func (r *Registry) limiterFor(service string, interval time.Duration) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[service]; ok {
		return l
	}
	if interval <= 0 {
		interval = time.Second
	}
	l := rate.NewLimiter(rate.Every(interval), 1)
	r.limiters[service] = l
	return l
}

// Remove drops a service's limiter, e.g. on config reload when the service
// is dropped.
func (r *Registry) Remove(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limiters, service)
}
