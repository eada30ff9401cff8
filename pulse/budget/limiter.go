package budget

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter enforces per-key request rates, keyed by provider family.
// Keys without a configured rate are unlimited.
type Limiter struct {
	mu       sync.Mutex
	rates    map[string]float64
	burst    int
	limiters map[string]*rate.Limiter
}

// NewLimiter creates a limiter from requests-per-second rates per key
func NewLimiter(rates map[string]float64, burst int) *Limiter {
	l := &Limiter{}
	l.Update(rates, burst)
	return l
}

// Update replaces the configured rates. Existing limiters for keys whose
// rate is unchanged keep their token state.
func (l *Limiter) Update(rates map[string]float64, burst int) {
	if burst <= 0 {
		burst = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	next := make(map[string]*rate.Limiter, len(rates))
	for key, r := range rates {
		if r <= 0 {
			continue
		}
		if existing, ok := l.limiters[key]; ok && l.rates[key] == r && l.burst == burst {
			next[key] = existing
			continue
		}
		next[key] = rate.NewLimiter(rate.Limit(r), burst)
	}

	copied := make(map[string]float64, len(rates))
	for k, v := range rates {
		copied[k] = v
	}
	l.rates = copied
	l.burst = burst
	l.limiters = next
}

// Wait blocks until a request for key is allowed or ctx is done
func (l *Limiter) Wait(ctx context.Context, key string) error {
	l.mu.Lock()
	lim := l.limiters[key]
	l.mu.Unlock()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// Allow reports whether a request for key may happen now, consuming a token if so
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	lim := l.limiters[key]
	l.mu.Unlock()
	if lim == nil {
		return true
	}
	return lim.Allow()
}
