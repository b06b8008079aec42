package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedIPs caps the limiter map so rotating source addresses cannot
// exhaust memory.
const maxTrackedIPs = 4096

// IPRateLimiter keeps one token bucket per client address.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewIPRateLimiter builds a limiter at rps requests/second per address.
// rps <= 0 disables limiting.
func NewIPRateLimiter(rps float64) *IPRateLimiter {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &IPRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst * 2,
	}
}

func (l *IPRateLimiter) Enabled() bool { return l.rps > 0 }

// Allow reports whether the address may proceed.
func (l *IPRateLimiter) Allow(addr string) bool {
	if !l.Enabled() {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[addr]
	if !ok {
		if len(l.limiters) >= maxTrackedIPs {
			for k := range l.limiters {
				delete(l.limiters, k)
				break
			}
		}
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[addr] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
