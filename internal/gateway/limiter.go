// ABOUTME: Per-client-IP rate limiting for the agent handshake
// ABOUTME: Token bucket per IP with failure penalties and success forgiveness

package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// IPLimiter bounds handshake attempts per client IP. Auth failures burn
// an extra token so a guessing client runs dry faster; a successful
// handshake resets the client's bucket.
type IPLimiter struct {
	mu        sync.Mutex
	perSecond rate.Limit
	burst     int
	clients   map[string]*rate.Limiter
}

// NewIPLimiter creates a limiter allowing perSecond attempts with the
// given burst per client IP.
func NewIPLimiter(perSecond float64, burst int) *IPLimiter {
	return &IPLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		clients:   make(map[string]*rate.Limiter),
	}
}

func (l *IPLimiter) limiter(ip string) *rate.Limiter {
	lim, ok := l.clients[ip]
	if !ok {
		lim = rate.NewLimiter(l.perSecond, l.burst)
		l.clients[ip] = lim
	}
	return lim
}

// Allow reports whether ip may attempt a handshake now, consuming one
// token if so.
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.limiter(ip).Allow()
}

// Failure records a failed handshake, burning an extra token.
func (l *IPLimiter) Failure(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limiter(ip).Allow()
}

// Success records a successful handshake, restoring the client's full
// burst. Legitimate agents reconnecting in a loop should not starve.
func (l *IPLimiter) Success(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.clients, ip)
}
