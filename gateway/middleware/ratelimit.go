package middleware

import (
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit bounds one request class.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

// visitorIdleTTL is how long an untouched bucket survives before the sweep
// reclaims it.
const visitorIdleTTL = 10 * time.Minute

// sweepEvery spaces the inline sweeps so a hot limiter does not rescan the
// map on every request.
const sweepEvery = time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles request classes per caller. Authenticated callers
// are keyed by their participant PID, anonymous ones by remote address.
type RateLimiter struct {
	logger    *log.Logger
	limits    map[string]RateLimit
	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
	clockNow  func() time.Time
}

func NewRateLimiter(limits map[string]RateLimit, logger *log.Logger) *RateLimiter {
	if logger == nil {
		logger = log.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: make(map[string]*visitor),
		clockNow: time.Now,
	}
}

// Middleware throttles the named request class. Classes without a
// configured limit pass through.
func (r *RateLimiter) Middleware(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[class]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			if !r.allow(class+"|"+callerKey(req), limit) {
				r.logger.Printf("rate limit hit on %s", class)
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) allow(key string, cfg RateLimit) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clockNow()
	if now.Sub(r.lastSweep) >= sweepEvery {
		r.sweepLocked(now)
	}
	v, ok := r.visitors[key]
	if !ok {
		perSecond := cfg.RequestsPerMinute / 60.0
		if perSecond <= 0 {
			perSecond = 1
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
		r.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// sweepLocked drops buckets idle past the TTL. Active callers keep their
// burst accounting.
func (r *RateLimiter) sweepLocked(now time.Time) {
	for key, v := range r.visitors {
		if now.Sub(v.lastSeen) > visitorIdleTTL {
			delete(r.visitors, key)
		}
	}
	r.lastSweep = now
}

// callerKey prefers the authenticated participant; anonymous requests fall
// back to the remote address the RealIP middleware resolved.
func callerKey(req *http.Request) string {
	if identity, ok := IdentityFrom(req.Context()); ok && identity.PID != "" {
		return "pid:" + identity.PID
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return "ip:" + req.RemoteAddr
	}
	return "ip:" + host
}
