// Package ratelimit throttles storefront-facing endpoints per client IP.
// Limits are enforced either in process or, when several replicas share the
// budget, in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/iliamunaev/checkout-relay/internal/apperr"
)

// ErrLimited is passed to the reject func when a client is over its budget.
var ErrLimited = fmt.Errorf("ratelimit: %w", apperr.ErrRateLimited)

// Limiter decides whether a request keyed by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
	Name() string
}

const (
	visitorTTL    = 3 * time.Minute
	sweepInterval = time.Minute
	retryAfter    = 5
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Local keeps one token bucket per key in memory.
type Local struct {
	rps   rate.Limit
	burst int
	now   func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewLocal(rps float64, burst int) *Local {
	if burst < 1 {
		burst = 1
	}
	return &Local{
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

func (l *Local) Name() string { return "local" }

func (l *Local) Ping(context.Context) error { return nil }

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	return l.visitor(key).AllowN(l.now(), 1), nil
}

func (l *Local) visitor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = l.now()
	return v.limiter
}

// Sweep drops visitors idle for longer than the TTL and returns how many
// remain.
func (l *Local) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, v := range l.visitors {
		if now.Sub(v.lastSeen) > visitorTTL {
			delete(l.visitors, k)
		}
	}
	return len(l.visitors)
}

// Run sweeps idle visitors until ctx is done.
func (l *Local) Run(ctx context.Context) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}

// Middleware hands requests over the limit to reject with ErrLimited, after
// setting Retry-After. A nil reject writes a plain 429. Limiter errors let
// the request through.
func Middleware(l Limiter, log *slog.Logger, reject func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	if reject == nil {
		reject = func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
		}
	}
	log = log.With("component", "ratelimit", "limiter", l.Name())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)

			ok, err := l.Allow(r.Context(), ip)
			if err != nil {
				log.Warn("limiter unavailable, allowing request", "ip", ip, "err", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				reject(w, r, ErrLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the request's remote host without port or IPv6 brackets.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}
