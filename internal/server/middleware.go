package server

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"cloudship/internal/observability"
	"cloudship/internal/ratelimit"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// bucketIdle is how long a client's token bucket survives without traffic.
const bucketIdle = 10 * time.Minute

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// tokenBuckets holds one token bucket per client IP. Buckets idle for longer
// than bucketIdle are dropped on the next sweep, which runs at most once per
// bucketIdle.
type tokenBuckets struct {
	mu        sync.Mutex
	buckets   map[string]*clientBucket
	every     rate.Limit
	burst     int
	lastSweep time.Time
}

func newTokenBuckets(perMinute int) *tokenBuckets {
	return &tokenBuckets{
		buckets: make(map[string]*clientBucket),
		every:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
	}
}

func (tb *tokenBuckets) allow(ip string, now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if now.Sub(tb.lastSweep) > bucketIdle {
		for key, b := range tb.buckets {
			if now.Sub(b.lastSeen) > bucketIdle {
				delete(tb.buckets, key)
			}
		}
		tb.lastSweep = now
	}

	b, ok := tb.buckets[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(tb.every, tb.burst)}
		tb.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// NewWebhookRateLimitMiddleware throttles webhook deliveries to perMinute per
// client IP, allowing a full minute's worth as a burst.
func NewWebhookRateLimitMiddleware(perMinute int, logger *slog.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	buckets := newTokenBuckets(perMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			if !buckets.allow(ip, time.Now()) {
				metrics.RateLimited("webhook")
				logger.Warn("Webhook rate limit exceeded", "ip", ip, "path", r.URL.Path)
				writeJSON(w, logger, http.StatusTooManyRequests, map[string]string{"error": "Rate limit exceeded"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitExempt paths are health checks and metric scrapes that must never be throttled.
var rateLimitExempt = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// NewRateLimitMiddleware admits requests through a fixed-window limiter keyed
// by client IP and reports the window on every admitted or rejected response.
func NewRateLimitMiddleware(limiter *ratelimit.Limiter, logger *slog.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rateLimitExempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r)
			d := limiter.Allow(ip)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				retry := time.Until(d.ResetAt).Round(time.Second)
				if retry < time.Second {
					retry = time.Second
				}
				h.Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
				metrics.RateLimited("api")
				logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
				writeJSON(w, logger, http.StatusTooManyRequests, map[string]string{"error": "Rate limit exceeded"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// logRequests writes one access log line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.Logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"request_id", middleware.GetReqID(r.Context()),
				"duration_ms", time.Since(start).Milliseconds())
		}()

		next.ServeHTTP(ww, r)
	})
}

// clientIP strips the port that RemoteAddr carries when RealIP found no
// forwarding header.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
