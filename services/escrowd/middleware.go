package escrowd

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"givechain/observability"
	"givechain/services/escrowd/config"
)

const visitorTTL = 5 * time.Minute

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a per-client token bucket to every request.
type RateLimiter struct {
	limit     config.RateLimitConfig
	logger    *slog.Logger
	mu        sync.Mutex
	visitors  map[string]*rateEntry
	lastSweep time.Time
	clockNow  func() time.Time
}

func NewRateLimiter(limit config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		limit:    limit,
		logger:   logger,
		visitors: make(map[string]*rateEntry),
		clockNow: time.Now,
	}
}

func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.limit.RequestsPerMinute <= 0 {
			next.ServeHTTP(w, req)
			return
		}
		identifier := clientID(req)
		if !r.obtainLimiter(identifier).Allow() {
			observability.HTTP().RecordThrottle(req.URL.Path)
			r.logger.Debug("request throttled", slog.String("client", identifier), slog.String("route", req.URL.Path))
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) obtainLimiter(id string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clockNow()
	if now.Sub(r.lastSweep) > visitorTTL {
		for key, entry := range r.visitors {
			if now.Sub(entry.lastSeen) > visitorTTL {
				delete(r.visitors, key)
			}
		}
		r.lastSweep = now
	}
	if entry, ok := r.visitors[id]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	burst := r.limit.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(r.limit.PerSecond()), burst)
	r.visitors[id] = &rateEntry{limiter: limiter, lastSeen: now}
	return limiter
}

func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if parsed := net.ParseIP(first); parsed != nil {
			return parsed.String()
		}
		return first
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// observe records request metrics under the matched chi route pattern and
// optionally logs every request.
func observe(logger *slog.Logger, logRequests bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(start)
			observability.HTTP().Observe(route, r.Method, status, elapsed)
			if logRequests {
				logger.Info("request",
					slog.String("request_id", chimw.GetReqID(r.Context())),
					slog.String("method", r.Method),
					slog.String("route", route),
					slog.Int("status", status),
					slog.Duration("duration", elapsed),
				)
			}
		})
	}
}
