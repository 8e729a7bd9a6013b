package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"btdrop/internal/logging"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// Logger wraps a handler with request logging.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)

		// Health probes and scrapes would drown everything else
		if r.URL.Path == "/api/health" || r.URL.Path == "/metrics" {
			return
		}

		logging.HTTP.Printf("%s %s %d %s", r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	AllowedOrigins []string // Empty or nil means allow all (development mode)
}

// CORS adds CORS headers with configurable origin restrictions.
// In production, set AllowedOrigins to restrict which domains can access the API.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowAll := len(cfg.AllowedOrigins) == 0

	allowedSet := make(map[string]bool)
	for _, origin := range cfg.AllowedOrigins {
		allowedSet[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && allowedSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, Content-Length")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders sets conservative browser security headers on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cross-Origin-Resource-Policy", "cross-origin")
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// Requests allowed per IP within Window for any endpoint
	Requests int
	Window   time.Duration
	// UploadRequests allowed per IP within UploadWindow for POST /api/upload
	UploadRequests int
	UploadWindow   time.Duration
	// MaxTrackedIPs bounds the number of per-IP limiters kept in memory
	MaxTrackedIPs int
	// TrustProxy keys limits on the hop appended by the reverse proxy in
	// X-Forwarded-For. Only enable it when a proxy always sets the header.
	TrustProxy bool
}

// DefaultRateLimitConfig returns the production limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Requests:       100, // per 15 minutes
		Window:         15 * time.Minute,
		UploadRequests: 10, // per hour
		UploadWindow:   time.Hour,
		MaxTrackedIPs:  10000,
	}
}

// ipRateLimiter manages per-IP token buckets. Idle IPs fall out of the cache
// once their bucket would have refilled anyway.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

func newIPRateLimiter(requests int, window time.Duration, maxIPs int) *ipRateLimiter {
	if maxIPs <= 0 {
		maxIPs = 10000
	}
	if requests <= 0 {
		requests = 1
	}
	return &ipRateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](maxIPs, nil, window),
		rate:     rate.Every(window / time.Duration(requests)),
		burst:    requests,
	}
}

func (rl *ipRateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, ok := rl.limiters.Get(ip); ok {
		return limiter
	}

	limiter := rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters.Add(ip, limiter)
	return limiter
}

// RateLimit creates a rate limiting middleware.
// Uploads are charged against both the upload and the general budget.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	generalLimiter := newIPRateLimiter(cfg.Requests, cfg.Window, cfg.MaxTrackedIPs)
	uploadLimiter := newIPRateLimiter(cfg.UploadRequests, cfg.UploadWindow, cfg.MaxTrackedIPs)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			ip := extractIP(r, cfg.TrustProxy)

			if !generalLimiter.getLimiter(ip).Allow() {
				logging.HTTP.Printf("rate limit exceeded for %s on %s %s", ip, r.Method, r.URL.Path)
				writeJSON(w, http.StatusTooManyRequests, envelope{
					Error: "Too many requests from this IP, please try again later.",
				})
				return
			}

			if r.Method == http.MethodPost && r.URL.Path == "/api/upload" && !uploadLimiter.getLimiter(ip).Allow() {
				logging.HTTP.Printf("upload rate limit exceeded for %s", ip)
				writeJSON(w, http.StatusTooManyRequests, envelope{
					Error: "Too many upload attempts, please try again later.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractIP gets the client IP for rate limiting. Forwarding headers are
// client-controlled unless a proxy rewrites them, so they are only read when
// trustProxy is set, and then only the right-most X-Forwarded-For entry,
// which the proxy appended itself.
func extractIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			hops := strings.Split(xff, ",")
			if ip := strings.TrimSpace(hops[len(hops)-1]); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
