package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"setu/api/handlers"
	"setu/core/auth"
	"setu/core/store"
)

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Errorf("PANIC %s %s: %v\n%s", r.Method, r.URL.Path, rec, string(debug.Stack()))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

const (
	limiterTTL             = 10 * time.Minute
	limiterCleanupInterval = time.Minute
	limiterMaxBuckets      = 10000
)

// requestLimiter keeps one token bucket per key (client ip or email).
type requestLimiter struct {
	mu          sync.Mutex
	buckets     map[string]*limiterBucket
	limit       rate.Limit
	burst       int
	ttl         time.Duration
	lastCleanup time.Time
	maxBuckets  int
}

type limiterBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLimiter(perSecond float64, burst int) *requestLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &requestLimiter{
		buckets:    make(map[string]*limiterBucket),
		limit:      rate.Limit(perSecond),
		burst:      burst,
		ttl:        limiterTTL,
		maxBuckets: limiterMaxBuckets,
	}
}

func (l *requestLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.lastCleanup) >= limiterCleanupInterval {
		l.cleanup(now)
		l.lastCleanup = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &limiterBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

func (l *requestLimiter) cleanup(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.ttl {
			delete(l.buckets, key)
		}
	}
	for len(l.buckets) > l.maxBuckets {
		oldestKey := ""
		var oldest time.Time
		for key, b := range l.buckets {
			if oldestKey == "" || b.lastSeen.Before(oldest) {
				oldestKey = key
				oldest = b.lastSeen
			}
		}
		delete(l.buckets, oldestKey)
	}
}

func (s *Server) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.loginLimiter.allow("ip|" + strings.ToLower(s.clientIP(r))) {
			w.Header().Set("Retry-After", "5")
			handlers.WriteErrorKey(w, http.StatusTooManyRequests, "auth.tooManyAttempts")
			return
		}
		next(w, r)
	}
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		if r.TLS != nil || (s.isTrustedProxy(remoteIP(r)) && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")) {
			w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records status and latency under the chi route pattern
// and logs one line per request.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		dur := time.Since(start)
		s.metrics.ObserveHTTP(route, r.Method, strconv.Itoa(rec.status), dur)
		user := "-"
		if v, ok := auth.ViewerFromContext(r.Context()); ok {
			user = v.UserID
		}
		s.logger.Event().Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("user", user).
			Int("status", rec.status).
			Dur("dur", dur).
			Int("bytes", rec.size).
			Msg("http response")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// withSession resolves the bearer token into a viewer snapshot.
func (s *Server) withSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := handlers.BearerToken(r)
		if token == "" {
			handlers.WriteErrorKey(w, http.StatusUnauthorized, "auth.sessionInvalid")
			return
		}
		viewer, err := s.auth.Current(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrSessionInvalid) {
				handlers.WriteErrorKey(w, http.StatusUnauthorized, "auth.sessionInvalid")
				return
			}
			s.logger.Errorf("resolve session: %v", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "common.unavailable", "message": handlers.Message("common.unavailable"), "retryable": true})
			return
		}
		next(w, r.WithContext(auth.WithViewer(r.Context(), viewer)))
	}
}

// requireRole must run inside withSession.
func (s *Server) requireRole(roles ...store.Role) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			v, ok := auth.ViewerFromContext(r.Context())
			if !ok {
				handlers.WriteErrorKey(w, http.StatusUnauthorized, "auth.sessionInvalid")
				return
			}
			for _, role := range roles {
				if v.Role == role {
					next(w, r)
					return
				}
			}
			handlers.WriteErrorKey(w, http.StatusForbidden, "auth.roleNotAllowed")
		}
	}
}

func remoteIP(r *http.Request) string {
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	if ip == "" {
		ip = r.RemoteAddr
	}
	return strings.TrimSpace(ip)
}

func (s *Server) clientIP(r *http.Request) string {
	ip := remoteIP(r)
	if !s.isTrustedProxy(ip) {
		return ip
	}
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if candidate := s.firstUntrustedHop(xff); candidate != "" {
			return candidate
		}
	}
	return ip
}

// firstUntrustedHop walks X-Forwarded-For from the nearest hop outwards.
func (s *Server) firstUntrustedHop(xff string) string {
	parts := strings.Split(xff, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		parsed := net.ParseIP(strings.TrimSpace(parts[i]))
		if parsed == nil {
			continue
		}
		if val := parsed.String(); !s.isTrustedProxy(val) {
			return val
		}
	}
	return ""
}

func (s *Server) isTrustedProxy(ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil || s.cfg == nil {
		return false
	}
	for _, raw := range s.cfg.TrustedProxies {
		val := strings.TrimSpace(raw)
		if val == "" {
			continue
		}
		if strings.Contains(val, "/") {
			if _, block, err := net.ParseCIDR(val); err == nil && block.Contains(parsed) {
				return true
			}
			continue
		}
		if parsed.Equal(net.ParseIP(val)) {
			return true
		}
	}
	return false
}
