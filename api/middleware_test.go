package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"setu/config"
	"setu/core/auth"
	"setu/core/store"
	"setu/core/utils"
)

func withViewer(r *http.Request, role store.Role) *http.Request {
	return r.WithContext(auth.WithViewer(r.Context(), &auth.Viewer{UserID: "u1", Role: role}))
}

func TestRequireRoleDeniesOtherRoles(t *testing.T) {
	s := &Server{logger: utils.NopLogger()}
	handler := s.requireRole(store.RoleGovernment)(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rr := httptest.NewRecorder()
	handler(rr, withViewer(httptest.NewRequest(http.MethodGet, "/api/stats/government", nil), store.RoleCitizen))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler(rr, withViewer(httptest.NewRequest(http.MethodGet, "/api/stats/government", nil), store.RoleGovernment))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d", rr.Code)
	}
}

func TestRequireRoleWithoutViewerIsUnauthorized(t *testing.T) {
	s := &Server{logger: utils.NopLogger()}
	handler := s.requireRole(store.RoleNGO)(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rr := httptest.NewRecorder()
	handler(rr, httptest.NewRequest(http.MethodGet, "/api/reports/assigned", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", rr.Code)
	}
}

func TestRateLimitRejectsBurstFromOneClient(t *testing.T) {
	s := &Server{
		cfg:          &config.AppConfig{},
		loginLimiter: newLimiter(0.001, 2),
		logger:       utils.NopLogger(),
	}
	handler := s.rateLimit(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		rr := httptest.NewRecorder()
		handler(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.RemoteAddr = "203.0.113.8:4000"
	rr := httptest.NewRecorder()
	handler(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("other client should not be limited, got %d", rr.Code)
	}
}

func TestLimiterCleanupCapsBuckets(t *testing.T) {
	l := newLimiter(1, 1)
	l.maxBuckets = 2
	base := time.Now()
	for i, k := range []string{"a", "b", "c"} {
		l.allow(k)
		l.buckets[k].lastSeen = base.Add(time.Duration(i) * time.Second)
	}
	l.mu.Lock()
	l.cleanup(base.Add(3 * time.Second))
	n := len(l.buckets)
	_, hasC := l.buckets["c"]
	l.mu.Unlock()
	if n != 2 || !hasC {
		t.Fatalf("expected the two newest buckets to survive, got %d (c kept: %v)", n, hasC)
	}
}

func TestClientIPUsesNearestUntrustedXFFHop(t *testing.T) {
	s := &Server{cfg: &config.AppConfig{TrustedProxies: []string{"10.0.0.10", "10.0.1.0/24"}}}
	req := httptest.NewRequest(http.MethodGet, "/api/auth/login", nil)
	req.RemoteAddr = "10.0.0.10:54321"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.1.7")
	if got := s.clientIP(req); got != "203.0.113.9" {
		t.Fatalf("unexpected client ip %q", got)
	}
}

func TestClientIPIgnoresXFFFromUntrustedPeer(t *testing.T) {
	s := &Server{cfg: &config.AppConfig{TrustedProxies: []string{"10.0.0.10"}}}
	req := httptest.NewRequest(http.MethodGet, "/api/auth/login", nil)
	req.RemoteAddr = "192.168.1.20:12345"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	if got := s.clientIP(req); got != "192.168.1.20" {
		t.Fatalf("unexpected client ip %q", got)
	}
}

func TestRecoverMiddlewareReturns500(t *testing.T) {
	s := &Server{logger: utils.NopLogger()}
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestWithSessionRejectsMissingToken(t *testing.T) {
	s := &Server{logger: utils.NopLogger()}
	called := false
	h := s.withSession(func(http.ResponseWriter, *http.Request) { called = true })
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil).WithContext(context.Background()))
	if rr.Code != http.StatusUnauthorized || called {
		t.Fatalf("expected 401 without calling next, got %d", rr.Code)
	}
}
