package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/md2gost/studio/backend/internal/observability"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	h := CORS([]string{"http://editor.test"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://editor.test")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)

	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "http://editor.test" {
		t.Fatalf("expected origin echoed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://evil.test")
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, req)

	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS header, got %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"*"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight reached the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/images/upload", nil)
	req.Header.Set("Origin", "http://anything.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if resp.Header().Get("Access-Control-Allow-Headers") == "" {
		t.Fatal("expected allowed headers")
	}
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	h := rl.Middleware(okHandler())
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/preview", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)
		codes = append(codes, resp.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status codes %v", codes)
	}

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodPost, "/api/preview", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for second client, got %d", resp.Code)
	}

	now = now.Add(time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Fatal("expected token to refill after one second")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !rl.Allow("client") {
			t.Fatalf("request %d rejected with limiting disabled", i)
		}
	}
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	observability.InitMetrics()

	r := chi.NewRouter()
	r.Use(Metrics)
	r.Get("/api/session/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/session/abc123", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	scrape := httptest.NewRecorder()
	observability.MetricsHandler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := scrape.Body.String()

	if !strings.Contains(body, `route="/api/session/{sessionID}",status="404"`) {
		t.Fatalf("expected route pattern label in exposition:\n%s", body)
	}
	if strings.Contains(body, "abc123") {
		t.Fatal("session id leaked into metric labels")
	}
}
