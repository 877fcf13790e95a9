package apihttp

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNormalizeRoute(t *testing.T) {
	cases := map[string]string{
		"/healthz":                                "/healthz",
		"/metrics":                                "/metrics",
		"/ws":                                     "/ws",
		"/api/discord-session":                    "/api/discord-session",
		"/api/session-history":                    "/api/session-history",
		"/api/session-token/abc-123":              "/api/session-token/:roomId",
		"/api/validate-token/abc-123":             "/api/validate-token/:roomId",
		"/api/session-status/abc-123":             "/api/session-status/:roomId",
		"/api/session-rating/abc-123":             "/api/session-rating/:roomId",
		"/api/discord-end-session/abc-123":        "/api/discord-end-session/:roomId",
		"/api/discord-finalize-session/abc-123":   "/api/discord-finalize-session/:roomId",
		"/api/upload/init/abc-123":                "/api/upload/init/:roomId",
		"/api/upload/chunk/abc-123/up-1/17":       "/api/upload/chunk",
		"/api/upload/complete/abc-123/up-1":       "/api/upload/complete",
		"/api/upload/abort/abc-123/up-1":          "/api/upload/abort",
		"/api/upload/status/abc-123/up-1":         "/api/upload/status",
		"/api/upload/subtitle/abc-123":            "/api/upload/subtitle",
		"/api/upload/subtitle/abc-123/movie.srt":  "/api/upload/subtitle",
		"/video/abc-123":                          "/video/:roomId",
		"/index.html":                             "/static",
		"/assets/app.js":                          "/static",
	}
	for path, want := range cases {
		if got := normalizeRoute(path); got != want {
			t.Errorf("normalizeRoute(%q) = %q, want %q", path, got, want)
		}
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORSAllowListEchoesKnownOrigin(t *testing.T) {
	handler := corsMiddleware([]string{"https://app.example.com"}, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/session-history", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow-origin = %q", got)
	}
	if rec.Header().Get("Vary") != "Origin" {
		t.Fatal("Vary: Origin missing")
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	handler := corsMiddleware([]string{"https://app.example.com"}, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unknown origin got allow-origin %q", got)
	}
}

func TestCORSEmptyListPermitsAnyOrigin(t *testing.T) {
	handler := corsMiddleware(nil, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("dev-mode allow-origin = %q", got)
	}
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { called = true })
	handler := corsMiddleware(nil, next)

	req := httptest.NewRequest(http.MethodOptions, "/api/upload/init/abc", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if called {
		t.Fatal("preflight reached the next handler")
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:4444"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.7" {
		t.Fatalf("clientIP = %q, want first forwarded hop", got)
	}

	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", "198.51.100.2")
	if got := clientIP(req); got != "198.51.100.2" {
		t.Fatalf("clientIP = %q, want X-Real-IP", got)
	}

	req.Header.Del("X-Real-IP")
	if got := clientIP(req); got != "10.0.0.9" {
		t.Fatalf("clientIP = %q, want remote host", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 120); got != "short" {
		t.Fatalf("truncate(short) = %q", got)
	}
	long := "abcdefghij"
	if got := truncate(long, 8); got != "abcde..." {
		t.Fatalf("truncate = %q, want abcde...", got)
	}
	if got := truncate(long, 2); got != "ab" {
		t.Fatalf("tiny limit truncate = %q, want ab", got)
	}
}
