package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serve(opts CORSOptions, method, origin string) *httptest.ResponseRecorder {
	h := CORS(opts)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(method, "/api/sessions", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func origins(o ...string) CORSOptions {
	return CORSOptions{Origins: o}
}

func TestCORSExplicitOriginAllowsCredentials(t *testing.T) {
	w := serve(origins("http://app.local"), http.MethodGet, "http://app.local")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://app.local" {
		t.Errorf("allow-origin = %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("expected credentials for explicit origin")
	}
	if w.Code != http.StatusTeapot {
		t.Errorf("expected request to reach handler, got %d", w.Code)
	}
}

func TestCORSWildcardNoCredentials(t *testing.T) {
	w := serve(origins("*"), http.MethodGet, "http://evil.local")
	if w.Header().Get("Access-Control-Allow-Origin") != "http://evil.local" {
		t.Error("expected wildcard to echo origin")
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("wildcard must not allow credentials")
	}
}

func TestCORSUnknownOrigin(t *testing.T) {
	w := serve(origins("http://app.local"), http.MethodGet, "http://other.local")
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unexpected allow-origin for unknown origin")
	}
}

func TestCORSPreflightDefaults(t *testing.T) {
	w := serve(origins("http://app.local"), http.MethodOptions, "http://app.local")
	if w.Code != http.StatusOK {
		t.Errorf("preflight status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, PATCH, DELETE, OPTIONS" {
		t.Errorf("allow-methods = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, Last-Event-ID" {
		t.Errorf("allow-headers = %q", got)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "" {
		t.Errorf("max-age = %q, want none", got)
	}
}

func TestCORSConfiguredMethodsAndHeaders(t *testing.T) {
	opts := CORSOptions{
		Origins: []string{"http://app.local"},
		Methods: []string{"GET", "POST"},
		Headers: []string{"Content-Type", "X-Principal-ID"},
		MaxAge:  10 * time.Minute,
	}
	w := serve(opts, http.MethodOptions, "http://app.local")
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST" {
		t.Errorf("allow-methods = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, X-Principal-ID" {
		t.Errorf("allow-headers = %q", got)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "600" {
		t.Errorf("max-age = %q", got)
	}

	w = serve(opts, http.MethodGet, "http://app.local")
	if got := w.Header().Get("Access-Control-Max-Age"); got != "" {
		t.Errorf("max-age on a simple request = %q", got)
	}
}
