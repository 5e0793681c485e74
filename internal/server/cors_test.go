package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hingebase/mahoraga-go/internal/config"
)

func TestCORSAllowsExactOrigin(t *testing.T) {
	mw := CORS(config.CORSConfig{AllowOrigins: []string{"https://allowed.example.com"}})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://allowed.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://allowed.example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want the allowed origin", got)
	}
}

func TestCORSRejectsUnlistedOrigin(t *testing.T) {
	mw := CORS(config.CORSConfig{AllowOrigins: []string{"https://allowed.example.com"}})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want empty for an unlisted origin", got)
	}
}

func TestCORSWildcardAllowsAnyOrigin(t *testing.T) {
	mw := CORS(config.CORSConfig{AllowOrigins: []string{"*"}})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://anything.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://anything.example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want the echoed origin under a wildcard policy", got)
	}
}

func TestCORSAnswersPreflightDirectly(t *testing.T) {
	mw := CORS(config.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "HEAD"},
		AllowHeaders: []string{"Authorization"},
		MaxAge:       600,
	})
	called := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://anything.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if called {
		t.Fatal("OPTIONS preflight reached the wrapped handler instead of being answered directly")
	}
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204 for a preflight response", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Methods") != "GET, HEAD" {
		t.Fatalf("Access-Control-Allow-Methods = %q", w.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestCORSOriginRegex(t *testing.T) {
	mw := CORS(config.CORSConfig{AllowOriginRegex: `^https://.*\.example\.com$`})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://sub.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://sub.example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want the regex-matched origin", got)
	}
}
