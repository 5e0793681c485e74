package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAccessLogAssignsRequestIDHeader(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	handler := AccessLog(logger, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if RequestID(r.Context()) == "" {
			t.Error("RequestID(ctx) was empty inside the wrapped handler")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get(headerRequestID) == "" {
		t.Fatal("expected X-Mahoraga-Request-Id to be set on the response")
	}
}

func TestAccessLogHonoursIncomingRequestID(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	handler := AccessLog(logger, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(headerRequestID, "caller-supplied-id")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get(headerRequestID); got != "caller-supplied-id" {
		t.Fatalf("X-Mahoraga-Request-Id = %q, want the caller-supplied value", got)
	}
}

func TestRecoverConvertsPanicToInternalServerError(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	handler := Recover(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 after a recovered panic", w.Code)
	}
}

func TestRecoverPassesThroughNormalResponses(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	handler := Recover(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418 to pass through untouched", w.Code)
	}
}
